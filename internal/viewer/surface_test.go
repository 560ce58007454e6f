package viewer

import (
	"testing"

	"github.com/servidesk/servidesk/internal/e2e"
	"github.com/servidesk/servidesk/internal/protocol"
)

// fakeRenderer records composition calls and reports a fixed decode size.
type fakeRenderer struct {
	width, height int
	fulls         int
	regions       [][4]int
}

func (r *fakeRenderer) PresentFull(jpeg []byte) (int, int, error) {
	r.fulls++
	return r.width, r.height, nil
}

func (r *fakeRenderer) PresentRegion(jpeg []byte, x, y, w, h int) error {
	r.regions = append(r.regions, [4]int{x, y, w, h})
	return nil
}

func regionalPacket(regions []protocol.Region) []byte {
	return protocol.EncodeRegionalUpdate(regions)
}

func TestSurface_RegionalBeforeFirstFullFrameDropped(t *testing.T) {
	r := &fakeRenderer{width: 1920, height: 1080}
	s := NewSurface(r)

	s.HandleRegionalUpdate(regionalPacket([]protocol.Region{
		{X: 0, Y: 0, W: 10, H: 10, JPEG: []byte{0xFF}},
	}))
	if len(r.regions) != 0 {
		t.Fatal("regional update composited before the surface existed")
	}

	s.HandleVideoFrame([]byte{0xFF, 0xD8})
	if !s.established {
		t.Fatal("surface not established after full frame")
	}
	s.HandleRegionalUpdate(regionalPacket([]protocol.Region{
		{X: 0, Y: 0, W: 10, H: 10, JPEG: []byte{0xFF}},
	}))
	if len(r.regions) != 1 {
		t.Fatalf("region not applied after full frame: %v", r.regions)
	}
}

func TestSurface_OutOfBoundsRegionDroppedOthersApplied(t *testing.T) {
	r := &fakeRenderer{width: 1920, height: 1080}
	s := NewSurface(r)
	s.HandleVideoFrame([]byte{0xFF, 0xD8})

	// Region at x=1900 w=100 exceeds 1920 and must be dropped; the other
	// two in the same packet continue to apply.
	s.HandleRegionalUpdate(regionalPacket([]protocol.Region{
		{X: 0, Y: 0, W: 64, H: 64, JPEG: []byte{0xFF}},
		{X: 1900, Y: 0, W: 100, H: 10, JPEG: []byte{0xFF}},
		{X: 100, Y: 100, W: 32, H: 32, JPEG: []byte{0xFF}},
	}))

	if len(r.regions) != 2 {
		t.Fatalf("applied %d regions, want 2: %v", len(r.regions), r.regions)
	}
	if s.regionsDropped != 1 {
		t.Fatalf("dropped %d, want 1", s.regionsDropped)
	}
	for _, reg := range r.regions {
		if reg[0] == 1900 {
			t.Fatal("out-of-bounds region was applied")
		}
	}
}

func TestSurface_VerticalOverflowDropped(t *testing.T) {
	r := &fakeRenderer{width: 800, height: 600}
	s := NewSurface(r)
	s.HandleVideoFrame([]byte{0xFF, 0xD8})

	s.HandleRegionalUpdate(regionalPacket([]protocol.Region{
		{X: 0, Y: 590, W: 10, H: 20, JPEG: []byte{0xFF}},
	}))
	if len(r.regions) != 0 {
		t.Fatal("y+h > height region was applied")
	}
}

func TestSurface_ExactEdgeRegionApplied(t *testing.T) {
	r := &fakeRenderer{width: 800, height: 600}
	s := NewSurface(r)
	s.HandleVideoFrame([]byte{0xFF, 0xD8})

	s.HandleRegionalUpdate(regionalPacket([]protocol.Region{
		{X: 790, Y: 590, W: 10, H: 10, JPEG: []byte{0xFF}},
	}))
	if len(r.regions) != 1 {
		t.Fatal("x+w == width region should be applied")
	}
}

func TestSurface_ResetRequiresNewKeyframe(t *testing.T) {
	r := &fakeRenderer{width: 800, height: 600}
	s := NewSurface(r)
	s.HandleVideoFrame([]byte{0xFF, 0xD8})
	s.Reset()

	s.HandleRegionalUpdate(regionalPacket([]protocol.Region{
		{X: 0, Y: 0, W: 8, H: 8, JPEG: []byte{0xFF}},
	}))
	if len(r.regions) != 0 {
		t.Fatal("regional applied after reset without a new keyframe")
	}
}

func TestNormalizeMouse(t *testing.T) {
	nx, ny := NormalizeMouse(960, 540, 1920, 1080, false)
	if nx != 0.5 || ny != 0.5 {
		t.Fatalf("got %v,%v", nx, ny)
	}

	// Bottom-left-origin hosts flip y so the wire stays top-left.
	_, ny = NormalizeMouse(0, 1080, 1920, 1080, true)
	if ny != 0 {
		t.Fatalf("flipped y = %v, want 0", ny)
	}
	_, ny = NormalizeMouse(0, 0, 1920, 1080, true)
	if ny != 1 {
		t.Fatalf("flipped y = %v, want 1", ny)
	}

	// Out-of-range input clamps instead of leaving [0,1].
	nx, ny = NormalizeMouse(-10, 5000, 1920, 1080, false)
	if nx != 0 || ny != 1 {
		t.Fatalf("clamping failed: %v,%v", nx, ny)
	}
}

func TestScrollToWheelDelta(t *testing.T) {
	if ScrollToWheelDelta(1) != 120 || ScrollToWheelDelta(-2) != -240 {
		t.Fatal("wheel delta conversion wrong")
	}
}

func TestClient_EncryptedFrameReachesSurface(t *testing.T) {
	r := &fakeRenderer{width: 640, height: 480}
	c := New("wss://relay.example.com/ws", "T", "A", r, Callbacks{})

	agentChannel, err := e2e.NewChannel()
	if err != nil {
		t.Fatalf("agent channel: %v", err)
	}
	viewerChannel, err := e2e.NewChannel()
	if err != nil {
		t.Fatalf("viewer channel: %v", err)
	}
	if err := agentChannel.DeriveSharedKey(viewerChannel.PublicKey()); err != nil {
		t.Fatalf("derive: %v", err)
	}
	if err := viewerChannel.DeriveSharedKey(agentChannel.PublicKey()); err != nil {
		t.Fatalf("derive: %v", err)
	}

	c.mu.Lock()
	c.surface = NewSurface(r)
	c.channel = viewerChannel
	c.mu.Unlock()

	packet := protocol.EncodePacket(protocol.PacketVideoFrame, []byte{0xFF, 0xD8, 0xFF})
	sealed, err := agentChannel.Encrypt(packet)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	c.handleBinary(sealed)
	if r.fulls != 1 {
		t.Fatalf("full frames rendered: %d", r.fulls)
	}

	// A tampered frame is dropped without touching the renderer.
	sealed, _ = agentChannel.Encrypt(packet)
	sealed[20] ^= 0xFF
	c.handleBinary(sealed)
	if r.fulls != 1 {
		t.Fatal("tampered frame was rendered")
	}
}
