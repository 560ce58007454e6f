package stream

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/servidesk/servidesk/internal/protocol"
)

// stubCapturer returns a fixed-size frame every call, with configurable
// dirty rectangles.
type stubCapturer struct {
	mu    sync.Mutex
	dirty []Rect
	calls atomic.Int64
}

func (c *stubCapturer) Capture() (*Frame, error) {
	c.calls.Add(1)
	c.mu.Lock()
	dirty := append([]Rect(nil), c.dirty...)
	c.mu.Unlock()
	return &Frame{
		Pix:    make([]byte, 1920*1080*4),
		Width:  1920,
		Height: 1080,
		Dirty:  dirty,
	}, nil
}

func (c *stubCapturer) setDirty(d []Rect) {
	c.mu.Lock()
	c.dirty = d
	c.mu.Unlock()
}

func (c *stubCapturer) Bounds() (int, int, error) { return 1920, 1080, nil }
func (c *stubCapturer) Monitors() ([]protocol.Monitor, error) {
	return []protocol.Monitor{{Index: 0, Width: 1920, Height: 1080, Primary: true}}, nil
}
func (c *stubCapturer) SelectMonitor(int) error { return nil }
func (c *stubCapturer) Close() error            { return nil }

type stubEncoder struct{}

func (stubEncoder) EncodeFrame(*Frame, int) ([]byte, error) {
	return []byte{0xFF, 0xD8, 0xFF, 0x00}, nil
}
func (stubEncoder) EncodeRegion(_ *Frame, r Rect, _ int) ([]byte, error) {
	return []byte{0xFF, 0xD8, byte(r.X), byte(r.Y)}, nil
}

func TestStreamer_BackpressureSkip(t *testing.T) {
	capt := &stubCapturer{}
	var sends atomic.Int64
	blocking := func(packet []byte) error {
		sends.Add(1)
		time.Sleep(200 * time.Millisecond) // synthetic slow socket
		return nil
	}

	s := New(capt, stubEncoder{}, blocking, Config{Quality: "medium", FPS: 30})
	s.Start()
	time.Sleep(250 * time.Millisecond)
	s.Stop()

	stats := s.Stats()
	if stats.Skipped < 5 {
		t.Fatalf("expected >= 5 skipped frames during the blocked window, got %d", stats.Skipped)
	}
	// Only the first frame (plus at most one after the window) was sent.
	if got := sends.Load(); got > 2 {
		t.Fatalf("expected sends to stall during backpressure, got %d", got)
	}
}

func TestStreamer_FullFrameWhenNoDirtyRegions(t *testing.T) {
	capt := &stubCapturer{} // no dirty rects → every frame is full
	var full, regional atomic.Int64
	send := func(packet []byte) error {
		pt, _, err := protocol.DecodePacket(packet)
		if err != nil {
			t.Errorf("bad packet: %v", err)
			return err
		}
		switch pt {
		case protocol.PacketVideoFrame:
			full.Add(1)
		case protocol.PacketRegionalUpdate:
			regional.Add(1)
		}
		return nil
	}

	s := New(capt, stubEncoder{}, send, Config{Quality: "medium", FPS: 30})
	s.Start()
	time.Sleep(150 * time.Millisecond)
	s.Stop()

	if full.Load() == 0 {
		t.Fatal("expected full frames")
	}
	if regional.Load() != 0 {
		t.Fatalf("expected no regional updates, got %d", regional.Load())
	}
}

func TestStreamer_RegionalWhenSmallDirtyArea(t *testing.T) {
	capt := &stubCapturer{}
	capt.setDirty([]Rect{{X: 10, Y: 10, W: 64, H: 64}}) // far under 50%
	var full, regional atomic.Int64
	send := func(packet []byte) error {
		pt, _, _ := protocol.DecodePacket(packet)
		if pt == protocol.PacketVideoFrame {
			full.Add(1)
		} else if pt == protocol.PacketRegionalUpdate {
			regional.Add(1)
		}
		return nil
	}

	s := New(capt, stubEncoder{}, send, Config{Quality: "medium", FPS: 30})
	s.Start()
	time.Sleep(150 * time.Millisecond)
	s.Stop()

	if regional.Load() == 0 {
		t.Fatal("expected regional updates for a small dirty area")
	}
}

func TestStreamer_LargeDirtyAreaFallsBackToFullFrame(t *testing.T) {
	capt := &stubCapturer{}
	// 60% of 1920×1080 is over the 50% threshold.
	capt.setDirty([]Rect{{X: 0, Y: 0, W: 1920, H: 648}})
	var regional atomic.Int64
	send := func(packet []byte) error {
		pt, _, _ := protocol.DecodePacket(packet)
		if pt == protocol.PacketRegionalUpdate {
			regional.Add(1)
		}
		return nil
	}

	s := New(capt, stubEncoder{}, send, Config{Quality: "medium", FPS: 30})
	s.Start()
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	if regional.Load() != 0 {
		t.Fatalf("expected full-frame fallback, got %d regional packets", regional.Load())
	}
}

func TestStreamer_KeyframeCadence(t *testing.T) {
	capt := &stubCapturer{}
	capt.setDirty([]Rect{{X: 0, Y: 0, W: 8, H: 8}})
	var full atomic.Int64
	send := func(packet []byte) error {
		pt, _, _ := protocol.DecodePacket(packet)
		if pt == protocol.PacketVideoFrame {
			full.Add(1)
		}
		return nil
	}

	s := New(capt, stubEncoder{}, send, Config{Quality: "medium", FPS: 60})
	s.Start()
	// At 60fps the counter passes 60 within ~1.1s even with scheduling slack.
	time.Sleep(1500 * time.Millisecond)
	s.Stop()

	if full.Load() == 0 {
		t.Fatal("expected at least one keyframe despite constant small dirty regions")
	}
}

func TestStreamer_SetQualityClamps(t *testing.T) {
	s := New(&stubCapturer{}, stubEncoder{}, func([]byte) error { return nil }, Config{Quality: "medium", FPS: 30})
	s.SetQuality("high", 0) // fps 0 ignored
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.quality != "high" || s.fps != 30 {
		t.Fatalf("got quality=%s fps=%d", s.quality, s.fps)
	}
}
