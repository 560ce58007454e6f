package agent

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/servidesk/servidesk/internal/adaptive"
	"github.com/servidesk/servidesk/internal/config"
	"github.com/servidesk/servidesk/internal/e2e"
	"github.com/servidesk/servidesk/internal/protocol"
	"github.com/servidesk/servidesk/internal/stream"
)

type stubCapturer struct{}

func (stubCapturer) Capture() (*stream.Frame, error) { return nil, nil }
func (stubCapturer) Bounds() (int, int, error)       { return 1920, 1080, nil }
func (stubCapturer) Monitors() ([]protocol.Monitor, error) {
	return []protocol.Monitor{{Index: 0, Width: 1920, Height: 1080, Primary: true}}, nil
}
func (stubCapturer) SelectMonitor(int) error { return nil }
func (stubCapturer) Close() error            { return nil }

type stubEncoder struct{}

func (stubEncoder) EncodeFrame(*stream.Frame, int) ([]byte, error) { return []byte{0xFF}, nil }
func (stubEncoder) EncodeRegion(*stream.Frame, stream.Rect, int) ([]byte, error) {
	return []byte{0xFF}, nil
}

// recordingInjector captures every injected event.
type recordingInjector struct {
	mu     sync.Mutex
	events []protocol.InputEvent
}

func (r *recordingInjector) record(ev protocol.InputEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingInjector) MouseMove(x, y float64) error {
	r.record(protocol.InputEvent{Type: protocol.InputMouseMove, X: x, Y: y})
	return nil
}

func (r *recordingInjector) MouseClick(button, action string, x, y float64) error {
	r.record(protocol.InputEvent{Type: protocol.InputMouseClick, Button: button, Action: action, X: x, Y: y})
	return nil
}

func (r *recordingInjector) MouseScroll(dx, dy int) error {
	r.record(protocol.InputEvent{Type: protocol.InputMouseScroll, DeltaX: dx, DeltaY: dy})
	return nil
}

func (r *recordingInjector) Key(action string, keyCode int, mods protocol.Modifiers, char string) error {
	r.record(protocol.InputEvent{Type: protocol.InputKey, Action: action, KeyCode: keyCode, Modifiers: mods, Char: char})
	return nil
}

func (r *recordingInjector) SpecialKey(combination string) error {
	r.record(protocol.InputEvent{Type: protocol.InputSpecialKey, Combination: combination})
	return nil
}

func (r *recordingInjector) last(t *testing.T) protocol.InputEvent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		t.Fatal("no events injected")
	}
	return r.events[len(r.events)-1]
}

type stubClipboard struct {
	mu   sync.Mutex
	text string
}

func (c *stubClipboard) ReadText() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text, nil
}

func (c *stubClipboard) WriteText(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = s
	return nil
}

type stubUI struct {
	savePath string
	accept   bool
}

func (u *stubUI) PromptFileSave(string, int64) (string, bool) { return u.savePath, u.accept }
func (u *stubUI) SessionEnded(string, string)                 {}

func testSession(t *testing.T, inj *recordingInjector, clip *stubClipboard, ui UI) *session {
	t.Helper()
	cfg := config.DefaultClient()
	cfg.RelayServerURL = "wss://relay.example.com/ws"
	cfg.AgentID = "a1"

	collab := Collaborators{
		NewCapturer: func() (stream.Capturer, error) { return stubCapturer{}, nil },
		Encoder:     stubEncoder{},
		Injector:    inj,
		UI:          ui,
	}
	if clip != nil {
		collab.Clipboard = clip
	}
	c := New(cfg, collab)
	sess, err := newSession(c, protocol.SessionAccepted{AdminName: "A"})
	if err != nil {
		t.Fatalf("newSession: %v", err)
	}
	t.Cleanup(sess.stop)
	return sess
}

func inputPacket(t *testing.T, ev protocol.InputEvent) []byte {
	t.Helper()
	packet, err := protocol.EncodeInputEvent(ev)
	if err != nil {
		t.Fatalf("encode input: %v", err)
	}
	return packet
}

func TestSession_DispatchesPlaintextInputBeforeHandshake(t *testing.T) {
	inj := &recordingInjector{}
	sess := testSession(t, inj, nil, nil)

	sess.handleBinary(inputPacket(t, protocol.InputEvent{Type: protocol.InputMouseMove, X: 0.25, Y: 0.75}))

	got := inj.last(t)
	if got.Type != protocol.InputMouseMove || got.X != 0.25 || got.Y != 0.75 {
		t.Fatalf("event %+v", got)
	}
}

func TestSession_DispatchesEncryptedInputAfterHandshake(t *testing.T) {
	inj := &recordingInjector{}
	sess := testSession(t, inj, nil, nil)

	viewer, err := e2e.NewChannel()
	if err != nil {
		t.Fatalf("viewer channel: %v", err)
	}
	sess.handleKeyExchange(viewer.PublicKey())
	if err := viewer.DeriveSharedKey(sess.channel.PublicKey()); err != nil {
		t.Fatalf("viewer derive: %v", err)
	}

	packet := inputPacket(t, protocol.InputEvent{Type: protocol.InputSpecialKey, Combination: protocol.ComboCtrlAltDel})
	sealed, err := viewer.Encrypt(packet)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sess.handleBinary(sealed)

	got := inj.last(t)
	if got.Type != protocol.InputSpecialKey || got.Combination != protocol.ComboCtrlAltDel {
		t.Fatalf("event %+v", got)
	}
}

func TestSession_DropsUndecryptablePacket(t *testing.T) {
	inj := &recordingInjector{}
	sess := testSession(t, inj, nil, nil)

	viewer, _ := e2e.NewChannel()
	sess.handleKeyExchange(viewer.PublicKey())
	viewer.DeriveSharedKey(sess.channel.PublicKey())

	sealed, _ := viewer.Encrypt(inputPacket(t, protocol.InputEvent{Type: protocol.InputMouseMove}))
	sealed[len(sealed)-1] ^= 0x01
	sess.handleBinary(sealed) // must not panic, must not inject

	inj.mu.Lock()
	defer inj.mu.Unlock()
	if len(inj.events) != 0 {
		t.Fatalf("tampered packet was injected: %+v", inj.events)
	}
}

func TestSession_MapCmdToCtrl(t *testing.T) {
	inj := &recordingInjector{}
	sess := testSession(t, inj, nil, nil)
	sess.client.cfg.MapCmdToCtrl = true

	sess.dispatchInput(protocol.InputEvent{
		Type:      protocol.InputKey,
		Action:    protocol.ActionDown,
		KeyCode:   67,
		Modifiers: protocol.Modifiers{Win: true},
	})

	got := inj.last(t)
	if got.Modifiers.Win || !got.Modifiers.Ctrl {
		t.Fatalf("modifiers not remapped: %+v", got.Modifiers)
	}
}

func TestSession_QualityChangeDisablesAuto(t *testing.T) {
	inj := &recordingInjector{}
	sess := testSession(t, inj, nil, nil)

	sess.dispatchInput(protocol.InputEvent{Type: protocol.InputQualityChange, Quality: "low", FPS: 15})
	before := sess.adaptive.Current()
	if before == "" {
		t.Fatal("controller lost state")
	}
	// With auto disabled, a full window of slow samples leaves the tier alone.
	for i := 0; i < 10; i++ {
		sess.recordRTT(500 * time.Millisecond)
	}
	if got := sess.adaptive.Current(); got != before {
		t.Fatalf("disabled controller changed tier %s -> %s", before, got)
	}

	sess.dispatchInput(protocol.InputEvent{Type: protocol.InputQualityChange, Quality: "auto"})
	// Switching back to auto re-enables the controller: the slow window now
	// moves it to low after the hysteresis streak.
	for i := 0; i < 3; i++ {
		sess.recordRTT(500 * time.Millisecond)
	}
	if got := sess.adaptive.Current(); got != adaptive.TierLow {
		t.Fatalf("re-enabled controller tier = %s, want low", got)
	}
}

func TestClipboard_SuppressesEcho(t *testing.T) {
	inj := &recordingInjector{}
	clip := &stubClipboard{}
	sess := testSession(t, inj, clip, nil)
	cs := sess.clip

	// Remote write must not bounce back on the next poll.
	cs.remoteSet("from-viewer")
	cs.poll()
	select {
	case data := <-sess.client.sendBin:
		t.Fatalf("echoed remote clipboard: %q", data)
	default:
	}

	// A genuine local change is sent.
	clip.WriteText("local-change")
	cs.poll()
	select {
	case data := <-sess.client.sendBin:
		pt, body, err := protocol.DecodePacket(data)
		if err != nil || pt != protocol.PacketClipboardData {
			t.Fatalf("bad clipboard packet: %v", err)
		}
		if string(body) != "local-change" {
			t.Fatalf("clipboard body %q", body)
		}
	default:
		t.Fatal("local clipboard change not sent")
	}
}

func TestFileReceiver_AcceptAndComplete(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "incoming.bin")
	inj := &recordingInjector{}
	sess := testSession(t, inj, nil, &stubUI{savePath: dst, accept: true})
	fr := sess.files

	fr.handleOffer(protocol.FileOffer{TransferID: "tid1", FileName: "../evil/incoming.bin", FileSize: 8})
	fr.handleChunk("tid1", []byte{1, 2, 3, 4})
	fr.handleChunk("tid1", []byte{5, 6, 7, 8})
	fr.handleComplete(protocol.FileComplete{TransferID: "tid1"})

	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(data) != 8 || data[0] != 1 || data[7] != 8 {
		t.Fatalf("file content %v", data)
	}
}

func TestFileReceiver_RejectsOvershoot(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "incoming.bin")
	inj := &recordingInjector{}
	sess := testSession(t, inj, nil, &stubUI{savePath: dst, accept: true})
	fr := sess.files

	fr.handleOffer(protocol.FileOffer{TransferID: "tid1", FileName: "f.bin", FileSize: 4})
	fr.handleChunk("tid1", []byte{1, 2, 3, 4, 5})

	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatal("overshot transfer should be removed")
	}
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if len(fr.transfers) != 0 {
		t.Fatal("transfer not aborted")
	}
}

func TestFileReceiver_DeclinedOffer(t *testing.T) {
	inj := &recordingInjector{}
	sess := testSession(t, inj, nil, &stubUI{accept: false})
	sess.files.handleOffer(protocol.FileOffer{TransferID: "tid1", FileName: "f.bin", FileSize: 4})

	sess.files.mu.Lock()
	defer sess.files.mu.Unlock()
	if len(sess.files.transfers) != 0 {
		t.Fatal("declined offer created a transfer")
	}
}

func TestChat_RoundTripEncrypted(t *testing.T) {
	inj := &recordingInjector{}
	sess := testSession(t, inj, nil, nil)

	viewer, _ := e2e.NewChannel()
	sess.handleKeyExchange(viewer.PublicKey())
	viewer.DeriveSharedKey(sess.channel.PublicKey())

	encrypted, err := encryptChatBody(viewer, "hello there", "tech")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	body, err := decryptChatBody(sess.channel, encrypted)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if body.Message != "hello there" || body.Sender != "tech" {
		t.Fatalf("chat body %+v", body)
	}
}
