// Package stream runs the agent-side dirty-rect streaming loop. Screen
// capture, JPEG encoding and input injection are external collaborators
// consumed through the interfaces below.
package stream

import "github.com/servidesk/servidesk/internal/protocol"

// Rect is a dirty rectangle in screen pixels, top-left origin.
type Rect struct {
	X, Y, W, H int
}

// Area returns the rectangle's pixel area.
func (r Rect) Area() int {
	return r.W * r.H
}

// Frame is one captured screen image. Pix is BGRA, 4 bytes per pixel,
// row-major. Dirty lists the rectangles changed since the previous frame;
// empty means the capturer could not diff and the frame must go out whole.
// The buffer is owned by the capturer and borrowed for one loop iteration.
type Frame struct {
	Pix    []byte
	Width  int
	Height int
	Dirty  []Rect
}

// Capturer produces frames from the platform screen-capture collaborator.
type Capturer interface {
	// Capture returns the next frame, or nil when none is available this
	// tick (timeout, desktop access loss). Both are recoverable.
	Capture() (*Frame, error)
	// Bounds returns the current monitor's dimensions.
	Bounds() (width, height int, err error)
	// Monitors enumerates attached displays.
	Monitors() ([]protocol.Monitor, error)
	// SelectMonitor restarts capture on another display.
	SelectMonitor(index int) error
	Close() error
}

// Encoder turns frames and frame regions into JPEG bytes.
type Encoder interface {
	EncodeFrame(f *Frame, quality int) ([]byte, error)
	EncodeRegion(f *Frame, r Rect, quality int) ([]byte, error)
}

// Injector replays remote input events on the host.
type Injector interface {
	MouseMove(x, y float64) error
	MouseClick(button, action string, x, y float64) error
	MouseScroll(deltaX, deltaY int) error
	// Key injects by Unicode code point when char is non-empty and ctrl is
	// not held, by virtual-key code otherwise.
	Key(action string, keyCode int, mods protocol.Modifiers, char string) error
	SpecialKey(combination string) error
}

// Clipboard reads and writes the host clipboard.
type Clipboard interface {
	ReadText() (string, error)
	WriteText(string) error
}

// SendFunc delivers one framed binary packet toward the viewer. It may
// block for the duration of the write; the streamer tracks that window and
// skips frames captured inside it.
type SendFunc func(packet []byte) error

// qualityJPEG maps a tier name to the JPEG quality handed to the encoder.
func qualityJPEG(tier string) int {
	switch tier {
	case "low":
		return 35
	case "high":
		return 80
	default:
		return 60
	}
}
