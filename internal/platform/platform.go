// Package platform provides the default collaborator set for the cmd
// binaries. The JPEG encoder is the portable software path; capture, input
// injection and clipboard access need a platform backend and return
// ErrNotSupported on builds that ship without one.
package platform

import (
	"errors"

	"github.com/servidesk/servidesk/internal/protocol"
	"github.com/servidesk/servidesk/internal/stream"
)

// ErrNotSupported marks collaborators with no backend in this build.
var ErrNotSupported = errors.New("platform backend not available in this build")

// NewCapturer returns the platform screen capturer.
func NewCapturer() (stream.Capturer, error) {
	return nil, ErrNotSupported
}

// NewInjector returns the platform input injector.
func NewInjector() stream.Injector {
	return nopInjector{}
}

// NewClipboard returns the platform clipboard accessor.
func NewClipboard() stream.Clipboard {
	return nopClipboard{}
}

type nopInjector struct{}

func (nopInjector) MouseMove(float64, float64) error                  { return ErrNotSupported }
func (nopInjector) MouseClick(string, string, float64, float64) error { return ErrNotSupported }
func (nopInjector) MouseScroll(int, int) error                        { return ErrNotSupported }
func (nopInjector) Key(string, int, protocol.Modifiers, string) error { return ErrNotSupported }
func (nopInjector) SpecialKey(string) error                           { return ErrNotSupported }

type nopClipboard struct{}

func (nopClipboard) ReadText() (string, error) { return "", ErrNotSupported }
func (nopClipboard) WriteText(string) error    { return ErrNotSupported }
