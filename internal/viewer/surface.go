// Package viewer implements the technician-side peer client: relay
// authentication, session control, the stream sink and input production.
package viewer

import (
	"github.com/servidesk/servidesk/internal/logging"
	"github.com/servidesk/servidesk/internal/protocol"
)

var log = logging.L("viewer")

// Renderer is the external decode/blit collaborator. The core owns only
// the tile composition rule: which packets reach the renderer, and where.
type Renderer interface {
	// PresentFull decodes a full-frame JPEG, replaces the surface and
	// returns the decoded dimensions.
	PresentFull(jpeg []byte) (width, height int, err error)
	// PresentRegion decodes one tile and blits it at (x, y) on the
	// persistent surface.
	PresentRegion(jpeg []byte, x, y, w, h int) error
}

// Surface tracks the remote screen's persistent texture. Regional updates
// may only composite once a full frame has established the surface; out-of-
// bounds regions are dropped individually while the rest of the packet
// continues to apply.
type Surface struct {
	renderer Renderer

	width       int
	height      int
	established bool

	framesFull     uint64
	regionsApplied uint64
	regionsDropped uint64
}

// NewSurface creates the stream sink for one session.
func NewSurface(renderer Renderer) *Surface {
	return &Surface{renderer: renderer}
}

// HandleVideoFrame applies a 0x01 full-frame packet, (re)establishing the
// surface at the decoded dimensions.
func (s *Surface) HandleVideoFrame(jpeg []byte) {
	width, height, err := s.renderer.PresentFull(jpeg)
	if err != nil {
		log.Debug("full frame decode failed", "error", err)
		return
	}
	s.width = width
	s.height = height
	s.established = true
	s.framesFull++
}

// HandleRegionalUpdate applies a 0x05 packet tile by tile.
func (s *Surface) HandleRegionalUpdate(payload []byte) {
	if !s.established {
		// No surface to composite onto until the first keyframe.
		return
	}
	regions, err := protocol.DecodeRegionalUpdate(payload)
	if err != nil {
		log.Debug("regional update parse failed", "error", err)
		return
	}
	for _, r := range regions {
		if int(r.X)+int(r.W) > s.width || int(r.Y)+int(r.H) > s.height {
			s.regionsDropped++
			continue
		}
		if err := s.renderer.PresentRegion(r.JPEG, int(r.X), int(r.Y), int(r.W), int(r.H)); err != nil {
			log.Debug("region blit failed", "error", err)
			s.regionsDropped++
			continue
		}
		s.regionsApplied++
	}
}

// Reset clears the surface, e.g. on monitor switch.
func (s *Surface) Reset() {
	s.established = false
	s.width, s.height = 0, 0
}

// Size returns the established dimensions, zero before the first full
// frame.
func (s *Surface) Size() (width, height int) {
	return s.width, s.height
}
