package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/servidesk/servidesk/internal/logging"
	"github.com/servidesk/servidesk/internal/protocol"
)

var log = logging.L("stream")

const (
	// keyframeInterval forces a full frame every N iterations (~2s at 30fps)
	// to bound reconstruction error and let late renderers resync.
	keyframeInterval = 60
	// maxDirtyAreaPct is the dirty-area share above which a regional update
	// costs more than a full frame.
	maxDirtyAreaPct = 50

	minFPS = 1
	maxFPS = 60
)

// Config holds the initial streaming parameters.
type Config struct {
	Quality string // low, medium, high, auto
	FPS     int
}

// Stats is a snapshot of loop counters.
type Stats struct {
	Captured     uint64
	SentFull     uint64
	SentRegional uint64
	Skipped      uint64
}

// Streamer drives the capture → encode → send loop for one session.
type Streamer struct {
	capturer Capturer
	encoder  Encoder
	send     SendFunc

	mu      sync.RWMutex
	quality string
	fps     int

	keyframeCounter int
	sendInProgress  atomic.Bool

	captured     atomic.Uint64
	sentFull     atomic.Uint64
	sentRegional atomic.Uint64
	skipped      atomic.Uint64

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a streamer; Start launches its loop.
func New(capturer Capturer, encoder Encoder, send SendFunc, cfg Config) *Streamer {
	fps := cfg.FPS
	if fps < minFPS {
		fps = 15
	}
	if fps > maxFPS {
		fps = maxFPS
	}
	quality := cfg.Quality
	if quality == "" {
		quality = "medium"
	}
	return &Streamer{
		capturer: capturer,
		encoder:  encoder,
		send:     send,
		quality:  quality,
		fps:      fps,
		done:     make(chan struct{}),
	}
}

// Start launches the capture loop goroutine.
func (s *Streamer) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.captureLoop()
	}()
}

// Stop terminates the loop and waits for the in-flight iteration.
func (s *Streamer) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

// SetQuality applies a quality_change from the viewer or the adaptive
// controller. Empty fields leave the current value untouched.
func (s *Streamer) SetQuality(quality string, fps int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if quality != "" {
		s.quality = quality
	}
	if fps >= minFPS && fps <= maxFPS {
		s.fps = fps
	}
	log.Info("stream quality changed", "quality", s.quality, "fps", s.fps)
}

// Stats returns the current loop counters.
func (s *Streamer) Stats() Stats {
	return Stats{
		Captured:     s.captured.Load(),
		SentFull:     s.sentFull.Load(),
		SentRegional: s.sentRegional.Load(),
		Skipped:      s.skipped.Load(),
	}
}

func (s *Streamer) captureLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		start := time.Now()
		s.mu.RLock()
		fps := s.fps
		quality := qualityJPEG(s.quality)
		s.mu.RUnlock()
		interval := time.Second / time.Duration(fps)

		s.iterate(quality)

		sleep := interval - time.Since(start)
		if sleep < time.Millisecond {
			sleep = time.Millisecond
		}
		select {
		case <-s.done:
			return
		case <-time.After(sleep):
		}
	}
}

// iterate runs one tick of the §streaming loop: capture, decide between
// regional and full frame, and hand the packet to the sender.
func (s *Streamer) iterate(quality int) {
	frame, err := s.capturer.Capture()
	if err != nil {
		log.Debug("capture failed", "error", err)
		return
	}
	if frame == nil {
		return
	}
	s.captured.Add(1)

	s.keyframeCounter++
	forceFull := s.keyframeCounter >= keyframeInterval || len(frame.Dirty) == 0

	// Backpressure: while a send is still in flight the frame is dropped
	// without encoding, keeping the loop from queueing stale frames.
	if s.sendInProgress.Load() {
		s.skipped.Add(1)
		return
	}

	if !forceFull && dirtyAreaPct(frame) <= maxDirtyAreaPct {
		s.sendRegional(frame, quality)
		return
	}
	s.sendFullFrame(frame, quality)
}

func (s *Streamer) sendRegional(frame *Frame, quality int) {
	regions := make([]protocol.Region, 0, len(frame.Dirty))
	for _, r := range frame.Dirty {
		jpeg, err := s.encoder.EncodeRegion(frame, r, quality)
		if err != nil {
			log.Debug("region encode failed", "error", err)
			continue
		}
		regions = append(regions, protocol.Region{
			X:    uint16(r.X),
			Y:    uint16(r.Y),
			W:    uint16(r.W),
			H:    uint16(r.H),
			JPEG: jpeg,
		})
	}
	if len(regions) == 0 {
		return
	}
	packet := protocol.EncodePacket(protocol.PacketRegionalUpdate, protocol.EncodeRegionalUpdate(regions))
	s.dispatch(packet, &s.sentRegional)
}

func (s *Streamer) sendFullFrame(frame *Frame, quality int) {
	jpeg, err := s.encoder.EncodeFrame(frame, quality)
	if err != nil {
		log.Debug("frame encode failed", "error", err)
		return
	}
	s.keyframeCounter = 0
	packet := protocol.EncodePacket(protocol.PacketVideoFrame, jpeg)
	s.dispatch(packet, &s.sentFull)
}

// dispatch sends asynchronously so a slow socket never blocks capture; the
// sendInProgress window is what the backpressure skip observes.
func (s *Streamer) dispatch(packet []byte, counter *atomic.Uint64) {
	s.sendInProgress.Store(true)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sendInProgress.Store(false)
		if err := s.send(packet); err != nil {
			log.Debug("frame send failed", "error", err)
			return
		}
		counter.Add(1)
	}()
}

func dirtyAreaPct(frame *Frame) int {
	total := frame.Width * frame.Height
	if total == 0 {
		return 100
	}
	var dirty int
	for _, r := range frame.Dirty {
		dirty += r.Area()
	}
	return dirty * 100 / total
}
