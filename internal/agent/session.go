package agent

import (
	"sync"
	"time"

	"github.com/servidesk/servidesk/internal/adaptive"
	"github.com/servidesk/servidesk/internal/e2e"
	"github.com/servidesk/servidesk/internal/protocol"
	"github.com/servidesk/servidesk/internal/stream"
)

// e2eFallbackWindow is how long the agent waits for the viewer's key before
// streaming unencrypted to a legacy viewer.
const e2eFallbackWindow = 5 * time.Second

// session is one active support session on the agent.
type session struct {
	client   *Client
	capturer stream.Capturer
	streamer *stream.Streamer
	channel  *e2e.Channel
	adaptive *adaptive.Controller
	files    *fileReceiver
	clip     *clipboardSync

	mu            sync.Mutex
	streamStarted bool

	fallbackTimer *time.Timer
	stopOnce      sync.Once
}

func newSession(c *Client, acc protocol.SessionAccepted) (*session, error) {
	capturer, err := c.collab.NewCapturer()
	if err != nil {
		return nil, err
	}
	channel, err := e2e.NewChannel()
	if err != nil {
		capturer.Close()
		return nil, err
	}

	s := &session{
		client:   c,
		capturer: capturer,
		channel:  channel,
	}
	s.files = newFileReceiver(c)
	s.clip = newClipboardSync(c, s)

	s.streamer = stream.New(capturer, c.collab.Encoder, s.sendPacket, stream.Config{
		Quality: c.cfg.CaptureDefaultQuality,
		FPS:     c.cfg.CaptureMaxFPS,
	})
	s.adaptive = adaptive.New(adaptive.Tier(c.cfg.CaptureDefaultQuality), func(tier adaptive.Tier, fps int) {
		s.streamer.SetQuality(string(tier), fps)
	})
	s.adaptive.SetEnabled(c.cfg.CaptureDefaultQuality == "auto" || c.cfg.CaptureDefaultQuality == "")
	return s, nil
}

// start sends monitor info, kicks off the key exchange and arms the legacy
// fallback timer. Streaming begins when the exchange completes or the
// window elapses.
func (s *session) start() {
	s.sendMonitorInfo(protocol.TypeMonitorInfo)

	s.client.sendEnvelope(protocol.TypeE2EKeyExchange, protocol.E2EKeyExchange{
		PublicKey: s.channel.PublicKey(),
	})

	s.fallbackTimer = time.AfterFunc(e2eFallbackWindow, func() {
		s.mu.Lock()
		started := s.streamStarted
		s.mu.Unlock()
		if !started {
			log.Warn("no e2e key exchange from viewer, streaming unencrypted")
			s.beginStreaming()
		}
	})

	s.clip.start()
}

// handleKeyExchange derives the shared key from the viewer's public key.
// Arriving after the fallback fired simply upgrades the stream to
// encrypted from the next frame on.
func (s *session) handleKeyExchange(publicKey string) {
	if err := s.channel.DeriveSharedKey(publicKey); err != nil {
		log.Warn("key exchange failed, continuing unencrypted", "error", err)
		s.beginStreaming()
		return
	}
	log.Info("e2e channel established")
	if s.fallbackTimer != nil {
		s.fallbackTimer.Stop()
	}
	s.beginStreaming()
}

func (s *session) beginStreaming() {
	s.mu.Lock()
	if s.streamStarted {
		s.mu.Unlock()
		return
	}
	s.streamStarted = true
	s.mu.Unlock()
	s.streamer.Start()
}

// sendPacket wraps one framed binary packet for the wire: AEAD-sealed once
// the channel is ready, plaintext before that (legacy fallback).
func (s *session) sendPacket(packet []byte) error {
	if s.channel.IsReady() {
		sealed, err := s.channel.Encrypt(packet)
		if err != nil {
			return err
		}
		return s.client.sendBinary(sealed)
	}
	return s.client.sendBinary(packet)
}

// handleBinary processes one inbound binary frame: open the AEAD envelope
// when the channel is up, then route by packet type. A packet that fails
// to decrypt is dropped; it never ends the session.
func (s *session) handleBinary(data []byte) {
	payload := data
	if s.channel.IsReady() {
		opened, err := s.channel.Decrypt(data)
		if err != nil {
			log.Debug("dropping undecryptable packet", "error", err)
			return
		}
		payload = opened
	}

	packetType, body, err := protocol.DecodePacket(payload)
	if err != nil {
		log.Debug("dropping malformed packet", "error", err)
		return
	}

	switch packetType {
	case protocol.PacketInputEvent:
		ev, err := protocol.DecodeInputEvent(body)
		if err != nil {
			log.Debug("dropping malformed input event", "error", err)
			return
		}
		s.dispatchInput(ev)
	case protocol.PacketClipboardData:
		s.clip.remoteSet(string(body))
	case protocol.PacketFileTransfer:
		transferID, chunk, err := protocol.DecodeFileChunk(body)
		if err != nil {
			log.Debug("dropping malformed file chunk", "error", err)
			return
		}
		s.files.handleChunk(transferID, chunk)
	}
}

// dispatchInput routes one remote input event to the platform injector.
func (s *session) dispatchInput(ev protocol.InputEvent) {
	inj := s.client.collab.Injector
	var err error
	switch ev.Type {
	case protocol.InputMouseMove:
		err = inj.MouseMove(ev.X, ev.Y)
	case protocol.InputMouseClick:
		err = inj.MouseClick(ev.Button, ev.Action, ev.X, ev.Y)
	case protocol.InputMouseScroll:
		err = inj.MouseScroll(ev.DeltaX, ev.DeltaY)
	case protocol.InputKey:
		mods := ev.Modifiers
		if s.client.cfg.MapCmdToCtrl && mods.Win {
			mods.Win = false
			mods.Ctrl = true
		}
		err = inj.Key(ev.Action, ev.KeyCode, mods, ev.Char)
	case protocol.InputSpecialKey:
		err = inj.SpecialKey(ev.Combination)
	case protocol.InputQualityChange:
		s.applyQuality(ev.Quality, ev.FPS)
	case protocol.InputSwitchMonitor:
		s.switchMonitor(ev.MonitorIndex)
	}
	if err != nil {
		log.Debug("input injection failed", "inputType", ev.Type, "error", err)
	}
}

func (s *session) applyQuality(quality string, fps int) {
	s.adaptive.SetEnabled(quality == "auto")
	if quality != "auto" {
		s.streamer.SetQuality(quality, fps)
	}
}

// switchMonitor restarts capture on another display and reports the new
// geometry.
func (s *session) switchMonitor(index int) {
	if err := s.capturer.SelectMonitor(index); err != nil {
		log.Warn("monitor switch failed", "monitorIndex", index, "error", err)
		return
	}
	s.sendMonitorInfo(protocol.TypeMonitorInfo)
	width, height, err := s.capturer.Bounds()
	if err != nil {
		return
	}
	s.client.sendEnvelope(protocol.TypeMonitorSwitched, protocol.MonitorSwitched{
		MonitorIndex: index,
		ScreenWidth:  width,
		ScreenHeight: height,
	})
}

func (s *session) sendMonitorInfo(msgType string) {
	monitors, err := s.capturer.Monitors()
	if err != nil {
		log.Debug("monitor enumeration failed", "error", err)
		return
	}
	current := 0
	for i, m := range monitors {
		if m.Primary {
			current = i
			break
		}
	}
	s.client.sendEnvelope(msgType, protocol.MonitorInfo{
		Monitors:     monitors,
		CurrentIndex: current,
	})
}

// recordRTT feeds a heartbeat-ack round trip into the adaptive controller.
// Negative samples (clock steps) are discarded by the controller.
func (s *session) recordRTT(rtt time.Duration) {
	s.adaptive.Record(rtt)
}

func (s *session) handleFileOffer(offer protocol.FileOffer) {
	s.files.handleOffer(offer)
}

func (s *session) handleFileComplete(fc protocol.FileComplete) {
	s.files.handleComplete(fc)
}

// handleChat decrypts an encrypted chat body when the channel is up.
func (s *session) handleChat(chat protocol.ChatMessage) {
	body := chat.Message
	if chat.Encrypted != "" && s.channel.IsReady() {
		decrypted, err := decryptChatBody(s.channel, chat.Encrypted)
		if err != nil {
			log.Debug("dropping undecryptable chat message", "error", err)
			return
		}
		body = decrypted.Message
	}
	log.Info("chat message", "sender", chat.Sender, "length", len(body))
}

func (s *session) stop() {
	s.stopOnce.Do(func() {
		if s.fallbackTimer != nil {
			s.fallbackTimer.Stop()
		}
		s.clip.stop()
		s.streamer.Stop()
		s.files.close()
		s.capturer.Close()
		if err := s.channel.Reset(); err != nil {
			log.Debug("e2e reset failed", "error", err)
		}
	})
}
