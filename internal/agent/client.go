// Package agent implements the endpoint-side peer client: registration,
// the support-request lifecycle, streaming, input injection and reconnect.
package agent

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/servidesk/servidesk/internal/config"
	"github.com/servidesk/servidesk/internal/hwinfo"
	"github.com/servidesk/servidesk/internal/logging"
	"github.com/servidesk/servidesk/internal/protocol"
	"github.com/servidesk/servidesk/internal/stream"
)

var log = logging.L("agent")

// State is the connection FSM state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateRegistered   State = "registered"
	StateWaiting      State = "waiting"
	StateInSession    State = "in_session"
)

const (
	writeWait       = 10 * time.Second
	maxBackoff      = 30 * time.Second
	unattendedRetry = 5 * time.Second
	sendQueueSize   = 64
	frameQueueSize  = 30
	agentVersion    = "1.4.0"
)

// UI is the user-facing collaborator: consent prompts and status surface.
type UI interface {
	// PromptFileSave asks where to store an offered file; accepted=false
	// rejects the transfer.
	PromptFileSave(fileName string, fileSize int64) (path string, accepted bool)
	// SessionEnded surfaces the localized end reason.
	SessionEnded(reason, message string)
}

// Collaborators are the platform services the client drives. All are
// external to the core; tests plug in stubs.
type Collaborators struct {
	NewCapturer func() (stream.Capturer, error)
	Encoder     stream.Encoder
	Injector    stream.Injector
	Clipboard   stream.Clipboard
	UI          UI
}

// Client is the agent's relay connection and session driver.
type Client struct {
	cfg    *config.ClientConfig
	collab Collaborators

	mu      sync.RWMutex
	state   State
	ws      *websocket.Conn
	session *session

	sendText chan []byte
	sendBin  chan []byte

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an agent client. Run starts it.
func New(cfg *config.ClientConfig, collab Collaborators) *Client {
	return &Client{
		cfg:      cfg,
		collab:   collab,
		state:    StateDisconnected,
		sendText: make(chan []byte, sendQueueSize),
		sendBin:  make(chan []byte, frameQueueSize),
		done:     make(chan struct{}),
	}
}

// State returns the current FSM state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run connects and keeps reconnecting per policy until Stop. Backoff is
// min(2^n, 30)s capped at reconnect_max_retries attempts; with unattended
// access enabled the client retries forever at a fixed 5s.
func (c *Client) Run() {
	attempts := 0
	for {
		select {
		case <-c.done:
			return
		default:
		}

		c.setState(StateConnecting)
		connectedAt := time.Now()
		err := c.connectAndServe()
		if err != nil {
			log.Warn("connection lost", "error", err)
		}
		c.setState(StateDisconnected)

		// A connection that held for a while resets the backoff ladder.
		if time.Since(connectedAt) > time.Minute {
			attempts = 0
		}

		if !c.cfg.AutoReconnect {
			return
		}

		var delay time.Duration
		if c.cfg.UnattendedAccessEnabled {
			delay = unattendedRetry
		} else {
			attempts++
			if attempts > c.cfg.ReconnectMaxRetries {
				log.Error("reconnect attempts exhausted", "attempts", attempts-1)
				return
			}
			delay = time.Duration(1<<uint(attempts-1)) * time.Second
			if delay > maxBackoff {
				delay = maxBackoff
			}
		}

		log.Info("reconnecting", "delay", delay)
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}
	}
}

// Stop tears the client down.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.session != nil {
			c.session.stop()
			c.session = nil
		}
		if c.ws != nil {
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			c.ws.Close()
		}
		c.mu.Unlock()
	})
	c.wg.Wait()
}

// connectAndServe dials, registers and serves one connection to exhaustion.
func (c *Client) connectAndServe() error {
	u, err := url.Parse(c.cfg.RelayServerURL)
	if err != nil {
		return fmt.Errorf("relay url: %w", err)
	}
	if u.Scheme != "wss" {
		return fmt.Errorf("refusing non-TLS relay url %q", c.cfg.RelayServerURL)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.session != nil {
			c.session.stop()
			c.session = nil
		}
		c.ws = nil
		c.mu.Unlock()
		ws.Close()
	}()

	// Registration is the mandatory first message.
	hostname, osString, hw := hwinfo.Collect()
	if err := c.writeEnvelopeSync(ws, protocol.TypeAgentRegister, protocol.AgentRegister{
		AgentID:                c.cfg.AgentID,
		Hostname:               hostname,
		OS:                     osString,
		Version:                agentVersion,
		Hardware:               hw,
		UnattendedEnabled:      c.cfg.UnattendedAccessEnabled,
		UnattendedPasswordHash: c.cfg.UnattendedAccessPasswordHash,
		AgentToken:             c.cfg.AgentToken,
	}); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	connDone := make(chan struct{})
	defer close(connDone)
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.writePump(ws, connDone)
	}()
	go func() {
		defer c.wg.Done()
		c.heartbeatLoop(connDone)
	}()

	return c.readLoop(ws)
}

func (c *Client) writeEnvelopeSync(ws *websocket.Conn, msgType string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

// sendEnvelope queues a JSON message for the write pump.
func (c *Client) sendEnvelope(msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		log.Warn("envelope build failed", "type", msgType, "error", err)
		return
	}
	data, err := env.Encode()
	if err != nil {
		return
	}
	select {
	case c.sendText <- data:
	case <-c.done:
	default:
		log.Debug("text queue full, message dropped", "type", msgType)
	}
}

// sendBinary queues one binary frame; a full queue drops it (the streamer's
// backpressure skip covers the gap).
func (c *Client) sendBinary(data []byte) error {
	select {
	case c.sendBin <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("client stopped")
	default:
		return fmt.Errorf("frame queue full")
	}
}

func (c *Client) writePump(ws *websocket.Conn, connDone chan struct{}) {
	for {
		select {
		case <-c.done:
			return
		case <-connDone:
			return
		case data := <-c.sendText:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case data := <-c.sendBin:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		}
	}
}

// heartbeatLoop sends application heartbeats; acks feed the adaptive
// controller via the session.
func (c *Client) heartbeatLoop(connDone chan struct{}) {
	interval := time.Duration(c.cfg.HeartbeatIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-connDone:
			return
		case <-ticker.C:
			c.sendEnvelope(protocol.TypeHeartbeat, protocol.Heartbeat{ClientTime: time.Now().UnixMilli()})
		}
	}
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	c.setState(StateRegistered)
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		switch msgType {
		case websocket.TextMessage:
			env, err := protocol.ParseEnvelope(data)
			if err != nil {
				log.Debug("malformed envelope", "error", err)
				continue
			}
			c.dispatch(env)
		case websocket.BinaryMessage:
			c.mu.RLock()
			sess := c.session
			c.mu.RUnlock()
			if sess != nil {
				sess.handleBinary(data)
			}
		}
	}
}

func (c *Client) dispatch(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAgentRegistered:
		var ack protocol.AgentRegistered
		if err := env.Decode(&ack); err != nil {
			return
		}
		log.Info("registered with relay", "sessionId", ack.SessionID)

	case protocol.TypeSessionAccepted:
		var acc protocol.SessionAccepted
		if err := env.Decode(&acc); err != nil {
			return
		}
		c.startSession(acc)

	case protocol.TypeSessionEnded:
		var ended protocol.SessionEnded
		_ = env.Decode(&ended)
		c.endSession(ended)

	case protocol.TypeRequestRejected:
		var rej protocol.RequestRejected
		_ = env.Decode(&rej)
		c.setState(StateRegistered)
		if c.collab.UI != nil {
			c.collab.UI.SessionEnded("rejected", rej.Reason)
		}

	case protocol.TypeE2EKeyExchange:
		var kx protocol.E2EKeyExchange
		if err := env.Decode(&kx); err != nil {
			return
		}
		c.mu.RLock()
		sess := c.session
		c.mu.RUnlock()
		if sess != nil {
			sess.handleKeyExchange(kx.PublicKey)
		}

	case protocol.TypeHeartbeatAck:
		var ack protocol.HeartbeatAck
		if err := env.Decode(&ack); err != nil {
			return
		}
		rtt := time.Duration(time.Now().UnixMilli()-ack.ClientTime) * time.Millisecond
		c.mu.RLock()
		sess := c.session
		c.mu.RUnlock()
		if sess != nil {
			sess.recordRTT(rtt)
		}

	case protocol.TypeFileOffer:
		var offer protocol.FileOffer
		if err := env.Decode(&offer); err != nil {
			return
		}
		c.mu.RLock()
		sess := c.session
		c.mu.RUnlock()
		if sess != nil {
			sess.handleFileOffer(offer)
		}

	case protocol.TypeFileComplete:
		var fc protocol.FileComplete
		if err := env.Decode(&fc); err != nil {
			return
		}
		c.mu.RLock()
		sess := c.session
		c.mu.RUnlock()
		if sess != nil {
			sess.handleFileComplete(fc)
		}

	case protocol.TypeChatMessage:
		var chat protocol.ChatMessage
		if err := env.Decode(&chat); err != nil {
			return
		}
		c.mu.RLock()
		sess := c.session
		c.mu.RUnlock()
		if sess != nil {
			sess.handleChat(chat)
		}

	case protocol.TypeError:
		var ep protocol.ErrorPayload
		_ = env.Decode(&ep)
		log.Warn("relay error", "code", ep.Code, "message", ep.Message)

	default:
		// Unknown types are ignored for forward compatibility.
	}
}

// RequestSupport asks the relay to queue a support request.
func (c *Client) RequestSupport(customerName, message string) error {
	if c.State() != StateRegistered {
		return fmt.Errorf("cannot request support in state %s", c.State())
	}
	width, height := 0, 0
	if capturer, err := c.collab.NewCapturer(); err == nil {
		width, height, _ = capturer.Bounds()
		capturer.Close()
	}
	c.sendEnvelope(protocol.TypeRequestSupport, protocol.RequestSupport{
		CustomerName: customerName,
		Message:      message,
		ScreenWidth:  width,
		ScreenHeight: height,
	})
	c.setState(StateWaiting)
	return nil
}

// EndSession terminates the active session from the agent side.
func (c *Client) EndSession(reason string) {
	c.mu.RLock()
	sess := c.session
	c.mu.RUnlock()
	if sess == nil {
		return
	}
	c.sendEnvelope(protocol.TypeSessionEnd, protocol.SessionEnd{Reason: reason})
}

func (c *Client) startSession(acc protocol.SessionAccepted) {
	c.mu.Lock()
	if c.session != nil {
		c.session.stop()
	}
	sess, err := newSession(c, acc)
	if err != nil {
		c.mu.Unlock()
		log.Error("session start failed", "error", err)
		c.sendEnvelope(protocol.TypeSessionEnd, protocol.SessionEnd{Reason: "error"})
		return
	}
	c.session = sess
	c.state = StateInSession
	c.mu.Unlock()

	sess.start()
	log.Info("session started", "admin", acc.AdminName, "unattended", acc.Unattended)
}

func (c *Client) endSession(ended protocol.SessionEnded) {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.state = StateRegistered
	c.mu.Unlock()

	if sess != nil {
		sess.stop()
	}
	if c.collab.UI != nil {
		c.collab.UI.SessionEnded(ended.Reason, ended.EndedBy)
	}
	log.Info("session ended", "reason", ended.Reason, "endedBy", ended.EndedBy)
}
