package viewer

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/servidesk/servidesk/internal/config"
	"github.com/servidesk/servidesk/internal/e2e"
	"github.com/servidesk/servidesk/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	maxBackoff     = 30 * time.Second
	sendQueueSize  = 64
	frameQueueSize = 30
)

// Callbacks surface relay and session events to the UI shell. Nil fields
// are skipped.
type Callbacks struct {
	OnAuthResult       func(protocol.AdminAuthResult)
	OnSupportRequest   func(protocol.SupportRequest)
	OnRequestCancelled func(sessionID string)
	OnSessionStarted   func(protocol.SessionStarted)
	OnSessionEnded     func(protocol.SessionEnded)
	OnDeviceList       func(protocol.DeviceList)
	OnDeviceStatus     func(protocol.DeviceStatusChanged)
	OnDeviceDeleted    func(agentID string)
	OnMonitorInfo      func(protocol.MonitorInfo)
	OnMonitorSwitched  func(protocol.MonitorSwitched)
	OnChat             func(sender, message string)
	OnError            func(code, message string)
	OnDisconnected     func()
}

// Client is the technician-side relay connection.
type Client struct {
	relayURL   string
	adminToken string
	adminName  string
	callbacks  Callbacks
	renderer   Renderer

	mu       sync.RWMutex
	ws       *websocket.Conn
	channel  *e2e.Channel
	surface  *Surface
	session  *protocol.SessionStarted
	transfer *outgoingTransfer

	sendText chan []byte
	sendBin  chan []byte

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a viewer client for the given relay and credentials.
func New(relayURL, adminToken, adminName string, renderer Renderer, callbacks Callbacks) *Client {
	return &Client{
		relayURL:   relayURL,
		adminToken: adminToken,
		adminName:  adminName,
		callbacks:  callbacks,
		renderer:   renderer,
		sendText:   make(chan []byte, sendQueueSize),
		sendBin:    make(chan []byte, frameQueueSize),
		done:       make(chan struct{}),
	}
}

// NewFromConfig builds a viewer client from a client config.
func NewFromConfig(cfg *config.ClientConfig, adminToken, adminName string, renderer Renderer, callbacks Callbacks) *Client {
	return New(cfg.RelayServerURL, adminToken, adminName, renderer, callbacks)
}

// Run connects and reconnects with exponential backoff until Stop.
func (c *Client) Run() {
	attempt := 0
	for {
		select {
		case <-c.done:
			return
		default:
		}

		connectedAt := time.Now()
		err := c.connectAndServe()
		if err != nil {
			log.Warn("connection lost", "error", err)
		}
		if c.callbacks.OnDisconnected != nil {
			c.callbacks.OnDisconnected()
		}

		if time.Since(connectedAt) > time.Minute {
			attempt = 0
		}
		attempt++
		delay := time.Duration(1<<uint(attempt-1)) * time.Second
		if delay > maxBackoff {
			delay = maxBackoff
		}
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

func (c *Client) connectAndServe() error {
	u, err := url.Parse(c.relayURL)
	if err != nil {
		return fmt.Errorf("relay url: %w", err)
	}
	if u.Scheme != "wss" {
		return fmt.Errorf("refusing non-TLS relay url %q", c.relayURL)
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
		c.ws = nil
		c.session = nil
		c.surface = nil
		c.channel = nil
		c.mu.Unlock()
		ws.Close()
	}()

	// admin_auth pins this connection's role.
	env, err := protocol.NewEnvelope(protocol.TypeAdminAuth, protocol.AdminAuth{
		AdminToken: c.adminToken,
		AdminName:  c.adminName,
	})
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("auth: %w", err)
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

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		switch msgType {
		case websocket.TextMessage:
			env, err := protocol.ParseEnvelope(data)
			if err != nil {
				continue
			}
			c.dispatch(env)
		case websocket.BinaryMessage:
			c.handleBinary(data)
		}
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

func (c *Client) heartbeatLoop(connDone chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)
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

func (c *Client) sendEnvelope(msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
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

func (c *Client) sendBinary(data []byte) {
	select {
	case c.sendBin <- data:
	case <-c.done:
	default:
	}
}

func (c *Client) dispatch(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAdminAuthResult:
		var result protocol.AdminAuthResult
		if err := env.Decode(&result); err != nil {
			return
		}
		if c.callbacks.OnAuthResult != nil {
			c.callbacks.OnAuthResult(result)
		}

	case protocol.TypeSupportRequest:
		var req protocol.SupportRequest
		if err := env.Decode(&req); err != nil {
			return
		}
		if c.callbacks.OnSupportRequest != nil {
			c.callbacks.OnSupportRequest(req)
		}

	case protocol.TypeRequestCancelled:
		var rc protocol.RequestCancelled
		if err := env.Decode(&rc); err != nil {
			return
		}
		if c.callbacks.OnRequestCancelled != nil {
			c.callbacks.OnRequestCancelled(rc.SessionID)
		}

	case protocol.TypeSessionStarted:
		var started protocol.SessionStarted
		if err := env.Decode(&started); err != nil {
			return
		}
		c.beginSession(started)

	case protocol.TypeSessionEnded:
		var ended protocol.SessionEnded
		_ = env.Decode(&ended)
		c.mu.Lock()
		c.session = nil
		c.surface = nil
		c.channel = nil
		c.mu.Unlock()
		if c.callbacks.OnSessionEnded != nil {
			c.callbacks.OnSessionEnded(ended)
		}

	case protocol.TypeE2EKeyExchange:
		var kx protocol.E2EKeyExchange
		if err := env.Decode(&kx); err != nil {
			return
		}
		c.mu.RLock()
		channel := c.channel
		c.mu.RUnlock()
		if channel == nil {
			return
		}
		if err := channel.DeriveSharedKey(kx.PublicKey); err != nil {
			log.Warn("key exchange failed, stream stays unencrypted", "error", err)
		} else {
			log.Info("e2e channel established")
		}

	case protocol.TypeDeviceList:
		var list protocol.DeviceList
		if err := env.Decode(&list); err != nil {
			return
		}
		if c.callbacks.OnDeviceList != nil {
			c.callbacks.OnDeviceList(list)
		}

	case protocol.TypeDeviceStatusChanged:
		var st protocol.DeviceStatusChanged
		if err := env.Decode(&st); err != nil {
			return
		}
		if c.callbacks.OnDeviceStatus != nil {
			c.callbacks.OnDeviceStatus(st)
		}

	case protocol.TypeDeviceDeleted:
		var dd protocol.DeviceDeleted
		if err := env.Decode(&dd); err != nil {
			return
		}
		if c.callbacks.OnDeviceDeleted != nil {
			c.callbacks.OnDeviceDeleted(dd.AgentID)
		}

	case protocol.TypeMonitorInfo:
		var mi protocol.MonitorInfo
		if err := env.Decode(&mi); err != nil {
			return
		}
		if c.callbacks.OnMonitorInfo != nil {
			c.callbacks.OnMonitorInfo(mi)
		}

	case protocol.TypeMonitorSwitched:
		var ms protocol.MonitorSwitched
		if err := env.Decode(&ms); err != nil {
			return
		}
		c.mu.RLock()
		surface := c.surface
		c.mu.RUnlock()
		if surface != nil {
			surface.Reset()
		}
		if c.callbacks.OnMonitorSwitched != nil {
			c.callbacks.OnMonitorSwitched(ms)
		}

	case protocol.TypeChatMessage:
		var chat protocol.ChatMessage
		if err := env.Decode(&chat); err != nil {
			return
		}
		c.handleChat(chat)

	case protocol.TypeFileAccept:
		var fa protocol.FileAccept
		if err := env.Decode(&fa); err != nil {
			return
		}
		c.handleFileAccept(fa.TransferID)

	case protocol.TypeFileError:
		var fe protocol.FileError
		if err := env.Decode(&fe); err != nil {
			return
		}
		c.handleFileError(fe)

	case protocol.TypeHeartbeatAck:
		// RTT is agent-driven in this design; the ack keeps the relay's
		// reaper satisfied.

	case protocol.TypeError:
		var ep protocol.ErrorPayload
		_ = env.Decode(&ep)
		if c.callbacks.OnError != nil {
			c.callbacks.OnError(ep.Code, ep.Message)
		}

	default:
	}
}

// beginSession sets up the stream sink and starts the key exchange.
func (c *Client) beginSession(started protocol.SessionStarted) {
	channel, err := e2e.NewChannel()
	if err != nil {
		log.Error("e2e channel creation failed", "error", err)
		return
	}

	c.mu.Lock()
	c.session = &started
	c.surface = NewSurface(c.renderer)
	c.channel = channel
	c.mu.Unlock()

	c.sendEnvelope(protocol.TypeE2EKeyExchange, protocol.E2EKeyExchange{PublicKey: channel.PublicKey()})
	if c.callbacks.OnSessionStarted != nil {
		c.callbacks.OnSessionStarted(started)
	}
}

// handleBinary is the stream sink: open the AEAD envelope when the channel
// is up, then composite. Undecryptable packets are dropped silently.
func (c *Client) handleBinary(data []byte) {
	c.mu.RLock()
	surface := c.surface
	channel := c.channel
	c.mu.RUnlock()
	if surface == nil {
		return
	}

	payload := data
	if channel != nil && channel.IsReady() {
		opened, err := channel.Decrypt(data)
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
	case protocol.PacketVideoFrame:
		surface.HandleVideoFrame(body)
	case protocol.PacketRegionalUpdate:
		surface.HandleRegionalUpdate(body)
	case protocol.PacketClipboardData:
		// Remote clipboard content; surfaced like chat.
		if c.callbacks.OnChat != nil {
			c.callbacks.OnChat("clipboard", string(body))
		}
	}
}

func (c *Client) handleChat(chat protocol.ChatMessage) {
	if c.callbacks.OnChat == nil {
		return
	}
	message := chat.Message
	if chat.Encrypted != "" {
		c.mu.RLock()
		channel := c.channel
		c.mu.RUnlock()
		if channel == nil || !channel.IsReady() {
			return
		}
		body, err := decryptChat(channel, chat.Encrypted)
		if err != nil {
			log.Debug("dropping undecryptable chat message", "error", err)
			return
		}
		c.callbacks.OnChat(body.Sender, body.Message)
		return
	}
	c.callbacks.OnChat(chat.Sender, message)
}

// Accept claims a pending support request.
func (c *Client) Accept(sessionID, message string) {
	c.sendEnvelope(protocol.TypeAcceptSupport, protocol.AcceptSupport{SessionID: sessionID, Message: message})
}

// Reject declines a pending support request.
func (c *Client) Reject(sessionID, reason string) {
	c.sendEnvelope(protocol.TypeRejectRequest, protocol.RejectRequest{SessionID: sessionID, Reason: reason})
}

// EndSession terminates the active session.
func (c *Client) EndSession(reason string) {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()
	if session == nil {
		return
	}
	c.sendEnvelope(protocol.TypeSessionEnd, protocol.SessionEnd{SessionID: session.SessionID, Reason: reason})
}

// RequestDeviceList asks for a registry snapshot.
func (c *Client) RequestDeviceList() {
	c.sendEnvelope(protocol.TypeGetDeviceList, struct{}{})
}

// DeleteDevice removes an offline device.
func (c *Client) DeleteDevice(agentID string) {
	c.sendEnvelope(protocol.TypeDeleteDevice, protocol.DeleteDevice{AgentID: agentID})
}

// ConnectUnattended opens a session authenticated by the device password
// hash (lowercase hex SHA-256 of the password).
func (c *Client) ConnectUnattended(agentID, passwordHash string) {
	c.sendEnvelope(protocol.TypeConnectUnattended, protocol.ConnectUnattended{
		AgentID:    agentID,
		Password:   passwordHash,
		AdminToken: c.adminToken,
	})
}

// ChangeQuality pushes a manual quality selection to the agent's encoder.
func (c *Client) ChangeQuality(quality string, fps int) {
	c.sendInput(protocol.InputEvent{Type: protocol.InputQualityChange, Quality: quality, FPS: fps})
}

// SwitchMonitor asks the agent to capture another display.
func (c *Client) SwitchMonitor(index int) {
	c.sendInput(protocol.InputEvent{Type: protocol.InputSwitchMonitor, MonitorIndex: index})
}
