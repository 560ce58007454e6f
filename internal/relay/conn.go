package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/servidesk/servidesk/internal/protocol"
)

// Close codes the relay uses.
const (
	CloseGoingAway = 1001 // normal shutdown
	CloseMalformed = 4000 // first message was not a valid handshake
	CloseAuth      = 4001 // authentication failure
	CloseBanned    = 4003 // banned IP or over the per-IP limit
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 64
	// frameQueueSize bounds buffered binary frames per connection; video
	// overflow is dropped, which the agent's backpressure skip absorbs.
	frameQueueSize = 32
)

// forwardState is installed on a connection while it participates in an
// active session. Forwarded bytes flow conn→conn without touching the
// manager's critical section.
type forwardState struct {
	session *Session
	target  *Conn
	// inspect marks the viewer→agent direction, where session_end is
	// handled locally instead of being forwarded as data.
	inspect bool
}

// Conn wraps one websocket connection: outbound pumps, per-connection rate
// limiting and transport aliveness. Text and binary sends are independent
// ordered substreams, each preserving its own production order.
type Conn struct {
	id       string
	ws       *websocket.Conn
	remoteIP string

	sendText chan []byte
	sendBin  chan []byte
	done     chan struct{}
	stopOnce sync.Once

	alive   atomic.Bool
	forward atomic.Pointer[forwardState]

	limiter      *rate.Limiter
	limitLogged  atomic.Int64 // unix second of the last rate-limit log line
	pingInterval time.Duration

	onPong func(*Conn)
}

func newConn(ws *websocket.Conn, remoteIP string, messagesPerSecond int, pingInterval time.Duration, onPong func(*Conn)) *Conn {
	c := &Conn{
		id:           uuid.NewString(),
		ws:           ws,
		remoteIP:     remoteIP,
		sendText:     make(chan []byte, sendQueueSize),
		sendBin:      make(chan []byte, frameQueueSize),
		done:         make(chan struct{}),
		limiter:      rate.NewLimiter(rate.Limit(messagesPerSecond), messagesPerSecond),
		pingInterval: pingInterval,
		onPong:       onPong,
	}
	c.alive.Store(true)
	ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		if c.onPong != nil {
			c.onPong(c)
		}
		return nil
	})
	return c
}

// ID returns the connection's stable identifier.
func (c *Conn) ID() string { return c.id }

// RemoteIP returns the resolved source address.
func (c *Conn) RemoteIP() string { return c.remoteIP }

// SendEnvelope queues a JSON envelope. Non-blocking: a full queue drops the
// message so shared loops never stall on one slow socket.
func (c *Conn) SendEnvelope(env *protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		log.Warn("envelope encode failed", "type", env.Type, "error", err)
		return
	}
	c.queueText(data)
}

// SendErrorCode queues a typed error envelope.
func (c *Conn) SendErrorCode(code, message string) {
	c.SendEnvelope(protocol.MustEnvelope(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message}))
}

func (c *Conn) queueText(data []byte) {
	select {
	case c.sendText <- data:
	case <-c.done:
	default:
		log.Debug("text queue full, message dropped", "remoteIp", c.remoteIP)
	}
}

// queueBinary forwards one binary frame verbatim.
func (c *Conn) queueBinary(data []byte) {
	select {
	case c.sendBin <- data:
	case <-c.done:
	default:
		// Video backpressure: dropping is the contract, the sender's
		// keyframe cadence repairs the stream.
	}
}

// allowMessage applies the rolling per-second message budget. Messages over
// budget are dropped silently, logged once per window.
func (c *Conn) allowMessage() bool {
	if c.limiter.Allow() {
		return true
	}
	now := time.Now().Unix()
	if c.limitLogged.Swap(now) != now {
		log.Warn("connection over message rate limit, dropping", "remoteIp", c.remoteIP)
	}
	return false
}

// setForward installs (or clears, with nil) the relay target.
func (c *Conn) setForward(fs *forwardState) {
	c.forward.Store(fs)
}

func (c *Conn) forwarding() *forwardState {
	return c.forward.Load()
}

// writePump owns all writes: queued text, queued binary and transport
// pings. If a ping round elapses without a pong the connection is
// terminated.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case data := <-c.sendText:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close(CloseGoingAway, "write failed")
				return
			}

		case data := <-c.sendBin:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.Close(CloseGoingAway, "write failed")
				return
			}

		case <-ticker.C:
			if !c.alive.Load() {
				log.Debug("connection missed ping round", "remoteIp", c.remoteIP)
				c.Close(CloseGoingAway, "ping timeout")
				return
			}
			c.alive.Store(false)
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(CloseGoingAway, "ping failed")
				return
			}
		}
	}
}

// Close sends a close frame with the given code and tears the socket down.
// Safe to call from any goroutine, repeatedly.
func (c *Conn) Close(code int, reason string) {
	c.stopOnce.Do(func() {
		close(c.done)
		c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(writeWait),
		)
		c.ws.Close()
	})
}

// Done reports connection teardown to observers.
func (c *Conn) Done() <-chan struct{} { return c.done }
