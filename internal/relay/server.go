package relay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/servidesk/servidesk/internal/config"
	"github.com/servidesk/servidesk/internal/protocol"
)

const handshakeTimeout = 10 * time.Second

type connRole string

const (
	roleAgent connRole = "agent"
	roleAdmin connRole = "admin"
)

// Server is the relay's HTTP surface: the /ws endpoint plus the REST API.
type Server struct {
	cfg      *config.RelayConfig
	manager  *Manager
	guard    *AuthGuard
	tokens   *TokenStore
	sessions *SessionLog
	upgrader websocket.Upgrader

	mu      sync.Mutex
	ipConns map[string]int

	provisionLimiter *ipWindowLimiter

	httpServer *http.Server
}

// NewServer wires the websocket and HTTP handlers. The manager's session
// hooks are installed here: forwarding is the server's concern.
func NewServer(cfg *config.RelayConfig, manager *Manager, guard *AuthGuard, tokens *TokenStore, sessions *SessionLog) *Server {
	s := &Server{
		cfg:              cfg,
		manager:          manager,
		guard:            guard,
		tokens:           tokens,
		sessions:         sessions,
		ipConns:          make(map[string]int),
		provisionLimiter: newIPWindowLimiter(10, 15*time.Minute),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     s.checkOrigin,
	}
	manager.SetHooks(SessionHooks{
		Start: s.wireSession,
		End:   s.unwireSession,
	})
	return s
}

// checkOrigin enforces the optional allow-list. Native clients send no
// Origin header and always pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

// clientIP resolves the source address, honoring trust_proxy.
func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.TrustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := xff
			if i := strings.IndexByte(xff, ','); i >= 0 {
				first = xff[:i]
			}
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ListenAndServe runs the relay until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.registerAPI(mux)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
			errCh <- s.httpServer.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			// TLS is expected to terminate at a fronting proxy in this mode.
			errCh <- s.httpServer.ListenAndServe()
		}
	}()
	log.Info("relay listening", "addr", addr)

	select {
	case <-ctx.Done():
		s.manager.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := s.clientIP(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("upgrade failed", "remoteIp", ip, "error", err)
		return
	}
	ws.SetReadLimit(int64(s.cfg.MaxMessageSizeBytes))

	if s.guard.IsBanned(ip) {
		closeWith(ws, CloseBanned, "banned")
		return
	}
	if !s.acquireIPSlot(ip) {
		closeWith(ws, CloseBanned, "too many connections from this address")
		return
	}
	defer s.releaseIPSlot(ip)

	conn := newConn(ws, ip, s.cfg.MaxMessagesPerSecond,
		time.Duration(s.cfg.HeartbeatIntervalMs)*time.Millisecond,
		func(c *Conn) { s.manager.TouchHeartbeat(c) })

	role, ok := s.handshake(conn)
	if !ok {
		return
	}

	go conn.writePump()
	s.readLoop(conn, role)

	s.manager.HandleDisconnect(conn)
	conn.Close(CloseGoingAway, "")
}

// handshake reads the first frame, which must be a text agent_register or
// admin_auth envelope. Everything in this phase writes synchronously: the
// pumps have not started yet.
func (s *Server) handshake(conn *Conn) (connRole, bool) {
	conn.ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	msgType, data, err := conn.ws.ReadMessage()
	conn.ws.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close(CloseMalformed, "no handshake")
		return "", false
	}
	if msgType != websocket.TextMessage {
		conn.Close(CloseMalformed, "first message must be text")
		return "", false
	}
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		conn.Close(CloseMalformed, "malformed handshake")
		return "", false
	}

	switch env.Type {
	case protocol.TypeAgentRegister:
		var reg protocol.AgentRegister
		if err := env.Decode(&reg); err != nil {
			s.rejectHandshake(conn, protocol.CodeInvalidData, "bad agent_register payload", CloseMalformed)
			return "", false
		}
		ack, werr := s.manager.RegisterAgent(conn, reg)
		if werr != nil {
			code := CloseMalformed
			if werr.Code == protocol.CodeAuthFailed {
				code = CloseAuth
			}
			s.rejectHandshake(conn, werr.Code, werr.Message, code)
			return "", false
		}
		s.writeSync(conn, protocol.MustEnvelope(protocol.TypeAgentRegistered, ack))
		return roleAgent, true

	case protocol.TypeAdminAuth:
		var auth protocol.AdminAuth
		if err := env.Decode(&auth); err != nil {
			s.rejectHandshake(conn, protocol.CodeInvalidData, "bad admin_auth payload", CloseMalformed)
			return "", false
		}
		result, werr := s.manager.AuthenticateAdmin(conn, auth)
		if werr != nil {
			s.rejectHandshake(conn, werr.Code, werr.Message, CloseAuth)
			return "", false
		}
		s.writeSync(conn, protocol.MustEnvelope(protocol.TypeAdminAuthResult, result))
		return roleAdmin, true

	default:
		conn.Close(CloseMalformed, "first message must be agent_register or admin_auth")
		return "", false
	}
}

// rejectHandshake delivers a typed error before closing; both writes are
// synchronous.
func (s *Server) rejectHandshake(conn *Conn, code, message string, closeCode int) {
	s.writeSync(conn, protocol.MustEnvelope(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message}))
	conn.Close(closeCode, code)
}

func (s *Server) writeSync(conn *Conn, env *protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		return
	}
	conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	conn.ws.WriteMessage(websocket.TextMessage, data)
}

// readLoop pulls frames until the socket dies. In-session frames take the
// forwarding fast path; everything else is dispatched by role.
func (s *Server) readLoop(conn *Conn, role connRole) {
	for {
		msgType, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("read error", "remoteIp", conn.RemoteIP(), "error", err)
			}
			return
		}
		if !conn.allowMessage() {
			continue
		}

		if fw := conn.forwarding(); fw != nil {
			s.forwardMessage(conn, fw, msgType, data)
			continue
		}

		if msgType != websocket.TextMessage {
			// Binary outside a session has no recipient.
			continue
		}
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			conn.SendErrorCode(protocol.CodeInvalidMessage, "malformed envelope")
			continue
		}
		switch role {
		case roleAgent:
			s.dispatchAgent(conn, env)
		case roleAdmin:
			s.dispatchAdmin(conn, env)
		}
	}
}

// forwardMessage relays one frame to the paired peer. Binary is always
// verbatim; JSON is inspected only for the types the relay must handle
// itself (heartbeats keep reaping honest, session_end is a control action).
func (s *Server) forwardMessage(src *Conn, fw *forwardState, msgType int, data []byte) {
	fw.session.Touch()

	if msgType == websocket.BinaryMessage {
		fw.target.queueBinary(data)
		return
	}

	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		fw.target.queueText(data)
		return
	}
	switch env.Type {
	case protocol.TypeHeartbeat:
		var hb protocol.Heartbeat
		if err := env.Decode(&hb); err != nil {
			return
		}
		if fw.inspect {
			s.manager.HeartbeatAdmin(src, hb)
		} else {
			s.manager.HeartbeatAgent(src, hb)
		}
	case protocol.TypeSessionEnd:
		var end protocol.SessionEnd
		_ = env.Decode(&end)
		reason := protocol.SanitizeString(end.Reason)
		if reason == "" {
			reason = "completed"
		}
		endedBy := "agent"
		if fw.inspect {
			endedBy = "admin"
		}
		if werr := s.manager.EndSession(fw.session.ID, reason, endedBy); werr != nil {
			src.SendErrorCode(werr.Code, werr.Message)
		}
	default:
		fw.target.queueText(data)
	}
}

func (s *Server) dispatchAgent(conn *Conn, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRequestSupport:
		var req protocol.RequestSupport
		if err := env.Decode(&req); err != nil {
			conn.SendErrorCode(protocol.CodeInvalidData, "bad request_support payload")
			return
		}
		if werr := s.manager.RequestSupport(conn, req); werr != nil {
			conn.SendErrorCode(werr.Code, werr.Message)
		}
	case protocol.TypeSessionEnd:
		// An agent outside a wired session can still cancel its pending
		// request or tear down a session it owns.
		var end protocol.SessionEnd
		_ = env.Decode(&end)
		if end.SessionID == "" {
			return
		}
		reason := protocol.SanitizeString(end.Reason)
		if reason == "" {
			reason = "cancelled"
		}
		if werr := s.manager.EndSession(end.SessionID, reason, "agent"); werr != nil {
			conn.SendErrorCode(werr.Code, werr.Message)
		}
	case protocol.TypeUpdateAgentInfo:
		var upd protocol.UpdateAgentInfo
		if err := env.Decode(&upd); err != nil {
			conn.SendErrorCode(protocol.CodeInvalidData, "bad update_agent_info payload")
			return
		}
		if werr := s.manager.UpdateAgentInfo(conn, upd); werr != nil {
			conn.SendErrorCode(werr.Code, werr.Message)
		}
	case protocol.TypeHeartbeat:
		var hb protocol.Heartbeat
		_ = env.Decode(&hb)
		s.manager.HeartbeatAgent(conn, hb)
	default:
		// Forward compatibility: unknown types are ignored.
	}
}

func (s *Server) dispatchAdmin(conn *Conn, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAcceptSupport:
		var acc protocol.AcceptSupport
		if err := env.Decode(&acc); err != nil {
			conn.SendErrorCode(protocol.CodeInvalidData, "bad accept_support payload")
			return
		}
		if werr := s.manager.AcceptSupport(conn, acc); werr != nil {
			conn.SendErrorCode(werr.Code, werr.Message)
		}
	case protocol.TypeRejectRequest:
		var rej protocol.RejectRequest
		if err := env.Decode(&rej); err != nil {
			conn.SendErrorCode(protocol.CodeInvalidData, "bad reject_request payload")
			return
		}
		if werr := s.manager.RejectRequest(rej); werr != nil {
			conn.SendErrorCode(werr.Code, werr.Message)
		}
	case protocol.TypeSessionEnd:
		var end protocol.SessionEnd
		_ = env.Decode(&end)
		if end.SessionID == "" {
			return
		}
		reason := protocol.SanitizeString(end.Reason)
		if reason == "" {
			reason = "completed"
		}
		if werr := s.manager.EndSession(end.SessionID, reason, "admin"); werr != nil {
			conn.SendErrorCode(werr.Code, werr.Message)
		}
	case protocol.TypeGetDeviceList:
		conn.SendEnvelope(protocol.MustEnvelope(protocol.TypeDeviceList, s.manager.DeviceList()))
	case protocol.TypeDeleteDevice:
		var del protocol.DeleteDevice
		if err := env.Decode(&del); err != nil {
			conn.SendErrorCode(protocol.CodeInvalidData, "bad delete_device payload")
			return
		}
		if werr := s.manager.DeleteDevice(del.AgentID); werr != nil {
			conn.SendErrorCode(werr.Code, werr.Message)
		}
	case protocol.TypeConnectUnattended:
		var req protocol.ConnectUnattended
		if err := env.Decode(&req); err != nil {
			conn.SendErrorCode(protocol.CodeInvalidData, "bad connect_unattended payload")
			return
		}
		if werr := s.manager.ConnectUnattended(conn, req); werr != nil {
			conn.SendErrorCode(werr.Code, werr.Message)
		}
	case protocol.TypeHeartbeat:
		var hb protocol.Heartbeat
		_ = env.Decode(&hb)
		s.manager.HeartbeatAdmin(conn, hb)
	default:
	}
}

// wireSession installs bidirectional forwarding for a new session.
func (s *Server) wireSession(session *Session) {
	agent, aok := session.Agent.(*Conn)
	viewer, vok := session.Viewer.(*Conn)
	if !aok || !vok {
		return
	}
	agent.setForward(&forwardState{session: session, target: viewer, inspect: false})
	viewer.setForward(&forwardState{session: session, target: agent, inspect: true})
}

// unwireSession removes both handlers at teardown.
func (s *Server) unwireSession(session *Session) {
	if agent, ok := session.Agent.(*Conn); ok {
		agent.setForward(nil)
	}
	if viewer, ok := session.Viewer.(*Conn); ok {
		viewer.setForward(nil)
	}
}

func (s *Server) acquireIPSlot(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxConnectionsPerIP > 0 && s.ipConns[ip] >= s.cfg.MaxConnectionsPerIP {
		return false
	}
	s.ipConns[ip]++
	return true
}

func (s *Server) releaseIPSlot(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ipConns[ip] <= 1 {
		delete(s.ipConns, ip)
	} else {
		s.ipConns[ip]--
	}
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	ws.Close()
}
