package relay

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/servidesk/servidesk/internal/config"
	"github.com/servidesk/servidesk/internal/logging"
	"github.com/servidesk/servidesk/internal/protocol"
	"github.com/servidesk/servidesk/internal/workerpool"
)

var log = logging.L("relay")

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	StatusConnected AgentStatus = "connected"
	StatusWaiting   AgentStatus = "waiting"
	StatusInSession AgentStatus = "in_session"
)

// Peer is one live connection as the manager sees it. Sends are
// non-blocking: a full outbound buffer drops the message rather than
// stalling the manager's critical section.
type Peer interface {
	ID() string
	RemoteIP() string
	SendEnvelope(env *protocol.Envelope)
	SendErrorCode(code, message string)
	Close(code int, reason string)
}

// Session is one active admin-agent pair. Forwarding handlers hold the
// pointer and touch lastActivity without entering the manager's lock.
type Session struct {
	ID           string
	AgentID      string
	Agent        Peer
	Viewer       Peer
	AdminName    string
	CustomerName string
	Unattended   bool
	StartedAt    time.Time

	lastActivity atomic.Int64 // unix nanos
}

// Touch refreshes the activity timestamp. Called on every forwarded
// message.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent forwarded message.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

type agentEntry struct {
	agentID       string
	peer          Peer
	status        AgentStatus
	sessionID     string // pre-allocated id the next support request will use
	hostname      string
	lastHeartbeat time.Time
}

type pendingRequest struct {
	request     protocol.SupportRequest
	requestedAt time.Time
}

type adminEntry struct {
	id            string
	name          string
	peer          Peer
	ip            string
	lastHeartbeat time.Time
}

// SessionHooks let the forwarding plane wire and unwire relay handlers when
// sessions start and end.
type SessionHooks struct {
	Start func(s *Session)
	End   func(s *Session)
}

// Manager owns the four relay tables. All mutations happen under one mutex;
// forwarded bytes never pass through it.
type Manager struct {
	cfg      *config.RelayConfig
	registry *Registry
	sessions *SessionLog
	guard    *AuthGuard
	tokens   *TokenStore // nil when provisioning is disabled
	pool     *workerpool.Pool
	hooks    SessionHooks

	mu      sync.Mutex
	agents  map[string]*agentEntry     // agent_id → entry
	pending map[string]*pendingRequest // session_id → request
	active  map[string]*Session        // session_id → session
	admins  map[string]*adminEntry     // admin conn id → entry

	startedAt time.Time
}

// NewManager wires the relay state. tokens may be nil when provisioning is
// off.
func NewManager(cfg *config.RelayConfig, registry *Registry, sessions *SessionLog, guard *AuthGuard, tokens *TokenStore, pool *workerpool.Pool) *Manager {
	return &Manager{
		cfg:       cfg,
		registry:  registry,
		sessions:  sessions,
		guard:     guard,
		tokens:    tokens,
		pool:      pool,
		agents:    make(map[string]*agentEntry),
		pending:   make(map[string]*pendingRequest),
		active:    make(map[string]*Session),
		admins:    make(map[string]*adminEntry),
		startedAt: time.Now(),
	}
}

// SetHooks installs the forwarding-plane callbacks. Must be called before
// the first connection is served.
func (m *Manager) SetHooks(hooks SessionHooks) {
	m.hooks = hooks
}

// newSessionID returns 192 bits of randomness as lowercase hex.
func newSessionID() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is unrecoverable for a broker handing out
		// session identities.
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// RegisterAgent validates and admits an agent connection. The returned ack
// is sent by the caller so registration errors and success share one path.
func (m *Manager) RegisterAgent(peer Peer, reg protocol.AgentRegister) (*protocol.AgentRegistered, *protocol.WireError) {
	if !protocol.ValidAgentID(reg.AgentID) {
		return nil, protocol.NewWireError(protocol.CodeInvalidData, "agent_id must match [A-Za-z0-9_-]{1,128}")
	}
	reg.Hostname = protocol.SanitizeString(reg.Hostname)
	reg.OS = protocol.SanitizeString(reg.OS)
	reg.Version = protocol.SanitizeString(reg.Version)
	reg.CustomerName = protocol.SanitizeString(reg.CustomerName)
	if reg.UnattendedPasswordHash != "" && !protocol.ValidPasswordHash(reg.UnattendedPasswordHash) {
		return nil, protocol.NewWireError(protocol.CodeInvalidData, "unattended password hash must be 64 lowercase hex chars")
	}

	if m.cfg.ProvisioningEnabled {
		if m.tokens == nil || !m.tokens.Validate(reg.AgentToken) {
			return nil, protocol.NewWireError(protocol.CodeAuthFailed, "invalid agent token")
		}
	} else if m.cfg.AgentSecret != "" && !constantTimeEqual(reg.AgentSecret, m.cfg.AgentSecret) {
		return nil, protocol.NewWireError(protocol.CodeAuthFailed, "invalid agent secret")
	}

	m.mu.Lock()
	if existing, ok := m.agents[reg.AgentID]; ok && existing.peer != nil {
		m.mu.Unlock()
		return nil, protocol.NewWireError(protocol.CodeAlreadyConnected, "agent is already connected")
	}
	entry := &agentEntry{
		agentID:       reg.AgentID,
		peer:          peer,
		status:        StatusConnected,
		sessionID:     newSessionID(),
		hostname:      reg.Hostname,
		lastHeartbeat: time.Now(),
	}
	m.agents[reg.AgentID] = entry
	sessionID := entry.sessionID
	m.mu.Unlock()

	if err := m.registry.Upsert(DeviceRecord{
		AgentID:                reg.AgentID,
		Hostname:               reg.Hostname,
		OS:                     reg.OS,
		Version:                reg.Version,
		CustomerName:           reg.CustomerName,
		Hardware:               reg.Hardware,
		UnattendedEnabled:      reg.UnattendedEnabled,
		UnattendedPasswordHash: reg.UnattendedPasswordHash,
	}); err != nil {
		m.mu.Lock()
		delete(m.agents, reg.AgentID)
		m.mu.Unlock()
		return nil, protocol.NewWireError(protocol.CodeInternalError, err.Error())
	}

	m.broadcastAdmins(protocol.MustEnvelope(protocol.TypeDeviceStatusChanged, protocol.DeviceStatusChanged{
		AgentID:  reg.AgentID,
		IsOnline: true,
	}))

	log.Info("agent registered", "agentId", reg.AgentID, "hostname", reg.Hostname)
	return &protocol.AgentRegistered{SessionID: sessionID, Status: "waiting"}, nil
}

// UpdateAgentInfo refreshes registry attributes for a connected agent.
func (m *Manager) UpdateAgentInfo(peer Peer, upd protocol.UpdateAgentInfo) *protocol.WireError {
	m.mu.Lock()
	entry := m.agentByPeerLocked(peer)
	if entry == nil {
		m.mu.Unlock()
		return protocol.NewWireError(protocol.CodeAgentNotFound, "agent is not registered")
	}
	agentID := entry.agentID
	m.mu.Unlock()

	if err := m.registry.Upsert(DeviceRecord{
		AgentID:  agentID,
		Hostname: protocol.SanitizeString(upd.Hostname),
		OS:       protocol.SanitizeString(upd.OS),
		Version:  protocol.SanitizeString(upd.Version),
		Hardware: upd.Hardware,
	}); err != nil {
		return protocol.NewWireError(protocol.CodeInternalError, err.Error())
	}
	return nil
}

// RequestSupport queues a support request and broadcasts it to admins.
func (m *Manager) RequestSupport(peer Peer, req protocol.RequestSupport) *protocol.WireError {
	m.mu.Lock()
	entry := m.agentByPeerLocked(peer)
	if entry == nil {
		m.mu.Unlock()
		return protocol.NewWireError(protocol.CodeAgentNotFound, "agent is not registered")
	}
	if entry.status != StatusConnected {
		m.mu.Unlock()
		return protocol.NewWireError(protocol.CodeInvalidState, "agent already has a pending or active session")
	}
	if len(m.pending) >= m.cfg.MaxPendingRequests {
		m.mu.Unlock()
		return protocol.NewWireError(protocol.CodeRateLimited, "too many pending requests")
	}

	request := protocol.SupportRequest{
		SessionID:    entry.sessionID,
		AgentID:      entry.agentID,
		Hostname:     entry.hostname,
		CustomerName: protocol.SanitizeString(req.CustomerName),
		Message:      protocol.SanitizeString(req.Message),
		ScreenWidth:  req.ScreenWidth,
		ScreenHeight: req.ScreenHeight,
		RequestedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	m.pending[entry.sessionID] = &pendingRequest{request: request, requestedAt: time.Now()}
	entry.status = StatusWaiting
	m.mu.Unlock()

	m.broadcastAdmins(protocol.MustEnvelope(protocol.TypeSupportRequest, request))
	log.Info("support requested", "agentId", request.AgentID, "sessionId", request.SessionID)
	return nil
}

// AcceptSupport claims a pending request for an authenticated admin.
// Exactly one of two racing accepts wins; the loser sees SESSION_NOT_FOUND.
func (m *Manager) AcceptSupport(adminPeer Peer, acc protocol.AcceptSupport) *protocol.WireError {
	m.mu.Lock()
	admin, ok := m.admins[adminPeer.ID()]
	if !ok {
		m.mu.Unlock()
		return protocol.NewWireError(protocol.CodeNotAuthenticated, "authenticate first")
	}
	pend, ok := m.pending[acc.SessionID]
	if !ok {
		m.mu.Unlock()
		return protocol.NewWireError(protocol.CodeSessionNotFound, "no pending request with that session id")
	}
	if len(m.active) >= m.cfg.MaxActiveSessions {
		m.mu.Unlock()
		return protocol.NewWireError(protocol.CodeRateLimited, "active session limit reached")
	}
	agent, ok := m.agents[pend.request.AgentID]
	if !ok || agent.peer == nil {
		delete(m.pending, acc.SessionID)
		m.mu.Unlock()
		return protocol.NewWireError(protocol.CodeAgentDisconnected, "agent disconnected before accept")
	}

	session := &Session{
		ID:           acc.SessionID,
		AgentID:      agent.agentID,
		Agent:        agent.peer,
		Viewer:       adminPeer,
		AdminName:    admin.name,
		CustomerName: pend.request.CustomerName,
		StartedAt:    time.Now(),
	}
	session.Touch()
	m.active[acc.SessionID] = session
	delete(m.pending, acc.SessionID)
	agent.status = StatusInSession
	agent.sessionID = newSessionID() // next request gets a fresh id
	screenW, screenH := pend.request.ScreenWidth, pend.request.ScreenHeight
	m.mu.Unlock()

	if m.hooks.Start != nil {
		m.hooks.Start(session)
	}

	session.Agent.SendEnvelope(protocol.MustEnvelope(protocol.TypeSessionAccepted, protocol.SessionAccepted{
		AdminName: admin.name,
		Message:   protocol.SanitizeString(acc.Message),
	}))
	adminPeer.SendEnvelope(protocol.MustEnvelope(protocol.TypeSessionStarted, protocol.SessionStarted{
		SessionID:    session.ID,
		AgentID:      session.AgentID,
		ScreenWidth:  screenW,
		ScreenHeight: screenH,
	}))
	m.broadcastAdmins(protocol.MustEnvelope(protocol.TypeRequestCancelled, protocol.RequestCancelled{SessionID: session.ID}))

	log.Info("session started", "sessionId", session.ID, "agentId", session.AgentID, "admin", admin.name)
	return nil
}

// RejectRequest declines a pending request.
func (m *Manager) RejectRequest(rej protocol.RejectRequest) *protocol.WireError {
	m.mu.Lock()
	pend, ok := m.pending[rej.SessionID]
	if !ok {
		m.mu.Unlock()
		return protocol.NewWireError(protocol.CodeSessionNotFound, "no pending request with that session id")
	}
	delete(m.pending, rej.SessionID)
	agent := m.agents[pend.request.AgentID]
	var agentPeer Peer
	if agent != nil {
		agent.status = StatusConnected
		agent.sessionID = newSessionID()
		agentPeer = agent.peer
	}
	m.mu.Unlock()

	if agentPeer != nil {
		agentPeer.SendEnvelope(protocol.MustEnvelope(protocol.TypeRequestRejected, protocol.RequestRejected{
			Reason: protocol.SanitizeString(rej.Reason),
		}))
	}
	m.broadcastAdmins(protocol.MustEnvelope(protocol.TypeRequestCancelled, protocol.RequestCancelled{SessionID: rej.SessionID}))
	return nil
}

// EndSession terminates an active session (or cancels a pending one) and
// notifies both peers.
func (m *Manager) EndSession(sessionID, reason, endedBy string) *protocol.WireError {
	m.mu.Lock()
	if pend, ok := m.pending[sessionID]; ok {
		delete(m.pending, sessionID)
		agent := m.agents[pend.request.AgentID]
		if agent != nil {
			agent.status = StatusConnected
			agent.sessionID = newSessionID()
		}
		m.mu.Unlock()
		m.broadcastAdmins(protocol.MustEnvelope(protocol.TypeRequestCancelled, protocol.RequestCancelled{SessionID: sessionID}))
		return nil
	}

	session, ok := m.active[sessionID]
	if !ok {
		m.mu.Unlock()
		return protocol.NewWireError(protocol.CodeSessionNotFound, "no active session with that session id")
	}
	delete(m.active, sessionID)
	if agent, ok := m.agents[session.AgentID]; ok {
		agent.status = StatusConnected
	}
	m.mu.Unlock()

	m.finishSession(session, reason, endedBy)
	return nil
}

// finishSession unwires forwarding, notifies both peers and appends the
// history record. The session must already be removed from the table.
func (m *Manager) finishSession(session *Session, reason, endedBy string) {
	if m.hooks.End != nil {
		m.hooks.End(session)
	}

	ended := protocol.MustEnvelope(protocol.TypeSessionEnded, protocol.SessionEnded{
		SessionID: session.ID,
		Reason:    reason,
		EndedBy:   endedBy,
	})
	if session.Agent != nil {
		session.Agent.SendEnvelope(ended)
	}
	if session.Viewer != nil {
		session.Viewer.SendEnvelope(ended)
	}

	if err := m.sessions.Append(SessionRecord{
		SessionID:    session.ID,
		AgentID:      session.AgentID,
		CustomerName: session.CustomerName,
		AdminName:    session.AdminName,
		Unattended:   session.Unattended,
		StartedAt:    session.StartedAt.UTC(),
		EndedAt:      time.Now().UTC(),
		EndReason:    reason,
		EndedBy:      endedBy,
	}); err != nil {
		log.Warn("session log append failed", "error", err)
	}
	log.Info("session ended", "sessionId", session.ID, "reason", reason, "endedBy", endedBy)
}

// ConnectUnattended establishes a session without user consent, gated by
// the stored password hash. Comparison is constant time over validated
// 64-char lowercase hex.
func (m *Manager) ConnectUnattended(adminPeer Peer, req protocol.ConnectUnattended) *protocol.WireError {
	m.mu.Lock()
	admin, ok := m.admins[adminPeer.ID()]
	if !ok {
		m.mu.Unlock()
		return protocol.NewWireError(protocol.CodeNotAuthenticated, "authenticate first")
	}
	adminName := admin.name
	m.mu.Unlock()

	device, ok := m.registry.Get(req.AgentID)
	if !ok {
		return protocol.NewWireError(protocol.CodeAgentNotFound, "unknown device")
	}
	if !device.UnattendedEnabled {
		return protocol.NewWireError(protocol.CodeUnattendedDisabled, "unattended access is disabled on this device")
	}
	if device.UnattendedPasswordHash == "" {
		return protocol.NewWireError(protocol.CodeNoPassword, "device has no unattended password")
	}
	if !protocol.ValidPasswordHash(req.Password) || !protocol.ValidPasswordHash(device.UnattendedPasswordHash) {
		return protocol.NewWireError(protocol.CodeInvalidPassword, "unattended password mismatch")
	}
	if !constantTimeEqual(req.Password, device.UnattendedPasswordHash) {
		return protocol.NewWireError(protocol.CodeInvalidPassword, "unattended password mismatch")
	}

	m.mu.Lock()
	agent, ok := m.agents[req.AgentID]
	if !ok || agent.peer == nil {
		m.mu.Unlock()
		return protocol.NewWireError(protocol.CodeAgentOffline, "agent is offline")
	}
	if agent.status != StatusConnected {
		m.mu.Unlock()
		return protocol.NewWireError(protocol.CodeInvalidState, "agent is busy")
	}
	if len(m.active) >= m.cfg.MaxActiveSessions {
		m.mu.Unlock()
		return protocol.NewWireError(protocol.CodeRateLimited, "active session limit reached")
	}

	session := &Session{
		ID:           newSessionID(),
		AgentID:      agent.agentID,
		Agent:        agent.peer,
		Viewer:       adminPeer,
		AdminName:    adminName,
		CustomerName: device.CustomerName,
		Unattended:   true,
		StartedAt:    time.Now(),
	}
	session.Touch()
	m.active[session.ID] = session
	agent.status = StatusInSession
	m.mu.Unlock()

	if m.hooks.Start != nil {
		m.hooks.Start(session)
	}

	session.Agent.SendEnvelope(protocol.MustEnvelope(protocol.TypeSessionAccepted, protocol.SessionAccepted{
		AdminName:  adminName,
		Unattended: true,
	}))
	adminPeer.SendEnvelope(protocol.MustEnvelope(protocol.TypeSessionStarted, protocol.SessionStarted{
		SessionID:  session.ID,
		AgentID:    session.AgentID,
		Unattended: true,
	}))

	log.Info("unattended session started", "sessionId", session.ID, "agentId", session.AgentID, "admin", adminName)
	return nil
}

// AuthenticateAdmin verifies the shared token, applying the per-IP ban
// policy, and hydrates the pending list on success. The caller sends the
// returned result so handshake failures can share the synchronous path.
func (m *Manager) AuthenticateAdmin(peer Peer, auth protocol.AdminAuth) (*protocol.AdminAuthResult, *protocol.WireError) {
	ip := peer.RemoteIP()
	if m.guard.IsBanned(ip) {
		return nil, protocol.NewWireError(protocol.CodeRateLimited, "too many failed attempts")
	}
	if !m.guard.CheckAdminToken(auth.AdminToken) {
		if m.guard.RecordFailure(ip) {
			log.Warn("ip banned after repeated auth failures", "remoteIp", ip)
		}
		return nil, protocol.NewWireError(protocol.CodeAuthFailed, "invalid admin token")
	}
	m.guard.RecordSuccess(ip)

	name := protocol.SanitizeString(auth.AdminName)
	if name == "" {
		name = "admin"
	}

	m.mu.Lock()
	m.admins[peer.ID()] = &adminEntry{
		id:            peer.ID(),
		name:          name,
		peer:          peer,
		ip:            ip,
		lastHeartbeat: time.Now(),
	}
	pending := make([]protocol.SupportRequest, 0, len(m.pending))
	for _, p := range m.pending {
		pending = append(pending, p.request)
	}
	m.mu.Unlock()

	log.Info("admin authenticated", "admin", name, "remoteIp", ip)
	return &protocol.AdminAuthResult{Success: true, PendingRequests: pending}, nil
}

// RecordAuthFailure lets the transport report a failed admin_auth so bans
// accumulate even when the manager rejected the payload early.
func (m *Manager) RecordAuthFailure(ip string) {
	if m.guard.RecordFailure(ip) {
		log.Warn("ip banned after repeated auth failures", "remoteIp", ip)
	}
}

// DeleteDevice removes an offline device from the registry.
func (m *Manager) DeleteDevice(agentID string) *protocol.WireError {
	m.mu.Lock()
	if agent, ok := m.agents[agentID]; ok && agent.peer != nil {
		m.mu.Unlock()
		return protocol.NewWireError(protocol.CodeAgentOnline, "device is online")
	}
	m.mu.Unlock()

	removed, err := m.registry.Delete(agentID)
	if err != nil {
		return protocol.NewWireError(protocol.CodeInternalError, err.Error())
	}
	if !removed {
		return protocol.NewWireError(protocol.CodeAgentNotFound, "unknown device")
	}
	m.broadcastAdmins(protocol.MustEnvelope(protocol.TypeDeviceDeleted, protocol.DeviceDeleted{AgentID: agentID}))
	return nil
}

// DeviceList snapshots the registry with computed liveness.
func (m *Manager) DeviceList() protocol.DeviceList {
	return protocol.DeviceList{Devices: m.registry.List(func(agentID string) bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		agent, ok := m.agents[agentID]
		return ok && agent.peer != nil
	})}
}

// HeartbeatAgent refreshes the agent's liveness and acks with both clocks.
func (m *Manager) HeartbeatAgent(peer Peer, hb protocol.Heartbeat) {
	m.mu.Lock()
	if entry := m.agentByPeerLocked(peer); entry != nil {
		entry.lastHeartbeat = time.Now()
	}
	m.mu.Unlock()
	peer.SendEnvelope(protocol.MustEnvelope(protocol.TypeHeartbeatAck, protocol.HeartbeatAck{
		ClientTime: hb.ClientTime,
		ServerTime: time.Now().UnixMilli(),
	}))
}

// HeartbeatAdmin mirrors HeartbeatAgent for admin connections.
func (m *Manager) HeartbeatAdmin(peer Peer, hb protocol.Heartbeat) {
	m.mu.Lock()
	if admin, ok := m.admins[peer.ID()]; ok {
		admin.lastHeartbeat = time.Now()
	}
	m.mu.Unlock()
	peer.SendEnvelope(protocol.MustEnvelope(protocol.TypeHeartbeatAck, protocol.HeartbeatAck{
		ClientTime: hb.ClientTime,
		ServerTime: time.Now().UnixMilli(),
	}))
}

// TouchHeartbeat refreshes liveness from a transport pong.
func (m *Manager) TouchHeartbeat(peer Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry := m.agentByPeerLocked(peer); entry != nil {
		entry.lastHeartbeat = time.Now()
		return
	}
	if admin, ok := m.admins[peer.ID()]; ok {
		admin.lastHeartbeat = time.Now()
	}
}

// HandleDisconnect tears down all state owned by a closing connection.
func (m *Manager) HandleDisconnect(peer Peer) {
	m.mu.Lock()
	if entry := m.agentByPeerLocked(peer); entry != nil {
		m.removeAgentLocked(entry, "agent_disconnected")
		return // removeAgentLocked unlocks
	}
	if admin, ok := m.admins[peer.ID()]; ok {
		m.removeAdminLocked(admin)
		return // removeAdminLocked unlocks
	}
	m.mu.Unlock()
}

// removeAgentLocked cleans an agent's pending and active state. Takes the
// lock held and releases it.
func (m *Manager) removeAgentLocked(entry *agentEntry, endedBy string) {
	agentID := entry.agentID
	delete(m.agents, agentID)

	var cancelled []string
	for id, p := range m.pending {
		if p.request.AgentID == agentID {
			delete(m.pending, id)
			cancelled = append(cancelled, id)
		}
	}
	var finished []*Session
	for id, s := range m.active {
		if s.AgentID == agentID {
			delete(m.active, id)
			finished = append(finished, s)
		}
	}
	m.mu.Unlock()

	for _, id := range cancelled {
		m.broadcastAdmins(protocol.MustEnvelope(protocol.TypeRequestCancelled, protocol.RequestCancelled{SessionID: id}))
	}
	for _, s := range finished {
		m.finishSession(s, "error", endedBy)
	}
	m.broadcastAdmins(protocol.MustEnvelope(protocol.TypeDeviceStatusChanged, protocol.DeviceStatusChanged{
		AgentID:  agentID,
		IsOnline: false,
	}))
	m.registry.Touch(agentID)
	log.Info("agent disconnected", "agentId", agentID)
}

// removeAdminLocked cleans an admin's sessions. Takes the lock held and
// releases it.
func (m *Manager) removeAdminLocked(admin *adminEntry) {
	delete(m.admins, admin.id)
	var finished []*Session
	for id, s := range m.active {
		if s.Viewer == admin.peer {
			delete(m.active, id)
			if agent, ok := m.agents[s.AgentID]; ok {
				agent.status = StatusConnected
			}
			finished = append(finished, s)
		}
	}
	m.mu.Unlock()

	for _, s := range finished {
		m.finishSession(s, "error", "viewer_disconnected")
	}
	log.Info("admin disconnected", "admin", admin.name)
}

// broadcastAdmins fans an envelope out to every authenticated admin through
// the worker pool so the caller never blocks on a slow socket.
func (m *Manager) broadcastAdmins(env *protocol.Envelope) {
	m.mu.Lock()
	peers := make([]Peer, 0, len(m.admins))
	for _, a := range m.admins {
		peers = append(peers, a.peer)
	}
	m.mu.Unlock()

	for _, p := range peers {
		peer := p
		if m.pool == nil || !m.pool.Submit(func() { peer.SendEnvelope(env) }) {
			peer.SendEnvelope(env)
		}
	}
}

// Counts reports table sizes for /health.
func (m *Manager) Counts() (agents, admins, pending, active int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.agents), len(m.admins), len(m.pending), len(m.active)
}

// Uptime reports how long the manager has been running.
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.startedAt)
}

// ActiveSessions snapshots the active table for the HTTP API.
func (m *Manager) ActiveSessions() []SessionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionRecord, 0, len(m.active))
	for _, s := range m.active {
		out = append(out, SessionRecord{
			SessionID:    s.ID,
			AgentID:      s.AgentID,
			CustomerName: s.CustomerName,
			AdminName:    s.AdminName,
			Unattended:   s.Unattended,
			StartedAt:    s.StartedAt.UTC(),
		})
	}
	return out
}

// Run drives the cleanup loop until done is closed: stale sessions, stale
// agents and stale admins, in that order, every sweep.
func (m *Manager) Run(done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	sessionTimeout := time.Duration(m.cfg.SessionTimeoutMs) * time.Millisecond
	heartbeatTimeout := time.Duration(m.cfg.HeartbeatTimeoutMs) * time.Millisecond

	// (a) sessions past the wall-clock limit.
	m.mu.Lock()
	var timedOut []*Session
	for id, s := range m.active {
		if now.Sub(s.StartedAt) > sessionTimeout {
			delete(m.active, id)
			if agent, ok := m.agents[s.AgentID]; ok {
				agent.status = StatusConnected
			}
			timedOut = append(timedOut, s)
		}
	}
	m.mu.Unlock()
	for _, s := range timedOut {
		m.finishSession(s, "timeout", "server")
	}

	// (b) agents that stopped heartbeating.
	m.mu.Lock()
	var staleAgents []*agentEntry
	for _, a := range m.agents {
		if now.Sub(a.lastHeartbeat) > heartbeatTimeout {
			staleAgents = append(staleAgents, a)
		}
	}
	m.mu.Unlock()
	for _, a := range staleAgents {
		peer := a.peer
		m.mu.Lock()
		// The id may have re-registered since the snapshot; only reap the
		// entry we actually observed as stale.
		if cur, still := m.agents[a.agentID]; !still || cur != a {
			m.mu.Unlock()
			continue
		}
		m.removeAgentLocked(a, "agent_disconnected")
		if peer != nil {
			peer.Close(CloseGoingAway, "heartbeat timeout")
		}
	}

	// (c) admins likewise.
	m.mu.Lock()
	var staleAdmins []*adminEntry
	for _, a := range m.admins {
		if now.Sub(a.lastHeartbeat) > heartbeatTimeout {
			staleAdmins = append(staleAdmins, a)
		}
	}
	m.mu.Unlock()
	for _, a := range staleAdmins {
		m.mu.Lock()
		if _, still := m.admins[a.id]; !still {
			m.mu.Unlock()
			continue
		}
		m.removeAdminLocked(a)
		if a.peer != nil {
			a.peer.Close(CloseGoingAway, "heartbeat timeout")
		}
	}
}

// Shutdown ends every active session with the server as the ending party.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.active))
	for id, s := range m.active {
		delete(m.active, id)
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		m.finishSession(s, "shutdown", "server")
	}
}

// agentByPeerLocked finds the agent entry owning a connection. Caller holds
// the lock.
func (m *Manager) agentByPeerLocked(peer Peer) *agentEntry {
	for _, a := range m.agents {
		if a.peer == peer {
			return a
		}
	}
	return nil
}
