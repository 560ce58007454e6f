package protocol

// HardwareSummary is the coarse endpoint inventory carried in registration
// and info updates. Collected by internal/hwinfo on the agent.
type HardwareSummary struct {
	Platform     string `json:"platform,omitempty"`
	CPUModel     string `json:"cpu_model,omitempty"`
	CPUCores     int    `json:"cpu_cores,omitempty"`
	MemoryMB     uint64 `json:"memory_mb,omitempty"`
	Architecture string `json:"architecture,omitempty"`
}

// AgentRegister is the first message an agent connection sends.
type AgentRegister struct {
	AgentID                string          `json:"agent_id"`
	Hostname               string          `json:"hostname"`
	OS                     string          `json:"os"`
	Version                string          `json:"version"`
	CustomerName           string          `json:"customer_name,omitempty"`
	Hardware               HardwareSummary `json:"hardware,omitempty"`
	UnattendedEnabled      bool            `json:"unattended_enabled"`
	UnattendedPasswordHash string          `json:"unattended_password_hash,omitempty"`
	AgentToken             string          `json:"agent_token,omitempty"`
	AgentSecret            string          `json:"agent_secret,omitempty"`
}

// AgentRegistered acknowledges registration and pins the session id a later
// support request will use.
type AgentRegistered struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// RequestSupport asks the relay to broadcast a pending support request.
type RequestSupport struct {
	CustomerName string `json:"customer_name"`
	Message      string `json:"message,omitempty"`
	ScreenWidth  int    `json:"screen_width"`
	ScreenHeight int    `json:"screen_height"`
}

// SupportRequest is the admin-facing view of a pending request.
type SupportRequest struct {
	SessionID    string `json:"session_id"`
	AgentID      string `json:"agent_id"`
	Hostname     string `json:"hostname"`
	CustomerName string `json:"customer_name"`
	Message      string `json:"message,omitempty"`
	ScreenWidth  int    `json:"screen_width"`
	ScreenHeight int    `json:"screen_height"`
	RequestedAt  string `json:"requested_at"`
}

// AcceptSupport claims a pending request.
type AcceptSupport struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message,omitempty"`
}

// SessionStarted tells the viewer its session is live.
type SessionStarted struct {
	SessionID    string `json:"session_id"`
	AgentID      string `json:"agent_id"`
	ScreenWidth  int    `json:"screen_w"`
	ScreenHeight int    `json:"screen_h"`
	Unattended   bool   `json:"unattended,omitempty"`
}

// SessionAccepted tells the agent a technician picked up its request.
type SessionAccepted struct {
	AdminName  string `json:"admin_name"`
	Message    string `json:"message,omitempty"`
	Unattended bool   `json:"unattended,omitempty"`
}

// RejectRequest declines a pending request.
type RejectRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// RequestRejected is delivered to the agent whose request was declined.
type RequestRejected struct {
	Reason string `json:"reason,omitempty"`
}

// RequestCancelled tells admins a pending request is gone.
type RequestCancelled struct {
	SessionID string `json:"session_id"`
}

// SessionEnd asks the relay to terminate a session.
type SessionEnd struct {
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// SessionEnded is delivered to both peers when a session terminates.
type SessionEnded struct {
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason"`
	EndedBy   string `json:"ended_by"`
}

// AdminAuth is the first message an admin connection sends.
type AdminAuth struct {
	AdminToken string `json:"admin_token"`
	AdminName  string `json:"admin_name"`
}

// AdminAuthResult reports the outcome and hydrates the pending list.
type AdminAuthResult struct {
	Success         bool             `json:"success"`
	Message         string           `json:"message,omitempty"`
	PendingRequests []SupportRequest `json:"pending_requests,omitempty"`
}

// ConnectUnattended establishes a session without user consent, gated by the
// device's pre-shared password hash. Password carries lowercase hex SHA-256.
type ConnectUnattended struct {
	AgentID    string `json:"agent_id"`
	Password   string `json:"password"`
	AdminToken string `json:"admin_token,omitempty"`
}

// DeviceInfo is one registry entry in a device_list snapshot.
type DeviceInfo struct {
	AgentID           string          `json:"agent_id"`
	Hostname          string          `json:"hostname"`
	OS                string          `json:"os"`
	Version           string          `json:"version"`
	CustomerName      string          `json:"customer_name,omitempty"`
	Hardware          HardwareSummary `json:"hardware,omitempty"`
	FirstSeen         string          `json:"first_seen"`
	LastSeen          string          `json:"last_seen"`
	IsOnline          bool            `json:"is_online"`
	UnattendedEnabled bool            `json:"unattended_enabled"`
}

// DeviceList is the full registry snapshot, online first.
type DeviceList struct {
	Devices []DeviceInfo `json:"devices"`
}

// DeviceStatusChanged broadcasts an online/offline transition.
type DeviceStatusChanged struct {
	AgentID  string `json:"agent_id"`
	IsOnline bool   `json:"is_online"`
}

// DeleteDevice removes an offline device from the registry.
type DeleteDevice struct {
	AgentID string `json:"agent_id"`
}

// DeviceDeleted confirms a registry removal to all admins.
type DeviceDeleted struct {
	AgentID string `json:"agent_id"`
}

// UpdateAgentInfo refreshes registry attributes for a connected agent.
type UpdateAgentInfo struct {
	Hostname string          `json:"hostname,omitempty"`
	OS       string          `json:"os,omitempty"`
	Version  string          `json:"version,omitempty"`
	Hardware HardwareSummary `json:"hardware,omitempty"`
}

// Heartbeat carries the sender's clock so the ack can be used for RTT.
type Heartbeat struct {
	ClientTime int64 `json:"client_time"`
}

// HeartbeatAck echoes the client clock and adds the relay's.
type HeartbeatAck struct {
	ClientTime int64 `json:"client_time"`
	ServerTime int64 `json:"server_time"`
}

// E2EKeyExchange carries an ephemeral P-256 public key, base64 of the
// 65-byte uncompressed point.
type E2EKeyExchange struct {
	PublicKey string `json:"public_key"`
}

// ChatMessage carries either an opaque encrypted body (after key exchange)
// or a plaintext one (legacy fallback). The relay inspects neither.
type ChatMessage struct {
	Message   string `json:"message,omitempty"`
	Encrypted string `json:"encrypted,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ChatBody is the decrypted plaintext of ChatMessage.Encrypted.
type ChatBody struct {
	Message   string `json:"message"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp"`
}

// FileOffer announces an incoming file transfer.
type FileOffer struct {
	TransferID string `json:"transfer_id"`
	FileName   string `json:"file_name"`
	FileSize   int64  `json:"file_size"`
}

// FileAccept tells the sender to start streaming chunks.
type FileAccept struct {
	TransferID string `json:"transfer_id"`
}

// FileComplete marks the end of a chunk stream.
type FileComplete struct {
	TransferID string `json:"transfer_id"`
}

// FileError aborts a transfer in either direction.
type FileError struct {
	TransferID string `json:"transfer_id"`
	Message    string `json:"message,omitempty"`
}

// Monitor describes one attached display.
type Monitor struct {
	Index   int  `json:"index"`
	Width   int  `json:"width"`
	Height  int  `json:"height"`
	Primary bool `json:"primary,omitempty"`
}

// MonitorInfo enumerates the agent's displays.
type MonitorInfo struct {
	Monitors     []Monitor `json:"monitors"`
	CurrentIndex int       `json:"current_index"`
}

// MonitorSwitched confirms a monitor change and the new dimensions.
type MonitorSwitched struct {
	MonitorIndex int `json:"monitor_index"`
	ScreenWidth  int `json:"screen_width"`
	ScreenHeight int `json:"screen_height"`
}

// QualityChange adjusts the encoder tier and frame rate.
type QualityChange struct {
	Quality string `json:"quality"`
	FPS     int    `json:"fps"`
}

// ErrorPayload is the body of a type:"error" envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
