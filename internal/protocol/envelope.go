package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types carried in the JSON envelope. The dispatcher is keyed on
// Type only; payload shape is per-type. Unknown types are ignored.
const (
	// Agent → Relay
	TypeAgentRegister   = "agent_register"
	TypeRequestSupport  = "request_support"
	TypeSessionEnd      = "session_end"
	TypeUpdateAgentInfo = "update_agent_info"
	TypeHeartbeat       = "heartbeat"

	// Relay → Agent
	TypeAgentRegistered = "agent_registered"
	TypeSessionAccepted = "session_accepted"
	TypeSessionEnded    = "session_ended"
	TypeRequestRejected = "request_rejected"
	TypeHeartbeatAck    = "heartbeat_ack"
	TypeError           = "error"

	// Admin → Relay
	TypeAdminAuth         = "admin_auth"
	TypeAcceptSupport     = "accept_support"
	TypeRejectRequest     = "reject_request"
	TypeGetDeviceList     = "get_device_list"
	TypeDeleteDevice      = "delete_device"
	TypeConnectUnattended = "connect_unattended"

	// Relay → Admin
	TypeAdminAuthResult     = "admin_auth_result"
	TypeSupportRequest      = "support_request"
	TypeRequestCancelled    = "request_cancelled"
	TypeSessionStarted      = "session_started"
	TypeDeviceList          = "device_list"
	TypeDeviceStatusChanged = "device_status_changed"
	TypeDeviceDeleted       = "device_deleted"

	// Forwarded between peers (relay passes through verbatim)
	TypeE2EKeyExchange  = "e2e_key_exchange"
	TypeChatMessage     = "chat_message"
	TypeFileOffer       = "file_offer"
	TypeFileAccept      = "file_accept"
	TypeFileComplete    = "file_complete"
	TypeFileError       = "file_error"
	TypeMonitorInfo     = "monitor_info"
	TypeMonitorSwitched = "monitor_switched"
	TypeQualityChange   = "quality_change"
)

// Envelope is the JSON frame shared by every text message on the wire.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// NewEnvelope marshals payload and wraps it with an RFC3339 timestamp.
func NewEnvelope(msgType string, payload any) (*Envelope, error) {
	env := &Envelope{
		Type:      msgType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Payload = data
	}
	return env, nil
}

// MustEnvelope is NewEnvelope for payload types that cannot fail to marshal.
func MustEnvelope(msgType string, payload any) *Envelope {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Encode serializes the envelope for the text channel.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses payload into out. The caller picks out's type from e.Type.
func (e *Envelope) Decode(out any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ParseEnvelope parses one text frame. Malformed JSON is an error; an
// unknown Type is not — dispatchers skip types they don't handle.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}
