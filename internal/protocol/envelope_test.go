package protocol

import (
	"testing"
	"time"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeAgentRegister, AgentRegister{
		AgentID:  "agent-01",
		Hostname: "workstation",
		OS:       "linux",
		Version:  "1.2.0",
	})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	parsed, err := ParseEnvelope(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.Type != TypeAgentRegister {
		t.Fatalf("type %q != %q", parsed.Type, TypeAgentRegister)
	}
	if _, err := time.Parse(time.RFC3339, parsed.Timestamp); err != nil {
		t.Fatalf("timestamp %q not RFC3339: %v", parsed.Timestamp, err)
	}

	var reg AgentRegister
	if err := parsed.Decode(&reg); err != nil {
		t.Fatalf("payload decode failed: %v", err)
	}
	if reg.AgentID != "agent-01" || reg.Hostname != "workstation" {
		t.Fatalf("payload mismatch: %+v", reg)
	}
}

func TestParseEnvelope_UnknownTypeIsNotAnError(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"future_feature","payload":{"x":1}}`))
	if err != nil {
		t.Fatalf("unknown type should parse: %v", err)
	}
	if env.Type != "future_feature" {
		t.Fatalf("type %q", env.Type)
	}
}

func TestParseEnvelope_Malformed(t *testing.T) {
	for _, raw := range []string{``, `{`, `{"payload":{}}`, `[1,2,3]`} {
		if _, err := ParseEnvelope([]byte(raw)); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}
