package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func validClient() *ClientConfig {
	cfg := DefaultClient()
	cfg.RelayServerURL = "wss://relay.example.com/ws"
	cfg.AgentID = "agent-01"
	return cfg
}

func TestClientConfig_RejectsNonTLS(t *testing.T) {
	for _, u := range []string{"ws://relay.example.com/ws", "http://relay.example.com", "relay.example.com"} {
		cfg := validClient()
		cfg.RelayServerURL = u
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%q should be rejected", u)
		}
	}
	if err := validClient().Validate(); err != nil {
		t.Fatalf("wss URL rejected: %v", err)
	}
}

func TestClientConfig_UnattendedNeedsHash(t *testing.T) {
	cfg := validClient()
	cfg.UnattendedAccessEnabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("unattended without hash should fail")
	}
	cfg.UnattendedAccessPasswordHash = strings.Repeat("a", 64)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid hash rejected: %v", err)
	}
	cfg.UnattendedAccessPasswordHash = strings.Repeat("A", 64)
	if err := cfg.Validate(); err == nil {
		t.Fatal("uppercase hash should fail")
	}
}

func TestClientConfig_SaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	cfg := validClient()
	cfg.UnattendedAccessEnabled = true
	cfg.UnattendedAccessPasswordHash = strings.Repeat("b", 64)
	if err := SaveClient(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadClient(path, "agent")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.AgentID != cfg.AgentID {
		t.Fatalf("agent id %q != %q", loaded.AgentID, cfg.AgentID)
	}
	if !loaded.UnattendedAccessEnabled || loaded.UnattendedAccessPasswordHash != cfg.UnattendedAccessPasswordHash {
		t.Fatal("unattended fields lost in round trip")
	}
}

func TestLoadClient_GeneratesAgentID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	base := validClient()
	base.AgentID = ""
	// Write a config that has a URL but no agent id.
	seed := *base
	seed.AgentID = "placeholder"
	if err := SaveClient(&seed, path); err != nil {
		t.Fatalf("seed save: %v", err)
	}
	// Blank the id on disk by saving an empty one.
	seed.AgentID = ""
	if err := SaveClient(&seed, path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadClient(path, "agent")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.AgentID == "" {
		t.Fatal("agent id was not generated")
	}
	again, err := LoadClient(path, "agent")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.AgentID != loaded.AgentID {
		t.Fatalf("generated id not persisted: %q vs %q", again.AgentID, loaded.AgentID)
	}
}

func TestRelayConfig_Validate(t *testing.T) {
	cfg := DefaultRelay()
	if err := cfg.Validate(); err == nil {
		t.Fatal("missing admin_token should fail")
	}
	cfg.AdminToken = strings.Repeat("t", 32)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	cfg.HeartbeatTimeoutMs = cfg.HeartbeatIntervalMs
	if err := cfg.Validate(); err == nil {
		t.Fatal("heartbeat timeout <= interval should fail")
	}
}
