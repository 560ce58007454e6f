package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/servidesk/servidesk/internal/protocol"
)

// ClientConfig is shared by the agent and the viewer. Viewer installs leave
// the unattended fields zero.
type ClientConfig struct {
	RelayServerURL string `mapstructure:"relay_server_url"`
	AgentID        string `mapstructure:"agent_id"`
	AgentToken     string `mapstructure:"agent_token"`
	ProvisionToken string `mapstructure:"provision_token"`

	CaptureMaxFPS         int    `mapstructure:"capture_max_fps"`
	CaptureDefaultQuality string `mapstructure:"capture_default_quality"`

	UnattendedAccessEnabled      bool   `mapstructure:"unattended_access_enabled"`
	UnattendedAccessPasswordHash string `mapstructure:"unattended_access_password_hash"`

	AutoReconnect       bool `mapstructure:"auto_reconnect"`
	ReconnectMaxRetries int  `mapstructure:"reconnect_max_retries"`
	MapCmdToCtrl        bool `mapstructure:"map_cmd_to_ctrl"`
	HeartbeatIntervalMs int  `mapstructure:"heartbeat_interval_ms"`

	DownloadDir string `mapstructure:"download_dir"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// DefaultClient returns the client defaults.
func DefaultClient() *ClientConfig {
	return &ClientConfig{
		CaptureMaxFPS:         30,
		CaptureDefaultQuality: "auto",
		AutoReconnect:         true,
		ReconnectMaxRetries:   5,
		HeartbeatIntervalMs:   10_000,
		LogLevel:              "info",
		LogFormat:             "text",
	}
}

// LoadClient reads a client config. A missing agent_id is generated and
// persisted on first run.
func LoadClient(cfgFile, name string) (*ClientConfig, error) {
	v := viper.New()
	cfg := DefaultClient()

	path := cfgFile
	if path == "" {
		path = filepath.Join(configDir(), name+".yaml")
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvPrefix("SERVIDESK")

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if cfg.AgentID == "" {
		cfg.AgentID = uuid.NewString()
		if err := SaveClient(cfg, path); err != nil {
			log.Warn("could not persist generated agent_id", "error", err)
		} else {
			log.Info("generated agent id", "agentId", cfg.AgentID)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveClient writes the config with owner-only permissions (it carries
// tokens and the unattended password hash).
func SaveClient(cfg *ClientConfig, path string) error {
	v := viper.New()
	v.Set("relay_server_url", cfg.RelayServerURL)
	v.Set("agent_id", cfg.AgentID)
	v.Set("agent_token", cfg.AgentToken)
	v.Set("provision_token", cfg.ProvisionToken)
	v.Set("capture_max_fps", cfg.CaptureMaxFPS)
	v.Set("capture_default_quality", cfg.CaptureDefaultQuality)
	v.Set("unattended_access_enabled", cfg.UnattendedAccessEnabled)
	v.Set("unattended_access_password_hash", cfg.UnattendedAccessPasswordHash)
	v.Set("auto_reconnect", cfg.AutoReconnect)
	v.Set("reconnect_max_retries", cfg.ReconnectMaxRetries)
	v.Set("map_cmd_to_ctrl", cfg.MapCmdToCtrl)
	v.Set("heartbeat_interval_ms", cfg.HeartbeatIntervalMs)
	v.Set("download_dir", cfg.DownloadDir)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_format", cfg.LogFormat)

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	if err := v.WriteConfigAs(path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// Validate enforces the invariants clients rely on. Plain ws:// is rejected:
// the transport must be TLS.
func (c *ClientConfig) Validate() error {
	if c.RelayServerURL == "" {
		return fmt.Errorf("relay_server_url must be set")
	}
	u, err := url.Parse(c.RelayServerURL)
	if err != nil {
		return fmt.Errorf("relay_server_url: %w", err)
	}
	if u.Scheme != "wss" {
		return fmt.Errorf("relay_server_url must use wss://, got %q", u.Scheme)
	}
	if !protocol.ValidAgentID(c.AgentID) {
		return fmt.Errorf("agent_id %q is invalid", c.AgentID)
	}
	if c.UnattendedAccessEnabled {
		if c.UnattendedAccessPasswordHash == "" {
			return fmt.Errorf("unattended access enabled without a password hash")
		}
		if !protocol.ValidPasswordHash(c.UnattendedAccessPasswordHash) {
			return fmt.Errorf("unattended_access_password_hash must be 64 lowercase hex chars")
		}
	}
	if c.CaptureMaxFPS < 1 || c.CaptureMaxFPS > 60 {
		return fmt.Errorf("capture_max_fps %d out of range", c.CaptureMaxFPS)
	}
	return nil
}
