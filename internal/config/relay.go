package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"

	"github.com/servidesk/servidesk/internal/logging"
)

var log = logging.L("config")

// RelayConfig holds every tunable of the relay daemon.
type RelayConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`

	AdminToken  string `mapstructure:"admin_token"`
	AgentSecret string `mapstructure:"agent_secret"`

	TrustProxy          bool     `mapstructure:"trust_proxy"`
	MaxConnectionsPerIP int      `mapstructure:"max_connections_per_ip"`
	MaxDevices          int      `mapstructure:"max_devices"`
	AllowedOrigins      []string `mapstructure:"allowed_origins"`

	SessionTimeoutMs    int `mapstructure:"session_timeout_ms"`
	HeartbeatIntervalMs int `mapstructure:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs  int `mapstructure:"heartbeat_timeout_ms"`

	MaxPendingRequests   int `mapstructure:"max_pending_requests"`
	MaxActiveSessions    int `mapstructure:"max_active_sessions"`
	MaxMessageSizeBytes  int `mapstructure:"max_message_size_bytes"`
	MaxMessagesPerSecond int `mapstructure:"max_messages_per_second"`

	ProvisioningEnabled bool `mapstructure:"provisioning_enabled"`

	DataDir   string `mapstructure:"data_dir"`
	UpdateDir string `mapstructure:"update_dir"`

	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// DefaultRelay returns the relay defaults.
func DefaultRelay() *RelayConfig {
	return &RelayConfig{
		Port:                 8443,
		Host:                 "0.0.0.0",
		MaxConnectionsPerIP:  10,
		MaxDevices:           500,
		SessionTimeoutMs:     4 * 60 * 60 * 1000,
		HeartbeatIntervalMs:  30_000,
		HeartbeatTimeoutMs:   90_000,
		MaxPendingRequests:   100,
		MaxActiveSessions:    50,
		MaxMessageSizeBytes:  32 * 1024 * 1024,
		MaxMessagesPerSecond: 300,
		DataDir:              defaultDataDir(),
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// LoadRelay reads the relay config from cfgFile, the default locations or
// the SERVIDESK_* environment.
func LoadRelay(cfgFile string) (*RelayConfig, error) {
	v := viper.New()
	cfg := DefaultRelay()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("SERVIDESK")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields the relay cannot run without.
func (c *RelayConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.AdminToken == "" {
		return fmt.Errorf("admin_token must be set")
	}
	if len(c.AdminToken) < 16 {
		log.Warn("admin_token is short; 32+ random characters recommended")
	}
	if c.MaxActiveSessions < 1 || c.MaxPendingRequests < 1 {
		return fmt.Errorf("session and request limits must be positive")
	}
	if c.HeartbeatTimeoutMs <= c.HeartbeatIntervalMs {
		return fmt.Errorf("heartbeat_timeout_ms must exceed heartbeat_interval_ms")
	}
	if c.MaxMessageSizeBytes < 64*1024 {
		return fmt.Errorf("max_message_size_bytes %d too small for video frames", c.MaxMessageSizeBytes)
	}
	return nil
}

func defaultDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "ServiDesk", "data")
	case "darwin":
		return "/Library/Application Support/ServiDesk/data"
	default:
		return "/var/lib/servidesk"
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "ServiDesk")
	case "darwin":
		return "/Library/Application Support/ServiDesk"
	default:
		return "/etc/servidesk"
	}
}
