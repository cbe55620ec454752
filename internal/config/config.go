package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all forgemud driver configuration.
type Config struct {
	// Core identity
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	Tagline string `yaml:"tagline"`

	// Content tree and persistence roots
	MudlibPath string `yaml:"mudlib_path"`
	DataPath   string `yaml:"data_path"`

	// Master object path inside the content tree
	MasterObject string `yaml:"master_object"`

	// Login daemon path and the room fresh players start in
	LoginDaemon string `yaml:"login_daemon"`
	StartRoom   string `yaml:"start_room"`

	// Listeners
	ListenAddr     string `yaml:"listen_addr"`
	WSListenAddr   string `yaml:"ws_listen_addr"`
	MaxConnections int    `yaml:"max_connections"`

	// Scheduler
	HeartbeatInterval string `yaml:"heartbeat_interval"`

	// Hot reload
	HotReload        bool   `yaml:"hot_reload"`
	ReloadDebounce   string `yaml:"reload_debounce"`
	IsolateMemoryMB  int    `yaml:"isolate_memory_mb"`
	DisconnectLimit  string `yaml:"disconnect_limit"`
	SessionTokenTTL  string `yaml:"session_token_ttl"`
	KeepaliveEvery   string `yaml:"keepalive_every"`
	OutboundHighMark int    `yaml:"outbound_high_mark"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Intermud link credentials are passed through to external gateways;
	// the driver itself never opens these connections.
	Intermud IntermudConfig `yaml:"intermud"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Pretty bool   `yaml:"pretty"` // console encoder with colors
}

// IntermudConfig carries optional credentials for I2/I3/Grapevine gateways.
type IntermudConfig struct {
	GrapevineClientID string `yaml:"grapevine_client_id"`
	GrapevineSecret   string `yaml:"grapevine_secret"`
	I3RouterAddr      string `yaml:"i3_router_addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "ForgeMUD",
		Version: "1.0.0",
		Tagline: "A world under constant reconstruction",

		MudlibPath:   "mudlib",
		DataPath:     "data",
		MasterObject: "/master",
		LoginDaemon:  "/daemon/login",
		StartRoom:    "/areas/town/square",

		ListenAddr:     ":4000",
		WSListenAddr:   ":4001",
		MaxConnections: 512,

		HeartbeatInterval: "2s",

		HotReload:        true,
		ReloadDebounce:   "100ms",
		IsolateMemoryMB:  256,
		DisconnectLimit:  "15m",
		SessionTokenTTL:  "24h",
		KeepaliveEvery:   "30s",
		OutboundHighMark: 256,

		Logging: LoggingConfig{
			Level:  "info",
			Pretty: false,
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides. Environment
// always wins over the file so operators can tweak a deployment without
// editing the config tree.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MUDLIB_PATH"); v != "" {
		c.MudlibPath = v
	}
	if v := os.Getenv("DATA_PATH"); v != "" {
		c.DataPath = v
	}
	if v := os.Getenv("MASTER_OBJECT"); v != "" {
		c.MasterObject = v
	}
	if v := os.Getenv("LOGIN_DAEMON"); v != "" {
		c.LoginDaemon = v
	}
	if v := os.Getenv("START_ROOM"); v != "" {
		c.StartRoom = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("WS_LISTEN_ADDR"); v != "" {
		c.WSListenAddr = v
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.HeartbeatInterval = fmt.Sprintf("%dms", ms)
		}
	}
	if v := os.Getenv("HOT_RELOAD"); v != "" {
		c.HotReload = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("ISOLATE_MEMORY_MB"); v != "" {
		if mb, err := strconv.Atoi(v); err == nil && mb > 0 {
			c.IsolateMemoryMB = mb
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_PRETTY"); v != "" {
		c.Logging.Pretty = v == "1" || v == "true"
	}
	if v := os.Getenv("GRAPEVINE_CLIENT_ID"); v != "" {
		c.Intermud.GrapevineClientID = v
	}
	if v := os.Getenv("GRAPEVINE_SECRET"); v != "" {
		c.Intermud.GrapevineSecret = v
	}
	if v := os.Getenv("I3_ROUTER_ADDR"); v != "" {
		c.Intermud.I3RouterAddr = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.MudlibPath == "" {
		return fmt.Errorf("mudlib path not configured (set MUDLIB_PATH)")
	}
	if c.MasterObject == "" {
		return fmt.Errorf("master object not configured (set MASTER_OBJECT)")
	}
	if _, err := time.ParseDuration(c.HeartbeatInterval); err != nil {
		return fmt.Errorf("invalid heartbeat interval %q: %w", c.HeartbeatInterval, err)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	return nil
}

// GetHeartbeatInterval returns the heartbeat tick period as a duration.
func (c *Config) GetHeartbeatInterval() time.Duration {
	d, err := time.ParseDuration(c.HeartbeatInterval)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// GetReloadDebounce returns the hot-reload debounce window.
func (c *Config) GetReloadDebounce() time.Duration {
	d, err := time.ParseDuration(c.ReloadDebounce)
	if err != nil {
		return 100 * time.Millisecond
	}
	return d
}

// GetDisconnectLimit returns how long a link-dead player is held before
// being force-quit.
func (c *Config) GetDisconnectLimit() time.Duration {
	d, err := time.ParseDuration(c.DisconnectLimit)
	if err != nil {
		return 15 * time.Minute
	}
	return d
}

// GetSessionTokenTTL returns the resume-token lifetime.
func (c *Config) GetSessionTokenTTL() time.Duration {
	d, err := time.ParseDuration(c.SessionTokenTTL)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// GetKeepaliveEvery returns the TIME keepalive period.
func (c *Config) GetKeepaliveEvery() time.Duration {
	d, err := time.ParseDuration(c.KeepaliveEvery)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
