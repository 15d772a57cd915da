package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BusMode selects the broadcast transport used for cross-instance
// coordination.
type BusMode string

// Supported bus transports.
const (
	BusModeMemory BusMode = "memory"
	BusModeSpool  BusMode = "spool"
	BusModeRelay  BusMode = "relay"
)

// Config contains runtime settings for an editor-core process.
type Config struct {
	// InstanceID is the stable identity of this window. Empty means a
	// random one is generated at startup.
	InstanceID string `yaml:"instance_id"`
	LogLevel   string `yaml:"log_level"`
	DataDir    string `yaml:"data_dir"`

	BusMode   BusMode `yaml:"bus_mode"`
	SpoolDir  string  `yaml:"spool_dir"`
	RelayAddr string  `yaml:"relay_addr"`

	MetricsAddr string `yaml:"metrics_addr"`
	PprofAddr   string `yaml:"pprof_addr"`

	TracingEnabled     bool   `yaml:"tracing_enabled"`
	TracingEndpoint    string `yaml:"tracing_endpoint"`
	TracingServiceName string `yaml:"tracing_service_name"`

	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	ElectionTimeoutMin time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `yaml:"election_timeout_max"`

	BackupTTL                time.Duration `yaml:"backup_ttl"`
	PresenceAnnounceInterval time.Duration `yaml:"presence_announce_interval"`
}

// DefaultConfig returns a local-development configuration.
func DefaultConfig() Config {
	return Config{
		LogLevel:                 "info",
		DataDir:                  "./var/draftcore",
		BusMode:                  BusModeSpool,
		RelayAddr:                "127.0.0.1:7350",
		TracingServiceName:       "draftcore",
		HeartbeatInterval:        2 * time.Second,
		ElectionTimeoutMin:       5 * time.Second,
		ElectionTimeoutMax:       8 * time.Second,
		BackupTTL:                time.Hour,
		PresenceAnnounceInterval: 2 * time.Second,
	}
}

// LoadConfig builds the effective configuration: defaults, then an optional
// YAML file named by APP_CONFIG, then APP_* environment overrides.
//
// Supported vars:
// - APP_CONFIG (path to a YAML config file)
// - APP_INSTANCE_ID
// - APP_LOG_LEVEL (debug|info|warn|error)
// - APP_DATA_DIR
// - APP_BUS_MODE (memory|spool|relay)
// - APP_SPOOL_DIR
// - APP_RELAY_ADDR
// - APP_METRICS_ADDR
// - APP_PPROF_ADDR
// - APP_TRACING_ENABLED (bool)
// - APP_TRACING_ENDPOINT
// - APP_TRACING_SERVICE_NAME
// - APP_HEARTBEAT_INTERVAL (duration)
// - APP_ELECTION_TIMEOUT_MIN (duration)
// - APP_ELECTION_TIMEOUT_MAX (duration)
// - APP_BACKUP_TTL (duration)
// - APP_PRESENCE_ANNOUNCE_INTERVAL (duration)
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("app: read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("app: parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.SpoolDir == "" {
		cfg.SpoolDir = filepath.Join(cfg.DataDir, "bus")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("APP_INSTANCE_ID")); v != "" {
		cfg.InstanceID = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("APP_DATA_DIR")); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_BUS_MODE")); v != "" {
		cfg.BusMode = BusMode(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("APP_SPOOL_DIR")); v != "" {
		cfg.SpoolDir = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_RELAY_ADDR")); v != "" {
		cfg.RelayAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_METRICS_ADDR")); v != "" {
		cfg.MetricsAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_PPROF_ADDR")); v != "" {
		cfg.PprofAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_TRACING_ENABLED")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("app: invalid APP_TRACING_ENABLED %q: %w", v, err)
		}
		cfg.TracingEnabled = b
	}
	if v := strings.TrimSpace(os.Getenv("APP_TRACING_ENDPOINT")); v != "" {
		cfg.TracingEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_TRACING_SERVICE_NAME")); v != "" {
		cfg.TracingServiceName = v
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"APP_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"APP_ELECTION_TIMEOUT_MIN", &cfg.ElectionTimeoutMin},
		{"APP_ELECTION_TIMEOUT_MAX", &cfg.ElectionTimeoutMax},
		{"APP_BACKUP_TTL", &cfg.BackupTTL},
		{"APP_PRESENCE_ANNOUNCE_INTERVAL", &cfg.PresenceAnnounceInterval},
	}
	for _, d := range durations {
		v := strings.TrimSpace(os.Getenv(d.env))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("app: invalid %s %q: %w", d.env, v, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate checks that required settings are present and supported.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app: unsupported log level %q", c.LogLevel)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("app: data dir is required")
	}
	switch c.BusMode {
	case BusModeMemory:
	case BusModeSpool:
		if strings.TrimSpace(c.SpoolDir) == "" {
			return fmt.Errorf("app: spool dir is required for spool bus mode")
		}
	case BusModeRelay:
		if strings.TrimSpace(c.RelayAddr) == "" {
			return fmt.Errorf("app: relay addr is required for relay bus mode")
		}
	default:
		return fmt.Errorf("app: unsupported bus mode %q", c.BusMode)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("app: heartbeat interval must be positive")
	}
	if c.ElectionTimeoutMin <= 0 || c.ElectionTimeoutMax < c.ElectionTimeoutMin {
		return fmt.Errorf("app: election timeout range %v..%v is invalid",
			c.ElectionTimeoutMin, c.ElectionTimeoutMax)
	}
	if c.ElectionTimeoutMin <= c.HeartbeatInterval {
		return fmt.Errorf("app: election timeout %v must exceed heartbeat interval %v",
			c.ElectionTimeoutMin, c.HeartbeatInterval)
	}
	if c.BackupTTL <= 0 {
		return fmt.Errorf("app: backup ttl must be positive")
	}
	if c.PresenceAnnounceInterval <= 0 {
		return fmt.Errorf("app: presence announce interval must be positive")
	}
	if c.TracingEnabled && strings.TrimSpace(c.TracingEndpoint) == "" {
		return fmt.Errorf("app: tracing endpoint is required when tracing is enabled")
	}
	return nil
}
