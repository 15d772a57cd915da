package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.BusMode != BusModeSpool {
		t.Fatalf("expected default bus mode %q, got %q", BusModeSpool, cfg.BusMode)
	}
	if cfg.SpoolDir != filepath.Join(cfg.DataDir, "bus") {
		t.Fatalf("spool dir did not default under the data dir: %q", cfg.SpoolDir)
	}
	if cfg.BackupTTL != time.Hour {
		t.Fatalf("expected default backup ttl 1h, got %v", cfg.BackupTTL)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("APP_INSTANCE_ID", "window-7")
	t.Setenv("APP_BUS_MODE", "relay")
	t.Setenv("APP_RELAY_ADDR", "127.0.0.1:9999")
	t.Setenv("APP_HEARTBEAT_INTERVAL", "500ms")
	t.Setenv("APP_ELECTION_TIMEOUT_MIN", "1s")
	t.Setenv("APP_ELECTION_TIMEOUT_MAX", "2s")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.InstanceID != "window-7" {
		t.Fatalf("instance id override lost: %q", cfg.InstanceID)
	}
	if cfg.BusMode != BusModeRelay || cfg.RelayAddr != "127.0.0.1:9999" {
		t.Fatalf("relay overrides lost: %q %q", cfg.BusMode, cfg.RelayAddr)
	}
	if cfg.HeartbeatInterval != 500*time.Millisecond {
		t.Fatalf("heartbeat override lost: %v", cfg.HeartbeatInterval)
	}
}

func TestLoadConfig_YAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := []byte("log_level: debug\nbus_mode: memory\nbackup_ttl: 30m\n")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("APP_CONFIG", path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.BusMode != BusModeMemory {
		t.Fatalf("yaml overlay lost: %q %q", cfg.LogLevel, cfg.BusMode)
	}
	if cfg.BackupTTL != 30*time.Minute {
		t.Fatalf("yaml backup ttl lost: %v", cfg.BackupTTL)
	}

	// Environment still wins over the file.
	t.Setenv("APP_LOG_LEVEL", "warn")
	cfg, err = LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("env did not override yaml: %q", cfg.LogLevel)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "verbose" }, wantErr: true},
		{name: "bad bus mode", mutate: func(c *Config) { c.BusMode = "udp" }, wantErr: true},
		{name: "relay without addr", mutate: func(c *Config) {
			c.BusMode = BusModeRelay
			c.RelayAddr = ""
		}, wantErr: true},
		{name: "timeout below heartbeat", mutate: func(c *Config) {
			c.ElectionTimeoutMin = c.HeartbeatInterval
		}, wantErr: true},
		{name: "inverted timeout range", mutate: func(c *Config) {
			c.ElectionTimeoutMin = 8 * time.Second
			c.ElectionTimeoutMax = 5 * time.Second
		}, wantErr: true},
		{name: "tracing without endpoint", mutate: func(c *Config) {
			c.TracingEnabled = true
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.SpoolDir = "./var/draftcore/bus"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected a validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}
