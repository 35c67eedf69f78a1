package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Log.Level != "info" {
		t.Errorf("Expected default log level info, got %q", cfg.Log.Level)
	}
	if cfg.Multiplex.ResponseTimeout != 3*time.Second {
		t.Errorf("Expected 3s multiplex timeout, got %v", cfg.Multiplex.ResponseTimeout)
	}
	if cfg.Ble.ReadMaxBackoff != 5*time.Minute {
		t.Errorf("Expected 5m max backoff, got %v", cfg.Ble.ReadMaxBackoff)
	}
	if _, ok := cfg.Lan.PortRange(); ok {
		t.Error("Expected no port range by default")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nearby.yaml")
	content := `
log:
  level: debug
lan:
  port_range_first: 49152
  port_range_second: 65535
multiplex:
  enabled: true
  response_timeout: 500ms
channel:
  max_allowed_read_bytes: 4096
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected debug, got %q", cfg.Log.Level)
	}
	r, ok := cfg.Lan.PortRange()
	if !ok || r.First != 49152 || r.Second != 65535 {
		t.Errorf("Expected port range 49152-65535, got %+v ok=%v", r, ok)
	}
	if !cfg.Multiplex.Enabled || cfg.Multiplex.ResponseTimeout != 500*time.Millisecond {
		t.Errorf("Unexpected multiplex config %+v", cfg.Multiplex)
	}
	if cfg.Channel.MaxAllowedReadBytes != 4096 {
		t.Errorf("Expected 4096 read bytes, got %d", cfg.Channel.MaxAllowedReadBytes)
	}
	if cfg.Channel.MaxTransmitPacketSize != 32*1024 {
		t.Errorf("Expected default transmit size to survive, got %d", cfg.Channel.MaxTransmitPacketSize)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("NEARBY_LOG_LEVEL", "error")
	cfg := Default()
	if cfg.Log.Level != "error" {
		t.Errorf("Expected env override to error, got %q", cfg.Log.Level)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	wd, _ := os.Getwd()
	defer os.Chdir(wd)
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Failed to chdir: %v", err)
	}
	t.Setenv("HOME", t.TempDir())

	if _, err := Load(""); err != nil {
		t.Errorf("Expected missing config to fall back to defaults, got %v", err)
	}
}
