package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nilknarf/ustack/internal/config"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ustackd.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := config.DefaultConfig()

	if cfg.Iface.Addr != "192.168.100.1" {
		t.Errorf("Iface.Addr = %q, want %q", cfg.Iface.Addr, "192.168.100.1")
	}
	if cfg.Iface.MTU != 1500 {
		t.Errorf("Iface.MTU = %d, want 1500", cfg.Iface.MTU)
	}
	if cfg.Metrics.Addr != ":9300" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9300")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Echo.UDPPort != 7 || cfg.Echo.TCPPort != 7 {
		t.Errorf("Echo ports = %d/%d, want 7/7", cfg.Echo.UDPPort, cfg.Echo.TCPPort)
	}
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAMLMergesDefaults(t *testing.T) {
	yamlContent := `
iface:
  addr: "10.0.0.1"
log:
  level: "debug"
`
	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Iface.Addr != "10.0.0.1" {
		t.Errorf("Iface.Addr = %q, want %q", cfg.Iface.Addr, "10.0.0.1")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	// Untouched fields keep their defaults.
	if cfg.Iface.MTU != 1500 {
		t.Errorf("Iface.MTU = %d, want default 1500", cfg.Iface.MTU)
	}
	if cfg.Metrics.Addr != ":9300" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9300")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeTemp(t, "iface:\n  addr: \"10.0.0.1\"\n")
	t.Setenv("USTACKD_IFACE_ADDR", "10.0.0.2")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}
	if cfg.Iface.Addr != "10.0.0.2" {
		t.Errorf("Iface.Addr = %q, want %q (env override)", cfg.Iface.Addr, "10.0.0.2")
	}
}

func TestValidateRejectsBadAddr(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Iface.Addr = "not-an-ip"
	if err := config.Validate(cfg); err == nil {
		t.Fatal("expected an error for an invalid iface.addr")
	}
}

func TestValidateRejectsZeroMTU(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Iface.MTU = 0
	if err := config.Validate(cfg); err == nil {
		t.Fatal("expected an error for a zero MTU")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "bogus": true}
	for level := range cases {
		_ = config.ParseLogLevel(level) // must not panic on any input
	}
}
