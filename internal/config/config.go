// Package config loads ustackd's daemon configuration using koanf/v2,
// layering a YAML file and USTACKD_-prefixed environment variables on top
// of built-in defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete ustackd configuration.
type Config struct {
	Iface   IfaceConfig   `koanf:"iface"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
	Echo    EchoConfig    `koanf:"echo"`
}

// IfaceConfig describes the link-layer device the stack binds to.
type IfaceConfig struct {
	// Name is the host tap interface name (Linux only; ignored by the
	// in-memory loopback driver used in tests).
	Name string `koanf:"name"`
	// Addr is the stack's own IPv4 address, dotted-quad.
	Addr string `koanf:"addr"`
	// MTU is the link MTU in bytes, excluding the Ethernet header.
	MTU int `koanf:"mtu"`
}

// Addr4 parses Addr as a 4-byte IPv4 address.
func (c IfaceConfig) Addr4() ([4]byte, error) {
	if c.Addr == "" {
		return [4]byte{}, ErrEmptyIfaceAddr
	}
	ip := net.ParseIP(c.Addr)
	if ip == nil {
		return [4]byte{}, fmt.Errorf("parse iface.addr %q: %w", c.Addr, ErrInvalidIfaceAddr)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return [4]byte{}, fmt.Errorf("iface.addr %q: %w", c.Addr, ErrInvalidIfaceAddr)
	}
	return [4]byte{ip4[0], ip4[1], ip4[2], ip4[3]}, nil
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9300").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "trace", "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// EchoConfig describes the built-in UDP/TCP echo listeners ustackd opens on
// startup, used to exercise the stack end to end without a second process.
type EchoConfig struct {
	// UDPPort is the port the UDP echo listener binds, or 0 to disable it.
	UDPPort uint16 `koanf:"udp_port"`
	// TCPPort is the port the TCP echo listener binds, or 0 to disable it.
	TCPPort uint16 `koanf:"tcp_port"`
}

// DefaultConfig returns a Config populated with sensible defaults for
// running ustackd against a local tap interface.
func DefaultConfig() *Config {
	return &Config{
		Iface: IfaceConfig{
			Name: "tap0",
			Addr: "192.168.100.1",
			MTU:  1500,
		},
		Metrics: MetricsConfig{
			Addr: ":9300",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Echo: EchoConfig{
			UDPPort: 7,
			TCPPort: 7,
		},
	}
}

// envPrefix is the environment variable prefix for ustackd configuration.
// Variables are named USTACKD_<section>_<key>, e.g., USTACKD_IFACE_ADDR.
const envPrefix = "USTACKD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (USTACKD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms USTACKD_IFACE_ADDR -> iface.addr and
// USTACKD_ECHO_UDP_PORT -> echo.udp_port: only the first underscore
// separates section from key.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"iface.name":    defaults.Iface.Name,
		"iface.addr":    defaults.Iface.Addr,
		"iface.mtu":     defaults.Iface.MTU,
		"metrics.addr":  defaults.Metrics.Addr,
		"metrics.path":  defaults.Metrics.Path,
		"log.level":     defaults.Log.Level,
		"log.format":    defaults.Log.Format,
		"echo.udp_port": defaults.Echo.UDPPort,
		"echo.tcp_port": defaults.Echo.TCPPort,
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// Validation errors.
var (
	ErrEmptyIfaceAddr   = errors.New("iface.addr must not be empty")
	ErrInvalidIfaceAddr = errors.New("iface.addr must be a valid IPv4 address")
	ErrInvalidMTU       = errors.New("iface.mtu must be > 0")
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")
)

// Validate checks the configuration for logical errors. Returns the first
// validation error encountered.
func Validate(cfg *Config) error {
	if _, err := cfg.Iface.Addr4(); err != nil {
		return err
	}
	if cfg.Iface.MTU <= 0 {
		return ErrInvalidMTU
	}
	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}
	return nil
}

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return slog.Level(-8)
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
