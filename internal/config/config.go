package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/heystack-tag/internal/beacon"
)

// Config holds all application configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Radio     RadioConfig     `yaml:"radio"`
	Keystore  KeystoreConfig  `yaml:"keystore"`
	Battery   BatteryConfig   `yaml:"battery"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Provision ProvisionConfig `yaml:"provision"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // "text" or "json"
}

// DeviceConfig holds advertising and GAP settings of the tag.
type DeviceConfig struct {
	Name string `yaml:"name"`
	// Key is an optional advertisement key (hex or base64) used when the
	// key store is empty.
	Key                  string        `yaml:"key"`
	ProvisioningWindow   time.Duration `yaml:"provisioning_window"`
	ProvisioningInterval time.Duration `yaml:"provisioning_interval"`
	BroadcastInterval    time.Duration `yaml:"broadcast_interval"`
	ConnMinInterval      time.Duration `yaml:"conn_min_interval"`
	ConnMaxInterval      time.Duration `yaml:"conn_max_interval"`
	ConnLatency          uint16        `yaml:"conn_latency"`
	ConnTimeout          time.Duration `yaml:"conn_timeout"`
	TxPowers             []int8        `yaml:"tx_powers"`
	InitialKeyCount      uint16        `yaml:"initial_key_count"`
	// Scan enables passive scanning for diagnostics.
	Scan bool `yaml:"scan"`
}

// RadioConfig selects the radio stack.
type RadioConfig struct {
	Backend   string `yaml:"backend"` // "sim" or "tinyble"
	AdapterID string `yaml:"adapter_id"`
	EventBuf  int    `yaml:"event_buffer"`
}

// KeystoreConfig holds key persistence settings.
type KeystoreConfig struct {
	Path string `yaml:"path"`
}

// BatteryConfig holds the reported battery state.
type BatteryConfig struct {
	Level uint8 `yaml:"level"`
	// Source is an optional file holding a 0-100 level, re-read every
	// PollInterval (e.g. /sys/class/power_supply/BAT0/capacity).
	Source       string        `yaml:"source"`
	StatusBits   uint8         `yaml:"status_bits"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// TelemetryConfig holds the optional MQTT status publisher settings.
type TelemetryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Broker   string        `yaml:"broker"`
	Topic    string        `yaml:"topic"`
	ClientID string        `yaml:"client_id"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ProvisionConfig holds companion provisioner settings.
type ProvisionConfig struct {
	ScanTimeout    time.Duration `yaml:"scan_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	InterKeyDelay  time.Duration `yaml:"inter_key_delay"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "heystack-tag")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	keystorePath := filepath.Join(home, ".local", "share", "heystack-tag", "keys.db")

	return &Config{
		Device: DeviceConfig{
			Name:                 "HeyStack-Config",
			ProvisioningWindow:   30 * time.Second,
			ProvisioningInterval: 100 * time.Millisecond,
			BroadcastInterval:    time.Second,
			ConnMinInterval:      100 * time.Millisecond,
			ConnMaxInterval:      200 * time.Millisecond,
			ConnLatency:          0,
			ConnTimeout:          4 * time.Second,
			TxPowers:             []int8{8, 7, 6, 5, 4},
		},
		Radio: RadioConfig{
			Backend:  "sim",
			EventBuf: 64,
		},
		Keystore: KeystoreConfig{
			Path: keystorePath,
		},
		Battery: BatteryConfig{
			Level:        100,
			PollInterval: time.Minute,
		},
		Telemetry: TelemetryConfig{
			Broker:   "tcp://localhost:1883",
			Topic:    "heystack/tag",
			ClientID: "heystack-tag",
			Timeout:  5 * time.Second,
		},
		Provision: ProvisionConfig{
			ScanTimeout:    10 * time.Second,
			ConnectTimeout: 20 * time.Second,
			InterKeyDelay:  20 * time.Millisecond,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in keystore.path is expanded to the user's home
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Keystore.Path = expandTilde(cfg.Keystore.Path)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	d := c.Device
	if d.Name == "" {
		return fmt.Errorf("device.name must not be empty")
	}
	if len(d.Name) > 29 {
		return fmt.Errorf("device.name must be at most 29 bytes, got %d", len(d.Name))
	}
	if d.Key != "" {
		if _, err := ParseKey(d.Key); err != nil {
			return fmt.Errorf("device.key: %w", err)
		}
	}
	if d.ProvisioningWindow < 0 {
		return fmt.Errorf("device.provisioning_window must be >= 0")
	}
	if d.ProvisioningInterval <= 0 || d.BroadcastInterval <= 0 {
		return fmt.Errorf("device advertising intervals must be > 0")
	}
	if d.ConnMinInterval <= 0 || d.ConnMinInterval > d.ConnMaxInterval {
		return fmt.Errorf("device.conn_min_interval must be > 0 and <= conn_max_interval")
	}
	if d.ConnTimeout <= 0 {
		return fmt.Errorf("device.conn_timeout must be > 0")
	}
	if len(d.TxPowers) == 0 {
		return fmt.Errorf("device.tx_powers must not be empty")
	}

	switch c.Radio.Backend {
	case "sim", "tinyble":
	default:
		return fmt.Errorf("radio.backend must be \"sim\" or \"tinyble\", got %q", c.Radio.Backend)
	}

	if c.Battery.Level > 100 {
		return fmt.Errorf("battery.level must be 0-100, got %d", c.Battery.Level)
	}
	if c.Battery.StatusBits&^beacon.StatusBitsMask != 0 {
		return fmt.Errorf("battery.status_bits must fit in 6 bits, got %#x", c.Battery.StatusBits)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Broker == "" {
			return fmt.Errorf("telemetry.broker must not be empty when telemetry is enabled")
		}
		if c.Telemetry.Topic == "" {
			return fmt.Errorf("telemetry.topic must not be empty when telemetry is enabled")
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	return nil
}

// ParseKey accepts an advertisement key as 56 hex characters or base64.
func ParseKey(s string) (beacon.Key, error) {
	s = strings.TrimSpace(s)
	if k, err := beacon.ParseKeyHex(s); err == nil {
		return k, nil
	}
	k, err := beacon.ParseKeyBase64(s)
	if err != nil {
		return beacon.Key{}, errors.New("key must be 28 bytes as hex or base64")
	}
	return k, nil
}

// ParseLogLevel maps a config level name to a slog level. Unknown names
// fall back to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = "# heystack-tag configuration\n# Durations use Go syntax, e.g. 30s or 100ms.\n\n"

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
