package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blelbs/internal/backoff"
	"github.com/chaz8081/blelbs/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	Role       string        `yaml:"role"`    // "central", "peripheral" or "demo"
	Adapter    string        `yaml:"adapter"` // "tinygo" or "sim"
	DeviceName string        `yaml:"device_name"`
	UUIDs      UUIDConfig    `yaml:"uuids"`
	Backoff    BackoffConfig `yaml:"backoff"`
	Status     StatusConfig  `yaml:"status"`
	Button     ButtonConfig  `yaml:"button"`
	LogLevel   string        `yaml:"log_level"`
}

// UUIDConfig holds the ON/OFF service and characteristic UUIDs.
type UUIDConfig struct {
	Service string `yaml:"service"`
	Action  string `yaml:"action"`
	Read    string `yaml:"read"`
}

// BackoffConfig holds the retry policy shared by scanning and advertising.
type BackoffConfig struct {
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
	MaxShift    int           `yaml:"max_shift"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// StatusConfig holds status LED settings.
type StatusConfig struct {
	Output      string        `yaml:"output"` // "log", "capslock" or "none"
	ActiveLow   bool          `yaml:"active_low"`
	BlinkPeriod time.Duration `yaml:"blink_period"`
}

// ButtonConfig holds button settings.
type ButtonConfig struct {
	Input    string        `yaml:"input"` // "hotkey", "manual" or "none"
	Keys     []string      `yaml:"keys"`
	Debounce time.Duration `yaml:"debounce"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blelbs")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	policy := backoff.DefaultPolicy()
	return &Config{
		Role:       "demo",
		Adapter:    "sim",
		DeviceName: "blelbs",
		UUIDs: UUIDConfig{
			Service: ble.ServiceUUID.String(),
			Action:  ble.ActionCharUUID.String(),
			Read:    ble.ReadCharUUID.String(),
		},
		Backoff: BackoffConfig{
			Base:        policy.Base,
			Max:         policy.Max,
			MaxShift:    policy.MaxShift,
			MaxAttempts: policy.MaxAttempts,
		},
		Status: StatusConfig{
			Output:      "log",
			BlinkPeriod: 250 * time.Millisecond,
		},
		Button: ButtonConfig{
			Input:    "hotkey",
			Keys:     []string{"ctrl", "shift", "b"},
			Debounce: 30 * time.Millisecond,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Role {
	case "central", "peripheral", "demo":
	default:
		return fmt.Errorf("role must be central, peripheral, or demo, got %q", c.Role)
	}

	switch c.Adapter {
	case "tinygo", "sim":
	default:
		return fmt.Errorf("adapter must be \"tinygo\" or \"sim\", got %q", c.Adapter)
	}
	if c.Role == "demo" && c.Adapter != "sim" {
		return fmt.Errorf("role demo requires adapter \"sim\", got %q", c.Adapter)
	}

	if c.DeviceName == "" {
		return fmt.Errorf("device_name must not be empty")
	}
	// Flags (3 bytes) and the name header (2 bytes) share the 31-byte payload.
	if len(c.DeviceName) > ble.MaxADLen-5 {
		return fmt.Errorf("device_name must be at most %d bytes, got %d", ble.MaxADLen-5, len(c.DeviceName))
	}

	for _, u := range []struct{ field, value string }{
		{"uuids.service", c.UUIDs.Service},
		{"uuids.action", c.UUIDs.Action},
		{"uuids.read", c.UUIDs.Read},
	} {
		if _, err := uuid.Parse(u.value); err != nil {
			return fmt.Errorf("%s is not a valid UUID: %w", u.field, err)
		}
	}

	if c.Backoff.Base <= 0 {
		return fmt.Errorf("backoff.base must be > 0")
	}
	if c.Backoff.Max < c.Backoff.Base {
		return fmt.Errorf("backoff.max must be >= backoff.base")
	}
	if c.Backoff.MaxShift <= 0 {
		return fmt.Errorf("backoff.max_shift must be > 0")
	}
	if c.Backoff.MaxAttempts <= 0 {
		return fmt.Errorf("backoff.max_attempts must be > 0")
	}

	switch c.Status.Output {
	case "log", "capslock", "none":
	default:
		return fmt.Errorf("status.output must be log, capslock, or none, got %q", c.Status.Output)
	}
	if c.Status.BlinkPeriod <= 0 {
		return fmt.Errorf("status.blink_period must be > 0")
	}

	switch c.Button.Input {
	case "hotkey":
		if len(c.Button.Keys) == 0 {
			return fmt.Errorf("button.keys must not be empty for the hotkey input")
		}
	case "manual", "none":
	default:
		return fmt.Errorf("button.input must be hotkey, manual, or none, got %q", c.Button.Input)
	}
	if c.Button.Debounce <= 0 {
		return fmt.Errorf("button.debounce must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ServiceUUIDs returns the parsed service, action and read UUIDs. Call it
// after Validate.
func (c *Config) ServiceUUIDs() (service, action, read uuid.UUID, err error) {
	if service, err = uuid.Parse(c.UUIDs.Service); err != nil {
		return
	}
	if action, err = uuid.Parse(c.UUIDs.Action); err != nil {
		return
	}
	read, err = uuid.Parse(c.UUIDs.Read)
	return
}

// Policy returns the backoff policy.
func (c *Config) Policy() backoff.Policy {
	return backoff.Policy{
		Base:        c.Backoff.Base,
		Max:         c.Backoff.Max,
		MaxShift:    c.Backoff.MaxShift,
		MaxAttempts: c.Backoff.MaxAttempts,
	}
}

// ParseLogLevel maps a log_level string to a slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
