package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chaz8081/blelbs/internal/ble"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return cfgPath
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Role != "demo" {
		t.Errorf("Role = %q, want %q", cfg.Role, "demo")
	}
	if cfg.Adapter != "sim" {
		t.Errorf("Adapter = %q, want %q", cfg.Adapter, "sim")
	}
	if cfg.UUIDs.Service != ble.ServiceUUIDString {
		t.Errorf("UUIDs.Service = %q, want %q", cfg.UUIDs.Service, ble.ServiceUUIDString)
	}
	if cfg.Backoff.Base != 200*time.Millisecond {
		t.Errorf("Backoff.Base = %v, want 200ms", cfg.Backoff.Base)
	}
	if cfg.Backoff.Max != 5*time.Second {
		t.Errorf("Backoff.Max = %v, want 5s", cfg.Backoff.Max)
	}
	if cfg.Status.BlinkPeriod != 250*time.Millisecond {
		t.Errorf("Status.BlinkPeriod = %v, want 250ms", cfg.Status.BlinkPeriod)
	}
	if cfg.Button.Debounce != 30*time.Millisecond {
		t.Errorf("Button.Debounce = %v, want 30ms", cfg.Button.Debounce)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad(t *testing.T) {
	cfgPath := writeConfig(t, `
role: central
adapter: tinygo
device_name: kitchen
backoff:
  base: 100ms
  max: 2s
status:
  output: capslock
  active_low: true
  blink_period: 500ms
button:
  input: hotkey
  keys: ["alt", "l"]
  debounce: 50ms
log_level: debug
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Role != "central" || cfg.Adapter != "tinygo" {
		t.Errorf("Role/Adapter = %q/%q, want central/tinygo", cfg.Role, cfg.Adapter)
	}
	if cfg.DeviceName != "kitchen" {
		t.Errorf("DeviceName = %q, want %q", cfg.DeviceName, "kitchen")
	}
	if cfg.Backoff.Base != 100*time.Millisecond || cfg.Backoff.Max != 2*time.Second {
		t.Errorf("Backoff = %+v", cfg.Backoff)
	}
	// Unset fields keep their defaults.
	if cfg.Backoff.MaxShift != 6 {
		t.Errorf("Backoff.MaxShift = %d, want 6", cfg.Backoff.MaxShift)
	}
	if cfg.UUIDs.Action != ble.ActionCharUUIDString {
		t.Errorf("UUIDs.Action = %q, want default", cfg.UUIDs.Action)
	}
	if cfg.Status.Output != "capslock" || !cfg.Status.ActiveLow || cfg.Status.BlinkPeriod != 500*time.Millisecond {
		t.Errorf("Status = %+v", cfg.Status)
	}
	if len(cfg.Button.Keys) != 2 || cfg.Button.Keys[0] != "alt" || cfg.Button.Keys[1] != "l" {
		t.Errorf("Button.Keys = %v, want [alt l]", cfg.Button.Keys)
	}
	if cfg.Button.Debounce != 50*time.Millisecond {
		t.Errorf("Button.Debounce = %v, want 50ms", cfg.Button.Debounce)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := writeConfig(t, "role: [central\n")
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should fail on malformed YAML")
	}
}

func TestLoadBadDuration(t *testing.T) {
	cfgPath := writeConfig(t, "backoff:\n  base: soon\n")
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should fail on an unparsable duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid role",
			modify:  func(c *Config) { c.Role = "observer" },
			wantErr: true,
		},
		{
			name:    "invalid adapter",
			modify:  func(c *Config) { c.Adapter = "bluez" },
			wantErr: true,
		},
		{
			name:    "demo needs sim",
			modify:  func(c *Config) { c.Adapter = "tinygo" },
			wantErr: true,
		},
		{
			name:    "peripheral on tinygo",
			modify:  func(c *Config) { c.Role = "peripheral"; c.Adapter = "tinygo" },
			wantErr: false,
		},
		{
			name:    "empty device name",
			modify:  func(c *Config) { c.DeviceName = "" },
			wantErr: true,
		},
		{
			name:    "device name too long",
			modify:  func(c *Config) { c.DeviceName = strings.Repeat("x", 27) },
			wantErr: true,
		},
		{
			name:    "device name at limit",
			modify:  func(c *Config) { c.DeviceName = strings.Repeat("x", 26) },
			wantErr: false,
		},
		{
			name:    "bad service uuid",
			modify:  func(c *Config) { c.UUIDs.Service = "not-a-uuid" },
			wantErr: true,
		},
		{
			name:    "bad read uuid",
			modify:  func(c *Config) { c.UUIDs.Read = "" },
			wantErr: true,
		},
		{
			name:    "zero backoff base",
			modify:  func(c *Config) { c.Backoff.Base = 0 },
			wantErr: true,
		},
		{
			name:    "backoff max below base",
			modify:  func(c *Config) { c.Backoff.Max = 100 * time.Millisecond },
			wantErr: true,
		},
		{
			name:    "zero max attempts",
			modify:  func(c *Config) { c.Backoff.MaxAttempts = 0 },
			wantErr: true,
		},
		{
			name:    "invalid status output",
			modify:  func(c *Config) { c.Status.Output = "gpio17" },
			wantErr: true,
		},
		{
			name:    "zero blink period",
			modify:  func(c *Config) { c.Status.BlinkPeriod = 0 },
			wantErr: true,
		},
		{
			name:    "hotkey without keys",
			modify:  func(c *Config) { c.Button.Keys = nil },
			wantErr: true,
		},
		{
			name:    "manual input without keys",
			modify:  func(c *Config) { c.Button.Input = "manual"; c.Button.Keys = nil },
			wantErr: false,
		},
		{
			name:    "invalid button input",
			modify:  func(c *Config) { c.Button.Input = "mouse" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestServiceUUIDs(t *testing.T) {
	cfg := Default()
	service, action, read, err := cfg.ServiceUUIDs()
	if err != nil {
		t.Fatalf("ServiceUUIDs() error = %v", err)
	}
	if service != ble.ServiceUUID || action != ble.ActionCharUUID || read != ble.ReadCharUUID {
		t.Errorf("ServiceUUIDs() = %s %s %s", service, action, read)
	}
}

func TestPolicy(t *testing.T) {
	cfg := Default()
	cfg.Backoff.Base = 50 * time.Millisecond
	p := cfg.Policy()
	if p.Delay(0) != 50*time.Millisecond || p.Delay(1) != 100*time.Millisecond {
		t.Errorf("Delay(0), Delay(1) = %v, %v", p.Delay(0), p.Delay(1))
	}
}

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	if !strings.HasSuffix(DefaultConfigPath(), filepath.Join(".config", "blelbs", "config.yaml")) {
		t.Errorf("DefaultConfigPath() = %q", DefaultConfigPath())
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
