package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
log_level: debug
store:
  path: /tmp/test.db
  retention_hours: 48
mqtt:
  broker_url: tcp://broker.lan:1883
  client_id: shapewired-test
  ack_window_ms: 2500
dataplane:
  interface: wlan0
  dry: true
feedback:
  period_seconds: 5
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Store.Path != "/tmp/test.db" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
	if cfg.Store.RetentionHours != 48 {
		t.Errorf("Store.RetentionHours = %d, want 48", cfg.Store.RetentionHours)
	}
	if !cfg.DataPlane.Dry {
		t.Error("DataPlane.Dry not set")
	}
	if cfg.DataPlane.Interface != "wlan0" {
		t.Errorf("DataPlane.Interface = %q, want wlan0", cfg.DataPlane.Interface)
	}
	if got := cfg.MQTT.AckWindow(); got != 2500*time.Millisecond {
		t.Errorf("AckWindow = %v, want 2.5s", got)
	}
	if got := cfg.Feedback.Period(); got != 5*time.Second {
		t.Errorf("Feedback.Period = %v, want 5s", got)
	}

	// Untouched sections keep their defaults.
	if cfg.API.Listen != ":8420" {
		t.Errorf("API.Listen = %q, want default :8420", cfg.API.Listen)
	}
	if cfg.Feedback.Tolerance != 0.10 {
		t.Errorf("Feedback.Tolerance = %v, want default 0.10", cfg.Feedback.Tolerance)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "bad log level",
			mutate: func(c *Config) { c.LogLevel = "loud" },
			want:   "log_level",
		},
		{
			name:   "empty store path",
			mutate: func(c *Config) { c.Store.Path = "" },
			want:   "store.path",
		},
		{
			name:   "bad broker scheme",
			mutate: func(c *Config) { c.MQTT.BrokerURL = "http://broker:1883" },
			want:   "mqtt.broker_url",
		},
		{
			name:   "zero feedback period",
			mutate: func(c *Config) { c.Feedback.PeriodSeconds = 0 },
			want:   "feedback.period_seconds",
		},
		{
			name:   "tolerance out of range",
			mutate: func(c *Config) { c.Feedback.Tolerance = 1.5 },
			want:   "feedback.tolerance",
		},
		{
			name: "unknown rate limit class",
			mutate: func(c *Config) {
				c.API.RateLimits = map[string]RateLimit{"bulk": {Requests: 10, WindowSeconds: 60}}
			},
			want: "unknown class",
		},
		{
			name: "zero rate limit window",
			mutate: func(c *Config) {
				c.API.RateLimits = map[string]RateLimit{"intents": {Requests: 10}}
			},
			want: "window_seconds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
