// Package config loads and validates the shapewired daemon configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shapewire-net/shapewire/pkg/util"
)

// DefaultPath is where shapewired looks for its configuration when --config
// is not given.
const DefaultPath = "/etc/shapewire/config.yaml"

// Config is the full daemon configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`
	AuditFile string `yaml:"audit_file"`

	Store     StoreConfig     `yaml:"store"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	DataPlane DataPlaneConfig `yaml:"dataplane"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	API       APIConfig       `yaml:"api"`
	Feedback  FeedbackConfig  `yaml:"feedback"`
}

// StoreConfig locates the sqlite database and bounds metric retention.
type StoreConfig struct {
	Path           string `yaml:"path"`
	RetentionHours int    `yaml:"retention_hours"`
}

// CatalogConfig locates the device registry, grammar and template files.
type CatalogConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// MQTTConfig configures the device-plane transport.
type MQTTConfig struct {
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	AckWindowMS int    `yaml:"ack_window_ms"`
}

// AckWindow returns the telemetry reflection window as a duration.
func (m MQTTConfig) AckWindow() time.Duration {
	return time.Duration(m.AckWindowMS) * time.Millisecond
}

// DataPlaneConfig names the managed interface. Dry forces the recording
// runner so the daemon can run on hosts without tc/iptables.
type DataPlaneConfig struct {
	Interface string `yaml:"interface"`
	Dry       bool   `yaml:"dry"`
}

// MetricsConfig configures the Prometheus exporter and the optional
// external timeseries service the feedback loop queries.
type MetricsConfig struct {
	Listen        string `yaml:"listen"`
	PrometheusURL string `yaml:"prometheus_url"`
	PollSeconds   int    `yaml:"poll_seconds"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Listen        string               `yaml:"listen"`
	TokenTTLHours int                  `yaml:"token_ttl_hours"`
	RateLimits    map[string]RateLimit `yaml:"rate_limits"`
}

// RateLimit overrides one rate-limit class (default, auth, intents, high).
type RateLimit struct {
	Requests      int `yaml:"requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

// FeedbackConfig tunes the closed-loop controller.
type FeedbackConfig struct {
	PeriodSeconds  int     `yaml:"period_seconds"`
	Tolerance      float64 `yaml:"tolerance"`
	MaxCorrections int     `yaml:"max_corrections"`
}

// Period returns the feedback tick period as a duration.
func (f FeedbackConfig) Period() time.Duration {
	return time.Duration(f.PeriodSeconds) * time.Second
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Store: StoreConfig{
			Path:           "/var/lib/shapewire/shapewire.db",
			RetentionHours: 24,
		},
		Catalog: CatalogConfig{
			Dir:   "/etc/shapewire",
			Watch: true,
		},
		MQTT: MQTTConfig{
			BrokerURL:   "tcp://localhost:1883",
			ClientID:    "shapewired",
			AckWindowMS: 5000,
		},
		DataPlane: DataPlaneConfig{
			Interface: "eth0",
		},
		Metrics: MetricsConfig{
			Listen:      ":9420",
			PollSeconds: 15,
		},
		API: APIConfig{
			Listen:        ":8420",
			TokenTTLHours: 12,
		},
		Feedback: FeedbackConfig{
			PeriodSeconds:  15,
			Tolerance:      0.10,
			MaxCorrections: 10,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing file at the
// default path is not an error; an explicitly named missing file is.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, util.NewConfigError(path, err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, util.NewConfigError(path, err.Error())
	}
	return cfg, nil
}

// rateLimitClasses are the route classes the API layer understands.
var rateLimitClasses = map[string]bool{
	"default": true,
	"auth":    true,
	"intents": true,
	"high":    true,
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	var b util.ValidationBuilder

	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		b.AddErrorf("log_level %q is not a known level", c.LogLevel)
	}

	b.Add(c.Store.Path != "", "store.path is required")
	b.Add(c.Store.RetentionHours > 0, "store.retention_hours must be positive")

	b.Add(c.Catalog.Dir != "", "catalog.dir is required")

	b.Add(c.MQTT.BrokerURL != "", "mqtt.broker_url is required")
	if c.MQTT.BrokerURL != "" && !hasScheme(c.MQTT.BrokerURL, "tcp", "ssl", "ws", "wss") {
		b.AddErrorf("mqtt.broker_url %q must use tcp://, ssl://, ws:// or wss://", c.MQTT.BrokerURL)
	}
	b.Add(c.MQTT.ClientID != "", "mqtt.client_id is required")
	b.Add(c.MQTT.AckWindowMS > 0, "mqtt.ack_window_ms must be positive")

	b.Add(c.DataPlane.Interface != "", "dataplane.interface is required")

	b.Add(c.Metrics.Listen != "", "metrics.listen is required")
	b.Add(c.Metrics.PollSeconds > 0, "metrics.poll_seconds must be positive")

	b.Add(c.API.Listen != "", "api.listen is required")
	b.Add(c.API.TokenTTLHours > 0, "api.token_ttl_hours must be positive")
	for class, rl := range c.API.RateLimits {
		if !rateLimitClasses[class] {
			b.AddErrorf("api.rate_limits: unknown class %q", class)
			continue
		}
		b.Add(rl.Requests > 0, fmt.Sprintf("api.rate_limits.%s: requests must be positive", class))
		b.Add(rl.WindowSeconds > 0, fmt.Sprintf("api.rate_limits.%s: window_seconds must be positive", class))
	}

	b.Add(c.Feedback.PeriodSeconds > 0, "feedback.period_seconds must be positive")
	b.Add(c.Feedback.Tolerance > 0 && c.Feedback.Tolerance < 1, "feedback.tolerance must be between 0 and 1")
	b.Add(c.Feedback.MaxCorrections >= 0, "feedback.max_corrections cannot be negative")

	return b.Build()
}

func hasScheme(url string, schemes ...string) bool {
	for _, s := range schemes {
		if strings.HasPrefix(url, s+"://") {
			return true
		}
	}
	return false
}
