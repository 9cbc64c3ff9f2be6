package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling from strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return fmt.Errorf("duration value node is nil")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Backend kinds understood by the service.
const (
	BackendHTTP = "http"
	BackendDir  = "dir"
)

// BackendConfig describes where diagram snapshots are fetched from.
type BackendConfig struct {
	Kind    string   `yaml:"kind"`
	URL     string   `yaml:"url,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
	Dir     string   `yaml:"dir,omitempty"`
	// Watch enables change notifications for directory backends.
	Watch bool `yaml:"watch,omitempty"`
}

// LoaderConfig controls the diagram loader.
type LoaderConfig struct {
	AutoRefresh bool   `yaml:"auto_refresh"`
	Initial     string `yaml:"initial,omitempty"`
}

// SceneConfig controls the mutation queue flush cadence.
type SceneConfig struct {
	Tick Duration `yaml:"tick,omitempty"`
}

// TLSConfig configures TLS for broker connections.
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
	CAFile             string `yaml:"ca_file,omitempty"`
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
	ServerName         string `yaml:"server_name,omitempty"`
}

// MQTTConfig configures the optional MQTT telemetry source.
type MQTTConfig struct {
	Enabled        bool       `yaml:"enabled"`
	Broker         string     `yaml:"broker"`
	ClientID       string     `yaml:"client_id,omitempty"`
	Topic          string     `yaml:"topic"`
	QoS            byte       `yaml:"qos,omitempty"`
	Username       string     `yaml:"username,omitempty"`
	Password       string     `yaml:"password,omitempty"`
	KeepAlive      Duration   `yaml:"keep_alive,omitempty"`
	ConnectTimeout Duration   `yaml:"connect_timeout,omitempty"`
	TLS            *TLSConfig `yaml:"tls,omitempty"`
}

// TelemetryConfig configures the out-of-band telemetry patch path.
type TelemetryConfig struct {
	Filter       string     `yaml:"filter,omitempty"`
	Highlight    Duration   `yaml:"highlight,omitempty"`
	Rate         float64    `yaml:"rate,omitempty"`
	Burst        int        `yaml:"burst,omitempty"`
	ActiveUnit   string     `yaml:"active_unit,omitempty"`
	ReactiveUnit string     `yaml:"reactive_unit,omitempty"`
	Buffer       int        `yaml:"buffer,omitempty"`
	MQTT         MQTTConfig `yaml:"mqtt"`
}

// LokiConfig configures optional Loki integration for logging.
type LokiConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Labels  map[string]string `yaml:"labels"`
	// Level is the minimum level shipped to Loki; empty ships everything.
	Level string `yaml:"level,omitempty"`
}

// LoggingConfig encapsulates runtime logging options.
type LoggingConfig struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format,omitempty"`
	Loki   LokiConfig `yaml:"loki"`
}

// MetricsConfig configures runtime metric exporters.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"`
}

// LiveViewConfig configures the embedded live view server.
type LiveViewConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// Config is the root configuration structure for the service.
type Config struct {
	Name      string          `yaml:"name,omitempty"`
	Backend   BackendConfig   `yaml:"backend"`
	Loader    LoaderConfig    `yaml:"loader"`
	Scene     SceneConfig     `yaml:"scene"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	LiveView  LiveViewConfig  `yaml:"live_view"`
	Source    string          `yaml:"-"`
}

// Environment variables consulted by ApplyEnv.
const (
	EnvBackendURL   = "SLDSYNC_BACKEND_URL"
	EnvBackendDir   = "SLDSYNC_BACKEND_DIR"
	EnvLogLevel     = "SLDSYNC_LOG_LEVEL"
	EnvInitial      = "SLDSYNC_INITIAL_DIAGRAM"
	EnvAutoRefresh  = "SLDSYNC_AUTO_REFRESH"
	EnvLiveViewAddr = "SLDSYNC_LIVE_VIEW_LISTEN"
	EnvMQTTBroker   = "SLDSYNC_MQTT_BROKER"
)

// Load reads and decodes the configuration file from disk, applies environment
// overrides and fills defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path must not be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", abs, err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", abs, err)
	}
	cfg.Source = abs

	envFile := filepath.Join(filepath.Dir(abs), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", abs, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document and applies defaults without validating.
func Parse(raw []byte) (*Config, error) {
	var document yaml.Node
	if err := yaml.Unmarshal(raw, &document); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg := &Config{}
	if len(document.Content) == 0 || document.Content[0] == nil {
		cfg.applyDefaults()
		return cfg, nil
	}
	root := document.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("top-level YAML document must be a mapping")
	}
	if err := root.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// ApplyEnv overrides selected settings from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if c == nil || lookup == nil {
		return nil
	}
	if v, ok := lookup(EnvBackendURL); ok && strings.TrimSpace(v) != "" {
		c.Backend.Kind = BackendHTTP
		c.Backend.URL = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvBackendDir); ok && strings.TrimSpace(v) != "" {
		c.Backend.Kind = BackendDir
		c.Backend.Dir = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvLogLevel); ok && strings.TrimSpace(v) != "" {
		c.Logging.Level = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvInitial); ok {
		c.Loader.Initial = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvAutoRefresh); ok && strings.TrimSpace(v) != "" {
		enabled, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvAutoRefresh, err)
		}
		c.Loader.AutoRefresh = enabled
	}
	if v, ok := lookup(EnvLiveViewAddr); ok && strings.TrimSpace(v) != "" {
		c.LiveView.Enabled = true
		c.LiveView.Listen = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvMQTTBroker); ok && strings.TrimSpace(v) != "" {
		c.Telemetry.MQTT.Enabled = true
		c.Telemetry.MQTT.Broker = strings.TrimSpace(v)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Backend.Kind == "" {
		c.Backend.Kind = BackendHTTP
	}
	if c.Backend.Timeout.Duration <= 0 {
		c.Backend.Timeout.Duration = 10 * time.Second
	}
	if c.Scene.Tick.Duration <= 0 {
		c.Scene.Tick.Duration = 100 * time.Millisecond
	}
	if c.Telemetry.Highlight.Duration <= 0 {
		c.Telemetry.Highlight.Duration = time.Second
	}
	if c.Telemetry.Rate <= 0 {
		c.Telemetry.Rate = 50
	}
	if c.Telemetry.Burst <= 0 {
		c.Telemetry.Burst = 10
	}
	if c.Telemetry.ActiveUnit == "" {
		c.Telemetry.ActiveUnit = "MW"
	}
	if c.Telemetry.ReactiveUnit == "" {
		c.Telemetry.ReactiveUnit = "MVar"
	}
	if c.Telemetry.Buffer <= 0 {
		c.Telemetry.Buffer = 256
	}
	if c.LiveView.Listen == "" {
		c.LiveView.Listen = ":18080"
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	switch strings.ToLower(c.Backend.Kind) {
	case BackendHTTP:
		if strings.TrimSpace(c.Backend.URL) == "" {
			return errors.New("backend: url is required for http backends")
		}
	case BackendDir:
		if strings.TrimSpace(c.Backend.Dir) == "" {
			return errors.New("backend: dir is required for dir backends")
		}
	default:
		return fmt.Errorf("backend: unsupported kind %q", c.Backend.Kind)
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "", "json", "text", "console":
	default:
		return fmt.Errorf("logging: unsupported format %q", c.Logging.Format)
	}
	if c.Telemetry.MQTT.Enabled {
		if c.Telemetry.MQTT.Broker == "" {
			return errors.New("telemetry.mqtt: broker is required")
		}
		if c.Telemetry.MQTT.Topic == "" {
			return errors.New("telemetry.mqtt: topic is required")
		}
		if c.Telemetry.MQTT.QoS > 2 {
			return fmt.Errorf("telemetry.mqtt: invalid qos %d", c.Telemetry.MQTT.QoS)
		}
	}
	return nil
}

// SourceFiles lists the files the configuration was assembled from: the YAML
// document and, when present, the sibling .env file.
func (c *Config) SourceFiles() []string {
	if c == nil || c.Source == "" {
		return nil
	}
	files := []string{c.Source}
	envFile := filepath.Join(filepath.Dir(c.Source), ".env")
	if info, err := os.Stat(envFile); err == nil && !info.IsDir() {
		files = append(files, envFile)
	}
	return files
}
