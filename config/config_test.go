package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func noEnv(string) (string, bool) { return "", false }

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `backend:
  kind: http
  url: http://localhost:8080
loader:
  auto_refresh: true
  initial: VL1
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080", cfg.Backend.URL)
	require.True(t, cfg.Loader.AutoRefresh)
	require.Equal(t, "VL1", cfg.Loader.Initial)
	require.Equal(t, 10*time.Second, cfg.Backend.Timeout.Duration)
	require.Equal(t, 100*time.Millisecond, cfg.Scene.Tick.Duration)
	require.Equal(t, time.Second, cfg.Telemetry.Highlight.Duration)
	require.Equal(t, "MW", cfg.Telemetry.ActiveUnit)
	require.Equal(t, "MVar", cfg.Telemetry.ReactiveUnit)
	require.Equal(t, ":18080", cfg.LiveView.Listen)
	require.Equal(t, path, cfg.Source)
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, `backend:
  kind: dir
  dir: /tmp/diagrams
  watch: true
scene:
  tick: 250ms
telemetry:
  highlight: 2s
  rate: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, BackendDir, cfg.Backend.Kind)
	require.True(t, cfg.Backend.Watch)
	require.Equal(t, 250*time.Millisecond, cfg.Scene.Tick.Duration)
	require.Equal(t, 2*time.Second, cfg.Telemetry.Highlight.Duration)
	require.Equal(t, 5.0, cfg.Telemetry.Rate)
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	path := writeConfig(t, `backend:
  url: http://localhost
scene:
  tick: soon
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse duration")
}

func TestValidateRequiresBackendLocation(t *testing.T) {
	cfg, err := Parse([]byte("backend:\n  kind: http\n"))
	require.NoError(t, err)
	require.ErrorContains(t, cfg.Validate(), "url is required")

	cfg, err = Parse([]byte("backend:\n  kind: dir\n"))
	require.NoError(t, err)
	require.ErrorContains(t, cfg.Validate(), "dir is required")

	cfg, err = Parse([]byte("backend:\n  kind: grpc\n"))
	require.NoError(t, err)
	require.ErrorContains(t, cfg.Validate(), "unsupported kind")
}

func TestValidateMQTT(t *testing.T) {
	cfg, err := Parse([]byte(`backend:
  url: http://localhost
telemetry:
  mqtt:
    enabled: true
    broker: tcp://localhost:1883
`))
	require.NoError(t, err)
	require.ErrorContains(t, cfg.Validate(), "topic is required")

	cfg.Telemetry.MQTT.Topic = "sld/telemetry"
	require.NoError(t, cfg.Validate())
}

func TestValidateLoggingFormat(t *testing.T) {
	cfg, err := Parse([]byte("backend:\n  url: http://localhost\nlogging:\n  format: Console\n"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	cfg.Logging.Format = "xml"
	require.ErrorContains(t, cfg.Validate(), "unsupported format")
}

func TestParseRejectsNonMapping(t *testing.T) {
	_, err := Parse([]byte("- a\n- b\n"))
	require.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg, err := Parse([]byte("backend:\n  url: http://localhost\n"))
	require.NoError(t, err)

	env := map[string]string{
		EnvBackendDir:   "/srv/diagrams",
		EnvAutoRefresh:  "true",
		EnvInitial:      "VL7",
		EnvLiveViewAddr: "127.0.0.1:9000",
		EnvMQTTBroker:   "tcp://broker:1883",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	require.NoError(t, cfg.ApplyEnv(lookup))
	require.Equal(t, BackendDir, cfg.Backend.Kind)
	require.Equal(t, "/srv/diagrams", cfg.Backend.Dir)
	require.True(t, cfg.Loader.AutoRefresh)
	require.Equal(t, "VL7", cfg.Loader.Initial)
	require.True(t, cfg.LiveView.Enabled)
	require.Equal(t, "127.0.0.1:9000", cfg.LiveView.Listen)
	require.True(t, cfg.Telemetry.MQTT.Enabled)

	require.NoError(t, cfg.ApplyEnv(noEnv))
	env[EnvAutoRefresh] = "maybe"
	require.Error(t, cfg.ApplyEnv(lookup))
}

func TestLoadReadsDotEnv(t *testing.T) {
	path := writeConfig(t, "backend:\n  url: http://localhost\n")
	envPath := filepath.Join(filepath.Dir(path), ".env")
	require.NoError(t, os.WriteFile(envPath, []byte(EnvInitial+"=VL42\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv(EnvInitial) })

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "VL42", cfg.Loader.Initial)
}
