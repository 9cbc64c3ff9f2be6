package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/sldsync/config"
)

func TestSetupDefaultsToInfo(t *testing.T) {
	logger, cleanup, err := Setup(config.LoggingConfig{}, WithOutput(&bytes.Buffer{}))
	require.NoError(t, err)
	defer cleanup()
	require.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}

func TestSetupParsesLevel(t *testing.T) {
	logger, cleanup, err := Setup(config.LoggingConfig{Level: " DEBUG ", Format: "text"}, WithOutput(&bytes.Buffer{}))
	require.NoError(t, err)
	defer cleanup()
	require.Equal(t, zerolog.DebugLevel, logger.GetLevel())
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	_, _, err := Setup(config.LoggingConfig{Level: "loud"})
	require.Error(t, err)
}

func TestSetupRejectsUnknownFormat(t *testing.T) {
	_, _, err := Setup(config.LoggingConfig{Format: "xml"})
	require.ErrorContains(t, err, "unsupported log format")
}

func TestSetupRequiresLokiURL(t *testing.T) {
	_, _, err := Setup(config.LoggingConfig{Loki: config.LokiConfig{Enabled: true}})
	require.ErrorContains(t, err, "loki url is required")
}

func TestSetupStampsAppAndInstance(t *testing.T) {
	var out bytes.Buffer
	logger, cleanup, err := Setup(config.LoggingConfig{}, WithOutput(&out), WithInstance(" substation-7 "))
	require.NoError(t, err)
	defer cleanup()

	logger.Info().Str("id", "VL1").Msg("diagram loaded")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &entry))
	require.Equal(t, App, entry["app"])
	require.Equal(t, "substation-7", entry["instance"])
	require.Equal(t, "VL1", entry["id"])
	require.Equal(t, "info", entry["level"])

	out.Reset()
	logger.Debug().Msg("filtered")
	require.Zero(t, out.Len())
}

func TestSetupWithoutInstanceOmitsField(t *testing.T) {
	var out bytes.Buffer
	logger, cleanup, err := Setup(config.LoggingConfig{Format: "json"}, WithOutput(&out))
	require.NoError(t, err)
	defer cleanup()

	logger.Warn().Msg("stale")
	var entry map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &entry))
	require.NotContains(t, entry, "instance")
}

func TestSetupConsoleFormat(t *testing.T) {
	var out bytes.Buffer
	logger, cleanup, err := Setup(config.LoggingConfig{Format: "console"}, WithOutput(&out))
	require.NoError(t, err)
	defer cleanup()

	logger.Info().Msg("scene flushed")
	line := out.String()
	require.Contains(t, line, "scene flushed")
	require.Contains(t, line, "app=sldsync")
	require.False(t, strings.HasPrefix(line, "{"))
}

func TestStreamLabels(t *testing.T) {
	require.Equal(t, model.LabelSet{"app": "sldsync"}, streamLabels(nil, ""))
	require.Equal(t, model.LabelSet{"app": "grid", "instance": "a", "site": "north"},
		streamLabels(map[string]string{"app": "grid", "site": "north"}, "a"))
}

type handled struct {
	labels model.LabelSet
	entry  string
}

type fakeLoki struct {
	mu      sync.Mutex
	entries []handled
	stopped bool
}

func (f *fakeLoki) Handle(labels model.LabelSet, _ time.Time, entry string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, handled{labels: labels, entry: entry})
	return nil
}

func (f *fakeLoki) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func TestLokiSinkLabelsLevelAndDropsBelowMinimum(t *testing.T) {
	client := &fakeLoki{}
	sink := newSink(client, streamLabels(nil, "a"), zerolog.InfoLevel)
	logger := zerolog.New(sink)

	logger.Debug().Msg("telemetry applied")
	logger.Warn().Msg("fetch failed")
	logger.Info().Msg("diagram loaded")
	_, err := sink.Write([]byte("  \n"))
	require.NoError(t, err)
	_, err = sink.Write([]byte("raw line\n"))
	require.NoError(t, err)
	sink.stop()

	require.True(t, client.stopped)
	require.Len(t, client.entries, 3)
	require.Equal(t, model.LabelValue("warn"), client.entries[0].labels["level"])
	require.Contains(t, client.entries[0].entry, "fetch failed")
	require.Equal(t, model.LabelValue("a"), client.entries[0].labels["instance"])
	require.Equal(t, model.LabelValue("info"), client.entries[1].labels["level"])
	require.NotContains(t, client.entries[2].labels, model.LabelName("level"))
	require.Equal(t, "raw line", client.entries[2].entry)
}
