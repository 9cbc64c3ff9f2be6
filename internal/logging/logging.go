// Package logging builds the process logger from config.LoggingConfig.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/grafana/loki-client-go/loki"
	"github.com/prometheus/common/model"
	"github.com/rs/zerolog"

	"github.com/timzifer/sldsync/config"
)

// Output formats accepted in config.LoggingConfig.Format.
const (
	FormatJSON    = "json"
	FormatText    = "text"
	FormatConsole = "console"
)

// App is the value of the app field and the default Loki app label.
const App = "sldsync"

// Option customizes Setup.
type Option func(*options)

type options struct {
	out      io.Writer
	instance string
}

// WithOutput replaces stdout as the primary sink.
func WithOutput(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.out = w
		}
	}
}

// WithInstance stamps every entry with an instance field and adds an instance
// label to Loki streams. Typically the configured engine name.
func WithInstance(name string) Option {
	return func(o *options) {
		o.instance = strings.TrimSpace(name)
	}
}

// Setup creates the zerolog logger described by cfg.
//
// The returned cleanup function stops the Loki client, if any, and must be
// called once the logger is no longer used.
func Setup(cfg config.LoggingConfig, opts ...Option) (zerolog.Logger, func(), error) {
	o := options{out: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}

	level, err := parseLevel(cfg.Level, zerolog.InfoLevel)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("parse log level: %w", err)
	}
	primary, err := formatWriter(cfg.Format, o.out)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}

	writers := []io.Writer{primary}
	cleanup := func() {}
	if cfg.Loki.Enabled {
		sink, err := newLokiSink(cfg.Loki, o.instance)
		if err != nil {
			return zerolog.Logger{}, nil, err
		}
		writers = append(writers, sink)
		cleanup = sink.stop
	}

	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Str("app", App)
	if o.instance != "" {
		ctx = ctx.Str("instance", o.instance)
	}
	return ctx.Logger().Level(level), cleanup, nil
}

func parseLevel(raw string, fallback zerolog.Level) (zerolog.Level, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return fallback, nil
	}
	return zerolog.ParseLevel(raw)
}

func formatWriter(format string, out io.Writer) (io.Writer, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatJSON:
		return out, nil
	case FormatText, FormatConsole:
		return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: out != os.Stdout}, nil
	}
	return nil, fmt.Errorf("unsupported log format %q", format)
}

// lokiHandler is the part of *loki.Client the sink uses.
type lokiHandler interface {
	Handle(labels model.LabelSet, ts time.Time, entry string) error
	Stop()
}

// lokiSink forwards entries to Loki with a level label per stream. Entries
// below min are dropped so debug-level telemetry chatter stays local.
type lokiSink struct {
	client lokiHandler
	labels map[zerolog.Level]model.LabelSet
	min    zerolog.Level
	now    func() time.Time
}

func newLokiSink(cfg config.LokiConfig, instance string) (*lokiSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("loki url is required")
	}
	minLevel, err := parseLevel(cfg.Level, zerolog.DebugLevel)
	if err != nil {
		return nil, fmt.Errorf("parse loki level: %w", err)
	}
	lokiCfg, err := loki.NewDefaultConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("prepare loki config: %w", err)
	}
	client, err := loki.New(lokiCfg)
	if err != nil {
		return nil, fmt.Errorf("create loki client: %w", err)
	}
	return newSink(client, streamLabels(cfg.Labels, instance), minLevel), nil
}

// newSink precomputes one label set per level, so concurrent writes only read
// the map.
func newSink(client lokiHandler, base model.LabelSet, minLevel zerolog.Level) *lokiSink {
	labels := map[zerolog.Level]model.LabelSet{zerolog.NoLevel: base}
	for level := zerolog.TraceLevel; level <= zerolog.PanicLevel; level++ {
		set := base.Clone()
		set["level"] = model.LabelValue(level.String())
		labels[level] = set
	}
	return &lokiSink{client: client, labels: labels, min: minLevel, now: time.Now}
}

// streamLabels merges the configured labels over the app and instance
// defaults.
func streamLabels(configured map[string]string, instance string) model.LabelSet {
	labels := model.LabelSet{"app": App}
	if instance != "" {
		labels["instance"] = model.LabelValue(instance)
	}
	for k, v := range configured {
		labels[model.LabelName(k)] = model.LabelValue(v)
	}
	return labels
}

func (s *lokiSink) Write(p []byte) (int, error) {
	return s.WriteLevel(zerolog.NoLevel, p)
}

// WriteLevel implements zerolog.LevelWriter.
func (s *lokiSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level != zerolog.NoLevel && level < s.min {
		return len(p), nil
	}
	entry := strings.TrimSpace(string(p))
	if entry == "" {
		return len(p), nil
	}
	labels, ok := s.labels[level]
	if !ok {
		labels = s.labels[zerolog.NoLevel]
	}
	return len(p), s.client.Handle(labels, s.now(), entry)
}

func (s *lokiSink) stop() {
	s.client.Stop()
}
