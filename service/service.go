// Package service wires the diagram loader, scene reconciler and telemetry
// patcher into a running process.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/timzifer/sldsync/classify"
	"github.com/timzifer/sldsync/config"
	"github.com/timzifer/sldsync/diagram"
	"github.com/timzifer/sldsync/drivers/mqtt"
	"github.com/timzifer/sldsync/fetch"
	"github.com/timzifer/sldsync/loader"
	"github.com/timzifer/sldsync/patch"
	"github.com/timzifer/sldsync/reconcile"
	"github.com/timzifer/sldsync/scene"
	"github.com/timzifer/sldsync/telemetry"
)

// Option customizes a Service.
type Option func(*options)

type options struct {
	fetcher   diagram.Fetcher
	clock     clockwork.Clock
	collector telemetry.Collector
	gatherer  prometheus.Gatherer
}

// WithFetcher replaces the fetcher built from the backend configuration.
func WithFetcher(fetcher diagram.Fetcher) Option {
	return func(o *options) {
		o.fetcher = fetcher
	}
}

// WithClock overrides the clock shared by all components.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithCollector installs a metrics collector.
func WithCollector(collector telemetry.Collector) Option {
	return func(o *options) {
		if collector != nil {
			o.collector = collector
		}
	}
}

// WithGatherer exposes the registry on the live view /metrics endpoint.
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(o *options) {
		o.gatherer = gatherer
	}
}

// Service owns one scene and every component writing to it.
type Service struct {
	cfg    *config.Config
	logger zerolog.Logger
	opts   options

	fetcher    diagram.Fetcher
	scene      *scene.Scene
	classifier *classify.Classifier
	reconciler *reconcile.Reconciler
	patcher    *patch.Patcher
	loader     *loader.Loader
	source     *mqtt.Source
	watcher    *fetch.DirWatcher
	hub        *Hub
	events     chan patch.Event

	mu          sync.Mutex
	rendered    *diagram.Snapshot
	unsubscribe func()
	liveView    *liveViewServer
	closed      bool
}

// New builds the service from cfg. Nothing runs until Run is called.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	o := options{clock: clockwork.NewRealClock(), collector: telemetry.Noop()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	fetcher := o.fetcher
	if fetcher == nil {
		built, err := fetch.New(cfg.Backend, logger)
		if err != nil {
			return nil, err
		}
		fetcher = built
	}

	filter, err := patch.NewFilter(cfg.Telemetry.Filter)
	if err != nil {
		return nil, err
	}

	svc := &Service{
		cfg:     cfg,
		logger:  logger,
		opts:    o,
		fetcher: fetcher,
		events:  make(chan patch.Event, max(cfg.Telemetry.Buffer, 1)),
	}
	svc.scene = scene.New(logger, scene.WithClock(o.clock), scene.WithCollector(o.collector))
	svc.classifier = classify.New(classify.Units{Active: cfg.Telemetry.ActiveUnit, Reactive: cfg.Telemetry.ReactiveUnit})
	svc.reconciler = reconcile.New(svc.scene, svc.classifier, logger,
		reconcile.WithCollector(o.collector),
		reconcile.WithReportHook(svc.onReconciled),
	)
	svc.patcher = patch.New(svc.scene, logger,
		patch.WithClock(o.clock),
		patch.WithCollector(o.collector),
		patch.WithFilter(filter),
		patch.WithUnits(svc.classifier.Units()),
		patch.WithHighlight(cfg.Telemetry.Highlight.Duration),
		patch.WithRateLimit(cfg.Telemetry.Rate, cfg.Telemetry.Burst),
	)
	svc.loader = loader.New(logger,
		loader.WithClock(o.clock),
		loader.WithCollector(o.collector),
		loader.WithFetchTimeout(cfg.Backend.Timeout.Duration),
	)
	svc.hub = NewHub(svc.hubSnapshot, logger)
	svc.scene.OnFlush(svc.onFlush)
	svc.unsubscribe = svc.loader.Subscribe(svc.onStatus)

	if cfg.Telemetry.MQTT.Enabled {
		source, err := mqtt.NewSource(cfg.Telemetry.MQTT, logger, svc.offer, mqtt.WithCollector(o.collector))
		if err != nil {
			svc.loader.Close()
			return nil, err
		}
		svc.source = source
	}
	if dir, ok := fetcher.(*fetch.DirFetcher); ok && cfg.Backend.Watch {
		watcher, err := fetch.NewDirWatcher(dir.Dir(), logger, svc.onFileChange)
		if err != nil {
			svc.loader.Close()
			return nil, err
		}
		svc.watcher = watcher
	}
	return svc, nil
}

// Scene returns the live scene.
func (s *Service) Scene() *scene.Scene { return s.scene }

// Loader returns the diagram loader.
func (s *Service) Loader() *loader.Loader { return s.loader }

// Reconciler returns the scene reconciler.
func (s *Service) Reconciler() *reconcile.Reconciler { return s.reconciler }

// Patcher returns the telemetry patcher.
func (s *Service) Patcher() *patch.Patcher { return s.patcher }

// Hub returns the live view broadcast hub.
func (s *Service) Hub() *Hub { return s.hub }

// Run attaches the backend, issues the initial load and drives every
// background component until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	s.loader.Attach(s.fetcher)
	if s.cfg.Loader.AutoRefresh {
		s.loader.EnableAutoRefresh()
	}
	if s.cfg.Loader.Initial != "" {
		s.loader.Load(diagram.Identifier(s.cfg.Loader.Initial))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.scene.Run(ctx, s.cfg.Scene.Tick.Duration)
	})
	g.Go(func() error {
		return s.patcher.Run(ctx, s.events)
	})
	g.Go(func() error {
		s.hub.Run(ctx)
		return nil
	})
	if s.source != nil {
		g.Go(func() error {
			if err := s.source.Run(ctx); err != nil {
				return fmt.Errorf("mqtt telemetry source: %w", err)
			}
			return nil
		})
	}
	if s.watcher != nil {
		g.Go(func() error {
			return s.watcher.Run(ctx)
		})
	}
	s.logger.Info().Str("backend", s.cfg.Backend.Kind).Str("initial", s.cfg.Loader.Initial).Msg("sldsync running")
	err := g.Wait()
	s.loader.Attach(nil)
	return err
}

// Publish feeds a telemetry event into the patch path. It reports false when
// the event buffer is full.
func (s *Service) Publish(ev patch.Event) bool {
	return s.offer(ev)
}

func (s *Service) offer(ev patch.Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		s.opts.collector.IncTelemetry(string(ev.Kind), "dropped")
		s.logger.Warn().Str("id", ev.ID).Msg("telemetry buffer full, dropping event")
		return false
	}
}

// SetViewport records a pan/zoom state and reapplies it on the next flush.
func (s *Service) SetViewport(t scene.Transform) {
	s.scene.Viewport().SetTransform(t)
	s.scene.Enqueue("viewport", func(surface *scene.Surface) error {
		surface.Restore()
		return nil
	})
}

// onStatus schedules a reconcile whenever the loader exposes a different
// snapshot. Metadata-only or unchanged snapshots are handled by the
// reconciler itself.
func (s *Service) onStatus(status loader.Status) {
	s.mu.Lock()
	changed := status.Snapshot != nil && status.Snapshot != s.rendered
	if changed {
		s.rendered = status.Snapshot
	}
	s.mu.Unlock()
	if changed {
		s.reconciler.Schedule(*status.Snapshot)
	}
	s.hub.BroadcastStatus(toLiveStatus(status, s.loader.CachedIDs()))
}

func (s *Service) onReconciled(report reconcile.Report, err error) {
	if err != nil {
		s.logger.Warn().Err(err).Msg("diagram not applied")
		return
	}
	if report.Skipped {
		return
	}
	s.logger.Debug().
		Int("removed", report.Removed).
		Int("inserted", report.Inserted).
		Int("updated", report.Updated).
		Int("mutations", report.Mutations).
		Msg("diagram reconciled")
}

func (s *Service) onFlush(result scene.FlushResult) {
	markup, err := s.scene.SVG()
	if err != nil {
		s.logger.Error().Err(err).Msg("serialize scene")
		return
	}
	s.hub.BroadcastScene(liveScene{Revision: result.Revision, SVG: markup})
}

func (s *Service) onFileChange(id diagram.Identifier) {
	status := s.loader.Status()
	if status.ID != id {
		return
	}
	s.loader.ManualRefresh()
}

func (s *Service) hubSnapshot() []Message {
	markup, err := s.scene.SVG()
	if err != nil {
		s.logger.Error().Err(err).Msg("serialize scene")
		markup = ""
	}
	return []Message{
		{Type: MessageStatus, Data: toLiveStatus(s.loader.Status(), s.loader.CachedIDs())},
		{Type: MessageScene, Data: liveScene{Revision: s.scene.Revision(), SVG: markup}},
	}
}

// EnableLiveView starts the live view HTTP server.
func (s *Service) EnableLiveView(listen string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("service closed")
	}
	if s.liveView != nil {
		return errors.New("live view already enabled")
	}
	if listen == "" {
		listen = ":18080"
	}
	server, err := newLiveViewServer(listen, s, s.logger.With().Str("component", "live_view").Logger())
	if err != nil {
		return err
	}
	s.liveView = server
	return nil
}

// LiveViewAddress returns the bound live view address, if enabled.
func (s *Service) LiveViewAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liveView == nil {
		return ""
	}
	return s.liveView.ln.Addr().String()
}

// Close releases all background resources held by the service.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	liveView := s.liveView
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.loader.Close()
	s.patcher.Close()
	if liveView != nil {
		liveView.close()
	}
	return nil
}
