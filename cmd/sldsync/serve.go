package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/timzifer/sldsync/config"
	"github.com/timzifer/sldsync/internal/logging"
	"github.com/timzifer/sldsync/internal/reload"
	"github.com/timzifer/sldsync/service"
	"github.com/timzifer/sldsync/telemetry"
)

type serveOptions struct {
	configPath     string
	liveView       bool
	liveViewListen string
	hotReload      bool
	reloadInterval time.Duration
}

func newServeCmd() *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			err := serve(ctx, opts)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "config.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&opts.liveView, "live-view", false, "Enable live view web interface")
	cmd.Flags().StringVar(&opts.liveViewListen, "live-view-listen", "", "Live view listen address (default from config)")
	cmd.Flags().BoolVar(&opts.hotReload, "hot-reload", false, "Restart the engine when the configuration changes")
	cmd.Flags().DurationVar(&opts.reloadInterval, "reload-interval", 2*time.Second, "Configuration poll interval for --hot-reload")
	return cmd
}

func serve(ctx context.Context, opts serveOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	metrics, err := newMetrics(cfg.Metrics)
	if err != nil {
		fmt.Fprintf(os.Stderr, "metrics disabled: %v\n", err)
		metrics = metricsSetup{collector: telemetry.Noop()}
	}
	if !opts.hotReload {
		return runOnce(ctx, cfg, opts, metrics)
	}
	return runWithHotReload(ctx, cfg, opts, metrics)
}

type metricsSetup struct {
	collector telemetry.Collector
	gatherer  prometheus.Gatherer
}

func newMetrics(cfg config.MetricsConfig) (metricsSetup, error) {
	if !cfg.Enabled {
		return metricsSetup{collector: telemetry.Noop()}, nil
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "prometheus":
	default:
		return metricsSetup{}, fmt.Errorf("unsupported metrics provider %q", cfg.Provider)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := telemetry.NewPrometheusCollector(reg)
	if err != nil {
		return metricsSetup{}, err
	}
	return metricsSetup{collector: collector, gatherer: reg}, nil
}

func liveViewAddress(cfg *config.Config, opts serveOptions) (string, bool) {
	enabled := opts.liveView || cfg.LiveView.Enabled
	listen := opts.liveViewListen
	if listen == "" {
		listen = cfg.LiveView.Listen
	}
	return listen, enabled
}

// start builds a service for cfg and brings up the live view when requested.
func start(cfg *config.Config, opts serveOptions, metrics metricsSetup, logger zerolog.Logger) (*service.Service, error) {
	srv, err := service.New(cfg, logger,
		service.WithCollector(metrics.collector),
		service.WithGatherer(metrics.gatherer),
	)
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	if listen, enabled := liveViewAddress(cfg, opts); enabled {
		if err := srv.EnableLiveView(listen); err != nil {
			srv.Close()
			return nil, fmt.Errorf("start live view: %w", err)
		}
		logger.Info().Str("address", srv.LiveViewAddress()).Msg("live view enabled")
	}
	return srv, nil
}

func runOnce(ctx context.Context, cfg *config.Config, opts serveOptions, metrics metricsSetup) error {
	logger, cleanup, err := logging.Setup(cfg.Logging, logging.WithInstance(cfg.Name))
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer cleanup()
	log.Logger = logger

	srv, err := start(cfg, opts, metrics, logger)
	if err != nil {
		return err
	}
	defer srv.Close()
	return srv.Run(ctx)
}

func runWithHotReload(ctx context.Context, initialCfg *config.Config, opts serveOptions, metrics metricsSetup) error {
	watcher, err := reload.NewWatcher(opts.configPath, initialCfg)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	reloads := make(chan *config.Config, 1)
	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	go watcher.Poll(pollCtx, nil, opts.reloadInterval, opts.configPath, func(changed []string) *config.Config {
		next, err := config.Load(opts.configPath)
		if err != nil {
			log.Error().Err(err).Strs("files", changed).Msg("failed to reload configuration")
			return nil
		}
		if err := validate(next, zerolog.Nop()); err != nil {
			log.Error().Err(err).Strs("files", changed).Msg("reloaded configuration invalid")
			return nil
		}
		select {
		case <-reloads:
		default:
		}
		reloads <- next
		return next
	})

	cfg := initialCfg
	for {
		logger, cleanup, err := logging.Setup(cfg.Logging, logging.WithInstance(cfg.Name))
		if err != nil {
			return fmt.Errorf("setup logger: %w", err)
		}
		log.Logger = logger

		srv, err := start(cfg, opts, metrics, logger)
		if err != nil {
			cleanup()
			return err
		}

		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Run(runCtx)
		}()

		var next *config.Config
		select {
		case <-ctx.Done():
		case err = <-errCh:
			cancelRun()
			srv.Close()
			cleanup()
			return err
		case next = <-reloads:
			logger.Info().Str("config", opts.configPath).Msg("configuration changed, restarting")
		}
		cancelRun()
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("service stopped with error")
		}
		srv.Close()
		cleanup()
		if next == nil {
			return ctx.Err()
		}
		cfg = next
	}
}
