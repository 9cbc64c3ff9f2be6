package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/timzifer/sldsync/classify"
	"github.com/timzifer/sldsync/config"
	"github.com/timzifer/sldsync/diagram"
	"github.com/timzifer/sldsync/fetch"
	"github.com/timzifer/sldsync/reconcile"
	"github.com/timzifer/sldsync/scene"
)

func newRenderCmd() *cobra.Command {
	var (
		configPath string
		output     string
	)
	cmd := &cobra.Command{
		Use:   "render <diagram-id>",
		Short: "Fetch one diagram and print the reconciled scene",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			markup, err := render(cmd.Context(), cfg, diagram.Identifier(args[0]), zerolog.Nop())
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), markup)
				return err
			}
			return os.WriteFile(output, []byte(markup+"\n"), 0o644)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the SVG to a file instead of stdout")
	return cmd
}

// render runs a single reconciliation pass of id into an empty scene.
func render(ctx context.Context, cfg *config.Config, id diagram.Identifier, logger zerolog.Logger) (string, error) {
	fetcher, err := fetch.New(cfg.Backend, logger)
	if err != nil {
		return "", err
	}
	if cfg.Backend.Timeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Backend.Timeout.Duration)
		defer cancel()
	}
	snap, err := fetcher.Fetch(ctx, id)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", id, err)
	}

	var applyErr error
	sc := scene.New(logger)
	classifier := classify.New(classify.Units{Active: cfg.Telemetry.ActiveUnit, Reactive: cfg.Telemetry.ReactiveUnit})
	rec := reconcile.New(sc, classifier, logger, reconcile.WithReportHook(func(_ reconcile.Report, err error) {
		applyErr = err
	}))
	rec.Schedule(snap)
	sc.Flush()
	if applyErr != nil {
		return "", fmt.Errorf("reconcile %s: %w", id, applyErr)
	}
	return sc.SVG()
}
