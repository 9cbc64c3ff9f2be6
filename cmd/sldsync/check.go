package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/timzifer/sldsync/config"
	"github.com/timzifer/sldsync/fetch"
	"github.com/timzifer/sldsync/patch"
)

func newCheckConfigCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			if err := validate(cfg, zerolog.Nop()); err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Backend: %s", cfg.Backend.Kind)
			switch cfg.Backend.Kind {
			case config.BackendHTTP:
				fmt.Fprintf(out, " (%s)", cfg.Backend.URL)
			case config.BackendDir:
				fmt.Fprintf(out, " (%s)", cfg.Backend.Dir)
			}
			fmt.Fprintln(out)
			if cfg.Loader.Initial != "" {
				fmt.Fprintf(out, "Initial diagram: %s\n", cfg.Loader.Initial)
			}
			if cfg.Telemetry.Filter != "" {
				fmt.Fprintf(out, "Telemetry filter: %s\n", cfg.Telemetry.Filter)
			}
			if cfg.Telemetry.MQTT.Enabled {
				fmt.Fprintf(out, "MQTT: %s %s\n", cfg.Telemetry.MQTT.Broker, cfg.Telemetry.MQTT.Topic)
			}
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	return cmd
}

// validate checks the parts of cfg that config.Validate cannot: the backend
// must be constructible and the telemetry filter must compile.
func validate(cfg *config.Config, logger zerolog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := fetch.New(cfg.Backend, logger); err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	if _, err := patch.NewFilter(cfg.Telemetry.Filter); err != nil {
		return fmt.Errorf("telemetry.filter: %w", err)
	}
	return nil
}
