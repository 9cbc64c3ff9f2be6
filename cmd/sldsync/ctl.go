package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/timzifer/sldsync/patch"
	"github.com/timzifer/sldsync/remote"
)

type ctlOptions struct {
	addr    string
	timeout time.Duration
}

func (o *ctlOptions) client() (*remote.Client, error) {
	return remote.New(o.addr, o.timeout)
}

func newCtlCmd() *cobra.Command {
	opts := &ctlOptions{}
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Control a running sldsync through its live view API",
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", "localhost:18080", "Live view address of the running process")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "Request timeout")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "state",
			Short: "Print loader, scene and reconcile state",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := opts.client()
				if err != nil {
					return err
				}
				st, err := c.State(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			},
		},
		&cobra.Command{
			Use:   "scene",
			Short: "Print the current scene SVG",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := opts.client()
				if err != nil {
					return err
				}
				markup, err := c.Scene(cmd.Context())
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), markup)
				return err
			},
		},
		&cobra.Command{
			Use:   "load <diagram-id>",
			Short: "Load a diagram",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := opts.client()
				if err != nil {
					return err
				}
				st, err := c.Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			},
		},
		statusCmd(opts, "refresh", "Refresh the current diagram", (*remote.Client).Refresh),
		statusCmd(opts, "retry", "Retry a failed load", (*remote.Client).Retry),
		statusCmd(opts, "clear-cache", "Forget cached diagrams", (*remote.Client).ClearCache),
		&cobra.Command{
			Use:       "autorefresh <on|off>",
			Short:     "Toggle periodic refresh",
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{"on", "off"},
			RunE: func(cmd *cobra.Command, args []string) error {
				enabled, err := parseSwitch(args[0])
				if err != nil {
					return err
				}
				c, err := opts.client()
				if err != nil {
					return err
				}
				st, err := c.SetAutoRefresh(cmd.Context(), enabled)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			},
		},
		&cobra.Command{
			Use:   "viewport <x> <y> <scale>",
			Short: "Set the pan/zoom state",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				var values [3]float64
				for i, arg := range args {
					v, err := strconv.ParseFloat(arg, 64)
					if err != nil {
						return fmt.Errorf("parse %q: %w", arg, err)
					}
					values[i] = v
				}
				c, err := opts.client()
				if err != nil {
					return err
				}
				return c.SetViewport(cmd.Context(), values[0], values[1], values[2])
			},
		},
		&cobra.Command{
			Use:   "telemetry <json|->",
			Short: "Publish telemetry events",
			Long: `Publish one event object or an array of events, e.g.

  sldsync ctl telemetry '{"kind":"measurement","id":"L1_ARROW_ACTIVE","value":12.5}'
  sldsync ctl telemetry - < events.json
`,
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				payload := []byte(args[0])
				if args[0] == "-" {
					raw, err := io.ReadAll(cmd.InOrStdin())
					if err != nil {
						return err
					}
					payload = raw
				}
				events, err := patch.DecodeEvents(payload)
				if err != nil {
					return err
				}
				c, err := opts.client()
				if err != nil {
					return err
				}
				accepted, err := c.PublishTelemetry(cmd.Context(), events...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "accepted %d of %d events\n", accepted, len(events))
				return nil
			},
		},
	)
	return cmd
}

func statusCmd(opts *ctlOptions, use, short string, call func(*remote.Client, context.Context) (remote.Status, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			st, err := call(c, cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func parseSwitch(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "true", "1", "enable", "enabled":
		return true, nil
	case "off", "false", "0", "disable", "disabled":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", value)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
