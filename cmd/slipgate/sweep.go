package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcourtman/slipgate/internal/config"
	"github.com/rcourtman/slipgate/internal/logging"
)

func newSweepCmd() *cobra.Command {
	var reconcile bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Revoke expired entitlements once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "sweep"})

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			out := struct {
				Sweep     any `json:"sweep"`
				Reconcile any `json:"reconcile,omitempty"`
			}{Sweep: a.sweeper.Sweep(cmd.Context())}
			if reconcile {
				out.Reconcile = a.sweeper.Reconcile(cmd.Context())
			}

			data, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return fmt.Errorf("encode report: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	cmd.Flags().BoolVar(&reconcile, "reconcile", false, "also re-apply roles missing from live entitlements")
	return cmd
}
