package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/plaintask/internal/doctor"
)

var errUnhealthy = errors.New("doctor found problems")

func newDoctorCmd(g *globalFlags) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the configuration, task directory and journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				// Diagnose anyway; the config check reports the failure.
				fmt.Fprintf(cmd.ErrOrStderr(), "Error loading config: %v\n", err)
			}

			diag := doctor.Run(cmd.Context(), &cfg, Version)
			out := cmd.OutOrStdout()

			if jsonOutput {
				if err := writeJSON(out, diag); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "plaintask doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
				fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
				fmt.Fprintln(out, "---")
				for _, res := range diag.Results {
					fmt.Fprintf(out, "[%s] %-15s: %s\n", res.Status, res.Name, res.Message)
					if res.Detail != "" {
						fmt.Fprintf(out, "       %s\n", res.Detail)
					}
				}
			}

			if !diag.Healthy() {
				return errUnhealthy
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output JSON")
	return cmd
}
