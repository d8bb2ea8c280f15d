package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/plaintask/internal/config"
	"github.com/basket/plaintask/internal/filestore"
)

func newInitCmd(g *globalFlags) *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create config.yaml and prepare the task directory",
		Long: `Init writes a default config.yaml into the plaintask home (unless one
exists) and creates the marker file and tasks/ tree in the task directory.
Running it again is harmless.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			wrote, err := config.WriteDefault(cfg.HomeDir)
			if err != nil {
				return err
			}
			if wrote {
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", config.ConfigPath(cfg.HomeDir))
			}
			if root != "" {
				cfg.Root = root
			}
			m, err := filestore.Init(cfg.Root, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("init task directory: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task directory %s ready (format %d)\n", cfg.Root, m.FormatVersion)
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "task directory to initialize (default from config)")
	return cmd
}
