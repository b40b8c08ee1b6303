package cmd

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/html5sync/html5sync/internal/server"
	"github.com/html5sync/html5sync/internal/syncer"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Install change tracking and start the sync server",
	Long: `
Start the HTTP server that browser clients poll for changes.

On startup the configured change-detection mechanism (transaction log
plus triggers, or updated columns) is installed for every tracked table.
Installation is idempotent, restarting the server is always safe.

Examples:
  html5sync serve
  html5sync serve --port 9000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		cfg, adapter, err := loadAndConnect(ctx)
		if err != nil {
			return err
		}
		defer adapter.Close()

		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.Port = port
		}

		color.Cyan("Installing change tracking (%s mode)...", cfg.UpdateMode)
		if err := syncer.InstallTracking(ctx, cfg, adapter); err != nil {
			return fmt.Errorf("failed to install change tracking: %w", err)
		}
		color.Green("✅ Change tracking ready for %d table(s)", len(cfg.Tables))

		return server.NewServer(cfg, adapter).Start()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntP("port", "p", 0, "Port to listen on (overrides config)")
}
