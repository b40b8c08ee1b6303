package cmd

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/html5sync/html5sync/internal/syncer"
	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install change tracking without starting the server",
	Long: `
Install the change-detection objects for every configured table: the
shared transaction log and its triggers in transactionsTable mode, or
the synthetic last-modified column in updatedColumn mode.

Running install twice is harmless; existing objects are kept or
replaced in place.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		cfg, adapter, err := loadAndConnect(ctx)
		if err != nil {
			return err
		}
		defer adapter.Close()

		color.Cyan("Installing change tracking (%s mode)...", cfg.UpdateMode)
		if err := syncer.InstallTracking(ctx, cfg, adapter); err != nil {
			return fmt.Errorf("failed to install change tracking: %w", err)
		}
		color.Green("✅ Change tracking installed for %d table(s)", len(cfg.Tables))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
}
