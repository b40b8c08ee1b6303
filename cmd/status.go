package cmd

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/html5sync/html5sync/internal/registry"
	"github.com/html5sync/html5sync/internal/types"
	"github.com/spf13/cobra"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the synchronization setup",
	Long: `Show the current synchronization setup:
- Backend connectivity
- Each configured table with its kind, mode and column count
- The structure signature captured for change detection

Tables that cannot be introspected are listed as unavailable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		cfg, adapter, err := loadAndConnect(ctx)
		if err != nil {
			return err
		}
		defer adapter.Close()

		if err := adapter.Ping(ctx); err != nil {
			return fmt.Errorf("failed to reach database: %w", err)
		}
		color.Green("✅ Connected (%s, %s mode)", cfg.Database.Provider, cfg.UpdateMode)
		fmt.Println()

		reg, err := registry.LoadAll(ctx, cfg, adapter)
		if err != nil {
			return err
		}

		loaded := make(map[string]types.Table, len(reg.Tables()))
		for _, table := range reg.Tables() {
			loaded[table.Name] = table
		}

		for _, tc := range cfg.Tables {
			table, ok := loaded[tc.Name]
			if !ok {
				color.Red("  ✗ %-20s unavailable", tc.Name)
				continue
			}

			pk := "-"
			if col := table.PrimaryKey(); col != nil {
				pk = col.Name
			}
			color.Cyan("  ✓ %-20s %s/%s  %d column(s), pk=%s", table.Name, table.Kind, table.Mode, len(table.Columns), pk)
			color.White("    signature %s", reg.LoadSignature(table.Name))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
