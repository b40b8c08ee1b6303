package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var rawCmd = &cobra.Command{
	Use:   "raw <sql-file>",
	Short: "Execute a raw SQL file against the database",
	Long: `
Execute a raw SQL file directly against the configured database, useful
for preparing the scenario tables before turning synchronization on.

Examples:
  html5sync raw schema.sql
  html5sync raw fixtures/sample_data.sql`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sqlFile := args[0]
		sqlContent, err := os.ReadFile(sqlFile)
		if err != nil {
			return fmt.Errorf("failed to read SQL file: %w", err)
		}

		ctx := context.Background()
		cfg, adapter, err := loadAndConnect(ctx)
		if err != nil {
			return err
		}
		defer adapter.Close()

		statements := splitSQLStatements(string(sqlContent))
		if len(statements) == 0 {
			return fmt.Errorf("no SQL statements found in %s", sqlFile)
		}

		fmt.Printf("📄 Executing %s against %s (%d statement(s))\n", sqlFile, cfg.Database.Provider, len(statements))
		for i, statement := range statements {
			if err := adapter.Exec(ctx, statement); err != nil {
				return fmt.Errorf("failed to execute statement %d: %w", i+1, err)
			}
		}
		color.Green("✅ All statements executed successfully")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rawCmd)
}

func splitSQLStatements(content string) []string {
	var statements []string
	for _, part := range strings.Split(content, ";") {
		var lines []string
		for _, line := range strings.Split(part, "\n") {
			if trimmed := strings.TrimSpace(line); trimmed != "" && !strings.HasPrefix(trimmed, "--") {
				lines = append(lines, line)
			}
		}
		statement := strings.TrimSpace(strings.Join(lines, "\n"))
		if statement != "" {
			statements = append(statements, statement)
		}
	}
	return statements
}
