package cmd

import (
	"context"
	"fmt"

	"github.com/html5sync/html5sync/internal/config"
	"github.com/html5sync/html5sync/internal/database"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	Version = "1.0.0"
)

var rootCmd = &cobra.Command{
	Use:   "html5sync",
	Short: "Keep browser-side databases in sync with a relational backend",
	Long: `
html5sync watches configured tables for structure and data changes and
serves them to browser clients over a small JSON API.

Change detection modes:
- transactionsTable (triggers feed a shared transaction log)
- updatedColumn (synthetic last-modified column per table)

Database support:
- PostgreSQL
- MySQL
- SQLite (embedded databases)`,

	Run: func(cmd *cobra.Command, args []string) {
		showVersion, _ := cmd.Flags().GetBool("version")
		if showVersion {
			fmt.Printf("html5sync version %s\n", Version)
			return
		}
		cmd.Help()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./html5sync.config.json)")
	rootCmd.Flags().BoolP("version", "v", false, "Show CLI version")
}

func initConfig() {
	if err := godotenv.Load(); err != nil {
		godotenv.Load(".env")
		godotenv.Load(".env.local")
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("json")
		viper.SetConfigName("html5sync.config")
	}

	viper.AutomaticEnv()
	viper.ReadInConfig()
}

// loadAndConnect reads configuration, validates it and opens the backend
// connection every subcommand needs.
func loadAndConnect(ctx context.Context) (*config.Config, database.Adapter, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	dbURL, err := cfg.GetDatabaseURL()
	if err != nil {
		return nil, nil, err
	}

	adapter := database.NewAdapter(cfg.Database.Provider)
	if err := adapter.Connect(ctx, dbURL); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return cfg, adapter, nil
}
