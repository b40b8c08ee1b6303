package config

import (
	"fmt"
	"os"
	"time"

	"github.com/html5sync/html5sync/internal/types"
	"github.com/spf13/viper"
)

const (
	ModeTransactionsTable = "transactionsTable"
	ModeUpdatedColumn     = "updatedColumn"
	ModeHashUpdate        = "hashUpdate" // reserved, not implemented

	// MaxRowsPerPage caps page sizes regardless of configuration.
	MaxRowsPerPage = 1000
)

type Config struct {
	UpdateMode  string        `json:"update_mode" mapstructure:"update_mode"`
	RowsPerPage int           `json:"rows_per_page" mapstructure:"rows_per_page"`
	SyncTimer   int           `json:"sync_timer" mapstructure:"sync_timer"`     // milliseconds, client poll interval hint
	LockTimeout int           `json:"lock_timeout" mapstructure:"lock_timeout"` // milliseconds, row lease lifetime
	Port        int           `json:"port" mapstructure:"port"`
	Database    Database      `json:"database" mapstructure:"database"`
	Tables      []TableConfig `json:"tables" mapstructure:"tables"`
}

type Database struct {
	Provider string `json:"provider" mapstructure:"provider"`
	URLEnv   string `json:"url_env" mapstructure:"url_env"`
}

// TableConfig is one synchronized table entry. A non-empty Query makes it a
// query-kind (virtual, read-only) table.
type TableConfig struct {
	Name  string   `json:"name" mapstructure:"name"`
	Mode  string   `json:"mode" mapstructure:"mode"`
	Query string   `json:"query,omitempty" mapstructure:"query"`
	Roles []string `json:"roles" mapstructure:"roles"`
	Users []int    `json:"users" mapstructure:"users"`
}

// Rule returns the table's access rule.
func (t TableConfig) Rule() types.AccessRule {
	return types.AccessRule{Users: t.Users, Roles: t.Roles}
}

func Load() (*Config, error) {
	var cfg Config

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Set defaults
	if cfg.UpdateMode == "" {
		cfg.UpdateMode = ModeTransactionsTable
	}
	if cfg.RowsPerPage <= 0 {
		cfg.RowsPerPage = 500
	}
	if cfg.RowsPerPage > MaxRowsPerPage {
		cfg.RowsPerPage = MaxRowsPerPage
	}
	if cfg.SyncTimer <= 0 {
		cfg.SyncTimer = 10000
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 30000
	}
	if cfg.Port == 0 {
		cfg.Port = 8077
	}
	if cfg.Database.Provider == "" {
		cfg.Database.Provider = "postgresql"
	}
	if cfg.Database.URLEnv == "" {
		cfg.Database.URLEnv = "DATABASE_URL"
	}
	for i := range cfg.Tables {
		if cfg.Tables[i].Mode == "" {
			cfg.Tables[i].Mode = string(types.ModeUnlock)
		}
		// Virtual tables cannot be locked, there is no key to lock on.
		if cfg.Tables[i].Query != "" {
			cfg.Tables[i].Mode = string(types.ModeUnlock)
		}
	}

	return &cfg, nil
}

func (c *Config) GetDatabaseURL() (string, error) {
	dbURL := os.Getenv(c.Database.URLEnv)
	if dbURL == "" {
		return "", fmt.Errorf("database URL not found in environment variable %s", c.Database.URLEnv)
	}
	return dbURL, nil
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.LockTimeout) * time.Millisecond
}

func (c *Config) Validate() error {
	supportedProviders := []string{"postgresql", "postgres", "pgsql", "mysql", "sqlite", "sqlite3"}
	supported := false
	for _, provider := range supportedProviders {
		if c.Database.Provider == provider {
			supported = true
			break
		}
	}
	if !supported {
		return fmt.Errorf("unsupported database provider: %s. Supported providers: %v", c.Database.Provider, supportedProviders)
	}

	switch c.UpdateMode {
	case ModeTransactionsTable, ModeUpdatedColumn:
	case ModeHashUpdate:
		return fmt.Errorf("update mode %q is reserved and not implemented", ModeHashUpdate)
	default:
		return fmt.Errorf("unsupported update mode: %s", c.UpdateMode)
	}

	if len(c.Tables) == 0 {
		return fmt.Errorf("no tables configured for synchronization")
	}
	seen := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if t.Name == "" {
			return fmt.Errorf("table entry without a name")
		}
		if seen[t.Name] {
			return fmt.Errorf("table %s configured twice", t.Name)
		}
		seen[t.Name] = true
		if t.Mode != string(types.ModeLock) && t.Mode != string(types.ModeUnlock) {
			return fmt.Errorf("table %s: unsupported mode %q", t.Name, t.Mode)
		}
	}

	return nil
}

// Table returns the configuration entry for a table name.
func (c *Config) Table(name string) (TableConfig, bool) {
	for _, t := range c.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableConfig{}, false
}
