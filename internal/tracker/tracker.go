// Package tracker implements the two change-detection strategies: the
// shared transaction log and the per-table updated-timestamp column.
package tracker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/html5sync/html5sync/internal/config"
	"github.com/html5sync/html5sync/internal/database"
	"github.com/html5sync/html5sync/internal/types"
)

// Tracker answers "did anything change since t" and "what changed since t"
// for a fixed set of tables. Errors are returned, never folded into a
// false "no changes" answer, so callers can tell the two apart.
type Tracker interface {
	// Install sets up the tracking mechanism for the given tables.
	// Installation is idempotent; repeated startup is safe.
	Install(ctx context.Context, tables []types.Table) error

	// DataChanged is the lightweight existence check behind each poll.
	DataChanged(ctx context.Context, since time.Time) (bool, error)

	// ChangesSince returns one authoritative transaction per changed
	// (table, key), ordered by timestamp ascending, all strictly newer
	// than since.
	ChangesSince(ctx context.Context, since time.Time) ([]types.Transaction, error)
}

// New selects the strategy for the configured update mode.
func New(mode string, adapter database.Adapter, tables []types.Table) (Tracker, error) {
	switch mode {
	case config.ModeTransactionsTable:
		return &LogTracker{adapter: adapter}, nil
	case config.ModeUpdatedColumn:
		return &ColumnTracker{adapter: adapter, tables: tables}, nil
	case config.ModeHashUpdate:
		return nil, fmt.Errorf("update mode %q is reserved and not implemented", mode)
	default:
		return nil, fmt.Errorf("unsupported update mode: %s", mode)
	}
}

// LogTracker reads the shared append-only transaction log fed by
// per-table triggers.
type LogTracker struct {
	adapter database.Adapter
}

func (t *LogTracker) Install(ctx context.Context, tables []types.Table) error {
	if err := t.adapter.InstallTransactionLog(ctx); err != nil {
		return err
	}
	for i := range tables {
		table := &tables[i]
		if table.Kind == types.KindQuery || table.PrimaryKey() == nil {
			continue
		}
		if err := t.adapter.InstallLogTriggers(ctx, table); err != nil {
			return fmt.Errorf("failed to install log triggers on %s: %w", table.Name, err)
		}
	}
	return nil
}

func (t *LogTracker) DataChanged(ctx context.Context, since time.Time) (bool, error) {
	changes, err := t.adapter.QueryChanges(ctx, since)
	if err != nil {
		return false, err
	}
	return len(changes) > 0, nil
}

func (t *LogTracker) ChangesSince(ctx context.Context, since time.Time) ([]types.Transaction, error) {
	return t.adapter.QueryChanges(ctx, since)
}

// ColumnTracker scans each tracked table's synthetic timestamp column.
// Deletions leave no row behind and are therefore invisible in this mode;
// that is a known limitation carried over deliberately.
type ColumnTracker struct {
	adapter database.Adapter
	tables  []types.Table
}

func (t *ColumnTracker) Install(ctx context.Context, tables []types.Table) error {
	t.tables = tables
	for i := range tables {
		table := &tables[i]
		if table.Kind == types.KindQuery {
			continue
		}
		if err := t.adapter.InstallUpdatedColumn(ctx, table); err != nil {
			return fmt.Errorf("failed to install updated column on %s: %w", table.Name, err)
		}
	}
	return nil
}

func (t *ColumnTracker) DataChanged(ctx context.Context, since time.Time) (bool, error) {
	changes, err := t.ChangesSince(ctx, since)
	if err != nil {
		return false, err
	}
	return len(changes) > 0, nil
}

func (t *ColumnTracker) ChangesSince(ctx context.Context, since time.Time) ([]types.Transaction, error) {
	var all []types.Transaction
	for i := range t.tables {
		table := &t.tables[i]
		if table.Kind == types.KindQuery || table.PrimaryKey() == nil {
			continue
		}
		txs, err := t.adapter.QueryUpdatedRows(ctx, table, since)
		if err != nil {
			return nil, err
		}
		all = append(all, txs...)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Timestamp.Before(all[j].Timestamp)
	})
	return all, nil
}
