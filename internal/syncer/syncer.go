// Package syncer is the facade the sync endpoints talk to: one Syncer
// per session, holding the authorized table registry, the change tracker
// and the poll watermark.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/html5sync/html5sync/internal/config"
	"github.com/html5sync/html5sync/internal/database"
	"github.com/html5sync/html5sync/internal/lock"
	"github.com/html5sync/html5sync/internal/registry"
	"github.com/html5sync/html5sync/internal/tracker"
	"github.com/html5sync/html5sync/internal/types"
)

// Write validation failures are returned to the caller as-is; they are
// client mistakes, not system faults.
var (
	ErrWrongColumn   = errors.New("wrong column specification")
	ErrMissingKey    = errors.New("record is missing the primary key value")
	ErrReadOnlyTable = errors.New("table does not accept writes")
	ErrTableLocked   = errors.New("row is locked by another session")
)

// Syncer drives one user session. The registry is loaded once at
// construction and reused across polls; the watermark advances only
// after a successful change fetch.
type Syncer struct {
	cfg      *config.Config
	adapter  database.Adapter
	user     types.User
	registry *registry.Registry
	tracker  tracker.Tracker
	locks    *lock.Manager

	mu    sync.Mutex
	since time.Time
}

// New loads the authorized tables for user and prepares the configured
// change tracker. The watermark starts at session start; the first
// change fetch therefore only reports what happened after connecting,
// the initial table contents travel through Rows.
func New(ctx context.Context, cfg *config.Config, adapter database.Adapter, user types.User, locks *lock.Manager) (*Syncer, error) {
	reg, err := registry.Load(ctx, cfg, adapter, user)
	if err != nil {
		return nil, fmt.Errorf("failed to load table registry: %w", err)
	}

	trk, err := tracker.New(cfg.UpdateMode, adapter, reg.Tables())
	if err != nil {
		return nil, err
	}

	return &Syncer{
		cfg:      cfg,
		adapter:  adapter,
		user:     user,
		registry: reg,
		tracker:  trk,
		locks:    locks,
		since:    time.Now(),
	}, nil
}

// User returns the session identity.
func (s *Syncer) User() types.User {
	return s.user
}

// Tables returns the session's authorized table descriptors.
func (s *Syncer) Tables() []types.Table {
	return s.registry.Tables()
}

// StructureChanged reports whether any authorized table's schema drifted
// since the session started.
func (s *Syncer) StructureChanged(ctx context.Context) (bool, error) {
	return s.registry.StructureChanged(ctx)
}

// DataChanged reports whether any tracked change is newer than the
// session watermark. It does not advance the watermark.
func (s *Syncer) DataChanged(ctx context.Context) (bool, error) {
	changes, err := s.changesSince(ctx)
	if err != nil {
		return false, err
	}
	return len(changes) > 0, nil
}

// Changes returns the pending transactions for this session's tables and
// advances the watermark past them. Nothing is lost on error: the
// watermark only moves after a successful fetch.
func (s *Syncer) Changes(ctx context.Context) ([]types.Transaction, error) {
	changes, err := s.changesSince(ctx)
	if err != nil {
		return nil, err
	}

	if len(changes) > 0 {
		s.mu.Lock()
		last := changes[len(changes)-1].Timestamp
		if last.After(s.since) {
			s.since = last
		}
		s.mu.Unlock()
	}
	return changes, nil
}

// changesSince fetches tracked changes newer than the watermark, limited
// to the tables this session may see. The shared log records every
// tracked table; rows the user is not authorized for never leave the
// server.
func (s *Syncer) changesSince(ctx context.Context) ([]types.Transaction, error) {
	s.mu.Lock()
	since := s.since
	s.mu.Unlock()

	changes, err := s.tracker.ChangesSince(ctx, since)
	if err != nil {
		return nil, err
	}

	authorized := make(map[string]bool, len(s.registry.Tables()))
	for _, table := range s.registry.Tables() {
		authorized[table.Name] = true
	}
	filtered := changes[:0]
	for _, tx := range changes {
		if authorized[tx.Table] {
			filtered = append(filtered, tx)
		}
	}
	return filtered, nil
}

// Since returns the current watermark.
func (s *Syncer) Since() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.since
}

// Rows returns one page of a table, or of its stored query for
// query-kind tables. Page size is bounded by configuration.
func (s *Syncer) Rows(ctx context.Context, tableName string, page int) (*types.Page, error) {
	table, err := s.registry.Table(tableName)
	if err != nil {
		return nil, err
	}
	if page < 0 {
		page = 0
	}

	limit := s.cfg.RowsPerPage
	offset := page * limit

	total, err := s.adapter.CountRows(ctx, table)
	if err != nil {
		return nil, err
	}
	rows, err := s.adapter.SelectPage(ctx, table, offset, limit)
	if err != nil {
		return nil, err
	}
	return &types.Page{
		Table:  table.Name,
		Offset: offset,
		Limit:  limit,
		Total:  total,
		Rows:   rows,
	}, nil
}

// Row fetches a single record by primary key, used by clients replaying
// INSERT/UPDATE transactions.
func (s *Syncer) Row(ctx context.Context, tableName string, key interface{}) (types.Record, error) {
	table, err := s.registry.Table(tableName)
	if err != nil {
		return nil, err
	}
	if table.PrimaryKey() == nil {
		return nil, ErrReadOnlyTable
	}
	return s.adapter.SelectByKey(ctx, table, key)
}

// Insert validates and stores a new record. Every supplied column must
// exist on the table; no SQL is issued otherwise.
func (s *Syncer) Insert(ctx context.Context, tableName string, record types.Record) error {
	table, err := s.writableTable(tableName)
	if err != nil {
		return err
	}
	if err := validateColumns(table, record); err != nil {
		return err
	}

	pk := table.PrimaryKey()
	if value, ok := record[pk.Name]; ok && table.Mode == types.ModeLock {
		release, err := s.acquire(table, fmt.Sprint(value))
		if err != nil {
			return err
		}
		defer release()
	}
	return s.adapter.InsertRow(ctx, table, record)
}

// Update validates and applies changes to an existing record. The record
// must carry the primary key value.
func (s *Syncer) Update(ctx context.Context, tableName string, record types.Record) error {
	table, err := s.writableTable(tableName)
	if err != nil {
		return err
	}
	if err := validateColumns(table, record); err != nil {
		return err
	}

	pk := table.PrimaryKey()
	value, ok := record[pk.Name]
	if !ok {
		return ErrMissingKey
	}
	if table.Mode == types.ModeLock {
		release, err := s.acquire(table, fmt.Sprint(value))
		if err != nil {
			return err
		}
		defer release()
	}
	return s.adapter.UpdateRow(ctx, table, record)
}

// Delete removes the record identified by the primary key value in record.
func (s *Syncer) Delete(ctx context.Context, tableName string, record types.Record) error {
	table, err := s.writableTable(tableName)
	if err != nil {
		return err
	}
	if err := validateColumns(table, record); err != nil {
		return err
	}

	pk := table.PrimaryKey()
	value, ok := record[pk.Name]
	if !ok {
		return ErrMissingKey
	}
	if table.Mode == types.ModeLock {
		release, err := s.acquire(table, fmt.Sprint(value))
		if err != nil {
			return err
		}
		defer release()
	}
	return s.adapter.DeleteRow(ctx, table, value)
}

func (s *Syncer) writableTable(tableName string) (*types.Table, error) {
	table, err := s.registry.Table(tableName)
	if err != nil {
		return nil, err
	}
	if !table.Writable() {
		return nil, ErrReadOnlyTable
	}
	return table, nil
}

func (s *Syncer) acquire(table *types.Table, key string) (func(), error) {
	if err := s.locks.Acquire(table.Name, key, s.user.ID); err != nil {
		return nil, fmt.Errorf("%w: %s[%s]", ErrTableLocked, table.Name, key)
	}
	return func() { s.locks.Release(table.Name, key, s.user.ID) }, nil
}

// validateColumns rejects records referencing columns the table does not
// have, before anything touches the database.
func validateColumns(table *types.Table, record types.Record) error {
	for name := range record {
		if table.Column(name) == nil {
			return fmt.Errorf("%w: %s has no column %q", ErrWrongColumn, table.Name, name)
		}
	}
	return nil
}
