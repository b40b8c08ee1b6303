package syncer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/html5sync/html5sync/internal/config"
	"github.com/html5sync/html5sync/internal/database"
	"github.com/html5sync/html5sync/internal/lock"
	"github.com/html5sync/html5sync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScenario(t *testing.T) (*config.Config, database.Adapter, *lock.Manager) {
	t.Helper()
	adapter := database.NewAdapter("sqlite")
	url := "sqlite://" + filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, adapter.Connect(context.Background(), url))
	t.Cleanup(func() { adapter.Close() })

	for _, stmt := range []string{
		`CREATE TABLE city (city_id INTEGER PRIMARY KEY, name varchar(40) NOT NULL)`,
		`CREATE TABLE actor (actor_id INTEGER PRIMARY KEY, first_name varchar(40) NOT NULL)`,
	} {
		require.NoError(t, adapter.Exec(context.Background(), stmt))
	}

	cfg := &config.Config{
		UpdateMode:  config.ModeTransactionsTable,
		RowsPerPage: 2,
		LockTimeout: 30000,
		Tables: []config.TableConfig{
			{Name: "actor", Mode: "lock", Roles: []string{"role1"}, Users: []int{101}},
			{Name: "city", Mode: "unlock", Roles: []string{"role1", "role2"}},
			{Name: "city_names", Mode: "unlock", Query: "SELECT name FROM city", Roles: []string{"role2"}},
		},
	}
	require.NoError(t, InstallTracking(context.Background(), cfg, adapter))
	return cfg, adapter, lock.NewManager(cfg.LockTTL())
}

func newSession(t *testing.T, cfg *config.Config, adapter database.Adapter, locks *lock.Manager, user types.User) *Syncer {
	t.Helper()
	sess, err := New(context.Background(), cfg, adapter, user, locks)
	require.NoError(t, err)
	// Log timestamps carry millisecond precision; step past the session
	// watermark before generating changes.
	time.Sleep(5 * time.Millisecond)
	return sess
}

func tableNames(sess *Syncer) []string {
	var names []string
	for _, table := range sess.Tables() {
		names = append(names, table.Name)
	}
	return names
}

func TestTablesFollowAccessRules(t *testing.T) {
	cfg, adapter, locks := newScenario(t)

	sess1 := newSession(t, cfg, adapter, locks, types.User{ID: 1, Role: "role1"})
	assert.Equal(t, []string{"actor", "city"}, tableNames(sess1))

	sess2 := newSession(t, cfg, adapter, locks, types.User{ID: 2, Role: "role2"})
	assert.Equal(t, []string{"city", "city_names"}, tableNames(sess2))

	sess3 := newSession(t, cfg, adapter, locks, types.User{ID: 101, Role: "nobody"})
	assert.Equal(t, []string{"actor"}, tableNames(sess3))
}

func TestInsertRejectsUnknownColumns(t *testing.T) {
	cfg, adapter, locks := newScenario(t)
	sess := newSession(t, cfg, adapter, locks, types.User{ID: 1, Role: "role1"})
	ctx := context.Background()

	err := sess.Insert(ctx, "city", types.Record{"city_id": 1, "population": 8000000})
	require.ErrorIs(t, err, ErrWrongColumn)

	// The record never reached the database.
	table, regErr := sess.registry.Table("city")
	require.NoError(t, regErr)
	total, countErr := adapter.CountRows(ctx, table)
	require.NoError(t, countErr)
	assert.Zero(t, total)
}

func TestUpdateAndDeleteRequireKey(t *testing.T) {
	cfg, adapter, locks := newScenario(t)
	sess := newSession(t, cfg, adapter, locks, types.User{ID: 1, Role: "role1"})
	ctx := context.Background()

	assert.ErrorIs(t, sess.Update(ctx, "city", types.Record{"name": "Bogota"}), ErrMissingKey)
	assert.ErrorIs(t, sess.Delete(ctx, "city", types.Record{"name": "Bogota"}), ErrMissingKey)
}

func TestQueryTablesAreReadOnly(t *testing.T) {
	cfg, adapter, locks := newScenario(t)
	sess := newSession(t, cfg, adapter, locks, types.User{ID: 2, Role: "role2"})

	err := sess.Insert(context.Background(), "city_names", types.Record{"name": "Bogota"})
	assert.ErrorIs(t, err, ErrReadOnlyTable)
}

func TestLockModeTablesRespectLeases(t *testing.T) {
	cfg, adapter, locks := newScenario(t)
	sess := newSession(t, cfg, adapter, locks, types.User{ID: 101, Role: "role1"})
	ctx := context.Background()

	require.NoError(t, sess.Insert(ctx, "actor", types.Record{"actor_id": 1, "first_name": "PENELOPE"}))

	// Another session holds the row.
	require.NoError(t, locks.Acquire("actor", "1", 999))
	err := sess.Update(ctx, "actor", types.Record{"actor_id": 1, "first_name": "NICK"})
	assert.ErrorIs(t, err, ErrTableLocked)

	locks.Release("actor", "1", 999)
	require.NoError(t, sess.Update(ctx, "actor", types.Record{"actor_id": 1, "first_name": "NICK"}))

	// Writes release their own lease when done.
	assert.False(t, locks.Held("actor", "1", 999))
}

func TestUnlockModeTablesIgnoreLeases(t *testing.T) {
	cfg, adapter, locks := newScenario(t)
	sess := newSession(t, cfg, adapter, locks, types.User{ID: 1, Role: "role1"})
	ctx := context.Background()

	require.NoError(t, locks.Acquire("city", "1", 999))
	require.NoError(t, sess.Insert(ctx, "city", types.Record{"city_id": 1, "name": "Bogota"}))
	require.NoError(t, sess.Update(ctx, "city", types.Record{"city_id": 1, "name": "Cali"}))
}

func TestChangesAdvanceWatermark(t *testing.T) {
	cfg, adapter, locks := newScenario(t)
	sess := newSession(t, cfg, adapter, locks, types.User{ID: 1, Role: "role1"})
	ctx := context.Background()

	changed, err := sess.DataChanged(ctx)
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, sess.Insert(ctx, "city", types.Record{"city_id": 1, "name": "Bogota"}))

	changed, err = sess.DataChanged(ctx)
	require.NoError(t, err)
	assert.True(t, changed)

	changes, err := sess.Changes(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, types.OpInsert, changes[0].Operation)
	assert.Equal(t, "city", changes[0].Table)

	// Delivered changes are behind the watermark now.
	changes, err = sess.Changes(ctx)
	require.NoError(t, err)
	assert.Empty(t, changes)

	changed, err = sess.DataChanged(ctx)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestChangesFilteredByAuthorization(t *testing.T) {
	cfg, adapter, locks := newScenario(t)
	writer := newSession(t, cfg, adapter, locks, types.User{ID: 101, Role: "role1"})
	reader := newSession(t, cfg, adapter, locks, types.User{ID: 2, Role: "role2"})
	ctx := context.Background()

	require.NoError(t, writer.Insert(ctx, "actor", types.Record{"actor_id": 1, "first_name": "PENELOPE"}))

	// The shared log records the actor change, but role2 may not see actor.
	changed, err := reader.DataChanged(ctx)
	require.NoError(t, err)
	assert.False(t, changed)

	changes, err := reader.Changes(ctx)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestRowsPaging(t *testing.T) {
	cfg, adapter, locks := newScenario(t)
	sess := newSession(t, cfg, adapter, locks, types.User{ID: 1, Role: "role1"})
	ctx := context.Background()

	for i, name := range []string{"Bogota", "Cali", "Medellin", "Pasto", "Tunja"} {
		require.NoError(t, sess.Insert(ctx, "city", types.Record{"city_id": i + 1, "name": name}))
	}

	page, err := sess.Rows(ctx, "city", 1)
	require.NoError(t, err)
	assert.Equal(t, "city", page.Table)
	assert.Equal(t, 2, page.Offset)
	assert.Equal(t, 2, page.Limit)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Rows, 2)
	assert.Equal(t, "Medellin", page.Rows[0]["name"])

	// Negative pages clamp to the first one.
	page, err = sess.Rows(ctx, "city", -3)
	require.NoError(t, err)
	assert.Zero(t, page.Offset)
}

func TestRowByKey(t *testing.T) {
	cfg, adapter, locks := newScenario(t)
	sess := newSession(t, cfg, adapter, locks, types.User{ID: 1, Role: "role1"})
	ctx := context.Background()

	require.NoError(t, sess.Insert(ctx, "city", types.Record{"city_id": 7, "name": "Pasto"}))

	record, err := sess.Row(ctx, "city", 7)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "Pasto", record["name"])

	record, err = sess.Row(ctx, "city", 99)
	require.NoError(t, err)
	assert.Nil(t, record)

	_, err = sess.Row(ctx, "film", 1)
	assert.ErrorContains(t, err, "not synchronized for this session")
}

func TestStructureChangeDetection(t *testing.T) {
	cfg, adapter, locks := newScenario(t)
	sess := newSession(t, cfg, adapter, locks, types.User{ID: 1, Role: "role1"})
	ctx := context.Background()

	changed, err := sess.StructureChanged(ctx)
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, adapter.Exec(ctx, `ALTER TABLE city ADD COLUMN country varchar(40)`))

	changed, err = sess.StructureChanged(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
}
