package database

import (
	"testing"
	"time"

	"github.com/html5sync/html5sync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tx(id int64, op types.Operation, table, key string, ts time.Time) types.Transaction {
	return types.Transaction{ID: id, Operation: op, Table: table, Key: key, Timestamp: ts}
}

func TestLatestPerKey(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	result := latestPerKey([]types.Transaction{
		tx(1, types.OpInsert, "actor", "1", t0),
		tx(2, types.OpInsert, "actor", "2", t0.Add(time.Second)),
		tx(3, types.OpUpdate, "actor", "1", t0.Add(2*time.Second)),
		tx(4, types.OpDelete, "actor", "2", t0.Add(3*time.Second)),
		tx(5, types.OpInsert, "city", "1", t0.Add(time.Second)),
	})

	require.Len(t, result, 3)
	assert.Equal(t, "city", result[0].Table)
	assert.Equal(t, types.OpUpdate, result[1].Operation)
	assert.Equal(t, types.OpDelete, result[2].Operation)

	// Same table name, different keys stay separate entries.
	for _, r := range result {
		assert.NotZero(t, r.ID)
	}
}

func TestLatestPerKeyBreaksTimestampTiesByID(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	result := latestPerKey([]types.Transaction{
		tx(1, types.OpInsert, "actor", "1", t0),
		tx(2, types.OpDelete, "actor", "1", t0),
	})

	require.Len(t, result, 1)
	assert.Equal(t, types.OpDelete, result[0].Operation)
}

func TestCoerceTime(t *testing.T) {
	want := time.Date(2026, 3, 1, 10, 30, 0, 500000000, time.UTC)

	got, err := coerceTime("2026-03-01 10:30:00.5")
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	got, err = coerceTime([]byte("2026-03-01 10:30:00"))
	require.NoError(t, err)
	assert.True(t, want.Truncate(time.Second).Equal(got))

	got, err = coerceTime(want)
	require.NoError(t, err)
	assert.True(t, want.Equal(got))

	_, err = coerceTime(42)
	assert.Error(t, err)

	_, err = coerceTime("not a timestamp")
	assert.Error(t, err)
}

func TestQueryWrapping(t *testing.T) {
	assert.Equal(t, "SELECT name FROM city", trimQuery("  SELECT name FROM city; "))
	assert.Equal(t,
		"SELECT * FROM (SELECT name FROM city) AS h5s_query LIMIT 10 OFFSET 20",
		wrapPage("SELECT name FROM city;", 20, 10))
	assert.Equal(t,
		"SELECT COUNT(*) FROM (SELECT name FROM city) AS h5s_query",
		wrapCount("SELECT name FROM city"))
}

func TestOrderedValues(t *testing.T) {
	table := &types.Table{
		Name: "city",
		Columns: []types.Column{
			{Name: "city_id", Order: 1, PrimaryKey: true},
			{Name: "name", Order: 2},
			{Name: "country", Order: 3},
		},
	}

	cols, vals := orderedValues(table, types.Record{"name": "Bogota", "city_id": 1})
	assert.Equal(t, []string{"city_id", "name"}, cols)
	assert.Equal(t, []interface{}{1, "Bogota"}, vals)
}
