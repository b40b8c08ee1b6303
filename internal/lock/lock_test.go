package lock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(ttl time.Duration) (*Manager, *time.Time) {
	m := NewManager(ttl)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestAcquireAndRelease(t *testing.T) {
	m, _ := newTestManager(30 * time.Second)

	require.NoError(t, m.Acquire("actor", "5", 101))
	assert.Equal(t, ErrHeld, m.Acquire("actor", "5", 102))
	assert.True(t, m.Held("actor", "5", 102))

	m.Release("actor", "5", 101)
	require.NoError(t, m.Acquire("actor", "5", 102))
}

func TestAcquireIsReentrantForOwner(t *testing.T) {
	m, _ := newTestManager(30 * time.Second)

	require.NoError(t, m.Acquire("actor", "5", 101))
	require.NoError(t, m.Acquire("actor", "5", 101))
	assert.False(t, m.Held("actor", "5", 101))
}

func TestLeaseExpires(t *testing.T) {
	m, now := newTestManager(30 * time.Second)

	require.NoError(t, m.Acquire("actor", "5", 101))
	assert.Equal(t, ErrHeld, m.Acquire("actor", "5", 102))

	*now = now.Add(31 * time.Second)
	require.NoError(t, m.Acquire("actor", "5", 102))
	// The expired holder lost the row.
	assert.Equal(t, ErrHeld, m.Acquire("actor", "5", 101))
}

func TestReleaseByNonOwnerIsNoop(t *testing.T) {
	m, _ := newTestManager(30 * time.Second)

	require.NoError(t, m.Acquire("actor", "5", 101))
	m.Release("actor", "5", 102)
	assert.Equal(t, ErrHeld, m.Acquire("actor", "5", 102))
}

func TestLeasesAreScopedPerRow(t *testing.T) {
	m, _ := newTestManager(30 * time.Second)

	require.NoError(t, m.Acquire("actor", "5", 101))
	require.NoError(t, m.Acquire("actor", "6", 102))
	require.NoError(t, m.Acquire("city", "5", 102))
}
