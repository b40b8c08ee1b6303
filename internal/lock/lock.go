// Package lock provides per-row edit leases for tables configured in
// lock mode. Leases are in-process: the system targets a single shared
// backend, so one server instance arbitrates all writers.
package lock

import (
	"fmt"
	"sync"
	"time"
)

// ErrHeld is returned when another owner holds a live lease on the row.
var ErrHeld = fmt.Errorf("row is locked by another session")

type lease struct {
	owner   int
	expires time.Time
}

// Manager hands out expiring leases keyed by (table, primary key).
// A lease is granted when the row is free, already held by the same
// owner, or the previous lease has expired.
type Manager struct {
	mu     sync.Mutex
	ttl    time.Duration
	leases map[string]lease

	// now is swappable for tests.
	now func() time.Time
}

func NewManager(ttl time.Duration) *Manager {
	return &Manager{
		ttl:    ttl,
		leases: make(map[string]lease),
		now:    time.Now,
	}
}

func leaseKey(table, key string) string {
	return table + "\x00" + key
}

// Acquire grants or refreshes the lease on a row for owner. It returns
// ErrHeld if a live lease belongs to someone else; there is no waiting,
// the caller surfaces the conflict to the client immediately.
func (m *Manager) Acquire(table, key string, owner int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := leaseKey(table, key)
	now := m.now()
	if current, ok := m.leases[k]; ok && current.owner != owner && now.Before(current.expires) {
		return ErrHeld
	}
	m.leases[k] = lease{owner: owner, expires: now.Add(m.ttl)}
	return nil
}

// Release drops the owner's lease on a row. Releasing a row held by
// someone else is a no-op.
func (m *Manager) Release(table, key string, owner int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := leaseKey(table, key)
	if current, ok := m.leases[k]; ok && current.owner == owner {
		delete(m.leases, k)
	}
}

// Held reports whether someone other than owner holds a live lease.
func (m *Manager) Held(table, key string, owner int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.leases[leaseKey(table, key)]
	return ok && current.owner != owner && m.now().Before(current.expires)
}
