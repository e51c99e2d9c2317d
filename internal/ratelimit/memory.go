package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps attempt and lockout entries in process. It does not
// coordinate across processes; multi-instance deployments use RedisStore.
type MemoryStore struct {
	mu       sync.Mutex
	attempts map[string]AttemptEntry
	lockouts map[string]LockoutEntry
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts: make(map[string]AttemptEntry),
		lockouts: make(map[string]LockoutEntry),
	}
}

func (m *MemoryStore) GetAttempts(_ context.Context, id string) (AttemptEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.attempts[id]
	return e, ok, nil
}

func (m *MemoryStore) PutAttempts(_ context.Context, id string, entry AttemptEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[id] = entry
	return nil
}

func (m *MemoryStore) DeleteAttempts(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, id)
	return nil
}

func (m *MemoryStore) GetLockout(_ context.Context, id string) (LockoutEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lockouts[id]
	return e, ok, nil
}

func (m *MemoryStore) PutLockout(_ context.Context, id string, entry LockoutEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockouts[id] = entry
	return nil
}

func (m *MemoryStore) DeleteLockout(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lockouts, id)
	return nil
}

// Sweep drops expired windows and lockout entries that hold no failures, no
// active lock and no escalation history. It returns the number removed.
func (m *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, e := range m.attempts {
		if !now.Before(e.ResetAt) {
			delete(m.attempts, id)
			removed++
		}
	}
	for id, e := range m.lockouts {
		if !e.LockedUntil.IsZero() && !now.Before(e.LockedUntil) {
			e.LockedUntil = time.Time{}
			e.FailedAttempts = 0
			m.lockouts[id] = e
		}
		if e.idle() {
			delete(m.lockouts, id)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of attempt and lockout entries held.
func (m *MemoryStore) Len() (attempts, lockouts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempts), len(m.lockouts)
}
