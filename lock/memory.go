package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// entry is one key's current lease.
type entry struct {
	token     string
	expiresAt time.Time
}

// MemoryLock is a single-process Lock backed by a mutex-guarded map of
// leases, adapted from the teacher's cluster.InMemoryLock: that type held
// one *sync.Mutex per key for the lifetime of a blocking critical section,
// whereas MemoryLock tracks a token+expiry pair per key so ownership can be
// proven and leases reclaimed without either side blocking the other.
type MemoryLock struct {
	mu      sync.Mutex
	entries map[string]entry
}

// NewMemoryLock creates an empty MemoryLock.
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{entries: make(map[string]entry)}
}

func (m *MemoryLock) liveLocked(key string, now time.Time) (entry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return entry{}, false
	}
	if now.After(e.expiresAt) {
		delete(m.entries, key)
		return entry{}, false
	}
	return e, true
}

// TryAcquire implements Lock.
func (m *MemoryLock) TryAcquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.liveLocked(key, now); held {
		return "", false, nil
	}
	token := uuid.NewString()
	m.entries[key] = entry{token: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

// Extend implements Lock.
func (m *MemoryLock) Extend(_ context.Context, key, token string, ttl time.Duration) error {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	e, held := m.liveLocked(key, now)
	if !held || e.token != token {
		return ErrNotHeld
	}
	m.entries[key] = entry{token: token, expiresAt: now.Add(ttl)}
	return nil
}

// Release implements Lock.
func (m *MemoryLock) Release(_ context.Context, key, token string) error {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	e, held := m.liveLocked(key, now)
	if !held || e.token != token {
		return ErrNotHeld
	}
	delete(m.entries, key)
	return nil
}

// IsLocked implements Lock.
func (m *MemoryLock) IsLocked(_ context.Context, key string) (bool, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.liveLocked(key, now)
	return held, nil
}
