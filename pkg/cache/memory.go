package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/foreman/pkg/types"
)

// Memory is an in-process Cache for single-node deployments and tests.
// Entries expire lazily on read. The clock is injectable so expiry and
// fixed-window behavior can be tested without sleeping.
type Memory struct {
	mu       sync.Mutex
	statuses map[string]memoryEntry[*types.JobStatusView]
	cancels  map[string]memoryEntry[bool]
	leases   map[string]time.Time
	counters map[string]memoryEntry[int64]

	now func() time.Time
}

type memoryEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// NewMemory creates an in-process cache.
func NewMemory() *Memory {
	return &Memory{
		statuses: make(map[string]memoryEntry[*types.JobStatusView]),
		cancels:  make(map[string]memoryEntry[bool]),
		leases:   make(map[string]time.Time),
		counters: make(map[string]memoryEntry[int64]),
		now:      time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) SetJobStatus(_ context.Context, view *types.JobStatusView) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[view.JobID] = memoryEntry[*types.JobStatusView]{
		value:     view,
		expiresAt: m.now().Add(statusTTL(view)),
	}
	return nil
}

func (m *Memory) JobStatus(_ context.Context, jobID string) (*types.JobStatusView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.statuses[jobID]
	if !ok || m.now().After(entry.expiresAt) {
		delete(m.statuses, jobID)
		return nil, nil
	}
	return entry.value, nil
}

func (m *Memory) SetCancelFlag(_ context.Context, jobID string, cancelled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels[jobID] = memoryEntry[bool]{
		value:     cancelled,
		expiresAt: m.now().Add(CancelFlagTTL),
	}
	return nil
}

func (m *Memory) CancelFlag(_ context.Context, jobID string) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cancels[jobID]
	if !ok || m.now().After(entry.expiresAt) {
		delete(m.cancels, jobID)
		return false, false, nil
	}
	return entry.value, true, nil
}

func (m *Memory) Invalidate(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, jobID)
	delete(m.cancels, jobID)
	return nil
}

func (m *Memory) AcquireLease(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if expiry, held := m.leases[key]; held && now.Before(expiry) {
		return false, nil
	}
	m.leases[key] = now.Add(ttl)
	return true, nil
}

func (m *Memory) ReleaseLease(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, key)
	return nil
}

func (m *Memory) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	k := windowKey(key, now, window)
	entry, ok := m.counters[k]
	if !ok || now.After(entry.expiresAt) {
		entry = memoryEntry[int64]{value: 0, expiresAt: now.Add(window)}
	}
	entry.value++
	m.counters[k] = entry
	return entry.value, nil
}

func (m *Memory) Close() error {
	return nil
}
