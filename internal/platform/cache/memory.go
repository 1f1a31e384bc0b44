package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Store for single-instance deployments and tests.
// Expired entries are invisible immediately and swept periodically.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	down    atomic.Bool
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

// NewMemory creates a store and starts its sweeper. A non-positive interval
// disables the sweeper; expired entries are still never returned.
func NewMemory(sweepInterval time.Duration) *Memory {
	m := &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go m.sweepLoop(sweepInterval)
	}
	return m
}

// SetClock replaces the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// SetAvailable simulates an outage (false) or recovery (true).
func (m *Memory) SetAvailable(up bool) {
	m.down.Store(!up)
}

func (m *Memory) Available() bool { return !m.down.Load() }

func (m *Memory) Backend() string { return "memory" }

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if m.down.Load() {
		return ErrUnavailable
	}
	if ttl <= 0 {
		return nil
	}
	buf := make([]byte, len(value))
	copy(buf, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: buf, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	if m.down.Load() {
		return nil, ErrUnavailable
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok || !m.now().Before(e.expiresAt) {
		return nil, ErrMiss
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	if m.down.Load() {
		return ErrUnavailable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.Get(ctx, key)
	switch err {
	case nil:
		return true, nil
	case ErrMiss:
		return false, nil
	default:
		return false, err
	}
}

// TTL returns the remaining lifetime of key, or zero when absent.
func (m *Memory) TTL(key string) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return 0
	}
	if d := e.expiresAt.Sub(m.now()); d > 0 {
		return d
	}
	return 0
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close stops the sweeper. It is safe to call more than once.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

func (m *Memory) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}
