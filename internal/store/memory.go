package store

import (
	"context"
	"sync"
)

// Memory is a map-backed KV. It is process-scoped and used by tests and the
// "memory" storage driver.
type Memory struct {
	mu    sync.Mutex
	items map[string]string

	failErr  error
	failOps  map[string]bool
	setCalls int
}

var _ KV = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: map[string]string{}}
}

// FailWith makes the named operations ("get", "set", "remove") fail with err
// until cleared with FailWith(nil).
func (m *Memory) FailWith(err error, ops ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
	m.failOps = map[string]bool{}
	for _, op := range ops {
		m.failOps[op] = true
	}
}

// SetCalls returns how many SetItem calls succeeded.
func (m *Memory) SetCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setCalls
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Memory) failing(op, key string) error {
	if m.failErr != nil && m.failOps[op] {
		return unavailable(op, key, m.failErr)
	}
	return nil
}

func (m *Memory) GetItem(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("get", key); err != nil {
		return "", false, err
	}
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *Memory) SetItem(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("set", key); err != nil {
		return err
	}
	m.items[key] = value
	m.setCalls++
	return nil
}

func (m *Memory) RemoveItem(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing("remove", key); err != nil {
		return err
	}
	delete(m.items, key)
	return nil
}
