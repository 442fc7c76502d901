package storage

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Memory is an in-process Adapter with TTL support. It also implements
// Querier and Lister.
type Memory struct {
	mu    sync.RWMutex
	items map[string]Item
	now   func() time.Time
}

var (
	_ Adapter = (*Memory)(nil)
	_ Querier = (*Memory)(nil)
	_ Lister  = (*Memory)(nil)
)

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]Item),
		now:   time.Now,
	}
}

// SetClock overrides the time source; used by tests exercising expiry.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) Store(_ context.Context, item Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = m.now()
	}
	m.items[item.Key] = item.Clone()
	return nil
}

func (m *Memory) Retrieve(_ context.Context, key string) (Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.items[key]
	if !ok || it.Expired(m.now()) {
		return Item{}, ErrNotFound
	}
	return it.Clone(), nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	clear(m.items)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	st := Stats{Backend: "memory", ByKind: make(map[string]int)}
	for _, it := range m.items {
		if it.Expired(now) {
			continue
		}
		st.Items++
		st.ByKind[it.Kind]++
	}
	return st, nil
}

func (m *Memory) IsHealthy(context.Context) bool { return true }

func (m *Memory) Cleanup(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, it := range m.items {
		if it.Expired(now) {
			delete(m.items, k)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) FindOneByQuery(_ context.Context, q Query, opts QueryOptions) (Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var best *Item
	for _, it := range m.items {
		if it.Expired(now) || !q.Matches(it) {
			continue
		}
		if best == nil || opts.Less(it, *best) {
			cp := it
			best = &cp
		}
	}
	if best == nil {
		return Item{}, ErrNotFound
	}
	return best.Clone(), nil
}

func (m *Memory) List(_ context.Context, kind string) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var out []Item
	for _, it := range m.items {
		if it.Kind != kind || it.Expired(now) {
			continue
		}
		out = append(out, it.Clone())
	}
	slices.SortFunc(out, func(a, b Item) int {
		if (QueryOptions{}).Less(a, b) {
			return -1
		}
		return 1
	})
	return out, nil
}
