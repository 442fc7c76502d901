package session

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// KeyedLock serializes work per key within one process. It does not
// coordinate across processes sharing a store.
type KeyedLock struct {
	group singleflight.Group

	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// NewKeyedLock creates an empty KeyedLock.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{locks: make(map[string]*refMutex)}
}

// Lock blocks until key is free and returns its unlock function. Entries are
// reference counted so idle keys do not accumulate.
func (k *KeyedLock) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Do runs fn once for concurrent callers of the same key; all of them
// receive its result. shared reports whether the result went to more than
// one caller.
func (k *KeyedLock) Do(key string, fn func() (any, error)) (v any, err error, shared bool) {
	return k.group.Do(key, fn)
}

// Len returns the number of keys currently held or awaited.
func (k *KeyedLock) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
