package sync

import "sync"

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// KeyedMutex hands out one mutex per key. Entries are
// reference counted and dropped once no goroutine holds
// or waits on them, so the set of keys may grow unbounded
// without leaking.
type KeyedMutex[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*keyedEntry
}

func NewKeyedMutex[K comparable]() *KeyedMutex[K] {
	return &KeyedMutex[K]{entries: make(map[K]*keyedEntry)}
}

// Lock blocks until the mutex for key is held by the caller. The
// returned function releases it and must be called exactly once.
func (km *KeyedMutex[K]) Lock(key K) func() {
	km.mu.Lock()
	entry, ok := km.entries[key]
	if !ok {
		entry = &keyedEntry{}
		km.entries[key] = entry
	}
	entry.refs++
	km.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()

		km.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(km.entries, key)
		}
		km.mu.Unlock()
	}
}

// TryLock attempts to take the mutex for key without blocking. The
// unlock function is nil when the lock is already held elsewhere.
func (km *KeyedMutex[K]) TryLock(key K) (func(), bool) {
	km.mu.Lock()
	entry, ok := km.entries[key]
	if !ok {
		entry = &keyedEntry{}
		km.entries[key] = entry
	}
	if !entry.mu.TryLock() {
		km.mu.Unlock()
		return nil, false
	}
	entry.refs++
	km.mu.Unlock()

	return func() {
		entry.mu.Unlock()

		km.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(km.entries, key)
		}
		km.mu.Unlock()
	}, true
}

func (km *KeyedMutex[K]) size() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.entries)
}
