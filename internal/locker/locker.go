package locker

import (
	"log"
	"sync"
)

// KeyedMutex hands out one mutex per key. Mutexes are reference counted and
// dropped once no goroutine holds or waits on them, so a long-lived process with
// a churning key space does not accumulate locks.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

// New creates a new lock manager.
func New() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the mutex associated with key, blocking until it is available.
func (m *KeyedMutex) Lock(key string) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &refMutex{}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
}

// Unlock releases the mutex associated with key.
// Typically used with defer: `defer locks.Unlock(key)`.
func (m *KeyedMutex) Unlock(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		log.Printf("WARN: Attempted to Unlock a key ('%s') that was not locked.", key)
		return
	}
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
	l.mu.Unlock()
}

// With runs fn while holding the lock for key.
func (m *KeyedMutex) With(key string, fn func()) {
	m.Lock(key)
	defer m.Unlock(key)
	fn()
}

// Len returns the number of keys currently locked or waited on.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
