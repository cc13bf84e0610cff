package eventsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock for staleness tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// failingStore wraps a memory store and fails the operations it is told to.
type failingStore struct {
	PersistentStore
	mu      sync.Mutex
	failSet bool
	failGet bool
}

var errStoreDown = errors.New("store unavailable")

func (f *failingStore) Set(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	fail := f.failSet
	f.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return f.PersistentStore.Set(ctx, key, value)
}

func (f *failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	fail := f.failGet
	f.mu.Unlock()
	if fail {
		return nil, errStoreDown
	}
	return f.PersistentStore.Get(ctx, key)
}

// gatedStore wraps a memory store and, once armed, parks the next Remove until release
// is closed.
type gatedStore struct {
	PersistentStore
	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		PersistentStore: NewMemoryStore(),
		entered:         make(chan struct{}, 1),
		release:         make(chan struct{}),
	}
}

func (g *gatedStore) arm() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = true
}

func (g *gatedStore) Remove(ctx context.Context, key string) error {
	g.mu.Lock()
	armed := g.armed
	g.armed = false
	g.mu.Unlock()
	if armed {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.PersistentStore.Remove(ctx, key)
}

// setupCache creates a Cache on a fake clock with fast retries.
func setupCache(tb testing.TB, opts Options) (*Cache, *fakeClock) {
	clock := newFakeClock()
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	if opts.Defaults.BaseDelay == 0 {
		opts.Defaults.BaseDelay = time.Millisecond
	}
	if opts.Defaults.AttemptTimeout == 0 {
		opts.Defaults.AttemptTimeout = 2 * time.Second
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	c, err := NewCache(opts)
	require.NoError(tb, err, "Failed to create cache")
	tb.Cleanup(func() { _ = c.Close() })
	return c, clock
}

// waitIdle blocks until no fetch runs for key.
func waitIdle(tb testing.TB, c *Cache, key string) {
	tb.Helper()
	select {
	case <-c.coordinator.waitIdle(key):
	case <-time.After(5 * time.Second):
		tb.Fatalf("fetch for key %q did not settle", key)
	}
}
