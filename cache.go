package eventsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/burugo/eventsync/internal/locker"
)

// --- Cache Constants ---

const (
	// DefaultMaxEntries bounds the memory tier when Options.MaxEntries is zero.
	DefaultMaxEntries = 500
	// durablePrefix namespaces query entries in the PersistentStore.
	durablePrefix = "query:"
)

// Options configures a Cache.
type Options struct {
	// MaxEntries bounds the in-memory LRU (default 500).
	MaxEntries int
	// Store is the durable tier. Nil means an in-memory store.
	Store PersistentStore
	// Defaults apply to every fetch whose own options leave a field zero.
	Defaults FetchOptions
	// Now is the clock used for staleness. Nil means time.Now.
	Now func() time.Time
}

// Cache is the keyed query cache: an LRU memory tier over a durable PersistentStore,
// fed by a RequestCoordinator. One Cache is shared by every query in the process.
type Cache struct {
	opts  Options
	store PersistentStore
	now   func() time.Time

	mu         sync.Mutex // guards memory compound operations and lastErrors
	memory     *lru.Cache[string, *CacheEntry]
	lastErrors map[string]error

	writes      *locker.KeyedMutex // single writer per key
	coordinator *RequestCoordinator
	listeners   listenerRegistry

	countersMu sync.Mutex
	counters   map[string]int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Ensure Cache reports stats like the stores do.
var _ StatsReporter = (*Cache)(nil)

// NewCache creates a Cache. The returned cache owns background fetches until Close.
func NewCache(opts Options) (*Cache, error) {
	if opts.MaxEntries < 0 {
		return nil, &ValidationError{Field: "MaxEntries", Reason: "must not be negative"}
	}
	if opts.MaxEntries == 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	memory, err := lru.New[string, *CacheEntry](opts.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory tier: %w", err)
	}
	store := opts.Store
	if store == nil {
		log.Printf("WARN: No PersistentStore configured for cache, using in-memory store")
		store = NewMemoryStore()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		opts:       opts,
		store:      store,
		now:        now,
		memory:     memory,
		lastErrors: make(map[string]error),
		writes:     locker.New(),
		counters:   make(map[string]int),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.coordinator = newRequestCoordinator(c)
	return c, nil
}

// Now returns the cache clock's current time.
func (c *Cache) Now() time.Time { return c.now() }

// Fetch fetches key through the coordinator regardless of freshness.
func (c *Cache) Fetch(ctx context.Context, key string, fn FetchFunc, opts FetchOptions) (any, error) {
	return c.coordinator.Fetch(ctx, key, fn, opts)
}

// Get returns the value for key with stale-while-revalidate semantics: a fresh entry
// is returned as is, a stale entry is returned immediately while a background refetch
// runs, and only a missing entry blocks on the fetch.
func (c *Cache) Get(ctx context.Context, key string, fn FetchFunc, opts FetchOptions) (any, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if err := validateQuery(key, fn); err != nil {
		return nil, err
	}
	if entry, ok := c.Peek(ctx, key); ok {
		if entry.IsStale(c.now()) {
			log.Printf("CACHE STALE: Key: %s, revalidating in background", key)
			c.coordinator.Prefetch(key, fn, opts)
		}
		return entry.Value, nil
	}
	return c.coordinator.Fetch(ctx, key, fn, opts)
}

// Peek returns the entry for key without fetching. Expired entries are evicted and
// reported as missing. A memory miss falls back to the durable tier.
func (c *Cache) Peek(ctx context.Context, key string) (*CacheEntry, bool) {
	now := c.now()

	c.mu.Lock()
	entry, ok := c.memory.Get(key)
	c.mu.Unlock()
	if ok && entry.IsExpired(now) {
		if entry, ok = c.dropExpired(ctx, key, now); !ok {
			c.incrCounter("Expired")
			return nil, false
		}
	}
	if ok {
		c.incrCounter("Hit")
		return entry, true
	}

	entry, ok = c.loadDurable(ctx, key, now)
	if !ok {
		c.incrCounter("Miss")
		return nil, false
	}
	c.incrCounter("DurableHit")
	c.writes.With(key, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		// A fetch may have completed while we were reading the store; keep the newer value.
		if current, exists := c.memory.Peek(key); exists && current.FetchedAt.After(entry.FetchedAt) {
			entry = current
			return
		}
		c.memory.Add(key, entry)
	})
	return entry, true
}

// SetData writes value for key as if it had just been fetched. Used for optimistic updates.
func (c *Cache) SetData(ctx context.Context, key string, value any, opts FetchOptions) error {
	if strings.TrimSpace(key) == "" {
		return &ValidationError{Field: "key", Reason: "must not be empty"}
	}
	opts = opts.withDefaults(c.opts.Defaults)
	entry := NewCacheEntry(value, c.now(), opts.StaleTime, opts.CacheDuration)
	c.storeEntry(key, entry)
	c.listeners.trigger(CacheEvent{Type: EventTypeSet, Key: key, Entry: entry})
	return nil
}

// Invalidate removes key from memory and the durable tier so the next read fetches it.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return &ValidationError{Field: "key", Reason: "must not be empty"}
	}
	c.writes.With(key, func() {
		c.mu.Lock()
		c.memory.Remove(key)
		delete(c.lastErrors, key)
		c.mu.Unlock()
		c.removeDurable(ctx, key)
	})
	c.incrCounter("Invalidate")
	log.Printf("CACHE DEL: Key: %s", key)
	c.listeners.trigger(CacheEvent{Type: EventTypeInvalidated, Key: key})
	return nil
}

// InvalidatePrefix invalidates every key, in memory or durable, that starts with prefix.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		return &ValidationError{Field: "prefix", Reason: "must not be empty"}
	}
	keys := make(map[string]struct{})
	c.mu.Lock()
	for _, k := range c.memory.Keys() {
		if strings.HasPrefix(k, prefix) {
			keys[k] = struct{}{}
		}
	}
	c.mu.Unlock()
	durable, err := c.store.Keys(ctx, durablePrefix+prefix)
	if err != nil {
		log.Printf("WARN: Failed to list durable keys for prefix '%s': %v", prefix, err)
	}
	for _, k := range durable {
		keys[strings.TrimPrefix(k, durablePrefix)] = struct{}{}
	}
	for k := range keys {
		if err := c.Invalidate(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// IsFetching reports whether a fetch is running for key.
func (c *Cache) IsFetching(key string) bool {
	return c.coordinator.InFlight(key) > 0
}

// LastError returns the error of the most recent failed fetch for key, or nil once a
// later fetch succeeded.
func (c *Cache) LastError(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErrors[key]
}

// Len returns the number of entries in the memory tier.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memory.Len()
}

// Close stops background work. In-flight fetches are aborted and waiters receive ErrClosed.
func (c *Cache) Close() error {
	// Flip under the coordinator lock so no fetch can register after Wait starts.
	c.coordinator.mu.Lock()
	alreadyClosed := c.closed.Swap(true)
	c.coordinator.mu.Unlock()
	if alreadyClosed {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Cache) isClosed() bool { return c.closed.Load() }

// storeEntry writes entry to memory and, best effort, to the durable tier. Writes for
// one key are serialized, so the write of the later-completing fetch wins.
func (c *Cache) storeEntry(key string, entry *CacheEntry) {
	c.writes.With(key, func() {
		c.mu.Lock()
		if evicted := c.memory.Add(key, entry); evicted {
			c.incrCounter("Evict")
		}
		delete(c.lastErrors, key)
		c.mu.Unlock()

		data, err := encodeEntry(entry)
		if err != nil {
			log.Printf("WARN: Failed to encode cache entry for key '%s', keeping it in memory only: %v", key, err)
			return
		}
		// Persisting runs on the cache context so a departed caller cannot abort it.
		if err := c.store.Set(c.ctx, durablePrefix+key, data); err != nil {
			c.incrCounter("PersistError")
			log.Printf("WARN: %v", &PersistenceError{Op: "set", Key: key, Err: err})
		}
	})
}

func (c *Cache) recordError(key string, err error) {
	c.mu.Lock()
	c.lastErrors[key] = err
	c.mu.Unlock()
	c.incrCounter("FetchError")
}

func (c *Cache) loadDurable(ctx context.Context, key string, now time.Time) (*CacheEntry, bool) {
	data, err := c.store.Get(ctx, durablePrefix+key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Printf("WARN: %v", &PersistenceError{Op: "get", Key: key, Err: err})
		}
		return nil, false
	}
	entry, err := decodeEntry(data)
	if err != nil {
		log.Printf("WARN: Invalid durable cache entry for key '%s', dropping it: %v", key, err)
		c.removeDurable(ctx, key)
		return nil, false
	}
	if entry.IsExpired(now) {
		return c.dropExpired(ctx, key, now)
	}
	return entry, true
}

// dropExpired removes key from both tiers under the key's write lock, unless a write
// that completed meanwhile left a live entry in memory. It returns that entry.
func (c *Cache) dropExpired(ctx context.Context, key string, now time.Time) (*CacheEntry, bool) {
	var live *CacheEntry
	c.writes.With(key, func() {
		c.mu.Lock()
		if current, ok := c.memory.Peek(key); ok && !current.IsExpired(now) {
			live = current
			c.mu.Unlock()
			return
		}
		c.memory.Remove(key)
		c.mu.Unlock()
		c.removeDurable(ctx, key)
	})
	return live, live != nil
}

func (c *Cache) removeDurable(ctx context.Context, key string) {
	if err := c.store.Remove(ctx, durablePrefix+key); err != nil && !errors.Is(err, ErrNotFound) {
		log.Printf("WARN: %v", &PersistenceError{Op: "remove", Key: key, Err: err})
	}
}

func (c *Cache) incrCounter(name string) {
	c.countersMu.Lock()
	defer c.countersMu.Unlock()
	c.counters[name]++
}

// GetCacheStats returns a snapshot of cache operation counters.
// Typical keys: "Hit", "Miss", "DurableHit", "Fetch", "FetchDeduped", "Evict".
func (c *Cache) GetCacheStats(ctx context.Context) CacheStats {
	c.countersMu.Lock()
	defer c.countersMu.Unlock()
	stats := make(map[string]int, len(c.counters))
	for k, v := range c.counters {
		stats[k] = v
	}
	return CacheStats{Counters: stats}
}

// Stats is GetCacheStats without a context.
func (c *Cache) Stats() CacheStats {
	return c.GetCacheStats(context.Background())
}

// Load is the typed form of Cache.Get.
func Load[T any](ctx context.Context, c *Cache, key string, fn func(ctx context.Context) (T, error), opts FetchOptions) (T, error) {
	var zero T
	if fn == nil {
		return zero, &ValidationError{Field: "fetch function", Reason: "must not be nil"}
	}
	v, err := c.Get(ctx, key, wrapFetch(fn), opts)
	if err != nil {
		return zero, err
	}
	return decodeValue[T](v)
}

func wrapFetch[T any](fn func(ctx context.Context) (T, error)) FetchFunc {
	return func(ctx context.Context) (any, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		return v, nil
	}
}
