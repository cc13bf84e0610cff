package eventsync

import (
	"context"
	"log"
	"sync"
	"time"
)

// QueryOptions configures a mounted Query.
type QueryOptions struct {
	FetchOptions
	// RefetchInterval, when set, forces a fetch on that period until Close.
	RefetchInterval time.Duration
	// Disabled mounts the query without fetching until SetEnabled(true).
	Disabled bool
}

// QueryState is what a consumer renders. Staleness is computed at read time.
type QueryState[T any] struct {
	Data       T
	HasData    bool
	IsLoading  bool // no data yet and a fetch is running
	IsFetching bool // a fetch is running, with or without data
	IsStale    bool
	Error      error // last failed fetch, reported next to any last-known-good Data
	UpdatedAt  time.Time
}

// Query is one consumer's handle on a cache key, the equivalent of a mounted
// component. Closing it stops its timers but never cancels a shared fetch.
type Query[T any] struct {
	cache *Cache
	key   string
	fn    FetchFunc
	opts  QueryOptions

	mu        sync.Mutex
	enabled   bool
	closed    bool
	nextID    int
	observers map[int]func(QueryState[T])

	unlisten func()
	stop     chan struct{}
	stopped  chan struct{}
}

// UseQuery mounts a query for key. When enabled, a missing or stale entry is
// fetched in the background immediately.
func UseQuery[T any](cache *Cache, key string, fn func(ctx context.Context) (T, error), opts QueryOptions) (*Query[T], error) {
	if cache == nil {
		return nil, &ValidationError{Field: "cache", Reason: "must not be nil"}
	}
	if fn == nil {
		return nil, &ValidationError{Field: "fetch function", Reason: "must not be nil"}
	}
	wrapped := wrapFetch(fn)
	if err := validateQuery(key, wrapped); err != nil {
		return nil, err
	}
	if opts.RefetchInterval < 0 {
		return nil, &ValidationError{Field: "RefetchInterval", Reason: "must not be negative"}
	}
	q := &Query[T]{
		cache:     cache,
		key:       key,
		fn:        wrapped,
		opts:      opts,
		enabled:   !opts.Disabled,
		observers: make(map[int]func(QueryState[T])),
	}
	q.unlisten = cache.Listen(key, func(CacheEvent) { q.notify() })
	if opts.RefetchInterval > 0 {
		q.stop = make(chan struct{})
		q.stopped = make(chan struct{})
		go q.refetchLoop(opts.RefetchInterval)
	}
	if q.enabled {
		q.revalidate()
	}
	return q, nil
}

// Key returns the query key.
func (q *Query[T]) Key() string { return q.key }

// State reads the current state. Reading a stale or missing entry schedules one
// background refetch; concurrent reads share it.
func (q *Query[T]) State() QueryState[T] {
	q.revalidate()
	return q.snapshot()
}

// Get returns the data, blocking only when nothing is cached yet. Stale data is
// returned immediately and revalidated in the background.
func (q *Query[T]) Get(ctx context.Context) (T, error) {
	v, err := q.cache.Get(ctx, q.key, q.fn, q.opts.FetchOptions)
	if err != nil {
		var zero T
		return zero, err
	}
	return decodeValue[T](v)
}

// Refetch fetches the key unconditionally and waits for the result.
func (q *Query[T]) Refetch(ctx context.Context) (T, error) {
	v, err := q.cache.Fetch(ctx, q.key, q.fn, q.opts.FetchOptions)
	if err != nil {
		var zero T
		return zero, err
	}
	return decodeValue[T](v)
}

// Invalidate drops the cached entry; the next read fetches again.
func (q *Query[T]) Invalidate(ctx context.Context) error {
	return q.cache.Invalidate(ctx, q.key)
}

// Subscribe registers fn to receive the state after every change to the key.
// fn receives a snapshot and must not block.
func (q *Query[T]) Subscribe(fn func(QueryState[T])) (unsubscribe func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	id := q.nextID
	q.observers[id] = fn
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.observers, id)
	}
}

// WaitIdle blocks until no fetch is running for the key.
func (q *Query[T]) WaitIdle(ctx context.Context) error {
	select {
	case <-q.cache.coordinator.waitIdle(q.key):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetEnabled toggles automatic fetching. Enabling revalidates immediately.
func (q *Query[T]) SetEnabled(enabled bool) {
	q.mu.Lock()
	changed := q.enabled != enabled && !q.closed
	q.enabled = enabled
	q.mu.Unlock()
	if changed && enabled {
		q.revalidate()
	}
}

// Close unmounts the query: the refetch timer stops and observers are dropped.
// A fetch already in flight keeps running for other consumers.
func (q *Query[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.observers = make(map[int]func(QueryState[T]))
	q.mu.Unlock()

	q.unlisten()
	if q.stop != nil {
		close(q.stop)
		<-q.stopped
	}
}

func (q *Query[T]) isActive() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enabled && !q.closed
}

// revalidate starts a background fetch when the entry is missing or stale.
func (q *Query[T]) revalidate() {
	if !q.isActive() {
		return
	}
	entry, ok := q.cache.Peek(context.Background(), q.key)
	if ok && !entry.IsStale(q.cache.now()) {
		return
	}
	q.cache.coordinator.Prefetch(q.key, q.fn, q.opts.FetchOptions)
}

func (q *Query[T]) snapshot() QueryState[T] {
	var state QueryState[T]
	state.IsFetching = q.cache.IsFetching(q.key)
	state.Error = q.cache.LastError(q.key)
	if entry, ok := q.cache.Peek(context.Background(), q.key); ok {
		data, err := decodeValue[T](entry.Value)
		if err != nil {
			log.Printf("WARN: Cached value for key '%s' could not be decoded: %v", q.key, err)
			state.Error = err
		} else {
			state.Data = data
			state.HasData = true
			state.IsStale = entry.IsStale(q.cache.now())
			state.UpdatedAt = entry.FetchedAt
		}
	}
	state.IsLoading = !state.HasData && state.IsFetching
	return state
}

func (q *Query[T]) notify() {
	q.mu.Lock()
	if q.closed || len(q.observers) == 0 {
		q.mu.Unlock()
		return
	}
	observers := make([]func(QueryState[T]), 0, len(q.observers))
	for _, fn := range q.observers {
		observers = append(observers, fn)
	}
	q.mu.Unlock()

	state := q.snapshot()
	for _, fn := range observers {
		fn(state)
	}
}

func (q *Query[T]) refetchLoop(interval time.Duration) {
	defer close(q.stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
			if q.isActive() {
				q.cache.coordinator.Prefetch(q.key, q.fn, q.opts.FetchOptions)
			}
		}
	}
}
