package eventsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type profile struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestCache_DeduplicatesConcurrentFetches(t *testing.T) {
	c, _ := setupCache(t, Options{})
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "events", nil
	}

	const callers = 10
	var wg sync.WaitGroup
	results := make([]any, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Fetch(ctx, "events:list", fn, FetchOptions{})
		}(i)
	}

	require.Eventually(t, func() bool {
		return c.Stats().Counters["FetchDeduped"] == callers-1
	}, 2*time.Second, 5*time.Millisecond, "All callers should join the in-flight fetch")
	assert.True(t, c.IsFetching("events:list"))
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "Fetch function should run exactly once")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "events", results[i])
	}
	assert.False(t, c.IsFetching("events:list"))
}

func TestCache_DisableDedupeRunsSeparateFetches(t *testing.T) {
	c, _ := setupCache(t, Options{})
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return 1, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Fetch(ctx, "k", fn, FetchOptions{DisableDedupe: true})
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return c.coordinator.InFlight("k") == 3 }, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(3), calls.Load())
}

func TestCache_LaterCompletionWinsWithoutDedupe(t *testing.T) {
	store := NewMemoryStore()
	c, _ := setupCache(t, Options{Store: store})
	ctx := context.Background()
	opts := FetchOptions{DisableDedupe: true}

	releaseFirst := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctx, "k", func(ctx context.Context) (any, error) {
			<-releaseFirst
			return "first-started", nil
		}, opts)
		firstDone <- err
	}()
	require.Eventually(t, func() bool { return c.coordinator.InFlight("k") == 1 }, 2*time.Second, 5*time.Millisecond)

	v, err := c.Fetch(ctx, "k", func(ctx context.Context) (any, error) {
		return "second-started", nil
	}, opts)
	require.NoError(t, err)
	assert.Equal(t, "second-started", v)

	close(releaseFirst)
	require.NoError(t, <-firstDone)

	entry, ok := c.Peek(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "first-started", entry.Value, "The fetch that completed last owns the memory entry")

	data, err := store.Get(ctx, durablePrefix+"k")
	require.NoError(t, err)
	durable, err := decodeEntry(data)
	require.NoError(t, err)
	assert.JSONEq(t, `"first-started"`, string(durable.Value.(json.RawMessage)), "The durable tier follows completion order too")
}

func TestCache_ExpiryWaitsForConcurrentWrite(t *testing.T) {
	store := newGatedStore()
	c, clock := setupCache(t, Options{Store: store})
	ctx := context.Background()
	opts := FetchOptions{CacheDuration: time.Minute}

	require.NoError(t, c.SetData(ctx, "k", 1, opts))
	clock.Advance(2 * time.Minute)

	store.arm()
	peeked := make(chan bool, 1)
	go func() {
		_, ok := c.Peek(ctx, "k")
		peeked <- ok
	}()
	<-store.entered

	written := make(chan error, 1)
	go func() { written <- c.SetData(ctx, "k", 2, opts) }()
	select {
	case <-written:
		t.Fatal("A write for the key must wait while the expired entry is being removed")
	case <-time.After(50 * time.Millisecond):
	}
	close(store.release)
	assert.False(t, <-peeked, "Expired entry is reported as missing")
	require.NoError(t, <-written)

	_, err := store.Get(ctx, durablePrefix+"k")
	require.NoError(t, err, "The fresh durable entry must survive the expiry removal")
	entry, ok := c.Peek(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, 2, entry.Value)
}

func TestCache_StaleWhileRevalidate(t *testing.T) {
	c, clock := setupCache(t, Options{})
	ctx := context.Background()
	opts := FetchOptions{StaleTime: 30 * time.Second}

	var calls atomic.Int32
	gate := make(chan struct{})
	fn := func(ctx context.Context) (int, error) {
		n := calls.Add(1)
		if n == 2 {
			<-gate
		}
		return int(n), nil
	}

	v, err := Load(ctx, c, "feed", fn, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	clock.Advance(10 * time.Second)
	v, err = Load(ctx, c, "feed", fn, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, v, "Fresh entry should be served from cache")
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(21 * time.Second) // t0+31s
	for i := 0; i < 5; i++ {
		v, err = Load(ctx, c, "feed", fn, opts)
		require.NoError(t, err)
		assert.Equal(t, 1, v, "Stale entry should be served immediately")
	}
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, c.Stats().Counters["FetchDeduped"], "Concurrent stale reads should share one refetch")
	assert.Equal(t, int32(2), calls.Load())

	close(gate)
	waitIdle(t, c, "feed")
	entry, ok := c.Peek(ctx, "feed")
	require.True(t, ok)
	assert.Equal(t, 2, entry.Value)
	assert.False(t, entry.IsStale(clock.Now()))
}

func TestCache_ExpiredEntryIsEvictedOnRead(t *testing.T) {
	c, clock := setupCache(t, Options{})
	ctx := context.Background()

	require.NoError(t, c.SetData(ctx, "k", "v", FetchOptions{CacheDuration: time.Minute}))
	_, ok := c.Peek(ctx, "k")
	require.True(t, ok)

	clock.Advance(time.Minute)
	_, ok = c.Peek(ctx, "k")
	assert.False(t, ok, "Entry at ExpiresAt should not be served")
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 1, c.Stats().Counters["Expired"])

	_, err := c.store.Get(ctx, durablePrefix+"k")
	assert.ErrorIs(t, err, ErrNotFound, "Expired entry should be dropped from the durable tier")
}

func TestCache_LRUEvictsLeastRecentlyRead(t *testing.T) {
	c, _ := setupCache(t, Options{MaxEntries: 2})
	ctx := context.Background()

	for _, key := range []string{"a", "b"} {
		require.NoError(t, c.SetData(ctx, key, key, FetchOptions{StaleTime: time.Minute}))
	}
	_, ok := c.Peek(ctx, "a") // a becomes most recently read
	require.True(t, ok)
	require.NoError(t, c.SetData(ctx, "c", "c", FetchOptions{StaleTime: time.Minute}))

	c.mu.Lock()
	assert.True(t, c.memory.Contains("a"))
	assert.False(t, c.memory.Contains("b"), "Least recently read key should be evicted")
	assert.True(t, c.memory.Contains("c"))
	c.mu.Unlock()
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 1, c.Stats().Counters["Evict"])

	// The durable tier still has b and rehydrates memory on read.
	entry, ok := c.Peek(ctx, "b")
	require.True(t, ok)
	v, err := decodeValue[string](entry.Value)
	require.NoError(t, err)
	assert.Equal(t, "b", v)
	assert.Equal(t, 1, c.Stats().Counters["DurableHit"])
}

func TestCache_RehydratesFromDurableStore(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	ctx := context.Background()
	opts := FetchOptions{StaleTime: time.Hour, CacheDuration: 2 * time.Hour}

	first, err := NewCache(Options{Store: store, Now: clock.Now})
	require.NoError(t, err)
	_, err = Load(ctx, first, "profile:7", func(ctx context.Context) (profile, error) {
		return profile{ID: 7, Name: "Ada"}, nil
	}, opts)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewCache(Options{Store: store, Now: clock.Now})
	require.NoError(t, err)
	defer second.Close()

	got, err := Load(ctx, second, "profile:7", func(ctx context.Context) (profile, error) {
		t.Error("Fresh durable entry should not be refetched")
		return profile{}, nil
	}, opts)
	require.NoError(t, err)
	assert.Equal(t, profile{ID: 7, Name: "Ada"}, got)
	assert.Equal(t, 1, second.Len())
}

func TestCache_PersistenceFailureIsNotFatal(t *testing.T) {
	store := &failingStore{PersistentStore: NewMemoryStore(), failSet: true, failGet: true}
	c, _ := setupCache(t, Options{Store: store})
	ctx := context.Background()

	v, err := c.Fetch(ctx, "k", func(ctx context.Context) (any, error) { return "ok", nil }, FetchOptions{StaleTime: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	entry, ok := c.Peek(ctx, "k")
	require.True(t, ok, "Memory tier should keep the value when the store fails")
	assert.Equal(t, "ok", entry.Value)
	assert.Equal(t, 1, c.Stats().Counters["PersistError"])

	_, ok = c.Peek(ctx, "missing")
	assert.False(t, ok, "Store read failure should be treated as a miss")
}

func TestCache_RetriesWithBackoff(t *testing.T) {
	c, _ := setupCache(t, Options{})
	ctx := context.Background()

	var calls atomic.Int32
	v, err := c.Fetch(ctx, "k", func(ctx context.Context) (any, error) {
		if calls.Add(1) < 3 {
			return nil, &TransientNetworkError{Op: "list", Err: errors.New("connection reset")}
		}
		return "done", nil
	}, FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, c.Stats().Counters["FetchRetry"])
	assert.NoError(t, c.LastError("k"))
}

func TestCache_ExhaustedRetriesKeepExistingEntry(t *testing.T) {
	c, _ := setupCache(t, Options{})
	ctx := context.Background()
	require.NoError(t, c.SetData(ctx, "k", "old", FetchOptions{}))

	var calls atomic.Int32
	_, err := c.Fetch(ctx, "k", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, &TransientNetworkError{Op: "list", Err: errors.New("timeout")}
	}, FetchOptions{RetryCount: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, int32(2), calls.Load())
	assert.ErrorIs(t, c.LastError("k"), ErrTransient)

	entry, ok := c.Peek(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "old", entry.Value)
}

func TestCache_ValidationErrorFailsFast(t *testing.T) {
	c, _ := setupCache(t, Options{})
	var calls atomic.Int32
	_, err := c.Fetch(context.Background(), "k", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, &ValidationError{Field: "id", Reason: "unknown"}
	}, FetchOptions{})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, int32(1), calls.Load())

	_, err = c.Fetch(context.Background(), "  ", func(ctx context.Context) (any, error) { return nil, nil }, FetchOptions{})
	assert.ErrorIs(t, err, ErrValidation, "Empty key should be rejected")

	calls.Store(0)
	_, err = c.Fetch(context.Background(), "canceled", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, context.Canceled
	}, FetchOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load(), "Cancellation reported by the fetch function is not retried")
}

func TestCache_RefreshesAuthBeforeRetry(t *testing.T) {
	c, _ := setupCache(t, Options{})
	var refreshed atomic.Int32
	var calls atomic.Int32
	v, err := c.Fetch(context.Background(), "k", func(ctx context.Context) (any, error) {
		if calls.Add(1) == 1 {
			return nil, &AuthExpiredError{Op: "list", Status: 401}
		}
		return "ok", nil
	}, FetchOptions{RefreshAuth: func(ctx context.Context) error {
		refreshed.Add(1)
		return nil
	}})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(1), refreshed.Load())
}

func TestCache_AttemptTimeoutCountsAsAttempt(t *testing.T) {
	c, _ := setupCache(t, Options{})
	var calls atomic.Int32
	v, err := c.Fetch(context.Background(), "k", func(ctx context.Context) (any, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "ok", nil
	}, FetchOptions{AttemptTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_CancelledCallerDoesNotAbortSharedFetch(t *testing.T) {
	c, _ := setupCache(t, Options{})
	release := make(chan struct{})
	fn := func(ctx context.Context) (any, error) {
		<-release
		return "shared", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Fetch(ctx, "k", fn, FetchOptions{})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.IsFetching("k") }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(release)
	waitIdle(t, c, "k")
	entry, ok := c.Peek(context.Background(), "k")
	require.True(t, ok, "Fetch should still write the cache after its caller left")
	assert.Equal(t, "shared", entry.Value)
}

func TestCache_InvalidateAndPrefix(t *testing.T) {
	c, _ := setupCache(t, Options{})
	ctx := context.Background()
	for _, key := range []string{"conv:1:first", "conv:1:abc", "conv:2:first"} {
		require.NoError(t, c.SetData(ctx, key, key, FetchOptions{}))
	}

	var events []CacheEvent
	unlisten := c.Listen("conv:1:first", func(e CacheEvent) { events = append(events, e) })
	defer unlisten()

	require.NoError(t, c.InvalidatePrefix(ctx, "conv:1:"))
	_, ok := c.Peek(ctx, "conv:1:first")
	assert.False(t, ok)
	_, ok = c.Peek(ctx, "conv:1:abc")
	assert.False(t, ok)
	_, ok = c.Peek(ctx, "conv:2:first")
	assert.True(t, ok)

	keys, err := c.store.Keys(ctx, durablePrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{durablePrefix + "conv:2:first"}, keys)

	require.Len(t, events, 1)
	assert.Equal(t, EventTypeInvalidated, events[0].Type)
}

func TestCache_ListenAllSeesEveryKey(t *testing.T) {
	c, _ := setupCache(t, Options{})
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	unlisten := c.ListenAll(func(e CacheEvent) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(e.Type)+" "+e.Key)
	})

	require.NoError(t, c.SetData(ctx, "a", 1, FetchOptions{}))
	_, err := c.Fetch(ctx, "b", func(ctx context.Context) (any, error) { return 2, nil }, FetchOptions{})
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, "a"))
	unlisten()
	require.NoError(t, c.SetData(ctx, "c", 3, FetchOptions{}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Set a", "Fetched b", "Invalidated a"}, seen)
}

func TestCache_CloseAbortsInFlightFetch(t *testing.T) {
	c, err := NewCache(Options{})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Fetch(context.Background(), "k", func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, FetchOptions{})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.IsFetching("k") }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, <-errCh, ErrClosed)

	_, err = c.Fetch(context.Background(), "k", func(ctx context.Context) (any, error) { return 1, nil }, FetchOptions{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCache_PanickingFetchReleasesWaiters(t *testing.T) {
	c, _ := setupCache(t, Options{})
	_, err := c.Fetch(context.Background(), "k", func(ctx context.Context) (any, error) {
		panic("boom")
	}, FetchOptions{RetryCount: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestNewCacheEntry_ClampsDurations(t *testing.T) {
	now := time.Now()
	e := NewCacheEntry("v", now, time.Hour, time.Minute)
	assert.Equal(t, now.Add(time.Minute), e.StaleAfter)
	assert.Equal(t, e.StaleAfter, e.ExpiresAt)

	e = NewCacheEntry("v", now, -time.Second, time.Minute)
	assert.Equal(t, now, e.StaleAfter)
	assert.True(t, e.IsStale(now))
	assert.False(t, e.IsExpired(now))
	assert.True(t, e.IsExpired(now.Add(time.Minute)))
}
