package eventsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// FetchFunc loads the value for a query key from the remote endpoint.
// It must honor ctx, which carries the per-attempt timeout.
type FetchFunc func(ctx context.Context) (any, error)

// FetchOptions controls one fetch. Zero fields fall back to the cache defaults.
type FetchOptions struct {
	// StaleTime is how long a fetched value counts as fresh. Negative means always stale.
	StaleTime time.Duration
	// CacheDuration is how long a fetched value may be served at all.
	CacheDuration time.Duration
	// RetryCount is the total number of attempts (default 3).
	RetryCount int
	// BaseDelay is multiplied by the attempt number between attempts (default 1s).
	BaseDelay time.Duration
	// AttemptTimeout bounds each attempt separately (default 30s).
	AttemptTimeout time.Duration
	// DisableDedupe runs a separate fetch even when one is in flight for the key.
	DisableDedupe bool
	// RefreshAuth is called before retrying an attempt that failed with ErrAuthExpired.
	RefreshAuth func(ctx context.Context) error
}

const (
	defaultRetryCount     = 3
	defaultBaseDelay      = time.Second
	defaultAttemptTimeout = 30 * time.Second
	defaultCacheDuration  = 5 * time.Minute
)

// withDefaults fills zero fields of o from base, then from package defaults.
func (o FetchOptions) withDefaults(base FetchOptions) FetchOptions {
	if o.StaleTime == 0 {
		o.StaleTime = base.StaleTime
	}
	if o.CacheDuration == 0 {
		o.CacheDuration = base.CacheDuration
	}
	if o.CacheDuration <= 0 {
		o.CacheDuration = defaultCacheDuration
	}
	if o.RetryCount <= 0 {
		o.RetryCount = base.RetryCount
	}
	if o.RetryCount <= 0 {
		o.RetryCount = defaultRetryCount
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = base.BaseDelay
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultBaseDelay
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = base.AttemptTimeout
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = defaultAttemptTimeout
	}
	if o.RefreshAuth == nil {
		o.RefreshAuth = base.RefreshAuth
	}
	return o
}

// pendingFetch is the shared future for one in-flight fetch.
type pendingFetch struct {
	done  chan struct{}
	value any
	err   error
}

// RequestCoordinator collapses concurrent fetches of the same key into one call,
// retries failed attempts with linear backoff and writes results through the cache.
type RequestCoordinator struct {
	cache *Cache

	mu      sync.Mutex
	pending map[string]*pendingFetch   // at most one deduplicated fetch per key
	active  map[string]int             // running fetches per key, deduplicated or not
	idle    map[string][]chan struct{} // closed when active[key] drops to zero
}

func newRequestCoordinator(c *Cache) *RequestCoordinator {
	return &RequestCoordinator{
		cache:   c,
		pending: make(map[string]*pendingFetch),
		active:  make(map[string]int),
		idle:    make(map[string][]chan struct{}),
	}
}

// Fetch returns the value for key, joining an in-flight fetch when one exists.
// Cancelling ctx only stops this caller from waiting; the fetch keeps running for
// the other waiters and still updates the cache.
func (rc *RequestCoordinator) Fetch(ctx context.Context, key string, fn FetchFunc, opts FetchOptions) (any, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if err := validateQuery(key, fn); err != nil {
		return nil, err
	}
	p := rc.start(key, fn, opts)
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Prefetch starts (or joins) a fetch for key without waiting for it.
func (rc *RequestCoordinator) Prefetch(key string, fn FetchFunc, opts FetchOptions) {
	if err := validateQuery(key, fn); err != nil {
		log.Printf("WARN: Prefetch skipped: %v", err)
		return
	}
	rc.start(key, fn, opts)
}

// InFlight returns the number of fetches currently running for key.
func (rc *RequestCoordinator) InFlight(key string) int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.active[key]
}

// waitIdle returns a channel that is closed once no fetch runs for key.
func (rc *RequestCoordinator) waitIdle(key string) <-chan struct{} {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	ch := make(chan struct{})
	if rc.active[key] == 0 {
		close(ch)
		return ch
	}
	rc.idle[key] = append(rc.idle[key], ch)
	return ch
}

func (rc *RequestCoordinator) start(key string, fn FetchFunc, opts FetchOptions) *pendingFetch {
	opts = opts.withDefaults(rc.cache.opts.Defaults)

	rc.mu.Lock()
	if !opts.DisableDedupe {
		if p, ok := rc.pending[key]; ok {
			rc.mu.Unlock()
			rc.cache.incrCounter("FetchDeduped")
			return p
		}
	}
	p := &pendingFetch{done: make(chan struct{})}
	if rc.cache.isClosed() {
		rc.mu.Unlock()
		p.err = ErrClosed
		close(p.done)
		return p
	}
	if !opts.DisableDedupe {
		rc.pending[key] = p
	}
	rc.active[key]++
	rc.cache.wg.Add(1)
	rc.mu.Unlock()

	rc.cache.incrCounter("Fetch")
	go rc.run(key, p, fn, opts)
	return p
}

func (rc *RequestCoordinator) run(key string, p *pendingFetch, fn FetchFunc, opts FetchOptions) {
	defer rc.cache.wg.Done()

	value, err := rc.attempt(key, fn, opts)

	// Write before leaving the registry so a reader never sees neither the
	// in-flight fetch nor its result.
	var event CacheEvent
	if err == nil {
		entry := NewCacheEntry(value, rc.cache.now(), opts.StaleTime, opts.CacheDuration)
		rc.cache.storeEntry(key, entry)
		event = CacheEvent{Type: EventTypeFetched, Key: key, Entry: entry}
	} else {
		rc.cache.recordError(key, err)
		event = CacheEvent{Type: EventTypeFetchFailed, Key: key, Err: err}
	}

	rc.mu.Lock()
	if rc.pending[key] == p {
		delete(rc.pending, key)
	}
	rc.active[key]--
	var waiters []chan struct{}
	if rc.active[key] <= 0 {
		delete(rc.active, key)
		waiters = rc.idle[key]
		delete(rc.idle, key)
	}
	rc.mu.Unlock()

	// Observers hear about the result before any waiter resumes.
	rc.cache.listeners.trigger(event)
	p.value, p.err = value, err
	close(p.done)
	for _, ch := range waiters {
		close(ch)
	}
}

// attempt runs fn up to opts.RetryCount times, waiting BaseDelay*attempt between tries.
func (rc *RequestCoordinator) attempt(key string, fn FetchFunc, opts FetchOptions) (any, error) {
	base := rc.cache.ctx
	var lastErr error
	for attempt := 1; attempt <= opts.RetryCount; attempt++ {
		actx, cancel := context.WithTimeout(base, opts.AttemptTimeout)
		value, err := safeCall(actx, fn)
		cancel()
		if err == nil {
			if attempt > 1 {
				log.Printf("DEBUG: Fetch for key '%s' succeeded on attempt %d", key, attempt)
			}
			return value, nil
		}
		lastErr = err
		if base.Err() != nil {
			return nil, fmt.Errorf("fetch '%s' aborted: %w", key, ErrClosed)
		}
		if !IsRetryable(err) {
			return nil, err
		}
		if attempt == opts.RetryCount {
			break
		}
		log.Printf("WARN: Fetch for key '%s' failed (attempt %d/%d): %v", key, attempt, opts.RetryCount, err)
		rc.cache.incrCounter("FetchRetry")
		if errors.Is(err, ErrAuthExpired) && opts.RefreshAuth != nil {
			if refreshErr := opts.RefreshAuth(base); refreshErr != nil {
				log.Printf("WARN: Credential refresh before retrying '%s' failed: %v", key, refreshErr)
			}
		}
		if waitErr := waitWithContext(base, opts.BaseDelay*time.Duration(attempt)); waitErr != nil {
			return nil, fmt.Errorf("fetch '%s' aborted: %w", key, ErrClosed)
		}
	}
	log.Printf("ERROR: Fetch for key '%s' failed after %d attempts: %v", key, opts.RetryCount, lastErr)
	return nil, lastErr
}

// safeCall invokes fn and converts a panic into an error so waiters are always released.
func safeCall(ctx context.Context, fn FetchFunc) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func validateQuery(key string, fn FetchFunc) error {
	if strings.TrimSpace(key) == "" {
		return &ValidationError{Field: "key", Reason: "must not be empty"}
	}
	if fn == nil {
		return &ValidationError{Field: "fetch function", Reason: "must not be nil"}
	}
	return nil
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
