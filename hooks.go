package eventsync

import (
	"sync"
)

// --- Event System ---

// CacheEventType defines the type of change applied to a cache key.
type CacheEventType string

// Cache lifecycle event types
const (
	EventTypeFetched     CacheEventType = "Fetched"     // a fetch settled successfully and was written
	EventTypeSet         CacheEventType = "Set"         // a value was written manually via SetData
	EventTypeFetchFailed CacheEventType = "FetchFailed" // a fetch exhausted its retries
	EventTypeInvalidated CacheEventType = "Invalidated" // the entry was removed by Invalidate
)

// CacheEvent describes one change to a key. Entry is nil for failures and invalidations.
type CacheEvent struct {
	Type  CacheEventType
	Key   string
	Entry *CacheEntry
	Err   error
}

// CacheListener is notified after a change is applied. Listeners run synchronously on
// the goroutine that applied the change and must not block.
type CacheListener func(event CacheEvent)

// listenerRegistry holds per-key and catch-all listeners for one Cache.
type listenerRegistry struct {
	mu     sync.RWMutex
	nextID int
	byKey  map[string]map[int]CacheListener
	all    map[int]CacheListener
}

func (r *listenerRegistry) add(key string, listener CacheListener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	if key == "" {
		if r.all == nil {
			r.all = make(map[int]CacheListener)
		}
		r.all[id] = listener
	} else {
		if r.byKey == nil {
			r.byKey = make(map[string]map[int]CacheListener)
		}
		if r.byKey[key] == nil {
			r.byKey[key] = make(map[int]CacheListener)
		}
		r.byKey[key][id] = listener
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if key == "" {
				delete(r.all, id)
				return
			}
			delete(r.byKey[key], id)
			if len(r.byKey[key]) == 0 {
				delete(r.byKey, key)
			}
		})
	}
}

// trigger executes every listener registered for event.Key plus the catch-all listeners.
func (r *listenerRegistry) trigger(event CacheEvent) {
	r.mu.RLock()
	listeners := make([]CacheListener, 0, len(r.byKey[event.Key])+len(r.all))
	for _, l := range r.byKey[event.Key] {
		listeners = append(listeners, l)
	}
	for _, l := range r.all {
		listeners = append(listeners, l)
	}
	r.mu.RUnlock()

	for _, l := range listeners {
		l(event)
	}
}

// Listen registers listener for changes to key. The returned function unregisters it.
func (c *Cache) Listen(key string, listener CacheListener) (unsubscribe func()) {
	return c.listeners.add(key, listener)
}

// ListenAll registers listener for changes to every key.
func (c *Cache) ListenAll(listener CacheListener) (unsubscribe func()) {
	return c.listeners.add("", listener)
}
