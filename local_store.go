package eventsync

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// localStore implements PersistentStore in memory using sync.Map.
// It is the fallback durable tier when no store is configured and the store used by tests.
type localStore struct {
	store      sync.Map // map[string][]byte
	counters   sync.Map // map[string]int, each counter is a separate key
	countersMu sync.Mutex
}

// Ensure localStore implements PersistentStore and StatsReporter.
var (
	_ PersistentStore = (*localStore)(nil)
	_ StatsReporter   = (*localStore)(nil)
)

// NewMemoryStore creates an empty in-process PersistentStore. Nothing survives a
// restart; use drivers/store/sqlite or drivers/store/redis for durability.
func NewMemoryStore() PersistentStore {
	return &localStore{}
}

func (m *localStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.incrCounter("Get")
	if v, ok := m.store.Load(key); ok {
		m.incrCounter("GetHit")
		b := v.([]byte)
		return append([]byte(nil), b...), nil
	}
	m.incrCounter("GetMiss")
	return nil, ErrNotFound
}

func (m *localStore) Set(ctx context.Context, key string, value []byte) error {
	m.incrCounter("Set")
	m.store.Store(key, append([]byte(nil), value...))
	return nil
}

func (m *localStore) Remove(ctx context.Context, key string) error {
	m.incrCounter("Remove")
	m.store.Delete(key)
	return nil
}

func (m *localStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.incrCounter("Keys")
	var keys []string
	m.store.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok && strings.HasPrefix(s, prefix) {
			keys = append(keys, s)
		}
		return true
	})
	sort.Strings(keys)
	return keys, nil
}

func (m *localStore) incrCounter(name string) {
	m.countersMu.Lock()
	defer m.countersMu.Unlock()
	val, _ := m.counters.LoadOrStore(name, 0)
	m.counters.Store(name, val.(int)+1)
}

func (m *localStore) GetCacheStats(ctx context.Context) CacheStats {
	cloned := make(map[string]int)
	m.counters.Range(func(key, value any) bool {
		k, ok1 := key.(string)
		v, ok2 := value.(int)
		if ok1 && ok2 {
			cloned[k] = v
		}
		return true
	})
	return CacheStats{Counters: cloned}
}
