// Package redis implements eventsync.PersistentStore on Redis strings.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/burugo/eventsync"
)

const scanBatch = 200

// Options holds configuration for the Redis store.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key, so several apps can share a database.
	Prefix string
}

// Store is a PersistentStore backed by Redis.
// The counters field tracks operation statistics for monitoring (thread-safe).
type Store struct {
	redisClient       *redis.Client
	prefix            string
	mu                sync.Mutex
	counters          map[string]int
	createdInternally bool // Close only closes clients the store created
}

// Ensure Store implements the store interfaces and io.Closer.
var (
	_ eventsync.PersistentStore = (*Store)(nil)
	_ eventsync.StatsReporter   = (*Store)(nil)
	_ io.Closer                 = (*Store)(nil)
)

// New creates a Redis store. If redisCli is not nil it is used directly; otherwise
// a client is created from opts and pinged.
func New(redisCli *redis.Client, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	rdb := redisCli
	createdInternally := false
	if rdb == nil {
		rdb = redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		})
		createdInternally = true

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
	}
	log.Println("Redis store initialized successfully.")
	return &Store{
		redisClient:       rdb,
		prefix:            opts.Prefix,
		counters:          make(map[string]int),
		createdInternally: createdInternally,
	}, nil
}

// Close implements io.Closer.
func (s *Store) Close() error {
	if s.createdInternally && s.redisClient != nil {
		return s.redisClient.Close()
	}
	return nil
}

func (s *Store) incrementCounter(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name]++
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.incrementCounter("Get")
	val, err := s.redisClient.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		s.incrementCounter("GetMiss")
		return nil, eventsync.ErrNotFound
	} else if err != nil {
		s.incrementCounter("GetError")
		return nil, &eventsync.PersistenceError{Op: "get", Key: key, Err: err}
	}
	s.incrementCounter("GetHit")
	return val, nil
}

// Set stores value without expiry; staleness is tracked inside the value.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	s.incrementCounter("Set")
	if err := s.redisClient.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		s.incrementCounter("SetError")
		return &eventsync.PersistenceError{Op: "set", Key: key, Err: err}
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	s.incrementCounter("Remove")
	err := s.redisClient.Del(ctx, s.prefix+key).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return &eventsync.PersistenceError{Op: "remove", Key: key, Err: err}
	}
	return nil
}

// Keys walks the keyspace with SCAN, so it never blocks the server.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.incrementCounter("Keys")
	pattern := escapeGlob(s.prefix+prefix) + "*"
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.redisClient.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, &eventsync.PersistenceError{Op: "keys", Key: prefix, Err: err}
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, s.prefix))
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(keys)
	// SCAN may return a key more than once.
	return compactSorted(keys), nil
}

// GetCacheStats returns a snapshot of the operation counters.
func (s *Store) GetCacheStats(ctx context.Context) eventsync.CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	counters := make(map[string]int, len(s.counters))
	for k, v := range s.counters {
		counters[k] = v
	}
	return eventsync.CacheStats{Counters: counters}
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

func compactSorted(keys []string) []string {
	out := keys[:0]
	for i, k := range keys {
		if i == 0 || k != keys[i-1] {
			out = append(out, k)
		}
	}
	return out
}
