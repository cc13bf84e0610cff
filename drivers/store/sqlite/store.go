// Package sqlite implements eventsync.PersistentStore on a SQLite key/value table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/burugo/eventsync"
)

const (
	defaultTable           = "eventsync_kv"
	defaultMaxOpenConns    = 1 // SQLite allows a single writer
	defaultConnMaxLifetime = 5 * time.Minute
)

// Store is a PersistentStore backed by one SQLite table.
type Store struct {
	db    *sqlx.DB
	table string

	mu       sync.Mutex
	counters map[string]int

	closeMx sync.Mutex
	closed  bool
}

// Ensure Store implements the store interfaces.
var (
	_ eventsync.PersistentStore = (*Store)(nil)
	_ eventsync.StatsReporter   = (*Store)(nil)
	_ io.Closer                 = (*Store)(nil)
)

type row struct {
	Key   string `db:"key"`
	Value []byte `db:"value"`
}

// Open connects to dsn and creates the key/value table if needed.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, &eventsync.ValidationError{Field: "dsn", Reason: "must not be empty"}
	}
	log.Printf("Initializing SQLite store with DSN: %s", dsn)
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sqlite database (%s): %w", dsn, err)
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)

	s := &Store{db: db, table: defaultTable, counters: make(map[string]int)}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Println("SQLite store initialized successfully.")
	return s, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.incrCounter("Get")
	var r row
	query := fmt.Sprintf(`SELECT "key", "value" FROM %q WHERE "key" = ?`, s.table)
	err := s.db.GetContext(ctx, &r, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		s.incrCounter("GetMiss")
		return nil, eventsync.ErrNotFound
	}
	if err != nil {
		s.incrCounter("GetError")
		return nil, &eventsync.PersistenceError{Op: "get", Key: key, Err: err}
	}
	s.incrCounter("GetHit")
	return r.Value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.incrCounter("Set")
	query := fmt.Sprintf(`INSERT INTO %q ("key", "value", "updated_at") VALUES (:key, :value, :updated_at)
ON CONFLICT("key") DO UPDATE SET "value" = excluded."value", "updated_at" = excluded."updated_at"`, s.table)
	_, err := s.db.NamedExecContext(ctx, query, map[string]any{
		"key":        key,
		"value":      value,
		"updated_at": time.Now().UnixMilli(),
	})
	if err != nil {
		s.incrCounter("SetError")
		return &eventsync.PersistenceError{Op: "set", Key: key, Err: err}
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.incrCounter("Remove")
	query := fmt.Sprintf(`DELETE FROM %q WHERE "key" = ?`, s.table)
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return &eventsync.PersistenceError{Op: "remove", Key: key, Err: err}
	}
	return nil
}

// Keys lists keys with the given prefix. LIKE wildcards in prefix match literally.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.incrCounter("Keys")
	query := fmt.Sprintf(`SELECT "key" FROM %q WHERE "key" LIKE ? ESCAPE '\' ORDER BY "key"`, s.table)
	var keys []string
	if err := s.db.SelectContext(ctx, &keys, query, escapeLike(prefix)+"%"); err != nil {
		return nil, &eventsync.PersistenceError{Op: "keys", Key: prefix, Err: err}
	}
	return keys, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.closeMx.Lock()
	defer s.closeMx.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) checkOpen() error {
	s.closeMx.Lock()
	defer s.closeMx.Unlock()
	if s.closed {
		return eventsync.ErrClosed
	}
	return nil
}

func (s *Store) incrCounter(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name]++
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

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
