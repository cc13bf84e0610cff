// interfaces.go
// Boundary interfaces for eventsync: PersistentStore, PushChannel and the stats types.
// Drivers under drivers/ implement them; the core only depends on these.

package eventsync

import (
	"context"
	"encoding/json"
)

// PersistentStore is the durable key/value tier shared by the query cache and the
// upload queue. Get returns ErrNotFound for a missing key. Every method may fail;
// callers log failures and treat them as misses.
type PersistentStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	// Keys lists the stored keys starting with prefix ("" lists everything).
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// StatsReporter is implemented by stores and caches that count their operations.
type StatsReporter interface {
	GetCacheStats(ctx context.Context) CacheStats
}

// CacheStats holds operation counters for monitoring.
type CacheStats struct {
	Counters map[string]int // Operation name to count
}

// PushEventType is the kind of change carried by a PushEvent.
type PushEventType string

const (
	PushEventCreated PushEventType = "created"
	PushEventUpdated PushEventType = "updated"
	PushEventDeleted PushEventType = "deleted"
)

// PushEvent is one real-time notification. Delivery is at-least-once, so consumers
// must tolerate duplicates.
type PushEvent struct {
	Topic   string          `json:"topic"`
	Type    PushEventType   `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// PushChannel delivers real-time events for a topic until the returned
// unsubscribe function is called.
type PushChannel interface {
	Subscribe(topic string, onEvent func(PushEvent)) (unsubscribe func(), err error)
}
