package eventsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// CacheEntry is one cached query value with its freshness window.
// Invariant: FetchedAt <= StaleAfter <= ExpiresAt.
type CacheEntry struct {
	Value      any
	FetchedAt  time.Time
	StaleAfter time.Time
	ExpiresAt  time.Time
}

// NewCacheEntry builds an entry fetched at now. Negative durations are treated as
// zero and staleTime is clamped to cacheDuration so the invariant always holds.
func NewCacheEntry(value any, now time.Time, staleTime, cacheDuration time.Duration) *CacheEntry {
	if cacheDuration < 0 {
		cacheDuration = 0
	}
	if staleTime < 0 {
		staleTime = 0
	}
	if staleTime > cacheDuration {
		staleTime = cacheDuration
	}
	return &CacheEntry{
		Value:      value,
		FetchedAt:  now,
		StaleAfter: now.Add(staleTime),
		ExpiresAt:  now.Add(cacheDuration),
	}
}

// IsStale reports whether the entry should be revalidated when read at now.
func (e *CacheEntry) IsStale(now time.Time) bool {
	return !now.Before(e.StaleAfter)
}

// IsExpired reports whether the entry must no longer be served at now.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// storedEntry is the durable encoding of a CacheEntry. The value stays raw JSON
// until a typed reader decodes it.
type storedEntry struct {
	Value      json.RawMessage `json:"value"`
	FetchedAt  time.Time       `json:"fetchedAt"`
	StaleAfter time.Time       `json:"staleAfter"`
	ExpiresAt  time.Time       `json:"expiresAt"`
}

func encodeEntry(e *CacheEntry) ([]byte, error) {
	raw, err := json.Marshal(e.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return json.Marshal(storedEntry{
		Value:      raw,
		FetchedAt:  e.FetchedAt,
		StaleAfter: e.StaleAfter,
		ExpiresAt:  e.ExpiresAt,
	})
}

func decodeEntry(data []byte) (*CacheEntry, error) {
	var s storedEntry
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	return &CacheEntry{
		Value:      s.Value,
		FetchedAt:  s.FetchedAt,
		StaleAfter: s.StaleAfter,
		ExpiresAt:  s.ExpiresAt,
	}, nil
}

// decodeValue converts a cached value to T. Values fetched in this process are
// already T; values rehydrated from the durable tier arrive as json.RawMessage.
func decodeValue[T any](v any) (T, error) {
	var zero T
	switch val := v.(type) {
	case T:
		return val, nil
	case json.RawMessage:
		var out T
		if err := json.Unmarshal(val, &out); err != nil {
			return zero, fmt.Errorf("failed to decode cached value into %T: %w", zero, err)
		}
		return out, nil
	case nil:
		return zero, nil
	default:
		return zero, fmt.Errorf("cached value has type %T, want %T", v, zero)
	}
}
