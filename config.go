package eventsync

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// --- Configuration ---

// envPrefix is prepended to every variable read by LoadConfigFromEnv.
const envPrefix = "EVENTSYNC_"

// Config holds process-wide settings for the sync core and its drivers.
// Component option structs (Options, upload.Options, messages.Options) are built from it
// by the caller; zero values there fall back to package defaults.
type Config struct {
	Cache    CacheConfig    `envPrefix:"CACHE_"`
	Store    StoreConfig    `envPrefix:"STORE_"`
	Upload   UploadConfig   `envPrefix:"UPLOAD_"`
	Messages MessagesConfig `envPrefix:"MESSAGES_"`

	BackendURL string `env:"BACKEND_URL" envDefault:"http://127.0.0.1:8080"`
	PushURL    string `env:"PUSH_URL"    envDefault:"ws://127.0.0.1:8080/realtime"`
	AuthToken  string `env:"AUTH_TOKEN"`
}

// CacheConfig configures the query cache.
type CacheConfig struct {
	MaxEntries     int           `env:"MAX_ENTRIES"     envDefault:"500"`
	StaleTime      time.Duration `env:"STALE_TIME"      envDefault:"0s"`
	CacheDuration  time.Duration `env:"CACHE_DURATION"  envDefault:"5m"`
	RetryCount     int           `env:"RETRY_COUNT"     envDefault:"3"`
	BaseDelay      time.Duration `env:"BASE_DELAY"      envDefault:"1s"`
	AttemptTimeout time.Duration `env:"ATTEMPT_TIMEOUT" envDefault:"30s"`
}

// StoreConfig selects and configures the durable tier.
type StoreConfig struct {
	Driver        string `env:"DRIVER"         envDefault:"sqlite"` // memory | sqlite | redis
	SQLiteDSN     string `env:"SQLITE_DSN"     envDefault:"eventsync.db"`
	RedisAddr     string `env:"REDIS_ADDR"     envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB"       envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX"   envDefault:"eventsync:"`
}

// UploadConfig configures the resumable upload manager and endpoint.
type UploadConfig struct {
	EndpointURL    string        `env:"ENDPOINT_URL"    envDefault:"http://127.0.0.1:8080/storage/v1/upload/resumable"`
	PublicBaseURL  string        `env:"PUBLIC_BASE_URL" envDefault:"http://127.0.0.1:8080/storage/v1/object/public"`
	ChunkSize      int64         `env:"CHUNK_SIZE"      envDefault:"6291456"`
	ChunkTimeout   time.Duration `env:"CHUNK_TIMEOUT"   envDefault:"60s"`
	CompletedGrace time.Duration `env:"COMPLETED_GRACE" envDefault:"5s"`
}

// MessagesConfig configures the conversation cache.
type MessagesConfig struct {
	PageSize      int           `env:"PAGE_SIZE"       envDefault:"30"`
	MaxMessages   int           `env:"MAX_MESSAGES"    envDefault:"500"`
	TTL           time.Duration `env:"TTL"             envDefault:"10m"`
	CurrentUserID string        `env:"CURRENT_USER_ID"`
}

// DefaultConfig returns the configuration used when no environment is set.
// It mirrors the envDefault tags above.
func DefaultConfig() Config {
	return Config{
		Cache: CacheConfig{
			MaxEntries:     500,
			CacheDuration:  5 * time.Minute,
			RetryCount:     3,
			BaseDelay:      time.Second,
			AttemptTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver:      "sqlite",
			SQLiteDSN:   "eventsync.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "eventsync:",
		},
		Upload: UploadConfig{
			EndpointURL:    "http://127.0.0.1:8080/storage/v1/upload/resumable",
			PublicBaseURL:  "http://127.0.0.1:8080/storage/v1/object/public",
			ChunkSize:      6 * 1024 * 1024,
			ChunkTimeout:   60 * time.Second,
			CompletedGrace: 5 * time.Second,
		},
		Messages: MessagesConfig{
			PageSize:    30,
			MaxMessages: 500,
			TTL:         10 * time.Minute,
		},
		BackendURL: "http://127.0.0.1:8080",
		PushURL:    "ws://127.0.0.1:8080/realtime",
	}
}

// LoadConfigFromEnv reads EVENTSYNC_* variables on top of the defaults.
func LoadConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// CacheOptions converts the cache section into Options for NewCache.
func (c Config) CacheOptions(store PersistentStore) Options {
	return Options{
		MaxEntries: c.Cache.MaxEntries,
		Store:      store,
		Defaults: FetchOptions{
			StaleTime:      c.Cache.StaleTime,
			CacheDuration:  c.Cache.CacheDuration,
			RetryCount:     c.Cache.RetryCount,
			BaseDelay:      c.Cache.BaseDelay,
			AttemptTimeout: c.Cache.AttemptTimeout,
		},
	}
}
