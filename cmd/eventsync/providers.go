package main

import (
	"context"
	"fmt"
	"log"

	"github.com/burugo/eventsync"
	"github.com/burugo/eventsync/drivers/push/websocket"
	"github.com/burugo/eventsync/drivers/store/redis"
	"github.com/burugo/eventsync/drivers/store/sqlite"
	"github.com/burugo/eventsync/drivers/upload/tus"
	"github.com/burugo/eventsync/messages"
	"github.com/burugo/eventsync/upload"
)

// App holds the components the commands work with.
type App struct {
	Config   eventsync.Config
	Store    eventsync.PersistentStore
	Cache    *eventsync.Cache
	Uploads  *upload.Manager
	Messages *messages.Store
}

// --- Providers ---

// provideStore opens the durable tier selected by the store driver.
func provideStore(ctx context.Context, cfg eventsync.Config) (eventsync.PersistentStore, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		return eventsync.NewMemoryStore(), func() {}, nil
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.Store.SQLiteDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Printf("Error closing SQLite store: %v", err)
			}
		}, nil
	case "redis":
		s, err := redis.New(nil, &redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
			Prefix:   cfg.Store.RedisPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Printf("Error closing Redis store: %v", err)
			}
		}, nil
	default:
		return nil, nil, &eventsync.ValidationError{Field: "store driver", Reason: fmt.Sprintf("unknown driver %q", cfg.Store.Driver)}
	}
}

func provideCache(cfg eventsync.Config, store eventsync.PersistentStore) (*eventsync.Cache, func(), error) {
	c, err := eventsync.NewCache(cfg.CacheOptions(store))
	if err != nil {
		return nil, nil, err
	}
	return c, func() { _ = c.Close() }, nil
}

func provideEndpoint(cfg eventsync.Config, store eventsync.PersistentStore) (upload.Endpoint, error) {
	return tus.New(tus.Options{
		EndpointURL:   cfg.Upload.EndpointURL,
		PublicBaseURL: cfg.Upload.PublicBaseURL,
		Store:         store,
	})
}

// provideUploads creates the upload manager and recovers tasks left by earlier runs.
func provideUploads(ctx context.Context, cfg eventsync.Config, store eventsync.PersistentStore, endpoint upload.Endpoint) (*upload.Manager, func(), error) {
	var tokens upload.TokenSource
	if cfg.AuthToken != "" {
		tokens = upload.StaticToken(cfg.AuthToken)
	}
	m, err := upload.New(store, endpoint, upload.Options{
		ChunkSize:      cfg.Upload.ChunkSize,
		ChunkTimeout:   cfg.Upload.ChunkTimeout,
		CompletedGrace: cfg.Upload.CompletedGrace,
		Tokens:         tokens,
	})
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := m.Close(); err != nil {
			log.Printf("Error closing upload manager: %v", err)
		}
	}
	if err := m.Start(ctx); err != nil {
		cleanup()
		return nil, nil, err
	}
	return m, cleanup, nil
}

func provideBackend(cfg eventsync.Config) (messages.Backend, error) {
	return messages.NewHTTPBackend(cfg.BackendURL, cfg.AuthToken, nil)
}

// providePush connects the push channel. Messaging works without it, so a failed
// dial is logged and nil is returned.
func providePush(ctx context.Context, cfg eventsync.Config) (eventsync.PushChannel, func()) {
	if cfg.PushURL == "" {
		return nil, func() {}
	}
	ch, err := websocket.Connect(ctx, websocket.Options{URL: cfg.PushURL, Token: cfg.AuthToken})
	if err != nil {
		log.Printf("WARN: Push channel unavailable, continuing without real-time updates: %v", err)
		return nil, func() {}
	}
	return ch, func() { _ = ch.Close() }
}

func provideMessages(cfg eventsync.Config, cache *eventsync.Cache, backend messages.Backend, push eventsync.PushChannel, uploads *upload.Manager) (*messages.Store, error) {
	return messages.New(cache, backend, push, uploads, messages.Options{
		PageSize:      cfg.Messages.PageSize,
		MaxMessages:   cfg.Messages.MaxMessages,
		TTL:           cfg.Messages.TTL,
		CurrentUserID: cfg.Messages.CurrentUserID,
	})
}
