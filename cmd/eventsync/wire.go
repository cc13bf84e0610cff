//go:build wireinject
// +build wireinject

package main

import (
	"context"

	"github.com/google/wire"

	"github.com/burugo/eventsync"
)

// initializeApp wires every component from cfg.
func initializeApp(ctx context.Context, cfg eventsync.Config) (*App, func(), error) {
	wire.Build(
		provideStore,
		provideCache,
		provideEndpoint,
		provideUploads,
		provideBackend,
		providePush,
		provideMessages,
		wire.Struct(new(App), "*"),
	)
	return nil, nil, nil
}
