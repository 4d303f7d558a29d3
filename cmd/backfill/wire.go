//go:build wireinject
// +build wireinject

package main

import (
	"context"

	"github.com/google/wire"

	"bar-backfill/internal/app"
	"bar-backfill/internal/provider"
	"bar-backfill/internal/provider/capital"
)

// InitializeApp builds the App via Wire. The cleanup closes the store,
// the checkpoint backend and the client.
func InitializeApp(ctx context.Context) (*app.App, func(), error) {
	wire.Build(
		app.ProvideConfig,
		app.ProvideLogger,
		app.ProvideClock,
		app.ProvideRegistry,
		app.ProvideMetrics,
		app.ProvideStore,
		app.ProvideCheckpoints,
		app.ProvideCredentials,
		app.ProvideClient,
		wire.Bind(new(provider.DataProvider), new(*capital.Client)),
		app.ProvideArchiver,
		app.ProvideBackfiller,
		wire.Struct(new(app.App), "*"),
	)
	return nil, nil, nil
}
