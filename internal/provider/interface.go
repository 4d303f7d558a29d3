package provider

import (
	"context"
	"time"

	"bar-backfill/internal/model"
	"bar-backfill/internal/provider/capital"
)

// DataProvider is the abstraction used by the application when accessing a bar source.
// Implementations own their pacing, retries and resource cleanup.
type DataProvider interface {
	GetName() string
	FetchPage(ctx context.Context, pair model.Pair, from, to time.Time) (model.BarPage, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)
	Close() error
}

var _ DataProvider = (*capital.Client)(nil)
