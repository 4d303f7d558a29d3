package store

import (
	"context"
	"fmt"
	"time"

	"bar-backfill/internal/checkpoint"
	"bar-backfill/internal/model"
)

// Store is the idempotent bar sink plus the lookups the runner needs.
// Upsert ignores bars whose key already exists and returns how many rows were new.
type Store interface {
	Upsert(ctx context.Context, bars []model.Bar) (int, error)
	Oldest(ctx context.Context, pair model.Pair) (time.Time, bool, error)
	Latest(ctx context.Context, pair model.Pair) (time.Time, bool, error)
	Count(ctx context.Context, pair model.Pair) (int, error)
	SaveMarkets(ctx context.Context, markets []model.Market) (int, error)
	Instruments(ctx context.Context) ([]string, error)
	Close() error
}

// CheckpointBackend is implemented by stores that can also hold checkpoints.
type CheckpointBackend interface {
	Checkpoints() checkpoint.Store
}

// Error records which storage operation failed.
type Error struct {
	Op    string
	Table string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(op, table string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Table: table, Err: err}
}
