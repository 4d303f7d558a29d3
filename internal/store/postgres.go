package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bar-backfill/internal/checkpoint"
	"bar-backfill/internal/model"
)

var barColumns = []string{
	"epic", "resolution", "snapshot_time_utc",
	"open_bid", "open_ask", "high_bid", "high_ask", "low_bid", "low_ask", "close_bid", "close_ask",
	"volume",
}

// Postgres stores bars in a Postgres database through a pgx pool.
// Pages are COPYed into a per-transaction stage table and merged with
// ON CONFLICT DO NOTHING, so a page is either fully applied or not at all.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, dsn string, maxConns int) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("postgres store opened", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bars (
			epic              TEXT             NOT NULL,
			resolution        TEXT             NOT NULL,
			snapshot_time_utc TIMESTAMPTZ      NOT NULL,
			open_bid          DOUBLE PRECISION NOT NULL,
			open_ask          DOUBLE PRECISION NOT NULL,
			high_bid          DOUBLE PRECISION NOT NULL,
			high_ask          DOUBLE PRECISION NOT NULL,
			low_bid           DOUBLE PRECISION NOT NULL,
			low_ask           DOUBLE PRECISION NOT NULL,
			close_bid         DOUBLE PRECISION NOT NULL,
			close_ask         DOUBLE PRECISION NOT NULL,
			volume            BIGINT           NOT NULL,
			PRIMARY KEY (epic, resolution, snapshot_time_utc)
		)`,

		`CREATE TABLE IF NOT EXISTS markets (
			id              BIGSERIAL PRIMARY KEY,
			epic            TEXT NOT NULL,
			symbol          TEXT,
			instrument_type TEXT,
			instrument_name TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_markets_epic ON markets(epic)`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			epic          TEXT        NOT NULL,
			resolution    TEXT        NOT NULL,
			cursor        TIMESTAMPTZ,
			pages_fetched INTEGER     NOT NULL DEFAULT 0,
			status        TEXT        NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL,
			last_error    TEXT        NOT NULL DEFAULT '',
			PRIMARY KEY (epic, resolution)
		)`,
	}
	for _, q := range stmts {
		if _, err := p.pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) Upsert(ctx context.Context, bars []model.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, wrap("begin", "bars", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `CREATE TEMP TABLE bars_stage (LIKE bars INCLUDING DEFAULTS) ON COMMIT DROP`); err != nil {
		return 0, wrap("stage", "bars", err)
	}
	_, err = tx.CopyFrom(ctx, pgx.Identifier{"bars_stage"}, barColumns,
		pgx.CopyFromSlice(len(bars), func(i int) ([]any, error) {
			b := bars[i]
			return []any{
				b.InstrumentID, string(b.Resolution), b.Timestamp.UTC(),
				b.OpenBid, b.OpenAsk, b.HighBid, b.HighAsk, b.LowBid, b.LowAsk, b.CloseBid, b.CloseAsk,
				b.Volume,
			}, nil
		}))
	if err != nil {
		return 0, wrap("copy", "bars", err)
	}
	tag, err := tx.Exec(ctx, `INSERT INTO bars SELECT DISTINCT ON (epic, resolution, snapshot_time_utc) * FROM bars_stage
		ON CONFLICT (epic, resolution, snapshot_time_utc) DO NOTHING`)
	if err != nil {
		return 0, wrap("merge", "bars", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, wrap("commit", "bars", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) bound(ctx context.Context, agg string, pair model.Pair) (time.Time, bool, error) {
	var ts *time.Time
	q := fmt.Sprintf(`SELECT %s(snapshot_time_utc) FROM bars WHERE epic = $1 AND resolution = $2`, agg)
	if err := p.pool.QueryRow(ctx, q, pair.Instrument, string(pair.Resolution)).Scan(&ts); err != nil {
		return time.Time{}, false, wrap("select", "bars", err)
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return ts.UTC(), true, nil
}

func (p *Postgres) Oldest(ctx context.Context, pair model.Pair) (time.Time, bool, error) {
	return p.bound(ctx, "MIN", pair)
}

func (p *Postgres) Latest(ctx context.Context, pair model.Pair) (time.Time, bool, error) {
	return p.bound(ctx, "MAX", pair)
}

func (p *Postgres) Count(ctx context.Context, pair model.Pair) (int, error) {
	var n int64
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM bars WHERE epic = $1 AND resolution = $2`,
		pair.Instrument, string(pair.Resolution)).Scan(&n)
	return int(n), wrap("count", "bars", err)
}

func (p *Postgres) SaveMarkets(ctx context.Context, markets []model.Market) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, wrap("begin", "markets", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `TRUNCATE markets RESTART IDENTITY`); err != nil {
		return 0, wrap("truncate", "markets", err)
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"markets"},
		[]string{"epic", "symbol", "instrument_type", "instrument_name"},
		pgx.CopyFromSlice(len(markets), func(i int) ([]any, error) {
			m := markets[i]
			return []any{m.Epic, m.Symbol, m.InstrumentType, m.InstrumentName}, nil
		}))
	if err != nil {
		return 0, wrap("copy", "markets", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, wrap("commit", "markets", err)
	}
	return int(n), nil
}

func (p *Postgres) Instruments(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT epic FROM markets ORDER BY id`)
	if err != nil {
		return nil, wrap("select", "markets", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return out, wrap("select", "markets", err)
}

func (p *Postgres) Checkpoints() checkpoint.Store { return pgCheckpoints{pool: p.pool} }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

type pgCheckpoints struct {
	pool *pgxpool.Pool
}

func (c pgCheckpoints) Load(ctx context.Context, pair model.Pair) (*checkpoint.Checkpoint, error) {
	cp := &checkpoint.Checkpoint{Instrument: pair.Instrument, Resolution: pair.Resolution}
	var (
		cursor *time.Time
		status string
	)
	err := c.pool.QueryRow(ctx, `SELECT cursor, pages_fetched, status, updated_at, last_error
		FROM checkpoints WHERE epic = $1 AND resolution = $2`, pair.Instrument, string(pair.Resolution)).
		Scan(&cursor, &cp.PagesFetched, &status, &cp.UpdatedAt, &cp.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("select", "checkpoints", err)
	}
	cp.Status = checkpoint.Status(status)
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	if cursor != nil {
		t := cursor.UTC()
		cp.Cursor = &t
	}
	return cp, nil
}

func (c pgCheckpoints) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	updated := cp.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := c.pool.Exec(ctx, `INSERT INTO checkpoints
		(epic, resolution, cursor, pages_fetched, status, updated_at, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (epic, resolution) DO UPDATE SET
			cursor = EXCLUDED.cursor,
			pages_fetched = EXCLUDED.pages_fetched,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at,
			last_error = EXCLUDED.last_error`,
		cp.Instrument, string(cp.Resolution), cp.Cursor, cp.PagesFetched, string(cp.Status), updated.UTC(), cp.LastError)
	return wrap("upsert", "checkpoints", err)
}
