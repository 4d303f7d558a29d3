package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"bar-backfill/internal/checkpoint"
	"bar-backfill/internal/model"
)

// SQLite persists bars, markets and checkpoints in one SQLite file.
// Timestamps are stored as unix seconds (UTC).
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and runs migrations.
func NewSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; workers queue on the pool instead of hitting SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("sqlite store opened", "path", path)
	return s, nil
}

func (s *SQLite) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bars (
			epic       TEXT    NOT NULL,
			resolution TEXT    NOT NULL,
			ts         INTEGER NOT NULL,
			open_bid   REAL    NOT NULL,
			open_ask   REAL    NOT NULL,
			high_bid   REAL    NOT NULL,
			high_ask   REAL    NOT NULL,
			low_bid    REAL    NOT NULL,
			low_ask    REAL    NOT NULL,
			close_bid  REAL    NOT NULL,
			close_ask  REAL    NOT NULL,
			volume     INTEGER NOT NULL,
			PRIMARY KEY (epic, resolution, ts)
		) WITHOUT ROWID`,

		`CREATE TABLE IF NOT EXISTS markets (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			epic            TEXT NOT NULL,
			symbol          TEXT,
			instrument_type TEXT,
			instrument_name TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_markets_epic ON markets(epic)`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			epic          TEXT    NOT NULL,
			resolution    TEXT    NOT NULL,
			cursor        INTEGER,
			pages_fetched INTEGER NOT NULL DEFAULT 0,
			status        TEXT    NOT NULL,
			updated_at    INTEGER NOT NULL,
			last_error    TEXT    NOT NULL DEFAULT '',
			PRIMARY KEY (epic, resolution)
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) Upsert(ctx context.Context, bars []model.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap("begin", "bars", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO bars
		(epic, resolution, ts, open_bid, open_ask, high_bid, high_ask, low_bid, low_ask, close_bid, close_ask, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(epic, resolution, ts) DO NOTHING`)
	if err != nil {
		return 0, wrap("prepare", "bars", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, b := range bars {
		res, err := stmt.ExecContext(ctx,
			b.InstrumentID, string(b.Resolution), b.Timestamp.Unix(),
			b.OpenBid, b.OpenAsk, b.HighBid, b.HighAsk, b.LowBid, b.LowAsk, b.CloseBid, b.CloseAsk,
			b.Volume)
		if err != nil {
			return 0, wrap("insert", "bars", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, wrap("insert", "bars", err)
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, wrap("commit", "bars", err)
	}
	return inserted, nil
}

func (s *SQLite) bound(ctx context.Context, agg string, pair model.Pair) (time.Time, bool, error) {
	var ts sql.NullInt64
	q := fmt.Sprintf(`SELECT %s(ts) FROM bars WHERE epic = ? AND resolution = ?`, agg)
	if err := s.db.QueryRowContext(ctx, q, pair.Instrument, string(pair.Resolution)).Scan(&ts); err != nil {
		return time.Time{}, false, wrap("select", "bars", err)
	}
	if !ts.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), true, nil
}

func (s *SQLite) Oldest(ctx context.Context, pair model.Pair) (time.Time, bool, error) {
	return s.bound(ctx, "MIN", pair)
}

func (s *SQLite) Latest(ctx context.Context, pair model.Pair) (time.Time, bool, error) {
	return s.bound(ctx, "MAX", pair)
}

func (s *SQLite) Count(ctx context.Context, pair model.Pair) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bars WHERE epic = ? AND resolution = ?`,
		pair.Instrument, string(pair.Resolution)).Scan(&n)
	return n, wrap("count", "bars", err)
}

// SaveMarkets replaces the catalogue in one transaction.
func (s *SQLite) SaveMarkets(ctx context.Context, markets []model.Market) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap("begin", "markets", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM markets`); err != nil {
		return 0, wrap("truncate", "markets", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO markets (epic, symbol, instrument_type, instrument_name) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, wrap("prepare", "markets", err)
	}
	defer stmt.Close()
	for _, m := range markets {
		if _, err := stmt.ExecContext(ctx, m.Epic, m.Symbol, m.InstrumentType, m.InstrumentName); err != nil {
			return 0, wrap("insert", "markets", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, wrap("commit", "markets", err)
	}
	return len(markets), nil
}

func (s *SQLite) Instruments(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT epic FROM markets ORDER BY id`)
	if err != nil {
		return nil, wrap("select", "markets", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var epic string
		if err := rows.Scan(&epic); err != nil {
			return nil, wrap("scan", "markets", err)
		}
		out = append(out, epic)
	}
	return out, wrap("select", "markets", rows.Err())
}

func (s *SQLite) Checkpoints() checkpoint.Store { return sqliteCheckpoints{db: s.db} }

func (s *SQLite) Close() error { return s.db.Close() }

type sqliteCheckpoints struct {
	db *sql.DB
}

func (c sqliteCheckpoints) Load(ctx context.Context, pair model.Pair) (*checkpoint.Checkpoint, error) {
	var (
		cursor    sql.NullInt64
		pages     int
		status    string
		updatedAt int64
		lastError string
	)
	err := c.db.QueryRowContext(ctx, `SELECT cursor, pages_fetched, status, updated_at, last_error
		FROM checkpoints WHERE epic = ? AND resolution = ?`, pair.Instrument, string(pair.Resolution)).
		Scan(&cursor, &pages, &status, &updatedAt, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("select", "checkpoints", err)
	}
	cp := &checkpoint.Checkpoint{
		Instrument:   pair.Instrument,
		Resolution:   pair.Resolution,
		PagesFetched: pages,
		Status:       checkpoint.Status(status),
		UpdatedAt:    time.Unix(updatedAt, 0).UTC(),
		LastError:    lastError,
	}
	if cursor.Valid {
		t := time.Unix(cursor.Int64, 0).UTC()
		cp.Cursor = &t
	}
	return cp, nil
}

func (c sqliteCheckpoints) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	var cursor sql.NullInt64
	if cp.Cursor != nil {
		cursor = sql.NullInt64{Int64: cp.Cursor.Unix(), Valid: true}
	}
	updated := cp.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := c.db.ExecContext(ctx, `INSERT INTO checkpoints
		(epic, resolution, cursor, pages_fetched, status, updated_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(epic, resolution) DO UPDATE SET
			cursor = excluded.cursor,
			pages_fetched = excluded.pages_fetched,
			status = excluded.status,
			updated_at = excluded.updated_at,
			last_error = excluded.last_error`,
		cp.Instrument, string(cp.Resolution), cursor, cp.PagesFetched, string(cp.Status), updated.Unix(), cp.LastError)
	return wrap("upsert", "checkpoints", err)
}
