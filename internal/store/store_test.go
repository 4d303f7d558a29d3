package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bar-backfill/internal/checkpoint"
	"bar-backfill/internal/model"
)

func bar(inst string, res model.Resolution, ts time.Time, closeBid float64) model.Bar {
	return model.Bar{
		InstrumentID: inst,
		Resolution:   res,
		Timestamp:    ts,
		OpenBid:      closeBid, OpenAsk: closeBid + 0.0002,
		HighBid: closeBid, HighAsk: closeBid + 0.0002,
		LowBid: closeBid, LowAsk: closeBid + 0.0002,
		CloseBid: closeBid, CloseAsk: closeBid + 0.0002,
		Volume: 42,
	}
}

type backend interface {
	Store
	CheckpointBackend
}

// exerciseStore runs the contract every backend must satisfy. inst keeps
// runs against a shared database apart.
func exerciseStore(t *testing.T, s backend, inst string) {
	t.Helper()
	ctx := context.Background()
	day := model.Pair{Instrument: inst, Resolution: model.Day}
	hour := model.Pair{Instrument: inst, Resolution: model.Hour}

	_, ok, err := s.Oldest(ctx, day)
	require.NoError(t, err)
	assert.False(t, ok, "empty store has no oldest bar")

	n, err := s.Upsert(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	t1 := time.Date(2021, 10, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2021, 10, 2, 0, 0, 0, 0, time.UTC)
	page := []model.Bar{bar(inst, model.Day, t2, 1.16), bar(inst, model.Day, t1, 1.15)}

	n, err = s.Upsert(ctx, page)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	t.Run("idempotent", func(t *testing.T) {
		n, err := s.Upsert(ctx, page)
		require.NoError(t, err)
		assert.Zero(t, n)
		count, err := s.Count(ctx, day)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("first write wins", func(t *testing.T) {
		n, err := s.Upsert(ctx, []model.Bar{bar(inst, model.Day, t1, 9.99)})
		require.NoError(t, err)
		assert.Zero(t, n)
		if mem, ok := s.(*Memory); ok {
			assert.Equal(t, 1.15, mem.Bars(day)[0].CloseBid)
		}
	})

	t.Run("partial overlap", func(t *testing.T) {
		t0 := t1.AddDate(0, 0, -1)
		n, err := s.Upsert(ctx, []model.Bar{bar(inst, model.Day, t0, 1.14), bar(inst, model.Day, t1, 1.15)})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("bounds", func(t *testing.T) {
		oldest, ok, err := s.Oldest(ctx, day)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, oldest.Equal(t1.AddDate(0, 0, -1)), "oldest %s", oldest)

		latest, ok, err := s.Latest(ctx, day)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, latest.Equal(t2), "latest %s", latest)
		assert.Equal(t, time.UTC, latest.Location())
	})

	t.Run("resolutions are separate keys", func(t *testing.T) {
		n, err := s.Upsert(ctx, []model.Bar{bar(inst, model.Hour, t1, 1.15)})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		count, err := s.Count(ctx, hour)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("markets", func(t *testing.T) {
		markets := []model.Market{
			{Epic: inst, Symbol: "EUR/USD", InstrumentType: "CURRENCIES", InstrumentName: "EUR/USD"},
			{Epic: inst + "_2", Symbol: "GOLD", InstrumentType: "COMMODITIES"},
		}
		n, err := s.SaveMarkets(ctx, markets)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		// A refresh replaces the catalogue.
		n, err = s.SaveMarkets(ctx, markets[:1])
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		got, err := s.Instruments(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{inst}, got)
	})

	t.Run("checkpoints", func(t *testing.T) {
		cps := s.Checkpoints()
		cp, err := cps.Load(ctx, hour)
		require.NoError(t, err)
		assert.Nil(t, cp)

		first := checkpoint.New(hour)
		require.NoError(t, cps.Save(ctx, first))
		got, err := cps.Load(ctx, hour)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Nil(t, got.Cursor)
		assert.Equal(t, checkpoint.InProgress, got.Status)

		cursor := time.Date(2021, 9, 30, 23, 59, 59, 0, time.UTC)
		next := first
		next.Cursor = &cursor
		next.PagesFetched = 2
		next.Status = checkpoint.Exhausted
		require.NoError(t, cps.Save(ctx, next))

		got, err = cps.Load(ctx, hour)
		require.NoError(t, err)
		require.NotNil(t, got.Cursor)
		assert.True(t, cursor.Equal(*got.Cursor))
		assert.Equal(t, 2, got.PagesFetched)
		assert.Equal(t, checkpoint.Exhausted, got.Status)
		assert.Equal(t, hour, got.Pair())
	})
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory(), "EUR_USD")
}

func TestMemoryBarsSorted(t *testing.T) {
	m := NewMemory()
	pair := model.Pair{Instrument: "GOLD", Resolution: model.Minute}
	base := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	_, err := m.Upsert(context.Background(), []model.Bar{
		bar("GOLD", model.Minute, base.Add(2*time.Minute), 3),
		bar("GOLD", model.Minute, base, 1),
		bar("GOLD", model.Minute, base.Add(time.Minute), 2),
	})
	require.NoError(t, err)

	got := m.Bars(pair)
	require.Len(t, got, 3)
	for i, b := range got {
		assert.Equal(t, float64(i+1), b.CloseBid)
	}
}

func TestSQLite(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "bars.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	exerciseStore(t, s, "EUR_USD")
}

func TestSQLiteReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bars.db")
	ctx := context.Background()
	pair := model.Pair{Instrument: "US500", Resolution: model.Minute15}
	ts := time.Date(2023, 3, 1, 14, 30, 0, 0, time.UTC)

	s, err := NewSQLite(path)
	require.NoError(t, err)
	n, err := s.Upsert(ctx, []model.Bar{bar("US500", model.Minute15, ts, 3950.5)})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, s.Close())

	s, err = NewSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	count, err := s.Count(ctx, pair)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	n, err = s.Upsert(ctx, []model.Bar{bar("US500", model.Minute15, ts, 3950.5)})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLiteCancelledContext(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "bars.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Upsert(ctx, []model.Bar{bar("X", model.Day, time.Now(), 1)})
	require.Error(t, err)
	var se *Error
	assert.True(t, errors.As(err, &se))
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("BACKFILL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BACKFILL_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := NewPostgres(ctx, dsn, 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	inst := "TEST_" + time.Now().Format("150405.000000")
	t.Cleanup(func() {
		_, _ = s.pool.Exec(ctx, `DELETE FROM bars WHERE epic = $1`, inst)
		_, _ = s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE epic = $1`, inst)
	})
	exerciseStore(t, s, inst)
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := wrap("insert", "bars", cause)
	assert.ErrorIs(t, err, cause)
	assert.EqualError(t, err, "store insert bars: disk full")
	assert.NoError(t, wrap("insert", "bars", nil))
}
