package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bar-backfill/internal/backfill"
	"bar-backfill/internal/checkpoint"
	"bar-backfill/internal/clock"
	"bar-backfill/internal/model"
	"bar-backfill/internal/provider/capital"
	"bar-backfill/internal/store"
)

var testNow = time.Date(2021, 10, 3, 0, 0, 0, 0, time.UTC)

const twoDays = `{"prices":[
	{"snapshotTime":"2021/10/01 00:00:00","snapshotTimeUTC":"2021-10-01T00:00:00","openPrice":{"bid":1.1580,"ask":1.1582},"highPrice":{"bid":1.1620,"ask":1.1622},"lowPrice":{"bid":1.1560,"ask":1.1562},"closePrice":{"bid":1.1595,"ask":1.1597},"lastTradedVolume":91234},
	{"snapshotTime":"2021/10/02 00:00:00","snapshotTimeUTC":"2021-10-02T00:00:00","openPrice":{"bid":1.1595,"ask":1.1597},"highPrice":{"bid":1.1600,"ask":1.1602},"lowPrice":{"bid":1.1590,"ask":1.1592},"closePrice":{"bid":1.1598,"ask":1.1600},"lastTradedVolume":1200}
]}`

// fakeCapital serves two daily bars per epic on the first request, then 404.
// Epics listed in reject answer 400.
type fakeCapital struct {
	mu      sync.Mutex
	served  map[string]int
	markets string
	reject  map[string]bool
}

func (f *fakeCapital) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.URL.Path == "/markets" {
		_, _ = io.WriteString(w, f.markets)
		return
	}
	epic := strings.TrimPrefix(r.URL.Path, "/prices/")
	if f.reject[epic] {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.served[r.URL.Path]++
	if f.served[r.URL.Path] > 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	_, _ = io.WriteString(w, twoDays)
}

func newTestApp(t *testing.T, fc *fakeCapital) (*App, *store.Memory) {
	t.Helper()
	if fc.served == nil {
		fc.served = make(map[string]int)
	}
	srv := httptest.NewServer(fc)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.Provider.APIKey = "key"
	cfg.Provider.BaseURL = srv.URL
	cfg.DataDir = t.TempDir()
	cfg.Store.Driver = "memory"
	require.NoError(t, cfg.Validate())

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewFake(testNow)
	creds := capital.NewCredentials(cfg.Provider.APIKey, nil)
	client, err := capital.NewClient(creds, capital.Options{
		BaseURL:       srv.URL,
		RatePerSecond: -1,
		Clock:         clk,
		Logger:        log,
		Retry:         capital.RetryPolicy{MaxRetries: 1, MaxRateLimitRetries: 1, Delay: time.Second},
	})
	require.NoError(t, err)

	st := store.NewMemory()
	bf := backfill.New(client, st, checkpoint.NewMemory(), backfill.Options{Clock: clk, Logger: log})
	return &App{
		Config:      cfg,
		Log:         log,
		Store:       st,
		Provider:    client,
		Credentials: creds,
		Backfiller:  bf,
		Clock:       clk,
	}, st
}

func TestRunBackfillExplicitInstruments(t *testing.T) {
	a, st := newTestApp(t, &fakeCapital{})
	code := a.RunBackfill(context.Background(), []string{"EURUSD", "GOLD"}, []model.Resolution{model.Day})
	assert.Equal(t, 0, code)

	for _, epic := range []string{"EURUSD", "GOLD"} {
		assert.Len(t, st.Bars(model.Pair{Instrument: epic, Resolution: model.Day}), 2, epic)
	}
	_, err := os.Stat(filepath.Join(a.Config.DataDir, ".lastrun.success.json"))
	assert.NoError(t, err)
}

func TestRunBackfillDownloadsCatalogue(t *testing.T) {
	fc := &fakeCapital{markets: `{"markets":[{"epic":"US500"},{"epic":"GOLD"},{"epic":"US500"}]}`}
	a, st := newTestApp(t, fc)
	code := a.RunBackfill(context.Background(), nil, nil)
	assert.Equal(t, 0, code)

	inst, err := st.Instruments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"US500", "GOLD"}, inst)
	assert.Len(t, st.Bars(model.Pair{Instrument: "GOLD", Resolution: model.Day}), 2)
}

func TestRunBackfillEmptyCatalogueIsInvalid(t *testing.T) {
	a, _ := newTestApp(t, &fakeCapital{markets: `{"markets":[]}`})
	assert.Equal(t, ExitInvalidInput, a.RunBackfill(context.Background(), nil, nil))
}

func TestRunBackfillInvalidResolution(t *testing.T) {
	a, _ := newTestApp(t, &fakeCapital{})
	code := a.RunBackfill(context.Background(), []string{"EURUSD"}, []model.Resolution{"WEEK"})
	assert.Equal(t, ExitInvalidInput, code)
}

func TestRunBackfillFailedPair(t *testing.T) {
	a, st := newTestApp(t, &fakeCapital{reject: map[string]bool{"GOLD": true}})
	code := a.RunBackfill(context.Background(), []string{"EURUSD", "GOLD"}, []model.Resolution{model.Day})
	assert.Equal(t, 1, code)
	assert.Len(t, st.Bars(model.Pair{Instrument: "EURUSD", Resolution: model.Day}), 2)

	_, err := os.Stat(filepath.Join(a.Config.DataDir, ".lastrun.failed.json"))
	assert.NoError(t, err)
}

func TestRunBackfillInstrumentsFile(t *testing.T) {
	a, st := newTestApp(t, &fakeCapital{})
	path := filepath.Join(t.TempDir(), "instruments.txt")
	require.NoError(t, os.WriteFile(path, []byte("# majors\nEURUSD\n"), 0644))
	a.Config.InstrumentsFile = path

	assert.Equal(t, 0, a.RunBackfill(context.Background(), nil, nil))
	assert.Len(t, st.Bars(model.Pair{Instrument: "EURUSD", Resolution: model.Day}), 2)
}

func TestRunUpdateCatchesUp(t *testing.T) {
	a, st := newTestApp(t, &fakeCapital{})
	pair := model.Pair{Instrument: "EURUSD", Resolution: model.Day}
	_, err := st.Upsert(context.Background(), []model.Bar{{
		InstrumentID: "EURUSD", Resolution: model.Day,
		Timestamp: time.Date(2021, 10, 1, 0, 0, 0, 0, time.UTC),
	}})
	require.NoError(t, err)

	a.Config.Instruments = []string{"EURUSD", "GOLD"}
	assert.Equal(t, 0, a.RunUpdate(context.Background(), nil, nil))

	assert.Len(t, st.Bars(pair), 2)
	assert.Empty(t, st.Bars(model.Pair{Instrument: "GOLD", Resolution: model.Day}), "nothing stored, nothing to catch up")
}

func TestRunDispatchesMode(t *testing.T) {
	a, st := newTestApp(t, &fakeCapital{})
	a.Config.Mode = ModeOnce
	a.Config.Instruments = []string{"GOLD"}
	assert.Equal(t, 0, a.Run(context.Background()))
	assert.Len(t, st.Bars(model.Pair{Instrument: "GOLD", Resolution: model.Day}), 2)
}

func TestRunDaemonStopsOnCancel(t *testing.T) {
	a, st := newTestApp(t, &fakeCapital{})
	a.Config.Instruments = []string{"GOLD"}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() { done <- a.RunDaemon(ctx) }()

	require.Eventually(t, func() bool {
		return len(st.Bars(model.Pair{Instrument: "GOLD", Resolution: model.Day})) == 2
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case code := <-done:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestIsWeekend(t *testing.T) {
	assert.True(t, isWeekend(time.Date(2021, 10, 2, 12, 0, 0, 0, time.UTC)))
	assert.True(t, isWeekend(time.Date(2021, 10, 3, 0, 30, 0, 0, time.UTC)))
	assert.False(t, isWeekend(time.Date(2021, 10, 4, 0, 30, 0, 0, time.UTC)))
}
