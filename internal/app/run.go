package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"bar-backfill/internal/backfill"
	"bar-backfill/internal/crawl"
	"bar-backfill/internal/metrics"
	"bar-backfill/internal/model"
	"bar-backfill/internal/slogx"
)

// ExitInvalidInput is returned for a bad instrument or resolution list.
const ExitInvalidInput = 2

// Run serves /metrics (when configured) and runs the configured mode until it
// finishes or ctx is cancelled. It returns the process exit code.
func (a *App) Run(ctx context.Context) int {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if addr := a.Config.Metrics.Addr; addr != "" {
		g.Go(func() error {
			if err := metrics.Serve(gctx, addr, a.Registry); err != nil {
				a.Log.Error("metrics server stopped", "addr", addr, "error", err)
			}
			return nil
		})
	}

	code := 0
	g.Go(func() error {
		defer cancel()
		if err := a.login(gctx); err != nil {
			a.Log.Error("session login failed", "error", err)
			code = 1
			return nil
		}
		switch a.Config.Mode {
		case ModeUpdate:
			code = a.RunUpdate(gctx, nil, nil)
		case ModeDaemon:
			code = a.RunDaemon(gctx)
		default:
			code = a.RunBackfill(gctx, nil, nil)
		}
		return nil
	})
	_ = g.Wait()
	return code
}

func (a *App) login(ctx context.Context) error {
	if a.Credentials == nil || !a.Config.Provider.SessionLogin() {
		return nil
	}
	if err := a.Credentials.Refresh(ctx); err != nil {
		return err
	}
	a.Log.Info("session created")
	return nil
}

// RunBackfill walks every (instrument, resolution) pair back to the start of
// its history. Empty arguments fall back to the configured lists.
func (a *App) RunBackfill(ctx context.Context, instruments []string, resolutions []model.Resolution) int {
	pairs, code := a.pairs(ctx, instruments, resolutions)
	if code != 0 {
		return code
	}
	run := func(ctx context.Context, p model.Pair, log *slog.Logger) backfill.Result {
		return a.Backfiller.WithLogger(log).Run(ctx, p)
	}
	return crawl.RunOnce(ctx, pairs, run, a.crawlConfig()).ExitCode()
}

// RunUpdate fetches only the bars newer than what each pair has stored.
func (a *App) RunUpdate(ctx context.Context, instruments []string, resolutions []model.Resolution) int {
	pairs, code := a.pairs(ctx, instruments, resolutions)
	if code != 0 {
		return code
	}
	run := func(ctx context.Context, p model.Pair, log *slog.Logger) backfill.Result {
		return a.Backfiller.WithLogger(log).CatchUp(ctx, p)
	}
	return crawl.RunOnce(ctx, pairs, run, a.crawlConfig()).ExitCode()
}

// RunDaemon runs a full backfill, then a catch-up on every schedule tick until
// ctx is cancelled. A shutdown lets the running pairs stop at a page boundary.
func (a *App) RunDaemon(ctx context.Context) int {
	sched := a.Config.Schedule
	if code := a.RunBackfill(ctx, nil, nil); code != 0 && ctx.Err() == nil {
		a.Log.Warn("initial backfill finished with failures", "exit_code", code)
	}
	if ctx.Err() != nil {
		return 0
	}

	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{a.Log}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{a.Log})),
	)
	_, err := c.AddFunc(sched.Cron, func() {
		now := a.Clock.Now()
		if sched.SkipWeekends && isWeekend(now) {
			a.Log.Info("weekend, skip update", "day", now.Weekday())
			return
		}
		if code := a.RunUpdate(ctx, nil, nil); code != 0 && ctx.Err() == nil {
			a.Log.Warn("update finished with failures", "exit_code", code)
		}
	})
	if err != nil {
		a.Log.Error("invalid schedule", "cron", sched.Cron, "error", err)
		return ExitInvalidInput
	}

	c.Start()
	if entries := c.Entries(); len(entries) > 0 {
		a.Log.Info("done, wait until next run", "next_run", entries[0].Next.Format("2006-01-02 15:04"))
	}
	<-ctx.Done()
	a.Log.Info("received shutdown, waiting for running update")
	<-c.Stop().Done()
	return 0
}

func isWeekend(t time.Time) bool {
	d := t.UTC().Weekday()
	return d == time.Saturday || d == time.Sunday
}

// pairs resolves instruments and resolutions and crosses them. A non-zero code
// means the input was invalid and nothing should run.
func (a *App) pairs(ctx context.Context, instruments []string, resolutions []model.Resolution) ([]model.Pair, int) {
	if len(resolutions) == 0 {
		res, err := a.Config.ParsedResolutions()
		if err != nil {
			a.Log.Error("invalid resolutions", "error", err)
			return nil, ExitInvalidInput
		}
		resolutions = res
	}
	for _, r := range resolutions {
		if !r.Valid() {
			a.Log.Error("invalid resolution", "resolution", r)
			return nil, ExitInvalidInput
		}
	}

	if len(instruments) == 0 {
		var err error
		instruments, err = a.resolveInstruments(ctx)
		if err != nil {
			a.Log.Error("failed to get instruments", "error", err)
			if errors.Is(err, errNoInstruments) {
				return nil, ExitInvalidInput
			}
			return nil, 1
		}
	}
	pairs := model.BuildPairs(instruments, resolutions)
	if len(pairs) == 0 {
		a.Log.Error("no instruments to backfill")
		return nil, ExitInvalidInput
	}
	a.Log.Info("got instruments", "count", len(pairs)/len(resolutions), "resolutions", len(resolutions))
	return pairs, 0
}

var errNoInstruments = errors.New("no instruments configured and the market catalogue is empty")

// resolveInstruments uses, in order: the configured list, the instruments file,
// the stored market catalogue. The catalogue is downloaded when it is empty or
// provider.refresh_markets is set.
func (a *App) resolveInstruments(ctx context.Context) ([]string, error) {
	cfg := a.Config
	if len(cfg.Instruments) > 0 {
		return dedupeInstruments(cfg.Instruments), nil
	}
	if cfg.InstrumentsFile != "" {
		a.Log.Info("reading instruments from file")
		return LoadInstrumentsFromFile(cfg.InstrumentsFile)
	}

	if !cfg.Provider.RefreshMarkets {
		stored, err := a.Store.Instruments(ctx)
		if err != nil {
			return nil, err
		}
		if len(stored) > 0 {
			return stored, nil
		}
	}
	if err := a.refreshMarkets(ctx); err != nil {
		return nil, err
	}
	stored, err := a.Store.Instruments(ctx)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return nil, errNoInstruments
	}
	return stored, nil
}

func (a *App) refreshMarkets(ctx context.Context) error {
	markets, err := a.Provider.ListMarkets(ctx)
	if err != nil {
		return fmt.Errorf("list markets: %w", err)
	}
	n, err := a.Store.SaveMarkets(ctx, markets)
	if err != nil {
		return err
	}
	a.Log.Info("market catalogue refreshed", "markets", n)
	return nil
}

func (a *App) crawlConfig() crawl.Config {
	cfg := crawl.Config{
		Workers:   a.Config.Workers,
		ReportDir: a.Config.ReportDir(),
		LogOutput: os.Stderr,
		LogLevel:  slogx.Level(a.Log),
	}
	if a.Credentials != nil {
		cfg.Refresher = a.Credentials
	}
	return cfg
}

// cronLogger routes cron's scheduler messages to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
