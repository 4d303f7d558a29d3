package crawl

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"bar-backfill/internal/backfill"
	"bar-backfill/internal/model"
	"bar-backfill/internal/provider/capital"
	"bar-backfill/internal/slogx"
)

const (
	DefaultWorkers   = 4
	DefaultHeartbeat = 30 * time.Second

	// ExitInterrupted is the conventional 128+SIGINT status.
	ExitInterrupted = 130
)

// RunFunc runs one pair to a terminal state, logging through log.
type RunFunc func(ctx context.Context, pair model.Pair, log *slog.Logger) backfill.Result

// Refresher re-authenticates the shared session after an auth failure.
// RefreshSince skips the login when another worker already refreshed past gen.
type Refresher interface {
	Generation() uint64
	RefreshSince(ctx context.Context, gen uint64) error
}

type Config struct {
	Workers   int
	Heartbeat time.Duration
	// ReportDir receives .lastrun.success.json / .lastrun.failed.json. Empty disables the report.
	ReportDir string
	Refresher Refresher
	// LogOutput receives the fanned-in worker log lines. Nil means stderr.
	LogOutput io.Writer
	LogLevel  slog.Level
}

// Summary is the outcome of one scheduler run.
type Summary struct {
	RunID       string
	Started     time.Time
	Finished    time.Time
	Total       int
	Results     []backfill.Result
	Exhausted   int
	Failed      int
	Interrupted int
	Skipped     int
	// NotStarted counts pairs left in the queue by a shutdown.
	NotStarted int
	Inserted   int
	Dropped    int
}

// ExitCode is 1 if any pair failed, 130 if the run was interrupted without
// failures and 0 otherwise.
func (s Summary) ExitCode() int {
	switch {
	case s.Failed > 0:
		return 1
	case s.Interrupted > 0 || s.NotStarted > 0:
		return ExitInterrupted
	default:
		return 0
	}
}

func (s *Summary) add(r backfill.Result) {
	s.Results = append(s.Results, r)
	s.Inserted += r.Inserted
	s.Dropped += r.Dropped
	switch {
	case r.Interrupted:
		s.Interrupted++
	case r.Failed():
		s.Failed++
	case r.Skipped:
		s.Skipped++
	default:
		s.Exhausted++
	}
}

// RunOnce runs every pair and writes the run report.
func RunOnce(ctx context.Context, pairs []model.Pair, run RunFunc, cfg Config) Summary {
	if len(pairs) == 0 {
		slog.Info("no pairs to backfill, skip")
		return Summary{RunID: uuid.NewString()}
	}
	slog.Info("pairs to backfill", "pairs", len(pairs), "workers", workers(cfg, len(pairs)))

	sum := RunParallel(ctx, pairs, run, cfg)
	if cfg.ReportDir != "" {
		if err := writeRunReport(cfg.ReportDir, sum); err != nil {
			slog.Warn("could not write run report", "error", err)
		} else {
			slog.Info("run report saved", "success", sum.Exhausted+sum.Skipped, "failed", sum.Failed)
		}
	}
	slog.Info("backfill done", "run_id", sum.RunID, "exhausted", sum.Exhausted, "failed", sum.Failed,
		"interrupted", sum.Interrupted, "not_started", sum.NotStarted, "inserted", sum.Inserted,
		"elapsed", sum.Finished.Sub(sum.Started).Round(time.Second))
	return sum
}

func workers(cfg Config, pairs int) int {
	n := cfg.Workers
	if n <= 0 {
		n = DefaultWorkers
	}
	if n > pairs {
		n = pairs
	}
	return n
}

func runResultCollector(results <-chan backfill.Result, mu *sync.Mutex, sum *Summary, logger *slog.Logger) {
	for r := range results {
		mu.Lock()
		sum.add(r)
		mu.Unlock()

		switch {
		case r.Interrupted:
			logger.Warn("pair interrupted", "pair", r.Pair, "inserted", r.Inserted, "requests", r.Requests)
		case r.Failed():
			logger.Error("pair failed", "pair", r.Pair, "inserted", r.Inserted, "requests", r.Requests, "error", r.Err)
		case r.Skipped:
			logger.Info("pair skipped", "pair", r.Pair)
		default:
			logger.Info("pair done", "pair", r.Pair, "state", r.State, "pages", r.Pages,
				"inserted", r.Inserted, "dropped", r.Dropped, "requests", r.Requests, "elapsed", r.Duration.Round(time.Millisecond))
		}
	}
}

// RunParallel runs pairs on a bounded pool of workers. Workers stop taking
// pairs once ctx is done; a pair in flight stops at its next page boundary.
func RunParallel(ctx context.Context, pairs []model.Pair, run RunFunc, cfg Config) Summary {
	sum := Summary{RunID: uuid.NewString(), Started: time.Now().UTC(), Total: len(pairs)}
	if len(pairs) == 0 {
		sum.Finished = sum.Started
		return sum
	}

	out := cfg.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logs := make(chan string, 2048)
	logger := slogx.NewChanLogger(logs, cfg.LogLevel).With("run_id", sum.RunID)
	var logWg sync.WaitGroup
	logWg.Add(1)
	go func() {
		defer logWg.Done()
		runLogWriter(out, logs)
	}()
	defer func() {
		close(logs)
		logWg.Wait()
	}()

	pending := make(chan model.Pair, len(pairs))
	for _, p := range pairs {
		pending <- p
	}
	close(pending)

	results := make(chan backfill.Result, len(pairs))
	var mu sync.Mutex
	var resWg sync.WaitGroup
	resWg.Add(1)
	go func() {
		defer resWg.Done()
		runResultCollector(results, &mu, &sum, logger)
	}()

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	interval := cfg.Heartbeat
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	go runHeartbeat(hbCtx, interval, &mu, &sum, logger)

	n := workers(cfg, len(pairs))
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(id int) {
			defer wg.Done()
			wlog := logger.With("worker", id)
			for {
				if ctx.Err() != nil {
					return
				}
				select {
				case <-ctx.Done():
					return
				case pair, ok := <-pending:
					if !ok {
						return
					}
					results <- runPair(ctx, pair, run, cfg.Refresher, wlog)
				}
			}
		}(i)
	}
	wg.Wait()
	close(results)
	resWg.Wait()
	stopHeartbeat()

	sum.NotStarted = sum.Total - len(sum.Results)
	sum.Finished = time.Now().UTC()
	sort.SliceStable(sum.Results, func(i, j int) bool { return sum.Results[i].Pair.String() < sum.Results[j].Pair.String() })

	logger.Info("summary", "pairs", sum.Total, "exhausted", sum.Exhausted, "failed", sum.Failed,
		"interrupted", sum.Interrupted, "skipped", sum.Skipped, "not_started", sum.NotStarted,
		"inserted", sum.Inserted, "dropped", sum.Dropped)
	if failed := failedEntries(sum); len(failed) > 0 {
		logger.Info("summary failed", "count", len(failed), "reasons", joinFailedReasons(failed))
	}
	return sum
}

// runPair runs pair once and, after an auth failure, refreshes the shared
// session and runs it one more time.
func runPair(ctx context.Context, pair model.Pair, run RunFunc, ref Refresher, log *slog.Logger) backfill.Result {
	var gen uint64
	if ref != nil {
		gen = ref.Generation()
	}
	res := run(ctx, pair, log)
	if ref == nil || !res.Failed() || !errors.Is(res.Err, capital.ErrAuth) {
		return res
	}

	log.Warn("session rejected, re-authenticating", "pair", pair, "error", res.Err)
	if err := ref.RefreshSince(ctx, gen); err != nil {
		log.Error("re-authentication failed", "pair", pair, "error", err)
		return res
	}
	retry := run(ctx, pair, log)
	retry.Requests += res.Requests
	retry.Pages += res.Pages
	retry.Seen += res.Seen
	retry.Inserted += res.Inserted
	retry.Dropped += res.Dropped
	retry.Duration += res.Duration
	return retry
}
