package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bar-backfill/internal/checkpoint"
	"bar-backfill/internal/clock"
	"bar-backfill/internal/metrics"
	"bar-backfill/internal/model"
)

// DefaultFloor is the oldest cursor a walk may reach before it is considered done.
var DefaultFloor = time.Date(1950, 1, 1, 0, 0, 0, 0, time.UTC)

// Source fetches one page of bars in [from, to].
type Source interface {
	FetchPage(ctx context.Context, pair model.Pair, from, to time.Time) (model.BarPage, error)
}

// Sink stores bars idempotently and answers where stored history begins and ends.
type Sink interface {
	Upsert(ctx context.Context, bars []model.Bar) (int, error)
	Oldest(ctx context.Context, pair model.Pair) (time.Time, bool, error)
	Latest(ctx context.Context, pair model.Pair) (time.Time, bool, error)
}

// PageArchiver receives every stored page. Archive failures are logged, not fatal.
type PageArchiver interface {
	Archive(ctx context.Context, pair model.Pair, from, to time.Time, bars []model.Bar) error
}

type Options struct {
	// Floor stops the walk once the cursor drops below it. Zero means DefaultFloor.
	Floor time.Time
	// ResumeFromStore starts a pair without a checkpoint just below its oldest stored bar.
	ResumeFromStore bool
	// Reset restarts pairs whose checkpoint is EXHAUSTED.
	Reset    bool
	Archiver PageArchiver
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Result is the outcome of one Run or CatchUp for a pair.
type Result struct {
	Pair        model.Pair
	State       checkpoint.Status
	Requests    int
	Pages       int
	Seen        int
	Inserted    int
	Dropped     int
	Cursor      *time.Time
	Err         error
	Interrupted bool
	// Skipped is set by CatchUp for pairs with no stored bars.
	Skipped  bool
	Duration time.Duration
}

func (r Result) Failed() bool { return r.State == checkpoint.Failed && !r.Interrupted }

// Backfiller walks one pair's history backward from the newest bar to the
// oldest the provider has, one page at a time. Each page is stored before
// the checkpoint advances past it, so a crash repeats at most one page.
type Backfiller struct {
	source      Source
	sink        Sink
	checkpoints checkpoint.Store
	opts        Options
	clock       clock.Clock
	log         *slog.Logger
}

func New(source Source, sink Sink, checkpoints checkpoint.Store, opts Options) *Backfiller {
	if opts.Floor.IsZero() {
		opts.Floor = DefaultFloor
	}
	b := &Backfiller{
		source:      source,
		sink:        sink,
		checkpoints: checkpoints,
		opts:        opts,
		clock:       opts.Clock,
		log:         opts.Logger,
	}
	if b.clock == nil {
		b.clock = clock.Real()
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	return b
}

// WithLogger returns a copy of b logging to l. The scheduler uses it to route
// worker output through its fan-in logger.
func (b *Backfiller) WithLogger(l *slog.Logger) *Backfiller {
	c := *b
	c.log = l
	return &c
}

// walk is the state shared by Run and CatchUp.
type walk struct {
	pair        model.Pair
	cp          checkpoint.Checkpoint
	floor       time.Time
	checkpoints checkpoint.Store
}

// Run backfills pair until its history is exhausted, a request fails or ctx
// is cancelled.
func (b *Backfiller) Run(ctx context.Context, pair model.Pair) (res Result) {
	started := b.clock.Now()
	res = Result{Pair: pair}
	defer func() { res.Duration = b.clock.Now().Sub(started) }()

	if !pair.Resolution.Valid() {
		res.State = checkpoint.Failed
		res.Err = fmt.Errorf("pair %s: unknown resolution", pair)
		return b.finish(res)
	}

	existing, err := b.checkpoints.Load(ctx, pair)
	if err != nil {
		if cancelled(ctx, err) {
			res.State = checkpoint.InProgress
			res.Interrupted = true
			return b.finish(res)
		}
		res.State = checkpoint.Failed
		res.Err = fmt.Errorf("load checkpoint %s: %w", pair, err)
		return b.finish(res)
	}

	var cp checkpoint.Checkpoint
	switch {
	case existing == nil:
		cp = checkpoint.New(pair)
		if b.opts.ResumeFromStore {
			oldest, ok, err := b.sink.Oldest(ctx, pair)
			if err != nil {
				res.State = checkpoint.Failed
				res.Err = fmt.Errorf("oldest stored bar %s: %w", pair, err)
				return b.finish(res)
			}
			if ok {
				c := oldest.Add(-time.Second)
				cp.Cursor = &c
				b.log.Info("resume from stored data", "pair", pair, "cursor", c.Format(time.RFC3339))
			}
		}
		cp.UpdatedAt = b.clock.Now()
		if err := b.checkpoints.Save(context.WithoutCancel(ctx), cp); err != nil {
			res.State = checkpoint.Failed
			res.Err = fmt.Errorf("save checkpoint %s: %w", pair, err)
			return b.finish(res)
		}
	case existing.Status == checkpoint.Exhausted && !b.opts.Reset:
		res.State = checkpoint.Exhausted
		res.Cursor = existing.Cursor
		b.log.Debug("already exhausted", "pair", pair)
		return b.finish(res)
	case existing.Status == checkpoint.Exhausted:
		cp = checkpoint.New(pair)
		b.log.Info("reset exhausted checkpoint", "pair", pair)
	default:
		cp = *existing
		if cp.Cursor != nil {
			b.log.Info("resume from checkpoint", "pair", pair, "cursor", cp.Cursor.Format(time.RFC3339),
				"pages_fetched", cp.PagesFetched, "status", cp.Status)
		}
	}

	return b.finish(b.walk(ctx, &walk{pair: pair, cp: cp, floor: b.opts.Floor, checkpoints: b.checkpoints}, res))
}

// CatchUp fetches the bars newer than the newest stored bar of pair. It walks
// from now down to that bar and never touches the pair's checkpoint.
func (b *Backfiller) CatchUp(ctx context.Context, pair model.Pair) (res Result) {
	started := b.clock.Now()
	res = Result{Pair: pair}
	defer func() { res.Duration = b.clock.Now().Sub(started) }()

	if !pair.Resolution.Valid() {
		res.State = checkpoint.Failed
		res.Err = fmt.Errorf("pair %s: unknown resolution", pair)
		return b.finish(res)
	}
	latest, ok, err := b.sink.Latest(ctx, pair)
	if err != nil {
		res.State = checkpoint.Failed
		res.Err = fmt.Errorf("latest stored bar %s: %w", pair, err)
		return b.finish(res)
	}
	if !ok {
		res.State = checkpoint.Exhausted
		res.Skipped = true
		b.log.Debug("catch-up skipped, nothing stored", "pair", pair)
		return b.finish(res)
	}
	return b.finish(b.walk(ctx, &walk{pair: pair, cp: checkpoint.New(pair), floor: latest, checkpoints: checkpoint.Discard{}}, res))
}

func (b *Backfiller) walk(ctx context.Context, w *walk, res Result) Result {
	pair := w.pair
	window := pair.Resolution.Window()

	for {
		if ctx.Err() != nil {
			return interrupt(w, res)
		}

		cursor := b.clock.Now().UTC().Truncate(time.Second)
		if w.cp.Cursor != nil {
			cursor = *w.cp.Cursor
		}
		if cursor.Before(w.floor) {
			return b.exhaust(ctx, w, res, "below floor")
		}
		from := cursor.Add(-window)
		if from.Before(w.floor) {
			from = w.floor
		}

		res.Requests++
		page, err := b.source.FetchPage(ctx, pair, from, cursor)
		if err != nil {
			if cancelled(ctx, err) {
				return interrupt(w, res)
			}
			return b.fail(ctx, w, res, fmt.Errorf("fetch %s [%s, %s]: %w", pair,
				from.Format(time.RFC3339), cursor.Format(time.RFC3339), err))
		}

		res.Seen += page.Seen
		if page.Empty() {
			return b.exhaust(ctx, w, res, "empty page")
		}

		for i := range page.Dropped {
			b.log.Warn("bar dropped", "pair", pair, "error", &page.Dropped[i])
		}
		res.Dropped += len(page.Dropped)

		inserted, err := b.sink.Upsert(ctx, page.Bars)
		if err != nil {
			if cancelled(ctx, err) {
				return interrupt(w, res)
			}
			return b.fail(ctx, w, res, fmt.Errorf("store %s: %w", pair, err))
		}
		res.Pages++
		res.Inserted += inserted
		b.opts.Metrics.Page(pair.Resolution.String(), inserted, len(page.Bars)-inserted, len(page.Dropped))
		b.log.Debug("page stored", "pair", pair, "from", from.Format(time.RFC3339), "to", cursor.Format(time.RFC3339),
			"seen", page.Seen, "inserted", inserted, "dropped", len(page.Dropped))

		if b.opts.Archiver != nil && len(page.Bars) > 0 {
			if err := b.opts.Archiver.Archive(ctx, pair, from, cursor, page.Bars); err != nil {
				b.log.Warn("archive page failed", "pair", pair, "error", err)
			}
		}

		// Every sample of a non-empty page may have had an unreadable timestamp.
		if page.Earliest.IsZero() {
			return b.exhaust(ctx, w, res, "no readable timestamps")
		}
		next := page.Earliest.Add(-time.Second)
		if !next.Before(cursor) {
			b.log.Warn("provider returned no earlier bars, stopping", "pair", pair,
				"cursor", cursor.Format(time.RFC3339), "earliest", page.Earliest.Format(time.RFC3339))
			return b.exhaust(ctx, w, res, "loop guard")
		}
		if next.Before(w.floor) {
			return b.exhaust(ctx, w, res, "reached floor")
		}

		w.cp.Cursor = &next
		w.cp.PagesFetched++
		w.cp.Status = checkpoint.InProgress
		w.cp.LastError = ""
		w.cp.UpdatedAt = b.clock.Now()
		// The page is already stored; its checkpoint must land even during shutdown.
		if err := w.checkpoints.Save(context.WithoutCancel(ctx), w.cp); err != nil {
			return b.fail(ctx, w, res, fmt.Errorf("save checkpoint %s: %w", pair, err))
		}
	}
}

// interrupt leaves the checkpoint at its last saved value.
func interrupt(w *walk, res Result) Result {
	res.Interrupted = true
	res.State = w.cp.Status
	res.Cursor = w.cp.Cursor
	return res
}

func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}

// exhaust marks the pair done. The cursor stays at the last advanced value.
func (b *Backfiller) exhaust(ctx context.Context, w *walk, res Result, reason string) Result {
	w.cp.Status = checkpoint.Exhausted
	w.cp.LastError = ""
	w.cp.UpdatedAt = b.clock.Now()
	res.State = checkpoint.Exhausted
	res.Cursor = w.cp.Cursor
	if err := w.checkpoints.Save(context.WithoutCancel(ctx), w.cp); err != nil {
		res.State = checkpoint.Failed
		res.Err = fmt.Errorf("save checkpoint %s: %w", w.pair, err)
		return res
	}
	b.log.Debug("pair exhausted", "pair", w.pair, "reason", reason)
	return res
}

// fail records err on the checkpoint without moving its cursor.
func (b *Backfiller) fail(ctx context.Context, w *walk, res Result, err error) Result {
	w.cp.Status = checkpoint.Failed
	w.cp.LastError = err.Error()
	w.cp.UpdatedAt = b.clock.Now()
	res.State = checkpoint.Failed
	res.Err = err
	res.Cursor = w.cp.Cursor
	if serr := w.checkpoints.Save(context.WithoutCancel(ctx), w.cp); serr != nil {
		b.log.Error("could not record failure on checkpoint", "pair", w.pair, "error", serr)
	}
	return res
}

func (b *Backfiller) finish(res Result) Result {
	state := string(res.State)
	if res.Interrupted {
		state = "INTERRUPTED"
	} else if res.Skipped {
		state = "SKIPPED"
	}
	b.opts.Metrics.Pair(state)
	return res
}
