package clock

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the time source for pacing, backoff and cursor start.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct {
	c clockwork.Clock
}

// Real returns the wall clock.
func Real() Clock { return realClock{c: clockwork.NewRealClock()} }

func (r realClock) Now() time.Time { return r.c.Now().UTC() }

func (r realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := r.c.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Chan():
		return nil
	}
}

// Fake is a manual clock for tests. Sleep returns immediately and records the
// requested duration; with AutoAdvance the clock moves forward by it.
type Fake struct {
	fc          *clockwork.FakeClock
	autoAdvance bool

	mu     sync.Mutex
	sleeps []time.Duration
}

// NewFake returns a Fake at start that advances on every Sleep.
func NewFake(start time.Time) *Fake {
	return &Fake{fc: clockwork.NewFakeClockAt(start.UTC()), autoAdvance: true}
}

// NewFrozen returns a Fake that never moves unless Advance is called.
func NewFrozen(start time.Time) *Fake {
	return &Fake{fc: clockwork.NewFakeClockAt(start.UTC())}
}

func (f *Fake) Now() time.Time { return f.fc.Now().UTC() }

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	f.mu.Lock()
	f.sleeps = append(f.sleeps, d)
	if f.autoAdvance {
		f.fc.Advance(d)
	}
	f.mu.Unlock()
	return nil
}

func (f *Fake) Advance(d time.Duration) { f.fc.Advance(d) }

// Sleeps returns a copy of every positive duration passed to Sleep.
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.sleeps))
	copy(out, f.sleeps)
	return out
}

// Slept is the sum of Sleeps.
func (f *Fake) Slept() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total time.Duration
	for _, d := range f.sleeps {
		total += d
	}
	return total
}
