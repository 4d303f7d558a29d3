package capital

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bar-backfill/internal/clock"
)

// Pacer spaces request starts at least Interval apart across every caller
// sharing it. The slot is reserved under the lock; the wait happens outside it.
type Pacer struct {
	mu       sync.Mutex
	lim      *rate.Limiter // nil when pacing is off
	interval time.Duration
	clock    clock.Clock
}

// NewPacer builds a Pacer for ratePerSecond requests per second.
// A non-positive rate disables pacing.
func NewPacer(ratePerSecond float64, c clock.Clock) *Pacer {
	if c == nil {
		c = clock.Real()
	}
	p := &Pacer{clock: c}
	if ratePerSecond > 0 {
		// Burst 1: no two requests ever share a slot.
		p.lim = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
		p.interval = time.Duration(float64(time.Second) / ratePerSecond).Truncate(time.Microsecond)
	}
	return p
}

func (p *Pacer) Interval() time.Duration { return p.interval }

// Reserve claims the next free slot and returns its start time.
func (p *Pacer) Reserve() time.Time {
	slot, _ := p.reserve()
	return slot
}

func (p *Pacer) reserve() (slot time.Time, wait time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	if p.lim == nil {
		return now, 0
	}
	// The limiter computes delays in float seconds; rounding drops its float error.
	wait = p.lim.ReserveN(now, 1).DelayFrom(now).Round(time.Microsecond)
	return now.Add(wait), wait
}

// Wait blocks the calling task until its reserved slot. It returns the time
// waited, or ctx.Err() if cancelled first (the slot is then simply unused).
func (p *Pacer) Wait(ctx context.Context) (time.Duration, error) {
	if p.lim == nil {
		return 0, ctx.Err()
	}
	_, wait := p.reserve()
	if wait <= 0 {
		return 0, ctx.Err()
	}
	return wait, p.clock.Sleep(ctx, wait)
}
