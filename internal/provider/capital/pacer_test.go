package capital

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bar-backfill/internal/clock"
)

// maxInWindow returns the largest number of instants inside any half-open
// window [t, t+window) starting at one of them.
func maxInWindow(instants []time.Time, window time.Duration) int {
	sorted := append([]time.Time(nil), instants...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
	best := 0
	for i := range sorted {
		n := 0
		for j := i; j < len(sorted) && sorted[j].Before(sorted[i].Add(window)); j++ {
			n++
		}
		if n > best {
			best = n
		}
	}
	return best
}

func TestPacerRateCeilingUnderConcurrency(t *testing.T) {
	const rate = 10.0
	p := NewPacer(rate, clock.NewFrozen(testStart))

	const workers, perWorker = 8, 25
	var mu sync.Mutex
	var slots []time.Time
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				s := p.Reserve()
				mu.Lock()
				slots = append(slots, s)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, slots, workers*perWorker)
	assert.LessOrEqual(t, maxInWindow(slots, time.Second), int(rate))

	sort.Slice(slots, func(i, j int) bool { return slots[i].Before(slots[j]) })
	for i := 1; i < len(slots); i++ {
		assert.GreaterOrEqual(t, slots[i].Sub(slots[i-1]), p.Interval())
	}
}

func TestPacerWaitReservesConsecutiveSlots(t *testing.T) {
	clk := clock.NewFrozen(testStart)
	p := NewPacer(4, clk)

	for i := 0; i < 4; i++ {
		waited, err := p.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, time.Duration(i)*250*time.Millisecond, waited)
	}
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, 750 * time.Millisecond}, clk.Sleeps())
}

func TestPacerNoWaitAfterIdle(t *testing.T) {
	clk := clock.NewFrozen(testStart)
	p := NewPacer(1, clk)

	_, err := p.Wait(context.Background())
	require.NoError(t, err)
	clk.Advance(5 * time.Second)
	waited, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Zero(t, waited)
}

func TestClientRequestsArePaced(t *testing.T) {
	var mu sync.Mutex
	var seen []time.Time
	clk := clock.NewFake(testStart)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, clk.Now())
		mu.Unlock()
		_, _ = w.Write([]byte(`{"prices":[]}`))
	}))
	defer srv.Close()

	c, err := NewClient(NewCredentials("k", nil), Options{BaseURL: srv.URL, RatePerSecond: 5, Clock: clk})
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		_, err := c.Request(context.Background(), http.MethodGet, "/prices/X", nil, nil)
		require.NoError(t, err)
	}
	require.Len(t, seen, 12)
	assert.LessOrEqual(t, maxInWindow(seen, time.Second), 5)
}
