package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvancesOnSleep(t *testing.T) {
	start := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	f := NewFake(start)

	require.NoError(t, f.Sleep(context.Background(), 2*time.Second))
	require.NoError(t, f.Sleep(context.Background(), 0))
	require.NoError(t, f.Sleep(context.Background(), 3*time.Second))

	assert.Equal(t, start.Add(5*time.Second), f.Now())
	assert.Equal(t, []time.Duration{2 * time.Second, 3 * time.Second}, f.Sleeps())
	assert.Equal(t, 5*time.Second, f.Slept())
}

func TestFrozenDoesNotMove(t *testing.T) {
	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	f := NewFrozen(start)
	require.NoError(t, f.Sleep(context.Background(), time.Minute))
	assert.Equal(t, start, f.Now())
	f.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), f.Now())
}

func TestSleepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, NewFake(time.Now()).Sleep(ctx, time.Second), context.Canceled)
	assert.ErrorIs(t, Real().Sleep(ctx, time.Hour), context.Canceled)
}

func TestRealSleepWaits(t *testing.T) {
	c := Real()
	start := c.Now()
	require.NoError(t, c.Sleep(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, c.Now().Sub(start), 20*time.Millisecond)
	assert.Equal(t, time.UTC, start.Location())
}
