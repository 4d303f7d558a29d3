package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"bar-backfill/internal/checkpoint"
	"bar-backfill/internal/model"
)

// Memory is an in-process Store, used for dry runs and tests.
type Memory struct {
	mu      sync.RWMutex
	bars    map[model.BarKey]model.Bar
	markets []model.Market
	cps     *checkpoint.Memory
}

func NewMemory() *Memory {
	return &Memory{bars: make(map[model.BarKey]model.Bar), cps: checkpoint.NewMemory()}
}

func (m *Memory) Upsert(_ context.Context, bars []model.Bar) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, b := range bars {
		k := b.Key()
		if _, ok := m.bars[k]; ok {
			continue
		}
		b.Timestamp = b.Timestamp.UTC()
		m.bars[k] = b
		inserted++
	}
	return inserted, nil
}

func (m *Memory) bounds(pair model.Pair) (oldest, latest time.Time, n int) {
	for k, b := range m.bars {
		if k.InstrumentID != pair.Instrument || k.Resolution != pair.Resolution {
			continue
		}
		n++
		if oldest.IsZero() || b.Timestamp.Before(oldest) {
			oldest = b.Timestamp
		}
		if latest.IsZero() || b.Timestamp.After(latest) {
			latest = b.Timestamp
		}
	}
	return oldest, latest, n
}

func (m *Memory) Oldest(_ context.Context, pair model.Pair) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	oldest, _, n := m.bounds(pair)
	return oldest, n > 0, nil
}

func (m *Memory) Latest(_ context.Context, pair model.Pair) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, latest, n := m.bounds(pair)
	return latest, n > 0, nil
}

func (m *Memory) Count(_ context.Context, pair model.Pair) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, _, n := m.bounds(pair)
	return n, nil
}

// Bars returns the stored bars of pair ordered by timestamp.
func (m *Memory) Bars(pair model.Pair) []model.Bar {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Bar
	for _, b := range m.bars {
		if b.InstrumentID == pair.Instrument && b.Resolution == pair.Resolution {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (m *Memory) SaveMarkets(_ context.Context, markets []model.Market) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markets = append([]model.Market(nil), markets...)
	return len(markets), nil
}

func (m *Memory) Instruments(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.markets))
	for _, mk := range m.markets {
		out = append(out, mk.Epic)
	}
	return out, nil
}

func (m *Memory) Checkpoints() checkpoint.Store { return m.cps }

func (m *Memory) Close() error { return nil }
