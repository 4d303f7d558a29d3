package checkpoint

import (
	"context"
	"sync"
	"time"

	"bar-backfill/internal/model"
)

// Status of a pair's backfill.
type Status string

const (
	InProgress Status = "IN_PROGRESS"
	Exhausted  Status = "EXHAUSTED"
	Failed     Status = "FAILED"
)

// Checkpoint is the durable progress of one (instrument, resolution) pair.
// Cursor is the exclusive upper bound of the next page; nil means "from now".
type Checkpoint struct {
	Instrument   string           `json:"instrument"`
	Resolution   model.Resolution `json:"resolution"`
	Cursor       *time.Time       `json:"cursor"`
	PagesFetched int              `json:"pages_fetched"`
	Status       Status           `json:"status"`
	UpdatedAt    time.Time        `json:"updated_at"`
	LastError    string           `json:"last_error,omitempty"`
}

func New(pair model.Pair) Checkpoint {
	return Checkpoint{Instrument: pair.Instrument, Resolution: pair.Resolution, Status: InProgress}
}

func (c Checkpoint) Pair() model.Pair {
	return model.Pair{Instrument: c.Instrument, Resolution: c.Resolution}
}

// Store persists checkpoints. Load returns (nil, nil) when the pair has none.
// Save must leave either the previous or the new value readable after a crash.
type Store interface {
	Load(ctx context.Context, pair model.Pair) (*Checkpoint, error)
	Save(ctx context.Context, cp Checkpoint) error
}

// Memory is an in-process Store.
type Memory struct {
	mu  sync.Mutex
	cps map[model.Pair]Checkpoint
}

func NewMemory() *Memory {
	return &Memory{cps: make(map[model.Pair]Checkpoint)}
}

func (m *Memory) Load(_ context.Context, pair model.Pair) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[pair]
	if !ok {
		return nil, nil
	}
	return clone(cp), nil
}

func (m *Memory) Save(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps[cp.Pair()] = *clone(cp)
	return nil
}

// Discard accepts saves and never remembers them.
type Discard struct{}

func (Discard) Load(context.Context, model.Pair) (*Checkpoint, error) { return nil, nil }
func (Discard) Save(context.Context, Checkpoint) error               { return nil }

func clone(cp Checkpoint) *Checkpoint {
	if cp.Cursor != nil {
		c := *cp.Cursor
		cp.Cursor = &c
	}
	return &cp
}
