package model

import (
	"fmt"
	"time"
)

// DataError describes one provider sample that could not become a Bar.
type DataError struct {
	Index     int       // position in the response
	Timestamp time.Time // zero when the timestamp itself was the problem
	Field     string
	Reason    string
}

func (e *DataError) Error() string {
	if e.Timestamp.IsZero() {
		return fmt.Sprintf("sample %d: %s: %s", e.Index, e.Field, e.Reason)
	}
	return fmt.Sprintf("sample %d (%s): %s: %s", e.Index, e.Timestamp.Format(time.RFC3339), e.Field, e.Reason)
}

// BarPage is the validated result of one page fetch.
type BarPage struct {
	Bars []Bar
	// Seen counts raw samples in the response, valid or not.
	Seen int
	// Earliest is the minimum timestamp over every sample with a readable
	// timestamp, including samples dropped for bad prices.
	Earliest time.Time
	Dropped  []DataError
}

// Empty reports whether the provider returned no samples at all.
func (p BarPage) Empty() bool { return p.Seen == 0 }

// Observe folds ts into Earliest.
func (p *BarPage) Observe(ts time.Time) {
	if ts.IsZero() {
		return
	}
	if p.Earliest.IsZero() || ts.Before(p.Earliest) {
		p.Earliest = ts
	}
}

// NewBarPage builds a page from already valid bars.
func NewBarPage(bars []Bar) BarPage {
	p := BarPage{Bars: bars, Seen: len(bars)}
	for _, b := range bars {
		p.Observe(b.Timestamp)
	}
	return p
}
