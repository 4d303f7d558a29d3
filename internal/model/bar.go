package model

import (
	"fmt"
	"strings"
	"time"
)

// Resolution is the bar sampling granularity, named as the provider names it.
type Resolution string

const (
	Minute   Resolution = "MINUTE"
	Minute5  Resolution = "MINUTE_5"
	Minute15 Resolution = "MINUTE_15"
	Hour     Resolution = "HOUR"
	Day      Resolution = "DAY"
)

// Resolutions lists every supported resolution, finest first.
var Resolutions = []Resolution{Minute, Minute5, Minute15, Hour, Day}

// resolutionLimits is the widest [from, to] span one price request may cover.
// The provider caps bars per request, so finer resolutions get shorter windows.
var resolutionLimits = map[Resolution]time.Duration{
	Minute:   16 * time.Hour,
	Minute5:  83 * time.Hour,
	Minute15: 10 * 24 * time.Hour,
	Hour:     41 * 24 * time.Hour,
	Day:      900 * 24 * time.Hour,
}

// ResolutionLimit returns the maximum page window for r.
func ResolutionLimit(r Resolution) (time.Duration, bool) {
	d, ok := resolutionLimits[r]
	return d, ok
}

// Window is ResolutionLimit without the ok flag; unknown resolutions return 0.
func (r Resolution) Window() time.Duration {
	return resolutionLimits[r]
}

func (r Resolution) Valid() bool {
	_, ok := resolutionLimits[r]
	return ok
}

func (r Resolution) String() string { return string(r) }

// ParseResolution accepts provider names case-insensitively (e.g. "minute_5").
func ParseResolution(s string) (Resolution, error) {
	r := Resolution(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown resolution %q (use MINUTE, MINUTE_5, MINUTE_15, HOUR, DAY)", s)
	}
	return r, nil
}

// ParseResolutions parses a list, rejecting unknown names and dropping duplicates.
func ParseResolutions(ss []string) ([]Resolution, error) {
	seen := make(map[Resolution]bool, len(ss))
	out := make([]Resolution, 0, len(ss))
	for _, s := range ss {
		if strings.TrimSpace(s) == "" {
			continue
		}
		r, err := ParseResolution(s)
		if err != nil {
			return nil, err
		}
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out, nil
}

// Bar represents one bid/ask OHLC sample.
// (InstrumentID, Resolution, Timestamp) is the identity; stored bars are never updated.
type Bar struct {
	InstrumentID string     `json:"epic"`
	Resolution   Resolution `json:"resolution"`
	Timestamp    time.Time  `json:"snapshot_time_utc"` // UTC, second precision
	OpenBid      float64    `json:"open_bid"`
	OpenAsk      float64    `json:"open_ask"`
	HighBid      float64    `json:"high_bid"`
	HighAsk      float64    `json:"high_ask"`
	LowBid       float64    `json:"low_bid"`
	LowAsk       float64    `json:"low_ask"`
	CloseBid     float64    `json:"close_bid"`
	CloseAsk     float64    `json:"close_ask"`
	Volume       int64      `json:"volume"`
}

// BarKey is the storage identity of a Bar.
type BarKey struct {
	InstrumentID string
	Resolution   Resolution
	Unix         int64
}

func (b Bar) Key() BarKey {
	return BarKey{InstrumentID: b.InstrumentID, Resolution: b.Resolution, Unix: b.Timestamp.Unix()}
}

func (b Bar) Pair() Pair {
	return Pair{Instrument: b.InstrumentID, Resolution: b.Resolution}
}
