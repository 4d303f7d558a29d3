package capital

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bar-backfill/internal/model"
)

// pricesResponse keeps samples raw so one malformed sample cannot fail the page.
type pricesResponse struct {
	Prices []json.RawMessage `json:"prices"`
}

type marketsResponse struct {
	Markets []model.Market `json:"markets"`
}

// priceSample is one element of the prices array.
type priceSample struct {
	SnapshotTime     string         `json:"snapshotTime"`
	SnapshotTimeUTC  string         `json:"snapshotTimeUTC"`
	OpenPrice        *Quote         `json:"openPrice"`
	HighPrice        *Quote         `json:"highPrice"`
	LowPrice         *Quote         `json:"lowPrice"`
	ClosePrice       *Quote         `json:"closePrice"`
	LastTradedVolume *FlexibleInt64 `json:"lastTradedVolume"`
}

// Quote is a price given either as a plain number or as {bid, ask}.
type Quote struct {
	Bid *float64
	Ask *float64
}

func (q *Quote) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err == nil {
		bid, ask := v, v
		q.Bid, q.Ask = &bid, &ask
		return nil
	}
	var pair struct {
		Bid *float64 `json:"bid"`
		Ask *float64 `json:"ask"`
	}
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("cannot parse price: %s", string(data))
	}
	q.Bid, q.Ask = pair.Bid, pair.Ask
	return nil
}

// resolve fills a missing side from the other one.
func (q *Quote) resolve() (bid, ask float64, ok bool) {
	if q == nil {
		return 0, 0, false
	}
	switch {
	case q.Bid != nil && q.Ask != nil:
		return *q.Bid, *q.Ask, true
	case q.Bid != nil:
		return *q.Bid, *q.Bid, true
	case q.Ask != nil:
		return *q.Ask, *q.Ask, true
	}
	return 0, 0, false
}

// FlexibleInt64 parses int or float (scientific notation) or numeric string to int64
type FlexibleInt64 int64

// UnmarshalJSON parses int or float
func (f *FlexibleInt64) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		val, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
		if err != nil {
			return err
		}
		*f = FlexibleInt64(int64(val))
		return nil
	}

	var intVal int64
	if err := json.Unmarshal(data, &intVal); err == nil {
		*f = FlexibleInt64(intVal)
		return nil
	}

	var floatVal float64
	if err := json.Unmarshal(data, &floatVal); err == nil {
		*f = FlexibleInt64(int64(floatVal))
		return nil
	}

	return fmt.Errorf("cannot parse as int64: %s", string(data))
}

// Int64 returns int64 value
func (f FlexibleInt64) Int64() int64 {
	return int64(f)
}

var timeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	time.RFC3339,
	time.RFC3339Nano,
}

// parseSnapshotTime reads provider timestamps; zone-less values are UTC.
func parseSnapshotTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing")
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC().Truncate(time.Second), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised format %q", s)
}

// decodeSample turns one raw sample into a Bar. The returned timestamp is set
// whenever it could be read, even if the sample is rejected for other fields.
func decodeSample(pair model.Pair, index int, raw json.RawMessage) (model.Bar, time.Time, *model.DataError) {
	var s priceSample
	if err := json.Unmarshal(raw, &s); err != nil {
		return model.Bar{}, time.Time{}, &model.DataError{Index: index, Field: "sample", Reason: err.Error()}
	}

	tsRaw := s.SnapshotTimeUTC
	if tsRaw == "" {
		tsRaw = s.SnapshotTime
	}
	ts, err := parseSnapshotTime(tsRaw)
	if err != nil {
		return model.Bar{}, time.Time{}, &model.DataError{Index: index, Field: "snapshotTimeUTC", Reason: err.Error()}
	}

	bar := model.Bar{InstrumentID: pair.Instrument, Resolution: pair.Resolution, Timestamp: ts}
	fields := []struct {
		name     string
		q        *Quote
		bid, ask *float64
	}{
		{"openPrice", s.OpenPrice, &bar.OpenBid, &bar.OpenAsk},
		{"highPrice", s.HighPrice, &bar.HighBid, &bar.HighAsk},
		{"lowPrice", s.LowPrice, &bar.LowBid, &bar.LowAsk},
		{"closePrice", s.ClosePrice, &bar.CloseBid, &bar.CloseAsk},
	}
	for _, f := range fields {
		bid, ask, ok := f.q.resolve()
		if !ok {
			return model.Bar{}, ts, &model.DataError{Index: index, Timestamp: ts, Field: f.name, Reason: "both bid and ask missing"}
		}
		*f.bid, *f.ask = bid, ask
	}

	if s.LastTradedVolume != nil {
		bar.Volume = s.LastTradedVolume.Int64()
	}
	if bar.Volume < 0 {
		return model.Bar{}, ts, &model.DataError{Index: index, Timestamp: ts, Field: "lastTradedVolume", Reason: fmt.Sprintf("negative volume %d", bar.Volume)}
	}
	return bar, ts, nil
}

// decodePrices validates every sample of a prices response into a BarPage.
func decodePrices(pair model.Pair, samples []json.RawMessage) model.BarPage {
	page := model.BarPage{Seen: len(samples), Bars: make([]model.Bar, 0, len(samples))}
	for i, raw := range samples {
		bar, ts, derr := decodeSample(pair, i, raw)
		page.Observe(ts)
		if derr != nil {
			page.Dropped = append(page.Dropped, *derr)
			continue
		}
		page.Bars = append(page.Bars, bar)
	}
	return page
}
