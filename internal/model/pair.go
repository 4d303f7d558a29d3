package model

import "strings"

// Pair is one (instrument, resolution) backfill unit.
type Pair struct {
	Instrument string
	Resolution Resolution
}

func (p Pair) String() string {
	return p.Instrument + "/" + string(p.Resolution)
}

// BuildPairs crosses instruments with resolutions, instrument-major.
// Blank and duplicate instruments are skipped.
func BuildPairs(instruments []string, resolutions []Resolution) []Pair {
	seen := make(map[string]bool, len(instruments))
	pairs := make([]Pair, 0, len(instruments)*len(resolutions))
	for _, inst := range instruments {
		inst = strings.TrimSpace(inst)
		if inst == "" || seen[inst] {
			continue
		}
		seen[inst] = true
		for _, r := range resolutions {
			pairs = append(pairs, Pair{Instrument: inst, Resolution: r})
		}
	}
	return pairs
}

// Market is one entry of the provider's market catalogue.
type Market struct {
	Epic           string `json:"epic"`
	Symbol         string `json:"symbol"`
	InstrumentType string `json:"instrumentType"`
	InstrumentName string `json:"instrumentName"`
}
