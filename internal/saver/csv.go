package saver

import (
	"encoding/csv"
	"os"
	"strconv"

	"bar-backfill/internal/model"
)

var csvHeader = []string{"t", "open_bid", "open_ask", "high_bid", "high_ask", "low_bid", "low_ask", "close_bid", "close_ask", "volume"}

// CSVSaver writes a header row then one row per bar; t is unix seconds.
type CSVSaver struct{}

func (CSVSaver) Extension() string { return "csv" }

func (CSVSaver) Save(bars []model.Bar, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)

	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range toRows(bars) {
		if err := w.Write([]string{
			strconv.FormatInt(r.T, 10),
			floatStr(r.OpenBid),
			floatStr(r.OpenAsk),
			floatStr(r.HighBid),
			floatStr(r.HighAsk),
			floatStr(r.LowBid),
			floatStr(r.LowAsk),
			floatStr(r.CloseBid),
			floatStr(r.CloseAsk),
			strconv.FormatInt(r.Volume, 10),
		}); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}

func floatStr(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
