package saver

import "bar-backfill/internal/model"

// Row is the flat on-disk shape of a bar. T is unix seconds (UTC).
type Row struct {
	T        int64   `json:"t" parquet:"t"`
	OpenBid  float64 `json:"open_bid" parquet:"open_bid"`
	OpenAsk  float64 `json:"open_ask" parquet:"open_ask"`
	HighBid  float64 `json:"high_bid" parquet:"high_bid"`
	HighAsk  float64 `json:"high_ask" parquet:"high_ask"`
	LowBid   float64 `json:"low_bid" parquet:"low_bid"`
	LowAsk   float64 `json:"low_ask" parquet:"low_ask"`
	CloseBid float64 `json:"close_bid" parquet:"close_bid"`
	CloseAsk float64 `json:"close_ask" parquet:"close_ask"`
	Volume   int64   `json:"volume" parquet:"volume"`
}

func toRows(bars []model.Bar) []Row {
	rows := make([]Row, len(bars))
	for i, b := range bars {
		rows[i] = Row{
			T:        b.Timestamp.Unix(),
			OpenBid:  b.OpenBid,
			OpenAsk:  b.OpenAsk,
			HighBid:  b.HighBid,
			HighAsk:  b.HighAsk,
			LowBid:   b.LowBid,
			LowAsk:   b.LowAsk,
			CloseBid: b.CloseBid,
			CloseAsk: b.CloseAsk,
			Volume:   b.Volume,
		}
	}
	return rows
}
