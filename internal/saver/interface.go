package saver

import (
	"strings"

	"bar-backfill/internal/model"
)

// PacketSaver writes one page of bars to a file.
// The archiver picks the implementation; the backfiller only sees the archiver.
type PacketSaver interface {
	Save(bars []model.Bar, path string) error
	Extension() string
}

// NewPacketSaver creates implementation by format (csv, parquet, json).
// Returns nil if format not supported.
func NewPacketSaver(format string) PacketSaver {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "csv":
		return CSVSaver{}
	case "parquet":
		return ParquetSaver{}
	case "json":
		return JSONSaver{}
	default:
		return nil
	}
}
