package saver

import (
	"github.com/parquet-go/parquet-go"

	"bar-backfill/internal/model"
)

// ParquetSaver writes the page as a Parquet file of Row.
type ParquetSaver struct{}

func (ParquetSaver) Extension() string { return "parquet" }

func (ParquetSaver) Save(bars []model.Bar, path string) error {
	return parquet.WriteFile(path, toRows(bars))
}
