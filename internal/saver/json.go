package saver

import (
	"encoding/json"
	"os"

	"bar-backfill/internal/model"
)

// JSONSaver writes the page as an indented JSON array of rows.
type JSONSaver struct{}

func (JSONSaver) Extension() string { return "json" }

func (JSONSaver) Save(bars []model.Bar, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(toRows(bars)); err != nil {
		return err
	}
	return f.Close()
}
