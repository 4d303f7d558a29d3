package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LoadInstrumentsFromFile reads a list of instrument epics from a file.
// Supported formats:
//   - .txt  : one epic per line, '#' lines are treated as comments
//   - .json : JSON array of strings
//
// Epics are case-sensitive and kept as written.
func LoadInstrumentsFromFile(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instruments file %s: %w", path, err)
	}

	var epics []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(content, &epics); err != nil {
			return nil, fmt.Errorf("parse JSON %s: %w", path, err)
		}
	case ".txt", "":
		epics = parseInstrumentsFromText(string(content))
	default:
		return nil, fmt.Errorf("unsupported instruments file extension %q (use .txt or .json)", filepath.Ext(path))
	}

	unique := dedupeInstruments(epics)
	slog.Info("loaded instruments from file", "count", len(unique), "path", path)
	return unique, nil
}

func parseInstrumentsFromText(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			out = append(out, line)
		}
	}
	return out
}

// dedupeInstruments trims, drops blanks and keeps the first occurrence.
func dedupeInstruments(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, e := range in {
		e = strings.TrimSpace(e)
		if e != "" && !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}
