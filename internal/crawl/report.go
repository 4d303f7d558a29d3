package crawl

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bar-backfill/internal/fsx"
)

const (
	successReport = ".lastrun.success.json"
	failedReport  = ".lastrun.failed.json"
)

type failedEntry struct {
	Pair   string     `json:"pair"`
	Reason string     `json:"reason"`
	Cursor *time.Time `json:"cursor,omitempty"`
}

type successReportFile struct {
	RunID      string    `json:"run_id"`
	FinishedAt time.Time `json:"finished_at"`
	Pairs      []string  `json:"pairs"`
}

type failedReportFile struct {
	RunID      string        `json:"run_id"`
	FinishedAt time.Time     `json:"finished_at"`
	Failed     []failedEntry `json:"failed"`
}

func failedEntries(sum Summary) []failedEntry {
	var out []failedEntry
	for _, r := range sum.Results {
		if !r.Failed() {
			continue
		}
		reason := "unknown"
		if r.Err != nil {
			reason = r.Err.Error()
		}
		out = append(out, failedEntry{Pair: r.Pair.String(), Reason: reason, Cursor: r.Cursor})
	}
	return out
}

// writeRunReport saves the finished and failed pairs of sum under dir. A run
// without failures removes the previous failed report.
func writeRunReport(dir string, sum Summary) error {
	var done []string
	for _, r := range sum.Results {
		if !r.Failed() && !r.Interrupted {
			done = append(done, r.Pair.String())
		}
	}
	if len(done) > 0 {
		p := filepath.Join(dir, successReport)
		data, err := json.MarshalIndent(successReportFile{RunID: sum.RunID, FinishedAt: sum.Finished, Pairs: done}, "", "  ")
		if err != nil {
			return err
		}
		if err := fsx.WriteFileAtomic(p, data, 0644); err != nil {
			return err
		}
		slog.Info("report wrote success", "path", p, "pairs", len(done))
	}

	failed := failedEntries(sum)
	p := filepath.Join(dir, failedReport)
	if len(failed) == 0 {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	data, err := json.MarshalIndent(failedReportFile{RunID: sum.RunID, FinishedAt: sum.Finished, Failed: failed}, "", "  ")
	if err != nil {
		return err
	}
	if err := fsx.WriteFileAtomic(p, data, 0644); err != nil {
		return err
	}
	slog.Info("report wrote failed", "path", p, "count", len(failed))
	return nil
}

func joinFailedReasons(failedList []failedEntry) string {
	if len(failedList) == 0 {
		return ""
	}
	var b strings.Builder
	for i, f := range failedList {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(f.Pair)
		b.WriteString(": ")
		b.WriteString(f.Reason)
		if i >= 4 && len(failedList) > 6 {
			b.WriteString(fmt.Sprintf(" (+%d more)", len(failedList)-5))
			break
		}
	}
	return b.String()
}
