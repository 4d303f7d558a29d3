package crawl

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

func runLogWriter(out io.Writer, lines <-chan string) {
	for s := range lines {
		fmt.Fprintln(out, s)
	}
}

// eta extrapolates the remaining time from the average time per finished pair.
func eta(elapsed time.Duration, done, total int) time.Duration {
	if done <= 0 || done >= total {
		return 0
	}
	per := elapsed / time.Duration(done)
	return per * time.Duration(total-done)
}

func runHeartbeat(ctx context.Context, interval time.Duration, mu *sync.Mutex, sum *Summary, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mu.Lock()
			done := len(sum.Results)
			total, failed, inserted := sum.Total, sum.Failed, sum.Inserted
			started := sum.Started
			mu.Unlock()
			elapsed := time.Since(started)
			logger.Info("heartbeat", "done", done, "total", total, "failed", failed, "inserted", inserted,
				"elapsed", elapsed.Round(time.Second), "eta", eta(elapsed, done, total).Round(time.Second))
		}
	}
}
