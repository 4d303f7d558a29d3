package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "backfill"

// Metrics groups the collectors updated by the client, backfiller and scheduler.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	requests   *prometheus.CounterVec
	retries    *prometheus.CounterVec
	pacingWait prometheus.Histogram
	bars       *prometheus.CounterVec
	pairs      *prometheus.CounterVec
	pages      *prometheus.CounterVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Provider HTTP requests by outcome.",
		}, []string{"outcome"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_retries_total",
			Help:      "Retried provider requests by error kind.",
		}, []string{"kind"}),
		pacingWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pacing_wait_seconds",
			Help:      "Time spent waiting for a request slot.",
			Buckets:   []float64{0, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		bars: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bars_total",
			Help:      "Bars handled by resolution and result (inserted, duplicate, dropped).",
		}, []string{"resolution", "result"}),
		pairs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairs_total",
			Help:      "Finished pair runs by final state.",
		}, []string{"state"}),
		pages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_total",
			Help:      "Stored pages by resolution.",
		}, []string{"resolution"}),
	}
}

func (m *Metrics) Request(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Retry(kind string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(kind).Inc()
}

func (m *Metrics) PacingWait(d time.Duration) {
	if m == nil {
		return
	}
	m.pacingWait.Observe(d.Seconds())
}

func (m *Metrics) Page(resolution string, inserted, duplicate, dropped int) {
	if m == nil {
		return
	}
	m.pages.WithLabelValues(resolution).Inc()
	m.bars.WithLabelValues(resolution, "inserted").Add(float64(inserted))
	m.bars.WithLabelValues(resolution, "duplicate").Add(float64(duplicate))
	m.bars.WithLabelValues(resolution, "dropped").Add(float64(dropped))
}

func (m *Metrics) Pair(state string) {
	if m == nil {
		return
	}
	m.pairs.WithLabelValues(state).Inc()
}

// Serve exposes g on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() {
		slog.Info("metrics listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
