package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"bar-backfill/internal/backfill"
	"bar-backfill/internal/checkpoint"
	"bar-backfill/internal/clock"
	"bar-backfill/internal/metrics"
	"bar-backfill/internal/provider"
	"bar-backfill/internal/provider/capital"
	"bar-backfill/internal/saver"
	"bar-backfill/internal/slogx"
	"bar-backfill/internal/store"
)

// App holds the wired dependencies of one process.
type App struct {
	Config      *Config
	Log         *slog.Logger
	Registry    *prometheus.Registry
	Store       store.Store
	Provider    provider.DataProvider
	Credentials *capital.Credentials
	Backfiller  *backfill.Backfiller
	Clock       clock.Clock
}

// ProvideConfig loads config from BACKFILL_CONFIG (or config.yaml) and the environment (for Wire).
func ProvideConfig() (*Config, error) {
	return LoadConfig(ConfigPath())
}

// ProvideLogger creates the process logger at the configured level and makes it the default.
func ProvideLogger(cfg *Config) *slog.Logger {
	l := slogx.NewDefault(cfg.LogLevel)
	slog.SetDefault(l)
	return l
}

func ProvideClock() clock.Clock { return clock.Real() }

// ProvideRegistry returns a registry with the Go runtime and process collectors.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func ProvideMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

// ProvideStore opens the configured bar store. The cleanup closes it.
func ProvideStore(ctx context.Context, cfg *Config) (store.Store, func(), error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DSN, cfg.Store.MaxConns)
	case "memory":
		st = store.NewMemory()
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
			return nil, nil, fmt.Errorf("create store dir: %w", err)
		}
		st, err = store.NewSQLite(cfg.Store.Path)
	}
	if err != nil {
		return nil, nil, err
	}
	slog.Info("store opened", "driver", cfg.Store.Driver)
	cleanup := func() {
		if err := st.Close(); err != nil {
			slog.Warn("close store", "error", err)
		}
	}
	return st, cleanup, nil
}

// ProvideCheckpoints selects where per-pair checkpoints live.
func ProvideCheckpoints(ctx context.Context, cfg *Config, st store.Store) (checkpoint.Store, func(), error) {
	noop := func() {}
	switch cfg.Checkpoint.Backend {
	case "store":
		cb, ok := st.(store.CheckpointBackend)
		if !ok {
			return nil, nil, fmt.Errorf("store driver %q cannot hold checkpoints", cfg.Store.Driver)
		}
		return cb.Checkpoints(), noop, nil
	case "redis":
		rc := cfg.Checkpoint.Redis
		client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", rc.Addr, err)
		}
		cleanup := func() {
			if err := client.Close(); err != nil {
				slog.Warn("close redis", "error", err)
			}
		}
		return checkpoint.NewRedisStore(client, rc.Prefix), cleanup, nil
	default:
		fs, err := checkpoint.NewFileStore(cfg.Checkpoint.Dir)
		if err != nil {
			return nil, nil, err
		}
		return fs, noop, nil
	}
}

// ProvideCredentials returns the shared session. With identifier and password
// the session tokens come from POST /session; otherwise only the API key is sent.
func ProvideCredentials(cfg *Config) *capital.Credentials {
	var auth capital.Authenticator
	if cfg.Provider.SessionLogin() {
		auth = &capital.SessionAuthenticator{
			BaseURL:    cfg.Provider.BaseURL,
			APIKey:     cfg.Provider.APIKey,
			Identifier: cfg.Provider.Identifier,
			Password:   cfg.Provider.Password,
			HTTPClient: capital.NewHTTPClient(cfg.Provider.Timeout),
		}
	}
	return capital.NewCredentials(cfg.Provider.APIKey, auth)
}

// ProvideClient creates the paced, retrying Capital.com client shared by all workers.
// The cleanup closes idle connections.
func ProvideClient(cfg *Config, creds *capital.Credentials, clk clock.Clock, m *metrics.Metrics, log *slog.Logger) (*capital.Client, func(), error) {
	c, err := capital.NewClient(creds, capital.Options{
		BaseURL:       cfg.Provider.BaseURL,
		RatePerSecond: cfg.Provider.RatePerSecond,
		MaxBars:       cfg.Provider.MaxBars,
		Retry:         cfg.Retry.Policy(),
		HTTPClient:    capital.NewHTTPClient(cfg.Provider.Timeout),
		Clock:         clk,
		Logger:        log,
		Metrics:       m,
	})
	if err != nil {
		return nil, nil, err
	}
	slog.Info("using data provider", "provider", c.GetName(), "base_url", cfg.Provider.BaseURL,
		"rate_per_second", cfg.Provider.RatePerSecond, "max_bars", cfg.Provider.MaxBars)
	return c, func() { _ = c.Close() }, nil
}

// ProvideArchiver returns nil when archive.format is empty. With an S3 endpoint
// every archived page is also uploaded.
func ProvideArchiver(ctx context.Context, cfg *Config, log *slog.Logger) (backfill.PageArchiver, error) {
	if cfg.Archive.Format == "" {
		return nil, nil
	}
	ps := saver.NewPacketSaver(cfg.Archive.Format)
	if ps == nil {
		return nil, fmt.Errorf("unsupported archive format %q (use: csv, parquet, json)", cfg.Archive.Format)
	}
	var up saver.Uploader
	if s3 := cfg.Archive.S3; s3.Endpoint != "" {
		u, err := saver.NewS3Uploader(ctx, saver.S3Config{
			Endpoint:  s3.Endpoint,
			AccessKey: s3.AccessKey,
			SecretKey: s3.SecretKey,
			Bucket:    s3.Bucket,
			UseSSL:    s3.UseSSL,
			Prefix:    s3.Prefix,
		})
		if err != nil {
			return nil, err
		}
		up = u
	}
	a, err := saver.NewArchiver(cfg.Archive.Dir, ps, up, log)
	if err != nil {
		return nil, err
	}
	slog.Info("archive enabled", "format", cfg.Archive.Format, "dir", cfg.Archive.Dir, "s3", up != nil,
		"pattern", "{instrument}/{resolution}/{instrument}_{resolution}_{from}_to_{to}."+ps.Extension())
	return a, nil
}

// ProvideBackfiller wires the walk engine to the client, the store and the checkpoints.
func ProvideBackfiller(cfg *Config, src provider.DataProvider, st store.Store, cps checkpoint.Store,
	archiver backfill.PageArchiver, clk clock.Clock, m *metrics.Metrics, log *slog.Logger) (*backfill.Backfiller, error) {
	floor, err := cfg.FloorTime()
	if err != nil {
		return nil, err
	}
	return backfill.New(src, st, cps, backfill.Options{
		Floor:           floor,
		ResumeFromStore: cfg.Backfill.ResumeFromStore,
		Reset:           cfg.Backfill.Reset,
		Archiver:        archiver,
		Clock:           clk,
		Logger:          log,
		Metrics:         m,
	}), nil
}
