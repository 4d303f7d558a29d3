package app

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bar-backfill/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CAPITAL_API_KEY", "key")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ModeOnce, cfg.Mode)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, filepath.Join("data", "bars.db"), cfg.Store.Path)
	assert.Equal(t, filepath.Join("data", "checkpoints"), cfg.Checkpoint.Dir)
	assert.Equal(t, 1000, cfg.Provider.MaxBars)
	assert.Equal(t, 20*time.Second, cfg.Retry.Delay)
	assert.Empty(t, cfg.Archive.Format)

	floor, err := cfg.FloorTime()
	require.NoError(t, err)
	assert.Equal(t, time.Date(1950, 1, 1, 0, 0, 0, 0, time.UTC), floor)

	res, err := cfg.ParsedResolutions()
	require.NoError(t, err)
	assert.Equal(t, []model.Resolution{model.Day}, res)
}

func TestLoadConfigYAMLThenEnv(t *testing.T) {
	path := writeConfig(t, `
mode: update
data_dir: /var/lib/backfill
instruments: [EURUSD, GOLD]
resolutions: [minute_5, hour]
workers: 8
provider:
  api_key: from-yaml
  max_bars: 500
  timeout: 15s
retry:
  exponential: true
  max_delay: 2m
archive:
  format: parquet
checkpoint:
  backend: store
`)
	t.Setenv("CAPITAL_API_KEY", "from-env")
	t.Setenv("WORKERS", "2")
	t.Setenv("RETRY_SHARED_BUDGET", "true")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ModeUpdate, cfg.Mode)
	assert.Equal(t, []string{"EURUSD", "GOLD"}, cfg.Instruments)
	assert.Equal(t, "from-env", cfg.Provider.APIKey)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 500, cfg.Provider.MaxBars)
	assert.Equal(t, 15*time.Second, cfg.Provider.Timeout)
	assert.True(t, cfg.Retry.Exponential)
	assert.True(t, cfg.Retry.SharedBudget)
	assert.Equal(t, filepath.Join("/var/lib/backfill", "archive"), cfg.Archive.Dir)

	res, err := cfg.ParsedResolutions()
	require.NoError(t, err)
	assert.Equal(t, []model.Resolution{model.Minute5, model.Hour}, res)

	p := cfg.Retry.Policy()
	assert.True(t, p.SharedBudget)
	assert.Equal(t, 2*time.Minute, p.MaxDelay)
}

func TestLoadConfigInvalid(t *testing.T) {
	cases := map[string]struct {
		yaml  string
		field string
	}{
		"mode":          {"mode: sometimes", "mode"},
		"workers":       {"workers: 0", "workers"},
		"resolution":    {"resolutions: [WEEK]", "resolutions"},
		"driver":        {"store: {driver: mongo}", "store.driver"},
		"postgres dsn":  {"store: {driver: postgres}", "store.dsn"},
		"redis addr":    {"checkpoint: {backend: redis}", "checkpoint.redis.addr"},
		"store backend": {"store: {driver: memory}\ncheckpoint: {backend: store}", "checkpoint.backend"},
		"floor":         {"backfill: {floor: yesterday}", "backfill.floor"},
		"archive":       {"archive: {format: xml}", "archive.format"},
		"cron":          {"schedule: {cron: 'every day'}", "schedule.cron"},
		"login pair":    {"provider: {identifier: me}", "provider.identifier"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("CAPITAL_API_KEY", "key")
			_, err := LoadConfig(writeConfig(t, tc.yaml))
			var ce *ConfigError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tc.field, ce.Field)
		})
	}
}

func TestLoadConfigRequiresAPIKey(t *testing.T) {
	t.Setenv("CAPITAL_API_KEY", "")
	_, err := LoadConfig(writeConfig(t, "mode: once"))
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "provider.api_key", ce.Field)
}

func TestLoadConfigBadYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "workers: [1, 2"))
	var ce *ConfigError
	assert.True(t, errors.As(err, &ce))
}

func TestConfigPath(t *testing.T) {
	t.Setenv("BACKFILL_CONFIG", "")
	assert.Equal(t, DefaultConfigPath, ConfigPath())
	t.Setenv("BACKFILL_CONFIG", "/etc/backfill.yaml")
	assert.Equal(t, "/etc/backfill.yaml", ConfigPath())
}
