package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"bar-backfill/internal/model"
	"bar-backfill/internal/provider/capital"
)

const (
	ModeOnce   = "once"
	ModeUpdate = "update"
	ModeDaemon = "daemon"

	DefaultConfigPath = "config.yaml"
	floorLayout       = "2006-01-02"
)

// Config is loaded from defaults, then the YAML file, then the environment
// (including an optional .env file).
type Config struct {
	LogLevel        string   `yaml:"log_level" env:"LOG_LEVEL"` // debug | info | warn | error
	Mode            string   `yaml:"mode" env:"MODE"`           // once | update | daemon
	DataDir         string   `yaml:"data_dir" env:"DATA_DIR"`
	Instruments     []string `yaml:"instruments" env:"INSTRUMENTS" envSeparator:","`
	InstrumentsFile string   `yaml:"instruments_file" env:"INSTRUMENTS_FILE"`
	Resolutions     []string `yaml:"resolutions" env:"RESOLUTIONS" envSeparator:","`
	Workers         int      `yaml:"workers" env:"WORKERS"`

	Provider   ProviderConfig   `yaml:"provider" envPrefix:"CAPITAL_"`
	Retry      RetryConfig      `yaml:"retry" envPrefix:"RETRY_"`
	Store      StoreConfig      `yaml:"store" envPrefix:"STORE_"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" envPrefix:"CHECKPOINT_"`
	Backfill   BackfillConfig   `yaml:"backfill" envPrefix:"BACKFILL_"`
	Archive    ArchiveConfig    `yaml:"archive" envPrefix:"ARCHIVE_"`
	Schedule   ScheduleConfig   `yaml:"schedule" envPrefix:"SCHEDULE_"`
	Metrics    MetricsConfig    `yaml:"metrics" envPrefix:"METRICS_"`
}

type ProviderConfig struct {
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	APIKey  string `yaml:"api_key" env:"API_KEY"`
	// Identifier and Password enable the session login; without them only the API key is sent.
	Identifier     string        `yaml:"identifier" env:"IDENTIFIER"`
	Password       string        `yaml:"password" env:"PASSWORD"`
	RatePerSecond  float64       `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	MaxBars        int           `yaml:"max_bars" env:"MAX_BARS"`
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT"`
	RefreshMarkets bool          `yaml:"refresh_markets" env:"REFRESH_MARKETS"`
}

// SessionLogin reports whether identifier and password are both set.
func (p ProviderConfig) SessionLogin() bool {
	return p.Identifier != "" && p.Password != ""
}

type RetryConfig struct {
	MaxRetries          int           `yaml:"max_retries" env:"MAX_RETRIES"`
	MaxRateLimitRetries int           `yaml:"max_rate_limit_retries" env:"MAX_RATE_LIMIT_RETRIES"`
	SharedBudget        bool          `yaml:"shared_budget" env:"SHARED_BUDGET"`
	Delay               time.Duration `yaml:"delay" env:"DELAY"`
	RateLimitDelay      time.Duration `yaml:"rate_limit_delay" env:"RATE_LIMIT_DELAY"`
	Exponential         bool          `yaml:"exponential" env:"EXPONENTIAL"`
	MaxDelay            time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
}

func (r RetryConfig) Policy() capital.RetryPolicy {
	return capital.RetryPolicy{
		MaxRetries:          r.MaxRetries,
		MaxRateLimitRetries: r.MaxRateLimitRetries,
		SharedBudget:        r.SharedBudget,
		Delay:               r.Delay,
		RateLimitDelay:      r.RateLimitDelay,
		Exponential:         r.Exponential,
		MaxDelay:            r.MaxDelay,
	}
}

type StoreConfig struct {
	Driver   string `yaml:"driver" env:"DRIVER"` // sqlite | postgres | memory
	Path     string `yaml:"path" env:"PATH"`
	DSN      string `yaml:"dsn" env:"DSN"`
	MaxConns int    `yaml:"max_conns" env:"MAX_CONNS"`
}

type CheckpointConfig struct {
	Backend string      `yaml:"backend" env:"BACKEND"` // file | store | redis
	Dir     string      `yaml:"dir" env:"DIR"`
	Redis   RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

type BackfillConfig struct {
	Floor           string `yaml:"floor" env:"FLOOR"` // YYYY-MM-DD
	ResumeFromStore bool   `yaml:"resume_from_store" env:"RESUME_FROM_STORE"`
	Reset           bool   `yaml:"reset" env:"RESET"`
}

type ArchiveConfig struct {
	Format string   `yaml:"format" env:"FORMAT"` // csv | json | parquet; empty disables the archive
	Dir    string   `yaml:"dir" env:"DIR"`
	S3     S3Config `yaml:"s3" envPrefix:"S3_"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint" env:"ENDPOINT"`
	AccessKey string `yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`
	Bucket    string `yaml:"bucket" env:"BUCKET"`
	UseSSL    bool   `yaml:"use_ssl" env:"USE_SSL"`
	Prefix    string `yaml:"prefix" env:"PREFIX"`
}

type ScheduleConfig struct {
	Cron         string `yaml:"cron" env:"CRON"` // six fields, seconds first
	SkipWeekends bool   `yaml:"skip_weekends" env:"SKIP_WEEKENDS"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" env:"ADDR"` // empty disables /metrics
}

// ConfigError marks invalid configuration or input; the process exits with 2.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config %s: %v", e.Field, e.Err) }

func (e *ConfigError) Unwrap() error { return e.Err }

func invalid(field, format string, args ...any) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:    "info",
		Mode:        ModeOnce,
		DataDir:     "data",
		Resolutions: []string{string(model.Day)},
		Workers:     4,
		Provider: ProviderConfig{
			BaseURL:       capital.DefaultBaseURL,
			RatePerSecond: capital.DefaultRatePerSecond,
			MaxBars:       capital.DefaultMaxBars,
			Timeout:       capital.DefaultTimeout,
		},
		Retry: RetryConfig{
			MaxRetries:          capital.DefaultMaxRetries,
			MaxRateLimitRetries: capital.DefaultMaxRetries,
			Delay:               capital.DefaultRetryDelay,
			RateLimitDelay:      capital.DefaultRateLimitDelay,
			MaxDelay:            5 * time.Minute,
		},
		Store:      StoreConfig{Driver: "sqlite"},
		Checkpoint: CheckpointConfig{Backend: "file", Redis: RedisConfig{Prefix: "backfill:checkpoint"}},
		Backfill:   BackfillConfig{Floor: "1950-01-01"},
		Schedule:   ScheduleConfig{Cron: "0 30 0 * * *", SkipWeekends: true},
	}
}

// ConfigPath returns BACKFILL_CONFIG or config.yaml.
func ConfigPath() string {
	if p := os.Getenv("BACKFILL_CONFIG"); p != "" {
		return p
	}
	return DefaultConfigPath
}

// LoadConfig reads path (a missing file is fine), applies the environment and validates.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &ConfigError{Field: path, Err: err}
		}
	}

	// Load .env file if it exists; real environment variables win.
	_ = godotenv.Load()

	if err := env.Parse(cfg); err != nil {
		return nil, &ConfigError{Field: "env", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks every field and fills paths derived from DataDir.
func (c *Config) Validate() error {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	switch c.Mode {
	case ModeOnce, ModeUpdate, ModeDaemon:
	default:
		return invalid("mode", "unknown mode %q (use once, update, daemon)", c.Mode)
	}
	if c.DataDir == "" {
		return invalid("data_dir", "must not be empty")
	}
	if c.Workers < 1 {
		return invalid("workers", "must be at least 1, got %d", c.Workers)
	}
	if _, err := c.ParsedResolutions(); err != nil {
		return &ConfigError{Field: "resolutions", Err: err}
	}

	if c.Provider.APIKey == "" {
		return invalid("provider.api_key", "not set (CAPITAL_API_KEY)")
	}
	if (c.Provider.Identifier == "") != (c.Provider.Password == "") {
		return invalid("provider.identifier", "identifier and password must be set together")
	}
	if c.Provider.MaxBars < 0 {
		return invalid("provider.max_bars", "must not be negative")
	}
	if c.Retry.Delay < 0 || c.Retry.RateLimitDelay < 0 || c.Retry.MaxDelay < 0 {
		return invalid("retry", "delays must not be negative")
	}

	c.Store.Driver = strings.ToLower(c.Store.Driver)
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			c.Store.Path = filepath.Join(c.DataDir, "bars.db")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return invalid("store.dsn", "required for the postgres driver")
		}
	case "memory":
	default:
		return invalid("store.driver", "unknown driver %q (use sqlite, postgres, memory)", c.Store.Driver)
	}

	c.Checkpoint.Backend = strings.ToLower(c.Checkpoint.Backend)
	switch c.Checkpoint.Backend {
	case "file":
		if c.Checkpoint.Dir == "" {
			c.Checkpoint.Dir = filepath.Join(c.DataDir, "checkpoints")
		}
	case "store":
		if c.Store.Driver == "memory" {
			return invalid("checkpoint.backend", "store checkpoints need a sqlite or postgres store")
		}
	case "redis":
		if c.Checkpoint.Redis.Addr == "" {
			return invalid("checkpoint.redis.addr", "required for the redis backend")
		}
	default:
		return invalid("checkpoint.backend", "unknown backend %q (use file, store, redis)", c.Checkpoint.Backend)
	}

	if _, err := c.FloorTime(); err != nil {
		return &ConfigError{Field: "backfill.floor", Err: err}
	}

	c.Archive.Format = strings.ToLower(strings.TrimSpace(c.Archive.Format))
	switch c.Archive.Format {
	case "":
	case "csv", "json", "parquet":
		if c.Archive.Dir == "" {
			c.Archive.Dir = filepath.Join(c.DataDir, "archive")
		}
		if c.Archive.S3.Endpoint != "" && c.Archive.S3.Bucket == "" {
			return invalid("archive.s3.bucket", "required when archive.s3.endpoint is set")
		}
	default:
		return invalid("archive.format", "unsupported format %q (use csv, parquet, json)", c.Archive.Format)
	}

	if _, err := cronParser.Parse(c.Schedule.Cron); err != nil {
		return &ConfigError{Field: "schedule.cron", Err: err}
	}
	return nil
}

// ParsedResolutions returns the configured resolutions, finest first as listed.
func (c *Config) ParsedResolutions() ([]model.Resolution, error) {
	res, err := model.ParseResolutions(c.Resolutions)
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, errors.New("at least one resolution is required")
	}
	return res, nil
}

// FloorTime is the oldest cursor a walk may reach (UTC midnight).
func (c *Config) FloorTime() (time.Time, error) {
	if c.Backfill.Floor == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(floorLayout, c.Backfill.Floor, time.UTC)
}

// ReportDir is where the run report is written.
func (c *Config) ReportDir() string { return c.DataDir }
