// Package config loads procflowd settings from a YAML file, an optional
// .env file and PROCFLOW_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/procflow/pkg/api"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the complete daemon configuration.
type Config struct {
	Store       StoreConfig     `yaml:"store"`
	Redis       RedisConfig     `yaml:"redis"`
	Mongo       MongoConfig     `yaml:"mongo"`
	Scheduler   SchedulerConfig `yaml:"scheduler"`
	Retry       RetryConfig     `yaml:"retry"`
	Engine      EngineConfig    `yaml:"engine"`
	HTTP        HTTPConfig      `yaml:"http"`
	Log         LogConfig       `yaml:"log"`
	Definitions string          `yaml:"definitions"`
}

// StoreConfig selects where instances, tasks, history and jobs live.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RedisConfig moves the job queue to Redis when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// MongoConfig moves process history to MongoDB when URI is set. With
// JobsCollection the job queue moves there too, unless Redis is configured.
type MongoConfig struct {
	URI            string `yaml:"uri"`
	Database       string `yaml:"database"`
	Collection     string `yaml:"collection"`
	JobsCollection string `yaml:"jobsCollection"`
}

type SchedulerConfig struct {
	PollInterval    time.Duration `yaml:"pollInterval"`
	BatchSize       int           `yaml:"batchSize"`
	Concurrency     int           `yaml:"concurrency"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
	Retention       time.Duration `yaml:"retention"`
	StaleAfter      time.Duration `yaml:"staleAfter"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"maxAttempts"`
	InitialBackoff    time.Duration `yaml:"initialBackoff"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier"`
	MaxBackoff        time.Duration `yaml:"maxBackoff"`
}

// Policy converts the settings to an api.RetryPolicy.
func (r RetryConfig) Policy() api.RetryPolicy {
	return api.RetryPolicy{
		MaxAttempts:       r.MaxAttempts,
		InitialBackoff:    r.InitialBackoff,
		BackoffMultiplier: r.BackoffMultiplier,
		MaxBackoff:        r.MaxBackoff,
	}
}

type EngineConfig struct {
	TimerDelay  time.Duration `yaml:"timerDelay"`
	HTTPTimeout time.Duration `yaml:"httpTimeout"`
	LeaseTTL    time.Duration `yaml:"leaseTTL"`
	LeaseWait   time.Duration `yaml:"leaseWait"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SlogLevel parses Level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Default returns the built-in settings.
func Default() *Config {
	retry := api.DefaultRetryPolicy()
	return &Config{
		Store: StoreConfig{Driver: DriverMemory},
		Redis: RedisConfig{Prefix: "procflow:"},
		Mongo: MongoConfig{Database: "procflow", Collection: "process_events"},
		Scheduler: SchedulerConfig{
			PollInterval:    2 * time.Second,
			BatchSize:       10,
			Concurrency:     3,
			CleanupInterval: time.Hour,
			Retention:       24 * time.Hour,
			StaleAfter:      5 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:       retry.MaxAttempts,
			InitialBackoff:    retry.InitialBackoff,
			BackoffMultiplier: retry.BackoffMultiplier,
			MaxBackoff:        retry.MaxBackoff,
		},
		Engine: EngineConfig{
			TimerDelay:  30 * time.Second,
			HTTPTimeout: 30 * time.Second,
			LeaseTTL:    30 * time.Second,
			LeaseWait:   10 * time.Second,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Log:  LogConfig{Level: "info", Format: "json"},
	}
}

// Load builds a Config from the defaults, the YAML file at path (skipped
// when path is empty), the given .env files (".env" when none are given;
// a missing file is ignored) and the environment.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// godotenv never overrides variables that are already set.
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings for values the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Scheduler.PollInterval <= 0 {
		return errors.New("config: scheduler.pollInterval must be positive")
	}
	if c.Scheduler.BatchSize <= 0 || c.Scheduler.Concurrency <= 0 {
		return errors.New("config: scheduler.batchSize and scheduler.concurrency must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("config: retry.maxAttempts must be positive")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overlays PROCFLOW_* variables onto cfg.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	strs := map[string]*string{
		"PROCFLOW_STORE_DRIVER":    &cfg.Store.Driver,
		"PROCFLOW_STORE_DSN":       &cfg.Store.DSN,
		"PROCFLOW_REDIS_ADDR":      &cfg.Redis.Addr,
		"PROCFLOW_REDIS_PASSWORD":  &cfg.Redis.Password,
		"PROCFLOW_REDIS_PREFIX":    &cfg.Redis.Prefix,
		"PROCFLOW_MONGO_URI":       &cfg.Mongo.URI,
		"PROCFLOW_MONGO_DATABASE":  &cfg.Mongo.Database,
		"PROCFLOW_MONGO_JOBS":      &cfg.Mongo.JobsCollection,
		"PROCFLOW_HTTP_ADDR":       &cfg.HTTP.Addr,
		"PROCFLOW_LOG_LEVEL":       &cfg.Log.Level,
		"PROCFLOW_LOG_FORMAT":      &cfg.Log.Format,
		"PROCFLOW_DEFINITIONS_DIR": &cfg.Definitions,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"PROCFLOW_REDIS_DB":              &cfg.Redis.DB,
		"PROCFLOW_SCHEDULER_BATCH_SIZE":  &cfg.Scheduler.BatchSize,
		"PROCFLOW_SCHEDULER_CONCURRENCY": &cfg.Scheduler.Concurrency,
		"PROCFLOW_RETRY_MAX_ATTEMPTS":    &cfg.Retry.MaxAttempts,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"PROCFLOW_SCHEDULER_POLL_INTERVAL":    &cfg.Scheduler.PollInterval,
		"PROCFLOW_SCHEDULER_CLEANUP_INTERVAL": &cfg.Scheduler.CleanupInterval,
		"PROCFLOW_SCHEDULER_RETENTION":        &cfg.Scheduler.Retention,
		"PROCFLOW_SCHEDULER_STALE_AFTER":      &cfg.Scheduler.StaleAfter,
		"PROCFLOW_RETRY_INITIAL_BACKOFF":      &cfg.Retry.InitialBackoff,
		"PROCFLOW_RETRY_MAX_BACKOFF":          &cfg.Retry.MaxBackoff,
		"PROCFLOW_ENGINE_TIMER_DELAY":         &cfg.Engine.TimerDelay,
		"PROCFLOW_ENGINE_HTTP_TIMEOUT":        &cfg.Engine.HTTPTimeout,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = d
	}

	if v, ok := lookup("PROCFLOW_RETRY_BACKOFF_MULTIPLIER"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("config: PROCFLOW_RETRY_BACKOFF_MULTIPLIER: %w", err)
		}
		cfg.Retry.BackoffMultiplier = f
	}
	return nil
}
