// Package config loads service configuration from a YAML file, a .env file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"transit_ingest/internal/api"
	"transit_ingest/internal/collector"
	"transit_ingest/internal/jobs"
	"transit_ingest/internal/pipeline"
	"transit_ingest/internal/storage"
)

// DefaultTimezone is the zone provider timestamps are written in.
const DefaultTimezone = "Asia/Irkutsk"

// Config is the full service configuration.
type Config struct {
	DataDir   string          `yaml:"data_dir" validate:"required"`
	Timezone  string          `yaml:"timezone" validate:"required"`
	Collector CollectorConfig `yaml:"collector"`
	Storage   storage.Config  `yaml:"storage"`
	API       api.Config      `yaml:"api"`
	Jobs      JobsConfig      `yaml:"jobs"`
	NATS      NATSConfig      `yaml:"nats"`
}

// CollectorConfig holds provider polling settings.
type CollectorConfig struct {
	Endpoint       string            `yaml:"endpoint" validate:"required,url"`
	LandingURL     string            `yaml:"landing_url" validate:"omitempty,url"`
	City           string            `yaml:"city"`
	RouteIDs       string            `yaml:"route_ids"`
	Headers        map[string]string `yaml:"headers"`
	Duration       time.Duration     `yaml:"duration" validate:"gt=0"`
	Interval       time.Duration     `yaml:"interval" validate:"gt=0"`
	Jitter         time.Duration     `yaml:"jitter" validate:"gte=0"`
	NetworkBackoff time.Duration     `yaml:"network_backoff" validate:"gte=0"`
	ErrorBackoff   time.Duration     `yaml:"error_backoff" validate:"gte=0"`
	RequestTimeout time.Duration     `yaml:"request_timeout" validate:"gt=0"`
	MaxAttempts    int               `yaml:"max_attempts" validate:"gte=1,lte=20"`
}

// JobsConfig sizes the worker pool.
type JobsConfig struct {
	Workers   int `yaml:"workers" validate:"gte=1"`
	QueueSize int `yaml:"queue_size" validate:"gte=0"`
}

// NATSConfig enables the NATS trigger when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url" validate:"omitempty,url"`
	SubjectPrefix string `yaml:"subject_prefix" validate:"required"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	cc := collector.DefaultConfig()
	return Config{
		DataDir:  "data",
		Timezone: DefaultTimezone,
		Collector: CollectorConfig{
			Endpoint:       cc.Endpoint,
			LandingURL:     cc.LandingURL,
			City:           cc.Query.City,
			RouteIDs:       cc.Query.RouteIDs,
			Headers:        cc.Headers,
			Duration:       pipeline.DefaultDuration,
			Interval:       cc.Interval,
			Jitter:         cc.Jitter,
			NetworkBackoff: cc.NetworkBackoff,
			ErrorBackoff:   cc.ErrorBackoff,
			RequestTimeout: cc.RequestTimeout,
			MaxAttempts:    cc.Retry.MaxAttempts,
		},
		Storage: storage.DefaultConfig(),
		API:     api.DefaultConfig(),
		Jobs: JobsConfig{
			Workers:   jobs.DefaultWorkers,
			QueueSize: jobs.DefaultQueueSize,
		},
		NATS: NATSConfig{SubjectPrefix: jobs.DefaultSubjectPrefix},
	}
}

// Load builds the configuration. A .env file in the working directory is
// loaded first if present; the YAML file at path (if non-empty) overrides
// defaults; TRANSIT_* and POSTGRES_* variables override both.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func (c Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Storage.Driver == storage.DriverPostgres {
		if err := v.Struct(c.Storage.Postgres); err != nil {
			return fmt.Errorf("invalid postgres config: %w", err)
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location returns the configured timezone.
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Paths returns the staging artifact paths under DataDir.
func (c Config) Paths() pipeline.Paths {
	return pipeline.DefaultPaths(c.DataDir)
}

// CollectorSettings converts the collector section into collector.Config.
func (c Config) CollectorSettings() collector.Config {
	cc := collector.DefaultConfig()
	cc.Endpoint = c.Collector.Endpoint
	cc.LandingURL = c.Collector.LandingURL
	cc.Query.City = c.Collector.City
	cc.Query.RouteIDs = c.Collector.RouteIDs
	if len(c.Collector.Headers) > 0 {
		cc.Headers = c.Collector.Headers
	}
	cc.Interval = c.Collector.Interval
	cc.Jitter = c.Collector.Jitter
	cc.NetworkBackoff = c.Collector.NetworkBackoff
	cc.ErrorBackoff = c.Collector.ErrorBackoff
	cc.RequestTimeout = c.Collector.RequestTimeout
	cc.Retry.MaxAttempts = c.Collector.MaxAttempts
	return cc
}

func applyEnv(cfg *Config) error {
	envString("TRANSIT_DATA_DIR", &cfg.DataDir)
	envString("TRANSIT_TIMEZONE", &cfg.Timezone)

	envString("TRANSIT_ENDPOINT", &cfg.Collector.Endpoint)
	envString("TRANSIT_LANDING_URL", &cfg.Collector.LandingURL)
	envString("TRANSIT_CITY", &cfg.Collector.City)
	envString("TRANSIT_ROUTE_IDS", &cfg.Collector.RouteIDs)
	if err := envDuration("TRANSIT_COLLECT_DURATION", &cfg.Collector.Duration); err != nil {
		return err
	}
	if err := envDuration("TRANSIT_POLL_INTERVAL", &cfg.Collector.Interval); err != nil {
		return err
	}

	envString("TRANSIT_STORE_DRIVER", &cfg.Storage.Driver)
	envString("TRANSIT_SQLITE_PATH", &cfg.Storage.SQLitePath)
	envString("POSTGRES_HOST", &cfg.Storage.Postgres.Host)
	if err := envInt("POSTGRES_PORT", &cfg.Storage.Postgres.Port); err != nil {
		return err
	}
	envString("POSTGRES_DB", &cfg.Storage.Postgres.Database)
	envString("POSTGRES_USER", &cfg.Storage.Postgres.User)
	envString("POSTGRES_PASSWORD", &cfg.Storage.Postgres.Password)
	envString("POSTGRES_SSLMODE", &cfg.Storage.Postgres.SSLMode)

	envString("TRANSIT_API_ADDR", &cfg.API.Addr)
	if keys := envList("TRANSIT_API_KEYS"); len(keys) > 0 {
		cfg.API.APIKeys = keys
		cfg.API.AuthEnabled = true
	}

	if err := envInt("TRANSIT_WORKERS", &cfg.Jobs.Workers); err != nil {
		return err
	}
	envString("TRANSIT_NATS_URL", &cfg.NATS.URL)
	envString("TRANSIT_NATS_PREFIX", &cfg.NATS.SubjectPrefix)

	// A relative SQLite path follows the data directory unless it was set
	// explicitly.
	if os.Getenv("TRANSIT_SQLITE_PATH") == "" && cfg.Storage.SQLitePath == storage.DefaultConfig().SQLitePath {
		cfg.Storage.SQLitePath = filepath.Join(cfg.DataDir, "transit.db")
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
