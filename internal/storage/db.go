package storage

import (
	"context"
	"errors"
	"fmt"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config selects the primary store and optional mirrors.
type Config struct {
	Driver        string               `yaml:"driver" validate:"oneof=postgres sqlite"`
	SQLitePath    string               `yaml:"sqlite_path" validate:"required_if=Driver sqlite"`
	Postgres      PostgresConfig       `yaml:"postgres" validate:"-"` // Checked only for the postgres driver.
	ClickHouse    *ClickHouseConfig    `yaml:"clickhouse"`
	Elasticsearch *ElasticsearchConfig `yaml:"elasticsearch"`
	CreateSchema  bool                 `yaml:"create_schema"`
}

// DefaultConfig returns a configuration with default local development settings.
func DefaultConfig() Config {
	return Config{
		Driver:     DriverSQLite,
		SQLitePath: "data/transit.db",
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "transit",
			User:     "transit",
			Password: "transit",
		},
	}
}

// DB holds the primary store and the mirrors that receive committed batches.
type DB struct {
	Store   Store
	Mirrors []Mirror

	closers []func() error
}

// Open opens the primary store and every configured mirror.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	d := &DB{}

	switch cfg.Driver {
	case DriverPostgres:
		pg, err := OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		d.Store = pg
		d.closers = append(d.closers, pg.Close)
		if cfg.CreateSchema {
			if err := pg.CreateSchema(ctx); err != nil {
				_ = d.Close()
				return nil, fmt.Errorf("postgres schema: %w", err)
			}
		}
	case DriverSQLite, "":
		lite, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		d.Store = lite
		d.closers = append(d.closers, lite.Close)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}

	if cfg.ClickHouse != nil {
		ch, err := OpenClickHouse(ctx, *cfg.ClickHouse)
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("clickhouse: %w", err)
		}
		d.closers = append(d.closers, ch.Close)
		if cfg.CreateSchema {
			if err := ch.CreateSchema(ctx); err != nil {
				_ = d.Close()
				return nil, fmt.Errorf("clickhouse schema: %w", err)
			}
		}
		d.Mirrors = append(d.Mirrors, ch)
	}

	if cfg.Elasticsearch != nil {
		es, err := OpenElasticsearch(ctx, *cfg.Elasticsearch)
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("elasticsearch: %w", err)
		}
		d.Mirrors = append(d.Mirrors, es)
	}

	return d, nil
}

// Close closes every connection.
func (d *DB) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
