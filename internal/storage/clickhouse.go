package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"required,min=1,max=65535"`
	Database string `yaml:"database" validate:"required"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// ClickHouseDB mirrors positions into ClickHouse for analytical queries.
type ClickHouseDB struct {
	conn driver.Conn
}

// Conn returns the underlying ClickHouse connection for direct queries.
func (d *ClickHouseDB) Conn() driver.Conn {
	return d.conn
}

// OpenClickHouse opens a connection to ClickHouse.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	// Test the connection.
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection.
func (d *ClickHouseDB) Close() error {
	return d.conn.Close()
}

// Name identifies the mirror in logs.
func (d *ClickHouseDB) Name() string { return "clickhouse" }

// CreateSchema creates the position table. Re-mirrored rows collapse on
// merge, keyed by plate and timestamp.
func (d *ClickHouseDB) CreateSchema(ctx context.Context) error {
	err := d.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS vehicle_positions (
			plate           LowCardinality(String),
			route_id        Int64,
			timestamp       DateTime('UTC'),
			latitude        Float64,
			longitude       Float64,
			speed           UInt16,
			heading         UInt16,
			inserted_at     DateTime64(3) DEFAULT now64(3)
		)
		ENGINE = ReplacingMergeTree(inserted_at)
		PARTITION BY toYYYYMM(timestamp)
		ORDER BY (plate, timestamp)`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// MirrorPositions appends positions in a single batch.
func (d *ClickHouseDB) MirrorPositions(ctx context.Context, positions []Position) error {
	if len(positions) == 0 {
		return nil
	}

	batch, err := d.conn.PrepareBatch(ctx, `
		INSERT INTO vehicle_positions (plate, route_id, timestamp, latitude, longitude, speed, heading)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, p := range positions {
		err := batch.Append(p.Plate, p.RouteID, p.Timestamp.UTC(), p.Latitude, p.Longitude, uint16(p.Speed), uint16(p.Heading))
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// CountPositions returns the number of distinct mirrored positions.
func (d *ClickHouseDB) CountPositions(ctx context.Context) (uint64, error) {
	var count uint64
	if err := d.conn.QueryRow(ctx, `SELECT count() FROM vehicle_positions FINAL`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count positions: %w", err)
	}
	return count, nil
}
