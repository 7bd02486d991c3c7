package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"required,min=1,max=65535"`
	Database string `yaml:"database" validate:"required"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// ConnString returns the connection URL for cfg.
func (cfg PostgresConfig) ConnString() string {
	sslmode := cfg.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, sslmode)
}

// PostgresDB stores positions in PostgreSQL with a PostGIS location column.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a connection pool to PostgreSQL.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresDB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	// Test the connection.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the PostgreSQL connection pool.
func (d *PostgresDB) Close() error {
	d.pool.Close()
	return nil
}

// Ping checks the connection.
func (d *PostgresDB) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// Pool returns the underlying connection pool for advanced operations.
func (d *PostgresDB) Pool() *pgxpool.Pool {
	return d.pool
}

// CreateSchema creates the tables. Intended for development databases;
// production schema is managed outside this service.
func (d *PostgresDB) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE EXTENSION IF NOT EXISTS postgis;

	CREATE TABLE IF NOT EXISTS routes (
		id              BIGINT PRIMARY KEY,
		name            TEXT NOT NULL,
		transport_type  TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS vehicles (
		id              BIGSERIAL PRIMARY KEY,
		plate           TEXT NOT NULL UNIQUE,
		first_seen      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS vehicle_positions (
		id              BIGSERIAL PRIMARY KEY,
		vehicle_id      BIGINT NOT NULL REFERENCES vehicles(id) ON DELETE CASCADE,
		route_id        BIGINT REFERENCES routes(id) ON DELETE SET NULL,
		ts              TIMESTAMPTZ NOT NULL,
		location        geometry(Point, 4326) NOT NULL,
		latitude        DOUBLE PRECISION NOT NULL,
		longitude       DOUBLE PRECISION NOT NULL,
		speed           INTEGER NOT NULL DEFAULT 0,
		heading         INTEGER NOT NULL DEFAULT 0,
		UNIQUE (vehicle_id, ts)
	);

	CREATE INDEX IF NOT EXISTS idx_vehicle_positions_ts ON vehicle_positions(ts);
	CREATE INDEX IF NOT EXISTS idx_vehicle_positions_route ON vehicle_positions(route_id);
	`

	if _, err := d.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	// Spatial index separately, it is optional for correctness.
	_, _ = d.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_vehicle_positions_location ON vehicle_positions USING GIST(location)`)

	return nil
}

// EnsureRoute inserts the route if absent, then corrects its transport type.
func (d *PostgresDB) EnsureRoute(ctx context.Context, r Route) (RouteChange, error) {
	tag, err := d.pool.Exec(ctx, `
		INSERT INTO routes (id, name, transport_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, r.ID, r.Name, r.TransportType)
	if err != nil {
		return RouteUnchanged, fmt.Errorf("insert route %d: %w", r.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return RouteCreated, nil
	}

	tag, err = d.pool.Exec(ctx, `
		UPDATE routes SET transport_type = $2, updated_at = NOW()
		WHERE id = $1 AND transport_type <> $2
	`, r.ID, r.TransportType)
	if err != nil {
		return RouteUnchanged, fmt.Errorf("update route %d: %w", r.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return RouteRetyped, nil
	}
	return RouteUnchanged, nil
}

// EnsureVehicle returns the id for plate, creating the vehicle if needed.
func (d *PostgresDB) EnsureVehicle(ctx context.Context, plate string) (int64, bool, error) {
	var id int64
	err := d.pool.QueryRow(ctx, `
		INSERT INTO vehicles (plate) VALUES ($1)
		ON CONFLICT (plate) DO NOTHING
		RETURNING id
	`, plate).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("insert vehicle %q: %w", plate, err)
	}

	if err := d.pool.QueryRow(ctx, `SELECT id FROM vehicles WHERE plate = $1`, plate).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("select vehicle %q: %w", plate, err)
	}
	return id, false, nil
}

var stagingColumns = []string{"vehicle_id", "route_id", "ts", "location", "latitude", "longitude", "speed", "heading"}

// InsertPositions copies positions into a temporary table and moves them
// into vehicle_positions, skipping (vehicle_id, ts) conflicts.
func (d *PostgresDB) InsertPositions(ctx context.Context, positions []Position) (int64, error) {
	if len(positions) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(positions))
	for _, p := range positions {
		point, err := wkb.Marshal(orb.Point{p.Longitude, p.Latitude})
		if err != nil {
			return 0, fmt.Errorf("encode location: %w", err)
		}
		var routeID *int64
		if p.RouteID != 0 {
			id := p.RouteID
			routeID = &id
		}
		rows = append(rows, []any{p.VehicleID, routeID, p.Timestamp, point, p.Latitude, p.Longitude, int32(p.Speed), int32(p.Heading)})
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		CREATE TEMP TABLE position_staging (
			vehicle_id  BIGINT,
			route_id    BIGINT,
			ts          TIMESTAMPTZ,
			location    BYTEA,
			latitude    DOUBLE PRECISION,
			longitude   DOUBLE PRECISION,
			speed       INTEGER,
			heading     INTEGER
		) ON COMMIT DROP
	`); err != nil {
		return 0, fmt.Errorf("create staging table: %w", err)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"position_staging"}, stagingColumns, pgx.CopyFromRows(rows)); err != nil {
		return 0, fmt.Errorf("copy positions: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO vehicle_positions (vehicle_id, route_id, ts, location, latitude, longitude, speed, heading)
		SELECT vehicle_id, route_id, ts, ST_SetSRID(ST_GeomFromWKB(location), 4326), latitude, longitude, speed, heading
		FROM position_staging
		ON CONFLICT (vehicle_id, ts) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("insert positions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListPositions returns positions matching q, oldest first.
func (d *PostgresDB) ListPositions(ctx context.Context, q PositionQuery) ([]Position, error) {
	var conditions []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.RouteID != 0 {
		conditions = append(conditions, "p.route_id = "+arg(q.RouteID))
	}
	if q.Plate != "" {
		conditions = append(conditions, "v.plate = "+arg(q.Plate))
	}
	if !q.Since.IsZero() {
		conditions = append(conditions, "p.ts >= "+arg(q.Since))
	}
	if !q.Until.IsZero() {
		conditions = append(conditions, "p.ts < "+arg(q.Until))
	}

	query := `
		SELECT p.vehicle_id, v.plate, COALESCE(p.route_id, 0), p.ts, p.latitude, p.longitude, p.speed, p.heading
		FROM vehicle_positions p
		JOIN vehicles v ON v.id = p.vehicle_id`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY p.ts, p.vehicle_id LIMIT " + arg(queryLimit(q))

	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var p Position
		var speed, heading int32
		if err := rows.Scan(&p.VehicleID, &p.Plate, &p.RouteID, &p.Timestamp, &p.Latitude, &p.Longitude, &speed, &heading); err != nil {
			return nil, err
		}
		p.Speed, p.Heading = int(speed), int(heading)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Counts returns row counts for the three tables.
func (d *PostgresDB) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := d.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM routes),
			(SELECT COUNT(*) FROM vehicles),
			(SELECT COUNT(*) FROM vehicle_positions)
	`).Scan(&c.Routes, &c.Vehicles, &c.Positions)
	if err != nil {
		return Counts{}, fmt.Errorf("count rows: %w", err)
	}
	return c, nil
}
