package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteDB stores positions in a local SQLite file. Timestamps are kept as
// unix seconds.
type SQLiteDB struct {
	db *sql.DB
}

// OpenSQLite opens or creates a SQLite database at path. ":memory:" gives a
// private in-memory database.
func OpenSQLite(path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection keeps in-memory databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent access.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := createSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteDB{db: db}, nil
}

// Close closes the database connection.
func (d *SQLiteDB) Close() error {
	return d.db.Close()
}

// Ping checks the connection.
func (d *SQLiteDB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func createSQLiteSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS routes (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		transport_type TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS vehicles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		plate TEXT NOT NULL UNIQUE
	);

	CREATE TABLE IF NOT EXISTS vehicle_positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		vehicle_id INTEGER NOT NULL REFERENCES vehicles(id) ON DELETE CASCADE,
		route_id INTEGER REFERENCES routes(id) ON DELETE SET NULL,
		ts INTEGER NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		speed INTEGER NOT NULL DEFAULT 0,
		heading INTEGER NOT NULL DEFAULT 0,
		UNIQUE (vehicle_id, ts)
	);

	CREATE INDEX IF NOT EXISTS idx_vehicle_positions_ts ON vehicle_positions(ts);
	CREATE INDEX IF NOT EXISTS idx_vehicle_positions_route ON vehicle_positions(route_id);
	`
	_, err := db.Exec(schema)
	return err
}

// EnsureRoute inserts the route if absent, then corrects its transport type.
func (d *SQLiteDB) EnsureRoute(ctx context.Context, r Route) (RouteChange, error) {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO routes (id, name, transport_type) VALUES (?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, r.ID, r.Name, r.TransportType)
	if err != nil {
		return RouteUnchanged, fmt.Errorf("insert route %d: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return RouteCreated, nil
	}

	res, err = d.db.ExecContext(ctx, `
		UPDATE routes SET transport_type = ? WHERE id = ? AND transport_type <> ?
	`, r.TransportType, r.ID, r.TransportType)
	if err != nil {
		return RouteUnchanged, fmt.Errorf("update route %d: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return RouteRetyped, nil
	}
	return RouteUnchanged, nil
}

// GetRoute returns the route with id, or nil if it does not exist.
func (d *SQLiteDB) GetRoute(ctx context.Context, id int64) (*Route, error) {
	var r Route
	err := d.db.QueryRowContext(ctx, `SELECT id, name, transport_type FROM routes WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.TransportType)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// EnsureVehicle returns the id for plate, creating the vehicle if needed.
func (d *SQLiteDB) EnsureVehicle(ctx context.Context, plate string) (int64, bool, error) {
	res, err := d.db.ExecContext(ctx, `INSERT INTO vehicles (plate) VALUES (?) ON CONFLICT (plate) DO NOTHING`, plate)
	if err != nil {
		return 0, false, fmt.Errorf("insert vehicle %q: %w", plate, err)
	}
	n, _ := res.RowsAffected()

	var id int64
	if err := d.db.QueryRowContext(ctx, `SELECT id FROM vehicles WHERE plate = ?`, plate).Scan(&id); err != nil {
		return 0, false, fmt.Errorf("select vehicle %q: %w", plate, err)
	}
	return id, n == 1, nil
}

// InsertPositions writes positions in one transaction, skipping
// (vehicle_id, ts) conflicts.
func (d *SQLiteDB) InsertPositions(ctx context.Context, positions []Position) (int64, error) {
	if len(positions) == 0 {
		return 0, nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vehicle_positions (vehicle_id, route_id, ts, latitude, longitude, speed, heading)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (vehicle_id, ts) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, p := range positions {
		var routeID any
		if p.RouteID != 0 {
			routeID = p.RouteID
		}
		res, err := stmt.ExecContext(ctx, p.VehicleID, routeID, p.Timestamp.Unix(), p.Latitude, p.Longitude, p.Speed, p.Heading)
		if err != nil {
			return 0, fmt.Errorf("insert position: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// ListPositions returns positions matching q, oldest first.
func (d *SQLiteDB) ListPositions(ctx context.Context, q PositionQuery) ([]Position, error) {
	var conditions []string
	var args []any

	if q.RouteID != 0 {
		conditions = append(conditions, "p.route_id = ?")
		args = append(args, q.RouteID)
	}
	if q.Plate != "" {
		conditions = append(conditions, "v.plate = ?")
		args = append(args, q.Plate)
	}
	if !q.Since.IsZero() {
		conditions = append(conditions, "p.ts >= ?")
		args = append(args, q.Since.Unix())
	}
	if !q.Until.IsZero() {
		conditions = append(conditions, "p.ts < ?")
		args = append(args, q.Until.Unix())
	}

	query := `
		SELECT p.vehicle_id, v.plate, COALESCE(p.route_id, 0), p.ts, p.latitude, p.longitude, p.speed, p.heading
		FROM vehicle_positions p
		JOIN vehicles v ON v.id = p.vehicle_id`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY p.ts, p.vehicle_id LIMIT ?"
	args = append(args, queryLimit(q))

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var p Position
		var ts int64
		if err := rows.Scan(&p.VehicleID, &p.Plate, &p.RouteID, &ts, &p.Latitude, &p.Longitude, &p.Speed, &p.Heading); err != nil {
			return nil, err
		}
		p.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// Counts returns row counts for the three tables.
func (d *SQLiteDB) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := d.db.QueryRowContext(ctx, `
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
