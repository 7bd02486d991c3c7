// Package storage persists routes, vehicles and vehicle positions.
package storage

import (
	"context"
	"time"
)

// Route is a transit route keyed by the provider's route id.
type Route struct {
	ID            int64
	Name          string
	TransportType string
}

// RouteChange reports what EnsureRoute did.
type RouteChange int

const (
	RouteUnchanged RouteChange = iota
	RouteCreated
	RouteRetyped
)

func (c RouteChange) String() string {
	switch c {
	case RouteCreated:
		return "created"
	case RouteRetyped:
		return "retyped"
	default:
		return "unchanged"
	}
}

// Position is one normalized vehicle position. At most one position exists
// per (VehicleID, Timestamp).
type Position struct {
	VehicleID int64     `csv:"vehicle_id"`
	Plate     string    `csv:"plate"`
	RouteID   int64     `csv:"route_id,omitempty"` // Zero when unknown.
	Timestamp time.Time `csv:"timestamp"`
	Latitude  float64   `csv:"latitude"`
	Longitude float64   `csv:"longitude"`
	Speed     int       `csv:"speed"`
	Heading   int       `csv:"heading"`
}

// PositionQuery filters ListPositions.
type PositionQuery struct {
	RouteID int64
	Plate   string
	Since   time.Time
	Until   time.Time
	Limit   int // Default 1000.
}

// Counts summarises store contents.
type Counts struct {
	Routes    int64
	Vehicles  int64
	Positions int64
}

// Store is the write interface used by the importer and the query interface
// used by the export tool.
type Store interface {
	// EnsureRoute creates the route if it does not exist and corrects its
	// transport type if it differs. The name of an existing route is kept.
	EnsureRoute(ctx context.Context, r Route) (RouteChange, error)
	// EnsureVehicle returns the id of the vehicle with plate, creating it
	// on first sighting.
	EnsureVehicle(ctx context.Context, plate string) (id int64, created bool, err error)
	// InsertPositions writes positions in one operation, ignoring any that
	// collide with an existing (vehicle, timestamp). It returns the number
	// actually written.
	InsertPositions(ctx context.Context, positions []Position) (int64, error)

	ListPositions(ctx context.Context, q PositionQuery) ([]Position, error)
	Counts(ctx context.Context) (Counts, error)
	Ping(ctx context.Context) error
	Close() error
}

// Mirror receives a copy of every committed batch of positions.
type Mirror interface {
	Name() string
	MirrorPositions(ctx context.Context, positions []Position) error
}

func queryLimit(q PositionQuery) int {
	if q.Limit <= 0 {
		return 1000
	}
	return q.Limit
}
