// Package importer loads route partitions into the store. Partitions come
// from the partition directory written by the collection pipeline or from
// uploaded JSON files and ZIP archives.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"transit_ingest/internal/storage"
	"transit_ingest/internal/telemetry"
	"transit_ingest/internal/transform"
)

// Options configures an Importer.
type Options struct {
	// Location is the timezone provider timestamps are written in. Nil
	// means time.Local.
	Location *time.Location
	Mirrors  []storage.Mirror
	Logger   *log.Logger
}

// Importer normalizes partitions and writes them to a store.
type Importer struct {
	store   storage.Store
	mirrors []storage.Mirror
	loc     *time.Location
	logger  *log.Logger
}

// New creates an importer writing to store.
func New(store storage.Store, opts Options) *Importer {
	im := &Importer{
		store:   store,
		mirrors: opts.Mirrors,
		loc:     opts.Location,
		logger:  opts.Logger,
	}
	if im.loc == nil {
		im.loc = time.Local
	}
	if im.logger == nil {
		im.logger = log.Default()
	}
	return im
}

// Result is the outcome of one import run.
type Result struct {
	Message               string   `json:"message"`
	TotalPositionsCreated int64    `json:"total_positions_created"`
	SkippedObservations   int      `json:"skipped_observations"`
	Errors                []string `json:"errors"`

	Partitions      int `json:"-"`
	RoutesCreated   int `json:"-"`
	RoutesRetyped   int `json:"-"`
	VehiclesCreated int `json:"-"`
}

// batch accumulates positions across every source of one run.
type batch struct {
	result    Result
	positions []storage.Position
	vehicles  map[string]int64
}

func newBatch() *batch {
	return &batch{
		result:   Result{Errors: []string{}},
		vehicles: make(map[string]int64),
	}
}

func (b *batch) fail(source string, err error) {
	b.result.Errors = append(b.result.Errors, fmt.Sprintf("%s: %v", source, err))
}

// ImportDir imports every *.json partition file in dir. A missing directory
// is a no-op.
func (im *Importer) ImportDir(ctx context.Context, dir string) (*Result, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		im.logger.Printf("importer: partition directory %s not found, nothing to import", dir)
		return &Result{Message: "no partition directory", Errors: []string{}}, nil
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	sort.Strings(files)

	if len(files) == 0 {
		im.logger.Printf("importer: no partition files in %s", dir)
		return &Result{Message: "no partition files", Errors: []string{}}, nil
	}

	b := newBatch()
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := filepath.Base(path)
		data, err := os.ReadFile(path)
		if err != nil {
			b.fail(name, err)
			continue
		}
		im.processPartition(ctx, b, name, data)
	}
	return im.commit(ctx, b)
}

// processPartition normalizes one partition payload into b. Failures are
// recorded against source.
func (im *Importer) processPartition(ctx context.Context, b *batch, source string, data []byte) {
	p, err := telemetry.ParsePartition(data)
	if err != nil {
		b.fail(source, err)
		return
	}
	if len(p.BusData) == 0 {
		b.fail(source, errors.New("partition has no bus_data"))
		return
	}
	routeID, ok := p.ID()
	if !ok {
		b.fail(source, errors.New("partition has no route_id"))
		return
	}
	b.result.Partitions++

	code, _ := p.BusData[0].RouteType.Text()
	route := storage.Route{
		ID:            routeID,
		Name:          string(p.RouteName),
		TransportType: transform.TransportType(code),
	}
	if route.Name == "" {
		route.Name = fmt.Sprintf("Route %d", routeID)
	}

	change, err := im.store.EnsureRoute(ctx, route)
	if err != nil {
		b.fail(source, err)
		return
	}
	switch change {
	case storage.RouteCreated:
		b.result.RoutesCreated++
	case storage.RouteRetyped:
		b.result.RoutesRetyped++
		im.logger.Printf("importer: route %d transport type changed to %s", routeID, route.TransportType)
	}

	for i, obs := range p.BusData {
		plate := obs.PlateNumber()
		if plate == "" {
			continue
		}

		vehicleID, ok := b.vehicles[plate]
		if !ok {
			id, created, err := im.store.EnsureVehicle(ctx, plate)
			if err != nil {
				b.fail(source, err)
				return
			}
			if created {
				b.result.VehiclesCreated++
			}
			b.vehicles[plate] = id
			vehicleID = id
		}

		pos, err := normalize(obs, im.loc)
		if err != nil {
			b.result.SkippedObservations++
			im.logger.Printf("importer: %s: observation %d (%s) skipped: %v", source, i, plate, err)
			continue
		}
		pos.VehicleID = vehicleID
		pos.Plate = plate
		pos.RouteID = routeID
		b.positions = append(b.positions, pos)
	}
}

// normalize converts the measured fields of an observation.
func normalize(obs telemetry.RawObservation, loc *time.Location) (storage.Position, error) {
	rawLat, err := obs.Lat.Float64()
	if err != nil {
		return storage.Position{}, fmt.Errorf("lat: %w", err)
	}
	rawLon, err := obs.Lon.Float64()
	if err != nil {
		return storage.Position{}, fmt.Errorf("lon: %w", err)
	}
	stamp, err := obs.LastTime.Text()
	if err != nil {
		return storage.Position{}, fmt.Errorf("lasttime: %w", err)
	}
	ts, err := transform.ParseTimestamp(stamp, loc)
	if err != nil {
		return storage.Position{}, err
	}
	speed, err := optionalCount(obs.Speed)
	if err != nil {
		return storage.Position{}, fmt.Errorf("speed: %w", err)
	}
	heading, err := optionalCount(obs.Heading)
	if err != nil {
		return storage.Position{}, fmt.Errorf("dir: %w", err)
	}

	lat, lon := transform.DecodeCoordinates(rawLat, rawLon)
	return storage.Position{
		Timestamp: ts,
		Latitude:  lat,
		Longitude: lon,
		Speed:     speed,
		Heading:   heading,
	}, nil
}

// optionalCount reads a non-negative integer that defaults to 0 when absent.
func optionalCount(f telemetry.Field) (int, error) {
	if !f.Present() {
		return 0, nil
	}
	v, err := f.Int64()
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative value %d", v)
	}
	return int(v), nil
}

// commit writes the accumulated positions and forwards them to mirrors.
func (im *Importer) commit(ctx context.Context, b *batch) (*Result, error) {
	res := &b.result
	res.Message = "import finished"

	if len(b.positions) > 0 {
		n, err := im.store.InsertPositions(ctx, b.positions)
		if err != nil {
			return nil, fmt.Errorf("commit positions: %w", err)
		}
		res.TotalPositionsCreated = n

		for _, m := range im.mirrors {
			if err := m.MirrorPositions(ctx, b.positions); err != nil {
				im.logger.Printf("importer: mirror %s failed: %v", m.Name(), err)
			}
		}
	}

	im.logger.Printf("importer: %d partitions, %d positions created (%d accumulated), %d skipped, %d errors",
		res.Partitions, res.TotalPositionsCreated, len(b.positions), res.SkippedObservations, len(res.Errors))
	return res, nil
}
