package storage

import (
	"context"
	"math"
	"testing"
	"time"
)

// exerciseStore runs the shared Store contract against an empty store.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	change, err := s.EnsureRoute(ctx, Route{ID: 233, Name: "5к", TransportType: "bus"})
	if err != nil {
		t.Fatal(err)
	}
	if change != RouteCreated {
		t.Errorf("first EnsureRoute = %s, want created", change)
	}
	change, err = s.EnsureRoute(ctx, Route{ID: 233, Name: "other", TransportType: "bus"})
	if err != nil {
		t.Fatal(err)
	}
	if change != RouteUnchanged {
		t.Errorf("repeat EnsureRoute = %s, want unchanged", change)
	}
	change, err = s.EnsureRoute(ctx, Route{ID: 233, Name: "other", TransportType: "tram"})
	if err != nil {
		t.Fatal(err)
	}
	if change != RouteRetyped {
		t.Errorf("retype EnsureRoute = %s, want retyped", change)
	}

	id1, created, err := s.EnsureVehicle(ctx, "А123ВС38")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Error("first EnsureVehicle not reported as created")
	}
	again, created, err := s.EnsureVehicle(ctx, "А123ВС38")
	if err != nil {
		t.Fatal(err)
	}
	if created || again != id1 {
		t.Errorf("repeat EnsureVehicle = %d, %v; want %d, false", again, created, id1)
	}
	id2, _, err := s.EnsureVehicle(ctx, "B777OP38")
	if err != nil {
		t.Fatal(err)
	}

	ts := time.Date(2025, 12, 17, 2, 11, 12, 0, time.UTC)
	positions := []Position{
		{VehicleID: id1, Plate: "А123ВС38", RouteID: 233, Timestamp: ts, Latitude: 52.28, Longitude: 104.3, Speed: 20, Heading: 90},
		{VehicleID: id1, Plate: "А123ВС38", RouteID: 233, Timestamp: ts.Add(15 * time.Second), Latitude: 52.281, Longitude: 104.301},
		{VehicleID: id2, Plate: "B777OP38", Timestamp: ts, Latitude: 52.3, Longitude: 104.2},
		// Same vehicle and time as the first: ignored.
		{VehicleID: id1, Plate: "А123ВС38", RouteID: 233, Timestamp: ts, Latitude: 1, Longitude: 1},
	}

	n, err := s.InsertPositions(ctx, positions)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("inserted %d, want 3", n)
	}

	n, err = s.InsertPositions(ctx, positions)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("re-insert wrote %d, want 0", n)
	}

	c, err := s.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c != (Counts{Routes: 1, Vehicles: 2, Positions: 3}) {
		t.Errorf("counts = %+v", c)
	}

	got, err := s.ListPositions(ctx, PositionQuery{RouteID: 233})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("route 233 has %d positions, want 2", len(got))
	}
	if !got[0].Timestamp.Equal(ts) || got[0].Plate != "А123ВС38" || got[0].Speed != 20 || got[0].Heading != 90 {
		t.Errorf("first position = %+v", got[0])
	}
	if math.Abs(got[0].Latitude-52.28) > 1e-9 {
		t.Errorf("latitude = %f, kept the conflicting row?", got[0].Latitude)
	}

	got, err = s.ListPositions(ctx, PositionQuery{Plate: "B777OP38"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].RouteID != 0 {
		t.Errorf("routeless positions = %+v", got)
	}

	got, err = s.ListPositions(ctx, PositionQuery{Since: ts.Add(time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("since filter returned %d", len(got))
	}

	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestInsertPositions_Empty(t *testing.T) {
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	n, err := s.InsertPositions(context.Background(), nil)
	if err != nil || n != 0 {
		t.Errorf("InsertPositions(nil) = %d, %v", n, err)
	}
}

func TestRouteChangeString(t *testing.T) {
	tests := map[RouteChange]string{
		RouteCreated:   "created",
		RouteRetyped:   "retyped",
		RouteUnchanged: "unchanged",
	}
	for c, want := range tests {
		if c.String() != want {
			t.Errorf("%d.String() = %q, want %q", c, c.String(), want)
		}
	}
}
