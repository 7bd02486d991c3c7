package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSQLite_Store(t *testing.T) {
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	exerciseStore(t, s)
}

func TestSQLite_RouteKeepsName(t *testing.T) {
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	if _, err := s.EnsureRoute(ctx, Route{ID: 7, Name: "7", TransportType: "bus"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnsureRoute(ctx, Route{ID: 7, Name: "Route 7", TransportType: "trolleybus"}); err != nil {
		t.Fatal(err)
	}

	r, err := s.GetRoute(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if r == nil || r.Name != "7" || r.TransportType != "trolleybus" {
		t.Errorf("route = %+v", r)
	}

	missing, err := s.GetRoute(ctx, 8)
	if err != nil || missing != nil {
		t.Errorf("GetRoute(8) = %+v, %v", missing, err)
	}
}

func TestSQLite_ReopenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transit.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.EnsureVehicle(ctx, "X1"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	c, err := s.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.Vehicles != 1 {
		t.Errorf("vehicles after reopen = %d", c.Vehicles)
	}
}

func TestOpen_SQLiteDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SQLitePath = ":memory:"

	db, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, ok := db.Store.(*SQLiteDB); !ok {
		t.Errorf("store is %T", db.Store)
	}
	if len(db.Mirrors) != 0 {
		t.Errorf("unexpected mirrors: %d", len(db.Mirrors))
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "oracle"}); err == nil {
		t.Error("expected error")
	}
}
