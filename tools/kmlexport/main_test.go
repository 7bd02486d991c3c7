package main

import (
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"transit_ingest/internal/storage"
)

func TestBuildTracks(t *testing.T) {
	base := time.Date(2025, 12, 17, 2, 0, 0, 0, time.UTC)
	positions := []storage.Position{
		{Plate: "B2", Timestamp: base.Add(time.Minute), Latitude: 52.1, Longitude: 104.1},
		{Plate: "A1", RouteID: 5, Timestamp: base.Add(2 * time.Minute), Latitude: 52.3, Longitude: 104.3},
		{Plate: "A1", RouteID: 5, Timestamp: base, Latitude: 52.2, Longitude: 104.2},
	}

	tracks := buildTracks(positions)
	if len(tracks) != 2 || tracks[0].plate != "A1" || tracks[1].plate != "B2" {
		t.Fatalf("tracks = %+v", tracks)
	}

	a := tracks[0]
	if len(a.path) != 2 || a.path[0].Lat() != 52.2 || a.path[1].Lat() != 52.3 {
		t.Errorf("A1 path = %v", a.path)
	}
	if !a.first.Equal(base) || !a.last.Equal(base.Add(2*time.Minute)) || a.routeID != 5 {
		t.Errorf("A1 track = %+v", a)
	}
}

func TestGenerateKML(t *testing.T) {
	base := time.Date(2025, 12, 17, 2, 0, 0, 0, time.UTC)
	tracks := buildTracks([]storage.Position{
		{Plate: "A1", Timestamp: base, Latitude: 52.2, Longitude: 104.2},
		{Plate: "A1", Timestamp: base.Add(time.Minute), Latitude: 52.3, Longitude: 104.3},
		{Plate: "B2", Timestamp: base, Latitude: 52.1, Longitude: 104.1},
	})

	kml := generateKML(tracks, time.UTC, base)
	if len(kml.Document.Placemarks) != 2 {
		t.Fatalf("placemarks = %d", len(kml.Document.Placemarks))
	}

	line := kml.Document.Placemarks[0]
	if line.LineString == nil || line.Point != nil {
		t.Fatalf("A1 geometry = %+v", line)
	}
	if line.LineString.Coordinates != "104.200000,52.200000,0 104.300000,52.300000,0" {
		t.Errorf("A1 coordinates = %q", line.LineString.Coordinates)
	}

	point := kml.Document.Placemarks[1]
	if point.Point == nil || point.LineString != nil || point.StyleURL != "#vehicleStyle" {
		t.Errorf("B2 geometry = %+v", point)
	}

	if !strings.Contains(kml.Document.Description, "[104.1000,52.1000]-[104.3000,52.3000]") {
		t.Errorf("description = %q", kml.Document.Description)
	}

	data, err := xml.Marshal(kml)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "<LineString><tessellate>1</tessellate>") {
		t.Errorf("xml = %s", data)
	}
}
