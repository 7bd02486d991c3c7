// Package main provides a tool to export vehicle tracks from the store to KML format.
// KML (Keyhole Markup Language) files can be viewed in Google Earth, Google Maps, and
// other mapping applications.
package main

import (
	"context"
	"encoding/xml"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/paulmach/orb"

	"transit_ingest/internal/config"
	"transit_ingest/internal/storage"
)

// KML structures for XML marshalling.
// These follow the KML 2.2 specification: https://developers.google.com/kml/documentation/kmlreference

// KML is the root element of a KML document.
type KML struct {
	XMLName   xml.Name `xml:"kml"`
	Namespace string   `xml:"xmlns,attr"`
	Document  Document `xml:"Document"`
}

// Document contains the document metadata and features.
type Document struct {
	Name        string      `xml:"name"`
	Description string      `xml:"description,omitempty"`
	Styles      []Style     `xml:"Style,omitempty"`
	Placemarks  []Placemark `xml:"Placemark"`
}

// Style defines the visual appearance of features.
type Style struct {
	ID        string     `xml:"id,attr"`
	LineStyle *LineStyle `xml:"LineStyle,omitempty"`
	IconStyle *IconStyle `xml:"IconStyle,omitempty"`
}

// LineStyle defines how tracks are drawn.
type LineStyle struct {
	Color string  `xml:"color"` // aabbggrr
	Width float64 `xml:"width"`
}

// IconStyle defines how icons are displayed.
type IconStyle struct {
	Scale float64 `xml:"scale,omitempty"`
	Icon  Icon    `xml:"Icon"`
}

// Icon specifies the icon image.
type Icon struct {
	Href string `xml:"href"`
}

// Placemark represents a geographic feature with geometry and metadata.
type Placemark struct {
	Name         string        `xml:"name"`
	Description  string        `xml:"description,omitempty"`
	StyleURL     string        `xml:"styleUrl,omitempty"`
	Point        *Point        `xml:"Point,omitempty"`
	LineString   *LineString   `xml:"LineString,omitempty"`
	ExtendedData *ExtendedData `xml:"ExtendedData,omitempty"`
}

// Point represents a geographic location.
type Point struct {
	Coordinates string `xml:"coordinates"` // Format: lon,lat,altitude
}

// LineString is a path through successive coordinates.
type LineString struct {
	Tessellate  int    `xml:"tessellate"`
	Coordinates string `xml:"coordinates"`
}

// ExtendedData holds custom data associated with a placemark.
type ExtendedData struct {
	Data []Data `xml:"Data"`
}

// Data represents a single piece of extended data.
type Data struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

// track is the time-ordered path of one vehicle.
type track struct {
	plate   string
	routeID int64
	first   time.Time
	last    time.Time
	path    orb.LineString
}

func main() {
	configPath := flag.String("config", os.Getenv("TRANSIT_CONFIG"), "YAML config file")
	routeID := flag.Int64("route", 0, "Only positions on this route id")
	plate := flag.String("plate", "", "Only this vehicle plate")
	limit := flag.Int("limit", 50000, "Maximum number of positions")
	output := flag.String("output", "", "Output KML file (default: stdout)")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	loc, err := cfg.Location()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading timezone: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	db, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	positions, err := db.Store.ListPositions(ctx, storage.PositionQuery{RouteID: *routeID, Plate: *plate, Limit: *limit})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error querying positions: %v\n", err)
		os.Exit(1)
	}

	if len(positions) == 0 {
		fmt.Fprintf(os.Stderr, "No positions found matching criteria\n")
		os.Exit(0)
	}

	tracks := buildTracks(positions)
	if *verbose {
		fmt.Fprintf(os.Stderr, "Exporting %d positions in %d tracks to KML\n", len(positions), len(tracks))
	}

	kml := generateKML(tracks, loc, time.Now())

	xmlData, err := xml.MarshalIndent(kml, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating KML: %v\n", err)
		os.Exit(1)
	}
	xmlOutput := xml.Header + string(xmlData)

	if *output != "" {
		if err := os.WriteFile(*output, []byte(xmlOutput), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing file: %v\n", err)
			os.Exit(1)
		}
		if *verbose {
			fmt.Fprintf(os.Stderr, "Wrote %s\n", *output)
		}
	} else {
		fmt.Println(xmlOutput)
	}
}

// buildTracks groups positions by plate in time order. Tracks are sorted by
// plate.
func buildTracks(positions []storage.Position) []*track {
	sorted := append([]storage.Position(nil), positions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	byPlate := make(map[string]*track)
	var tracks []*track
	for _, p := range sorted {
		t, ok := byPlate[p.Plate]
		if !ok {
			t = &track{plate: p.Plate, first: p.Timestamp}
			byPlate[p.Plate] = t
			tracks = append(tracks, t)
		}
		t.path = append(t.path, orb.Point{p.Longitude, p.Latitude})
		t.last = p.Timestamp
		if p.RouteID != 0 {
			t.routeID = p.RouteID
		}
	}

	sort.Slice(tracks, func(i, j int) bool { return tracks[i].plate < tracks[j].plate })
	return tracks
}

func formatCoords(path orb.LineString) string {
	parts := make([]string, len(path))
	for i, pt := range path {
		// KML coordinates are in the format: longitude,latitude,altitude
		parts[i] = fmt.Sprintf("%.6f,%.6f,0", pt.Lon(), pt.Lat())
	}
	return strings.Join(parts, " ")
}

// generateKML creates a KML document with one placemark per vehicle. A
// vehicle seen once is drawn as a point, otherwise as a line.
func generateKML(tracks []*track, loc *time.Location, generated time.Time) KML {
	placemarks := make([]Placemark, len(tracks))
	var bound orb.Bound
	for i, t := range tracks {
		if i == 0 {
			bound = t.path.Bound()
		} else {
			bound = bound.Union(t.path.Bound())
		}

		description := fmt.Sprintf(
			"Positions: %d\nFirst seen: %s\nLast seen: %s",
			len(t.path),
			t.first.In(loc).Format("2006-01-02 15:04:05"),
			t.last.In(loc).Format("2006-01-02 15:04:05"),
		)

		pm := Placemark{
			Name:        t.plate,
			Description: description,
			ExtendedData: &ExtendedData{
				Data: []Data{
					{Name: "route_id", Value: fmt.Sprintf("%d", t.routeID)},
					{Name: "positions", Value: fmt.Sprintf("%d", len(t.path))},
					{Name: "first_seen", Value: t.first.Format(time.RFC3339)},
					{Name: "last_seen", Value: t.last.Format(time.RFC3339)},
				},
			},
		}
		if len(t.path) == 1 {
			pm.StyleURL = "#vehicleStyle"
			pm.Point = &Point{Coordinates: formatCoords(t.path)}
		} else {
			pm.StyleURL = "#trackStyle"
			pm.LineString = &LineString{Tessellate: 1, Coordinates: formatCoords(t.path)}
		}
		placemarks[i] = pm
	}

	return KML{
		Namespace: "http://www.opengis.net/kml/2.2",
		Document: Document{
			Name: "Vehicle Tracks",
			Description: fmt.Sprintf("%d vehicles within [%.4f,%.4f]-[%.4f,%.4f]. Generated %s.",
				len(tracks), bound.Min.Lon(), bound.Min.Lat(), bound.Max.Lon(), bound.Max.Lat(),
				generated.In(loc).Format("2006-01-02 15:04:05")),
			Styles: []Style{
				{
					ID:        "trackStyle",
					LineStyle: &LineStyle{Color: "ff0000ff", Width: 3},
				},
				{
					ID: "vehicleStyle",
					IconStyle: &IconStyle{
						Scale: 0.8,
						Icon: Icon{
							Href: "http://maps.google.com/mapfiles/kml/shapes/bus.png",
						},
					},
				},
			},
			Placemarks: placemarks,
		},
	}
}
