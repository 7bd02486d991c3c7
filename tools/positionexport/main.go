// Package main provides a tool to export stored vehicle positions to CSV.
// The header row is always written:
// vehicle_id,plate,route_id,timestamp,latitude,longitude,speed,heading
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/jszwec/csvutil"

	"transit_ingest/internal/config"
	"transit_ingest/internal/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("TRANSIT_CONFIG"), "YAML config file")
	routeID := flag.Int64("route", 0, "Only positions on this route id")
	plate := flag.String("plate", "", "Only positions of this vehicle plate")
	since := flag.String("since", "", "Earliest timestamp (RFC3339 or YYYY-MM-DD)")
	until := flag.String("until", "", "Latest timestamp (RFC3339 or YYYY-MM-DD)")
	limit := flag.Int("limit", 10000, "Maximum number of positions")
	output := flag.String("output", "", "Output CSV file (default: stdout)")
	showStats := flag.Bool("stats", false, "Show store statistics only, don't export")
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

	q := storage.PositionQuery{RouteID: *routeID, Plate: *plate, Limit: *limit}
	if q.Since, err = parseTime(*since, loc); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid -since: %v\n", err)
		os.Exit(1)
	}
	if q.Until, err = parseTime(*until, loc); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid -until: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	db, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	// Show stats mode.
	if *showStats {
		c, err := db.Store.Counts(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Routes:    %d\n", c.Routes)
		fmt.Printf("Vehicles:  %d\n", c.Vehicles)
		fmt.Printf("Positions: %d\n", c.Positions)
		return
	}

	positions, err := db.Store.ListPositions(ctx, q)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error querying positions: %v\n", err)
		os.Exit(1)
	}

	if len(positions) == 0 {
		fmt.Fprintf(os.Stderr, "No positions found matching criteria\n")
		os.Exit(0)
	}

	if *verbose {
		fmt.Fprintf(os.Stderr, "Exporting %d positions to CSV\n", len(positions))
	}

	var w io.Writer = os.Stdout
	if *output != "" {
		file, err := os.Create(*output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating file: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = file.Close() }()
		w = file
	}

	if err := writePositions(w, positions, loc); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing CSV: %v\n", err)
		os.Exit(1)
	}

	if *verbose && *output != "" {
		fmt.Fprintf(os.Stderr, "Wrote %d positions to %s\n", len(positions), *output)
	}
}

// writePositions writes positions as CSV with timestamps in loc.
func writePositions(w io.Writer, positions []storage.Position, loc *time.Location) error {
	rows := make([]storage.Position, len(positions))
	for i, p := range positions {
		p.Timestamp = p.Timestamp.In(loc)
		rows[i] = p
	}

	data, err := csvutil.Marshal(rows)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// parseTime accepts RFC3339 timestamps or bare dates in loc.
func parseTime(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", s, loc)
}
