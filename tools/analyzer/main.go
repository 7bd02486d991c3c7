// Package main provides an analyzer for raw and deduplicated staging logs.
// It reports snapshot counts, route and transport distribution, field
// coverage and the observed time range.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"transit_ingest/internal/telemetry"
	"transit_ingest/internal/transform"
)

func main() {
	input := flag.String("input", "data/deduplicated_data.jsonl", "Staging log (NDJSON snapshots)")
	outputFormat := flag.String("format", "text", "Output format: text, json")
	topN := flag.Int("top", 20, "Show top N routes")
	tz := flag.String("tz", "Asia/Irkutsk", "Timezone of provider timestamps")

	flag.Parse()

	loc, err := time.LoadLocation(*tz)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading timezone: %v\n", err)
		os.Exit(1)
	}

	f, err := os.Open(*input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening log: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	fmt.Fprintf(os.Stderr, "Analyzing %s...\n", *input)
	report, err := analyze(f, loc, *topN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading log: %v\n", err)
		os.Exit(1)
	}

	if *outputFormat == "json" {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	} else {
		printTextReport(os.Stdout, report)
	}
}

// AnalysisReport contains all analysis results.
type AnalysisReport struct {
	Summary           SummaryStats `json:"summary"`
	TransportTypes    []TypeCount  `json:"transport_types"`
	RouteDistribution []RouteCount `json:"route_distribution"`
	FieldCoverage     []FieldCount `json:"field_coverage"`
}

type SummaryStats struct {
	Lines            int       `json:"lines"`
	Malformed        int       `json:"malformed"`
	Snapshots        int       `json:"snapshots"`
	Observations     int       `json:"observations"`
	WithoutRoute     int       `json:"without_route"`
	WithoutPlate     int       `json:"without_plate"`
	BadTimestamps    int       `json:"bad_timestamps"`
	UniquePlates     int       `json:"unique_plates"`
	UniqueRoutes     int       `json:"unique_routes"`
	MinMarker        int64     `json:"min_maxk"`
	MaxMarker        int64     `json:"max_maxk"`
	FirstObservation time.Time `json:"first_observation,omitempty"`
	LastObservation  time.Time `json:"last_observation,omitempty"`
}

type TypeCount struct {
	Type  string  `json:"type"`
	Count int     `json:"count"`
	Pct   float64 `json:"percentage"`
}

type RouteCount struct {
	RouteID int64   `json:"route_id"`
	Name    string  `json:"name"`
	Count   int     `json:"count"`
	Plates  int     `json:"plates"`
	Pct     float64 `json:"percentage"`
}

type FieldCount struct {
	Field   string  `json:"field"`
	Present int     `json:"present"`
	Missing int     `json:"missing"`
	Pct     float64 `json:"percentage"`
}

type routeAcc struct {
	name   string
	count  int
	plates map[string]struct{}
}

// analyze reads NDJSON snapshots from r.
func analyze(r io.Reader, loc *time.Location, topN int) (*AnalysisReport, error) {
	report := &AnalysisReport{}
	s := &report.Summary

	plates := make(map[string]struct{})
	routes := make(map[int64]*routeAcc)
	types := make(map[string]int)
	fieldNames := []string{"rid", "rnum", "rtype", "gos_num", "lat", "lon", "speed", "dir", "lasttime"}
	present := make(map[string]int)

	scanner := telemetry.NewLineScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.Lines++

		snap, err := telemetry.ParseSnapshot([]byte(line))
		if err != nil {
			s.Malformed++
			continue
		}
		maxk := int64(snap.MaxK)
		if s.Snapshots == 0 || maxk < s.MinMarker {
			s.MinMarker = maxk
		}
		if s.Snapshots == 0 || maxk > s.MaxMarker {
			s.MaxMarker = maxk
		}
		s.Snapshots++

		for _, obs := range snap.Anims {
			s.Observations++

			fields := []telemetry.Field{obs.RouteID, obs.RouteNum, obs.RouteType, obs.Plate, obs.Lat, obs.Lon, obs.Speed, obs.Heading, obs.LastTime}
			for i, f := range fields {
				if f.Present() {
					present[fieldNames[i]]++
				}
			}

			plate := obs.PlateNumber()
			if plate == "" {
				s.WithoutPlate++
			} else {
				plates[plate] = struct{}{}
			}

			code, _ := obs.RouteType.Text()
			types[transform.TransportType(code)]++

			if stamp, err := obs.LastTime.Text(); err == nil {
				if ts, err := transform.ParseTimestamp(stamp, loc); err == nil {
					if s.FirstObservation.IsZero() || ts.Before(s.FirstObservation) {
						s.FirstObservation = ts
					}
					if ts.After(s.LastObservation) {
						s.LastObservation = ts
					}
				} else {
					s.BadTimestamps++
				}
			} else {
				s.BadTimestamps++
			}

			id, ok := obs.Route()
			if !ok {
				s.WithoutRoute++
				continue
			}
			acc, ok := routes[id]
			if !ok {
				name, _ := obs.RouteNum.Text()
				acc = &routeAcc{name: name, plates: make(map[string]struct{})}
				routes[id] = acc
			}
			acc.count++
			if plate != "" {
				acc.plates[plate] = struct{}{}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	s.UniquePlates = len(plates)
	s.UniqueRoutes = len(routes)

	for t, n := range types {
		report.TransportTypes = append(report.TransportTypes, TypeCount{Type: t, Count: n, Pct: pct(n, s.Observations)})
	}
	sort.Slice(report.TransportTypes, func(i, j int) bool {
		a, b := report.TransportTypes[i], report.TransportTypes[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Type < b.Type
	})

	for id, acc := range routes {
		report.RouteDistribution = append(report.RouteDistribution, RouteCount{
			RouteID: id,
			Name:    acc.name,
			Count:   acc.count,
			Plates:  len(acc.plates),
			Pct:     pct(acc.count, s.Observations),
		})
	}
	sort.Slice(report.RouteDistribution, func(i, j int) bool {
		a, b := report.RouteDistribution[i], report.RouteDistribution[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.RouteID < b.RouteID
	})
	if topN > 0 && len(report.RouteDistribution) > topN {
		report.RouteDistribution = report.RouteDistribution[:topN]
	}

	for _, name := range fieldNames {
		n := present[name]
		report.FieldCoverage = append(report.FieldCoverage, FieldCount{
			Field:   name,
			Present: n,
			Missing: s.Observations - n,
			Pct:     pct(n, s.Observations),
		})
	}

	return report, nil
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

func printTextReport(w io.Writer, report *AnalysisReport) {
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════")
	fmt.Fprintln(w, "                    STAGING LOG ANALYSIS")
	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════════")
	fmt.Fprintln(w)

	// Summary.
	fmt.Fprintln(w, "SUMMARY")
	fmt.Fprintln(w, "───────")
	s := report.Summary
	fmt.Fprintf(w, "Lines:              %d (%d malformed)\n", s.Lines, s.Malformed)
	fmt.Fprintf(w, "Snapshots:          %d (maxk %d..%d)\n", s.Snapshots, s.MinMarker, s.MaxMarker)
	fmt.Fprintf(w, "Observations:       %d\n", s.Observations)
	fmt.Fprintf(w, "Without route:      %d\n", s.WithoutRoute)
	fmt.Fprintf(w, "Without plate:      %d\n", s.WithoutPlate)
	fmt.Fprintf(w, "Bad timestamps:     %d\n", s.BadTimestamps)
	fmt.Fprintf(w, "Unique plates:      %d\n", s.UniquePlates)
	fmt.Fprintf(w, "Unique routes:      %d\n", s.UniqueRoutes)
	if !s.FirstObservation.IsZero() {
		fmt.Fprintf(w, "Time range:         %s to %s\n",
			s.FirstObservation.Format("2006-01-02 15:04:05"), s.LastObservation.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "TRANSPORT TYPES")
	fmt.Fprintln(w, "───────────────")
	fmt.Fprintf(w, "%-12s %10s %8s\n", "Type", "Count", "Pct")
	for _, tc := range report.TransportTypes {
		fmt.Fprintf(w, "%-12s %10d %7.1f%%\n", tc.Type, tc.Count, tc.Pct)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "ROUTE DISTRIBUTION (Observations per route)")
	fmt.Fprintln(w, "──────────────────")
	fmt.Fprintf(w, "%-8s %-10s %10s %8s %8s\n", "Route", "Name", "Count", "Plates", "Pct")
	for _, rc := range report.RouteDistribution {
		name := rc.Name
		if name == "" {
			name = "(empty)"
		}
		fmt.Fprintf(w, "%-8d %-10s %10d %8d %7.1f%%\n", rc.RouteID, name, rc.Count, rc.Plates, rc.Pct)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "FIELD COVERAGE (Presence per observation field)")
	fmt.Fprintln(w, "──────────────")
	for _, f := range report.FieldCoverage {
		bar := strings.Repeat("█", int(f.Pct/5))
		fmt.Fprintf(w, "  %-10s %5.1f%% %s\n", f.Field, f.Pct, bar)
	}
}
