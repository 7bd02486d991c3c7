// Package partition splits the deduplicated snapshot log into one file per
// route.
package partition

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"transit_ingest/internal/telemetry"
)

// Stats summarises one partitioning run.
type Stats struct {
	Lines        int      `json:"lines"`
	Malformed    int      `json:"malformed"`
	Observations int      `json:"observations"` // Observations assigned to a route.
	NoRoute      int      `json:"no_route"`     // Observations without a usable route id.
	Routes       int      `json:"routes"`
	Files        []string `json:"files"`
	NoInput      bool     `json:"no_input"`
}

// FileName returns the partition file name for a route.
func FileName(routeID int64) string {
	return fmt.Sprintf("route_%d.json", routeID)
}

// Group reads newline-delimited snapshots from r and groups their
// observations by route id. Routes and observations keep first-seen order.
func Group(r io.Reader, logger *log.Logger) ([]*telemetry.RoutePartition, Stats, error) {
	if logger == nil {
		logger = log.Default()
	}

	var st Stats
	index := make(map[int64]*telemetry.RoutePartition)
	var routes []*telemetry.RoutePartition

	scanner := telemetry.NewLineScanner(r)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		st.Lines++

		snap, err := telemetry.ParseSnapshot(line)
		if err != nil {
			st.Malformed++
			logger.Printf("partition: line %d: %v", st.Lines, err)
			continue
		}

		for _, obs := range snap.Anims {
			id, ok := obs.Route()
			if !ok {
				st.NoRoute++
				continue
			}
			p, ok := index[id]
			if !ok {
				rid := telemetry.FlexInt64(id)
				p = &telemetry.RoutePartition{RouteID: &rid, RouteName: telemetry.FlexString(routeName(obs, id))}
				index[id] = p
				routes = append(routes, p)
			}
			p.BusData = append(p.BusData, obs)
			st.Observations++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, st, fmt.Errorf("read deduplicated log: %w", err)
	}

	st.Routes = len(routes)
	return routes, st, nil
}

// routeName is the first observation's route number, or a synthesized label.
func routeName(obs telemetry.RawObservation, id int64) string {
	if name, err := obs.RouteNum.Text(); err == nil && strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name)
	}
	return fmt.Sprintf("Route %d", id)
}

// Partition reads the deduplicated log at inPath and writes one file per route
// into outDir. Existing partition files in outDir are removed first. A missing
// input log is a no-op.
func Partition(inPath, outDir string, logger *log.Logger) (Stats, error) {
	if logger == nil {
		logger = log.Default()
	}

	f, err := os.Open(inPath)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Printf("partition: deduplicated log %s not found, nothing to do", inPath)
		return Stats{NoInput: true}, nil
	}
	if err != nil {
		return Stats{}, fmt.Errorf("open deduplicated log: %w", err)
	}
	defer f.Close()

	routes, st, err := Group(f, logger)
	if err != nil {
		return st, err
	}

	if err := Clear(outDir); err != nil {
		return st, err
	}

	for _, p := range routes {
		id, _ := p.ID()
		path := filepath.Join(outDir, FileName(id))
		if err := writePartition(path, p); err != nil {
			return st, err
		}
		st.Files = append(st.Files, path)
	}

	logger.Printf("partition: %d observations across %d routes written to %s (%d without route, %d malformed lines)",
		st.Observations, st.Routes, outDir, st.NoRoute, st.Malformed)
	return st, nil
}

// Clear creates dir if needed and removes any partition files in it.
func Clear(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create partition dir: %w", err)
	}
	stale, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return fmt.Errorf("list partition dir: %w", err)
	}
	for _, path := range stale {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove stale partition: %w", err)
		}
	}
	return nil
}

func writePartition(path string, p *telemetry.RoutePartition) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
