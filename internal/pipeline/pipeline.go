// Package pipeline chains the collection stages and runs the directory
// import. Stages communicate only through the files named in Paths.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"transit_ingest/internal/collector"
	"transit_ingest/internal/dedup"
	"transit_ingest/internal/importer"
	"transit_ingest/internal/partition"
)

// DefaultDuration is how long one collection run polls the provider.
const DefaultDuration = 60 * time.Second

// Paths names the staging artifacts shared by the stages.
type Paths struct {
	RawLog       string `yaml:"raw_log"`
	DedupLog     string `yaml:"dedup_log"`
	PartitionDir string `yaml:"partition_dir"`
}

// DefaultPaths lays out the staging artifacts under dir.
func DefaultPaths(dir string) Paths {
	return Paths{
		RawLog:       filepath.Join(dir, "full_data.jsonl"),
		DedupLog:     filepath.Join(dir, "deduplicated_data.jsonl"),
		PartitionDir: filepath.Join(dir, "sorted_routes"),
	}
}

// Collector writes provider snapshots to a staging log.
type Collector interface {
	Collect(ctx context.Context, duration time.Duration, logPath string) (collector.Stats, error)
}

// DirImporter imports a partition directory.
type DirImporter interface {
	ImportDir(ctx context.Context, dir string) (*importer.Result, error)
}

// CollectionReport holds the statistics of each collection stage.
type CollectionReport struct {
	Collect   collector.Stats `json:"collect"`
	Dedup     dedup.Stats     `json:"dedup"`
	Partition partition.Stats `json:"partition"`
}

// Pipeline runs the collection and import pipelines.
type Pipeline struct {
	Paths    Paths
	Duration time.Duration

	collector Collector
	importer  DirImporter
	logger    *log.Logger
}

// New creates a pipeline. Either stage may be nil if the caller only runs
// the other one.
func New(paths Paths, c Collector, im DirImporter, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{
		Paths:     paths,
		Duration:  DefaultDuration,
		collector: c,
		importer:  im,
		logger:    logger,
	}
}

// RunCollection collects for p.Duration, deduplicates the raw log and
// partitions the result by route. Stages run strictly in order; import is
// never started from here.
func (p *Pipeline) RunCollection(ctx context.Context) (*CollectionReport, error) {
	if p.collector == nil {
		return nil, fmt.Errorf("collection pipeline: no collector configured")
	}
	start := time.Now()
	rep := &CollectionReport{}

	st, err := p.collector.Collect(ctx, p.Duration, p.Paths.RawLog)
	rep.Collect = st
	if err != nil {
		return rep, fmt.Errorf("collect: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	ds, err := dedup.Deduplicate(p.Paths.RawLog, p.Paths.DedupLog, p.logger)
	rep.Dedup = ds
	if err != nil {
		return rep, fmt.Errorf("dedup: %w", err)
	}

	ps, err := partition.Partition(p.Paths.DedupLog, p.Paths.PartitionDir, p.logger)
	rep.Partition = ps
	if err != nil {
		return rep, fmt.Errorf("partition: %w", err)
	}

	p.logger.Printf("pipeline: collection finished in %s: %d snapshots saved, %d unique, %d route files",
		time.Since(start).Round(time.Millisecond), st.Saved, ds.Written, ps.Routes)
	return rep, nil
}

// RunImport imports the partition directory.
func (p *Pipeline) RunImport(ctx context.Context) (*importer.Result, error) {
	if p.importer == nil {
		return nil, fmt.Errorf("import pipeline: no importer configured")
	}
	res, err := p.importer.ImportDir(ctx, p.Paths.PartitionDir)
	if err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}
	return res, nil
}
