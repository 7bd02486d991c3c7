// Command transitd runs the ingestion service: the job worker pool, the HTTP
// API and, when configured, the NATS trigger.
//
// Usage:
//
//	transitd [options]
//
// Options:
//
//	-config PATH     YAML config file (env: TRANSIT_CONFIG)
//	-addr ADDR       HTTP listen address (overrides api.addr)
//	-workers N       Worker pool size (overrides jobs.workers)
//	-nats URL        NATS server URL (overrides nats.url)
//
// API Endpoints:
//
//	GET  /api/v1/health
//	POST /api/v1/jobs/collection   Start a collection pipeline run (202).
//	POST /api/v1/jobs/import       Import the partition directory (202).
//	GET  /api/v1/jobs/{id}         Latest state of a recent job.
//	POST /api/v1/uploads           Import uploaded JSON/ZIP files (field "files").
//
// NATS subjects (prefix from nats.subject_prefix, default transit.jobs):
//
//	<prefix>.collect, <prefix>.import    Request a job; the reply is the ack.
//	<prefix>.events.<kind>               Job state changes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/nats-io/nats.go"

	"transit_ingest/internal/api"
	"transit_ingest/internal/collector"
	"transit_ingest/internal/config"
	"transit_ingest/internal/importer"
	"transit_ingest/internal/jobs"
	"transit_ingest/internal/pipeline"
	"transit_ingest/internal/storage"
)

func main() {
	configPath := flag.String("config", envOrDefault("TRANSIT_CONFIG", ""), "YAML config file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	workers := flag.Int("workers", 0, "Worker pool size (overrides config)")
	natsURL := flag.String("nats", "", "NATS server URL (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.API.Addr = *addr
	}
	if *workers > 0 {
		cfg.Jobs.Workers = *workers
	}
	if *natsURL != "" {
		cfg.NATS.URL = *natsURL
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log.Default()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	db, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	col, err := collector.New(cfg.CollectorSettings(), logger)
	if err != nil {
		return err
	}
	im := importer.New(db.Store, importer.Options{Location: loc, Mirrors: db.Mirrors, Logger: logger})

	p := pipeline.New(cfg.Paths(), col, im, logger)
	p.Duration = cfg.Collector.Duration

	pool := jobs.NewPool(ctx, cfg.Jobs.Workers, cfg.Jobs.QueueSize, logger)
	dispatcher := jobs.NewDispatcher(pool, p, logger)

	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("transitd"), nats.MaxReconnects(-1))
		if err != nil {
			_ = pool.Close()
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer nc.Drain()

		trigger := jobs.NewNATSTrigger(dispatcher, nc, cfg.NATS.SubjectPrefix, logger)
		if err := trigger.Subscribe(nc); err != nil {
			_ = pool.Close()
			return err
		}
		defer trigger.Close()
		dispatcher.AddNotifier(trigger)
	}

	server := api.NewServer(cfg.API, dispatcher, im, db.Store, logger)
	serveErr := server.Run(ctx)
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}

	logger.Printf("transitd: shutting down, waiting for running jobs")
	if err := pool.Close(); err != nil {
		logger.Printf("transitd: %v", err)
	}
	return serveErr
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
