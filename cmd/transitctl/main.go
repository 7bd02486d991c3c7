// Command transitctl runs the ingestion stages one at a time.
//
// Every command reads the same configuration as transitd (-config, .env and
// environment) and prints its statistics as JSON on stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	_ "time/tzdata"

	"transit_ingest/internal/collector"
	"transit_ingest/internal/config"
	"transit_ingest/internal/dedup"
	"transit_ingest/internal/importer"
	"transit_ingest/internal/partition"
	"transit_ingest/internal/pipeline"
	"transit_ingest/internal/storage"
)

func usage(w io.Writer) {
	fmt.Fprintln(w, "transitctl - commands:")
	fmt.Fprintln(w, "  collect    - poll the provider into the raw log")
	fmt.Fprintln(w, "  dedup      - deduplicate the raw log")
	fmt.Fprintln(w, "  partition  - split the deduplicated log into route files")
	fmt.Fprintln(w, "  pipeline   - collect, dedup and partition in sequence")
	fmt.Fprintln(w, "  import     - import a partition directory into the store")
	fmt.Fprintln(w, "  upload     - import JSON partition files or ZIP archives")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  transitctl collect [-config transit.yaml] [-duration 60s]")
	fmt.Fprintln(w, "  transitctl import [-config transit.yaml] [-dir data/sorted_routes]")
	fmt.Fprintln(w, "  transitctl upload [-config transit.yaml] FILE...")
	fmt.Fprintln(w, "")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := strings.ToLower(os.Args[1])
	var err error
	switch cmd {
	case "collect":
		err = runCollect(ctx, os.Args[2:])
	case "dedup":
		err = runDedup(os.Args[2:])
	case "partition":
		err = runPartition(os.Args[2:])
	case "pipeline":
		err = runPipeline(ctx, os.Args[2:])
	case "import":
		err = runImport(ctx, os.Args[2:])
	case "upload":
		err = runUpload(ctx, os.Args[2:])
	case "-h", "--help", "help":
		usage(os.Stdout)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage(os.Stderr)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags registers the flags every command accepts.
func commonFlags(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", envOrDefault("TRANSIT_CONFIG", ""), "YAML config file")
	return fs, configPath
}

func runCollect(ctx context.Context, args []string) error {
	fs, configPath := commonFlags("collect")
	duration := fs.Duration("duration", 0, "Collection duration (overrides config)")
	out := fs.String("output", "", "Raw log path (overrides config)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *duration > 0 {
		cfg.Collector.Duration = *duration
	}
	rawLog := cfg.Paths().RawLog
	if *out != "" {
		rawLog = *out
	}

	col, err := collector.New(cfg.CollectorSettings(), log.Default())
	if err != nil {
		return err
	}
	st, err := col.Collect(ctx, cfg.Collector.Duration, rawLog)
	if err != nil {
		return err
	}
	return printJSON(st)
}

func runDedup(args []string) error {
	fs, configPath := commonFlags("dedup")
	in := fs.String("input", "", "Raw log path (overrides config)")
	out := fs.String("output", "", "Deduplicated log path (overrides config)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	paths := cfg.Paths()
	if *in != "" {
		paths.RawLog = *in
	}
	if *out != "" {
		paths.DedupLog = *out
	}

	st, err := dedup.Deduplicate(paths.RawLog, paths.DedupLog, log.Default())
	if err != nil {
		return err
	}
	return printJSON(st)
}

func runPartition(args []string) error {
	fs, configPath := commonFlags("partition")
	in := fs.String("input", "", "Deduplicated log path (overrides config)")
	dir := fs.String("dir", "", "Partition directory (overrides config)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	paths := cfg.Paths()
	if *in != "" {
		paths.DedupLog = *in
	}
	if *dir != "" {
		paths.PartitionDir = *dir
	}

	st, err := partition.Partition(paths.DedupLog, paths.PartitionDir, log.Default())
	if err != nil {
		return err
	}
	return printJSON(st)
}

func runPipeline(ctx context.Context, args []string) error {
	fs, configPath := commonFlags("pipeline")
	duration := fs.Duration("duration", 0, "Collection duration (overrides config)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *duration > 0 {
		cfg.Collector.Duration = *duration
	}

	col, err := collector.New(cfg.CollectorSettings(), log.Default())
	if err != nil {
		return err
	}
	p := pipeline.New(cfg.Paths(), col, nil, log.Default())
	p.Duration = cfg.Collector.Duration

	rep, err := p.RunCollection(ctx)
	if err != nil {
		return err
	}
	return printJSON(rep)
}

func runImport(ctx context.Context, args []string) error {
	fs, configPath := commonFlags("import")
	dir := fs.String("dir", "", "Partition directory (overrides config)")
	createSchema := fs.Bool("create-schema", false, "Create tables before importing")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *createSchema {
		cfg.Storage.CreateSchema = true
	}
	partitionDir := cfg.Paths().PartitionDir
	if *dir != "" {
		partitionDir = *dir
	}

	return withImporter(ctx, cfg, func(im *importer.Importer) (*importer.Result, error) {
		return im.ImportDir(ctx, partitionDir)
	})
}

func runUpload(ctx context.Context, args []string) error {
	fs, configPath := commonFlags("upload")
	_ = fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("upload: no files given")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	var uploads []importer.Upload
	for _, name := range fs.Args() {
		f, err := os.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		uploads = append(uploads, importer.Upload{Name: name, Reader: f})
	}

	return withImporter(ctx, cfg, func(im *importer.Importer) (*importer.Result, error) {
		return im.ImportUploads(ctx, uploads)
	})
}

// withImporter opens the store, runs fn and prints its result.
func withImporter(ctx context.Context, cfg config.Config, fn func(*importer.Importer) (*importer.Result, error)) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	db, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	im := importer.New(db.Store, importer.Options{Location: loc, Mirrors: db.Mirrors, Logger: log.Default()})
	res, err := fn(im)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
