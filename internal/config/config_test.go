package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"transit_ingest/internal/storage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "transit.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Timezone != "Asia/Irkutsk" || cfg.Jobs.Workers != 4 {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != storage.DriverSQLite || cfg.Storage.SQLitePath != filepath.Join("data", "transit.db") {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if p := cfg.Paths(); p.PartitionDir != filepath.Join("data", "sorted_routes") {
		t.Errorf("paths = %+v", p)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, `
data_dir: /var/lib/transit
timezone: UTC
collector:
  duration: 2m
  interval: 5s
  max_attempts: 3
  headers:
    X-Requested-With: XMLHttpRequest
storage:
  driver: postgres
  postgres:
    host: db
    port: 5433
    database: transit
    user: ingest
api:
  addr: ":9000"
  auth_enabled: true
  api_keys: [secret]
jobs:
  workers: 2
  queue_size: 8
nats:
  url: nats://localhost:4222
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.DataDir != "/var/lib/transit" || cfg.Collector.Duration != 2*time.Minute || cfg.Collector.Interval != 5*time.Second {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.Storage.Postgres.Port != 5433 || cfg.Storage.Postgres.User != "ingest" {
		t.Errorf("postgres = %+v", cfg.Storage.Postgres)
	}
	if !cfg.API.AuthEnabled || len(cfg.API.APIKeys) != 1 || cfg.Jobs.Workers != 2 {
		t.Errorf("api = %+v jobs = %+v", cfg.API, cfg.Jobs)
	}
	if cfg.NATS.SubjectPrefix != "transit.jobs" {
		t.Errorf("nats prefix = %q", cfg.NATS.SubjectPrefix)
	}

	cc := cfg.CollectorSettings()
	if cc.Retry.MaxAttempts != 3 || cc.Interval != 5*time.Second || cc.Endpoint == "" {
		t.Errorf("collector settings = %+v", cc)
	}
	if cc.Headers["X-Requested-With"] != "XMLHttpRequest" || cc.Headers["Referer"] == "" {
		t.Errorf("headers = %v", cc.Headers)
	}

	loc, err := cfg.Location()
	if err != nil || loc != time.UTC {
		t.Errorf("Location = %v, %v", loc, err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "data_dir: /srv/transit\n")

	t.Setenv("TRANSIT_STORE_DRIVER", "postgres")
	t.Setenv("POSTGRES_HOST", "pg.internal")
	t.Setenv("POSTGRES_PORT", "6543")
	t.Setenv("POSTGRES_PASSWORD", "hunter2")
	t.Setenv("TRANSIT_API_KEYS", "k1, k2,")
	t.Setenv("TRANSIT_COLLECT_DURATION", "90s")
	t.Setenv("TRANSIT_WORKERS", "6")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	pg := cfg.Storage.Postgres
	if cfg.Storage.Driver != storage.DriverPostgres || pg.Host != "pg.internal" || pg.Port != 6543 || pg.Password != "hunter2" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if !cfg.API.AuthEnabled || strings.Join(cfg.API.APIKeys, ",") != "k1,k2" {
		t.Errorf("api = %+v", cfg.API)
	}
	if cfg.Collector.Duration != 90*time.Second || cfg.Jobs.Workers != 6 {
		t.Errorf("collector duration %s, workers %d", cfg.Collector.Duration, cfg.Jobs.Workers)
	}
	if cfg.Storage.SQLitePath != filepath.Join("/srv/transit", "transit.db") {
		t.Errorf("sqlite path = %q", cfg.Storage.SQLitePath)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{name: "unknown driver", yaml: "storage:\n  driver: oracle\n"},
		{name: "postgres without host", yaml: "storage:\n  driver: postgres\n  postgres:\n    host: \"\"\n"},
		{name: "zero duration", yaml: "collector:\n  duration: 0s\n"},
		{name: "bad endpoint", yaml: "collector:\n  endpoint: not a url\n"},
		{name: "auth without keys", yaml: "api:\n  auth_enabled: true\n"},
		{name: "bad timezone", yaml: "timezone: Mars/Olympus\n"},
		{name: "zero workers", yaml: "jobs:\n  workers: 0\n"},
		{name: "bad yaml", yaml: "collector: [\n"},
		{name: "bad env int", yaml: "", env: map[string]string{"POSTGRES_PORT": "five"}},
		{name: "bad env duration", yaml: "", env: map[string]string{"TRANSIT_COLLECT_DURATION": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(writeConfig(t, tt.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
