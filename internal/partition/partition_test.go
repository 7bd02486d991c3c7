package partition

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"transit_ingest/internal/telemetry"
)

var quiet = log.New(io.Discard, "", 0)

const sampleLog = `{"maxk":1,"anims":[{"rid":10,"rnum":"5к","gos_num":"A1","lat":1},{"rid":20,"gos_num":"B1","lat":2},{"gos_num":"C1","lat":3}]}
{"maxk":2,"anims":[{"rid":10,"rnum":"ignored","gos_num":"A1","lat":4},{"rid":"20","gos_num":"B2","lat":5},{"rid":0,"gos_num":"D1"}]}
garbage
{"maxk":3,"anims":[{"rid":30,"rnum":"","gos_num":"E1","lat":6,"extra":{"k":"v"}}]}
`

func TestGroup(t *testing.T) {
	routes, st, err := Group(strings.NewReader(sampleLog), quiet)
	if err != nil {
		t.Fatal(err)
	}

	if st.Malformed != 1 {
		t.Errorf("Malformed = %d, want 1", st.Malformed)
	}
	if st.NoRoute != 2 {
		t.Errorf("NoRoute = %d, want 2", st.NoRoute)
	}

	wantIDs := []int64{10, 20, 30}
	if len(routes) != len(wantIDs) {
		t.Fatalf("got %d routes, want %d", len(routes), len(wantIDs))
	}
	for i, p := range routes {
		if id, _ := p.ID(); id != wantIDs[i] {
			t.Errorf("route %d id = %d, want %d", i, id, wantIDs[i])
		}
	}

	if routes[0].RouteName != "5к" {
		t.Errorf("first-seen name = %q", routes[0].RouteName)
	}
	if routes[1].RouteName != "Route 20" || routes[2].RouteName != "Route 30" {
		t.Errorf("fallback names = %q, %q", routes[1].RouteName, routes[2].RouteName)
	}

	if len(routes[0].BusData) != 2 {
		t.Errorf("route 10 has %d observations", len(routes[0].BusData))
	}
	if lat, _ := routes[0].BusData[1].Lat.Int64(); lat != 4 {
		t.Errorf("route 10 order not preserved, second lat = %d", lat)
	}
}

// Every routed observation lands in exactly one partition.
func TestGroup_CompleteAndDisjoint(t *testing.T) {
	routes, st, err := Group(strings.NewReader(sampleLog), quiet)
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[string]int64)
	total := 0
	for _, p := range routes {
		id, _ := p.ID()
		for _, obs := range p.BusData {
			total++
			rid, ok := obs.Route()
			if !ok || rid != id {
				t.Errorf("observation with route %d filed under %d", rid, id)
			}
			b, _ := json.Marshal(obs)
			if prev, dup := seen[string(b)]; dup {
				t.Errorf("observation %s in routes %d and %d", b, prev, id)
			}
			seen[string(b)] = id
		}
	}
	if total != st.Observations || total != 5 {
		t.Errorf("partitioned %d observations, stats %d, want 5", total, st.Observations)
	}
}

func TestPartition_WritesFiles(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "dedup.jsonl")
	out := filepath.Join(dir, "routes")
	if err := os.WriteFile(in, []byte(sampleLog), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := os.MkdirAll(out, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(out, "route_999.json")
	if err := os.WriteFile(stale, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	keep := filepath.Join(out, "README.txt")
	if err := os.WriteFile(keep, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	st, err := Partition(in, out, quiet)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.Files) != 3 {
		t.Fatalf("wrote %d files", len(st.Files))
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale partition not removed")
	}
	if _, err := os.Stat(keep); err != nil {
		t.Error("non-partition file removed")
	}

	data, err := os.ReadFile(filepath.Join(out, "route_30.json"))
	if err != nil {
		t.Fatal(err)
	}
	p, err := telemetry.ParsePartition(data)
	if err != nil {
		t.Fatal(err)
	}
	if id, _ := p.ID(); id != 30 {
		t.Errorf("route_id = %d", id)
	}
	if len(p.BusData) != 1 {
		t.Fatalf("bus_data has %d entries", len(p.BusData))
	}
	if !strings.Contains(string(data), `"extra"`) {
		t.Error("unknown observation fields dropped")
	}
	if !strings.Contains(string(data), "\n    \"route_id\": 30") {
		t.Errorf("unexpected layout:\n%s", data)
	}
}

func TestPartition_MissingInput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "routes")

	st, err := Partition(filepath.Join(dir, "missing.jsonl"), out, quiet)
	if err != nil {
		t.Fatal(err)
	}
	if !st.NoInput {
		t.Error("expected NoInput")
	}
}

func TestFileName(t *testing.T) {
	if got := FileName(233); got != "route_233.json" {
		t.Errorf("FileName = %q", got)
	}
}
