package main

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

const sampleLog = `{"maxk":3,"anims":[{"rid":10,"rnum":"10","rtype":"А","gos_num":"A1","lat":1,"lon":2,"speed":5,"dir":90,"lasttime":"17.12.2025 10:00:00"},{"rid":11,"rnum":"11т","rtype":"Т","gos_num":"T7","lat":1,"lon":2,"lasttime":"17.12.2025 10:05:00"}]}
not json
{"maxk":1,"anims":[{"rid":10,"rnum":"10","rtype":"А","gos_num":"A2","lat":1,"lon":2,"lasttime":"17.12.2025 09:58:00"},{"gos_num":"","lat":1,"lon":2,"lasttime":"bad"}]}

`

func TestAnalyze(t *testing.T) {
	report, err := analyze(strings.NewReader(sampleLog), time.UTC, 0)
	if err != nil {
		t.Fatal(err)
	}

	s := report.Summary
	if s.Lines != 3 || s.Malformed != 1 || s.Snapshots != 2 || s.Observations != 4 {
		t.Errorf("summary counts = %+v", s)
	}
	if s.WithoutRoute != 1 || s.WithoutPlate != 1 || s.BadTimestamps != 1 {
		t.Errorf("summary gaps = %+v", s)
	}
	if s.UniquePlates != 3 || s.UniqueRoutes != 2 || s.MinMarker != 1 || s.MaxMarker != 3 {
		t.Errorf("summary uniques = %+v", s)
	}
	if !s.FirstObservation.Equal(time.Date(2025, 12, 17, 9, 58, 0, 0, time.UTC)) ||
		!s.LastObservation.Equal(time.Date(2025, 12, 17, 10, 5, 0, 0, time.UTC)) {
		t.Errorf("time range = %s..%s", s.FirstObservation, s.LastObservation)
	}

	if len(report.RouteDistribution) != 2 {
		t.Fatalf("routes = %+v", report.RouteDistribution)
	}
	top := report.RouteDistribution[0]
	if top.RouteID != 10 || top.Count != 2 || top.Plates != 2 || top.Pct != 50 {
		t.Errorf("top route = %+v", top)
	}

	if report.TransportTypes[0].Type != "bus" || report.TransportTypes[0].Count != 3 {
		t.Errorf("transport types = %+v", report.TransportTypes)
	}

	coverage := map[string]FieldCount{}
	for _, f := range report.FieldCoverage {
		coverage[f.Field] = f
	}
	if coverage["speed"].Present != 1 || coverage["speed"].Missing != 3 || coverage["lat"].Pct != 100 {
		t.Errorf("coverage = %+v", report.FieldCoverage)
	}
}

func TestAnalyze_TopN(t *testing.T) {
	report, err := analyze(strings.NewReader(sampleLog), time.UTC, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.RouteDistribution) != 1 || report.RouteDistribution[0].RouteID != 10 {
		t.Errorf("routes = %+v", report.RouteDistribution)
	}
}

func TestPrintTextReport(t *testing.T) {
	report, err := analyze(strings.NewReader(sampleLog), time.UTC, 0)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	printTextReport(&buf, report)

	for _, want := range []string{"STAGING LOG ANALYSIS", "Observations:       4", "11т", "FIELD COVERAGE"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("report missing %q:\n%s", want, buf.String())
		}
	}
}
