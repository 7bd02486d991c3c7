package collector

import (
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/paulmach/orb"
)

func TestQueryValues(t *testing.T) {
	q := Query{RouteIDs: "2-1,13-1", Bounds: WholeWorld, City: "irkutsk", Info: 12345}
	now := time.UnixMilli(1765710345123)

	v := q.Values(now)
	want := map[string]string{
		"rids": "2-1,13-1",
		"lat0": "0",
		"lng0": "0",
		"lat1": "90",
		"lng1": "180",
		"curk": "0",
		"city": "irkutsk",
		"info": "12345",
		"_":    "1765710345123",
	}
	for k, w := range want {
		if got := v.Get(k); got != w {
			t.Errorf("%s = %q, want %q", k, got, w)
		}
	}

	later := q.Values(now.Add(1500 * time.Millisecond))
	if later.Get("_") != "1765710346623" {
		t.Errorf("second timestamp = %s", later.Get("_"))
	}
	if v.Get("_") != "1765710345123" {
		t.Error("earlier parameter set was modified")
	}
}

func TestQueryValues_Bounds(t *testing.T) {
	q := Query{Bounds: orb.Bound{Min: orb.Point{104.1, 52.2}, Max: orb.Point{104.5, 52.4}}}
	v := q.Values(time.Now())
	if v.Get("lat0") != "52.2" || v.Get("lng0") != "104.1" || v.Get("lat1") != "52.4" || v.Get("lng1") != "104.5" {
		t.Errorf("bounds = %v", v)
	}
}

func TestQueryURL(t *testing.T) {
	q := Query{RouteIDs: "1-0", Bounds: WholeWorld, City: "irkutsk"}
	raw, err := q.URL("http://example.test/php/getVehiclesMarkers.php", time.UnixMilli(1))
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if u.Path != "/php/getVehiclesMarkers.php" || u.Query().Get("rids") != "1-0" {
		t.Errorf("url = %s", raw)
	}

	if _, err := q.URL("://bad", time.Now()); err == nil {
		t.Error("expected error for bad endpoint")
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}

	if got := (RetryPolicy{}).Delay(3); got != 0 {
		t.Errorf("zero policy delay = %s", got)
	}
}

func TestDefaultRetryable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
		want   bool
	}{
		{"connection error", 0, errors.New("connection refused"), true},
		{"500", 500, nil, true},
		{"502", 502, nil, true},
		{"503", 503, nil, true},
		{"504", 504, nil, true},
		{"404", 404, nil, false},
		{"429", 429, nil, false},
		{"200", 200, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp *http.Response
			if tt.err == nil {
				resp = &http.Response{StatusCode: tt.status}
			}
			if got := DefaultRetryable(resp, tt.err); got != tt.want {
				t.Errorf("DefaultRetryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewClientAttempts(t *testing.T) {
	c := DefaultRetryPolicy().NewClient(nil, quiet)
	if c.RetryMax != 4 {
		t.Errorf("RetryMax = %d, want 4", c.RetryMax)
	}
}
