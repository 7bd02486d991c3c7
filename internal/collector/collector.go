// Package collector polls the vehicle tracking provider and appends every
// non-empty response to the raw staging log.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/hashicorp/go-retryablehttp"

	"transit_ingest/internal/telemetry"
)

// Default provider endpoints.
const (
	DefaultEndpoint   = "http://irkbus.ru/php/getVehiclesMarkers.php"
	DefaultLandingURL = "http://irkbus.ru/"
)

// degradedEmptyWarn is the number of consecutive empty polls without a
// session cookie after which a warning is logged.
const degradedEmptyWarn = 3

// Config holds collector settings.
type Config struct {
	Endpoint   string
	LandingURL string
	Query      Query
	Headers    map[string]string

	Interval time.Duration // Base wait between polls.
	Jitter   time.Duration // Random extra wait added to Interval.

	NetworkBackoff time.Duration // Wait after a failed request.
	ErrorBackoff   time.Duration // Wait after any other failure.

	RequestTimeout   time.Duration
	BootstrapTimeout time.Duration

	Retry RetryPolicy
}

// DefaultHeaders are sent with every provider request.
func DefaultHeaders() map[string]string {
	return map[string]string{
		"Accept":           "application/json, text/javascript, */*; q=0.01",
		"Accept-Language":  "ru,en;q=0.9",
		"Referer":          DefaultLandingURL,
		"User-Agent":       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36",
		"X-Requested-With": "XMLHttpRequest",
	}
}

// DefaultConfig returns settings for the production provider.
func DefaultConfig() Config {
	return Config{
		Endpoint:   DefaultEndpoint,
		LandingURL: DefaultLandingURL,
		Query: Query{
			RouteIDs: DefaultRouteIDs,
			Bounds:   WholeWorld,
			City:     "irkutsk",
			Info:     12345,
		},
		Headers:          DefaultHeaders(),
		Interval:         10 * time.Second,
		Jitter:           5 * time.Second,
		NetworkBackoff:   20 * time.Second,
		ErrorBackoff:     15 * time.Second,
		RequestTimeout:   15 * time.Second,
		BootstrapTimeout: 10 * time.Second,
		Retry:            DefaultRetryPolicy(),
	}
}

// Session is the outcome of the landing page bootstrap.
type Session struct {
	Cookies  int
	Title    string
	Degraded bool // No session cookie was obtained.
	Err      error
}

// Stats summarises one collection run.
type Stats struct {
	Polls           int  `json:"polls"`
	Saved           int  `json:"saved"`
	Empty           int  `json:"empty"`
	NetworkFailures int  `json:"network_failures"`
	OtherFailures   int  `json:"other_failures"`
	Degraded        bool `json:"degraded"`
	Interrupted     bool `json:"interrupted"`
}

// NetworkError is a request that failed after all retries, or finished with a
// non-success status.
type NetworkError struct {
	Status int // Zero when no response was received.
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider returned status %d", e.Status)
	}
	return fmt.Sprintf("provider request failed: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Collector polls the provider.
type Collector struct {
	cfg    Config
	client *retryablehttp.Client
	jar    http.CookieJar
	logger *log.Logger

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// New creates a collector. A nil logger uses log.Default().
func New(cfg Config, logger *log.Logger) (*Collector, error) {
	if logger == nil {
		logger = log.Default()
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil || cfg.Endpoint == "" {
		return nil, fmt.Errorf("invalid endpoint %q", cfg.Endpoint)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	base := &http.Client{Jar: jar, Timeout: cfg.RequestTimeout}

	return &Collector{
		cfg:    cfg,
		client: cfg.Retry.NewClient(base, logger),
		jar:    jar,
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
		jitter: randomJitter,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max + 1)
}

func (c *Collector) newRequest(ctx context.Context, rawURL string) (*retryablehttp.Request, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Bootstrap fetches the landing page to obtain a session cookie. Failure is
// reported in the returned Session, never as an error.
func (c *Collector) Bootstrap(ctx context.Context) Session {
	if c.cfg.LandingURL == "" {
		return Session{Degraded: true, Err: errors.New("no landing page configured")}
	}

	if c.cfg.BootstrapTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.BootstrapTimeout)
		defer cancel()
	}

	var s Session
	req, err := c.newRequest(ctx, c.cfg.LandingURL)
	if err != nil {
		s.Err = err
	} else if resp, err := c.client.Do(req); err != nil {
		s.Err = err
	} else {
		doc, err := goquery.NewDocumentFromReader(resp.Body)
		resp.Body.Close()
		if err == nil {
			s.Title = strings.TrimSpace(doc.Find("title").First().Text())
		}
		if resp.StatusCode >= 400 {
			s.Err = &NetworkError{Status: resp.StatusCode}
		}
	}

	if u, err := url.Parse(c.cfg.LandingURL); err == nil {
		s.Cookies = len(c.jar.Cookies(u))
	}
	s.Degraded = s.Cookies == 0

	switch {
	case s.Err != nil:
		c.logger.Printf("collector: session bootstrap failed, continuing without cookie: %v", s.Err)
	case s.Degraded:
		c.logger.Printf("collector: landing page %q set no cookie, polling in degraded mode", s.Title)
	default:
		c.logger.Printf("collector: session established (%q, %d cookies)", s.Title, s.Cookies)
	}
	return s
}

// Poll makes one request to the data endpoint. It returns the response
// compacted to a single line and the number of observations in it.
func (c *Collector) Poll(ctx context.Context) ([]byte, int, error) {
	rawURL, err := c.cfg.Query.URL(c.cfg.Endpoint, c.now())
	if err != nil {
		return nil, 0, err
	}
	req, err := c.newRequest(ctx, rawURL)
	if err != nil {
		return nil, 0, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, 0, &NetworkError{Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}

	snap, err := telemetry.ParseSnapshot(body)
	if err != nil {
		return nil, 0, err
	}
	if len(snap.Anims) == 0 {
		return nil, 0, nil
	}

	var line bytes.Buffer
	if err := json.Compact(&line, body); err != nil {
		return nil, 0, fmt.Errorf("compact response: %w", err)
	}
	return line.Bytes(), len(snap.Anims), nil
}

// Collect polls for duration and writes every non-empty response to
// logPath, truncating it first. Individual failures are logged and waited
// out; only cancellation of ctx ends the run early.
func (c *Collector) Collect(ctx context.Context, duration time.Duration, logPath string) (Stats, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return Stats{}, fmt.Errorf("create staging dir: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return Stats{}, fmt.Errorf("open staging log: %w", err)
	}
	defer f.Close()

	c.logger.Printf("collector: collecting for %s into %s", duration, logPath)

	session := c.Bootstrap(ctx)
	st := Stats{Degraded: session.Degraded}

	deadline := c.now().Add(duration)
	emptyRun := 0

	for c.now().Before(deadline) {
		if ctx.Err() != nil {
			break
		}
		st.Polls++

		wait := c.cfg.Interval + c.jitter(c.cfg.Jitter)
		line, count, err := c.Poll(ctx)

		var netErr *NetworkError
		switch {
		case ctx.Err() != nil:
		case errors.As(err, &netErr):
			st.NetworkFailures++
			c.logger.Printf("collector: %v, skipping iteration for %s", err, c.cfg.NetworkBackoff)
			wait = c.cfg.NetworkBackoff
		case err != nil:
			st.OtherFailures++
			c.logger.Printf("collector: unexpected error: %v, waiting %s", err, c.cfg.ErrorBackoff)
			wait = c.cfg.ErrorBackoff
		case count == 0:
			st.Empty++
			emptyRun++
			if session.Degraded && emptyRun == degradedEmptyWarn {
				c.logger.Printf("collector: %d empty responses in a row without a session cookie", emptyRun)
			}
		default:
			emptyRun = 0
			if _, err := f.Write(append(line, '\n')); err != nil {
				return st, fmt.Errorf("write staging log: %w", err)
			}
			st.Saved++
			c.logger.Printf("collector: saved snapshot with %d vehicles", count)
		}

		if remaining := deadline.Sub(c.now()); wait > remaining {
			wait = remaining
		}
		if err := c.sleep(ctx, wait); err != nil {
			break
		}
	}

	st.Interrupted = ctx.Err() != nil
	c.logger.Printf("collector: finished, %d polls, %d saved, %d empty, %d network failures, %d other failures",
		st.Polls, st.Saved, st.Empty, st.NetworkFailures, st.OtherFailures)
	return st, nil
}
