package collector

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// RetryPolicy controls how a single provider request is retried.
type RetryPolicy struct {
	MaxAttempts int           // Total attempts including the first.
	BaseDelay   time.Duration // Delay before the first retry; doubles after each.
	MaxDelay    time.Duration // Upper bound for a single delay.

	// Retryable decides whether a finished attempt should be retried. Nil
	// means DefaultRetryable.
	Retryable func(resp *http.Response, err error) bool
}

// DefaultRetryPolicy retries up to five attempts, starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// DefaultRetryable retries connection failures and 5xx responses only.
func DefaultRetryable(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp != nil && resp.StatusCode >= 500 && resp.StatusCode <= 599
}

// Delay returns the wait before retry number attempt (zero based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p RetryPolicy) shouldRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}
	return retryable(resp, err), nil
}

// NewClient wraps base in a retrying client governed by p. Retries are
// reported on logger.
func (p RetryPolicy) NewClient(base *http.Client, logger *log.Logger) *retryablehttp.Client {
	if logger == nil {
		logger = log.Default()
	}

	client := retryablehttp.NewClient()
	if base != nil {
		client.HTTPClient = base
	}
	client.Logger = nil
	client.RetryMax = max(p.MaxAttempts-1, 0)
	client.RetryWaitMin = p.BaseDelay
	client.RetryWaitMax = p.MaxDelay
	client.CheckRetry = p.shouldRetry
	client.Backoff = func(_, _ time.Duration, attempt int, _ *http.Response) time.Duration {
		return p.Delay(attempt)
	}
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			logger.Printf("collector: retry %d/%d for %s", attempt, client.RetryMax, req.URL.Path)
		}
	}
	return client
}
