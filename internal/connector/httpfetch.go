package connector

import (
	"context"
	"io"
	"net/http"
	"time"

	"permittracer/internal/backoff"
	"permittracer/internal/obslog"
	"permittracer/internal/ratelimit"
)

// Fetcher performs rate-limited, retried HTTP GETs shared by every
// connector. One Fetcher is created per Source and carries that source's
// own RateLimiter (spec.md §5: "each connector instance carries its own
// RateLimiter").
type Fetcher struct {
	Client  *http.Client
	Limiter *ratelimit.Limiter
	Backoff backoff.Policy
}

// NewFetcher builds a Fetcher with maxRequestsPerMinute and the given
// backoff policy. Its http.Client has a 30-second per-request timeout.
func NewFetcher(maxRequestsPerMinute int, policy backoff.Policy) *Fetcher {
	return &Fetcher{
		Client:  &http.Client{Timeout: 30 * time.Second},
		Limiter: ratelimit.New(maxRequestsPerMinute, time.Minute),
		Backoff: policy,
	}
}

// Get issues a rate-limited GET against url with the given headers,
// retrying transient failures per f.Backoff. It returns the response body
// bytes and status code of the final successful attempt.
func (f *Fetcher) Get(ctx context.Context, url string, headers map[string]string) ([]byte, int, error) {
	var body []byte
	var status int

	err := backoff.Run(ctx, f.Backoff, func(ctx context.Context, attempt int) error {
		if err := f.Limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return &HTTPError{Cause: err}
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := f.Client.Do(req)
		if err != nil {
			if attempt > 0 {
				obslog.Log.Warn("connector http retry", "url", url, "attempt", attempt, "error", err)
			}
			return &HTTPError{Cause: err}
		}
		defer resp.Body.Close()

		b, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return &HTTPError{Cause: readErr}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			herr := &HTTPError{StatusCode: resp.StatusCode, Body: string(b)}
			if herr.Retryable() {
				obslog.Log.Warn("connector http retry", "url", url, "attempt", attempt, "status", resp.StatusCode)
			}
			return herr
		}

		body = b
		status = resp.StatusCode
		return nil
	})

	return body, status, err
}
