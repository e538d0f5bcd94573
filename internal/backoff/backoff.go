// Package backoff implements the exponential-backoff-with-jitter retry
// policy spec.md §4.1 requires for connector HTTP calls: on failure wait
// base_delay * 2^attempt + uniform(0, max_jitter) before retrying, up to
// max_retries retries (max_retries+1 attempts total).
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Policy configures Run's retry behavior.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxJitter  time.Duration
}

// Default matches spec.md §4.1's stated defaults.
func Default() Policy {
	return Policy{MaxRetries: 3, BaseDelay: time.Second, MaxJitter: 500 * time.Millisecond}
}

// Retryable lets an error decide whether Run retries it. An error that
// implements it returning false is immediately fatal — e.g. a 4xx other
// than 429. Errors that don't implement it are retried like transient
// failures.
type Retryable interface {
	Retryable() bool
}

// Run invokes fn up to p.MaxRetries+1 times. fn's error is inspected via
// Retryable: a non-retryable error (or nil) stops the loop immediately.
// Between attempts it sleeps Delay(attempt), honoring ctx cancellation.
func Run(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if r, ok := err.(Retryable); ok && !r.Retryable() {
			return err
		}

		if attempt == p.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return lastErr
}

// Delay returns base_delay * 2^attempt + uniform(0, max_jitter).
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BaseDelay << uint(attempt)
	jitter := time.Duration(0)
	if p.MaxJitter > 0 {
		jitter = time.Duration(rand.Int63n(int64(p.MaxJitter)))
	}
	return base + jitter
}
