// Package geocode implements the address → coordinates client (spec.md
// §4.6): a process-wide rate limiter, a two-tier cache in front of the
// external geocoding service, and a negative-cache policy that only
// remembers genuine "no result" answers, never transient failures.
package geocode

import (
	"context"
	"errors"
	"time"

	"permittracer/internal/obslog"
	"permittracer/internal/ratelimit"
)

// Result is the outcome of a geocode lookup. Lat/Lon are nil when the
// upstream service had no match for the address.
type Result struct {
	Lat         *float64
	Lon         *float64
	DisplayName string
	FetchedAt   time.Time
}

// Upstream is the external geocoding service's own contract (spec.md §4.6):
// resolve one address string to a Result, or return an error for network
// failures and non-2xx responses (including rate-limited 429s). The
// upstream's own implementation is outside this package.
type Upstream interface {
	Lookup(ctx context.Context, address string) (Result, error)
}

// RetryableUpstreamError marks an Upstream error as transient: the caller
// should retry and must not persist a negative cache entry for it.
type RetryableUpstreamError interface {
	error
	Retryable() bool
}

// ErrNoResult is returned by an Upstream when the address genuinely has no
// match, as distinct from a transient failure.
var ErrNoResult = errors.New("geocode: no result")

const (
	requestInterval = 1100 * time.Millisecond
	maxRetries      = 2
	retryWait       = 3 * time.Second
)

// Client is the geocode(address) → {lat, lon} contract the normalizer and
// orchestrator consume (spec.md §4.6). It is safe for concurrent use; the
// rate limiter inside it is shared process-wide, never per-source.
type Client struct {
	upstream   Upstream
	limiter    *ratelimit.Limiter
	memory     *memoryCache
	persist    PersistentCache
	now        func() time.Time
	maxRetries int
	retryWait  time.Duration

	// CacheHit/CacheMiss, if set, are incremented on every lookup —
	// obsmetrics.Collectors.GeocodeCacheHits/Misses wired through.
	CacheHit  func()
	CacheMiss func()
}

// PersistentCache is the second tier of the geocoder cache: a durable
// address → {lat, lon, display_name, fetched_at} table behind the
// in-memory hot path (spec.md §4.6).
type PersistentCache interface {
	Get(ctx context.Context, address string) (Result, bool, error)
	Set(ctx context.Context, address string, result Result) error
}

// New builds a Client. persist may be nil to run with only the in-memory
// tier (e.g. in tests or a single-process deployment without Redis).
func New(upstream Upstream, persist PersistentCache) *Client {
	return &Client{
		upstream:   upstream,
		limiter:    ratelimit.New(1, requestInterval),
		memory:     newMemoryCache(),
		persist:    persist,
		now:        time.Now,
		maxRetries: maxRetries,
		retryWait:  retryWait,
	}
}

// SetRateLimitRecorder attaches fn to the client's internal rate limiter,
// called with total time blocked on every Wait — the
// obsmetrics.Collectors.RateLimitWait hook wired through from cmd/permitd.
func (c *Client) SetRateLimitRecorder(fn func(time.Duration)) {
	c.limiter.Recorder = fn
}

// Geocode resolves address to coordinates, consulting the in-memory cache,
// then the persistent cache, then the network, in that order (spec.md
// §4.6). A transient upstream failure (network error, 429) is retried up
// to twice with a fixed wait and, on final failure, returns a Result with
// nil Lat/Lon without writing either cache tier.
func (c *Client) Geocode(ctx context.Context, address string) (Result, error) {
	if address == "" {
		return Result{}, nil
	}

	if res, ok := c.memory.get(address); ok {
		c.hit()
		return res, nil
	}

	if c.persist != nil {
		if res, ok, err := c.persist.Get(ctx, address); err == nil && ok {
			c.memory.set(address, res)
			c.hit()
			return res, nil
		}
	}

	c.miss()
	res, cacheable, err := c.lookupWithRetry(ctx, address)
	if err != nil {
		return Result{}, nil
	}

	if cacheable {
		c.memory.set(address, res)
		if c.persist != nil {
			if perr := c.persist.Set(ctx, address, res); perr != nil {
				obslog.Log.Warn("geocoder persistent cache write failed", "error", perr)
			}
		}
	}

	return res, nil
}

func (c *Client) hit() {
	if c.CacheHit != nil {
		c.CacheHit()
	}
}

func (c *Client) miss() {
	if c.CacheMiss != nil {
		c.CacheMiss()
	}
}

// lookupWithRetry performs the rate-limited network call, retrying
// transient failures up to maxRetries times with a fixed wait. The bool
// return reports whether the result is eligible for caching: a genuine
// no-result answer is cacheable; a transient failure that exhausted
// retries is not (spec.md §4.6's negative-cache policy).
func (c *Client) lookupWithRetry(ctx context.Context, address string) (Result, bool, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.retryWait):
			case <-ctx.Done():
				return Result{}, false, ctx.Err()
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return Result{}, false, err
		}

		res, err := c.upstream.Lookup(ctx, address)
		switch {
		case err == nil:
			if res.FetchedAt.IsZero() {
				res.FetchedAt = c.now()
			}
			return res, true, nil
		case errors.Is(err, ErrNoResult):
			return Result{FetchedAt: c.now()}, true, nil
		default:
			lastErr = err
			var retryable RetryableUpstreamError
			if !errors.As(err, &retryable) || !retryable.Retryable() {
				return Result{}, false, err
			}
			obslog.Log.Warn("geocoder lookup failed, retrying", "address", address, "attempt", attempt, "error", err)
		}
	}

	return Result{}, false, lastErr
}
