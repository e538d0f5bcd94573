package geocode

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type stubUpstream struct {
	calls   int32
	results []Result
	errs    []error
}

func (s *stubUpstream) Lookup(ctx context.Context, address string) (Result, error) {
	i := atomic.AddInt32(&s.calls, 1) - 1
	if int(i) < len(s.errs) && s.errs[i] != nil {
		return Result{}, s.errs[i]
	}
	if int(i) < len(s.results) {
		return s.results[i], nil
	}
	return Result{}, ErrNoResult
}

type retryableErr struct{ retryable bool }

func (e retryableErr) Error() string    { return "boom" }
func (e retryableErr) Retryable() bool  { return e.retryable }

func newTestClient(u Upstream) *Client {
	c := New(u, nil)
	c.retryWait = time.Millisecond
	return c
}

func TestGeocodeCachesSuccessfulResult(t *testing.T) {
	lat, lon := 38.58, -121.49
	u := &stubUpstream{results: []Result{{Lat: &lat, Lon: &lon}}}
	c := newTestClient(u)

	res1, err := c.Geocode(context.Background(), "700 H Street")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res1.Lat == nil || *res1.Lat != lat {
		t.Fatalf("expected lat %v, got %v", lat, res1.Lat)
	}

	res2, err := c.Geocode(context.Background(), "700 H Street")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res2.Lat == nil || *res2.Lat != lat {
		t.Fatalf("expected cached lat %v, got %v", lat, res2.Lat)
	}
	if atomic.LoadInt32(&u.calls) != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", u.calls)
	}
}

func TestGeocodeCachesNoResult(t *testing.T) {
	u := &stubUpstream{errs: []error{ErrNoResult}}
	c := newTestClient(u)

	res, err := c.Geocode(context.Background(), "nowhere")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Lat != nil || res.Lon != nil {
		t.Fatalf("expected absent coordinates, got %+v", res)
	}

	if _, ok := c.memory.get("nowhere"); !ok {
		t.Fatalf("expected no-result to be cached")
	}
}

func TestGeocodeDoesNotCacheTransientFailure(t *testing.T) {
	u := &stubUpstream{errs: []error{
		retryableErr{retryable: true},
		retryableErr{retryable: true},
		retryableErr{retryable: true},
	}}
	c := newTestClient(u)

	res, err := c.Geocode(context.Background(), "flaky")

	if err != nil {
		t.Fatalf("Geocode itself should not surface the error, got %v", err)
	}
	if res.Lat != nil {
		t.Fatalf("expected absent coordinates on exhausted retries")
	}
	if _, ok := c.memory.get("flaky"); ok {
		t.Fatalf("expected transient failure to NOT be cached")
	}
	if atomic.LoadInt32(&u.calls) != 3 {
		t.Fatalf("expected 3 attempts (1 + 2 retries), got %d", u.calls)
	}
}

func TestGeocodeFailsFastOnNonRetryableError(t *testing.T) {
	u := &stubUpstream{errs: []error{retryableErr{retryable: false}}}
	c := newTestClient(u)

	_, err := c.Geocode(context.Background(), "bad-request")
	if err != nil {
		t.Fatalf("Geocode itself should not surface the error, got %v", err)
	}
	if atomic.LoadInt32(&u.calls) != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable error, got %d", u.calls)
	}
}

func TestGeocodeEmptyAddressShortCircuits(t *testing.T) {
	u := &stubUpstream{}
	c := newTestClient(u)
	res, err := c.Geocode(context.Background(), "")
	if err != nil || res.Lat != nil {
		t.Fatalf("expected empty result for empty address, got %+v, %v", res, err)
	}
	if atomic.LoadInt32(&u.calls) != 0 {
		t.Fatalf("expected no upstream calls for empty address")
	}
}

type memoryOnlyPersist struct {
	store map[string]Result
}

func (p *memoryOnlyPersist) Get(ctx context.Context, address string) (Result, bool, error) {
	res, ok := p.store[address]
	return res, ok, nil
}

func (p *memoryOnlyPersist) Set(ctx context.Context, address string, result Result) error {
	p.store[address] = result
	return nil
}

func TestGeocodeFallsBackToPersistentTierBeforeNetwork(t *testing.T) {
	lat, lon := 1.0, 2.0
	persist := &memoryOnlyPersist{store: map[string]Result{"cached addr": {Lat: &lat, Lon: &lon}}}
	u := &stubUpstream{}
	c := New(u, persist)

	res, err := c.Geocode(context.Background(), "cached addr")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Lat == nil || *res.Lat != lat {
		t.Fatalf("expected persistent-tier hit, got %+v", res)
	}
	if atomic.LoadInt32(&u.calls) != 0 {
		t.Fatalf("expected no upstream call when persistent tier hits")
	}
}

