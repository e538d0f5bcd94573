package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// NominatimUpstream is the concrete Upstream implementation for the wire
// contract spec.md §6 gives the geocoding service: a Nominatim-style
// `GET /search?q=...&format=json&addressdetails=1&limit=1` endpoint with a
// required User-Agent header. It performs exactly one HTTP attempt per
// call — the retry/backoff policy spec.md §4.6 specifies (two retries,
// fixed 3-second waits) belongs to Client, not to this transport, since it
// differs from the exponential policy connectors use.
type NominatimUpstream struct {
	BaseURL   string
	UserAgent string
	Client    *http.Client
}

// NewNominatimUpstream builds an Upstream with a sane default HTTP client
// timeout if httpClient is nil.
func NewNominatimUpstream(baseURL, userAgent string, httpClient *http.Client) *NominatimUpstream {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &NominatimUpstream{BaseURL: baseURL, UserAgent: userAgent, Client: httpClient}
}

// upstreamError classifies a failed Nominatim call: network errors and 429
// are retryable, any other non-2xx is fatal.
type upstreamError struct {
	statusCode int
	cause      error
}

func (e *upstreamError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("geocode upstream request failed: %v", e.cause)
	}
	return fmt.Sprintf("geocode upstream returned status %d", e.statusCode)
}

func (e *upstreamError) Unwrap() error { return e.cause }

func (e *upstreamError) Retryable() bool {
	if e.cause != nil {
		return true
	}
	return e.statusCode == http.StatusTooManyRequests || e.statusCode >= 500
}

type nominatimEntry struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

func (u *NominatimUpstream) Lookup(ctx context.Context, address string) (Result, error) {
	reqURL := fmt.Sprintf("%s/search?q=%s&format=json&addressdetails=1&limit=1",
		strings.TrimRight(u.BaseURL, "/"), url.QueryEscape(address))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Result{}, &upstreamError{cause: err}
	}
	req.Header.Set("User-Agent", u.UserAgent)

	resp, err := u.Client.Do(req)
	if err != nil {
		return Result{}, &upstreamError{cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, &upstreamError{cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, &upstreamError{statusCode: resp.StatusCode}
	}

	var entries []nominatimEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return Result{}, &upstreamError{cause: err}
	}
	if len(entries) == 0 {
		return Result{}, ErrNoResult
	}

	entry := entries[0]
	lat, latErr := strconv.ParseFloat(entry.Lat, 64)
	lon, lonErr := strconv.ParseFloat(entry.Lon, 64)
	if latErr != nil || lonErr != nil {
		return Result{}, ErrNoResult
	}

	return Result{Lat: &lat, Lon: &lon, DisplayName: entry.DisplayName}, nil
}
