// Package connector defines the uniform streaming-iterator contract every
// wire-protocol connector implements (spec.md §4.1), plus the shared
// HTTP-fetch plumbing (rate limiting, backoff, pagination) concrete
// connectors build on.
package connector

import (
	"context"

	"permittracer/internal/domain"
)

// Config is the opaque, platform-specific configuration a Source carries.
// It always contains at least "endpoint_url"; platform-specific keys
// (dataset_id, layer_id, app_token, default_state, …) live alongside it.
type Config map[string]any

func (c Config) String(key string) (string, bool) {
	v, ok := c[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (c Config) StringOr(key, def string) string {
	if s, ok := c.String(key); ok && s != "" {
		return s
	}
	return def
}

// State is a read-only snapshot of a source's resumable cursors, handed to
// a connector at the start of a run.
type State struct {
	LastMaxTimestamp *string
	LastMaxRecordID  int64
	LastIssueDate    *string
	ETag             *string
	Checksum         *string
}

// StateFromDomain projects the cursor fields out of a domain.SourceState.
func StateFromDomain(s *domain.SourceState) State {
	if s == nil {
		return State{}
	}
	return State{
		LastMaxTimestamp: s.LastMaxTimestamp,
		LastMaxRecordID:  s.LastMaxRecordID,
		LastIssueDate:    s.LastIssueDate,
		ETag:             s.ETag,
		Checksum:         s.Checksum,
	}
}

// MaxRecordIDSource resolves the starting OBJECTID cursor for the
// feature-service connector's resumable-cursor algorithm (spec.md §4.3):
// the storage layer's maximum source_record_id cast to integer.
type MaxRecordIDSource interface {
	GetMaxSourceRecordID(ctx context.Context, sourceID int64) (int64, error)
}

// Item is one element of a connector's output stream: either a normalized
// permit, or a terminal error that ends the stream.
type Item struct {
	Permit domain.Permit
	Err    error
}

// Stream is the lazy, finite sequence of Items a connector yields. It is a
// receive-only channel fed by a single producer goroutine; it is closed
// when the portal is exhausted, max_rows is reached, or a fatal error
// occurs (the final Item carries that error). Not restartable — a consumer
// that sees an error discards the Stream and a fresh run starts again from
// persisted cursors.
type Stream <-chan Item

// Connector is the uniform interface every wire-protocol adapter
// implements (spec.md §4.1).
type Connector interface {
	// Validate fails with a *apperror.Error (CodeConfig) if required
	// config fields are absent or a trivial probe of the endpoint fails.
	Validate(ctx context.Context, cfg Config) error

	// Backfill streams records from the portal's earliest record (or the
	// persisted cursor, if resumable) forward, stopping at maxRows.
	Backfill(ctx context.Context, sourceID int64, sourceName string, cfg Config, state State, maxRows int) Stream

	// Incremental streams only records newer than the cursors in state.
	Incremental(ctx context.Context, sourceID int64, sourceName string, cfg Config, state State, maxRows int) Stream
}

// PageSize is the fixed page size every connector fetches per spec.md §4.1.
const PageSize = 1000
