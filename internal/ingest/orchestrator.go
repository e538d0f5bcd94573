// Package ingest implements the per-source run sequence, deep ingestion,
// and the continuous sweep loop (spec.md §4.8): the orchestrator that sits
// between the connector framework and the storage adapter.
package ingest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"permittracer/internal/apperror"
	"permittracer/internal/connector"
	"permittracer/internal/domain"
	"permittracer/internal/geocode"
	"permittracer/internal/obslog"
	"permittracer/internal/obsmetrics"
	"permittracer/internal/obstrace"
	"permittracer/internal/storage"
)

// Mode selects which connector method a run invokes.
type Mode string

const (
	ModeBackfill    Mode = "backfill"
	ModeIncremental Mode = "incremental"
)

// RunResult summarizes one run_ingestion invocation.
type RunResult struct {
	RunID        string
	RowsFetched  int
	RowsUpserted int
	Errors       int
}

// SweepConfig carries the continuous sweep's timing knobs (spec.md §4.8).
type SweepConfig struct {
	PassInterval         time.Duration
	BatchDelay           time.Duration
	BatchErrorDelay      time.Duration
	SweepErrorDelay      time.Duration
	ConsecutiveZeroLimit int
}

// Geocoder resolves a formatted address to coordinates; satisfied by
// *geocode.Client. A permit that already carries lat/lon from its source
// portal is never geocoded (spec.md §4.6 — geocoding only fills gaps).
type Geocoder interface {
	Geocode(ctx context.Context, address string) (geocode.Result, error)
}

// Orchestrator drives ingestion runs against a fixed set of connectors, one
// per platform, and a shared storage adapter. Safe for concurrent use: a
// long-lived sweep task and request-triggered one-off runs may share one
// instance (spec.md §5).
type Orchestrator struct {
	Storage    storage.Storage
	Connectors map[domain.Platform]connector.Connector
	Sweep      SweepConfig
	Metrics    *obsmetrics.Collectors // optional; nil disables metric emission
	Geocoder   Geocoder               // optional; nil skips geocoding entirely

	locks sync.Map // source_id (int64) -> *sync.Mutex, advisory run lock
}

// New builds an Orchestrator. sweepCfg's ConsecutiveZeroLimit defaults to 3
// when zero. metrics may be nil to run without prometheus instrumentation.
// The geocoder is assigned separately via the Geocoder field since most
// callers (including every test in this package) don't need one.
func New(store storage.Storage, connectors map[domain.Platform]connector.Connector, sweepCfg SweepConfig, metrics *obsmetrics.Collectors) *Orchestrator {
	if sweepCfg.ConsecutiveZeroLimit <= 0 {
		sweepCfg.ConsecutiveZeroLimit = 3
	}
	return &Orchestrator{Storage: store, Connectors: connectors, Sweep: sweepCfg, Metrics: metrics}
}

func (o *Orchestrator) lockFor(sourceID int64) *sync.Mutex {
	v, _ := o.locks.LoadOrStore(sourceID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func boolPtr(b bool) *bool { return &b }

// RunIngestion is the per-run sequence (spec.md §4.8): it marks the source
// running, streams the connector, persists every record, and writes the
// final state on completion or failure. Two concurrent calls for the same
// source_id are rejected with apperror.CodeAlreadyRunning — the advisory
// lock resolved in SPEC_FULL.md's Open Questions.
func (o *Orchestrator) RunIngestion(ctx context.Context, sourceID int64, mode Mode) (RunResult, error) {
	lock := o.lockFor(sourceID)
	if !lock.TryLock() {
		return RunResult{}, apperror.New(apperror.CodeAlreadyRunning,
			fmt.Sprintf("source %d already has a run in progress", sourceID))
	}
	defer lock.Unlock()

	start := time.Now()
	runID := uuid.NewString()

	source, err := o.Storage.GetSource(ctx, sourceID)
	if err != nil {
		return RunResult{RunID: runID}, apperror.Wrap(apperror.CodeConfig, err, "load source")
	}
	log := obslog.WithSource(sourceID, source.Name).With("run_id", runID)

	ctx, span := obstrace.StartSpan(ctx, "ingest.run",
		append(obstrace.SourceAttributes(sourceID, source.Name, string(source.Platform)),
			attribute.String(obstrace.AttrMode, string(mode)),
			attribute.String(obstrace.AttrRunID, runID))...)
	defer span.End()

	if o.Metrics != nil {
		o.Metrics.SourcesRunning.Inc()
		defer o.Metrics.SourcesRunning.Dec()
	}

	conn, ok := o.Connectors[source.Platform]
	if !ok {
		return RunResult{}, apperror.New(apperror.CodeConfig,
			fmt.Sprintf("no connector registered for platform %q", source.Platform))
	}

	// The connectors read the source's request budget from the config as
	// max_requests_per_minute; copy the config so the source is not mutated.
	cfg := connector.Config{}
	for k, v := range source.Config {
		cfg[k] = v
	}
	if source.MaxRequestsPerMin > 0 {
		cfg["max_requests_per_minute"] = source.MaxRequestsPerMin
	}
	if err := conn.Validate(ctx, cfg); err != nil {
		return RunResult{}, apperror.Wrap(apperror.CodeConfig, err, "validate source config")
	}

	// A source with no state row yet starts from zero cursors.
	prevState, err := o.Storage.GetSourceState(ctx, sourceID)
	if err != nil && !apperror.Is(err, apperror.CodeNotFound) {
		return RunResult{}, apperror.Wrap(apperror.CodeConfig, err, "load source state")
	}
	connState := connector.StateFromDomain(&prevState)

	maxRows := source.MaxRowsPerRun
	if maxRows <= 0 {
		maxRows = 1000
	}

	zeroPage := 0
	startMsg := fmt.Sprintf("starting %s run", mode)
	if err := o.Storage.UpsertSourceState(ctx, domain.SourceStatePatch{
		SourceID:      sourceID,
		IsRunning:     boolPtr(true),
		StatusMessage: &startMsg,
		CurrentPage:   &zeroPage,
	}); err != nil {
		return RunResult{}, apperror.Wrap(apperror.CodeRunFailure, err, "mark run starting")
	}

	// max_runtime_minutes bounds the connector stream; state writes keep
	// using ctx so the final state is still recorded after the deadline.
	streamCtx := ctx
	if source.MaxRuntimeMinutes > 0 {
		var cancel context.CancelFunc
		streamCtx, cancel = context.WithTimeout(ctx, time.Duration(source.MaxRuntimeMinutes)*time.Minute)
		defer cancel()
	}

	var stream connector.Stream
	switch mode {
	case ModeIncremental:
		stream = conn.Incremental(streamCtx, sourceID, source.Name, cfg, connState, maxRows)
	default:
		stream = conn.Backfill(streamCtx, sourceID, source.Name, cfg, connState, maxRows)
	}

	result := RunResult{RunID: runID}
	maxIssueDate := prevState.LastIssueDate
	maxRecordID := prevState.LastMaxRecordID
	var runErr error

	metricLabels := []string{strconv.FormatInt(sourceID, 10), source.Name, string(source.Platform)}

	for item := range stream {
		if item.Err != nil {
			runErr = item.Err
			break
		}
		result.RowsFetched++
		if o.Metrics != nil {
			o.Metrics.RowsFetched.WithLabelValues(metricLabels...).Inc()
		}

		permit := item.Permit
		if o.Geocoder != nil && permit.Lat == nil && permit.Lon == nil && permit.RawAddress != "" {
			if res, err := o.Geocoder.Geocode(ctx, permit.RawAddress); err != nil {
				log.Warn("geocode lookup failed", "error", err, "source_record_id", permit.SourceRecordID)
			} else {
				permit.Lat, permit.Lon = res.Lat, res.Lon
			}
		}
		if _, err := o.Storage.UpsertPermit(ctx, permit); err != nil {
			result.Errors++
			log.Error("upsert permit failed", "error", err, "source_record_id", permit.SourceRecordID)
			if o.Metrics != nil {
				o.Metrics.RecordErrors.WithLabelValues(metricLabels...).Inc()
			}
		} else {
			result.RowsUpserted++
			if o.Metrics != nil {
				o.Metrics.RowsUpserted.WithLabelValues(metricLabels...).Inc()
			}
		}

		if permit.IssueDate != nil && (maxIssueDate == nil || *permit.IssueDate > *maxIssueDate) {
			maxIssueDate = permit.IssueDate
		}
		if permit.Provenance.MaxRecordID != nil && *permit.Provenance.MaxRecordID > maxRecordID {
			maxRecordID = *permit.Provenance.MaxRecordID
		}

		if result.RowsFetched%10 == 0 {
			page := result.RowsFetched / connector.PageSize
			msg := fmt.Sprintf("fetched %d, upserted %d, errors %d", result.RowsFetched, result.RowsUpserted, result.Errors)
			rf, ru, er := result.RowsFetched, result.RowsUpserted, result.Errors
			if err := o.Storage.UpsertSourceState(ctx, domain.SourceStatePatch{
				SourceID:      sourceID,
				StatusMessage: &msg,
				CurrentPage:   &page,
				RowsFetched:   &rf,
				RowsUpserted:  &ru,
				Errors:        &er,
			}); err != nil {
				log.Warn("failed to refresh progress", "error", err)
			}
		}
	}

	elapsed := int(time.Since(start).Seconds())
	if o.Metrics != nil {
		o.Metrics.RunDuration.WithLabelValues(strconv.FormatInt(sourceID, 10), string(mode)).Observe(time.Since(start).Seconds())
	}
	rf, ru, er := result.RowsFetched, result.RowsUpserted, result.Errors

	if runErr != nil {
		failMsg := fmt.Sprintf("run failed: %v", runErr)
		if err := o.Storage.UpsertSourceState(ctx, domain.SourceStatePatch{
			SourceID:         sourceID,
			IsRunning:        boolPtr(false),
			StatusMessage:    &failMsg,
			RowsFetched:      &rf,
			RowsUpserted:     &ru,
			Errors:           &er,
			FreshnessSeconds: &elapsed,
		}); err != nil {
			log.Warn("failed to write failure state", "error", err)
		}
		return result, apperror.Wrap(apperror.CodeRunFailure, runErr, "ingestion run failed")
	}

	now := time.Now()
	successMsg := fmt.Sprintf("completed: fetched %d, upserted %d, errors %d", rf, ru, er)
	patch := domain.SourceStatePatch{
		SourceID:         sourceID,
		IsRunning:        boolPtr(false),
		StatusMessage:    &successMsg,
		RowsFetched:      &rf,
		RowsUpserted:     &ru,
		Errors:           &er,
		FreshnessSeconds: &elapsed,
		LastSyncAt:       &now,
	}
	if maxIssueDate != nil {
		patch.LastIssueDate = maxIssueDate
	}
	if maxRecordID > prevState.LastMaxRecordID {
		rid := maxRecordID
		patch.LastMaxRecordID = &rid
	}
	if err := o.Storage.UpsertSourceState(ctx, patch); err != nil {
		return result, apperror.Wrap(apperror.CodeRunFailure, err, "write final state")
	}

	return result, nil
}

// RunDeepIngestion repeats backfill runs until one of them adds strictly
// fewer new permits than max_rows, sleeping 1 second between invocations
// (spec.md §4.8).
func (o *Orchestrator) RunDeepIngestion(ctx context.Context, sourceID int64) error {
	for {
		before, err := o.Storage.GetSourcePermitCount(ctx, sourceID)
		if err != nil {
			return apperror.Wrap(apperror.CodeRunFailure, err, "read permit count")
		}

		if _, err := o.RunIngestion(ctx, sourceID, ModeBackfill); err != nil {
			return err
		}

		after, err := o.Storage.GetSourcePermitCount(ctx, sourceID)
		if err != nil {
			return apperror.Wrap(apperror.CodeRunFailure, err, "read permit count")
		}

		source, err := o.Storage.GetSource(ctx, sourceID)
		if err != nil {
			return apperror.Wrap(apperror.CodeConfig, err, "load source")
		}
		maxRows := source.MaxRowsPerRun
		if maxRows <= 0 {
			maxRows = 1000
		}

		if after-before < int64(maxRows) {
			return nil
		}

		if !sleepCtx(ctx, time.Second) {
			return ctx.Err()
		}
	}
}

// RunSweep runs the continuous sweep forever until ctx is cancelled
// (spec.md §4.8): it is meant to be launched once as a long-lived
// background task at orchestrator start.
func (o *Orchestrator) RunSweep(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		passStart := time.Now()
		err := o.sweepOnce(ctx)
		if o.Metrics != nil {
			o.Metrics.SweepDuration.Observe(time.Since(passStart).Seconds())
		}
		if err != nil {
			obslog.Log.Error("sweep pass failed", "error", err)
			if !sleepCtx(ctx, orDefault(o.Sweep.SweepErrorDelay, 60*time.Second)) {
				return
			}
			continue
		}
		if !sleepCtx(ctx, orDefault(o.Sweep.PassInterval, 5*time.Minute)) {
			return
		}
	}
}

func (o *Orchestrator) sweepOnce(ctx context.Context) error {
	sources, err := o.Storage.GetSources(ctx)
	if err != nil {
		return apperror.Wrap(apperror.CodeRunFailure, err, "list sources")
	}

	for _, src := range sources {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !src.Enabled {
			continue
		}
		if err := o.sweepSource(ctx, src); err != nil {
			obslog.WithSource(src.ID, src.Name).Error("sweep source failed", "error", err)
		}
	}
	return nil
}

// sweepSource runs a tight backfill loop against one source until the
// tri-state exhaustion rule (spec.md §4.8) fires.
func (o *Orchestrator) sweepSource(ctx context.Context, src domain.Source) error {
	maxRows := src.MaxRowsPerRun
	if maxRows <= 0 {
		maxRows = 1000
	}
	zeroLimit := o.Sweep.ConsecutiveZeroLimit
	if zeroLimit <= 0 {
		zeroLimit = 3
	}

	consecutiveZero := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		before, err := o.Storage.GetSourcePermitCount(ctx, src.ID)
		if err != nil {
			obslog.WithSource(src.ID, src.Name).Error("read permit count failed", "error", err)
			if !sleepCtx(ctx, orDefault(o.Sweep.BatchErrorDelay, 30*time.Second)) {
				return ctx.Err()
			}
			continue
		}

		if _, err := o.RunIngestion(ctx, src.ID, ModeBackfill); err != nil {
			obslog.WithSource(src.ID, src.Name).Error("batch failed", "error", err)
			if !sleepCtx(ctx, orDefault(o.Sweep.BatchErrorDelay, 30*time.Second)) {
				return ctx.Err()
			}
			continue // retry the same source without advancing
		}

		after, err := o.Storage.GetSourcePermitCount(ctx, src.ID)
		if err != nil {
			return apperror.Wrap(apperror.CodeRunFailure, err, "read permit count")
		}
		permitsAdded := after - before

		state, err := o.Storage.GetSourceState(ctx, src.ID)
		if err != nil {
			return apperror.Wrap(apperror.CodeRunFailure, err, "read source state")
		}

		if state.RowsFetched < maxRows {
			return nil
		}

		if permitsAdded == 0 {
			consecutiveZero++
		} else {
			consecutiveZero = 0
		}
		if consecutiveZero >= zeroLimit {
			return nil
		}

		if !sleepCtx(ctx, orDefault(o.Sweep.BatchDelay, time.Second)) {
			return ctx.Err()
		}
	}
}

// sleepCtx sleeps for d, returning false early if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
