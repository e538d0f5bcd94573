package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"permittracer/internal/apperror"
	"permittracer/internal/connector"
	"permittracer/internal/domain"
)

// fakeStorage is a minimal in-memory storage.Storage double, enough to
// exercise the orchestrator's sequencing without a database.
type fakeStorage struct {
	mu      sync.Mutex
	sources map[int64]domain.Source
	states  map[int64]domain.SourceState
	permits map[string]domain.Permit
	nextID  int64
}

func newFakeStorage(sources ...domain.Source) *fakeStorage {
	fs := &fakeStorage{
		sources: make(map[int64]domain.Source),
		states:  make(map[int64]domain.SourceState),
		permits: make(map[string]domain.Permit),
	}
	for _, s := range sources {
		fs.sources[s.ID] = s
	}
	return fs
}

func (f *fakeStorage) GetSources(ctx context.Context) ([]domain.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Source, 0, len(f.sources))
	for _, s := range f.sources {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStorage) GetSource(ctx context.Context, id int64) (domain.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sources[id]
	if !ok {
		return domain.Source{}, apperror.New(apperror.CodeNotFound, "source not found")
	}
	return s, nil
}

func (f *fakeStorage) CreateSource(ctx context.Context, s domain.Source) (domain.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	s.ID = f.nextID
	f.sources[s.ID] = s
	return s, nil
}

func (f *fakeStorage) UpdateSource(ctx context.Context, id int64, patch domain.SourceUpdate) (domain.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sources[id]
	if !ok {
		return domain.Source{}, apperror.New(apperror.CodeNotFound, "source not found")
	}
	if patch.Enabled != nil {
		s.Enabled = *patch.Enabled
	}
	f.sources[id] = s
	return s, nil
}

func (f *fakeStorage) GetSourceState(ctx context.Context, sourceID int64) (domain.SourceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[sourceID], nil
}

func (f *fakeStorage) GetAllSourceStates(ctx context.Context) ([]domain.SourceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.SourceState, 0, len(f.states))
	for _, s := range f.states {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStorage) UpsertSourceState(ctx context.Context, patch domain.SourceStatePatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.states[patch.SourceID]
	s.SourceID = patch.SourceID
	if patch.LastMaxTimestamp != nil {
		s.LastMaxTimestamp = patch.LastMaxTimestamp
	}
	if patch.LastMaxRecordID != nil {
		s.LastMaxRecordID = *patch.LastMaxRecordID
	}
	if patch.LastIssueDate != nil {
		s.LastIssueDate = patch.LastIssueDate
	}
	if patch.RowsFetched != nil {
		s.RowsFetched = *patch.RowsFetched
	}
	if patch.RowsUpserted != nil {
		s.RowsUpserted = *patch.RowsUpserted
	}
	if patch.Errors != nil {
		s.Errors = *patch.Errors
	}
	if patch.FreshnessSeconds != nil {
		s.FreshnessSeconds = *patch.FreshnessSeconds
	}
	if patch.IsRunning != nil {
		s.IsRunning = *patch.IsRunning
	}
	if patch.StatusMessage != nil {
		s.StatusMessage = *patch.StatusMessage
	}
	if patch.CurrentPage != nil {
		s.CurrentPage = *patch.CurrentPage
	}
	if patch.LastSyncAt != nil {
		s.LastSyncAt = patch.LastSyncAt
	}
	f.states[patch.SourceID] = s
	return nil
}

func (f *fakeStorage) GetPermit(ctx context.Context, id int64) (domain.Permit, error) {
	return domain.Permit{}, apperror.New(apperror.CodeNotFound, "not implemented")
}

func (f *fakeStorage) GetPermitByFingerprint(ctx context.Context, fingerprint string) (domain.Permit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.permits[fingerprint]
	if !ok {
		return domain.Permit{}, apperror.New(apperror.CodeNotFound, "permit not found")
	}
	return p, nil
}

func (f *fakeStorage) UpsertPermit(ctx context.Context, p domain.Permit) (domain.Permit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permits[p.Fingerprint] = p
	return p, nil
}

func (f *fakeStorage) GetPermits(ctx context.Context, filter domain.PermitFilter) ([]domain.Permit, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Permit, 0, len(f.permits))
	for _, p := range f.permits {
		out = append(out, p)
	}
	return out, int64(len(out)), nil
}

func (f *fakeStorage) GetPermitStats(ctx context.Context) (domain.PermitStats, error) {
	return domain.PermitStats{}, nil
}

func (f *fakeStorage) GetSourcePermitCount(ctx context.Context, sourceID int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, p := range f.permits {
		if p.SourceID == sourceID {
			n++
		}
	}
	return n, nil
}

func (f *fakeStorage) GetMaxSourceRecordID(ctx context.Context, sourceID int64) (int64, error) {
	return 0, nil
}

// fakeConnector yields a fixed batch of items per call, cycling through a
// queue of batches so successive RunIngestion calls see different pages.
type fakeConnector struct {
	mu          sync.Mutex
	batches     [][]connector.Item
	callCount   int
	validateErr error
}

func (c *fakeConnector) Validate(ctx context.Context, cfg connector.Config) error {
	return c.validateErr
}

func (c *fakeConnector) nextBatch() []connector.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.callCount
	if idx >= len(c.batches) {
		idx = len(c.batches) - 1
	}
	c.callCount++
	if idx < 0 {
		return nil
	}
	return c.batches[idx]
}

func (c *fakeConnector) Backfill(ctx context.Context, sourceID int64, sourceName string, cfg connector.Config, state connector.State, maxRows int) connector.Stream {
	return c.stream(ctx)
}

func (c *fakeConnector) Incremental(ctx context.Context, sourceID int64, sourceName string, cfg connector.Config, state connector.State, maxRows int) connector.Stream {
	return c.stream(ctx)
}

func (c *fakeConnector) stream(ctx context.Context) connector.Stream {
	out := make(chan connector.Item)
	batch := c.nextBatch()
	go func() {
		defer close(out)
		for _, item := range batch {
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func permitItem(sourceID int64, fingerprint string) connector.Item {
	return connector.Item{Permit: domain.Permit{SourceID: sourceID, Fingerprint: fingerprint, SourceRecordID: fingerprint}}
}

func TestRunIngestionMarksRunningThenCompletesSuccessfully(t *testing.T) {
	source := domain.Source{ID: 1, Name: "sacramento", Platform: domain.PlatformJSONDataset, MaxRowsPerRun: 1000}
	store := newFakeStorage(source)
	conn := &fakeConnector{batches: [][]connector.Item{{permitItem(1, "a"), permitItem(1, "b")}}}
	orch := New(store, map[domain.Platform]connector.Connector{domain.PlatformJSONDataset: conn}, SweepConfig{}, nil)

	result, err := orch.RunIngestion(context.Background(), 1, ModeBackfill)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RowsFetched != 2 || result.RowsUpserted != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}

	state := store.states[1]
	if state.IsRunning {
		t.Fatalf("expected is_running=false after clean completion")
	}
	if state.RowsFetched != 2 {
		t.Fatalf("expected final state to carry rows_fetched, got %d", state.RowsFetched)
	}
	if state.LastSyncAt == nil {
		t.Fatalf("expected last_sync_at to be set")
	}
}

func TestRunIngestionWritesFailureStateOnStreamError(t *testing.T) {
	source := domain.Source{ID: 1, Name: "sacramento", Platform: domain.PlatformJSONDataset, MaxRowsPerRun: 1000}
	store := newFakeStorage(source)
	conn := &fakeConnector{batches: [][]connector.Item{{
		permitItem(1, "a"),
		{Err: apperror.New(apperror.CodeTransientHTTP, "portal unreachable")},
	}}}
	orch := New(store, map[domain.Platform]connector.Connector{domain.PlatformJSONDataset: conn}, SweepConfig{}, nil)

	_, err := orch.RunIngestion(context.Background(), 1, ModeBackfill)
	if err == nil {
		t.Fatalf("expected an error")
	}
	if !apperror.Is(err, apperror.CodeRunFailure) {
		t.Fatalf("expected CodeRunFailure, got %v", err)
	}

	state := store.states[1]
	if state.IsRunning {
		t.Fatalf("expected is_running=false after failure")
	}
	if state.StatusMessage == "" {
		t.Fatalf("expected a failure status message")
	}
}

func TestRunIngestionRejectsConcurrentRunForSameSource(t *testing.T) {
	source := domain.Source{ID: 1, Name: "sacramento", Platform: domain.PlatformJSONDataset, MaxRowsPerRun: 1000}
	store := newFakeStorage(source)
	orch := New(store, map[domain.Platform]connector.Connector{domain.PlatformJSONDataset: &fakeConnector{}}, SweepConfig{}, nil)

	lock := orch.lockFor(1)
	lock.Lock()
	defer lock.Unlock()

	_, err := orch.RunIngestion(context.Background(), 1, ModeBackfill)
	if !apperror.Is(err, apperror.CodeAlreadyRunning) {
		t.Fatalf("expected CodeAlreadyRunning, got %v", err)
	}
}

func TestRunIngestionUnknownPlatformFailsWithConfigError(t *testing.T) {
	source := domain.Source{ID: 1, Name: "mystery", Platform: domain.PlatformOther, MaxRowsPerRun: 1000}
	store := newFakeStorage(source)
	orch := New(store, map[domain.Platform]connector.Connector{}, SweepConfig{}, nil)

	_, err := orch.RunIngestion(context.Background(), 1, ModeBackfill)
	if !apperror.Is(err, apperror.CodeConfig) {
		t.Fatalf("expected CodeConfig, got %v", err)
	}
}

func TestRunDeepIngestionStopsWhenBatchAddsFewerThanMaxRows(t *testing.T) {
	source := domain.Source{ID: 1, Name: "sacramento", Platform: domain.PlatformJSONDataset, MaxRowsPerRun: 2}
	store := newFakeStorage(source)
	conn := &fakeConnector{batches: [][]connector.Item{
		{permitItem(1, "a"), permitItem(1, "b")},
		{permitItem(1, "c")}, // fewer new permits than max_rows=2: loop stops here
	}}
	orch := New(store, map[domain.Platform]connector.Connector{domain.PlatformJSONDataset: conn}, SweepConfig{}, nil)

	err := orch.RunDeepIngestion(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.callCount != 2 {
		t.Fatalf("expected exactly 2 backfill invocations, got %d", conn.callCount)
	}
	if len(store.permits) != 3 {
		t.Fatalf("expected 3 permits persisted across both batches, got %d", len(store.permits))
	}
}

func TestSweepSourceStopsOnShortPage(t *testing.T) {
	source := domain.Source{ID: 1, Name: "sacramento", Platform: domain.PlatformJSONDataset, MaxRowsPerRun: 5}
	store := newFakeStorage(source)
	conn := &fakeConnector{batches: [][]connector.Item{{permitItem(1, "a"), permitItem(1, "b")}}} // short page: 2 < 5
	orch := New(store, map[domain.Platform]connector.Connector{domain.PlatformJSONDataset: conn}, SweepConfig{ConsecutiveZeroLimit: 3}, nil)

	if err := orch.sweepSource(context.Background(), source); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.callCount != 1 {
		t.Fatalf("expected the loop to stop after one short batch, got %d calls", conn.callCount)
	}
}

func TestSweepSourceStopsAfterConsecutiveZeroSaveBatches(t *testing.T) {
	source := domain.Source{ID: 1, Name: "sacramento", Platform: domain.PlatformJSONDataset, MaxRowsPerRun: 1}
	store := newFakeStorage(source)
	// "dup" is already stored, and every batch returns a full page (1 row)
	// that re-upserts that same fingerprint, so permits_added is 0 every
	// time: a zero-save batch.
	store.permits["dup"] = domain.Permit{SourceID: 1, Fingerprint: "dup", SourceRecordID: "dup"}
	conn := &fakeConnector{batches: [][]connector.Item{
		{permitItem(1, "dup")},
		{permitItem(1, "dup")},
		{permitItem(1, "dup")},
	}}
	orch := New(store, map[domain.Platform]connector.Connector{domain.PlatformJSONDataset: conn}, SweepConfig{ConsecutiveZeroLimit: 3, BatchDelay: time.Millisecond}, nil)

	if err := orch.sweepSource(context.Background(), source); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conn.callCount != 3 {
		t.Fatalf("expected exactly 3 batches before the zero-save limit stops the loop, got %d", conn.callCount)
	}
}

func TestSleepCtxReturnsFalseWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepCtx(ctx, time.Minute) {
		t.Fatalf("expected sleepCtx to return false immediately on a cancelled context")
	}
}
