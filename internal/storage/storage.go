package storage

import (
	"context"

	"permittracer/internal/domain"
)

// Storage is the surface the orchestrator and HTTP layer depend on
// (spec.md §4.7) — every other package talks to persistence through this
// interface, never through DB directly.
type Storage interface {
	GetSources(ctx context.Context) ([]domain.Source, error)
	GetSource(ctx context.Context, id int64) (domain.Source, error)
	CreateSource(ctx context.Context, s domain.Source) (domain.Source, error)
	UpdateSource(ctx context.Context, id int64, patch domain.SourceUpdate) (domain.Source, error)

	GetSourceState(ctx context.Context, sourceID int64) (domain.SourceState, error)
	GetAllSourceStates(ctx context.Context) ([]domain.SourceState, error)
	UpsertSourceState(ctx context.Context, patch domain.SourceStatePatch) error

	GetPermit(ctx context.Context, id int64) (domain.Permit, error)
	GetPermitByFingerprint(ctx context.Context, fingerprint string) (domain.Permit, error)
	UpsertPermit(ctx context.Context, p domain.Permit) (domain.Permit, error)
	GetPermits(ctx context.Context, filter domain.PermitFilter) ([]domain.Permit, int64, error)
	GetPermitStats(ctx context.Context) (domain.PermitStats, error)

	GetSourcePermitCount(ctx context.Context, sourceID int64) (int64, error)
	GetMaxSourceRecordID(ctx context.Context, sourceID int64) (int64, error)
}
