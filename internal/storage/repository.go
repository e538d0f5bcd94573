package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"permittracer/internal/apperror"
	"permittracer/internal/domain"
)

// PostgresStorage implements Storage over a pgx-compatible DB.
type PostgresStorage struct {
	db DB
}

func NewPostgresStorage(db DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

func (s *PostgresStorage) GetSources(ctx context.Context) ([]domain.Source, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, platform, endpoint_url, config, enabled,
		       max_rows_per_run, max_runtime_minutes, max_requests_per_min,
		       created_at, updated_at
		FROM sources ORDER BY id`)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeRunFailure, err, "list sources")
	}
	defer rows.Close()

	var sources []domain.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

func (s *PostgresStorage) GetSource(ctx context.Context, id int64) (domain.Source, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, name, platform, endpoint_url, config, enabled,
		       max_rows_per_run, max_runtime_minutes, max_requests_per_min,
		       created_at, updated_at
		FROM sources WHERE id = $1`, id)
	src, err := scanSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Source{}, apperror.New(apperror.CodeNotFound, fmt.Sprintf("source %d not found", id))
	}
	return src, err
}

func (s *PostgresStorage) CreateSource(ctx context.Context, src domain.Source) (domain.Source, error) {
	cfgJSON, err := marshalJSON(src.Config)
	if err != nil {
		return domain.Source{}, apperror.Wrap(apperror.CodeInvalidArgument, err, "encode source config")
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO sources (name, platform, endpoint_url, config, enabled,
		                      max_rows_per_run, max_runtime_minutes, max_requests_per_min)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`,
		src.Name, string(src.Platform), src.EndpointURL, cfgJSON, src.Enabled,
		src.MaxRowsPerRun, src.MaxRuntimeMinutes, src.MaxRequestsPerMin,
	)
	if err := row.Scan(&src.ID, &src.CreatedAt, &src.UpdatedAt); err != nil {
		return domain.Source{}, apperror.Wrap(apperror.CodeRunFailure, err, "create source")
	}
	return src, nil
}

func (s *PostgresStorage) UpdateSource(ctx context.Context, id int64, patch domain.SourceUpdate) (domain.Source, error) {
	sets := []string{"updated_at = now()"}
	var args []any
	n := 1

	if patch.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", n))
		args = append(args, *patch.Name)
		n++
	}
	if patch.Config != nil {
		cfgJSON, err := marshalJSON(patch.Config)
		if err != nil {
			return domain.Source{}, apperror.Wrap(apperror.CodeInvalidArgument, err, "encode source config")
		}
		sets = append(sets, fmt.Sprintf("config = $%d::jsonb", n))
		args = append(args, cfgJSON)
		n++
	}
	if patch.Enabled != nil {
		sets = append(sets, fmt.Sprintf("enabled = $%d", n))
		args = append(args, *patch.Enabled)
		n++
	}
	if patch.MaxRowsPerRun != nil {
		sets = append(sets, fmt.Sprintf("max_rows_per_run = $%d", n))
		args = append(args, *patch.MaxRowsPerRun)
		n++
	}
	if patch.MaxRuntimeMinutes != nil {
		sets = append(sets, fmt.Sprintf("max_runtime_minutes = $%d", n))
		args = append(args, *patch.MaxRuntimeMinutes)
		n++
	}
	if patch.MaxRequestsPerMin != nil {
		sets = append(sets, fmt.Sprintf("max_requests_per_min = $%d", n))
		args = append(args, *patch.MaxRequestsPerMin)
		n++
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE sources SET %s WHERE id = $%d`, strings.Join(sets, ", "), n)

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return domain.Source{}, apperror.Wrap(apperror.CodeRunFailure, err, "update source")
	}
	if tag.RowsAffected() == 0 {
		return domain.Source{}, apperror.New(apperror.CodeNotFound, fmt.Sprintf("source %d not found", id))
	}

	return s.GetSource(ctx, id)
}

func scanSource(row pgx.Row) (domain.Source, error) {
	var src domain.Source
	var platform string
	var cfgRaw []byte

	if err := row.Scan(&src.ID, &src.Name, &platform, &src.EndpointURL, &cfgRaw, &src.Enabled,
		&src.MaxRowsPerRun, &src.MaxRuntimeMinutes, &src.MaxRequestsPerMin,
		&src.CreatedAt, &src.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Source{}, err
		}
		return domain.Source{}, apperror.Wrap(apperror.CodeRunFailure, err, "scan source")
	}

	src.Platform = domain.Platform(platform)
	if len(cfgRaw) > 0 {
		if err := json.Unmarshal(cfgRaw, &src.Config); err != nil {
			return domain.Source{}, apperror.Wrap(apperror.CodeParse, err, "decode source config")
		}
	}
	return src, nil
}

// --- source_state ---

func (s *PostgresStorage) GetSourceState(ctx context.Context, sourceID int64) (domain.SourceState, error) {
	row := s.db.QueryRow(ctx, `
		SELECT source_id, last_max_timestamp, last_max_record_id, last_issue_date,
		       etag, checksum, rows_fetched, rows_upserted, errors, freshness_seconds,
		       is_running, status_message, current_page, last_sync_at, updated_at
		FROM source_state WHERE source_id = $1`, sourceID)

	st, err := scanSourceState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SourceState{}, apperror.New(apperror.CodeNotFound, fmt.Sprintf("source state for %d not found", sourceID))
	}
	return st, err
}

func (s *PostgresStorage) GetAllSourceStates(ctx context.Context) ([]domain.SourceState, error) {
	rows, err := s.db.Query(ctx, `
		SELECT source_id, last_max_timestamp, last_max_record_id, last_issue_date,
		       etag, checksum, rows_fetched, rows_upserted, errors, freshness_seconds,
		       is_running, status_message, current_page, last_sync_at, updated_at
		FROM source_state ORDER BY source_id`)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeRunFailure, err, "list source states")
	}
	defer rows.Close()

	var states []domain.SourceState
	for rows.Next() {
		st, err := scanSourceState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// UpsertSourceState inserts a new state row if none exists for
// patch.SourceID, else merges only the non-nil fields of patch into the
// existing row (spec.md §4.7's patch-merge semantics).
func (s *PostgresStorage) UpsertSourceState(ctx context.Context, patch domain.SourceStatePatch) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO source_state (source_id) VALUES ($1)
		ON CONFLICT (source_id) DO NOTHING`, patch.SourceID)
	if err != nil {
		return apperror.Wrap(apperror.CodeRunFailure, err, "seed source state")
	}

	sets := []string{"updated_at = now()"}
	var args []any
	n := 1

	if patch.LastMaxTimestamp != nil {
		sets = append(sets, fmt.Sprintf("last_max_timestamp = $%d", n))
		args = append(args, *patch.LastMaxTimestamp)
		n++
	}
	if patch.LastMaxRecordID != nil {
		sets = append(sets, fmt.Sprintf("last_max_record_id = $%d", n))
		args = append(args, *patch.LastMaxRecordID)
		n++
	}
	if patch.LastIssueDate != nil {
		sets = append(sets, fmt.Sprintf("last_issue_date = $%d", n))
		args = append(args, *patch.LastIssueDate)
		n++
	}
	if patch.ETag != nil {
		sets = append(sets, fmt.Sprintf("etag = $%d", n))
		args = append(args, *patch.ETag)
		n++
	}
	if patch.Checksum != nil {
		sets = append(sets, fmt.Sprintf("checksum = $%d", n))
		args = append(args, *patch.Checksum)
		n++
	}
	if patch.RowsFetched != nil {
		sets = append(sets, fmt.Sprintf("rows_fetched = $%d", n))
		args = append(args, *patch.RowsFetched)
		n++
	}
	if patch.RowsUpserted != nil {
		sets = append(sets, fmt.Sprintf("rows_upserted = $%d", n))
		args = append(args, *patch.RowsUpserted)
		n++
	}
	if patch.Errors != nil {
		sets = append(sets, fmt.Sprintf("errors = $%d", n))
		args = append(args, *patch.Errors)
		n++
	}
	if patch.FreshnessSeconds != nil {
		sets = append(sets, fmt.Sprintf("freshness_seconds = $%d", n))
		args = append(args, *patch.FreshnessSeconds)
		n++
	}
	if patch.IsRunning != nil {
		sets = append(sets, fmt.Sprintf("is_running = $%d", n))
		args = append(args, *patch.IsRunning)
		n++
	}
	if patch.StatusMessage != nil {
		sets = append(sets, fmt.Sprintf("status_message = $%d", n))
		args = append(args, *patch.StatusMessage)
		n++
	}
	if patch.CurrentPage != nil {
		sets = append(sets, fmt.Sprintf("current_page = $%d", n))
		args = append(args, *patch.CurrentPage)
		n++
	}
	if patch.LastSyncAt != nil {
		sets = append(sets, fmt.Sprintf("last_sync_at = $%d", n))
		args = append(args, *patch.LastSyncAt)
		n++
	}

	args = append(args, patch.SourceID)
	query := fmt.Sprintf(`UPDATE source_state SET %s WHERE source_id = $%d`, strings.Join(sets, ", "), n)

	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return apperror.Wrap(apperror.CodeRunFailure, err, "merge source state")
	}
	return nil
}

func scanSourceState(row pgx.Row) (domain.SourceState, error) {
	var st domain.SourceState
	var lastSyncAt sql.NullTime

	if err := row.Scan(&st.SourceID, &st.LastMaxTimestamp, &st.LastMaxRecordID, &st.LastIssueDate,
		&st.ETag, &st.Checksum, &st.RowsFetched, &st.RowsUpserted, &st.Errors, &st.FreshnessSeconds,
		&st.IsRunning, &st.StatusMessage, &st.CurrentPage, &lastSyncAt, &st.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SourceState{}, err
		}
		return domain.SourceState{}, apperror.Wrap(apperror.CodeRunFailure, err, "scan source state")
	}
	if lastSyncAt.Valid {
		st.LastSyncAt = &lastSyncAt.Time
	}
	return st, nil
}

// --- permits ---

const permitColumns = `id, source_id, source_name, platform, source_record_id,
	permit_type, work_description, permit_status, issue_date,
	raw_address, parsed_address,
	parcel_id, owner_name, contractor_name, permit_value,
	lat, lon, geom_raw,
	fingerprint, is_roofing, inserted_at, provenance, raw_blob`

func (s *PostgresStorage) GetPermit(ctx context.Context, id int64) (domain.Permit, error) {
	row := s.db.QueryRow(ctx, `SELECT `+permitColumns+` FROM permits WHERE id = $1`, id)
	p, err := scanPermit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Permit{}, apperror.New(apperror.CodeNotFound, fmt.Sprintf("permit %d not found", id))
	}
	return p, err
}

func (s *PostgresStorage) GetPermitByFingerprint(ctx context.Context, fingerprint string) (domain.Permit, error) {
	row := s.db.QueryRow(ctx, `SELECT `+permitColumns+` FROM permits WHERE fingerprint = $1`, fingerprint)
	p, err := scanPermit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Permit{}, apperror.New(apperror.CodeNotFound, "permit not found for fingerprint")
	}
	return p, err
}

// UpsertPermit looks up by fingerprint; if a row exists, every non-null
// field of p overwrites the stored value; otherwise it inserts a new row
// (spec.md §4.7).
func (s *PostgresStorage) UpsertPermit(ctx context.Context, p domain.Permit) (domain.Permit, error) {
	addrJSON, err := marshalJSON(p.ParsedAddress)
	if err != nil {
		return domain.Permit{}, apperror.Wrap(apperror.CodeInvalidArgument, err, "encode parsed address")
	}
	provJSON, err := marshalJSON(p.Provenance)
	if err != nil {
		return domain.Permit{}, apperror.Wrap(apperror.CodeInvalidArgument, err, "encode provenance")
	}

	var geomRaw *string
	if len(p.GeomRaw) > 0 {
		g := string(p.GeomRaw)
		geomRaw = &g
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO permits (
			source_id, source_name, platform, source_record_id,
			permit_type, work_description, permit_status, issue_date,
			raw_address, parsed_address,
			parcel_id, owner_name, contractor_name, permit_value,
			lat, lon, geom_raw,
			fingerprint, is_roofing, inserted_at, provenance, raw_blob
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10::jsonb,
			$11, $12, $13, $14,
			$15, $16, $17::jsonb,
			$18, $19, $20, $21::jsonb, $22
		)
		ON CONFLICT (fingerprint) DO UPDATE SET
			source_id        = COALESCE(EXCLUDED.source_id, permits.source_id),
			source_name      = COALESCE(EXCLUDED.source_name, permits.source_name),
			platform         = COALESCE(EXCLUDED.platform, permits.platform),
			source_record_id = COALESCE(EXCLUDED.source_record_id, permits.source_record_id),
			permit_type      = COALESCE(EXCLUDED.permit_type, permits.permit_type),
			work_description = COALESCE(EXCLUDED.work_description, permits.work_description),
			permit_status    = COALESCE(EXCLUDED.permit_status, permits.permit_status),
			issue_date       = COALESCE(EXCLUDED.issue_date, permits.issue_date),
			raw_address      = COALESCE(NULLIF(EXCLUDED.raw_address, ''), permits.raw_address),
			parsed_address   = COALESCE(EXCLUDED.parsed_address, permits.parsed_address),
			parcel_id        = COALESCE(EXCLUDED.parcel_id, permits.parcel_id),
			owner_name       = COALESCE(EXCLUDED.owner_name, permits.owner_name),
			contractor_name  = COALESCE(EXCLUDED.contractor_name, permits.contractor_name),
			permit_value     = COALESCE(EXCLUDED.permit_value, permits.permit_value),
			lat              = COALESCE(EXCLUDED.lat, permits.lat),
			lon              = COALESCE(EXCLUDED.lon, permits.lon),
			geom_raw         = COALESCE(EXCLUDED.geom_raw, permits.geom_raw),
			is_roofing       = EXCLUDED.is_roofing,
			inserted_at      = EXCLUDED.inserted_at,
			provenance       = COALESCE(EXCLUDED.provenance, permits.provenance),
			raw_blob         = COALESCE(EXCLUDED.raw_blob, permits.raw_blob)
		RETURNING id`,
		p.SourceID, p.SourceName, string(p.Platform), p.SourceRecordID,
		p.PermitType, p.WorkDescription, p.PermitStatus, p.IssueDate,
		p.RawAddress, addrJSON,
		p.ParcelID, p.OwnerName, p.ContractorName, p.PermitValue,
		p.Lat, p.Lon, geomRaw,
		p.Fingerprint, p.IsRoofing, p.InsertedAt, provJSON, p.RawBlob,
	)
	if err := row.Scan(&p.ID); err != nil {
		return domain.Permit{}, apperror.Wrap(apperror.CodeUpsert, err, "upsert permit")
	}
	return p, nil
}

// GetPermits returns filtered permits and the total count matching those
// filters, ordered by insertion timestamp descending (spec.md §4.7).
func (s *PostgresStorage) GetPermits(ctx context.Context, filter domain.PermitFilter) ([]domain.Permit, int64, error) {
	conditions := []string{"1=1"}
	var args []any
	n := 1

	addCond := func(cond string, arg any) {
		conditions = append(conditions, fmt.Sprintf(cond, n))
		args = append(args, arg)
		n++
	}

	if filter.BBoxWest != nil {
		addCond("lon >= $%d", *filter.BBoxWest)
	}
	if filter.BBoxEast != nil {
		addCond("lon <= $%d", *filter.BBoxEast)
	}
	if filter.BBoxSouth != nil {
		addCond("lat >= $%d", *filter.BBoxSouth)
	}
	if filter.BBoxNorth != nil {
		addCond("lat <= $%d", *filter.BBoxNorth)
	}
	if filter.City != nil && *filter.City != "" {
		addCond("parsed_address->>'city' ILIKE '%%' || $%d || '%%'", *filter.City)
	}
	if filter.State != nil && *filter.State != "" {
		addCond("parsed_address->>'state' ILIKE '%%' || $%d || '%%'", *filter.State)
	}
	if filter.PermitType != nil && *filter.PermitType != "" {
		addCond("permit_type ILIKE '%%' || $%d || '%%'", *filter.PermitType)
	}
	if filter.DateFrom != nil && *filter.DateFrom != "" {
		addCond("issue_date >= $%d", *filter.DateFrom)
	}
	if filter.DateTo != nil && *filter.DateTo != "" {
		addCond("issue_date <= $%d", *filter.DateTo)
	}
	if filter.RoofingOnly {
		conditions = append(conditions, "is_roofing")
	}

	whereClause := strings.Join(conditions, " AND ")

	var total int64
	countQuery := "SELECT COUNT(*) FROM permits WHERE " + whereClause
	if err := s.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, apperror.Wrap(apperror.CodeRunFailure, err, "count permits")
	}

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	listArgs := append(append([]any{}, args...), limit, offset)
	listQuery := fmt.Sprintf(`SELECT %s FROM permits WHERE %s ORDER BY inserted_at DESC LIMIT $%d OFFSET $%d`,
		permitColumns, whereClause, n, n+1)

	rows, err := s.db.Query(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, apperror.Wrap(apperror.CodeRunFailure, err, "list permits")
	}
	defer rows.Close()

	var permits []domain.Permit
	for rows.Next() {
		p, err := scanPermit(rows)
		if err != nil {
			return nil, 0, err
		}
		permits = append(permits, p)
	}
	return permits, total, rows.Err()
}

func (s *PostgresStorage) GetPermitStats(ctx context.Context) (domain.PermitStats, error) {
	var stats domain.PermitStats
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE lat IS NOT NULL AND lon IS NOT NULL),
		       COUNT(*) FILTER (WHERE is_roofing)
		FROM permits`).Scan(&stats.Total, &stats.TotalWithCoords, &stats.TotalRoofing)
	if err != nil {
		return domain.PermitStats{}, apperror.Wrap(apperror.CodeRunFailure, err, "permit stats")
	}
	return stats, nil
}

func (s *PostgresStorage) GetSourcePermitCount(ctx context.Context, sourceID int64) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM permits WHERE source_id = $1`, sourceID).Scan(&count)
	if err != nil {
		return 0, apperror.Wrap(apperror.CodeRunFailure, err, "source permit count")
	}
	return count, nil
}

// GetMaxSourceRecordID casts source_record_id to integer before taking
// max, skipping any record whose identifier isn't an integer (spec.md
// §4.7 — a lexicographic max would mis-order "999" vs "1000").
func (s *PostgresStorage) GetMaxSourceRecordID(ctx context.Context, sourceID int64) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(ctx, `
		SELECT MAX(source_record_id::BIGINT)
		FROM permits
		WHERE source_id = $1 AND source_record_id ~ '^[0-9]+$'`, sourceID).Scan(&max)
	if err != nil {
		return 0, apperror.Wrap(apperror.CodeRunFailure, err, "max source record id")
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

func scanPermit(row pgx.Row) (domain.Permit, error) {
	var p domain.Permit
	var platform string
	var addrRaw, provRaw []byte
	var geomRaw []byte

	if err := row.Scan(&p.ID, &p.SourceID, &p.SourceName, &platform, &p.SourceRecordID,
		&p.PermitType, &p.WorkDescription, &p.PermitStatus, &p.IssueDate,
		&p.RawAddress, &addrRaw,
		&p.ParcelID, &p.OwnerName, &p.ContractorName, &p.PermitValue,
		&p.Lat, &p.Lon, &geomRaw,
		&p.Fingerprint, &p.IsRoofing, &p.InsertedAt, &provRaw, &p.RawBlob); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Permit{}, err
		}
		return domain.Permit{}, apperror.Wrap(apperror.CodeRunFailure, err, "scan permit")
	}

	p.Platform = domain.Platform(platform)
	p.GeomRaw = geomRaw

	if len(addrRaw) > 0 {
		if err := json.Unmarshal(addrRaw, &p.ParsedAddress); err != nil {
			return domain.Permit{}, apperror.Wrap(apperror.CodeParse, err, "decode parsed address")
		}
	}
	if len(provRaw) > 0 {
		if err := json.Unmarshal(provRaw, &p.Provenance); err != nil {
			return domain.Permit{}, apperror.Wrap(apperror.CodeParse, err, "decode provenance")
		}
	}

	return p, nil
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
