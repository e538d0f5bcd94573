// Package api exposes the minimal REST surface spec.md §6 requires: health,
// source management, ingest triggers, and permit queries. Routing follows
// gorilla/mux the way the rest of this pack's HTTP surfaces do.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"permittracer/internal/apperror"
	"permittracer/internal/domain"
	"permittracer/internal/ingest"
	"permittracer/internal/obslog"
	"permittracer/internal/storage"
)

// Pinger checks database reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the dependencies every route needs.
type Handler struct {
	Storage      storage.Storage
	Orchestrator *ingest.Orchestrator
	DB           Pinger
}

// NewHandler builds a Handler.
func NewHandler(store storage.Storage, orch *ingest.Orchestrator, pinger Pinger) *Handler {
	return &Handler{Storage: store, Orchestrator: orch, DB: pinger}
}

// RegisterRoutes wires every endpoint from spec.md §6's external interface
// table onto r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/sources", h.ListSources).Methods(http.MethodGet)
	r.HandleFunc("/sources/state", h.SourceStates).Methods(http.MethodGet)
	r.HandleFunc("/sources/{id}", h.PatchSource).Methods(http.MethodPatch)
	r.HandleFunc("/sources/{id}/ingest", h.TriggerIngest).Methods(http.MethodPost)
	r.HandleFunc("/permits", h.ListPermits).Methods(http.MethodGet)
	r.HandleFunc("/permits/{id}", h.GetPermit).Methods(http.MethodGet)
}

// Health reports liveness; its status reflects database reachability
// (spec.md §6).
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.Ping(r.Context()); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, apperror.Wrap(apperror.CodeRunFailure, err, "database unreachable"))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListSources enumerates registered sources.
func (h *Handler) ListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := h.Storage.GetSources(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sources)
}

// SourceStates returns every state row, for progress UIs.
func (h *Handler) SourceStates(w http.ResponseWriter, r *http.Request) {
	states, err := h.Storage.GetAllSourceStates(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, states)
}

// sourcePatchRequest is the wire shape of a PATCH /sources/{id} body —
// operators change enabled status or budgets here (spec.md §6).
type sourcePatchRequest struct {
	Name              *string `json:"name"`
	Enabled           *bool   `json:"enabled"`
	MaxRowsPerRun     *int    `json:"max_rows_per_run"`
	MaxRuntimeMinutes *int    `json:"max_runtime_minutes"`
	MaxRequestsPerMin *int    `json:"max_requests_per_min"`
}

// PatchSource applies a partial update to one source.
func (h *Handler) PatchSource(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	var body sourcePatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, apperror.Wrap(apperror.CodeInvalidArgument, err, "invalid request body"))
		return
	}

	updated, err := h.Storage.UpdateSource(r.Context(), id, domain.SourceUpdate{
		Name:              body.Name,
		Enabled:           body.Enabled,
		MaxRowsPerRun:     body.MaxRowsPerRun,
		MaxRuntimeMinutes: body.MaxRuntimeMinutes,
		MaxRequestsPerMin: body.MaxRequestsPerMin,
	})
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// TriggerIngest kicks off a background ingestion task and returns 202
// immediately (spec.md §6); the run itself proceeds on a detached context
// so a client disconnect never cancels an in-flight ingestion.
func (h *Handler) TriggerIngest(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	mode := r.URL.Query().Get("mode")
	switch mode {
	case "backfill", "incremental", "deep":
	default:
		h.writeError(w, http.StatusBadRequest, apperror.New(apperror.CodeInvalidArgument,
			"mode must be one of backfill, incremental, deep"))
		return
	}

	go func() {
		ctx := context.Background()
		var err error
		switch mode {
		case "deep":
			err = h.Orchestrator.RunDeepIngestion(ctx, id)
		case "incremental":
			_, err = h.Orchestrator.RunIngestion(ctx, id, ingest.ModeIncremental)
		default:
			_, err = h.Orchestrator.RunIngestion(ctx, id, ingest.ModeBackfill)
		}
		if err != nil {
			obslog.WithSource(id, "").Error("triggered ingest failed", "mode", mode, "error", err)
		}
	}()

	h.writeJSON(w, http.StatusAccepted, map[string]any{"source_id": id, "mode": mode, "status": "started"})
}

// ListPermits serves the filtered listing spec.md §6 describes: bbox,
// city/state/type substrings, date range, roofing-only, offset/limit.
func (h *Handler) ListPermits(w http.ResponseWriter, r *http.Request) {
	filter, err := parsePermitFilter(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	permits, total, err := h.Storage.GetPermits(r.Context(), filter)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"permits": permits, "total": total})
}

// GetPermit serves a single permit by id.
func (h *Handler) GetPermit(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	permit, err := h.Storage.GetPermit(r.Context(), id)
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, permit)
}

func parsePermitFilter(r *http.Request) (domain.PermitFilter, error) {
	q := r.URL.Query()
	var filter domain.PermitFilter

	if bbox := q.Get("bbox"); bbox != "" {
		parts := strings.Split(bbox, ",")
		if len(parts) != 4 {
			return filter, apperror.New(apperror.CodeInvalidArgument, "bbox must be west,south,east,north")
		}
		vals := make([]float64, 4)
		for i, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return filter, apperror.Wrap(apperror.CodeInvalidArgument, err, "bbox values must be decimal degrees")
			}
			vals[i] = v
		}
		filter.BBoxWest, filter.BBoxSouth, filter.BBoxEast, filter.BBoxNorth = &vals[0], &vals[1], &vals[2], &vals[3]
	}

	if v := q.Get("city"); v != "" {
		filter.City = &v
	}
	if v := q.Get("state"); v != "" {
		filter.State = &v
	}
	if v := q.Get("type"); v != "" {
		filter.PermitType = &v
	}
	if v := q.Get("date_from"); v != "" {
		filter.DateFrom = &v
	}
	if v := q.Get("date_to"); v != "" {
		filter.DateTo = &v
	}
	if v := q.Get("roofing_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, apperror.Wrap(apperror.CodeInvalidArgument, err, "roofing_only must be a boolean")
		}
		filter.RoofingOnly = b
	}

	filter.Limit = 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return filter, apperror.Wrap(apperror.CodeInvalidArgument, err, "limit must be an integer")
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return filter, apperror.Wrap(apperror.CodeInvalidArgument, err, "offset must be an integer")
		}
		filter.Offset = n
	}

	return filter, nil
}

func pathInt64(r *http.Request, key string) (int64, error) {
	raw := mux.Vars(r)[key]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperror.Wrap(apperror.CodeInvalidArgument, err, key+" must be an integer")
	}
	return id, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		obslog.Log.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps an apperror code to the HTTP status the API surface
// returns for it.
func statusFor(err error) int {
	code, ok := apperror.CodeOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch code {
	case apperror.CodeNotFound:
		return http.StatusNotFound
	case apperror.CodeInvalidArgument, apperror.CodeConfig:
		return http.StatusBadRequest
	case apperror.CodeAlreadyRunning:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
