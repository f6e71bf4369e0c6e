package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"polyglot-sandbox/internal/executor"
	"polyglot-sandbox/internal/monitor"
	"polyglot-sandbox/internal/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Admin is the orchestrator surface the API exposes.
type Admin interface {
	Health() executor.Health
	GetExecutionStats(userID string) monitor.Stats
	GetActiveExecutions() []monitor.ActiveExecution
	RecentExecutions(n int) []monitor.Record
	KillExecution(ctx context.Context, execID string) bool
}

// HistoryStore is the persisted execution history.
type HistoryStore interface {
	Healthy(ctx context.Context) bool
	GetExecution(ctx context.Context, id string) (*storage.Execution, error)
	ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error)
	SecurityEvents(ctx context.Context, executionID string) ([]storage.SecurityEventRecord, error)
}

// Handlers contains the HTTP handlers for the admin API.
type Handlers struct {
	admin     Admin
	store     HistoryStore // nil without a database
	startTime time.Time
}

func NewHandlers(admin Admin, store HistoryStore) *Handlers {
	return &Handlers{admin: admin, store: store, startTime: time.Now()}
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	hl := h.admin.Health()
	resp := HealthResponse{
		Status:     "ok",
		Runtime:    hl.Runtime,
		OCIRuntime: hl.OCIRuntime,
		Degraded:   hl.Degraded,
		Active:     hl.Active,
		Capacity:   hl.Capacity,
		Languages:  hl.Languages,
		Uptime:     Duration{time.Since(h.startTime).Round(time.Second)},
	}

	if h.store != nil {
		ok := h.store.Healthy(r.Context())
		resp.Database = &ok
		if !ok {
			resp.Status = "degraded"
		}
	}
	if hl.Degraded {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if hl.Draining {
		resp.Status = "draining"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.admin.GetExecutionStats(r.URL.Query().Get("user_id")))
}

func (h *Handlers) HandleActive(w http.ResponseWriter, r *http.Request) {
	active := h.admin.GetActiveExecutions()
	writeJSON(w, http.StatusOK, ActiveResponse{Count: len(active), Executions: active})
}

func (h *Handlers) HandleRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	recs := h.admin.RecentExecutions(limit)
	writeJSON(w, http.StatusOK, RecentResponse{Count: len(recs), Executions: recs})
}

func (h *Handlers) HandleKillExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	killed := h.admin.KillExecution(r.Context(), id)
	log.Info().
		Str("exec_id", id).
		Bool("killed", killed).
		Str("request_id", RequestIDFromContext(r.Context())).
		Msg("kill requested")

	status := http.StatusOK
	if !killed {
		status = http.StatusNotFound
	}
	writeJSON(w, status, KillResponse{ID: id, Killed: killed})
}

func (h *Handlers) HandleListHistory(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, "no database configured", "UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	filter := storage.ExecutionFilter{
		UserID:   q.Get("user_id"),
		Language: q.Get("language"),
		Status:   q.Get("status"),
		Limit:    limit,
	}
	if v := q.Get("offset"); v != "" {
		off, err := strconv.Atoi(v)
		if err != nil || off < 0 {
			writeError(w, "invalid offset", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Offset = off
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "since must be RFC 3339", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Since = since
	}

	execs, err := h.store.ListExecutions(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("failed to list executions")
		writeError(w, "failed to list executions", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if execs == nil {
		execs = []storage.Execution{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{Count: len(execs), Executions: execs})
}

func (h *Handlers) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, "no database configured", "UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	id := r.PathValue("id")
	exec, err := h.store.GetExecution(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("exec_id", id).Msg("failed to get execution")
		writeError(w, "failed to get execution", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	events, err := h.store.SecurityEvents(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("exec_id", id).Msg("failed to get security events")
		writeError(w, "failed to get security events", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if events == nil {
		events = []storage.SecurityEventRecord{}
	}
	writeJSON(w, http.StatusOK, HistoryEntryResponse{Execution: *exec, Events: events})
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
