package ranking

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stockschool/papertrade/internal/model"
	"github.com/stockschool/papertrade/internal/query"
	"github.com/stockschool/papertrade/internal/store"
)

// Handler serves the published leaderboards and the recompute trigger.
type Handler struct {
	query   *query.Surface
	engine  *Engine
	timeout time.Duration
}

// NewHandler creates leaderboard handlers. timeout bounds a recompute
// requested over HTTP.
func NewHandler(q *query.Surface, engine *Engine, timeout time.Duration) *Handler {
	return &Handler{query: q, engine: engine, timeout: timeout}
}

// Routes registers the public leaderboard reads under r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/leaderboard", h.GetLeaderboard)
	r.Get("/leaderboard/{period}/users/{userID}", h.GetUserRank)
}

// RecomputeResponse is returned by POST /internal/leaderboard/recompute.
type RecomputeResponse struct {
	RunID      string         `json:"runId"`
	ComputedAt time.Time      `json:"computedAt"`
	Accounts   int            `json:"accounts"`
	Periods    map[string]int `json:"periods"` // period → entries
}

// RunIDHeader carries the id of the run a leaderboard response came from.
const RunIDHeader = "X-Leaderboard-Run"

// GetLeaderboard handles GET /api/v1/leaderboard?period=&limit=
// Defaults to ALL_TIME and 50 entries. The body is the entries in rank
// order.
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	period := model.PeriodAllTime
	if v := r.URL.Query().Get("period"); v != "" {
		p, err := model.ParsePeriod(v)
		if err != nil {
			writeError(w, err.Error(), "INVALID_PERIOD", http.StatusBadRequest)
			return
		}
		period = p
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", "INVALID_LIMIT", http.StatusBadRequest)
			return
		}
		limit = n
	}

	batch, err := h.query.GetLeaderboard(r.Context(), period, limit)
	if err != nil {
		slog.Error("leaderboard read failed", "period", period, "err", err)
		writeError(w, "leaderboard unavailable", "PERSISTENCE_UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}
	if batch.RunID != "" {
		w.Header().Set(RunIDHeader, batch.RunID)
	}
	writeJSON(w, http.StatusOK, batch.Entries)
}

// GetUserRank handles GET /api/v1/leaderboard/{period}/users/{userID}
func (h *Handler) GetUserRank(w http.ResponseWriter, r *http.Request) {
	period, err := model.ParsePeriod(chi.URLParam(r, "period"))
	if err != nil {
		writeError(w, err.Error(), "INVALID_PERIOD", http.StatusBadRequest)
		return
	}
	userID := chi.URLParam(r, "userID")

	entry, found, err := h.query.GetUserRank(r.Context(), userID, period)
	if err != nil {
		slog.Error("rank read failed", "user", userID, "period", period, "err", err)
		writeError(w, "leaderboard unavailable", "PERSISTENCE_UNAVAILABLE", http.StatusServiceUnavailable)
		return
	}
	if !found {
		writeError(w, "user has not been ranked for "+string(period), "NOT_RANKED", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Recompute handles POST /internal/leaderboard/recompute
// Runs synchronously and reports what was published.
func (h *Handler) Recompute(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.engine.Run(ctx)
	switch {
	case errors.Is(err, ErrRunInProgress):
		writeError(w, err.Error(), "RUN_IN_PROGRESS", http.StatusConflict)
		return
	case errors.Is(err, store.ErrPersistenceUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		w.Header().Set("Retry-After", "5")
		writeError(w, err.Error(), "PERSISTENCE_UNAVAILABLE", http.StatusServiceUnavailable)
		return
	case err != nil:
		writeError(w, "recompute failed", "INTERNAL", http.StatusInternalServerError)
		return
	}

	resp := RecomputeResponse{
		RunID:      run.ID,
		ComputedAt: run.ComputedAt,
		Accounts:   run.Accounts,
		Periods:    make(map[string]int, len(run.Batches)),
	}
	for _, b := range run.Batches {
		resp.Periods[string(b.Period)] = len(b.Entries)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, map[string]any{"success": false, "error": message, "code": code})
}
