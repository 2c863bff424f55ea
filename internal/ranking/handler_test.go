package ranking_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stockschool/papertrade/internal/model"
	"github.com/stockschool/papertrade/internal/query"
	"github.com/stockschool/papertrade/internal/ranking"
	"github.com/stockschool/papertrade/internal/store"
)

func newHandlerEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := seededStore(t)
	eng := ranking.NewEngine(ms, ms, startingCash)
	h := ranking.NewHandler(query.NewSurface(ms, ms, startingCash), eng, time.Minute)

	r := chi.NewRouter()
	r.Route("/api/v1", h.Routes)
	r.Post("/internal/leaderboard/recompute", h.Recompute)
	return ms, r
}

func get(t *testing.T, r chi.Router, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestLeaderboardHandler_EmptyBeforeFirstRun(t *testing.T) {
	_, r := newHandlerEnv(t)

	w := get(t, r, "GET", "/api/v1/leaderboard")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("expected empty list, got %s", body)
	}
	if run := w.Header().Get(ranking.RunIDHeader); run != "" {
		t.Errorf("expected no run header before the first run, got %q", run)
	}
}

func TestRecomputeThenRead(t *testing.T) {
	_, r := newHandlerEnv(t)

	w := get(t, r, "POST", "/internal/leaderboard/recompute")
	if w.Code != http.StatusOK {
		t.Fatalf("recompute: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var run ranking.RecomputeResponse
	json.Unmarshal(w.Body.Bytes(), &run)
	if run.RunID == "" || run.Accounts != 2 || len(run.Periods) != 4 {
		t.Fatalf("unexpected recompute response %+v", run)
	}

	w = get(t, r, "GET", "/api/v1/leaderboard?period=daily&limit=1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var entries []model.LeaderboardEntry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("leaderboard body is not a list: %v: %s", err, w.Body.String())
	}
	if got := w.Header().Get(ranking.RunIDHeader); got != run.RunID {
		t.Errorf("expected run header %s, got %q", run.RunID, got)
	}
	if len(entries) != 1 || entries[0].Rank != 1 || entries[0].Period != model.PeriodDaily {
		t.Errorf("expected only daily rank 1, got %+v", entries)
	}

	w = get(t, r, "GET", "/api/v1/leaderboard?period=all_time")
	entries = nil
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 2 {
		t.Fatalf("expected both accounts ranked, got %+v", entries)
	}
	for i, e := range entries {
		if e.Rank != i+1 || e.UserID == "" || e.ComputedAt.IsZero() {
			t.Errorf("entry %d out of order or incomplete: %+v", i, e)
		}
	}

	w = get(t, r, "GET", "/api/v1/leaderboard/all-time/users/alice")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for ranked user, got %d", w.Code)
	}
	var entry model.LeaderboardEntry
	json.Unmarshal(w.Body.Bytes(), &entry)
	if entry.UserID != "alice" || entry.TradeCount != 1 {
		t.Errorf("unexpected entry %+v", entry)
	}
}

func TestUserRankHandler_Errors(t *testing.T) {
	_, r := newHandlerEnv(t)

	if w := get(t, r, "GET", "/api/v1/leaderboard/WEEKLY/users/alice"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 before any run, got %d", w.Code)
	}
	if w := get(t, r, "GET", "/api/v1/leaderboard/YEARLY/users/alice"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown period, got %d", w.Code)
	}
	if w := get(t, r, "GET", "/api/v1/leaderboard?period=hourly"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown period, got %d", w.Code)
	}
	if w := get(t, r, "GET", "/api/v1/leaderboard?limit=-2"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative limit, got %d", w.Code)
	}
}

func TestRecomputeHandler_NewAccountAppearsInNextRun(t *testing.T) {
	ms, r := newHandlerEnv(t)
	get(t, r, "POST", "/internal/leaderboard/recompute")

	if _, err := ms.CreateAccount(context.Background(), "carol", startingCash, time.Now()); err != nil {
		t.Fatal(err)
	}
	if w := get(t, r, "GET", "/api/v1/leaderboard/ALL_TIME/users/carol"); w.Code != http.StatusNotFound {
		t.Errorf("carol should not be ranked yet, got %d", w.Code)
	}

	get(t, r, "POST", "/internal/leaderboard/recompute")
	if w := get(t, r, "GET", "/api/v1/leaderboard/ALL_TIME/users/carol"); w.Code != http.StatusOK {
		t.Errorf("carol should be ranked after recompute, got %d", w.Code)
	}
}
