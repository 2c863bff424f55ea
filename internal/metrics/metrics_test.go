package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/v1/portfolio/{userID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	counter := HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/portfolio/{userID}", "404")
	before := testutil.ToFloat64(counter)

	for _, user := range []string{"alice", "bob"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/portfolio/"+user, nil))
		if w.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", w.Code)
		}
	}

	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Errorf("expected 2 requests under one pattern label, got %v", got)
	}
}

func TestRoutePattern_Unrouted(t *testing.T) {
	req := httptest.NewRequest("GET", "/nowhere", nil)
	if got := RoutePattern(req); got != "other" {
		t.Errorf("expected other, got %q", got)
	}
}

func TestStatusWriter_HijackUnsupported(t *testing.T) {
	w := &statusWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	if _, _, err := w.Hijack(); err == nil {
		t.Error("expected an error from a recorder that cannot hijack")
	}
	if w.Unwrap() == nil {
		t.Error("Unwrap returned nil")
	}
}
