package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/saltyorg/pqlmem"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape returned %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestRecorder_CountsAndForwards(t *testing.T) {
	m := New()
	rec := m.NewRecorder(nil)

	ctx := context.Background()
	for _, name := range []string{"db_1", "db_2"} {
		if err := rec.RecordCreated(ctx, name, "postgresql://h/"+name); err != nil {
			t.Fatalf("RecordCreated: %v", err)
		}
	}
	if err := rec.RecordDropped(ctx, "db_1"); err != nil {
		t.Fatalf("RecordDropped: %v", err)
	}

	out := scrape(t, m)
	if !strings.Contains(out, "pqlmem_databases_created_total 2") {
		t.Fatalf("expected 2 creates in:\n%s", out)
	}
	if !strings.Contains(out, "pqlmem_databases_dropped_total 1") {
		t.Fatalf("expected 1 drop in:\n%s", out)
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/databases/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, name := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/databases/"+name, nil))
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	out := scrape(t, m)
	want := `pqlmem_http_requests_total{code="418",method="GET",route="/api/databases/{name}"} 3`
	if !strings.Contains(out, want) {
		t.Fatalf("expected %s in:\n%s", want, out)
	}
	if strings.Contains(out, `route="/api/databases/a"`) {
		t.Fatalf("raw paths must not become labels")
	}
	if !strings.Contains(out, `code="404"`) {
		t.Fatalf("expected unmatched request to be counted")
	}
}

func TestObserveManager(t *testing.T) {
	mgr, err := pqlmem.New(pqlmem.Options{RootPath: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m := New()
	m.ObserveManager(mgr)

	if out := scrape(t, m); !strings.Contains(out, "pqlmem_engine_ready 0") {
		t.Fatalf("expected engine_ready 0 in:\n%s", out)
	}
}
