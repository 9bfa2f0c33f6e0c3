package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/bilirelay/db"
	"github.com/onnwee/bilirelay/orchestrator"
	"github.com/onnwee/bilirelay/registry"
	"github.com/onnwee/bilirelay/relay"
	"github.com/onnwee/bilirelay/testutil"
)

type stopRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (s *stopRecorder) Stop(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reasons = append(s.reasons, reason)
}

func (s *stopRecorder) Reasons() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reasons...)
}

type failingSessions struct{}

func (failingSessions) RecentSessions(context.Context, int) ([]db.SessionRow, error) {
	return nil, errors.New("disk on fire")
}

func newTestMux(t *testing.T, st orchestrator.Status, deps Deps) (http.Handler, *stopRecorder) {
	t.Helper()
	stops := &stopRecorder{}
	deps.Status = func() orchestrator.Status { return st }
	deps.Stop = stops.Stop
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewMux(ctx, deps), stops
}

func serve(h http.Handler, method, path, body string, mod func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if mod != nil {
		mod(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	store := testutil.NewStore(t, nil)
	h, _ := newTestMux(t, orchestrator.Status{}, Deps{DB: store.DB()})
	rec := serve(h, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}

	store.DB().Close()
	if rec := serve(h, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz with closed db = %d", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name   string
		status orchestrator.Status
		code   int
		failed string
	}{
		{"ready", orchestrator.Status{State: "relaying"}, http.StatusOK, ""},
		{"degraded probes", orchestrator.Status{Degraded: []string{"destination"}}, http.StatusServiceUnavailable, "probes"},
		{"persistent failure", orchestrator.Status{Failure: "retries exhausted"}, http.StatusServiceUnavailable, "relay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestMux(t, tt.status, Deps{})
			rec := serve(h, http.MethodGet, "/readyz", "", nil)
			if rec.Code != tt.code {
				t.Fatalf("code = %d, want %d", rec.Code, tt.code)
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body["failed_check"] != tt.failed {
				t.Fatalf("body = %v", body)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	st := orchestrator.Status{
		State:       relay.Relaying.String(),
		Target:      &orchestrator.TargetStatus{Platform: string(registry.YouTube), Channel: "kamito", Origin: "auto", CategoryID: 329},
		Destination: "live",
		Watch:       []orchestrator.WatchStatus{{Platform: string(registry.YouTube), Channel: "kamito", CategoryID: 235}},
	}
	h, _ := newTestMux(t, st, Deps{})
	rec := serve(h, http.MethodGet, "/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Fatal("missing correlation id")
	}
	var got orchestrator.Status
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.State != st.State || got.Target == nil || got.Target.Channel != "kamito" || len(got.Watch) != 1 {
		t.Fatalf("status = %+v", got)
	}

	if rec := serve(h, http.MethodPost, "/status", "", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /status = %d", rec.Code)
	}
}

func TestCorrelationIDEchoed(t *testing.T) {
	h, _ := newTestMux(t, orchestrator.Status{}, Deps{})
	rec := serve(h, http.MethodGet, "/status", "", func(r *http.Request) {
		r.Header.Set("X-Correlation-ID", "abc-123")
	})
	if got := rec.Header().Get("X-Correlation-ID"); got != "abc-123" {
		t.Fatalf("correlation id = %q", got)
	}
}

func TestSessions(t *testing.T) {
	store := testutil.NewStore(t, nil)
	ctx := context.Background()
	start := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	ch := registry.Channel{Name: "k4sen", Platform: registry.Twitch, PlatformID: "k4sen"}
	for i, id := range []string{"a", "b", "c"} {
		sess := relay.Session{ID: id, StartedAt: start.Add(time.Duration(i) * time.Hour), Target: relay.Target{Channel: ch, CategoryID: 86}}
		if err := store.StartSession(ctx, sess); err != nil {
			t.Fatal(err)
		}
	}
	h, _ := newTestMux(t, orchestrator.Status{}, Deps{Sessions: store, DB: store.DB()})

	rec := serve(h, http.MethodGet, "/sessions?limit=2", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d body=%s", rec.Code, rec.Body.String())
	}
	var rows []db.SessionRow
	if err := json.NewDecoder(rec.Body).Decode(&rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].ID != "c" || rows[1].ID != "b" {
		t.Fatalf("rows = %+v", rows)
	}

	if rec := serve(h, http.MethodGet, "/sessions?limit=x", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", rec.Code)
	}
}

func TestSessionsWithoutStore(t *testing.T) {
	h, _ := newTestMux(t, orchestrator.Status{}, Deps{})
	if rec := serve(h, http.MethodGet, "/sessions", "", nil); rec.Code != http.StatusNotImplemented {
		t.Fatalf("code = %d", rec.Code)
	}
	h, _ = newTestMux(t, orchestrator.Status{}, Deps{Sessions: failingSessions{}})
	if rec := serve(h, http.MethodGet, "/sessions", "", nil); rec.Code != http.StatusInternalServerError {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestAdminStop(t *testing.T) {
	h, stops := newTestMux(t, orchestrator.Status{}, Deps{Auth: AuthConfig{Token: "test-token-12345"}})

	if rec := serve(h, http.MethodPost, "/admin/stop", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated = %d", rec.Code)
	}
	withToken := func(r *http.Request) { r.Header.Set("X-Admin-Token", "test-token-12345") }
	if rec := serve(h, http.MethodGet, "/admin/stop", "", withToken); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET = %d", rec.Code)
	}
	rec := serve(h, http.MethodPost, "/admin/stop", `{"reason":"wrong stream"}`, withToken)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST = %d %s", rec.Code, rec.Body.String())
	}
	if rec := serve(h, http.MethodPost, "/admin/stop", "", withToken); rec.Code != http.StatusAccepted {
		t.Fatalf("POST without body = %d", rec.Code)
	}
	if rec := serve(h, http.MethodPost, "/admin/stop", "{", withToken); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body = %d", rec.Code)
	}
	got := stops.Reasons()
	if len(got) != 2 || got[0] != "wrong stream" || got[1] != "operator stop via http" {
		t.Fatalf("stop reasons = %v", got)
	}
}
