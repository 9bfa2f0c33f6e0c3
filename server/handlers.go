package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/onnwee/bilirelay/db"
	"github.com/onnwee/bilirelay/telemetry"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleHealthz is the liveness probe. It pings the database when one is
// configured.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.DB != nil {
		if err := h.deps.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz runs the readiness checks in order and reports the first
// failure.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	st := h.deps.Status()
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.deps.DB == nil {
				return nil
			}
			return h.deps.DB.PingContext(r.Context())
		}},
		{"probes", func() error {
			if len(st.Degraded) > 0 {
				return fmt.Errorf("degraded: %s", strings.Join(st.Degraded, ", "))
			}
			return nil
		}},
		{"relay", func() error {
			if st.Failure != "" {
				return errors.New(st.Failure)
			}
			return nil
		}},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus returns the latest published relay status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Status())
}

// HandleSessions lists recent relay sessions, newest first. ?limit= caps
// the count (default 50, max 200).
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodGet) {
		return
	}
	if h.deps.Sessions == nil {
		http.Error(w, "session history requires a database", http.StatusNotImplemented)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, 200)
	}
	rows, err := h.deps.Sessions.RecentSessions(r.Context(), limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list sessions", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []db.SessionRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// HandleAdminStop is the operator emergency stop. The optional JSON body
// {"reason": "..."} is logged and recorded on the transition.
func (h *Handlers) HandleAdminStop(w http.ResponseWriter, r *http.Request) {
	if !methodAllowed(w, r, http.MethodPost) {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
	}
	reason := strings.TrimSpace(body.Reason)
	if reason == "" {
		reason = "operator stop via http"
	}
	telemetry.LoggerWithCorr(r.Context()).Warn("emergency stop requested", slog.String("reason", reason), slog.String("remote_addr", r.RemoteAddr), slog.String("component", "http"))
	h.deps.Stop(reason)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping", "reason": reason})
}
