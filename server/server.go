// Package server exposes the operator HTTP surface: health and readiness
// probes, the relay status, recent sessions, Prometheus metrics and an
// authenticated emergency stop. Every request carries a correlation id.
package server

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/bilirelay/db"
	"github.com/onnwee/bilirelay/orchestrator"
	"github.com/onnwee/bilirelay/telemetry"
)

// SessionLister is satisfied by *db.Store.
type SessionLister interface {
	RecentSessions(ctx context.Context, limit int) ([]db.SessionRow, error)
}

// Deps wires the handlers to the running relay. Status and Stop are
// required; Sessions and DB may be nil when no database is configured.
type Deps struct {
	Status   func() orchestrator.Status
	Stop     func(reason string)
	Sessions SessionLister
	DB       *sql.DB
	Auth     AuthConfig
	Limit    RateLimit
}

// Handlers holds the route dependencies.
type Handlers struct {
	deps Deps
}

// NewMux returns the HTTP handler with all routes. ctx bounds the rate
// limiter's cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	h := &Handlers{deps: deps}
	limiter := newIPRateLimiter(ctx, deps.Limit)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/status", h.HandleStatus)
	mux.HandleFunc("/sessions", h.HandleSessions)
	mux.Handle("/admin/stop", adminAuth(rateLimitMiddleware(http.HandlerFunc(h.HandleAdminStop), limiter), deps.Auth))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, deps Deps) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(ctx, deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err), slog.String("component", "http"))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func methodAllowed(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(methods, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}
