// Command bilirelay watches YouTube and Twitch channels and relays whichever
// one is live into a Bilibili live room. It:
//   - Loads configuration and initializes structured logging.
//   - Optionally connects to Postgres or SQLite and runs idempotent
//     migrations for relay history, the watch set and OAuth tokens.
//   - Starts the orchestrator: the poller, the relay supervisor and the chat
//     command listener.
//   - Exposes /healthz, /readyz, /status, /sessions, /metrics and an
//     authenticated emergency stop over HTTP.
//
// Shutdown is graceful on SIGINT/SIGTERM. SIGUSR1 is an emergency stop.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/onnwee/bilirelay/config"
	"github.com/onnwee/bilirelay/orchestrator"
	"github.com/onnwee/bilirelay/server"
	"github.com/onnwee/bilirelay/telemetry"
)

var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("version", version))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateRelayReady(); err != nil {
		slog.Error("relay not configured", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("bilirelay", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer app.Close()

	// Sinks outlive the orchestrator so the final transitions are flushed.
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	var sinks sync.WaitGroup
	for _, run := range app.sinks {
		sinks.Add(1)
		go func() {
			defer sinks.Done()
			run(sinkCtx)
		}()
	}
	for _, run := range app.background {
		go run(ctx)
	}

	if cfg.ReloadCron != "" {
		c := cron.New()
		if _, err := c.AddFunc(cfg.ReloadCron, func() { app.reloadTables(cfg) }); err != nil {
			slog.Error("invalid RELOAD_CRON", slog.String("spec", cfg.ReloadCron), slog.Any("err", err))
			os.Exit(1)
		}
		c.Start()
		defer c.Stop()
		slog.Info("table reload scheduled", slog.String("spec", cfg.ReloadCron))
	}

	go func() {
		usr1 := make(chan os.Signal, 1)
		signal.Notify(usr1, syscall.SIGUSR1)
		defer signal.Stop(usr1)
		for {
			select {
			case <-ctx.Done():
				return
			case <-usr1:
				app.orch.EmergencyStop("SIGUSR1")
			}
		}
	}()

	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	deps := server.Deps{
		Status: app.orch.Status,
		Stop:   app.orch.EmergencyStop,
		Auth:   server.AuthConfig{Token: cfg.AdminToken, Username: cfg.AdminUsername, Password: cfg.AdminPassword},
		Limit:  server.RateLimit{Max: cfg.AdminRateMax, Window: time.Minute},
	}
	if app.store != nil {
		deps.Sessions = app.store
		deps.DB = app.store.DB()
	}
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, deps); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	if err := app.orch.Run(ctx); err != nil {
		slog.Error("orchestrator exited with error", slog.Any("err", err))
	}
	stopSinks()
	sinks.Wait()
	logFinal(app.orch.Status())
	slog.Info("shutting down")
}

func logFinal(st orchestrator.Status) {
	slog.Info("final relay status", slog.String("state", st.State), slog.Int("attempts", st.Attempts), slog.String("failure", st.Failure))
}
