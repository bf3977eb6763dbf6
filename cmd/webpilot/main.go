package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	wphttp "github.com/mkarren/webpilot/internal/adapter/http"
	"github.com/mkarren/webpilot/internal/adapter/llmhttp"
	wpnats "github.com/mkarren/webpilot/internal/adapter/nats"
	"github.com/mkarren/webpilot/internal/adapter/natstool"
	wpotel "github.com/mkarren/webpilot/internal/adapter/otel"
	"github.com/mkarren/webpilot/internal/adapter/postgres"
	"github.com/mkarren/webpilot/internal/adapter/ristretto"
	"github.com/mkarren/webpilot/internal/adapter/ws"
	"github.com/mkarren/webpilot/internal/config"
	"github.com/mkarren/webpilot/internal/logger"
	"github.com/mkarren/webpilot/internal/resilience"
	"github.com/mkarren/webpilot/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.SetDefault(logger.New(cfg.Logging))
	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"poll_interval", cfg.Scheduler.PollInterval,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Telemetry ---
	otelEndpoint := ""
	if cfg.Telemetry.Enabled {
		otelEndpoint = cfg.Telemetry.Endpoint
	}
	otelShutdown, err := wpotel.Init(ctx, cfg.Logging.Service, otelEndpoint)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shCancel()
		if err := otelShutdown(shCtx); err != nil {
			slog.Warn("otel shutdown failed", "error", err)
		}
	}()

	metrics, err := wpotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := wpnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	verdictCache, err := ristretto.New(cfg.Cache.MaxBytes)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer verdictCache.Close()

	// --- Backends ---
	llm := llmhttp.NewClient(cfg.Reasoner)
	llm.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	tools := natstool.NewRunner(queue.Conn(), cfg.NATS.ToolSubject, cfg.NATS.ToolTimeout)

	store := postgres.NewStore(pool)

	logSink, err := natstool.StartLogSink(queue.Conn(), store)
	if err != nil {
		return fmt.Errorf("browser log sink: %w", err)
	}
	defer func() { _ = logSink.Close() }()

	// --- Services ---
	hub := ws.NewHub()

	mem := service.NewMemoryService(store)
	planner := service.NewPlannerService(llm, mem, cfg.Reasoner.DefaultModel, cfg.Reasoner.MaxTokens)
	gate := service.NewApprovalService(llm, verdictCache, cfg.Reasoner.DefaultModel, cfg.Reasoner.MaxTokens, cfg.Cache.VerdictTTL)
	guard := service.NewLoopGuardService(llm, mem, cfg.Reasoner.DefaultModel, cfg.Reasoner.MaxTokens)
	finalizer := service.NewFinalizerService(store, llm, mem, cfg.Reasoner.DefaultModel, cfg.Reasoner.MaxTokens)

	engine := service.NewEngine(store, planner, gate, guard, finalizer, tools)
	engine.SetHub(hub)
	engine.SetQueue(queue)
	engine.SetMetrics(metrics)

	scheduler := service.NewScheduler(store, engine, cfg.Scheduler.PollInterval, cfg.Scheduler.StuckAfter)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	runs := service.NewRunService(store, scheduler, cfg.Agent.ArtifactsDir, cfg.Scheduler.ListLimit)

	// --- HTTP ---
	handlers := wphttp.NewHandlers(runs, hub)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(wphttp.CORS(cfg.Server.CORSOrigin))
	r.Use(wphttp.Logger)
	r.Use(chimw.Recoverer)
	if cfg.Telemetry.Enabled {
		r.Use(wpotel.HTTPMiddleware(cfg.Logging.Service))
	}
	wphttp.MountRoutes(r, handlers)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shCancel()
		return srv.Shutdown(shCtx)
	})

	return g.Wait()
}
