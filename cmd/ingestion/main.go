// Command ingestion runs the sanctions-list ingestion orchestrator.
//
// It schedules OFAC and UN feed downloads, reconciles them into the entity
// store, records every run in the ledger and serves the control API:
//
//	POST /api/v1/ingestion/{source}/trigger
//	GET  /api/v1/ingestion/status
//	GET  /api/v1/ingestion/runs/{id}
//	GET  /api/v1/ingestion/health
//
// Usage:
//
//	go run ./cmd/ingestion [-config configs/development.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/app"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/orchestrator/handler"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/middleware"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup("ingestion", cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting ingestion service", "port", cfg.Server.Port, "store", cfg.Store.Driver)

	if err := run(cfg); err != nil {
		slog.Error("ingestion service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("ingestion service stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	st, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	notifier := app.NewNotifier(ctx, cfg, m)
	defer notifier.Close()

	orch, err := app.NewOrchestrator(cfg, st, notifier.Dispatcher, m, false)
	if err != nil {
		return fmt.Errorf("building orchestrator: %w", err)
	}
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}
	slog.Info("orchestrator running", "sources", orch.Sources())

	checker := health.NewChecker()
	checker.Register("store", health.PingCheck(st.Ping))
	checker.Register("orchestrator", func(context.Context) health.ComponentHealth {
		if orch.Running() {
			return health.ComponentHealth{Status: health.StatusUp}
		}
		return health.ComponentHealth{Status: health.StatusDown, Message: "stopped"}
	})

	mux := http.NewServeMux()
	handler.New(orch).Register(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = middleware.Routes(mux)
	chain = middleware.Timeout(cfg.Server.RequestTimeout)(chain)
	if cfg.Server.RateLimit > 0 {
		chain = middleware.RateLimit(middleware.NewLimiter(cfg.Server.RateLimit, time.Minute))(chain)
	}
	if len(cfg.Server.CORSOrigins) > 0 {
		chain = middleware.CORS(middleware.DefaultCORSConfig(cfg.Server.CORSOrigins))(chain)
	}
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		ms := metrics.NewServer(cfg.Metrics.Port, metrics.Handler())
		g.Go(func() error { return ms.Run(gctx, cfg.Server.ShutdownTimeout) })
	}
	g.Go(func() error {
		slog.Info("ingestion service listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		// in-flight runs finish before the store and notifiers close
		if err := orch.Stop(shutdownCtx); err != nil {
			slog.Error("orchestrator stop error", "error", err)
		}
		return nil
	})
	return g.Wait()
}
