// Command searcher serves name screening against the reconciled entity store.
//
// Results are cached in Redis when it is reachable. The cache is dropped
// whenever a run_succeeded notification arrives on the Kafka notification
// topic.
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
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/matcher"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/matcher/cache"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/matcher/handler"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/middleware"
	pkgredis "github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup("searcher", cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting search service", "port", cfg.Server.Port, "store", cfg.Store.Driver)
	if err := run(cfg); err != nil {
		slog.Error("search service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("search service stopped")
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

	checker := health.NewChecker()
	checker.Register("store", health.PingCheck(st.Ping))

	var queryCache *cache.QueryCache
	var redisClient *pkgredis.Client
	if cfg.Redis.Enabled {
		redisClient, err = pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, match caching disabled", "error", err)
		} else {
			defer redisClient.Close()
			queryCache = cache.New(redisClient, cfg.Redis.CacheTTL, m)
			checker.Register("redis", health.DegradedCheck(redisClient.Ping))
			slog.Info("match cache enabled",
				"addr", cfg.Redis.Addr,
				"ttl", cfg.Redis.CacheTTL,
			)
		}
	}

	engine := matcher.New(st, cfg.Matching, m)
	h := handler.New(engine, queryCache, handler.SourcesFrom(cfg.Sources), cfg.Matching.DefaultMinScore, m)

	mux := http.NewServeMux()
	h.Register(mux)
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
	if queryCache != nil && cfg.Kafka.Enabled {
		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.Notifications, queryCache.HandleNotification)
		g.Go(func() error {
			slog.Info("cache invalidation consumer started", "topic", cfg.Kafka.Topics.Notifications)
			return consumer.Start(gctx)
		})
	}
	g.Go(func() error {
		slog.Info("search service listening", "addr", server.Addr)
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
		return nil
	})
	return g.Wait()
}
