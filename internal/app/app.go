// Package app assembles the ingestion stack from configuration. The service
// binaries and the ETL command share it so both run identical pipelines.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/ingestion/adapter"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/ingestion/adapter/ofac"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/ingestion/adapter/un"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/ingestion/fetcher"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/ingestion/pipeline"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/notify"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/orchestrator"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/reconcile"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/sanctions"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/store"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/resilience"
)

// OpenStore connects the configured backend and migrates it when asked.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		slog.Warn("using in-memory store, data is lost on exit")
		return store.NewMemory(), nil
	case "postgres":
		client, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		pg := store.NewPostgres(client)
		if cfg.Store.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, err
			}
			slog.Info("store schema migrated")
		}
		return pg, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// FeedURLs maps every enabled source to its feed URL.
func FeedURLs(cfg *config.Config) (map[sanctions.Source]string, error) {
	urls := make(map[sanctions.Source]string)
	for name, src := range cfg.Sources {
		if !src.Enabled {
			continue
		}
		source, err := sanctions.ParseSource(name)
		if err != nil {
			return nil, err
		}
		urls[source] = src.URL
	}
	return urls, nil
}

// Notifier bundles the dispatcher with the shutdown of its sinks.
type Notifier struct {
	*notify.Dispatcher
	closers []func()
}

// Close flushes queued notifications.
func (n *Notifier) Close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
}

// NewNotifier always logs notifications and adds the webhook and Kafka sinks
// when they are configured.
func NewNotifier(ctx context.Context, cfg *config.Config, m *metrics.Metrics) *Notifier {
	sinks := notify.Multi{notify.NewLog()}
	n := &Notifier{}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.WebhookTimeout))
		slog.Info("webhook notifications enabled")
	}
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.Notifications)
		kn := notify.NewKafka(producer, cfg.Notify.BufferSize)
		kn.Start(ctx)
		sinks = append(sinks, kn)
		n.closers = append(n.closers, func() {
			if err := producer.Close(); err != nil {
				slog.Error("closing kafka producer", "error", err)
			}
		}, kn.Close)
		slog.Info("kafka notifications enabled", "topic", cfg.Kafka.Topics.Notifications)
	}
	n.Dispatcher = notify.NewDispatcher(sinks, m)
	return n
}

// NewOrchestrator wires fetcher, adapters, reconciliation and the ledger into
// an orchestrator for every enabled source.
func NewOrchestrator(cfg *config.Config, st store.Store, n *notify.Dispatcher, m *metrics.Metrics, disableScheduler bool) (*orchestrator.Orchestrator, error) {
	urls, err := FeedURLs(cfg)
	if err != nil {
		return nil, err
	}
	ocfg, err := orchestrator.ConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	ocfg.DisableScheduler = disableScheduler

	feeds := fetcher.New(cfg.Fetch, m)
	runner := pipeline.New(
		feeds,
		st,
		adapter.NewRegistry(ofac.New(), un.New()),
		reconcile.New(st, cfg.Reconcile.BatchSize, m, nil),
		urls,
		m,
	)
	o := orchestrator.New(ocfg, runner, st, n, m)
	o.WatchFeeds(func() map[sanctions.Source]resilience.BreakerStatus {
		status := feeds.Status()
		out := make(map[sanctions.Source]resilience.BreakerStatus, len(urls))
		for source, url := range urls {
			if st, ok := status[url]; ok {
				out[source] = st
			}
		}
		return out
	})
	return o, nil
}
