// Command etl runs ingestion once from the command line.
//
// Usage:
//
//	etl [-config path] run -source OFAC|UN|ALL [-timeout 30m]
//	etl [-config path] status
//	etl [-config path] health
//	etl [-config path] migrate
//
// run goes through the same orchestrator as the service, with the scheduler
// off, and exits non-zero when any run fails.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/app"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/orchestrator"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/sanctions"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/metrics"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: etl [-config path] run -source OFAC|UN|ALL | status | health | migrate\n")
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup("etl", cfg.Logging.Level, cfg.Logging.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "run":
		err = runCmd(ctx, cfg, args)
	case "status":
		err = withOrchestrator(ctx, cfg, func(o *orchestrator.Orchestrator) error {
			report, err := o.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(report)
		})
	case "health":
		err = withOrchestrator(ctx, cfg, func(o *orchestrator.Orchestrator) error {
			warnings := o.Inspect(ctx)
			if err := printJSON(map[string]any{"healthy": len(warnings) == 0, "warnings": warnings}); err != nil {
				return err
			}
			if len(warnings) > 0 {
				return fmt.Errorf("%d health warnings", len(warnings))
			}
			return nil
		})
	case "migrate":
		err = migrateCmd(ctx, cfg)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error("etl command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

// parseSources expands ALL to every enabled source.
func parseSources(arg string, enabled []sanctions.Source) ([]sanctions.Source, error) {
	if strings.EqualFold(strings.TrimSpace(arg), "ALL") {
		if len(enabled) == 0 {
			return nil, fmt.Errorf("no sources are enabled")
		}
		return enabled, nil
	}
	source, err := sanctions.ParseSource(arg)
	if err != nil {
		return nil, err
	}
	for _, s := range enabled {
		if s == source {
			return []sanctions.Source{source}, nil
		}
	}
	return nil, fmt.Errorf("source %s is not enabled", source)
}

func runCmd(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	sourceArg := fs.String("source", "ALL", "OFAC, UN or ALL")
	timeout := fs.Duration("timeout", 30*time.Minute, "maximum time to wait for all runs")
	poll := fs.Duration("poll", 2*time.Second, "ledger poll interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withOrchestrator(ctx, cfg, func(o *orchestrator.Orchestrator) error {
		sources, err := parseSources(*sourceArg, o.Sources())
		if err != nil {
			return err
		}
		if err := o.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := o.Stop(stopCtx); err != nil {
				slog.Error("orchestrator stop error", "error", err)
			}
		}()

		waitCtx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()

		var runIDs []string
		for _, source := range sources {
			res, err := o.TriggerRun(ctx, source, sanctions.TriggerManual)
			if err != nil {
				return fmt.Errorf("triggering %s: %w", source, err)
			}
			if !res.Accepted {
				return fmt.Errorf("%s run rejected: %s", source, res.Reason)
			}
			runIDs = append(runIDs, res.RunID)
		}

		failed := 0
		for _, id := range runIDs {
			run, err := o.WaitForRun(waitCtx, id, *poll)
			if err != nil {
				return err
			}
			if err := printJSON(run); err != nil {
				return err
			}
			if run.Status == sanctions.RunFailed {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d runs failed", failed, len(runIDs))
		}
		return nil
	})
}

func migrateCmd(ctx context.Context, cfg *config.Config) error {
	if cfg.Store.Driver != "postgres" {
		return fmt.Errorf("migrate needs the postgres store, configured driver is %q", cfg.Store.Driver)
	}
	cfg.Store.Migrate = true
	st, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	slog.Info("migration complete")
	return nil
}

func withOrchestrator(ctx context.Context, cfg *config.Config, fn func(*orchestrator.Orchestrator) error) error {
	m := metrics.NewNop()
	st, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	notifier := app.NewNotifier(ctx, cfg, m)
	defer notifier.Close()

	o, err := app.NewOrchestrator(cfg, st, notifier.Dispatcher, m, true)
	if err != nil {
		return err
	}
	return fn(o)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
