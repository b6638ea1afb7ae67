// Package pipeline runs one ingestion pass for a source: fetch the feed,
// fingerprint it, compare with the last successful run, parse it with the
// source adapter and reconcile the records into the entity store.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/ingestion/adapter"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/ingestion/changedetect"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/reconcile"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/sanctions"
	apperrors "github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/tracing"
)

// MaxSummaryErrors caps how many record errors are kept in a run summary.
const MaxSummaryErrors = 50

type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, source sanctions.Source, records []sanctions.CanonicalRecord) (*reconcile.Result, error)
}

// Outcome is what a pass produced. It is returned alongside an error as far
// as the pass got.
type Outcome struct {
	Status          sanctions.RunStatus
	FeedFingerprint string
	FeedBytes       int
	Parsed          int
	Dropped         int
	Added           int
	Updated         int
	Unchanged       int
	// RecordErrors holds parse and reconciliation errors in feed order.
	RecordErrors []string
}

// Summary renders the record errors for the run ledger.
func (o *Outcome) Summary() string {
	return Summarize(o.RecordErrors)
}

// Summarize joins messages one per line, keeping at most MaxSummaryErrors.
func Summarize(messages []string) string {
	if len(messages) <= MaxSummaryErrors {
		return strings.Join(messages, "\n")
	}
	kept := strings.Join(messages[:MaxSummaryErrors], "\n")
	return fmt.Sprintf("%s\n... and %d more", kept, len(messages)-MaxSummaryErrors)
}

type Runner struct {
	fetcher    Fetcher
	detector   *changedetect.Detector
	adapters   *adapter.Registry
	reconciler Reconciler
	urls       map[sanctions.Source]string
	metrics    *metrics.Metrics
}

func New(
	f Fetcher,
	ledger changedetect.LastSuccess,
	adapters *adapter.Registry,
	r Reconciler,
	urls map[sanctions.Source]string,
	m *metrics.Metrics,
) *Runner {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Runner{
		fetcher:    f,
		detector:   changedetect.New(ledger),
		adapters:   adapters,
		reconciler: r,
		urls:       urls,
		metrics:    m,
	}
}

// Execute runs every stage for source. The returned error wraps one of
// ErrNetwork, ErrParseStructure, ErrSchemaDrift or ErrReconciliation.
func (r *Runner) Execute(ctx context.Context, source sanctions.Source) (*Outcome, error) {
	log := logger.FromContext(ctx)
	out := &Outcome{}

	parser, err := r.adapters.Get(source)
	if err != nil {
		return out, err
	}
	url, ok := r.urls[source]
	if !ok || url == "" {
		return out, fmt.Errorf("%w: no feed url configured for %s", apperrors.ErrUnknownSource, source)
	}

	var raw []byte
	err = r.stage(ctx, source, "fetch", func(ctx context.Context) error {
		raw, err = r.fetcher.Fetch(ctx, url)
		return err
	})
	if err != nil {
		return out, err
	}
	out.FeedBytes = len(raw)
	r.metrics.FeedBytes.WithLabelValues(string(source)).Set(float64(len(raw)))

	var decision changedetect.Decision
	err = r.stage(ctx, source, "detect", func(ctx context.Context) error {
		decision, err = r.detector.Check(ctx, source, raw)
		return err
	})
	if err != nil {
		return out, err
	}
	out.FeedFingerprint = decision.Fingerprint
	if !decision.Changed {
		log.Info("feed unchanged since last success", "fingerprint", decision.Fingerprint)
		out.Status = sanctions.RunNoChange
		return out, nil
	}

	var parsed *adapter.ParseResult
	err = r.stage(ctx, source, "parse", func(ctx context.Context) error {
		parsed, err = parser.Parse(raw)
		return err
	})
	if err != nil {
		return out, err
	}
	out.Parsed = len(parsed.Records)
	out.Dropped = parsed.Dropped
	for _, re := range parsed.Errors {
		out.RecordErrors = append(out.RecordErrors, re.Error())
	}
	if len(parsed.Records) == 0 {
		return out, fmt.Errorf("%w: %s feed parsed cleanly but yielded no records", apperrors.ErrSchemaDrift, source)
	}
	log.Info("feed parsed",
		"records", len(parsed.Records),
		"record_errors", len(parsed.Errors),
		"dropped", parsed.Dropped,
	)

	var res *reconcile.Result
	err = r.stage(ctx, source, "reconcile", func(ctx context.Context) error {
		res, err = r.reconciler.Reconcile(ctx, source, parsed.Records)
		return err
	})
	if res != nil {
		out.Added = res.Added
		out.Updated = res.Updated
		out.Unchanged = res.Unchanged
		out.RecordErrors = append(out.RecordErrors, res.Errors...)
	}
	if err != nil {
		return out, err
	}

	out.Status = sanctions.RunSuccess
	return out, nil
}

// stage runs fn as a traced stage and records its duration.
func (r *Runner) stage(ctx context.Context, source sanctions.Source, name string, fn func(ctx context.Context) error) error {
	elapsed, err := tracing.RunStage(ctx, name, fn)
	r.metrics.IngestionStageDuration.WithLabelValues(string(source), name).Observe(elapsed.Seconds())
	if err != nil {
		logger.FromContext(ctx).Warn("stage failed", "stage", name, "error", err)
	}
	return err
}
