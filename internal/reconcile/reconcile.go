// Package reconcile merges parsed feed records into the entity store.
//
// Each record is upserted by (source, source_id) inside its own savepoint,
// and every child collection is rebuilt from the latest parse. Records are
// committed in batches, in feed order. A failing record is reported and
// skipped; a failing store aborts the whole reconciliation with the counts
// reached so far.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/ingestion/validator"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/sanctions"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/store"
	apperrors "github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/metrics"
)

const DefaultBatchSize = 100

// Result counts what one reconciliation did.
type Result struct {
	Added     int
	Updated   int
	Unchanged int
	Errors    []string
}

// Error is returned when reconciliation stopped before the last record.
type Error struct {
	Source    sanctions.Source
	Processed int
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("reconciling %s after %d records: %v", e.Source, e.Processed, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{apperrors.ErrReconciliation, e.Err}
}

type Engine struct {
	store     store.EntityStore
	batchSize int
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// New builds an Engine. A non-positive batchSize selects DefaultBatchSize and
// a nil now selects time.Now.
func New(s store.EntityStore, batchSize int, m *metrics.Metrics, now func() time.Time) *Engine {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:     s,
		batchSize: batchSize,
		metrics:   m,
		now:       now,
		logger:    slog.Default().With("component", "reconcile"),
	}
}

type outcome int

const (
	outcomeAdded outcome = iota
	outcomeUpdated
	outcomeUnchanged
)

func (e *Engine) Reconcile(ctx context.Context, source sanctions.Source, records []sanctions.CanonicalRecord) (*Result, error) {
	res := &Result{}
	processed := 0

	fail := func(batch store.Batch, err error) (*Result, error) {
		if batch != nil {
			if rbErr := batch.Rollback(); rbErr != nil {
				e.logger.Warn("rollback failed", "source", source, "error", rbErr)
			}
		}
		e.logger.Error("reconciliation aborted",
			"source", source,
			"processed", processed,
			"added", res.Added,
			"updated", res.Updated,
			"error", err,
		)
		return res, &Error{Source: source, Processed: processed, Err: err}
	}

	var batch store.Batch
	pending := 0
	for i := range records {
		if err := ctx.Err(); err != nil {
			return fail(batch, err)
		}
		if batch == nil {
			b, err := e.store.Begin(ctx)
			if err != nil {
				return fail(nil, err)
			}
			batch = b
		}

		rec := &records[i]
		processed++
		pending++
		if err := validator.ValidateRecord(source, rec); err != nil {
			res.Errors = append(res.Errors, err.Error())
			e.metrics.IngestionRecordsTotal.WithLabelValues(string(source), "rejected").Inc()
		} else {
			var out outcome
			err := batch.Apply(ctx, func(w store.Writer) error {
				var err error
				out, err = e.upsert(ctx, w, rec)
				return err
			})
			switch {
			case err == nil:
				e.count(res, source, out)
			case store.IsUnavailable(err):
				return fail(batch, err)
			default:
				res.Errors = append(res.Errors, fmt.Sprintf("record %s: %v", rec.SourceID, err))
				e.metrics.IngestionRecordsTotal.WithLabelValues(string(source), "failed").Inc()
			}
		}

		if pending >= e.batchSize {
			if err := batch.Commit(); err != nil {
				return fail(nil, err)
			}
			e.logger.Debug("batch committed", "source", source, "processed", processed)
			batch, pending = nil, 0
		}
	}

	if batch != nil {
		if err := batch.Commit(); err != nil {
			return fail(nil, err)
		}
	}

	e.logger.Info("reconciliation complete",
		"source", source,
		"records", len(records),
		"added", res.Added,
		"updated", res.Updated,
		"unchanged", res.Unchanged,
		"errors", len(res.Errors),
	)
	return res, nil
}

func (e *Engine) count(res *Result, source sanctions.Source, out outcome) {
	switch out {
	case outcomeAdded:
		res.Added++
		e.metrics.IngestionRecordsTotal.WithLabelValues(string(source), "added").Inc()
	case outcomeUnchanged:
		res.Unchanged++
		res.Updated++
		e.metrics.IngestionRecordsTotal.WithLabelValues(string(source), "unchanged").Inc()
	default:
		res.Updated++
		e.metrics.IngestionRecordsTotal.WithLabelValues(string(source), "updated").Inc()
	}
}

// upsert writes one record. Updates always rewrite scalars and children even
// when the fingerprint is unchanged.
func (e *Engine) upsert(ctx context.Context, w store.Writer, rec *sanctions.CanonicalRecord) (outcome, error) {
	now := e.now().UTC()
	fingerprint := rec.Fingerprint()

	existing, err := w.FindEntity(ctx, rec.Source, rec.SourceID)
	if err != nil {
		return 0, err
	}

	if existing == nil {
		ent := &sanctions.Entity{
			Status:             sanctions.StatusActive,
			ContentFingerprint: fingerprint,
			FirstSeenAt:        now,
			LastUpdatedAt:      now,
		}
		ent.ApplyRecord(*rec)
		id, err := w.InsertEntity(ctx, ent)
		if err != nil {
			return 0, err
		}
		if err := w.ReplaceChildren(ctx, id, rec.Children()); err != nil {
			return 0, err
		}
		return outcomeAdded, nil
	}

	out := outcomeUpdated
	if existing.ContentFingerprint == fingerprint {
		out = outcomeUnchanged
	}
	existing.ApplyRecord(*rec)
	existing.Status = sanctions.StatusUpdated
	existing.ContentFingerprint = fingerprint
	existing.LastUpdatedAt = now
	if err := w.UpdateEntity(ctx, existing); err != nil {
		return 0, err
	}
	if err := w.ReplaceChildren(ctx, existing.ID, rec.Children()); err != nil {
		return 0, err
	}
	return out, nil
}

// IsAborted reports whether err came from an aborted reconciliation.
func IsAborted(err error) bool {
	var re *Error
	return errors.As(err, &re)
}
