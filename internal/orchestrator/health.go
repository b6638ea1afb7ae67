package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/notify"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/sanctions"
)

type WarningKind string

const (
	WarningStale      WarningKind = "stale"
	WarningFailedRun  WarningKind = "failed_run"
	WarningLedgerRead WarningKind = "ledger_unreadable"
	WarningFeedDown   WarningKind = "feed_circuit_open"
)

type Warning struct {
	Kind    WarningKind      `json:"kind"`
	Source  sanctions.Source `json:"source,omitempty"`
	RunID   string           `json:"run_id,omitempty"`
	Message string           `json:"message"`
}

// Inspect reports sources without a recent success, runs that failed inside
// the failure window and feeds whose download circuit is open. It neither
// notifies nor touches ingestion state.
func (o *Orchestrator) Inspect(ctx context.Context) []Warning {
	now := o.now().UTC()
	var warnings []Warning

	for _, source := range o.Sources() {
		last, err := o.ledger.LastSuccessful(ctx, source)
		if err != nil {
			warnings = append(warnings, Warning{
				Kind:    WarningLedgerRead,
				Source:  source,
				Message: fmt.Sprintf("cannot read run ledger: %v", err),
			})
			continue
		}
		if last == nil {
			warnings = append(warnings, Warning{
				Kind:    WarningStale,
				Source:  source,
				Message: fmt.Sprintf("%s has never been ingested successfully", source),
			})
			continue
		}
		at := last.StartedAt
		if last.FinishedAt != nil {
			at = *last.FinishedAt
		}
		if age := now.Sub(at); age > o.cfg.StaleAfter {
			warnings = append(warnings, Warning{
				Kind:    WarningStale,
				Source:  source,
				RunID:   last.ID,
				Message: fmt.Sprintf("%s last succeeded %s ago at %s", source, age.Round(time.Hour), at.Format("2006-01-02T15:04Z")),
			})
		}
	}

	runs, err := o.ledger.RunsSince(ctx, now.Add(-o.cfg.FailureWindow))
	if err != nil {
		warnings = append(warnings, Warning{
			Kind:    WarningLedgerRead,
			Message: fmt.Sprintf("cannot read recent runs: %v", err),
		})
	}
	for _, r := range runs {
		if r.Status != sanctions.RunFailed {
			continue
		}
		warnings = append(warnings, Warning{
			Kind:    WarningFailedRun,
			Source:  r.Source,
			RunID:   r.ID,
			Message: fmt.Sprintf("%s run %s failed: %s", r.Source, r.ID, firstLine(r.ErrorSummary)),
		})
	}

	return append(warnings, o.feedWarnings()...)
}

// HealthCheck is the periodic job: Inspect, then log, count and notify every
// warning.
func (o *Orchestrator) HealthCheck(ctx context.Context) []Warning {
	warnings := o.Inspect(ctx)
	for _, w := range warnings {
		o.logger.Warn("health check warning", "kind", w.Kind, "source", w.Source, "run_id", w.RunID, "message", w.Message)
		o.metrics.HealthWarningsTotal.WithLabelValues(string(w.Source), string(w.Kind)).Inc()
		o.notifier.Send(ctx, notify.Notification{
			Type:    notify.TypeHealthWarning,
			Level:   notify.LevelWarning,
			Source:  w.Source,
			RunID:   w.RunID,
			Subject: "ingestion health warning: " + string(w.Kind),
			Message: w.Message,
		})
	}
	if len(warnings) == 0 {
		o.logger.Info("health check passed", "sources", len(o.cfg.Schedules))
	}
	return warnings
}

func (o *Orchestrator) feedWarnings() []Warning {
	if o.feeds == nil {
		return nil
	}
	var warnings []Warning
	status := o.feeds()
	for _, source := range o.Sources() {
		st, ok := status[source]
		if !ok || !st.Open() {
			continue
		}
		msg := fmt.Sprintf("%s feed circuit is %s after %d consecutive failures", source, st.State, st.Failures)
		if st.LastError != "" {
			msg += ": " + firstLine(st.LastError)
		}
		warnings = append(warnings, Warning{Kind: WarningFeedDown, Source: source, Message: msg})
	}
	return warnings
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}
