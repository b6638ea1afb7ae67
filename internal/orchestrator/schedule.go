package orchestrator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cronLogger routes robfig/cron logging into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

func newCron(logger *slog.Logger) *cron.Cron {
	cl := cronLogger{logger: logger}
	return cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
}

func parseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing schedule %q: %w", expr, err)
	}
	return sched, nil
}

// missedFire returns the latest fire time of sched inside (now-grace, now]
// that has no run started at or after it. lastStarted is zero when the
// source never ran.
func missedFire(sched cron.Schedule, now time.Time, grace time.Duration, lastStarted time.Time) (time.Time, bool) {
	if grace <= 0 {
		return time.Time{}, false
	}
	var missed time.Time
	for t := sched.Next(now.Add(-grace)); !t.After(now); t = sched.Next(t) {
		missed = t
	}
	if missed.IsZero() {
		return time.Time{}, false
	}
	if !lastStarted.IsZero() && !lastStarted.Before(missed) {
		return time.Time{}, false
	}
	return missed, true
}
