// Package orchestrator schedules and runs ingestion for each configured
// source. It enforces at most one running ingestion per source, opens and
// closes every run in the ledger, executes runs on a worker pool, catches up
// on scheduled fires missed shortly before startup and runs a periodic
// health check over the ledger.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/ingestion/pipeline"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/notify"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/sanctions"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/internal/store"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/sanctions-screening/pkg/tracing"
)

// ReasonInProgress is the rejection reason for a trigger that arrives while
// the source is running.
const ReasonInProgress = "run already in progress"

// InterruptedSummary is the error summary of runs found IN_PROGRESS at
// startup.
const InterruptedSummary = "interrupted by restart"

type Runner interface {
	Execute(ctx context.Context, source sanctions.Source) (*pipeline.Outcome, error)
}

type Config struct {
	// Schedules holds a cron expression per enabled source. An empty
	// expression means the source only runs on manual triggers.
	Schedules           map[sanctions.Source]string
	Workers             int
	QueueSize           int
	MisfireGrace        time.Duration
	HealthCheckInterval time.Duration
	StaleAfter          time.Duration
	FailureWindow       time.Duration
	RecentRuns          int
	// DisableScheduler skips cron jobs and misfire catch-up, leaving only
	// manual triggers.
	DisableScheduler bool
}

// ConfigFrom builds the orchestrator configuration from the application
// config. Only enabled sources are included.
func ConfigFrom(cfg *config.Config) (Config, error) {
	oc := cfg.Orchestrator
	c := Config{
		Schedules:           make(map[sanctions.Source]string),
		Workers:             oc.Workers,
		QueueSize:           oc.QueueSize,
		MisfireGrace:        oc.MisfireGrace,
		HealthCheckInterval: oc.HealthCheckInterval,
		StaleAfter:          oc.StaleAfter,
		FailureWindow:       oc.FailureWindow,
		RecentRuns:          oc.RecentRuns,
	}
	for name, src := range cfg.Sources {
		if !src.Enabled {
			continue
		}
		source, err := sanctions.ParseSource(name)
		if err != nil {
			return Config{}, err
		}
		c.Schedules[source] = src.Schedule
	}
	return c, nil
}

type State string

const (
	StateIdle    State = "IDLE"
	StateRunning State = "RUNNING"
)

type sourceState struct {
	running bool
	runID   string
	entry   cron.EntryID
}

// TriggerResult tells the caller whether a run was started.
type TriggerResult struct {
	Accepted bool   `json:"accepted"`
	RunID    string `json:"run_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type Orchestrator struct {
	cfg      Config
	runner   Runner
	ledger   store.RunLedger
	notifier *notify.Dispatcher
	metrics  *metrics.Metrics
	pool     *Pool
	cron     *cron.Cron
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
	feeds    func() map[sanctions.Source]resilience.BreakerStatus

	mu      sync.Mutex
	states  map[sanctions.Source]*sourceState
	started bool
	stopped bool
	baseCtx context.Context
}

func New(cfg Config, runner Runner, ledger store.RunLedger, n *notify.Dispatcher, m *metrics.Metrics) *Orchestrator {
	if m == nil {
		m = metrics.NewNop()
	}
	if cfg.RecentRuns <= 0 {
		cfg.RecentRuns = 10
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 7 * 24 * time.Hour
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 24 * time.Hour
	}
	log := slog.Default().With("component", "orchestrator")
	states := make(map[sanctions.Source]*sourceState, len(cfg.Schedules))
	for source := range cfg.Schedules {
		states[source] = &sourceState{}
	}
	return &Orchestrator{
		cfg:      cfg,
		runner:   runner,
		ledger:   ledger,
		notifier: n,
		metrics:  m,
		pool:     NewPool(cfg.Workers, cfg.QueueSize),
		cron:     newCron(log),
		logger:   log,
		now:      time.Now,
		newID:    uuid.NewString,
		states:   states,
	}
}

// WatchFeeds lets HealthCheck report feeds whose download circuit is open.
// Call it before Start.
func (o *Orchestrator) WatchFeeds(fn func() map[sanctions.Source]resilience.BreakerStatus) {
	o.feeds = fn
}

// Sources returns the configured sources in a stable order.
func (o *Orchestrator) Sources() []sanctions.Source {
	out := make([]sanctions.Source, 0, len(o.cfg.Schedules))
	for s := range o.cfg.Schedules {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Start launches the worker pool and, unless disabled, the scheduler. Runs
// execute on a context detached from ctx so stopping never interrupts one.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	// Swept before started is set so no trigger can open a run mid-sweep.
	if !o.cfg.DisableScheduler {
		o.closeInterrupted(ctx)
	}
	o.started = true
	o.baseCtx = context.WithoutCancel(ctx)
	o.mu.Unlock()

	o.pool.Start(o.baseCtx)

	if !o.cfg.DisableScheduler {
		if err := o.registerJobs(); err != nil {
			return err
		}
		o.cron.Start()
		o.catchUpMisfires(ctx)
	}

	o.logger.Info("orchestrator started",
		"sources", len(o.cfg.Schedules),
		"workers", o.cfg.Workers,
		"scheduler", !o.cfg.DisableScheduler,
	)
	o.notifier.Send(ctx, notify.Notification{
		Type:    notify.TypeStarted,
		Subject: "ingestion orchestrator started",
	})
	return nil
}

// closeInterrupted fails runs a previous process left IN_PROGRESS. Only the
// scheduling instance does this; one-shot CLI runs share the ledger with a
// live service and must not close its runs.
func (o *Orchestrator) closeInterrupted(ctx context.Context) {
	now := o.now().UTC()
	for _, source := range o.Sources() {
		runs, err := o.ledger.OpenRuns(ctx, source)
		if err != nil {
			o.logger.Warn("cannot read ledger for interrupted runs", "source", source, "error", err)
			continue
		}
		for _, run := range runs {
			err := o.ledger.CloseRun(ctx, run.ID, sanctions.RunResult{
				Status:       sanctions.RunFailed,
				FinishedAt:   now,
				ErrorSummary: InterruptedSummary,
			})
			if err != nil {
				o.logger.Error("closing interrupted run", "source", source, "run_id", run.ID, "error", err)
				continue
			}
			o.logger.Warn("closed interrupted run", "source", source, "run_id", run.ID, "started_at", run.StartedAt)
			o.metrics.IngestionRunsTotal.WithLabelValues(string(source), string(sanctions.RunFailed)).Inc()
			o.notifier.Send(ctx, notify.Notification{
				Type:    notify.TypeRunFailed,
				Level:   notify.LevelError,
				Source:  source,
				RunID:   run.ID,
				Subject: fmt.Sprintf("%s ingestion interrupted", source),
				Message: InterruptedSummary,
			})
		}
	}
}

func (o *Orchestrator) registerJobs() error {
	for _, source := range o.Sources() {
		expr := o.cfg.Schedules[source]
		if expr == "" {
			continue
		}
		source := source
		id, err := o.cron.AddFunc(expr, func() { o.fire(source, sanctions.TriggerScheduled) })
		if err != nil {
			return fmt.Errorf("scheduling %s: %w", source, err)
		}
		o.mu.Lock()
		o.states[source].entry = id
		o.mu.Unlock()
		o.logger.Info("source scheduled", "source", source, "schedule", expr)
	}
	if o.cfg.HealthCheckInterval > 0 {
		spec := fmt.Sprintf("@every %s", o.cfg.HealthCheckInterval)
		if _, err := o.cron.AddFunc(spec, func() { o.HealthCheck(o.baseCtx) }); err != nil {
			return fmt.Errorf("scheduling health check: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) fire(source sanctions.Source, trigger sanctions.Trigger) {
	res, err := o.TriggerRun(o.baseCtx, source, trigger)
	if err != nil {
		o.logger.Error("trigger failed", "source", source, "trigger", trigger, "error", err)
		return
	}
	if res.Accepted {
		o.logger.Info("run triggered", "source", source, "trigger", trigger, "run_id", res.RunID)
	}
}

func (o *Orchestrator) catchUpMisfires(ctx context.Context) {
	now := o.now().UTC()
	for _, source := range o.Sources() {
		expr := o.cfg.Schedules[source]
		if expr == "" {
			continue
		}
		sched, err := parseSchedule(expr)
		if err != nil {
			o.logger.Error("invalid schedule", "source", source, "error", err)
			continue
		}
		var lastStarted time.Time
		last, err := o.ledger.LastStarted(ctx, source)
		if err != nil {
			o.logger.Warn("cannot read ledger for misfire check", "source", source, "error", err)
			continue
		}
		if last != nil {
			lastStarted = last.StartedAt
		}
		if fireAt, missed := missedFire(sched, now, o.cfg.MisfireGrace, lastStarted); missed {
			o.logger.Warn("running missed schedule", "source", source, "scheduled_at", fireAt)
			o.fire(source, sanctions.TriggerMisfire)
		}
	}
}

// Stop halts the scheduler and waits for running and queued runs until ctx
// expires.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started || o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	o.mu.Unlock()

	var errs []error
	if !o.cfg.DisableScheduler {
		cronCtx := o.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for scheduler: %w", ctx.Err()))
		}
	}
	if err := o.pool.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	o.logger.Info("orchestrator stopped")
	o.notifier.Send(ctx, notify.Notification{
		Type:    notify.TypeStopped,
		Subject: "ingestion orchestrator stopped",
	})
	return errors.Join(errs...)
}

// Running reports whether Start was called and Stop was not.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started && !o.stopped
}

// TriggerRun opens a run for source and queues it. A source that is already
// running is rejected with Accepted false and a nil error.
func (o *Orchestrator) TriggerRun(ctx context.Context, source sanctions.Source, trigger sanctions.Trigger) (*TriggerResult, error) {
	o.mu.Lock()
	st, ok := o.states[source]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is not configured", apperrors.ErrUnknownSource, source)
	}
	if !o.started || o.stopped {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: orchestrator not running", apperrors.ErrUnavailable)
	}
	if st.running {
		current := st.runID
		o.mu.Unlock()
		o.reject(ctx, source, trigger, current)
		return &TriggerResult{Accepted: false, Reason: ReasonInProgress}, nil
	}
	st.running = true
	o.mu.Unlock()

	run := &sanctions.IngestionRun{
		ID:        o.newID(),
		Source:    source,
		Trigger:   trigger,
		StartedAt: o.now().UTC(),
		Status:    sanctions.RunInProgress,
	}
	if err := o.ledger.OpenRun(ctx, run); err != nil {
		o.release(source)
		return nil, fmt.Errorf("opening run for %s: %w", source, err)
	}
	o.mu.Lock()
	st.runID = run.ID
	o.mu.Unlock()
	o.metrics.IngestionSourceRunning.WithLabelValues(string(source)).Set(1)

	var once sync.Once
	finish := func(ctx context.Context, out *pipeline.Outcome, err error) {
		once.Do(func() { o.finish(ctx, run, out, err) })
	}
	err := o.pool.Submit(Task{
		Name: fmt.Sprintf("ingest %s %s", source, run.ID),
		Run: func(ctx context.Context) {
			out, err := o.execute(ctx, run)
			finish(ctx, out, err)
		},
		OnPanic: func(r any) {
			finish(o.baseCtx, nil, fmt.Errorf("%w: run panicked: %v", apperrors.ErrInternal, r))
		},
	})
	if err != nil {
		finish(ctx, nil, fmt.Errorf("%w: %v", apperrors.ErrUnavailable, err))
		return &TriggerResult{Accepted: false, RunID: run.ID, Reason: err.Error()}, nil
	}
	return &TriggerResult{Accepted: true, RunID: run.ID}, nil
}

func (o *Orchestrator) reject(ctx context.Context, source sanctions.Source, trigger sanctions.Trigger, current string) {
	o.logger.Warn("trigger rejected",
		"source", source,
		"trigger", trigger,
		"running_run_id", current,
		"reason", ReasonInProgress,
	)
	o.metrics.IngestionRejectedTotal.WithLabelValues(string(source), string(trigger)).Inc()
	o.notifier.Send(ctx, notify.Notification{
		Type:    notify.TypeRunRejected,
		Level:   notify.LevelWarning,
		Source:  source,
		RunID:   current,
		Subject: fmt.Sprintf("%s %s trigger rejected", source, trigger),
		Message: ReasonInProgress,
	})
}

func (o *Orchestrator) execute(ctx context.Context, run *sanctions.IngestionRun) (*pipeline.Outcome, error) {
	ctx = logger.WithRun(ctx, run.ID, string(run.Source))
	ctx, trace := tracing.Start(ctx, "ingest "+string(run.Source), run.ID)
	trace.Set("trigger", string(run.Trigger))
	log := logger.FromContext(ctx)
	log.Info("run started", "trigger", run.Trigger)

	out, err := o.runner.Execute(ctx, run.Source)

	trace.Finish(err)
	if out != nil {
		trace.Set("status", string(out.Status))
	}
	if slowest, ok := trace.Slowest(); ok {
		log.Debug("run timeline", "trace", trace, "slowest_stage", slowest.Name)
	}
	return out, err
}

// finish closes the run in the ledger, frees the source and notifies.
func (o *Orchestrator) finish(ctx context.Context, run *sanctions.IngestionRun, out *pipeline.Outcome, runErr error) {
	log := logger.FromContext(logger.WithRun(ctx, run.ID, string(run.Source)))
	finished := o.now().UTC()
	result := sanctions.RunResult{FinishedAt: finished}
	if out != nil {
		result.RecordsAdded = out.Added
		result.RecordsUpdated = out.Updated
		result.FeedFingerprint = out.FeedFingerprint
		result.ErrorSummary = out.Summary()
	}
	switch {
	case runErr != nil:
		result.Status = sanctions.RunFailed
		result.ErrorSummary = joinSummary(runErr.Error(), result.ErrorSummary)
	case out == nil:
		result.Status = sanctions.RunFailed
		result.ErrorSummary = "run produced no outcome"
	default:
		result.Status = out.Status
	}

	if err := o.ledger.CloseRun(ctx, run.ID, result); err != nil {
		log.Error("closing run failed", "status", result.Status, "error", err)
	}
	o.release(run.Source)

	duration := finished.Sub(run.StartedAt)
	o.metrics.IngestionRunsTotal.WithLabelValues(string(run.Source), string(result.Status)).Inc()
	o.metrics.IngestionRunDuration.WithLabelValues(string(run.Source)).Observe(duration.Seconds())
	log.Info("run finished",
		"status", result.Status,
		"added", result.RecordsAdded,
		"updated", result.RecordsUpdated,
		"duration", duration,
	)

	n := notify.Notification{
		Source: run.Source,
		RunID:  run.ID,
	}
	switch result.Status {
	case sanctions.RunSuccess:
		n.Type = notify.TypeRunSucceeded
		n.Level = notify.LevelInfo
		n.Subject = fmt.Sprintf("%s ingestion succeeded", run.Source)
		n.Message = result.ErrorSummary
		n.Counts = &notify.Counts{Added: result.RecordsAdded, Updated: result.RecordsUpdated}
		if out != nil {
			n.Counts.Unchanged = out.Unchanged
		}
	case sanctions.RunNoChange:
		n.Type = notify.TypeRunNoChange
		n.Level = notify.LevelInfo
		n.Subject = fmt.Sprintf("%s feed unchanged", run.Source)
	default:
		n.Type = notify.TypeRunFailed
		n.Level = notify.LevelError
		n.Subject = fmt.Sprintf("%s ingestion failed", run.Source)
		n.Message = result.ErrorSummary
	}
	o.notifier.Send(ctx, n)
}

func (o *Orchestrator) release(source sanctions.Source) {
	o.mu.Lock()
	if st, ok := o.states[source]; ok {
		st.running = false
		st.runID = ""
	}
	o.mu.Unlock()
	o.metrics.IngestionSourceRunning.WithLabelValues(string(source)).Set(0)
}

func joinSummary(head, rest string) string {
	if rest == "" {
		return head
	}
	return head + "\n" + rest
}

// WaitForRun polls the ledger until the run is terminal or ctx expires.
func (o *Orchestrator) WaitForRun(ctx context.Context, runID string, every time.Duration) (*sanctions.IngestionRun, error) {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		run, err := o.ledger.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, fmt.Errorf("waiting for run %s: %w", runID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// SourceStatus is the live view of one source.
type SourceStatus struct {
	State           State                   `json:"state"`
	CurrentRunID    string                  `json:"current_run_id,omitempty"`
	Schedule        string                  `json:"schedule,omitempty"`
	NextScheduledAt *time.Time              `json:"next_scheduled_at,omitempty"`
	LastRun         *sanctions.IngestionRun `json:"last_run,omitempty"`
}

type StatusReport struct {
	Running    bool                              `json:"running"`
	Sources    map[sanctions.Source]SourceStatus `json:"sources"`
	RecentRuns []sanctions.IngestionRun          `json:"recent_runs"`
}

func (o *Orchestrator) Status(ctx context.Context) (*StatusReport, error) {
	report := &StatusReport{
		Running: o.Running(),
		Sources: make(map[sanctions.Source]SourceStatus, len(o.cfg.Schedules)),
	}
	for _, source := range o.Sources() {
		o.mu.Lock()
		st := *o.states[source]
		o.mu.Unlock()

		ss := SourceStatus{State: StateIdle, Schedule: o.cfg.Schedules[source]}
		if st.running {
			ss.State = StateRunning
			ss.CurrentRunID = st.runID
		}
		if st.entry != 0 {
			if next := o.cron.Entry(st.entry).Next; !next.IsZero() {
				ss.NextScheduledAt = &next
			}
		}
		last, err := o.ledger.LastStarted(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("loading last run for %s: %w", source, err)
		}
		ss.LastRun = last
		report.Sources[source] = ss
	}
	runs, err := o.ledger.RecentRuns(ctx, o.cfg.RecentRuns)
	if err != nil {
		return nil, fmt.Errorf("loading recent runs: %w", err)
	}
	report.RecentRuns = runs
	return report, nil
}

// GetRun exposes the ledger entry for a run id.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*sanctions.IngestionRun, error) {
	return o.ledger.GetRun(ctx, runID)
}
