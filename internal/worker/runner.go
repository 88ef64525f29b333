// internal/worker/runner.go
package worker

import (
	"context"
	"fmt"
	"time"

	"billing-service/internal/metrics"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/pkg/lock"
	"billing-service/internal/repository"
	subsvc "billing-service/internal/service/subscription"

	"go.uber.org/zap"
)

// Job names
const (
	JobRenewal   = "renewal-sweep"
	JobDowngrade = "scheduled-downgrade-sweep"
	JobExpiry    = "expiry-sweep"
	JobReminder  = "expiry-followup-reminder"
)

const (
	DefaultBatchSize      = 500
	DefaultExpiringWindow = 3 * 24 * time.Hour
	DefaultExpiredWindow  = 7 * 24 * time.Hour
)

type Config struct {
	BatchSize      int
	ExpiringWindow time.Duration
	ExpiredWindow  time.Duration
}

// RunReport summarizes one job run.
type RunReport struct {
	Job         string        `json:"job"`
	LockSkipped bool          `json:"lock_skipped"`
	Candidates  int           `json:"candidates"`
	Processed   int           `json:"processed"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	Duration    time.Duration `json:"duration"`
}

type job func(ctx context.Context, report *RunReport) error

// Runner executes the billing sweeps. A run holds the global job lock for
// its name; every candidate is then handled under its subscription lock by
// the billing service, which re-checks eligibility before acting.
type Runner struct {
	store    repository.Store
	billing  *subsvc.Service
	locker   lock.Locker
	notifier subsvc.UserNotifier
	metrics  *metrics.Metrics
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	jobs map[string]job
}

func NewRunner(
	store repository.Store,
	billing *subsvc.Service,
	locker lock.Locker,
	notifier subsvc.UserNotifier,
	m *metrics.Metrics,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ExpiringWindow <= 0 {
		cfg.ExpiringWindow = DefaultExpiringWindow
	}
	if cfg.ExpiredWindow <= 0 {
		cfg.ExpiredWindow = DefaultExpiredWindow
	}

	r := &Runner{
		store:    store,
		billing:  billing,
		locker:   locker,
		notifier: notifier,
		metrics:  m,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	r.jobs = map[string]job{
		JobRenewal:   r.renewalSweep,
		JobDowngrade: r.downgradeSweep,
		JobExpiry:    r.expirySweep,
		JobReminder:  r.reminderSweep,
	}
	return r
}

// SetClock overrides the time source used to select candidates.
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

// Jobs lists the registered job names in the order a full pass runs them:
// due downgrades before renewals, renewals before expiry.
func (r *Runner) Jobs() []string {
	return []string{JobDowngrade, JobRenewal, JobExpiry, JobReminder}
}

// Run executes the named job once. A run whose lock is held elsewhere is
// skipped and reported with LockSkipped.
func (r *Runner) Run(ctx context.Context, name string) (*RunReport, error) {
	fn, ok := r.jobs[name]
	if !ok {
		return nil, xerrors.New(xerrors.KindNotFound, xerrors.ReasonUnknownJob, fmt.Sprintf("unknown job %q", name))
	}

	report := &RunReport{Job: name}
	release, ok, err := r.locker.TryLock(ctx, "job:"+name)
	if err != nil {
		r.metrics.JobRunsTotal.WithLabelValues(name, "error").Inc()
		return nil, fmt.Errorf("failed to acquire job lock: %w", err)
	}
	if !ok {
		r.metrics.LockSkipsTotal.WithLabelValues("job").Inc()
		r.metrics.JobRunsTotal.WithLabelValues(name, "skipped").Inc()
		r.logger.Info("job already running elsewhere, skipping", zap.String("job", name))
		report.LockSkipped = true
		return report, nil
	}
	defer release()

	start := time.Now()
	err = fn(ctx, report)
	report.Duration = time.Since(start)
	r.metrics.JobDuration.WithLabelValues(name).Observe(report.Duration.Seconds())

	if err != nil {
		r.metrics.JobRunsTotal.WithLabelValues(name, "error").Inc()
		r.logger.Error("job failed", zap.String("job", name), zap.Error(err))
		return report, err
	}

	outcome := "ok"
	if report.Failed > 0 {
		outcome = "partial"
	}
	r.metrics.JobRunsTotal.WithLabelValues(name, outcome).Inc()
	r.logger.Info("job finished",
		zap.String("job", name),
		zap.Int("candidates", report.Candidates),
		zap.Int("processed", report.Processed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// record folds one candidate's result into the report. Busy subscriptions
// are skipped and picked up by the next run.
func (r *Runner) record(report *RunReport, id string, done bool, err error) {
	switch {
	case err != nil && subsvc.IsBusy(err):
		report.Skipped++
	case err != nil:
		report.Failed++
		r.logger.Warn("job item failed",
			zap.String("job", report.Job),
			zap.String("id", id),
			zap.String("reason", xerrors.ReasonOf(err)),
			zap.Error(err),
		)
	case done:
		report.Processed++
	default:
		report.Skipped++
	}
}
