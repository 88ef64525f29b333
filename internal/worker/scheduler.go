// internal/worker/scheduler.go
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Schedules maps job names to cron expressions.
type Schedules map[string]string

// DefaultSchedules are the standard cadences in UTC.
func DefaultSchedules() Schedules {
	return Schedules{
		JobRenewal:   "0 * * * *",
		JobDowngrade: "0 */6 * * *",
		JobExpiry:    "30 * * * *",
		JobReminder:  "0 9 * * *",
	}
}

type Scheduler struct {
	cron      *cron.Cron
	runner    *Runner
	schedules Schedules
	timeout   time.Duration
	logger    *zap.Logger
}

// NewScheduler wires the runner's jobs onto a cron. Each triggered run gets
// its own context bounded by timeout.
func NewScheduler(runner *Runner, schedules Schedules, timeout time.Duration, logger *zap.Logger) *Scheduler {
	if len(schedules) == 0 {
		schedules = DefaultSchedules()
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Scheduler{
		cron:      cron.New(cron.WithLocation(time.UTC)),
		runner:    runner,
		schedules: schedules,
		timeout:   timeout,
		logger:    logger,
	}
}

// Start registers every scheduled job and starts the cron.
func (s *Scheduler) Start() error {
	for _, name := range s.runner.Jobs() {
		spec, ok := s.schedules[name]
		if !ok || spec == "" {
			s.logger.Warn("job has no schedule, only manual triggers will run it", zap.String("job", name))
			continue
		}
		name := name
		if _, err := s.cron.AddFunc(spec, func() { s.fire(name) }); err != nil {
			return fmt.Errorf("failed to schedule %s (%q): %w", name, spec, err)
		}
		s.logger.Info("job scheduled", zap.String("job", name), zap.String("schedule", spec))
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron and waits for running jobs or ctx, whichever is first.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out with jobs still running")
	}
}

// Trigger runs a job immediately, outside its schedule.
func (s *Scheduler) Trigger(ctx context.Context, name string) (*RunReport, error) {
	return s.runner.Run(ctx, name)
}

// RunAll runs every job once, as used by -run-once.
func (s *Scheduler) RunAll(ctx context.Context) ([]*RunReport, error) {
	var reports []*RunReport
	for _, name := range s.runner.Jobs() {
		report, err := s.runner.Run(ctx, name)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func (s *Scheduler) fire(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in scheduled job", zap.String("job", name), zap.Any("panic", r))
		}
	}()

	if _, err := s.runner.Run(ctx, name); err != nil {
		s.logger.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
	}
}
