// internal/worker/jobs.go
package worker

import (
	"context"
	"fmt"

	"billing-service/internal/domain/subscription"
	"billing-service/internal/repository"
	"billing-service/internal/service/notification"
	subsvc "billing-service/internal/service/subscription"
)

// Reminder kinds, part of the reminder_sent idempotency key.
const (
	ReminderExpiring = "expiring"
	ReminderExpired  = "expired"
)

func (r *Runner) renewalSweep(ctx context.Context, report *RunReport) error {
	cfg := r.billing.Config()
	subs, err := r.store.Subscriptions().ListRenewalCandidates(ctx, repository.RenewalQuery{
		Now:         r.now(),
		Lookahead:   cfg.RenewalLookahead,
		MaxAttempts: cfg.MaxAttempts,
		Limit:       r.cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("failed to list renewal candidates: %w", err)
	}
	report.Candidates = len(subs)

	for _, sub := range subs {
		outcome, err := r.billing.Renew(ctx, sub.ID)
		r.record(report, sub.ID, outcome != subsvc.RenewalSkipped, err)
	}
	return nil
}

func (r *Runner) downgradeSweep(ctx context.Context, report *RunReport) error {
	txs, err := r.store.Transactions().ListDueDowngrades(ctx, r.now(), r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list due downgrades: %w", err)
	}
	report.Candidates = len(txs)

	for _, txn := range txs {
		applied, err := r.billing.ApplyScheduledDowngrade(ctx, txn.ID)
		r.record(report, txn.ID, applied, err)
	}
	return nil
}

func (r *Runner) expirySweep(ctx context.Context, report *RunReport) error {
	subs, err := r.store.Subscriptions().ListExpiryCandidates(ctx, repository.ExpiryQuery{
		Now:         r.now(),
		MaxAttempts: r.billing.Config().MaxAttempts,
		Limit:       r.cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("failed to list expiry candidates: %w", err)
	}
	report.Candidates = len(subs)

	for _, sub := range subs {
		expired, err := r.billing.Expire(ctx, sub.ID)
		r.record(report, sub.ID, expired, err)
	}
	return nil
}

// reminderSweep emails users whose subscription is about to lapse or lapsed
// recently. Each subscription gets at most one reminder of a kind per day.
func (r *Runner) reminderSweep(ctx context.Context, report *RunReport) error {
	now := r.now()

	expiring, err := r.store.Subscriptions().ListExpiringBetween(ctx, now, now.Add(r.cfg.ExpiringWindow), r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list expiring subscriptions: %w", err)
	}
	expired, err := r.store.Subscriptions().ListExpiredBetween(ctx, now.Add(-r.cfg.ExpiredWindow), now, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list expired subscriptions: %w", err)
	}
	report.Candidates = len(expiring) + len(expired)

	for _, sub := range expiring {
		r.remind(ctx, report, sub, ReminderExpiring, notification.ExpiringSoon(sub.PlanSnapshot.Name, sub.CurrentPeriodEnd))
	}
	for _, sub := range expired {
		r.remind(ctx, report, sub, ReminderExpired, notification.Expired(sub.PlanSnapshot.Name))
	}
	return nil
}

func (r *Runner) remind(ctx context.Context, report *RunReport, sub subscription.Subscription, kind string, msg notification.Message) {
	created, err := r.billing.RecordReminder(ctx, sub.ID, kind, r.now())
	r.record(report, sub.ID, created, err)
	if err != nil || !created || r.notifier == nil {
		return
	}
	r.notifier.NotifyUser(ctx, sub.UserID, msg)
}
