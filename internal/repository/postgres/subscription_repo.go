// internal/repository/postgres/subscription_repo.go
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"billing-service/internal/domain/subscription"
	"billing-service/internal/repository"

	"github.com/jackc/pgx/v5"
)

type SubscriptionRepository struct {
	db DBTX
}

const subscriptionColumns = `
	id, user_id, plan_id, plan_code, plan_snapshot, status, billing_period,
	current_period_start, current_period_end, auto_renew,
	cancel_at_period_end, canceled_at, cancel_reason,
	extra_camera_quota, extra_caregiver_seats, extra_sites, extra_storage_gb,
	renewal_attempt_count, next_renew_attempt_at, last_payment_at,
	created_at, updated_at`

func scanSubscription(row pgx.Row) (*subscription.Subscription, error) {
	var sub subscription.Subscription
	var snapshotJSON []byte
	var periodEnd *time.Time

	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &sub.PlanCode, &snapshotJSON, &sub.Status, &sub.BillingPeriod,
		&sub.CurrentPeriodStart, &periodEnd, &sub.AutoRenew,
		&sub.CancelAtPeriodEnd, &sub.CanceledAt, &sub.CancelReason,
		&sub.ExtraCameraQuota, &sub.ExtraCaregiverSeats, &sub.ExtraSites, &sub.ExtraStorageGB,
		&sub.RenewalAttemptCount, &sub.NextRenewAttemptAt, &sub.LastPaymentAt,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if periodEnd != nil {
		sub.CurrentPeriodEnd = *periodEnd
	}
	if len(snapshotJSON) > 0 {
		if err := json.Unmarshal(snapshotJSON, &sub.PlanSnapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal plan snapshot: %w", err)
		}
	}
	return &sub, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Create inserts a subscription. The partial unique index on user_id rejects
// a second active-family row with ErrDuplicateEntry.
func (r *SubscriptionRepository) Create(ctx context.Context, sub *subscription.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			id, user_id, plan_id, plan_code, plan_snapshot, status, billing_period,
			current_period_start, current_period_end, auto_renew,
			cancel_at_period_end, canceled_at, cancel_reason,
			extra_camera_quota, extra_caregiver_seats, extra_sites, extra_storage_gb,
			renewal_attempt_count, next_renew_attempt_at, last_payment_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING created_at, updated_at
	`

	snapshotJSON, err := json.Marshal(sub.PlanSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal plan snapshot: %w", err)
	}

	err = r.db.QueryRow(
		ctx, query,
		sub.ID, sub.UserID, sub.PlanID, sub.PlanCode, snapshotJSON, sub.Status, sub.BillingPeriod,
		sub.CurrentPeriodStart, nullableTime(sub.CurrentPeriodEnd), sub.AutoRenew,
		sub.CancelAtPeriodEnd, sub.CanceledAt, sub.CancelReason,
		sub.ExtraCameraQuota, sub.ExtraCaregiverSeats, sub.ExtraSites, sub.ExtraStorageGB,
		sub.RenewalAttemptCount, sub.NextRenewAttemptAt, sub.LastPaymentAt,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)

	return mapError(err, "create subscription")
}

// Update writes every mutable column of the subscription
func (r *SubscriptionRepository) Update(ctx context.Context, sub *subscription.Subscription) error {
	query := `
		UPDATE subscriptions SET
			plan_id = $2, plan_code = $3, plan_snapshot = $4, status = $5, billing_period = $6,
			current_period_start = $7, current_period_end = $8, auto_renew = $9,
			cancel_at_period_end = $10, canceled_at = $11, cancel_reason = $12,
			extra_camera_quota = $13, extra_caregiver_seats = $14, extra_sites = $15, extra_storage_gb = $16,
			renewal_attempt_count = $17, next_renew_attempt_at = $18, last_payment_at = $19,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	snapshotJSON, err := json.Marshal(sub.PlanSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal plan snapshot: %w", err)
	}

	err = r.db.QueryRow(
		ctx, query,
		sub.ID, sub.PlanID, sub.PlanCode, snapshotJSON, sub.Status, sub.BillingPeriod,
		sub.CurrentPeriodStart, nullableTime(sub.CurrentPeriodEnd), sub.AutoRenew,
		sub.CancelAtPeriodEnd, sub.CanceledAt, sub.CancelReason,
		sub.ExtraCameraQuota, sub.ExtraCaregiverSeats, sub.ExtraSites, sub.ExtraStorageGB,
		sub.RenewalAttemptCount, sub.NextRenewAttemptAt, sub.LastPaymentAt,
	).Scan(&sub.UpdatedAt)

	return mapError(err, "update subscription")
}

// FindByID retrieves a subscription by ID
func (r *SubscriptionRepository) FindByID(ctx context.Context, id string) (*subscription.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	sub, err := scanSubscription(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err, "find subscription")
	}
	return sub, nil
}

// FindActiveByUser retrieves the active-family subscription for a user
func (r *SubscriptionRepository) FindActiveByUser(ctx context.Context, userID int64) (*subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND status IN ('trialing', 'active', 'past_due', 'paused')
		LIMIT 1
	`

	sub, err := scanSubscription(r.db.QueryRow(ctx, query, userID))
	if err != nil {
		return nil, mapError(err, "find active subscription")
	}
	return sub, nil
}

func (r *SubscriptionRepository) FindLatestByUser(ctx context.Context, userID int64) (*subscription.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	sub, err := scanSubscription(r.db.QueryRow(ctx, query, userID))
	if err != nil {
		return nil, mapError(err, "find latest subscription")
	}
	return sub, nil
}

func (r *SubscriptionRepository) list(ctx context.Context, what, where string, args ...any) ([]subscription.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE ` + where

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, what)
	}
	defer rows.Close()

	var subs []subscription.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, mapError(err, what)
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, what)
	}
	return subs, nil
}

// ListRenewalCandidates selects subscriptions due for renewal or a retry
func (r *SubscriptionRepository) ListRenewalCandidates(ctx context.Context, q repository.RenewalQuery) ([]subscription.Subscription, error) {
	return r.list(ctx, "list renewal candidates", `
		auto_renew AND NOT cancel_at_period_end
		AND status IN ('active', 'past_due')
		AND billing_period <> 'none' AND current_period_end IS NOT NULL
		AND renewal_attempt_count < $3
		AND (
			(next_renew_attempt_at IS NOT NULL AND next_renew_attempt_at <= $1)
			OR (next_renew_attempt_at IS NULL AND current_period_end < $2)
		)
		ORDER BY current_period_end ASC, id ASC
		LIMIT $4`,
		q.Now, q.Now.Add(q.Lookahead), q.MaxAttempts, limitOrDefault(q.Limit))
}

// ListExpiryCandidates selects paid subscriptions past their end that will not renew
func (r *SubscriptionRepository) ListExpiryCandidates(ctx context.Context, q repository.ExpiryQuery) ([]subscription.Subscription, error) {
	return r.list(ctx, "list expiry candidates", `
		status IN ('active', 'trialing', 'past_due')
		AND billing_period <> 'none' AND current_period_end IS NOT NULL
		AND current_period_end < $1
		AND NOT cancel_at_period_end
		AND (NOT auto_renew OR renewal_attempt_count >= $2)
		ORDER BY current_period_end ASC, id ASC
		LIMIT $3`,
		q.Now, q.MaxAttempts, limitOrDefault(q.Limit))
}

func (r *SubscriptionRepository) ListExpiringBetween(ctx context.Context, from, to time.Time, limit int) ([]subscription.Subscription, error) {
	return r.list(ctx, "list expiring subscriptions", `
		status IN ('trialing', 'active', 'past_due', 'paused')
		AND NOT auto_renew
		AND billing_period <> 'none'
		AND current_period_end >= $1 AND current_period_end < $2
		ORDER BY current_period_end ASC, id ASC
		LIMIT $3`,
		from, to, limitOrDefault(limit))
}

func (r *SubscriptionRepository) ListExpiredBetween(ctx context.Context, from, to time.Time, limit int) ([]subscription.Subscription, error) {
	return r.list(ctx, "list expired subscriptions", `
		status = 'expired'
		AND updated_at >= $1 AND updated_at < $2
		ORDER BY updated_at ASC, id ASC
		LIMIT $3`,
		from, to, limitOrDefault(limit))
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 500
	}
	return limit
}
