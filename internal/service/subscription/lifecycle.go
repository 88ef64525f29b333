// internal/service/subscription/lifecycle.go
package subscription

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"billing-service/internal/domain/event"
	"billing-service/internal/domain/plan"
	"billing-service/internal/domain/subscription"
	"billing-service/internal/domain/transaction"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/repository"
	"billing-service/internal/service/catalog"

	"go.uber.org/zap"
)

// newFreeSubscription builds an active basic subscription for userID.
func (s *Service) newFreeSubscription(userID int64, basic *plan.Plan, now time.Time) *subscription.Subscription {
	sub := &subscription.Subscription{
		ID:                 newID("sub"),
		UserID:             userID,
		Status:             subscription.StatusActive,
		CurrentPeriodStart: now,
		AutoRenew:          false,
	}
	sub.ApplyPlan(basic)
	sub.BillingPeriod = plan.PeriodNone
	return sub
}

func (s *Service) createSubscription(ctx context.Context, tx repository.Tx, sub *subscription.Subscription, payload map[string]interface{}) error {
	if err := tx.Subscriptions().Create(ctx, sub); err != nil {
		if xerrors.Is(err, xerrors.ErrDuplicateEntry) {
			return xerrors.Conflict(xerrors.ReasonActiveSubscriptionExists, "user already has an active subscription")
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["plan_code"] = sub.PlanCode
	payload["billing_period"] = string(sub.BillingPeriod)
	if _, err := s.ledger.Append(ctx, tx, sub.ID, event.TypeCreated, payload); err != nil {
		return err
	}
	return nil
}

// CreateFree starts a user on the current basic plan. It is rejected while
// the user holds any active-family subscription.
func (s *Service) CreateFree(ctx context.Context, userID int64) (*subscription.Subscription, error) {
	var sub *subscription.Subscription

	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		existing, err := tx.Subscriptions().FindActiveByUser(ctx, userID)
		if err == nil && existing != nil {
			return xerrors.Conflict(xerrors.ReasonActiveSubscriptionExists, "user already has an active subscription")
		}
		if err != nil && !xerrors.Is(err, xerrors.ErrNotFound) {
			return fmt.Errorf("failed to check existing subscription: %w", err)
		}

		basic, err := catalog.GetCurrent(ctx, tx.Plans(), plan.CodeBasic)
		if err != nil {
			return err
		}

		sub = s.newFreeSubscription(userID, basic, s.now())
		return s.createSubscription(ctx, tx, sub, map[string]interface{}{"source": "signup"})
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(userID)
	s.logger.Info("free subscription created",
		zap.Int64("user_id", userID),
		zap.String("subscription_id", sub.ID),
	)
	return sub, nil
}

// closeAndStartFree ends sub with a terminal status and opens a fresh basic
// subscription in the same unit of work, so the user keeps exactly one
// active-family row.
func (s *Service) closeAndStartFree(
	ctx context.Context,
	tx repository.Tx,
	sub *subscription.Subscription,
	status subscription.SubscriptionStatus,
) (*subscription.Subscription, error) {
	now := s.now()

	if err := setStatus(sub, status); err != nil {
		return nil, err
	}
	sub.AutoRenew = false
	sub.NextRenewAttemptAt = sql.NullTime{}
	if err := s.saveSubscription(ctx, tx, sub); err != nil {
		return nil, err
	}

	basic, err := catalog.GetCurrent(ctx, tx.Plans(), plan.CodeBasic)
	if err != nil {
		return nil, err
	}
	next := s.newFreeSubscription(sub.UserID, basic, now)
	if err := s.createSubscription(ctx, tx, next, map[string]interface{}{
		"source":       string(status),
		"previous_sub": sub.ID,
	}); err != nil {
		return nil, err
	}
	return next, nil
}

// Expire ends a paid subscription whose period is over and which will not
// renew, then falls the user back to basic. It returns false when a re-check
// shows the subscription no longer qualifies.
func (s *Service) Expire(ctx context.Context, subscriptionID string) (bool, error) {
	var userID int64
	var next *subscription.Subscription

	err := s.withSubscriptionLock(ctx, subscriptionID, func(tx repository.Tx, sub *subscription.Subscription) error {
		if !s.expiryDue(sub, s.now()) {
			return nil
		}
		userID = sub.UserID
		periodEnd := sub.CurrentPeriodEnd

		// a renewal left open for the ended period can no longer be paid
		renewal, err := tx.Transactions().FindByIdempotencyKey(ctx, sub.ID, RenewalKey(sub))
		if err == nil && renewal.Status.IsPending() {
			if err := s.advance(ctx, tx, renewal, transaction.StatusVoid); err != nil {
				return err
			}
		} else if err != nil && !xerrors.Is(err, xerrors.ErrNotFound) {
			return fmt.Errorf("failed to load renewal: %w", err)
		}

		fromPlan := sub.PlanCode
		next, err = s.closeAndStartFree(ctx, tx, sub, subscription.StatusExpired)
		if err != nil {
			return err
		}

		_, _, err = s.ledger.CreateIfNotExists(ctx, tx, sub.ID, event.TypeExpired, event.KeyIdempotencyKey,
			fmt.Sprintf("expire:%s:%d", sub.ID, periodEnd.Unix()),
			map[string]interface{}{
				"plan_code":        fromPlan,
				"period_end":       periodEnd,
				"renewal_attempts": sub.RenewalAttemptCount,
				"next_sub":         next.ID,
			})
		return err
	})
	if err != nil {
		return false, err
	}
	if next == nil {
		return false, nil
	}

	s.invalidate(userID)
	s.logger.Info("subscription expired",
		zap.String("subscription_id", subscriptionID),
		zap.String("fallback_subscription_id", next.ID),
		zap.Int64("user_id", userID),
	)
	return true, nil
}

func (s *Service) expiryDue(sub *subscription.Subscription, now time.Time) bool {
	switch sub.Status {
	case subscription.StatusActive, subscription.StatusTrialing, subscription.StatusPastDue:
	default:
		return false
	}
	if !sub.IsPaidPeriod() || sub.CancelAtPeriodEnd || !sub.CurrentPeriodEnd.Before(now) {
		return false
	}
	return !sub.AutoRenew || sub.RenewalAttemptCount >= s.cfg.MaxAttempts
}

// changeStatus applies a manual status change and records it.
func (s *Service) changeStatus(
	ctx context.Context,
	subscriptionID string,
	allowed []subscription.SubscriptionStatus,
	target func(sub *subscription.Subscription) subscription.SubscriptionStatus,
	eventType event.EventType,
	reason string,
) (*subscription.Subscription, error) {
	var out *subscription.Subscription

	err := s.withSubscriptionLock(ctx, subscriptionID, func(tx repository.Tx, sub *subscription.Subscription) error {
		ok := false
		for _, st := range allowed {
			if sub.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return xerrors.Policy(xerrors.ReasonInvalidTransition,
				fmt.Sprintf("cannot %s a %s subscription", eventVerb(eventType), sub.Status))
		}

		from := sub.Status
		if err := setStatus(sub, target(sub)); err != nil {
			return err
		}
		if err := s.saveSubscription(ctx, tx, sub); err != nil {
			return err
		}

		payload := map[string]interface{}{"from": string(from), "to": string(sub.Status)}
		if reason != "" {
			payload["reason"] = reason
		}
		if _, err := s.ledger.Append(ctx, tx, sub.ID, eventType, payload); err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(out.UserID)
	s.logger.Info("subscription status changed",
		zap.String("subscription_id", out.ID),
		zap.String("event_type", string(eventType)),
		zap.String("status", string(out.Status)),
	)
	return out, nil
}

func eventVerb(t event.EventType) string {
	switch t {
	case event.TypePaused:
		return "pause"
	case event.TypeSuspended:
		return "suspend"
	default:
		return "resume"
	}
}

func activate(*subscription.Subscription) subscription.SubscriptionStatus {
	return subscription.StatusActive
}

// Pause stops an active or past-due subscription without financial effect.
func (s *Service) Pause(ctx context.Context, subscriptionID, reason string) (*subscription.Subscription, error) {
	return s.changeStatus(ctx, subscriptionID,
		[]subscription.SubscriptionStatus{subscription.StatusActive, subscription.StatusPastDue},
		func(*subscription.Subscription) subscription.SubscriptionStatus { return subscription.StatusPaused },
		event.TypePaused, reason)
}

// Resume reactivates a paused subscription. One whose paid period ended
// while paused comes back past due.
func (s *Service) Resume(ctx context.Context, subscriptionID, reason string) (*subscription.Subscription, error) {
	return s.changeStatus(ctx, subscriptionID,
		[]subscription.SubscriptionStatus{subscription.StatusPaused},
		func(sub *subscription.Subscription) subscription.SubscriptionStatus {
			if sub.IsPaidPeriod() && !sub.CurrentPeriodEnd.After(s.now()) {
				return subscription.StatusPastDue
			}
			return subscription.StatusActive
		},
		event.TypeResumed, reason)
}

// Suspend blocks a subscription until Unsuspend is called.
func (s *Service) Suspend(ctx context.Context, subscriptionID, reason string) (*subscription.Subscription, error) {
	return s.changeStatus(ctx, subscriptionID,
		[]subscription.SubscriptionStatus{
			subscription.StatusTrialing, subscription.StatusActive,
			subscription.StatusPastDue, subscription.StatusPaused,
		},
		func(*subscription.Subscription) subscription.SubscriptionStatus { return subscription.StatusSuspended },
		event.TypeSuspended, reason)
}

// Unsuspend manually reverses a suspension.
func (s *Service) Unsuspend(ctx context.Context, subscriptionID, reason string) (*subscription.Subscription, error) {
	return s.changeStatus(ctx, subscriptionID,
		[]subscription.SubscriptionStatus{subscription.StatusSuspended},
		activate,
		event.TypeResumed, reason)
}
