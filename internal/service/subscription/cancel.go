// internal/service/subscription/cancel.go
package subscription

import (
	"context"
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

// checkCancelable applies the cancellation policy in order.
func checkCancelable(sub *subscription.Subscription, now time.Time) error {
	switch {
	case sub.Status == subscription.StatusCanceled,
		sub.Status == subscription.StatusExpired,
		sub.CancelAtPeriodEnd:
		return xerrors.Policy(xerrors.ReasonAlreadyCanceled, "subscription is already canceled")
	case sub.Status == subscription.StatusSuspended:
		return xerrors.Policy(xerrors.ReasonSubscriptionSuspended, "subscription is suspended")
	case sub.Status == subscription.StatusTrialing:
		return xerrors.Policy(xerrors.ReasonTrialCannotBeCanceled, "a trial cannot be canceled")
	case !sub.IsPaidPeriod() || sub.PlanSnapshot.Price == 0:
		return xerrors.Policy(xerrors.ReasonFreePlanCannotBeCanceled, "the free plan cannot be canceled")
	case now.Sub(sub.CurrentPeriodStart) < minCancelAge:
		return xerrors.Policy(xerrors.ReasonCancelTooSoon, "a subscription cannot be canceled within 24 hours of its cycle start")
	}
	return nil
}

// CancelWithPolicy stops renewal and schedules a move to the free plan at
// the end of the paid period. No refund is issued.
func (s *Service) CancelWithPolicy(ctx context.Context, userID int64, reason string) (*subscription.CancelResult, error) {
	current, err := s.activeOrLatest(ctx, s.store, userID)
	if err != nil {
		return nil, err
	}
	if err := checkCancelable(current, s.now()); err != nil {
		return nil, err
	}

	var result *subscription.CancelResult
	err = s.withSubscriptionLock(ctx, current.ID, func(tx repository.Tx, sub *subscription.Subscription) error {
		now := s.now()
		if err := checkCancelable(sub, now); err != nil {
			return err
		}
		basic, err := catalog.GetCurrent(ctx, tx.Plans(), plan.CodeBasic)
		if err != nil {
			return err
		}

		if err := s.voidScheduledDowngrade(ctx, tx, sub, "canceled"); err != nil {
			return err
		}
		renewal, err := tx.Transactions().FindByIdempotencyKey(ctx, sub.ID, RenewalKey(sub))
		if err == nil && renewal.Status.IsPending() {
			if err := s.advance(ctx, tx, renewal, transaction.StatusVoid); err != nil {
				return err
			}
		} else if err != nil && !xerrors.Is(err, xerrors.ErrNotFound) {
			return fmt.Errorf("failed to load renewal: %w", err)
		}

		sub.CancelAtPeriodEnd = true
		sub.CanceledAt = validTime(now)
		sub.CancelReason = validString(reason)
		sub.AutoRenew = false
		if err := s.saveSubscription(ctx, tx, sub); err != nil {
			return err
		}

		txn, err := s.scheduleDowngradeLocked(ctx, tx, sub, basic, sub.CurrentPeriodEnd, "cancel")
		if err != nil {
			return err
		}

		payload := map[string]interface{}{
			"effective_at": sub.CurrentPeriodEnd,
			"refund_minor": int64(0),
			"plan_code":    sub.PlanCode,
		}
		if reason != "" {
			payload["reason"] = reason
		}
		if _, _, err := s.ledger.CreateIfNotExists(ctx, tx, sub.ID, event.TypeCanceled, event.KeyTxID, txn.ID, payload); err != nil {
			return err
		}

		result = &subscription.CancelResult{
			SubscriptionID:    sub.ID,
			CancelAtPeriodEnd: true,
			EffectiveAt:       sub.CurrentPeriodEnd,
			RefundMinor:       0,
			Downgrade: subscription.ScheduleResult{
				TransactionID: txn.ID,
				TargetPlan:    basic.Code,
				EffectiveAt:   sub.CurrentPeriodEnd,
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(userID)
	s.logger.Info("subscription canceled at period end",
		zap.String("subscription_id", result.SubscriptionID),
		zap.Int64("user_id", userID),
		zap.Time("effective_at", result.EffectiveAt),
	)
	return result, nil
}
