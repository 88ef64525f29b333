// internal/service/subscription/downgrade.go
package subscription

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"billing-service/internal/domain/event"
	"billing-service/internal/domain/plan"
	"billing-service/internal/domain/subscription"
	"billing-service/internal/domain/transaction"
	"billing-service/internal/pkg/money"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/repository"
	"billing-service/internal/service/catalog"

	"go.uber.org/zap"
)

// Downgrade rejects immediate downgrades. Moves to a cheaper plan are only
// available through ScheduleDowngrade.
func (s *Service) Downgrade(ctx context.Context, req *subscription.DowngradeRequest) error {
	if _, err := catalog.GetCurrent(ctx, s.store.Plans(), req.PlanCode); err != nil {
		return err
	}
	return xerrors.Policy(xerrors.ReasonDowngradeOnlyAtPeriodEnd,
		"downgrades take effect at the end of the billing period; schedule one instead")
}

// ScheduleDowngrade records a move to a cheaper plan that the downgrade
// sweep applies once effectiveAt passes. An existing schedule is replaced.
func (s *Service) ScheduleDowngrade(ctx context.Context, req *subscription.ScheduleDowngradeRequest) (*subscription.ScheduleResult, error) {
	code := strings.TrimSpace(req.PlanCode)
	if code == "" {
		return nil, xerrors.Validation(xerrors.ReasonPlanCodeRequired, "plan code is required")
	}
	target, err := catalog.GetCurrent(ctx, s.store.Plans(), code)
	if err != nil {
		return nil, err
	}
	current, err := s.activeByUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	var result *subscription.ScheduleResult
	err = s.withSubscriptionLock(ctx, current.ID, func(tx repository.Tx, sub *subscription.Subscription) error {
		switch {
		case sub.Status == subscription.StatusSuspended:
			return xerrors.Policy(xerrors.ReasonSubscriptionSuspended, "subscription is suspended")
		case sub.CancelAtPeriodEnd:
			return xerrors.Policy(xerrors.ReasonAlreadyCanceled, "subscription is already set to cancel")
		case sub.PlanCode == target.Code:
			return xerrors.Validation(xerrors.ReasonAlreadyOnTargetPlan, fmt.Sprintf("already on plan %s", target.Code))
		case !sub.IsPaidPeriod():
			return xerrors.Policy(xerrors.ReasonNotADowngrade, "a free subscription has nothing to downgrade")
		}

		oldPrice := money.PriceForPeriod(sub.PlanSnapshot.Price, sub.PlanSnapshot.BillingPeriod, sub.BillingPeriod)
		newPrice := money.PriceForPeriod(target.Price, target.BillingPeriod, sub.BillingPeriod)
		if newPrice >= oldPrice {
			return xerrors.Policy(xerrors.ReasonNotADowngrade,
				fmt.Sprintf("plan %s does not cost less than %s; upgrade instead", target.Code, sub.PlanCode))
		}

		effectiveAt := sub.CurrentPeriodEnd
		if req.EffectiveAt != nil {
			if req.EffectiveAt.Before(sub.CurrentPeriodEnd) {
				return xerrors.Validation(xerrors.ReasonDowngradeOnlyAtPeriodEnd,
					fmt.Sprintf("downgrade cannot take effect before %s", sub.CurrentPeriodEnd.UTC().Format(time.RFC3339)))
			}
			effectiveAt = req.EffectiveAt.UTC()
		}

		if err := s.voidScheduledDowngrade(ctx, tx, sub, "replaced"); err != nil {
			return err
		}
		txn, err := s.scheduleDowngradeLocked(ctx, tx, sub, target, effectiveAt, "user")
		if err != nil {
			return err
		}
		result = &subscription.ScheduleResult{
			TransactionID: txn.ID,
			TargetPlan:    target.Code,
			EffectiveAt:   effectiveAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("downgrade scheduled",
		zap.String("subscription_id", current.ID),
		zap.String("transaction_id", result.TransactionID),
		zap.String("to_plan", result.TargetPlan),
		zap.Time("effective_at", result.EffectiveAt),
	)
	return result, nil
}

// scheduleDowngradeLocked writes the zero-amount draft transaction that
// carries a scheduled downgrade. Callers void any previous schedule first.
func (s *Service) scheduleDowngradeLocked(
	ctx context.Context,
	tx repository.Tx,
	sub *subscription.Subscription,
	target *plan.Plan,
	effectiveAt time.Time,
	source string,
) (*transaction.Transaction, error) {
	oldSnap := sub.PlanSnapshot
	newSnap := target.Snapshot()

	periodEnd := effectiveAt
	if target.BillingPeriod.Recurring() {
		periodEnd = target.BillingPeriod.AddTo(effectiveAt)
	}

	txn := &transaction.Transaction{
		ID:              newID("tx"),
		SubscriptionID:  sub.ID,
		UserID:          sub.UserID,
		PlanCode:        target.Code,
		PlanSnapshotOld: &oldSnap,
		PlanSnapshotNew: &newSnap,
		Currency:        s.currency(target),
		PeriodStart:     effectiveAt,
		PeriodEnd:       periodEnd,
		EffectiveAction: transaction.ActionDowngrade,
		Status:          transaction.StatusDraft,
		Provider:        transaction.ProviderNone,
	}
	if err := tx.Transactions().Create(ctx, txn); err != nil {
		return nil, fmt.Errorf("failed to create downgrade transaction: %w", err)
	}

	if _, _, err := s.ledger.CreateIfNotExists(ctx, tx, sub.ID, event.TypeDowngradeScheduled, event.KeyTxID, txn.ID,
		map[string]interface{}{
			"from_plan":    sub.PlanCode,
			"to_plan":      target.Code,
			"effective_at": effectiveAt,
			"source":       source,
		}); err != nil {
		return nil, err
	}
	return txn, nil
}

// voidScheduledDowngrade voids the subscription's pending downgrade, if any.
// A downgrade that came from a cancellation takes the cancellation with it.
func (s *Service) voidScheduledDowngrade(ctx context.Context, tx repository.Tx, sub *subscription.Subscription, reason string) error {
	scheduled, err := tx.Transactions().FindScheduledDowngrade(ctx, sub.ID)
	if err != nil {
		if xerrors.Is(err, xerrors.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load scheduled downgrade: %w", err)
	}

	if err := s.advance(ctx, tx, scheduled, transaction.StatusVoid); err != nil {
		return err
	}
	if _, _, err := s.ledger.CreateIfNotExists(ctx, tx, sub.ID, event.TypeDowngradeCanceled, event.KeyTxID, scheduled.ID,
		map[string]interface{}{
			"to_plan": scheduled.TargetPlanCode(),
			"reason":  reason,
		}); err != nil {
		return err
	}

	if sub.CancelAtPeriodEnd {
		sub.CancelAtPeriodEnd = false
		sub.CanceledAt = sql.NullTime{}
		sub.CancelReason = sql.NullString{}
		sub.AutoRenew = sub.BillingPeriod.Recurring()
		if err := s.saveSubscription(ctx, tx, sub); err != nil {
			return err
		}
	}
	return nil
}

// CancelScheduledDowngrade drops the user's pending downgrade. When the
// downgrade came from a cancellation the subscription renews again.
func (s *Service) CancelScheduledDowngrade(ctx context.Context, userID int64) (*subscription.Subscription, error) {
	current, err := s.activeByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	var out *subscription.Subscription
	err = s.withSubscriptionLock(ctx, current.ID, func(tx repository.Tx, sub *subscription.Subscription) error {
		_, err := tx.Transactions().FindScheduledDowngrade(ctx, sub.ID)
		if err != nil {
			if xerrors.Is(err, xerrors.ErrNotFound) {
				return xerrors.NotFound(xerrors.ReasonNoScheduledDowngrade, "no downgrade is scheduled")
			}
			return fmt.Errorf("failed to load scheduled downgrade: %w", err)
		}
		if err := s.voidScheduledDowngrade(ctx, tx, sub, "user_request"); err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(userID)
	s.logger.Info("scheduled downgrade canceled",
		zap.String("subscription_id", out.ID),
		zap.Int64("user_id", userID),
	)
	return out, nil
}

// ApplyScheduledDowngrade moves a subscription onto its scheduled plan once
// the effective time has passed. It returns false when the transaction is no
// longer pending or not yet due.
func (s *Service) ApplyScheduledDowngrade(ctx context.Context, txID string) (bool, error) {
	txn, err := s.findTransaction(ctx, s.store, txID)
	if err != nil {
		return false, err
	}
	if txn.EffectiveAction != transaction.ActionDowngrade {
		return false, xerrors.Validation(xerrors.ReasonTransactionNotPending,
			fmt.Sprintf("transaction %s is a %s, not a downgrade", txID, txn.EffectiveAction))
	}

	var applied bool
	var userID int64
	var toPlan string

	err = s.withSubscriptionLock(ctx, txn.SubscriptionID, func(tx repository.Tx, sub *subscription.Subscription) error {
		current, err := s.findTransaction(ctx, tx, txID)
		if err != nil {
			return err
		}
		now := s.now()
		if current.Status != transaction.StatusDraft && current.Status != transaction.StatusPaid {
			return nil
		}
		if current.PeriodStart.After(now) {
			return nil
		}
		done, err := s.ledger.Exists(ctx, tx, sub.ID, event.TypeDowngraded, event.KeyTxID, current.ID)
		if err != nil {
			return err
		}
		if done {
			return s.advance(ctx, tx, current, transaction.StatusApplied)
		}

		userID = sub.UserID
		fromPlan := sub.PlanCode

		if sub.IsPaidPeriod() {
			renewal, err := tx.Transactions().FindByIdempotencyKey(ctx, sub.ID, RenewalKey(sub))
			if err == nil && renewal.Status.IsPending() {
				if err := s.advance(ctx, tx, renewal, transaction.StatusVoid); err != nil {
					return err
				}
			} else if err != nil && !xerrors.Is(err, xerrors.ErrNotFound) {
				return fmt.Errorf("failed to load renewal: %w", err)
			}
		}

		target := sub
		if sub.CancelAtPeriodEnd {
			next, err := s.closeAndStartFree(ctx, tx, sub, subscription.StatusCanceled)
			if err != nil {
				return err
			}
			target = next
		} else {
			p, err := s.targetPlan(ctx, tx, current)
			if err != nil {
				return err
			}
			p, err = catalog.ResolveRenewalPlan(ctx, tx.Plans(), p, s.logger)
			if err != nil {
				return err
			}
			s.swapToDowngradePlan(sub, p, current.PeriodStart)
			if sub.Status != subscription.StatusActive {
				if err := setStatus(sub, subscription.StatusActive); err != nil {
					return err
				}
			}
			if err := s.saveSubscription(ctx, tx, sub); err != nil {
				return err
			}
		}
		toPlan = target.PlanCode

		if err := s.advance(ctx, tx, current, transaction.StatusApplied); err != nil {
			return err
		}
		if _, _, err := s.ledger.CreateIfNotExists(ctx, tx, sub.ID, event.TypeDowngraded, event.KeyTxID, current.ID,
			map[string]interface{}{
				"from_plan":   fromPlan,
				"to_plan":     target.PlanCode,
				"canceled":    target.ID != sub.ID,
				"next_sub_id": target.ID,
			}); err != nil {
			return err
		}
		applied = true
		return s.recordEntitlements(ctx, tx, target, current.ID)
	})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}

	s.invalidate(userID)
	s.logger.Info("scheduled downgrade applied",
		zap.String("subscription_id", txn.SubscriptionID),
		zap.String("transaction_id", txID),
		zap.String("to_plan", toPlan),
	)
	return true, nil
}

// swapToDowngradePlan points sub at p from effectiveAt. A paid target gets an
// empty period ending at effectiveAt so the next renewal sweep bills it.
func (s *Service) swapToDowngradePlan(sub *subscription.Subscription, p *plan.Plan, effectiveAt time.Time) {
	sub.ApplyPlan(p)
	sub.CancelAtPeriodEnd = false
	sub.CanceledAt = sql.NullTime{}
	sub.CancelReason = sql.NullString{}
	sub.RenewalAttemptCount = 0
	sub.NextRenewAttemptAt = sql.NullTime{}
	sub.CurrentPeriodStart = effectiveAt

	if p.BillingPeriod.Recurring() {
		sub.CurrentPeriodEnd = effectiveAt
		sub.AutoRenew = true
		return
	}
	sub.BillingPeriod = plan.PeriodNone
	sub.CurrentPeriodEnd = time.Time{}
	sub.AutoRenew = false
}
