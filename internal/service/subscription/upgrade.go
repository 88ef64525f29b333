// internal/service/subscription/upgrade.go
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
	"billing-service/internal/service/payment"

	"go.uber.org/zap"
)

// quote is the price of moving a subscription to a new plan.
type quote struct {
	amountMinor int64
	prorated    bool
	periodStart time.Time
	periodEnd   time.Time
}

// quoteUpgrade prices an upgrade in the billing period of the current
// subscription. A subscription without a running paid period buys one full
// period of the target plan starting now.
func quoteUpgrade(sub *subscription.Subscription, target *plan.Plan, now time.Time) (quote, error) {
	if !sub.IsPaidPeriod() || !sub.CurrentPeriodEnd.After(now) {
		q := quote{amountMinor: money.ToMinor(target.Price), periodStart: now}
		if target.BillingPeriod.Recurring() {
			q.periodEnd = target.BillingPeriod.AddTo(now)
		} else {
			q.amountMinor = 0
		}
		return q, nil
	}

	period := sub.BillingPeriod
	oldPrice := money.PriceForPeriod(sub.PlanSnapshot.Price, sub.PlanSnapshot.BillingPeriod, period)
	newPrice := money.PriceForPeriod(target.Price, target.BillingPeriod, period)
	if newPrice < oldPrice {
		return quote{}, xerrors.Policy(xerrors.ReasonDowngradeOnlyAtPeriodEnd,
			"the target plan is cheaper; downgrades take effect at the end of the billing period")
	}

	remaining, total := money.Window(sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)
	return quote{
		amountMinor: money.ProrateMinor(money.ToMinor(oldPrice), money.ToMinor(newPrice), remaining, total),
		prorated:    true,
		periodStart: now,
		periodEnd:   sub.CurrentPeriodEnd,
	}, nil
}

func fromPlanOf(txn *transaction.Transaction, sub *subscription.Subscription) string {
	if txn.PlanSnapshotOld != nil && txn.PlanSnapshotOld.Code != "" {
		return txn.PlanSnapshotOld.Code
	}
	return sub.PlanCode
}

func upgradeResult(txn *transaction.Transaction, fromPlan string) *subscription.UpgradeResult {
	return &subscription.UpgradeResult{
		TransactionID: txn.ID,
		Status:        string(txn.Status),
		AmountDue:     txn.AmountTotal,
		AmountMajor:   money.FormatMajor(txn.AmountTotal),
		Currency:      txn.Currency,
		PaymentURL:    txn.PaymentURL.String,
		Applied:       txn.Status == transaction.StatusApplied,
		FromPlan:      fromPlan,
		ToPlan:        txn.TargetPlanCode(),
		PeriodEnd:     txn.PeriodEnd,
	}
}

// PrepareUpgrade prices an upgrade and records it as a transaction. A zero
// amount is applied at once; otherwise the subscription stays on its plan
// until the payment is confirmed. Any scheduled downgrade is voided.
func (s *Service) PrepareUpgrade(ctx context.Context, req *subscription.UpgradeRequest) (*subscription.UpgradeResult, error) {
	code := strings.TrimSpace(req.PlanCode)
	if code == "" {
		return nil, xerrors.Validation(xerrors.ReasonPlanCodeRequired, "plan code is required")
	}
	target, err := catalog.GetCurrent(ctx, s.store.Plans(), code)
	if err != nil {
		return nil, err
	}

	current, err := s.activeOrLatest(ctx, s.store, req.UserID)
	if err != nil {
		return nil, err
	}

	var result *subscription.UpgradeResult
	var pending *transaction.Transaction

	err = s.withSubscriptionLock(ctx, current.ID, func(tx repository.Tx, sub *subscription.Subscription) error {
		// a replayed key answers with the recorded upgrade even after it
		// moved the subscription onto the target plan
		if req.IdempotencyKey != "" {
			existing, err := tx.Transactions().FindByIdempotencyKey(ctx, sub.ID, req.IdempotencyKey)
			if err == nil {
				result = upgradeResult(existing, fromPlanOf(existing, sub))
				return nil
			}
			if !xerrors.Is(err, xerrors.ErrNotFound) {
				return fmt.Errorf("failed to check idempotency key: %w", err)
			}
		}

		switch {
		case sub.Status == subscription.StatusCanceled || sub.Status == subscription.StatusExpired:
			return xerrors.Policy(xerrors.ReasonSubscriptionCanceled, "subscription is canceled")
		case sub.Status == subscription.StatusSuspended:
			return xerrors.Policy(xerrors.ReasonSubscriptionSuspended, "subscription is suspended")
		case sub.PlanCode == target.Code:
			return xerrors.Validation(xerrors.ReasonAlreadyOnTargetPlan, fmt.Sprintf("already on plan %s", target.Code))
		}

		now := s.now()
		q, err := quoteUpgrade(sub, target, now)
		if err != nil {
			return err
		}

		if err := s.voidScheduledDowngrade(ctx, tx, sub, "upgrade_requested"); err != nil {
			return err
		}

		oldSnap := sub.PlanSnapshot
		newSnap := target.Snapshot()
		txn := &transaction.Transaction{
			ID:              newID("tx"),
			SubscriptionID:  sub.ID,
			UserID:          sub.UserID,
			PlanCode:        target.Code,
			PlanSnapshotOld: &oldSnap,
			PlanSnapshotNew: &newSnap,
			AmountSubtotal:  q.amountMinor,
			AmountTotal:     q.amountMinor,
			Currency:        s.currency(target),
			PeriodStart:     q.periodStart,
			PeriodEnd:       q.periodEnd,
			EffectiveAction: transaction.ActionUpgrade,
			Status:          transaction.StatusOpen,
			IsProration:     q.prorated,
			ProrationCharge: q.amountMinor,
			IdempotencyKey:  validString(req.IdempotencyKey),
			Provider:        s.providerName(),
		}
		if q.amountMinor == 0 {
			txn.Provider = transaction.ProviderNone
		}
		if err := tx.Transactions().Create(ctx, txn); err != nil {
			return fmt.Errorf("failed to create upgrade transaction: %w", err)
		}

		fromPlan := sub.PlanCode
		if q.amountMinor == 0 {
			if err := s.applyUpgrade(ctx, tx, sub, txn); err != nil {
				return err
			}
		} else {
			pending = txn
		}
		result = upgradeResult(txn, fromPlan)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(req.UserID)

	if pending != nil {
		s.logger.Info("upgrade awaiting payment",
			zap.String("subscription_id", pending.SubscriptionID),
			zap.String("transaction_id", pending.ID),
			zap.Int64("amount_minor", pending.AmountTotal),
		)
		if charge := s.requestCharge(ctx, pending, fmt.Sprintf("Upgrade to %s", target.Name)); charge != nil {
			result.PaymentURL = charge.PaymentURL
		}
	} else if result.Applied {
		s.logger.Info("upgrade applied without payment",
			zap.String("transaction_id", result.TransactionID),
			zap.String("to_plan", result.ToPlan),
		)
	}
	return result, nil
}

// requestCharge asks the payment collaborator for a charge after the
// transaction committed and stores the provider references, waiting out a
// busy subscription lock. Failures are logged; the transaction stays open and
// webhooks still find it through the transaction id the charge carries.
func (s *Service) requestCharge(ctx context.Context, txn *transaction.Transaction, description string) *payment.Charge {
	if s.gateway == nil {
		return nil
	}

	charge, err := s.gateway.CreateCharge(ctx, payment.ChargeRequest{
		TransactionID:  txn.ID,
		SubscriptionID: txn.SubscriptionID,
		UserID:         txn.UserID,
		AmountMinor:    txn.AmountTotal,
		Currency:       txn.Currency,
		Description:    description,
	})
	if err != nil {
		s.metrics.PaymentAttemptsTotal.WithLabelValues("error").Inc()
		s.logger.Warn("failed to create charge",
			zap.String("transaction_id", txn.ID),
			zap.Error(err),
		)
		return nil
	}
	s.metrics.PaymentAttemptsTotal.WithLabelValues("created").Inc()

	err = s.withSubscriptionLockWait(ctx, txn.SubscriptionID, func(tx repository.Tx, _ *subscription.Subscription) error {
		current, err := s.findTransaction(ctx, tx, txn.ID)
		if err != nil {
			return err
		}
		if !current.Status.IsPending() || current.ProviderPaymentID.Valid {
			return nil
		}
		current.ProviderPaymentID = validString(charge.PaymentID)
		current.PaymentURL = validString(charge.PaymentURL)
		if err := tx.Transactions().Update(ctx, current); err != nil {
			return fmt.Errorf("failed to store payment reference: %w", err)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to store payment reference",
			zap.Bool("anomaly", true),
			zap.String("transaction_id", txn.ID),
			zap.String("payment_id", charge.PaymentID),
			zap.Error(err),
		)
	}
	return charge
}

// ApplyUpgradeOnPaymentSuccess swaps the subscription to the plan of a paid
// upgrade transaction. An open transaction is applied only once the provider
// reports its payment settled. Replays are no-ops.
func (s *Service) ApplyUpgradeOnPaymentSuccess(ctx context.Context, txID string) (*subscription.UpgradeResult, error) {
	txn, err := s.findTransaction(ctx, s.store, txID)
	if err != nil {
		return nil, err
	}
	if txn.EffectiveAction != transaction.ActionUpgrade {
		return nil, xerrors.Validation(xerrors.ReasonTransactionNotPending,
			fmt.Sprintf("transaction %s is a %s, not an upgrade", txID, txn.EffectiveAction))
	}

	if txn.Status.IsPending() && txn.AmountTotal > 0 {
		if !txn.ProviderPaymentID.Valid {
			return nil, xerrors.Policy(xerrors.ReasonPaymentNotSettled,
				fmt.Sprintf("upgrade %s has no payment on record", txID))
		}
		paymentID := txn.ProviderPaymentID.String
		if err := s.requireSettled(ctx, paymentID); err != nil {
			return nil, err
		}
		if _, err := s.settle(ctx, txn.SubscriptionID, txn.ID, paymentID); err != nil {
			return nil, err
		}
	}

	var result *subscription.UpgradeResult
	err = s.withSubscriptionLock(ctx, txn.SubscriptionID, func(tx repository.Tx, sub *subscription.Subscription) error {
		current, err := s.findTransaction(ctx, tx, txID)
		if err != nil {
			return err
		}
		if current.Status.IsPending() && current.AmountTotal > 0 {
			return xerrors.Policy(xerrors.ReasonPaymentNotSettled, fmt.Sprintf("upgrade %s has not been paid", current.ID))
		}
		fromPlan := fromPlanOf(current, sub)

		done, err := s.ledger.Exists(ctx, tx, sub.ID, event.TypeUpgraded, event.KeyTxID, current.ID)
		if err != nil {
			return err
		}
		if !done {
			if err := s.applyUpgrade(ctx, tx, sub, current); err != nil {
				return err
			}
		}
		result = upgradeResult(current, fromPlan)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(txn.UserID)
	return result, nil
}

// applyUpgrade moves sub onto the transaction's plan and marks it applied.
func (s *Service) applyUpgrade(ctx context.Context, tx repository.Tx, sub *subscription.Subscription, txn *transaction.Transaction) error {
	if txn.Status == transaction.StatusVoid {
		return xerrors.Policy(xerrors.ReasonTransactionNotPending, fmt.Sprintf("transaction %s was voided", txn.ID))
	}
	target, err := s.targetPlan(ctx, tx, txn)
	if err != nil {
		return err
	}

	now := s.now()
	fromPlan := sub.PlanCode
	openPeriod := !txn.IsProration

	// a renewal still open for the old plan is superseded
	if sub.IsPaidPeriod() {
		renewal, err := tx.Transactions().FindByIdempotencyKey(ctx, sub.ID, RenewalKey(sub))
		if err == nil && renewal.Status.IsPending() && renewal.ID != txn.ID {
			if err := s.advance(ctx, tx, renewal, transaction.StatusVoid); err != nil {
				return err
			}
		} else if err != nil && !xerrors.Is(err, xerrors.ErrNotFound) {
			return fmt.Errorf("failed to load renewal: %w", err)
		}
	}

	sub.ApplyPlan(target)
	switch {
	case !target.BillingPeriod.Recurring():
		sub.CurrentPeriodEnd = time.Time{}
	case openPeriod:
		sub.CurrentPeriodStart = now
		sub.CurrentPeriodEnd = target.BillingPeriod.AddTo(now)
		txn.PeriodStart, txn.PeriodEnd = sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	}

	if sub.Status != subscription.StatusActive {
		if err := setStatus(sub, subscription.StatusActive); err != nil {
			return err
		}
	}
	sub.CancelAtPeriodEnd = false
	sub.AutoRenew = target.BillingPeriod.Recurring()
	sub.RenewalAttemptCount = 0
	sub.NextRenewAttemptAt = sql.NullTime{}
	if txn.AmountTotal > 0 {
		sub.LastPaymentAt = validTime(now)
	}

	if err := s.saveSubscription(ctx, tx, sub); err != nil {
		return err
	}
	if err := s.advance(ctx, tx, txn, transaction.StatusApplied); err != nil {
		return err
	}

	if _, _, err := s.ledger.CreateIfNotExists(ctx, tx, sub.ID, event.TypeUpgraded, event.KeyTxID, txn.ID,
		map[string]interface{}{
			"from_plan":    fromPlan,
			"to_plan":      target.Code,
			"amount_minor": txn.AmountTotal,
			"prorated":     txn.IsProration,
		}); err != nil {
		return err
	}
	return s.recordEntitlements(ctx, tx, sub, txn.ID)
}
