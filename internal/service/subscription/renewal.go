// internal/service/subscription/renewal.go
package subscription

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"billing-service/internal/domain/event"
	"billing-service/internal/domain/subscription"
	"billing-service/internal/domain/transaction"
	"billing-service/internal/pkg/money"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/repository"
	"billing-service/internal/service/catalog"
	"billing-service/internal/service/notification"
	"billing-service/internal/service/payment"

	"go.uber.org/zap"
)

type RenewalOutcome string

const (
	RenewalRenewed RenewalOutcome = "renewed"
	RenewalPending RenewalOutcome = "pending"
	RenewalFailed  RenewalOutcome = "failed"
	RenewalSkipped RenewalOutcome = "skipped"
)

// RenewalKey is the idempotency key of the renewal for the subscription's
// current period.
func RenewalKey(sub *subscription.Subscription) string {
	return fmt.Sprintf("renew:%s:%d", sub.ID, sub.CurrentPeriodEnd.Unix())
}

func (s *Service) renewalDue(sub *subscription.Subscription, now time.Time) bool {
	if !sub.AutoRenew || sub.CancelAtPeriodEnd || !sub.IsPaidPeriod() {
		return false
	}
	if sub.Status != subscription.StatusActive && sub.Status != subscription.StatusPastDue {
		return false
	}
	if sub.RenewalAttemptCount >= s.cfg.MaxAttempts {
		return false
	}
	if sub.NextRenewAttemptAt.Valid {
		return !sub.NextRenewAttemptAt.Time.After(now)
	}
	return sub.CurrentPeriodEnd.Before(now.Add(s.cfg.RenewalLookahead))
}

// chargeAttempt is what the payment collaborator reported for a renewal.
type chargeAttempt struct {
	paymentID  string
	paymentURL string
	settled    bool
	err        error
}

// Renew runs one renewal attempt for a subscription in three steps: create or
// reuse the renewal transaction under the lock, talk to the payment
// collaborator without holding it, then record the outcome under the lock
// after re-checking the transaction.
func (s *Service) Renew(ctx context.Context, subscriptionID string) (RenewalOutcome, error) {
	txn, err := s.PrepareRenewal(ctx, subscriptionID)
	if err != nil {
		return RenewalFailed, err
	}
	if txn == nil {
		return RenewalSkipped, nil
	}
	if txn.Status == transaction.StatusApplied {
		return RenewalRenewed, nil
	}

	attempt := s.collectRenewalPayment(ctx, txn)
	return s.recordRenewalOutcome(ctx, txn.ID, attempt)
}

// PrepareRenewal returns the pending renewal transaction for the current
// period, creating it when needed. It returns nil when the subscription is
// no longer due.
func (s *Service) PrepareRenewal(ctx context.Context, subscriptionID string) (*transaction.Transaction, error) {
	var out *transaction.Transaction

	err := s.withSubscriptionLock(ctx, subscriptionID, func(tx repository.Tx, sub *subscription.Subscription) error {
		now := s.now()
		if !s.renewalDue(sub, now) {
			return nil
		}

		// a scheduled downgrade replaces the renewal of the current plan
		if _, err := tx.Transactions().FindScheduledDowngrade(ctx, sub.ID); err == nil {
			return nil
		} else if !xerrors.Is(err, xerrors.ErrNotFound) {
			return fmt.Errorf("failed to load scheduled downgrade: %w", err)
		}

		key := RenewalKey(sub)
		existing, err := tx.Transactions().FindByIdempotencyKey(ctx, sub.ID, key)
		if err == nil {
			if existing.Status.IsPending() {
				out = existing
			}
			return nil
		}
		if !xerrors.Is(err, xerrors.ErrNotFound) {
			return fmt.Errorf("failed to load renewal: %w", err)
		}

		p, err := tx.Plans().FindByID(ctx, sub.PlanID)
		if err != nil {
			return fmt.Errorf("failed to load plan %d: %w", sub.PlanID, err)
		}
		next, err := catalog.ResolveRenewalPlan(ctx, tx.Plans(), p, s.logger)
		if err != nil {
			return err
		}
		if !next.BillingPeriod.Recurring() {
			// nothing left to bill; expiry takes over once the period ends
			sub.AutoRenew = false
			return s.saveSubscription(ctx, tx, sub)
		}

		oldSnap := sub.PlanSnapshot
		newSnap := next.Snapshot()
		amount := money.ToMinor(next.Price)
		start := sub.CurrentPeriodEnd
		txn := &transaction.Transaction{
			ID:              newID("tx"),
			SubscriptionID:  sub.ID,
			UserID:          sub.UserID,
			PlanCode:        next.Code,
			PlanSnapshotOld: &oldSnap,
			PlanSnapshotNew: &newSnap,
			AmountSubtotal:  amount,
			AmountTotal:     amount,
			Currency:        s.currency(next),
			PeriodStart:     start,
			PeriodEnd:       next.BillingPeriod.AddTo(start),
			EffectiveAction: transaction.ActionRenew,
			Status:          transaction.StatusOpen,
			IdempotencyKey:  validString(key),
			Provider:        s.providerName(),
		}
		if amount == 0 {
			txn.Provider = transaction.ProviderNone
		}
		if err := tx.Transactions().Create(ctx, txn); err != nil {
			return fmt.Errorf("failed to create renewal transaction: %w", err)
		}
		if amount == 0 {
			if err := s.applyRenewalLocked(ctx, tx, sub, txn); err != nil {
				return err
			}
		}
		out = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out != nil && out.Status == transaction.StatusApplied {
		s.invalidate(out.UserID)
	}
	return out, nil
}

// collectRenewalPayment creates the charge on first use, and afterwards
// checks it and refreshes the payment link. No lock is held.
func (s *Service) collectRenewalPayment(ctx context.Context, txn *transaction.Transaction) chargeAttempt {
	if s.gateway == nil {
		return chargeAttempt{err: fmt.Errorf("no payment provider configured")}
	}

	if !txn.ProviderPaymentID.Valid {
		charge, err := s.gateway.CreateCharge(ctx, payment.ChargeRequest{
			TransactionID:  txn.ID,
			SubscriptionID: txn.SubscriptionID,
			UserID:         txn.UserID,
			AmountMinor:    txn.AmountTotal,
			Currency:       txn.Currency,
			Description:    fmt.Sprintf("Renewal of %s", txn.TargetPlanCode()),
		})
		if err != nil {
			s.metrics.PaymentAttemptsTotal.WithLabelValues("error").Inc()
			return chargeAttempt{err: err}
		}
		s.metrics.PaymentAttemptsTotal.WithLabelValues("created").Inc()
		return chargeAttempt{paymentID: charge.PaymentID, paymentURL: charge.PaymentURL, settled: charge.Settled}
	}

	paymentID := txn.ProviderPaymentID.String
	settled, err := s.gateway.IsSettled(ctx, paymentID)
	if err != nil {
		s.metrics.PaymentAttemptsTotal.WithLabelValues("error").Inc()
		return chargeAttempt{paymentID: paymentID, err: err}
	}
	if settled {
		return chargeAttempt{paymentID: paymentID, settled: true}
	}

	charge, err := s.gateway.RegenerateLink(ctx, paymentID, payment.LinkOverrides{AmountMinor: txn.AmountTotal})
	if err != nil {
		s.metrics.PaymentAttemptsTotal.WithLabelValues("error").Inc()
		return chargeAttempt{paymentID: paymentID, err: err}
	}
	return chargeAttempt{paymentID: paymentID, paymentURL: charge.PaymentURL, settled: charge.Settled}
}

// recordRenewalOutcome applies a settled renewal or counts a failed attempt.
// Attempts that leave the payment unsettled count as failures.
func (s *Service) recordRenewalOutcome(ctx context.Context, txID string, attempt chargeAttempt) (RenewalOutcome, error) {
	txn, err := s.findTransaction(ctx, s.store, txID)
	if err != nil {
		return RenewalFailed, err
	}

	outcome := RenewalSkipped
	var userID int64
	var remind *notification.Message
	var voidedPayment string

	err = s.withSubscriptionLock(ctx, txn.SubscriptionID, func(tx repository.Tx, sub *subscription.Subscription) error {
		current, err := s.findTransaction(ctx, tx, txID)
		if err != nil {
			return err
		}
		if !current.Status.IsPending() {
			return nil
		}
		userID = sub.UserID

		if attempt.paymentID != "" && !current.ProviderPaymentID.Valid {
			current.ProviderPaymentID = validString(attempt.paymentID)
		}
		if attempt.paymentURL != "" {
			current.PaymentURL = validString(attempt.paymentURL)
		}

		if attempt.err == nil && attempt.settled {
			if _, err := s.settleLocked(ctx, tx, sub, current, attempt.paymentID); err != nil {
				return err
			}
			outcome = RenewalRenewed
			return nil
		}

		if err := tx.Transactions().Update(ctx, current); err != nil {
			return fmt.Errorf("failed to update renewal transaction: %w", err)
		}

		now := s.now()
		sub.RenewalAttemptCount++
		sub.NextRenewAttemptAt = validTime(now.Add(s.cfg.RetryInterval))
		if sub.Status == subscription.StatusActive && !sub.CurrentPeriodEnd.After(now) {
			if err := setStatus(sub, subscription.StatusPastDue); err != nil {
				return err
			}
		}
		exhausted := sub.RenewalAttemptCount >= s.cfg.MaxAttempts
		if exhausted {
			sub.AutoRenew = false
			sub.NextRenewAttemptAt = sql.NullTime{}
			voidedPayment = current.ProviderPaymentID.String
			current.PaymentURL = sql.NullString{}
			if err := s.advance(ctx, tx, current, transaction.StatusVoid); err != nil {
				return err
			}
		}
		if err := s.saveSubscription(ctx, tx, sub); err != nil {
			return err
		}

		reason := "payment_pending"
		if attempt.err != nil {
			reason = attempt.err.Error()
		}
		if _, _, err := s.ledger.CreateIfNotExists(ctx, tx, sub.ID, event.TypeRenewalFailed, event.KeyIdempotencyKey,
			fmt.Sprintf("%s:attempt:%d", RenewalKey(sub), sub.RenewalAttemptCount),
			map[string]interface{}{
				"tx_id":     current.ID,
				"attempt":   sub.RenewalAttemptCount,
				"reason":    reason,
				"exhausted": exhausted,
			}); err != nil {
			return err
		}

		if current.PaymentURL.Valid && !exhausted {
			msg := notification.PaymentRequired(sub.PlanSnapshot.Name, money.FormatMajor(current.AmountTotal),
				current.Currency, current.PaymentURL.String)
			remind = &msg
		}
		if exhausted {
			outcome = RenewalFailed
		} else {
			outcome = RenewalPending
		}
		return nil
	})
	if err != nil {
		return RenewalFailed, err
	}

	if userID != 0 {
		s.invalidate(userID)
	}
	if voidedPayment != "" && s.cancelVoidedCharge(ctx, txn, voidedPayment) {
		outcome = RenewalRenewed
	}
	if remind != nil {
		s.notify(ctx, userID, *remind)
	}
	if outcome == RenewalPending || outcome == RenewalFailed {
		s.logger.Warn("renewal attempt did not settle",
			zap.String("subscription_id", txn.SubscriptionID),
			zap.String("transaction_id", txID),
			zap.String("outcome", string(outcome)),
			zap.Error(attempt.err),
		)
	}
	return outcome, nil
}

// cancelVoidedCharge closes the payment link of a renewal voided after its
// last attempt. A payment that beat the cancellation is settled as a late
// renewal; it reports whether that happened.
func (s *Service) cancelVoidedCharge(ctx context.Context, txn *transaction.Transaction, paymentID string) bool {
	if s.gateway == nil {
		return false
	}
	err := s.gateway.CancelCharge(ctx, paymentID)
	switch {
	case err == nil:
		s.metrics.PaymentAttemptsTotal.WithLabelValues("canceled").Inc()
		return false
	case xerrors.Is(err, payment.ErrAlreadySettled):
		if _, err := s.settle(ctx, txn.SubscriptionID, txn.ID, paymentID); err != nil {
			s.logger.Error("failed to settle late renewal payment",
				zap.Bool("anomaly", true),
				zap.String("transaction_id", txn.ID),
				zap.String("payment_id", paymentID),
				zap.Error(err),
			)
			return false
		}
		return true
	default:
		s.logger.Warn("failed to cancel voided renewal charge",
			zap.String("transaction_id", txn.ID),
			zap.String("payment_id", paymentID),
			zap.Error(err),
		)
		return false
	}
}

// ApplyRenewal extends the subscription by the paid renewal transaction.
// It returns false when the renewal was already applied.
func (s *Service) ApplyRenewal(ctx context.Context, txID string) (bool, error) {
	txn, err := s.findTransaction(ctx, s.store, txID)
	if err != nil {
		return false, err
	}
	if txn.EffectiveAction != transaction.ActionRenew {
		return false, xerrors.Validation(xerrors.ReasonTransactionNotPending,
			fmt.Sprintf("transaction %s is a %s, not a renewal", txID, txn.EffectiveAction))
	}

	applied := false
	err = s.withSubscriptionLock(ctx, txn.SubscriptionID, func(tx repository.Tx, sub *subscription.Subscription) error {
		current, err := s.findTransaction(ctx, tx, txID)
		if err != nil {
			return err
		}
		done, err := s.ledger.Exists(ctx, tx, sub.ID, event.TypeRenewed, event.KeyTxID, current.ID)
		if err != nil {
			return err
		}
		if done || current.Status == transaction.StatusApplied {
			return nil
		}
		if current.Status.IsPending() && current.AmountTotal > 0 {
			return xerrors.Policy(xerrors.ReasonPaymentNotSettled, fmt.Sprintf("renewal %s has not been paid", current.ID))
		}
		if err := s.applyRenewalLocked(ctx, tx, sub, current); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if applied {
		s.invalidate(txn.UserID)
	}
	return applied, nil
}

// applyRenewalLocked moves the subscription into the period paid for by txn,
// on the plan the renewal was priced with.
func (s *Service) applyRenewalLocked(ctx context.Context, tx repository.Tx, sub *subscription.Subscription, txn *transaction.Transaction) error {
	done, err := s.ledger.Exists(ctx, tx, sub.ID, event.TypeRenewed, event.KeyTxID, txn.ID)
	if err != nil {
		return err
	}
	if done {
		return s.advance(ctx, tx, txn, transaction.StatusApplied)
	}

	p, err := s.targetPlan(ctx, tx, txn)
	if err != nil {
		return err
	}
	fromPlan := sub.PlanCode
	fromVersion := sub.PlanSnapshot.Version

	sub.ApplyPlan(p)
	sub.CurrentPeriodStart = txn.PeriodStart
	sub.CurrentPeriodEnd = txn.PeriodEnd
	sub.RenewalAttemptCount = 0
	sub.NextRenewAttemptAt = sql.NullTime{}
	if txn.AmountTotal > 0 {
		sub.LastPaymentAt = validTime(s.now())
	}
	if sub.Status != subscription.StatusActive {
		if err := setStatus(sub, subscription.StatusActive); err != nil {
			return err
		}
	}
	if err := s.saveSubscription(ctx, tx, sub); err != nil {
		return err
	}
	if err := s.advance(ctx, tx, txn, transaction.StatusApplied); err != nil {
		return err
	}

	if _, _, err := s.ledger.CreateIfNotExists(ctx, tx, sub.ID, event.TypeRenewed, event.KeyTxID, txn.ID,
		map[string]interface{}{
			"plan_code":    p.Code,
			"period_start": sub.CurrentPeriodStart,
			"period_end":   sub.CurrentPeriodEnd,
			"amount_minor": txn.AmountTotal,
		}); err != nil {
		return err
	}
	if fromPlan != p.Code || fromVersion != p.Version {
		return s.recordEntitlements(ctx, tx, sub, txn.ID)
	}
	return nil
}

// RecordReminder writes the reminder_sent marker for kind on day. It returns
// false when that reminder was already sent.
func (s *Service) RecordReminder(ctx context.Context, subscriptionID, kind string, day time.Time) (bool, error) {
	key := fmt.Sprintf("reminder:%s:%s", kind, day.UTC().Format("2006-01-02"))
	created := false

	err := s.withSubscriptionLock(ctx, subscriptionID, func(tx repository.Tx, sub *subscription.Subscription) error {
		_, ok, err := s.ledger.CreateIfNotExists(ctx, tx, sub.ID, event.TypeReminderSent, event.KeyIdempotencyKey, key,
			map[string]interface{}{"kind": kind})
		created = ok
		return err
	})
	if err != nil {
		return false, err
	}
	return created, nil
}
