// internal/service/subscription/confirm.go
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

var referencePrefixes = []string{"tx-", "txn-", "order-", "ref-"}

// StripReference normalizes a payment reference typed or echoed back by a
// payment page: surrounding space, a "tx-"/"order-" style prefix and a
// trailing "-<attempt>" counter are removed.
func StripReference(ref string) string {
	ref = strings.TrimSpace(ref)
	lower := strings.ToLower(ref)
	for _, p := range referencePrefixes {
		if strings.HasPrefix(lower, p) && len(ref) > len(p) {
			ref = ref[len(p):]
			break
		}
	}

	if i := strings.LastIndexByte(ref, '-'); i > 0 && i < len(ref)-1 {
		digits := true
		for _, r := range ref[i+1:] {
			if r < '0' || r > '9' {
				digits = false
				break
			}
		}
		if digits {
			ref = ref[:i]
		}
	}
	return ref
}

// locateTransaction finds a transaction by provider payment id, then by the
// raw and stripped transaction reference.
func (s *Service) locateTransaction(ctx context.Context, repos repository.Repos, ref string) (*transaction.Transaction, error) {
	ref = strings.TrimSpace(ref)

	txn, err := repos.Transactions().FindByProviderPaymentID(ctx, ref)
	if err == nil {
		return txn, nil
	}
	if !xerrors.Is(err, xerrors.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up payment %s: %w", ref, err)
	}

	candidates := []string{ref}
	if stripped := StripReference(ref); stripped != ref {
		candidates = append(candidates, stripped)
	}
	for _, id := range candidates {
		txn, err := repos.Transactions().FindByID(ctx, id)
		if err == nil {
			return txn, nil
		}
		if !xerrors.Is(err, xerrors.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up transaction %s: %w", id, err)
		}
	}
	return nil, transactionNotFound()
}

// findByPayment returns the transaction carrying paymentID. A charge whose
// reference never made it onto the row is matched through the transaction id
// the provider echoed back, or asked the provider for when txID is empty.
func (s *Service) findByPayment(ctx context.Context, paymentID, txID string) (*transaction.Transaction, error) {
	txn, err := s.store.Transactions().FindByProviderPaymentID(ctx, paymentID)
	if err == nil {
		return txn, nil
	}
	if !xerrors.Is(err, xerrors.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up payment %s: %w", paymentID, err)
	}

	if txID == "" && s.gateway != nil {
		resolved, err := s.gateway.TransactionOf(ctx, paymentID)
		switch {
		case err == nil:
			txID = resolved
		case xerrors.Is(err, payment.ErrUnknownPayment):
		default:
			return nil, xerrors.External(xerrors.ReasonPaymentProvider, "failed to resolve payment", err)
		}
	}
	if txID == "" {
		return nil, transactionNotFound()
	}

	txn, err = s.store.Transactions().FindByID(ctx, txID)
	if err != nil {
		if xerrors.Is(err, xerrors.ErrNotFound) {
			return nil, transactionNotFound()
		}
		return nil, fmt.Errorf("failed to look up transaction %s: %w", txID, err)
	}
	if txn.ProviderPaymentID.Valid && txn.ProviderPaymentID.String != paymentID {
		s.logger.Warn("payment names a transaction charged under another payment",
			zap.Bool("anomaly", true),
			zap.String("payment_id", paymentID),
			zap.String("transaction_id", txn.ID),
			zap.String("recorded_payment_id", txn.ProviderPaymentID.String),
		)
		return nil, transactionNotFound()
	}

	s.metrics.SelfHealTotal.WithLabelValues("payment_reference").Inc()
	s.logger.Warn("payment matched by transaction id",
		zap.Bool("anomaly", true),
		zap.String("payment_id", paymentID),
		zap.String("transaction_id", txn.ID),
	)
	return txn, nil
}

// requireSettled asks the payment collaborator whether paymentID settled.
func (s *Service) requireSettled(ctx context.Context, paymentID string) error {
	if s.gateway == nil {
		return xerrors.External(xerrors.ReasonPaymentProvider, "no payment provider is configured", nil)
	}
	settled, err := s.gateway.IsSettled(ctx, paymentID)
	if err != nil {
		s.metrics.PaymentAttemptsTotal.WithLabelValues("error").Inc()
		return xerrors.External(xerrors.ReasonPaymentProvider, "failed to verify payment", err)
	}
	if !settled {
		return xerrors.Policy(xerrors.ReasonPaymentNotSettled, fmt.Sprintf("payment %s has not settled", paymentID))
	}
	return nil
}

func paymentIDOf(txn *transaction.Transaction, ref string) string {
	if txn.ProviderPaymentID.Valid && txn.ProviderPaymentID.String != "" {
		return txn.ProviderPaymentID.String
	}
	return strings.TrimSpace(ref)
}

// ConfirmPaid settles the transaction behind a payment reference and applies
// its effect. Confirming the same payment twice returns the first result.
func (s *Service) ConfirmPaid(ctx context.Context, req *subscription.ConfirmPaidRequest) (*subscription.ConfirmResult, error) {
	ref := strings.TrimSpace(req.PaymentRef)
	if ref == "" {
		return nil, xerrors.Validation(xerrors.ReasonPaymentRefRequired, "payment reference is required")
	}

	selfHealed := false
	txn, err := s.locateTransaction(ctx, s.store, ref)
	if xerrors.IsReason(err, xerrors.ReasonTransactionNotFound) {
		txn, err = s.findByPayment(ctx, ref, "")
	}
	switch {
	case err == nil:
		if req.UserID != 0 && txn.UserID != req.UserID {
			return nil, transactionNotFound()
		}
	case xerrors.IsReason(err, xerrors.ReasonTransactionNotFound) && req.PlanCode != "" && req.UserID != 0:
		if err := s.requireSettled(ctx, ref); err != nil {
			return nil, err
		}
		txn, err = s.selfHeal(ctx, req.UserID, req.PlanCode, ref)
		if err != nil {
			return nil, err
		}
		selfHealed = true
	default:
		return nil, err
	}

	paymentID := paymentIDOf(txn, ref)
	if !selfHealed {
		if err := s.requireSettled(ctx, paymentID); err != nil {
			return nil, err
		}
	}

	result, err := s.settle(ctx, txn.SubscriptionID, txn.ID, paymentID)
	if err != nil {
		return nil, err
	}
	result.SelfHealed = selfHealed
	return result, nil
}

// HandlePaymentSuccess is the webhook entry: it settles the transaction that
// carries paymentID, or the one txID names when the payment id was never
// stored on it.
func (s *Service) HandlePaymentSuccess(ctx context.Context, paymentID, txID string) (*subscription.ConfirmResult, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, xerrors.Validation(xerrors.ReasonPaymentRefRequired, "payment id is required")
	}

	txn, err := s.findByPayment(ctx, paymentID, strings.TrimSpace(txID))
	if err != nil {
		return nil, err
	}
	if err := s.requireSettled(ctx, paymentID); err != nil {
		return nil, err
	}
	return s.settle(ctx, txn.SubscriptionID, txn.ID, paymentID)
}

// selfHeal fabricates the records a settled payment should have had: the
// user's subscription when missing and a "new" transaction for planCode.
func (s *Service) selfHeal(ctx context.Context, userID int64, planCode, ref string) (*transaction.Transaction, error) {
	target, err := catalog.GetCurrent(ctx, s.store.Plans(), planCode)
	if err != nil {
		return nil, err
	}

	var txn *transaction.Transaction
	createdSub := false

	err = s.store.WithTx(ctx, func(tx repository.Tx) error {
		existing, err := s.locateTransaction(ctx, tx, ref)
		if err == nil {
			txn = existing
			return nil
		}
		if !xerrors.IsReason(err, xerrors.ReasonTransactionNotFound) {
			return err
		}

		now := s.now()
		sub, err := tx.Subscriptions().FindActiveByUser(ctx, userID)
		switch {
		case err == nil:
		case xerrors.Is(err, xerrors.ErrNotFound):
			basic, err := catalog.GetCurrent(ctx, tx.Plans(), plan.CodeBasic)
			if err != nil {
				return err
			}
			sub = s.newFreeSubscription(userID, basic, now)
			if err := s.createSubscription(ctx, tx, sub, map[string]interface{}{"source": "self_heal"}); err != nil {
				return err
			}
			createdSub = true
		default:
			return fmt.Errorf("failed to load subscription: %w", err)
		}

		ok, err := tx.TryAdvisoryLock(ctx, LockKey(sub.ID))
		if err != nil {
			return fmt.Errorf("failed to lock subscription %s: %w", sub.ID, err)
		}
		if !ok {
			s.metrics.LockSkipsTotal.WithLabelValues("subscription").Inc()
			return &xerrors.BillingError{
				Kind:    xerrors.KindConflict,
				Reason:  xerrors.ReasonSubscriptionBusy,
				Message: "subscription is being updated, retry shortly",
				Err:     xerrors.ErrLockBusy,
			}
		}

		key := "selfheal:" + ref
		found, err := tx.Transactions().FindByIdempotencyKey(ctx, sub.ID, key)
		if err == nil {
			txn = found
			return nil
		}
		if !xerrors.Is(err, xerrors.ErrNotFound) {
			return fmt.Errorf("failed to check idempotency key: %w", err)
		}

		oldSnap := sub.PlanSnapshot
		newSnap := target.Snapshot()
		amount := money.ToMinor(target.Price)
		txn = &transaction.Transaction{
			ID:                newID("tx"),
			SubscriptionID:    sub.ID,
			UserID:            userID,
			PlanCode:          target.Code,
			PlanSnapshotOld:   &oldSnap,
			PlanSnapshotNew:   &newSnap,
			AmountSubtotal:    amount,
			AmountTotal:       amount,
			Currency:          s.currency(target),
			PeriodStart:       now,
			PeriodEnd:         target.BillingPeriod.AddTo(now),
			EffectiveAction:   transaction.ActionNew,
			Status:            transaction.StatusOpen,
			IdempotencyKey:    validString(key),
			Provider:          s.providerName(),
			ProviderPaymentID: validString(ref),
		}
		if err := tx.Transactions().Create(ctx, txn); err != nil {
			return fmt.Errorf("failed to create self-heal transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if createdSub {
		s.metrics.SelfHealTotal.WithLabelValues("subscription").Inc()
	}
	s.metrics.SelfHealTotal.WithLabelValues("transaction").Inc()
	s.logger.Warn("confirmed payment had no transaction, records fabricated",
		zap.Bool("anomaly", true),
		zap.Int64("user_id", userID),
		zap.String("payment_ref", ref),
		zap.String("plan_code", planCode),
		zap.String("transaction_id", txn.ID),
		zap.Bool("subscription_created", createdSub),
	)
	return txn, nil
}

// settle marks the transaction paid, dispatches its effective action and
// records the activation under the payment id.
func (s *Service) settle(ctx context.Context, subscriptionID, txID, paymentID string) (*subscription.ConfirmResult, error) {
	var result *subscription.ConfirmResult
	var userID int64

	err := s.withSubscriptionLock(ctx, subscriptionID, func(tx repository.Tx, sub *subscription.Subscription) error {
		txn, err := s.findTransaction(ctx, tx, txID)
		if err != nil {
			return err
		}
		userID = sub.UserID
		result, err = s.settleLocked(ctx, tx, sub, txn, paymentID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.invalidate(userID)
	if result.Replayed {
		s.logger.Info("payment already confirmed",
			zap.String("transaction_id", txID),
			zap.String("payment_id", paymentID),
		)
	} else {
		s.logger.Info("payment confirmed",
			zap.String("subscription_id", result.SubscriptionID),
			zap.String("transaction_id", txID),
			zap.String("payment_id", paymentID),
			zap.String("effective_action", result.EffectiveAction),
		)
	}
	return result, nil
}

func (s *Service) settleLocked(
	ctx context.Context,
	tx repository.Tx,
	sub *subscription.Subscription,
	txn *transaction.Transaction,
	paymentID string,
) (*subscription.ConfirmResult, error) {
	result := &subscription.ConfirmResult{
		SubscriptionID:  sub.ID,
		TransactionID:   txn.ID,
		PaymentID:       paymentID,
		EffectiveAction: string(txn.EffectiveAction),
	}

	done, err := s.ledger.Exists(ctx, tx, sub.ID, event.TypeActivated, event.KeyPaymentID, paymentID)
	if err != nil {
		return nil, err
	}
	if done || txn.Status == transaction.StatusApplied {
		current, err := s.activeOrLatest(ctx, tx, sub.UserID)
		if err != nil {
			return nil, err
		}
		result.Status = current.Status
		result.PlanCode = current.PlanCode
		result.Replayed = true
		return result, nil
	}
	if txn.Status == transaction.StatusVoid && !s.reopenLateRenewal(sub, txn, paymentID) {
		return nil, xerrors.Policy(xerrors.ReasonTransactionNotPending, fmt.Sprintf("transaction %s was voided", txn.ID))
	}

	action, err := transaction.ParseEffectiveAction(string(txn.EffectiveAction))
	if err != nil {
		s.logger.Error("transaction carries an unknown effective action",
			zap.String("transaction_id", txn.ID),
			zap.String("effective_action", string(txn.EffectiveAction)),
			zap.Error(err),
		)
		return nil, &xerrors.BillingError{
			Kind:    xerrors.KindInternal,
			Reason:  xerrors.ReasonUnknownEffectiveAction,
			Message: "transaction cannot be applied",
			Err:     err,
		}
	}
	handler := s.handlers[action]

	if !txn.ProviderPaymentID.Valid {
		txn.ProviderPaymentID = validString(paymentID)
	}
	if err := s.advance(ctx, tx, txn, transaction.StatusPaid); err != nil {
		return nil, err
	}
	if err := handler(ctx, tx, sub, txn); err != nil {
		return nil, err
	}

	if _, _, err := s.ledger.CreateIfNotExists(ctx, tx, sub.ID, event.TypeActivated, event.KeyPaymentID, paymentID,
		map[string]interface{}{
			"tx_id":            txn.ID,
			"effective_action": string(action),
			"amount_minor":     txn.AmountTotal,
			"currency":         txn.Currency,
		}); err != nil {
		return nil, err
	}
	s.metrics.PaymentAttemptsTotal.WithLabelValues("settled").Inc()

	current, err := s.activeOrLatest(ctx, tx, sub.UserID)
	if err != nil {
		return nil, err
	}
	result.Status = current.Status
	result.PlanCode = current.PlanCode
	return result, nil
}

// reopenLateRenewal is called for a settled payment on a voided transaction.
// A renewal voided because its attempts ran out is reopened, with auto renew
// restored, while the subscription is still in that period and not expired.
// Anything else is only recorded.
func (s *Service) reopenLateRenewal(sub *subscription.Subscription, txn *transaction.Transaction, paymentID string) bool {
	reopen := txn.EffectiveAction == transaction.ActionRenew &&
		(sub.Status == subscription.StatusActive || sub.Status == subscription.StatusPastDue) &&
		txn.IdempotencyKey.String == RenewalKey(sub) &&
		sub.RenewalAttemptCount >= s.cfg.MaxAttempts

	kind := "voided_payment"
	if reopen {
		kind = "late_renewal"
	}
	s.metrics.SelfHealTotal.WithLabelValues(kind).Inc()
	s.logger.Warn("payment settled on a voided transaction",
		zap.Bool("anomaly", true),
		zap.String("subscription_id", sub.ID),
		zap.String("subscription_status", string(sub.Status)),
		zap.String("transaction_id", txn.ID),
		zap.String("payment_id", paymentID),
		zap.String("effective_action", string(txn.EffectiveAction)),
		zap.Bool("reopened", reopen),
	)
	if !reopen {
		return false
	}

	txn.Status = transaction.StatusOpen
	sub.AutoRenew = true
	return true
}

// handleNew starts the paid plan bought by a "new" transaction.
func (s *Service) handleNew(ctx context.Context, tx repository.Tx, sub *subscription.Subscription, txn *transaction.Transaction) error {
	target, err := s.targetPlan(ctx, tx, txn)
	if err != nil {
		return err
	}
	now := s.now()

	sub.ApplyPlan(target)
	sub.CurrentPeriodStart = now
	if target.BillingPeriod.Recurring() {
		sub.CurrentPeriodEnd = target.BillingPeriod.AddTo(now)
		sub.AutoRenew = true
	} else {
		sub.BillingPeriod = plan.PeriodNone
		sub.CurrentPeriodEnd = time.Time{}
		sub.AutoRenew = false
	}
	if sub.Status != subscription.StatusActive {
		if err := setStatus(sub, subscription.StatusActive); err != nil {
			return err
		}
	}
	sub.CancelAtPeriodEnd = false
	sub.RenewalAttemptCount = 0
	sub.NextRenewAttemptAt = sql.NullTime{}
	sub.LastPaymentAt = validTime(now)
	if err := s.saveSubscription(ctx, tx, sub); err != nil {
		return err
	}

	txn.PeriodStart, txn.PeriodEnd = sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	if err := s.advance(ctx, tx, txn, transaction.StatusApplied); err != nil {
		return err
	}
	return s.recordEntitlements(ctx, tx, sub, txn.ID)
}

func (s *Service) handleUpgrade(ctx context.Context, tx repository.Tx, sub *subscription.Subscription, txn *transaction.Transaction) error {
	done, err := s.ledger.Exists(ctx, tx, sub.ID, event.TypeUpgraded, event.KeyTxID, txn.ID)
	if err != nil {
		return err
	}
	if done {
		return s.advance(ctx, tx, txn, transaction.StatusApplied)
	}
	return s.applyUpgrade(ctx, tx, sub, txn)
}

// handleDowngrade leaves a paid downgrade for the downgrade sweep, which
// applies it once its effective time passes.
func (s *Service) handleDowngrade(_ context.Context, _ repository.Tx, sub *subscription.Subscription, txn *transaction.Transaction) error {
	s.logger.Info("paid downgrade waits for its effective time",
		zap.String("subscription_id", sub.ID),
		zap.String("transaction_id", txn.ID),
		zap.Time("effective_at", txn.PeriodStart),
	)
	return nil
}

func (s *Service) handleRenew(ctx context.Context, tx repository.Tx, sub *subscription.Subscription, txn *transaction.Transaction) error {
	return s.applyRenewalLocked(ctx, tx, sub, txn)
}

// handleAdjustment settles a one-off charge with no plan effect.
func (s *Service) handleAdjustment(ctx context.Context, tx repository.Tx, sub *subscription.Subscription, txn *transaction.Transaction) error {
	sub.LastPaymentAt = validTime(s.now())
	if err := s.saveSubscription(ctx, tx, sub); err != nil {
		return err
	}
	return s.advance(ctx, tx, txn, transaction.StatusApplied)
}
