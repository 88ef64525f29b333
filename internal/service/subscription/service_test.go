package subscription

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"billing-service/internal/domain/event"
	"billing-service/internal/domain/plan"
	"billing-service/internal/domain/subscription"
	"billing-service/internal/domain/transaction"
	"billing-service/internal/metrics"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/repository/memory"
	"billing-service/internal/service/ledger"
	"billing-service/internal/service/payment"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var baseTime = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	store   *memory.Store
	gateway *payment.ManualGateway
	metrics *metrics.Metrics
	now     time.Time
	plans   map[string]plan.Plan
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:   memory.NewStore(),
		gateway: payment.NewManualGateway("https://pay.test/checkout", "", zap.NewNop()),
		metrics: metrics.New(),
		now:     baseTime,
		plans:   map[string]plan.Plan{},
	}
	for _, p := range []plan.Plan{
		{Code: plan.CodeBasic, Name: "Basic", BillingPeriod: plan.PeriodNone, CameraQuota: 1, StorageSize: 5},
		{Code: "promo", Name: "Promo", BillingPeriod: plan.PeriodMonthly, CameraQuota: 2, StorageSize: 10},
		{Code: "standard", Name: "Standard", Price: 100000, BillingPeriod: plan.PeriodMonthly, CameraQuota: 5, StorageSize: 50},
		{Code: "premium", Name: "Premium", Price: 200000, BillingPeriod: plan.PeriodMonthly, CameraQuota: 10, StorageSize: 200},
		{Code: "ultimate", Name: "Ultimate", Price: 300000, BillingPeriod: plan.PeriodMonthly, CameraQuota: 20, StorageSize: 500},
	} {
		p.Version = 1
		p.Currency = "KES"
		p.IsCurrent = true
		f.plans[p.Code] = f.store.SeedPlan(p)
	}

	led := ledger.NewService(f.store.Events(), f.metrics, zap.NewNop())
	f.svc = NewService(f.store, led, f.gateway, nil, nil, f.metrics, Config{}, zap.NewNop())
	f.svc.SetClock(func() time.Time { return f.now })
	return f
}

// paidSub stores an active auto-renewing subscription on code whose current
// period started elapsed ago and ends remaining from now.
func (f *fixture) paidSub(t *testing.T, userID int64, code string, elapsed, remaining time.Duration) *subscription.Subscription {
	t.Helper()
	p := f.plans[code]
	sub := &subscription.Subscription{
		ID:                 newID("sub"),
		UserID:             userID,
		Status:             subscription.StatusActive,
		CurrentPeriodStart: f.now.Add(-elapsed),
		CurrentPeriodEnd:   f.now.Add(remaining),
		AutoRenew:          true,
	}
	sub.ApplyPlan(&p)
	require.NoError(t, f.store.Subscriptions().Create(context.Background(), sub))
	return sub
}

// useGateway rebuilds the service around g with a short lock retry delay.
func (f *fixture) useGateway(g payment.Gateway) {
	led := ledger.NewService(f.store.Events(), f.metrics, zap.NewNop())
	f.svc = NewService(f.store, led, g, nil, nil, f.metrics, Config{LockRetryDelay: 5 * time.Millisecond}, zap.NewNop())
	f.svc.SetClock(func() time.Time { return f.now })
}

// exhaustRenewal runs every renewal attempt of sub without the payment
// settling and returns the voided renewal transaction.
func (f *fixture) exhaustRenewal(t *testing.T, sub *subscription.Subscription) *transaction.Transaction {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < DefaultMaxAttempts; i++ {
		if i > 0 {
			f.now = f.now.Add(DefaultRetryInterval)
		}
		_, err := f.svc.Renew(ctx, sub.ID)
		require.NoError(t, err)
	}
	txn, err := f.store.Transactions().FindByIdempotencyKey(ctx, sub.ID, RenewalKey(sub))
	require.NoError(t, err)
	require.Equal(t, transaction.StatusVoid, txn.Status)
	require.True(t, txn.ProviderPaymentID.Valid)
	return txn
}

// lockingGateway takes the subscription lock while a charge is created, as a
// concurrent worker would. holdFor of zero keeps it until releaseAll.
type lockingGateway struct {
	*payment.ManualGateway
	store   *memory.Store
	holdFor time.Duration

	mu       sync.Mutex
	releases []func()
}

func (g *lockingGateway) CreateCharge(ctx context.Context, req payment.ChargeRequest) (*payment.Charge, error) {
	release := g.store.HoldLock(LockKey(req.SubscriptionID))
	if g.holdFor > 0 {
		time.AfterFunc(g.holdFor, release)
	} else {
		g.mu.Lock()
		g.releases = append(g.releases, release)
		g.mu.Unlock()
	}
	return g.ManualGateway.CreateCharge(ctx, req)
}

func (g *lockingGateway) releaseAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, release := range g.releases {
		release()
	}
	g.releases = nil
}

func (f *fixture) sub(t *testing.T, id string) *subscription.Subscription {
	t.Helper()
	sub, err := f.store.Subscriptions().FindByID(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func (f *fixture) active(t *testing.T, userID int64) *subscription.Subscription {
	t.Helper()
	sub, err := f.store.Subscriptions().FindActiveByUser(context.Background(), userID)
	require.NoError(t, err)
	return sub
}

func (f *fixture) tx(t *testing.T, id string) *transaction.Transaction {
	t.Helper()
	txn, err := f.store.Transactions().FindByID(context.Background(), id)
	require.NoError(t, err)
	return txn
}

func (f *fixture) countEvents(t *testing.T, subID string, typ event.EventType) int {
	t.Helper()
	events, err := f.store.Events().ListBySubscription(context.Background(), subID, 0)
	require.NoError(t, err)
	n := 0
	for _, e := range events {
		if e.EventType == typ {
			n++
		}
	}
	return n
}

func TestCreateFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sub, err := f.svc.CreateFree(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, plan.CodeBasic, sub.PlanCode)
	assert.Equal(t, plan.PeriodNone, sub.BillingPeriod)
	assert.False(t, sub.AutoRenew)
	assert.Equal(t, 1, f.countEvents(t, sub.ID, event.TypeCreated))

	_, err = f.svc.CreateFree(ctx, 1)
	assert.Equal(t, xerrors.ReasonActiveSubscriptionExists, xerrors.ReasonOf(err))
}

func TestPrepareUpgradeProratesAndWaitsForPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.paidSub(t, 1, "standard", 15*24*time.Hour, 15*24*time.Hour)

	res, err := f.svc.PrepareUpgrade(ctx, &subscription.UpgradeRequest{UserID: 1, PlanCode: "premium"})
	require.NoError(t, err)

	assert.Equal(t, int64(5_000_000), res.AmountDue)
	assert.Equal(t, "50000.00", res.AmountMajor)
	assert.Equal(t, string(transaction.StatusOpen), res.Status)
	assert.False(t, res.Applied)
	assert.Equal(t, "standard", res.FromPlan)
	assert.Equal(t, "premium", res.ToPlan)
	assert.Contains(t, res.PaymentURL, "https://pay.test/checkout?payment_id=")

	txn := f.tx(t, res.TransactionID)
	assert.True(t, txn.IsProration)
	assert.Equal(t, transaction.ActionUpgrade, txn.EffectiveAction)
	assert.Equal(t, "man_"+txn.ID, txn.ProviderPaymentID.String)

	// nothing changes until the payment settles
	assert.Equal(t, "standard", f.sub(t, sub.ID).PlanCode)
	assert.Equal(t, 0, f.countEvents(t, sub.ID, event.TypeUpgraded))
}

func TestPrepareUpgradeIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.paidSub(t, 1, "standard", 15*24*time.Hour, 15*24*time.Hour)

	req := &subscription.UpgradeRequest{UserID: 1, PlanCode: "premium", IdempotencyKey: "k-1"}
	first, err := f.svc.PrepareUpgrade(ctx, req)
	require.NoError(t, err)
	second, err := f.svc.PrepareUpgrade(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.TransactionID, second.TransactionID)
}

func TestPrepareUpgradeReplaysAppliedUpgrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateFree(ctx, 1)
	require.NoError(t, err)

	req := &subscription.UpgradeRequest{UserID: 1, PlanCode: "promo", IdempotencyKey: "client-key-1"}
	first, err := f.svc.PrepareUpgrade(ctx, req)
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := f.svc.PrepareUpgrade(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.True(t, second.Applied)
	assert.Equal(t, plan.CodeBasic, second.FromPlan)
	assert.Equal(t, "promo", second.ToPlan)
	assert.Equal(t, 1, f.countEvents(t, f.active(t, 1).ID, event.TypeUpgraded))
}

func TestPrepareUpgradeReplaysConfirmedUpgrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.paidSub(t, 1, "standard", 15*24*time.Hour, 15*24*time.Hour)

	req := &subscription.UpgradeRequest{UserID: 1, PlanCode: "premium", IdempotencyKey: "client-key-2"}
	first, err := f.svc.PrepareUpgrade(ctx, req)
	require.NoError(t, err)
	f.gateway.Settle("man_" + first.TransactionID)
	_, err = f.svc.ConfirmPaid(ctx, &subscription.ConfirmPaidRequest{UserID: 1, PaymentRef: first.TransactionID})
	require.NoError(t, err)

	replay, err := f.svc.PrepareUpgrade(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.TransactionID, replay.TransactionID)
	assert.True(t, replay.Applied)
	assert.Equal(t, "standard", replay.FromPlan)
	assert.Equal(t, 1, f.countEvents(t, sub.ID, event.TypeUpgraded))

	// a fresh key is judged against the current plan
	_, err = f.svc.PrepareUpgrade(ctx, &subscription.UpgradeRequest{UserID: 1, PlanCode: "premium", IdempotencyKey: "client-key-3"})
	assert.Equal(t, xerrors.ReasonAlreadyOnTargetPlan, xerrors.ReasonOf(err))
}

func TestPrepareUpgradeRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.PrepareUpgrade(ctx, &subscription.UpgradeRequest{UserID: 1, PlanCode: "premium"})
	assert.Equal(t, xerrors.ReasonSubscriptionNotFound, xerrors.ReasonOf(err))

	f.paidSub(t, 1, "premium", 10*24*time.Hour, 20*24*time.Hour)

	tests := []struct {
		code   string
		reason string
	}{
		{"", xerrors.ReasonPlanCodeRequired},
		{"enterprise", xerrors.ReasonPlanNotFound},
		{"premium", xerrors.ReasonAlreadyOnTargetPlan},
		{"standard", xerrors.ReasonDowngradeOnlyAtPeriodEnd},
	}
	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			_, err := f.svc.PrepareUpgrade(ctx, &subscription.UpgradeRequest{UserID: 1, PlanCode: tt.code})
			assert.Equal(t, tt.reason, xerrors.ReasonOf(err))
		})
	}
}

func TestPrepareUpgradeRejectsCanceledSubscription(t *testing.T) {
	f := newFixture(t)
	sub := f.paidSub(t, 1, "standard", 10*24*time.Hour, 20*24*time.Hour)
	sub.Status = subscription.StatusExpired
	require.NoError(t, f.store.Subscriptions().Update(context.Background(), sub))

	_, err := f.svc.PrepareUpgrade(context.Background(), &subscription.UpgradeRequest{UserID: 1, PlanCode: "premium"})
	assert.Equal(t, xerrors.ReasonSubscriptionCanceled, xerrors.ReasonOf(err))
}

func TestZeroAmountUpgradeAppliesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	free, err := f.svc.CreateFree(ctx, 1)
	require.NoError(t, err)

	res, err := f.svc.PrepareUpgrade(ctx, &subscription.UpgradeRequest{UserID: 1, PlanCode: "promo"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(0), res.AmountDue)
	assert.Equal(t, transaction.StatusApplied, f.tx(t, res.TransactionID).Status)

	sub := f.sub(t, free.ID)
	assert.Equal(t, "promo", sub.PlanCode)
	assert.Equal(t, plan.PeriodMonthly, sub.BillingPeriod)
	assert.Equal(t, f.now.AddDate(0, 1, 0), sub.CurrentPeriodEnd)
	assert.True(t, sub.AutoRenew)
	assert.False(t, sub.LastPaymentAt.Valid)
	assert.Equal(t, 1, f.countEvents(t, sub.ID, event.TypeUpgraded))
	assert.Equal(t, 1, f.countEvents(t, sub.ID, event.TypeEntitlementsUpdated))
}

func TestUpgradeFromFreeChargesFullPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	free, err := f.svc.CreateFree(ctx, 1)
	require.NoError(t, err)

	res, err := f.svc.PrepareUpgrade(ctx, &subscription.UpgradeRequest{UserID: 1, PlanCode: "premium"})
	require.NoError(t, err)
	assert.Equal(t, int64(20_000_000), res.AmountDue)

	f.gateway.Settle("man_" + res.TransactionID)
	f.now = f.now.Add(time.Hour)
	confirmed, err := f.svc.ConfirmPaid(ctx, &subscription.ConfirmPaidRequest{UserID: 1, PaymentRef: res.TransactionID})
	require.NoError(t, err)
	assert.Equal(t, "premium", confirmed.PlanCode)

	sub := f.sub(t, free.ID)
	assert.Equal(t, f.now, sub.CurrentPeriodStart)
	assert.Equal(t, f.now.AddDate(0, 1, 0), sub.CurrentPeriodEnd)
	assert.True(t, sub.AutoRenew)
	assert.True(t, sub.LastPaymentAt.Valid)
}

func TestConfirmPaidAppliesUpgradeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.paidSub(t, 1, "standard", 15*24*time.Hour, 15*24*time.Hour)

	res, err := f.svc.PrepareUpgrade(ctx, &subscription.UpgradeRequest{UserID: 1, PlanCode: "premium"})
	require.NoError(t, err)

	req := &subscription.ConfirmPaidRequest{UserID: 1, PaymentRef: "tx-" + res.TransactionID + "-2"}
	_, err = f.svc.ConfirmPaid(ctx, req)
	assert.Equal(t, xerrors.ReasonPaymentNotSettled, xerrors.ReasonOf(err))

	f.gateway.Settle("man_" + res.TransactionID)
	first, err := f.svc.ConfirmPaid(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, "premium", first.PlanCode)
	assert.Equal(t, "man_"+res.TransactionID, first.PaymentID)

	second, err := f.svc.ConfirmPaid(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)

	updated := f.sub(t, sub.ID)
	assert.Equal(t, "premium", updated.PlanCode)
	assert.Equal(t, sub.CurrentPeriodEnd, updated.CurrentPeriodEnd)
	assert.Equal(t, transaction.StatusApplied, f.tx(t, res.TransactionID).Status)
	assert.Equal(t, 1, f.countEvents(t, sub.ID, event.TypeActivated))
	assert.Equal(t, 1, f.countEvents(t, sub.ID, event.TypeUpgraded))
}

func TestConcurrentConfirmationsActivateOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.paidSub(t, 1, "standard", 15*24*time.Hour, 15*24*time.Hour)

	res, err := f.svc.PrepareUpgrade(ctx, &subscription.UpgradeRequest{UserID: 1, PlanCode: "premium"})
	require.NoError(t, err)
	paymentID := "man_" + res.TransactionID
	f.gateway.Settle(paymentID)

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	replays := 0
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var r *subscription.ConfirmResult
			var err error
			if i%2 == 0 {
				r, err = f.svc.HandlePaymentSuccess(ctx, paymentID, "")
			} else {
				r, err = f.svc.ConfirmPaid(ctx, &subscription.ConfirmPaidRequest{UserID: 1, PaymentRef: paymentID})
			}
			errs[i] = err
			if err == nil && r.Replayed {
				mu.Lock()
				replays++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, workers-1, replays)
	assert.Equal(t, 1, f.countEvents(t, sub.ID, event.TypeActivated))
	assert.Equal(t, 1, f.countEvents(t, sub.ID, event.TypeUpgraded))
}

func TestApplyUpgradeOnPaymentSuccessIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.paidSub(t, 1, "standard", 15*24*time.Hour, 15*24*time.Hour)

	res, err := f.svc.PrepareUpgrade(ctx, &subscription.UpgradeRequest{UserID: 1, PlanCode: "premium"})
	require.NoError(t, err)
	f.gateway.Settle("man_" + res.TransactionID)

	for i := 0; i < 2; i++ {
		out, err := f.svc.ApplyUpgradeOnPaymentSuccess(ctx, res.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, "premium", out.ToPlan)
		assert.Equal(t, "standard", out.FromPlan)
		assert.True(t, out.Applied)
	}
	assert.Equal(t, "premium", f.sub(t, sub.ID).PlanCode)
	assert.Equal(t, 1, f.countEvents(t, sub.ID, event.TypeUpgraded))
	assert.Equal(t, 1, f.countEvents(t, sub.ID, event.TypeActivated))
}

func TestApplyUpgradeOnPaymentSuccessRequiresSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.paidSub(t, 1, "standard", 15*24*time.Hour, 15*24*time.Hour)

	res, err := f.svc.PrepareUpgrade(ctx, &subscription.UpgradeRequest{UserID: 1, PlanCode: "premium"})
	require.NoError(t, err)

	_, err = f.svc.ApplyUpgradeOnPaymentSuccess(ctx, res.TransactionID)
	assert.Equal(t, xerrors.ReasonPaymentNotSettled, xerrors.ReasonOf(err))
	assert.Equal(t, "standard", f.sub(t, sub.ID).PlanCode)
	assert.Equal(t, transaction.StatusOpen, f.tx(t, res.TransactionID).Status)

	// the link stays payable and confirms as a first payment
	f.gateway.Settle("man_" + res.TransactionID)
	confirmed, err := f.svc.ConfirmPaid(ctx, &subscription.ConfirmPaidRequest{UserID: 1, PaymentRef: res.TransactionID})
	require.NoError(t, err)
	assert.False(t, confirmed.Replayed)
	assert.Equal(t, "premium", confirmed.PlanCode)
}

func TestConfirmPaidRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.paidSub(t, 1, "standard", 15*24*time.Hour, 15*24*time.Hour)

	_, err := f.svc.ConfirmPaid(ctx, &subscription.ConfirmPaidRequest{UserID: 1, PaymentRef: "  "})
	assert.Equal(t, xerrors.ReasonPaymentRefRequired, xerrors.ReasonOf(err))

	_, err = f.svc.ConfirmPaid(ctx, &subscription.ConfirmPaidRequest{UserID: 1, PaymentRef: "pi_missing"})
	assert.Equal(t, xerrors.ReasonTransactionNotFound, xerrors.ReasonOf(err))

	res, err := f.svc.PrepareUpgrade(ctx, &subscription.UpgradeRequest{UserID: 1, PlanCode: "premium"})
	require.NoError(t, err)
	f.gateway.Settle("man_" + res.TransactionID)

	_, err = f.svc.ConfirmPaid(ctx, &subscription.ConfirmPaidRequest{UserID: 2, PaymentRef: res.TransactionID})
	assert.Equal(t, xerrors.ReasonTransactionNotFound, xerrors.ReasonOf(err))
}

func TestConfirmPaidSelfHeals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.Settle("pi_orphan")

	res, err := f.svc.ConfirmPaid(ctx, &subscription.ConfirmPaidRequest{UserID: 42, PaymentRef: "pi_orphan", PlanCode: "premium"})
	require.NoError(t, err)
	assert.True(t, res.SelfHealed)
	assert.Equal(t, "premium", res.PlanCode)
	assert.Equal(t, string(transaction.ActionNew), res.EffectiveAction)

	sub := f.active(t, 42)
	assert.Equal(t, "premium", sub.PlanCode)
	assert.Equal(t, f.now.AddDate(0, 1, 0), sub.CurrentPeriodEnd)
	assert.True(t, sub.AutoRenew)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SelfHealTotal.WithLabelValues("subscription")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SelfHealTotal.WithLabelValues("transaction")))

	again, err := f.svc.ConfirmPaid(ctx, &subscription.ConfirmPaidRequest{UserID: 42, PaymentRef: "pi_orphan", PlanCode: "premium"})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.False(t, again.SelfHealed)
}

func TestConfirmPaidRejectsUnknownAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.paidSub(t, 1, "standard", 15*24*time.Hour, 15*24*time.Hour)

	require.NoError(t, f.store.Transactions().Create(ctx, &transaction.Transaction{
		ID:                "tx_refund",
		SubscriptionID:    sub.ID,
		UserID:            1,
		EffectiveAction:   transaction.EffectiveAction("refund"),
		Status:            transaction.StatusOpen,
		ProviderPaymentID: sql.NullString{String: "pay_refund", Valid: true},
	}))
	f.gateway.Settle("pay_refund")

	_, err := f.svc.HandlePaymentSuccess(ctx, "pay_refund", "tx_refund")
	assert.Equal(t, xerrors.ReasonUnknownEffectiveAction, xerrors.ReasonOf(err))
	assert.Equal(t, transaction.StatusOpen, f.tx(t, "tx_refund").Status)
}

func TestStripReference(t *testing.T) {
	tests := map[string]string{
		"tx_01abc":        "tx_01abc",
		" tx-tx_01abc ":   "tx_01abc",
		"ORDER-tx_01abc":  "tx_01abc",
		"tx_01abc-3":      "tx_01abc",
		"ref-tx_01abc-12": "tx_01abc",
		"pi_3Nabc":        "pi_3Nabc",
		"tx-":             "tx-",
		"abc-def":         "abc-def",
	}
	for in, want := range tests {
		assert.Equal(t, want, StripReference(in), in)
	}
}

func TestBusySubscriptionFailsFast(t *testing.T) {
	f := newFixture(t)
	sub := f.paidSub(t, 1, "standard", 15*24*time.Hour, 15*24*time.Hour)

	release := f.store.HoldLock(LockKey(sub.ID))
	defer release()

	_, err := f.svc.PrepareUpgrade(context.Background(), &subscription.UpgradeRequest{UserID: 1, PlanCode: "premium"})
	require.Error(t, err)
	assert.True(t, IsBusy(err))
	assert.Equal(t, xerrors.ReasonSubscriptionBusy, xerrors.ReasonOf(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LockSkipsTotal.WithLabelValues("subscription")))
}

func TestConfirmPaidOnBusySubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.paidSub(t, 1, "standard", 15*24*time.Hour, 15*24*time.Hour)

	res, err := f.svc.PrepareUpgrade(ctx, &subscription.UpgradeRequest{UserID: 1, PlanCode: "premium"})
	require.NoError(t, err)
	paymentID := "man_" + res.TransactionID
	f.gateway.Settle(paymentID)

	req := &subscription.ConfirmPaidRequest{UserID: 1, PaymentRef: paymentID}
	release := f.store.HoldLock(LockKey(sub.ID))

	_, err = f.svc.ConfirmPaid(ctx, req)
	require.Error(t, err)
	assert.True(t, IsBusy(err))
	assert.Equal(t, xerrors.ReasonSubscriptionBusy, xerrors.ReasonOf(err))
	_, err = f.svc.HandlePaymentSuccess(ctx, paymentID, res.TransactionID)
	assert.True(t, IsBusy(err))

	assert.Equal(t, "standard", f.sub(t, sub.ID).PlanCode)
	assert.Equal(t, transaction.StatusOpen, f.tx(t, res.TransactionID).Status)
	assert.Equal(t, 0, f.countEvents(t, sub.ID, event.TypeActivated))

	release()
	first, err := f.svc.ConfirmPaid(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.Equal(t, "premium", first.PlanCode)

	again, err := f.svc.ConfirmPaid(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, 1, f.countEvents(t, sub.ID, event.TypeActivated))
	assert.Equal(t, 1, f.countEvents(t, sub.ID, event.TypeUpgraded))
}

func TestChargeReferenceWaitsForBusyLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.paidSub(t, 1, "standard", 15*24*time.Hour, 15*24*time.Hour)
	f.useGateway(&lockingGateway{ManualGateway: f.gateway, store: f.store, holdFor: 15 * time.Millisecond})

	res, err := f.svc.PrepareUpgrade(ctx, &subscription.UpgradeRequest{UserID: 1, PlanCode: "premium"})
	require.NoError(t, err)

	txn := f.tx(t, res.TransactionID)
	assert.Equal(t, "man_"+res.TransactionID, txn.ProviderPaymentID.String)
	assert.True(t, txn.PaymentURL.Valid)
	assert.GreaterOrEqual(t, testutil.ToFloat64(f.metrics.LockSkipsTotal.WithLabelValues("subscription")), 1.0)
}

func TestPaymentWithoutStoredReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gw := &lockingGateway{ManualGateway: f.gateway, store: f.store}
	f.useGateway(gw)

	upgrade := func(t *testing.T, userID int64) (*subscription.Subscription, string) {
		sub := f.paidSub(t, userID, "standard", 15*24*time.Hour, 15*24*time.Hour)
		res, err := f.svc.PrepareUpgrade(ctx, &subscription.UpgradeRequest{UserID: userID, PlanCode: "premium"})
		require.NoError(t, err)
		gw.releaseAll()

		txn := f.tx(t, res.TransactionID)
		require.False(t, txn.ProviderPaymentID.Valid, "the lock never freed up")
		f.gateway.Settle("man_" + txn.ID)
		return sub, txn.ID
	}

	t.Run("webhook", func(t *testing.T) {
		sub, txID := upgrade(t, 1)
		paymentID := "man_" + txID

		res, err := f.svc.HandlePaymentSuccess(ctx, paymentID, txID)
		require.NoError(t, err)
		assert.Equal(t, string(transaction.ActionUpgrade), res.EffectiveAction)
		assert.Equal(t, "premium", f.sub(t, sub.ID).PlanCode)
		assert.Equal(t, paymentID, f.tx(t, txID).ProviderPaymentID.String)

		// once stored, another payment cannot claim the transaction
		f.gateway.Settle("pay_elsewhere")
		_, err = f.svc.HandlePaymentSuccess(ctx, "pay_elsewhere", txID)
		assert.Equal(t, xerrors.ReasonTransactionNotFound, xerrors.ReasonOf(err))
	})

	t.Run("webhook resolves through the provider", func(t *testing.T) {
		sub, txID := upgrade(t, 2)

		res, err := f.svc.HandlePaymentSuccess(ctx, "man_"+txID, "")
		require.NoError(t, err)
		assert.False(t, res.Replayed)
		assert.Equal(t, "premium", f.sub(t, sub.ID).PlanCode)
		assert.Equal(t, "man_"+txID, f.tx(t, txID).ProviderPaymentID.String)
		assert.Equal(t, 1, f.countEvents(t, sub.ID, event.TypeActivated))
	})

	t.Run("confirm by payment id", func(t *testing.T) {
		sub, txID := upgrade(t, 3)

		res, err := f.svc.ConfirmPaid(ctx, &subscription.ConfirmPaidRequest{UserID: 3, PaymentRef: "man_" + txID})
		require.NoError(t, err)
		assert.False(t, res.SelfHealed)
		assert.Equal(t, txID, res.TransactionID)
		assert.Equal(t, "premium", f.sub(t, sub.ID).PlanCode)
	})

	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.SelfHealTotal.WithLabelValues("payment_reference")))
}

func TestDowngradeIsAlwaysRejected(t *testing.T) {
	f := newFixture(t)
	f.paidSub(t, 1, "premium", 10*24*time.Hour, 20*24*time.Hour)

	err := f.svc.Downgrade(context.Background(), &subscription.DowngradeRequest{UserID: 1, PlanCode: "standard"})
	assert.Equal(t, xerrors.ReasonDowngradeOnlyAtPeriodEnd, xerrors.ReasonOf(err))
}

func TestScheduleDowngradeAndApply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.paidSub(t, 1, "premium", 10*24*time.Hour, 20*24*time.Hour)
	f.gateway.SetAutoSettle(true)

	early := f.now.Add(24 * time.Hour)
	_, err := f.svc.ScheduleDowngrade(ctx, &subscription.ScheduleDowngradeRequest{UserID: 1, PlanCode: "standard", EffectiveAt: &early})
	assert.Equal(t, xerrors.ReasonDowngradeOnlyAtPeriodEnd, xerrors.ReasonOf(err))

	_, err = f.svc.ScheduleDowngrade(ctx, &subscription.ScheduleDowngradeRequest{UserID: 1, PlanCode: "ultimate"})
	assert.Equal(t, xerrors.ReasonNotADowngrade, xerrors.ReasonOf(err))

	first, err := f.svc.ScheduleDowngrade(ctx, &subscription.ScheduleDowngradeRequest{UserID: 1, PlanCode: "basic"})
	require.NoError(t, err)
	res, err := f.svc.ScheduleDowngrade(ctx, &subscription.ScheduleDowngradeRequest{UserID: 1, PlanCode: "standard"})
	require.NoError(t, err)
	assert.Equal(t, sub.CurrentPeriodEnd, res.EffectiveAt)
	assert.Equal(t, transaction.StatusVoid, f.tx(t, first.TransactionID).Status)

	txn := f.tx(t, res.TransactionID)
	assert.Equal(t, transaction.StatusDraft, txn.Status)
	assert.Equal(t, int64(0), txn.AmountTotal)

	// not due yet
	ok, err := f.svc.ApplyScheduledDowngrade(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.False(t, ok)

	// the renewal of the old plan is replaced by the downgrade
	f.now = sub.CurrentPeriodEnd.Add(-time.Hour)
	outcome, err := f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, RenewalSkipped, outcome)

	f.now = sub.CurrentPeriodEnd.Add(time.Hour)
	ok, err = f.svc.ApplyScheduledDowngrade(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.True(t, ok)

	updated := f.sub(t, sub.ID)
	assert.Equal(t, "standard", updated.PlanCode)
	assert.Equal(t, subscription.StatusActive, updated.Status)
	assert.True(t, updated.AutoRenew)
	assert.Equal(t, sub.CurrentPeriodEnd, updated.CurrentPeriodEnd)
	assert.Equal(t, 1, f.countEvents(t, sub.ID, event.TypeDowngraded))

	ok, err = f.svc.ApplyScheduledDowngrade(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.False(t, ok)

	// the first period on the cheaper plan is billed by the renewal sweep
	outcome, err = f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, RenewalRenewed, outcome)

	renewed := f.sub(t, sub.ID)
	assert.Equal(t, sub.CurrentPeriodEnd, renewed.CurrentPeriodStart)
	assert.Equal(t, sub.CurrentPeriodEnd.AddDate(0, 1, 0), renewed.CurrentPeriodEnd)
}

func TestCancelScheduledDowngrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.paidSub(t, 1, "premium", 10*24*time.Hour, 20*24*time.Hour)

	_, err := f.svc.CancelScheduledDowngrade(ctx, 1)
	assert.Equal(t, xerrors.ReasonNoScheduledDowngrade, xerrors.ReasonOf(err))

	res, err := f.svc.ScheduleDowngrade(ctx, &subscription.ScheduleDowngradeRequest{UserID: 1, PlanCode: "standard"})
	require.NoError(t, err)

	_, err = f.svc.CancelScheduledDowngrade(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusVoid, f.tx(t, res.TransactionID).Status)
	assert.Equal(t, 1, f.countEvents(t, sub.ID, event.TypeDowngradeCanceled))
}

func TestUpgradeVoidsScheduledDowngrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.paidSub(t, 1, "premium", 10*24*time.Hour, 20*24*time.Hour)

	scheduled, err := f.svc.ScheduleDowngrade(ctx, &subscription.ScheduleDowngradeRequest{UserID: 1, PlanCode: "standard"})
	require.NoError(t, err)

	_, err = f.svc.PrepareUpgrade(ctx, &subscription.UpgradeRequest{UserID: 1, PlanCode: "ultimate"})
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusVoid, f.tx(t, scheduled.TransactionID).Status)
	assert.Equal(t, 1, f.countEvents(t, sub.ID, event.TypeDowngradeCanceled))
}

func TestCancelWithPolicy(t *testing.T) {
	day := 24 * time.Hour

	tests := []struct {
		name   string
		setup  func(f *fixture, t *testing.T)
		reason string
	}{
		{"free plan", func(f *fixture, t *testing.T) {
			_, err := f.svc.CreateFree(context.Background(), 1)
			require.NoError(t, err)
		}, xerrors.ReasonFreePlanCannotBeCanceled},
		{"trial", func(f *fixture, t *testing.T) {
			sub := f.paidSub(t, 1, "standard", 2*day, 5*day)
			sub.Status = subscription.StatusTrialing
			require.NoError(t, f.store.Subscriptions().Update(context.Background(), sub))
		}, xerrors.ReasonTrialCannotBeCanceled},
		{"suspended", func(f *fixture, t *testing.T) {
			sub := f.paidSub(t, 1, "standard", 2*day, 5*day)
			sub.Status = subscription.StatusSuspended
			require.NoError(t, f.store.Subscriptions().Update(context.Background(), sub))
		}, xerrors.ReasonSubscriptionSuspended},
		{"too soon", func(f *fixture, t *testing.T) {
			f.paidSub(t, 1, "standard", time.Hour, 30*day)
		}, xerrors.ReasonCancelTooSoon},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f, t)
			_, err := f.svc.CancelWithPolicy(context.Background(), 1, "")
			assert.Equal(t, tt.reason, xerrors.ReasonOf(err))
		})
	}
}

func TestCancelThenFallBackToFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.paidSub(t, 1, "standard", 10*24*time.Hour, 20*24*time.Hour)

	res, err := f.svc.CancelWithPolicy(ctx, 1, "too expensive")
	require.NoError(t, err)
	assert.True(t, res.CancelAtPeriodEnd)
	assert.Equal(t, int64(0), res.RefundMinor)
	assert.Equal(t, plan.CodeBasic, res.Downgrade.TargetPlan)
	assert.Equal(t, sub.CurrentPeriodEnd, res.EffectiveAt)

	canceled := f.sub(t, sub.ID)
	assert.True(t, canceled.CancelAtPeriodEnd)
	assert.False(t, canceled.AutoRenew)
	assert.Equal(t, "too expensive", canceled.CancelReason.String)
	assert.Equal(t, 1, f.countEvents(t, sub.ID, event.TypeCanceled))

	_, err = f.svc.CancelWithPolicy(ctx, 1, "")
	assert.Equal(t, xerrors.ReasonAlreadyCanceled, xerrors.ReasonOf(err))

	f.now = sub.CurrentPeriodEnd.Add(time.Minute)
	ok, err := f.svc.ApplyScheduledDowngrade(ctx, res.Downgrade.TransactionID)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, subscription.StatusCanceled, f.sub(t, sub.ID).Status)
	next := f.active(t, 1)
	assert.NotEqual(t, sub.ID, next.ID)
	assert.Equal(t, plan.CodeBasic, next.PlanCode)
	assert.Equal(t, subscription.StatusActive, next.Status)
}

func TestCancelThenUndo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.paidSub(t, 1, "standard", 10*24*time.Hour, 20*24*time.Hour)

	_, err := f.svc.CancelWithPolicy(ctx, 1, "")
	require.NoError(t, err)

	restored, err := f.svc.CancelScheduledDowngrade(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, restored.ID)
	assert.False(t, restored.CancelAtPeriodEnd)
	assert.True(t, restored.AutoRenew)
	assert.False(t, restored.CanceledAt.Valid)
}

func TestRenewalSettlesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.paidSub(t, 1, "standard", 29*24*time.Hour, time.Hour)
	f.gateway.SetAutoSettle(true)

	outcome, err := f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, RenewalRenewed, outcome)

	renewed := f.sub(t, sub.ID)
	assert.Equal(t, sub.CurrentPeriodEnd, renewed.CurrentPeriodStart)
	assert.Equal(t, sub.CurrentPeriodEnd.AddDate(0, 1, 0), renewed.CurrentPeriodEnd)
	assert.Equal(t, 0, renewed.RenewalAttemptCount)
	assert.True(t, renewed.LastPaymentAt.Valid)
	assert.Equal(t, 1, f.countEvents(t, sub.ID, event.TypeRenewed))
	assert.Equal(t, 1, f.countEvents(t, sub.ID, event.TypeActivated))

	// the new period is not due yet
	outcome, err = f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, RenewalSkipped, outcome)
}

func TestRenewalSettledByWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.paidSub(t, 1, "standard", 29*24*time.Hour, time.Hour)

	outcome, err := f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, RenewalPending, outcome)

	txn, err := f.store.Transactions().FindByIdempotencyKey(ctx, sub.ID, RenewalKey(sub))
	require.NoError(t, err)
	require.True(t, txn.ProviderPaymentID.Valid)
	assert.Equal(t, int64(10_000_000), txn.AmountTotal)

	f.gateway.Settle(txn.ProviderPaymentID.String)
	res, err := f.svc.HandlePaymentSuccess(ctx, txn.ProviderPaymentID.String, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, string(transaction.ActionRenew), res.EffectiveAction)

	renewed := f.sub(t, sub.ID)
	assert.Equal(t, sub.CurrentPeriodEnd.AddDate(0, 1, 0), renewed.CurrentPeriodEnd)
	assert.Equal(t, 0, renewed.RenewalAttemptCount)
	assert.False(t, renewed.NextRenewAttemptAt.Valid)

	applied, err := f.svc.ApplyRenewal(ctx, txn.ID)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestRenewalRetriesThenExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.paidSub(t, 1, "standard", 29*24*time.Hour, time.Hour)

	outcome, err := f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, RenewalPending, outcome)
	first := f.sub(t, sub.ID)
	assert.Equal(t, 1, first.RenewalAttemptCount)
	assert.Equal(t, subscription.StatusActive, first.Status)

	// retry is not due yet
	outcome, err = f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, RenewalSkipped, outcome)

	f.now = f.now.Add(DefaultRetryInterval)
	outcome, err = f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, RenewalPending, outcome)
	second := f.sub(t, sub.ID)
	assert.Equal(t, 2, second.RenewalAttemptCount)
	assert.Equal(t, subscription.StatusPastDue, second.Status)

	ok, err := f.svc.Expire(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, ok, "auto renew still has attempts left")

	f.now = f.now.Add(DefaultRetryInterval)
	outcome, err = f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, RenewalFailed, outcome)

	exhausted := f.sub(t, sub.ID)
	assert.False(t, exhausted.AutoRenew)
	assert.Equal(t, 3, f.countEvents(t, sub.ID, event.TypeRenewalFailed))
	txn, err := f.store.Transactions().FindByIdempotencyKey(ctx, sub.ID, RenewalKey(sub))
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusVoid, txn.Status)

	ok, err = f.svc.Expire(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, subscription.StatusExpired, f.sub(t, sub.ID).Status)
	assert.Equal(t, 1, f.countEvents(t, sub.ID, event.TypeExpired))

	next := f.active(t, 1)
	assert.Equal(t, plan.CodeBasic, next.PlanCode)

	ok, err = f.svc.Expire(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExhaustedRenewalCancelsCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.paidSub(t, 1, "standard", 29*24*time.Hour, time.Hour)

	txn := f.exhaustRenewal(t, sub)
	assert.False(t, txn.PaymentURL.Valid)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PaymentAttemptsTotal.WithLabelValues("canceled")))

	paymentID := txn.ProviderPaymentID.String
	f.gateway.Settle(paymentID)
	_, err := f.svc.ConfirmPaid(ctx, &subscription.ConfirmPaidRequest{UserID: 1, PaymentRef: paymentID})
	assert.Equal(t, xerrors.ReasonPaymentNotSettled, xerrors.ReasonOf(err))
	assert.False(t, f.sub(t, sub.ID).AutoRenew)
}

func TestLateRenewalPaymentRenews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.paidSub(t, 1, "standard", 29*24*time.Hour, time.Hour)
	f.gateway.FailCancels(errors.New("provider unavailable"))

	txn := f.exhaustRenewal(t, sub)
	exhausted := f.sub(t, sub.ID)
	require.Equal(t, subscription.StatusPastDue, exhausted.Status)
	require.False(t, exhausted.AutoRenew)

	paymentID := txn.ProviderPaymentID.String
	f.gateway.Settle(paymentID)
	res, err := f.svc.ConfirmPaid(ctx, &subscription.ConfirmPaidRequest{UserID: 1, PaymentRef: paymentID})
	require.NoError(t, err)
	assert.Equal(t, string(transaction.ActionRenew), res.EffectiveAction)
	assert.Equal(t, subscription.StatusActive, res.Status)

	renewed := f.sub(t, sub.ID)
	assert.Equal(t, subscription.StatusActive, renewed.Status)
	assert.True(t, renewed.AutoRenew)
	assert.Equal(t, 0, renewed.RenewalAttemptCount)
	assert.Equal(t, sub.CurrentPeriodEnd.AddDate(0, 1, 0), renewed.CurrentPeriodEnd)
	assert.Equal(t, transaction.StatusApplied, f.tx(t, txn.ID).Status)
	assert.Equal(t, 1, f.countEvents(t, sub.ID, event.TypeRenewed))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SelfHealTotal.WithLabelValues("late_renewal")))

	again, err := f.svc.HandlePaymentSuccess(ctx, paymentID, txn.ID)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
}

func TestVoidedPaymentAfterExpiryIsRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.paidSub(t, 1, "standard", 29*24*time.Hour, time.Hour)
	f.gateway.FailCancels(errors.New("provider unavailable"))

	txn := f.exhaustRenewal(t, sub)
	ok, err := f.svc.Expire(ctx, sub.ID)
	require.NoError(t, err)
	require.True(t, ok)

	paymentID := txn.ProviderPaymentID.String
	f.gateway.Settle(paymentID)
	_, err = f.svc.HandlePaymentSuccess(ctx, paymentID, txn.ID)
	assert.Equal(t, xerrors.ReasonTransactionNotPending, xerrors.ReasonOf(err))
	assert.Equal(t, subscription.StatusExpired, f.sub(t, sub.ID).Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SelfHealTotal.WithLabelValues("voided_payment")))
}

func TestRenewalMigratesDeprecatedPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v1 := f.plans["standard"]
	v1.IsCurrent = false
	v1.SuccessorPlanCode = sql.NullString{String: "standard", Valid: true}
	v1.SuccessorPlanVersion = sql.NullInt32{Int32: 2, Valid: true}
	f.store.SeedPlan(v1)
	v2 := f.store.SeedPlan(plan.Plan{
		Code: "standard", Version: 2, Name: "Standard", Price: 120000, Currency: "KES",
		BillingPeriod: plan.PeriodMonthly, CameraQuota: 6, StorageSize: 60, IsCurrent: true,
	})

	sub := f.paidSub(t, 1, "standard", 29*24*time.Hour, time.Hour)
	f.gateway.SetAutoSettle(true)

	outcome, err := f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, RenewalRenewed, outcome)

	renewed := f.sub(t, sub.ID)
	assert.Equal(t, v2.ID, renewed.PlanID)
	assert.Equal(t, 2, renewed.PlanSnapshot.Version)
	assert.Equal(t, 6, renewed.PlanSnapshot.CameraQuota)
	assert.Equal(t, 1, f.countEvents(t, sub.ID, event.TypeEntitlementsUpdated))
}

func TestStatusChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.paidSub(t, 1, "standard", 10*24*time.Hour, 20*24*time.Hour)

	_, err := f.svc.Unsuspend(ctx, sub.ID, "")
	assert.Equal(t, xerrors.ReasonInvalidTransition, xerrors.ReasonOf(err))

	paused, err := f.svc.Pause(ctx, sub.ID, "travel")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPaused, paused.Status)

	resumed, err := f.svc.Resume(ctx, sub.ID, "")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, resumed.Status)

	suspended, err := f.svc.Suspend(ctx, sub.ID, "fraud review")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusSuspended, suspended.Status)

	_, err = f.svc.Pause(ctx, sub.ID, "")
	assert.Equal(t, xerrors.ReasonInvalidTransition, xerrors.ReasonOf(err))

	unsuspended, err := f.svc.Unsuspend(ctx, sub.ID, "cleared")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, unsuspended.Status)

	assert.Equal(t, 1, f.countEvents(t, sub.ID, event.TypePaused))
	assert.Equal(t, 2, f.countEvents(t, sub.ID, event.TypeResumed))
	assert.Equal(t, 1, f.countEvents(t, sub.ID, event.TypeSuspended))
}

func TestResumeAfterPeriodEndedIsPastDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.paidSub(t, 1, "standard", 10*24*time.Hour, 20*24*time.Hour)

	_, err := f.svc.Pause(ctx, sub.ID, "")
	require.NoError(t, err)

	f.now = sub.CurrentPeriodEnd.Add(time.Hour)
	resumed, err := f.svc.Resume(ctx, sub.ID, "")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusPastDue, resumed.Status)
}

func TestRecordReminderOncePerDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.paidSub(t, 1, "standard", 10*24*time.Hour, 2*24*time.Hour)

	created, err := f.svc.RecordReminder(ctx, sub.ID, "expiring", f.now)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = f.svc.RecordReminder(ctx, sub.ID, "expiring", f.now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)

	created, err = f.svc.RecordReminder(ctx, sub.ID, "expiring", f.now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestReadAPIs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.paidSub(t, 1, "standard", 15*24*time.Hour, 15*24*time.Hour)

	_, err := f.svc.PrepareUpgrade(ctx, &subscription.UpgradeRequest{UserID: 1, PlanCode: "premium"})
	require.NoError(t, err)

	resp, err := f.svc.GetSubscription(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "standard", resp.Subscription.PlanCode)
	require.NotNil(t, resp.Plan)
	assert.Equal(t, "standard", resp.Plan.Code)

	list, err := f.svc.ListTransactions(ctx, 1, &transaction.TransactionListFilters{PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), list.Total)
	assert.Equal(t, 1, list.TotalPages)

	_, err = f.svc.GetSubscription(ctx, 99)
	assert.Equal(t, xerrors.ReasonSubscriptionNotFound, xerrors.ReasonOf(err))
}
