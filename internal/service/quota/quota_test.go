package quota

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"billing-service/internal/domain/plan"
	"billing-service/internal/domain/quota"
	"billing-service/internal/domain/subscription"
	"billing-service/internal/pkg/cache"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/repository/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func newQuota(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	svc := NewService(store, cache.NewSummaryCache[*Summary](100, time.Minute), Config{}, zap.NewNop())
	svc.SetClock(func() time.Time { return now })
	return svc, store
}

func seedSubscription(t *testing.T, store *memory.Store, userID int64, lastPayment time.Time) *subscription.Subscription {
	t.Helper()
	p := store.SeedPlan(plan.Plan{
		Code: "standard", Version: 1, Price: 100000, BillingPeriod: plan.PeriodMonthly,
		CameraQuota: 5, CaregiverSeats: 2, Sites: 1, RetentionDays: 14, StorageSize: 50, IsCurrent: true,
	})
	sub := &subscription.Subscription{
		ID:                 "sub_q",
		UserID:             userID,
		Status:             subscription.StatusActive,
		CurrentPeriodStart: now.AddDate(0, 0, -10),
		CurrentPeriodEnd:   now.AddDate(0, 0, 20),
		ExtraCameraQuota:   2,
		ExtraStorageGB:     10,
	}
	sub.ApplyPlan(&p)
	if !lastPayment.IsZero() {
		sub.LastPaymentAt = sql.NullTime{Time: lastPayment, Valid: true}
	}
	require.NoError(t, store.Subscriptions().Create(context.Background(), sub))
	return sub
}

func TestEffectiveQuotaAddsAddOns(t *testing.T) {
	svc, store := newQuota(t)
	seedSubscription(t, store, 1, time.Time{})

	q, err := svc.GetEffectiveQuota(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 7, q.CameraQuota)
	assert.Equal(t, 60, q.StorageGB)
	assert.Equal(t, 2, q.CaregiverSeats)
	assert.Equal(t, "subscription", q.Source)

	// never below the plan's base quota
	assert.GreaterOrEqual(t, q.CameraQuota, 5)
}

func TestEffectiveQuotaFallsBackToFreeTier(t *testing.T) {
	svc, _ := newQuota(t)

	q, err := svc.GetEffectiveQuota(context.Background(), 99)
	require.NoError(t, err)
	assert.Equal(t, quota.FreeTier, *q)
	assert.Equal(t, 1, q.CameraQuota)
	assert.Equal(t, 3, q.RetentionDays)
}

func TestEnforceHardCap(t *testing.T) {
	svc, store := newQuota(t)
	ctx := context.Background()
	seedSubscription(t, store, 1, time.Time{})

	store.SetUsage(1, quota.Usage{Cameras: 6})
	assert.NoError(t, svc.EnforceHardCap(ctx, 1, quota.ResourceCamera, quota.ActionAdd))

	store.SetUsage(1, quota.Usage{Cameras: 7})
	err := svc.EnforceHardCap(ctx, 1, quota.ResourceCamera, quota.ActionAdd)
	require.Error(t, err)
	assert.Equal(t, xerrors.ReasonQuotaExceeded, xerrors.ReasonOf(err))

	var qe *quota.QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, 7, qe.Limit)
}

func TestStorageOnlyCheckedOnUse(t *testing.T) {
	svc, store := newQuota(t)
	ctx := context.Background()
	seedSubscription(t, store, 1, time.Time{})
	store.SetUsage(1, quota.Usage{StorageGB: 75})

	assert.NoError(t, svc.EnforceHardCap(ctx, 1, quota.ResourceStorage, quota.ActionAdd))
	assert.Error(t, svc.EnforceHardCap(ctx, 1, quota.ResourceStorage, quota.ActionUse))
}

func TestCheckSoftCap(t *testing.T) {
	svc, store := newQuota(t)
	ctx := context.Background()
	seedSubscription(t, store, 1, time.Time{})

	store.SetUsage(1, quota.Usage{StorageGB: 47})
	w, err := svc.CheckSoftCap(ctx, 1, quota.ResourceStorage)
	require.NoError(t, err)
	assert.Nil(t, w)

	store.SetUsage(1, quota.Usage{StorageGB: 48})
	w, err = svc.CheckSoftCap(ctx, 1, quota.ResourceStorage)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.InDelta(t, 80.0, w.Percentage, 0.0001)
	assert.Equal(t, 60, w.Limit)
}

func TestCheckGracePeriod(t *testing.T) {
	svc, store := newQuota(t)
	ctx := context.Background()
	seedSubscription(t, store, 1, now.AddDate(0, 0, -20))

	g, err := svc.CheckGracePeriod(ctx, 1, quota.ResourceCamera)
	require.NoError(t, err)
	assert.True(t, g.Allowed)
	assert.Equal(t, 10, g.DaysRemaining)

	svc.SetClock(func() time.Time { return now.AddDate(0, 0, 11) })
	g, err = svc.CheckGracePeriod(ctx, 1, quota.ResourceCamera)
	require.NoError(t, err)
	assert.False(t, g.Allowed)
	assert.Equal(t, xerrors.ReasonGracePeriodExpired, g.Reason)
	assert.Contains(t, g.Message, "service may be suspended")
}

func TestGraceAnchorsOnPeriodStartWithoutPayment(t *testing.T) {
	svc, store := newQuota(t)
	seedSubscription(t, store, 1, time.Time{})

	g, err := svc.CheckGracePeriod(context.Background(), 1, quota.ResourceSite)
	require.NoError(t, err)
	assert.Equal(t, 20, g.DaysRemaining)
}

func TestCheckEntitlementComposition(t *testing.T) {
	ctx := context.Background()

	t.Run("under soft cap", func(t *testing.T) {
		svc, store := newQuota(t)
		seedSubscription(t, store, 1, time.Time{})
		store.SetUsage(1, quota.Usage{Cameras: 1})

		res, err := svc.CheckEntitlement(ctx, 1, quota.ResourceCamera, quota.ActionAdd)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Nil(t, res.Warning)
		assert.Nil(t, res.GracePeriod)
	})

	t.Run("soft cap warning", func(t *testing.T) {
		svc, store := newQuota(t)
		seedSubscription(t, store, 1, time.Time{})
		store.SetUsage(1, quota.Usage{Cameras: 6})

		res, err := svc.CheckEntitlement(ctx, 1, quota.ResourceCamera, quota.ActionAdd)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		require.NotNil(t, res.Warning)
		assert.InDelta(t, 600.0/7.0, res.Warning.Percentage, 0.0001)
	})

	t.Run("hard cap with grace remaining", func(t *testing.T) {
		svc, store := newQuota(t)
		seedSubscription(t, store, 1, now.AddDate(0, 0, -5))
		store.SetUsage(1, quota.Usage{Cameras: 9})

		res, err := svc.CheckEntitlement(ctx, 1, quota.ResourceCamera, quota.ActionAdd)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		require.NotNil(t, res.GracePeriod)
		assert.Greater(t, res.GracePeriod.DaysRemaining, 0)
	})

	t.Run("hard cap with grace exhausted", func(t *testing.T) {
		svc, store := newQuota(t)
		seedSubscription(t, store, 1, now.AddDate(0, 0, -45))
		store.SetUsage(1, quota.Usage{Cameras: 9})

		res, err := svc.CheckEntitlement(ctx, 1, quota.ResourceCamera, quota.ActionAdd)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, xerrors.ReasonGracePeriodExpired, res.Reason)
	})

	t.Run("free tier without subscription has no grace", func(t *testing.T) {
		svc, store := newQuota(t)
		store.SetUsage(2, quota.Usage{Sites: 1})

		res, err := svc.CheckEntitlement(ctx, 2, quota.ResourceSite, quota.ActionAdd)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
	})
}

func TestCheckEntitlementRejectsUnknownResource(t *testing.T) {
	svc, _ := newQuota(t)
	_, err := svc.CheckEntitlement(context.Background(), 1, quota.ResourceKind("drone"), quota.ActionAdd)
	assert.Equal(t, xerrors.ReasonInvalidResource, xerrors.ReasonOf(err))
}

func TestSummaryIsCachedUntilInvalidated(t *testing.T) {
	svc, store := newQuota(t)
	ctx := context.Background()
	seedSubscription(t, store, 1, time.Time{})
	store.SetUsage(1, quota.Usage{Cameras: 1})

	first, err := svc.GetSummary(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Usage.Cameras)

	store.SetUsage(1, quota.Usage{Cameras: 3})
	cached, err := svc.GetSummary(ctx, 1)
	require.NoError(t, err)
	assert.Same(t, first, cached)

	svc.Invalidate(1)
	fresh, err := svc.GetSummary(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), fresh.Usage.Cameras)
}
