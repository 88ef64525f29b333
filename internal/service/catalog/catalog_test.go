package catalog

import (
	"context"
	"database/sql"
	"testing"

	"billing-service/internal/domain/plan"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/repository/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newCatalog(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return NewService(store.Plans(), zap.NewNop()), store
}

func TestGetCurrent(t *testing.T) {
	svc, store := newCatalog(t)
	store.SeedPlan(plan.Plan{Code: "pro", Version: 1, Price: 100, BillingPeriod: plan.PeriodMonthly})
	v2 := store.SeedPlan(plan.Plan{Code: "pro", Version: 2, Price: 120, BillingPeriod: plan.PeriodMonthly, IsCurrent: true})

	p, err := svc.GetCurrent(context.Background(), " pro ")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, p.ID)

	_, err = svc.GetCurrent(context.Background(), "enterprise")
	assert.Equal(t, xerrors.ReasonPlanNotFound, xerrors.ReasonOf(err))

	_, err = svc.GetCurrent(context.Background(), "")
	assert.Equal(t, xerrors.ReasonPlanCodeRequired, xerrors.ReasonOf(err))
}

func TestResolveRenewalPlan(t *testing.T) {
	svc, store := newCatalog(t)
	ctx := context.Background()

	current := store.SeedPlan(plan.Plan{Code: "pro", Version: 3, IsCurrent: true})
	successor := store.SeedPlan(plan.Plan{Code: "pro_plus", Version: 1, IsCurrent: true})
	old := store.SeedPlan(plan.Plan{Code: "pro", Version: 1})
	deprecated := store.SeedPlan(plan.Plan{
		Code:                 "pro",
		Version:              2,
		SuccessorPlanCode:    sql.NullString{String: "pro_plus", Valid: true},
		SuccessorPlanVersion: sql.NullInt32{Int32: 1, Valid: true},
	})

	got, err := svc.ResolveRenewalPlan(ctx, &current)
	require.NoError(t, err)
	assert.Equal(t, current.ID, got.ID)

	got, err = svc.ResolveRenewalPlan(ctx, &deprecated)
	require.NoError(t, err)
	assert.Equal(t, successor.ID, got.ID)

	got, err = svc.ResolveRenewalPlan(ctx, &old)
	require.NoError(t, err)
	assert.Equal(t, current.ID, got.ID)
}

func TestListCurrentSortedByPrice(t *testing.T) {
	svc, store := newCatalog(t)
	store.SeedPlan(plan.Plan{Code: "pro", Version: 1, Price: 200, IsCurrent: true})
	store.SeedPlan(plan.Plan{Code: "basic", Version: 1, Price: 0, IsCurrent: true})
	store.SeedPlan(plan.Plan{Code: "legacy", Version: 1, Price: 50})

	plans, err := svc.ListCurrent(context.Background())
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "basic", plans[0].Code)
	assert.Equal(t, "pro", plans[1].Code)
}
