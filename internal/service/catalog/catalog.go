// internal/service/catalog/catalog.go
package catalog

import (
	"context"
	"fmt"
	"strings"

	"billing-service/internal/domain/plan"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/repository"

	"go.uber.org/zap"
)

// Service is a read-only view of the versioned plan catalog.
type Service struct {
	plans  repository.PlanRepository
	logger *zap.Logger
}

func NewService(plans repository.PlanRepository, logger *zap.Logger) *Service {
	return &Service{plans: plans, logger: logger}
}

// GetCurrent returns the current version of code.
func (s *Service) GetCurrent(ctx context.Context, code string) (*plan.Plan, error) {
	return GetCurrent(ctx, s.plans, code)
}

// GetCurrent is the repository-level lookup used inside units of work.
func GetCurrent(ctx context.Context, plans repository.PlanRepository, code string) (*plan.Plan, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, xerrors.Validation(xerrors.ReasonPlanCodeRequired, "plan code is required")
	}

	p, err := plans.FindCurrentByCode(ctx, code)
	if err != nil {
		if xerrors.Is(err, xerrors.ErrNotFound) {
			return nil, xerrors.NotFound(xerrors.ReasonPlanNotFound, fmt.Sprintf("plan %q not found", code))
		}
		return nil, fmt.Errorf("failed to load plan %s: %w", code, err)
	}
	return p, nil
}

func (s *Service) GetByID(ctx context.Context, id int64) (*plan.Plan, error) {
	p, err := s.plans.FindByID(ctx, id)
	if err != nil {
		if xerrors.Is(err, xerrors.ErrNotFound) {
			return nil, xerrors.NotFound(xerrors.ReasonPlanNotFound, fmt.Sprintf("plan %d not found", id))
		}
		return nil, fmt.Errorf("failed to load plan %d: %w", id, err)
	}
	return p, nil
}

func (s *Service) ListCurrent(ctx context.Context) ([]plan.Plan, error) {
	plans, err := s.plans.ListCurrent(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	return plans, nil
}

// ResolveRenewalPlan returns the plan a subscription on p renews into.
func (s *Service) ResolveRenewalPlan(ctx context.Context, p *plan.Plan) (*plan.Plan, error) {
	return ResolveRenewalPlan(ctx, s.plans, p, s.logger)
}

// ResolveRenewalPlan keeps a current plan, otherwise follows the configured
// successor, otherwise falls back to the current version of the same code.
func ResolveRenewalPlan(ctx context.Context, plans repository.PlanRepository, p *plan.Plan, logger *zap.Logger) (*plan.Plan, error) {
	if p.IsCurrent {
		return p, nil
	}

	if p.HasSuccessor() {
		next, err := plans.FindByCodeVersion(ctx, p.SuccessorPlanCode.String, int(p.SuccessorPlanVersion.Int32))
		if err == nil {
			return next, nil
		}
		if !xerrors.Is(err, xerrors.ErrNotFound) {
			return nil, fmt.Errorf("failed to load successor plan: %w", err)
		}
		logger.Warn("successor plan missing, falling back to current version",
			zap.String("plan_code", p.Code),
			zap.Int("plan_version", p.Version),
			zap.String("successor_code", p.SuccessorPlanCode.String),
		)
	}

	return GetCurrent(ctx, plans, p.Code)
}
