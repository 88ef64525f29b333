// internal/service/quota/quota.go
package quota

import (
	"context"
	"fmt"
	"math"
	"time"

	"billing-service/internal/domain/plan"
	"billing-service/internal/domain/quota"
	"billing-service/internal/domain/subscription"
	"billing-service/internal/pkg/cache"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/repository"

	"go.uber.org/zap"
)

const (
	DefaultGracePeriodDays = 30
	DefaultSoftCapPercent  = 80.0
)

type Config struct {
	GracePeriodDays int
	SoftCapPercent  float64
}

// Summary is the cached per-user billing view.
type Summary struct {
	UserID       int64                      `json:"user_id"`
	Subscription *subscription.Subscription `json:"subscription,omitempty"`
	Plan         *plan.Snapshot             `json:"plan,omitempty"`
	Quota        quota.Quota                `json:"quota"`
	Usage        quota.Usage                `json:"usage"`
	GeneratedAt  time.Time                  `json:"generated_at"`
}

type Service struct {
	store  repository.Store
	cache  *cache.SummaryCache[*Summary]
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store repository.Store, summaries *cache.SummaryCache[*Summary], cfg Config, logger *zap.Logger) *Service {
	if cfg.GracePeriodDays <= 0 {
		cfg.GracePeriodDays = DefaultGracePeriodDays
	}
	if cfg.SoftCapPercent <= 0 {
		cfg.SoftCapPercent = DefaultSoftCapPercent
	}
	return &Service{store: store, cache: summaries, cfg: cfg, logger: logger, now: time.Now}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// activeSubscription returns nil when the user has no active-family subscription.
func (s *Service) activeSubscription(ctx context.Context, userID int64) (*subscription.Subscription, error) {
	sub, err := s.store.Subscriptions().FindActiveByUser(ctx, userID)
	if err != nil {
		if xerrors.Is(err, xerrors.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return sub, nil
}

func (s *Service) planSnapshot(ctx context.Context, sub *subscription.Subscription) (*plan.Snapshot, error) {
	if sub.PlanSnapshot.PlanID != 0 || sub.PlanSnapshot.Code != "" {
		snap := sub.PlanSnapshot
		return &snap, nil
	}
	p, err := s.store.Plans().FindByID(ctx, sub.PlanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %d: %w", sub.PlanID, err)
	}
	snap := p.Snapshot()
	return &snap, nil
}

func (s *Service) effectiveQuota(ctx context.Context, sub *subscription.Subscription) (quota.Quota, *plan.Snapshot, error) {
	if sub == nil {
		return quota.FreeTier, nil, nil
	}
	snap, err := s.planSnapshot(ctx, sub)
	if err != nil {
		return quota.Quota{}, nil, err
	}
	return quota.Quota{
		CameraQuota:    snap.CameraQuota + sub.ExtraCameraQuota,
		CaregiverSeats: snap.CaregiverSeats + sub.ExtraCaregiverSeats,
		Sites:          snap.Sites + sub.ExtraSites,
		RetentionDays:  snap.RetentionDays,
		StorageGB:      snap.StorageSize + sub.ExtraStorageGB,
		PlanCode:       snap.Code,
		Source:         "subscription",
	}, snap, nil
}

// GetEffectiveQuota returns the plan quota plus manual add-ons, or the free
// tier when the user has no active subscription.
func (s *Service) GetEffectiveQuota(ctx context.Context, userID int64) (*quota.Quota, error) {
	sub, err := s.activeSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	q, _, err := s.effectiveQuota(ctx, sub)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *Service) GetUsage(ctx context.Context, userID int64) (*quota.Usage, error) {
	u, err := s.store.Usage().GetUsage(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage: %w", err)
	}
	return &u, nil
}

func validate(kind quota.ResourceKind, action quota.Action) error {
	if !kind.Valid() {
		return xerrors.Validation(xerrors.ReasonInvalidResource, fmt.Sprintf("unknown resource %q", kind))
	}
	if !action.Valid() {
		return xerrors.Validation(xerrors.ReasonInvalidResource, fmt.Sprintf("unknown action %q", action))
	}
	return nil
}

// EnforceHardCap fails with a quota_exceeded BillingError wrapping
// *quota.QuotaExceededError when used >= quota. Storage is only checked on
// writes.
func (s *Service) EnforceHardCap(ctx context.Context, userID int64, kind quota.ResourceKind, action quota.Action) error {
	if err := validate(kind, action); err != nil {
		return err
	}
	if kind == quota.ResourceStorage && action != quota.ActionUse {
		return nil
	}

	q, err := s.GetEffectiveQuota(ctx, userID)
	if err != nil {
		return err
	}
	u, err := s.GetUsage(ctx, userID)
	if err != nil {
		return err
	}
	return hardCap(kind, *q, *u)
}

func hardCap(kind quota.ResourceKind, q quota.Quota, u quota.Usage) error {
	used, limit := u.Used(kind), q.Limit(kind)
	if used < float64(limit) {
		return nil
	}
	qe := &quota.QuotaExceededError{Resource: kind, Used: used, Limit: limit}
	return &xerrors.BillingError{
		Kind:    xerrors.KindQuota,
		Reason:  xerrors.ReasonQuotaExceeded,
		Message: qe.Error(),
		Err:     qe,
	}
}

// CheckSoftCap returns a warning once usage reaches the soft cap percentage,
// or nil below it.
func (s *Service) CheckSoftCap(ctx context.Context, userID int64, kind quota.ResourceKind) (*quota.SoftCapWarning, error) {
	if err := validate(kind, quota.ActionAdd); err != nil {
		return nil, err
	}
	q, err := s.GetEffectiveQuota(ctx, userID)
	if err != nil {
		return nil, err
	}
	u, err := s.GetUsage(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.softCap(kind, *q, *u), nil
}

func (s *Service) softCap(kind quota.ResourceKind, q quota.Quota, u quota.Usage) *quota.SoftCapWarning {
	limit := q.Limit(kind)
	if limit <= 0 {
		return nil
	}
	used := u.Used(kind)
	pct := used / float64(limit) * 100
	if pct < s.cfg.SoftCapPercent {
		return nil
	}
	return &quota.SoftCapWarning{
		Resource:   kind,
		Used:       used,
		Limit:      limit,
		Percentage: pct,
		Message:    fmt.Sprintf("%s usage at %.1f%% of plan quota", kind, pct),
	}
}

// CheckGracePeriod reports whether over-quota use is still tolerated. The
// window runs GracePeriodDays from the last payment, or from the period
// start when nothing was paid.
func (s *Service) CheckGracePeriod(ctx context.Context, userID int64, kind quota.ResourceKind) (*quota.GracePeriodInfo, error) {
	if err := validate(kind, quota.ActionAdd); err != nil {
		return nil, err
	}
	sub, err := s.activeSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.grace(sub), nil
}

func (s *Service) grace(sub *subscription.Subscription) *quota.GracePeriodInfo {
	expired := &quota.GracePeriodInfo{
		Allowed: false,
		Reason:  xerrors.ReasonGracePeriodExpired,
		Message: "grace period expired, service may be suspended",
	}
	if sub == nil {
		return expired
	}

	endsAt := sub.GraceAnchor().AddDate(0, 0, s.cfg.GracePeriodDays)
	expired.EndsAt = endsAt

	remaining := endsAt.Sub(s.now())
	if remaining <= 0 {
		return expired
	}
	days := int(math.Ceil(remaining.Hours() / 24))
	return &quota.GracePeriodInfo{
		Allowed:       true,
		InGrace:       true,
		DaysRemaining: days,
		EndsAt:        endsAt,
		Message:       fmt.Sprintf("over quota, %d days of grace remaining", days),
	}
}

// CheckEntitlement evaluates the hard cap first; a hard-cap failure falls
// back to the grace period, which may still allow the action. An allowed
// result carries any soft-cap warning.
func (s *Service) CheckEntitlement(ctx context.Context, userID int64, kind quota.ResourceKind, action quota.Action) (*quota.EntitlementResult, error) {
	if err := validate(kind, action); err != nil {
		return nil, err
	}

	sub, err := s.activeSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	q, _, err := s.effectiveQuota(ctx, sub)
	if err != nil {
		return nil, err
	}
	u, err := s.GetUsage(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &quota.EntitlementResult{Resource: kind, Action: action}

	capErr := error(nil)
	if kind != quota.ResourceStorage || action == quota.ActionUse {
		capErr = hardCap(kind, q, *u)
	}
	if capErr != nil {
		g := s.grace(sub)
		result.GracePeriod = g
		if g.Allowed {
			result.Allowed = true
			result.Reason = xerrors.ReasonQuotaExceeded
			result.Message = g.Message
			return result, nil
		}
		result.Allowed = false
		result.Reason = g.Reason
		result.Message = g.Message
		return result, nil
	}

	result.Allowed = true
	result.Warning = s.softCap(kind, q, *u)
	return result, nil
}

// GetSummary returns the cached billing view of a user, rebuilding it on miss.
func (s *Service) GetSummary(ctx context.Context, userID int64) (*Summary, error) {
	if sum, ok := s.cache.Get(userID); ok {
		return sum, nil
	}

	sub, err := s.activeSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	q, snap, err := s.effectiveQuota(ctx, sub)
	if err != nil {
		return nil, err
	}
	u, err := s.GetUsage(ctx, userID)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		UserID:       userID,
		Subscription: sub,
		Plan:         snap,
		Quota:        q,
		Usage:        *u,
		GeneratedAt:  s.now(),
	}
	s.cache.Set(userID, sum)
	return sum, nil
}

// Invalidate drops the cached summary of a user.
func (s *Service) Invalidate(userID int64) {
	s.cache.Invalidate(userID)
	s.logger.Debug("summary invalidated", zap.Int64("user_id", userID))
}
