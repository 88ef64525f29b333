// internal/service/subscription/service.go
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
	"billing-service/internal/metrics"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/repository"
	"billing-service/internal/service/ledger"
	"billing-service/internal/service/notification"
	"billing-service/internal/service/payment"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	DefaultRenewalLookahead = 24 * time.Hour
	DefaultRetryInterval    = 24 * time.Hour
	DefaultMaxAttempts      = 3
	DefaultCurrency         = "KES"
	DefaultLockRetries      = 5
	DefaultLockRetryDelay   = 50 * time.Millisecond

	// minCancelAge is how long a billing cycle must have run before it can
	// be canceled.
	minCancelAge = 24 * time.Hour
)

// Config tunes the service. LockRetries bounds how often writes that must
// not be dropped wait for a busy subscription lock.
type Config struct {
	Currency         string
	RenewalLookahead time.Duration
	RetryInterval    time.Duration
	MaxAttempts      int
	LockRetries      int
	LockRetryDelay   time.Duration
}

// SummaryInvalidator drops cached per-user views after a committed change.
type SummaryInvalidator interface {
	Invalidate(userID int64)
}

// UserNotifier delivers a message to a user without blocking.
type UserNotifier interface {
	NotifyUser(ctx context.Context, userID int64, msg notification.Message)
}

// actionHandler applies a paid transaction of one effective action to its
// subscription inside the caller's unit of work.
type actionHandler func(ctx context.Context, tx repository.Tx, sub *subscription.Subscription, txn *transaction.Transaction) error

// Service owns every subscription lifecycle transition. Mutations run in a
// unit of work holding the subscription's transaction-scoped advisory lock.
type Service struct {
	store     repository.Store
	ledger    *ledger.Service
	gateway   payment.Gateway
	summaries SummaryInvalidator
	notifier  UserNotifier
	metrics   *metrics.Metrics
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	handlers map[transaction.EffectiveAction]actionHandler
}

func NewService(
	store repository.Store,
	ledger *ledger.Service,
	gateway payment.Gateway,
	summaries SummaryInvalidator,
	notifier UserNotifier,
	m *metrics.Metrics,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if cfg.Currency == "" {
		cfg.Currency = DefaultCurrency
	}
	if cfg.RenewalLookahead <= 0 {
		cfg.RenewalLookahead = DefaultRenewalLookahead
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.LockRetries <= 0 {
		cfg.LockRetries = DefaultLockRetries
	}
	if cfg.LockRetryDelay <= 0 {
		cfg.LockRetryDelay = DefaultLockRetryDelay
	}

	s := &Service{
		store:     store,
		ledger:    ledger,
		gateway:   gateway,
		summaries: summaries,
		notifier:  notifier,
		metrics:   m,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
	s.handlers = map[transaction.EffectiveAction]actionHandler{
		transaction.ActionNew:        s.handleNew,
		transaction.ActionUpgrade:    s.handleUpgrade,
		transaction.ActionDowngrade:  s.handleDowngrade,
		transaction.ActionRenew:      s.handleRenew,
		transaction.ActionAdjustment: s.handleAdjustment,
	}
	return s
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) Config() Config {
	return s.cfg
}

// LockKey is the advisory lock key serializing mutations of one subscription.
func LockKey(subscriptionID string) string {
	return "subscription:" + subscriptionID
}

// IsBusy reports whether err comes from a subscription lock held elsewhere.
func IsBusy(err error) bool {
	return xerrors.Is(err, xerrors.ErrLockBusy)
}

func newID(prefix string) string {
	return prefix + "_" + strings.ToLower(ulid.Make().String())
}

func validTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: true}
}

func validString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func subscriptionNotFound() error {
	return xerrors.NotFound(xerrors.ReasonSubscriptionNotFound, "no subscription found")
}

func transactionNotFound() error {
	return xerrors.NotFound(xerrors.ReasonTransactionNotFound, "transaction not found")
}

// withSubscriptionLock runs fn in a unit of work that holds the
// subscription's advisory lock and sees a fresh copy of the row. A lock held
// elsewhere fails fast with a subscription_busy conflict.
func (s *Service) withSubscriptionLock(
	ctx context.Context,
	subscriptionID string,
	fn func(tx repository.Tx, sub *subscription.Subscription) error,
) error {
	return s.store.WithTx(ctx, func(tx repository.Tx) error {
		ok, err := tx.TryAdvisoryLock(ctx, LockKey(subscriptionID))
		if err != nil {
			return fmt.Errorf("failed to lock subscription %s: %w", subscriptionID, err)
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

		sub, err := tx.Subscriptions().FindByID(ctx, subscriptionID)
		if err != nil {
			if xerrors.Is(err, xerrors.ErrNotFound) {
				return subscriptionNotFound()
			}
			return fmt.Errorf("failed to load subscription: %w", err)
		}
		return fn(tx, sub)
	})
}

// withSubscriptionLockWait is withSubscriptionLock for writes that must land:
// a busy lock is retried with a linearly growing delay until LockRetries is
// spent or ctx ends.
func (s *Service) withSubscriptionLockWait(
	ctx context.Context,
	subscriptionID string,
	fn func(tx repository.Tx, sub *subscription.Subscription) error,
) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = s.withSubscriptionLock(ctx, subscriptionID, fn)
		if !IsBusy(err) || attempt >= s.cfg.LockRetries {
			return err
		}

		timer := time.NewTimer(time.Duration(attempt) * s.cfg.LockRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// activeOrLatest returns the user's active-family subscription, or the most
// recent one in any status.
func (s *Service) activeOrLatest(ctx context.Context, repos repository.Repos, userID int64) (*subscription.Subscription, error) {
	sub, err := repos.Subscriptions().FindActiveByUser(ctx, userID)
	if err == nil {
		return sub, nil
	}
	if !xerrors.Is(err, xerrors.ErrNotFound) {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}

	sub, err = repos.Subscriptions().FindLatestByUser(ctx, userID)
	if err != nil {
		if xerrors.Is(err, xerrors.ErrNotFound) {
			return nil, subscriptionNotFound()
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return sub, nil
}

func (s *Service) activeByUser(ctx context.Context, userID int64) (*subscription.Subscription, error) {
	sub, err := s.store.Subscriptions().FindActiveByUser(ctx, userID)
	if err != nil {
		if xerrors.Is(err, xerrors.ErrNotFound) {
			return nil, subscriptionNotFound()
		}
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return sub, nil
}

func (s *Service) saveSubscription(ctx context.Context, tx repository.Tx, sub *subscription.Subscription) error {
	if err := tx.Subscriptions().Update(ctx, sub); err != nil {
		if xerrors.Is(err, xerrors.ErrDuplicateEntry) {
			return xerrors.Conflict(xerrors.ReasonActiveSubscriptionExists, "user already has an active subscription")
		}
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return nil
}

// setStatus moves sub to the target status when the lifecycle allows it.
func setStatus(sub *subscription.Subscription, to subscription.SubscriptionStatus) error {
	if !subscription.CanTransition(sub.Status, to) {
		return xerrors.Policy(xerrors.ReasonInvalidTransition,
			fmt.Sprintf("cannot move subscription from %s to %s", sub.Status, to))
	}
	sub.Status = to
	return nil
}

// advance moves txn forward and persists it.
func (s *Service) advance(ctx context.Context, tx repository.Tx, txn *transaction.Transaction, to transaction.TransactionStatus) error {
	if !transaction.CanAdvance(txn.Status, to) {
		return xerrors.Policy(xerrors.ReasonTransactionNotPending,
			fmt.Sprintf("transaction %s is %s and cannot become %s", txn.ID, txn.Status, to))
	}
	txn.Status = to
	if err := tx.Transactions().Update(ctx, txn); err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	return nil
}

func (s *Service) findTransaction(ctx context.Context, repos repository.Repos, txID string) (*transaction.Transaction, error) {
	txn, err := repos.Transactions().FindByID(ctx, txID)
	if err != nil {
		if xerrors.Is(err, xerrors.ErrNotFound) {
			return nil, transactionNotFound()
		}
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return txn, nil
}

// targetPlan loads the plan a transaction moves its subscription to.
func (s *Service) targetPlan(ctx context.Context, repos repository.Repos, txn *transaction.Transaction) (*plan.Plan, error) {
	if txn.PlanSnapshotNew == nil {
		return nil, fmt.Errorf("transaction %s has no target plan", txn.ID)
	}
	p, err := repos.Plans().FindByID(ctx, txn.PlanSnapshotNew.PlanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %d: %w", txn.PlanSnapshotNew.PlanID, err)
	}
	return p, nil
}

func (s *Service) currency(p *plan.Plan) string {
	if p != nil && p.Currency != "" {
		return p.Currency
	}
	return s.cfg.Currency
}

func (s *Service) providerName() string {
	if s.gateway == nil {
		return transaction.ProviderNone
	}
	return s.gateway.Name()
}

// recordEntitlements logs the quota the subscription now grants.
func (s *Service) recordEntitlements(ctx context.Context, tx repository.Tx, sub *subscription.Subscription, txID string) error {
	snap := sub.PlanSnapshot
	_, _, err := s.ledger.CreateIfNotExists(ctx, tx, sub.ID, event.TypeEntitlementsUpdated, event.KeyTxID, txID,
		map[string]interface{}{
			"plan_code":       snap.Code,
			"camera_quota":    snap.CameraQuota + sub.ExtraCameraQuota,
			"caregiver_seats": snap.CaregiverSeats + sub.ExtraCaregiverSeats,
			"sites":           snap.Sites + sub.ExtraSites,
			"retention_days":  snap.RetentionDays,
			"storage_gb":      snap.StorageSize + sub.ExtraStorageGB,
		})
	return err
}

func (s *Service) invalidate(userIDs ...int64) {
	if s.summaries == nil {
		return
	}
	for _, id := range userIDs {
		s.summaries.Invalidate(id)
	}
}

func (s *Service) notify(ctx context.Context, userID int64, msg notification.Message) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyUser(ctx, userID, msg)
}

// GetSubscription returns the user's current subscription with its plan.
func (s *Service) GetSubscription(ctx context.Context, userID int64) (*subscription.SubscriptionResponse, error) {
	sub, err := s.activeOrLatest(ctx, s.store, userID)
	if err != nil {
		return nil, err
	}

	resp := &subscription.SubscriptionResponse{Subscription: sub}
	p, err := s.store.Plans().FindByID(ctx, sub.PlanID)
	if err == nil {
		resp.Plan = p
	} else if !xerrors.Is(err, xerrors.ErrNotFound) {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	return resp, nil
}

// ListTransactions pages through a user's transactions.
func (s *Service) ListTransactions(ctx context.Context, userID int64, filters *transaction.TransactionListFilters) (*transaction.TransactionListResponse, error) {
	f := transaction.TransactionListFilters{}
	if filters != nil {
		f = *filters
	}
	f.Normalize()

	txs, total, err := s.store.Transactions().ListByUser(ctx, userID, &f)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	totalPages := int(total) / f.PageSize
	if int(total)%f.PageSize > 0 {
		totalPages++
	}
	return &transaction.TransactionListResponse{
		Transactions: txs,
		Total:        total,
		Page:         f.Page,
		PageSize:     f.PageSize,
		TotalPages:   totalPages,
	}, nil
}

// History returns the ledger of the user's current subscription.
func (s *Service) History(ctx context.Context, userID int64, limit int) (*event.EventListResponse, error) {
	sub, err := s.activeOrLatest(ctx, s.store, userID)
	if err != nil {
		return nil, err
	}
	events, err := s.ledger.History(ctx, sub.ID, limit)
	if err != nil {
		return nil, err
	}
	return &event.EventListResponse{Events: events, Total: len(events)}, nil
}
