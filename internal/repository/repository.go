// internal/repository/repository.go
package repository

import (
	"context"
	"time"

	"billing-service/internal/domain/event"
	"billing-service/internal/domain/plan"
	"billing-service/internal/domain/quota"
	"billing-service/internal/domain/subscription"
	"billing-service/internal/domain/transaction"
)

// Lookups that find nothing return xerrors.ErrNotFound. Inserts that hit a
// unique index return xerrors.ErrDuplicateEntry.

type PlanRepository interface {
	FindByID(ctx context.Context, id int64) (*plan.Plan, error)
	FindCurrentByCode(ctx context.Context, code string) (*plan.Plan, error)
	FindByCodeVersion(ctx context.Context, code string, version int) (*plan.Plan, error)
	ListCurrent(ctx context.Context) ([]plan.Plan, error)
}

type SubscriptionRepository interface {
	Create(ctx context.Context, sub *subscription.Subscription) error
	Update(ctx context.Context, sub *subscription.Subscription) error
	FindByID(ctx context.Context, id string) (*subscription.Subscription, error)
	// FindActiveByUser returns the user's active-family subscription.
	FindActiveByUser(ctx context.Context, userID int64) (*subscription.Subscription, error)
	// FindLatestByUser returns the most recently created subscription in any status.
	FindLatestByUser(ctx context.Context, userID int64) (*subscription.Subscription, error)

	ListRenewalCandidates(ctx context.Context, q RenewalQuery) ([]subscription.Subscription, error)
	ListExpiryCandidates(ctx context.Context, q ExpiryQuery) ([]subscription.Subscription, error)
	// ListExpiringBetween returns active-family subscriptions without auto
	// renew whose period ends in [from, to).
	ListExpiringBetween(ctx context.Context, from, to time.Time, limit int) ([]subscription.Subscription, error)
	// ListExpiredBetween returns expired subscriptions last updated in [from, to).
	ListExpiredBetween(ctx context.Context, from, to time.Time, limit int) ([]subscription.Subscription, error)
}

// RenewalQuery selects auto-renewing subscriptions whose period ends before
// Now+Lookahead, or whose retry is due, and that still have attempts left.
type RenewalQuery struct {
	Now         time.Time
	Lookahead   time.Duration
	MaxAttempts int
	Limit       int
}

// ExpiryQuery selects paid subscriptions past their period end that will not
// renew: auto renew off or attempts exhausted, and no cancellation pending.
type ExpiryQuery struct {
	Now         time.Time
	MaxAttempts int
	Limit       int
}

type TransactionRepository interface {
	Create(ctx context.Context, tx *transaction.Transaction) error
	Update(ctx context.Context, tx *transaction.Transaction) error
	FindByID(ctx context.Context, id string) (*transaction.Transaction, error)
	FindByProviderPaymentID(ctx context.Context, paymentID string) (*transaction.Transaction, error)
	FindByIdempotencyKey(ctx context.Context, subscriptionID, key string) (*transaction.Transaction, error)
	// FindScheduledDowngrade returns the subscription's downgrade still waiting
	// to be applied (draft or paid).
	FindScheduledDowngrade(ctx context.Context, subscriptionID string) (*transaction.Transaction, error)
	// ListDueDowngrades returns downgrades in draft or paid whose period_start <= now.
	ListDueDowngrades(ctx context.Context, now time.Time, limit int) ([]transaction.Transaction, error)
	ListByUser(ctx context.Context, userID int64, filters *transaction.TransactionListFilters) ([]transaction.Transaction, int64, error)
}

type EventRepository interface {
	Insert(ctx context.Context, e *event.Event) error
	// FindByKey looks up the scalar correlation column.
	FindByKey(ctx context.Context, subscriptionID string, eventType event.EventType, key event.KeyName, value string) (*event.Event, error)
	// FindByLegacyKey looks inside event_data for rows written before the
	// scalar correlation columns existed.
	FindByLegacyKey(ctx context.Context, subscriptionID string, eventType event.EventType, key event.KeyName, value string) (*event.Event, error)
	ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]event.Event, error)
}

// UsageReader reads counters owned by the device and storage services.
type UsageReader interface {
	GetUsage(ctx context.Context, userID int64) (quota.Usage, error)
}

type Contact struct {
	UserID int64
	Email  string
	Phone  string
}

// UserDirectory resolves notification recipients.
type UserDirectory interface {
	FindContact(ctx context.Context, userID int64) (*Contact, error)
}

// Repos groups the repositories that take part in a billing mutation.
type Repos interface {
	Plans() PlanRepository
	Subscriptions() SubscriptionRepository
	Transactions() TransactionRepository
	Events() EventRepository
}

// Tx is a unit of work. Locks taken through TryAdvisoryLock are released
// when the unit commits or rolls back.
type Tx interface {
	Repos
	TryAdvisoryLock(ctx context.Context, key string) (bool, error)
}

// Store is the transactional relational store. Reads made directly on the
// Store run outside any unit of work.
type Store interface {
	Repos
	Usage() UsageReader
	Users() UserDirectory
	// WithTx runs fn in a unit of work, committing when fn returns nil and
	// rolling back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
