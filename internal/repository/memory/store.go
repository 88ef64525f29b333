// internal/repository/memory/store.go
package memory

import (
	"context"
	"sync"

	"billing-service/internal/domain/event"
	"billing-service/internal/domain/plan"
	"billing-service/internal/domain/quota"
	"billing-service/internal/domain/subscription"
	"billing-service/internal/domain/transaction"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/repository"
)

type data struct {
	plans         map[int64]plan.Plan
	subscriptions map[string]subscription.Subscription
	transactions  map[string]transaction.Transaction
	events        []event.Event
	usage         map[int64]quota.Usage
	contacts      map[int64]repository.Contact
	nextPlanID    int64
	nextEventID   int64
}

func (d *data) clone() *data {
	c := &data{
		plans:         make(map[int64]plan.Plan, len(d.plans)),
		subscriptions: make(map[string]subscription.Subscription, len(d.subscriptions)),
		transactions:  make(map[string]transaction.Transaction, len(d.transactions)),
		events:        append([]event.Event(nil), d.events...),
		usage:         make(map[int64]quota.Usage, len(d.usage)),
		contacts:      make(map[int64]repository.Contact, len(d.contacts)),
		nextPlanID:    d.nextPlanID,
		nextEventID:   d.nextEventID,
	}
	for k, v := range d.plans {
		c.plans[k] = v
	}
	for k, v := range d.subscriptions {
		c.subscriptions[k] = v
	}
	for k, v := range d.transactions {
		c.transactions[k] = v
	}
	for k, v := range d.usage {
		c.usage[k] = v
	}
	for k, v := range d.contacts {
		c.contacts[k] = v
	}
	return c
}

// Store is an in-process repository.Store used by tests and the
// STORE_DRIVER=memory development mode. Units of work are serialized and
// roll back by restoring a snapshot. Reads outside a unit of work may observe
// uncommitted writes.
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex
	d    *data

	lockMu sync.Mutex
	held   map[string]bool
}

func NewStore() *Store {
	return &Store{
		d: &data{
			plans:         make(map[int64]plan.Plan),
			subscriptions: make(map[string]subscription.Subscription),
			transactions:  make(map[string]transaction.Transaction),
			usage:         make(map[int64]quota.Usage),
			contacts:      make(map[int64]repository.Contact),
		},
		held: make(map[string]bool),
	}
}

func (s *Store) Plans() repository.PlanRepository                 { return &planRepo{s} }
func (s *Store) Subscriptions() repository.SubscriptionRepository { return &subscriptionRepo{s} }
func (s *Store) Transactions() repository.TransactionRepository   { return &transactionRepo{s} }
func (s *Store) Events() repository.EventRepository               { return &eventRepo{s} }
func (s *Store) Usage() repository.UsageReader                    { return &usageRepo{s} }
func (s *Store) Users() repository.UserDirectory                  { return &userRepo{s} }

func (s *Store) WithTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.d.clone()
	s.mu.Unlock()

	t := &tx{Store: s, locks: map[string]bool{}}
	defer t.releaseLocks()

	if err := fn(t); err != nil {
		s.mu.Lock()
		s.d = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// HoldLock marks key as held by another session until release is called.
func (s *Store) HoldLock(key string) (release func()) {
	s.lockMu.Lock()
	s.held[key] = true
	s.lockMu.Unlock()
	return func() {
		s.lockMu.Lock()
		delete(s.held, key)
		s.lockMu.Unlock()
	}
}

// SeedPlan stores p, assigning an ID when it has none.
func (s *Store) SeedPlan(p plan.Plan) plan.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == 0 {
		s.d.nextPlanID++
		p.ID = s.d.nextPlanID
	} else if p.ID > s.d.nextPlanID {
		s.d.nextPlanID = p.ID
	}
	s.d.plans[p.ID] = p
	return p
}

// SetUsage replaces the usage counters of userID.
func (s *Store) SetUsage(userID int64, u quota.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.usage[userID] = u
}

// SetContact registers notification details for a user.
func (s *Store) SetContact(c repository.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.contacts[c.UserID] = c
}

type tx struct {
	*Store
	locks map[string]bool
}

func (t *tx) TryAdvisoryLock(_ context.Context, key string) (bool, error) {
	t.lockMu.Lock()
	defer t.lockMu.Unlock()

	if t.locks[key] {
		return true, nil
	}
	if t.held[key] {
		return false, nil
	}
	t.held[key] = true
	t.locks[key] = true
	return true, nil
}

func (t *tx) releaseLocks() {
	t.lockMu.Lock()
	defer t.lockMu.Unlock()
	for k := range t.locks {
		delete(t.held, k)
	}
}

type usageRepo struct{ s *Store }

func (r *usageRepo) GetUsage(_ context.Context, userID int64) (quota.Usage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.d.usage[userID], nil
}

type userRepo struct{ s *Store }

func (r *userRepo) FindContact(_ context.Context, userID int64) (*repository.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.d.contacts[userID]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return &c, nil
}
