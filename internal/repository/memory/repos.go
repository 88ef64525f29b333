// internal/repository/memory/repos.go
package memory

import (
	"context"
	"sort"
	"time"

	"billing-service/internal/domain/event"
	"billing-service/internal/domain/plan"
	"billing-service/internal/domain/subscription"
	"billing-service/internal/domain/transaction"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/repository"
)

type planRepo struct{ s *Store }

func (r *planRepo) FindByID(_ context.Context, id int64) (*plan.Plan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.d.plans[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return &p, nil
}

func (r *planRepo) FindCurrentByCode(_ context.Context, code string) (*plan.Plan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.d.plans {
		if p.Code == code && p.IsCurrent {
			return &p, nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (r *planRepo) FindByCodeVersion(_ context.Context, code string, version int) (*plan.Plan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, p := range r.s.d.plans {
		if p.Code == code && p.Version == version {
			return &p, nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (r *planRepo) ListCurrent(_ context.Context) ([]plan.Plan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []plan.Plan
	for _, p := range r.s.d.plans {
		if p.IsCurrent {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price != out[j].Price {
			return out[i].Price < out[j].Price
		}
		return out[i].Code < out[j].Code
	})
	return out, nil
}

type subscriptionRepo struct{ s *Store }

func (r *subscriptionRepo) Create(_ context.Context, sub *subscription.Subscription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.d.subscriptions[sub.ID]; ok {
		return xerrors.ErrDuplicateEntry
	}
	if sub.Status.IsActiveFamily() {
		for _, other := range r.s.d.subscriptions {
			if other.UserID == sub.UserID && other.Status.IsActiveFamily() {
				return xerrors.ErrDuplicateEntry
			}
		}
	}
	now := time.Now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	r.s.d.subscriptions[sub.ID] = *sub
	return nil
}

func (r *subscriptionRepo) Update(_ context.Context, sub *subscription.Subscription) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	existing, ok := r.s.d.subscriptions[sub.ID]
	if !ok {
		return xerrors.ErrNotFound
	}
	if sub.Status.IsActiveFamily() {
		for id, other := range r.s.d.subscriptions {
			if id != sub.ID && other.UserID == sub.UserID && other.Status.IsActiveFamily() {
				return xerrors.ErrDuplicateEntry
			}
		}
	}
	sub.CreatedAt = existing.CreatedAt
	sub.UpdatedAt = time.Now()
	r.s.d.subscriptions[sub.ID] = *sub
	return nil
}

func (r *subscriptionRepo) FindByID(_ context.Context, id string) (*subscription.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sub, ok := r.s.d.subscriptions[id]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return &sub, nil
}

func (r *subscriptionRepo) FindActiveByUser(_ context.Context, userID int64) (*subscription.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, sub := range r.s.d.subscriptions {
		if sub.UserID == userID && sub.Status.IsActiveFamily() {
			return &sub, nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (r *subscriptionRepo) FindLatestByUser(_ context.Context, userID int64) (*subscription.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var latest *subscription.Subscription
	for _, sub := range r.s.d.subscriptions {
		if sub.UserID != userID {
			continue
		}
		if latest == nil || sub.CreatedAt.After(latest.CreatedAt) {
			s := sub
			latest = &s
		}
	}
	if latest == nil {
		return nil, xerrors.ErrNotFound
	}
	return latest, nil
}

func (r *subscriptionRepo) filter(limit int, keep func(subscription.Subscription) bool) []subscription.Subscription {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []subscription.Subscription
	for _, sub := range r.s.d.subscriptions {
		if keep(sub) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CurrentPeriodEnd.Equal(out[j].CurrentPeriodEnd) {
			return out[i].CurrentPeriodEnd.Before(out[j].CurrentPeriodEnd)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *subscriptionRepo) ListRenewalCandidates(_ context.Context, q repository.RenewalQuery) ([]subscription.Subscription, error) {
	horizon := q.Now.Add(q.Lookahead)
	return r.filter(q.Limit, func(s subscription.Subscription) bool {
		if !s.AutoRenew || s.CancelAtPeriodEnd || !s.IsPaidPeriod() {
			return false
		}
		if s.Status != subscription.StatusActive && s.Status != subscription.StatusPastDue {
			return false
		}
		if s.RenewalAttemptCount >= q.MaxAttempts {
			return false
		}
		if s.NextRenewAttemptAt.Valid {
			return !s.NextRenewAttemptAt.Time.After(q.Now)
		}
		return s.CurrentPeriodEnd.Before(horizon)
	}), nil
}

func (r *subscriptionRepo) ListExpiryCandidates(_ context.Context, q repository.ExpiryQuery) ([]subscription.Subscription, error) {
	return r.filter(q.Limit, func(s subscription.Subscription) bool {
		switch s.Status {
		case subscription.StatusActive, subscription.StatusTrialing, subscription.StatusPastDue:
		default:
			return false
		}
		if !s.IsPaidPeriod() || s.CancelAtPeriodEnd || !s.CurrentPeriodEnd.Before(q.Now) {
			return false
		}
		return !s.AutoRenew || s.RenewalAttemptCount >= q.MaxAttempts
	}), nil
}

func (r *subscriptionRepo) ListExpiringBetween(_ context.Context, from, to time.Time, limit int) ([]subscription.Subscription, error) {
	return r.filter(limit, func(s subscription.Subscription) bool {
		return s.Status.IsActiveFamily() && !s.AutoRenew && s.IsPaidPeriod() &&
			!s.CurrentPeriodEnd.Before(from) && s.CurrentPeriodEnd.Before(to)
	}), nil
}

func (r *subscriptionRepo) ListExpiredBetween(_ context.Context, from, to time.Time, limit int) ([]subscription.Subscription, error) {
	return r.filter(limit, func(s subscription.Subscription) bool {
		return s.Status == subscription.StatusExpired &&
			!s.UpdatedAt.Before(from) && s.UpdatedAt.Before(to)
	}), nil
}

type transactionRepo struct{ s *Store }

func (r *transactionRepo) Create(_ context.Context, t *transaction.Transaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.d.transactions[t.ID]; ok {
		return xerrors.ErrDuplicateEntry
	}
	if t.IdempotencyKey.Valid {
		for _, other := range r.s.d.transactions {
			if other.SubscriptionID == t.SubscriptionID && other.IdempotencyKey.Valid &&
				other.IdempotencyKey.String == t.IdempotencyKey.String {
				return xerrors.ErrDuplicateEntry
			}
		}
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	r.s.d.transactions[t.ID] = *t
	return nil
}

func (r *transactionRepo) Update(_ context.Context, t *transaction.Transaction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	existing, ok := r.s.d.transactions[t.ID]
	if !ok {
		return xerrors.ErrNotFound
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = time.Now()
	r.s.d.transactions[t.ID] = *t
	return nil
}

func (r *transactionRepo) find(keep func(transaction.Transaction) bool) (*transaction.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var found *transaction.Transaction
	for _, t := range r.s.d.transactions {
		if !keep(t) {
			continue
		}
		if found == nil || t.CreatedAt.After(found.CreatedAt) {
			c := t
			found = &c
		}
	}
	if found == nil {
		return nil, xerrors.ErrNotFound
	}
	return found, nil
}

func (r *transactionRepo) FindByID(_ context.Context, id string) (*transaction.Transaction, error) {
	return r.find(func(t transaction.Transaction) bool { return t.ID == id })
}

func (r *transactionRepo) FindByProviderPaymentID(_ context.Context, paymentID string) (*transaction.Transaction, error) {
	return r.find(func(t transaction.Transaction) bool {
		return t.ProviderPaymentID.Valid && t.ProviderPaymentID.String == paymentID
	})
}

func (r *transactionRepo) FindByIdempotencyKey(_ context.Context, subscriptionID, key string) (*transaction.Transaction, error) {
	return r.find(func(t transaction.Transaction) bool {
		return t.SubscriptionID == subscriptionID && t.IdempotencyKey.Valid && t.IdempotencyKey.String == key
	})
}

func (r *transactionRepo) FindScheduledDowngrade(_ context.Context, subscriptionID string) (*transaction.Transaction, error) {
	return r.find(func(t transaction.Transaction) bool {
		return t.SubscriptionID == subscriptionID && t.EffectiveAction == transaction.ActionDowngrade &&
			(t.Status == transaction.StatusDraft || t.Status == transaction.StatusPaid)
	})
}

func (r *transactionRepo) ListDueDowngrades(_ context.Context, now time.Time, limit int) ([]transaction.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []transaction.Transaction
	for _, t := range r.s.d.transactions {
		if t.EffectiveAction == transaction.ActionDowngrade &&
			(t.Status == transaction.StatusDraft || t.Status == transaction.StatusPaid) &&
			!t.PeriodStart.After(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *transactionRepo) ListByUser(_ context.Context, userID int64, filters *transaction.TransactionListFilters) ([]transaction.Transaction, int64, error) {
	f := transaction.TransactionListFilters{}
	if filters != nil {
		f = *filters
	}
	f.Normalize()

	r.s.mu.Lock()
	var all []transaction.Transaction
	for _, t := range r.s.d.transactions {
		if t.UserID != userID {
			continue
		}
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		if f.EffectiveAction != nil && t.EffectiveAction != *f.EffectiveAction {
			continue
		}
		all = append(all, t)
	}
	r.s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := int64(len(all))
	start := (f.Page - 1) * f.PageSize
	if start >= len(all) {
		return []transaction.Transaction{}, total, nil
	}
	end := start + f.PageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

type eventRepo struct{ s *Store }

func (r *eventRepo) Insert(_ context.Context, e *event.Event) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, k := range []event.KeyName{event.KeyTxID, event.KeyPaymentID, event.KeyIdempotencyKey} {
		v := e.Key(k)
		if v == "" {
			continue
		}
		for _, other := range r.s.d.events {
			if other.SubscriptionID == e.SubscriptionID && other.EventType == e.EventType && other.Key(k) == v {
				return xerrors.ErrDuplicateEntry
			}
		}
	}
	r.s.d.nextEventID++
	e.ID = r.s.d.nextEventID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	r.s.d.events = append(r.s.d.events, *e)
	return nil
}

func (r *eventRepo) FindByKey(_ context.Context, subscriptionID string, eventType event.EventType, key event.KeyName, value string) (*event.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.d.events {
		if e.SubscriptionID == subscriptionID && e.EventType == eventType && e.Key(key) == value {
			return &e, nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (r *eventRepo) FindByLegacyKey(_ context.Context, subscriptionID string, eventType event.EventType, key event.KeyName, value string) (*event.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.d.events {
		if e.SubscriptionID == subscriptionID && e.EventType == eventType && e.LegacyKey(key) == value {
			return &e, nil
		}
	}
	return nil, xerrors.ErrNotFound
}

func (r *eventRepo) ListBySubscription(_ context.Context, subscriptionID string, limit int) ([]event.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []event.Event
	for _, e := range r.s.d.events {
		if e.SubscriptionID == subscriptionID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
