// internal/service/ledger/ledger.go
package ledger

import (
	"context"
	"fmt"

	"billing-service/internal/domain/event"
	"billing-service/internal/metrics"
	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/repository"

	"go.uber.org/zap"
)

// Service is the append-only subscription event ledger. Every write takes
// the repos of the caller's unit of work so the event commits or rolls back
// together with the mutation it records.
type Service struct {
	events  repository.EventRepository
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewService(events repository.EventRepository, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{events: events, metrics: m, logger: logger}
}

// CreateIfNotExists returns the existing event for (subscription, type, key)
// or inserts a new one. created reports whether a row was written.
func (s *Service) CreateIfNotExists(
	ctx context.Context,
	repos repository.Repos,
	subscriptionID string,
	eventType event.EventType,
	key event.KeyName,
	value string,
	payload map[string]interface{},
) (*event.Event, bool, error) {
	if !key.Valid() {
		return nil, false, fmt.Errorf("unknown correlation key %q", key)
	}
	if value == "" {
		return nil, false, fmt.Errorf("empty %s for %s event", key, eventType)
	}

	existing, err := s.find(ctx, repos, subscriptionID, eventType, key, value)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		s.metrics.LedgerReplaysTotal.WithLabelValues(string(eventType)).Inc()
		s.logger.Info("ledger event already recorded",
			zap.String("subscription_id", subscriptionID),
			zap.String("event_type", string(eventType)),
			zap.String(string(key), value),
		)
		return existing, false, nil
	}

	data := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		data[k] = v
	}
	data[string(key)] = value

	e := &event.Event{SubscriptionID: subscriptionID, EventType: eventType, EventData: data}
	e.SetKey(key, value)

	if err := repos.Events().Insert(ctx, e); err != nil {
		return nil, false, fmt.Errorf("failed to record %s event: %w", eventType, err)
	}
	s.metrics.TransitionsTotal.WithLabelValues(string(eventType)).Inc()
	return e, true, nil
}

// Exists reports whether an event with the correlation value is recorded.
func (s *Service) Exists(
	ctx context.Context,
	repos repository.Repos,
	subscriptionID string,
	eventType event.EventType,
	key event.KeyName,
	value string,
) (bool, error) {
	if value == "" {
		return false, nil
	}
	e, err := s.find(ctx, repos, subscriptionID, eventType, key, value)
	if err != nil {
		return false, err
	}
	return e != nil, nil
}

// Append records an event that carries no correlation key.
func (s *Service) Append(
	ctx context.Context,
	repos repository.Repos,
	subscriptionID string,
	eventType event.EventType,
	payload map[string]interface{},
) (*event.Event, error) {
	e := &event.Event{SubscriptionID: subscriptionID, EventType: eventType, EventData: payload}
	if err := repos.Events().Insert(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to record %s event: %w", eventType, err)
	}
	s.metrics.TransitionsTotal.WithLabelValues(string(eventType)).Inc()
	return e, nil
}

// History reads a subscription's events without locking.
func (s *Service) History(ctx context.Context, subscriptionID string, limit int) ([]event.Event, error) {
	events, err := s.events.ListBySubscription(ctx, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return events, nil
}

func (s *Service) find(
	ctx context.Context,
	repos repository.Repos,
	subscriptionID string,
	eventType event.EventType,
	key event.KeyName,
	value string,
) (*event.Event, error) {
	e, err := repos.Events().FindByKey(ctx, subscriptionID, eventType, key, value)
	if err == nil {
		return e, nil
	}
	if !xerrors.Is(err, xerrors.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up %s event: %w", eventType, err)
	}

	e, err = repos.Events().FindByLegacyKey(ctx, subscriptionID, eventType, key, value)
	if err == nil {
		return e, nil
	}
	if !xerrors.Is(err, xerrors.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up legacy %s event: %w", eventType, err)
	}
	return nil, nil
}
