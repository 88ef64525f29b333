// internal/repository/postgres/event_repo.go
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"billing-service/internal/domain/event"

	"github.com/jackc/pgx/v5"
)

type EventRepository struct {
	db DBTX
}

const eventColumns = `id, subscription_id, event_type, event_data, tx_id, payment_id, idempotency_key, created_at`

func scanEvent(row pgx.Row) (*event.Event, error) {
	var e event.Event
	var dataJSON []byte

	err := row.Scan(&e.ID, &e.SubscriptionID, &e.EventType, &dataJSON, &e.TxID, &e.PaymentID, &e.IdempotencyKey, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &e.EventData); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
	}
	return &e, nil
}

// Insert appends an event
func (r *EventRepository) Insert(ctx context.Context, e *event.Event) error {
	query := `
		INSERT INTO subscription_events (subscription_id, event_type, event_data, tx_id, payment_id, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	data := e.EventData
	if data == nil {
		data = map[string]interface{}{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	err = r.db.QueryRow(ctx, query,
		e.SubscriptionID, e.EventType, dataJSON, e.TxID, e.PaymentID, e.IdempotencyKey,
	).Scan(&e.ID, &e.CreatedAt)

	return mapError(err, "insert event")
}

// keyColumn whitelists the scalar columns that may be interpolated.
func keyColumn(key event.KeyName) (string, error) {
	if !key.Valid() {
		return "", fmt.Errorf("unknown correlation key %q", key)
	}
	return string(key), nil
}

func (r *EventRepository) FindByKey(ctx context.Context, subscriptionID string, eventType event.EventType, key event.KeyName, value string) (*event.Event, error) {
	col, err := keyColumn(key)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + eventColumns + ` FROM subscription_events
		WHERE subscription_id = $1 AND event_type = $2 AND ` + col + ` = $3
		LIMIT 1`

	e, err := scanEvent(r.db.QueryRow(ctx, query, subscriptionID, eventType, value))
	if err != nil {
		return nil, mapError(err, "find event")
	}
	return e, nil
}

func (r *EventRepository) FindByLegacyKey(ctx context.Context, subscriptionID string, eventType event.EventType, key event.KeyName, value string) (*event.Event, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("unknown correlation key %q", key)
	}

	query := `SELECT ` + eventColumns + ` FROM subscription_events
		WHERE subscription_id = $1 AND event_type = $2 AND event_data ->> $3 = $4
		LIMIT 1`

	var lastErr error
	for _, name := range event.LegacyNames(key) {
		e, err := scanEvent(r.db.QueryRow(ctx, query, subscriptionID, eventType, name, value))
		if err == nil {
			return e, nil
		}
		lastErr = mapError(err, "find legacy event")
	}
	return nil, lastErr
}

// ListBySubscription returns the most recent events in chronological order
func (r *EventRepository) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]event.Event, error) {
	query := `
		SELECT * FROM (
			SELECT ` + eventColumns + ` FROM subscription_events
			WHERE subscription_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, subscriptionID, limitOrDefault(limit))
	if err != nil {
		return nil, mapError(err, "list events")
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, mapError(err, "scan event")
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}
