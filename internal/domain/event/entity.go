// internal/domain/event/entity.go
package event

import (
	"database/sql"
	"time"
)

type EventType string

const (
	TypeCreated             EventType = "created"
	TypeActivated           EventType = "activated"
	TypeUpgraded            EventType = "upgraded"
	TypeDowngraded          EventType = "downgraded"
	TypeRenewed             EventType = "renewed"
	TypeExpired             EventType = "expired"
	TypeCanceled            EventType = "canceled"
	TypePaused              EventType = "paused"
	TypeResumed             EventType = "resumed"
	TypeSuspended           EventType = "suspended"
	TypeDowngradeScheduled  EventType = "downgrade_scheduled"
	TypeDowngradeCanceled   EventType = "downgrade_canceled"
	TypeEntitlementsUpdated EventType = "entitlements_updated"
	TypeRenewalFailed       EventType = "renewal_failed"
	TypeReminderSent        EventType = "reminder_sent"
)

// KeyName names the correlation column an event is deduplicated on.
type KeyName string

const (
	KeyTxID           KeyName = "tx_id"
	KeyPaymentID      KeyName = "payment_id"
	KeyIdempotencyKey KeyName = "idempotency_key"
)

// Valid reports whether k is one of the indexed correlation columns.
func (k KeyName) Valid() bool {
	switch k {
	case KeyTxID, KeyPaymentID, KeyIdempotencyKey:
		return true
	}
	return false
}

// Event is an append-only ledger record. Rows are never updated or deleted.
type Event struct {
	ID             int64                  `json:"id" db:"id"`
	SubscriptionID string                 `json:"subscription_id" db:"subscription_id"`
	EventType      EventType              `json:"event_type" db:"event_type"`
	EventData      map[string]interface{} `json:"event_data,omitempty" db:"event_data"`
	TxID           sql.NullString         `json:"tx_id,omitempty" db:"tx_id"`
	PaymentID      sql.NullString         `json:"payment_id,omitempty" db:"payment_id"`
	IdempotencyKey sql.NullString         `json:"idempotency_key,omitempty" db:"idempotency_key"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
}

// SetKey stores value in the scalar column named by k.
func (e *Event) SetKey(k KeyName, value string) {
	v := sql.NullString{String: value, Valid: value != ""}
	switch k {
	case KeyTxID:
		e.TxID = v
	case KeyPaymentID:
		e.PaymentID = v
	case KeyIdempotencyKey:
		e.IdempotencyKey = v
	}
}

// Key returns the scalar column named by k.
func (e *Event) Key(k KeyName) string {
	switch k {
	case KeyTxID:
		return e.TxID.String
	case KeyPaymentID:
		return e.PaymentID.String
	case KeyIdempotencyKey:
		return e.IdempotencyKey.String
	}
	return ""
}

// LegacyKey returns the correlation value kept inside event_data by rows
// written before the scalar columns existed.
func (e *Event) LegacyKey(k KeyName) string {
	if e.EventData == nil {
		return ""
	}
	for _, name := range LegacyNames(k) {
		if v, ok := e.EventData[name].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// LegacyNames lists the event_data keys consulted for k, in lookup order.
func LegacyNames(k KeyName) []string {
	switch k {
	case KeyTxID:
		return []string{"tx_id", "transactionId"}
	case KeyPaymentID:
		return []string{"payment_id", "paymentId"}
	default:
		return []string{string(k)}
	}
}

type EventListResponse struct {
	Events []Event `json:"events"`
	Total  int     `json:"total"`
}
