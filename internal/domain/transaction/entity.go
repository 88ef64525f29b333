// internal/domain/transaction/entity.go
package transaction

import (
	"database/sql"
	"fmt"
	"time"

	"billing-service/internal/domain/plan"
)

type TransactionStatus string

const (
	StatusDraft   TransactionStatus = "draft"
	StatusOpen    TransactionStatus = "open"
	StatusPaid    TransactionStatus = "paid"
	StatusVoid    TransactionStatus = "void"
	StatusApplied TransactionStatus = "applied"
)

// rank orders statuses along draft/open -> paid/void -> applied.
func (s TransactionStatus) rank() int {
	switch s {
	case StatusDraft, StatusOpen:
		return 0
	case StatusPaid, StatusVoid:
		return 1
	case StatusApplied:
		return 2
	default:
		return -1
	}
}

// IsPending reports whether the transaction still awaits payment or application.
func (s TransactionStatus) IsPending() bool {
	return s == StatusDraft || s == StatusOpen
}

// CanAdvance reports whether a transaction may move from one status to
// another. Status only moves forward; a voided transaction is final and
// applied is terminal.
func CanAdvance(from, to TransactionStatus) bool {
	if from.rank() < 0 || to.rank() < 0 {
		return false
	}
	if from == to {
		return true
	}
	if from == StatusVoid || from == StatusApplied {
		return false
	}
	if from == StatusDraft && to == StatusOpen {
		return true
	}
	return to.rank() > from.rank()
}

// EffectiveAction is the closed set of intents a transaction can carry.
type EffectiveAction string

const (
	ActionNew        EffectiveAction = "new"
	ActionUpgrade    EffectiveAction = "upgrade"
	ActionDowngrade  EffectiveAction = "downgrade"
	ActionRenew      EffectiveAction = "renew"
	ActionAdjustment EffectiveAction = "adjustment"
)

// ErrUnknownAction is returned when a stored action falls outside the closed set.
type ErrUnknownAction struct {
	Value string
}

func (e *ErrUnknownAction) Error() string {
	return fmt.Sprintf("unknown effective action %q", e.Value)
}

// ParseEffectiveAction validates a raw action string.
func ParseEffectiveAction(raw string) (EffectiveAction, error) {
	switch a := EffectiveAction(raw); a {
	case ActionNew, ActionUpgrade, ActionDowngrade, ActionRenew, ActionAdjustment:
		return a, nil
	}
	return "", &ErrUnknownAction{Value: raw}
}

// Provider names
const (
	ProviderStripe = "stripe"
	ProviderManual = "manual"
	ProviderNone   = "none"
)

type Transaction struct {
	ID             string `json:"id" db:"id"`
	SubscriptionID string `json:"subscription_id" db:"subscription_id"`
	UserID         int64  `json:"user_id" db:"user_id"`
	PlanCode       string `json:"plan_code" db:"plan_code"`

	PlanSnapshotOld *plan.Snapshot `json:"plan_snapshot_old,omitempty" db:"plan_snapshot_old"`
	PlanSnapshotNew *plan.Snapshot `json:"plan_snapshot_new,omitempty" db:"plan_snapshot_new"`

	// Amounts, minor units
	AmountSubtotal int64  `json:"amount_subtotal" db:"amount_subtotal"`
	AmountDiscount int64  `json:"amount_discount" db:"amount_discount"`
	AmountTax      int64  `json:"amount_tax" db:"amount_tax"`
	AmountTotal    int64  `json:"amount_total" db:"amount_total"`
	Currency       string `json:"currency" db:"currency"`

	PeriodStart time.Time `json:"period_start" db:"period_start"`
	PeriodEnd   time.Time `json:"period_end" db:"period_end"`

	EffectiveAction EffectiveAction   `json:"effective_action" db:"effective_action"`
	Status          TransactionStatus `json:"status" db:"status"`

	// Proration
	IsProration     bool  `json:"is_proration" db:"is_proration"`
	ProrationCharge int64 `json:"proration_charge" db:"proration_charge"`
	ProrationCredit int64 `json:"proration_credit" db:"proration_credit"`

	IdempotencyKey sql.NullString `json:"idempotency_key,omitempty" db:"idempotency_key"`

	// Payment provider
	Provider          string         `json:"provider" db:"provider"`
	ProviderPaymentID sql.NullString `json:"provider_payment_id,omitempty" db:"provider_payment_id"`
	PaymentURL        sql.NullString `json:"payment_url,omitempty" db:"payment_url"`

	RelatedTxID sql.NullString `json:"related_tx_id,omitempty" db:"related_tx_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TargetPlanCode is the plan the transaction moves the subscription to.
func (t *Transaction) TargetPlanCode() string {
	if t.PlanSnapshotNew != nil {
		return t.PlanSnapshotNew.Code
	}
	return t.PlanCode
}
