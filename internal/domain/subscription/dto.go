// internal/domain/subscription/dto.go
package subscription

import (
	"time"

	"billing-service/internal/domain/plan"
)

type UpgradeRequest struct {
	UserID         int64  `json:"-"`
	PlanCode       string `json:"plan_code" binding:"required,max=50"`
	IdempotencyKey string `json:"idempotency_key" binding:"omitempty,max=128"`
}

type DowngradeRequest struct {
	UserID   int64  `json:"-"`
	PlanCode string `json:"plan_code" binding:"required,max=50"`
}

type ScheduleDowngradeRequest struct {
	UserID      int64      `json:"-"`
	PlanCode    string     `json:"plan_code" binding:"required,max=50"`
	EffectiveAt *time.Time `json:"effective_at"`
}

type CancelRequest struct {
	Reason string `json:"reason" binding:"omitempty,max=500"`
}

type ConfirmPaidRequest struct {
	UserID     int64  `json:"-"`
	PaymentRef string `json:"payment_ref" binding:"required"`
	PlanCode   string `json:"plan_code" binding:"omitempty,max=50"`
}

type StatusChangeRequest struct {
	Reason string `json:"reason" binding:"omitempty,max=500"`
}

// UpgradeResult is returned by PrepareUpgrade.
type UpgradeResult struct {
	TransactionID string    `json:"transaction_id"`
	Status        string    `json:"status"`
	AmountDue     int64     `json:"amount_due"`
	AmountMajor   string    `json:"amount_major"`
	Currency      string    `json:"currency"`
	PaymentURL    string    `json:"payment_url,omitempty"`
	Applied       bool      `json:"applied"`
	FromPlan      string    `json:"from_plan"`
	ToPlan        string    `json:"to_plan"`
	PeriodEnd     time.Time `json:"period_end"`
}

// ScheduleResult is returned by ScheduleDowngrade and CancelWithPolicy.
type ScheduleResult struct {
	TransactionID string    `json:"transaction_id"`
	TargetPlan    string    `json:"target_plan"`
	EffectiveAt   time.Time `json:"effective_at"`
}

type CancelResult struct {
	SubscriptionID    string         `json:"subscription_id"`
	CancelAtPeriodEnd bool           `json:"cancel_at_period_end"`
	EffectiveAt       time.Time      `json:"effective_at"`
	RefundMinor       int64          `json:"refund_minor"`
	Downgrade         ScheduleResult `json:"downgrade"`
}

// ConfirmResult is returned by ConfirmPaid and HandlePaymentSuccess. A replay
// returns the same values with Replayed set.
type ConfirmResult struct {
	SubscriptionID  string             `json:"subscription_id"`
	TransactionID   string             `json:"transaction_id"`
	PaymentID       string             `json:"payment_id"`
	EffectiveAction string             `json:"effective_action"`
	Status          SubscriptionStatus `json:"status"`
	PlanCode        string             `json:"plan_code"`
	Replayed        bool               `json:"replayed"`
	SelfHealed      bool               `json:"self_healed,omitempty"`
}

type SubscriptionResponse struct {
	Subscription *Subscription `json:"subscription"`
	Plan         *plan.Plan    `json:"plan,omitempty"`
}
