// internal/domain/subscription/entity.go
package subscription

import (
	"database/sql"
	"time"

	"billing-service/internal/domain/plan"
)

type SubscriptionStatus string

const (
	StatusTrialing  SubscriptionStatus = "trialing"
	StatusActive    SubscriptionStatus = "active"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusPaused    SubscriptionStatus = "paused"
	StatusCanceled  SubscriptionStatus = "canceled"
	StatusExpired   SubscriptionStatus = "expired"
	StatusSuspended SubscriptionStatus = "suspended"
)

// ActiveFamily lists the statuses of which a user may hold at most one
// subscription at a time.
var ActiveFamily = []SubscriptionStatus{StatusTrialing, StatusActive, StatusPastDue, StatusPaused}

// IsActiveFamily reports whether s counts towards the one-per-user limit.
func (s SubscriptionStatus) IsActiveFamily() bool {
	for _, st := range ActiveFamily {
		if s == st {
			return true
		}
	}
	return false
}

type transition struct {
	from SubscriptionStatus
	to   SubscriptionStatus
}

var validTransitions = map[transition]bool{
	{StatusTrialing, StatusActive}:    true,
	{StatusTrialing, StatusExpired}:   true,
	{StatusTrialing, StatusSuspended}: true,
	{StatusActive, StatusPastDue}:     true,
	{StatusActive, StatusPaused}:      true,
	{StatusActive, StatusCanceled}:    true,
	{StatusActive, StatusExpired}:     true,
	{StatusActive, StatusSuspended}:   true,
	{StatusPastDue, StatusActive}:     true,
	{StatusPastDue, StatusPaused}:     true,
	{StatusPastDue, StatusCanceled}:   true,
	{StatusPastDue, StatusExpired}:    true,
	{StatusPastDue, StatusSuspended}:  true,
	{StatusPaused, StatusActive}:      true,
	{StatusPaused, StatusPastDue}:     true,
	{StatusPaused, StatusCanceled}:    true,
	{StatusPaused, StatusExpired}:     true,
	{StatusPaused, StatusSuspended}:   true,
	{StatusSuspended, StatusActive}:   true,
	{StatusSuspended, StatusExpired}:  true,
}

// CanTransition reports whether the lifecycle allows moving from one status
// to another. Staying in the same status is always allowed.
func CanTransition(from, to SubscriptionStatus) bool {
	if from == to {
		return true
	}
	return validTransitions[transition{from, to}]
}

type Subscription struct {
	ID     string `json:"id" db:"id"`
	UserID int64  `json:"user_id" db:"user_id"`

	// Plan
	PlanID        int64              `json:"plan_id" db:"plan_id"`
	PlanCode      string             `json:"plan_code" db:"plan_code"`
	PlanSnapshot  plan.Snapshot      `json:"plan_snapshot" db:"plan_snapshot"`
	BillingPeriod plan.BillingPeriod `json:"billing_period" db:"billing_period"`

	// Status
	Status            SubscriptionStatus `json:"status" db:"status"`
	CancelAtPeriodEnd bool               `json:"cancel_at_period_end" db:"cancel_at_period_end"`
	CanceledAt        sql.NullTime       `json:"canceled_at,omitempty" db:"canceled_at"`
	CancelReason      sql.NullString     `json:"cancel_reason,omitempty" db:"cancel_reason"`

	// Period
	CurrentPeriodStart time.Time `json:"current_period_start" db:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end" db:"current_period_end"`

	// Renewal
	AutoRenew           bool         `json:"auto_renew" db:"auto_renew"`
	RenewalAttemptCount int          `json:"renewal_attempt_count" db:"renewal_attempt_count"`
	NextRenewAttemptAt  sql.NullTime `json:"next_renew_attempt_at,omitempty" db:"next_renew_attempt_at"`
	LastPaymentAt       sql.NullTime `json:"last_payment_at,omitempty" db:"last_payment_at"`

	// Manual add-ons
	ExtraCameraQuota    int `json:"extra_camera_quota" db:"extra_camera_quota"`
	ExtraCaregiverSeats int `json:"extra_caregiver_seats" db:"extra_caregiver_seats"`
	ExtraSites          int `json:"extra_sites" db:"extra_sites"`
	ExtraStorageGB      int `json:"extra_storage_gb" db:"extra_storage_gb"`

	// Timestamps
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ApplyPlan points the subscription at p and refreshes the snapshot.
func (s *Subscription) ApplyPlan(p *plan.Plan) {
	s.PlanID = p.ID
	s.PlanCode = p.Code
	s.PlanSnapshot = p.Snapshot()
	s.BillingPeriod = p.BillingPeriod
}

// GraceAnchor is the instant the quota grace period counts from.
func (s *Subscription) GraceAnchor() time.Time {
	if s.LastPaymentAt.Valid {
		return s.LastPaymentAt.Time
	}
	return s.CurrentPeriodStart
}

// IsPaidPeriod reports whether the subscription is billed on a recurring period.
func (s *Subscription) IsPaidPeriod() bool {
	return s.BillingPeriod.Recurring() && !s.CurrentPeriodEnd.IsZero()
}
