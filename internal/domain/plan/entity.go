// internal/domain/plan/entity.go
package plan

import (
	"database/sql"
	"time"
)

type BillingPeriod string

const (
	PeriodMonthly    BillingPeriod = "monthly"
	PeriodSemiannual BillingPeriod = "semiannual"
	PeriodYearly     BillingPeriod = "yearly"
	PeriodNone       BillingPeriod = "none"
)

// CodeBasic is the free tier every user falls back to.
const CodeBasic = "basic"

// Months returns how many calendar months one billing period spans.
// PeriodNone spans zero months.
func (p BillingPeriod) Months() int {
	switch p {
	case PeriodMonthly:
		return 1
	case PeriodSemiannual:
		return 6
	case PeriodYearly:
		return 12
	default:
		return 0
	}
}

// Valid reports whether p is a known billing period.
func (p BillingPeriod) Valid() bool {
	switch p {
	case PeriodMonthly, PeriodSemiannual, PeriodYearly, PeriodNone:
		return true
	}
	return false
}

// Recurring reports whether the period ever renews.
func (p BillingPeriod) Recurring() bool {
	return p.Months() > 0
}

// AddTo returns the end of one period starting at start.
func (p BillingPeriod) AddTo(start time.Time) time.Time {
	return start.AddDate(0, p.Months(), 0)
}

// Plan is one immutable version of a catalog entry. Exactly one version per
// code carries IsCurrent.
type Plan struct {
	ID      int64  `json:"id" db:"id"`
	Code    string `json:"code" db:"code"`
	Version int    `json:"version" db:"version"`
	Name    string `json:"name" db:"name"`

	// Pricing, in major units of Currency for one BillingPeriod
	Price         int64         `json:"price" db:"price"`
	Currency      string        `json:"currency" db:"currency"`
	BillingPeriod BillingPeriod `json:"billing_period" db:"billing_period"`

	// Quotas
	CameraQuota    int `json:"camera_quota" db:"camera_quota"`
	CaregiverSeats int `json:"caregiver_seats" db:"caregiver_seats"`
	Sites          int `json:"sites" db:"sites"`
	RetentionDays  int `json:"retention_days" db:"retention_days"`
	StorageSize    int `json:"storage_size" db:"storage_size"` // GB

	IsCurrent bool `json:"is_current" db:"is_current"`

	// Deprecation migration target
	SuccessorPlanCode    sql.NullString `json:"successor_plan_code,omitempty" db:"successor_plan_code"`
	SuccessorPlanVersion sql.NullInt32  `json:"successor_plan_version,omitempty" db:"successor_plan_version"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// IsFree reports whether the plan never charges.
func (p *Plan) IsFree() bool {
	return p.Price == 0 || !p.BillingPeriod.Recurring()
}

// HasSuccessor reports whether a deprecation target is configured.
func (p *Plan) HasSuccessor() bool {
	return p.SuccessorPlanCode.Valid && p.SuccessorPlanCode.String != "" && p.SuccessorPlanVersion.Valid
}

// Snapshot is the point-in-time pricing and quota copy stored alongside
// subscriptions and transactions.
type Snapshot struct {
	PlanID         int64         `json:"plan_id"`
	Code           string        `json:"code"`
	Version        int           `json:"version"`
	Name           string        `json:"name"`
	Price          int64         `json:"price"`
	Currency       string        `json:"currency"`
	BillingPeriod  BillingPeriod `json:"billing_period"`
	CameraQuota    int           `json:"camera_quota"`
	CaregiverSeats int           `json:"caregiver_seats"`
	Sites          int           `json:"sites"`
	RetentionDays  int           `json:"retention_days"`
	StorageSize    int           `json:"storage_size"`
}

// Snapshot copies the fields that must survive later catalog changes.
func (p *Plan) Snapshot() Snapshot {
	return Snapshot{
		PlanID:         p.ID,
		Code:           p.Code,
		Version:        p.Version,
		Name:           p.Name,
		Price:          p.Price,
		Currency:       p.Currency,
		BillingPeriod:  p.BillingPeriod,
		CameraQuota:    p.CameraQuota,
		CaregiverSeats: p.CaregiverSeats,
		Sites:          p.Sites,
		RetentionDays:  p.RetentionDays,
		StorageSize:    p.StorageSize,
	}
}
