// internal/domain/quota/entity.go
package quota

import (
	"fmt"
	"time"
)

type ResourceKind string

const (
	ResourceCamera    ResourceKind = "camera"
	ResourceCaregiver ResourceKind = "caregiver"
	ResourceStorage   ResourceKind = "storage"
	ResourceSite      ResourceKind = "site"
)

func (k ResourceKind) Valid() bool {
	switch k {
	case ResourceCamera, ResourceCaregiver, ResourceStorage, ResourceSite:
		return true
	}
	return false
}

// Action distinguishes creating a resource from writing into it.
type Action string

const (
	ActionAdd Action = "add"
	ActionUse Action = "use"
)

func (a Action) Valid() bool {
	return a == ActionAdd || a == ActionUse
}

// Quota is the effective allowance: plan quota plus manual add-ons.
type Quota struct {
	CameraQuota    int    `json:"camera_quota"`
	CaregiverSeats int    `json:"caregiver_seats"`
	Sites          int    `json:"sites"`
	RetentionDays  int    `json:"retention_days"`
	StorageGB      int    `json:"storage_gb"`
	PlanCode       string `json:"plan_code"`
	Source         string `json:"source"` // subscription or default
}

// FreeTier is used when no active subscription resolves for the user.
var FreeTier = Quota{
	CameraQuota:    1,
	CaregiverSeats: 1,
	Sites:          1,
	RetentionDays:  3,
	StorageGB:      1,
	PlanCode:       "basic",
	Source:         "default",
}

// Limit returns the quota for kind.
func (q Quota) Limit(kind ResourceKind) int {
	switch kind {
	case ResourceCamera:
		return q.CameraQuota
	case ResourceCaregiver:
		return q.CaregiverSeats
	case ResourceStorage:
		return q.StorageGB
	case ResourceSite:
		return q.Sites
	}
	return 0
}

// Usage is the current consumption per resource kind. Storage is in GB.
type Usage struct {
	Cameras    int64   `json:"cameras"`
	Caregivers int64   `json:"caregivers"`
	Sites      int64   `json:"sites"`
	StorageGB  float64 `json:"storage_gb"`
}

// Used returns the usage for kind as a float for percentage math.
func (u Usage) Used(kind ResourceKind) float64 {
	switch kind {
	case ResourceCamera:
		return float64(u.Cameras)
	case ResourceCaregiver:
		return float64(u.Caregivers)
	case ResourceStorage:
		return u.StorageGB
	case ResourceSite:
		return float64(u.Sites)
	}
	return 0
}

type SoftCapWarning struct {
	Resource   ResourceKind `json:"resource"`
	Used       float64      `json:"used"`
	Limit      int          `json:"limit"`
	Percentage float64      `json:"percentage"`
	Message    string       `json:"message"`
}

type GracePeriodInfo struct {
	Allowed       bool      `json:"allowed"`
	InGrace       bool      `json:"in_grace"`
	DaysRemaining int       `json:"days_remaining"`
	EndsAt        time.Time `json:"ends_at"`
	Reason        string    `json:"reason,omitempty"`
	Message       string    `json:"message,omitempty"`
}

type EntitlementResult struct {
	Allowed     bool             `json:"allowed"`
	Resource    ResourceKind     `json:"resource"`
	Action      Action           `json:"action"`
	Reason      string           `json:"reason,omitempty"`
	Message     string           `json:"message,omitempty"`
	Warning     *SoftCapWarning  `json:"warning,omitempty"`
	GracePeriod *GracePeriodInfo `json:"grace_period,omitempty"`
}

// QuotaExceededError is the hard-cap failure.
type QuotaExceededError struct {
	Resource ResourceKind `json:"resource"`
	Used     float64      `json:"used"`
	Limit    int          `json:"limit"`
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded: %.0f of %d used", e.Resource, e.Used, e.Limit)
}
