// internal/repository/postgres/plan_repo.go
package postgres

import (
	"context"

	"billing-service/internal/domain/plan"

	"github.com/jackc/pgx/v5"
)

type PlanRepository struct {
	db DBTX
}

const planColumns = `
	id, code, version, name, price, currency, billing_period,
	camera_quota, caregiver_seats, sites, retention_days, storage_size,
	is_current, successor_plan_code, successor_plan_version, created_at`

func scanPlan(row pgx.Row) (*plan.Plan, error) {
	var p plan.Plan
	err := row.Scan(
		&p.ID, &p.Code, &p.Version, &p.Name, &p.Price, &p.Currency, &p.BillingPeriod,
		&p.CameraQuota, &p.CaregiverSeats, &p.Sites, &p.RetentionDays, &p.StorageSize,
		&p.IsCurrent, &p.SuccessorPlanCode, &p.SuccessorPlanVersion, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// FindByID retrieves a plan version by ID
func (r *PlanRepository) FindByID(ctx context.Context, id int64) (*plan.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE id = $1`

	p, err := scanPlan(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err, "find plan")
	}
	return p, nil
}

// FindCurrentByCode retrieves the current version of a plan code
func (r *PlanRepository) FindCurrentByCode(ctx context.Context, code string) (*plan.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE code = $1 AND is_current`

	p, err := scanPlan(r.db.QueryRow(ctx, query, code))
	if err != nil {
		return nil, mapError(err, "find current plan")
	}
	return p, nil
}

func (r *PlanRepository) FindByCodeVersion(ctx context.Context, code string, version int) (*plan.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE code = $1 AND version = $2`

	p, err := scanPlan(r.db.QueryRow(ctx, query, code, version))
	if err != nil {
		return nil, mapError(err, "find plan version")
	}
	return p, nil
}

// ListCurrent lists every current plan, cheapest first
func (r *PlanRepository) ListCurrent(ctx context.Context) ([]plan.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE is_current ORDER BY price ASC, code ASC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, mapError(err, "list plans")
	}
	defer rows.Close()

	var plans []plan.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, mapError(err, "scan plan")
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}
