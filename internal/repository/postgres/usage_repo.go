// internal/repository/postgres/usage_repo.go
package postgres

import (
	"context"

	"billing-service/internal/domain/quota"
	"billing-service/internal/repository"
)

// UsageRepository reads counters maintained by the device and storage services.
type UsageRepository struct {
	db DBTX
}

func (r *UsageRepository) GetUsage(ctx context.Context, userID int64) (quota.Usage, error) {
	var u quota.Usage

	rows, err := r.db.Query(ctx, `SELECT resource, used::float8 FROM usage_counters WHERE user_id = $1`, userID)
	if err != nil {
		return u, mapError(err, "read usage")
	}
	defer rows.Close()

	for rows.Next() {
		var resource quota.ResourceKind
		var used float64
		if err := rows.Scan(&resource, &used); err != nil {
			return u, mapError(err, "scan usage")
		}
		switch resource {
		case quota.ResourceCamera:
			u.Cameras = int64(used)
		case quota.ResourceCaregiver:
			u.Caregivers = int64(used)
		case quota.ResourceSite:
			u.Sites = int64(used)
		case quota.ResourceStorage:
			u.StorageGB = used
		}
	}
	return u, rows.Err()
}

type UserRepository struct {
	db DBTX
}

func (r *UserRepository) FindContact(ctx context.Context, userID int64) (*repository.Contact, error) {
	c := repository.Contact{UserID: userID}
	err := r.db.QueryRow(ctx, `SELECT email, phone FROM users WHERE id = $1`, userID).Scan(&c.Email, &c.Phone)
	if err != nil {
		return nil, mapError(err, "find user contact")
	}
	return &c, nil
}
