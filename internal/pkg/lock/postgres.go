// internal/pkg/lock/postgres.go
package lock

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// PGLocker takes session-level advisory locks on a dedicated connection so
// the lock outlives any single transaction of the job it guards.
type PGLocker struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPGLocker(db *sql.DB, logger *zap.Logger) *PGLocker {
	return &PGLocker{db: db, logger: logger}
}

func (l *PGLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	lockID := HashKey(key)

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("lock connection for %s: %w", key, err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("try advisory lock for %s: %w", key, err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// The caller's ctx may already be done.
			if _, err := conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", lockID); err != nil {
				l.logger.Warn("advisory unlock failed", zap.String("key", key), zap.Error(err))
			}
			conn.Close()
		})
	}
	return release, true, nil
}
