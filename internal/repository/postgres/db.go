// internal/repository/postgres/db.go
package postgres

import (
	"context"
	"errors"
	"fmt"

	xerrors "billing-service/internal/pkg/errors"
	"billing-service/internal/pkg/lock"
	"billing-service/internal/repository"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so every repository
// works inside and outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type DB struct {
	pool *pgxpool.Pool
}

func NewDB(pool *pgxpool.Pool) *DB {
	return &DB{pool: pool}
}

func (db *DB) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return db.pool.Begin(ctx)
}

func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// repos binds the repositories to one DBTX.
type repos struct {
	q DBTX
}

func (r repos) Plans() repository.PlanRepository                 { return &PlanRepository{db: r.q} }
func (r repos) Subscriptions() repository.SubscriptionRepository { return &SubscriptionRepository{db: r.q} }
func (r repos) Transactions() repository.TransactionRepository   { return &TransactionRepository{db: r.q} }
func (r repos) Events() repository.EventRepository               { return &EventRepository{db: r.q} }

// Store implements repository.Store on a pgx pool.
type Store struct {
	repos
	db *DB
}

func NewStore(db *DB) *Store {
	return &Store{repos: repos{q: db.pool}, db: db}
}

func (s *Store) Usage() repository.UsageReader    { return &UsageRepository{db: s.db.pool} }
func (s *Store) Users() repository.UserDirectory { return &UserRepository{db: s.db.pool} }

func (s *Store) WithTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&unitOfWork{repos: repos{q: tx}, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type unitOfWork struct {
	repos
	tx pgx.Tx
}

// TryAdvisoryLock takes a transaction-scoped advisory lock; Postgres drops
// it on commit or rollback.
func (u *unitOfWork) TryAdvisoryLock(ctx context.Context, key string) (bool, error) {
	var ok bool
	if err := u.tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", lock.HashKey(key)).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to take advisory lock %s: %w", key, err)
	}
	return ok, nil
}

// mapError turns driver errors into repository sentinels.
func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return xerrors.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", what, xerrors.ErrDuplicateEntry)
	}
	return fmt.Errorf("failed to %s: %w", what, err)
}
