// internal/repository/postgres/transaction_repo.go
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"billing-service/internal/domain/plan"
	"billing-service/internal/domain/transaction"

	"github.com/jackc/pgx/v5"
)

type TransactionRepository struct {
	db DBTX
}

const transactionColumns = `
	id, subscription_id, user_id, plan_code, plan_snapshot_old, plan_snapshot_new,
	amount_subtotal, amount_discount, amount_tax, amount_total, currency,
	period_start, period_end, effective_action, status,
	is_proration, proration_charge, proration_credit, idempotency_key,
	provider, provider_payment_id, payment_url, related_tx_id,
	created_at, updated_at`

func marshalSnapshot(s *plan.Snapshot) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plan snapshot: %w", err)
	}
	return b, nil
}

func unmarshalSnapshot(b []byte) (*plan.Snapshot, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var s plan.Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan snapshot: %w", err)
	}
	return &s, nil
}

func scanTransaction(row pgx.Row) (*transaction.Transaction, error) {
	var t transaction.Transaction
	var oldJSON, newJSON []byte
	var periodEnd *time.Time

	err := row.Scan(
		&t.ID, &t.SubscriptionID, &t.UserID, &t.PlanCode, &oldJSON, &newJSON,
		&t.AmountSubtotal, &t.AmountDiscount, &t.AmountTax, &t.AmountTotal, &t.Currency,
		&t.PeriodStart, &periodEnd, &t.EffectiveAction, &t.Status,
		&t.IsProration, &t.ProrationCharge, &t.ProrationCredit, &t.IdempotencyKey,
		&t.Provider, &t.ProviderPaymentID, &t.PaymentURL, &t.RelatedTxID,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if periodEnd != nil {
		t.PeriodEnd = *periodEnd
	}
	if t.PlanSnapshotOld, err = unmarshalSnapshot(oldJSON); err != nil {
		return nil, err
	}
	if t.PlanSnapshotNew, err = unmarshalSnapshot(newJSON); err != nil {
		return nil, err
	}
	return &t, nil
}

// Create inserts a transaction. A repeated (subscription_id, idempotency_key)
// pair returns ErrDuplicateEntry.
func (r *TransactionRepository) Create(ctx context.Context, t *transaction.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, subscription_id, user_id, plan_code, plan_snapshot_old, plan_snapshot_new,
			amount_subtotal, amount_discount, amount_tax, amount_total, currency,
			period_start, period_end, effective_action, status,
			is_proration, proration_charge, proration_credit, idempotency_key,
			provider, provider_payment_id, payment_url, related_tx_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		RETURNING created_at, updated_at
	`

	oldJSON, err := marshalSnapshot(t.PlanSnapshotOld)
	if err != nil {
		return err
	}
	newJSON, err := marshalSnapshot(t.PlanSnapshotNew)
	if err != nil {
		return err
	}

	err = r.db.QueryRow(
		ctx, query,
		t.ID, t.SubscriptionID, t.UserID, t.PlanCode, oldJSON, newJSON,
		t.AmountSubtotal, t.AmountDiscount, t.AmountTax, t.AmountTotal, t.Currency,
		t.PeriodStart, nullableTime(t.PeriodEnd), t.EffectiveAction, t.Status,
		t.IsProration, t.ProrationCharge, t.ProrationCredit, t.IdempotencyKey,
		t.Provider, t.ProviderPaymentID, t.PaymentURL, t.RelatedTxID,
	).Scan(&t.CreatedAt, &t.UpdatedAt)

	return mapError(err, "create transaction")
}

// Update writes the mutable columns of a transaction
func (r *TransactionRepository) Update(ctx context.Context, t *transaction.Transaction) error {
	query := `
		UPDATE transactions SET
			plan_snapshot_new = $2, amount_subtotal = $3, amount_total = $4,
			period_start = $5, period_end = $6, status = $7,
			provider = $8, provider_payment_id = $9, payment_url = $10,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	newJSON, err := marshalSnapshot(t.PlanSnapshotNew)
	if err != nil {
		return err
	}

	err = r.db.QueryRow(
		ctx, query,
		t.ID, newJSON, t.AmountSubtotal, t.AmountTotal,
		t.PeriodStart, nullableTime(t.PeriodEnd), t.Status,
		t.Provider, t.ProviderPaymentID, t.PaymentURL,
	).Scan(&t.UpdatedAt)

	return mapError(err, "update transaction")
}

func (r *TransactionRepository) findOne(ctx context.Context, what, where string, args ...any) (*transaction.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` + where + ` ORDER BY created_at DESC LIMIT 1`

	t, err := scanTransaction(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, mapError(err, what)
	}
	return t, nil
}

func (r *TransactionRepository) FindByID(ctx context.Context, id string) (*transaction.Transaction, error) {
	return r.findOne(ctx, "find transaction", `id = $1`, id)
}

func (r *TransactionRepository) FindByProviderPaymentID(ctx context.Context, paymentID string) (*transaction.Transaction, error) {
	return r.findOne(ctx, "find transaction by payment", `provider_payment_id = $1`, paymentID)
}

func (r *TransactionRepository) FindByIdempotencyKey(ctx context.Context, subscriptionID, key string) (*transaction.Transaction, error) {
	return r.findOne(ctx, "find transaction by idempotency key",
		`subscription_id = $1 AND idempotency_key = $2`, subscriptionID, key)
}

func (r *TransactionRepository) FindScheduledDowngrade(ctx context.Context, subscriptionID string) (*transaction.Transaction, error) {
	return r.findOne(ctx, "find scheduled downgrade",
		`subscription_id = $1 AND effective_action = 'downgrade' AND status IN ('draft', 'paid')`, subscriptionID)
}

func (r *TransactionRepository) list(ctx context.Context, what, query string, args ...any) ([]transaction.Transaction, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, what)
	}
	defer rows.Close()

	var txs []transaction.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, mapError(err, what)
		}
		txs = append(txs, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, what)
	}
	return txs, nil
}

// ListDueDowngrades selects scheduled downgrades whose anchor has passed
func (r *TransactionRepository) ListDueDowngrades(ctx context.Context, now time.Time, limit int) ([]transaction.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE effective_action = 'downgrade' AND status IN ('draft', 'paid') AND period_start <= $1
		ORDER BY period_start ASC
		LIMIT $2
	`
	return r.list(ctx, "list due downgrades", query, now, limitOrDefault(limit))
}

// ListByUser lists a user's transactions with filters and pagination
func (r *TransactionRepository) ListByUser(ctx context.Context, userID int64, filters *transaction.TransactionListFilters) ([]transaction.Transaction, int64, error) {
	f := transaction.TransactionListFilters{}
	if filters != nil {
		f = *filters
	}
	f.Normalize()

	where := `user_id = $1`
	args := []any{userID}
	argPos := 2

	if f.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, *f.Status)
		argPos++
	}
	if f.EffectiveAction != nil {
		where += fmt.Sprintf(" AND effective_action = $%d", argPos)
		args = append(args, *f.EffectiveAction)
		argPos++
	}

	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, mapError(err, "count transactions")
	}

	query := fmt.Sprintf(`SELECT %s FROM transactions WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		transactionColumns, where, argPos, argPos+1)
	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)

	txs, err := r.list(ctx, "list transactions", query, args...)
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}
