package postgres

import (
	"context"
	"fmt"

	"github.com/Freeeeeet/booking_core/internal/model"
	"github.com/jackc/pgx/v5"
)

type CreditRepository struct {
	q Querier
}

const accountColumns = `
	id, student_id, teacher_id, balance_minutes, purchased_minutes, used_minutes, refunded_minutes,
	created_at, updated_at`

func scanAccount(row pgx.Row) (*model.CreditAccount, error) {
	var a model.CreditAccount
	err := row.Scan(
		&a.ID,
		&a.StudentID,
		&a.TeacherID,
		&a.Balance,
		&a.LifetimePurchased,
		&a.LifetimeUsed,
		&a.LifetimeRefunded,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAccount получает счёт пары ученик-учитель
func (r *CreditRepository) GetAccount(ctx context.Context, key model.AccountKey) (*model.CreditAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM credit_accounts WHERE student_id = $1 AND teacher_id = $2`

	a, err := scanAccount(r.q.QueryRow(ctx, query, key.StudentID, key.TeacherID))
	if err != nil {
		return nil, mapErr("get credit account", err)
	}

	return a, nil
}

// GetAccountForUpdate получает счёт с блокировкой строки
func (r *CreditRepository) GetAccountForUpdate(ctx context.Context, key model.AccountKey) (*model.CreditAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM credit_accounts WHERE student_id = $1 AND teacher_id = $2 FOR UPDATE`

	a, err := scanAccount(r.q.QueryRow(ctx, query, key.StudentID, key.TeacherID))
	if err != nil {
		return nil, mapErr("get credit account for update", err)
	}

	return a, nil
}

// EnsureAccountForUpdate создаёт счёт, если его нет, и блокирует строку
func (r *CreditRepository) EnsureAccountForUpdate(ctx context.Context, key model.AccountKey) (*model.CreditAccount, error) {
	query := `
		INSERT INTO credit_accounts (student_id, teacher_id)
		VALUES ($1, $2)
		ON CONFLICT (student_id, teacher_id) DO NOTHING
	`

	if _, err := r.q.Exec(ctx, query, key.StudentID, key.TeacherID); err != nil {
		return nil, mapErr("ensure credit account", err)
	}

	return r.GetAccountForUpdate(ctx, key)
}

// UpdateAccount записывает баланс и накопительные суммы
func (r *CreditRepository) UpdateAccount(ctx context.Context, a *model.CreditAccount) error {
	query := `
		UPDATE credit_accounts
		SET balance_minutes = $2,
		    purchased_minutes = $3,
		    used_minutes = $4,
		    refunded_minutes = $5,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err := r.q.QueryRow(
		ctx, query,
		a.ID,
		a.Balance,
		a.LifetimePurchased,
		a.LifetimeUsed,
		a.LifetimeRefunded,
	).Scan(&a.UpdatedAt)

	return mapErr("update credit account", err)
}

// InsertTransaction добавляет проводку в журнал
func (r *CreditRepository) InsertTransaction(ctx context.Context, t *model.CreditTransaction) error {
	query := `
		INSERT INTO credit_transactions (account_id, type, amount_minutes, balance_after_minutes, description,
		                                 reference_type, reference_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`

	var refType *string
	var refID *int64
	if t.Reference != nil {
		refType, refID = &t.Reference.Type, &t.Reference.ID
	}

	err := r.q.QueryRow(
		ctx, query,
		t.AccountID,
		t.Type,
		t.Amount,
		t.BalanceAfter,
		t.Description,
		refType,
		refID,
	).Scan(&t.ID, &t.CreatedAt)

	return mapErr("insert credit transaction", err)
}

const transactionColumns = `
	id, account_id, type, amount_minutes, balance_after_minutes, description, reference_type, reference_id, created_at`

func scanTransaction(row pgx.Row) (*model.CreditTransaction, error) {
	var (
		t       model.CreditTransaction
		refType *string
		refID   *int64
	)
	err := row.Scan(
		&t.ID,
		&t.AccountID,
		&t.Type,
		&t.Amount,
		&t.BalanceAfter,
		&t.Description,
		&refType,
		&refID,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if refType != nil && refID != nil {
		t.Reference = &model.Reference{Type: *refType, ID: *refID}
	}
	return &t, nil
}

func collectTransactions(rows pgx.Rows, op string) ([]*model.CreditTransaction, error) {
	defer rows.Close()

	var txs []*model.CreditTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, mapErr(op, fmt.Errorf("scan credit transaction: %w", err))
		}
		txs = append(txs, t)
	}

	if err := rows.Err(); err != nil {
		return nil, mapErr(op, err)
	}

	return txs, nil
}

// ListTransactions получает журнал счёта в порядке применения
func (r *CreditRepository) ListTransactions(ctx context.Context, accountID int64) ([]*model.CreditTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM credit_transactions WHERE account_id = $1 ORDER BY id`

	rows, err := r.q.Query(ctx, query, accountID)
	if err != nil {
		return nil, mapErr("list credit transactions", err)
	}

	return collectTransactions(rows, "list credit transactions")
}

// ListByReference получает проводки, ссылающиеся на сущность
func (r *CreditRepository) ListByReference(ctx context.Context, ref model.Reference) ([]*model.CreditTransaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM credit_transactions
		WHERE reference_type = $1 AND reference_id = $2
		ORDER BY id
	`

	rows, err := r.q.Query(ctx, query, ref.Type, ref.ID)
	if err != nil {
		return nil, mapErr("list transactions by reference", err)
	}

	return collectTransactions(rows, "list transactions by reference")
}
