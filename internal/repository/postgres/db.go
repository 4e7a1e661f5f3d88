// Package postgres реализация хранилища на PostgreSQL через pgx.
//
// Взаимное исключение целиком опирается на базу: блокировки строк
// (SELECT ... FOR UPDATE), условные UPDATE ... WHERE status = ANY(...) и
// ограничения (exclusion, partial unique). Внутрипроцессных мьютексов нет.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Freeeeeet/booking_core/internal/apperr"
	"github.com/Freeeeeet/booking_core/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier общий интерфейс *pgxpool.Pool и pgx.Tx
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store хранилище поверх пула соединений
type Store struct {
	pool *pgxpool.Pool
}

var _ repository.Store = (*Store)(nil)

// NewStore создаёт хранилище
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool возвращает пул соединений
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// WithTx выполняет fn в транзакции READ COMMITTED; коммит только если fn вернула nil
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return apperr.Fatal("begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(ctx, newRepos(tx)); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapErr("commit transaction", err)
	}

	return nil
}

// WithoutTx выполняет fn на пуле; каждая операция фиксируется сама по себе
func (s *Store) WithoutTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	return fn(ctx, newRepos(s.pool))
}

type repos struct {
	q Querier
}

func newRepos(q Querier) *repos {
	return &repos{q: q}
}

func (r *repos) Slots() repository.SlotRepository {
	return &SlotRepository{q: r.q}
}

func (r *repos) Bookings() repository.BookingRepository {
	return &BookingRepository{q: r.q}
}

func (r *repos) Assignments() repository.AssignmentRepository {
	return &AssignmentRepository{q: r.q}
}

func (r *repos) Credits() repository.CreditRepository {
	return &CreditRepository{q: r.q}
}

func (r *repos) Tokens() repository.TokenRepository {
	return &TokenRepository{q: r.q}
}

func (r *repos) Guardians() repository.GuardianRepository {
	return &GuardianRepository{q: r.q}
}

// SQLSTATE коды, которые превращаются в Conflict
const (
	codeUniqueViolation      = "23505"
	codeExclusionViolation   = "23P01"
	codeCheckViolation       = "23514"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// mapErr переводит ошибку драйвера в вид apperr. Решение принимается по коду
// SQLSTATE, не по тексту сообщения.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(op, "not found")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation, codeExclusionViolation:
			return &apperr.Error{Kind: apperr.KindConflict, Op: op, Message: "constraint " + pgErr.ConstraintName, Err: err}
		case codeSerializationFailure, codeDeadlockDetected:
			return &apperr.Error{Kind: apperr.KindConflict, Op: op, Message: "concurrent update, retry", Err: err}
		case codeCheckViolation:
			return &apperr.Error{Kind: apperr.KindConflict, Op: op, Message: "check " + pgErr.ConstraintName, Err: err}
		}
	}

	return apperr.Fatal(op, err)
}
