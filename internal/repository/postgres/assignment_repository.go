package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Freeeeeet/booking_core/internal/apperr"
	"github.com/Freeeeeet/booking_core/internal/model"
	"github.com/jackc/pgx/v5"
)

type AssignmentRepository struct {
	q Querier
}

const assignmentColumns = `
	id, teacher_id, student_id, student_name, slot_ids, status, notes, created_at, expires_at, resolved_at`

func scanAssignment(row pgx.Row) (*model.Assignment, error) {
	var a model.Assignment
	err := row.Scan(
		&a.ID,
		&a.TeacherID,
		&a.StudentID,
		&a.StudentName,
		&a.SlotIDs,
		&a.Status,
		&a.Notes,
		&a.CreatedAt,
		&a.ExpiresAt,
		&a.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func collectAssignments(rows pgx.Rows, op string) ([]*model.Assignment, error) {
	defer rows.Close()

	var assignments []*model.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, mapErr(op, fmt.Errorf("scan assignment: %w", err))
		}
		assignments = append(assignments, a)
	}

	if err := rows.Err(); err != nil {
		return nil, mapErr(op, err)
	}

	return assignments, nil
}

// Create создаёт назначение
func (r *AssignmentRepository) Create(ctx context.Context, a *model.Assignment) error {
	query := `
		INSERT INTO assignments (teacher_id, student_id, student_name, slot_ids, status, notes, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`

	err := r.q.QueryRow(
		ctx, query,
		a.TeacherID,
		a.StudentID,
		a.StudentName,
		a.SlotIDs,
		a.Status,
		a.Notes,
		a.ExpiresAt,
	).Scan(&a.ID, &a.CreatedAt)

	return mapErr("create assignment", err)
}

// GetByID получает назначение по ID
func (r *AssignmentRepository) GetByID(ctx context.Context, id int64) (*model.Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE id = $1`

	a, err := scanAssignment(r.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapErr("get assignment by id", err)
	}

	return a, nil
}

// GetForUpdate получает назначение с блокировкой строки
func (r *AssignmentRepository) GetForUpdate(ctx context.Context, id int64) (*model.Assignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE id = $1 FOR UPDATE`

	a, err := scanAssignment(r.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapErr("get assignment for update", err)
	}

	return a, nil
}

// ListPendingByStudent получает ожидающие назначения ученика
func (r *AssignmentRepository) ListPendingByStudent(ctx context.Context, studentID int64) ([]*model.Assignment, error) {
	query := `
		SELECT ` + assignmentColumns + `
		FROM assignments
		WHERE student_id = $1 AND status = 'pending'
		ORDER BY created_at
	`

	rows, err := r.q.Query(ctx, query, studentID)
	if err != nil {
		return nil, mapErr("get pending assignments", err)
	}

	return collectAssignments(rows, "get pending assignments")
}

// ListExpired получает ожидающие назначения с истёкшим сроком
func (r *AssignmentRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.Assignment, error) {
	query := `
		SELECT ` + assignmentColumns + `
		FROM assignments
		WHERE status = 'pending' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`

	rows, err := r.q.Query(ctx, query, now, limit)
	if err != nil {
		return nil, mapErr("get expired assignments", err)
	}

	return collectAssignments(rows, "get expired assignments")
}

// Resolve переводит назначение из pending в итоговый статус
func (r *AssignmentRepository) Resolve(ctx context.Context, id int64, status model.AssignmentStatus, at time.Time) error {
	query := `
		UPDATE assignments
		SET status = $2, resolved_at = $3
		WHERE id = $1 AND status = 'pending'
	`

	result, err := r.q.Exec(ctx, query, id, status, at)
	if err != nil {
		return mapErr("resolve assignment", err)
	}

	if result.RowsAffected() == 0 {
		return apperr.Conflict("resolve assignment", "assignment %d is already resolved", id)
	}

	return nil
}
