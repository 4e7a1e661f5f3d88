package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Freeeeeet/booking_core/internal/apperr"
	"github.com/Freeeeeet/booking_core/internal/model"
	"github.com/jackc/pgx/v5"
)

type SlotRepository struct {
	q Querier
}

const slotColumns = `
	id, teacher_id, slot_date, start_time, end_time, duration_minutes, status, subject, max_occupants,
	assignment_id, assigned_student_id, assigned_student_name, assignment_expires_at, assignment_status,
	created_at, updated_at`

func scanSlot(row pgx.Row) (*model.Slot, error) {
	var slot model.Slot
	err := row.Scan(
		&slot.ID,
		&slot.TeacherID,
		&slot.Date,
		&slot.StartTime,
		&slot.EndTime,
		&slot.DurationMinutes,
		&slot.Status,
		&slot.Subject,
		&slot.MaxOccupants,
		&slot.AssignmentID,
		&slot.AssignedStudentID,
		&slot.AssignedStudentName,
		&slot.AssignmentExpiresAt,
		&slot.AssignmentStatus,
		&slot.CreatedAt,
		&slot.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &slot, nil
}

func collectSlots(rows pgx.Rows, op string) ([]*model.Slot, error) {
	defer rows.Close()

	var slots []*model.Slot
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			return nil, mapErr(op, fmt.Errorf("scan slot: %w", err))
		}
		slots = append(slots, slot)
	}

	if err := rows.Err(); err != nil {
		return nil, mapErr(op, err)
	}

	return slots, nil
}

// Create создаёт новый слот
func (r *SlotRepository) Create(ctx context.Context, slot *model.Slot) error {
	query := `
		INSERT INTO slots (teacher_id, slot_date, start_time, end_time, duration_minutes, status, subject, max_occupants)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`

	err := r.q.QueryRow(
		ctx, query,
		slot.TeacherID,
		slot.Date,
		slot.StartTime,
		slot.EndTime,
		slot.DurationMinutes,
		slot.Status,
		slot.Subject,
		slot.MaxOccupants,
	).Scan(&slot.ID, &slot.CreatedAt, &slot.UpdatedAt)

	return mapErr("create slot", err)
}

// GetByID получает слот по ID
func (r *SlotRepository) GetByID(ctx context.Context, id int64) (*model.Slot, error) {
	query := `SELECT ` + slotColumns + ` FROM slots WHERE id = $1`

	slot, err := scanSlot(r.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapErr("get slot by id", err)
	}

	return slot, nil
}

// GetForUpdate получает слот и блокирует строку до конца транзакции
func (r *SlotRepository) GetForUpdate(ctx context.Context, id int64) (*model.Slot, error) {
	query := `SELECT ` + slotColumns + ` FROM slots WHERE id = $1 FOR UPDATE`

	slot, err := scanSlot(r.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapErr("get slot for update", err)
	}

	return slot, nil
}

// GetByIDs получает слоты по списку ID в порядке возрастания ID
func (r *SlotRepository) GetByIDs(ctx context.Context, ids []int64) ([]*model.Slot, error) {
	query := `SELECT ` + slotColumns + ` FROM slots WHERE id = ANY($1) ORDER BY id`

	rows, err := r.q.Query(ctx, query, ids)
	if err != nil {
		return nil, mapErr("get slots by ids", err)
	}

	return collectSlots(rows, "get slots by ids")
}

// ListByTeacher получает слоты учителя, начинающиеся в [from, to)
func (r *SlotRepository) ListByTeacher(ctx context.Context, teacherID int64, from, to time.Time) ([]*model.Slot, error) {
	query := `
		SELECT ` + slotColumns + `
		FROM slots
		WHERE teacher_id = $1
		  AND start_time >= $2
		  AND start_time < $3
		ORDER BY start_time
	`

	rows, err := r.q.Query(ctx, query, teacherID, from, to)
	if err != nil {
		return nil, mapErr("get slots by teacher", err)
	}

	return collectSlots(rows, "get slots by teacher")
}

// ListByStatus получает слоты в указанных статусах
func (r *SlotRepository) ListByStatus(ctx context.Context, statuses []model.SlotStatus, afterID int64, limit int) ([]*model.Slot, error) {
	query := `
		SELECT ` + slotColumns + `
		FROM slots
		WHERE status = ANY($1) AND id > $2
		ORDER BY id
		LIMIT $3
	`

	rows, err := r.q.Query(ctx, query, statusStrings(statuses), afterID, limit)
	if err != nil {
		return nil, mapErr("get slots by status", err)
	}

	return collectSlots(rows, "get slots by status")
}

// FindOverlapping ищет неотменённые слоты учителя, пересекающиеся с [start, end)
func (r *SlotRepository) FindOverlapping(ctx context.Context, teacherID int64, start, end time.Time) ([]*model.Slot, error) {
	query := `
		SELECT ` + slotColumns + `
		FROM slots
		WHERE teacher_id = $1
		  AND status <> 'cancelled'
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time
	`

	rows, err := r.q.Query(ctx, query, teacherID, start, end)
	if err != nil {
		return nil, mapErr("find overlapping slots", err)
	}

	return collectSlots(rows, "find overlapping slots")
}

// LockTeacherDate берёт advisory-блокировку на (учитель, дата) до конца транзакции
func (r *SlotRepository) LockTeacherDate(ctx context.Context, teacherID int64, date time.Time) error {
	key := fmt.Sprintf("slots:%d:%s", teacherID, date.Format(model.DateLayout))

	_, err := r.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return mapErr("lock teacher date", err)
}

// Transition выполняет compare-and-set перехода статуса.
// Поля назначения заполняются только при переходе в assigned и очищаются при любом другом.
func (r *SlotRepository) Transition(ctx context.Context, t model.SlotTransition) (*model.Slot, error) {
	var (
		assignmentID *int64
		studentID    *int64
		studentName  *string
		expiresAt    *time.Time
		aStatus      *model.AssignmentStatus
	)
	if t.To == model.SlotStatusAssigned {
		if t.Assignment == nil {
			return nil, apperr.Validation("transition slot", "assignment fields required for assigned status")
		}
		var tmp model.Slot
		t.Assignment.Apply(&tmp)
		assignmentID, studentID, studentName = tmp.AssignmentID, tmp.AssignedStudentID, tmp.AssignedStudentName
		expiresAt, aStatus = tmp.AssignmentExpiresAt, tmp.AssignmentStatus
	}

	query := `
		UPDATE slots
		SET status = $3,
		    assignment_id = $5,
		    assigned_student_id = $6,
		    assigned_student_name = $7,
		    assignment_expires_at = $8,
		    assignment_status = $9,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = ANY($2)
		  AND ($4::bigint = 0 OR teacher_id = $4)
		RETURNING ` + slotColumns

	slot, err := scanSlot(r.q.QueryRow(
		ctx, query,
		t.SlotID,
		statusStrings(t.From),
		t.To,
		t.ActorID,
		assignmentID,
		studentID,
		studentName,
		expiresAt,
		aStatus,
	))
	if err == nil {
		return slot, nil
	}
	if err != pgx.ErrNoRows {
		return nil, mapErr("transition slot", err)
	}

	// Ничего не обновилось: выясняем почему
	current, getErr := r.GetByID(ctx, t.SlotID)
	if getErr != nil {
		return nil, getErr
	}
	if t.ActorID != 0 && current.TeacherID != t.ActorID {
		return nil, apperr.Forbidden("transition slot", "slot %d belongs to another teacher", t.SlotID)
	}
	return nil, apperr.Conflict("transition slot", "slot %d is %s, expected one of %v", t.SlotID, current.Status, t.From)
}

// Delete удаляет слот
func (r *SlotRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.q.Exec(ctx, `DELETE FROM slots WHERE id = $1`, id)
	if err != nil {
		return mapErr("delete slot", err)
	}

	if result.RowsAffected() == 0 {
		return apperr.NotFound("delete slot", "slot %d not found", id)
	}

	return nil
}

func statusStrings(statuses []model.SlotStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
