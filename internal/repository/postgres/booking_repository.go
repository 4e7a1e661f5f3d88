package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Freeeeeet/booking_core/internal/apperr"
	"github.com/Freeeeeet/booking_core/internal/model"
	"github.com/jackc/pgx/v5"
)

type BookingRepository struct {
	q Querier
}

const bookingColumns = `
	id, teacher_id, student_id, slot_id, assignment_id, booking_date, start_time, end_time, status,
	booked_at, cancelled_at, completed_at, cancellation_reason, charged_minutes, refund_forfeited,
	credit_transaction_id, refund_transaction_id, external_session_id, updated_at`

func scanBooking(row pgx.Row) (*model.Booking, error) {
	var booking model.Booking
	err := row.Scan(
		&booking.ID,
		&booking.TeacherID,
		&booking.StudentID,
		&booking.SlotID,
		&booking.AssignmentID,
		&booking.Date,
		&booking.StartTime,
		&booking.EndTime,
		&booking.Status,
		&booking.BookedAt,
		&booking.CancelledAt,
		&booking.CompletedAt,
		&booking.CancellationReason,
		&booking.Charged,
		&booking.RefundForfeited,
		&booking.CreditTransactionID,
		&booking.RefundTransactionID,
		&booking.ExternalSessionID,
		&booking.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &booking, nil
}

func collectBookings(rows pgx.Rows, op string) ([]*model.Booking, error) {
	defer rows.Close()

	var bookings []*model.Booking
	for rows.Next() {
		booking, err := scanBooking(rows)
		if err != nil {
			return nil, mapErr(op, fmt.Errorf("scan booking: %w", err))
		}
		bookings = append(bookings, booking)
	}

	if err := rows.Err(); err != nil {
		return nil, mapErr(op, err)
	}

	return bookings, nil
}

// Create создаёт новое бронирование
func (r *BookingRepository) Create(ctx context.Context, booking *model.Booking) error {
	query := `
		INSERT INTO bookings (teacher_id, student_id, slot_id, assignment_id, booking_date, start_time, end_time,
		                      status, booked_at, charged_minutes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, updated_at
	`

	err := r.q.QueryRow(
		ctx, query,
		booking.TeacherID,
		booking.StudentID,
		booking.SlotID,
		booking.AssignmentID,
		booking.Date,
		booking.StartTime,
		booking.EndTime,
		booking.Status,
		booking.BookedAt,
		booking.Charged,
	).Scan(&booking.ID, &booking.UpdatedAt)

	return mapErr("create booking", err)
}

// GetByID получает бронирование по ID
func (r *BookingRepository) GetByID(ctx context.Context, id int64) (*model.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1`

	booking, err := scanBooking(r.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapErr("get booking by id", err)
	}

	return booking, nil
}

// GetForUpdate получает бронирование с блокировкой строки
func (r *BookingRepository) GetForUpdate(ctx context.Context, id int64) (*model.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1 FOR UPDATE`

	booking, err := scanBooking(r.q.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapErr("get booking for update", err)
	}

	return booking, nil
}

// GetLiveBySlot получает бронирование, которое владеет слотом
func (r *BookingRepository) GetLiveBySlot(ctx context.Context, slotID int64) (*model.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE slot_id = $1 AND status IN ('confirmed', 'completed', 'no_show')
		LIMIT 1
	`

	booking, err := scanBooking(r.q.QueryRow(ctx, query, slotID))
	if err != nil {
		return nil, mapErr("get booking by slot", err)
	}

	return booking, nil
}

// ListByStudent получает все бронирования ученика
func (r *BookingRepository) ListByStudent(ctx context.Context, studentID int64) ([]*model.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE student_id = $1
		ORDER BY start_time DESC
	`

	rows, err := r.q.Query(ctx, query, studentID)
	if err != nil {
		return nil, mapErr("get bookings by student", err)
	}

	return collectBookings(rows, "get bookings by student")
}

// ListByTeacher получает все бронирования учителя
func (r *BookingRepository) ListByTeacher(ctx context.Context, teacherID int64) ([]*model.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE teacher_id = $1
		ORDER BY start_time DESC
	`

	rows, err := r.q.Query(ctx, query, teacherID)
	if err != nil {
		return nil, mapErr("get bookings by teacher", err)
	}

	return collectBookings(rows, "get bookings by teacher")
}

// ListDue получает подтверждённые бронирования, время которых уже прошло
func (r *BookingRepository) ListDue(ctx context.Context, endBefore time.Time, limit int) ([]*model.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE status = 'confirmed' AND end_time <= $1
		ORDER BY end_time
		LIMIT $2
	`

	rows, err := r.q.Query(ctx, query, endBefore, limit)
	if err != nil {
		return nil, mapErr("get due bookings", err)
	}

	return collectBookings(rows, "get due bookings")
}

func (r *BookingRepository) HasHistory(ctx context.Context, slotID int64) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bookings WHERE slot_id = $1)`, slotID).Scan(&exists)
	if err != nil {
		return false, mapErr("check slot history", err)
	}
	return exists, nil
}

// SetCreditTransaction связывает бронирование с проводкой списания
func (r *BookingRepository) SetCreditTransaction(ctx context.Context, bookingID, transactionID int64) error {
	query := `
		UPDATE bookings
		SET credit_transaction_id = $2, updated_at = NOW()
		WHERE id = $1 AND credit_transaction_id IS NULL
	`

	result, err := r.q.Exec(ctx, query, bookingID, transactionID)
	if err != nil {
		return mapErr("set booking transaction", err)
	}

	if result.RowsAffected() == 0 {
		return apperr.Conflict("set booking transaction", "booking %d already has a deduction", bookingID)
	}

	return nil
}

// Transition обновляет статус бронирования, если текущий статус равен from
func (r *BookingRepository) Transition(ctx context.Context, booking *model.Booking, from model.BookingStatus) error {
	query := `
		UPDATE bookings
		SET status = $3,
		    cancelled_at = $4,
		    completed_at = $5,
		    cancellation_reason = $6,
		    refund_forfeited = $7,
		    refund_transaction_id = $8,
		    external_session_id = $9,
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING updated_at
	`

	err := r.q.QueryRow(
		ctx, query,
		booking.ID,
		from,
		booking.Status,
		booking.CancelledAt,
		booking.CompletedAt,
		booking.CancellationReason,
		booking.RefundForfeited,
		booking.RefundTransactionID,
		booking.ExternalSessionID,
	).Scan(&booking.UpdatedAt)

	if err == pgx.ErrNoRows {
		return apperr.Conflict("transition booking", "booking %d is no longer %s", booking.ID, from)
	}

	return mapErr("transition booking", err)
}
