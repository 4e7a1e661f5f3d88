package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Freeeeeet/booking_core/internal/apperr"
	"github.com/Freeeeeet/booking_core/internal/model"
	"github.com/Freeeeeet/booking_core/internal/repository"
	"go.uber.org/zap"
)

// BookDirectInput запрос ученика на бронирование по ссылке
type BookDirectInput struct {
	Token  string
	SlotID int64
	Client model.ClientInfo
}

func (in BookDirectInput) Validate() error {
	var reasons []string
	if in.Token == "" {
		reasons = append(reasons, "token is required")
	}
	if in.SlotID <= 0 {
		reasons = append(reasons, "slot id is required")
	}
	if len(reasons) > 0 {
		return apperr.Validation("book slot", reasons...)
	}
	return nil
}

type BookingService struct {
	store    repository.Store
	access   *ShareAccessService
	notifier Notifier
	policy   Policy
	clock    Clock
	logger   *zap.Logger
}

func NewBookingService(
	store repository.Store,
	access *ShareAccessService,
	notifier Notifier,
	policy Policy,
	clock Clock,
	logger *zap.Logger,
) *BookingService {
	return &BookingService{
		store:    store,
		access:   access,
		notifier: notifier,
		policy:   policy,
		clock:    clock,
		logger:   logger,
	}
}

// BookDirect бронирует свободный слот по ссылке ученика. Перевод слота,
// бронирование и списание выполняются одной транзакцией. Повтор запроса
// после успеха возвращает уже созданное бронирование.
func (s *BookingService) BookDirect(ctx context.Context, in BookDirectInput) (*model.Booking, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	access, err := s.access.Validate(ctx, in.Token, in.Client)
	if err != nil {
		return nil, err
	}

	now := s.clock.now()
	var (
		booking *model.Booking
		replay  bool
	)
	err = s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		booking, replay = nil, false

		slot, err := tx.Slots().GetForUpdate(ctx, in.SlotID)
		if err != nil {
			return err
		}
		if slot.TeacherID != access.TeacherID {
			return apperr.Forbidden("book slot", "slot %d belongs to another teacher", slot.ID)
		}

		if slot.Status == model.SlotStatusBooked {
			existing, err := tx.Bookings().GetLiveBySlot(ctx, slot.ID)
			if err != nil && !apperr.Is(err, apperr.KindNotFound) {
				return err
			}
			if existing != nil && existing.StudentID == access.StudentID && existing.Status == model.BookingStatusConfirmed {
				booking, replay = existing, true
				return nil
			}
			return apperr.Conflict("book slot", "slot %d is already booked", slot.ID)
		}

		if !slot.StartTime.After(now) {
			return apperr.Conflict("book slot", "slot %d has already started", slot.ID)
		}

		booking, err = bookSlotTx(ctx, tx, slot, access.StudentID, nil, model.SlotStatusAvailable, now)
		return err
	})
	if err != nil {
		s.logger.Warn("Failed to book slot",
			zap.Int64("slot_id", in.SlotID),
			zap.Int64("student_id", access.StudentID),
			zap.Error(err))
		return nil, fmt.Errorf("book slot: %w", err)
	}

	if replay {
		s.logger.Info("Booking request repeated",
			zap.Int64("booking_id", booking.ID),
			zap.Int64("slot_id", in.SlotID),
		)
		return booking, nil
	}

	s.logger.Info("Slot booked",
		zap.Int64("booking_id", booking.ID),
		zap.Int64("student_id", booking.StudentID),
		zap.Int64("teacher_id", booking.TeacherID),
		zap.Int64("slot_id", booking.SlotID),
		zap.Stringer("charged", booking.Charged),
	)

	publish(ctx, s.notifier, []model.Event{bookingEvent(model.EventBookingConfirmed, booking, now)})

	return booking, nil
}

// Cancel отменяет подтверждённое бронирование. Отмена учителем всегда с
// возвратом; отмена учеником внутри окна до начала идёт без возврата или
// запрещена, если так настроено. После начала занятия отмена невозможна.
func (s *BookingService) Cancel(ctx context.Context, actor model.Actor, bookingID int64, reason string) (*model.Booking, error) {
	now := s.clock.now()

	var (
		booking *model.Booking
		changed bool
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		changed = false

		current, err := tx.Bookings().GetByID(ctx, bookingID)
		if err != nil {
			return err
		}
		if _, err := tx.Slots().GetForUpdate(ctx, current.SlotID); err != nil {
			return err
		}
		booking, err = tx.Bookings().GetForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}

		byTeacher := actor.IsTeacher() && actor.UserID == booking.TeacherID
		if !byTeacher {
			if err := authorizeStudent(ctx, tx, "cancel booking", actor, booking.StudentID, booking.TeacherID); err != nil {
				return err
			}
		}

		switch booking.Status {
		case model.BookingStatusCancelled:
			return nil
		case model.BookingStatusConfirmed:
		default:
			return apperr.Conflict("cancel booking", "booking %d is %s", bookingID, booking.Status)
		}
		// Начавшееся занятие закрывает sweeper; слот в прошлом не освобождается
		if !now.Before(booking.StartTime) {
			return apperr.Conflict("cancel booking", "lesson of booking %d has already started", bookingID)
		}

		late := booking.StartTime.Sub(now) < s.policy.CancelCutoff
		refund := byTeacher || !late
		if !refund && !s.policy.AllowLateCancel {
			return apperr.Policy("cancel booking", "cancellation closes %s before the lesson", s.policy.CancelCutoff)
		}
		if !refund && reason == "" {
			reason = "late cancellation"
		}

		if err := cancelBookingTx(ctx, tx, booking, model.SlotStatusAvailable, reason, refund, now); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancel booking: %w", err)
	}

	if !changed {
		return booking, nil
	}

	s.logger.Info("Booking cancelled",
		zap.Int64("booking_id", booking.ID),
		zap.Int64("actor_id", actor.UserID),
		zap.String("actor_role", string(actor.Role)),
		zap.Bool("refund_forfeited", booking.RefundForfeited),
	)

	event := bookingEvent(model.EventBookingCancelled, booking, now)
	event.Refunded = booking.RefundTransactionID != nil
	publish(ctx, s.notifier, []model.Event{event})

	return booking, nil
}

// CancelSlot отменяет слот учителем. Бронирование на слоте отменяется с
// полным возвратом, назначение отклоняется и отпускает остальные слоты.
func (s *BookingService) CancelSlot(ctx context.Context, actor model.Actor, slotID int64, reason string) (*model.Slot, error) {
	if err := requireTeacher("cancel slot", actor); err != nil {
		return nil, err
	}

	now := s.clock.now()
	var (
		slot    *model.Slot
		booking *model.Booking
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		booking = nil

		current, err := tx.Slots().GetByID(ctx, slotID)
		if err != nil {
			return err
		}
		if current.TeacherID != actor.UserID {
			return apperr.Forbidden("cancel slot", "slot %d belongs to another teacher", slotID)
		}

		switch current.Status {
		case model.SlotStatusCancelled:
			slot = current
			return nil

		case model.SlotStatusCompleted:
			return apperr.Conflict("cancel slot", "slot %d is completed", slotID)

		case model.SlotStatusAssigned:
			if current.AssignmentID == nil {
				return apperr.Conflict("cancel slot", "slot %d has no assignment", slotID)
			}
			assignment, err := tx.Assignments().GetForUpdate(ctx, *current.AssignmentID)
			if err != nil {
				return err
			}
			if _, err := releaseAssignmentTx(ctx, tx, assignment, model.AssignmentStatusDeclined, now); err != nil {
				return err
			}

		case model.SlotStatusBooked:
			if _, err := tx.Slots().GetForUpdate(ctx, slotID); err != nil {
				return err
			}
			live, err := tx.Bookings().GetLiveBySlot(ctx, slotID)
			if err != nil {
				return err
			}
			if live.Status != model.BookingStatusConfirmed {
				return apperr.Conflict("cancel slot", "slot %d holds a %s booking", slotID, live.Status)
			}
			booking, err = tx.Bookings().GetForUpdate(ctx, live.ID)
			if err != nil {
				return err
			}
			if reason == "" {
				reason = "cancelled by teacher"
			}
			if err := cancelBookingTx(ctx, tx, booking, model.SlotStatusCancelled, reason, true, now); err != nil {
				return err
			}
			slot, err = tx.Slots().GetByID(ctx, slotID)
			return err
		}

		slot, err = tx.Slots().Transition(ctx, model.SlotTransition{
			SlotID:  slotID,
			From:    []model.SlotStatus{model.SlotStatusAvailable, model.SlotStatusUnavailable},
			To:      model.SlotStatusCancelled,
			ActorID: actor.UserID,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cancel slot: %w", err)
	}

	s.logger.Info("Slot cancelled",
		zap.Int64("slot_id", slotID),
		zap.Int64("teacher_id", actor.UserID),
		zap.Bool("booking_cancelled", booking != nil),
	)

	if booking != nil {
		event := bookingEvent(model.EventBookingCancelled, booking, now)
		event.Refunded = booking.RefundTransactionID != nil
		publish(ctx, s.notifier, []model.Event{event})
	}

	return slot, nil
}

// Complete отмечает, что занятие состоялось. Кредиты не трогаются.
func (s *BookingService) Complete(ctx context.Context, bookingID int64, externalSessionID string) (*model.Booking, error) {
	now := s.clock.now()

	booking, changed, err := s.settle(ctx, bookingID, model.BookingStatusCompleted, func(b *model.Booking) {
		b.CompletedAt = &now
		if externalSessionID != "" {
			b.ExternalSessionID = &externalSessionID
		}
	})
	if err != nil {
		return nil, fmt.Errorf("complete booking: %w", err)
	}

	if changed {
		s.logger.Info("Booking completed",
			zap.Int64("booking_id", booking.ID),
			zap.String("external_session_id", externalSessionID),
		)
		publish(ctx, s.notifier, []model.Event{bookingEvent(model.EventClassCompleted, booking, now)})
	}

	return booking, nil
}

// MarkNoShow отмечает, что занятие не состоялось. Возврата нет, слот остаётся booked.
func (s *BookingService) MarkNoShow(ctx context.Context, bookingID int64) (*model.Booking, error) {
	booking, changed, err := s.settle(ctx, bookingID, model.BookingStatusNoShow, func(*model.Booking) {})
	if err != nil {
		return nil, fmt.Errorf("mark no-show: %w", err)
	}

	if changed {
		s.logger.Info("Booking marked as no-show",
			zap.Int64("booking_id", booking.ID),
			zap.Int64("student_id", booking.StudentID),
		)
	}

	return booking, nil
}

// settle переводит confirmed бронирование в итоговый статус. Повтор с тем же
// статусом ничего не меняет.
func (s *BookingService) settle(ctx context.Context, bookingID int64, to model.BookingStatus, apply func(*model.Booking)) (*model.Booking, bool, error) {
	var (
		booking *model.Booking
		changed bool
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		changed = false

		current, err := tx.Bookings().GetByID(ctx, bookingID)
		if err != nil {
			return err
		}
		if _, err := tx.Slots().GetForUpdate(ctx, current.SlotID); err != nil {
			return err
		}
		booking, err = tx.Bookings().GetForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}

		switch booking.Status {
		case to:
			return nil
		case model.BookingStatusConfirmed:
		default:
			return apperr.Conflict("settle booking", "booking %d is %s", bookingID, booking.Status)
		}

		if to == model.BookingStatusCompleted {
			if _, err := tx.Slots().Transition(ctx, model.SlotTransition{
				SlotID: booking.SlotID,
				From:   []model.SlotStatus{model.SlotStatusBooked},
				To:     model.SlotStatusCompleted,
			}); err != nil {
				return err
			}
		}

		booking.Status = to
		apply(booking)
		if err := tx.Bookings().Transition(ctx, booking, model.BookingStatusConfirmed); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return booking, changed, err
}

// Get получает бронирование по ID
func (s *BookingService) Get(ctx context.Context, bookingID int64) (*model.Booking, error) {
	var booking *model.Booking
	err := s.store.WithoutTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		booking, err = tx.Bookings().GetByID(ctx, bookingID)
		return err
	})
	return booking, err
}

// ListForStudent бронирования ученика, новые первыми
func (s *BookingService) ListForStudent(ctx context.Context, studentID int64) ([]*model.Booking, error) {
	var bookings []*model.Booking
	err := s.store.WithoutTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		bookings, err = tx.Bookings().ListByStudent(ctx, studentID)
		return err
	})
	return bookings, err
}

// ListForTeacher бронирования учителя, новые первыми
func (s *BookingService) ListForTeacher(ctx context.Context, teacherID int64) ([]*model.Booking, error) {
	var bookings []*model.Booking
	err := s.store.WithoutTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		bookings, err = tx.Bookings().ListByTeacher(ctx, teacherID)
		return err
	})
	return bookings, err
}

// bookSlotTx переводит заблокированный слот в booked, создаёт бронирование и
// списывает длительность слота со счёта. Вызывается внутри транзакции.
func bookSlotTx(
	ctx context.Context,
	tx repository.Tx,
	slot *model.Slot,
	studentID int64,
	assignmentID *int64,
	from model.SlotStatus,
	now time.Time,
) (*model.Booking, error) {
	if _, err := tx.Slots().Transition(ctx, model.SlotTransition{
		SlotID: slot.ID,
		From:   []model.SlotStatus{from},
		To:     model.SlotStatusBooked,
	}); err != nil {
		return nil, err
	}

	booking := &model.Booking{
		TeacherID:    slot.TeacherID,
		StudentID:    studentID,
		SlotID:       slot.ID,
		AssignmentID: assignmentID,
		Date:         slot.Date,
		StartTime:    slot.StartTime,
		EndTime:      slot.EndTime,
		Status:       model.BookingStatusConfirmed,
		BookedAt:     now,
		Charged:      slot.Hours(),
	}
	if err := tx.Bookings().Create(ctx, booking); err != nil {
		return nil, err
	}

	ref := model.Reference{Type: model.ReferenceBooking, ID: booking.ID}
	txn, err := applyTx(ctx, tx, booking.AccountKey(), model.TransactionDeduction, booking.Charged,
		fmt.Sprintf("lesson %s", slot.StartTime.Format(time.RFC3339)), &ref)
	if err != nil {
		return nil, err
	}

	if err := tx.Bookings().SetCreditTransaction(ctx, booking.ID, txn.ID); err != nil {
		return nil, err
	}
	booking.CreditTransactionID = &txn.ID

	return booking, nil
}

// cancelBookingTx отменяет бронирование, освобождает слот в slotTo и, если
// refund, возвращает списанное. Слот и бронирование уже заблокированы.
func cancelBookingTx(
	ctx context.Context,
	tx repository.Tx,
	booking *model.Booking,
	slotTo model.SlotStatus,
	reason string,
	refund bool,
	now time.Time,
) error {
	if _, err := tx.Slots().Transition(ctx, model.SlotTransition{
		SlotID: booking.SlotID,
		From:   []model.SlotStatus{model.SlotStatusBooked},
		To:     slotTo,
	}); err != nil {
		return err
	}

	if refund && booking.Charged > 0 {
		ref := model.Reference{Type: model.ReferenceBooking, ID: booking.ID}
		txn, err := applyTx(ctx, tx, booking.AccountKey(), model.TransactionRefund, booking.Charged, "refund: "+reason, &ref)
		if err != nil {
			return err
		}
		booking.RefundTransactionID = &txn.ID
	} else if !refund {
		booking.RefundForfeited = true
	}

	booking.Status = model.BookingStatusCancelled
	booking.CancelledAt = &now
	booking.CancellationReason = reason

	return tx.Bookings().Transition(ctx, booking, model.BookingStatusConfirmed)
}

func bookingEvent(t model.EventType, b *model.Booking, now time.Time) model.Event {
	event := model.NewEvent(t, b.TeacherID, b.StudentID, now)
	event.BookingID = b.ID
	event.SlotIDs = []int64{b.SlotID}
	if b.AssignmentID != nil {
		event.AssignmentID = *b.AssignmentID
	}
	return event
}
