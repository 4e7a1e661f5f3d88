package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Freeeeeet/booking_core/internal/apperr"
	"github.com/Freeeeeet/booking_core/internal/model"
	"github.com/Freeeeeet/booking_core/internal/repository"
	"go.uber.org/zap"
)

// AssignInput резервирование слотов учителем под ученика
type AssignInput struct {
	SlotIDs     []int64
	StudentID   int64
	StudentName string
	TTL         time.Duration // 0: срок по умолчанию
	Notes       string
}

func (in AssignInput) Validate(policy Policy) error {
	var reasons []string
	if len(in.SlotIDs) == 0 {
		reasons = append(reasons, "at least one slot is required")
	}
	if len(in.SlotIDs) > policy.MaxAssignmentSlots {
		reasons = append(reasons, fmt.Sprintf("at most %d slots per assignment", policy.MaxAssignmentSlots))
	}
	for _, id := range in.SlotIDs {
		if id <= 0 {
			reasons = append(reasons, "slot ids must be positive")
			break
		}
	}
	if in.StudentID <= 0 {
		reasons = append(reasons, "student id is required")
	}
	if strings.TrimSpace(in.StudentName) == "" {
		reasons = append(reasons, "student name is required")
	}
	if in.TTL < 0 {
		reasons = append(reasons, "ttl must not be negative")
	}
	if len(reasons) > 0 {
		return apperr.Validation("assign slots", reasons...)
	}
	return nil
}

type AssignmentService struct {
	store    repository.Store
	notifier Notifier
	policy   Policy
	clock    Clock
	logger   *zap.Logger
}

func NewAssignmentService(store repository.Store, notifier Notifier, policy Policy, clock Clock, logger *zap.Logger) *AssignmentService {
	return &AssignmentService{
		store:    store,
		notifier: notifier,
		policy:   policy,
		clock:    clock,
		logger:   logger,
	}
}

// Assign резервирует свободные слоты учителя под ученика. Если хотя бы один
// слот уже занят, откатывается всё.
func (s *AssignmentService) Assign(ctx context.Context, actor model.Actor, in AssignInput) (*model.Assignment, error) {
	if err := requireTeacher("assign slots", actor); err != nil {
		return nil, err
	}
	if err := in.Validate(s.policy); err != nil {
		return nil, err
	}

	ttl := in.TTL
	if ttl == 0 {
		ttl = s.policy.AssignmentTTL
	}

	now := s.clock.now()
	assignment := &model.Assignment{
		TeacherID:   actor.UserID,
		StudentID:   in.StudentID,
		StudentName: strings.TrimSpace(in.StudentName),
		SlotIDs:     sortedUnique(in.SlotIDs),
		Status:      model.AssignmentStatusPending,
		Notes:       in.Notes,
		ExpiresAt:   now.Add(ttl),
	}

	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		assignment.ID = 0
		if err := tx.Assignments().Create(ctx, assignment); err != nil {
			return err
		}

		for _, id := range assignment.SlotIDs {
			slot, err := tx.Slots().GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if !slot.StartTime.After(now) {
				return apperr.Conflict("assign slots", "slot %d has already started", id)
			}

			if _, err := tx.Slots().Transition(ctx, model.SlotTransition{
				SlotID:  id,
				From:    []model.SlotStatus{model.SlotStatusAvailable},
				To:      model.SlotStatusAssigned,
				ActorID: actor.UserID,
				Assignment: &model.SlotAssignment{
					AssignmentID: assignment.ID,
					StudentID:    assignment.StudentID,
					StudentName:  assignment.StudentName,
					ExpiresAt:    assignment.ExpiresAt,
				},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("Failed to assign slots",
			zap.Int64("teacher_id", actor.UserID),
			zap.Int64("student_id", in.StudentID),
			zap.Int64s("slot_ids", in.SlotIDs),
			zap.Error(err))
		return nil, fmt.Errorf("assign slots: %w", err)
	}

	s.logger.Info("Slots assigned",
		zap.Int64("assignment_id", assignment.ID),
		zap.Int64("teacher_id", assignment.TeacherID),
		zap.Int64("student_id", assignment.StudentID),
		zap.Int64s("slot_ids", assignment.SlotIDs),
		zap.Time("expires_at", assignment.ExpiresAt),
	)

	event := model.NewEvent(model.EventAssignmentCreated, assignment.TeacherID, assignment.StudentID, now)
	event.AssignmentID = assignment.ID
	event.SlotIDs = assignment.SlotIDs
	publish(ctx, s.notifier, []model.Event{event})

	return assignment, nil
}

// Resolve ответ ученика (или опекуна) на назначение. Подтверждение переводит
// все слоты в booked и списывает кредиты одной транзакцией. Повтор того же
// ответа ничего не меняет, другой ответ на закрытое назначение даёт Conflict.
// Срок здесь не проверяется: истечение применяет только sweeper.
func (s *AssignmentService) Resolve(ctx context.Context, actor model.Actor, assignmentID int64, action model.AssignmentAction) (*model.Assignment, []*model.Booking, error) {
	if action != model.ActionConfirm && action != model.ActionDecline {
		return nil, nil, apperr.Validation("resolve assignment", fmt.Sprintf("unknown action %q", action))
	}

	now := s.clock.now()
	var (
		assignment *model.Assignment
		bookings   []*model.Booking
		changed    bool
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		bookings, changed = nil, false

		var err error
		assignment, err = tx.Assignments().GetForUpdate(ctx, assignmentID)
		if err != nil {
			return err
		}
		if err := authorizeStudent(ctx, tx, "resolve assignment", actor, assignment.StudentID, assignment.TeacherID); err != nil {
			return err
		}

		if !assignment.IsPending() {
			if assignment.Status == action.ResultStatus() {
				return nil
			}
			return apperr.Conflict("resolve assignment", "assignment %d is already %s", assignmentID, assignment.Status)
		}

		if action == model.ActionDecline {
			if _, err := releaseAssignmentTx(ctx, tx, assignment, model.AssignmentStatusDeclined, now); err != nil {
				return err
			}
		} else {
			bookings, err = confirmAssignmentTx(ctx, tx, assignment, now)
			if err != nil {
				return err
			}
		}

		assignment.Status = action.ResultStatus()
		assignment.ResolvedAt = &now
		changed = true
		return nil
	})
	if err != nil {
		s.logger.Warn("Failed to resolve assignment",
			zap.Int64("assignment_id", assignmentID),
			zap.String("action", string(action)),
			zap.Error(err))
		return nil, nil, fmt.Errorf("resolve assignment: %w", err)
	}

	if !changed {
		return assignment, nil, nil
	}

	s.logger.Info("Assignment resolved",
		zap.Int64("assignment_id", assignment.ID),
		zap.String("status", string(assignment.Status)),
		zap.Int64("actor_id", actor.UserID),
		zap.Int("bookings", len(bookings)),
	)

	events := make([]model.Event, 0, len(bookings))
	for _, b := range bookings {
		events = append(events, bookingEvent(model.EventBookingConfirmed, b, now))
	}
	publish(ctx, s.notifier, events)

	return assignment, bookings, nil
}

// Expire закрывает просроченное назначение и освобождает слоты. Для sweeper'а.
func (s *AssignmentService) Expire(ctx context.Context, assignmentID int64, now time.Time) (bool, error) {
	var expired bool
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		expired = false

		assignment, err := tx.Assignments().GetForUpdate(ctx, assignmentID)
		if err != nil {
			return err
		}
		if !assignment.IsPending() || !assignment.IsExpired(now) {
			return nil
		}

		released, err := releaseAssignmentTx(ctx, tx, assignment, model.AssignmentStatusExpired, now)
		if err != nil {
			return err
		}
		expired = true

		s.logger.Info("Assignment expired",
			zap.Int64("assignment_id", assignmentID),
			zap.Int64s("released_slots", released),
		)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("expire assignment: %w", err)
	}

	return expired, nil
}

// ListPending ожидающие ответа назначения ученика
func (s *AssignmentService) ListPending(ctx context.Context, studentID int64) ([]*model.Assignment, error) {
	var assignments []*model.Assignment
	err := s.store.WithoutTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		assignments, err = tx.Assignments().ListPendingByStudent(ctx, studentID)
		return err
	})
	return assignments, err
}

// Get получает назначение по ID
func (s *AssignmentService) Get(ctx context.Context, assignmentID int64) (*model.Assignment, error) {
	var assignment *model.Assignment
	err := s.store.WithoutTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		assignment, err = tx.Assignments().GetByID(ctx, assignmentID)
		return err
	})
	return assignment, err
}

// confirmAssignmentTx бронирует все слоты назначения. Баланс проверяется на
// всю сумму сразу, чтобы ошибка содержала полную недостачу.
func confirmAssignmentTx(ctx context.Context, tx repository.Tx, assignment *model.Assignment, now time.Time) ([]*model.Booking, error) {
	ids := sortedUnique(assignment.SlotIDs)
	slots := make([]*model.Slot, 0, len(ids))
	var total model.Hours
	for _, id := range ids {
		slot, err := tx.Slots().GetForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		if slot.Status != model.SlotStatusAssigned || slot.AssignmentID == nil || *slot.AssignmentID != assignment.ID {
			return nil, apperr.Conflict("confirm assignment", "slot %d is no longer held by assignment %d", id, assignment.ID)
		}
		slots = append(slots, slot)
		total += slot.Hours()
	}

	key := model.AccountKey{StudentID: assignment.StudentID, TeacherID: assignment.TeacherID}
	if err := requireBalanceTx(ctx, tx, key, total); err != nil {
		return nil, err
	}

	if err := tx.Assignments().Resolve(ctx, assignment.ID, model.AssignmentStatusConfirmed, now); err != nil {
		return nil, err
	}

	bookings := make([]*model.Booking, 0, len(slots))
	for _, slot := range slots {
		assignmentID := assignment.ID
		booking, err := bookSlotTx(ctx, tx, slot, assignment.StudentID, &assignmentID, model.SlotStatusAssigned, now)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, booking)
	}

	return bookings, nil
}

// releaseAssignmentTx закрывает назначение со статусом status и возвращает
// его слоты в available. Слоты, которые уже не принадлежат назначению,
// не трогаются.
func releaseAssignmentTx(
	ctx context.Context,
	tx repository.Tx,
	assignment *model.Assignment,
	status model.AssignmentStatus,
	now time.Time,
) ([]int64, error) {
	if err := tx.Assignments().Resolve(ctx, assignment.ID, status, now); err != nil {
		return nil, err
	}
	assignment.Status = status
	assignment.ResolvedAt = &now

	var released []int64
	for _, id := range sortedUnique(assignment.SlotIDs) {
		slot, err := tx.Slots().GetForUpdate(ctx, id)
		if apperr.Is(err, apperr.KindNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if slot.Status != model.SlotStatusAssigned || slot.AssignmentID == nil || *slot.AssignmentID != assignment.ID {
			continue
		}

		if _, err := tx.Slots().Transition(ctx, model.SlotTransition{
			SlotID: id,
			From:   []model.SlotStatus{model.SlotStatusAssigned},
			To:     model.SlotStatusAvailable,
		}); err != nil {
			return nil, err
		}
		released = append(released, id)
	}

	return released, nil
}
