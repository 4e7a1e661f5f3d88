package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Freeeeeet/booking_core/internal/apperr"
	"github.com/Freeeeeet/booking_core/internal/model"
	"github.com/Freeeeeet/booking_core/internal/repository"
	"go.uber.org/zap"
)

// CreateSlotInput параметры нового слота
type CreateSlotInput struct {
	TeacherID    int64
	StartTime    time.Time
	EndTime      time.Time
	Subject      string
	MaxOccupants int
	Available    bool // false: слот создаётся скрытым (unavailable)
}

// Validate проверяет поля без обращения к хранилищу
func (in CreateSlotInput) Validate(policy Policy, now time.Time) error {
	var reasons []string
	if in.TeacherID <= 0 {
		reasons = append(reasons, "teacher id is required")
	}
	if in.StartTime.IsZero() || in.EndTime.IsZero() {
		reasons = append(reasons, "start and end time are required")
	} else {
		duration := in.EndTime.Sub(in.StartTime)
		switch {
		case duration <= 0:
			reasons = append(reasons, "end time must be after start time")
		case duration < policy.MinSlotDuration:
			reasons = append(reasons, fmt.Sprintf("slot must be at least %s", policy.MinSlotDuration))
		case duration > policy.MaxSlotDuration:
			reasons = append(reasons, fmt.Sprintf("slot must be at most %s", policy.MaxSlotDuration))
		}
		if duration%time.Minute != 0 {
			reasons = append(reasons, "slot duration must be whole minutes")
		}
		if !policy.AllowPastSlotCreate && in.StartTime.Before(now) {
			reasons = append(reasons, "cannot create slot in the past")
		}
	}
	if in.MaxOccupants != 0 && in.MaxOccupants != 1 {
		reasons = append(reasons, "group slots are not supported")
	}
	if len(in.Subject) > 200 {
		reasons = append(reasons, "subject is too long")
	}
	if len(reasons) > 0 {
		return apperr.Validation("create slot", reasons...)
	}
	return nil
}

func (in CreateSlotInput) slot() *model.Slot {
	status := model.SlotStatusAvailable
	if !in.Available {
		status = model.SlotStatusUnavailable
	}
	return &model.Slot{
		TeacherID:       in.TeacherID,
		Date:            model.SlotDate(in.StartTime),
		StartTime:       in.StartTime.UTC(),
		EndTime:         in.EndTime.UTC(),
		DurationMinutes: int(in.EndTime.Sub(in.StartTime) / time.Minute),
		Status:          status,
		Subject:         in.Subject,
		MaxOccupants:    1,
	}
}

// RangeDeleteResult итог удаления слотов за период, по статусу до удаления
type RangeDeleteResult struct {
	Deleted map[model.SlotStatus][]*model.Slot `json:"deleted"`
	Skipped map[model.SlotStatus][]*model.Slot `json:"skipped"` // занятые и слоты с историей бронирований
}

// DeletedCount сколько слотов удалено
func (r *RangeDeleteResult) DeletedCount() int {
	n := 0
	for _, slots := range r.Deleted {
		n += len(slots)
	}
	return n
}

type SlotService struct {
	store  repository.Store
	logger *zap.Logger
	policy Policy
	clock  Clock
}

func NewSlotService(store repository.Store, policy Policy, clock Clock, logger *zap.Logger) *SlotService {
	return &SlotService{
		store:  store,
		logger: logger,
		policy: policy,
		clock:  clock,
	}
}

// CreateSlots создаёт слоты одной транзакцией: либо все, либо ни одного
func (s *SlotService) CreateSlots(ctx context.Context, actor model.Actor, inputs []CreateSlotInput) ([]*model.Slot, error) {
	if err := requireTeacher("create slot", actor); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, apperr.Validation("create slot", "at least one slot is required")
	}
	if len(inputs) > s.policy.MaxSlotsPerRequest {
		return nil, apperr.Validation("create slot", fmt.Sprintf("at most %d slots per request", s.policy.MaxSlotsPerRequest))
	}

	now := s.clock.now()
	slots := make([]*model.Slot, 0, len(inputs))
	for i, in := range inputs {
		if in.TeacherID != actor.UserID {
			return nil, apperr.Forbidden("create slot", "slot %d belongs to another teacher", i)
		}
		if err := in.Validate(s.policy, now); err != nil {
			return nil, err
		}
		slots = append(slots, in.slot())
	}

	// Пересечения внутри самого запроса
	sorted := append([]*model.Slot(nil), slots...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartTime.Before(sorted[j].StartTime) })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].StartTime.Before(sorted[i-1].EndTime) {
			return nil, apperr.Conflict("create slot", "slots at %s and %s overlap",
				sorted[i-1].StartTime.Format(time.RFC3339), sorted[i].StartTime.Format(time.RFC3339))
		}
	}

	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		locked := make(map[time.Time]bool)
		for _, slot := range sorted {
			if !locked[slot.Date] {
				if err := tx.Slots().LockTeacherDate(ctx, slot.TeacherID, slot.Date); err != nil {
					return err
				}
				locked[slot.Date] = true
			}

			existing, err := tx.Slots().FindOverlapping(ctx, slot.TeacherID, slot.StartTime, slot.EndTime)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				return apperr.Conflict("create slot", "slot at %s overlaps slot %d",
					slot.StartTime.Format(time.RFC3339), existing[0].ID)
			}

			if err := tx.Slots().Create(ctx, slot); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("Failed to create slots",
			zap.Int64("teacher_id", actor.UserID),
			zap.Int("count", len(slots)),
			zap.Error(err))
		return nil, fmt.Errorf("create slots: %w", err)
	}

	s.logger.Info("Slots created",
		zap.Int64("teacher_id", actor.UserID),
		zap.Int("count", len(slots)),
	)

	return slots, nil
}

// Get получает слот по ID
func (s *SlotService) Get(ctx context.Context, slotID int64) (*model.Slot, error) {
	var slot *model.Slot
	err := s.store.WithoutTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		slot, err = tx.Slots().GetByID(ctx, slotID)
		return err
	})
	return slot, err
}

// List получает слоты учителя с началом в [from, to)
func (s *SlotService) List(ctx context.Context, teacherID int64, from, to time.Time) ([]*model.Slot, error) {
	if !from.Before(to) {
		return nil, apperr.Validation("list slots", "from must be before to")
	}

	var slots []*model.Slot
	err := s.store.WithoutTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		slots, err = tx.Slots().ListByTeacher(ctx, teacherID, from, to)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}

	return slots, nil
}

// Transition compare-and-set перевод слота. actorID 0 отключает проверку владельца.
// Переходы в assigned и из него выполняются только через назначения.
func (s *SlotService) Transition(ctx context.Context, slotID int64, from []model.SlotStatus, to model.SlotStatus, actorID int64) (*model.Slot, error) {
	if to == model.SlotStatusAssigned || to == model.SlotStatusBooked {
		return nil, apperr.Validation("transition slot", fmt.Sprintf("status %s is set by the booking flow", to))
	}
	if len(from) == 0 {
		return nil, apperr.Validation("transition slot", "expected status is required")
	}

	var slot *model.Slot
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		slot, err = tx.Slots().Transition(ctx, model.SlotTransition{
			SlotID:  slotID,
			From:    from,
			To:      to,
			ActorID: actorID,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("transition slot: %w", err)
	}

	s.logger.Info("Slot transitioned",
		zap.Int64("slot_id", slotID),
		zap.String("status", string(to)),
		zap.Int64("actor_id", actorID),
	)

	return slot, nil
}

// SetAvailability открывает или скрывает свободный слот
func (s *SlotService) SetAvailability(ctx context.Context, actor model.Actor, slotID int64, available bool) (*model.Slot, error) {
	if err := requireTeacher("set availability", actor); err != nil {
		return nil, err
	}

	from, to := model.SlotStatusUnavailable, model.SlotStatusAvailable
	if !available {
		from, to = to, from
	}

	return s.Transition(ctx, slotID, []model.SlotStatus{from}, to, actor.UserID)
}

// Delete удаляет слот. Забронированный или назначенный слот удалить нельзя.
func (s *SlotService) Delete(ctx context.Context, actor model.Actor, slotID int64) error {
	if err := requireTeacher("delete slot", actor); err != nil {
		return err
	}

	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		slot, err := tx.Slots().GetForUpdate(ctx, slotID)
		if err != nil {
			return err
		}
		if slot.TeacherID != actor.UserID {
			return apperr.Forbidden("delete slot", "slot %d belongs to another teacher", slotID)
		}
		switch slot.Status {
		case model.SlotStatusBooked, model.SlotStatusAssigned:
			return apperr.Conflict("delete slot", "slot %d is %s", slotID, slot.Status)
		case model.SlotStatusCompleted:
			// Завершённый слот держит историю бронирования
			return apperr.Conflict("delete slot", "slot %d is completed", slotID)
		}
		history, err := tx.Bookings().HasHistory(ctx, slotID)
		if err != nil {
			return err
		}
		if history {
			return apperr.Conflict("delete slot", "slot %d has booking history, cancel it instead", slotID)
		}
		return tx.Slots().Delete(ctx, slotID)
	})
	if err != nil {
		return fmt.Errorf("delete slot: %w", err)
	}

	s.logger.Info("Slot deleted",
		zap.Int64("slot_id", slotID),
		zap.Int64("teacher_id", actor.UserID),
	)

	return nil
}

// DeleteRange удаляет слоты учителя с началом в [from, to). Слоты, занятые
// бронированием или назначением, и слоты с историей бронирований
// пропускаются и возвращаются в Skipped.
func (s *SlotService) DeleteRange(ctx context.Context, actor model.Actor, from, to time.Time) (*RangeDeleteResult, error) {
	if err := requireTeacher("delete slots", actor); err != nil {
		return nil, err
	}
	if !from.Before(to) {
		return nil, apperr.Validation("delete slots", "from must be before to")
	}

	var result *RangeDeleteResult
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		result = &RangeDeleteResult{
			Deleted: make(map[model.SlotStatus][]*model.Slot),
			Skipped: make(map[model.SlotStatus][]*model.Slot),
		}

		slots, err := tx.Slots().ListByTeacher(ctx, actor.UserID, from, to)
		if err != nil {
			return err
		}

		sort.Slice(slots, func(i, j int) bool { return slots[i].ID < slots[j].ID })
		for _, listed := range slots {
			slot, err := tx.Slots().GetForUpdate(ctx, listed.ID)
			if err != nil {
				return err
			}
			switch slot.Status {
			case model.SlotStatusBooked, model.SlotStatusAssigned, model.SlotStatusCompleted:
				result.Skipped[slot.Status] = append(result.Skipped[slot.Status], slot)
				continue
			}
			history, err := tx.Bookings().HasHistory(ctx, slot.ID)
			if err != nil {
				return err
			}
			if history {
				result.Skipped[slot.Status] = append(result.Skipped[slot.Status], slot)
				continue
			}
			if err := tx.Slots().Delete(ctx, slot.ID); err != nil {
				return err
			}
			result.Deleted[slot.Status] = append(result.Deleted[slot.Status], slot)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("delete slots: %w", err)
	}

	s.logger.Info("Slots deleted in range",
		zap.Int64("teacher_id", actor.UserID),
		zap.Time("from", from),
		zap.Time("to", to),
		zap.Int("deleted", result.DeletedCount()),
		zap.Int("skipped_booked", len(result.Skipped[model.SlotStatusBooked])),
		zap.Int("skipped_assigned", len(result.Skipped[model.SlotStatusAssigned])),
	)

	return result, nil
}
