package memory

import (
	"context"
	"sort"
	"time"

	"github.com/Freeeeeet/booking_core/internal/apperr"
	"github.com/Freeeeeet/booking_core/internal/model"
)

type slotRepo struct{ t *tx }

func (r *slotRepo) Create(_ context.Context, slot *model.Slot) error {
	now := r.t.now()
	slot.ID = r.t.st.nextID()
	slot.CreatedAt, slot.UpdatedAt = now, now
	r.t.st.slots[slot.ID] = *slot
	return nil
}

func (r *slotRepo) GetByID(_ context.Context, id int64) (*model.Slot, error) {
	slot, ok := r.t.st.slots[id]
	if !ok {
		return nil, apperr.NotFound("get slot by id", "slot %d not found", id)
	}
	return &slot, nil
}

func (r *slotRepo) GetForUpdate(ctx context.Context, id int64) (*model.Slot, error) {
	return r.GetByID(ctx, id)
}

func (r *slotRepo) GetByIDs(_ context.Context, ids []int64) ([]*model.Slot, error) {
	var out []*model.Slot
	for _, id := range ids {
		if slot, ok := r.t.st.slots[id]; ok {
			out = append(out, &slot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *slotRepo) filter(keep func(*model.Slot) bool) []*model.Slot {
	var out []*model.Slot
	for _, v := range r.t.st.slots {
		slot := v
		if keep(&slot) {
			out = append(out, &slot)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

func (r *slotRepo) ListByTeacher(_ context.Context, teacherID int64, from, to time.Time) ([]*model.Slot, error) {
	return r.filter(func(s *model.Slot) bool {
		return s.TeacherID == teacherID && !s.StartTime.Before(from) && s.StartTime.Before(to)
	}), nil
}

func (r *slotRepo) ListByStatus(_ context.Context, statuses []model.SlotStatus, afterID int64, limit int) ([]*model.Slot, error) {
	match := model.SlotTransition{From: statuses}
	out := r.filter(func(s *model.Slot) bool { return s.ID > afterID && match.Allows(s.Status) })
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *slotRepo) FindOverlapping(_ context.Context, teacherID int64, start, end time.Time) ([]*model.Slot, error) {
	return r.filter(func(s *model.Slot) bool {
		return s.TeacherID == teacherID && s.Status != model.SlotStatusCancelled && s.Overlaps(start, end)
	}), nil
}

// LockTeacherDate ничего не делает: транзакции и так сериализованы
func (r *slotRepo) LockTeacherDate(context.Context, int64, time.Time) error {
	return nil
}

func (r *slotRepo) Transition(_ context.Context, t model.SlotTransition) (*model.Slot, error) {
	slot, ok := r.t.st.slots[t.SlotID]
	if !ok {
		return nil, apperr.NotFound("transition slot", "slot %d not found", t.SlotID)
	}
	if t.ActorID != 0 && slot.TeacherID != t.ActorID {
		return nil, apperr.Forbidden("transition slot", "slot %d belongs to another teacher", t.SlotID)
	}
	if !t.Allows(slot.Status) {
		return nil, apperr.Conflict("transition slot", "slot %d is %s, expected one of %v", t.SlotID, slot.Status, t.From)
	}

	slot.ClearAssignment()
	if t.To == model.SlotStatusAssigned {
		if t.Assignment == nil {
			return nil, apperr.Validation("transition slot", "assignment fields required for assigned status")
		}
		t.Assignment.Apply(&slot)
	}
	slot.Status = t.To
	slot.UpdatedAt = r.t.now()
	r.t.st.slots[slot.ID] = slot

	return &slot, nil
}

func (r *slotRepo) Delete(_ context.Context, id int64) error {
	if _, ok := r.t.st.slots[id]; !ok {
		return apperr.NotFound("delete slot", "slot %d not found", id)
	}
	delete(r.t.st.slots, id)
	return nil
}
