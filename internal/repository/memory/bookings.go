package memory

import (
	"context"
	"sort"
	"time"

	"github.com/Freeeeeet/booking_core/internal/apperr"
	"github.com/Freeeeeet/booking_core/internal/model"
)

type bookingRepo struct{ t *tx }

func (r *bookingRepo) Create(_ context.Context, b *model.Booking) error {
	// то же, что частичный уникальный индекс uq_bookings_live_slot
	for _, existing := range r.t.st.bookings {
		if existing.SlotID == b.SlotID && existing.IsLive() {
			return apperr.Conflict("create booking", "slot %d already has a live booking", b.SlotID)
		}
	}

	b.ID = r.t.st.nextID()
	b.UpdatedAt = r.t.now()
	r.t.st.bookings[b.ID] = *b
	return nil
}

func (r *bookingRepo) GetByID(_ context.Context, id int64) (*model.Booking, error) {
	b, ok := r.t.st.bookings[id]
	if !ok {
		return nil, apperr.NotFound("get booking by id", "booking %d not found", id)
	}
	return &b, nil
}

func (r *bookingRepo) GetForUpdate(ctx context.Context, id int64) (*model.Booking, error) {
	return r.GetByID(ctx, id)
}

func (r *bookingRepo) GetLiveBySlot(_ context.Context, slotID int64) (*model.Booking, error) {
	for _, b := range r.t.st.bookings {
		if b.SlotID == slotID && b.IsLive() {
			return &b, nil
		}
	}
	return nil, apperr.NotFound("get booking by slot", "slot %d has no live booking", slotID)
}

func (r *bookingRepo) filter(keep func(*model.Booking) bool, desc bool) []*model.Booking {
	var out []*model.Booking
	for _, v := range r.t.st.bookings {
		b := v
		if keep(&b) {
			out = append(out, &b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].EndTime.Before(out[j].EndTime)
	})
	return out
}

func (r *bookingRepo) ListByStudent(_ context.Context, studentID int64) ([]*model.Booking, error) {
	return r.filter(func(b *model.Booking) bool { return b.StudentID == studentID }, true), nil
}

func (r *bookingRepo) ListByTeacher(_ context.Context, teacherID int64) ([]*model.Booking, error) {
	return r.filter(func(b *model.Booking) bool { return b.TeacherID == teacherID }, true), nil
}

func (r *bookingRepo) ListDue(_ context.Context, endBefore time.Time, limit int) ([]*model.Booking, error) {
	out := r.filter(func(b *model.Booking) bool {
		return b.Status == model.BookingStatusConfirmed && !b.EndTime.After(endBefore)
	}, false)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *bookingRepo) HasHistory(_ context.Context, slotID int64) (bool, error) {
	for _, b := range r.t.st.bookings {
		if b.SlotID == slotID {
			return true, nil
		}
	}
	return false, nil
}

func (r *bookingRepo) SetCreditTransaction(_ context.Context, bookingID, transactionID int64) error {
	b, ok := r.t.st.bookings[bookingID]
	if !ok {
		return apperr.NotFound("set booking transaction", "booking %d not found", bookingID)
	}
	if b.CreditTransactionID != nil {
		return apperr.Conflict("set booking transaction", "booking %d already has a deduction", bookingID)
	}
	id := transactionID
	b.CreditTransactionID = &id
	b.UpdatedAt = r.t.now()
	r.t.st.bookings[bookingID] = b
	return nil
}

func (r *bookingRepo) Transition(_ context.Context, b *model.Booking, from model.BookingStatus) error {
	current, ok := r.t.st.bookings[b.ID]
	if !ok || current.Status != from {
		return apperr.Conflict("transition booking", "booking %d is no longer %s", b.ID, from)
	}

	current.Status = b.Status
	current.CancelledAt = b.CancelledAt
	current.CompletedAt = b.CompletedAt
	current.CancellationReason = b.CancellationReason
	current.RefundForfeited = b.RefundForfeited
	current.RefundTransactionID = b.RefundTransactionID
	current.ExternalSessionID = b.ExternalSessionID
	current.UpdatedAt = r.t.now()
	r.t.st.bookings[b.ID] = current

	b.UpdatedAt = current.UpdatedAt
	return nil
}
