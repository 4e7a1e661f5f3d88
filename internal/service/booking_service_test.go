package service_test

import (
	"sync"
	"testing"
	"time"

	"github.com/Freeeeeet/booking_core/internal/apperr"
	"github.com/Freeeeeet/booking_core/internal/model"
	"github.com/Freeeeeet/booking_core/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBookDirect_CancelOutsideCutoffRefunds(t *testing.T) {
	f := newFixture(t)
	slot := f.lessonSlot()
	f.purchase(studentID, model.WholeHours(2))
	token := f.token(studentID)

	booking := f.book(token, slot.ID)
	assert.Equal(t, model.BookingStatusConfirmed, booking.Status)
	assert.Equal(t, model.SlotStatusBooked, f.slot(slot.ID).Status)
	assert.Equal(t, model.WholeHours(1), f.balance(studentID))

	history, err := f.core.Ledger.History(f.ctx, model.AccountKey{StudentID: studentID, TeacherID: teacherID})
	require.NoError(t, err)
	require.Len(t, history, 2)
	deduction := history[1]
	assert.Equal(t, model.TransactionDeduction, deduction.Type)
	assert.Equal(t, -model.WholeHours(1), deduction.Amount)
	assert.Equal(t, model.WholeHours(1), deduction.BalanceAfter)
	require.NotNil(t, booking.CreditTransactionID)
	assert.Equal(t, deduction.ID, *booking.CreditTransactionID)

	// Двумя днями позже, за неделю до занятия
	f.clock.Set(baseTime.Add(48 * time.Hour))
	cancelled, err := f.core.Bookings.Cancel(f.ctx, student, booking.ID, "plans changed")
	require.NoError(t, err)

	assert.Equal(t, model.BookingStatusCancelled, cancelled.Status)
	assert.False(t, cancelled.RefundForfeited)
	require.NotNil(t, cancelled.RefundTransactionID)
	assert.Equal(t, model.SlotStatusAvailable, f.slot(slot.ID).Status)
	assert.Equal(t, model.WholeHours(2), f.balance(studentID))

	history, err = f.core.Ledger.History(f.ctx, model.AccountKey{StudentID: studentID, TeacherID: teacherID})
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, model.TransactionRefund, history[2].Type)
	assert.Equal(t, model.WholeHours(2), history[2].BalanceAfter)

	byBooking, err := f.core.Ledger.ForReference(f.ctx, model.Reference{Type: model.ReferenceBooking, ID: booking.ID})
	require.NoError(t, err)
	require.Len(t, byBooking, 2)
	assert.Equal(t, model.TransactionDeduction, byBooking[0].Type)
	assert.Equal(t, model.TransactionRefund, byBooking[1].Type)

	f.requireLedgerConsistent(studentID)
	f.requireSlotInvariants()
	assert.Equal(t, []model.EventType{model.EventBookingConfirmed, model.EventBookingCancelled}, f.notifier.Types())
}

func TestBookDirect_ConcurrentRequestsBookOnce(t *testing.T) {
	f := newFixture(t)
	slot := f.lessonSlot()

	const students = 16
	tokens := make([]string, students)
	for i := range tokens {
		id := int64(1000 + i)
		f.purchase(id, model.WholeHours(1))
		tokens[i] = f.token(id)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for _, token := range tokens {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			_, err := f.core.Bookings.BookDirect(f.ctx, service.BookDirectInput{Token: token, SlotID: slot.ID, Client: client})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case apperr.Is(err, apperr.KindConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(token)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, students-1, conflicts)

	bookings, err := f.core.Bookings.ListForTeacher(f.ctx, teacherID)
	require.NoError(t, err)
	require.Len(t, bookings, 1)

	charged := 0
	for i := range tokens {
		id := int64(1000 + i)
		if f.balance(id) == 0 {
			charged++
		}
		f.requireLedgerConsistent(id)
	}
	assert.Equal(t, 1, charged)
	f.requireSlotInvariants()
}

func TestBookDirect_InsufficientBalanceLeavesSlotAvailable(t *testing.T) {
	f := newFixture(t)
	slot := f.slotAt(teacher, time.Date(2025, 3, 1, 16, 0, 0, 0, time.UTC), 90*time.Minute)
	f.purchase(studentID, model.WholeHours(1))
	token := f.token(studentID)

	_, err := f.core.Bookings.BookDirect(f.ctx, service.BookDirectInput{Token: token, SlotID: slot.ID, Client: client})
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindInsufficientBalance))

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, int64(30), appErr.Shortfall())

	assert.Equal(t, model.SlotStatusAvailable, f.slot(slot.ID).Status)
	assert.Equal(t, model.WholeHours(1), f.balance(studentID))

	bookings, err := f.core.Bookings.ListForStudent(f.ctx, studentID)
	require.NoError(t, err)
	assert.Empty(t, bookings)
	assert.Empty(t, f.notifier.Types())
}

func TestBookDirect_RetryReturnsExistingBooking(t *testing.T) {
	f := newFixture(t)
	slot := f.lessonSlot()
	f.purchase(studentID, model.WholeHours(3))
	token := f.token(studentID)

	first := f.book(token, slot.ID)
	second := f.book(token, slot.ID)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, model.WholeHours(2), f.balance(studentID))
	assert.Len(t, f.notifier.Types(), 1)
}

func TestBookDirect_Rejections(t *testing.T) {
	f := newFixture(t)
	own := f.lessonSlot()
	foreign := f.slotAt(otherTeacher, time.Date(2025, 3, 2, 16, 0, 0, 0, time.UTC), time.Hour)
	f.purchase(studentID, model.WholeHours(3))
	token := f.token(studentID)

	t.Run("slot of another teacher", func(t *testing.T) {
		_, err := f.core.Bookings.BookDirect(f.ctx, service.BookDirectInput{Token: token, SlotID: foreign.ID, Client: client})
		assert.True(t, apperr.Is(err, apperr.KindForbidden))
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := f.core.Bookings.BookDirect(f.ctx, service.BookDirectInput{Token: "garbage", SlotID: own.ID, Client: client})
		assert.True(t, apperr.Is(err, apperr.KindForbidden))
	})

	t.Run("empty input", func(t *testing.T) {
		_, err := f.core.Bookings.BookDirect(f.ctx, service.BookDirectInput{})
		assert.True(t, apperr.Is(err, apperr.KindValidation))
	})

	t.Run("unavailable slot", func(t *testing.T) {
		_, err := f.core.Slots.SetAvailability(f.ctx, teacher, own.ID, false)
		require.NoError(t, err)

		_, err = f.core.Bookings.BookDirect(f.ctx, service.BookDirectInput{Token: token, SlotID: own.ID, Client: client})
		assert.True(t, apperr.Is(err, apperr.KindConflict))
	})

	t.Run("slot already started", func(t *testing.T) {
		_, err := f.core.Slots.SetAvailability(f.ctx, teacher, own.ID, true)
		require.NoError(t, err)
		f.clock.Set(own.StartTime.Add(time.Minute))

		_, err = f.core.Bookings.BookDirect(f.ctx, service.BookDirectInput{Token: token, SlotID: own.ID, Client: client})
		assert.True(t, apperr.Is(err, apperr.KindConflict))
	})

	assert.Equal(t, model.WholeHours(3), f.balance(studentID))
}

func TestCancel_LateStudentCancellationForfeitsRefund(t *testing.T) {
	f := newFixture(t)
	slot := f.lessonSlot()
	f.purchase(studentID, model.WholeHours(2))
	booking := f.book(f.token(studentID), slot.ID)

	f.clock.Set(slot.StartTime.Add(-2 * time.Hour))
	cancelled, err := f.core.Bookings.Cancel(f.ctx, student, booking.ID, "")
	require.NoError(t, err)

	assert.Equal(t, model.BookingStatusCancelled, cancelled.Status)
	assert.True(t, cancelled.RefundForfeited)
	assert.Nil(t, cancelled.RefundTransactionID)
	assert.NotEmpty(t, cancelled.CancellationReason)
	assert.Equal(t, model.WholeHours(1), f.balance(studentID))
	assert.Equal(t, model.SlotStatusAvailable, f.slot(slot.ID).Status)
	f.requireLedgerConsistent(studentID)
}

func TestCancel_LateCancellationRejectedWhenDisallowed(t *testing.T) {
	f := newFixture(t, func(p *service.Policy) { p.AllowLateCancel = false })
	slot := f.lessonSlot()
	f.purchase(studentID, model.WholeHours(2))
	booking := f.book(f.token(studentID), slot.ID)

	f.clock.Set(slot.StartTime.Add(-time.Hour))
	_, err := f.core.Bookings.Cancel(f.ctx, student, booking.ID, "sick")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindPolicyViolation))

	current, err := f.core.Bookings.Get(f.ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusConfirmed, current.Status)
	assert.Equal(t, model.SlotStatusBooked, f.slot(slot.ID).Status)
}

func TestCancel_TeacherAlwaysRefunds(t *testing.T) {
	f := newFixture(t)
	slot := f.lessonSlot()
	f.purchase(studentID, model.WholeHours(1))
	booking := f.book(f.token(studentID), slot.ID)

	f.clock.Set(slot.StartTime.Add(-30 * time.Minute))
	cancelled, err := f.core.Bookings.Cancel(f.ctx, teacher, booking.ID, "teacher ill")
	require.NoError(t, err)

	assert.False(t, cancelled.RefundForfeited)
	assert.NotNil(t, cancelled.RefundTransactionID)
	assert.Equal(t, model.WholeHours(1), f.balance(studentID))
}

func TestCancel_RepeatIsNoOp(t *testing.T) {
	f := newFixture(t)
	slot := f.lessonSlot()
	f.purchase(studentID, model.WholeHours(1))
	booking := f.book(f.token(studentID), slot.ID)

	first, err := f.core.Bookings.Cancel(f.ctx, student, booking.ID, "plans changed")
	require.NoError(t, err)
	second, err := f.core.Bookings.Cancel(f.ctx, student, booking.ID, "plans changed")
	require.NoError(t, err)

	assert.Equal(t, first.RefundTransactionID, second.RefundTransactionID)
	assert.Equal(t, model.WholeHours(1), f.balance(studentID))

	history, err := f.core.Ledger.History(f.ctx, model.AccountKey{StudentID: studentID, TeacherID: teacherID})
	require.NoError(t, err)
	assert.Len(t, history, 3)
	assert.Len(t, f.notifier.Types(), 2)
}

func TestCancel_Authorization(t *testing.T) {
	f := newFixture(t)
	slot := f.lessonSlot()
	f.purchase(studentID, model.WholeHours(1))
	booking := f.book(f.token(studentID), slot.ID)

	_, err := f.core.Bookings.Cancel(f.ctx, otherStudent, booking.ID, "")
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	_, err = f.core.Bookings.Cancel(f.ctx, otherTeacher, booking.ID, "")
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	_, err = f.core.Bookings.Cancel(f.ctx, guardian, booking.ID, "")
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	f.linkGuardian(guardianID, studentID)
	cancelled, err := f.core.Bookings.Cancel(f.ctx, guardian, booking.ID, "family trip")
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusCancelled, cancelled.Status)
}

func TestCancel_GuardianLinkIsScopedToTeacher(t *testing.T) {
	f := newFixture(t)
	slot := f.slotAt(otherTeacher, time.Date(2025, 3, 1, 16, 0, 0, 0, time.UTC), time.Hour)
	_, err := f.core.Ledger.Purchase(f.ctx, model.AccountKey{StudentID: studentID, TeacherID: otherTeacherID}, model.WholeHours(1), "package")
	require.NoError(t, err)
	issued, err := f.core.Access.Issue(f.ctx, otherTeacher, studentID)
	require.NoError(t, err)
	booking := f.book(issued.Token, slot.ID)

	// связь от первого учителя не действует в занятиях второго
	f.linkGuardian(guardianID, studentID)
	_, err = f.core.Bookings.Cancel(f.ctx, guardian, booking.ID, "")
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	current, err := f.core.Bookings.Get(f.ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusConfirmed, current.Status)

	require.NoError(t, f.core.Access.LinkGuardian(f.ctx, otherTeacher, guardianID, studentID))
	cancelled, err := f.core.Bookings.Cancel(f.ctx, guardian, booking.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusCancelled, cancelled.Status)
}

func TestCancel_StartedLessonConflicts(t *testing.T) {
	f := newFixture(t)
	slot := f.lessonSlot()
	f.purchase(studentID, model.WholeHours(1))
	booking := f.book(f.token(studentID), slot.ID)

	for _, at := range []time.Time{slot.StartTime, slot.StartTime.Add(30 * time.Minute), slot.EndTime.Add(time.Hour)} {
		f.clock.Set(at)
		for _, actor := range []model.Actor{student, teacher} {
			_, err := f.core.Bookings.Cancel(f.ctx, actor, booking.ID, "")
			assert.True(t, apperr.Is(err, apperr.KindConflict), "at %s by %s", at, actor.Role)
		}
	}

	assert.Equal(t, model.SlotStatusBooked, f.slot(slot.ID).Status)
	assert.Equal(t, model.Hours(0), f.balance(studentID))
	f.requireSlotInvariants()
}

func TestCancel_CompletedBookingConflicts(t *testing.T) {
	f := newFixture(t)
	slot := f.lessonSlot()
	f.purchase(studentID, model.WholeHours(1))
	booking := f.book(f.token(studentID), slot.ID)

	_, err := f.core.Bookings.Complete(f.ctx, booking.ID, "session-1")
	require.NoError(t, err)

	_, err = f.core.Bookings.Cancel(f.ctx, student, booking.ID, "")
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestCompleteAndNoShow(t *testing.T) {
	f := newFixture(t)
	first := f.lessonSlot()
	second := f.slotAt(teacher, time.Date(2025, 3, 2, 16, 0, 0, 0, time.UTC), time.Hour)
	f.purchase(studentID, model.WholeHours(2))
	token := f.token(studentID)
	b1 := f.book(token, first.ID)
	b2 := f.book(token, second.ID)

	completed, err := f.core.Bookings.Complete(f.ctx, b1.ID, "session-1")
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusCompleted, completed.Status)
	require.NotNil(t, completed.ExternalSessionID)
	assert.Equal(t, "session-1", *completed.ExternalSessionID)
	assert.Equal(t, model.SlotStatusCompleted, f.slot(first.ID).Status)

	again, err := f.core.Bookings.Complete(f.ctx, b1.ID, "session-1")
	require.NoError(t, err)
	assert.Equal(t, completed.CompletedAt, again.CompletedAt)

	noShow, err := f.core.Bookings.MarkNoShow(f.ctx, b2.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusNoShow, noShow.Status)
	assert.Equal(t, model.SlotStatusBooked, f.slot(second.ID).Status)

	_, err = f.core.Bookings.Complete(f.ctx, b2.ID, "late-session")
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	assert.Equal(t, model.Hours(0), f.balance(studentID))
	f.requireLedgerConsistent(studentID)
	f.requireSlotInvariants()
}

func TestCancelSlot(t *testing.T) {
	t.Run("booked slot refunds the student", func(t *testing.T) {
		f := newFixture(t)
		slot := f.lessonSlot()
		f.purchase(studentID, model.WholeHours(1))
		booking := f.book(f.token(studentID), slot.ID)
		f.clock.Set(slot.StartTime.Add(-time.Hour))

		cancelled, err := f.core.Bookings.CancelSlot(f.ctx, teacher, slot.ID, "")
		require.NoError(t, err)
		assert.Equal(t, model.SlotStatusCancelled, cancelled.Status)

		current, err := f.core.Bookings.Get(f.ctx, booking.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BookingStatusCancelled, current.Status)
		assert.NotNil(t, current.RefundTransactionID)
		assert.Equal(t, model.WholeHours(1), f.balance(studentID))
		f.requireSlotInvariants()
	})

	t.Run("assigned slot declines the assignment", func(t *testing.T) {
		f := newFixture(t)
		a := f.lessonSlot()
		b := f.slotAt(teacher, time.Date(2025, 3, 2, 16, 0, 0, 0, time.UTC), time.Hour)
		assignment, err := f.core.Assignments.Assign(f.ctx, teacher, service.AssignInput{
			SlotIDs: []int64{a.ID, b.ID}, StudentID: studentID, StudentName: "Anna",
		})
		require.NoError(t, err)

		_, err = f.core.Bookings.CancelSlot(f.ctx, teacher, a.ID, "")
		require.NoError(t, err)

		assert.Equal(t, model.SlotStatusCancelled, f.slot(a.ID).Status)
		assert.Equal(t, model.SlotStatusAvailable, f.slot(b.ID).Status)

		current, err := f.core.Assignments.Get(f.ctx, assignment.ID)
		require.NoError(t, err)
		assert.Equal(t, model.AssignmentStatusDeclined, current.Status)
		f.requireSlotInvariants()
	})

	t.Run("other teacher is forbidden", func(t *testing.T) {
		f := newFixture(t)
		slot := f.lessonSlot()
		_, err := f.core.Bookings.CancelSlot(f.ctx, otherTeacher, slot.ID, "")
		assert.True(t, apperr.Is(err, apperr.KindForbidden))
	})

	t.Run("repeat is no-op", func(t *testing.T) {
		f := newFixture(t)
		slot := f.lessonSlot()
		_, err := f.core.Bookings.CancelSlot(f.ctx, teacher, slot.ID, "")
		require.NoError(t, err)
		again, err := f.core.Bookings.CancelSlot(f.ctx, teacher, slot.ID, "")
		require.NoError(t, err)
		assert.Equal(t, model.SlotStatusCancelled, again.Status)
	})
}
