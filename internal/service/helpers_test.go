package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Freeeeeet/booking_core/internal/feed"
	"github.com/Freeeeeet/booking_core/internal/model"
	"github.com/Freeeeeet/booking_core/internal/repository"
	"github.com/Freeeeeet/booking_core/internal/repository/memory"
	"github.com/Freeeeeet/booking_core/internal/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	teacherID      int64 = 100
	otherTeacherID int64 = 200
	studentID      int64 = 1
	otherStudentID int64 = 2
	guardianID     int64 = 50
)

var (
	teacher      = model.Actor{UserID: teacherID, Role: model.RoleTeacher}
	otherTeacher = model.Actor{UserID: otherTeacherID, Role: model.RoleTeacher}
	student      = model.Actor{UserID: studentID, Role: model.RoleStudent}
	otherStudent = model.Actor{UserID: otherStudentID, Role: model.RoleStudent}
	guardian     = model.Actor{UserID: guardianID, Role: model.RoleGuardian}

	client = model.ClientInfo{IP: "203.0.113.7", UserAgent: "test"}

	// 2025-02-20 10:00 UTC
	baseTime = time.Date(2025, 2, 20, 10, 0, 0, 0, time.UTC)
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.Event
}

func (n *recordingNotifier) Notify(_ context.Context, e model.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) Types() []model.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]model.EventType, len(n.events))
	for i, e := range n.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	clock    *testClock
	store    *memory.Store
	feed     *feed.Static
	notifier *recordingNotifier
	policy   service.Policy
	core     *service.Core
}

func newFixture(t *testing.T, tweak ...func(*service.Policy)) *fixture {
	t.Helper()

	policy := service.DefaultPolicy()
	for _, fn := range tweak {
		fn(&policy)
	}

	clock := &testClock{now: baseTime}
	store := memory.NewStore()
	store.SetClock(clock.Now)

	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		clock:    clock,
		store:    store,
		feed:     feed.NewStatic(),
		notifier: &recordingNotifier{},
		policy:   policy,
	}
	f.core = service.NewCore(service.Deps{
		Store:    store,
		Notifier: f.notifier,
		Feed:     f.feed,
		Policy:   policy,
		Access: service.ShareAccessConfig{
			TTL:               365 * 24 * time.Hour,
			Pepper:            []byte("test-pepper"),
			RotateAccessCount: 5,
			RotateAge:         180 * 24 * time.Hour,
		},
		Clock:  clock.Now,
		Logger: zaptest.NewLogger(t),
	})
	return f
}

// slotAt создаёт доступный слот учителя
func (f *fixture) slotAt(owner model.Actor, start time.Time, d time.Duration) *model.Slot {
	f.t.Helper()
	slots, err := f.core.Slots.CreateSlots(f.ctx, owner, []service.CreateSlotInput{{
		TeacherID: owner.UserID,
		StartTime: start,
		EndTime:   start.Add(d),
		Available: true,
	}})
	require.NoError(f.t, err)
	require.Len(f.t, slots, 1)
	return slots[0]
}

// lessonSlot слот 2025-03-01 16:00–17:00
func (f *fixture) lessonSlot() *model.Slot {
	return f.slotAt(teacher, time.Date(2025, 3, 1, 16, 0, 0, 0, time.UTC), time.Hour)
}

func (f *fixture) purchase(studentID int64, hours model.Hours) {
	f.t.Helper()
	_, err := f.core.Ledger.Purchase(f.ctx, model.AccountKey{StudentID: studentID, TeacherID: teacherID}, hours, "package")
	require.NoError(f.t, err)
}

func (f *fixture) token(studentID int64) string {
	f.t.Helper()
	issued, err := f.core.Access.Issue(f.ctx, teacher, studentID)
	require.NoError(f.t, err)
	return issued.Token
}

func (f *fixture) balance(studentID int64) model.Hours {
	f.t.Helper()
	preview, err := f.core.Ledger.Preview(f.ctx, model.AccountKey{StudentID: studentID, TeacherID: teacherID})
	require.NoError(f.t, err)
	return preview.Balance
}

func (f *fixture) slot(id int64) *model.Slot {
	f.t.Helper()
	slot, err := f.core.Slots.Get(f.ctx, id)
	require.NoError(f.t, err)
	return slot
}

func (f *fixture) book(token string, slotID int64) *model.Booking {
	f.t.Helper()
	booking, err := f.core.Bookings.BookDirect(f.ctx, service.BookDirectInput{Token: token, SlotID: slotID, Client: client})
	require.NoError(f.t, err)
	return booking
}

func (f *fixture) linkGuardian(guardianID, studentID int64) {
	f.t.Helper()
	require.NoError(f.t, f.core.Access.LinkGuardian(f.ctx, teacher, guardianID, studentID))
}

// requireLedgerConsistent проигрывает журнал счёта
func (f *fixture) requireLedgerConsistent(studentID int64) {
	f.t.Helper()
	require.NoError(f.t, f.core.Ledger.Verify(f.ctx, model.AccountKey{StudentID: studentID, TeacherID: teacherID}))
}

// requireSlotInvariants проверяет поля назначения и единственность живого бронирования
func (f *fixture) requireSlotInvariants() {
	f.t.Helper()
	err := f.store.WithoutTx(f.ctx, func(ctx context.Context, tx repository.Tx) error {
		slots, err := tx.Slots().ListByTeacher(ctx, teacherID, baseTime.Add(-365*24*time.Hour), baseTime.Add(365*24*time.Hour))
		if err != nil {
			return err
		}
		for _, slot := range slots {
			require.Equal(f.t, slot.Status == model.SlotStatusAssigned, slot.HasAssignmentFields(), "slot %d", slot.ID)

			live, err := tx.Bookings().GetLiveBySlot(ctx, slot.ID)
			switch slot.Status {
			case model.SlotStatusBooked, model.SlotStatusCompleted:
				require.NoError(f.t, err, "slot %d must have a live booking", slot.ID)
				require.Equal(f.t, slot.ID, live.SlotID)
			default:
				require.Error(f.t, err, "slot %d must not have a live booking", slot.ID)
			}
		}
		return nil
	})
	require.NoError(f.t, err)
}
