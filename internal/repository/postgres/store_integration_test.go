package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Freeeeeet/booking_core/internal/app"
	"github.com/Freeeeeet/booking_core/internal/apperr"
	"github.com/Freeeeeet/booking_core/internal/feed"
	"github.com/Freeeeeet/booking_core/internal/model"
	"github.com/Freeeeeet/booking_core/internal/repository"
	"github.com/Freeeeeet/booking_core/internal/repository/postgres"
	"github.com/Freeeeeet/booking_core/internal/service"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	teacherID      int64 = 100
	studentID      int64 = 1
	otherStudentID int64 = 2
)

var (
	teacher = model.Actor{UserID: teacherID, Role: model.RoleTeacher}
	student = model.Actor{UserID: studentID, Role: model.RoleStudent}
	client  = model.ClientInfo{IP: "203.0.113.7", UserAgent: "integration"}
)

// newStore поднимает чистую схему в базе из BOOKING_TEST_DSN
func newStore(t *testing.T) (*postgres.Store, *pgxpool.Pool) {
	t.Helper()

	dsn := os.Getenv("BOOKING_TEST_DSN")
	if dsn == "" {
		t.Skip("BOOKING_TEST_DSN is not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	migrator, err := app.NewMigrator(pool, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = migrator.Close() })

	require.NoError(t, migrator.Reset(ctx))
	require.NoError(t, migrator.Run(ctx))

	version, err := migrator.Version(ctx)
	require.NoError(t, err)
	require.Positive(t, version)

	return postgres.NewStore(pool), pool
}

func newCore(t *testing.T, store repository.Store, sessions service.SessionFeed) *service.Core {
	return service.NewCore(service.Deps{
		Store:  store,
		Feed:   sessions,
		Policy: service.DefaultPolicy(),
		Access: service.ShareAccessConfig{
			TTL:    24 * time.Hour,
			Pepper: []byte("integration-pepper"),
		},
		Logger: zaptest.NewLogger(t),
	})
}

func tomorrowAt(hour int) time.Time {
	d := time.Now().UTC().Add(48 * time.Hour)
	return time.Date(d.Year(), d.Month(), d.Day(), hour, 0, 0, 0, time.UTC)
}

func createSlot(t *testing.T, core *service.Core, start time.Time, d time.Duration) *model.Slot {
	t.Helper()
	slots, err := core.Slots.CreateSlots(context.Background(), teacher, []service.CreateSlotInput{{
		TeacherID: teacherID,
		StartTime: start,
		EndTime:   start.Add(d),
		Available: true,
	}})
	require.NoError(t, err)
	return slots[0]
}

func TestPostgres_BookAndCancel(t *testing.T) {
	store, _ := newStore(t)
	core := newCore(t, store, nil)
	ctx := context.Background()
	key := model.AccountKey{StudentID: studentID, TeacherID: teacherID}

	slot := createSlot(t, core, tomorrowAt(16), time.Hour)
	_, err := core.Ledger.Purchase(ctx, key, model.WholeHours(2), "package")
	require.NoError(t, err)
	issued, err := core.Access.Issue(ctx, teacher, studentID)
	require.NoError(t, err)

	booking, err := core.Bookings.BookDirect(ctx, service.BookDirectInput{Token: issued.Token, SlotID: slot.ID, Client: client})
	require.NoError(t, err)
	require.NotNil(t, booking.CreditTransactionID)

	// Второе бронирование того же слота тем же учеником возвращает первое
	again, err := core.Bookings.BookDirect(ctx, service.BookDirectInput{Token: issued.Token, SlotID: slot.ID, Client: client})
	require.NoError(t, err)
	assert.Equal(t, booking.ID, again.ID)

	cancelled, err := core.Bookings.Cancel(ctx, student, booking.ID, "plans changed")
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.RefundTransactionID)

	preview, err := core.Ledger.Preview(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.WholeHours(2), preview.Balance)
	require.NoError(t, core.Ledger.Verify(ctx, key))

	current, err := core.Slots.Get(ctx, slot.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SlotStatusAvailable, current.Status)

	err = core.Slots.Delete(ctx, teacher, slot.ID)
	assert.True(t, apperr.Is(err, apperr.KindConflict))

	entries, err := core.Access.AccessLog(ctx, teacher, studentID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestPostgres_ConcurrentBookingHasOneWinner(t *testing.T) {
	store, _ := newStore(t)
	core := newCore(t, store, nil)
	ctx := context.Background()

	slot := createSlot(t, core, tomorrowAt(10), time.Hour)

	const students = 8
	tokens := make([]string, students)
	for i := range tokens {
		id := int64(1000 + i)
		_, err := core.Ledger.Purchase(ctx, model.AccountKey{StudentID: id, TeacherID: teacherID}, model.WholeHours(1), "")
		require.NoError(t, err)
		issued, err := core.Access.Issue(ctx, teacher, id)
		require.NoError(t, err)
		tokens[i] = issued.Token
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, token := range tokens {
		wg.Add(1)
		go func(token string) {
			defer wg.Done()
			_, err := core.Bookings.BookDirect(ctx, service.BookDirectInput{Token: token, SlotID: slot.ID, Client: client})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !apperr.Is(err, apperr.KindConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}(token)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	bookings, err := core.Bookings.ListForTeacher(ctx, teacherID)
	require.NoError(t, err)
	assert.Len(t, bookings, 1)

	for i := range tokens {
		require.NoError(t, core.Ledger.Verify(ctx, model.AccountKey{StudentID: int64(1000 + i), TeacherID: teacherID}))
	}
}

func TestPostgres_OverlappingSlotsRejected(t *testing.T) {
	store, _ := newStore(t)
	core := newCore(t, store, nil)
	ctx := context.Background()

	start := tomorrowAt(12)
	createSlot(t, core, start, time.Hour)

	_, err := core.Slots.CreateSlots(ctx, teacher, []service.CreateSlotInput{{
		TeacherID: teacherID,
		StartTime: start.Add(30 * time.Minute),
		EndTime:   start.Add(90 * time.Minute),
	}})
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestPostgres_AssignmentConfirm(t *testing.T) {
	store, _ := newStore(t)
	core := newCore(t, store, nil)
	ctx := context.Background()
	key := model.AccountKey{StudentID: studentID, TeacherID: teacherID}

	first := createSlot(t, core, tomorrowAt(8), time.Hour)
	second := createSlot(t, core, tomorrowAt(9), 30*time.Minute)

	a, err := core.Assignments.Assign(ctx, teacher, service.AssignInput{
		SlotIDs:     []int64{second.ID, first.ID},
		StudentID:   studentID,
		StudentName: "Anna",
	})
	require.NoError(t, err)

	_, _, err = core.Assignments.Resolve(ctx, student, a.ID, model.ActionConfirm)
	require.True(t, apperr.Is(err, apperr.KindInsufficientBalance))

	_, err = core.Ledger.Purchase(ctx, key, model.Minutes(90), "")
	require.NoError(t, err)

	preview, err := core.Ledger.Preview(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.Minutes(90), preview.Pending)

	_, bookings, err := core.Assignments.Resolve(ctx, student, a.ID, model.ActionConfirm)
	require.NoError(t, err)
	require.Len(t, bookings, 2)

	preview, err = core.Ledger.Preview(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, preview.Balance)
	assert.Zero(t, preview.Pending)
	require.NoError(t, core.Ledger.Verify(ctx, key))
}

func TestPostgres_SweeperCompletesFromFeed(t *testing.T) {
	store, pool := newStore(t)
	ctx := context.Background()
	sessions := feed.NewPostgresFeed(pool)
	core := newCore(t, store, sessions)
	key := model.AccountKey{StudentID: studentID, TeacherID: teacherID}

	slot := createSlot(t, core, tomorrowAt(14), time.Hour)
	_, err := core.Ledger.Purchase(ctx, key, model.WholeHours(1), "")
	require.NoError(t, err)
	issued, err := core.Access.Issue(ctx, teacher, studentID)
	require.NoError(t, err)
	booking, err := core.Bookings.BookDirect(ctx, service.BookDirectInput{Token: issued.Token, SlotID: slot.ID, Client: client})
	require.NoError(t, err)

	_, err = pool.Exec(ctx,
		`INSERT INTO class_sessions (external_session_id, start_time, participant_ids) VALUES ($1, $2, $3)`,
		"meet-1", slot.StartTime.Add(2*time.Minute), []int64{teacherID, studentID})
	require.NoError(t, err)

	report, err := core.Sweeper.RunOnce(ctx, slot.EndTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Completed)

	current, err := core.Bookings.Get(ctx, booking.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingStatusCompleted, current.Status)
	require.NotNil(t, current.ExternalSessionID)
	assert.Equal(t, "meet-1", *current.ExternalSessionID)
}

func TestPostgres_ConcurrentOrphanReconciliation(t *testing.T) {
	store, pool := newStore(t)
	core := newCore(t, store, nil)
	ctx := context.Background()

	const orphans = 6
	ids := make([]int64, 0, orphans)
	for i := 0; i < orphans; i++ {
		ids = append(ids, createSlot(t, core, tomorrowAt(6+i), time.Hour).ID)
	}
	// слоты в booked без бронирований, как после сбоя
	_, err := pool.Exec(ctx, `UPDATE slots SET status = 'booked' WHERE id = ANY($1)`, ids)
	require.NoError(t, err)

	const sweepers = 4
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		released int
	)
	for i := 0; i < sweepers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := core.Sweeper.ReconcileOrphans(ctx)
			if err != nil {
				t.Errorf("reconcile orphans: %v", err)
				return
			}
			mu.Lock()
			released += report.OrphansReleased
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, orphans, released)
	for _, id := range ids {
		slot, err := core.Slots.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.SlotStatusAvailable, slot.Status)
	}

	report, err := core.Sweeper.RunOnce(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, report.OrphansReleased)
}

func TestPostgres_ConfirmRacesBookDirect(t *testing.T) {
	store, _ := newStore(t)
	core := newCore(t, store, nil)
	ctx := context.Background()

	for _, id := range []int64{studentID, otherStudentID} {
		_, err := core.Ledger.Purchase(ctx, model.AccountKey{StudentID: id, TeacherID: teacherID}, model.WholeHours(4), "")
		require.NoError(t, err)
	}
	issued, err := core.Access.Issue(ctx, teacher, otherStudentID)
	require.NoError(t, err)
	book := func(slotID int64) error {
		_, err := core.Bookings.BookDirect(ctx, service.BookDirectInput{Token: issued.Token, SlotID: slotID, Client: client})
		return err
	}

	t.Run("confirm against direct booking of a held slot", func(t *testing.T) {
		first := createSlot(t, core, tomorrowAt(8), time.Hour)
		second := createSlot(t, core, tomorrowAt(9), time.Hour)
		a, err := core.Assignments.Assign(ctx, teacher, service.AssignInput{
			SlotIDs:     []int64{first.ID, second.ID},
			StudentID:   studentID,
			StudentName: "Anna",
		})
		require.NoError(t, err)

		var (
			wg         sync.WaitGroup
			confirmErr error
			bookErr    error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _, confirmErr = core.Assignments.Resolve(ctx, student, a.ID, model.ActionConfirm)
		}()
		go func() {
			defer wg.Done()
			bookErr = book(second.ID)
		}()
		wg.Wait()

		require.NoError(t, confirmErr)
		assert.True(t, apperr.Is(bookErr, apperr.KindConflict))

		bookings, err := core.Bookings.ListForTeacher(ctx, teacherID)
		require.NoError(t, err)
		assert.Len(t, bookings, 2)
		for _, b := range bookings {
			assert.Equal(t, studentID, b.StudentID)
		}
	})

	t.Run("assign against direct booking of an overlapping set", func(t *testing.T) {
		first := createSlot(t, core, tomorrowAt(11), time.Hour)
		second := createSlot(t, core, tomorrowAt(12), time.Hour)

		var (
			wg        sync.WaitGroup
			assignErr error
			bookErr   error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, assignErr = core.Assignments.Assign(ctx, teacher, service.AssignInput{
				SlotIDs:     []int64{first.ID, second.ID},
				StudentID:   studentID,
				StudentName: "Anna",
			})
		}()
		go func() {
			defer wg.Done()
			bookErr = book(second.ID)
		}()
		wg.Wait()

		// ровно один выигрывает, проигравший ничего не меняет
		require.True(t, (assignErr == nil) != (bookErr == nil), "assign=%v book=%v", assignErr, bookErr)
		current, err := core.Slots.Get(ctx, first.ID)
		require.NoError(t, err)
		if assignErr == nil {
			assert.True(t, apperr.Is(bookErr, apperr.KindConflict))
			assert.Equal(t, model.SlotStatusAssigned, current.Status)
		} else {
			assert.True(t, apperr.Is(assignErr, apperr.KindConflict))
			assert.Equal(t, model.SlotStatusAvailable, current.Status)
		}
	})

	for _, id := range []int64{studentID, otherStudentID} {
		require.NoError(t, core.Ledger.Verify(ctx, model.AccountKey{StudentID: id, TeacherID: teacherID}))
	}
}
