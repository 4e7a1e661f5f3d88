package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Freeeeeet/booking_core/internal/apperr"
	"github.com/Freeeeeet/booking_core/internal/model"
	"github.com/Freeeeeet/booking_core/internal/repository"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// SweepReport итоги одного прохода
type SweepReport struct {
	Expired         int `json:"expired"`
	Completed       int `json:"completed"`
	NoShows         int `json:"no_shows"`
	Awaiting        int `json:"awaiting"` // окончились, но грейс-период ещё идёт
	OrphansReleased int `json:"orphans_released"`
	OrphansFlagged  int `json:"orphans_flagged"` // найдены, но не исправляются автоматически
}

// Sweeper фоновая сверка: истечение назначений, итог занятий и осиротевшие
// слоты. Каждый проход идемпотентен и безопасен при параллельном запуске.
type Sweeper struct {
	store       repository.Store
	assignments *AssignmentService
	bookings    *BookingService
	feed        SessionFeed
	policy      Policy
	logger      *zap.Logger
}

func NewSweeper(
	store repository.Store,
	assignments *AssignmentService,
	bookings *BookingService,
	feed SessionFeed,
	policy Policy,
	logger *zap.Logger,
) *Sweeper {
	return &Sweeper{
		store:       store,
		assignments: assignments,
		bookings:    bookings,
		feed:        feed,
		policy:      policy,
		logger:      logger,
	}
}

// RunOnce выполняет все три прохода. Ошибка одного прохода не мешает остальным.
func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) (SweepReport, error) {
	var (
		report SweepReport
		errs   error
	)

	expired, err := s.ExpireAssignments(ctx, now)
	report.Expired = expired
	errs = multierr.Append(errs, err)

	completion, err := s.MatchCompletions(ctx, now)
	report.Completed, report.NoShows, report.Awaiting = completion.Completed, completion.NoShows, completion.Awaiting
	errs = multierr.Append(errs, err)

	orphans, err := s.ReconcileOrphans(ctx)
	report.OrphansReleased, report.OrphansFlagged = orphans.OrphansReleased, orphans.OrphansFlagged
	errs = multierr.Append(errs, err)

	s.logger.Info("Sweep completed",
		zap.Int("expired", report.Expired),
		zap.Int("completed", report.Completed),
		zap.Int("no_shows", report.NoShows),
		zap.Int("awaiting", report.Awaiting),
		zap.Int("orphans_released", report.OrphansReleased),
		zap.Int("orphans_flagged", report.OrphansFlagged),
		zap.Int("errors", len(multierr.Errors(errs))),
	)

	return report, errs
}

// ExpireAssignments закрывает просроченные назначения
func (s *Sweeper) ExpireAssignments(ctx context.Context, now time.Time) (int, error) {
	var due []*model.Assignment
	err := s.store.WithoutTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		due, err = tx.Assignments().ListExpired(ctx, now, s.policy.batchSize())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list expired assignments: %w", err)
	}

	var (
		expired int
		errs    error
	)
	for _, a := range due {
		ok, err := s.assignments.Expire(ctx, a.ID, now)
		if err != nil {
			s.logger.Error("Failed to expire assignment",
				zap.Int64("assignment_id", a.ID),
				zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		if ok {
			expired++
		}
	}

	return expired, errs
}

// MatchCompletions сверяет прошедшие бронирования с фактами занятий.
// Совпадение даёт completed, отсутствие факта после грейс-периода даёт no_show.
func (s *Sweeper) MatchCompletions(ctx context.Context, now time.Time) (SweepReport, error) {
	var report SweepReport
	if s.feed == nil {
		return report, nil
	}

	var due []*model.Booking
	err := s.store.WithoutTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		due, err = tx.Bookings().ListDue(ctx, now, s.policy.batchSize())
		return err
	})
	if err != nil {
		return report, fmt.Errorf("list due bookings: %w", err)
	}
	if len(due) == 0 {
		return report, nil
	}

	from := due[0].StartTime
	for _, b := range due {
		if b.StartTime.Before(from) {
			from = b.StartTime
		}
	}
	facts, err := s.feed.Sessions(ctx, from.Add(-s.policy.SessionMatchSlack), now)
	if err != nil {
		return report, fmt.Errorf("read session feed: %w", err)
	}

	used := make(map[string]bool, len(facts))
	var errs error
	for _, b := range due {
		fact := matchSession(facts, used, b, s.policy.SessionMatchSlack)

		switch {
		case fact != nil:
			if _, err := s.bookings.Complete(ctx, b.ID, fact.ExternalSessionID); err != nil {
				errs = multierr.Append(errs, s.passError("complete booking", b.ID, err))
				continue
			}
			used[fact.ExternalSessionID] = true
			report.Completed++

		case !now.Before(b.EndTime.Add(s.policy.NoShowGrace)):
			if _, err := s.bookings.MarkNoShow(ctx, b.ID); err != nil {
				errs = multierr.Append(errs, s.passError("mark no-show", b.ID, err))
				continue
			}
			report.NoShows++

		default:
			report.Awaiting++
		}
	}

	return report, errs
}

// passError логирует ошибку прохода. Conflict значит, что бронирование
// уже изменил кто-то другой, это не ошибка прохода.
func (s *Sweeper) passError(op string, bookingID int64, err error) error {
	if apperr.Is(err, apperr.KindConflict) {
		s.logger.Info("Booking changed concurrently, skipped",
			zap.String("op", op),
			zap.Int64("booking_id", bookingID))
		return nil
	}
	s.logger.Error("Sweeper step failed",
		zap.String("op", op),
		zap.Int64("booking_id", bookingID),
		zap.Error(err))
	return err
}

func matchSession(facts []model.SessionFact, used map[string]bool, b *model.Booking, slack time.Duration) *model.SessionFact {
	for i := range facts {
		f := &facts[i]
		if used[f.ExternalSessionID] {
			continue
		}
		if f.Matches(b.StudentID, b.StartTime.Add(-slack), b.EndTime) {
			return f
		}
	}
	return nil
}

// ReconcileOrphans находит слоты в assigned/booked без живого назначения или
// бронирования и возвращает их в available. Исправление идёт через
// compare-and-set, поэтому два параллельных прохода не исправят слот дважды.
func (s *Sweeper) ReconcileOrphans(ctx context.Context) (SweepReport, error) {
	var (
		report  SweepReport
		errs    error
		afterID int64
	)

	statuses := []model.SlotStatus{model.SlotStatusAssigned, model.SlotStatusBooked, model.SlotStatusCompleted}
	for {
		var page []*model.Slot
		err := s.store.WithoutTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			var err error
			page, err = tx.Slots().ListByStatus(ctx, statuses, afterID, s.policy.batchSize())
			return err
		})
		if err != nil {
			return report, multierr.Append(errs, fmt.Errorf("list held slots: %w", err))
		}

		for _, slot := range page {
			afterID = slot.ID

			outcome, err := s.reconcileSlot(ctx, slot.ID)
			if err != nil {
				s.logger.Error("Failed to reconcile slot",
					zap.Int64("slot_id", slot.ID),
					zap.Error(err))
				errs = multierr.Append(errs, err)
				continue
			}
			switch outcome {
			case orphanReleased:
				report.OrphansReleased++
			case orphanFlagged:
				report.OrphansFlagged++
			}
		}

		if len(page) < s.policy.batchSize() {
			return report, errs
		}
	}
}

type orphanOutcome int

const (
	orphanNone orphanOutcome = iota
	orphanReleased
	orphanFlagged
)

func (s *Sweeper) reconcileSlot(ctx context.Context, slotID int64) (orphanOutcome, error) {
	outcome := orphanNone
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		outcome = orphanNone

		slot, err := tx.Slots().GetForUpdate(ctx, slotID)
		if apperr.Is(err, apperr.KindNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		switch slot.Status {
		case model.SlotStatusAssigned:
			held, err := heldByPendingAssignment(ctx, tx, slot)
			if err != nil || held {
				return err
			}

		case model.SlotStatusBooked:
			_, err := tx.Bookings().GetLiveBySlot(ctx, slot.ID)
			if !apperr.Is(err, apperr.KindNotFound) {
				return err
			}

		case model.SlotStatusCompleted:
			_, err := tx.Bookings().GetLiveBySlot(ctx, slot.ID)
			if apperr.Is(err, apperr.KindNotFound) {
				// История занятия потеряна; чинить вслепую нельзя
				s.logger.Warn("Completed slot has no booking",
					zap.Int64("slot_id", slot.ID),
					zap.Int64("teacher_id", slot.TeacherID))
				outcome = orphanFlagged
				return nil
			}
			return err

		default:
			return nil
		}

		if _, err := tx.Slots().Transition(ctx, model.SlotTransition{
			SlotID: slot.ID,
			From:   []model.SlotStatus{slot.Status},
			To:     model.SlotStatusAvailable,
		}); err != nil {
			return err
		}

		s.logger.Warn("Orphaned slot released",
			zap.Int64("slot_id", slot.ID),
			zap.String("was", string(slot.Status)),
			zap.Int64("teacher_id", slot.TeacherID))
		outcome = orphanReleased
		return nil
	})
	if apperr.Is(err, apperr.KindConflict) {
		return orphanNone, nil
	}
	return outcome, err
}

func heldByPendingAssignment(ctx context.Context, tx repository.Tx, slot *model.Slot) (bool, error) {
	if slot.AssignmentID == nil {
		return false, nil
	}
	assignment, err := tx.Assignments().GetByID(ctx, *slot.AssignmentID)
	if apperr.Is(err, apperr.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return assignment.IsPending() && assignment.Covers(slot.ID), nil
}
