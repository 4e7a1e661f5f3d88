// Package service транзакционное ядро бронирования: слоты, назначения,
// бронирования, кредитный журнал, доступ по ссылке и фоновая сверка.
//
// Сервисы не держат внутрипроцессных блокировок: вся сериализация
// выполняется хранилищем (блокировки строк и compare-and-set). Порядок
// захвата ресурсов фиксирован: назначение, слоты по возрастанию ID,
// бронирование, кредитный счёт.
package service

import (
	"context"
	"sort"
	"time"

	"github.com/Freeeeeet/booking_core/internal/apperr"
	"github.com/Freeeeeet/booking_core/internal/model"
	"github.com/Freeeeeet/booking_core/internal/repository"
)

// Notifier внешний сервис доставки уведомлений. Вызывается только после
// коммита; ошибки доставки не влияют на результат операции.
type Notifier interface {
	Notify(ctx context.Context, event model.Event)
}

// NopNotifier ничего не отправляет
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, model.Event) {}

// SessionFeed источник фактов о состоявшихся занятиях
type SessionFeed interface {
	Sessions(ctx context.Context, from, to time.Time) ([]model.SessionFact, error)
}

// Clock источник текущего времени
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}

// Policy настраиваемые правила ядра
type Policy struct {
	AssignmentTTL       time.Duration // срок ответа на назначение по умолчанию
	CancelCutoff        time.Duration // окно до начала, внутри которого отмена без возврата
	AllowLateCancel     bool          // false: поздняя отмена запрещена целиком
	NoShowGrace         time.Duration // сколько ждать факт занятия после окончания
	SessionMatchSlack   time.Duration // насколько раньше слота может начаться занятие
	SweepBatchSize      int
	MaxSlotsPerRequest  int
	MaxAssignmentSlots  int
	MinSlotDuration     time.Duration
	MaxSlotDuration     time.Duration
	AllowPastSlotCreate bool
}

// DefaultPolicy значения по умолчанию
func DefaultPolicy() Policy {
	return Policy{
		AssignmentTTL:      48 * time.Hour,
		CancelCutoff:       24 * time.Hour,
		AllowLateCancel:    true,
		NoShowGrace:        2 * time.Hour,
		SessionMatchSlack:  15 * time.Minute,
		SweepBatchSize:     500,
		MaxSlotsPerRequest: 200,
		MaxAssignmentSlots: 50,
		MinSlotDuration:    15 * time.Minute,
		MaxSlotDuration:    12 * time.Hour,
	}
}

func (p Policy) batchSize() int {
	if p.SweepBatchSize <= 0 {
		return DefaultPolicy().SweepBatchSize
	}
	return p.SweepBatchSize
}

// authorizeStudent проверяет, что actor сам ученик или его опекун, связанный
// с ним учителем teacherID
func authorizeStudent(ctx context.Context, tx repository.Tx, op string, actor model.Actor, studentID, teacherID int64) error {
	switch actor.Role {
	case model.RoleStudent:
		if actor.UserID == studentID {
			return nil
		}
	case model.RoleGuardian:
		ok, err := tx.Guardians().IsGuardian(ctx, model.GuardianKey{
			GuardianID: actor.UserID,
			StudentID:  studentID,
			TeacherID:  teacherID,
		})
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return apperr.Forbidden(op, "user %d cannot act for student %d", actor.UserID, studentID)
}

// requireTeacher проверяет роль учителя
func requireTeacher(op string, actor model.Actor) error {
	if !actor.IsTeacher() || actor.UserID == 0 {
		return apperr.Forbidden(op, "only teachers can do this")
	}
	return nil
}

// sortedUnique сортирует ID по возрастанию и убирает повторы: единый порядок
// блокировки слотов исключает взаимные блокировки.
func sortedUnique(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	n := 0
	for i, id := range out {
		if i > 0 && id == out[n-1] {
			continue
		}
		out[n] = id
		n++
	}
	return out[:n]
}

func publish(ctx context.Context, n Notifier, events []model.Event) {
	if n == nil {
		return
	}
	for _, e := range events {
		n.Notify(ctx, e)
	}
}
