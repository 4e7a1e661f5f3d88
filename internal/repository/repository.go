// Package repository описывает контракты хранилища ядра бронирования.
//
// Все операции возвращают ошибки из пакета apperr: NotFound, Conflict
// (compare-and-set не совпал или нарушено ограничение уникальности) и Fatal
// для сбоев самого хранилища. Реализации: postgres (боевое) и memory (тесты,
// локальный запуск).
package repository

import (
	"context"
	"time"

	"github.com/Freeeeeet/booking_core/internal/model"
)

// Store точка входа в хранилище.
//
// WithTx выполняет fn в одной транзакции: любая ошибка fn откатывает все
// изменения. WithoutTx выполняет fn без транзакции, каждая операция
// фиксируется сразу; используется для чтения и для журнала аудита, который
// не должен откатываться вместе с бизнес-операцией.
//
// Внутри fn нельзя снова обращаться к Store, только к переданному Tx.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	WithoutTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx набор репозиториев, привязанных к одной единице работы
type Tx interface {
	Slots() SlotRepository
	Bookings() BookingRepository
	Assignments() AssignmentRepository
	Credits() CreditRepository
	Tokens() TokenRepository
	Guardians() GuardianRepository
}

type SlotRepository interface {
	Create(ctx context.Context, slot *model.Slot) error
	GetByID(ctx context.Context, id int64) (*model.Slot, error)
	// GetForUpdate читает слот с блокировкой строки до конца транзакции
	GetForUpdate(ctx context.Context, id int64) (*model.Slot, error)
	GetByIDs(ctx context.Context, ids []int64) ([]*model.Slot, error)
	ListByTeacher(ctx context.Context, teacherID int64, from, to time.Time) ([]*model.Slot, error)
	// ListByStatus слоты в статусах statuses с ID больше afterID, по возрастанию ID
	ListByStatus(ctx context.Context, statuses []model.SlotStatus, afterID int64, limit int) ([]*model.Slot, error)
	// FindOverlapping возвращает неотменённые слоты учителя, пересекающие [start, end)
	FindOverlapping(ctx context.Context, teacherID int64, start, end time.Time) ([]*model.Slot, error)
	// LockTeacherDate сериализует создание слотов учителя на дату
	LockTeacherDate(ctx context.Context, teacherID int64, date time.Time) error
	// Transition compare-and-set: применяется только если статус входит в t.From
	Transition(ctx context.Context, t model.SlotTransition) (*model.Slot, error)
	Delete(ctx context.Context, id int64) error
}

type BookingRepository interface {
	Create(ctx context.Context, booking *model.Booking) error
	GetByID(ctx context.Context, id int64) (*model.Booking, error)
	GetForUpdate(ctx context.Context, id int64) (*model.Booking, error)
	// GetLiveBySlot бронирование, владеющее слотом (confirmed, completed, no_show)
	GetLiveBySlot(ctx context.Context, slotID int64) (*model.Booking, error)
	ListByStudent(ctx context.Context, studentID int64) ([]*model.Booking, error)
	ListByTeacher(ctx context.Context, teacherID int64) ([]*model.Booking, error)
	// ListDue подтверждённые бронирования, закончившиеся не позже endBefore
	ListDue(ctx context.Context, endBefore time.Time, limit int) ([]*model.Booking, error)
	// HasHistory есть ли у слота хоть одно бронирование, включая отменённые
	HasHistory(ctx context.Context, slotID int64) (bool, error)
	SetCreditTransaction(ctx context.Context, bookingID, transactionID int64) error
	// Transition compare-and-set статуса; записывает поля исхода из booking
	Transition(ctx context.Context, booking *model.Booking, from model.BookingStatus) error
}

type AssignmentRepository interface {
	Create(ctx context.Context, assignment *model.Assignment) error
	GetByID(ctx context.Context, id int64) (*model.Assignment, error)
	GetForUpdate(ctx context.Context, id int64) (*model.Assignment, error)
	ListPendingByStudent(ctx context.Context, studentID int64) ([]*model.Assignment, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.Assignment, error)
	// Resolve переводит pending назначение в итоговый статус
	Resolve(ctx context.Context, id int64, status model.AssignmentStatus, at time.Time) error
}

type CreditRepository interface {
	GetAccount(ctx context.Context, key model.AccountKey) (*model.CreditAccount, error)
	// EnsureAccountForUpdate создаёт счёт при необходимости и блокирует его строку
	EnsureAccountForUpdate(ctx context.Context, key model.AccountKey) (*model.CreditAccount, error)
	GetAccountForUpdate(ctx context.Context, key model.AccountKey) (*model.CreditAccount, error)
	UpdateAccount(ctx context.Context, account *model.CreditAccount) error
	InsertTransaction(ctx context.Context, t *model.CreditTransaction) error
	ListTransactions(ctx context.Context, accountID int64) ([]*model.CreditTransaction, error)
	ListByReference(ctx context.Context, ref model.Reference) ([]*model.CreditTransaction, error)
}

type TokenRepository interface {
	Create(ctx context.Context, token *model.ShareToken) error
	// DeactivatePair деактивирует все активные токены пары и возвращает их количество
	DeactivatePair(ctx context.Context, studentID, teacherID int64) (int64, error)
	// Touch атомарно увеличивает счётчик обращений действующего токена
	Touch(ctx context.Context, hash []byte, now time.Time) (*model.ShareToken, error)
	GetByHash(ctx context.Context, hash []byte) (*model.ShareToken, error)
	InsertAccessLog(ctx context.Context, entry *model.TokenAccessLog) error
	ListAccessLog(ctx context.Context, studentID, teacherID int64, limit int) ([]*model.TokenAccessLog, error)
}

type GuardianRepository interface {
	Link(ctx context.Context, key model.GuardianKey) error
	IsGuardian(ctx context.Context, key model.GuardianKey) (bool, error)
}
