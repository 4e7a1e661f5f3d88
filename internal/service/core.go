package service

import (
	"github.com/Freeeeeet/booking_core/internal/repository"
	"go.uber.org/zap"
)

// Deps зависимости ядра
type Deps struct {
	Store    repository.Store
	Notifier Notifier    // nil: уведомления не отправляются
	Feed     SessionFeed // nil: сверка с фактами занятий отключена
	Policy   Policy
	Access   ShareAccessConfig
	Clock    Clock
	Logger   *zap.Logger
}

// Core все сервисы ядра, собранные над одним хранилищем
type Core struct {
	Slots       *SlotService
	Ledger      *LedgerService
	Access      *ShareAccessService
	Assignments *AssignmentService
	Bookings    *BookingService
	Sweeper     *Sweeper
}

func NewCore(d Deps) *Core {
	notifier := d.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	access := NewShareAccessService(d.Store, d.Access, d.Clock, logger.Named("access"))
	assignments := NewAssignmentService(d.Store, notifier, d.Policy, d.Clock, logger.Named("assignments"))
	bookings := NewBookingService(d.Store, access, notifier, d.Policy, d.Clock, logger.Named("bookings"))

	return &Core{
		Slots:       NewSlotService(d.Store, d.Policy, d.Clock, logger.Named("slots")),
		Ledger:      NewLedgerService(d.Store, logger.Named("ledger")),
		Access:      access,
		Assignments: assignments,
		Bookings:    bookings,
		Sweeper:     NewSweeper(d.Store, assignments, bookings, d.Feed, d.Policy, logger.Named("sweeper")),
	}
}
