// Package memory реализация хранилища в памяти процесса.
//
// Транзакция работает на копии состояния и подменяет его только при успехе,
// поэтому откат бесплатный. Все транзакции сериализуются одним мьютексом:
// это эквивалент строковых блокировок для одного процесса. Используется в
// тестах и в режиме STORAGE=memory.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Freeeeeet/booking_core/internal/model"
	"github.com/Freeeeeet/booking_core/internal/repository"
)

type state struct {
	seq          int64
	slots        map[int64]model.Slot
	bookings     map[int64]model.Booking
	assignments  map[int64]model.Assignment
	accounts     map[model.AccountKey]model.CreditAccount
	transactions []model.CreditTransaction
	tokens       map[int64]model.ShareToken
	accessLog    []model.TokenAccessLog
	guardians    map[model.GuardianKey]model.GuardianLink
}

func newState() *state {
	return &state{
		slots:       make(map[int64]model.Slot),
		bookings:    make(map[int64]model.Booking),
		assignments: make(map[int64]model.Assignment),
		accounts:    make(map[model.AccountKey]model.CreditAccount),
		tokens:      make(map[int64]model.ShareToken),
		guardians:   make(map[model.GuardianKey]model.GuardianLink),
	}
}

// clone копирует состояние. Значения в картах не содержат изменяемых
// разделяемых данных: указатели в полях только заменяются, не мутируются.
func (s *state) clone() *state {
	c := &state{
		seq:          s.seq,
		slots:        make(map[int64]model.Slot, len(s.slots)),
		bookings:     make(map[int64]model.Booking, len(s.bookings)),
		assignments:  make(map[int64]model.Assignment, len(s.assignments)),
		accounts:     make(map[model.AccountKey]model.CreditAccount, len(s.accounts)),
		transactions: append([]model.CreditTransaction(nil), s.transactions...),
		tokens:       make(map[int64]model.ShareToken, len(s.tokens)),
		accessLog:    append([]model.TokenAccessLog(nil), s.accessLog...),
		guardians:    make(map[model.GuardianKey]model.GuardianLink, len(s.guardians)),
	}
	for k, v := range s.slots {
		c.slots[k] = v
	}
	for k, v := range s.bookings {
		c.bookings[k] = v
	}
	for k, v := range s.assignments {
		c.assignments[k] = v
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.tokens {
		c.tokens[k] = v
	}
	for k, v := range s.guardians {
		c.guardians[k] = v
	}
	return c
}

func (s *state) nextID() int64 {
	s.seq++
	return s.seq
}

// Store хранилище в памяти
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

var _ repository.Store = (*Store)(nil)

// NewStore создаёт пустое хранилище
func NewStore() *Store {
	return &Store{st: newState(), now: time.Now}
}

// SetClock подменяет часы, которыми проставляются created_at/updated_at
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// WithTx выполняет fn на копии состояния и применяет её только при успехе
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := s.st.clone()
	if err := fn(ctx, &tx{st: work, now: s.now}); err != nil {
		return err
	}

	s.st = work
	return nil
}

// WithoutTx выполняет fn прямо на состоянии; каждое изменение видно сразу
func (s *Store) WithoutTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return fn(ctx, &tx{st: s.st, now: s.now})
}

type tx struct {
	st  *state
	now func() time.Time
}

func (t *tx) Slots() repository.SlotRepository             { return &slotRepo{t} }
func (t *tx) Bookings() repository.BookingRepository       { return &bookingRepo{t} }
func (t *tx) Assignments() repository.AssignmentRepository { return &assignmentRepo{t} }
func (t *tx) Credits() repository.CreditRepository         { return &creditRepo{t} }
func (t *tx) Tokens() repository.TokenRepository           { return &tokenRepo{t} }
func (t *tx) Guardians() repository.GuardianRepository     { return &guardianRepo{t} }
