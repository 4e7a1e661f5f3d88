package service

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/Freeeeeet/booking_core/internal/apperr"
	"github.com/Freeeeeet/booking_core/internal/model"
	"github.com/Freeeeeet/booking_core/internal/repository"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

const (
	tokenBytes       = 32
	tokenPrefixBytes = 6
	accessLogLimit   = 200
)

var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ShareAccessConfig параметры ссылок доступа
type ShareAccessConfig struct {
	TTL               time.Duration
	Pepper            []byte // ключ хеширования токенов
	RotateAccessCount int64
	RotateAge         time.Duration
}

// CalendarEntry слот в календаре, который видит ученик по ссылке.
// Чужие записи обезличены: без ID слота и ученика.
type CalendarEntry struct {
	SlotID      int64            `json:"slot_id,omitempty"`
	StartTime   time.Time        `json:"start_time"`
	EndTime     time.Time        `json:"end_time"`
	Status      model.SlotStatus `json:"status"`
	Subject     string           `json:"subject,omitempty"`
	Mine        bool             `json:"mine"`
	Label       string           `json:"label"`
	BookingID   int64            `json:"booking_id,omitempty"`
	AssignedFor string           `json:"assigned_for,omitempty"`
}

const reservedLabel = "reserved"

type ShareAccessService struct {
	store  repository.Store
	logger *zap.Logger
	cfg    ShareAccessConfig
	clock  Clock
}

func NewShareAccessService(store repository.Store, cfg ShareAccessConfig, clock Clock, logger *zap.Logger) *ShareAccessService {
	return &ShareAccessService{
		store:  store,
		logger: logger,
		cfg:    cfg,
		clock:  clock,
	}
}

// hash ключевой хеш токена; в хранилище попадает только он
func (s *ShareAccessService) hash(raw []byte) []byte {
	h, err := blake2b.New256(s.cfg.Pepper)
	if err != nil {
		// Ключ длиннее 64 байт: хешируем его самого
		key := blake2b.Sum256(s.cfg.Pepper)
		h, _ = blake2b.New256(key[:])
	}
	h.Write(raw)
	return h.Sum(nil)
}

// generateToken генерирует случайный токен и его хеш
func (s *ShareAccessService) generateToken() (string, []byte, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate random bytes: %w", err)
	}
	return tokenEncoding.EncodeToString(raw), s.hash(raw), nil
}

// Issue выпускает ссылку для пары ученик-учитель. Все прежние токены пары
// деактивируются в той же транзакции.
func (s *ShareAccessService) Issue(ctx context.Context, actor model.Actor, studentID int64) (*model.IssuedToken, error) {
	if err := requireTeacher("issue share token", actor); err != nil {
		return nil, err
	}
	if studentID <= 0 {
		return nil, apperr.Validation("issue share token", "student id is required")
	}

	token, hash, err := s.generateToken()
	if err != nil {
		return nil, apperr.Fatal("issue share token", err)
	}

	now := s.clock.now()
	issued := &model.IssuedToken{
		Token:     token,
		ExpiresAt: now.Add(s.cfg.TTL),
	}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		rotated, err := tx.Tokens().DeactivatePair(ctx, studentID, actor.UserID)
		if err != nil {
			return err
		}
		issued.Rotated = rotated

		record := &model.ShareToken{
			TokenHash: hash,
			StudentID: studentID,
			TeacherID: actor.UserID,
			IsActive:  true,
			ExpiresAt: issued.ExpiresAt,
		}
		if err := tx.Tokens().Create(ctx, record); err != nil {
			return err
		}
		issued.Record = record
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("issue share token: %w", err)
	}

	s.logger.Info("Share token issued",
		zap.Int64("teacher_id", actor.UserID),
		zap.Int64("student_id", studentID),
		zap.Int64("token_id", issued.Record.ID),
		zap.Int64("rotated", issued.Rotated),
	)

	return issued, nil
}

// Revoke деактивирует ссылки пары без выпуска новой
func (s *ShareAccessService) Revoke(ctx context.Context, actor model.Actor, studentID int64) (int64, error) {
	if err := requireTeacher("revoke share token", actor); err != nil {
		return 0, err
	}

	var revoked int64
	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		revoked, err = tx.Tokens().DeactivatePair(ctx, studentID, actor.UserID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("revoke share token: %w", err)
	}

	s.logger.Info("Share tokens revoked",
		zap.Int64("teacher_id", actor.UserID),
		zap.Int64("student_id", studentID),
		zap.Int64("revoked", revoked),
	)

	return revoked, nil
}

// Validate проверяет токен. Каждая попытка, успешная или нет, пишется в
// журнал аудита отдельной записью, в том числе при сбое хранилища; если
// журнал недоступен, доступ не даётся.
func (s *ShareAccessService) Validate(ctx context.Context, token string, client model.ClientInfo) (*model.Access, error) {
	now := s.clock.now()

	raw, err := tokenEncoding.DecodeString(strings.ToUpper(strings.TrimSpace(token)))
	malformed := err != nil || len(raw) != tokenBytes
	if malformed {
		raw = []byte(token)
	}
	hash := s.hash(raw)

	entry := &model.TokenAccessLog{
		TokenPrefix: hex.EncodeToString(hash[:tokenPrefixBytes]),
		IP:          client.IP,
		UserAgent:   client.UserAgent,
		CreatedAt:   now,
	}

	var (
		access    *model.Access
		lookupErr error
	)
	if malformed {
		entry.FailureReason = model.TokenFailureMalformed
	} else {
		access, entry.FailureReason, lookupErr = s.lookup(ctx, hash, now, entry)
		if lookupErr != nil {
			access, entry.FailureReason = nil, model.TokenFailureLookup
			lookupErr = fmt.Errorf("validate share token: %w", lookupErr)
		}
	}
	entry.Success = access != nil

	if err := s.audit(ctx, entry); err != nil {
		return nil, multierr.Append(lookupErr, err)
	}
	if lookupErr != nil {
		return nil, lookupErr
	}

	if access == nil {
		s.logger.Warn("Share token rejected",
			zap.String("reason", entry.FailureReason),
			zap.String("token_prefix", entry.TokenPrefix),
			zap.String("ip", client.IP),
		)
		return nil, apperr.Forbidden("validate share token", "token is %s", entry.FailureReason)
	}

	return access, nil
}

// lookup увеличивает счётчик действующего токена или определяет причину отказа
func (s *ShareAccessService) lookup(ctx context.Context, hash []byte, now time.Time, entry *model.TokenAccessLog) (*model.Access, string, error) {
	var (
		access *model.Access
		reason string
	)
	err := s.store.WithoutTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		tok, err := tx.Tokens().Touch(ctx, hash, now)
		if err == nil {
			entry.TokenID, entry.StudentID, entry.TeacherID = &tok.ID, &tok.StudentID, &tok.TeacherID
			access = &model.Access{
				TokenID:         tok.ID,
				StudentID:       tok.StudentID,
				TeacherID:       tok.TeacherID,
				AccessCount:     tok.AccessCount,
				RotationAdvised: s.rotationDue(tok, now),
			}
			return nil
		}
		if !apperr.Is(err, apperr.KindNotFound) {
			// Запись аудита всё равно привязываем к паре, если токен читается
			if tok, getErr := tx.Tokens().GetByHash(ctx, hash); getErr == nil {
				entry.TokenID, entry.StudentID, entry.TeacherID = &tok.ID, &tok.StudentID, &tok.TeacherID
			}
			return err
		}

		tok, err = tx.Tokens().GetByHash(ctx, hash)
		switch {
		case apperr.Is(err, apperr.KindNotFound):
			reason = model.TokenFailureUnknown
			return nil
		case err != nil:
			return err
		}

		entry.TokenID, entry.StudentID, entry.TeacherID = &tok.ID, &tok.StudentID, &tok.TeacherID
		if !tok.IsActive {
			reason = model.TokenFailureInactive
		} else {
			reason = model.TokenFailureExpired
		}
		return nil
	})
	return access, reason, err
}

func (s *ShareAccessService) rotationDue(tok *model.ShareToken, now time.Time) bool {
	if s.cfg.RotateAccessCount > 0 && tok.AccessCount >= s.cfg.RotateAccessCount {
		return true
	}
	return s.cfg.RotateAge > 0 && now.Sub(tok.CreatedAt) >= s.cfg.RotateAge
}

// audit пишет запись аудита вне транзакций и не зависит от отмены запроса
func (s *ShareAccessService) audit(ctx context.Context, entry *model.TokenAccessLog) error {
	ctx = context.WithoutCancel(ctx)
	err := s.store.WithoutTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.Tokens().InsertAccessLog(ctx, entry)
	})
	if err != nil {
		s.logger.Error("Failed to write token access log",
			zap.String("token_prefix", entry.TokenPrefix),
			zap.Bool("success", entry.Success),
			zap.Error(err))
		return apperr.Fatal("audit share token", err)
	}
	return nil
}

// CalendarView календарь учителя для владельца ссылки
func (s *ShareAccessService) CalendarView(ctx context.Context, token string, client model.ClientInfo, from, to time.Time) ([]CalendarEntry, error) {
	if !from.Before(to) {
		return nil, apperr.Validation("calendar view", "from must be before to")
	}

	access, err := s.Validate(ctx, token, client)
	if err != nil {
		return nil, err
	}

	var entries []CalendarEntry
	err = s.store.WithoutTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		slots, err := tx.Slots().ListByTeacher(ctx, access.TeacherID, from, to)
		if err != nil {
			return err
		}

		for _, slot := range slots {
			entry, visible, err := calendarEntry(ctx, tx, slot, access.StudentID)
			if err != nil {
				return err
			}
			if visible {
				entries = append(entries, entry)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("calendar view: %w", err)
	}

	return entries, nil
}

func calendarEntry(ctx context.Context, tx repository.Tx, slot *model.Slot, viewerID int64) (CalendarEntry, bool, error) {
	entry := CalendarEntry{
		StartTime: slot.StartTime,
		EndTime:   slot.EndTime,
		Status:    slot.Status,
	}

	switch slot.Status {
	case model.SlotStatusAvailable:
		entry.SlotID = slot.ID
		entry.Subject = slot.Subject
		entry.Label = string(slot.Status)
		return entry, true, nil

	case model.SlotStatusAssigned:
		if slot.AssignedStudentID != nil && *slot.AssignedStudentID == viewerID {
			entry.SlotID = slot.ID
			entry.Subject = slot.Subject
			entry.Mine = true
			entry.Label = string(slot.Status)
			if slot.AssignedStudentName != nil {
				entry.AssignedFor = *slot.AssignedStudentName
			}
			return entry, true, nil
		}

	case model.SlotStatusBooked, model.SlotStatusCompleted:
		booking, err := tx.Bookings().GetLiveBySlot(ctx, slot.ID)
		if err != nil && !apperr.Is(err, apperr.KindNotFound) {
			return entry, false, err
		}
		if booking != nil && booking.StudentID == viewerID {
			entry.SlotID = slot.ID
			entry.Subject = slot.Subject
			entry.Mine = true
			entry.BookingID = booking.ID
			entry.Label = string(booking.Status)
			return entry, true, nil
		}

	default:
		return entry, false, nil
	}

	entry.Status = model.SlotStatusBooked
	entry.Label = reservedLabel
	return entry, true, nil
}

// AccessLog журнал проверок ссылок ученика, новые записи первыми
func (s *ShareAccessService) AccessLog(ctx context.Context, actor model.Actor, studentID int64) ([]*model.TokenAccessLog, error) {
	if err := requireTeacher("read access log", actor); err != nil {
		return nil, err
	}

	var entries []*model.TokenAccessLog
	err := s.store.WithoutTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		entries, err = tx.Tokens().ListAccessLog(ctx, studentID, actor.UserID, accessLogLimit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read access log: %w", err)
	}

	return entries, nil
}

// LinkGuardian разрешает опекуну действовать от имени ученика в занятиях
// этого учителя. Повторная связь ничего не меняет.
func (s *ShareAccessService) LinkGuardian(ctx context.Context, actor model.Actor, guardianID, studentID int64) error {
	if err := requireTeacher("link guardian", actor); err != nil {
		return err
	}
	if guardianID <= 0 || studentID <= 0 {
		return apperr.Validation("link guardian", "guardian and student ids are required")
	}
	if guardianID == studentID {
		return apperr.Validation("link guardian", "student cannot be their own guardian")
	}

	err := s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.Guardians().Link(ctx, model.GuardianKey{
			GuardianID: guardianID,
			StudentID:  studentID,
			TeacherID:  actor.UserID,
		})
	})
	if err != nil {
		return fmt.Errorf("link guardian: %w", err)
	}

	s.logger.Info("Guardian linked",
		zap.Int64("guardian_id", guardianID),
		zap.Int64("student_id", studentID),
		zap.Int64("teacher_id", actor.UserID))
	return nil
}
