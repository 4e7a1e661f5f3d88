// Package apperr содержит закрытый набор видов ошибок ядра бронирования.
// Ветвление делается только по Kind, никогда по тексту ошибки.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind вид ошибки
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConflict
	KindInsufficientBalance
	KindPolicyViolation
	KindNotFound
	KindForbidden
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindPolicyViolation:
		return "policy_violation"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Базовые ошибки для проверки через errors.Is
var (
	ErrValidation          = &Error{Kind: KindValidation, Message: "validation error"}
	ErrConflict            = &Error{Kind: KindConflict, Message: "conflict"}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance, Message: "insufficient balance"}
	ErrPolicyViolation     = &Error{Kind: KindPolicyViolation, Message: "policy violation"}
	ErrNotFound            = &Error{Kind: KindNotFound, Message: "not found"}
	ErrForbidden           = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrFatal               = &Error{Kind: KindFatal, Message: "storage failure"}
)

// Error ошибка с видом и контекстом операции
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Reasons []string // для KindValidation
	Err     error

	// Для KindInsufficientBalance, в минутах
	Required  int64
	Available int64
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if len(e.Reasons) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Reasons, "; "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is сравнивает по виду, чтобы работал errors.Is(err, apperr.ErrConflict)
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// KindOf возвращает вид ошибки; KindUnknown для ошибок не из этого пакета
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is проверяет вид ошибки
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

func newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Validation ошибка входных данных с перечнем причин
func Validation(op string, reasons ...string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: "invalid input", Reasons: reasons}
}

// Conflict несовпадение ожидаемого состояния (compare-and-set)
func Conflict(op, format string, args ...any) *Error {
	return newf(KindConflict, op, format, args...)
}

// NotFound сущность не найдена
func NotFound(op, format string, args ...any) *Error {
	return newf(KindNotFound, op, format, args...)
}

// Forbidden нет прав на сущность
func Forbidden(op, format string, args ...any) *Error {
	return newf(KindForbidden, op, format, args...)
}

// Policy действие запрещено политикой
func Policy(op, format string, args ...any) *Error {
	return newf(KindPolicyViolation, op, format, args...)
}

// Insufficient недостаточно часов на балансе; суммы в минутах
func Insufficient(op string, required, available int64) *Error {
	return &Error{
		Kind:      KindInsufficientBalance,
		Op:        op,
		Message:   fmt.Sprintf("need %s more hours", formatHours(required-available)),
		Required:  required,
		Available: available,
	}
}

// Fatal сбой хранилища, пробрасывается как есть
func Fatal(op string, err error) *Error {
	return &Error{Kind: KindFatal, Op: op, Message: "storage failure", Err: err}
}

// Shortfall сколько минут не хватает для операции
func (e *Error) Shortfall() int64 {
	if e.Kind != KindInsufficientBalance || e.Required <= e.Available {
		return 0
	}
	return e.Required - e.Available
}

func formatHours(minutes int64) string {
	return fmt.Sprintf("%d.%02d", minutes/60, (minutes%60)*100/60)
}
