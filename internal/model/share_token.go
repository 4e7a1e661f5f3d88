package model

import "time"

// ShareToken доступ ученика к расписанию учителя по ссылке без логина.
// Хранится только хеш; открытый токен отдаётся один раз при выпуске.
type ShareToken struct {
	ID             int64      `json:"id"`
	TokenHash      []byte     `json:"-"`
	StudentID      int64      `json:"student_id"`
	TeacherID      int64      `json:"teacher_id"`
	IsActive       bool       `json:"is_active"`
	ExpiresAt      time.Time  `json:"expires_at"`
	AccessCount    int64      `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IsValidAt проверяет, можно ли использовать токен в момент now
func (t *ShareToken) IsValidAt(now time.Time) bool {
	return t.IsActive && now.Before(t.ExpiresAt)
}

// IssuedToken результат выпуска: открытое значение возвращается только здесь
type IssuedToken struct {
	Token     string      `json:"token"`
	Record    *ShareToken `json:"record"`
	Rotated   int64       `json:"rotated"` // сколько прежних токенов деактивировано
	ExpiresAt time.Time   `json:"expires_at"`
}

// Причины отказа при проверке токена
const (
	TokenFailureMalformed = "malformed"
	TokenFailureUnknown   = "unknown"
	TokenFailureInactive  = "inactive"
	TokenFailureExpired   = "expired"
	TokenFailureLookup    = "lookup_error" // хранилище не ответило, токен не проверен
)

// ClientInfo откуда пришёл запрос
type ClientInfo struct {
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
}

// TokenAccessLog запись аудита проверки токена, только вставка
type TokenAccessLog struct {
	ID            int64     `json:"id"`
	TokenID       *int64    `json:"token_id"`
	TokenPrefix   string    `json:"token_prefix"` // начало хеша, для сопоставления неизвестных токенов
	StudentID     *int64    `json:"student_id"`
	TeacherID     *int64    `json:"teacher_id"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failure_reason"`
	IP            string    `json:"ip"`
	UserAgent     string    `json:"user_agent"`
	CreatedAt     time.Time `json:"created_at"`
}

// Access результат успешной проверки токена
type Access struct {
	TokenID         int64 `json:"token_id"`
	StudentID       int64 `json:"student_id"`
	TeacherID       int64 `json:"teacher_id"`
	AccessCount     int64 `json:"access_count"`
	RotationAdvised bool  `json:"rotation_advised"` // пора перевыпустить ссылку
}
