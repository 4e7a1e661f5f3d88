package model

// Role роль аутентифицированного пользователя
type Role string

const (
	RoleTeacher  Role = "teacher"
	RoleStudent  Role = "student"
	RoleGuardian Role = "guardian"
	RoleSystem   Role = "system" // sweeper и фоновые задачи
)

// Actor аутентифицированный принципал; сессией управляет внешний слой
type Actor struct {
	UserID int64 `json:"user_id"`
	Role   Role  `json:"role"`
}

// SystemActor принципал фоновых задач
var SystemActor = Actor{Role: RoleSystem}

// IsTeacher проверяет роль учителя
func (a Actor) IsTeacher() bool {
	return a.Role == RoleTeacher
}

// IsSystem проверяет, что действие выполняет фоновая задача
func (a Actor) IsSystem() bool {
	return a.Role == RoleSystem
}
