package model

import "time"

// GuardianLink даёт опекуну право действовать от имени ученика,
// но только в занятиях учителя, который выдал связь
type GuardianLink struct {
	ID         int64     `json:"id"`
	GuardianID int64     `json:"guardian_id"`
	StudentID  int64     `json:"student_id"`
	TeacherID  int64     `json:"teacher_id"`
	GrantedAt  time.Time `json:"granted_at"`
}

// GuardianKey опекун, ученик и учитель, в пределах которого действует связь
type GuardianKey struct {
	GuardianID int64
	StudentID  int64
	TeacherID  int64
}
