package model

import "time"

type AssignmentStatus string

const (
	AssignmentStatusPending   AssignmentStatus = "pending"
	AssignmentStatusConfirmed AssignmentStatus = "confirmed"
	AssignmentStatusDeclined  AssignmentStatus = "declined"
	AssignmentStatusExpired   AssignmentStatus = "expired"
)

// AssignmentAction действие ученика над назначением
type AssignmentAction string

const (
	ActionConfirm AssignmentAction = "confirm"
	ActionDecline AssignmentAction = "decline"
)

// Assignment резервирование учителем одного или нескольких слотов под ученика
type Assignment struct {
	ID          int64            `json:"id"`
	TeacherID   int64            `json:"teacher_id"`
	StudentID   int64            `json:"student_id"`
	StudentName string           `json:"student_name"`
	SlotIDs     []int64          `json:"slot_ids"`
	Status      AssignmentStatus `json:"status"`
	Notes       string           `json:"notes"`
	CreatedAt   time.Time        `json:"created_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
	ResolvedAt  *time.Time       `json:"resolved_at"`
}

// IsPending ожидает ответа ученика
func (a *Assignment) IsPending() bool {
	return a.Status == AssignmentStatusPending
}

// IsExpired истёк ли срок на момент now
func (a *Assignment) IsExpired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// Covers входит ли слот в назначение
func (a *Assignment) Covers(slotID int64) bool {
	for _, id := range a.SlotIDs {
		if id == slotID {
			return true
		}
	}
	return false
}

// ResultStatus статус назначения после действия
func (act AssignmentAction) ResultStatus() AssignmentStatus {
	if act == ActionConfirm {
		return AssignmentStatusConfirmed
	}
	return AssignmentStatusDeclined
}
