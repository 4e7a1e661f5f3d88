package model

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventAssignmentCreated EventType = "assignment.created"
	EventBookingConfirmed  EventType = "booking.confirmed"
	EventBookingCancelled  EventType = "booking.cancelled"
	EventClassCompleted    EventType = "class.completed"
)

// Event уведомление для внешнего сервиса доставки; только идентификаторы
type Event struct {
	ID           uuid.UUID `json:"id"`
	Type         EventType `json:"type"`
	OccurredAt   time.Time `json:"occurred_at"`
	TeacherID    int64     `json:"teacher_id"`
	StudentID    int64     `json:"student_id"`
	BookingID    int64     `json:"booking_id,omitempty"`
	AssignmentID int64     `json:"assignment_id,omitempty"`
	SlotIDs      []int64   `json:"slot_ids,omitempty"`
	Refunded     bool      `json:"refunded,omitempty"`
}

// NewEvent создаёт событие с новым идентификатором
func NewEvent(t EventType, teacherID, studentID int64, now time.Time) Event {
	return Event{
		ID:         uuid.New(),
		Type:       t,
		OccurredAt: now,
		TeacherID:  teacherID,
		StudentID:  studentID,
	}
}
