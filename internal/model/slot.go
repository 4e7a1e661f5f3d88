package model

import "time"

type SlotStatus string

const (
	SlotStatusUnavailable SlotStatus = "unavailable"
	SlotStatusAvailable   SlotStatus = "available"
	SlotStatusAssigned    SlotStatus = "assigned"  // Зарезервирован учителем под ученика
	SlotStatusBooked      SlotStatus = "booked"    // Есть подтверждённое бронирование
	SlotStatusCancelled   SlotStatus = "cancelled" // Отменён учителем или sweeper'ом
	SlotStatusCompleted   SlotStatus = "completed" // Занятие состоялось
)

// DateLayout формат календарной даты слота
const DateLayout = "2006-01-02"

type Slot struct {
	ID              int64      `json:"id"`
	TeacherID       int64      `json:"teacher_id"`
	Date            time.Time  `json:"date"` // полночь UTC дня начала
	StartTime       time.Time  `json:"start_time"`
	EndTime         time.Time  `json:"end_time"`
	DurationMinutes int        `json:"duration_minutes"`
	Status          SlotStatus `json:"status"`
	Subject         string     `json:"subject"`
	MaxOccupants    int        `json:"max_occupants"`

	// Поля назначения, заполнены только в статусе assigned
	AssignmentID        *int64            `json:"assignment_id"`
	AssignedStudentID   *int64            `json:"assigned_student_id"`
	AssignedStudentName *string           `json:"assigned_student_name"`
	AssignmentExpiresAt *time.Time        `json:"assignment_expires_at"`
	AssignmentStatus    *AssignmentStatus `json:"assignment_status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SlotDate возвращает календарную дату для момента начала
func SlotDate(start time.Time) time.Time {
	y, m, d := start.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Overlaps проверяет пересечение интервалов [start, end)
func (s *Slot) Overlaps(start, end time.Time) bool {
	return s.StartTime.Before(end) && start.Before(s.EndTime)
}

// Hours длительность слота в часах-кредитах
func (s *Slot) Hours() Hours {
	return Minutes(int64(s.DurationMinutes))
}

// HasAssignmentFields проверяет инвариант: поля назначения заполнены iff статус assigned
func (s *Slot) HasAssignmentFields() bool {
	return s.AssignmentID != nil || s.AssignedStudentID != nil ||
		s.AssignedStudentName != nil || s.AssignmentExpiresAt != nil || s.AssignmentStatus != nil
}

// ClearAssignment очищает поля назначения
func (s *Slot) ClearAssignment() {
	s.AssignmentID = nil
	s.AssignedStudentID = nil
	s.AssignedStudentName = nil
	s.AssignmentExpiresAt = nil
	s.AssignmentStatus = nil
}

// SlotAssignment поля, которые проставляются при переходе в assigned
type SlotAssignment struct {
	AssignmentID int64
	StudentID    int64
	StudentName  string
	ExpiresAt    time.Time
}

// Apply записывает поля назначения в слот
func (a *SlotAssignment) Apply(s *Slot) {
	id, sid, name, exp := a.AssignmentID, a.StudentID, a.StudentName, a.ExpiresAt
	status := AssignmentStatusPending
	s.AssignmentID = &id
	s.AssignedStudentID = &sid
	s.AssignedStudentName = &name
	s.AssignmentExpiresAt = &exp
	s.AssignmentStatus = &status
}

// SlotTransition описание compare-and-set перехода слота
type SlotTransition struct {
	SlotID  int64
	From    []SlotStatus
	To      SlotStatus
	ActorID int64 // 0: без проверки владельца

	// Assignment заполняется только для перехода в assigned
	Assignment *SlotAssignment
}

// Allows проверяет, входит ли статус в множество From
func (t SlotTransition) Allows(status SlotStatus) bool {
	for _, s := range t.From {
		if s == status {
			return true
		}
	}
	return false
}
