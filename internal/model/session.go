package model

import "time"

// SessionFact внешний факт о том, что занятие состоялось
type SessionFact struct {
	ExternalSessionID string    `json:"external_session_id"`
	StartTime         time.Time `json:"start_time"`
	ParticipantIDs    []int64   `json:"participant_ids"`
}

// Includes участвовал ли пользователь
func (f *SessionFact) Includes(userID int64) bool {
	for _, id := range f.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Matches относится ли факт к интервалу слота [start, end)
func (f *SessionFact) Matches(studentID int64, start, end time.Time) bool {
	return f.Includes(studentID) && !f.StartTime.Before(start) && f.StartTime.Before(end)
}
