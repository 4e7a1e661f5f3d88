package model

import "time"

type BookingStatus string

const (
	BookingStatusConfirmed BookingStatus = "confirmed" // Подтверждено и оплачено
	BookingStatusCancelled BookingStatus = "cancelled" // Отменено
	BookingStatusCompleted BookingStatus = "completed" // Занятие состоялось
	BookingStatusNoShow    BookingStatus = "no_show"   // Время прошло, занятия не было
)

type Booking struct {
	ID                  int64         `json:"id"`
	TeacherID           int64         `json:"teacher_id"`
	StudentID           int64         `json:"student_id"`
	SlotID              int64         `json:"slot_id"`
	AssignmentID        *int64        `json:"assignment_id"` // nil для прямого бронирования
	Date                time.Time     `json:"date"`
	StartTime           time.Time     `json:"start_time"`
	EndTime             time.Time     `json:"end_time"`
	Status              BookingStatus `json:"status"`
	BookedAt            time.Time     `json:"booked_at"`
	CancelledAt         *time.Time    `json:"cancelled_at"`
	CompletedAt         *time.Time    `json:"completed_at"`
	CancellationReason  string        `json:"cancellation_reason"`
	Charged             Hours         `json:"charged"`          // списано при бронировании
	RefundForfeited     bool          `json:"refund_forfeited"` // отмена внутри окна без возврата
	CreditTransactionID *int64        `json:"credit_transaction_id"`
	RefundTransactionID *int64        `json:"refund_transaction_id"`
	ExternalSessionID   *string       `json:"external_session_id"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// IsTerminal проверяет, что бронирование больше не меняется
func (b *Booking) IsTerminal() bool {
	return b.Status != BookingStatusConfirmed
}

// IsLive бронирование всё ещё владеет слотом
func (b *Booking) IsLive() bool {
	return b.Status == BookingStatusConfirmed || b.Status == BookingStatusNoShow ||
		b.Status == BookingStatusCompleted
}

// AccountKey ключ кредитного счёта для бронирования
func (b *Booking) AccountKey() AccountKey {
	return AccountKey{StudentID: b.StudentID, TeacherID: b.TeacherID}
}
