package notify

import (
	"context"

	"github.com/Freeeeeet/booking_core/internal/model"
	"go.uber.org/zap"
)

// LogSink пишет события в лог
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, event model.Event) error {
	s.logger.Info("Event",
		zap.String("event_id", event.ID.String()),
		zap.String("event_type", string(event.Type)),
		zap.Int64("teacher_id", event.TeacherID),
		zap.Int64("student_id", event.StudentID),
		zap.Int64("booking_id", event.BookingID),
		zap.Int64("assignment_id", event.AssignmentID),
		zap.Int64s("slot_ids", event.SlotIDs),
	)
	return nil
}
