package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/Freeeeeet/booking_core/internal/model"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// MessageSender часть клиента бота, нужная для отправки
type MessageSender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// TelegramSink отправляет сводку события в служебный чат
type TelegramSink struct {
	sender MessageSender
	chatID int64
}

func NewTelegramSink(sender MessageSender, chatID int64) *TelegramSink {
	return &TelegramSink{
		sender: sender,
		chatID: chatID,
	}
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Send(ctx context.Context, event model.Event) error {
	_, err := s.sender.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    s.chatID,
		Text:      FormatEvent(event),
		ParseMode: models.ParseModeHTML,
	})
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

var eventTitles = map[model.EventType]string{
	model.EventAssignmentCreated: "📌 Новое назначение",
	model.EventBookingConfirmed:  "✅ Бронирование подтверждено",
	model.EventBookingCancelled:  "❌ Бронирование отменено",
	model.EventClassCompleted:    "🎓 Занятие состоялось",
}

// FormatEvent текст сообщения; только идентификаторы, без персональных данных
func FormatEvent(event model.Event) string {
	title, ok := eventTitles[event.Type]
	if !ok {
		title = string(event.Type)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n", title)
	fmt.Fprintf(&b, "Учитель: %d\nУченик: %d\n", event.TeacherID, event.StudentID)
	if event.BookingID != 0 {
		fmt.Fprintf(&b, "Бронирование: %d\n", event.BookingID)
	}
	if event.AssignmentID != 0 {
		fmt.Fprintf(&b, "Назначение: %d\n", event.AssignmentID)
	}
	if len(event.SlotIDs) > 0 {
		ids := make([]string, len(event.SlotIDs))
		for i, id := range event.SlotIDs {
			ids[i] = fmt.Sprint(id)
		}
		fmt.Fprintf(&b, "Слоты: %s\n", strings.Join(ids, ", "))
	}
	if event.Type == model.EventBookingCancelled {
		if event.Refunded {
			b.WriteString("Часы возвращены\n")
		} else {
			b.WriteString("Без возврата часов\n")
		}
	}
	fmt.Fprintf(&b, "<code>%s</code>", event.ID)

	return b.String()
}
