// Package notify доставка событий ядра внешним получателям.
//
// Fanout вызывается сервисами после коммита и рассылает событие по всем
// каналам асинхронно. Ошибки каналов только логируются.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/Freeeeeet/booking_core/internal/model"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const defaultSendTimeout = 10 * time.Second

// Sink один канал доставки
type Sink interface {
	Name() string
	Send(ctx context.Context, event model.Event) error
}

// Fanout рассылает события по всем каналам в фоне
type Fanout struct {
	sinks   []Sink
	logger  *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewFanout(logger *zap.Logger, sinks ...Sink) *Fanout {
	return &Fanout{
		sinks:   sinks,
		logger:  logger,
		timeout: defaultSendTimeout,
	}
}

// Notify не блокирует вызывающего и не зависит от отмены его контекста
func (f *Fanout) Notify(ctx context.Context, event model.Event) {
	if len(f.sinks) == 0 {
		return
	}

	ctx = context.WithoutCancel(ctx)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()

		sendCtx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()

		if err := f.send(sendCtx, event); err != nil {
			f.logger.Error("Failed to deliver event",
				zap.String("event_id", event.ID.String()),
				zap.String("event_type", string(event.Type)),
				zap.Error(err))
		}
	}()
}

func (f *Fanout) send(ctx context.Context, event model.Event) error {
	var errs error
	for _, sink := range f.sinks {
		if err := sink.Send(ctx, event); err != nil {
			f.logger.Warn("Sink failed",
				zap.String("sink", sink.Name()),
				zap.String("event_id", event.ID.String()),
				zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Wait ждёт завершения всех начатых рассылок
func (f *Fanout) Wait() {
	f.wg.Wait()
}
