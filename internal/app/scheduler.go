package app

import (
	"context"
	"sync"
	"time"

	"github.com/Freeeeeet/booking_core/internal/service"
	"go.uber.org/zap"
)

// Sweeper то, что планировщик запускает по таймеру
type Sweeper interface {
	RunOnce(ctx context.Context, now time.Time) (service.SweepReport, error)
}

// Scheduler периодически запускает sweeper
type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	clock    func() time.Time
	logger   *zap.Logger
	stopChan chan struct{}
	stopOnce sync.Once
	started  bool
	done     chan struct{}
}

// NewScheduler создаёт планировщик
func NewScheduler(sweeper Sweeper, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		sweeper:  sweeper,
		interval: interval,
		clock:    time.Now,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start запускает фоновый цикл. Start и Stop вызываются из одной горутины.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting sweeper scheduler", zap.Duration("interval", s.interval))

	s.started = true
	go s.run(ctx)
}

// Stop останавливает цикл и ждёт завершения текущего прохода
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping sweeper scheduler")
		close(s.stopChan)
	})
	if s.started {
		<-s.done
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	// Первый запуск сразу при старте
	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-s.stopChan:
			s.logger.Info("Sweeper stopped")
			return
		case <-ctx.Done():
			s.logger.Info("Sweeper cancelled")
			return
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	started := s.clock()

	report, err := s.sweeper.RunOnce(ctx, started)
	if err != nil {
		s.logger.Error("Sweep finished with errors",
			zap.Error(err),
			zap.Duration("took", time.Since(started)))
		return
	}

	s.logger.Debug("Sweep finished",
		zap.Int("expired", report.Expired),
		zap.Int("completed", report.Completed),
		zap.Int("no_shows", report.NoShows),
		zap.Duration("took", time.Since(started)))
}
