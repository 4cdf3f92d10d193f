// Package sweeper expires abandoned upload reservations on a cron schedule so
// they stop counting against storage quotas.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"happysrt/api/internal/logger"
	"happysrt/api/internal/metrics"
	"happysrt/api/internal/store"
)

type ledger interface {
	ExpirePendingMedia(ctx context.Context, limit int) ([]store.MediaObject, error)
}

type objectDeleter interface {
	Delete(ctx context.Context, key string) error
}

type Sweeper struct {
	ledger   ledger
	objects  objectDeleter
	schedule string
	batch    int
	log      *zap.Logger
	now      func() time.Time
}

func New(l ledger, objects objectDeleter, schedule string, batch int, log *zap.Logger) (*Sweeper, error) {
	if !gronx.IsValid(schedule) {
		return nil, fmt.Errorf("invalid sweep cron expression: %s", schedule)
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		ledger:   l,
		objects:  objects,
		schedule: schedule,
		batch:    batch,
		log:      logger.OrNop(log),
		now:      time.Now,
	}, nil
}

// Run sweeps at every tick of the schedule until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("sweeper started", zap.String("cron", s.schedule))
	for {
		next, err := gronx.NextTickAfter(s.schedule, s.now(), false)
		if err != nil {
			s.log.Error("sweeper next tick failed", zap.Error(err))
			next = s.now().Add(time.Minute)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("sweeper stopped")
			return
		case <-timer.C:
		}

		swept, err := s.RunOnce(ctx)
		if err != nil {
			s.log.Error("sweep failed", zap.Error(err), zap.Int("swept", swept))
			continue
		}
		if swept > 0 {
			s.log.Info("sweep finished", zap.Int("swept", swept))
		}
	}
}

// RunOnce expires overdue reservations batch by batch and removes whatever
// object each one may have left behind.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	total := 0
	for {
		expired, err := s.ledger.ExpirePendingMedia(ctx, s.batch)
		if err != nil {
			return total, err
		}
		for _, obj := range expired {
			if s.objects != nil {
				if err := s.objects.Delete(ctx, obj.ObjectKey); err != nil {
					s.log.Warn("sweeper delete object failed", zap.String("key", obj.ObjectKey), zap.Error(err))
				}
			}
			metrics.SweptObjects.Inc()
		}
		total += len(expired)
		if len(expired) < s.batch {
			return total, nil
		}
	}
}
