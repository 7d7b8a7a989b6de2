package cleanup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	pgrepo "github.com/juliustm/nyota/internal/repo/postgres"
	"github.com/juliustm/nyota/internal/services/broadcast"
)

// Job is the background sweeper. Each pass fails pending purchases that have
// outlived the wait window, notifies any stream still attached to them, and
// evicts resolved broadcast channels nobody is listening to.
type Job struct {
	purchases  stalePurchaseFailer
	events     outcomePublisher
	sweeper    channelSweeper
	maxPending time.Duration
	channelAge time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

type stalePurchaseFailer interface {
	FailStalePending(ctx context.Context, cutoff time.Time) ([]pgrepo.PurchaseRecord, error)
}

type outcomePublisher interface {
	Publish(channelID string, event broadcast.Event) bool
}

type channelSweeper interface {
	SweepResolved(maxAge time.Duration) int
}

func NewStaleSweepJob(purchases stalePurchaseFailer, events outcomePublisher, maxPending time.Duration, logger *zap.Logger) *Job {
	if maxPending <= 0 {
		maxPending = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Job{
		purchases:  purchases,
		events:     events,
		maxPending: maxPending,
		channelAge: time.Hour,
		now:        time.Now,
		logger:     logger,
	}
}

func (j *Job) AttachChannelSweep(sweeper channelSweeper, maxAge time.Duration) {
	j.sweeper = sweeper
	if maxAge > 0 {
		j.channelAge = maxAge
	}
}

func (j *Job) Run(ctx context.Context) error {
	if j.purchases != nil {
		cutoff := j.now().Add(-j.maxPending)
		failed, err := j.purchases.FailStalePending(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("fail stale pending purchases: %w", err)
		}
		for _, purchase := range failed {
			if j.events != nil {
				j.events.Publish(purchase.ChannelID, broadcast.Event{
					Status:  "FAILED",
					Message: "Payment failed. Please check your phone and try again.",
				})
			}
		}
		if len(failed) > 0 {
			j.logger.Info("failed stale pending purchases", zap.Int("count", len(failed)))
		}
	}

	if j.sweeper != nil {
		if evicted := j.sweeper.SweepResolved(j.channelAge); evicted > 0 {
			j.logger.Info("evicted resolved broadcast channels", zap.Int("count", evicted))
		}
	}

	return nil
}

// Start runs the sweep on a fixed cadence until the context is cancelled.
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Warn("cleanup pass failed", zap.Error(err))
			}
		}
	}
}
