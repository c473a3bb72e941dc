// Package scheduler runs the periodic inbox sweep.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mailschedule/internal/ingest"
	"mailschedule/pkg/trace"
	"mailschedule/pkg/util"
)

type UserLister interface {
	ListIDsWithTokens(ctx context.Context) ([]int64, error)
}

type Processor interface {
	ProcessUnread(ctx context.Context, userID int64, max int) (*ingest.Result, error)
}

// Sweeper calls ProcessUnread for every user with a token, one user at a time.
type Sweeper struct {
	users     UserLister
	processor Processor
	batch     int
	interval  time.Duration
	logger    *zap.Logger
}

func NewSweeper(users UserLister, processor Processor, batch int, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{users: users, processor: processor, batch: batch, interval: interval, logger: logger}
}

// Start sweeps once immediately, then every interval until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("Inbox sweeper started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Inbox sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce returns the number of users swept without error. A failing user
// is logged and the sweep moves on.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	ids, err := s.users.ListIDsWithTokens(ctx)
	if err != nil {
		s.logger.Error("Failed to list users for sweep", zap.Error(err))
		return 0
	}

	ok := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		userCtx := trace.WithContext(ctx, trace.GenerateTraceID())
		res, err := s.processor.ProcessUnread(userCtx, id, s.batch)
		if err != nil {
			retryable, kind := util.IsRetryableError(err)
			s.logger.Warn("Sweep failed for user",
				zap.Int64("user_id", id),
				zap.String(trace.TraceIDKey, trace.FromContext(userCtx)),
				zap.String("error_type", kind),
				zap.Bool("retryable", retryable),
				zap.Error(err),
			)
			continue
		}
		ok++
		s.logger.Info("Swept user",
			zap.Int64("user_id", id),
			zap.Int("processed", res.Processed),
			zap.Int("created_events", res.CreatedEvents),
		)
	}
	return ok
}
