package history

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pixchat/internal/models"
)

// InterruptedError is written to assistant messages abandoned mid-generation.
const InterruptedError = "generation interrupted"

// StartJanitor periodically fails assistant messages that stayed generating
// longer than staleAfter. A non-positive staleAfter disables it.
func (s *Service) StartJanitor(ctx context.Context, interval, staleAfter time.Duration, logger *zap.Logger) {
	if staleAfter <= 0 {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	go s.janitorLoop(ctx, interval, staleAfter, logger.Named("janitor"))
}

func (s *Service) janitorLoop(ctx context.Context, interval, staleAfter time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.FailStaleGenerations(ctx, staleAfter)
			if err != nil {
				logger.Warn("fail stale generations", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("failed stale generations", zap.Int64("count", n))
			}
		}
	}
}

// FailStaleGenerations marks generating assistant messages older than
// staleAfter as failed and returns how many were changed.
func (s *Service) FailStaleGenerations(ctx context.Context, staleAfter time.Duration) (int64, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE messages SET is_generating = ?, error = ?, images = NULL, updated_at = ?
			WHERE type = ? AND is_generating = ? AND timestamp < ?`),
		false, InterruptedError, now, string(models.RoleAssistant), true, now.Add(-staleAfter),
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale generations: %w", err)
	}
	return res.RowsAffected()
}
