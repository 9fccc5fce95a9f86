package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// CleanupService removes expired sessions and their history.
type CleanupService struct {
	Pool PgxPool
}

// NewCleanupService creates a new cleanup service
func NewCleanupService(pool PgxPool) *CleanupService {
	return &CleanupService{Pool: pool}
}

// CleanupExpired deletes sessions past their expiry together with their
// chat history. Both deletes run in one transaction so a session never
// outlives its turns or the other way around.
func (s *CleanupService) CleanupExpired(ctx context.Context) error {
	cutoff := time.Now().UTC()

	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("cleanup begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	historyTag, err := tx.Exec(ctx, `
		DELETE FROM chat_history
		WHERE session_id IN (
			SELECT id FROM sessions WHERE expires_at < $1
		)
	`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup history: %w", err)
	}

	sessionTag, err := tx.Exec(ctx, `
		DELETE FROM sessions WHERE expires_at < $1
	`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup sessions: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cleanup commit: %w", err)
	}

	slog.Info("session cleanup completed",
		slog.Int64("deleted_sessions", sessionTag.RowsAffected()),
		slog.Int64("deleted_turns", historyTag.RowsAffected()),
		slog.Time("cutoff", cutoff),
	)

	return nil
}

// RunPeriodic starts a periodic cleanup job
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial cleanup
	if err := s.CleanupExpired(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupExpired(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
