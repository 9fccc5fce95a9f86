package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/orbit-ai/orbit/internal/domain"
)

// HistoryRepo persists conversation turns. The BIGSERIAL seq column gives
// concurrent writers on one session a total order.
type HistoryRepo struct{ Pool PgxPool }

// NewHistoryRepo constructs a HistoryRepo with the given pool.
func NewHistoryRepo(p PgxPool) *HistoryRepo { return &HistoryRepo{Pool: p} }

// Append writes turns in one transaction so a user+assistant pair is never
// half-persisted.
func (r *HistoryRepo) Append(ctx domain.Context, turns []domain.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	tracer := otel.Tracer("repo.history")
	ctx, span := tracer.Start(ctx, "history.Append")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=history.append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO chat_history (session_id, role, content, meta, created_at) VALUES ($1,$2,$3,$4,$5)`
	for _, t := range turns {
		meta, err := json.Marshal(t.Meta)
		if err != nil {
			return fmt.Errorf("op=history.append: %w", err)
		}
		at := t.CreatedAt
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := tx.Exec(ctx, q, t.SessionID, t.Role, t.Content, meta, at.UTC()); err != nil {
			return fmt.Errorf("op=history.append: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=history.append: %w", err)
	}
	return nil
}

// Recent returns the most recent limit turns in chronological order.
func (r *HistoryRepo) Recent(ctx domain.Context, sessionID string, limit int) ([]domain.Turn, error) {
	tracer := otel.Tracer("repo.history")
	ctx, span := tracer.Start(ctx, "history.Recent")
	defer span.End()
	if limit <= 0 {
		return nil, nil
	}
	q := `SELECT session_id, role, content, meta, created_at
	      FROM chat_history WHERE session_id=$1
	      ORDER BY seq DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=history.recent: %w", err)
	}
	defer rows.Close()

	var out []domain.Turn
	for rows.Next() {
		var t domain.Turn
		var meta []byte
		if err := rows.Scan(&t.SessionID, &t.Role, &t.Content, &meta, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=history.recent: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &t.Meta); err != nil {
				return nil, fmt.Errorf("op=history.recent: %w", err)
			}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=history.recent: %w", err)
	}
	// Scanned newest-first; flip to chronological.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
