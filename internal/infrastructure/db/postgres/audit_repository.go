package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/99minutos/session-auth/internal/core/domain"
)

type AuditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

func (r *AuditRepository) InsertEvent(ctx context.Context, e *domain.SessionEvent) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO session_events (kind, session_id, user_id, reason, ip_address, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.Kind), e.SessionID, e.UserID, e.Reason, e.IPAddress, e.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert session event: %w", err)
	}
	return nil
}
