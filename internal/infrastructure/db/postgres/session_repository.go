package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/99minutos/session-auth/internal/core/domain"
	"github.com/99minutos/session-auth/internal/core/ports"
)

const sessionColumns = `id, user_id, refresh_token_hash, access_token_hash, device_info, ip_address,
	user_agent, status, expires_at, last_activity_at, created_at, updated_at`

type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var (
		s      domain.Session
		status string
	)
	err := row.Scan(
		&s.ID, &s.UserID, &s.RefreshTokenHash, &s.AccessTokenHash, &s.DeviceInfo, &s.IPAddress,
		&s.UserAgent, &status, &s.ExpiresAt, &s.LastActivityAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.Status = domain.SessionStatus(status)
	return &s, nil
}

// CreateAdmitted locks the owner's user row for the length of the
// transaction, so concurrent logins for the same user queue up behind each
// other while logins for different users proceed in parallel.
func (r *SessionRepository) CreateAdmitted(ctx context.Context, s *domain.Session, admit ports.AdmitFunc) ([]string, error) {
	var evicted []string

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var owner string
		err := tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, s.UserID).Scan(&owner)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrUserNotFound
			}
			return fmt.Errorf("lock user: %w", err)
		}

		active, err := listActive(ctx, tx, s.UserID, s.CreatedAt)
		if err != nil {
			return err
		}
		decision, err := admit(active)
		if err != nil {
			return err
		}

		if len(decision.Evict) > 0 {
			_, err := tx.Exec(ctx, `UPDATE user_sessions SET status = 'revoked', updated_at = $3
				WHERE user_id = $1 AND id = ANY($2) AND status = 'active'`,
				s.UserID, decision.Evict, s.CreatedAt)
			if err != nil {
				return fmt.Errorf("evict sessions: %w", err)
			}
		}

		_, err = tx.Exec(ctx, `INSERT INTO user_sessions (`+sessionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			s.ID, s.UserID, s.RefreshTokenHash, s.AccessTokenHash, s.DeviceInfo, s.IPAddress,
			s.UserAgent, string(s.Status), s.ExpiresAt, s.LastActivityAt, s.CreatedAt, s.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrSessionConflict
			}
			return fmt.Errorf("insert session: %w", err)
		}

		evicted = decision.Evict
		return nil
	})
	if err != nil {
		return nil, err
	}
	return evicted, nil
}

func (r *SessionRepository) FindByID(ctx context.Context, id string) (*domain.Session, error) {
	return r.findOne(ctx, `SELECT `+sessionColumns+` FROM user_sessions WHERE id = $1`, id)
}

func (r *SessionRepository) FindByRefreshHash(ctx context.Context, hash string) (*domain.Session, error) {
	return r.findOne(ctx, `SELECT `+sessionColumns+` FROM user_sessions WHERE refresh_token_hash = $1`, hash)
}

func (r *SessionRepository) FindByAccessHash(ctx context.Context, hash string) (*domain.Session, error) {
	return r.findOne(ctx, `SELECT `+sessionColumns+` FROM user_sessions WHERE access_token_hash = $1`, hash)
}

func (r *SessionRepository) findOne(ctx context.Context, sql string, arg string) (*domain.Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, sql, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("find session: %w", err)
	}
	return s, nil
}

func (r *SessionRepository) CountActive(ctx context.Context, userID string, now time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM user_sessions
		WHERE user_id = $1 AND status = 'active' AND expires_at > $2`, userID, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

func (r *SessionRepository) ListActive(ctx context.Context, userID string, now time.Time) ([]*domain.Session, error) {
	return listActive(ctx, r.pool, userID, now)
}

func listActive(ctx context.Context, q querier, userID string, now time.Time) ([]*domain.Session, error) {
	rows, err := q.Query(ctx, `SELECT `+sessionColumns+` FROM user_sessions
		WHERE user_id = $1 AND status = 'active' AND expires_at > $2
		ORDER BY last_activity_at DESC`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.Session, error) {
		return scanSession(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return sessions, nil
}

func (r *SessionRepository) Rotate(ctx context.Context, id, prevRefreshHash string, rot domain.SessionRotation) error {
	tag, err := r.pool.Exec(ctx, `UPDATE user_sessions
		SET refresh_token_hash = $3, access_token_hash = $4, expires_at = $5,
		    last_activity_at = $6, updated_at = $6
		WHERE id = $1 AND refresh_token_hash = $2 AND status = 'active' AND expires_at > $6`,
		id, prevRefreshHash, rot.RefreshTokenHash, rot.AccessTokenHash, rot.ExpiresAt, rot.At)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrSessionConflict
		}
		return fmt.Errorf("rotate session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (r *SessionRepository) TouchActivity(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `UPDATE user_sessions SET last_activity_at = $2, updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (r *SessionRepository) Revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE user_sessions SET status = 'revoked', updated_at = $2
		WHERE id = $1 AND status = 'active'`, id, at)
	if err != nil {
		return false, fmt.Errorf("revoke session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *SessionRepository) RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE user_sessions SET status = 'revoked', updated_at = $2
		WHERE user_id = $1 AND status = 'active'`, userID, at)
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *SessionRepository) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE user_sessions SET status = 'expired', updated_at = $1
		WHERE status = 'active' AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
