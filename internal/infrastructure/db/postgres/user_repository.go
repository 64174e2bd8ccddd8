package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/99minutos/session-auth/internal/core/domain"
)

const userColumns = `id, username, email, password_hash, full_name, phone, role, status,
	last_login_at, created_at, updated_at, deleted_at`

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var (
		u      domain.User
		role   string
		status string
	)
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.FullName, &u.Phone, &role, &status,
		&u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt, &u.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	u.Role = domain.UserRole(role)
	u.Status = domain.UserStatus(status)
	return &u, nil
}

func (r *UserRepository) Create(ctx context.Context, user *domain.User) (*domain.User, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO users (id, username, email, password_hash, full_name, phone, role, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+userColumns,
		user.ID, user.Username, user.Email, user.PasswordHash, user.FullName, user.Phone,
		string(user.Role), string(user.Status), user.CreatedAt, user.UpdatedAt,
	)
	created, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrUserExists
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 AND deleted_at IS NULL`, id)
}

func (r *UserRepository) FindByLogin(ctx context.Context, identifier string) (*domain.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users
		WHERE (username = $1 OR email = $2) AND deleted_at IS NULL
		ORDER BY (email = $2) DESC
		LIMIT 1`, identifier, strings.ToLower(identifier))
}

func (r *UserRepository) findOne(ctx context.Context, sql string, args ...any) (*domain.User, error) {
	u, err := scanUser(r.pool.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

func (r *UserRepository) Exists(ctx context.Context, username, email string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM users WHERE (username = $1 OR email = $2) AND deleted_at IS NULL
	)`, username, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check user exists: %w", err)
	}
	return exists, nil
}

func (r *UserRepository) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, `UPDATE users SET last_login_at = $2, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL`, id, at)
}

func (r *UserRepository) UpdateStatus(ctx context.Context, id string, status domain.UserStatus, at time.Time) error {
	return r.update(ctx, `UPDATE users SET status = $2, updated_at = $3
		WHERE id = $1 AND deleted_at IS NULL`, id, string(status), at)
}

func (r *UserRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, `UPDATE users SET deleted_at = $2, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL`, id, at)
}

func (r *UserRepository) update(ctx context.Context, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}
