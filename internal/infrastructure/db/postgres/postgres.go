package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultTimeout = 10 * time.Second

	uniqueViolation = "23505"
)

// Config captures the settings required to open a connection pool.
type Config struct {
	URL      string
	MaxConns int32
	Timeout  time.Duration
}

// Connect opens a pgx pool and verifies connectivity with a ping.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// schema is applied idempotently at startup. Uniqueness of username and
// email only holds among live accounts so a soft-deleted name can be reused.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		username      VARCHAR(50)  NOT NULL,
		email         VARCHAR(255) NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		full_name     VARCHAR(100) NOT NULL DEFAULT '',
		phone         VARCHAR(20)  NOT NULL DEFAULT '',
		role          VARCHAR(20)  NOT NULL DEFAULT 'user',
		status        VARCHAR(20)  NOT NULL DEFAULT 'active'
		              CHECK (status IN ('active', 'inactive', 'suspended')),
		last_login_at TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		deleted_at    TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_username_live_idx ON users (username) WHERE deleted_at IS NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS users_email_live_idx ON users (email) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS user_sessions (
		id                 TEXT PRIMARY KEY,
		user_id            TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		refresh_token_hash CHAR(64) NOT NULL UNIQUE,
		access_token_hash  CHAR(64) NOT NULL UNIQUE,
		device_info        VARCHAR(255) NOT NULL DEFAULT '',
		ip_address         VARCHAR(45)  NOT NULL DEFAULT '',
		user_agent         VARCHAR(500) NOT NULL DEFAULT '',
		status             VARCHAR(20)  NOT NULL DEFAULT 'active'
		                   CHECK (status IN ('active', 'expired', 'revoked')),
		expires_at         TIMESTAMPTZ NOT NULL,
		last_activity_at   TIMESTAMPTZ NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS user_sessions_user_status_idx ON user_sessions (user_id, status)`,
	`CREATE INDEX IF NOT EXISTS user_sessions_active_expiry_idx ON user_sessions (expires_at) WHERE status = 'active'`,

	`CREATE TABLE IF NOT EXISTS session_events (
		id          BIGSERIAL PRIMARY KEY,
		kind        VARCHAR(32) NOT NULL,
		session_id  TEXT NOT NULL DEFAULT '',
		user_id     TEXT NOT NULL DEFAULT '',
		reason      VARCHAR(32) NOT NULL DEFAULT '',
		ip_address  VARCHAR(45) NOT NULL DEFAULT '',
		occurred_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS session_events_user_idx ON session_events (user_id, occurred_at)`,
}

// EnsureSchema creates tables and indexes that do not exist yet.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
		return nil
	})
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
