package ports

import (
	"context"
	"time"

	"github.com/99minutos/session-auth/internal/core/domain"
)

// AdmitFunc receives the owner's currently usable sessions, most recently
// active first, and decides which of them must be evicted. Returning an
// error aborts the admission without writing anything.
type AdmitFunc func(active []*domain.Session) (domain.EvictionDecision, error)

// SessionRepository is the authoritative record of sessions.
type SessionRepository interface {
	// CreateAdmitted runs "load usable sessions → admit → evict → insert" as a
	// single atomic unit per user and returns the evicted session IDs.
	CreateAdmitted(ctx context.Context, session *domain.Session, admit AdmitFunc) ([]string, error)
	FindByID(ctx context.Context, id string) (*domain.Session, error)
	FindByRefreshHash(ctx context.Context, hash string) (*domain.Session, error)
	FindByAccessHash(ctx context.Context, hash string) (*domain.Session, error)
	CountActive(ctx context.Context, userID string, now time.Time) (int, error)
	// ListActive returns usable sessions ordered by last activity, newest first.
	ListActive(ctx context.Context, userID string, now time.Time) ([]*domain.Session, error)
	// Rotate swaps the token digests only if the session is still active,
	// unexpired and still carries prevRefreshHash. Otherwise it returns
	// domain.ErrSessionNotFound.
	Rotate(ctx context.Context, id, prevRefreshHash string, rot domain.SessionRotation) error
	TouchActivity(ctx context.Context, id string, at time.Time) error
	// Revoke reports whether the call moved the session out of active.
	Revoke(ctx context.Context, id string, at time.Time) (bool, error)
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error)
	// SweepExpired marks active sessions whose expiry has passed as expired.
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}
