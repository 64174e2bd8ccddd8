package ports

import (
	"context"
	"time"

	"github.com/99minutos/session-auth/internal/core/domain"
)

// UserRepository defines persistence operations for user accounts.
// Soft-deleted users are invisible to every lookup.
type UserRepository interface {
	// Create inserts the user. Returns domain.ErrUserExists when the username
	// or email is already taken by a live account.
	Create(ctx context.Context, user *domain.User) (*domain.User, error)
	FindByID(ctx context.Context, id string) (*domain.User, error)
	// FindByLogin matches identifier against username OR email.
	FindByLogin(ctx context.Context, identifier string) (*domain.User, error)
	Exists(ctx context.Context, username, email string) (bool, error)
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
	UpdateStatus(ctx context.Context, id string, status domain.UserStatus, at time.Time) error
	SoftDelete(ctx context.Context, id string, at time.Time) error
}
