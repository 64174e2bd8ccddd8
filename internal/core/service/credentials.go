package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/99minutos/session-auth/internal/core/domain"
	"github.com/99minutos/session-auth/internal/core/ports"
)

const DefaultBcryptCost = 12

// CredentialVerifier checks login credentials against stored password hashes.
type CredentialVerifier struct {
	users     ports.UserRepository
	cost      int
	dummyHash []byte
}

func NewCredentialVerifier(users ports.UserRepository, cost int) *CredentialVerifier {
	if cost == 0 {
		cost = DefaultBcryptCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	// Compared against when the identifier matches nobody, so a miss costs
	// the same as a wrong password.
	dummy, _ := bcrypt.GenerateFromPassword([]byte("session-auth-dummy"), cost)
	return &CredentialVerifier{users: users, cost: cost, dummyHash: dummy}
}

// HashPassword produces a salted bcrypt hash. It is the only place a hash
// is computed.
func (v *CredentialVerifier) HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), v.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// NewUserRecord builds the persisted form of a registration.
func (v *CredentialVerifier) NewUserRecord(in ports.RegisterInput, now time.Time) (*domain.User, error) {
	hash, err := v.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	return &domain.User{
		ID:           uuid.NewString(),
		Username:     strings.TrimSpace(in.Username),
		Email:        strings.ToLower(strings.TrimSpace(in.Email)),
		PasswordHash: hash,
		FullName:     strings.TrimSpace(in.FullName),
		Phone:        strings.TrimSpace(in.Phone),
		Role:         domain.RoleUser,
		Status:       domain.UserActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// Verify returns the user identified by username or email if the password
// matches and the account is active. Every rejection is reported as
// domain.ErrInvalidCredentials.
func (v *CredentialVerifier) Verify(ctx context.Context, identifier, password string) (*domain.User, error) {
	if identifier == "" || password == "" {
		return nil, domain.ErrInvalidCredentials
	}

	user, err := v.users.FindByLogin(ctx, identifier)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			_ = bcrypt.CompareHashAndPassword(v.dummyHash, []byte(password))
			return nil, domain.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("verify credentials: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, domain.ErrInvalidCredentials
	}
	if !user.CanAuthenticate() {
		return nil, domain.ErrInvalidCredentials
	}
	return user, nil
}
