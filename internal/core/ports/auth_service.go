package ports

import (
	"context"

	"github.com/99minutos/session-auth/internal/core/domain"
)

// RegisterInput is the DTO passed from the transport layer to Register.
type RegisterInput struct {
	Username   string
	Email      string
	Password   string
	FullName   string
	Phone      string
	DeviceInfo string
	IPAddress  string
	UserAgent  string
}

// LoginInput carries credentials plus diagnostic client details.
type LoginInput struct {
	Identifier string // username or email
	Password   string
	DeviceInfo string
	IPAddress  string
	UserAgent  string
}

// AuthResult is returned by every flow that issues tokens.
type AuthResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	SessionID    string
	User         *domain.User
}

// Principal identifies the caller of an authenticated request.
type Principal struct {
	UserID    string
	SessionID string
	Username  string
	Email     string
	Role      domain.UserRole
}

// Authenticator validates bearer access tokens against persisted session state.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*Principal, error)
}

// AuthService is the session lifecycle façade used by HTTP handlers.
type AuthService interface {
	Authenticator
	Register(ctx context.Context, in RegisterInput) (*AuthResult, error)
	Login(ctx context.Context, in LoginInput) (*AuthResult, error)
	Refresh(ctx context.Context, refreshToken string) (*AuthResult, error)
	Logout(ctx context.Context, refreshToken string) error
	LogoutAll(ctx context.Context, userID string) error
	RevokeSession(ctx context.Context, sessionID, requestingUserID string) error
	ListSessions(ctx context.Context, userID string) ([]*domain.Session, error)
	Me(ctx context.Context, userID string) (*domain.User, error)
	CleanupExpiredSessions(ctx context.Context) (int64, error)
}

// AdminService exposes administrative session and account controls.
type AdminService interface {
	ListUserSessions(ctx context.Context, userID string) ([]*domain.Session, error)
	RevokeSession(ctx context.Context, sessionID string) error
	SetUserStatus(ctx context.Context, userID string, status domain.UserStatus) error
	DeleteUser(ctx context.Context, userID string) error
}
