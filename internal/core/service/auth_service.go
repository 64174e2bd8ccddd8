package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/99minutos/session-auth/internal/core/domain"
	"github.com/99minutos/session-auth/internal/core/ports"
	"github.com/99minutos/session-auth/internal/pkg/metrics"
)

// Config carries the session lifecycle settings. TTLs are duration strings
// such as "15m" or "7d".
type Config struct {
	JWTSecret         string
	AccessTokenTTL    string
	RefreshTokenTTL   string
	MaxActiveSessions int
	Overflow          OverflowPolicy
	BcryptCost        int
}

// LoginLimiter abstracts the login throttle (Redis). Acquire counts the
// attempt before credentials are checked; Reset runs after a success.
type LoginLimiter interface {
	Acquire(ctx context.Context, identifier, ip string) (bool, error)
	Reset(ctx context.Context, identifier, ip string) error
}

// Option customises an AuthService.
type Option func(*AuthService)

func WithLoginLimiter(l LoginLimiter) Option {
	return func(s *AuthService) { s.limiter = l }
}

func WithAuditSink(a ports.AuditSink) Option {
	return func(s *AuthService) { s.audit = a }
}

// WithClock replaces time.Now; used by tests to move past expiry.
func WithClock(now func() time.Time) Option {
	return func(s *AuthService) { s.now = now }
}

// AuthService composes credential verification, token issuance, the session
// policy and the session store into the register/login/refresh/logout flows.
type AuthService struct {
	users      ports.UserRepository
	sessions   ports.SessionRepository
	verifier   *CredentialVerifier
	tokens     *TokenIssuer
	policy     *SessionPolicy
	refreshTTL time.Duration
	limiter    LoginLimiter
	audit      ports.AuditSink
	log        zerolog.Logger
	now        func() time.Time
}

func NewAuthService(
	users ports.UserRepository,
	sessions ports.SessionRepository,
	cfg Config,
	log zerolog.Logger,
	opts ...Option,
) *AuthService {
	s := &AuthService{
		users:      users,
		sessions:   sessions,
		verifier:   NewCredentialVerifier(users, cfg.BcryptCost),
		policy:     NewSessionPolicy(cfg.MaxActiveSessions, cfg.Overflow),
		refreshTTL: ParseTokenTTL(cfg.RefreshTokenTTL, DefaultRefreshTTL),
		log:        log,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	nowUTC := func() time.Time { return s.now().UTC() }
	s.tokens = NewTokenIssuer(cfg.JWTSecret, ParseTokenTTL(cfg.AccessTokenTTL, DefaultAccessTTL), nowUTC)
	return s
}

type sessionMeta struct {
	deviceInfo string
	ipAddress  string
	userAgent  string
	origin     string
}

// Register creates an account and opens its first session.
func (s *AuthService) Register(ctx context.Context, in ports.RegisterInput) (*ports.AuthResult, error) {
	username := strings.TrimSpace(in.Username)
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if username == "" || email == "" || in.Password == "" {
		return nil, domain.ErrInvalidInput
	}
	// Login accepts either field, so a username must never look like an email.
	if strings.Contains(username, "@") {
		return nil, domain.ErrInvalidInput
	}

	exists, err := s.users.Exists(ctx, username, email)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	if exists {
		return nil, domain.ErrUserExists
	}

	user, err := s.verifier.NewUserRecord(in, s.now().UTC())
	if err != nil {
		return nil, err
	}
	created, err := s.users.Create(ctx, user)
	if err != nil {
		if errors.Is(err, domain.ErrUserExists) {
			return nil, err
		}
		return nil, fmt.Errorf("register: %w", err)
	}

	s.log.Info().Str("user_id", created.ID).Str("username", created.Username).Msg("user registered")

	return s.issueSession(ctx, created, sessionMeta{
		deviceInfo: in.DeviceInfo,
		ipAddress:  in.IPAddress,
		userAgent:  in.UserAgent,
		origin:     "register",
	})
}

// Login verifies credentials and opens a session subject to the admission
// policy. Failures never reveal which check rejected the attempt.
func (s *AuthService) Login(ctx context.Context, in ports.LoginInput) (*ports.AuthResult, error) {
	identifier := strings.TrimSpace(in.Identifier)

	if s.limiter != nil {
		allowed, err := s.limiter.Acquire(ctx, identifier, in.IPAddress)
		if err != nil {
			s.log.Warn().Err(err).Msg("login limiter unavailable, allowing attempt")
		} else if !allowed {
			metrics.LoginsTotal.WithLabelValues("rate_limited").Inc()
			return nil, domain.ErrTooManyAttempts
		}
	}

	user, err := s.verifier.Verify(ctx, identifier, in.Password)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCredentials) {
			metrics.LoginsTotal.WithLabelValues("invalid_credentials").Inc()
			s.recordLoginFailure(in.IPAddress)
			return nil, err
		}
		metrics.LoginsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	if s.limiter != nil {
		if err := s.limiter.Reset(ctx, identifier, in.IPAddress); err != nil {
			s.log.Warn().Err(err).Msg("failed to reset login attempts")
		}
	}

	if _, err := s.CleanupExpiredSessions(ctx); err != nil {
		s.log.Warn().Err(err).Msg("expired session cleanup before login failed")
	}

	now := s.now().UTC()
	if err := s.users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		metrics.LoginsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("login: record last login: %w", err)
	}
	user.LastLoginAt = &now

	res, err := s.issueSession(ctx, user, sessionMeta{
		deviceInfo: in.DeviceInfo,
		ipAddress:  in.IPAddress,
		userAgent:  in.UserAgent,
		origin:     "login",
	})
	if err != nil {
		if errors.Is(err, domain.ErrSessionLimit) {
			metrics.LoginsTotal.WithLabelValues("session_limit").Inc()
		} else {
			metrics.LoginsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	metrics.LoginsTotal.WithLabelValues("success").Inc()
	s.log.Info().Str("user_id", user.ID).Str("session_id", res.SessionID).Msg("user logged in")
	return res, nil
}

func (s *AuthService) recordLoginFailure(ip string) {
	s.emit(domain.SessionEvent{Kind: domain.EventLoginFailed, IPAddress: ip})
}

// issueSession mints tokens and persists the session through the atomic
// admission path.
func (s *AuthService) issueSession(ctx context.Context, user *domain.User, meta sessionMeta) (*ports.AuthResult, error) {
	now := s.now().UTC()
	sessionID := uuid.NewString()

	pair, err := s.tokens.Issue(user, sessionID)
	if err != nil {
		return nil, err
	}

	session := &domain.Session{
		ID:               sessionID,
		UserID:           user.ID,
		RefreshTokenHash: pair.RefreshHash,
		AccessTokenHash:  pair.AccessHash,
		DeviceInfo:       meta.deviceInfo,
		IPAddress:        meta.ipAddress,
		UserAgent:        meta.userAgent,
		Status:           domain.SessionActive,
		ExpiresAt:        now.Add(s.refreshTTL),
		LastActivityAt:   now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	evicted, err := s.sessions.CreateAdmitted(ctx, session, s.policy.Admit(now))
	if err != nil {
		if errors.Is(err, domain.ErrSessionLimit) {
			return nil, err
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	for _, id := range evicted {
		metrics.SessionsRevokedTotal.WithLabelValues(domain.ReasonEviction).Inc()
		s.emit(domain.SessionEvent{
			Kind:      domain.EventSessionEvicted,
			SessionID: id,
			UserID:    user.ID,
			Reason:    domain.ReasonEviction,
		})
	}
	if len(evicted) > 0 {
		s.log.Info().Str("user_id", user.ID).Strs("evicted", evicted).Msg("sessions evicted by admission policy")
	}

	metrics.SessionsCreatedTotal.WithLabelValues(meta.origin).Inc()
	s.emit(domain.SessionEvent{
		Kind:      domain.EventSessionCreated,
		SessionID: sessionID,
		UserID:    user.ID,
		Reason:    meta.origin,
		IPAddress: meta.ipAddress,
	})

	return &ports.AuthResult{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		SessionID:    sessionID,
		User:         publicUser(user),
	}, nil
}

// Refresh exchanges a refresh token for a new pair bound to the same
// session. The presented refresh token stops working once this returns.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*ports.AuthResult, error) {
	res, err := s.refresh(ctx, refreshToken)
	switch {
	case err == nil:
		metrics.RefreshesTotal.WithLabelValues("success").Inc()
	case errors.Is(err, domain.ErrTokenInvalid):
		metrics.RefreshesTotal.WithLabelValues("invalid_token").Inc()
	default:
		metrics.RefreshesTotal.WithLabelValues("error").Inc()
	}
	return res, err
}

func (s *AuthService) refresh(ctx context.Context, refreshToken string) (*ports.AuthResult, error) {
	if refreshToken == "" {
		return nil, domain.ErrTokenInvalid
	}
	hash := HashToken(refreshToken)

	session, err := s.sessions.FindByRefreshHash(ctx, hash)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, domain.ErrTokenInvalid
		}
		return nil, fmt.Errorf("refresh: %w", err)
	}

	now := s.now().UTC()
	if !s.policy.IsUsable(session, now) {
		return nil, domain.ErrTokenInvalid
	}

	user, err := s.users.FindByID(ctx, session.UserID)
	if err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		return nil, fmt.Errorf("refresh: %w", err)
	}
	if !user.CanAuthenticate() {
		s.revokeQuietly(ctx, session, domain.ReasonUserDisabled)
		return nil, domain.ErrTokenInvalid
	}

	pair, err := s.tokens.Issue(user, session.ID)
	if err != nil {
		return nil, err
	}

	err = s.sessions.Rotate(ctx, session.ID, hash, domain.SessionRotation{
		RefreshTokenHash: pair.RefreshHash,
		AccessTokenHash:  pair.AccessHash,
		ExpiresAt:        now.Add(s.refreshTTL),
		At:               now,
	})
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			// Lost a race with a concurrent refresh, logout or sweep.
			return nil, domain.ErrTokenInvalid
		}
		return nil, fmt.Errorf("refresh: rotate: %w", err)
	}

	s.emit(domain.SessionEvent{
		Kind:      domain.EventSessionRefreshed,
		SessionID: session.ID,
		UserID:    user.ID,
	})

	return &ports.AuthResult{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		SessionID:    session.ID,
		User:         publicUser(user),
	}, nil
}

// Logout revokes the session owning refreshToken. Unknown or already
// invalidated tokens are a silent no-op.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}

	session, err := s.sessions.FindByRefreshHash(ctx, HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil
		}
		return fmt.Errorf("logout: %w", err)
	}

	return s.revoke(ctx, session, domain.ReasonLogout)
}

// LogoutAll revokes every active session of the user.
func (s *AuthService) LogoutAll(ctx context.Context, userID string) error {
	n, err := s.sessions.RevokeAllForUser(ctx, userID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("logout all: %w", err)
	}
	if n > 0 {
		metrics.SessionsRevokedTotal.WithLabelValues(domain.ReasonLogoutAll).Add(float64(n))
	}
	s.emit(domain.SessionEvent{
		Kind:   domain.EventSessionRevoked,
		UserID: userID,
		Reason: domain.ReasonLogoutAll,
	})
	s.log.Info().Str("user_id", userID).Int64("revoked", n).Msg("all sessions revoked")
	return nil
}

// RevokeSession revokes one of the caller's own sessions. A session that
// does not exist and one owned by someone else are indistinguishable.
func (s *AuthService) RevokeSession(ctx context.Context, sessionID, requestingUserID string) error {
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return domain.ErrSessionNotOwned
		}
		return fmt.Errorf("revoke session: %w", err)
	}
	if session.UserID != requestingUserID {
		return domain.ErrSessionNotOwned
	}
	return s.revoke(ctx, session, domain.ReasonUserRevoke)
}

func (s *AuthService) revoke(ctx context.Context, session *domain.Session, reason string) error {
	changed, err := s.sessions.Revoke(ctx, session.ID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if changed {
		metrics.SessionsRevokedTotal.WithLabelValues(reason).Inc()
		s.emit(domain.SessionEvent{
			Kind:      domain.EventSessionRevoked,
			SessionID: session.ID,
			UserID:    session.UserID,
			Reason:    reason,
		})
	}
	return nil
}

func (s *AuthService) revokeQuietly(ctx context.Context, session *domain.Session, reason string) {
	if err := s.revoke(ctx, session, reason); err != nil {
		s.log.Warn().Err(err).Str("session_id", session.ID).Msg("failed to revoke session")
	}
}

// ListSessions returns the user's usable sessions, most recently active first.
func (s *AuthService) ListSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	sessions, err := s.sessions.ListActive(ctx, userID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// Me returns the account behind an authenticated principal.
func (s *AuthService) Me(ctx context.Context, userID string) (*domain.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return publicUser(user), nil
}

// publicUser returns a copy of u without the password hash.
func publicUser(u *domain.User) *domain.User {
	c := *u
	c.PasswordHash = ""
	return &c
}

// CleanupExpiredSessions marks sessions past their expiry as expired.
func (s *AuthService) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	n, err := s.sessions.SweepExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	if n > 0 {
		metrics.SessionsExpiredTotal.Add(float64(n))
		s.log.Debug().Int64("expired", n).Msg("expired sessions swept")
	}
	return n, nil
}

// Authenticate validates an access token against the persisted session it
// was issued for. A correctly signed token whose session was revoked,
// rotated away or expired is rejected.
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (*ports.Principal, error) {
	p, err := s.authenticate(ctx, accessToken)
	if err != nil {
		metrics.AuthenticationsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	metrics.AuthenticationsTotal.WithLabelValues("accepted").Inc()
	return p, nil
}

func (s *AuthService) authenticate(ctx context.Context, accessToken string) (*ports.Principal, error) {
	claims, err := s.tokens.Parse(accessToken)
	if err != nil {
		return nil, domain.ErrTokenInvalid
	}

	session, err := s.sessions.FindByAccessHash(ctx, HashToken(accessToken))
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, domain.ErrTokenInvalid
		}
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	if session.ID != claims.SessionID || session.UserID != claims.Subject {
		return nil, domain.ErrTokenInvalid
	}

	now := s.now().UTC()
	if !s.policy.IsUsable(session, now) {
		return nil, domain.ErrTokenInvalid
	}

	user, err := s.users.FindByID(ctx, session.UserID)
	if err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	if !user.CanAuthenticate() {
		return nil, domain.ErrTokenInvalid
	}

	if err := s.sessions.TouchActivity(ctx, session.ID, now); err != nil {
		return nil, fmt.Errorf("authenticate: touch activity: %w", err)
	}

	return &ports.Principal{
		UserID:    user.ID,
		SessionID: session.ID,
		Username:  user.Username,
		Email:     user.Email,
		Role:      user.Role,
	}, nil
}

func (s *AuthService) emit(event domain.SessionEvent) {
	if s.audit == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	s.audit.Record(event)
}
