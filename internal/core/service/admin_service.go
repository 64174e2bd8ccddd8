package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/99minutos/session-auth/internal/core/domain"
	"github.com/99minutos/session-auth/internal/core/ports"
	"github.com/99minutos/session-auth/internal/pkg/metrics"
)

// AdminService implements administrative session and account controls.
// Unlike the self-service flows, misses here are reported as not found.
type AdminService struct {
	users    ports.UserRepository
	sessions ports.SessionRepository
	audit    ports.AuditSink
	log      zerolog.Logger
	now      func() time.Time
}

func NewAdminService(users ports.UserRepository, sessions ports.SessionRepository, audit ports.AuditSink, log zerolog.Logger) *AdminService {
	return &AdminService{
		users:    users,
		sessions: sessions,
		audit:    audit,
		log:      log,
		now:      time.Now,
	}
}

func (s *AdminService) ListUserSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	if _, err := s.users.FindByID(ctx, userID); err != nil {
		return nil, err
	}
	sessions, err := s.sessions.ListActive(ctx, userID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list user sessions: %w", err)
	}
	return sessions, nil
}

func (s *AdminService) RevokeSession(ctx context.Context, sessionID string) error {
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return err
	}
	changed, err := s.sessions.Revoke(ctx, session.ID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("admin revoke: %w", err)
	}
	if changed {
		metrics.SessionsRevokedTotal.WithLabelValues(domain.ReasonAdminRevoke).Inc()
		s.emit(domain.SessionEvent{
			Kind:      domain.EventSessionRevoked,
			SessionID: session.ID,
			UserID:    session.UserID,
			Reason:    domain.ReasonAdminRevoke,
		})
	}
	s.log.Info().Str("session_id", session.ID).Msg("session revoked by admin")
	return nil
}

// SetUserStatus changes the account status. Any status other than active
// also revokes the user's sessions.
func (s *AdminService) SetUserStatus(ctx context.Context, userID string, status domain.UserStatus) error {
	if !status.Valid() {
		return domain.ErrInvalidStatus
	}
	now := s.now().UTC()
	if err := s.users.UpdateStatus(ctx, userID, status, now); err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return err
		}
		return fmt.Errorf("set user status: %w", err)
	}
	s.log.Info().Str("user_id", userID).Str("status", string(status)).Msg("user status changed")

	if status == domain.UserActive {
		return nil
	}
	return s.revokeAll(ctx, userID, domain.ReasonUserDisabled, now)
}

// DeleteUser soft-deletes the account and revokes its sessions.
func (s *AdminService) DeleteUser(ctx context.Context, userID string) error {
	now := s.now().UTC()
	if err := s.users.SoftDelete(ctx, userID, now); err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return err
		}
		return fmt.Errorf("delete user: %w", err)
	}
	s.log.Info().Str("user_id", userID).Msg("user soft-deleted")
	return s.revokeAll(ctx, userID, domain.ReasonUserDeleted, now)
}

func (s *AdminService) revokeAll(ctx context.Context, userID, reason string, at time.Time) error {
	n, err := s.sessions.RevokeAllForUser(ctx, userID, at)
	if err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	if n > 0 {
		metrics.SessionsRevokedTotal.WithLabelValues(reason).Add(float64(n))
	}
	s.emit(domain.SessionEvent{Kind: domain.EventSessionRevoked, UserID: userID, Reason: reason})
	return nil
}

func (s *AdminService) emit(event domain.SessionEvent) {
	if s.audit == nil {
		return
	}
	event.OccurredAt = s.now().UTC()
	s.audit.Record(event)
}
