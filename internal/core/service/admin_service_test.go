package service

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/99minutos/session-auth/internal/core/domain"
)

func TestAdminService_SetUserStatusRevokesSessions(t *testing.T) {
	svc, store := newTestService(t, Config{MaxActiveSessions: 3})
	admin := NewAdminService(store.Users(), store.Sessions(), nil, zerolog.Nop())
	ctx := context.Background()

	res := registerUser(t, svc, "quinn")
	if err := admin.SetUserStatus(ctx, res.User.ID, domain.UserSuspended); err != nil {
		t.Fatalf("set status failed: %v", err)
	}

	if _, err := svc.Authenticate(ctx, res.AccessToken); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Fatalf("expected suspended user's token to be rejected, got %v", err)
	}
	if _, err := login(svc, "quinn"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected suspended user login to fail, got %v", err)
	}

	if err := admin.SetUserStatus(ctx, res.User.ID, domain.UserActive); err != nil {
		t.Fatalf("reactivate failed: %v", err)
	}
	if _, err := login(svc, "quinn"); err != nil {
		t.Fatalf("login after reactivation failed: %v", err)
	}
}

func TestAdminService_SetUserStatus_Invalid(t *testing.T) {
	_, store := newTestService(t, Config{})
	admin := NewAdminService(store.Users(), store.Sessions(), nil, zerolog.Nop())

	if err := admin.SetUserStatus(context.Background(), "x", "banned"); !errors.Is(err, domain.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if err := admin.SetUserStatus(context.Background(), "missing", domain.UserInactive); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestAdminService_RevokeAndList(t *testing.T) {
	sink := &recordingSink{}
	svc, store := newTestService(t, Config{MaxActiveSessions: 2})
	admin := NewAdminService(store.Users(), store.Sessions(), sink, zerolog.Nop())
	ctx := context.Background()

	res := registerUser(t, svc, "rita")
	if _, err := login(svc, "rita"); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	sessions, err := admin.ListUserSessions(ctx, res.User.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}

	if err := admin.RevokeSession(ctx, res.SessionID); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if err := admin.RevokeSession(ctx, "missing"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := admin.ListUserSessions(ctx, "missing"); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	if kinds := sink.kinds(); len(kinds) != 1 || kinds[0] != domain.EventSessionRevoked {
		t.Fatalf("unexpected audit events: %v", kinds)
	}
}

func TestAdminService_DeleteUser(t *testing.T) {
	svc, store := newTestService(t, Config{})
	admin := NewAdminService(store.Users(), store.Sessions(), nil, zerolog.Nop())
	ctx := context.Background()

	res := registerUser(t, svc, "sam")
	if err := admin.DeleteUser(ctx, res.User.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := svc.Refresh(ctx, res.RefreshToken); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Fatalf("expected deleted user's refresh to fail, got %v", err)
	}
	if err := admin.DeleteUser(ctx, res.User.ID); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound on second delete, got %v", err)
	}

	// The username is free again once the old account is soft-deleted.
	registerUser(t, svc, "sam")
}
