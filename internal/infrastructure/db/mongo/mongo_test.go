package mongo

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/99minutos/session-auth/internal/core/domain"
	"github.com/99minutos/session-auth/internal/core/service"
)

func TestSessionDocument_KeepsDigestsOnly(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &domain.Session{
		ID:               "s1",
		UserID:           "u1",
		RefreshTokenHash: "refresh-digest",
		AccessTokenHash:  "access-digest",
		Status:           domain.SessionRevoked,
		ExpiresAt:        now.Add(time.Hour),
		LastActivityAt:   now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	doc := newSessionDocument(s)
	if doc.Status != "revoked" || doc.RefreshTokenHash != "refresh-digest" {
		t.Fatalf("unexpected document: %+v", doc)
	}
	back := doc.toDomain()
	if back.Status != domain.SessionRevoked || !back.ExpiresAt.Equal(s.ExpiresAt) || back.UserID != "u1" {
		t.Fatalf("unexpected session: %+v", back)
	}
}

func TestActiveFilter(t *testing.T) {
	now := time.Now()
	f := activeFilter("u1", now)
	if f["user_id"] != "u1" || f["status"] != "active" {
		t.Fatalf("unexpected filter: %v", f)
	}
}

// testDB connects to MONGO_TEST_URI (a replica set) or skips.
func testDB(t *testing.T) (*mongo.Client, *mongo.Database) {
	t.Helper()
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set")
	}
	ctx := context.Background()
	client, db, err := Connect(ctx, Config{URI: uri, Database: "session_auth_test_" + uuid.NewString()[:8]})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})
	if err := EnsureIndexes(ctx, db); err != nil {
		t.Fatalf("indexes: %v", err)
	}
	return client, db
}

func TestRepositories_Integration(t *testing.T) {
	client, db := testDB(t)
	ctx := context.Background()
	users := NewUserRepository(db)
	sessions := NewSessionRepository(client, db)

	now := time.Now().UTC().Truncate(time.Millisecond)
	u := &domain.User{
		ID: uuid.NewString(), Username: "alice", Email: "alice@example.com",
		Role: domain.RoleUser, Status: domain.UserActive, CreatedAt: now, UpdatedAt: now,
	}
	if _, err := users.Create(ctx, u); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := *u
	dup.ID = uuid.NewString()
	if _, err := users.Create(ctx, &dup); !errors.Is(err, domain.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}

	squatter := &domain.User{
		ID: uuid.NewString(), Username: "alice@example.com", Email: "mallory@example.com",
		Role: domain.RoleUser, Status: domain.UserActive, CreatedAt: now, UpdatedAt: now,
	}
	if _, err := users.Create(ctx, squatter); err != nil {
		t.Fatalf("create squatter: %v", err)
	}
	if found, err := users.FindByLogin(ctx, "alice@example.com"); err != nil || found.ID != u.ID {
		t.Fatalf("expected email owner, got %v, %v", found, err)
	}

	policy := service.NewSessionPolicy(1, service.OverflowEvict)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			at := time.Now().UTC()
			s := &domain.Session{
				ID: uuid.NewString(), UserID: u.ID,
				RefreshTokenHash: uuid.NewString(), AccessTokenHash: uuid.NewString(),
				Status: domain.SessionActive, ExpiresAt: at.Add(time.Hour),
				LastActivityAt: at, CreatedAt: at, UpdatedAt: at,
			}
			if _, err := sessions.CreateAdmitted(ctx, s, policy.Admit(at)); err != nil {
				t.Errorf("admit: %v", err)
			}
		}()
	}
	wg.Wait()

	if n, err := sessions.CountActive(ctx, u.ID, time.Now().UTC()); err != nil || n != 1 {
		t.Fatalf("active = %d, %v; want 1", n, err)
	}

	if err := users.SoftDelete(ctx, u.ID, now); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if _, err := users.FindByLogin(ctx, "alice"); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("deleted user visible: %v", err)
	}
}
