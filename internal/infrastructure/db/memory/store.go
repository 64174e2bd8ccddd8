// Package memory is a mutex-guarded, in-process implementation of the user,
// session and audit repositories. It backs local development
// (STORE_DRIVER=memory) and the service tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/99minutos/session-auth/internal/core/domain"
	"github.com/99minutos/session-auth/internal/core/ports"
)

// Store holds users, sessions and audit events. A single lock serialises
// every write, which makes CreateAdmitted atomic per user.
type Store struct {
	mu sync.RWMutex

	users    map[string]*domain.User
	sessions map[string]*domain.Session
	events   []domain.SessionEvent
}

func New() *Store {
	return &Store{
		users:    make(map[string]*domain.User),
		sessions: make(map[string]*domain.Session),
	}
}

func cloneUser(u *domain.User) *domain.User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

func cloneSession(s *domain.Session) *domain.Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// ---------- Users ----------

func (m *Store) Create(_ context.Context, user *domain.User) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.IsDeleted() {
			continue
		}
		if u.Username == user.Username || u.Email == user.Email {
			return nil, domain.ErrUserExists
		}
	}
	m.users[user.ID] = cloneUser(user)
	return cloneUser(user), nil
}

func (m *Store) FindByID(_ context.Context, id string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok || u.IsDeleted() {
		return nil, domain.ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (m *Store) FindByLogin(_ context.Context, identifier string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// An email match wins over a username match.
	email := strings.ToLower(identifier)
	var byUsername *domain.User
	for _, u := range m.users {
		if u.IsDeleted() {
			continue
		}
		if u.Email == email {
			return cloneUser(u), nil
		}
		if u.Username == identifier {
			byUsername = u
		}
	}
	if byUsername != nil {
		return cloneUser(byUsername), nil
	}
	return nil, domain.ErrUserNotFound
}

func (m *Store) Exists(_ context.Context, username, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if !u.IsDeleted() && (u.Username == username || u.Email == email) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Store) UpdateLastLogin(_ context.Context, id string, at time.Time) error {
	return m.updateUser(id, func(u *domain.User) {
		u.LastLoginAt = &at
		u.UpdatedAt = at
	})
}

func (m *Store) UpdateStatus(_ context.Context, id string, status domain.UserStatus, at time.Time) error {
	return m.updateUser(id, func(u *domain.User) {
		u.Status = status
		u.UpdatedAt = at
	})
}

func (m *Store) SoftDelete(_ context.Context, id string, at time.Time) error {
	return m.updateUser(id, func(u *domain.User) {
		u.DeletedAt = &at
		u.UpdatedAt = at
	})
}

func (m *Store) updateUser(id string, fn func(*domain.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok || u.IsDeleted() {
		return domain.ErrUserNotFound
	}
	fn(u)
	return nil
}

// ---------- Sessions ----------

// Sessions exposes the session half of the store as a ports.SessionRepository.
// The user and session repositories share method names such as FindByID, so
// each half gets its own view.
func (m *Store) Sessions() ports.SessionRepository {
	return sessionView{m}
}

// Users exposes the user half of the store as a ports.UserRepository.
func (m *Store) Users() ports.UserRepository {
	return m
}

type sessionView struct {
	m *Store
}

func (v sessionView) CreateAdmitted(_ context.Context, s *domain.Session, admit ports.AdmitFunc) ([]string, error) {
	m := v.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.users[s.UserID]; !ok || u.IsDeleted() {
		return nil, domain.ErrUserNotFound
	}
	for _, existing := range m.sessions {
		if existing.RefreshTokenHash == s.RefreshTokenHash || existing.AccessTokenHash == s.AccessTokenHash {
			return nil, domain.ErrSessionConflict
		}
	}

	decision, err := admit(m.activeLocked(s.UserID, s.CreatedAt))
	if err != nil {
		return nil, err
	}
	for _, id := range decision.Evict {
		if existing, ok := m.sessions[id]; ok && existing.UserID == s.UserID && existing.Status == domain.SessionActive {
			existing.Status = domain.SessionRevoked
			existing.UpdatedAt = s.CreatedAt
		}
	}

	m.sessions[s.ID] = cloneSession(s)
	return decision.Evict, nil
}

func (v sessionView) FindByID(_ context.Context, id string) (*domain.Session, error) {
	return v.m.findSession(func(s *domain.Session) bool { return s.ID == id })
}

func (v sessionView) FindByRefreshHash(_ context.Context, hash string) (*domain.Session, error) {
	return v.m.findSession(func(s *domain.Session) bool { return s.RefreshTokenHash == hash })
}

func (v sessionView) FindByAccessHash(_ context.Context, hash string) (*domain.Session, error) {
	return v.m.findSession(func(s *domain.Session) bool { return s.AccessTokenHash == hash })
}

func (m *Store) findSession(match func(*domain.Session) bool) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.sessions {
		if match(s) {
			return cloneSession(s), nil
		}
	}
	return nil, domain.ErrSessionNotFound
}

func (v sessionView) CountActive(_ context.Context, userID string, now time.Time) (int, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()
	return len(v.m.activeLocked(userID, now)), nil
}

func (v sessionView) ListActive(_ context.Context, userID string, now time.Time) ([]*domain.Session, error) {
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()

	active := v.m.activeLocked(userID, now)
	out := make([]*domain.Session, 0, len(active))
	for _, s := range active {
		out = append(out, cloneSession(s))
	}
	return out, nil
}

// activeLocked returns the user's usable sessions, newest activity first.
// Callers must hold m.mu.
func (m *Store) activeLocked(userID string, now time.Time) []*domain.Session {
	var out []*domain.Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.Status == domain.SessionActive && now.Before(s.ExpiresAt) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

func (v sessionView) Rotate(_ context.Context, id, prevRefreshHash string, rot domain.SessionRotation) error {
	m := v.m
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || s.RefreshTokenHash != prevRefreshHash || s.Status != domain.SessionActive || !rot.At.Before(s.ExpiresAt) {
		return domain.ErrSessionNotFound
	}
	s.RefreshTokenHash = rot.RefreshTokenHash
	s.AccessTokenHash = rot.AccessTokenHash
	s.ExpiresAt = rot.ExpiresAt
	s.LastActivityAt = rot.At
	s.UpdatedAt = rot.At
	return nil
}

func (v sessionView) TouchActivity(_ context.Context, id string, at time.Time) error {
	m := v.m
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return domain.ErrSessionNotFound
	}
	s.LastActivityAt = at
	s.UpdatedAt = at
	return nil
}

func (v sessionView) Revoke(_ context.Context, id string, at time.Time) (bool, error) {
	m := v.m
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || s.Status != domain.SessionActive {
		return false, nil
	}
	s.Status = domain.SessionRevoked
	s.UpdatedAt = at
	return true, nil
}

func (v sessionView) RevokeAllForUser(_ context.Context, userID string, at time.Time) (int64, error) {
	m := v.m
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, s := range m.sessions {
		if s.UserID == userID && s.Status == domain.SessionActive {
			s.Status = domain.SessionRevoked
			s.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func (v sessionView) SweepExpired(_ context.Context, now time.Time) (int64, error) {
	m := v.m
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, s := range m.sessions {
		if s.Status == domain.SessionActive && !now.Before(s.ExpiresAt) {
			s.Status = domain.SessionExpired
			s.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// ---------- Audit ----------

func (m *Store) InsertEvent(_ context.Context, event *domain.SessionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

// Events returns a snapshot of the recorded audit events.
func (m *Store) Events() []domain.SessionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.SessionEvent, len(m.events))
	copy(out, m.events)
	return out
}
