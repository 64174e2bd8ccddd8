package domain

import (
	"errors"
	"time"
)

// SessionStatus represents the lifecycle state of a session.
//
//	active ──► revoked  (logout, logout-all, admin revoke, eviction)
//	active ──► expired  (passive, written by the cleanup sweep)
//
// revoked and expired are terminal.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionExpired SessionStatus = "expired"
	SessionRevoked SessionStatus = "revoked"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionNotOwned = errors.New("session not found")
	ErrSessionConflict = errors.New("session token collision")
	ErrSessionLimit    = errors.New("already logged in")
	ErrTokenInvalid    = errors.New("invalid or expired token")
)

// Session binds a user to an issued token pair. Only SHA-256 digests of the
// tokens are kept.
type Session struct {
	ID               string        `json:"id"`
	UserID           string        `json:"user_id"`
	RefreshTokenHash string        `json:"-"`
	AccessTokenHash  string        `json:"-"`
	DeviceInfo       string        `json:"device_info,omitempty"`
	IPAddress        string        `json:"ip_address,omitempty"`
	UserAgent        string        `json:"user_agent,omitempty"`
	Status           SessionStatus `json:"status"`
	ExpiresAt        time.Time     `json:"expires_at"`
	LastActivityAt   time.Time     `json:"last_activity_at"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Expired reports whether now has reached the session expiry.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SessionRotation carries the new token digests written by a refresh.
type SessionRotation struct {
	RefreshTokenHash string
	AccessTokenHash  string
	ExpiresAt        time.Time
	At               time.Time
}

// EvictionDecision lists the sessions to revoke before a new one is admitted.
type EvictionDecision struct {
	Evict []string
}
