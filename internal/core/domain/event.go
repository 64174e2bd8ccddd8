package domain

import "time"

// SessionEventKind classifies an entry in the session audit trail.
type SessionEventKind string

const (
	EventSessionCreated   SessionEventKind = "session_created"
	EventSessionRefreshed SessionEventKind = "session_refreshed"
	EventSessionRevoked   SessionEventKind = "session_revoked"
	EventSessionEvicted   SessionEventKind = "session_evicted"
	EventLoginFailed      SessionEventKind = "login_failed"
)

// Revocation reasons recorded on audit events and metrics.
const (
	ReasonLogout       = "logout"
	ReasonLogoutAll    = "logout_all"
	ReasonUserRevoke   = "user_revoke"
	ReasonAdminRevoke  = "admin_revoke"
	ReasonEviction     = "eviction"
	ReasonUserDisabled = "user_disabled"
	ReasonUserDeleted  = "user_deleted"
)

// SessionEvent is an append-only audit record of a session lifecycle change.
type SessionEvent struct {
	Kind       SessionEventKind `json:"kind"`
	SessionID  string           `json:"session_id,omitempty"`
	UserID     string           `json:"user_id,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	IPAddress  string           `json:"ip_address,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}
