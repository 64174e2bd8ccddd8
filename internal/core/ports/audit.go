package ports

import (
	"context"

	"github.com/99minutos/session-auth/internal/core/domain"
)

// AuditRepository persists session audit events.
type AuditRepository interface {
	InsertEvent(ctx context.Context, event *domain.SessionEvent) error
}

// AuditSink accepts audit events without blocking the caller.
type AuditSink interface {
	Record(event domain.SessionEvent)
}
