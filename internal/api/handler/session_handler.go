package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/99minutos/session-auth/internal/core/domain"
	"github.com/99minutos/session-auth/internal/core/ports"
)

type SessionHandler struct {
	authService ports.AuthService
}

func NewSessionHandler(authService ports.AuthService) *SessionHandler {
	return &SessionHandler{authService: authService}
}

// sessionResponse is the public projection of a session. Token digests are
// never included.
type sessionResponse struct {
	ID             string    `json:"id"`
	DeviceInfo     string    `json:"device_info,omitempty"`
	IPAddress      string    `json:"ip_address,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	IsActive       bool      `json:"is_active"`
	IsCurrent      bool      `json:"is_current"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func toSessionResponses(sessions []*domain.Session, currentID string) []sessionResponse {
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionResponse{
			ID:             s.ID,
			DeviceInfo:     s.DeviceInfo,
			IPAddress:      s.IPAddress,
			UserAgent:      s.UserAgent,
			IsActive:       s.Status == domain.SessionActive,
			IsCurrent:      s.ID == currentID,
			LastActivityAt: s.LastActivityAt,
			ExpiresAt:      s.ExpiresAt,
			CreatedAt:      s.CreatedAt,
			UpdatedAt:      s.UpdatedAt,
		})
	}
	return out
}

// List returns the caller's active sessions, most recently used first.
//
// @Summary      List my sessions
// @Tags         sessions
// @Produce      json
// @Security     BearerAuth
// @Success      200  {array}   sessionResponse
// @Failure      401  {object}  map[string]string
// @Router       /auth/sessions [get]
func (h *SessionHandler) List(c echo.Context) error {
	p, err := ctxPrincipal(c)
	if err != nil {
		return err
	}
	sessions, err := h.authService.ListSessions(c.Request().Context(), p.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toSessionResponses(sessions, p.SessionID))
}

// Revoke ends one of the caller's sessions.
//
// @Summary      Revoke one of my sessions
// @Tags         sessions
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Session ID"
// @Success      200  {object}  messageResponse
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Router       /auth/sessions/{id} [delete]
func (h *SessionHandler) Revoke(c echo.Context) error {
	p, err := ctxPrincipal(c)
	if err != nil {
		return err
	}
	if err := h.authService.RevokeSession(c.Request().Context(), c.Param("id"), p.UserID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, messageResponse{Message: "session revoked successfully"})
}
