package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/99minutos/session-auth/internal/core/domain"
	"github.com/99minutos/session-auth/internal/core/ports"
)

type AdminHandler struct {
	adminService ports.AdminService
}

func NewAdminHandler(adminService ports.AdminService) *AdminHandler {
	return &AdminHandler{adminService: adminService}
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=active inactive suspended"`
}

// ListUserSessions returns a user's active sessions.
//
// @Summary      List a user's sessions
// @Tags         admin
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "User ID"
// @Success      200  {array}   sessionResponse
// @Failure      403  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /admin/users/{id}/sessions [get]
func (h *AdminHandler) ListUserSessions(c echo.Context) error {
	sessions, err := h.adminService.ListUserSessions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toSessionResponses(sessions, ""))
}

// RevokeSession ends any session.
//
// @Summary      Revoke a session
// @Tags         admin
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Session ID"
// @Success      200  {object}  messageResponse
// @Failure      403  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /admin/sessions/{id} [delete]
func (h *AdminHandler) RevokeSession(c echo.Context) error {
	if err := h.adminService.RevokeSession(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, messageResponse{Message: "session revoked successfully"})
}

// SetUserStatus activates, deactivates or suspends an account.
//
// @Summary      Change a user's status
// @Tags         admin
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id    path      string         true  "User ID"
// @Param        body  body      statusRequest  true  "New status"
// @Success      200   {object}  messageResponse
// @Failure      400   {object}  map[string]any
// @Failure      403   {object}  map[string]string
// @Failure      404   {object}  map[string]string
// @Router       /admin/users/{id}/status [patch]
func (h *AdminHandler) SetUserStatus(c echo.Context) error {
	var req statusRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	err := h.adminService.SetUserStatus(c.Request().Context(), c.Param("id"), domain.UserStatus(req.Status))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, messageResponse{Message: "user status updated"})
}

// DeleteUser soft-deletes an account and ends its sessions.
//
// @Summary      Delete a user
// @Tags         admin
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "User ID"
// @Success      200  {object}  messageResponse
// @Failure      403  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /admin/users/{id} [delete]
func (h *AdminHandler) DeleteUser(c echo.Context) error {
	if err := h.adminService.DeleteUser(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, messageResponse{Message: "user deleted"})
}
