package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/99minutos/session-auth/internal/core/domain"
	"github.com/99minutos/session-auth/internal/core/ports"
)

type AuthHandler struct {
	authService ports.AuthService
	log         zerolog.Logger
}

func NewAuthHandler(authService ports.AuthService, log zerolog.Logger) *AuthHandler {
	return &AuthHandler{authService: authService, log: log}
}

type registerRequest struct {
	Username string `json:"username"  validate:"required,min=3,max=50,excludes=@"`
	Email    string `json:"email"     validate:"required,email"`
	Password string `json:"password"  validate:"required,strongpassword"`
	FullName string `json:"full_name" validate:"omitempty,min=2,max=100"`
	Phone    string `json:"phone"     validate:"omitempty,max=15"`
}

// normalize trims input and collapses internal whitespace in the full name.
func (r *registerRequest) normalize() {
	r.Username = strings.TrimSpace(r.Username)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.FullName = strings.Join(strings.Fields(r.FullName), " ")
	r.Phone = strings.TrimSpace(r.Phone)
}

type loginRequest struct {
	// Username accepts either the username or the email address.
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int64        `json:"expires_in"`
	TokenType    string       `json:"token_type"`
	SessionID    string       `json:"session_id"`
	User         *domain.User `json:"user"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func newTokenResponse(res *ports.AuthResult) tokenResponse {
	return tokenResponse{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		ExpiresIn:    res.ExpiresIn,
		TokenType:    "Bearer",
		SessionID:    res.SessionID,
		User:         res.User,
	}
}

// bindAndValidate decodes the JSON body into req and runs the validator.
func bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	return c.Validate(req)
}

// Register creates a new user account and opens its first session.
//
// @Summary      Register a new user
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        X-Device-Info  header    string           false  "Client device description"
// @Param        body           body      registerRequest  true   "User registration details"
// @Success      201            {object}  tokenResponse
// @Failure      400            {object}  map[string]any
// @Failure      409            {object}  map[string]string
// @Failure      500            {object}  map[string]string
// @Router       /auth/register [post]
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	req.normalize()
	if err := c.Validate(&req); err != nil {
		return err
	}

	device, ip, ua := clientMeta(c)
	res, err := h.authService.Register(c.Request().Context(), ports.RegisterInput{
		Username:   req.Username,
		Email:      req.Email,
		Password:   req.Password,
		FullName:   req.FullName,
		Phone:      req.Phone,
		DeviceInfo: device,
		IPAddress:  ip,
		UserAgent:  ua,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, newTokenResponse(res))
}

// Login authenticates by username or email and opens a session.
//
// @Summary      Login
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        X-Device-Info  header    string        false  "Client device description"
// @Param        body           body      loginRequest  true   "Login credentials"
// @Success      200            {object}  tokenResponse
// @Failure      400            {object}  map[string]any
// @Failure      401            {object}  map[string]string
// @Failure      429            {object}  map[string]string
// @Router       /auth/login [post]
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	device, ip, ua := clientMeta(c)
	res, err := h.authService.Login(c.Request().Context(), ports.LoginInput{
		Identifier: strings.TrimSpace(req.Username),
		Password:   req.Password,
		DeviceInfo: device,
		IPAddress:  ip,
		UserAgent:  ua,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, newTokenResponse(res))
}

// Refresh exchanges a refresh token for a new token pair on the same session.
//
// @Summary      Refresh tokens
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        body  body      refreshRequest  true  "Refresh token"
// @Success      200   {object}  tokenResponse
// @Failure      400   {object}  map[string]any
// @Failure      401   {object}  map[string]string
// @Router       /auth/refresh [post]
func (h *AuthHandler) Refresh(c echo.Context) error {
	var req refreshRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	res, err := h.authService.Refresh(c.Request().Context(), req.RefreshToken)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newTokenResponse(res))
}

// Logout revokes the session owning the refresh token. It always answers 200.
//
// @Summary      Logout
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        body  body      logoutRequest  true  "Refresh token"
// @Success      200   {object}  messageResponse
// @Router       /auth/logout [post]
func (h *AuthHandler) Logout(c echo.Context) error {
	var req logoutRequest
	_ = c.Bind(&req)

	if err := h.authService.Logout(c.Request().Context(), req.RefreshToken); err != nil {
		h.log.Error().Err(err).Msg("logout failed")
	}
	return c.JSON(http.StatusOK, messageResponse{Message: "logged out successfully"})
}

// LogoutAll revokes every session of the caller.
//
// @Summary      Logout from all devices
// @Tags         auth
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  messageResponse
// @Failure      401  {object}  map[string]string
// @Router       /auth/logout-all [post]
func (h *AuthHandler) LogoutAll(c echo.Context) error {
	p, err := ctxPrincipal(c)
	if err != nil {
		return err
	}
	if err := h.authService.LogoutAll(c.Request().Context(), p.UserID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, messageResponse{Message: "logged out from all devices"})
}

// Me returns the authenticated user's profile.
//
// @Summary      Current user
// @Tags         auth
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  domain.User
// @Failure      401  {object}  map[string]string
// @Router       /auth/me [get]
func (h *AuthHandler) Me(c echo.Context) error {
	p, err := ctxPrincipal(c)
	if err != nil {
		return err
	}
	user, err := h.authService.Me(c.Request().Context(), p.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, user)
}
