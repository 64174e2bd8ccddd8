package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/99minutos/session-auth/internal/core/domain"
	"github.com/99minutos/session-auth/internal/core/ports"
)

type stubAuthService struct {
	registerFn  func(ctx context.Context, in ports.RegisterInput) (*ports.AuthResult, error)
	loginFn     func(ctx context.Context, in ports.LoginInput) (*ports.AuthResult, error)
	refreshFn   func(ctx context.Context, refreshToken string) (*ports.AuthResult, error)
	logoutFn    func(ctx context.Context, refreshToken string) error
	logoutAllFn func(ctx context.Context, userID string) error
	revokeFn    func(ctx context.Context, sessionID, userID string) error
	listFn      func(ctx context.Context, userID string) ([]*domain.Session, error)
	meFn        func(ctx context.Context, userID string) (*domain.User, error)
}

func (s *stubAuthService) Authenticate(context.Context, string) (*ports.Principal, error) {
	return nil, domain.ErrTokenInvalid
}

func (s *stubAuthService) Register(ctx context.Context, in ports.RegisterInput) (*ports.AuthResult, error) {
	return s.registerFn(ctx, in)
}

func (s *stubAuthService) Login(ctx context.Context, in ports.LoginInput) (*ports.AuthResult, error) {
	return s.loginFn(ctx, in)
}

func (s *stubAuthService) Refresh(ctx context.Context, refreshToken string) (*ports.AuthResult, error) {
	return s.refreshFn(ctx, refreshToken)
}

func (s *stubAuthService) Logout(ctx context.Context, refreshToken string) error {
	return s.logoutFn(ctx, refreshToken)
}

func (s *stubAuthService) LogoutAll(ctx context.Context, userID string) error {
	return s.logoutAllFn(ctx, userID)
}

func (s *stubAuthService) RevokeSession(ctx context.Context, sessionID, userID string) error {
	return s.revokeFn(ctx, sessionID, userID)
}

func (s *stubAuthService) ListSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	return s.listFn(ctx, userID)
}

func (s *stubAuthService) Me(ctx context.Context, userID string) (*domain.User, error) {
	return s.meFn(ctx, userID)
}

func (s *stubAuthService) CleanupExpiredSessions(context.Context) (int64, error) {
	return 0, nil
}

func newJSONContext(method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	e.Validator = NewValidator()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func withPrincipal(c echo.Context, p *ports.Principal) {
	c.Set(CtxPrincipal, p)
	c.Set(CtxUserID, p.UserID)
	c.Set(CtxSessionID, p.SessionID)
}

func authResult() *ports.AuthResult {
	return &ports.AuthResult{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresIn:    900,
		SessionID:    "sess-1",
		User:         &domain.User{ID: "u1", Username: "alice", Role: domain.RoleUser},
	}
}

func TestAuthHandler_Register_Success(t *testing.T) {
	stub := &stubAuthService{
		registerFn: func(ctx context.Context, in ports.RegisterInput) (*ports.AuthResult, error) {
			if in.Username != "alice" || in.Email != "alice@example.com" || in.FullName != "Alice Liddell" {
				t.Fatalf("unexpected input: %+v", in)
			}
			if in.DeviceInfo != "laptop" || in.UserAgent != defaultUserAgent {
				t.Fatalf("unexpected client meta: %+v", in)
			}
			return authResult(), nil
		},
	}
	h := NewAuthHandler(stub, zerolog.Nop())

	c, rec := newJSONContext(http.MethodPost, "/auth/register",
		`{"username":" alice ","email":"Alice@Example.com","password":"Secret123!","full_name":"  Alice   Liddell "}`)
	c.Request().Header.Set(headerDeviceInfo, "laptop")

	if err := h.Register(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp["token_type"] != "Bearer" || resp["session_id"] != "sess-1" || resp["expires_in"] != float64(900) {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	user, ok := resp["user"].(map[string]any)
	if !ok || user["username"] != "alice" {
		t.Fatalf("unexpected user payload: %+v", resp["user"])
	}
}

func TestAuthHandler_Register_Validation(t *testing.T) {
	stub := &stubAuthService{
		registerFn: func(ctx context.Context, in ports.RegisterInput) (*ports.AuthResult, error) {
			t.Fatalf("should not be called")
			return nil, nil
		},
	}
	h := NewAuthHandler(stub, zerolog.Nop())

	c, _ := newJSONContext(http.MethodPost, "/auth/register", `{"username":"al","email":"alice@example.com","password":"password"}`)
	err := h.Register(c)

	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	fields := map[string]bool{}
	for _, f := range ve.Fields {
		fields[f.Field] = true
	}
	if !fields["username"] || !fields["password"] {
		t.Fatalf("unexpected fields: %+v", ve.Fields)
	}
}

func TestAuthHandler_Register_InvalidPayload(t *testing.T) {
	h := NewAuthHandler(&stubAuthService{}, zerolog.Nop())

	c, _ := newJSONContext(http.MethodPost, "/auth/register", "not-json")
	err := h.Register(c)

	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 HTTPError, got %v", err)
	}
}

func TestAuthHandler_Register_UserExists(t *testing.T) {
	stub := &stubAuthService{
		registerFn: func(ctx context.Context, in ports.RegisterInput) (*ports.AuthResult, error) {
			return nil, domain.ErrUserExists
		},
	}
	h := NewAuthHandler(stub, zerolog.Nop())

	c, _ := newJSONContext(http.MethodPost, "/auth/register", `{"username":"alice","email":"alice@example.com","password":"Secret123!"}`)
	if err := h.Register(c); !errors.Is(err, domain.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestAuthHandler_Login(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		svcErr  error
		wantErr error
		called  bool
	}{
		{name: "success", body: `{"username":"alice@example.com","password":"Secret123!"}`, called: true},
		{name: "bad credentials", body: `{"username":"alice","password":"nope"}`, svcErr: domain.ErrInvalidCredentials, wantErr: domain.ErrInvalidCredentials, called: true},
		{name: "throttled", body: `{"username":"alice","password":"nope"}`, svcErr: domain.ErrTooManyAttempts, wantErr: domain.ErrTooManyAttempts, called: true},
		{name: "session limit", body: `{"username":"alice","password":"Secret123!"}`, svcErr: domain.ErrSessionLimit, wantErr: domain.ErrSessionLimit, called: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			stub := &stubAuthService{
				loginFn: func(ctx context.Context, in ports.LoginInput) (*ports.AuthResult, error) {
					called = true
					if in.DeviceInfo != defaultDevice {
						t.Errorf("device = %q, want default", in.DeviceInfo)
					}
					if tt.svcErr != nil {
						return nil, tt.svcErr
					}
					return authResult(), nil
				},
			}
			h := NewAuthHandler(stub, zerolog.Nop())
			c, rec := newJSONContext(http.MethodPost, "/auth/login", tt.body)

			err := h.Login(c)
			if called != tt.called {
				t.Fatalf("service called = %v, want %v", called, tt.called)
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("handler error: %v", err)
			}
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
		})
	}
}

func TestAuthHandler_Login_MissingFields(t *testing.T) {
	h := NewAuthHandler(&stubAuthService{}, zerolog.Nop())
	c, _ := newJSONContext(http.MethodPost, "/auth/login", `{"username":""}`)

	var ve *ValidationError
	if err := h.Login(c); !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestAuthHandler_Refresh(t *testing.T) {
	stub := &stubAuthService{
		refreshFn: func(ctx context.Context, refreshToken string) (*ports.AuthResult, error) {
			if refreshToken != "old-refresh" {
				return nil, domain.ErrTokenInvalid
			}
			return authResult(), nil
		},
	}
	h := NewAuthHandler(stub, zerolog.Nop())

	c, rec := newJSONContext(http.MethodPost, "/auth/refresh", `{"refresh_token":"old-refresh"}`)
	if err := h.Refresh(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	c, _ = newJSONContext(http.MethodPost, "/auth/refresh", `{"refresh_token":"stale"}`)
	if err := h.Refresh(c); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestAuthHandler_Logout_AlwaysOK(t *testing.T) {
	stub := &stubAuthService{
		logoutFn: func(ctx context.Context, refreshToken string) error {
			return errors.New("store unavailable")
		},
	}
	h := NewAuthHandler(stub, zerolog.Nop())

	for _, body := range []string{`{"refresh_token":"abc"}`, `{}`, "not-json"} {
		c, rec := newJSONContext(http.MethodPost, "/auth/logout", body)
		if err := h.Logout(c); err != nil {
			t.Fatalf("body %q: handler error: %v", body, err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("body %q: expected 200, got %d", body, rec.Code)
		}
	}
}

func TestAuthHandler_LogoutAll(t *testing.T) {
	var got string
	stub := &stubAuthService{
		logoutAllFn: func(ctx context.Context, userID string) error {
			got = userID
			return nil
		},
	}
	h := NewAuthHandler(stub, zerolog.Nop())

	c, rec := newJSONContext(http.MethodPost, "/auth/logout-all", "")
	withPrincipal(c, &ports.Principal{UserID: "u1", SessionID: "s1"})
	if err := h.LogoutAll(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK || got != "u1" {
		t.Fatalf("code = %d, user = %q", rec.Code, got)
	}
}

func TestAuthHandler_Me_RequiresPrincipal(t *testing.T) {
	h := NewAuthHandler(&stubAuthService{}, zerolog.Nop())
	c, _ := newJSONContext(http.MethodGet, "/auth/me", "")

	var he *echo.HTTPError
	if err := h.Me(c); !errors.As(err, &he) || he.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 HTTPError, got %v", err)
	}
}

func TestAuthHandler_Me(t *testing.T) {
	stub := &stubAuthService{
		meFn: func(ctx context.Context, userID string) (*domain.User, error) {
			return &domain.User{ID: userID, Username: "alice", PasswordHash: "secret-hash"}, nil
		},
	}
	h := NewAuthHandler(stub, zerolog.Nop())
	c, rec := newJSONContext(http.MethodGet, "/auth/me", "")
	withPrincipal(c, &ports.Principal{UserID: "u1", SessionID: "s1"})

	if err := h.Me(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if strings.Contains(rec.Body.String(), "secret-hash") {
		t.Fatalf("password hash leaked: %s", rec.Body.String())
	}
}
