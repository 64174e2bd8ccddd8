package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/99minutos/session-auth/internal/api/handler"
	"github.com/99minutos/session-auth/internal/core/domain"
	"github.com/99minutos/session-auth/internal/core/service"
	"github.com/99minutos/session-auth/internal/infrastructure/db/memory"
)

const testPassword = "Secret123!"

type tokenBody struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	SessionID    string `json:"session_id"`
	User         struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Role     string `json:"role"`
	} `json:"user"`
}

type errorBody struct {
	Error  string `json:"error"`
	Fields []struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	} `json:"fields"`
}

type testServer struct {
	e     *echo.Echo
	store *memory.Store
}

func newTestServer(t *testing.T, maxSessions int, checks map[string]handler.DependencyCheck) *testServer {
	t.Helper()
	return newProxiedTestServer(t, maxSessions, checks, nil)
}

func newProxiedTestServer(t *testing.T, maxSessions int, checks map[string]handler.DependencyCheck, proxies []*net.IPNet) *testServer {
	t.Helper()
	store := memory.New()
	log := zerolog.Nop()
	authService := service.NewAuthService(store.Users(), store.Sessions(), service.Config{
		JWTSecret:         "router-test-secret",
		AccessTokenTTL:    "15m",
		RefreshTokenTTL:   "7d",
		MaxActiveSessions: maxSessions,
		Overflow:          service.OverflowEvict,
		BcryptCost:        bcrypt.MinCost,
	}, log)
	adminService := service.NewAdminService(store.Users(), store.Sessions(), nil, log)

	e := NewRouter(Deps{
		AuthService:    authService,
		AdminService:   adminService,
		Checks:         checks,
		Log:            log,
		Registry:       prometheus.NewRegistry(),
		TrustedProxies: proxies,
	})
	return &testServer{e: e, store: store}
}

func (s *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set("X-Device-Info", "test-device")
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (s *testServer) register(t *testing.T, username string) tokenBody {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/auth/register", map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": testPassword,
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}
	return decode[tokenBody](t, rec)
}

func (s *testServer) login(t *testing.T, identifier string) tokenBody {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/auth/login", map[string]string{
		"username": identifier,
		"password": testPassword,
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", rec.Code, rec.Body.String())
	}
	return decode[tokenBody](t, rec)
}

func TestRouter_SessionLifecycle(t *testing.T) {
	s := newTestServer(t, 1, nil)

	reg := s.register(t, "alice")
	if reg.TokenType != "Bearer" || reg.ExpiresIn != 900 {
		t.Errorf("token_type = %q, expires_in = %d", reg.TokenType, reg.ExpiresIn)
	}
	if reg.User.Username != "alice" || reg.User.Role != string(domain.RoleUser) {
		t.Errorf("unexpected user: %+v", reg.User)
	}
	if reg.AccessToken == "" || reg.RefreshToken == "" || reg.SessionID == "" {
		t.Fatalf("incomplete token response: %+v", reg)
	}

	rec := s.do(t, http.MethodGet, "/auth/me", nil, reg.AccessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("me status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("password")) {
		t.Errorf("me response exposes password data: %s", rec.Body.String())
	}

	rec = s.do(t, http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": reg.RefreshToken}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body = %s", rec.Code, rec.Body.String())
	}
	refreshed := decode[tokenBody](t, rec)
	if refreshed.SessionID != reg.SessionID {
		t.Errorf("refresh changed session: %q -> %q", reg.SessionID, refreshed.SessionID)
	}
	if refreshed.RefreshToken == reg.RefreshToken {
		t.Error("refresh token was not rotated")
	}

	if rec := s.do(t, http.MethodGet, "/auth/me", nil, reg.AccessToken); rec.Code != http.StatusUnauthorized {
		t.Errorf("rotated-away access token status = %d, want 401", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": reg.RefreshToken}, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("replayed refresh token status = %d, want 401", rec.Code)
	}

	for i := 0; i < 2; i++ {
		rec := s.do(t, http.MethodPost, "/auth/logout", map[string]string{"refresh_token": refreshed.RefreshToken}, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("logout #%d status = %d", i+1, rec.Code)
		}
	}
	if rec := s.do(t, http.MethodGet, "/auth/me", nil, refreshed.AccessToken); rec.Code != http.StatusUnauthorized {
		t.Errorf("access token after logout status = %d, want 401", rec.Code)
	}
}

func TestRouter_LoginEvictsPreviousSession(t *testing.T) {
	s := newTestServer(t, 1, nil)

	first := s.register(t, "bob")
	second := s.login(t, "bob@example.com")

	if rec := s.do(t, http.MethodGet, "/auth/me", nil, first.AccessToken); rec.Code != http.StatusUnauthorized {
		t.Errorf("evicted session status = %d, want 401", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/auth/me", nil, second.AccessToken); rec.Code != http.StatusOK {
		t.Errorf("new session status = %d, want 200", rec.Code)
	}
}

func TestRouter_LoginInvalidCredentials(t *testing.T) {
	s := newTestServer(t, 1, nil)
	s.register(t, "carol")

	for _, body := range []map[string]string{
		{"username": "carol", "password": "Wrong123!"},
		{"username": "nobody", "password": testPassword},
	} {
		rec := s.do(t, http.MethodPost, "/auth/login", body, "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
		if got := decode[errorBody](t, rec).Error; got != "invalid credentials" {
			t.Errorf("error = %q, want generic message", got)
		}
	}
}

func TestRouter_RegisterValidation(t *testing.T) {
	s := newTestServer(t, 1, nil)

	rec := s.do(t, http.MethodPost, "/auth/register", map[string]string{
		"username": "dave",
		"email":    "not-an-email",
		"password": "weak",
	}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decode[errorBody](t, rec)
	if body.Error != "validation failed" {
		t.Errorf("error = %q", body.Error)
	}
	got := map[string]bool{}
	for _, f := range body.Fields {
		got[f.Field] = true
	}
	if !got["email"] || !got["password"] {
		t.Errorf("fields = %+v, want email and password", body.Fields)
	}
}

func TestRouter_RegisterDuplicate(t *testing.T) {
	s := newTestServer(t, 1, nil)
	s.register(t, "erin")

	rec := s.do(t, http.MethodPost, "/auth/register", map[string]string{
		"username": "erin",
		"email":    "other@example.com",
		"password": testPassword,
	}, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestRouter_Sessions(t *testing.T) {
	s := newTestServer(t, 3, nil)
	first := s.register(t, "frank")
	second := s.login(t, "frank")

	rec := s.do(t, http.MethodGet, "/auth/sessions", nil, second.AccessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	sessions := decode[[]struct {
		ID         string `json:"id"`
		DeviceInfo string `json:"device_info"`
		IsCurrent  bool   `json:"is_current"`
	}](t, rec)
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	for _, sess := range sessions {
		if sess.IsCurrent != (sess.ID == second.SessionID) {
			t.Errorf("session %s is_current = %v", sess.ID, sess.IsCurrent)
		}
		if sess.DeviceInfo != "test-device" {
			t.Errorf("device_info = %q", sess.DeviceInfo)
		}
	}

	if rec := s.do(t, http.MethodDelete, "/auth/sessions/does-not-exist", nil, second.AccessToken); rec.Code != http.StatusBadRequest {
		t.Errorf("revoke unknown status = %d, want 400", rec.Code)
	}

	rec = s.do(t, http.MethodDelete, "/auth/sessions/"+first.SessionID, nil, second.AccessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec := s.do(t, http.MethodGet, "/auth/me", nil, first.AccessToken); rec.Code != http.StatusUnauthorized {
		t.Errorf("revoked session status = %d, want 401", rec.Code)
	}

	if rec := s.do(t, http.MethodPost, "/auth/logout-all", nil, second.AccessToken); rec.Code != http.StatusOK {
		t.Fatalf("logout-all status = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/auth/sessions", nil, second.AccessToken); rec.Code != http.StatusUnauthorized {
		t.Errorf("after logout-all status = %d, want 401", rec.Code)
	}
}

func TestRouter_RevokeForeignSession(t *testing.T) {
	s := newTestServer(t, 1, nil)
	grace := s.register(t, "grace")
	heidi := s.register(t, "heidi")

	rec := s.do(t, http.MethodDelete, "/auth/sessions/"+grace.SessionID, nil, heidi.AccessToken)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/auth/me", nil, grace.AccessToken); rec.Code != http.StatusOK {
		t.Errorf("foreign session was revoked: status = %d", rec.Code)
	}
}

func TestRouter_MissingBearer(t *testing.T) {
	s := newTestServer(t, 1, nil)

	if rec := s.do(t, http.MethodGet, "/auth/me", nil, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/auth/me", nil, "not-a-jwt"); rec.Code != http.StatusUnauthorized {
		t.Errorf("garbage token status = %d, want 401", rec.Code)
	}
}

func TestRouter_Admin(t *testing.T) {
	s := newTestServer(t, 2, nil)
	user := s.register(t, "ivan")

	if rec := s.do(t, http.MethodGet, "/admin/users/"+user.User.ID+"/sessions", nil, user.AccessToken); rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin status = %d, want 403", rec.Code)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	_, err = s.store.Users().Create(context.Background(), &domain.User{
		ID:           "admin-1",
		Username:     "root",
		Email:        "root@example.com",
		PasswordHash: string(hash),
		Role:         domain.RoleAdmin,
		Status:       domain.UserActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		t.Fatal(err)
	}
	admin := s.login(t, "root")

	rec := s.do(t, http.MethodGet, "/admin/users/"+user.User.ID+"/sessions", nil, admin.AccessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = s.do(t, http.MethodPatch, "/admin/users/"+user.User.ID+"/status", map[string]string{"status": "archived"}, admin.AccessToken)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid status code = %d, want 400", rec.Code)
	}

	rec = s.do(t, http.MethodPatch, "/admin/users/"+user.User.ID+"/status", map[string]string{"status": "suspended"}, admin.AccessToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("suspend status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec := s.do(t, http.MethodGet, "/auth/me", nil, user.AccessToken); rec.Code != http.StatusUnauthorized {
		t.Errorf("suspended user status = %d, want 401", rec.Code)
	}

	if rec := s.do(t, http.MethodDelete, "/admin/users/missing", nil, admin.AccessToken); rec.Code != http.StatusNotFound {
		t.Errorf("delete missing user status = %d, want 404", rec.Code)
	}
}

func TestRouter_Health(t *testing.T) {
	s := newTestServer(t, 1, map[string]handler.DependencyCheck{
		"store": func(context.Context) error { return nil },
	})
	if rec := s.do(t, http.MethodGet, "/health", nil, ""); rec.Code != http.StatusOK {
		t.Errorf("liveness status = %d", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/health/ready", nil, ""); rec.Code != http.StatusOK {
		t.Errorf("readiness status = %d", rec.Code)
	}

	down := newTestServer(t, 1, map[string]handler.DependencyCheck{
		"store": func(context.Context) error { return errors.New("connection refused") },
	})
	if rec := down.do(t, http.MethodGet, "/health/ready", nil, ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded readiness status = %d, want 503", rec.Code)
	}
}

func TestRouter_Metrics(t *testing.T) {
	s := newTestServer(t, 1, nil)
	s.do(t, http.MethodGet, "/health", nil, "")

	rec := s.do(t, http.MethodGet, "/metrics", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("http_requests_total")) {
		t.Errorf("request metrics missing from /metrics output")
	}
}

func TestRouter_UnknownRoute(t *testing.T) {
	s := newTestServer(t, 1, nil)
	rec := s.do(t, http.MethodGet, "/nope", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func (s *testServer) registerWithHeaders(t *testing.T, username string, headers map[string]string) tokenBody {
	t.Helper()
	body := `{"username":"` + username + `","email":"` + username + `@example.com","password":"` + testPassword + `"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}
	return decode[tokenBody](t, rec)
}

func (s *testServer) storedSession(t *testing.T, id string) *domain.Session {
	t.Helper()
	session, err := s.store.Sessions().FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("find session %s: %v", id, err)
	}
	return session
}

func TestRouter_IgnoresForwardedForWithoutTrustedProxy(t *testing.T) {
	s := newTestServer(t, 1, nil)

	reg := s.registerWithHeaders(t, "spoofer", map[string]string{
		echo.HeaderXForwardedFor: strings.Repeat("x", 100),
		echo.HeaderXRealIP:       "203.0.113.99",
	})

	// httptest requests come from 192.0.2.1:1234.
	if ip := s.storedSession(t, reg.SessionID).IPAddress; ip != "192.0.2.1" {
		t.Fatalf("expected peer address, got %q", ip)
	}
}

func TestRouter_HonoursForwardedForFromTrustedProxy(t *testing.T) {
	_, proxy, _ := net.ParseCIDR("192.0.2.0/24")
	s := newProxiedTestServer(t, 1, nil, []*net.IPNet{proxy})

	reg := s.registerWithHeaders(t, "proxied", map[string]string{
		echo.HeaderXForwardedFor: "203.0.113.7",
	})

	if ip := s.storedSession(t, reg.SessionID).IPAddress; ip != "203.0.113.7" {
		t.Fatalf("expected forwarded client address, got %q", ip)
	}
}

func TestRouter_ClampsOversizedClientMetadata(t *testing.T) {
	s := newTestServer(t, 1, nil)

	reg := s.registerWithHeaders(t, "verbose", map[string]string{
		"X-Device-Info": strings.Repeat("d", 4096),
		"User-Agent":    strings.Repeat("u", 4096),
	})

	session := s.storedSession(t, reg.SessionID)
	if len(session.DeviceInfo) != 255 {
		t.Errorf("expected device info clamped to 255, got %d", len(session.DeviceInfo))
	}
	if len(session.UserAgent) != 500 {
		t.Errorf("expected user agent clamped to 500, got %d", len(session.UserAgent))
	}
}
