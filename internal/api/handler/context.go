package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/99minutos/session-auth/internal/core/ports"
)

// Context keys written by the Auth middleware.
const (
	CtxPrincipal = "principal"
	CtxUserID    = "user_id"
	CtxUsername  = "username"
	CtxRole      = "role"
	CtxSessionID = "session_id"
)

const (
	headerDeviceInfo = "X-Device-Info"
	defaultDevice    = "Unknown Device"
	defaultUserAgent = "Unknown Agent"

	// Widths of the session columns.
	maxDeviceInfo = 255
	maxIPAddress  = 45
	maxUserAgent  = 500
)

// ctxPrincipal extracts the caller injected by the Auth middleware. Its
// absence means the route was mounted without the middleware.
func ctxPrincipal(c echo.Context) (*ports.Principal, error) {
	p, _ := c.Get(CtxPrincipal).(*ports.Principal)
	if p == nil || p.UserID == "" {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "missing authentication claims")
	}
	return p, nil
}

// clientMeta returns the diagnostic details recorded on a new session,
// cut down to what the session store can hold.
func clientMeta(c echo.Context) (device, ip, userAgent string) {
	req := c.Request()
	device = truncate(strings.TrimSpace(req.Header.Get(headerDeviceInfo)), maxDeviceInfo)
	if device == "" {
		device = defaultDevice
	}
	userAgent = truncate(strings.TrimSpace(req.UserAgent()), maxUserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return device, truncate(c.RealIP(), maxIPAddress), userAgent
}

// truncate keeps at most n runes of s.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
