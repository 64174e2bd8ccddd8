package service

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/99minutos/session-auth/internal/core/domain"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour

	refreshTokenBytes = 32
)

var ttlPattern = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseTokenTTL parses durations of the form "30s", "15m", "12h" or "7d".
// Anything else, including zero, yields fallback.
func ParseTokenTTL(s string, fallback time.Duration) time.Duration {
	m := ttlPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return fallback
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}

	var unit time.Duration
	switch m[2] {
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	if n > int64(1<<62)/int64(unit) {
		return fallback
	}
	return time.Duration(n) * unit
}

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	Username  string          `json:"username"`
	Email     string          `json:"email"`
	Role      domain.UserRole `json:"role"`
	SessionID string          `json:"sid"`
	jwt.RegisteredClaims
}

// TokenPair is a freshly minted access/refresh pair plus the digests that
// get persisted in place of the raw tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	AccessHash   string
	RefreshHash  string
	ExpiresIn    int64
}

// TokenIssuer signs access tokens and generates opaque refresh tokens.
// It never touches storage.
type TokenIssuer struct {
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time
}

func NewTokenIssuer(secret string, accessTTL time.Duration, now func() time.Time) *TokenIssuer {
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{secret: []byte(secret), accessTTL: accessTTL, now: now}
}

// Issue mints a new access token bound to sessionID and a new refresh token.
func (t *TokenIssuer) Issue(user *domain.User, sessionID string) (TokenPair, error) {
	access, err := t.signAccess(user, sessionID)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := NewRefreshToken()
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		AccessHash:   HashToken(access),
		RefreshHash:  HashToken(refresh),
		ExpiresIn:    int64(t.accessTTL / time.Second),
	}, nil
}

func (t *TokenIssuer) signAccess(user *domain.User, sessionID string) (string, error) {
	now := t.now()
	claims := AccessClaims{
		Username:  user.Username,
		Email:     user.Email,
		Role:      user.Role,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.accessTTL)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// Parse verifies signature and expiry of an access token. A valid result
// says nothing about whether the session behind it is still usable.
func (t *TokenIssuer) Parse(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tk *jwt.Token) (interface{}, error) {
		if _, ok := tk.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, err
	}
	if !parsed.Valid || claims.Subject == "" || claims.SessionID == "" {
		return nil, errors.New("incomplete access token claims")
	}
	return claims, nil
}

// NewRefreshToken returns 32 random bytes encoded as unpadded base64url.
func NewRefreshToken() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken is the lookup digest stored for a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
