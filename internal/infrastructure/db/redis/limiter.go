package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultMaxAttempts = 5
	defaultLockout     = 15 * time.Minute
)

// acquireScript counts one attempt against every key and reports whether all
// counters are still within budget. The window starts at the first attempt.
var acquireScript = redis.NewScript(`
local max = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local allowed = 1
for _, key in ipairs(KEYS) do
	local n = redis.call('INCR', key)
	if n == 1 then
		redis.call('PEXPIRE', key, ttl)
	end
	if n > max then
		allowed = 0
	end
end
return allowed
`)

// resetScript drops the identifier counter and hands back the IP slot the
// successful attempt consumed.
var resetScript = redis.NewScript(`
redis.call('DEL', KEYS[1])
if KEYS[2] then
	local n = tonumber(redis.call('GET', KEYS[2]) or '0')
	if n > 0 then
		redis.call('DECR', KEYS[2])
	end
end
return 1
`)

// LimiterConfig bounds login attempts per identifier and per client IP.
type LimiterConfig struct {
	MaxAttempts int
	Lockout     time.Duration
}

// LoginLimiter counts login attempts in Redis. Each counter expires Lockout
// after the first attempt, so the window is fixed rather than sliding.
// Key format: login:fail:id:<identifier> and login:fail:ip:<ip>
type LoginLimiter struct {
	client redis.UniversalClient
	cfg    LimiterConfig
}

func NewLoginLimiter(client redis.UniversalClient, cfg LimiterConfig) *LoginLimiter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Lockout <= 0 {
		cfg.Lockout = defaultLockout
	}
	return &LoginLimiter{client: client, cfg: cfg}
}

// Acquire counts an attempt for the identifier and the IP in one round trip
// and reports whether it fits in the budget. Concurrent callers can never
// get more than MaxAttempts grants per window.
func (l *LoginLimiter) Acquire(ctx context.Context, identifier, ip string) (bool, error) {
	n, err := acquireScript.Run(ctx, l.client, l.keys(identifier, ip),
		l.cfg.MaxAttempts, l.cfg.Lockout.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("login limiter acquire: %w", err)
	}
	return n == 1, nil
}

// Reset clears the identifier counter after a successful login. Only the
// slot taken by that login is returned to the IP counter, so one good
// account cannot unlock a sprayed IP.
func (l *LoginLimiter) Reset(ctx context.Context, identifier, ip string) error {
	if err := resetScript.Run(ctx, l.client, l.keys(identifier, ip)).Err(); err != nil {
		return fmt.Errorf("login limiter reset: %w", err)
	}
	return nil
}

func (l *LoginLimiter) keys(identifier, ip string) []string {
	keys := []string{identifierKey(identifier)}
	if ip != "" {
		keys = append(keys, "login:fail:ip:"+ip)
	}
	return keys
}

func identifierKey(identifier string) string {
	return "login:fail:id:" + strings.ToLower(strings.TrimSpace(identifier))
}
