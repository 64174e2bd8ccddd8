package service

import (
	"sort"
	"time"

	"github.com/99minutos/session-auth/internal/core/domain"
	"github.com/99minutos/session-auth/internal/core/ports"
)

// OverflowPolicy decides what happens when a user already holds the maximum
// number of usable sessions.
type OverflowPolicy string

const (
	// OverflowEvict revokes the least recently active sessions to make room.
	OverflowEvict OverflowPolicy = "evict"
	// OverflowReject refuses the new session until the user logs out.
	OverflowReject OverflowPolicy = "reject"
)

// SessionPolicy holds the admission and usability rules for sessions.
type SessionPolicy struct {
	maxActive int
	overflow  OverflowPolicy
}

func NewSessionPolicy(maxActive int, overflow OverflowPolicy) *SessionPolicy {
	if maxActive < 1 {
		maxActive = 1
	}
	if overflow != OverflowReject {
		overflow = OverflowEvict
	}
	return &SessionPolicy{maxActive: maxActive, overflow: overflow}
}

func (p *SessionPolicy) MaxActive() int {
	return p.maxActive
}

func (p *SessionPolicy) Overflow() OverflowPolicy {
	return p.overflow
}

// IsUsable reports whether s may still authenticate at now. The stored
// status alone is not trusted: an active row past its expiry is unusable
// even if no sweep has run yet.
func (p *SessionPolicy) IsUsable(s *domain.Session, now time.Time) bool {
	if s == nil {
		return false
	}
	return s.Status == domain.SessionActive && !s.Expired(now)
}

// Admit returns the admission decision to run inside the store's atomic
// create. With n usable sessions and a limit of max, n-max+1 of the least
// recently active ones are evicted (evict) or the login fails (reject).
func (p *SessionPolicy) Admit(now time.Time) ports.AdmitFunc {
	return func(active []*domain.Session) (domain.EvictionDecision, error) {
		usable := make([]*domain.Session, 0, len(active))
		for _, s := range active {
			if p.IsUsable(s, now) {
				usable = append(usable, s)
			}
		}
		if len(usable) < p.maxActive {
			return domain.EvictionDecision{}, nil
		}
		if p.overflow == OverflowReject {
			return domain.EvictionDecision{}, domain.ErrSessionLimit
		}

		sort.SliceStable(usable, func(i, j int) bool {
			return usable[i].LastActivityAt.After(usable[j].LastActivityAt)
		})

		keep := p.maxActive - 1
		evict := make([]string, 0, len(usable)-keep)
		for _, s := range usable[keep:] {
			evict = append(evict, s.ID)
		}
		return domain.EvictionDecision{Evict: evict}, nil
	}
}
