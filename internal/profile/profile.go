// Package profile owns credential profiles: their identity, token
// material, usage timestamps, and rate-limit history.
package profile

import (
	"strings"
	"time"

	"github.com/kennel-dev/kennel/internal/scan"
)

// DefaultProfileID is the synthetic always-present profile. It carries
// no secret material: the agent CLI uses whatever login state it finds
// in its own config directory.
const DefaultProfileID = "default"

// rateLimitHistoryCap bounds per-profile history; oldest entries drop.
const rateLimitHistoryCap = 20

// RateLimitEvent records one quota exhaustion reported by the agent.
type RateLimitEvent struct {
	Type        scan.LimitType `toml:"type"`
	HitAt       time.Time      `toml:"hit_at"`
	ResetAt     time.Time      `toml:"reset_at"`
	ResetString string         `toml:"reset_string"`
}

// Expired reports whether the event's reset time has passed.
func (e RateLimitEvent) Expired(now time.Time) bool {
	return !e.ResetAt.After(now)
}

// Profile is a named credential. Token material is never stored here;
// see Store.SetToken.
type Profile struct {
	ID        string `toml:"id"`
	Name      string `toml:"name"`
	IsDefault bool   `toml:"default,omitempty"`

	// ConfigDir points the agent CLI at an alternate config directory
	// holding its own login state. Used when no token is stored.
	ConfigDir string `toml:"config_dir,omitempty"`

	// Email is the account address observed during token setup.
	Email string `toml:"email,omitempty"`

	CreatedAt  time.Time `toml:"created_at"`
	LastUsedAt time.Time `toml:"last_used_at,omitempty"`

	RateLimits []RateLimitEvent `toml:"rate_limits,omitempty"`
}

// Limited reports whether the profile's current quota state blocks it.
// The latest event of each type is the basis: a newer notice supersedes
// older ones of the same scope, so a stale event with a far-out
// fallback reset cannot keep a profile blocked after the agent reported
// a nearer reset that has since passed. The default profile is never
// considered limited for selection purposes, but its history is still
// recorded.
func (p Profile) Limited(now time.Time) bool {
	for _, typ := range []scan.LimitType{scan.LimitSession, scan.LimitWeekly} {
		if ev, ok := p.LatestEvent(typ); ok && !ev.Expired(now) {
			return true
		}
	}

	return false
}

// LatestEvent returns the most recent event of the given type.
func (p Profile) LatestEvent(typ scan.LimitType) (RateLimitEvent, bool) {
	for i := len(p.RateLimits) - 1; i >= 0; i-- {
		if p.RateLimits[i].Type == typ {
			return p.RateLimits[i], true
		}
	}

	return RateLimitEvent{}, false
}

// SlugID derives a profile id from a display name.
func SlugID(name string) string {
	var b strings.Builder

	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}

	return strings.TrimSuffix(b.String(), "-")
}
