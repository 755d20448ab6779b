package session

import (
	"errors"
	"time"

	"campusgov.org/internal/auth"
)

// ErrInvalid is returned for sessions that are missing, revoked or timed out.
var ErrInvalid = errors.New("session invalid")

// Revocation reasons.
const (
	ReasonLogout             = "logout"
	ReasonForceLogout        = "force_logout"
	ReasonGrantRevoked       = "grant_revoked"
	ReasonGrantExpired       = "grant_expired"
	ReasonImpersonationEnded = "impersonation_ended"
	ReasonUserDisabled       = "user_disabled"
)

// Session is the server-side record of "currently acting as". GrantID is
// set when ActiveRole (or the whole session, for impersonation) depends on
// a temporary grant.
type Session struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	TenantID       string     `json:"tenant_id,omitempty"`
	ActiveRole     auth.Role  `json:"active_role"`
	GrantID        string     `json:"grant_id,omitempty"`
	ImpersonatorID string     `json:"impersonator_id,omitempty"`
	Device         string     `json:"device,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	RevokeReason   string     `json:"revoke_reason,omitempty"`
}

// Revoked reports whether the session has been revoked.
func (s Session) Revoked() bool { return s.RevokedAt != nil }

// Impersonated reports whether an operator acts through this session.
func (s Session) Impersonated() bool { return s.ImpersonatorID != "" }

// ValidAt applies revocation, the idle timeout and the absolute deadline,
// whichever comes first.
func (s Session) ValidAt(now time.Time, idle time.Duration) bool {
	if s.Revoked() {
		return false
	}
	if !now.Before(s.ExpiresAt) {
		return false
	}
	if idle > 0 && now.Sub(s.LastSeenAt) > idle {
		return false
	}
	return true
}

// Query selects sessions for listing and bulk revocation.
type Query struct {
	UserID     string
	GrantID    string
	ActiveOnly bool
}
