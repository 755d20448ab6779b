package grant

import (
	"fmt"
	"strings"
	"time"

	"campusgov.org/internal/auth"
)

// Kind separates plain role overrides from impersonation grants.
type Kind string

const (
	KindOverride      Kind = "override"
	KindImpersonation Kind = "impersonation"
)

// Status is the grant state. Expired and revoked are terminal.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusRevoked Status = "revoked"
)

// ParseStatus validates a status filter value.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusActive, StatusExpired, StatusRevoked:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown grant status %q", auth.ErrInvalidInput, raw)
	}
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool { return s == StatusExpired || s == StatusRevoked }

// Grant is a time-bounded elevation. For overrides SubjectID temporarily
// holds Role; for impersonation IssuerID acts as SubjectID with Role.
type Grant struct {
	ID            string     `json:"id"`
	Kind          Kind       `json:"kind"`
	TenantID      string     `json:"tenant_id"`
	SubjectID     string     `json:"subject_id"`
	IssuerID      string     `json:"issuer_id"`
	Role          auth.Role  `json:"role"`
	Justification string     `json:"justification"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	Status        Status     `json:"status"`
	RevokedBy     string     `json:"revoked_by,omitempty"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	ExpiredAt     *time.Time `json:"expired_at,omitempty"`
}

// ActiveAt reports whether the grant confers its role at now. A grant
// whose deadline passed is never active, whatever its stored status.
func (g Grant) ActiveAt(now time.Time) bool {
	return g.Status == StatusActive && now.Before(g.ExpiresAt)
}

// Due reports whether a stored-active grant has reached its deadline.
func (g Grant) Due(now time.Time) bool {
	return g.Status == StatusActive && !now.Before(g.ExpiresAt)
}

// LockKey is the serialisation key: (subject, role) for overrides and
// (operator, target) for impersonation.
func (g Grant) LockKey() string {
	if g.Kind == KindImpersonation {
		return ImpersonationKey(g.IssuerID, g.SubjectID)
	}
	return OverrideKey(g.SubjectID, g.Role)
}

// OverrideKey returns the lock key for an override pair.
func OverrideKey(subjectID string, role auth.Role) string {
	return "override:" + subjectID + ":" + string(role)
}

// ImpersonationKey returns the lock key for an operator/target pair.
func ImpersonationKey(operatorID, targetID string) string {
	return "impersonation:" + operatorID + ":" + targetID
}

func (g Grant) validate() error {
	switch g.Kind {
	case KindOverride, KindImpersonation:
	default:
		return fmt.Errorf("%w: unknown grant kind %q", auth.ErrInvalidInput, g.Kind)
	}
	if strings.TrimSpace(g.SubjectID) == "" || strings.TrimSpace(g.IssuerID) == "" {
		return fmt.Errorf("%w: subject and issuer are required", auth.ErrInvalidInput)
	}
	if !g.Role.Valid() {
		return fmt.Errorf("%w: role is required", auth.ErrInvalidInput)
	}
	if strings.TrimSpace(g.Justification) == "" {
		return fmt.Errorf("%w: justification is required", auth.ErrInvalidInput)
	}
	if !g.ExpiresAt.After(g.CreatedAt) {
		return fmt.Errorf("%w: expiry must follow creation", auth.ErrInvalidInput)
	}
	return nil
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Kind      Kind
	Status    Status
	TenantID  string
	SubjectID string
	IssuerID  string
	Role      auth.Role
	// DueBy keeps only stored-active grants whose deadline is at or before it.
	DueBy time.Time
}

// Match reports whether g satisfies the filter.
func (f Filter) Match(g Grant) bool {
	switch {
	case f.Kind != "" && g.Kind != f.Kind:
		return false
	case f.Status != "" && g.Status != f.Status:
		return false
	case f.TenantID != "" && g.TenantID != f.TenantID:
		return false
	case f.SubjectID != "" && g.SubjectID != f.SubjectID:
		return false
	case f.IssuerID != "" && g.IssuerID != f.IssuerID:
		return false
	case f.Role != "" && g.Role != f.Role:
		return false
	case !f.DueBy.IsZero() && !g.Due(f.DueBy):
		return false
	}
	return true
}
