package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GlobalTenant tags entries that are not scoped to a tenant.
const GlobalTenant = "global"

// Severity follows RFC 5424 numbering: lower is more severe.
type Severity int

const (
	SeverityCritical Severity = 2
	SeverityWarning  Severity = 4
	SeverityNotice   Severity = 5
	SeverityInfo     Severity = 6
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityWarning:
		return "warning"
	case SeverityNotice:
		return "notice"
	case SeverityInfo:
		return "info"
	default:
		return "unknown"
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "critical":
		*s = SeverityCritical
	case "warning":
		*s = SeverityWarning
	case "notice":
		*s = SeverityNotice
	case "info":
		*s = SeverityInfo
	default:
		return fmt.Errorf("unknown severity %q", text)
	}
	return nil
}

// Action tags recorded by the governance core.
const (
	ActionAuthzAllow = "authz.allow"
	ActionAuthzDeny  = "authz.deny"

	ActionOverrideIssued  = "override.issued"
	ActionOverrideRevoked = "override.revoked"
	ActionOverrideExpired = "override.expired"

	ActionImpersonationStarted = "impersonation.started"
	ActionImpersonationEnded   = "impersonation.ended"
	ActionImpersonationExpired = "impersonation.expired"

	ActionSessionCreated     = "session.created"
	ActionSessionRevoked     = "session.revoked"
	ActionSessionForceLogout = "session.force_logout"

	ActionTenantStatus     = "tenant.status.changed"
	ActionPlatformLockdown = "platform.lockdown.changed"
	ActionTenantScopeCross = "tenant.scope.cross"
)

// Entry is one immutable ledger row. Sequence is dense and monotonic per
// tenant; Hash covers every other field plus PrevHash.
type Entry struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Sequence    uint64          `json:"sequence"`
	ActorUserID string          `json:"actor_user_id"`
	Action      string          `json:"action"`
	Target      string          `json:"target"`
	Severity    Severity        `json:"severity"`
	Timestamp   time.Time       `json:"timestamp"`
	RequestID   string          `json:"request_id,omitempty"`
	Delta       json.RawMessage `json:"delta,omitempty"`
	PrevHash    string          `json:"prev_hash"`
	Hash        string          `json:"hash"`
}

// Record is what callers hand to Ledger.Append.
type Record struct {
	TenantID    string
	ActorUserID string
	Action      string
	Target      string
	Severity    Severity
	Delta       map[string]any
}

// Head is the tail of a tenant chain; the zero value is the genesis head.
type Head struct {
	Sequence uint64
	Hash     string
}

// Filter narrows a query. Zero values match everything.
type Filter struct {
	ActorUserID string
	Action      string
	Since       time.Time
	Until       time.Time
}

// Match reports whether e satisfies the filter.
func (f Filter) Match(e Entry) bool {
	if f.ActorUserID != "" && e.ActorUserID != f.ActorUserID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	return true
}

// NormalizeTenant maps the empty tenant to GlobalTenant.
func NormalizeTenant(tenantID string) string {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return GlobalTenant
	}
	return tenantID
}
