package authz

import "campusgov.org/internal/auth"

// Reason explains a denial.
type Reason string

const (
	ReasonTenantSuspended         Reason = "TenantSuspended"
	ReasonSessionInvalid          Reason = "SessionInvalid"
	ReasonTenantScope             Reason = "TenantScope"
	ReasonModuleDisabled          Reason = "ModuleDisabled"
	ReasonImpersonationRestricted Reason = "ImpersonationRestricted"
	ReasonInsufficientPrivilege   Reason = "InsufficientPrivilege"
)

// Messages are deliberately coarse: they never tell a role that does not
// exist apart from a grant that lives in another tenant.
var reasonMessages = map[Reason]string{
	ReasonTenantSuspended:         "tenant is not accepting requests",
	ReasonSessionInvalid:          "session is missing, expired or revoked",
	ReasonTenantScope:             "resource is outside the session's tenant",
	ReasonModuleDisabled:          "module is not enabled for this tenant",
	ReasonImpersonationRestricted: "action is not permitted during impersonation",
	ReasonInsufficientPrivilege:   "session does not hold the required role",
}

// Message returns the caller-facing text for r.
func (r Reason) Message() string { return reasonMessages[r] }

// Role provenance recorded on allows.
const (
	SourcePermanent     = "permanent"
	SourceOverride      = "override"
	SourceImpersonation = "impersonation"
)

// Decision is the resolver's answer. Denials are values, not errors.
type Decision struct {
	Allowed        bool      `json:"allowed"`
	Reason         Reason    `json:"reason,omitempty"`
	Message        string    `json:"message,omitempty"`
	Action         string    `json:"action"`
	RequiredRole   auth.Role `json:"required_role"`
	Source         string    `json:"source,omitempty"`
	GrantID        string    `json:"grant_id,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	ImpersonatorID string    `json:"impersonator_id,omitempty"`
	TenantID       string    `json:"tenant_id,omitempty"`
	AuditEntryID   string    `json:"audit_entry_id,omitempty"`
}

func allow(source, grantID string) Decision {
	return Decision{Allowed: true, Source: source, GrantID: grantID}
}

func deny(r Reason) Decision {
	return Decision{Reason: r, Message: r.Message()}
}
