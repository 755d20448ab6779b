package authz

import (
	"fmt"
	"sort"
	"strings"

	"campusgov.org/internal/auth"
	"campusgov.org/internal/tenant"
)

// Action describes one operation the domain services ask about.
type Action struct {
	Name   string `json:"name"`
	Module string `json:"module"`
	// Sensitive decisions are written to the ledger before the caller proceeds.
	Sensitive bool `json:"sensitive"`
	Financial bool `json:"financial"`
	Mutating  bool `json:"mutating"`
	// ReadsAudit actions stay available on suspended tenants.
	ReadsAudit bool `json:"reads_audit,omitempty"`
}

// FinanciallyMutating reports whether impersonation sessions are barred.
func (a Action) FinanciallyMutating() bool { return a.Financial && a.Mutating }

// Governance actions served by this core.
const (
	ActionAuditRead          = "audit.read"
	ActionAuditVerify        = "audit.verify"
	ActionAuditStream        = "audit.stream"
	ActionOverridesRead      = "overrides.read"
	ActionOverridesIssue     = "overrides.issue"
	ActionOverridesRevoke    = "overrides.revoke"
	ActionImpersonationStart = "impersonation.start"
	ActionImpersonationEnd   = "impersonation.end"
	ActionSessionsRevoke     = "sessions.revoke"
	ActionSessionsForce      = "sessions.force_logout"
	ActionTenantsManage      = "tenants.manage"
	ActionPlatformLockdown   = "platform.lockdown"
)

var catalog = map[string]Action{}

func register(actions ...Action) {
	for _, a := range actions {
		catalog[a.Name] = a
	}
}

func init() {
	core := tenant.ModuleCore
	register(
		Action{Name: ActionAuditRead, Module: core, ReadsAudit: true},
		Action{Name: ActionAuditVerify, Module: core, ReadsAudit: true, Sensitive: true},
		Action{Name: ActionAuditStream, Module: core, ReadsAudit: true, Sensitive: true},
		Action{Name: ActionOverridesRead, Module: core},
		Action{Name: ActionOverridesIssue, Module: core, Sensitive: true, Mutating: true},
		Action{Name: ActionOverridesRevoke, Module: core, Sensitive: true, Mutating: true},
		Action{Name: ActionImpersonationStart, Module: core, Sensitive: true, Mutating: true},
		Action{Name: ActionImpersonationEnd, Module: core, Sensitive: true, Mutating: true},
		Action{Name: ActionSessionsRevoke, Module: core, Mutating: true},
		Action{Name: ActionSessionsForce, Module: core, Sensitive: true, Mutating: true},
		Action{Name: ActionTenantsManage, Module: core, Sensitive: true, Mutating: true},
		Action{Name: ActionPlatformLockdown, Module: core, Sensitive: true, Mutating: true},
	)
	register(
		Action{Name: "students.read", Module: tenant.ModuleAcademics},
		Action{Name: "students.write", Module: tenant.ModuleAcademics, Mutating: true},
		Action{Name: "grades.write", Module: tenant.ModuleAcademics, Mutating: true, Sensitive: true},
		Action{Name: "transcripts.issue", Module: tenant.ModuleAcademics, Mutating: true, Sensitive: true},
		Action{Name: "admissions.read", Module: tenant.ModuleAdmissions},
		Action{Name: "admissions.decide", Module: tenant.ModuleAdmissions, Mutating: true, Sensitive: true},
		Action{Name: "fees.read", Module: tenant.ModuleFees, Financial: true},
		Action{Name: "fees.collect", Module: tenant.ModuleFees, Financial: true, Mutating: true, Sensitive: true},
		Action{Name: "fees.refund", Module: tenant.ModuleFees, Financial: true, Mutating: true, Sensitive: true},
		Action{Name: "fees.waive", Module: tenant.ModuleFees, Financial: true, Mutating: true, Sensitive: true},
		Action{Name: "payroll.approve", Module: tenant.ModuleFees, Financial: true, Mutating: true, Sensitive: true},
		Action{Name: "library.read", Module: tenant.ModuleLibrary},
		Action{Name: "library.issue", Module: tenant.ModuleLibrary, Mutating: true},
		Action{Name: "library.fine.collect", Module: tenant.ModuleLibrary, Financial: true, Mutating: true, Sensitive: true},
		Action{Name: "hostel.read", Module: tenant.ModuleHostel},
		Action{Name: "hostel.allocate", Module: tenant.ModuleHostel, Mutating: true},
		Action{Name: "hostel.fee.collect", Module: tenant.ModuleHostel, Financial: true, Mutating: true, Sensitive: true},
		Action{Name: "transport.read", Module: tenant.ModuleTransport},
		Action{Name: "transport.manage", Module: tenant.ModuleTransport, Mutating: true},
	)
}

// LookupAction returns the catalog entry for name. Unknown names are
// rejected rather than treated as unrestricted.
func LookupAction(name string) (Action, error) {
	a, ok := catalog[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Action{}, fmt.Errorf("%w: unknown action %q", auth.ErrInvalidInput, name)
	}
	return a, nil
}

// Actions lists the catalog ordered by name.
func Actions() []Action {
	out := make([]Action, 0, len(catalog))
	for _, a := range catalog {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
