package tenant

import (
	"context"
	"fmt"
	"strings"

	"campusgov.org/internal/audit"
	"campusgov.org/internal/auth"
)

// Caller identifies who is reaching for a tenant-scoped resource.
type Caller struct {
	UserID           string
	TenantID         string
	PlatformOperator bool
}

// CallerFromPrincipal adapts an authenticated principal.
func CallerFromPrincipal(p auth.Principal) Caller {
	return Caller{UserID: p.UserID, TenantID: p.TenantID, PlatformOperator: p.PlatformOperator && !p.Impersonated()}
}

// Guard is the tenant isolation check every data-access entry point runs.
type Guard struct {
	ledger Auditor
}

// NewGuard returns a guard that audits operator crossings on ledger.
func NewGuard(ledger Auditor) *Guard {
	return &Guard{ledger: ledger}
}

// EnsureScope fails closed unless the caller belongs to resourceTenantID.
// Platform operators may cross tenants; each crossing is audited and an
// audit failure denies the access.
func (g *Guard) EnsureScope(ctx context.Context, c Caller, resourceTenantID string) error {
	callerTenant := strings.TrimSpace(c.TenantID)
	resourceTenantID = strings.TrimSpace(resourceTenantID)
	if callerTenant != "" && callerTenant == resourceTenantID {
		return nil
	}
	if !c.PlatformOperator || strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("%w: resource is outside the caller's scope", auth.ErrForbidden)
	}
	_, err := g.ledger.Append(ctx, audit.Record{
		TenantID:    resourceTenantID,
		ActorUserID: c.UserID,
		Action:      audit.ActionTenantScopeCross,
		Target:      "tenant:" + audit.NormalizeTenant(resourceTenantID),
		Severity:    audit.SeverityNotice,
		Delta:       map[string]any{"caller_tenant": audit.NormalizeTenant(callerTenant)},
	})
	return err
}
