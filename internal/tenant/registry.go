// Package tenant resolves tenants, holds the platform kill switch and
// enforces tenant isolation for collaborating services.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"campusgov.org/internal/audit"
	"campusgov.org/internal/auth"
	"campusgov.org/internal/obs"
)

// Auditor is the slice of the audit ledger the registry needs.
type Auditor interface {
	Append(ctx context.Context, rec audit.Record) (audit.Entry, error)
}

// Registry answers tenant status questions. Concurrent lookups of the same
// tenant share one store read; nothing is cached between calls so a
// suspension is visible to the next request.
type Registry struct {
	store  Store
	ledger Auditor
	now    func() time.Time
	group  singleflight.Group
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRegistry builds a registry over store.
func NewRegistry(store Store, ledger Auditor, opts ...Option) *Registry {
	r := &Registry{store: store, ledger: ledger, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Put provisions or replaces a tenant.
func (r *Registry) Put(ctx context.Context, t Tenant) error {
	return r.store.PutTenant(ctx, t)
}

// Get returns the tenant with id.
func (r *Registry) Get(ctx context.Context, id string) (Tenant, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Tenant{}, fmt.Errorf("%w: tenant id is required", auth.ErrInvalidInput)
	}
	v, err, _ := r.group.Do("tenant:"+id, func() (any, error) {
		return r.store.GetTenant(ctx, id)
	})
	if err != nil {
		return Tenant{}, err
	}
	return cloneTenant(v.(Tenant)), nil
}

// Platform returns the platform switches.
func (r *Registry) Platform(ctx context.Context) (Platform, error) {
	v, err, _ := r.group.Do("platform", func() (any, error) {
		return r.store.GetPlatform(ctx)
	})
	if err != nil {
		return Platform{}, err
	}
	return v.(Platform), nil
}

// Admit returns the tenant if it may serve requests. It fails with
// ErrLockdown while the kill switch is on and ErrSuspended for suspended
// or unknown tenants.
func (r *Registry) Admit(ctx context.Context, id string) (Tenant, error) {
	p, err := r.Platform(ctx)
	if err != nil {
		return Tenant{}, err
	}
	if p.Lockdown {
		return Tenant{}, ErrLockdown
	}
	t, err := r.Get(ctx, id)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) || errors.Is(err, auth.ErrInvalidInput) {
			return Tenant{}, ErrSuspended
		}
		return Tenant{}, err
	}
	if !t.Active() {
		return Tenant{}, ErrSuspended
	}
	return t, nil
}

// SetStatus suspends or reactivates a tenant. The change is audited before
// it is persisted.
func (r *Registry) SetStatus(ctx context.Context, actorID, id string, status Status) (Tenant, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return Tenant{}, err
	}
	current, err := r.Get(ctx, id)
	if err != nil {
		return Tenant{}, err
	}
	if current.Status == status {
		return current, nil
	}
	severity := audit.SeverityNotice
	if status == StatusSuspended {
		severity = audit.SeverityWarning
	}
	if _, err := r.ledger.Append(ctx, audit.Record{
		TenantID:    current.ID,
		ActorUserID: actorID,
		Action:      audit.ActionTenantStatus,
		Target:      "tenant:" + current.ID,
		Severity:    severity,
		Delta:       map[string]any{"from": current.Status, "to": status},
	}); err != nil {
		return Tenant{}, err
	}
	updated, err := r.store.SetTenantStatus(ctx, current.ID, status, r.now().UTC())
	if err != nil {
		return Tenant{}, err
	}
	obs.LogEvent(obs.LevelWarn, "tenant status changed", map[string]any{
		"tenant_id": updated.ID,
		"status":    updated.Status,
		"actor":     actorID,
	})
	return updated, nil
}

// SetLockdown flips the platform kill switch.
func (r *Registry) SetLockdown(ctx context.Context, actorID string, on bool) (Platform, error) {
	current, err := r.Platform(ctx)
	if err != nil {
		return Platform{}, err
	}
	if current.Lockdown == on {
		return current, nil
	}
	if _, err := r.ledger.Append(ctx, audit.Record{
		ActorUserID: actorID,
		Action:      audit.ActionPlatformLockdown,
		Target:      "platform",
		Severity:    audit.SeverityCritical,
		Delta:       map[string]any{"lockdown": on},
	}); err != nil {
		return Platform{}, err
	}
	next := Platform{Lockdown: on, UpdatedAt: r.now().UTC(), UpdatedBy: actorID}
	if err := r.store.SetPlatform(ctx, next); err != nil {
		return Platform{}, err
	}
	obs.LogEvent(obs.LevelAlert, "platform lockdown changed", map[string]any{"lockdown": on, "actor": actorID})
	return next, nil
}
