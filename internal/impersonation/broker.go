// Package impersonation lets platform operators act as another user
// through a short-lived, restricted session.
package impersonation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"campusgov.org/internal/auth"
	"campusgov.org/internal/grant"
	"campusgov.org/internal/ids"
	"campusgov.org/internal/obs"
	"campusgov.org/internal/session"
)

// StartRequest asks to impersonate TargetID. Role defaults to the target's
// first permanent role in canonical order.
type StartRequest struct {
	OperatorID    string
	TargetID      string
	Role          auth.Role
	Duration      time.Duration
	Justification string
	Device        string
}

// Started is the grant plus the session it produced.
type Started struct {
	Grant   grant.Grant     `json:"grant"`
	Session session.Session `json:"session"`
}

// Broker issues impersonation sessions on top of the grant manager.
type Broker struct {
	grants   *grant.Manager
	sessions *session.Registry
	users    auth.UserStore
}

// NewBroker wires a broker.
func NewBroker(grants *grant.Manager, sessions *session.Registry, users auth.UserStore) *Broker {
	return &Broker{grants: grants, sessions: sessions, users: users}
}

// Ceiling returns the maximum impersonation duration.
func (b *Broker) Ceiling() time.Duration { return b.grants.Config().ImpersonationCeiling }

// Start validates the request, issues the grant and opens the derived
// session. Durations above the ceiling are cut down to it. The session dies at the grant deadline even if it stays busy.
func (b *Broker) Start(ctx context.Context, req StartRequest) (Started, error) {
	req.OperatorID = strings.TrimSpace(req.OperatorID)
	req.TargetID = strings.TrimSpace(req.TargetID)
	req.Justification = strings.TrimSpace(req.Justification)
	if req.OperatorID == "" || req.TargetID == "" {
		return Started{}, fmt.Errorf("%w: operator and target are required", auth.ErrInvalidInput)
	}
	if req.Justification == "" {
		return Started{}, fmt.Errorf("%w: justification is required", auth.ErrInvalidInput)
	}
	if req.Duration <= 0 {
		return Started{}, fmt.Errorf("%w: duration must be positive", auth.ErrInvalidInput)
	}
	// Longer requests are capped, not refused.
	if ceiling := b.Ceiling(); req.Duration > ceiling {
		req.Duration = ceiling
	}
	if req.OperatorID == req.TargetID {
		return Started{}, fmt.Errorf("%w: cannot impersonate yourself", auth.ErrInvalidInput)
	}

	operator, err := b.users.GetUser(ctx, req.OperatorID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return Started{}, fmt.Errorf("%w: only platform operators may impersonate", auth.ErrForbidden)
		}
		return Started{}, err
	}
	if !operator.Active() || !operator.IsPlatformOperator() {
		return Started{}, fmt.Errorf("%w: only platform operators may impersonate", auth.ErrForbidden)
	}
	target, err := b.users.GetUser(ctx, req.TargetID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return Started{}, fmt.Errorf("%w: target is not an active tenant user", auth.ErrInvalidInput)
		}
		return Started{}, err
	}
	if !target.Active() || target.TenantID == "" {
		return Started{}, fmt.Errorf("%w: target is not an active tenant user", auth.ErrInvalidInput)
	}
	role := req.Role
	if role == "" {
		role = target.Roles.Sorted()[0]
	}
	if !target.Roles.Has(role) {
		return Started{}, fmt.Errorf("%w: target does not hold %s", auth.ErrInvalidInput, role)
	}

	now := b.grants.Now()
	g, err := b.grants.Issue(ctx, grant.Grant{
		ID:            ids.Prefixed(ids.PrefixGrant, now),
		Kind:          grant.KindImpersonation,
		TenantID:      target.TenantID,
		SubjectID:     target.ID,
		IssuerID:      operator.ID,
		Role:          role,
		Justification: req.Justification,
		CreatedAt:     now,
		ExpiresAt:     now.Add(req.Duration),
	})
	if err != nil {
		return Started{}, err
	}
	s, err := b.sessions.Create(ctx, session.CreateParams{
		UserID:         target.ID,
		TenantID:       target.TenantID,
		ActiveRole:     role,
		GrantID:        g.ID,
		ImpersonatorID: operator.ID,
		Device:         req.Device,
		ExpiresAt:      g.ExpiresAt,
	})
	if err != nil {
		// No grant may outlive a failed session link.
		if _, rerr := b.grants.Revoke(ctx, g.ID, operator.ID); rerr != nil {
			obs.LogEvent(obs.LevelError, "impersonation rollback failed", map[string]any{"grant_id": g.ID, "error": rerr})
		}
		return Started{}, err
	}
	return Started{Grant: g, Session: s}, nil
}

// End terminates an impersonation and revokes its session immediately.
func (b *Broker) End(ctx context.Context, grantID, actorID string) (grant.Grant, error) {
	g, err := b.grants.Get(ctx, grantID)
	if err != nil {
		return grant.Grant{}, err
	}
	if g.Kind != grant.KindImpersonation {
		return grant.Grant{}, fmt.Errorf("%w: impersonation", auth.ErrNotFound)
	}
	return b.grants.Revoke(ctx, g.ID, actorID)
}

// Active lists live impersonations started by operatorID, or all of them
// when operatorID is empty.
func (b *Broker) Active(ctx context.Context, operatorID string) ([]grant.Grant, error) {
	return b.grants.List(ctx, grant.Filter{Kind: grant.KindImpersonation, Status: grant.StatusActive, IssuerID: strings.TrimSpace(operatorID)})
}
