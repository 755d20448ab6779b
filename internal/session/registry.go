// Package session tracks live sessions and their forced invalidation.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"campusgov.org/internal/audit"
	"campusgov.org/internal/auth"
	"campusgov.org/internal/ids"
	"campusgov.org/internal/obs"
)

const (
	DefaultIdleTimeout     = 30 * time.Minute
	DefaultAbsoluteTimeout = 12 * time.Hour
)

// Auditor is the slice of the audit ledger the registry needs.
type Auditor interface {
	Append(ctx context.Context, rec audit.Record) (audit.Entry, error)
}

// Config holds the two independent expiries.
type Config struct {
	IdleTimeout     time.Duration
	AbsoluteTimeout time.Duration
}

// CreateParams describes a new session. The caller has already checked
// that ActiveRole is legitimate for UserID; GrantID names the grant it
// depends on when it is not a permanent role. ExpiresAt, when set, can
// only shorten the configured absolute timeout.
type CreateParams struct {
	UserID         string
	TenantID       string
	ActiveRole     auth.Role
	GrantID        string
	ImpersonatorID string
	Device         string
	ExpiresAt      time.Time
}

// Registry is the session registry.
type Registry struct {
	store  Store
	ledger Auditor
	cfg    Config
	now    func() time.Time
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

// NewRegistry builds a registry. Zero timeouts fall back to defaults.
func NewRegistry(store Store, ledger Auditor, cfg Config, opts ...Option) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.AbsoluteTimeout <= 0 {
		cfg.AbsoluteTimeout = DefaultAbsoluteTimeout
	}
	r := &Registry{store: store, ledger: ledger, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the effective timeouts.
func (r *Registry) Config() Config { return r.cfg }

// Create opens a session and records it in the ledger.
func (r *Registry) Create(ctx context.Context, p CreateParams) (Session, error) {
	p.UserID = strings.TrimSpace(p.UserID)
	p.TenantID = strings.TrimSpace(p.TenantID)
	if p.UserID == "" {
		return Session{}, fmt.Errorf("%w: user id is required", auth.ErrInvalidInput)
	}
	if !p.ActiveRole.Valid() {
		return Session{}, fmt.Errorf("%w: active role is required", auth.ErrInvalidInput)
	}
	now := r.now().UTC()
	expires := now.Add(r.cfg.AbsoluteTimeout)
	if !p.ExpiresAt.IsZero() && p.ExpiresAt.Before(expires) {
		expires = p.ExpiresAt.UTC()
	}
	if !expires.After(now) {
		return Session{}, fmt.Errorf("%w: session would already be expired", auth.ErrInvalidInput)
	}
	s := Session{
		ID:             ids.Prefixed(ids.PrefixSession, now),
		UserID:         p.UserID,
		TenantID:       p.TenantID,
		ActiveRole:     p.ActiveRole,
		GrantID:        strings.TrimSpace(p.GrantID),
		ImpersonatorID: strings.TrimSpace(p.ImpersonatorID),
		Device:         strings.TrimSpace(p.Device),
		CreatedAt:      now,
		LastSeenAt:     now,
		ExpiresAt:      expires,
	}
	actor := s.UserID
	if s.Impersonated() {
		actor = s.ImpersonatorID
	}
	delta := map[string]any{
		"user_id":     s.UserID,
		"active_role": s.ActiveRole,
		"expires_at":  s.ExpiresAt,
	}
	if s.GrantID != "" {
		delta["grant_id"] = s.GrantID
	}
	if s.Impersonated() {
		delta["impersonator_id"] = s.ImpersonatorID
	}
	if _, err := r.ledger.Append(ctx, audit.Record{
		TenantID:    s.TenantID,
		ActorUserID: actor,
		Action:      audit.ActionSessionCreated,
		Target:      "session:" + s.ID,
		Severity:    audit.SeverityInfo,
		Delta:       delta,
	}); err != nil {
		return Session{}, err
	}
	if err := r.store.CreateSession(ctx, s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Get returns the stored session regardless of validity.
func (r *Registry) Get(ctx context.Context, id string) (Session, error) {
	return r.store.GetSession(ctx, id)
}

// Check returns the session if it is currently valid and ErrInvalid if it
// is missing, revoked or timed out.
func (r *Registry) Check(ctx context.Context, id string) (Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Session{}, ErrInvalid
	}
	s, err := r.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return Session{}, ErrInvalid
		}
		return Session{}, err
	}
	if !s.ValidAt(r.now().UTC(), r.cfg.IdleTimeout) {
		return Session{}, ErrInvalid
	}
	return s, nil
}

// IsValid reports whether id names a live session.
func (r *Registry) IsValid(ctx context.Context, id string) bool {
	_, err := r.Check(ctx, id)
	return err == nil
}

// Touch extends last-seen on a valid session.
func (r *Registry) Touch(ctx context.Context, id string) error {
	if _, err := r.Check(ctx, id); err != nil {
		return err
	}
	return r.store.TouchSession(ctx, id, r.now().UTC())
}

// Revoke ends one session. Revoking an already revoked session reports
// auth.ErrAlreadyTerminal.
func (r *Registry) Revoke(ctx context.Context, id, actorID, reason string) (Session, error) {
	s, err := r.store.GetSession(ctx, strings.TrimSpace(id))
	if err != nil {
		return Session{}, err
	}
	if s.Revoked() {
		return s, fmt.Errorf("%w: session already revoked", auth.ErrAlreadyTerminal)
	}
	reason = reasonOr(reason, ReasonLogout)
	if err := r.audit(ctx, s.TenantID, actorID, audit.ActionSessionRevoked, "session:"+s.ID, reason, []string{s.ID}); err != nil {
		return Session{}, err
	}
	now := r.now().UTC()
	if _, err := r.store.RevokeSessions(ctx, []string{s.ID}, reason, now); err != nil {
		return Session{}, err
	}
	obs.ObserveSessionRevocations(reason, 1)
	s.RevokedAt = &now
	s.RevokeReason = reason
	return s, nil
}

// RevokeAllForUser revokes every live session of userID (force logout).
func (r *Registry) RevokeAllForUser(ctx context.Context, userID, actorID, reason string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", auth.ErrInvalidInput)
	}
	live, err := r.store.ListSessions(ctx, Query{UserID: userID, ActiveOnly: true})
	if err != nil {
		return 0, err
	}
	reason = reasonOr(reason, ReasonForceLogout)
	tenantID := ""
	if len(live) > 0 {
		tenantID = live[0].TenantID
	}
	if err := r.audit(ctx, tenantID, actorID, audit.ActionSessionForceLogout, "user:"+userID, reason, sessionIDs(live)); err != nil {
		return 0, err
	}
	return r.revoke(ctx, live, reason)
}

// RevokeByGrant revokes every live session that depends on grantID. The
// grant manager calls it after a grant leaves the active state.
func (r *Registry) RevokeByGrant(ctx context.Context, grantID, actorID, reason string) (int, error) {
	grantID = strings.TrimSpace(grantID)
	if grantID == "" {
		return 0, nil
	}
	live, err := r.store.ListSessions(ctx, Query{GrantID: grantID, ActiveOnly: true})
	if err != nil || len(live) == 0 {
		return 0, err
	}
	reason = reasonOr(reason, ReasonGrantRevoked)
	if err := r.audit(ctx, live[0].TenantID, actorID, audit.ActionSessionRevoked, "grant:"+grantID, reason, sessionIDs(live)); err != nil {
		return 0, err
	}
	return r.revoke(ctx, live, reason)
}

// ListForUser returns every session of userID, oldest first.
func (r *Registry) ListForUser(ctx context.Context, userID string, activeOnly bool) ([]Session, error) {
	return r.store.ListSessions(ctx, Query{UserID: strings.TrimSpace(userID), ActiveOnly: activeOnly})
}

func (r *Registry) revoke(ctx context.Context, live []Session, reason string) (int, error) {
	if len(live) == 0 {
		return 0, nil
	}
	n, err := r.store.RevokeSessions(ctx, sessionIDs(live), reason, r.now().UTC())
	if err != nil {
		return 0, err
	}
	obs.ObserveSessionRevocations(reason, n)
	return n, nil
}

func (r *Registry) audit(ctx context.Context, tenantID, actorID, action, target, reason string, sessions []string) error {
	_, err := r.ledger.Append(ctx, audit.Record{
		TenantID:    tenantID,
		ActorUserID: actorID,
		Action:      action,
		Target:      target,
		Severity:    audit.SeverityNotice,
		Delta:       map[string]any{"reason": reason, "sessions": sessions},
	})
	return err
}

func sessionIDs(list []Session) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.ID
	}
	return out
}

func reasonOr(reason, fallback string) string {
	if reason = strings.TrimSpace(reason); reason != "" {
		return reason
	}
	return fallback
}
