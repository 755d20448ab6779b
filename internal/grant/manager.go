// Package grant issues, tracks and retires time-bounded role elevations.
package grant

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
	"campusgov.org/internal/session"
)

const (
	DefaultOverrideCeiling      = 72 * time.Hour
	DefaultImpersonationCeiling = 60 * time.Minute

	// SystemActor attributes automatic transitions in the ledger.
	SystemActor = "system"
)

// ErrSubjectInactive rejects a request for a subject that is missing,
// disabled or outside any tenant.
var ErrSubjectInactive = fmt.Errorf("%w: subject is not an active user", auth.ErrInvalidInput)

// Auditor is the slice of the audit ledger the manager needs.
type Auditor interface {
	Append(ctx context.Context, rec audit.Record) (audit.Entry, error)
}

// SessionRevoker cascades grant retirement into the session registry.
type SessionRevoker interface {
	RevokeByGrant(ctx context.Context, grantID, actorID, reason string) (int, error)
}

// Config carries the duration ceilings operators can tune.
type Config struct {
	OverrideCeiling      time.Duration
	ImpersonationCeiling time.Duration
}

// Request asks for a temporary role on SubjectID.
type Request struct {
	IssuerID      string
	SubjectID     string
	Role          auth.Role
	Duration      time.Duration
	Justification string
}

// Manager is the override grant manager.
type Manager struct {
	store    Store
	users    auth.UserStore
	ledger   Auditor
	sessions SessionRevoker
	locker   Locker
	cfg      Config
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithLocker replaces the in-process lock table, e.g. with Postgres
// advisory locks when several replicas share one database.
func WithLocker(l Locker) Option {
	return func(m *Manager) {
		if l != nil {
			m.locker = l
		}
	}
}

// NewManager wires the manager. Zero ceilings fall back to defaults.
func NewManager(store Store, users auth.UserStore, ledger Auditor, sessions SessionRevoker, cfg Config, opts ...Option) *Manager {
	if cfg.OverrideCeiling <= 0 {
		cfg.OverrideCeiling = DefaultOverrideCeiling
	}
	if cfg.ImpersonationCeiling <= 0 {
		cfg.ImpersonationCeiling = DefaultImpersonationCeiling
	}
	m := &Manager{
		store:    store,
		users:    users,
		ledger:   ledger,
		sessions: sessions,
		locker:   NewKeyedMutex(),
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective ceilings.
func (m *Manager) Config() Config { return m.cfg }

// Now returns the manager's current time.
func (m *Manager) Now() time.Time { return m.now().UTC() }

// Validate checks the parts of a request that do not depend on stored
// state and returns it normalised.
func (m *Manager) Validate(req Request) (Request, error) {
	req.IssuerID = strings.TrimSpace(req.IssuerID)
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	req.Justification = strings.TrimSpace(req.Justification)
	if req.IssuerID == "" || req.SubjectID == "" {
		return req, fmt.Errorf("%w: issuer and subject are required", auth.ErrInvalidInput)
	}
	if req.Justification == "" {
		return req, fmt.Errorf("%w: justification is required", auth.ErrInvalidInput)
	}
	if req.Duration <= 0 || req.Duration > m.cfg.OverrideCeiling {
		return req, fmt.Errorf("%w: duration must be within (0, %s]", auth.ErrInvalidInput, m.cfg.OverrideCeiling)
	}
	if !req.Role.Valid() {
		return req, fmt.Errorf("%w: unknown role", auth.ErrInvalidInput)
	}
	if req.Role == auth.RolePlatformOperator {
		return req, fmt.Errorf("%w: %s cannot be granted temporarily", auth.ErrInvalidInput, req.Role)
	}
	if req.IssuerID == req.SubjectID {
		return req, fmt.Errorf("%w: issuer cannot grant to themselves", auth.ErrInvalidInput)
	}
	return req, nil
}

// Request validates and issues an override.
func (m *Manager) Request(ctx context.Context, req Request) (Grant, error) {
	req, err := m.Validate(req)
	if err != nil {
		return Grant{}, err
	}
	subject, err := m.users.GetUser(ctx, req.SubjectID)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return Grant{}, ErrSubjectInactive
		}
		return Grant{}, err
	}
	if !subject.Active() || subject.TenantID == "" {
		return Grant{}, ErrSubjectInactive
	}
	if subject.Roles.Has(req.Role) {
		return Grant{}, fmt.Errorf("%w: subject already holds %s permanently", auth.ErrInvalidInput, req.Role)
	}
	now := m.Now()
	return m.Issue(ctx, Grant{
		ID:            ids.Prefixed(ids.PrefixGrant, now),
		Kind:          KindOverride,
		TenantID:      subject.TenantID,
		SubjectID:     subject.ID,
		IssuerID:      req.IssuerID,
		Role:          req.Role,
		Justification: req.Justification,
		CreatedAt:     now,
		ExpiresAt:     now.Add(req.Duration),
		Status:        StatusActive,
	})
}

// Issue runs the shared issuance path for a fully built grant: it takes
// the pair lock, retires a due predecessor, rejects a live one with
// auth.ErrConflict, audits and then persists.
func (m *Manager) Issue(ctx context.Context, g Grant) (Grant, error) {
	g.Status = StatusActive
	if err := g.validate(); err != nil {
		return Grant{}, err
	}
	unlock, err := m.locker.Lock(ctx, g.LockKey())
	if err != nil {
		return Grant{}, err
	}
	defer unlock()

	existing, err := m.store.ListGrants(ctx, m.pairFilter(g))
	if err != nil {
		return Grant{}, err
	}
	now := m.Now()
	for _, prev := range existing {
		if prev.ActiveAt(now) {
			return Grant{}, fmt.Errorf("%w: an active %s grant already exists for this pair", auth.ErrConflict, g.Kind)
		}
		if prev.Due(now) {
			if _, err := m.expireLocked(ctx, prev); err != nil && !errors.Is(err, auth.ErrAlreadyTerminal) {
				return Grant{}, err
			}
		}
	}

	if _, err := m.ledger.Append(ctx, audit.Record{
		TenantID:    g.TenantID,
		ActorUserID: g.IssuerID,
		Action:      actionFor(g.Kind, StatusActive),
		Target:      "user:" + g.SubjectID,
		Severity:    audit.SeverityWarning,
		Delta: map[string]any{
			"grant_id":      g.ID,
			"kind":          g.Kind,
			"role":          g.Role,
			"expires_at":    g.ExpiresAt,
			"justification": g.Justification,
		},
	}); err != nil {
		return Grant{}, err
	}
	if err := m.store.CreateGrant(ctx, g); err != nil {
		return Grant{}, err
	}
	obs.ObserveGrantTransition(string(g.Kind), string(StatusActive))
	return g, nil
}

// Revoke ends an active grant and immediately revokes every session that
// depends on it.
func (m *Manager) Revoke(ctx context.Context, id, revokerID string) (Grant, error) {
	revokerID = strings.TrimSpace(revokerID)
	if revokerID == "" {
		return Grant{}, fmt.Errorf("%w: revoker is required", auth.ErrInvalidInput)
	}
	g, err := m.store.GetGrant(ctx, id)
	if err != nil {
		return Grant{}, err
	}
	unlock, err := m.locker.Lock(ctx, g.LockKey())
	if err != nil {
		return Grant{}, err
	}
	defer unlock()

	if g, err = m.store.GetGrant(ctx, g.ID); err != nil {
		return Grant{}, err
	}
	now := m.Now()
	if g.Due(now) {
		expired, err := m.expireLocked(ctx, g)
		if err != nil && !errors.Is(err, auth.ErrAlreadyTerminal) {
			return Grant{}, err
		}
		return expired, fmt.Errorf("%w: grant expired at %s", auth.ErrAlreadyTerminal, g.ExpiresAt.Format(time.RFC3339))
	}
	if g.Status.Terminal() {
		return g, fmt.Errorf("%w: grant is %s", auth.ErrAlreadyTerminal, g.Status)
	}
	return m.transitionLocked(ctx, g, StatusRevoked, revokerID)
}

// Expire retires g if its deadline has passed. It is a no-op for grants
// that are still live or already terminal.
func (m *Manager) Expire(ctx context.Context, g Grant) (Grant, error) {
	got, _, err := m.expireIfDue(ctx, g)
	return got, err
}

func (m *Manager) expireIfDue(ctx context.Context, g Grant) (Grant, bool, error) {
	unlock, err := m.locker.Lock(ctx, g.LockKey())
	if err != nil {
		return Grant{}, false, err
	}
	defer unlock()
	current, err := m.store.GetGrant(ctx, g.ID)
	if err != nil {
		return Grant{}, false, err
	}
	if !current.Due(m.Now()) {
		return current, false, nil
	}
	expired, err := m.expireLocked(ctx, current)
	if err != nil {
		return Grant{}, false, err
	}
	return expired, true, nil
}

// SweepExpired retires every grant past its deadline and returns how many
// it moved to expired.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	due, err := m.store.ListGrants(ctx, Filter{Status: StatusActive, DueBy: m.Now()})
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, g := range due {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		_, changed, err := m.expireIfDue(ctx, g)
		if err != nil {
			errs = append(errs, fmt.Errorf("grant %s: %w", g.ID, err))
			continue
		}
		if changed {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// Get returns a grant with its status settled against the clock.
func (m *Manager) Get(ctx context.Context, id string) (Grant, error) {
	g, err := m.store.GetGrant(ctx, id)
	if err != nil {
		return Grant{}, err
	}
	return m.settle(ctx, g), nil
}

// Lookup returns the grant as stored, without settling it against the
// clock or writing to the ledger.
func (m *Manager) Lookup(ctx context.Context, id string) (Grant, error) {
	return m.store.GetGrant(ctx, strings.TrimSpace(id))
}

// List returns matching grants ordered by creation. Grants past their
// deadline are expired on the way out and never reported active.
func (m *Manager) List(ctx context.Context, f Filter) ([]Grant, error) {
	want := f.Status
	if want == StatusExpired {
		// Stored-active grants may be due; settle them before filtering.
		f.Status = ""
	}
	list, err := m.store.ListGrants(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]Grant, 0, len(list))
	for _, g := range list {
		g = m.settle(ctx, g)
		if want != "" && g.Status != want {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

// ActiveOverrides returns the subject's overrides that confer a role now.
func (m *Manager) ActiveOverrides(ctx context.Context, subjectID string) ([]Grant, error) {
	return m.List(ctx, Filter{Kind: KindOverride, Status: StatusActive, SubjectID: subjectID})
}

// FindActiveOverride returns the live override of role for subjectID.
func (m *Manager) FindActiveOverride(ctx context.Context, subjectID string, role auth.Role) (Grant, bool, error) {
	list, err := m.List(ctx, Filter{Kind: KindOverride, Status: StatusActive, SubjectID: subjectID, Role: role})
	if err != nil || len(list) == 0 {
		return Grant{}, false, err
	}
	return list[0], true, nil
}

// settle lazily expires a due grant. When the transition cannot be
// recorded the returned copy still reads expired: the deadline alone
// decides, and the sweeper retries the bookkeeping.
func (m *Manager) settle(ctx context.Context, g Grant) Grant {
	now := m.Now()
	if !g.Due(now) {
		return g
	}
	expired, err := m.Expire(ctx, g)
	if err == nil && expired.Status.Terminal() {
		return expired
	}
	if err != nil {
		obs.LogEvent(obs.LevelError, "lazy grant expiry failed", map[string]any{"grant_id": g.ID, "error": err})
	}
	g.Status = StatusExpired
	return g
}

func (m *Manager) expireLocked(ctx context.Context, g Grant) (Grant, error) {
	return m.transitionLocked(ctx, g, StatusExpired, SystemActor)
}

// transitionLocked audits, persists and cascades one terminal transition.
// The caller holds the grant's lock.
func (m *Manager) transitionLocked(ctx context.Context, g Grant, to Status, actor string) (Grant, error) {
	severity := audit.SeverityNotice
	if to == StatusRevoked {
		severity = audit.SeverityWarning
	}
	if _, err := m.ledger.Append(ctx, audit.Record{
		TenantID:    g.TenantID,
		ActorUserID: actor,
		Action:      actionFor(g.Kind, to),
		Target:      "grant:" + g.ID,
		Severity:    severity,
		Delta: map[string]any{
			"subject_id": g.SubjectID,
			"role":       g.Role,
			"from":       g.Status,
			"to":         to,
			"expires_at": g.ExpiresAt,
		},
	}); err != nil {
		return Grant{}, err
	}
	updated, err := m.store.TransitionGrant(ctx, g.ID, to, actor, m.Now())
	if err != nil {
		return updated, err
	}
	obs.ObserveGrantTransition(string(g.Kind), string(to))

	reason := cascadeReason(g.Kind, to)
	if m.sessions != nil {
		if _, err := m.sessions.RevokeByGrant(ctx, g.ID, actor, reason); err != nil {
			// Sessions bound to a terminal grant already fail validation.
			obs.LogEvent(obs.LevelError, "session cascade failed", map[string]any{"grant_id": g.ID, "error": err})
		}
	}
	return updated, nil
}

func (m *Manager) pairFilter(g Grant) Filter {
	f := Filter{Kind: g.Kind, Status: StatusActive, SubjectID: g.SubjectID}
	if g.Kind == KindImpersonation {
		f.IssuerID = g.IssuerID
	} else {
		f.Role = g.Role
	}
	return f
}

func actionFor(kind Kind, to Status) string {
	if kind == KindImpersonation {
		switch to {
		case StatusActive:
			return audit.ActionImpersonationStarted
		case StatusRevoked:
			return audit.ActionImpersonationEnded
		default:
			return audit.ActionImpersonationExpired
		}
	}
	switch to {
	case StatusActive:
		return audit.ActionOverrideIssued
	case StatusRevoked:
		return audit.ActionOverrideRevoked
	default:
		return audit.ActionOverrideExpired
	}
}

func cascadeReason(kind Kind, to Status) string {
	switch {
	case kind == KindImpersonation:
		return session.ReasonImpersonationEnded
	case to == StatusRevoked:
		return session.ReasonGrantRevoked
	default:
		return session.ReasonGrantExpired
	}
}
