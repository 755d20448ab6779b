package authz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"campusgov.org/internal/audit"
	"campusgov.org/internal/auth"
	"campusgov.org/internal/grant"
	"campusgov.org/internal/session"
	"campusgov.org/internal/tenant"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type switchAuditor struct {
	ledger *audit.Ledger
	mu     sync.Mutex
	fail   bool
}

func (s *switchAuditor) Append(ctx context.Context, rec audit.Record) (audit.Entry, error) {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return audit.Entry{}, auth.ErrAuditWrite
	}
	return s.ledger.Append(ctx, rec)
}

type fixture struct {
	clock    *clock
	users    *auth.MemoryUsers
	ledger   *audit.Ledger
	auditor  *switchAuditor
	tenants  *tenant.Registry
	sessions *session.Registry
	grants   *grant.Manager
	resolver *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)}
	ledger := audit.NewLedger(audit.NewMemoryStore(), audit.WithClock(c.Now))
	sw := &switchAuditor{ledger: ledger}
	users := auth.NewMemoryUsers()
	for _, u := range []auth.User{
		{ID: "op1", TenantID: "t1", Roles: auth.NewRoleSet(auth.RoleTenantAdmin)},
		{ID: "subject42", TenantID: "t1", Roles: auth.NewRoleSet(auth.RoleFaculty)},
		{ID: "acct", TenantID: "t1", Roles: auth.NewRoleSet(auth.RoleAccountant)},
		{ID: "outsider", TenantID: "t2", Roles: auth.NewRoleSet(auth.RoleRegistrar)},
		{ID: "root", Roles: auth.NewRoleSet(auth.RolePlatformOperator)},
	} {
		if err := users.PutUser(ctx, u); err != nil {
			t.Fatalf("PutUser: %v", err)
		}
	}
	tenants := tenant.NewRegistry(tenant.NewMemoryStore(), ledger, tenant.WithClock(c.Now))
	for _, tn := range []tenant.Tenant{
		{ID: "t1", Modules: []string{tenant.ModuleAcademics, tenant.ModuleFees}},
		{ID: "t2", Modules: []string{tenant.ModuleAcademics}},
	} {
		if err := tenants.Put(ctx, tn); err != nil {
			t.Fatalf("Put tenant: %v", err)
		}
	}
	sessions := session.NewRegistry(session.NewMemoryStore(), ledger, session.Config{IdleTimeout: 6 * time.Hour, AbsoluteTimeout: 24 * time.Hour}, session.WithClock(c.Now))
	grants := grant.NewManager(grant.NewMemoryStore(), users, ledger, sessions, grant.Config{}, grant.WithClock(c.Now))
	resolver := NewResolver(Deps{
		Tenants:  tenants,
		Guard:    tenant.NewGuard(sw),
		Sessions: sessions,
		Users:    users,
		Grants:   grants,
		Ledger:   sw,
	}, WithClock(c.Now))
	return &fixture{clock: c, users: users, ledger: ledger, auditor: sw, tenants: tenants, sessions: sessions, grants: grants, resolver: resolver}
}

func (f *fixture) open(t *testing.T, userID, tenantID string, role auth.Role) session.Session {
	t.Helper()
	s, err := f.resolver.OpenSession(context.Background(), OpenRequest{UserID: userID, TenantID: tenantID, Role: role})
	if err != nil {
		t.Fatalf("OpenSession(%s, %s): %v", userID, role, err)
	}
	return s
}

func (f *fixture) authorize(t *testing.T, tenantID, sessionID string, role auth.Role, action string) Decision {
	t.Helper()
	d, err := f.resolver.Authorize(context.Background(), Request{TenantID: tenantID, SessionID: sessionID, RequiredRole: role, Action: action})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	return d
}

func (f *fixture) grantRegistrar(t *testing.T) grant.Grant {
	t.Helper()
	g, err := f.grants.Request(context.Background(), grant.Request{
		IssuerID:      "op1",
		SubjectID:     "subject42",
		Role:          auth.RoleRegistrar,
		Duration:      4 * time.Hour,
		Justification: "coverage for leave",
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	return g
}

func expectDeny(t *testing.T, d Decision, want Reason) {
	t.Helper()
	if d.Allowed || d.Reason != want {
		t.Fatalf("expected deny %s, got allowed=%v reason=%s", want, d.Allowed, d.Reason)
	}
	if d.Message == "" {
		t.Fatalf("denials must carry a message")
	}
}

func TestRegistrarOverrideExpires(t *testing.T) {
	f := newFixture(t)
	g := f.grantRegistrar(t)
	s := f.open(t, "subject42", "t1", auth.RoleFaculty)

	d := f.authorize(t, "t1", s.ID, auth.RoleRegistrar, "transcripts.issue")
	if !d.Allowed || d.Source != SourceOverride || d.GrantID != g.ID {
		t.Fatalf("expected override allow, got %+v", d)
	}
	if d.AuditEntryID == "" {
		t.Fatalf("sensitive decisions must be audited")
	}

	f.clock.Advance(4*time.Hour + time.Minute)
	d = f.authorize(t, "t1", s.ID, auth.RoleRegistrar, "transcripts.issue")
	expectDeny(t, d, ReasonInsufficientPrivilege)

	res, err := f.ledger.Query(context.Background(), "t1", audit.Filter{Action: audit.ActionOverrideExpired}, audit.Page{})
	if err != nil || len(res.Entries) != 1 || res.Entries[0].Target != "grant:"+g.ID {
		t.Fatalf("expected expired entry for %s, got %+v err=%v", g.ID, res.Entries, err)
	}
}

func TestRevocationKillsDependentSession(t *testing.T) {
	f := newFixture(t)
	g := f.grantRegistrar(t)
	bound := f.open(t, "subject42", "t1", auth.RoleRegistrar)
	plain := f.open(t, "subject42", "t1", auth.RoleFaculty)
	if bound.GrantID != g.ID || !bound.ExpiresAt.Equal(g.ExpiresAt) {
		t.Fatalf("override session must be bound to its grant: %+v", bound)
	}
	if d := f.authorize(t, "t1", bound.ID, auth.RoleRegistrar, "students.write"); !d.Allowed {
		t.Fatalf("expected allow before revocation, got %+v", d)
	}

	if _, err := f.grants.Revoke(context.Background(), g.ID, "op1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	expectDeny(t, f.authorize(t, "t1", bound.ID, auth.RoleRegistrar, "students.write"), ReasonSessionInvalid)
	expectDeny(t, f.authorize(t, "t1", plain.ID, auth.RoleRegistrar, "students.write"), ReasonInsufficientPrivilege)
	if d := f.authorize(t, "t1", plain.ID, auth.RoleFaculty, "students.read"); !d.Allowed {
		t.Fatalf("permanent role must keep working, got %+v", d)
	}
}

func TestForceLogoutInvalidatesEverySession(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, "subject42", "t1", auth.RoleFaculty)
	b := f.open(t, "subject42", "t1", auth.RoleFaculty)
	if _, err := f.sessions.RevokeAllForUser(context.Background(), "subject42", "op1", ""); err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}
	for _, s := range []session.Session{a, b} {
		expectDeny(t, f.authorize(t, "t1", s.ID, auth.RoleFaculty, "students.read"), ReasonSessionInvalid)
	}
}

func TestSuspendedTenantDeniesEvenWithValidGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grantRegistrar(t)
	s := f.open(t, "subject42", "t1", auth.RoleRegistrar)
	admin := f.open(t, "op1", "t1", auth.RoleTenantAdmin)

	if _, err := f.tenants.SetStatus(ctx, "root", "t1", tenant.StatusSuspended); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	expectDeny(t, f.authorize(t, "t1", s.ID, auth.RoleRegistrar, "students.write"), ReasonTenantSuspended)
	if d := f.authorize(t, "t1", admin.ID, auth.RoleTenantAdmin, ActionAuditRead); !d.Allowed {
		t.Fatalf("audit reads must survive suspension, got %+v", d)
	}
	if _, err := f.resolver.OpenSession(ctx, OpenRequest{UserID: "subject42", TenantID: "t1", Role: auth.RoleFaculty}); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected new sessions to be refused, got %v", err)
	}
}

func TestPlatformLockdownIsConsultedFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, "subject42", "t1", auth.RoleFaculty)
	root := f.open(t, "root", "", auth.RolePlatformOperator)

	if _, err := f.tenants.SetLockdown(ctx, "root", true); err != nil {
		t.Fatalf("SetLockdown: %v", err)
	}
	expectDeny(t, f.authorize(t, "t1", s.ID, auth.RoleFaculty, "students.read"), ReasonTenantSuspended)
	expectDeny(t, f.authorize(t, "t1", "ses_unknown", auth.RoleFaculty, "students.read"), ReasonTenantSuspended)
	if d := f.authorize(t, "", root.ID, auth.RolePlatformOperator, ActionPlatformLockdown); !d.Allowed {
		t.Fatalf("operators must be able to lift the lockdown, got %+v", d)
	}
	if _, err := f.tenants.SetLockdown(ctx, "root", false); err != nil {
		t.Fatalf("SetLockdown off: %v", err)
	}
	if d := f.authorize(t, "t1", s.ID, auth.RoleFaculty, "students.read"); !d.Allowed {
		t.Fatalf("expected allow after lockdown, got %+v", d)
	}
}

func TestTenantScope(t *testing.T) {
	f := newFixture(t)
	outsider := f.open(t, "outsider", "t2", auth.RoleRegistrar)
	expectDeny(t, f.authorize(t, "t1", outsider.ID, auth.RoleRegistrar, "students.read"), ReasonTenantScope)

	insider := f.open(t, "subject42", "t1", auth.RoleFaculty)
	expectDeny(t, f.authorize(t, "", insider.ID, auth.RolePlatformOperator, ActionPlatformLockdown), ReasonTenantScope)

	d, err := f.resolver.Authorize(context.Background(), Request{TenantID: "t1", SessionID: insider.ID, RequiredRole: auth.RoleFaculty, Action: "students.read", ResourceTenantID: "t2"})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	expectDeny(t, d, ReasonTenantScope)

	root := f.open(t, "root", "", auth.RolePlatformOperator)
	if d := f.authorize(t, "t1", root.ID, auth.RolePlatformOperator, ActionAuditRead); !d.Allowed {
		t.Fatalf("operator crossing should be allowed, got %+v", d)
	}
	res, _ := f.ledger.Query(context.Background(), "t1", audit.Filter{Action: audit.ActionTenantScopeCross}, audit.Page{})
	if len(res.Entries) != 1 || res.Entries[0].ActorUserID != "root" {
		t.Fatalf("operator crossing must be audited, got %+v", res.Entries)
	}
}

func TestModuleGating(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "subject42", "t1", auth.RoleFaculty)
	expectDeny(t, f.authorize(t, "t1", s.ID, auth.RoleFaculty, "hostel.read"), ReasonModuleDisabled)
	if _, err := f.resolver.Authorize(context.Background(), Request{TenantID: "t1", SessionID: s.ID, RequiredRole: auth.RoleFaculty, Action: "dormitory.paint"}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected unknown action to be rejected, got %v", err)
	}
	if _, err := f.resolver.Authorize(context.Background(), Request{TenantID: "t1", SessionID: s.ID, RequiredRole: "DEAN", Action: "students.read"}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected unknown role to be rejected, got %v", err)
	}
}

func TestAuditFailureFailsClosed(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "acct", "t1", auth.RoleAccountant)
	f.auditor.mu.Lock()
	f.auditor.fail = true
	f.auditor.mu.Unlock()

	if _, err := f.resolver.Authorize(context.Background(), Request{TenantID: "t1", SessionID: s.ID, RequiredRole: auth.RoleAccountant, Action: "fees.collect"}); !errors.Is(err, auth.ErrAuditWrite) {
		t.Fatalf("expected ErrAuditWrite, got %v", err)
	}
	if d := f.authorize(t, "t1", s.ID, auth.RoleAccountant, "fees.read"); !d.Allowed {
		t.Fatalf("non-sensitive reads need no ledger write, got %+v", d)
	}
}

func TestPermanentRoleWinsAttribution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.grantRegistrar(t)
	if err := f.users.PutUser(ctx, auth.User{ID: "subject42", TenantID: "t1", Roles: auth.NewRoleSet(auth.RoleFaculty, auth.RoleRegistrar)}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	s := f.open(t, "subject42", "t1", auth.RoleFaculty)
	d := f.authorize(t, "t1", s.ID, auth.RoleRegistrar, "transcripts.issue")
	if !d.Allowed || d.Source != SourcePermanent || d.GrantID != "" {
		t.Fatalf("expected permanent attribution, got %+v", d)
	}
	roles, err := f.resolver.EffectiveRoles(ctx, "subject42")
	if err != nil || len(roles) != 2 {
		t.Fatalf("unexpected effective roles %v err=%v", roles.Strings(), err)
	}
}

func TestDisabledUserSessionIsInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, "subject42", "t1", auth.RoleFaculty)
	if err := f.users.PutUser(ctx, auth.User{ID: "subject42", TenantID: "t1", Roles: auth.NewRoleSet(auth.RoleFaculty), Status: auth.UserStatusDisabled}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	expectDeny(t, f.authorize(t, "t1", s.ID, auth.RoleFaculty, "students.read"), ReasonSessionInvalid)
}

func TestAuthorizeTouchesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.open(t, "subject42", "t1", auth.RoleFaculty)
	f.clock.Advance(5 * time.Hour)
	f.authorize(t, "t1", s.ID, auth.RoleFaculty, "students.read")
	f.clock.Advance(5 * time.Hour)
	if !f.sessions.IsValid(ctx, s.ID) {
		t.Fatalf("authorize must extend last-seen")
	}
	got, _ := f.sessions.Get(ctx, s.ID)
	if !got.LastSeenAt.After(got.CreatedAt) {
		t.Fatalf("last-seen not updated: %+v", got)
	}
}

func TestOpenSessionRejectsUnheldRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.resolver.OpenSession(ctx, OpenRequest{UserID: "subject42", TenantID: "t1", Role: auth.RoleWarden}); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.resolver.OpenSession(ctx, OpenRequest{UserID: "subject42", TenantID: "t2", Role: auth.RoleFaculty}); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for wrong tenant, got %v", err)
	}
}
