package auth

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseRole(t *testing.T) {
	role, err := ParseRole("  registrar ")
	if err != nil {
		t.Fatalf("ParseRole: %v", err)
	}
	if role != RoleRegistrar {
		t.Fatalf("unexpected role %q", role)
	}
	if _, err := ParseRole("dean"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown role, got %v", err)
	}
	if _, err := ParseRole(""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty role, got %v", err)
	}
}

func TestRoleSetJSONRejectsUnknownTags(t *testing.T) {
	var set RoleSet
	if err := json.Unmarshal([]byte(`["faculty","WARDEN","faculty"]`), &set); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(set) != 2 || !set.Has(RoleFaculty) || !set.Has(RoleWarden) {
		t.Fatalf("unexpected set: %v", set.Strings())
	}
	data, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `["FACULTY","WARDEN"]` {
		t.Fatalf("unexpected encoding %s", data)
	}
	if err := json.Unmarshal([]byte(`["FACULTY","superuser"]`), &set); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestUserValidate(t *testing.T) {
	cases := []struct {
		name string
		user User
		ok   bool
	}{
		{"tenant user", User{ID: "u1", TenantID: "t1", Roles: NewRoleSet(RoleFaculty), Status: UserStatusActive}, true},
		{"operator", User{ID: "op1", Roles: NewRoleSet(RolePlatformOperator), Status: UserStatusActive}, true},
		{"no roles", User{ID: "u2", TenantID: "t1", Status: UserStatusActive}, false},
		{"tenant operator", User{ID: "u3", TenantID: "t1", Roles: NewRoleSet(RolePlatformOperator), Status: UserStatusActive}, false},
		{"tenantless student", User{ID: "u4", Roles: NewRoleSet(RoleStudent), Status: UserStatusActive}, false},
		{"bad status", User{ID: "u5", TenantID: "t1", Roles: NewRoleSet(RoleStudent), Status: "gone"}, false},
	}
	for _, tc := range cases {
		err := tc.user.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", tc.name, err)
		}
	}
}

func TestMemoryUsersReturnsCopies(t *testing.T) {
	store := NewMemoryUsers()
	ctx := context.Background()
	if err := store.PutUser(ctx, User{ID: "u1", TenantID: "t1", Roles: NewRoleSet(RoleStudent)}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	u, err := store.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Status != UserStatusActive {
		t.Fatalf("expected default active status, got %q", u.Status)
	}
	u.Roles.Add(RoleRegistrar)

	again, _ := store.GetUser(ctx, "u1")
	if again.Roles.Has(RoleRegistrar) {
		t.Fatalf("permanent roles mutated through a returned copy")
	}
	if _, err := store.GetUser(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTokenIssueAndParse(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	issuer, err := NewTokenIssuer("test-secret", WithTokenIssuer("test-issuer"), WithTokenClock(clock))
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}

	token, err := issuer.Issue("ses_1", "user-42", "t1", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := issuer.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.SessionID != "ses_1" || claims.Subject != "user-42" || claims.TenantID != "t1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.ID == "" {
		t.Fatalf("expected jti")
	}

	now = now.Add(2 * time.Hour)
	if _, err := issuer.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestTokenRejectsForeignSignature(t *testing.T) {
	a, _ := NewTokenIssuer("secret-a")
	b, _ := NewTokenIssuer("secret-b")
	token, err := a.Issue("ses_1", "u1", "", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := b.Parse(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := NewTokenIssuer("  "); err == nil {
		t.Fatalf("expected missing secret error")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := ContextWithPrincipal(context.Background(), Principal{SessionID: "ses_1", UserID: "u7", ImpersonatorID: "op2"})
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.UserID != "u7" || !p.Impersonated() {
		t.Fatalf("unexpected principal: %+v ok=%v", p, ok)
	}
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatalf("expected no principal")
	}
}
