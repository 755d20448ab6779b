package auth

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Role is a closed enumeration of governance roles. Free-form strings are
// rejected at the edge by ParseRole.
type Role string

const (
	RoleStudent          Role = "STUDENT"
	RoleFaculty          Role = "FACULTY"
	RoleLibrarian        Role = "LIBRARIAN"
	RoleWarden           Role = "WARDEN"
	RoleAccountant       Role = "ACCOUNTANT"
	RoleRegistrar        Role = "REGISTRAR"
	RoleTenantAdmin      Role = "TENANT_ADMIN"
	RolePlatformOperator Role = "PLATFORM_OPERATOR"
)

var allRoles = []Role{
	RoleStudent,
	RoleFaculty,
	RoleLibrarian,
	RoleWarden,
	RoleAccountant,
	RoleRegistrar,
	RoleTenantAdmin,
	RolePlatformOperator,
}

// AllRoles returns every defined role.
func AllRoles() []Role {
	out := make([]Role, len(allRoles))
	copy(out, allRoles)
	return out
}

// Valid reports whether r is part of the enumeration.
func (r Role) Valid() bool {
	for _, known := range allRoles {
		if r == known {
			return true
		}
	}
	return false
}

func (r Role) String() string { return string(r) }

// ParseRole normalises case and surrounding space, then rejects unknown tags.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(raw)))
	if role == "" {
		return "", fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	if !role.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
	}
	return role, nil
}

// UnmarshalJSON parses through ParseRole so unknown roles never enter the core.
func (r *Role) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: role must be a string", ErrInvalidInput)
	}
	parsed, err := ParseRole(raw)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// RoleSet is an unordered set of roles.
type RoleSet map[Role]struct{}

// NewRoleSet builds a set from roles.
func NewRoleSet(roles ...Role) RoleSet {
	set := make(RoleSet, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return set
}

// ParseRoleSet parses every tag; any unknown tag fails the whole set.
func ParseRoleSet(raw []string) (RoleSet, error) {
	set := make(RoleSet, len(raw))
	for _, v := range raw {
		role, err := ParseRole(v)
		if err != nil {
			return nil, err
		}
		set[role] = struct{}{}
	}
	return set, nil
}

func (s RoleSet) Has(r Role) bool {
	_, ok := s[r]
	return ok
}

func (s RoleSet) Add(r Role) {
	s[r] = struct{}{}
}

// Union returns a new set holding roles of both sets.
func (s RoleSet) Union(other RoleSet) RoleSet {
	out := make(RoleSet, len(s)+len(other))
	for r := range s {
		out[r] = struct{}{}
	}
	for r := range other {
		out[r] = struct{}{}
	}
	return out
}

// Sorted returns the roles in lexical order.
func (s RoleSet) Sorted() []Role {
	out := make([]Role, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the sorted role tags.
func (s RoleSet) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, r := range sorted {
		out[i] = string(r)
	}
	return out
}

func (s RoleSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

func (s *RoleSet) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: roles must be a list of strings", ErrInvalidInput)
	}
	set, err := ParseRoleSet(raw)
	if err != nil {
		return err
	}
	*s = set
	return nil
}
