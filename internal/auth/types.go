package auth

import (
	"fmt"
	"strings"
	"time"
)

// UserStatus is the account status of a user.
type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusDisabled UserStatus = "disabled"
)

// User is a human account with its permanent roles. TenantID is empty for
// platform-level operators. Overrides never change Roles.
type User struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id,omitempty"`
	Roles     RoleSet    `json:"roles"`
	Status    UserStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Active reports whether the account may act at all.
func (u User) Active() bool { return u.Status == UserStatusActive }

// IsPlatformOperator reports whether the user is a tenantless platform operator.
func (u User) IsPlatformOperator() bool {
	return u.TenantID == "" && u.Roles.Has(RolePlatformOperator)
}

// Validate checks the provisioning invariants.
func (u User) Validate() error {
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if len(u.Roles) == 0 {
		return fmt.Errorf("%w: user must hold at least one role", ErrInvalidInput)
	}
	for r := range u.Roles {
		if !r.Valid() {
			return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, r)
		}
	}
	switch u.Status {
	case UserStatusActive, UserStatusDisabled:
	default:
		return fmt.Errorf("%w: unsupported status %q", ErrInvalidInput, u.Status)
	}
	if u.Roles.Has(RolePlatformOperator) && u.TenantID != "" {
		return fmt.Errorf("%w: platform operators are not tenant scoped", ErrInvalidInput)
	}
	if u.TenantID == "" && !u.Roles.Has(RolePlatformOperator) {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	return nil
}
