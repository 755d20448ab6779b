package tenant

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"campusgov.org/internal/auth"
)

// Status is the tenant lifecycle flag.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// ParseStatus validates a status tag.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusActive, StatusSuspended:
		return s, nil
	default:
		return "", fmt.Errorf("%w: unknown tenant status %q", auth.ErrInvalidInput, raw)
	}
}

// Product modules a tenant may enable.
const (
	ModuleCore       = "core"
	ModuleAcademics  = "academics"
	ModuleFees       = "fees"
	ModuleLibrary    = "library"
	ModuleHostel     = "hostel"
	ModuleTransport  = "transport"
	ModuleAdmissions = "admissions"
)

// Tenant is one university.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Modules   []string  `json:"modules"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the tenant accepts requests.
func (t Tenant) Active() bool { return t.Status == StatusActive }

// ModuleEnabled reports whether module is enabled. The core module is
// always on.
func (t Tenant) ModuleEnabled(module string) bool {
	if module == "" || module == ModuleCore {
		return true
	}
	for _, m := range t.Modules {
		if m == module {
			return true
		}
	}
	return false
}

// Validate checks identifiers and normalises the module list.
func (t *Tenant) Validate() error {
	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" {
		return fmt.Errorf("%w: tenant id is required", auth.ErrInvalidInput)
	}
	if strings.EqualFold(t.ID, "global") {
		return fmt.Errorf("%w: tenant id %q is reserved", auth.ErrInvalidInput, t.ID)
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	if _, err := ParseStatus(string(t.Status)); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(t.Modules))
	mods := make([]string, 0, len(t.Modules))
	for _, m := range t.Modules {
		m = strings.ToLower(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		mods = append(mods, m)
	}
	sort.Strings(mods)
	t.Modules = mods
	return nil
}

// Platform holds platform-wide switches.
type Platform struct {
	Lockdown  bool      `json:"lockdown"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

var (
	// ErrSuspended is returned for suspended or unknown tenants. Both read
	// the same so callers cannot test for tenant existence.
	ErrSuspended = errors.New("tenant suspended")
	// ErrLockdown is returned while the platform kill switch is engaged.
	ErrLockdown = errors.New("platform lockdown")
)
