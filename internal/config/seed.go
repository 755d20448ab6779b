package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"campusgov.org/internal/auth"
	"campusgov.org/internal/tenant"
)

// Seed provisions tenants and users for local and in-memory deployments.
// Production identities come from administrative tooling.
type Seed struct {
	Tenants []SeedTenant `yaml:"tenants"`
	Users   []SeedUser   `yaml:"users"`
}

type SeedTenant struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Status  string   `yaml:"status"`
	Modules []string `yaml:"modules"`
}

type SeedUser struct {
	ID       string   `yaml:"id"`
	TenantID string   `yaml:"tenant_id"`
	Roles    []string `yaml:"roles"`
	Disabled bool     `yaml:"disabled"`
}

// LoadSeed reads a seed file.
func LoadSeed(path string) (Seed, error) {
	data, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return Seed{}, fmt.Errorf("read seed: %w", err)
	}
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Seed{}, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return s, nil
}

// Apply writes tenants first so users can reference them.
func (s Seed) Apply(ctx context.Context, tenants tenant.Store, users auth.UserStore) error {
	for _, st := range s.Tenants {
		status := tenant.StatusActive
		if st.Status != "" {
			var err error
			if status, err = tenant.ParseStatus(st.Status); err != nil {
				return fmt.Errorf("seed tenant %s: %w", st.ID, err)
			}
		}
		t := tenant.Tenant{ID: st.ID, Name: st.Name, Status: status, Modules: st.Modules}
		if err := tenants.PutTenant(ctx, t); err != nil {
			return fmt.Errorf("seed tenant %s: %w", st.ID, err)
		}
	}
	for _, su := range s.Users {
		roles, err := auth.ParseRoleSet(su.Roles)
		if err != nil {
			return fmt.Errorf("seed user %s: %w", su.ID, err)
		}
		u := auth.User{ID: su.ID, TenantID: su.TenantID, Roles: roles, Status: auth.UserStatusActive}
		if su.Disabled {
			u.Status = auth.UserStatusDisabled
		}
		if err := users.PutUser(ctx, u); err != nil {
			return fmt.Errorf("seed user %s: %w", su.ID, err)
		}
	}
	return nil
}
