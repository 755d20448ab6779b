package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"campusgov.org/internal/tenant"
)

var _ tenant.Store = (*Store)(nil)

func (s *Store) GetTenant(ctx context.Context, id string) (tenant.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, name, status, modules, created_at, updated_at
		from tenants where id = $1
	`, id)
	return scanTenant(row)
}

func (s *Store) PutTenant(ctx context.Context, t tenant.Tenant) error {
	if err := t.Validate(); err != nil {
		return err
	}
	mods, err := json.Marshal(t.Modules)
	if err != nil {
		return fmt.Errorf("encode modules: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into tenants (id, name, status, modules)
		values ($1, $2, $3, $4)
		on conflict (id) do update
		set name = excluded.name, status = excluded.status, modules = excluded.modules, updated_at = now()
	`, t.ID, t.Name, string(t.Status), string(mods))
	return mapError(err, "tenant")
}

func (s *Store) SetTenantStatus(ctx context.Context, id string, status tenant.Status, at time.Time) (tenant.Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		update tenants set status = $2, updated_at = $3
		where id = $1
		returning id, name, status, modules, created_at, updated_at
	`, id, string(status), at)
	return scanTenant(row)
}

func (s *Store) GetPlatform(ctx context.Context) (tenant.Platform, error) {
	var p tenant.Platform
	err := s.db.QueryRowContext(ctx, `
		select lockdown, updated_at, updated_by from platform_settings where id
	`).Scan(&p.Lockdown, &p.UpdatedAt, &p.UpdatedBy)
	if err != nil {
		return tenant.Platform{}, mapError(err, "platform settings")
	}
	return p, nil
}

func (s *Store) SetPlatform(ctx context.Context, p tenant.Platform) error {
	_, err := s.db.ExecContext(ctx, `
		insert into platform_settings (id, lockdown, updated_at, updated_by)
		values (true, $1, $2, $3)
		on conflict (id) do update
		set lockdown = excluded.lockdown, updated_at = excluded.updated_at, updated_by = excluded.updated_by
	`, p.Lockdown, p.UpdatedAt, p.UpdatedBy)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTenant(row scanner) (tenant.Tenant, error) {
	var (
		t      tenant.Tenant
		status string
		mods   []byte
	)
	if err := row.Scan(&t.ID, &t.Name, &status, &mods, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return tenant.Tenant{}, mapError(err, "tenant")
	}
	t.Status = tenant.Status(status)
	if len(mods) > 0 {
		if err := json.Unmarshal(mods, &t.Modules); err != nil {
			return tenant.Tenant{}, fmt.Errorf("decode modules: %w", err)
		}
	}
	return t, nil
}
