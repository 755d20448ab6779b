package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"campusgov.org/internal/auth"
)

var _ auth.UserStore = (*Store)(nil)

func (s *Store) GetUser(ctx context.Context, id string) (auth.User, error) {
	var (
		u      auth.User
		tenant string
		roles  []byte
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		select id, coalesce(tenant_id, ''), roles, status, created_at, updated_at
		from users where id = $1
	`, id).Scan(&u.ID, &tenant, &roles, &status, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return auth.User{}, mapError(err, "user")
	}
	u.TenantID = tenant
	u.Status = auth.UserStatus(status)
	if err := json.Unmarshal(roles, &u.Roles); err != nil {
		return auth.User{}, fmt.Errorf("decode roles for %s: %w", u.ID, err)
	}
	return u, nil
}

func (s *Store) PutUser(ctx context.Context, u auth.User) error {
	if u.Status == "" {
		u.Status = auth.UserStatusActive
	}
	if err := u.Validate(); err != nil {
		return err
	}
	roles, err := json.Marshal(u.Roles)
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into users (id, tenant_id, roles, status)
		values ($1, $2, $3, $4)
		on conflict (id) do update
		set tenant_id = excluded.tenant_id, roles = excluded.roles, status = excluded.status, updated_at = now()
	`, u.ID, nullIfEmpty(u.TenantID), string(roles), string(u.Status))
	return mapError(err, "user")
}
