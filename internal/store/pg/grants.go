package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"campusgov.org/internal/auth"
	"campusgov.org/internal/grant"
)

var _ grant.Store = (*Store)(nil)

const grantColumns = `id, kind, tenant_id, subject_id, issuer_id, role, justification,
	created_at, expires_at, status, revoked_by, revoked_at, expired_at`

// CreateGrant relies on the partial unique index over (lock_key) where
// status = 'active' to reject a second live grant for the same pair.
func (s *Store) CreateGrant(ctx context.Context, g grant.Grant) error {
	_, err := s.db.ExecContext(ctx, `
		insert into grants (id, kind, tenant_id, subject_id, issuer_id, role, justification,
			created_at, expires_at, status, lock_key)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, g.ID, string(g.Kind), g.TenantID, g.SubjectID, g.IssuerID, string(g.Role), g.Justification,
		g.CreatedAt, g.ExpiresAt, string(g.Status), g.LockKey())
	return mapError(err, "active grant already covers this pair")
}

func (s *Store) GetGrant(ctx context.Context, id string) (grant.Grant, error) {
	row := s.db.QueryRowContext(ctx, `select `+grantColumns+` from grants where id = $1`, id)
	return scanGrant(row)
}

// TransitionGrant is a compare-and-set on status = 'active'.
func (s *Store) TransitionGrant(ctx context.Context, id string, to grant.Status, by string, at time.Time) (grant.Grant, error) {
	if !to.Terminal() {
		return grant.Grant{}, fmt.Errorf("%w: transition target must be terminal", auth.ErrInvalidInput)
	}
	var (
		revokedBy sql.NullString
		revokedAt sql.NullTime
		expiredAt sql.NullTime
	)
	if to == grant.StatusRevoked {
		revokedBy = nullIfEmpty(by)
		revokedAt = sql.NullTime{Time: at, Valid: true}
	} else {
		expiredAt = sql.NullTime{Time: at, Valid: true}
	}
	row := s.db.QueryRowContext(ctx, `
		update grants
		set status = $2, revoked_by = coalesce($3, revoked_by), revoked_at = $4, expired_at = $5
		where id = $1 and status = 'active'
		returning `+grantColumns, id, string(to), revokedBy, revokedAt, expiredAt)
	g, err := scanGrant(row)
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, auth.ErrNotFound) {
		return grant.Grant{}, err
	}
	current, getErr := s.GetGrant(ctx, id)
	if getErr != nil {
		return grant.Grant{}, getErr
	}
	return current, fmt.Errorf("%w: grant is %s", auth.ErrAlreadyTerminal, current.Status)
}

func (s *Store) ListGrants(ctx context.Context, f grant.Filter) ([]grant.Grant, error) {
	var w where
	if f.Kind != "" {
		w.add("kind = ?", string(f.Kind))
	}
	if f.Status != "" {
		w.add("status = ?", string(f.Status))
	}
	if f.TenantID != "" {
		w.add("tenant_id = ?", f.TenantID)
	}
	if f.SubjectID != "" {
		w.add("subject_id = ?", f.SubjectID)
	}
	if f.IssuerID != "" {
		w.add("issuer_id = ?", f.IssuerID)
	}
	if f.Role != "" {
		w.add("role = ?", string(f.Role))
	}
	if !f.DueBy.IsZero() {
		w.add("status = 'active' and expires_at <= ?", f.DueBy)
	}
	rows, err := s.db.QueryContext(ctx, `select `+grantColumns+` from grants`+w.sql()+` order by created_at, id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]grant.Grant, 0)
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanGrant(row scanner) (grant.Grant, error) {
	var (
		g                    grant.Grant
		kind, role, status   string
		revokedBy            sql.NullString
		revokedAt, expiredAt sql.NullTime
	)
	err := row.Scan(&g.ID, &kind, &g.TenantID, &g.SubjectID, &g.IssuerID, &role, &g.Justification,
		&g.CreatedAt, &g.ExpiresAt, &status, &revokedBy, &revokedAt, &expiredAt)
	if err != nil {
		return grant.Grant{}, mapError(err, "grant")
	}
	g.Kind = grant.Kind(kind)
	g.Role = auth.Role(role)
	g.Status = grant.Status(status)
	g.RevokedBy = revokedBy.String
	g.RevokedAt = timePtr(revokedAt)
	g.ExpiredAt = timePtr(expiredAt)
	return g, nil
}
