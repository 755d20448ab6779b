package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"campusgov.org/internal/auth"
	"campusgov.org/internal/session"
)

var _ session.Store = (*Store)(nil)

const sessionColumns = `id, user_id, coalesce(tenant_id, ''), active_role, coalesce(grant_id, ''),
	coalesce(impersonator_id, ''), device, created_at, last_seen_at, expires_at, revoked_at, revoke_reason`

func (s *Store) CreateSession(ctx context.Context, ses session.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, user_id, tenant_id, active_role, grant_id, impersonator_id,
			device, created_at, last_seen_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, ses.ID, ses.UserID, nullIfEmpty(ses.TenantID), string(ses.ActiveRole), nullIfEmpty(ses.GrantID),
		nullIfEmpty(ses.ImpersonatorID), ses.Device, ses.CreatedAt, ses.LastSeenAt, ses.ExpiresAt)
	return mapError(err, "session")
}

func (s *Store) GetSession(ctx context.Context, id string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where id = $1`, id)
	return scanSession(row)
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update sessions set last_seen_at = $2
		where id = $1 and revoked_at is null and last_seen_at < $2
	`, id, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `select exists(select 1 from sessions where id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: session", auth.ErrNotFound)
		}
	}
	return nil
}

// RevokeSessions stamps every still-live session in ids and reports how many
// changed. Already revoked sessions keep their original reason.
func (s *Store) RevokeSessions(ctx context.Context, ids []string, reason string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{at, reason}
	marks := make([]string, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
		marks = append(marks, "$"+strconv.Itoa(len(args)))
	}
	res, err := s.db.ExecContext(ctx, `
		update sessions set revoked_at = $1, revoke_reason = $2
		where revoked_at is null and id in (`+strings.Join(marks, ", ")+`)
	`, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) ListSessions(ctx context.Context, q session.Query) ([]session.Session, error) {
	var w where
	if q.UserID != "" {
		w.add("user_id = ?", q.UserID)
	}
	if q.GrantID != "" {
		w.add("grant_id = ?", q.GrantID)
	}
	if q.ActiveOnly {
		w.clauses = append(w.clauses, "revoked_at is null")
	}
	rows, err := s.db.QueryContext(ctx, `select `+sessionColumns+` from sessions`+w.sql()+` order by created_at, id`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]session.Session, 0)
	for rows.Next() {
		ses, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ses)
	}
	return out, rows.Err()
}

func scanSession(row scanner) (session.Session, error) {
	var (
		ses     session.Session
		role    string
		revoked sql.NullTime
	)
	err := row.Scan(&ses.ID, &ses.UserID, &ses.TenantID, &role, &ses.GrantID, &ses.ImpersonatorID,
		&ses.Device, &ses.CreatedAt, &ses.LastSeenAt, &ses.ExpiresAt, &revoked, &ses.RevokeReason)
	if err != nil {
		return session.Session{}, mapError(err, "session")
	}
	ses.ActiveRole = auth.Role(role)
	ses.RevokedAt = timePtr(revoked)
	return ses, nil
}
