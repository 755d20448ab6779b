package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"campusgov.org/internal/audit"
)

var _ audit.Store = (*Store)(nil)

const entryColumns = `id, tenant_id, sequence, actor_user_id, action, target, severity,
	occurred_at, request_id, delta, prev_hash, hash`

// AppendEntry serialises appends per tenant by locking the audit_heads row
// for the duration of the transaction.
func (s *Store) AppendEntry(ctx context.Context, tenantID string, build func(prev audit.Head) (audit.Entry, error)) (audit.Entry, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return audit.Entry{}, fmt.Errorf("%w: %v", audit.ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		insert into audit_heads (tenant_id) values ($1) on conflict (tenant_id) do nothing
	`, tenantID); err != nil {
		return audit.Entry{}, err
	}
	var (
		seq  int64
		head audit.Head
	)
	if err := tx.QueryRowContext(ctx, `
		select sequence, hash from audit_heads where tenant_id = $1 for update
	`, tenantID).Scan(&seq, &head.Hash); err != nil {
		return audit.Entry{}, err
	}
	head.Sequence = uint64(seq)

	e, err := build(head)
	if err != nil {
		return audit.Entry{}, err
	}
	if e.Sequence != head.Sequence+1 || e.PrevHash != head.Hash {
		return audit.Entry{}, errors.New("audit: entry does not extend head")
	}
	var delta any
	if len(e.Delta) > 0 {
		delta = string(e.Delta)
	}
	if _, err := tx.ExecContext(ctx, `
		insert into audit_entries (id, tenant_id, sequence, actor_user_id, action, target, severity,
			occurred_at, request_id, delta, prev_hash, hash)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, e.ID, e.TenantID, int64(e.Sequence), e.ActorUserID, e.Action, e.Target, int(e.Severity),
		e.Timestamp, e.RequestID, delta, e.PrevHash, e.Hash); err != nil {
		return audit.Entry{}, mapError(err, "audit entry")
	}
	if _, err := tx.ExecContext(ctx, `
		update audit_heads set sequence = $2, hash = $3 where tenant_id = $1
	`, tenantID, int64(e.Sequence), e.Hash); err != nil {
		return audit.Entry{}, err
	}
	if err := tx.Commit(); err != nil {
		return audit.Entry{}, err
	}
	return e, nil
}

func (s *Store) ListEntries(ctx context.Context, tenantID string, afterSeq uint64, filter audit.Filter, limit int) ([]audit.Entry, error) {
	var w where
	w.add("tenant_id = ?", tenantID)
	w.add("sequence > ?", int64(afterSeq))
	if filter.ActorUserID != "" {
		w.add("actor_user_id = ?", filter.ActorUserID)
	}
	if filter.Action != "" {
		w.add("action = ?", filter.Action)
	}
	if !filter.Since.IsZero() {
		w.add("occurred_at >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		w.add("occurred_at < ?", filter.Until)
	}
	query := `select ` + entryColumns + ` from audit_entries` + w.sql() + ` order by sequence`
	args := w.args
	if limit > 0 {
		query += ` limit ` + w.next()
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]audit.Entry, 0)
	for rows.Next() {
		var (
			e        audit.Entry
			seq      int64
			severity int
			delta    []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &seq, &e.ActorUserID, &e.Action, &e.Target, &severity,
			&e.Timestamp, &e.RequestID, &delta, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		e.Sequence = uint64(seq)
		e.Severity = audit.Severity(severity)
		e.Timestamp = e.Timestamp.UTC()
		if len(delta) > 0 {
			e.Delta = json.RawMessage(delta)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
