package pg

import (
	"context"
	"fmt"

	"campusgov.org/internal/grant"
)

// AdvisoryLocker serialises grant issuance across replicas with session
// level advisory locks. Each lock pins one pooled connection until released.
type AdvisoryLocker struct {
	store *Store
}

var _ grant.Locker = (*AdvisoryLocker)(nil)

func NewAdvisoryLocker(s *Store) *AdvisoryLocker { return &AdvisoryLocker{store: s} }

func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.store.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock(hashtext($1))`, key); err != nil {
		conn.Close()
		return nil, fmt.Errorf("advisory lock %s: %w", key, err)
	}
	return func() {
		_, _ = conn.ExecContext(context.Background(), `select pg_advisory_unlock(hashtext($1))`, key)
		conn.Close()
	}, nil
}
