package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"campusgov.org/internal/auth"
)

// Store persists sessions. Rows are never deleted.
type Store interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	// TouchSession moves last-seen forward on a non-revoked session.
	TouchSession(ctx context.Context, id string, at time.Time) error
	// RevokeSessions stamps every listed, not yet revoked session and
	// returns how many changed.
	RevokeSessions(ctx context.Context, ids []string, reason string, at time.Time) (int, error)
	ListSessions(ctx context.Context, q Query) ([]Session, error)
}

// MemoryStore implements Store in process.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) CreateSession(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("%w: session id", auth.ErrConflict)
	}
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[strings.TrimSpace(id)]
	if !ok {
		return Session{}, fmt.Errorf("%w: session", auth.ErrNotFound)
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: session", auth.ErrNotFound)
	}
	if s.Revoked() || !at.After(s.LastSeenAt) {
		return nil
	}
	s.LastSeenAt = at
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) RevokeSessions(ctx context.Context, ids []string, reason string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range ids {
		s, ok := m.sessions[id]
		if !ok || s.Revoked() {
			continue
		}
		ts := at
		s.RevokedAt = &ts
		s.RevokeReason = reason
		m.sessions[id] = s
		n++
	}
	return n, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, q Query) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0)
	for _, s := range m.sessions {
		if q.UserID != "" && s.UserID != q.UserID {
			continue
		}
		if q.GrantID != "" && s.GrantID != q.GrantID {
			continue
		}
		if q.ActiveOnly && s.Revoked() {
			continue
		}
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func cloneSession(s Session) Session {
	if s.RevokedAt != nil {
		ts := *s.RevokedAt
		s.RevokedAt = &ts
	}
	return s
}
