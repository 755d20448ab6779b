package grant

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"campusgov.org/internal/auth"
)

// Store persists grants. CreateGrant and TransitionGrant are compare-and-set
// operations so two replicas racing past the lock still cannot produce two
// active grants for one key or two terminal transitions.
type Store interface {
	// CreateGrant fails with auth.ErrConflict when an active grant with the
	// same lock key exists.
	CreateGrant(ctx context.Context, g Grant) error
	GetGrant(ctx context.Context, id string) (Grant, error)
	// TransitionGrant moves an active grant to a terminal status. It fails
	// with auth.ErrAlreadyTerminal when the grant is no longer active.
	TransitionGrant(ctx context.Context, id string, to Status, by string, at time.Time) (Grant, error)
	// ListGrants returns matches ordered by creation time then id.
	ListGrants(ctx context.Context, f Filter) ([]Grant, error)
}

// MemoryStore implements Store in process.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]Grant
	active map[string]string // lock key -> grant id
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]Grant), active: make(map[string]string)}
}

func (s *MemoryStore) CreateGrant(ctx context.Context, g Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[g.ID]; ok {
		return fmt.Errorf("%w: grant id", auth.ErrConflict)
	}
	key := g.LockKey()
	if id, ok := s.active[key]; ok {
		return fmt.Errorf("%w: active grant %s already covers this pair", auth.ErrConflict, id)
	}
	s.grants[g.ID] = cloneGrant(g)
	if g.Status == StatusActive {
		s.active[key] = g.ID
	}
	return nil
}

func (s *MemoryStore) GetGrant(ctx context.Context, id string) (Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[strings.TrimSpace(id)]
	if !ok {
		return Grant{}, fmt.Errorf("%w: grant", auth.ErrNotFound)
	}
	return cloneGrant(g), nil
}

func (s *MemoryStore) TransitionGrant(ctx context.Context, id string, to Status, by string, at time.Time) (Grant, error) {
	if !to.Terminal() {
		return Grant{}, fmt.Errorf("%w: transition target must be terminal", auth.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[id]
	if !ok {
		return Grant{}, fmt.Errorf("%w: grant", auth.ErrNotFound)
	}
	if g.Status != StatusActive {
		return cloneGrant(g), fmt.Errorf("%w: grant is %s", auth.ErrAlreadyTerminal, g.Status)
	}
	g.Status = to
	ts := at
	if to == StatusRevoked {
		g.RevokedBy = by
		g.RevokedAt = &ts
	} else {
		g.ExpiredAt = &ts
	}
	s.grants[id] = g
	delete(s.active, g.LockKey())
	return cloneGrant(g), nil
}

func (s *MemoryStore) ListGrants(ctx context.Context, f Filter) ([]Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Grant, 0)
	for _, g := range s.grants {
		if f.Match(g) {
			out = append(out, cloneGrant(g))
		}
	}
	sortGrants(out)
	return out, nil
}

func sortGrants(list []Grant) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

func cloneGrant(g Grant) Grant {
	if g.RevokedAt != nil {
		ts := *g.RevokedAt
		g.RevokedAt = &ts
	}
	if g.ExpiredAt != nil {
		ts := *g.ExpiredAt
		g.ExpiredAt = &ts
	}
	return g
}
