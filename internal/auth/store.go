package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// UserStore is the identity and role store. Users are provisioned by
// administrative tooling; the governance core only reads them.
type UserStore interface {
	GetUser(ctx context.Context, id string) (User, error)
	PutUser(ctx context.Context, u User) error
}

// MemoryUsers implements UserStore in process.
type MemoryUsers struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryUsers creates an empty store.
func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{users: make(map[string]User)}
}

func (s *MemoryUsers) GetUser(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[strings.TrimSpace(id)]
	if !ok {
		return User{}, fmt.Errorf("%w: user", ErrNotFound)
	}
	return cloneUser(u), nil
}

func (s *MemoryUsers) PutUser(ctx context.Context, u User) error {
	if u.Status == "" {
		u.Status = UserStatusActive
	}
	if err := u.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.users[u.ID]; ok {
		u.CreatedAt = prev.CreatedAt
	} else if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	s.users[u.ID] = cloneUser(u)
	return nil
}

func cloneUser(u User) User {
	u.Roles = NewRoleSet(u.Roles.Sorted()...)
	return u
}
