package tenant

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"campusgov.org/internal/auth"
)

// Store persists tenants and platform switches.
type Store interface {
	GetTenant(ctx context.Context, id string) (Tenant, error)
	PutTenant(ctx context.Context, t Tenant) error
	SetTenantStatus(ctx context.Context, id string, status Status, at time.Time) (Tenant, error)
	GetPlatform(ctx context.Context) (Platform, error)
	SetPlatform(ctx context.Context, p Platform) error
}

// MemoryStore implements Store in process.
type MemoryStore struct {
	mu       sync.RWMutex
	tenants  map[string]Tenant
	platform Platform
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]Tenant)}
}

func (s *MemoryStore) GetTenant(ctx context.Context, id string) (Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[strings.TrimSpace(id)]
	if !ok {
		return Tenant{}, fmt.Errorf("%w: tenant", auth.ErrNotFound)
	}
	return cloneTenant(t), nil
}

func (s *MemoryStore) PutTenant(ctx context.Context, t Tenant) error {
	if err := t.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.tenants[t.ID]; ok {
		t.CreatedAt = prev.CreatedAt
	} else if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.tenants[t.ID] = cloneTenant(t)
	return nil
}

func (s *MemoryStore) SetTenantStatus(ctx context.Context, id string, status Status, at time.Time) (Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[strings.TrimSpace(id)]
	if !ok {
		return Tenant{}, fmt.Errorf("%w: tenant", auth.ErrNotFound)
	}
	t.Status = status
	t.UpdatedAt = at
	s.tenants[t.ID] = t
	return cloneTenant(t), nil
}

func (s *MemoryStore) GetPlatform(ctx context.Context) (Platform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.platform, nil
}

func (s *MemoryStore) SetPlatform(ctx context.Context, p Platform) error {
	s.mu.Lock()
	s.platform = p
	s.mu.Unlock()
	return nil
}

func cloneTenant(t Tenant) Tenant {
	t.Modules = append([]string(nil), t.Modules...)
	return t
}
