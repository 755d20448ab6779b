package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Store persists ledger entries. AppendEntry must serialise appends per
// tenant: build receives the current head and the entry it returns is
// persisted only if nothing else advanced the head in between.
type Store interface {
	AppendEntry(ctx context.Context, tenantID string, build func(prev Head) (Entry, error)) (Entry, error)
	// ListEntries returns up to limit entries with Sequence > afterSeq that
	// satisfy the filter, ordered by Sequence.
	ListEntries(ctx context.Context, tenantID string, afterSeq uint64, filter Filter, limit int) ([]Entry, error)
}

// ErrStoreUnavailable is returned by stores that cannot accept writes.
var ErrStoreUnavailable = errors.New("audit store unavailable")

type partition struct {
	mu      sync.RWMutex
	entries []Entry
}

// MemoryStore keeps one append-only slice per tenant.
type MemoryStore struct {
	mu     sync.Mutex
	tenant map[string]*partition
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenant: make(map[string]*partition)}
}

func (s *MemoryStore) part(tenantID string) *partition {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.tenant[tenantID]
	if !ok {
		p = &partition{}
		s.tenant[tenantID] = p
	}
	return p
}

func (s *MemoryStore) AppendEntry(ctx context.Context, tenantID string, build func(prev Head) (Entry, error)) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	p := s.part(strings.TrimSpace(tenantID))
	p.mu.Lock()
	defer p.mu.Unlock()

	var head Head
	if n := len(p.entries); n > 0 {
		last := p.entries[n-1]
		head = Head{Sequence: last.Sequence, Hash: last.Hash}
	}
	e, err := build(head)
	if err != nil {
		return Entry{}, err
	}
	if e.Sequence != head.Sequence+1 || e.PrevHash != head.Hash {
		return Entry{}, errors.New("audit: entry does not extend head")
	}
	p.entries = append(p.entries, cloneEntry(e))
	return cloneEntry(e), nil
}

func (s *MemoryStore) ListEntries(ctx context.Context, tenantID string, afterSeq uint64, filter Filter, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := s.part(strings.TrimSpace(tenantID))
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Entry, 0, limit)
	// Sequence is dense from 1, so afterSeq is also the slice offset.
	start := afterSeq
	if start > uint64(len(p.entries)) {
		start = uint64(len(p.entries))
	}
	for _, e := range p.entries[start:] {
		if !filter.Match(e) {
			continue
		}
		out = append(out, cloneEntry(e))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func cloneEntry(e Entry) Entry {
	if e.Delta != nil {
		e.Delta = append([]byte(nil), e.Delta...)
	}
	return e
}
