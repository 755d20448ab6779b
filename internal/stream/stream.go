// Package stream fans committed audit entries out to live subscribers
// (server-sent events for operator consoles).
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"campusgov.org/internal/audit"
)

const subscriberBuffer = 64

type subscriber struct {
	ch     chan audit.Entry
	tenant string
}

// Stream implements audit.Subscriber and broadcasts to every active
// subscriber whose tenant filter matches.
type Stream struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	dropped atomic.Uint64
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// entries for tenantID, or for every tenant when tenantID is empty. The
// channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, tenantID string) <-chan audit.Entry {
	ch := make(chan audit.Entry, subscriberBuffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, tenant: tenantID}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Notify fans the entry out. Slow subscribers miss entries rather than
// stall the ledger; they can catch up through a cursor query.
func (s *Stream) Notify(e audit.Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.tenant != "" && sub.tenant != e.TenantID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscribers.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dropped reports how many deliveries were skipped for slow subscribers.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }
