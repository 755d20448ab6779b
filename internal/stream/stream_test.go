package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"campusgov.org/internal/audit"
)

func TestSubscribeFiltersByTenant(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all := s.Subscribe(ctx, "")
	t1 := s.Subscribe(ctx, "t1")
	l := audit.NewLedger(audit.NewMemoryStore())
	l.Subscribe(s)

	if _, err := l.Append(context.Background(), audit.Record{TenantID: "t2", Action: audit.ActionAuthzAllow}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.Append(context.Background(), audit.Record{TenantID: "t1", Action: audit.ActionAuthzDeny}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if got := (<-all).TenantID; got != "t2" {
		t.Fatalf("expected t2 first on the unfiltered stream, got %s", got)
	}
	if got := (<-all).TenantID; got != "t1" {
		t.Fatalf("expected t1 second, got %s", got)
	}
	select {
	case e := <-t1:
		if e.TenantID != "t1" || e.Action != audit.ActionAuthzDeny {
			t.Fatalf("unexpected entry %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("filtered subscriber got nothing")
	}
	select {
	case e := <-t1:
		t.Fatalf("filtered subscriber received foreign entry %+v", e)
	default:
	}
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx, "")
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed")
	}
	if s.Subscribers() != 0 {
		t.Fatalf("subscriber not removed")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = s.Subscribe(ctx, "")
	for i := 0; i < subscriberBuffer+5; i++ {
		s.Notify(audit.Entry{TenantID: "t1"})
	}
	if s.Dropped() != 5 {
		t.Fatalf("expected 5 drops, got %d", s.Dropped())
	}
}

func TestConcurrentAppendsArriveInSequenceOrder(t *testing.T) {
	const (
		writers = 16
		each    = 200
	)
	s := New()
	l := audit.NewLedger(audit.NewMemoryStore())
	l.Subscribe(s)

	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx, "t1")
	type result struct {
		delivered, inversions int
	}
	done := make(chan result, 1)
	go func() {
		var res result
		var last uint64
		for e := range ch {
			res.delivered++
			if e.Sequence <= last {
				if res.inversions == 0 {
					t.Logf("sequence %d delivered after %d", e.Sequence, last)
				}
				res.inversions++
			}
			last = e.Sequence
		}
		done <- res
	}()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if _, err := l.Append(context.Background(), audit.Record{TenantID: "t1", Action: audit.ActionAuthzAllow}); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	cancel()

	res := <-done
	if res.inversions != 0 {
		t.Fatalf("%d inversions in %d delivered entries", res.inversions, res.delivered)
	}
	if res.delivered == 0 {
		t.Fatalf("subscriber received nothing")
	}
}
