package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"campusgov.org/internal/auth"
)

type failingStore struct{ Store }

func (failingStore) AppendEntry(context.Context, string, func(Head) (Entry, error)) (Entry, error) {
	return Entry{}, ErrStoreUnavailable
}

// tamper overwrites a stored entry in place to simulate storage corruption.
func (s *MemoryStore) tamper(tenantID string, seq uint64, fn func(*Entry)) {
	p := s.part(tenantID)
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.entries[seq-1])
}

func fixedClock() func() time.Time {
	now := time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func TestAppendAssignsDenseSequencePerTenant(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryStore(), WithClock(fixedClock()))

	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, Record{TenantID: "t1", ActorUserID: "u1", Action: ActionAuthzAllow}); err != nil {
			t.Fatalf("append t1: %v", err)
		}
	}
	e, err := l.Append(ctx, Record{TenantID: "t2", Action: ActionAuthzDeny})
	if err != nil {
		t.Fatalf("append t2: %v", err)
	}
	if e.Sequence != 1 || e.PrevHash != "" {
		t.Fatalf("t2 chain should start at genesis, got seq=%d prev=%q", e.Sequence, e.PrevHash)
	}

	res, err := l.Query(ctx, "t1", Filter{}, Page{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(res.Entries))
	}
	for i, e := range res.Entries {
		if e.Sequence != uint64(i+1) {
			t.Fatalf("entry %d has sequence %d", i, e.Sequence)
		}
		if i > 0 && e.PrevHash != res.Entries[i-1].Hash {
			t.Fatalf("entry %d does not link to its predecessor", i)
		}
	}
}

func TestAppendGlobalTenant(t *testing.T) {
	l := NewLedger(NewMemoryStore())
	e, err := l.Append(context.Background(), Record{Action: ActionPlatformLockdown, Severity: SeverityCritical})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e.TenantID != GlobalTenant {
		t.Fatalf("expected global tenant, got %q", e.TenantID)
	}
}

func TestAppendRejectsEmptyAction(t *testing.T) {
	l := NewLedger(NewMemoryStore())
	if _, err := l.Append(context.Background(), Record{TenantID: "t1"}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestAppendFailureIsAuditWriteError(t *testing.T) {
	var notified bool
	l := NewLedger(failingStore{})
	l.Subscribe(SubscriberFunc(func(Entry) { notified = true }))
	_, err := l.Append(context.Background(), Record{TenantID: "t1", Action: ActionOverrideIssued})
	if !errors.Is(err, auth.ErrAuditWrite) {
		t.Fatalf("expected ErrAuditWrite, got %v", err)
	}
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected underlying cause to be preserved, got %v", err)
	}
	if notified {
		t.Fatalf("subscribers must not see failed appends")
	}
}

func TestConcurrentAppendsKeepChainIntact(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryStore())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Append(ctx, Record{TenantID: "t1", Action: ActionAuthzAllow, Target: fmt.Sprintf("r%d", i)}); err != nil {
				t.Errorf("append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	report, err := l.Verify(ctx, "t1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.OK || report.Entries != 50 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestQueryCursorPagination(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryStore(), WithClock(fixedClock()))
	for i := 0; i < 7; i++ {
		action := ActionAuthzAllow
		if i%2 == 1 {
			action = ActionAuthzDeny
		}
		if _, err := l.Append(ctx, Record{TenantID: "t1", ActorUserID: "u1", Action: action}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var seen []uint64
	cursor := ""
	for pages := 0; ; pages++ {
		if pages > 5 {
			t.Fatalf("pagination did not terminate")
		}
		res, err := l.Query(ctx, "t1", Filter{}, Page{Cursor: cursor, Limit: 3})
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		for _, e := range res.Entries {
			seen = append(seen, e.Sequence)
		}
		// New entries after the first page must not disturb earlier pages.
		if pages == 0 {
			if _, err := l.Append(ctx, Record{TenantID: "t1", Action: ActionAuthzAllow}); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		cursor = res.NextCursor
		if !res.More {
			break
		}
	}
	if len(seen) != 8 {
		t.Fatalf("expected 8 entries across pages, got %v", seen)
	}
	for i, seq := range seen {
		if seq != uint64(i+1) {
			t.Fatalf("pages out of order: %v", seen)
		}
	}

	res, err := l.Query(ctx, "t1", Filter{Action: ActionAuthzDeny}, Page{Limit: 10})
	if err != nil {
		t.Fatalf("filtered query: %v", err)
	}
	if len(res.Entries) != 3 {
		t.Fatalf("expected 3 deny entries, got %d", len(res.Entries))
	}
}

func TestCaughtUpReaderResumesFromCursor(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryStore())
	for i := 0; i < 2; i++ {
		_, _ = l.Append(ctx, Record{TenantID: "t1", Action: ActionAuthzAllow})
	}
	res, err := l.Query(ctx, "t1", Filter{}, Page{Limit: 10})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.More || res.NextCursor == "" {
		t.Fatalf("last page must still carry a cursor: %+v", res)
	}

	idle, err := l.Query(ctx, "t1", Filter{}, Page{Cursor: res.NextCursor, Limit: 10})
	if err != nil {
		t.Fatalf("idle query: %v", err)
	}
	if len(idle.Entries) != 0 || idle.NextCursor != res.NextCursor {
		t.Fatalf("empty page must echo its cursor: %+v", idle)
	}

	_, _ = l.Append(ctx, Record{TenantID: "t1", Action: ActionAuthzDeny})
	next, err := l.Query(ctx, "t1", Filter{}, Page{Cursor: idle.NextCursor, Limit: 10})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(next.Entries) != 1 || next.Entries[0].Sequence != 3 {
		t.Fatalf("expected only the new entry, got %+v", next.Entries)
	}
}

func TestCursorIsBoundToTenant(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryStore())
	for i := 0; i < 3; i++ {
		_, _ = l.Append(ctx, Record{TenantID: "t1", Action: ActionAuthzAllow})
	}
	res, err := l.Query(ctx, "t1", Filter{}, Page{Limit: 1})
	if err != nil || res.NextCursor == "" {
		t.Fatalf("expected a next cursor, err=%v", err)
	}
	if _, err := l.Query(ctx, "t2", Filter{}, Page{Cursor: res.NextCursor}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected cross-tenant cursor to be rejected, got %v", err)
	}
	if _, err := l.Query(ctx, "t1", Filter{}, Page{Cursor: "%%%"}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected malformed cursor to be rejected, got %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := NewLedger(store)
	for i := 0; i < 4; i++ {
		if _, err := l.Append(ctx, Record{TenantID: "t1", ActorUserID: "u1", Action: ActionOverrideIssued, Delta: map[string]any{"n": i}}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	report, err := l.Verify(ctx, "t1")
	if err != nil || !report.OK {
		t.Fatalf("expected intact chain, report=%+v err=%v", report, err)
	}

	store.tamper("t1", 3, func(e *Entry) { e.ActorUserID = "someone-else" })
	report, err = l.Verify(ctx, "t1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.OK || report.Break == nil || report.Break.Sequence != 3 || report.Break.Reason != "hash mismatch" {
		t.Fatalf("expected break at 3, got %+v", report)
	}
}

func TestAppendCarriesRequestID(t *testing.T) {
	l := NewLedger(NewMemoryStore())
	ctx := WithRequestID(context.Background(), "req-9")
	e, err := l.Append(ctx, Record{TenantID: "t1", Action: ActionSessionCreated})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e.RequestID != "req-9" {
		t.Fatalf("expected request id, got %q", e.RequestID)
	}
	if HashEntry(e) != e.Hash {
		t.Fatalf("hash must cover the request id")
	}
}

func TestSeverityText(t *testing.T) {
	var s Severity
	if err := s.UnmarshalText([]byte("Warning")); err != nil || s != SeverityWarning {
		t.Fatalf("unexpected severity %v err=%v", s, err)
	}
	if err := s.UnmarshalText([]byte("loud")); err == nil {
		t.Fatalf("expected error for unknown severity")
	}
}
