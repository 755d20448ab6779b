package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	skafka "github.com/segmentio/kafka-go"

	"campusgov.org/internal/audit"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []skafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...skafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func TestExporterPublishesLedgerEntries(t *testing.T) {
	fw := &fakeWriter{}
	x := NewExporterWithWriter(fw, 8)
	l := audit.NewLedger(audit.NewMemoryStore())
	l.Subscribe(x)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- x.Run(ctx) }()

	for i := 0; i < 3; i++ {
		if _, err := l.Append(context.Background(), audit.Record{TenantID: "t1", Action: audit.ActionOverrideIssued}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for fw.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if len(fw.msgs) != 3 || !fw.closed {
		t.Fatalf("expected 3 messages and closed writer, got %d closed=%v", len(fw.msgs), fw.closed)
	}
	var e audit.Entry
	if err := json.Unmarshal(fw.msgs[2].Value, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(fw.msgs[2].Key) != "t1" || e.Sequence != 3 {
		t.Fatalf("unexpected message key=%s seq=%d", fw.msgs[2].Key, e.Sequence)
	}
}

func TestExporterDropsOnOverflow(t *testing.T) {
	x := NewExporterWithWriter(&fakeWriter{}, 1)
	x.Notify(audit.Entry{TenantID: "t1"})
	x.Notify(audit.Entry{TenantID: "t1"})
	if x.Dropped() != 1 {
		t.Fatalf("expected one dropped entry, got %d", x.Dropped())
	}
}
