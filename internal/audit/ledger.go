package audit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"campusgov.org/internal/auth"
	"campusgov.org/internal/ids"
	"campusgov.org/internal/obs"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	verifyBatch     = 500
)

// Subscriber is notified after an entry is durably appended. Entries of one
// tenant appended through the same Ledger arrive in sequence order. Notify
// must not block.
type Subscriber interface {
	Notify(Entry)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(Entry)

func (f SubscriberFunc) Notify(e Entry) { f(e) }

// Page selects a window of a query.
type Page struct {
	Cursor string
	Limit  int
}

// Result is one page of entries. NextCursor resumes after the last entry
// returned, so a caught-up reader can poll from it; an empty page echoes
// the cursor it was given. More reports whether entries were left over at
// query time.
type Result struct {
	Entries    []Entry `json:"entries"`
	NextCursor string  `json:"next_cursor,omitempty"`
	More       bool    `json:"more"`
}

// VerifyReport summarises a chain walk.
type VerifyReport struct {
	TenantID string `json:"tenant_id"`
	Entries  uint64 `json:"entries"`
	Head     string `json:"head"`
	OK       bool   `json:"ok"`
	Break    *Break `json:"break,omitempty"`
}

// Ledger is the append-only audit log.
type Ledger struct {
	store Store
	now   func() time.Time

	mu   sync.RWMutex
	subs []Subscriber

	// order holds one mutex per tenant, taken across append and fan-out.
	order sync.Map
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLedger builds a ledger over store.
func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Subscribe registers s for post-append notifications.
func (l *Ledger) Subscribe(s Subscriber) {
	if s == nil {
		return
	}
	l.mu.Lock()
	l.subs = append(l.subs, s)
	l.mu.Unlock()
}

// Append writes one entry. Any failure is reported wrapped in
// auth.ErrAuditWrite; callers performing sensitive work must not proceed.
func (l *Ledger) Append(ctx context.Context, rec Record) (Entry, error) {
	action := strings.TrimSpace(rec.Action)
	if action == "" {
		return Entry{}, fmt.Errorf("%w: action is required", auth.ErrInvalidInput)
	}
	tenantID := NormalizeTenant(rec.TenantID)
	severity := rec.Severity
	if severity == 0 {
		severity = SeverityInfo
	}
	var delta json.RawMessage
	if len(rec.Delta) > 0 {
		data, err := json.Marshal(rec.Delta)
		if err != nil {
			return Entry{}, fmt.Errorf("%w: delta: %v", auth.ErrInvalidInput, err)
		}
		delta = data
	}
	requestID := RequestIDFromContext(ctx)

	lock := l.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	entry, err := l.store.AppendEntry(ctx, tenantID, func(prev Head) (Entry, error) {
		// Postgres keeps microseconds; truncate so the hash survives a round trip.
		now := l.now().UTC().Truncate(time.Microsecond)
		e := Entry{
			ID:          ids.Prefixed(ids.PrefixAudit, now),
			TenantID:    tenantID,
			Sequence:    prev.Sequence + 1,
			ActorUserID: strings.TrimSpace(rec.ActorUserID),
			Action:      action,
			Target:      strings.TrimSpace(rec.Target),
			Severity:    severity,
			Timestamp:   now,
			RequestID:   requestID,
			Delta:       delta,
			PrevHash:    prev.Hash,
		}
		e.Hash = HashEntry(e)
		return e, nil
	})
	obs.ObserveAuditAppend(err)
	if err != nil {
		obs.LogEvent(obs.LevelAlert, "audit append failed", map[string]any{
			"tenant_id":  tenantID,
			"action":     action,
			"request_id": requestID,
			"error":      err,
		})
		return Entry{}, fmt.Errorf("%w: %w", auth.ErrAuditWrite, err)
	}

	l.mu.RLock()
	subs := l.subs
	l.mu.RUnlock()
	for _, s := range subs {
		s.Notify(entry)
	}
	return entry, nil
}

func (l *Ledger) tenantLock(tenantID string) *sync.Mutex {
	m, _ := l.order.LoadOrStore(tenantID, new(sync.Mutex))
	return m.(*sync.Mutex)
}

// Query returns one page of a tenant's entries in sequence order. The
// cursor is bound to the tenant it was issued for.
func (l *Ledger) Query(ctx context.Context, tenantID string, filter Filter, page Page) (Result, error) {
	tenantID = NormalizeTenant(tenantID)
	limit := page.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	var after uint64
	if page.Cursor != "" {
		seq, err := decodeCursor(tenantID, page.Cursor)
		if err != nil {
			return Result{}, err
		}
		after = seq
	}
	// Fetch one extra row to learn whether another page exists.
	entries, err := l.store.ListEntries(ctx, tenantID, after, filter, limit+1)
	if err != nil {
		return Result{}, err
	}
	res := Result{Entries: entries, NextCursor: page.Cursor}
	if len(entries) > limit {
		res.Entries = entries[:limit]
		res.More = true
	}
	if n := len(res.Entries); n > 0 {
		res.NextCursor = encodeCursor(tenantID, res.Entries[n-1].Sequence)
	}
	return res, nil
}

// Verify walks the tenant chain from genesis and reports the first break.
func (l *Ledger) Verify(ctx context.Context, tenantID string) (VerifyReport, error) {
	tenantID = NormalizeTenant(tenantID)
	w := chainWalker{}
	var after uint64
	for {
		batch, err := l.store.ListEntries(ctx, tenantID, after, Filter{}, verifyBatch)
		if err != nil {
			return VerifyReport{}, err
		}
		for _, e := range batch {
			if !w.step(e) {
				break
			}
		}
		if w.brk != nil || len(batch) < verifyBatch {
			break
		}
		after = batch[len(batch)-1].Sequence
	}
	report := VerifyReport{TenantID: tenantID, Entries: w.count, Head: w.prev.Hash, OK: w.brk == nil, Break: w.brk}
	if !report.OK {
		obs.LogEvent(obs.LevelAlert, "audit chain broken", map[string]any{
			"tenant_id": tenantID,
			"sequence":  w.brk.Sequence,
			"reason":    w.brk.Reason,
		})
	}
	return report, nil
}

var errBadCursor = errors.New("malformed cursor")

func encodeCursor(tenantID string, seq uint64) string {
	raw := tenantID + "|" + strconv.FormatUint(seq, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(tenantID, cursor string) (uint64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(cursor))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", auth.ErrInvalidInput, errBadCursor)
	}
	i := strings.LastIndexByte(string(raw), '|')
	if i < 0 {
		return 0, fmt.Errorf("%w: %v", auth.ErrInvalidInput, errBadCursor)
	}
	if string(raw[:i]) != tenantID {
		return 0, fmt.Errorf("%w: cursor belongs to another tenant", auth.ErrInvalidInput)
	}
	seq, err := strconv.ParseUint(string(raw[i+1:]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", auth.ErrInvalidInput, errBadCursor)
	}
	return seq, nil
}
