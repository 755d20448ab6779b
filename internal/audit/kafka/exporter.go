// Package kafka streams committed audit entries to a Kafka topic for
// downstream SIEM consumers. The ledger stays the source of truth; the
// export is best effort.
package kafka

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	skafka "github.com/segmentio/kafka-go"

	"campusgov.org/internal/audit"
	"campusgov.org/internal/obs"
)

const (
	defaultBuffer = 1024
	maxBatch      = 100
)

// Writer defines the subset of segmentio kafka.Writer we need.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// Exporter implements audit.Subscriber. Entries are queued in memory and
// flushed by Run; the queue drops on overflow rather than stall appends.
type Exporter struct {
	writer  Writer
	queue   chan audit.Entry
	dropped atomic.Uint64
}

// NewExporter creates an exporter writing to topic on brokers.
func NewExporter(brokers []string, topic string) *Exporter {
	w := &skafka.Writer{
		Addr:         skafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &skafka.Hash{},
		RequiredAcks: skafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return NewExporterWithWriter(w, defaultBuffer)
}

// NewExporterWithWriter allows injecting a test writer.
func NewExporterWithWriter(w Writer, buffer int) *Exporter {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Exporter{writer: w, queue: make(chan audit.Entry, buffer)}
}

// Notify enqueues e without blocking.
func (x *Exporter) Notify(e audit.Entry) {
	select {
	case x.queue <- e:
	default:
		if x.dropped.Add(1) == 1 {
			obs.LogEvent(obs.LevelWarn, "audit export queue full, dropping entries", map[string]any{"tenant_id": e.TenantID})
		}
	}
}

// Dropped reports how many entries were discarded on overflow.
func (x *Exporter) Dropped() uint64 { return x.dropped.Load() }

// Run drains the queue until ctx is done, then flushes what is left and
// closes the writer.
func (x *Exporter) Run(ctx context.Context) error {
	defer x.writer.Close()
	batch := make([]skafka.Message, 0, maxBatch)
	for {
		select {
		case <-ctx.Done():
			x.drain(&batch)
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			x.flush(flushCtx, batch)
			cancel()
			return nil
		case e := <-x.queue:
			batch = append(batch, message(e))
			x.drain(&batch)
			x.flush(ctx, batch)
			batch = batch[:0]
		}
	}
}

func (x *Exporter) drain(batch *[]skafka.Message) {
	for len(*batch) < maxBatch {
		select {
		case e := <-x.queue:
			*batch = append(*batch, message(e))
		default:
			return
		}
	}
}

func (x *Exporter) flush(ctx context.Context, batch []skafka.Message) {
	if len(batch) == 0 {
		return
	}
	if err := x.writer.WriteMessages(ctx, batch...); err != nil {
		obs.LogEvent(obs.LevelError, "audit export failed", map[string]any{"count": len(batch), "error": err})
	}
}

// message keys by tenant so one tenant's entries stay ordered in a partition.
func message(e audit.Entry) skafka.Message {
	value, _ := json.Marshal(e)
	return skafka.Message{
		Key:   []byte(e.TenantID),
		Value: value,
		Time:  e.Timestamp,
		Headers: []skafka.Header{
			{Key: "action", Value: []byte(e.Action)},
			{Key: "severity", Value: []byte(e.Severity.String())},
		},
	}
}
