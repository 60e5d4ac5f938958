// Package notify delivers exam lifecycle events without making the caller
// wait. Events are queued, de-duplicated for a bounded time window, and
// handed to a Sender by a single background worker.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// EventType names a lifecycle event.
type EventType string

const (
	ExamPublished   EventType = "exam.published"
	ExamUnpublished EventType = "exam.unpublished"
	ExamCancelled   EventType = "exam.cancelled"
	ExamExtended    EventType = "exam.extended"
)

// Event is a single notification.
type Event struct {
	ID     uuid.UUID `json:"id"`
	Type   EventType `json:"type"`
	ExamID int64     `json:"exam_id"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

// NewEvent returns an event with a fresh ID.
func NewEvent(t EventType, examID int64, at time.Time, detail string) Event {
	return Event{ID: uuid.New(), Type: t, ExamID: examID, At: at, Detail: detail}
}

// Notifier accepts events. Notify must not block.
type Notifier interface {
	Notify(Event)
}

// Sender delivers one event to its destination.
type Sender interface {
	Send(ctx context.Context, e Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Notify(Event) {}

// LogSender writes events to the structured log.
type LogSender struct{}

func (LogSender) Send(_ context.Context, e Event) error {
	slog.Info("notification", "event_id", e.ID, "type", e.Type, "exam_id", e.ExamID, "at", e.At, "detail", e.Detail)
	return nil
}

// Options configures a Dispatcher.
type Options struct {
	QueueSize int
	DedupSize int
	DedupTTL  time.Duration
}

// DefaultOptions are used for zero fields of Options.
var DefaultOptions = Options{QueueSize: 256, DedupSize: 1024, DedupTTL: 10 * time.Minute}

// epoch is a run of same-typed events for one exam. An event of another type
// starts a new epoch, so an event repeated after the exam changed state in
// between is not a duplicate.
type epoch struct {
	last EventType
	n    uint64
}

// Dispatcher is a Notifier backed by a buffered queue and one worker.
// When the queue is full new events are dropped and logged.
type Dispatcher struct {
	sender Sender
	queue  chan Event
	seen   *expirable.LRU[string, struct{}]
	epochs *expirable.LRU[int64, epoch]
	nextN  uint64

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewDispatcher starts the worker. Call Close to drain the queue and stop it.
func NewDispatcher(sender Sender, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions.QueueSize
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = DefaultOptions.DedupSize
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = DefaultOptions.DedupTTL
	}
	d := &Dispatcher{
		sender: sender,
		queue:  make(chan Event, opts.QueueSize),
		seen:   expirable.NewLRU[string, struct{}](opts.DedupSize, nil, opts.DedupTTL),
		epochs: expirable.NewLRU[int64, epoch](opts.DedupSize, nil, opts.DedupTTL),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify enqueues e unless an identical event was seen within the TTL and
// the exam has not changed state since.
func (d *Dispatcher) Notify(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		slog.Warn("notification after close dropped", "type", e.Type, "exam_id", e.ExamID)
		return
	}
	k, ep := d.key(e)
	if d.seen.Contains(k) {
		slog.Debug("duplicate notification suppressed", "type", e.Type, "exam_id", e.ExamID)
		return
	}
	select {
	case d.queue <- e:
		d.seen.Add(k, struct{}{})
		d.epochs.Add(e.ExamID, ep)
	default:
		slog.Warn("notification queue full, event dropped", "type", e.Type, "exam_id", e.ExamID)
	}
}

// key returns the de-duplication key of e and the epoch it belongs to. Epoch
// numbers are never reused, so a forgotten epoch cannot collide with keys
// still in the cache. Callers hold d.mu.
func (d *Dispatcher) key(e Event) (string, epoch) {
	ep, ok := d.epochs.Get(e.ExamID)
	if !ok || ep.last != e.Type {
		d.nextN++
		ep = epoch{last: e.Type, n: d.nextN}
	}
	return fmt.Sprintf("%s/%d/%d/%s", e.Type, e.ExamID, ep.n, e.Detail), ep
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := d.sender.Send(ctx, e); err != nil {
			slog.Error("notification delivery failed", "event_id", e.ID, "type", e.Type, "exam_id", e.ExamID, "error", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits until queued ones are delivered
// or ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
