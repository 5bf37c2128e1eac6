package events

import (
	"context"
	"errors"
	"sync"

	"credit_ledger/internal/queue"
)

// Publisher delivers events. Publishing is best-effort: callers publish after
// the ledger has committed and only log failures.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NoopPublisher drops every event
type NoopPublisher struct{}

// Publish implements Publisher
func (NoopPublisher) Publish(ctx context.Context, ev Event) error {
	return nil
}

// MultiPublisher fans an event out to several publishers.
type MultiPublisher []Publisher

// Publish delivers to every publisher and joins their errors.
func (m MultiPublisher) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// QueuePublisher enqueues events for asynchronous consumers such as the archiver.
type QueuePublisher struct {
	queue queue.Queue
}

// NewQueuePublisher creates a publisher backed by q
func NewQueuePublisher(q queue.Queue) *QueuePublisher {
	return &QueuePublisher{queue: q}
}

// Publish implements Publisher
func (p *QueuePublisher) Publish(ctx context.Context, ev Event) error {
	return p.queue.Enqueue(ctx, ev)
}

// MemoryPublisher records events in memory
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryPublisher creates an empty MemoryPublisher
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish implements Publisher
func (p *MemoryPublisher) Publish(ctx context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

// Events returns a copy of the recorded events
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// OfType returns the recorded events of one type
func (p *MemoryPublisher) OfType(typ Type) []Event {
	var out []Event
	for _, ev := range p.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
