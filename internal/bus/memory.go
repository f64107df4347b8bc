package bus

import (
	"context"
	"sync"
	"time"
)

// MemoryBus dispatches events synchronously in-process. It backs tests and
// the no-Redis fallback wiring, and can simulate the transport's
// at-least-once behavior by delivering every event more than once.
type MemoryBus struct {
	mu       sync.Mutex
	handlers map[string][]Handler

	// Deliveries > 1 invokes every handler that many times per event.
	Deliveries int

	published []Event
}

// NewMemoryBus constructs an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string][]Handler), Deliveries: 1}
}

// Subscribe registers a handler for a detail type.
func (b *MemoryBus) Subscribe(detailType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[detailType] = append(b.handlers[detailType], handler)
}

// Publish stamps the envelope and dispatches it. The publish itself succeeds
// once recorded, like a real transport ack; handler errors do not propagate
// to the producer.
func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.published = append(b.published, event)
	handlers := append([]Handler(nil), b.handlers[event.DetailType]...)
	deliveries := b.Deliveries
	if deliveries < 1 {
		deliveries = 1
	}
	b.mu.Unlock()

	for i := 0; i < deliveries; i++ {
		for _, handler := range handlers {
			_ = handler(ctx, event)
		}
	}
	return nil
}

// Published returns every event published so far, in order.
func (b *MemoryBus) Published() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.published...)
}

// PublishedOfType returns the published events with the given detail type.
func (b *MemoryBus) PublishedOfType(detailType string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Event
	for _, event := range b.published {
		if event.DetailType == detailType {
			out = append(out, event)
		}
	}
	return out
}
