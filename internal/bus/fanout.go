package bus

import (
	"context"
	"encoding/json"
)

// Broadcaster pushes messages to connected clients.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// FanoutPublisher forwards events to the bus and broadcasts the envelope to
// a realtime feed.
type FanoutPublisher struct {
	inner       Publisher
	broadcaster Broadcaster
}

// NewFanoutPublisher constructs a publisher that fan-outs to the bus and
// broadcaster.
func NewFanoutPublisher(inner Publisher, broadcaster Broadcaster) *FanoutPublisher {
	return &FanoutPublisher{inner: inner, broadcaster: broadcaster}
}

// Publish forwards to the bus then broadcasts the JSON envelope.
func (p *FanoutPublisher) Publish(ctx context.Context, event Event) error {
	if err := p.inner.Publish(ctx, event); err != nil {
		return err
	}

	if p.broadcaster != nil {
		if data, err := json.Marshal(event); err == nil {
			p.broadcaster.Broadcast(data)
		}
	}
	return nil
}
