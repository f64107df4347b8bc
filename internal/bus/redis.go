package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"stagecoach/internal/faults"
	"stagecoach/internal/logging"
)

// StreamBus publishes and consumes saga events over a Redis Stream with
// consumer groups. Unacknowledged entries stay pending, which gives the
// required at-least-once delivery.
type StreamBus struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *logging.Logger
}

// NewStreamBus constructs a stream bus on the given stream name.
func NewStreamBus(client *redis.Client, stream string, maxLen int64, logger *logging.Logger) *StreamBus {
	if stream == "" {
		stream = "saga-events"
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &StreamBus{client: client, stream: stream, maxLen: maxLen, logger: logger}
}

// Publish appends the JSON envelope to the stream.
func (b *StreamBus) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]any{"data": string(data)},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if err := b.client.XAdd(ctx, args).Err(); err != nil {
		return faults.Wrap(faults.CodeUnavailable, err, "xadd %s", b.stream)
	}
	return nil
}

// ConsumerConfig controls a stream consumer loop.
type ConsumerConfig struct {
	Group     string
	Consumer  string
	BatchSize int64
	Block     time.Duration
}

// Consume reads the stream on behalf of group/consumer and dispatches each
// event to the handler registered for its detail type. Handled messages are
// acked; failed ones are left pending for redelivery. Blocks until ctx ends.
func (b *StreamBus) Consume(ctx context.Context, cfg ConsumerConfig, handlers map[string]Handler) error {
	if cfg.Group == "" || cfg.Consumer == "" {
		return faults.New(faults.CodeValidation, "consumer group and name are required")
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 16
	}
	block := cfg.Block
	if block <= 0 {
		block = 2 * time.Second
	}

	err := b.client.XGroupCreateMkStream(ctx, b.stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return faults.Wrap(faults.CodeUnavailable, err, "create group %s", cfg.Group)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    cfg.Group,
			Consumer: cfg.Consumer,
			Streams:  []string{b.stream, ">"},
			Count:    batch,
			Block:    block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			b.logger.Warn().Err(err).Msg("stream read failed, backing off")
			if sleepErr := sleepCtx(ctx, block); sleepErr != nil {
				return sleepErr
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.dispatch(ctx, cfg.Group, msg, handlers)
			}
		}
	}
}

func (b *StreamBus) dispatch(ctx context.Context, group string, msg redis.XMessage, handlers map[string]Handler) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		// Malformed entry; ack so it does not wedge the group.
		b.logger.Warn().Str("id", msg.ID).Msg("stream entry missing data field")
		b.client.XAck(ctx, b.stream, group, msg.ID)
		return
	}

	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		b.logger.Warn().Err(err).Str("id", msg.ID).Msg("undecodable stream entry")
		b.client.XAck(ctx, b.stream, group, msg.ID)
		return
	}

	handler, ok := handlers[event.DetailType]
	if !ok {
		b.client.XAck(ctx, b.stream, group, msg.ID)
		return
	}

	if err := handler(ctx, event); err != nil {
		b.logger.WithCorrelation(event.CorrelationID).Error().Err(err).
			Str("detailType", event.DetailType).
			Msg("event handler failed, leaving pending")
		return
	}
	b.client.XAck(ctx, b.stream, group, msg.ID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
