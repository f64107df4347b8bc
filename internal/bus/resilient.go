package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"stagecoach/internal/faults"
	"stagecoach/internal/logging"
	"stagecoach/internal/resilience"
)

// Outbox records events before the publish attempt so a sweeper can retry
// anything the bus never acknowledged.
type Outbox interface {
	Record(ctx context.Context, event Event) (int64, error)
	Ack(ctx context.Context, id int64) error
}

// ResilientPublisher wraps a raw publisher with breaker, timeout and retry.
// Publication is best-effort: on terminal failure it logs, counts the drop
// and reports success to the caller. The optional outbox closes the
// resulting durability gap.
type ResilientPublisher struct {
	inner   Publisher
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryPolicy
	timeout time.Duration
	logger  *logging.Logger
	outbox  Outbox
	onDrop  func(detailType string)
}

// ResilientPublisherConfig wires a ResilientPublisher.
type ResilientPublisherConfig struct {
	Breaker *resilience.CircuitBreaker
	Retry   resilience.RetryPolicy
	Timeout time.Duration
	Logger  *logging.Logger
	Outbox  Outbox
	// OnDrop observes terminally failed publishes, by detail type.
	OnDrop func(detailType string)
}

// NewResilientPublisher constructs the breaker+timeout+retry composition
// around inner.
func NewResilientPublisher(inner Publisher, cfg ResilientPublisherConfig) *ResilientPublisher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &ResilientPublisher{
		inner:   inner,
		breaker: cfg.Breaker,
		retry:   cfg.Retry,
		timeout: timeout,
		logger:  logger,
		outbox:  cfg.Outbox,
		onDrop:  cfg.OnDrop,
	}
}

// Publish stamps the envelope, then runs
// breaker.Execute(withTimeout(retry(publish))). It never returns an error to
// the step handler.
func (p *ResilientPublisher) Publish(ctx context.Context, event Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	logger := p.logger.WithCorrelation(event.CorrelationID)

	var outboxID int64 = -1
	if p.outbox != nil {
		id, err := p.outbox.Record(ctx, event)
		if err != nil {
			logger.Warn().Err(err).Str("detailType", event.DetailType).
				Msg("outbox record failed, publish proceeds unprotected")
		} else {
			outboxID = id
		}
	}

	attempt := func() error {
		return p.withTimeout(ctx, func(callCtx context.Context) error {
			return p.retry.Do(callCtx, func() error {
				return p.inner.Publish(callCtx, event)
			})
		})
	}

	var err error
	if p.breaker != nil {
		err = p.breaker.Execute(attempt, func() error { return resilience.ErrCircuitOpen })
	} else {
		err = attempt()
	}

	if err != nil {
		if p.onDrop != nil {
			p.onDrop(event.DetailType)
		}
		logger.Error().Err(err).
			Str("detailType", event.DetailType).
			Msg("event publish failed terminally, dropping")
		return nil
	}

	if outboxID >= 0 {
		if ackErr := p.outbox.Ack(ctx, outboxID); ackErr != nil {
			logger.Warn().Err(ackErr).Int64("outboxId", outboxID).
				Msg("outbox ack failed, sweeper may republish")
		}
	}
	return nil
}

// withTimeout bounds fn by wall clock. It abandons waiting when the deadline
// passes; the underlying call is not cancelled mid-flight.
func (p *ResilientPublisher) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return faults.New(faults.CodeTimeout, "publish timed out after %s", p.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
