package payments

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"stagecoach/internal/faults"
	"stagecoach/internal/resilience"
)

// Gateway is the outbound payment processor client. Charge returns the
// processor's transaction id; a non-nil error means the charge did not land.
type Gateway interface {
	Charge(ctx context.Context, orderID string, amount float64, currency string) (string, error)
	Refund(ctx context.Context, transactionID string, amount float64) (string, error)
}

var declineReasons = []string{
	"insufficient funds",
	"card declined",
	"expired card",
	"invalid card number",
}

// MockGateway simulates a processor: charges succeed unless the configured
// failure rate fires, in which case a decline reason comes back as a
// non-retryable domain error.
type MockGateway struct {
	mu          sync.Mutex
	failureRate float64
	rand        *rand.Rand
	now         func() time.Time
}

// NewMockGateway constructs a simulated gateway declining the given fraction
// of charges (0 never declines, 1 always declines).
func NewMockGateway(failureRate float64, seed int64) *MockGateway {
	return &MockGateway{
		failureRate: failureRate,
		rand:        rand.New(rand.NewSource(seed)),
		now:         time.Now,
	}
}

func (g *MockGateway) Charge(ctx context.Context, orderID string, amount float64, currency string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rand.Float64() < g.failureRate {
		reason := declineReasons[g.rand.Intn(len(declineReasons))]
		return "", faults.New(faults.CodeDomainRule, "charge declined: %s", reason)
	}
	return fmt.Sprintf("txn_%d_%06d", g.now().UnixMilli(), g.rand.Intn(1_000_000)), nil
}

func (g *MockGateway) Refund(ctx context.Context, transactionID string, amount float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return fmt.Sprintf("rfnd_%d_%06d", g.now().UnixMilli(), g.rand.Intn(1_000_000)), nil
}

// ReliableGateway wraps a Gateway with rate limiting, a circuit breaker, and
// retries. Only transport-level failures are retried; a decline comes back
// on the first attempt.
type ReliableGateway struct {
	base    Gateway
	limiter *resilience.RateLimiter
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryPolicy
}

// NewReliableGateway constructs a reliability-wrapped gateway client.
func NewReliableGateway(base Gateway, limiter *resilience.RateLimiter, breaker *resilience.CircuitBreaker, retry resilience.RetryPolicy) *ReliableGateway {
	return &ReliableGateway{
		base:    base,
		limiter: limiter,
		breaker: breaker,
		retry:   retry,
	}
}

func (g *ReliableGateway) Charge(ctx context.Context, orderID string, amount float64, currency string) (string, error) {
	var transactionID string
	err := g.do(ctx, func() error {
		var callErr error
		transactionID, callErr = g.base.Charge(ctx, orderID, amount, currency)
		return callErr
	})
	if err != nil {
		return "", err
	}
	return transactionID, nil
}

func (g *ReliableGateway) Refund(ctx context.Context, transactionID string, amount float64) (string, error) {
	var refundID string
	err := g.do(ctx, func() error {
		var callErr error
		refundID, callErr = g.base.Refund(ctx, transactionID, amount)
		return callErr
	})
	if err != nil {
		return "", err
	}
	return refundID, nil
}

func (g *ReliableGateway) do(ctx context.Context, fn func() error) error {
	attempt := func() error {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if g.breaker != nil {
			return g.breaker.Execute(fn, nil)
		}
		return fn()
	}
	return g.retry.Do(ctx, attempt)
}
