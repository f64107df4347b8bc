package resilience

import (
	"sync"
	"time"

	"stagecoach/internal/faults"
)

// ErrCircuitOpen indicates a call was rejected because the breaker is open.
var ErrCircuitOpen = faults.New(faults.CodeCircuitOpen, "circuit breaker open")

// BreakerState names the breaker's externally visible state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold failures within MonitoringPeriod open the circuit.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// Timeout is how long an open circuit rejects before probing.
	Timeout time.Duration
	// MonitoringPeriod bounds how long failures accumulate; an older failure
	// streak restarts the count instead of growing it forever.
	MonitoringPeriod time.Duration
	Now              func() time.Time
}

// CircuitBreaker stops calling a dependency after repeated failures. State is
// process-local; under horizontal scale-out each instance keeps its own
// circuit, which acts as a per-instance bulkhead.
type CircuitBreaker struct {
	mu               sync.Mutex
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	monitoringPeriod time.Duration
	now              func() time.Time

	state           BreakerState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	nextAttemptTime time.Time
	halfOpenFlight  bool
}

// NewCircuitBreaker constructs a breaker with sane defaults.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	failureThreshold := cfg.FailureThreshold
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	successThreshold := cfg.SuccessThreshold
	if successThreshold < 1 {
		successThreshold = 2
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	monitoringPeriod := cfg.MonitoringPeriod
	if monitoringPeriod <= 0 {
		monitoringPeriod = 2 * time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		monitoringPeriod: monitoringPeriod,
		now:              now,
		state:            BreakerClosed,
	}
}

// State reports the current breaker state.
func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Execute runs fn while enforcing breaker state. When the circuit rejects the
// call (or a failure opens it), fallback runs instead if provided; otherwise
// the caller sees ErrCircuitOpen or the original error.
func (c *CircuitBreaker) Execute(fn func() error, fallback func() error) error {
	if c == nil {
		return fn()
	}

	now := c.now()

	c.mu.Lock()
	switch c.state {
	case BreakerOpen:
		if now.Before(c.nextAttemptTime) {
			c.mu.Unlock()
			return c.runFallback(fallback, ErrCircuitOpen)
		}
		c.state = BreakerHalfOpen
		c.successCount = 0
	case BreakerHalfOpen:
		// Exactly one trial probe at a time.
		if c.halfOpenFlight {
			c.mu.Unlock()
			return c.runFallback(fallback, ErrCircuitOpen)
		}
	}
	if c.state == BreakerHalfOpen {
		c.halfOpenFlight = true
	}
	c.mu.Unlock()

	err := fn()

	c.mu.Lock()
	if c.state == BreakerHalfOpen {
		c.halfOpenFlight = false
	}

	if err == nil {
		c.onSuccess()
		c.mu.Unlock()
		return nil
	}

	opened := c.onFailure(now)
	c.mu.Unlock()

	if opened {
		return c.runFallback(fallback, err)
	}
	return err
}

// onSuccess is called with the lock held.
func (c *CircuitBreaker) onSuccess() {
	c.failureCount = 0
	if c.state != BreakerHalfOpen {
		return
	}
	c.successCount++
	if c.successCount >= c.successThreshold {
		c.state = BreakerClosed
		c.successCount = 0
		c.lastFailureTime = time.Time{}
		c.nextAttemptTime = time.Time{}
	}
}

// onFailure is called with the lock held and reports whether the circuit is
// now open.
func (c *CircuitBreaker) onFailure(now time.Time) bool {
	// Failures decay: a stale streak restarts at 1 instead of accumulating.
	if !c.lastFailureTime.IsZero() && now.Sub(c.lastFailureTime) > c.monitoringPeriod {
		c.failureCount = 0
	}
	c.failureCount++
	c.lastFailureTime = now

	if c.state == BreakerHalfOpen {
		c.open(now)
		return true
	}
	if c.failureCount >= c.failureThreshold {
		c.open(now)
		return true
	}
	return false
}

func (c *CircuitBreaker) open(now time.Time) {
	c.state = BreakerOpen
	c.successCount = 0
	c.nextAttemptTime = now.Add(c.timeout)
}

func (c *CircuitBreaker) runFallback(fallback func() error, err error) error {
	if fallback != nil {
		return fallback()
	}
	return err
}
