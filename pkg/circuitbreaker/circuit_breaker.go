// Package circuitbreaker guards calls to remote inference services so a dead
// detector fails fast instead of stalling the frame pipeline.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	// Consecutive failures before opening the circuit
	FailureThreshold int64 `json:"failure_threshold"`

	// Successes needed in half-open before closing again
	SuccessThreshold int64 `json:"success_threshold"`

	// How long the circuit stays open before a trial call
	Cooldown time.Duration `json:"cooldown"`

	// Applied when the caller's context has no deadline
	RequestTimeout time.Duration `json:"request_timeout"`
}

// DefaultConfig returns defaults suited to per-frame detector calls
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Cooldown:         5 * time.Second,
		RequestTimeout:   2 * time.Second,
	}
}

// Statistics is a point-in-time copy of the breaker counters
type Statistics struct {
	TotalRequests       int64     `json:"total_requests"`
	FailedRequests      int64     `json:"failed_requests"`
	RejectedRequests    int64     `json:"rejected_requests"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	StateTransitions    int64     `json:"state_transitions"`
	LastFailureTime     time.Time `json:"last_failure_time"`
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name   string
	logger *logrus.Entry
	config *Config
	now    func() time.Time

	mutex       sync.Mutex
	state       State
	failures    int64
	successes   int64
	nextAttempt time.Time
	trialActive bool
	stats       Statistics

	onStateChange func(name string, from State, to State)
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config *Config, logger *logrus.Logger) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &CircuitBreaker{
		name:   name,
		logger: logger.WithField("circuit_breaker", name),
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allowRequest() {
		return NewCircuitBreakerOpenError(cb.name, StateOpen)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline && cb.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.config.RequestTimeout)
		defer cancel()
	}

	err := fn(ctx)
	if err != nil {
		cb.recordFailure(err)
		return err
	}
	cb.recordSuccess()
	return nil
}

// allowRequest lets every call through while closed and a single trial call
// through once the cooldown has elapsed
func (cb *CircuitBreaker) allowRequest() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Before(cb.nextAttempt) {
			cb.stats.RejectedRequests++
			return false
		}
		cb.setState(StateHalfOpen)
		cb.trialActive = true
		return true
	case StateHalfOpen:
		if cb.trialActive {
			cb.stats.RejectedRequests++
			return false
		}
		cb.trialActive = true
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.stats.TotalRequests++
	cb.stats.ConsecutiveFailures = 0
	cb.failures = 0

	if cb.state == StateHalfOpen {
		cb.trialActive = false
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) recordFailure(err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures++
	cb.stats.TotalRequests++
	cb.stats.FailedRequests++
	cb.stats.ConsecutiveFailures = cb.failures
	cb.stats.LastFailureTime = cb.now()

	if cb.state == StateHalfOpen || cb.failures >= cb.config.FailureThreshold {
		cb.trialActive = false
		cb.setState(StateOpen)
	}

	cb.logger.WithError(err).WithFields(logrus.Fields{
		"failures": cb.failures,
		"state":    cb.state.String(),
	}).Debug("Circuit breaker recorded failure")
}

// setState must be called with the mutex held
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		if newState == StateOpen {
			cb.nextAttempt = cb.now().Add(cb.config.Cooldown)
		}
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.stats.StateTransitions++

	switch newState {
	case StateOpen:
		cb.nextAttempt = cb.now().Add(cb.config.Cooldown)
	case StateClosed:
		cb.failures = 0
		cb.nextAttempt = time.Time{}
	case StateHalfOpen:
		cb.successes = 0
	}

	cb.logger.WithFields(logrus.Fields{
		"from_state": oldState.String(),
		"to_state":   newState.String(),
		"failures":   cb.failures,
	}).Info("Circuit breaker state changed")

	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, oldState, newState)
	}
}

// GetState returns the current circuit breaker state
func (cb *CircuitBreaker) GetState() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// GetStatistics returns a copy of the breaker counters
func (cb *CircuitBreaker) GetStatistics() Statistics {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.stats
}

// SetStateChangeCallback sets a callback for state changes
func (cb *CircuitBreaker) SetStateChangeCallback(callback func(name string, from State, to State)) {
	cb.mutex.Lock()
	cb.onStateChange = callback
	cb.mutex.Unlock()
}

// GetName returns the circuit breaker name
func (cb *CircuitBreaker) GetName() string {
	return cb.name
}

// IsOpen returns true if the circuit is open
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.GetState() == StateOpen
}
