package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// State of a circuit breaker.
//
// State transitions:
//
//	Closed -> Open:      consecutive failures reach MaxFailures
//	Open -> HalfOpen:    RecoveryTimeout elapsed since the last failure
//	HalfOpen -> Closed:  a probe succeeds
//	HalfOpen -> Open:    a probe fails
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	// Name identifies the protected provider, e.g. "ses" or "postmark".
	Name string

	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int

	// RecoveryTimeout is how long the circuit stays open before a probe.
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests caps concurrent probes while half-open.
	HalfOpenMaxRequests int

	// OnStateChange, if set, is called with the lock released after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker stops calling a mail provider after repeated failures and
// probes it again once RecoveryTimeout has passed.
type CircuitBreaker struct {
	mu     sync.RWMutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state            State
	failureCount     int
	lastFailureTime  time.Time
	lastStateChange  time.Time
	halfOpenRequests int

	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
}

// New creates a new CircuitBreaker with the given configuration.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}

	cb := &CircuitBreaker{
		config: cfg,
		logger: logger,
		now:    time.Now,
		state:  StateClosed,
	}
	cb.lastStateChange = cb.now()

	logger.Info("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)

	return cb
}

// Name returns the configured breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()

	cb.totalRequests++
	var (
		allowed bool
		changed bool
		from    = cb.state
	)

	switch cb.state {
	case StateClosed:
		allowed = true

	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			changed = cb.transitionTo(StateHalfOpen)
			cb.halfOpenRequests = 1
			allowed = true
		} else {
			cb.totalRejected++
		}

	case StateHalfOpen:
		if cb.halfOpenRequests < cb.config.HalfOpenMaxRequests {
			cb.halfOpenRequests++
			allowed = true
		} else {
			cb.totalRejected++
		}
	}

	to := cb.state
	cb.mu.Unlock()

	if changed {
		cb.logger.Info("circuit breaker allowing probe request", zap.String("name", cb.config.Name))
		cb.notify(from, to)
	}
	return allowed
}

// RecordSuccess closes a half-open circuit and clears the failure streak.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()

	cb.totalSuccesses++
	cb.failureCount = 0
	from := cb.state
	changed := false
	if cb.state == StateHalfOpen {
		changed = cb.transitionTo(StateClosed)
	}
	cb.mu.Unlock()

	if changed {
		cb.logger.Info("circuit breaker closed, provider recovered", zap.String("name", cb.config.Name))
		cb.notify(from, StateClosed)
	}
}

// RecordFailure counts a failed call, opening the circuit at MaxFailures or
// immediately when a half-open probe fails.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()

	cb.totalFailures++
	cb.failureCount++
	cb.lastFailureTime = cb.now()
	from := cb.state
	changed := false

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.MaxFailures {
			changed = cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		changed = cb.transitionTo(StateOpen)
	}
	failures := cb.failureCount
	cb.mu.Unlock()

	if changed {
		cb.logger.Warn("circuit breaker opened",
			zap.String("name", cb.config.Name),
			zap.String("from", from.String()),
			zap.Int("failures", failures),
			zap.Int("threshold", cb.config.MaxFailures),
		)
		cb.notify(from, StateOpen)
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Health maps the breaker state onto a channel health status.
func (cb *CircuitBreaker) Health() db.HealthStatus {
	switch cb.GetState() {
	case StateClosed:
		return db.HealthHealthy
	case StateHalfOpen:
		return db.HealthDegraded
	default:
		return db.HealthUnhealthy
	}
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	s := Stats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		FailureCount:    cb.failureCount,
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalSuccesses:  cb.totalSuccesses,
		TotalRejected:   cb.totalRejected,
		LastStateChange: cb.lastStateChange.Format(time.RFC3339),
	}

	if !cb.lastFailureTime.IsZero() {
		s.LastFailure = cb.lastFailureTime.Format(time.RFC3339)
	}

	return s
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	changed := cb.transitionTo(StateClosed)
	cb.failureCount = 0
	cb.halfOpenRequests = 0
	cb.mu.Unlock()

	cb.logger.Info("circuit breaker manually reset", zap.String("name", cb.config.Name))
	if changed {
		cb.notify(from, StateClosed)
	}
}

// transitionTo must be called with the lock held. It reports whether the state changed.
func (cb *CircuitBreaker) transitionTo(newState State) bool {
	if cb.state == newState {
		return false
	}
	cb.state = newState
	cb.lastStateChange = cb.now()
	cb.halfOpenRequests = 0
	return true
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

func (cb *CircuitBreaker) String() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.config.Name, cb.state, cb.failureCount, cb.config.MaxFailures)
}
