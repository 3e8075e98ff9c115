package resilience

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/NikhilSetiya/refinery/pkg/errors"
	"github.com/NikhilSetiya/refinery/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, a single trial request is allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON snapshots.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name of the circuit breaker for logging/metrics, usually the resource class
	Name string
	// FailureThreshold is the number of failures inside MonitoringWindow that opens the circuit
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open trial successes that closes it
	SuccessThreshold int
	// Timeout is how long the circuit stays open, measured from the moment it opened
	Timeout time.Duration
	// MonitoringWindow bounds how far back failures are counted in the closed state
	MonitoringWindow time.Duration
	// OnStateChange is called after the breaker's lock is released
	OnStateChange func(name string, from CircuitState, to CircuitState)
	// Clock overrides time.Now, for tests
	Clock func() time.Time
	// Logger defaults to the global logger
	Logger *logging.Logger
}

// DefaultCircuitBreakerConfig returns the default breaker settings for a resource class.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		MonitoringWindow: 60 * time.Second,
	}
}

// CircuitSnapshot is a point-in-time copy of a breaker's state.
type CircuitSnapshot struct {
	Name                string       `json:"name"`
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	WindowFailures      int          `json:"window_failures"`
	HalfOpenSuccesses   int          `json:"half_open_successes"`
	OpenedAt            time.Time    `json:"opened_at,omitempty"`
	NextAttemptAt       time.Time    `json:"next_attempt_at,omitempty"`
}

// CircuitBreaker is a state machine that fails fast while a resource class is
// unhealthy. It only knows whether a call failed, never why.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	window           time.Duration
	onStateChange    func(name string, from CircuitState, to CircuitState)
	now              func() time.Time

	mutex               sync.Mutex
	state               CircuitState
	generation          uint64
	failures            []time.Time
	consecutiveFailures int
	halfOpenSuccesses   int
	trialInFlight       bool
	openedAt            time.Time
	nextAttempt         time.Time

	logger *logging.Logger
}

type transition struct {
	from, to CircuitState
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig(config.Name)
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MonitoringWindow <= 0 {
		config.MonitoringWindow = defaults.MonitoringWindow
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Logger == nil {
		config.Logger = logging.GetLogger()
	}

	return &CircuitBreaker{
		name:             config.Name,
		failureThreshold: config.FailureThreshold,
		successThreshold: config.SuccessThreshold,
		timeout:          config.Timeout,
		window:           config.MonitoringWindow,
		onStateChange:    config.OnStateChange,
		now:              config.Clock,
		logger:           config.Logger,
		state:            StateClosed,
		generation:       1,
	}
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Allow asks to let one call through. The returned generation must be handed
// back to exactly one of RecordSuccess, RecordFailure or Release.
//
// An OPEN breaker whose timeout has elapsed moves to HALF_OPEN and admits the
// caller as the trial. While a trial is in flight every other caller is
// rejected.
func (cb *CircuitBreaker) Allow() (uint64, error) {
	cb.mutex.Lock()
	now := cb.now()
	var changes []transition

	switch cb.state {
	case StateOpen:
		if now.Before(cb.nextAttempt) {
			err := &CircuitOpenError{Name: cb.name, State: StateOpen, RemainingWait: cb.nextAttempt.Sub(now)}
			cb.mutex.Unlock()
			return 0, err
		}
		changes = append(changes, cb.setState(StateHalfOpen, now))
		cb.trialInFlight = true
	case StateHalfOpen:
		if cb.trialInFlight {
			err := &CircuitOpenError{Name: cb.name, State: StateHalfOpen}
			cb.mutex.Unlock()
			return 0, err
		}
		cb.trialInFlight = true
	}

	generation := cb.generation
	cb.mutex.Unlock()
	cb.notify(changes)
	return generation, nil
}

// RecordSuccess reports a successful call admitted under generation.
func (cb *CircuitBreaker) RecordSuccess(generation uint64) {
	cb.record(generation, true)
}

// RecordFailure reports a failed call admitted under generation.
func (cb *CircuitBreaker) RecordFailure(generation uint64) {
	cb.record(generation, false)
}

// Release gives back a permit without an outcome, for calls abandoned
// because the caller went away.
func (cb *CircuitBreaker) Release(generation uint64) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if generation == cb.generation && cb.state == StateHalfOpen {
		cb.trialInFlight = false
	}
}

func (cb *CircuitBreaker) record(generation uint64, success bool) {
	cb.mutex.Lock()
	if generation != cb.generation {
		// Outcome of a call admitted before the last state change.
		cb.mutex.Unlock()
		return
	}

	now := cb.now()
	var changes []transition
	if success {
		changes = cb.onSuccess(now)
	} else {
		changes = cb.onFailure(now)
	}
	cb.mutex.Unlock()
	cb.notify(changes)
}

func (cb *CircuitBreaker) onSuccess(now time.Time) []transition {
	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures = 0
	case StateHalfOpen:
		cb.trialInFlight = false
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.successThreshold {
			return []transition{cb.setState(StateClosed, now)}
		}
	}
	return nil
}

func (cb *CircuitBreaker) onFailure(now time.Time) []transition {
	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures++
		cb.failures = append(cb.failures, now)
		cb.pruneFailures(now)
		if len(cb.failures) >= cb.failureThreshold {
			return []transition{cb.setState(StateOpen, now)}
		}
	case StateHalfOpen:
		cb.consecutiveFailures++
		return []transition{cb.setState(StateOpen, now)}
	}
	return nil
}

// pruneFailures drops failure timestamps older than the monitoring window.
func (cb *CircuitBreaker) pruneFailures(now time.Time) {
	cutoff := now.Add(-cb.window)
	keep := sort.Search(len(cb.failures), func(i int) bool {
		return cb.failures[i].After(cutoff)
	})
	if keep > 0 {
		cb.failures = append(cb.failures[:0], cb.failures[keep:]...)
	}
}

// setState must be called with the mutex held.
func (cb *CircuitBreaker) setState(state CircuitState, now time.Time) transition {
	prev := cb.state
	cb.state = state
	cb.generation++
	cb.trialInFlight = false
	cb.halfOpenSuccesses = 0

	switch state {
	case StateOpen:
		cb.openedAt = now
		cb.nextAttempt = now.Add(cb.timeout)
	case StateClosed:
		cb.failures = nil
		cb.consecutiveFailures = 0
		cb.openedAt = time.Time{}
		cb.nextAttempt = time.Time{}
	}

	return transition{from: prev, to: state}
}

func (cb *CircuitBreaker) notify(changes []transition) {
	for _, t := range changes {
		if t.from == t.to {
			continue
		}
		cb.logger.Info("Circuit breaker state changed",
			"name", cb.name,
			"from", t.from.String(),
			"to", t.to.String(),
		)
		if cb.onStateChange != nil {
			cb.onStateChange(cb.name, t.from, t.to)
		}
	}
}

// State returns the current state of the circuit breaker. It does not move
// an expired OPEN circuit to HALF_OPEN; only Allow does.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.state
}

// Snapshot returns a copy of the breaker's state
func (cb *CircuitBreaker) Snapshot() CircuitSnapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.pruneFailures(cb.now())
	return CircuitSnapshot{
		Name:                cb.name,
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		WindowFailures:      len(cb.failures),
		HalfOpenSuccesses:   cb.halfOpenSuccesses,
		OpenedAt:            cb.openedAt,
		NextAttemptAt:       cb.nextAttempt,
	}
}

// Reset forces the breaker back to CLOSED with an empty failure log.
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	t := cb.setState(StateClosed, cb.now())
	cb.mutex.Unlock()
	cb.notify([]transition{t})
}

// BreakerSet lazily creates one circuit breaker per resource class from a
// shared template.
type BreakerSet struct {
	template CircuitBreakerConfig

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates a breaker set. The template's Name is replaced by
// the resource class.
func NewBreakerSet(template CircuitBreakerConfig) *BreakerSet {
	return &BreakerSet{
		template: template,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for a resource class, creating it on first use.
func (s *BreakerSet) Get(resourceClass string) *CircuitBreaker {
	s.mu.RLock()
	cb, ok := s.breakers[resourceClass]
	s.mu.RUnlock()
	if ok {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok = s.breakers[resourceClass]; ok {
		return cb
	}
	cfg := s.template
	cfg.Name = resourceClass
	cb = NewCircuitBreaker(cfg)
	s.breakers[resourceClass] = cb
	return cb
}

// Lookup returns the breaker for a resource class without creating it.
func (s *BreakerSet) Lookup(resourceClass string) (*CircuitBreaker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cb, ok := s.breakers[resourceClass]
	return cb, ok
}

// Snapshots returns a copy of every known breaker keyed by resource class.
func (s *BreakerSet) Snapshots() map[string]CircuitSnapshot {
	s.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(s.breakers))
	for _, cb := range s.breakers {
		breakers = append(breakers, cb)
	}
	s.mu.RUnlock()

	out := make(map[string]CircuitSnapshot, len(breakers))
	for _, cb := range breakers {
		out[cb.Name()] = cb.Snapshot()
	}
	return out
}

// Reset manually closes the breaker of a resource class. It reports false
// when the class has never been used.
func (s *BreakerSet) Reset(resourceClass string) bool {
	cb, ok := s.Lookup(resourceClass)
	if !ok {
		return false
	}
	cb.Reset()
	return true
}

// CircuitOpenError is returned when a breaker rejects a call. It is not an
// attempt and never consumes retry budget.
type CircuitOpenError struct {
	Name          string
	State         CircuitState
	RemainingWait time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker '%s' is half-open with a trial in flight", e.Name)
	}
	return fmt.Sprintf("circuit breaker '%s' is open, retry in %s", e.Name, e.RemainingWait.Round(time.Millisecond))
}

// ErrorType classifies the error in the application taxonomy.
func (e *CircuitOpenError) ErrorType() apperrors.ErrorType {
	return apperrors.ErrorTypeCircuitOpen
}

// IsCircuitOpenError checks if an error is a circuit breaker rejection
func IsCircuitOpenError(err error) bool {
	var cbErr *CircuitOpenError
	return errors.As(err, &cbErr)
}
