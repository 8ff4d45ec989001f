// Package resilience provides per-service circuit breakers and the registry
// that maps request endpoints to them.
package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// errRecordedFailure is reported to gobreaker for calls recorded as failed.
var errRecordedFailure = errors.New("resilience: recorded failure")

// CircuitBreakerConfig holds configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker for logging.
	Name string

	// FailureThreshold is the number of consecutive failures that opens the circuit.
	// Default: 3
	FailureThreshold uint32

	// SuccessThreshold is the number of consecutive half-open successes that closes it.
	// Default: 1
	SuccessThreshold uint32

	// OpenDuration is how long the circuit stays open before a trial request is allowed.
	// Default: 60 seconds
	OpenDuration time.Duration

	// Logger receives state transitions.
	Logger zerolog.Logger

	// OnStateChange is called after every transition.
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultCircuitBreakerConfig returns the default configuration.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 3,
		SuccessThreshold: 1,
		OpenDuration:     60 * time.Second,
		Logger:           zerolog.Nop(),
	}
}

// CircuitBreaker tracks the health of one service.
//
// Transitions are evaluated lazily: an open circuit moves to half-open the first
// time CanRequest observes that OpenDuration has elapsed. No timers are used.
type CircuitBreaker struct {
	cb     *gobreaker.TwoStepCircuitBreaker[struct{}]
	config CircuitBreakerConfig

	mu            sync.Mutex
	nextAttemptAt time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 60 * time.Second
	}

	b := &CircuitBreaker{config: cfg}
	threshold := cfg.FailureThreshold

	b.cb = gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.SuccessThreshold,
		Interval:    0,
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: b.onStateChange,
	})

	return b
}

// onStateChange runs under gobreaker's lock; it must not call back into b.cb.
func (b *CircuitBreaker) onStateChange(name string, from, to gobreaker.State) {
	b.mu.Lock()
	if to == gobreaker.StateOpen {
		b.nextAttemptAt = time.Now().Add(b.config.OpenDuration)
	} else {
		b.nextAttemptAt = time.Time{}
	}
	next := b.nextAttemptAt
	b.mu.Unlock()

	var event *zerolog.Event
	if to == gobreaker.StateOpen {
		event = b.config.Logger.Warn().Time("next_attempt_at", next)
	} else {
		event = b.config.Logger.Info()
	}
	event.
		Str("service", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit breaker state changed")

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(name, from, to)
	}
}

// Name returns the service name of the breaker.
func (b *CircuitBreaker) Name() string {
	return b.config.Name
}

// CanRequest reports whether a request may be sent. It returns false only while
// the circuit is open and OpenDuration has not elapsed; evaluating it after the
// window has elapsed moves the circuit to half-open.
func (b *CircuitBreaker) CanRequest() bool {
	return b.cb.State() != gobreaker.StateOpen
}

// RecordSuccess records a successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.record(true)
}

// RecordFailure records a failed call.
func (b *CircuitBreaker) RecordFailure() {
	b.record(false)
}

func (b *CircuitBreaker) record(success bool) {
	done, err := b.cb.Allow()
	if err != nil {
		// Open, or half-open with all trial slots used: the outcome cannot change state.
		if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.config.Logger.Debug().Err(err).Str("service", b.config.Name).Msg("circuit breaker rejected outcome")
		}
		return
	}
	if success {
		done(nil)
		return
	}
	done(errRecordedFailure)
}

// State returns the current circuit state.
func (b *CircuitBreaker) State() gobreaker.State {
	return b.cb.State()
}

// Counts returns the counters of the current generation.
func (b *CircuitBreaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

// FailureCount returns the number of consecutive failures.
func (b *CircuitBreaker) FailureCount() uint32 {
	return b.cb.Counts().ConsecutiveFailures
}

// SuccessCount returns the number of consecutive successes.
func (b *CircuitBreaker) SuccessCount() uint32 {
	return b.cb.Counts().ConsecutiveSuccesses
}

// NextAttemptAt returns when an open circuit will admit a trial request.
// It is the zero time unless the circuit is open.
func (b *CircuitBreaker) NextAttemptAt() time.Time {
	state := b.cb.State()

	b.mu.Lock()
	defer b.mu.Unlock()
	if state != gobreaker.StateOpen {
		return time.Time{}
	}
	return b.nextAttemptAt
}
