package resilience_test

import (
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breatheroute/netlayer/internal/resilience"
)

func newBreaker(threshold uint32, open time.Duration) *resilience.CircuitBreaker {
	cfg := resilience.DefaultCircuitBreakerConfig("test")
	cfg.FailureThreshold = threshold
	cfg.OpenDuration = open
	return resilience.NewCircuitBreaker(cfg)
}

func TestDefaultCircuitBreakerConfig(t *testing.T) {
	cfg := resilience.DefaultCircuitBreakerConfig("messages")

	assert.Equal(t, "messages", cfg.Name)
	assert.Equal(t, uint32(3), cfg.FailureThreshold)
	assert.Equal(t, uint32(1), cfg.SuccessThreshold)
	assert.Equal(t, 60*time.Second, cfg.OpenDuration)
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	b := newBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.CanRequest(), "below threshold stays closed")
	assert.Equal(t, uint32(2), b.FailureCount())
	assert.True(t, b.NextAttemptAt().IsZero())

	b.RecordFailure()
	assert.False(t, b.CanRequest())
	assert.Equal(t, gobreaker.StateOpen, b.State())
	assert.WithinDuration(t, time.Now().Add(time.Minute), b.NextAttemptAt(), time.Second)
}

func TestCircuitBreaker_RecordsOutcomes(t *testing.T) {
	b := newBreaker(5, time.Minute)

	b.RecordSuccess()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()

	counts := b.Counts()
	assert.Equal(t, uint32(4), counts.Requests)
	assert.Equal(t, uint32(2), counts.TotalSuccesses)
	assert.Equal(t, uint32(2), counts.TotalFailures)
	assert.Equal(t, uint32(1), counts.ConsecutiveFailures)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := newBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	assert.Equal(t, uint32(0), b.FailureCount())

	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.CanRequest(), "failures are consecutive, not cumulative")
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	b := newBreaker(3, 100*time.Millisecond)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.False(t, b.CanRequest())

	time.Sleep(150 * time.Millisecond)

	assert.True(t, b.CanRequest())
	assert.Equal(t, gobreaker.StateHalfOpen, b.State())
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := newBreaker(3, 50*time.Millisecond)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(80 * time.Millisecond)
	require.True(t, b.CanRequest())

	b.RecordSuccess()

	assert.Equal(t, gobreaker.StateClosed, b.State())
	assert.True(t, b.CanRequest())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := newBreaker(3, 50*time.Millisecond)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(80 * time.Millisecond)
	require.True(t, b.CanRequest())

	before := time.Now()
	b.RecordFailure()

	assert.Equal(t, gobreaker.StateOpen, b.State())
	assert.False(t, b.CanRequest())
	assert.True(t, b.NextAttemptAt().After(before), "open window is reset")
}

func TestCircuitBreaker_SuccessThreshold(t *testing.T) {
	cfg := resilience.DefaultCircuitBreakerConfig("test")
	cfg.OpenDuration = 50 * time.Millisecond
	cfg.SuccessThreshold = 2
	b := resilience.NewCircuitBreaker(cfg)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	time.Sleep(80 * time.Millisecond)
	require.True(t, b.CanRequest())

	b.RecordSuccess()
	assert.Equal(t, gobreaker.StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []gobreaker.State
	cfg := resilience.DefaultCircuitBreakerConfig("test")
	cfg.FailureThreshold = 1
	cfg.OpenDuration = 20 * time.Millisecond
	cfg.OnStateChange = func(_ string, _, to gobreaker.State) {
		transitions = append(transitions, to)
	}
	b := resilience.NewCircuitBreaker(cfg)

	b.RecordFailure()
	time.Sleep(40 * time.Millisecond)
	b.CanRequest()
	b.RecordSuccess()

	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen, gobreaker.StateHalfOpen, gobreaker.StateClosed}, transitions)
}

func TestJitterBackOff_Sequence(t *testing.T) {
	b := resilience.NewJitterBackOff(400*time.Millisecond, 300*time.Millisecond)

	first := b.NextBackOff()
	assert.GreaterOrEqual(t, first, 400*time.Millisecond)
	assert.Less(t, first, 700*time.Millisecond)

	second := b.NextBackOff()
	assert.GreaterOrEqual(t, second, 800*time.Millisecond)
	assert.Less(t, second, 1100*time.Millisecond)

	b.Reset()
	again := b.NextBackOff()
	assert.Less(t, again, 700*time.Millisecond)
}

func TestJitterBackOff_NoJitter(t *testing.T) {
	b := resilience.NewJitterBackOff(10*time.Millisecond, 0)

	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 20*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 40*time.Millisecond, b.NextBackOff())
}
