package resilience_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breatheroute/netlayer/internal/resilience"
)

func newRegistry(exempt []string) *resilience.Registry {
	cfg := resilience.DefaultCircuitBreakerConfig("")
	cfg.OpenDuration = time.Minute
	return resilience.NewRegistry(resilience.RegistryConfig{
		Breaker:        cfg,
		ExemptServices: exempt,
		Logger:         zerolog.Nop(),
	})
}

func TestServiceKey(t *testing.T) {
	tests := []struct {
		endpoint string
		expected string
	}{
		{"/messages/123", "messages"},
		{"messages/123", "messages"},
		{"/feed", "feed"},
		{"/feed?page=2", "feed"},
		{"//profile//me", "profile"},
		{"/", resilience.RootServiceKey},
		{"", resilience.RootServiceKey},
		{"https://api.example.com/Matching/queue", "matching"},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			assert.Equal(t, tt.expected, resilience.ServiceKey(tt.endpoint))
		})
	}
}

func TestRegistry_LazyCreation(t *testing.T) {
	registry := newRegistry(nil)
	assert.Equal(t, 0, registry.ServiceCount())
	assert.Nil(t, registry.GetHealth("messages"))

	b1 := registry.ForEndpoint("/messages/1")
	b2 := registry.ForEndpoint("/messages/2")

	assert.Same(t, b1, b2)
	assert.Equal(t, "messages", b1.Name())
	assert.Equal(t, 1, registry.ServiceCount())
	assert.Equal(t, []string{"messages"}, registry.ServiceNames())
}

func TestRegistry_IsolatesServices(t *testing.T) {
	registry := newRegistry([]string{})

	for i := 0; i < 3; i++ {
		registry.RecordFailure("/messages/1", assert.AnError)
	}

	assert.False(t, registry.CanRequest("/messages/2"))
	assert.True(t, registry.CanRequest("/profile/me"), "other services are unaffected")
}

func TestRegistry_ExemptServices(t *testing.T) {
	registry := newRegistry(nil)

	for i := 0; i < 5; i++ {
		registry.RecordFailure("/matching/candidates", assert.AnError)
	}

	assert.True(t, registry.IsExempt("/matching/candidates"))
	assert.True(t, registry.IsExempt("/discovery"))
	assert.True(t, registry.CanRequest("/matching/candidates"))
	assert.Equal(t, gobreaker.StateOpen, registry.Breaker("matching").State(), "failures are still tracked")
}

func TestRegistry_EmptyExemptList(t *testing.T) {
	registry := newRegistry([]string{})
	assert.False(t, registry.IsExempt("/matching"))
}

func TestRegistry_RecordSuccessAndFailure(t *testing.T) {
	registry := newRegistry(nil)

	registry.RecordSuccess("/feed")
	health := registry.GetHealth("feed")
	require.NotNil(t, health)
	require.NotNil(t, health.LastSuccessAt)
	assert.WithinDuration(t, time.Now(), *health.LastSuccessAt, time.Second)
	assert.Nil(t, health.LastFailureAt)
	assert.True(t, health.IsHealthy())

	registry.RecordFailure("/feed", assert.AnError)
	health = registry.GetHealth("feed")
	require.NotNil(t, health)
	require.NotNil(t, health.LastFailureAt)
	assert.Equal(t, assert.AnError.Error(), health.LastError)
}

func TestRegistry_GetAllHealth(t *testing.T) {
	registry := newRegistry([]string{})

	registry.RecordSuccess("/profile")
	for i := 0; i < 3; i++ {
		registry.RecordFailure("/messages", assert.AnError)
	}

	all := registry.GetAllHealth()
	require.Len(t, all, 2)

	assert.Equal(t, "messages", all[0].Name)
	assert.True(t, all[0].IsUnhealthy())
	require.NotNil(t, all[0].NextAttemptAt)

	assert.Equal(t, "profile", all[1].Name)
	assert.True(t, all[1].IsHealthy())
	assert.Nil(t, all[1].NextAttemptAt)
}
