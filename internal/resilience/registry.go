package resilience

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// RootServiceKey is the service key of endpoints without a path segment.
const RootServiceKey = "root"

// DefaultExemptServices are the service keys that bypass the breaker gate.
// Matching and discovery back the primary feed and must stay responsive under
// transient partial outages.
var DefaultExemptServices = []string{"matching", "discovery"}

// ServiceHealth represents the health status of a backend service.
type ServiceHealth struct {
	// Name is the service key.
	Name string

	// CircuitState is the current circuit breaker state.
	CircuitState gobreaker.State

	// Counts contains circuit breaker statistics.
	Counts gobreaker.Counts

	// NextAttemptAt is set while the circuit is open.
	NextAttemptAt *time.Time

	// LastSuccessAt is the timestamp of the last successful request.
	LastSuccessAt *time.Time

	// LastFailureAt is the timestamp of the last failed request.
	LastFailureAt *time.Time

	// LastError is the most recent error message, if any.
	LastError string

	// Exempt is true when the service bypasses the breaker gate.
	Exempt bool
}

// IsHealthy returns true if the service is considered healthy.
func (h *ServiceHealth) IsHealthy() bool {
	return h.CircuitState == gobreaker.StateClosed
}

// IsDegraded returns true if the service is in a degraded state (half-open).
func (h *ServiceHealth) IsDegraded() bool {
	return h.CircuitState == gobreaker.StateHalfOpen
}

// IsUnhealthy returns true if the service is unhealthy (circuit open).
func (h *ServiceHealth) IsUnhealthy() bool {
	return h.CircuitState == gobreaker.StateOpen
}

// RegistryConfig holds configuration for the registry.
type RegistryConfig struct {
	// Breaker is the template for lazily created breakers; Name is replaced
	// with the service key.
	Breaker CircuitBreakerConfig

	// ExemptServices lists service keys that are never short-circuited.
	// Nil uses DefaultExemptServices; an empty slice exempts nothing.
	ExemptServices []string

	// Logger for registry operations.
	Logger zerolog.Logger
}

// Registry maps service keys to circuit breakers and tracks their health.
type Registry struct {
	mu       sync.RWMutex
	config   RegistryConfig
	exempt   map[string]bool
	services map[string]*registeredService
}

type registeredService struct {
	breaker       *CircuitBreaker
	lastSuccessAt *time.Time
	lastFailureAt *time.Time
	lastError     string
}

// NewRegistry creates a new service registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Breaker.FailureThreshold == 0 && cfg.Breaker.SuccessThreshold == 0 && cfg.Breaker.OpenDuration == 0 {
		cfg.Breaker = DefaultCircuitBreakerConfig("")
		cfg.Breaker.Logger = cfg.Logger
	}

	exemptList := cfg.ExemptServices
	if exemptList == nil {
		exemptList = DefaultExemptServices
	}
	exempt := make(map[string]bool, len(exemptList))
	for _, key := range exemptList {
		exempt[strings.ToLower(strings.TrimSpace(key))] = true
	}

	return &Registry{
		config:   cfg,
		exempt:   exempt,
		services: make(map[string]*registeredService),
	}
}

// ServiceKey derives the service key of an endpoint from its first path segment:
// "/messages/123?x=1" becomes "messages".
func ServiceKey(endpoint string) string {
	path := endpoint
	if strings.Contains(endpoint, "://") {
		if u, err := url.Parse(endpoint); err == nil {
			path = u.Path
		}
	}
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimLeft(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return RootServiceKey
	}
	return strings.ToLower(path)
}

// IsExempt reports whether the endpoint's service bypasses the breaker gate.
func (r *Registry) IsExempt(endpoint string) bool {
	return r.exempt[ServiceKey(endpoint)]
}

// Breaker returns the breaker for a service key, creating it on first use.
func (r *Registry) Breaker(key string) *CircuitBreaker {
	return r.service(key).breaker
}

// ForEndpoint returns the breaker responsible for endpoint.
func (r *Registry) ForEndpoint(endpoint string) *CircuitBreaker {
	return r.Breaker(ServiceKey(endpoint))
}

func (r *Registry) service(key string) *registeredService {
	r.mu.RLock()
	s, ok := r.services[key]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.services[key]; ok {
		return s
	}

	cfg := r.config.Breaker
	cfg.Name = key
	s = &registeredService{breaker: NewCircuitBreaker(cfg)}
	r.services[key] = s

	r.config.Logger.Debug().Str("service", key).Msg("circuit breaker created")
	return s
}

// CanRequest reports whether a request to endpoint may be sent.
// Exempt services are always allowed.
func (r *Registry) CanRequest(endpoint string) bool {
	if r.IsExempt(endpoint) {
		return true
	}
	return r.ForEndpoint(endpoint).CanRequest()
}

// RecordSuccess records a successful request for the endpoint's service.
func (r *Registry) RecordSuccess(endpoint string) {
	s := r.service(ServiceKey(endpoint))
	s.breaker.RecordSuccess()

	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	s.lastSuccessAt = &now
}

// RecordFailure records a failed request for the endpoint's service.
func (r *Registry) RecordFailure(endpoint string, err error) {
	s := r.service(ServiceKey(endpoint))
	s.breaker.RecordFailure()

	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	s.lastFailureAt = &now
	if err != nil {
		s.lastError = err.Error()
	}
}

// GetHealth returns the health status of a specific service, or nil if the
// service has not been used yet.
func (r *Registry) GetHealth(key string) *ServiceHealth {
	r.mu.RLock()
	s, ok := r.services[key]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.health(key, s)
}

// GetAllHealth returns the health status of all known services, sorted by name.
func (r *Registry) GetAllHealth() []*ServiceHealth {
	r.mu.RLock()
	snapshot := make(map[string]*registeredService, len(r.services))
	for key, s := range r.services {
		snapshot[key] = s
	}
	r.mu.RUnlock()

	health := make([]*ServiceHealth, 0, len(snapshot))
	for key, s := range snapshot {
		health = append(health, r.health(key, s))
	}
	sort.Slice(health, func(i, j int) bool { return health[i].Name < health[j].Name })
	return health
}

// health reads breaker state before taking the registry lock; breaker state
// reads may fire OnStateChange callbacks.
func (r *Registry) health(key string, s *registeredService) *ServiceHealth {
	state := s.breaker.State()
	counts := s.breaker.Counts()
	next := s.breaker.NextAttemptAt()

	r.mu.RLock()
	defer r.mu.RUnlock()

	h := &ServiceHealth{
		Name:          key,
		CircuitState:  state,
		Counts:        counts,
		LastSuccessAt: s.lastSuccessAt,
		LastFailureAt: s.lastFailureAt,
		LastError:     s.lastError,
		Exempt:        r.exempt[key],
	}
	if !next.IsZero() {
		h.NextAttemptAt = &next
	}
	return h
}

// ServiceNames returns the keys of all known services.
func (r *Registry) ServiceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServiceCount returns the number of known services.
func (r *Registry) ServiceCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}
