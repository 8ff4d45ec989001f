package models

// Health is the liveness response.
type Health struct {
	Status  HealthStatus           `json:"status"`
	Time    Timestamp              `json:"time"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SystemStatus is the daemon's view of connectivity, session, queue and
// per-service breaker state.
type SystemStatus struct {
	Status       HealthStatus    `json:"status"`
	Time         Timestamp       `json:"time"`
	Connectivity Connectivity    `json:"connectivity"`
	Session      SessionStatus   `json:"session"`
	QueueDepth   int             `json:"queueDepth"`
	Services     []ServiceStatus `json:"services"`
}

// Connectivity reports the monitor state.
type Connectivity struct {
	Offline    bool       `json:"offline"`
	Foreground bool       `json:"foreground"`
	LastProbe  *Timestamp `json:"lastProbe,omitempty"`
}

// SessionStatus reports whether credentials are held. Tokens are never
// returned.
type SessionStatus struct {
	Active    bool       `json:"active"`
	ExpiresAt *Timestamp `json:"expiresAt,omitempty"`
}

// ServiceStatus is the breaker state of one upstream service.
type ServiceStatus struct {
	Service       string       `json:"service"`
	Status        HealthStatus `json:"status"`
	CircuitState  string       `json:"circuitState"`
	Exempt        bool         `json:"exempt"`
	Failures      uint32       `json:"consecutiveFailures"`
	Successes     uint32       `json:"consecutiveSuccesses"`
	NextAttemptAt *Timestamp   `json:"nextAttemptAt,omitempty"`
	LastSuccessAt *Timestamp   `json:"lastSuccessAt,omitempty"`
	LastFailureAt *Timestamp   `json:"lastFailureAt,omitempty"`
	LastError     string       `json:"lastError,omitempty"`
}
