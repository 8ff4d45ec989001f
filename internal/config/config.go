// Package config loads the daemon configuration using Viper.
//
// Priority: environment variables (NETLAYER_ prefix) > config file > defaults.
// Nested keys map to environment names by replacing dots with underscores,
// e.g. upstream.base_url is NETLAYER_UPSTREAM_BASE_URL.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/breatheroute/netlayer/internal/storage"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "NETLAYER_CONFIG"

// Storage and cache backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendLRU      = "lru"
)

// Config is the complete daemon configuration.
type Config struct {
	Env       string
	Server    ServerConfig
	Upstream  UpstreamConfig
	Retry     RetryConfig
	Breaker   BreakerConfig
	Monitor   MonitorConfig
	Session   SessionConfig
	Queue     QueueConfig
	Cache     CacheConfig
	Storage   StorageConfig
	Telemetry TelemetryConfig
	PubSub    PubSubConfig
	Control   ControlConfig
	Log       LogConfig
}

// ServerConfig configures the control API listener.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequireTLS      bool
}

// UpstreamConfig describes the backend API every request is sent to.
type UpstreamConfig struct {
	BaseURL       string
	Timeout       time.Duration
	HealthPath    string
	SuccessMarker string
	PublicPaths   []string
}

// HealthURL returns the absolute probe URL.
func (u UpstreamConfig) HealthURL() string {
	if u.HealthPath == "" {
		return ""
	}
	if strings.Contains(u.HealthPath, "://") {
		return u.HealthPath
	}
	return strings.TrimRight(u.BaseURL, "/") + "/" + strings.TrimLeft(u.HealthPath, "/")
}

// RetryConfig configures the retry policy.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxJitter  time.Duration
}

// BreakerConfig configures per-service circuit breakers.
type BreakerConfig struct {
	FailureThreshold uint32
	SuccessThreshold uint32
	OpenDuration     time.Duration
	ExemptServices   []string
}

// MonitorConfig configures connectivity probing.
type MonitorConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// SessionConfig configures token refresh.
type SessionConfig struct {
	RefreshPath string
	TokenSkew   time.Duration
}

// QueueConfig configures the persistent request queue.
type QueueConfig struct {
	StorageKey string
	// ReplayRate is the maximum replays per second. Zero disables pacing.
	ReplayRate  float64
	ReplayBurst int
	// FlushSchedule is a cron spec for periodic flushes. Empty disables it.
	FlushSchedule string
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Backend string
	Size    int
	TTL     time.Duration
}

// StorageConfig configures durable storage.
type StorageConfig struct {
	Backend   string
	SecureKey string
	Redis     storage.RedisConfig
	Postgres  storage.PostgresConfig
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	SampleRatio  float64
}

// PubSubConfig configures the remote trigger subscription.
type PubSubConfig struct {
	ProjectID    string
	Subscription string
}

// Enabled reports whether a subscription is configured.
func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != "" && p.Subscription != ""
}

// ControlConfig configures control API authentication and limits.
type ControlConfig struct {
	SigningKey string
	Issuer     string
	Audience   string
	RateLimit  int
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string
	Format string
	File   string
}

// FromEnv loads the configuration from the file named by NETLAYER_CONFIG, if
// any, and the environment.
func FromEnv() (*Config, error) {
	return Load(os.Getenv(EnvConfigPath))
}

// Load reads configPath (optional) and the environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("NETLAYER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("telemetry.otlp_endpoint", "NETLAYER_TELEMETRY_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = v.BindEnv("pubsub.project_id", "NETLAYER_PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	cfg := &Config{
		Env: v.GetString("env"),
		Server: ServerConfig{
			Addr:            v.GetString("server.addr"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			IdleTimeout:     v.GetDuration("server.idle_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
			RequireTLS:      v.GetBool("server.require_tls"),
		},
		Upstream: UpstreamConfig{
			BaseURL:       v.GetString("upstream.base_url"),
			Timeout:       v.GetDuration("upstream.timeout"),
			HealthPath:    v.GetString("upstream.health_path"),
			SuccessMarker: v.GetString("upstream.success_marker"),
			PublicPaths:   stringList(v, "upstream.public_paths"),
		},
		Retry: RetryConfig{
			MaxRetries: v.GetInt("retry.max_retries"),
			BaseDelay:  v.GetDuration("retry.base_delay"),
			MaxJitter:  v.GetDuration("retry.max_jitter"),
		},
		Breaker: BreakerConfig{
			FailureThreshold: v.GetUint32("breaker.failure_threshold"),
			SuccessThreshold: v.GetUint32("breaker.success_threshold"),
			OpenDuration:     v.GetDuration("breaker.open_duration"),
			ExemptServices:   stringList(v, "breaker.exempt_services"),
		},
		Monitor: MonitorConfig{
			Interval: v.GetDuration("monitor.interval"),
			Timeout:  v.GetDuration("monitor.timeout"),
		},
		Session: SessionConfig{
			RefreshPath: v.GetString("session.refresh_path"),
			TokenSkew:   v.GetDuration("session.token_skew"),
		},
		Queue: QueueConfig{
			StorageKey:    v.GetString("queue.storage_key"),
			ReplayRate:    v.GetFloat64("queue.replay_rate"),
			ReplayBurst:   v.GetInt("queue.replay_burst"),
			FlushSchedule: v.GetString("queue.flush_schedule"),
		},
		Cache: CacheConfig{
			Backend: v.GetString("cache.backend"),
			Size:    v.GetInt("cache.size"),
			TTL:     v.GetDuration("cache.ttl"),
		},
		Storage: StorageConfig{
			Backend:   v.GetString("storage.backend"),
			SecureKey: v.GetString("storage.secure_key"),
			Redis: storage.RedisConfig{
				Addr:      v.GetString("storage.redis.addr"),
				Password:  v.GetString("storage.redis.password"),
				DB:        v.GetInt("storage.redis.db"),
				KeyPrefix: v.GetString("storage.redis.key_prefix"),
			},
			Postgres: storage.PostgresConfig{
				Host:            v.GetString("storage.postgres.host"),
				Port:            v.GetInt("storage.postgres.port"),
				User:            v.GetString("storage.postgres.user"),
				Password:        v.GetString("storage.postgres.password"),
				Database:        v.GetString("storage.postgres.database"),
				SSLMode:         v.GetString("storage.postgres.ssl_mode"),
				MaxOpenConns:    v.GetInt("storage.postgres.max_open_conns"),
				MaxIdleConns:    v.GetInt("storage.postgres.max_idle_conns"),
				ConnMaxLifetime: v.GetDuration("storage.postgres.conn_max_lifetime"),
			},
		},
		Telemetry: TelemetryConfig{
			Enabled:      v.GetBool("telemetry.enabled"),
			OTLPEndpoint: v.GetString("telemetry.otlp_endpoint"),
			SampleRatio:  v.GetFloat64("telemetry.sample_ratio"),
		},
		PubSub: PubSubConfig{
			ProjectID:    v.GetString("pubsub.project_id"),
			Subscription: v.GetString("pubsub.subscription"),
		},
		Control: ControlConfig{
			SigningKey: v.GetString("control.signing_key"),
			Issuer:     v.GetString("control.issuer"),
			Audience:   v.GetString("control.audience"),
			RateLimit:  v.GetInt("control.rate_limit"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			File:   v.GetString("log.file"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")

	v.SetDefault("server.addr", "127.0.0.1:8787")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.require_tls", false)

	v.SetDefault("upstream.base_url", "")
	v.SetDefault("upstream.timeout", 8*time.Second)
	v.SetDefault("upstream.health_path", "/health")
	v.SetDefault("upstream.success_marker", `"ok"`)
	v.SetDefault("upstream.public_paths", []string{"/auth/login", "/auth/register", "/auth/refresh", "/public/"})

	v.SetDefault("retry.max_retries", 2)
	v.SetDefault("retry.base_delay", 400*time.Millisecond)
	v.SetDefault("retry.max_jitter", 300*time.Millisecond)

	v.SetDefault("breaker.failure_threshold", 3)
	v.SetDefault("breaker.success_threshold", 1)
	v.SetDefault("breaker.open_duration", 60*time.Second)
	v.SetDefault("breaker.exempt_services", []string{"matching", "discovery"})

	v.SetDefault("monitor.interval", 15*time.Second)
	v.SetDefault("monitor.timeout", 8*time.Second)

	v.SetDefault("session.refresh_path", "/auth/refresh")
	v.SetDefault("session.token_skew", 30*time.Second)

	v.SetDefault("queue.storage_key", "offline_request_queue")
	v.SetDefault("queue.replay_rate", 5.0)
	v.SetDefault("queue.replay_burst", 1)
	v.SetDefault("queue.flush_schedule", "@every 5m")

	v.SetDefault("cache.backend", BackendLRU)
	v.SetDefault("cache.size", 512)
	v.SetDefault("cache.ttl", time.Duration(0))

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.secure_key", "")
	v.SetDefault("storage.redis.addr", "127.0.0.1:6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", "netlayer:")
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.user", "netlayer")
	v.SetDefault("storage.postgres.password", "localdev")
	v.SetDefault("storage.postgres.database", "netlayer")
	v.SetDefault("storage.postgres.ssl_mode", "disable")
	v.SetDefault("storage.postgres.max_open_conns", 10)
	v.SetDefault("storage.postgres.max_idle_conns", 2)
	v.SetDefault("storage.postgres.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otlp_endpoint", "localhost:4317")
	v.SetDefault("telemetry.sample_ratio", 1.0)

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.subscription", "")

	v.SetDefault("control.signing_key", "")
	v.SetDefault("control.issuer", "netlayerd")
	v.SetDefault("control.audience", "netlayer-control")
	v.SetDefault("control.rate_limit", 120)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
}

// stringList reads a list that may also be given as a comma-separated string
// through the environment.
func stringList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	if out == nil {
		return []string{}
	}
	return out
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var problems []string

	if c.Upstream.BaseURL == "" {
		problems = append(problems, "upstream.base_url is required (NETLAYER_UPSTREAM_BASE_URL)")
	} else if u, err := url.Parse(c.Upstream.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, "upstream.base_url must be an absolute URL")
	}

	switch c.Storage.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		problems = append(problems, fmt.Sprintf("storage.backend %q is not one of memory, redis, postgres", c.Storage.Backend))
	}
	switch c.Cache.Backend {
	case BackendLRU, BackendRedis:
	default:
		problems = append(problems, fmt.Sprintf("cache.backend %q is not one of lru, redis", c.Cache.Backend))
	}
	if c.Storage.Backend != BackendMemory && c.Storage.SecureKey == "" {
		problems = append(problems, "storage.secure_key is required for persistent storage (NETLAYER_STORAGE_SECURE_KEY)")
	}
	if c.Breaker.FailureThreshold == 0 {
		problems = append(problems, "breaker.failure_threshold must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		problems = append(problems, "retry.max_retries must not be negative")
	}
	if c.Queue.ReplayRate < 0 {
		problems = append(problems, "queue.replay_rate must not be negative")
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}
