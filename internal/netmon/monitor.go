// Package netmon maintains the process-wide online/offline belief from
// periodic health probes and explicit signals from request outcomes.
package netmon

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/breatheroute/netlayer/internal/events"
	"github.com/breatheroute/netlayer/internal/transport"
)

// Probe defaults.
const (
	DefaultInterval      = 15 * time.Second
	DefaultProbeTimeout  = 8 * time.Second
	DefaultSuccessMarker = `"ok"`
)

const maxProbeBody = 64 << 10

// Config holds monitor configuration.
type Config struct {
	// HealthURL is probed with GET. Empty disables probing.
	HealthURL string

	// SuccessMarker must appear in a 2xx probe body for the probe to pass.
	SuccessMarker string

	Interval time.Duration
	Timeout  time.Duration
	Client   transport.Doer

	// Bus receives Offline events. Optional.
	Bus *events.Bus

	Logger zerolog.Logger
}

// Monitor owns the offline flag. Subscribers are notified only on change.
type Monitor struct {
	config  Config
	flight  singleflight.Group
	wake    chan struct{}
	changes events.Topic[bool]

	// notifyMu orders a change with its publication, so subscribers see
	// changes in the order they were applied.
	notifyMu sync.Mutex

	mu         sync.Mutex
	offline    bool
	foreground bool
	lastProbe  time.Time
}

// New creates a monitor that starts online and foregrounded.
func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProbeTimeout
	}
	if cfg.SuccessMarker == "" {
		cfg.SuccessMarker = DefaultSuccessMarker
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	return &Monitor{
		config:     cfg,
		wake:       make(chan struct{}, 1),
		foreground: true,
	}
}

// Run probes every Interval while foregrounded until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	if m.config.HealthURL == "" {
		m.config.Logger.Info().Msg("no health url configured, connectivity probing disabled")
		<-ctx.Done()
		return
	}

	m.config.Logger.Info().
		Str("health_url", m.config.HealthURL).
		Dur("interval", m.config.Interval).
		Msg("starting network monitor")

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	if m.IsForeground() {
		m.CheckConnection(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			m.config.Logger.Info().Msg("network monitor stopped")
			return
		case <-ticker.C:
			if m.IsForeground() {
				m.CheckConnection(ctx)
			}
		case <-m.wake:
			m.CheckConnection(ctx)
			ticker.Reset(m.config.Interval)
		}
	}
}

// SetForeground records the application lifecycle state. A transition to the
// foreground triggers an immediate probe.
func (m *Monitor) SetForeground(foreground bool) {
	m.mu.Lock()
	was := m.foreground
	m.foreground = foreground
	m.mu.Unlock()

	if foreground && !was {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
}

// IsForeground reports the last lifecycle state passed to SetForeground.
func (m *Monitor) IsForeground() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.foreground
}

// IsOffline returns the current belief.
func (m *Monitor) IsOffline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offline
}

// LastProbe returns when the last probe completed.
func (m *Monitor) LastProbe() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastProbe
}

// TriggerOffline marks the device offline without probing.
func (m *Monitor) TriggerOffline() {
	m.set(true, "request failure")
}

// MarkOnline marks the device online without probing.
func (m *Monitor) MarkOnline() {
	m.set(false, "request success")
}

// Subscribe registers fn for offline changes and returns an unsubscribe func.
// fn runs synchronously and must not call TriggerOffline or MarkOnline.
func (m *Monitor) Subscribe(fn func(offline bool)) func() {
	return m.changes.Subscribe(fn)
}

// CheckConnection probes the health endpoint, updates the belief and reports
// whether the device is online. Concurrent checks share one probe.
func (m *Monitor) CheckConnection(ctx context.Context) bool {
	if m.config.HealthURL == "" {
		return !m.IsOffline()
	}

	v, _, _ := m.flight.Do("probe", func() (any, error) {
		online := m.probe(ctx)

		m.mu.Lock()
		m.lastProbe = time.Now()
		m.mu.Unlock()

		if online {
			m.set(false, "probe succeeded")
		} else {
			m.set(true, "probe failed")
		}
		return online, nil
	})
	online, _ := v.(bool)
	return online
}

func (m *Monitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.config.HealthURL, nil)
	if err != nil {
		m.config.Logger.Error().Err(err).Msg("invalid health url")
		return false
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := transport.CallWithTimeout(ctx, m.config.Client, req, m.config.Timeout)
	if err != nil {
		m.config.Logger.Debug().Err(err).Msg("health probe failed")
		return false
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		m.config.Logger.Debug().Err(err).Msg("health probe body read failed")
		return false
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		m.config.Logger.Debug().Int("status_code", resp.StatusCode).Msg("health probe returned non-2xx")
		return false
	}
	return bytes.Contains(body, []byte(m.config.SuccessMarker))
}

func (m *Monitor) set(offline bool, reason string) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.offline == offline {
		m.mu.Unlock()
		return
	}
	m.offline = offline
	m.mu.Unlock()

	var event *zerolog.Event
	if offline {
		event = m.config.Logger.Warn()
	} else {
		event = m.config.Logger.Info()
	}
	event.Bool("offline", offline).Str("reason", reason).Msg("connectivity changed")

	m.changes.Publish(offline)
	if m.config.Bus != nil {
		m.config.Bus.Offline.Publish(events.OfflineChange{Offline: offline, At: time.Now()})
	}
}
