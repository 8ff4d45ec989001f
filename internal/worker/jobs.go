// Package worker runs maintenance jobs for the network layer: queue replays
// and connectivity probes, triggered on a schedule or by remote messages.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/breatheroute/netlayer/internal/cache"
	"github.com/breatheroute/netlayer/internal/queue"
)

// Job types.
const (
	JobFlushQueue      = "flush_queue"
	JobCheckConnection = "check_connection"
	JobClearCache      = "clear_cache"
)

var (
	// ErrUnknownJob is returned for job types the dispatcher does not handle.
	ErrUnknownJob = errors.New("unknown job type")

	// ErrOffline is returned by a connection check that found no network.
	ErrOffline = errors.New("connectivity check failed")
)

// Job is a unit of maintenance work. Key narrows clear_cache to one
// endpoint; empty clears the whole cache.
type Job struct {
	Type string `json:"job_type"`
	Key  string `json:"key,omitempty"`
}

// ParseJob decodes a job message.
func ParseJob(data []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, fmt.Errorf("parse job: %w", err)
	}
	if job.Type == "" {
		return Job{}, errors.New("parse job: job_type is required")
	}
	return job, nil
}

// QueueFlusher replays the offline queue.
type QueueFlusher interface {
	FlushQueuedRequests(ctx context.Context) (queue.FlushResult, error)
}

// ConnectionChecker probes connectivity.
type ConnectionChecker interface {
	CheckConnection(ctx context.Context) bool
}

// DispatcherConfig wires the dispatcher. Nil collaborators make their job a
// no-op.
type DispatcherConfig struct {
	Flusher QueueFlusher
	Checker ConnectionChecker
	Cache   cache.Cache

	// Timeout bounds a single job. Zero means no bound beyond ctx.
	Timeout time.Duration

	Logger zerolog.Logger
}

// Dispatcher runs jobs and keeps per-type statistics.
type Dispatcher struct {
	config DispatcherConfig

	mu    sync.Mutex
	stats map[string]*JobStats
}

// JobStats summarizes the runs of one job type.
type JobStats struct {
	Runs      int64
	Failures  int64
	LastRunAt time.Time
	LastError string
	Duration  time.Duration
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{config: cfg, stats: make(map[string]*JobStats)}
}

// Run executes job.
func (d *Dispatcher) Run(ctx context.Context, job Job) error {
	if d.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	var err error
	switch job.Type {
	case JobFlushQueue:
		err = d.flush(ctx)
	case JobCheckConnection:
		err = d.check(ctx)
	case JobClearCache:
		err = d.clearCache(ctx, job.Key)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownJob, job.Type)
	}
	d.record(job.Type, time.Since(start), err)
	return err
}

func (d *Dispatcher) flush(ctx context.Context) error {
	if d.config.Flusher == nil {
		return nil
	}
	res, err := d.config.Flusher.FlushQueuedRequests(ctx)
	if err != nil {
		return err
	}
	d.config.Logger.Info().Int("sent", res.Sent).Int("remaining", res.Remaining).Msg("queue flush job completed")
	return nil
}

func (d *Dispatcher) check(ctx context.Context) error {
	if d.config.Checker == nil {
		return nil
	}
	if !d.config.Checker.CheckConnection(ctx) {
		return ErrOffline
	}
	return nil
}

func (d *Dispatcher) clearCache(ctx context.Context, key string) error {
	if d.config.Cache == nil {
		return nil
	}
	if key != "" {
		return d.config.Cache.Delete(ctx, key)
	}
	return d.config.Cache.Clear(ctx)
}

func (d *Dispatcher) record(jobType string, took time.Duration, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.stats[jobType]
	if !ok {
		s = &JobStats{}
		d.stats[jobType] = s
	}
	s.Runs++
	s.LastRunAt = time.Now()
	s.Duration = took
	s.LastError = ""
	if err != nil {
		s.Failures++
		s.LastError = err.Error()
	}
}

// Stats returns a snapshot of the statistics for jobType.
func (d *Dispatcher) Stats(jobType string) JobStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.stats[jobType]; ok {
		return *s
	}
	return JobStats{}
}
