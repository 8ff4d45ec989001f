package worker

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs jobs on cron schedules.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher *Dispatcher
	logger     zerolog.Logger
}

// NewScheduler creates a scheduler. Specs use the standard five-field format
// and descriptors such as "@every 5m".
func NewScheduler(d *Dispatcher, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:       cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		dispatcher: d,
		logger:     logger,
	}
}

// Add schedules jobType on spec. Runs use ctx, so cancelling it aborts any job
// in progress.
func (s *Scheduler) Add(ctx context.Context, spec, jobType string) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := s.dispatcher.Run(ctx, Job{Type: jobType}); err != nil {
			s.logger.Warn().Err(err).Str("job_type", jobType).Msg("scheduled job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s on %q: %w", jobType, spec, err)
	}
	s.logger.Info().Str("job_type", jobType).Str("schedule", spec).Msg("job scheduled")
	return nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and returns a context that is done once running
// jobs have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Len returns the number of scheduled entries.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}
