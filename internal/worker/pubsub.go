package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"
)

// PubSubHandler receives remote job triggers from a Pub/Sub subscription.
type PubSubHandler struct {
	client           *pubsub.Client
	subscriber       *pubsub.Subscriber
	subscriptionName string
	dispatcher       *Dispatcher
	logger           zerolog.Logger
}

// PubSubConfig holds configuration for the Pub/Sub handler.
type PubSubConfig struct {
	ProjectID        string
	SubscriptionName string
	Dispatcher       *Dispatcher
	Logger           zerolog.Logger
}

// NewPubSubHandler creates a new Pub/Sub handler.
func NewPubSubHandler(ctx context.Context, cfg PubSubConfig) (*PubSubHandler, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	subscriber := client.Subscriber(cfg.SubscriptionName)
	// Jobs are coalesced downstream; a handful in flight is plenty.
	subscriber.ReceiveSettings.MaxOutstandingMessages = 4
	subscriber.ReceiveSettings.MaxExtension = 5 * time.Minute

	return &PubSubHandler{
		client:           client,
		subscriber:       subscriber,
		subscriptionName: cfg.SubscriptionName,
		dispatcher:       cfg.Dispatcher,
		logger:           cfg.Logger,
	}, nil
}

// Start receives messages until ctx is cancelled.
func (h *PubSubHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("subscription", h.subscriptionName).
		Msg("starting pubsub handler")

	return h.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		logger := h.logger.With().
			Str("message_id", msg.ID).
			Str("publish_time", msg.PublishTime.Format(time.RFC3339)).
			Logger()

		if HandleMessage(ctx, h.dispatcher, msg.Data, logger) {
			msg.Ack()
		} else {
			msg.Nack()
		}
	})
}

// Close closes the Pub/Sub client.
func (h *PubSubHandler) Close() error {
	return h.client.Close()
}

// HandleMessage runs the job in data and reports whether the message should
// be acknowledged. Unknown job types are acknowledged so they are not
// redelivered; malformed messages and failed jobs are not.
func HandleMessage(ctx context.Context, d *Dispatcher, data []byte, logger zerolog.Logger) bool {
	start := time.Now()

	job, err := ParseJob(data)
	if err != nil {
		logger.Error().Err(err).Msg("failed to parse message")
		return false
	}

	if err := d.Run(ctx, job); err != nil {
		if errors.Is(err, ErrUnknownJob) {
			logger.Warn().Str("job_type", job.Type).Msg("unknown job type")
			return true
		}
		logger.Error().Err(err).Str("job_type", job.Type).Msg("job failed")
		return false
	}

	logger.Info().
		Str("job_type", job.Type).
		Dur("duration", time.Since(start)).
		Msg("job completed successfully")
	return true
}
