package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/sqs"
)

// MessageSource is the queue a QueueConsumer reads from.
type MessageSource interface {
	Receive(ctx context.Context) ([]sqs.Delivery, error)
	Delete(ctx context.Context, receiptHandle string) error
	Release(ctx context.Context, receiptHandle string, seconds int32) error
}

// NotificationLoader reloads queued notifications from the store.
type NotificationLoader interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
}

// QueueConsumer moves SQS messages into the Pool. A message is acknowledged
// once the Pool accepts it; when the Pool is full the message is released
// so the queue redelivers it shortly.
type QueueConsumer struct {
	source     MessageSource
	store      NotificationLoader
	dispatcher Dispatcher
	retryDelay int32
	errBackoff time.Duration
	logger     *zap.Logger
}

// NewQueueConsumer creates a consumer feeding dispatcher.
func NewQueueConsumer(source MessageSource, store NotificationLoader, dispatcher Dispatcher, logger *zap.Logger) *QueueConsumer {
	return &QueueConsumer{
		source:     source,
		store:      store,
		dispatcher: dispatcher,
		retryDelay: 5,
		errBackoff: 5 * time.Second,
		logger:     logger,
	}
}

// Start polls until ctx is cancelled.
func (c *QueueConsumer) Start(ctx context.Context) {
	c.logger.Info("queue consumer started")

	for {
		if ctx.Err() != nil {
			c.logger.Info("queue consumer stopping")
			return
		}

		if err := c.Poll(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("queue poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.errBackoff):
			}
		}
	}
}

// Poll receives one batch and hands each message on.
func (c *QueueConsumer) Poll(ctx context.Context) error {
	deliveries, err := c.source.Receive(ctx)
	if err != nil {
		return err
	}

	metrics.SetSQSMessagesInFlight(len(deliveries))
	defer metrics.SetSQSMessagesInFlight(0)

	for _, d := range deliveries {
		c.handle(ctx, d)
	}
	return nil
}

func (c *QueueConsumer) handle(ctx context.Context, d sqs.Delivery) {
	log := c.logger.With(zap.String("notification_id", d.NotificationID))

	id, err := uuid.Parse(d.NotificationID)
	if err != nil {
		log.Warn("dropping message with malformed notification id")
		c.ack(ctx, d)
		return
	}

	notif, err := c.store.GetNotification(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		log.Warn("dropping message for unknown notification")
		c.ack(ctx, d)
		return
	}
	if err != nil {
		// leave it invisible; the queue redelivers after the visibility timeout
		log.Error("failed to load queued notification", zap.Error(err))
		return
	}

	if notif.Status != db.StatusPending {
		log.Debug("notification already handled", zap.String("status", string(notif.Status)))
		c.ack(ctx, d)
		return
	}

	if err := c.dispatcher.Dispatch(ctx, notif); err != nil {
		if rerr := c.source.Release(ctx, d.ReceiptHandle, c.retryDelay); rerr != nil {
			log.Warn("failed to release message", zap.Error(rerr))
		}
		return
	}

	c.ack(ctx, d)
}

func (c *QueueConsumer) ack(ctx context.Context, d sqs.Delivery) {
	if err := c.source.Delete(ctx, d.ReceiptHandle); err != nil {
		c.logger.Warn("failed to delete message",
			zap.String("notification_id", d.NotificationID),
			zap.Error(err),
		)
	}
}
