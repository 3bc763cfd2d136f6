package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// Config holds SQS configuration.
type Config struct {
	Region            string
	QueueURL          string
	WaitSeconds       int32
	VisibilityTimeout int32
	MaxMessages       int32
}

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Message is the payload sent to SQS. The store stays authoritative: the
// consumer reloads the notification by id before delivering it.
type Message struct {
	NotificationID string `json:"notification_id"`
	Channel        string `json:"channel"`
	EnqueuedAt     int64  `json:"enqueued_at"`
}

// Producer sends notifications to SQS.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
	now      func() time.Time
}

// NewClient builds an SQS client for the configured region.
func NewClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// NewProducer creates a producer for cfg.QueueURL.
func NewProducer(client API, cfg Config, logger *zap.Logger) *Producer {
	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
		now:      time.Now,
	}
}

// Dispatch enqueues the notification for a delivery replica.
func (p *Producer) Dispatch(ctx context.Context, notif *db.Notification) error {
	msg := Message{
		NotificationID: notif.ID.String(),
		Channel:        string(notif.Channel),
		EnqueuedAt:     p.now().UnixNano(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"channel": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Channel),
			},
		},
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("notification_id", msg.NotificationID),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	p.logger.Debug("notification enqueued",
		zap.String("notification_id", msg.NotificationID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// Delivery is a received message with the handle needed to acknowledge it.
type Delivery struct {
	Message
	ReceiptHandle string
}

// ErrInvalidMessage marks a body that could not be decoded.
var ErrInvalidMessage = errors.New("invalid message format")

// Consumer reads notifications from SQS.
type Consumer struct {
	client     API
	queueURL   string
	wait       int32
	visibility int32
	max        int32
	logger     *zap.Logger
}

// NewConsumer creates a consumer for cfg.QueueURL.
func NewConsumer(client API, cfg Config, logger *zap.Logger) *Consumer {
	if cfg.WaitSeconds == 0 {
		cfg.WaitSeconds = 20
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 60
	}
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:     client,
		queueURL:   cfg.QueueURL,
		wait:       cfg.WaitSeconds,
		visibility: cfg.VisibilityTimeout,
		max:        cfg.MaxMessages,
		logger:     logger,
	}
}

// Receive long-polls for messages. Bodies that fail to decode are deleted so
// they do not circle the queue forever.
func (c *Consumer) Receive(ctx context.Context) ([]Delivery, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.max,
		WaitTimeSeconds:     c.wait,
		VisibilityTimeout:   c.visibility,
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	deliveries := make([]Delivery, 0, len(result.Messages))
	for _, m := range result.Messages {
		handle := aws.ToString(m.ReceiptHandle)

		var msg Message
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &msg); err != nil || msg.NotificationID == "" {
			c.logger.Error("dropping undecodable message",
				zap.Error(errors.Join(ErrInvalidMessage, err)),
				zap.String("message_id", aws.ToString(m.MessageId)),
			)
			if derr := c.Delete(ctx, handle); derr != nil {
				c.logger.Warn("failed to delete undecodable message", zap.Error(derr))
			}
			continue
		}

		deliveries = append(deliveries, Delivery{Message: msg, ReceiptHandle: handle})
	}

	return deliveries, nil
}

// Delete removes a message from SQS after it has been handled.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	if _, err := c.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}

// Release makes a message visible again after the given delay so another
// poll can pick it up.
func (c *Consumer) Release(ctx context.Context, receiptHandle string, seconds int32) error {
	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	}

	if _, err := c.client.ChangeMessageVisibility(ctx, input); err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}

	return nil
}
