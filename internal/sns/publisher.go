package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/lalithlochan/courier/internal/db"
)

// maxBatch is the SNS PublishBatch limit.
const maxBatch = 10

// API is the subset of the SNS client used by Publisher.
type API interface {
	PublishBatch(ctx context.Context, params *sns.PublishBatchInput, optFns ...func(*sns.Options)) (*sns.PublishBatchOutput, error)
}

// Publisher mirrors audit entries to an SNS topic so other systems can
// subscribe to notification lifecycle events.
type Publisher struct {
	client   API
	topicARN string
}

// Event is the JSON body published for one audit entry.
type Event struct {
	Action    string         `json:"action"`
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entity_id"`
	OldValue  map[string]any `json:"old_value,omitempty"`
	NewValue  map[string]any `json:"new_value,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, topicARN string, optFns ...func(*config.LoadOptions) error) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewPublisherWithClient(sns.NewFromConfig(cfg), topicARN), nil
}

// NewPublisherWithClient wraps an existing client.
func NewPublisherWithClient(client API, topicARN string) *Publisher {
	return &Publisher{client: client, topicARN: topicARN}
}

// Name identifies the sink in logs and metrics.
func (p *Publisher) Name() string { return "sns" }

// Write publishes entries in batches of ten. The first failing batch aborts
// the rest; the recorder logs and counts the error.
func (p *Publisher) Write(ctx context.Context, entries []*db.AuditLogEntry) error {
	for start := 0; start < len(entries); start += maxBatch {
		end := min(start+maxBatch, len(entries))
		if err := p.publishBatch(ctx, entries[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) publishBatch(ctx context.Context, entries []*db.AuditLogEntry) error {
	batch := make([]types.PublishBatchRequestEntry, len(entries))
	for i, entry := range entries {
		payload, err := json.Marshal(eventFor(entry))
		if err != nil {
			return fmt.Errorf("failed to marshal audit event %d: %w", i, err)
		}

		batch[i] = types.PublishBatchRequestEntry{
			Id:      aws.String(strconv.Itoa(i)),
			Message: aws.String(string(payload)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				"action": {
					DataType:    aws.String("String"),
					StringValue: aws.String(entry.ActionType),
				},
				"entity_type": {
					DataType:    aws.String("String"),
					StringValue: aws.String(entry.EntityType),
				},
			},
		}
	}

	result, err := p.client.PublishBatch(ctx, &sns.PublishBatchInput{
		TopicArn:                   aws.String(p.topicARN),
		PublishBatchRequestEntries: batch,
	})
	if err != nil {
		return fmt.Errorf("failed to publish batch to SNS: %w", err)
	}

	if len(result.Failed) > 0 {
		return fmt.Errorf("partial batch failure: %d messages failed", len(result.Failed))
	}

	return nil
}

func eventFor(entry *db.AuditLogEntry) Event {
	return Event{
		Action:    entry.ActionType,
		Entity:    entry.EntityType,
		EntityID:  entry.EntityID,
		OldValue:  entry.OldValue,
		NewValue:  entry.NewValue,
		Timestamp: entry.CreatedAt.UnixMilli(),
	}
}
