package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

type fakeSQS struct {
	mu        sync.Mutex
	sent      []*sqs.SendMessageInput
	sendErr   error
	messages  []types.Message
	deleted   []string
	released  map[string]int32
	receiveIn *sqs.ReceiveMessageInput
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiveIn = in
	out := &sqs.ReceiveMessageOutput{Messages: f.messages}
	f.messages = nil
	return out, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released == nil {
		f.released = map[string]int32{}
	}
	f.released[aws.ToString(in.ReceiptHandle)] = in.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func TestProducer_Dispatch(t *testing.T) {
	client := &fakeSQS{}
	producer := NewProducer(client, Config{QueueURL: "https://sqs.us-east-1.amazonaws.com/123456789/test"}, zap.NewNop())
	producer.now = func() time.Time { return time.Unix(0, 1234567890) }

	notif := &db.Notification{ID: uuid.New(), Channel: db.ChannelEmail}
	if err := producer.Dispatch(context.Background(), notif); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(client.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(client.sent))
	}

	var msg Message
	if err := json.Unmarshal([]byte(aws.ToString(client.sent[0].MessageBody)), &msg); err != nil {
		t.Fatalf("body is not a Message: %v", err)
	}
	if msg.NotificationID != notif.ID.String() {
		t.Errorf("notification id mismatch: got %s, want %s", msg.NotificationID, notif.ID)
	}
	if msg.Channel != "EMAIL" {
		t.Errorf("channel mismatch: got %s", msg.Channel)
	}
	if msg.EnqueuedAt != 1234567890 {
		t.Errorf("enqueued_at mismatch: got %d", msg.EnqueuedAt)
	}
	if got := aws.ToString(client.sent[0].MessageAttributes["channel"].StringValue); got != "EMAIL" {
		t.Errorf("channel attribute mismatch: got %s", got)
	}
}

func TestProducer_DispatchError(t *testing.T) {
	client := &fakeSQS{sendErr: errors.New("throttled")}
	producer := NewProducer(client, Config{QueueURL: "q"}, zap.NewNop())

	err := producer.Dispatch(context.Background(), &db.Notification{ID: uuid.New(), Channel: db.ChannelEmail})
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestConsumer_Defaults(t *testing.T) {
	client := &fakeSQS{}
	consumer := NewConsumer(client, Config{QueueURL: "q", MaxMessages: 50}, zap.NewNop())

	if _, err := consumer.Receive(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.receiveIn.WaitTimeSeconds != 20 {
		t.Errorf("expected 20s long poll, got %d", client.receiveIn.WaitTimeSeconds)
	}
	if client.receiveIn.VisibilityTimeout != 60 {
		t.Errorf("expected 60s visibility, got %d", client.receiveIn.VisibilityTimeout)
	}
	if client.receiveIn.MaxNumberOfMessages != 10 {
		t.Errorf("expected batch clamped to 10, got %d", client.receiveIn.MaxNumberOfMessages)
	}
}

func TestConsumer_ReceiveDropsUndecodable(t *testing.T) {
	id := uuid.New().String()
	good, _ := json.Marshal(Message{NotificationID: id, Channel: "EMAIL"})

	client := &fakeSQS{messages: []types.Message{
		{Body: aws.String(string(good)), ReceiptHandle: aws.String("r-good")},
		{Body: aws.String("not json"), ReceiptHandle: aws.String("r-bad")},
		{Body: aws.String(`{"channel":"EMAIL"}`), ReceiptHandle: aws.String("r-empty")},
	}}
	consumer := NewConsumer(client, Config{QueueURL: "q"}, zap.NewNop())

	deliveries, err := consumer.Receive(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}
	if deliveries[0].NotificationID != id || deliveries[0].ReceiptHandle != "r-good" {
		t.Errorf("unexpected delivery: %+v", deliveries[0])
	}
	if len(client.deleted) != 2 {
		t.Errorf("expected both bad messages deleted, got %v", client.deleted)
	}
}

func TestConsumer_DeleteAndRelease(t *testing.T) {
	client := &fakeSQS{}
	consumer := NewConsumer(client, Config{QueueURL: "q"}, zap.NewNop())
	ctx := context.Background()

	if err := consumer.Delete(ctx, "r-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := consumer.Release(ctx, "r-2", 5); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	if len(client.deleted) != 1 || client.deleted[0] != "r-1" {
		t.Errorf("unexpected deletes: %v", client.deleted)
	}
	if client.released["r-2"] != 5 {
		t.Errorf("expected visibility 5, got %d", client.released["r-2"])
	}
}
