package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/sqs"
)

type fakeSource struct {
	mu         sync.Mutex
	batches    [][]sqs.Delivery
	receiveErr error
	deleted    []string
	released   []string
}

func (s *fakeSource) Receive(context.Context) ([]sqs.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.receiveErr != nil {
		return nil, s.receiveErr
	}
	if len(s.batches) == 0 {
		return nil, nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch, nil
}

func (s *fakeSource) Delete(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, handle)
	return nil
}

func (s *fakeSource) Release(_ context.Context, handle string, _ int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, handle)
	return nil
}

func delivery(id, handle string) sqs.Delivery {
	return sqs.Delivery{
		Message:       sqs.Message{NotificationID: id, Channel: string(db.ChannelEmail)},
		ReceiptHandle: handle,
	}
}

func TestQueueConsumer_Poll(t *testing.T) {
	store := db.NewMemoryStore()

	queued := pending(db.ChannelEmail, testNow)
	done := pending(db.ChannelEmail, testNow)
	done.Status = db.StatusSent
	store.PutNotification(queued)
	store.PutNotification(done)

	source := &fakeSource{batches: [][]sqs.Delivery{{
		delivery(queued.ID.String(), "r-queued"),
		delivery(done.ID.String(), "r-done"),
		delivery(uuid.New().String(), "r-unknown"),
		delivery("not-a-uuid", "r-bad"),
	}}}
	dispatcher := &recordingDispatcher{}

	consumer := NewQueueConsumer(source, store, dispatcher, zap.NewNop())
	require.NoError(t, consumer.Poll(context.Background()))

	assert.Equal(t, []uuid.UUID{queued.ID}, dispatcher.ids)
	assert.ElementsMatch(t, []string{"r-queued", "r-done", "r-unknown", "r-bad"}, source.deleted)
	assert.Empty(t, source.released)
}

func TestQueueConsumer_FullPoolReleasesMessage(t *testing.T) {
	store := db.NewMemoryStore()
	queued := pending(db.ChannelEmail, testNow)
	store.PutNotification(queued)

	source := &fakeSource{batches: [][]sqs.Delivery{{delivery(queued.ID.String(), "r-1")}}}
	dispatcher := &recordingDispatcher{err: ErrQueueFull}

	consumer := NewQueueConsumer(source, store, dispatcher, zap.NewNop())
	require.NoError(t, consumer.Poll(context.Background()))

	assert.Empty(t, source.deleted)
	assert.Equal(t, []string{"r-1"}, source.released)
}

func TestQueueConsumer_ReceiveError(t *testing.T) {
	source := &fakeSource{receiveErr: errors.New("access denied")}
	consumer := NewQueueConsumer(source, db.NewMemoryStore(), &recordingDispatcher{}, zap.NewNop())

	assert.Error(t, consumer.Poll(context.Background()))
}

func TestQueueConsumer_StartStopsOnCancel(t *testing.T) {
	source := &fakeSource{receiveErr: errors.New("access denied")}
	consumer := NewQueueConsumer(source, db.NewMemoryStore(), &recordingDispatcher{}, zap.NewNop())
	consumer.errBackoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		consumer.Start(ctx)
		close(stopped)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}
