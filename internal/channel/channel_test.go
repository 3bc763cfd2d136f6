package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

var fixedNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type statusChange struct {
	ID       uuid.UUID
	From, To db.Status
	Reason   string
}

type fakeAudit struct {
	mu      sync.Mutex
	changes []statusChange
}

func (a *fakeAudit) StatusChanged(id uuid.UUID, from, to db.Status, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.changes = append(a.changes, statusChange{id, from, to, reason})
}

func (a *fakeAudit) all() []statusChange {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]statusChange(nil), a.changes...)
}

type fakeTransport struct {
	mu    sync.Mutex
	calls int32
	last  EmailMessage
	err   error
	panic bool
	delay time.Duration
}

func (t *fakeTransport) Name() string { return "fake" }

func (t *fakeTransport) Send(_ context.Context, msg EmailMessage) (string, error) {
	atomic.AddInt32(&t.calls, 1)
	if t.delay > 0 {
		time.Sleep(t.delay)
	}
	if t.panic {
		panic("provider exploded")
	}
	t.mu.Lock()
	t.last = msg
	t.mu.Unlock()
	if t.err != nil {
		return "", t.err
	}
	return "provider-123", nil
}

type senderFixture struct {
	store     *db.MemoryStore
	audit     *fakeAudit
	transport *fakeTransport
	sender    *EmailSender
	clock     time.Time
}

func (f *senderFixture) now() time.Time { return f.clock }

func newSenderFixture(t *testing.T) *senderFixture {
	t.Helper()
	store := db.NewMemoryStore()
	store.PutChannelConfig(db.ChannelConfig{
		Channel:      db.ChannelEmail,
		ProviderName: "fake",
		Enabled:      true,
		Settings:     map[string]any{"from_email": "noreply@courier.test"},
	})
	f := &senderFixture{store: store, audit: &fakeAudit{}, transport: &fakeTransport{}, clock: fixedNow}
	store.SetClock(f.now)
	failures := NewFailureHandler(store, f.audit, zap.NewNop())
	failures.now = f.now
	f.sender = NewEmailSender(store, f.transport, failures, f.audit, EmailConfig{DefaultFrom: "default@courier.test"}, zap.NewNop())
	f.sender.now = f.now
	return f
}

func (f *senderFixture) pending(t *testing.T, retryCount int) *db.Notification {
	t.Helper()
	n := &db.Notification{
		ID:         uuid.New(),
		ClientID:   1,
		Channel:    db.ChannelEmail,
		Recipient:  "john.doe@example.com",
		Body:       "plain text body",
		Status:     db.StatusPending,
		Priority:   db.PriorityNormal,
		RetryCount: retryCount,
		MaxRetries: db.DefaultMaxRetries,
		CreatedAt:  fixedNow.Add(-time.Hour),
		ExpiresAt:  fixedNow.Add(23 * time.Hour),
	}
	f.store.PutNotification(n)
	return n
}

func (f *senderFixture) load(t *testing.T, id uuid.UUID) *db.Notification {
	t.Helper()
	n, err := f.store.GetNotification(context.Background(), id)
	require.NoError(t, err)
	return n
}

func TestEmailSender_Success(t *testing.T) {
	f := newSenderFixture(t)
	n := f.pending(t, 0)

	out := f.sender.Send(context.Background(), n)

	assert.Equal(t, OutcomeSent, out.Status)
	stored := f.load(t, n.ID)
	assert.Equal(t, db.StatusSent, stored.Status)
	require.NotNil(t, stored.SentAt)
	assert.Equal(t, fixedNow, *stored.SentAt)
	require.NotNil(t, stored.ProviderMessageID)
	assert.Equal(t, "provider-123", *stored.ProviderMessageID)
	assert.Nil(t, stored.ErrorCode)

	assert.Equal(t, "noreply@courier.test", f.transport.last.From)
	assert.Equal(t, DefaultSubject, f.transport.last.Subject)
	assert.False(t, f.transport.last.HTML)

	cfg, _ := f.store.ChannelConfig(db.ChannelEmail)
	assert.Equal(t, 1, cfg.DailySentCount)

	changes := f.audit.all()
	require.Len(t, changes, 1)
	assert.Equal(t, db.StatusSending, changes[0].From)
	assert.Equal(t, db.StatusSent, changes[0].To)
}

func TestEmailSender_HTMLAndSubject(t *testing.T) {
	f := newSenderFixture(t)
	n := f.pending(t, 0)
	subject := "Welcome"
	n.Subject = &subject
	n.Body = "<div>Hello</div>"
	f.store.PutNotification(n)

	f.sender.Send(context.Background(), n)

	assert.True(t, f.transport.last.HTML)
	assert.Equal(t, "Welcome", f.transport.last.Subject)
	assert.Equal(t, n.ID.String(), f.transport.last.Reference)
}

func TestEmailSender_DefaultFromWithoutConfig(t *testing.T) {
	store := db.NewMemoryStore()
	transport := &fakeTransport{}
	audit := &fakeAudit{}
	sender := NewEmailSender(store, transport, NewFailureHandler(store, audit, zap.NewNop()), audit,
		EmailConfig{DefaultFrom: "default@courier.test"}, zap.NewNop())

	n := &db.Notification{ID: uuid.New(), Channel: db.ChannelEmail, Recipient: "a@b.co", Body: "x",
		Status: db.StatusPending, MaxRetries: 5, CreatedAt: fixedNow, ExpiresAt: fixedNow.Add(time.Hour)}
	store.PutNotification(n)

	out := sender.Send(context.Background(), n)

	assert.Equal(t, OutcomeSent, out.Status)
	assert.Equal(t, "default@courier.test", transport.last.From)
}

func TestEmailSender_LostClaimIsSkipped(t *testing.T) {
	f := newSenderFixture(t)
	n := f.pending(t, 0)
	n.Status = db.StatusSending
	f.store.PutNotification(n)

	out := f.sender.Send(context.Background(), n)

	assert.Equal(t, OutcomeSkipped, out.Status)
	assert.Zero(t, atomic.LoadInt32(&f.transport.calls))
	assert.Equal(t, db.StatusSending, f.load(t, n.ID).Status)
}

func TestEmailSender_MessagingFailureSchedulesRetry(t *testing.T) {
	f := newSenderFixture(t)
	f.transport.err = errors.Join(ErrMessaging, errors.New("address rejected"))
	n := f.pending(t, 0)

	out := f.sender.Send(context.Background(), n)

	assert.Equal(t, OutcomeFailed, out.Status)
	assert.Equal(t, ErrorCodeMessaging, out.ErrorCode)

	stored := f.load(t, n.ID)
	assert.Equal(t, db.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.NextRetryAt)
	assert.Equal(t, fixedNow.Add(time.Minute), *stored.NextRetryAt)
	require.NotNil(t, stored.ErrorCode)
	assert.Equal(t, ErrorCodeMessaging, *stored.ErrorCode)

	changes := f.audit.all()
	require.Len(t, changes, 1)
	assert.Equal(t, db.StatusPending, changes[0].To)
}

func TestEmailSender_UnknownFailureCode(t *testing.T) {
	f := newSenderFixture(t)
	f.transport.err = context.DeadlineExceeded
	n := f.pending(t, 2)

	out := f.sender.Send(context.Background(), n)

	assert.Equal(t, ErrorCodeUnknown, out.ErrorCode)
	stored := f.load(t, n.ID)
	assert.Equal(t, 3, stored.RetryCount)
	assert.Equal(t, fixedNow.Add(15*time.Minute), *stored.NextRetryAt)
}

func TestEmailSender_FinalFailure(t *testing.T) {
	f := newSenderFixture(t)
	f.transport.err = errors.New("connection refused")
	n := f.pending(t, db.DefaultMaxRetries-1)

	f.sender.Send(context.Background(), n)

	stored := f.load(t, n.ID)
	assert.Equal(t, db.StatusFailed, stored.Status)
	assert.Equal(t, db.DefaultMaxRetries, stored.RetryCount)
	assert.Nil(t, stored.NextRetryAt)
}

func TestEmailSender_PanicBecomesFailure(t *testing.T) {
	f := newSenderFixture(t)
	f.transport.panic = true
	n := f.pending(t, 0)

	var out Outcome
	require.NotPanics(t, func() {
		out = f.sender.Send(context.Background(), n)
	})

	assert.Equal(t, OutcomeFailed, out.Status)
	assert.Equal(t, ErrorCodeUnknown, out.ErrorCode)
	stored := f.load(t, n.ID)
	assert.Equal(t, db.StatusPending, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
}

func TestEmailSender_CancelledContextStillResolves(t *testing.T) {
	f := newSenderFixture(t)
	n := f.pending(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	f.transport.delay = 10 * time.Millisecond
	go cancel()

	out := f.sender.Send(ctx, n)

	assert.Equal(t, OutcomeSent, out.Status)
	assert.Equal(t, db.StatusSent, f.load(t, n.ID).Status)
}

func TestEmailSender_ConcurrentSendsClaimOnce(t *testing.T) {
	f := newSenderFixture(t)
	f.transport.delay = 5 * time.Millisecond
	n := f.pending(t, 0)

	var (
		wg      sync.WaitGroup
		sent    int32
		skipped int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch f.sender.Send(context.Background(), n.Clone()).Status {
			case OutcomeSent:
				atomic.AddInt32(&sent, 1)
			case OutcomeSkipped:
				atomic.AddInt32(&skipped, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), sent)
	assert.Equal(t, int32(9), skipped)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.transport.calls))
}

func TestEmailSender_StaleCopyWaitsForBackoff(t *testing.T) {
	f := newSenderFixture(t)
	f.transport.err = errors.New("connection refused")
	snapshot := f.pending(t, 0)
	ctx := context.Background()

	for attempt := 1; attempt <= db.DefaultMaxRetries; attempt++ {
		assert.Equal(t, OutcomeFailed, f.sender.Send(ctx, snapshot.Clone()).Status)
		stored := f.load(t, snapshot.ID)
		require.Equal(t, attempt, stored.RetryCount)

		// a second queued copy inside the backoff window is not delivered
		assert.Equal(t, OutcomeSkipped, f.sender.Send(ctx, snapshot.Clone()).Status)
		assert.Equal(t, int32(attempt), atomic.LoadInt32(&f.transport.calls))

		if stored.NextRetryAt != nil {
			f.clock = *stored.NextRetryAt
		}
	}

	stored := f.load(t, snapshot.ID)
	assert.Equal(t, db.StatusFailed, stored.Status)
	assert.Equal(t, db.DefaultMaxRetries, stored.RetryCount)
	assert.Nil(t, stored.NextRetryAt)

	assert.Equal(t, OutcomeSkipped, f.sender.Send(ctx, snapshot.Clone()).Status)
	assert.Equal(t, int32(db.DefaultMaxRetries), atomic.LoadInt32(&f.transport.calls))
}

func TestEmailSender_UsesStoredRetryCount(t *testing.T) {
	f := newSenderFixture(t)
	f.transport.err = errors.New("connection refused")
	n := f.pending(t, 3)

	stale := n.Clone()
	stale.RetryCount = 0
	f.sender.Send(context.Background(), stale)

	stored := f.load(t, n.ID)
	assert.Equal(t, 4, stored.RetryCount)
	assert.Equal(t, fixedNow.Add(60*time.Minute), *stored.NextRetryAt)
}

func TestFailureHandler_StaleClaimIsIgnored(t *testing.T) {
	store := db.NewMemoryStore()
	audit := &fakeAudit{}
	h := NewFailureHandler(store, audit, zap.NewNop())

	n := &db.Notification{ID: uuid.New(), Channel: db.ChannelEmail, Status: db.StatusSent, MaxRetries: 5}
	store.PutNotification(n)

	claimed := n.Clone()
	claimed.Status = db.StatusSending
	status, err := h.HandleFailure(context.Background(), claimed, ErrorCodeUnknown, "late failure")

	require.NoError(t, err)
	assert.Equal(t, db.StatusSending, status)
	assert.Empty(t, audit.all())
}

func TestRegistry(t *testing.T) {
	f := newSenderFixture(t)
	r := NewRegistry(f.sender)

	s, ok := r.Sender(db.ChannelEmail)
	assert.True(t, ok)
	assert.Same(t, f.sender, s)

	_, ok = r.Sender(db.ChannelSMS)
	assert.False(t, ok)

	assert.Equal(t, []db.Channel{db.ChannelEmail}, r.Channels())
}

func TestMaskRecipient(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"john.doe@example.com", "jo***@example.com"},
		{"abc@example.com", "ab***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"a@example.com", "***@example.com"},
		{"+15551234567", "+1***67"},
		{"abcd", "***"},
		{"", "***"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaskRecipient(tt.in), tt.in)
	}
}

func TestIsHTML(t *testing.T) {
	assert.True(t, isHTML("<html><body>hi</body></html>"))
	assert.True(t, isHTML("<p>hi</p>"))
	assert.True(t, isHTML("<DIV class=x>hi</DIV>"))
	assert.False(t, isHTML("just text with a < sign"))
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, ErrorCodeMessaging, ErrorCode(errors.Join(ErrMessaging, errors.New("x"))))
	assert.Equal(t, ErrorCodeUnknown, ErrorCode(errors.New("timeout")))
}
