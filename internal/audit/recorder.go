// Package audit records an append-only trail of notification actions without
// slowing down the request or delivery paths.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
)

// Action and entity types written to the audit log.
const (
	ActionSendNotification = "SEND_NOTIFICATION"
	ActionStatusChange     = "STATUS_CHANGE"

	EntityNotification = "NOTIFICATION"

	// SystemIP and SystemUserAgent mark entries produced by the engine itself.
	SystemIP        = "system"
	SystemUserAgent = "courier"
)

// Sink persists a batch of audit entries.
type Sink interface {
	Name() string
	Write(ctx context.Context, entries []*db.AuditLogEntry) error
}

// Options configures buffering and batching.
type Options struct {
	BufferSize     int
	BatchSize      int
	BatchTimeout   time.Duration
	StorageTimeout time.Duration
}

// Recorder queues audit entries in a bounded buffer and writes them to every
// sink in batches from a single goroutine. Record never blocks: when the buffer
// is full the entry is dropped. Sink errors are logged and counted, never returned.
type Recorder struct {
	sinks   []Sink
	entries chan *db.AuditLogEntry
	done    chan struct{}
	wg      sync.WaitGroup
	opts    Options
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts a recorder writing to sinks.
func NewRecorder(opts Options, logger *zap.Logger, sinks ...Sink) *Recorder {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 200 * time.Millisecond
	}
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = 5 * time.Second
	}

	r := &Recorder{
		sinks:   sinks,
		entries: make(chan *db.AuditLogEntry, opts.BufferSize),
		done:    make(chan struct{}),
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}

	r.wg.Add(1)
	go r.run()

	return r
}

// Record enqueues entry. CreatedAt is stamped if unset.
func (r *Recorder) Record(entry *db.AuditLogEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.drop(entry, "recorder closed")
		return
	}

	select {
	case r.entries <- entry:
	default:
		r.drop(entry, "buffer full")
	}
}

// NotificationCreated records a new submission.
func (r *Recorder) NotificationCreated(n *db.Notification, sourceIP string) {
	r.Record(&db.AuditLogEntry{
		ActionType: ActionSendNotification,
		EntityType: EntityNotification,
		EntityID:   n.ID.String(),
		NewValue: map[string]any{
			"channel":   string(n.Channel),
			"recipient": channel.MaskRecipient(n.Recipient),
			"status":    string(n.Status),
		},
		IPAddress: sourceIP,
		UserAgent: SystemUserAgent,
	})
}

// StatusChanged records a lifecycle transition made by the engine.
func (r *Recorder) StatusChanged(id uuid.UUID, from, to db.Status, reason string) {
	newValue := map[string]any{"status": string(to)}
	if reason != "" {
		newValue["reason"] = reason
	}
	r.Record(&db.AuditLogEntry{
		ActionType: ActionStatusChange,
		EntityType: EntityNotification,
		EntityID:   id.String(),
		OldValue:   map[string]any{"status": string(from)},
		NewValue:   newValue,
		IPAddress:  SystemIP,
		UserAgent:  SystemUserAgent,
	})
}

// Close stops accepting entries, flushes what is buffered and waits for the
// writer goroutine or ctx, whichever comes first.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()

	batch := make([]*db.AuditLogEntry, 0, r.opts.BatchSize)
	ticker := time.NewTicker(r.opts.BatchTimeout)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.write(batch)
		batch = make([]*db.AuditLogEntry, 0, r.opts.BatchSize)
	}

	for {
		select {
		case e := <-r.entries:
			batch = append(batch, e)
			if len(batch) >= r.opts.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-r.done:
			for {
				select {
				case e := <-r.entries:
					batch = append(batch, e)
					if len(batch) >= r.opts.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (r *Recorder) write(batch []*db.AuditLogEntry) {
	for _, sink := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.StorageTimeout)
		err := sink.Write(ctx, batch)
		cancel()
		if err != nil {
			metrics.RecordAuditWriteError(sink.Name())
			r.logger.Error("audit batch write failed",
				zap.String("sink", sink.Name()),
				zap.Int("entries", len(batch)),
				zap.Error(err),
			)
		}
	}
}

func (r *Recorder) drop(entry *db.AuditLogEntry, reason string) {
	metrics.RecordAuditDropped()
	r.logger.Warn("audit entry dropped",
		zap.String("reason", reason),
		zap.String("action_type", entry.ActionType),
		zap.String("entity_id", entry.EntityID),
	)
}
