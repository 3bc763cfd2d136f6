// Package worker runs delivery off the request path: an in-process Pool, the
// retry Sweeper, and a QueueConsumer that feeds the Pool from SQS.
package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/channel"
	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
)

var (
	ErrQueueFull  = errors.New("dispatch queue full")
	ErrPoolClosed = errors.New("dispatch pool closed")
)

// SenderLookup resolves the sender for a channel.
type SenderLookup interface {
	Sender(ch db.Channel) (channel.Sender, bool)
}

// PoolConfig sizes the pool.
type PoolConfig struct {
	Workers   int
	QueueSize int
}

// Pool delivers notifications on a fixed set of goroutines fed by a bounded
// queue. Dispatch never blocks the caller.
type Pool struct {
	senders SenderLookup
	queue   chan *db.Notification
	workers int
	logger  *zap.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// NewPool creates a pool. Call Start before dispatching.
func NewPool(senders SenderLookup, cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}

	return &Pool{
		senders: senders,
		queue:   make(chan *db.Notification, cfg.QueueSize),
		workers: cfg.Workers,
		logger:  logger,
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}

	p.logger.Info("dispatch pool started",
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cap(p.queue)),
	)
}

// Dispatch queues the notification for delivery. A full queue is not retried
// here; the sweeper picks the notification up as an orphan.
func (p *Pool) Dispatch(_ context.Context, notif *db.Notification) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.queue <- notif:
		metrics.SetDispatchQueueDepth(len(p.queue))
		return nil
	default:
		metrics.RecordDispatchDropped()
		p.logger.Warn("dispatch queue full, leaving notification for the sweeper",
			zap.String("notification_id", notif.ID.String()),
		)
		return ErrQueueFull
	}
}

// Stop refuses new work and waits for queued notifications to drain, or for
// ctx to end.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("dispatch pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	for notif := range p.queue {
		metrics.SetDispatchQueueDepth(len(p.queue))
		p.deliver(id, notif)
	}
}

func (p *Pool) deliver(worker int, notif *db.Notification) {
	sender, ok := p.senders.Sender(notif.Channel)
	if !ok {
		p.logger.Debug("no sender registered, notification stays pending",
			zap.String("notification_id", notif.ID.String()),
			zap.String("channel", string(notif.Channel)),
		)
		return
	}

	// Senders own their timeouts and always resolve a claimed notification,
	// so a background context is enough here.
	out := sender.Send(context.Background(), notif)

	p.logger.Debug("delivery attempt finished",
		zap.Int("worker", worker),
		zap.String("notification_id", notif.ID.String()),
		zap.String("outcome", string(out.Status)),
	)
}
