package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
)

const sweeperLock = "sweeper"

// Store is the subset of the notification store the sweeper reads and writes.
type Store interface {
	DueRetries(ctx context.Context, now time.Time, limit int) ([]*db.Notification, error)
	OrphanedPending(ctx context.Context, createdBefore time.Time, limit int) ([]*db.Notification, error)
	ExpiredPending(ctx context.Context, now time.Time, limit int) ([]*db.Notification, error)
	UpdateIfStatus(ctx context.Context, notif *db.Notification, expected db.Status) (bool, error)
}

// Dispatcher hands a notification to whatever performs delivery.
type Dispatcher interface {
	Dispatch(ctx context.Context, notif *db.Notification) error
}

// AuditRecorder receives the EXPIRED transitions made by the sweeper.
type AuditRecorder interface {
	StatusChanged(id uuid.UUID, from, to db.Status, reason string)
}

// Locker elects one sweeping replica per cycle.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

// SweeperConfig controls cadence and batch sizes.
type SweeperConfig struct {
	Interval    time.Duration
	BatchSize   int
	OrphanGrace time.Duration
}

// SweepResult summarizes one cycle.
type SweepResult struct {
	Dispatched int
	Deferred   int
	Expired    int
	Skipped    bool
}

// Sweeper periodically re-dispatches due retries and orphans, and expires
// notifications that outlived their TTL.
type Sweeper struct {
	store      Store
	senders    SenderLookup
	dispatcher Dispatcher
	audit      AuditRecorder
	locker     Locker
	config     SweeperConfig
	logger     *zap.Logger
	now        func() time.Time
}

// NewSweeper creates a sweeper. Zero config fields take defaults.
func NewSweeper(store Store, senders SenderLookup, dispatcher Dispatcher, audit AuditRecorder, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.OrphanGrace == 0 {
		cfg.OrphanGrace = 2 * time.Minute
	}

	return &Sweeper{
		store:      store,
		senders:    senders,
		dispatcher: dispatcher,
		audit:      audit,
		config:     cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// SetLocker enables per-cycle leader election across replicas.
func (s *Sweeper) SetLocker(l Locker) {
	s.locker = l
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("batch_size", s.config.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs a single cycle. Expiry goes first so that a notification past its
// TTL is never handed out for another attempt.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	began := time.Now()
	defer func() { metrics.RecordSweep(time.Since(began)) }()
	now := s.now()

	var result SweepResult

	if s.locker != nil {
		ok, err := s.locker.TryAcquire(ctx, sweeperLock, s.config.Interval)
		if err != nil {
			// Without Redis every replica sweeps; claims keep that safe.
			s.logger.Warn("sweeper lock unavailable, sweeping anyway", zap.Error(err))
		} else if !ok {
			s.logger.Debug("another replica holds the sweeper lock")
			result.Skipped = true
			return result
		}
	}

	result.Expired = s.expire(ctx, now)

	entries := s.collect(ctx, now)
	for i := range entries {
		entry := &entries[i]
		entry.Status = db.RetryQueueProcessing
		if err := s.dispatcher.Dispatch(ctx, entry.notif); err != nil {
			entry.Status = db.RetryQueueFailed
			result.Deferred++
			if !errors.Is(err, ErrQueueFull) {
				s.logger.Warn("failed to dispatch retry",
					zap.String("notification_id", entry.NotificationID.String()),
					zap.Error(err),
				)
			}
			continue
		}
		entry.Status = db.RetryQueueCompleted
		result.Dispatched++
	}

	if result.Dispatched+result.Deferred+result.Expired > 0 {
		s.logger.Info("sweep finished",
			zap.Int("dispatched", result.Dispatched),
			zap.Int("deferred", result.Deferred),
			zap.Int("expired", result.Expired),
		)
	}
	return result
}

type sweepEntry struct {
	db.RetryQueueEntry
	notif *db.Notification
}

// collect gathers due retries and orphans with a registered sender, once each.
func (s *Sweeper) collect(ctx context.Context, now time.Time) []sweepEntry {
	due, err := s.store.DueRetries(ctx, now, s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to load due retries", zap.Error(err))
	}

	orphans, err := s.store.OrphanedPending(ctx, now.Add(-s.config.OrphanGrace), s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to load orphaned notifications", zap.Error(err))
	}

	seen := make(map[uuid.UUID]struct{}, len(due)+len(orphans))
	entries := make([]sweepEntry, 0, len(due)+len(orphans))
	for _, n := range append(due, orphans...) {
		if _, dup := seen[n.ID]; dup {
			continue
		}
		seen[n.ID] = struct{}{}

		if _, ok := s.senders.Sender(n.Channel); !ok {
			continue
		}

		scheduled := n.CreatedAt
		if n.NextRetryAt != nil {
			scheduled = *n.NextRetryAt
		}
		entries = append(entries, sweepEntry{
			RetryQueueEntry: db.RetryQueueEntry{
				NotificationID: n.ID,
				Channel:        n.Channel,
				Attempt:        n.RetryCount + 1,
				ScheduledAt:    scheduled,
				Status:         db.RetryQueuePending,
			},
			notif: n,
		})
	}
	return entries
}

func (s *Sweeper) expire(ctx context.Context, now time.Time) int {
	stale, err := s.store.ExpiredPending(ctx, now, s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to load expired notifications", zap.Error(err))
		return 0
	}

	expired := 0
	for _, n := range stale {
		update := n.Clone()
		update.Status = db.StatusExpired
		update.NextRetryAt = nil

		ok, err := s.store.UpdateIfStatus(ctx, update, db.StatusPending)
		if err != nil {
			s.logger.Error("failed to expire notification",
				zap.String("notification_id", n.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			// claimed by a sender in the meantime
			continue
		}

		expired++
		metrics.RecordExpired(string(n.Channel))
		s.audit.StatusChanged(n.ID, db.StatusPending, db.StatusExpired, "expired")
		s.logger.Info("notification expired",
			zap.String("notification_id", n.ID.String()),
			zap.Int("retry_count", n.RetryCount),
		)
	}
	return expired
}
