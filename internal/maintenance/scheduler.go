// Package maintenance runs the periodic channel bookkeeping jobs: the daily
// send counter reset and the provider health snapshot.
package maintenance

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// Store is the channel configuration bookkeeping the jobs write to.
type Store interface {
	ResetDailySent(ctx context.Context) (int64, error)
	UpdateChannelHealth(ctx context.Context, channel db.Channel, status db.HealthStatus, at time.Time) error
}

// HealthSource reports the current health of a channel's provider, usually
// a circuit breaker.
type HealthSource interface {
	Health() db.HealthStatus
}

// Config holds the cron specs. Standard five-field expressions and
// descriptors such as "@every 1m" or "@daily" are accepted.
type Config struct {
	DailyResetSpec  string
	HealthCheckSpec string
	Location        *time.Location
	JobTimeout      time.Duration
}

// Scheduler owns the cron instance and the jobs registered on it.
type Scheduler struct {
	store   Store
	c       *cron.Cron
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.RWMutex
	sources map[db.Channel]HealthSource
}

// New parses the specs and registers both jobs. Nothing runs until Start.
func New(store Store, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if cfg.DailyResetSpec == "" {
		cfg.DailyResetSpec = "0 0 * * *"
	}
	if cfg.HealthCheckSpec == "" {
		cfg.HealthCheckSpec = "@every 1m"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.JobTimeout == 0 {
		cfg.JobTimeout = 30 * time.Second
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Scheduler{
		store:   store,
		timeout: cfg.JobTimeout,
		logger:  logger,
		now:     time.Now,
		sources: make(map[db.Channel]HealthSource),
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(cfg.Location),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
	}

	if _, err := s.c.AddFunc(cfg.DailyResetSpec, s.job("daily_reset", s.ResetDailyCounters)); err != nil {
		return nil, fmt.Errorf("invalid daily reset spec %q: %w", cfg.DailyResetSpec, err)
	}
	if _, err := s.c.AddFunc(cfg.HealthCheckSpec, s.job("health_check", s.RecordChannelHealth)); err != nil {
		return nil, fmt.Errorf("invalid health check spec %q: %w", cfg.HealthCheckSpec, err)
	}

	return s, nil
}

// Watch registers the health source for a channel.
func (s *Scheduler) Watch(channel db.Channel, source HealthSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[channel] = source
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.c.Start()
	s.logger.Info("maintenance scheduler started", zap.Int("jobs", len(s.c.Entries())))
}

// Stop prevents new runs and waits for a running job to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.c.Stop().Done():
		s.logger.Info("maintenance scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResetDailyCounters zeroes every channel's daily send counter.
func (s *Scheduler) ResetDailyCounters(ctx context.Context) error {
	changed, err := s.store.ResetDailySent(ctx)
	if err != nil {
		return fmt.Errorf("reset daily counters: %w", err)
	}
	s.logger.Info("daily send counters reset", zap.Int64("channels", changed))
	return nil
}

// RecordChannelHealth writes each watched channel's current health. A failed
// write is logged and the remaining channels are still recorded.
func (s *Scheduler) RecordChannelHealth(ctx context.Context) error {
	s.mu.RLock()
	channels := make([]db.Channel, 0, len(s.sources))
	for ch := range s.sources {
		channels = append(channels, ch)
	}
	s.mu.RUnlock()
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })

	at := s.now()
	var failed int
	for _, ch := range channels {
		s.mu.RLock()
		status := s.sources[ch].Health()
		s.mu.RUnlock()

		if err := s.store.UpdateChannelHealth(ctx, ch, status, at); err != nil {
			failed++
			s.logger.Warn("failed to record channel health",
				zap.String("channel", string(ch)),
				zap.Error(err),
			)
			continue
		}
		if status != db.HealthHealthy {
			s.logger.Warn("channel provider not healthy",
				zap.String("channel", string(ch)),
				zap.String("health", string(status)),
			)
		}
	}

	if failed > 0 {
		return fmt.Errorf("record channel health: %d of %d channels failed", failed, len(channels))
	}
	return nil
}

func (s *Scheduler) job(name string, fn func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			s.logger.Error("maintenance job failed", zap.String("job", name), zap.Error(err))
		}
	}
}
