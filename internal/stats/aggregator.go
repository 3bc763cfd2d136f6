// Package stats builds the read-only dashboard view over stored notifications.
package stats

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
)

// DefaultWindowHours is used when the caller passes a non-positive window.
const DefaultWindowHours = 24

const recentFailuresLimit = 10

// Store is the read side the aggregator queries.
type Store interface {
	CountByStatusSince(ctx context.Context, since time.Time) (map[db.Status]int64, error)
	CountByChannelSince(ctx context.Context, since time.Time) (map[db.Channel]int64, error)
	CountByHourSince(ctx context.Context, since time.Time) ([]db.HourlyCount, error)
	RecentByStatusSince(ctx context.Context, status db.Status, since time.Time, limit int) ([]*db.Notification, error)
}

// Dashboard summarizes notifications created within a window.
type Dashboard struct {
	WindowHours    int                  `json:"windowHours"`
	TotalSent      int64                `json:"totalSent"`
	TotalFailed    int64                `json:"totalFailed"`
	TotalPending   int64                `json:"totalPending"`
	SuccessRate    float64              `json:"successRate"`
	ByChannel      map[db.Channel]int64 `json:"byChannel"`
	ByStatus       map[db.Status]int64  `json:"byStatus"`
	HourlyBuckets  []db.HourlyCount     `json:"hourlyStats"`
	RecentFailures []*db.Notification   `json:"recentFailures"`
	GeneratedAt    time.Time            `json:"generatedAt"`
}

// Aggregator computes dashboards
type Aggregator struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewAggregator reads counts from store and stamps dashboards with the wall clock.
func NewAggregator(store Store, logger *zap.Logger) *Aggregator {
	return &Aggregator{store: store, logger: logger, now: time.Now}
}

// DashboardStats aggregates notifications created in the last windowHours.
func (a *Aggregator) DashboardStats(ctx context.Context, windowHours int) (*Dashboard, error) {
	if windowHours <= 0 {
		windowHours = DefaultWindowHours
	}
	now := a.now()
	since := now.Add(-time.Duration(windowHours) * time.Hour)

	byStatus, err := a.store.CountByStatusSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	byChannel, err := a.store.CountByChannelSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("count by channel: %w", err)
	}
	hourly, err := a.store.CountByHourSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("count by hour: %w", err)
	}
	failures, err := a.store.RecentByStatusSince(ctx, db.StatusFailed, since, recentFailuresLimit)
	if err != nil {
		return nil, fmt.Errorf("recent failures: %w", err)
	}

	d := &Dashboard{
		WindowHours:    windowHours,
		TotalSent:      byStatus[db.StatusSent],
		TotalFailed:    byStatus[db.StatusFailed],
		TotalPending:   byStatus[db.StatusPending],
		ByChannel:      byChannel,
		ByStatus:       byStatus,
		HourlyBuckets:  hourly,
		RecentFailures: failures,
		GeneratedAt:    now,
	}
	d.SuccessRate = SuccessRate(d.TotalSent, d.TotalFailed, d.TotalPending)

	if d.HourlyBuckets == nil {
		d.HourlyBuckets = []db.HourlyCount{}
	}
	if d.RecentFailures == nil {
		d.RecentFailures = []*db.Notification{}
	}

	a.logger.Debug("dashboard stats computed",
		zap.Int("window_hours", windowHours),
		zap.Int64("sent", d.TotalSent),
		zap.Int64("failed", d.TotalFailed),
	)
	return d, nil
}

// SuccessRate is sent / (sent + failed + pending) as a percentage rounded to
// two decimals, or 0 when there is nothing to divide by.
func SuccessRate(sent, failed, pending int64) float64 {
	total := sent + failed + pending
	if total == 0 {
		return 0
	}
	return math.Round(float64(sent)/float64(total)*100*100) / 100
}
