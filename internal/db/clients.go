package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// FindActiveClient returns the client only if it exists and is active.
func (r *Repository) FindActiveClient(ctx context.Context, id int) (*ApiClient, error) {
	query := `
		SELECT id, name, is_active, allowed_channels, last_used_at
		FROM api_clients
		WHERE id = $1 AND is_active = TRUE
	`

	var (
		client  ApiClient
		allowed []string
	)
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&client.ID,
		&client.Name,
		&client.Active,
		&allowed,
		&client.LastUsedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("client %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query client: %w", err)
	}

	for _, ch := range allowed {
		client.AllowedChannels = append(client.AllowedChannels, Channel(ch))
	}
	return &client, nil
}

// TouchClientLastUsed records the last time a client submitted a request.
func (r *Repository) TouchClientLastUsed(ctx context.Context, id int, at time.Time) error {
	_, err := r.db.Pool().Exec(ctx, `UPDATE api_clients SET last_used_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("touch client: %w", err)
	}
	return nil
}

// GetEnabledChannelConfig returns the provider configuration for channel if it is enabled.
func (r *Repository) GetEnabledChannelConfig(ctx context.Context, channel Channel) (*ChannelConfig, error) {
	query := `
		SELECT channel, provider_name, settings, is_enabled, daily_limit,
			daily_sent_count, health_status, last_health_check
		FROM channel_configs
		WHERE channel = $1 AND is_enabled = TRUE
	`

	var (
		cfg    ChannelConfig
		ch     string
		health string
	)
	err := r.db.Pool().QueryRow(ctx, query, string(channel)).Scan(
		&ch,
		&cfg.ProviderName,
		&cfg.Settings,
		&cfg.Enabled,
		&cfg.DailyLimit,
		&cfg.DailySentCount,
		&health,
		&cfg.LastHealthCheck,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("channel config %s: %w", channel, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query channel config: %w", err)
	}

	cfg.Channel = Channel(ch)
	cfg.HealthStatus = HealthStatus(health)
	return &cfg, nil
}

// IncrementDailySent bumps the channel's daily counter after a successful send.
func (r *Repository) IncrementDailySent(ctx context.Context, channel Channel) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE channel_configs SET daily_sent_count = daily_sent_count + 1 WHERE channel = $1`,
		string(channel))
	if err != nil {
		return fmt.Errorf("increment daily sent: %w", err)
	}
	return nil
}

// ResetDailySent zeroes every channel's daily counter and returns how many rows changed.
func (r *Repository) ResetDailySent(ctx context.Context) (int64, error) {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE channel_configs SET daily_sent_count = 0 WHERE daily_sent_count <> 0`)
	if err != nil {
		return 0, fmt.Errorf("reset daily sent: %w", err)
	}
	return result.RowsAffected(), nil
}

// UpdateChannelHealth records the outcome of a channel health check.
func (r *Repository) UpdateChannelHealth(ctx context.Context, channel Channel, status HealthStatus, at time.Time) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE channel_configs SET health_status = $1, last_health_check = $2 WHERE channel = $3`,
		string(status), at, string(channel))
	if err != nil {
		return fmt.Errorf("update channel health: %w", err)
	}
	return nil
}
