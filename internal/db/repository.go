package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const notificationColumns = `
	id, client_id, channel, recipient, subject, body,
	status, priority, retry_count, max_retries, next_retry_at,
	error_message, error_code, provider_message_id, idempotency_key,
	callback_url, metadata, created_at, updated_at, sent_at, expires_at`

// Repository is the Postgres implementation of the notification store,
// client directory, channel configuration store and audit log.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateNotification inserts a new notification. A collision on the
// idempotency key is reported as ErrDuplicateIdempotencyKey.
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	query := `
		INSERT INTO notifications (
			id, client_id, channel, recipient, subject, body,
			status, priority, retry_count, max_retries, next_retry_at,
			idempotency_key, callback_url, metadata, created_at, updated_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15, $16
		)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		notif.ID,
		notif.ClientID,
		string(notif.Channel),
		notif.Recipient,
		notif.Subject,
		notif.Body,
		string(notif.Status),
		string(notif.Priority),
		notif.RetryCount,
		notif.MaxRetries,
		notif.NextRetryAt,
		notif.IdempotencyKey,
		notif.CallbackURL,
		notif.Metadata,
		notif.CreatedAt,
		notif.ExpiresAt,
	).Scan(&notif.CreatedAt, &notif.UpdatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && notif.IdempotencyKey != nil {
			return ErrDuplicateIdempotencyKey
		}
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	return nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}

	return notif, nil
}

// GetNotificationByIdempotencyKey retrieves the notification owning key.
func (r *Repository) GetNotificationByIdempotencyKey(ctx context.Context, key string) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE idempotency_key = $1`

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query notification by idempotency key: %w", err)
	}

	return notif, nil
}

// ClaimPending moves a PENDING notification whose retry is due (or was never
// scheduled) to SENDING and returns the row as claimed. It returns false when
// the notification is not PENDING or its next attempt is still in the future.
func (r *Repository) ClaimPending(ctx context.Context, id uuid.UUID) (*Notification, bool, error) {
	query := `
		UPDATE notifications
		SET status = 'SENDING', updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
			AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		RETURNING ` + notificationColumns

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("claim notification: %w", err)
	}

	return notif, true, nil
}

// UpdateIfStatus writes the mutable fields of notif only when the stored row
// is still in the expected status. It returns false when the row moved on.
func (r *Repository) UpdateIfStatus(ctx context.Context, notif *Notification, expected Status) (bool, error) {
	if expected != notif.Status && !CanTransition(expected, notif.Status) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, notif.Status)
	}

	query := `
		UPDATE notifications
		SET status = $1, retry_count = $2, next_retry_at = $3,
			error_message = $4, error_code = $5, provider_message_id = $6,
			sent_at = $7, expires_at = $8, updated_at = NOW()
		WHERE id = $9 AND status = $10
		RETURNING updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		string(notif.Status),
		notif.RetryCount,
		notif.NextRetryAt,
		notif.ErrorMessage,
		notif.ErrorCode,
		notif.ProviderMessageID,
		notif.SentAt,
		notif.ExpiresAt,
		notif.ID,
		string(expected),
	).Scan(&notif.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		r.logger.Error("failed to update notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return false, fmt.Errorf("update notification: %w", err)
	}

	return true, nil
}

// ListNotifications returns a page of notifications, newest first, and the
// total number matching the filter.
func (r *Repository) ListNotifications(ctx context.Context, filter NotificationFilter) ([]*Notification, int64, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Channel != "" {
		args = append(args, string(filter.Channel))
		where = append(where, fmt.Sprintf("channel = $%d", len(args)))
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := r.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM notifications`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}

	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM notifications%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		notificationColumns, clause, len(args)-1, len(args))

	notifications, err := r.queryNotifications(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}

	return notifications, total, nil
}

// DueRetries returns PENDING notifications whose next retry time has passed.
func (r *Repository) DueRetries(ctx context.Context, now time.Time, limit int) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status = 'PENDING' AND next_retry_at <= $1
		ORDER BY next_retry_at ASC
		LIMIT $2`

	return r.queryNotifications(ctx, query, now, limit)
}

// OrphanedPending returns PENDING notifications that were never scheduled for
// a retry and were created before the cutoff.
func (r *Repository) OrphanedPending(ctx context.Context, createdBefore time.Time, limit int) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status = 'PENDING' AND next_retry_at IS NULL AND created_at <= $1
		ORDER BY created_at ASC
		LIMIT $2`

	return r.queryNotifications(ctx, query, createdBefore, limit)
}

// ExpiredPending returns PENDING notifications past their expiry.
func (r *Repository) ExpiredPending(ctx context.Context, now time.Time, limit int) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status = 'PENDING' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`

	return r.queryNotifications(ctx, query, now, limit)
}

// CountByStatusSince groups notifications created since the cutoff by status.
func (r *Repository) CountByStatusSince(ctx context.Context, since time.Time) (map[Status]int64, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT status, COUNT(*) FROM notifications WHERE created_at >= $1 GROUP BY status`, since)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[Status(status)] = count
	}

	return counts, rows.Err()
}

// CountByChannelSince groups notifications created since the cutoff by channel.
func (r *Repository) CountByChannelSince(ctx context.Context, since time.Time) (map[Channel]int64, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT channel, COUNT(*) FROM notifications WHERE created_at >= $1 GROUP BY channel`, since)
	if err != nil {
		return nil, fmt.Errorf("count by channel: %w", err)
	}
	defer rows.Close()

	counts := make(map[Channel]int64)
	for rows.Next() {
		var (
			channel string
			count   int64
		)
		if err := rows.Scan(&channel, &count); err != nil {
			return nil, fmt.Errorf("scan channel count: %w", err)
		}
		counts[Channel(channel)] = count
	}

	return counts, rows.Err()
}

// CountByHourSince buckets notifications created since the cutoff by hour, ascending.
func (r *Repository) CountByHourSince(ctx context.Context, since time.Time) ([]HourlyCount, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT date_trunc('hour', created_at) AS hour, COUNT(*)
		FROM notifications
		WHERE created_at >= $1
		GROUP BY hour
		ORDER BY hour ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("count by hour: %w", err)
	}
	defer rows.Close()

	var buckets []HourlyCount
	for rows.Next() {
		var b HourlyCount
		if err := rows.Scan(&b.Hour, &b.Count); err != nil {
			return nil, fmt.Errorf("scan hourly count: %w", err)
		}
		buckets = append(buckets, b)
	}

	return buckets, rows.Err()
}

// RecentByStatusSince returns the newest notifications in status created since the cutoff.
func (r *Repository) RecentByStatusSince(ctx context.Context, status Status, since time.Time, limit int) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3`

	return r.queryNotifications(ctx, query, string(status), since, limit)
}

func (r *Repository) queryNotifications(ctx context.Context, query string, args ...any) ([]*Notification, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, notif)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

func scanNotification(row pgx.Row) (*Notification, error) {
	var (
		notif    Notification
		channel  string
		status   string
		priority string
	)
	err := row.Scan(
		&notif.ID,
		&notif.ClientID,
		&channel,
		&notif.Recipient,
		&notif.Subject,
		&notif.Body,
		&status,
		&priority,
		&notif.RetryCount,
		&notif.MaxRetries,
		&notif.NextRetryAt,
		&notif.ErrorMessage,
		&notif.ErrorCode,
		&notif.ProviderMessageID,
		&notif.IdempotencyKey,
		&notif.CallbackURL,
		&notif.Metadata,
		&notif.CreatedAt,
		&notif.UpdatedAt,
		&notif.SentAt,
		&notif.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	notif.Channel = Channel(channel)
	notif.Status = Status(status)
	notif.Priority = Priority(priority)
	return &notif, nil
}
