package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// InsertAuditLogs writes a batch of audit entries in one round trip.
func (r *Repository) InsertAuditLogs(ctx context.Context, entries []*AuditLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	query := `
		INSERT INTO audit_logs (
			admin_id, action_type, entity_type, entity_id,
			old_value, new_value, ip_address, user_agent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(query,
			e.ActorID,
			e.ActionType,
			e.EntityType,
			e.EntityID,
			e.OldValue,
			e.NewValue,
			e.IPAddress,
			e.UserAgent,
			e.CreatedAt,
		)
	}

	if err := r.db.Pool().SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert audit logs: %w", err)
	}
	return nil
}

// ListAuditLogs returns a page of audit entries, newest first, and the total
// number matching the filter.
func (r *Repository) ListAuditLogs(ctx context.Context, filter AuditFilter) ([]*AuditLogEntry, int64, error) {
	var (
		where []string
		args  []any
	)
	if filter.EntityType != "" {
		args = append(args, filter.EntityType)
		where = append(where, fmt.Sprintf("entity_type = $%d", len(args)))
	}
	if filter.ActionType != "" {
		args = append(args, filter.ActionType)
		where = append(where, fmt.Sprintf("action_type = $%d", len(args)))
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := r.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit logs: %w", err)
	}

	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`
		SELECT id, admin_id, action_type, entity_type, entity_id,
			old_value, new_value, ip_address, user_agent, created_at
		FROM audit_logs%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, clause, len(args)-1, len(args))

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var entries []*AuditLogEntry
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(
			&e.ID,
			&e.ActorID,
			&e.ActionType,
			&e.EntityType,
			&e.EntityID,
			&e.OldValue,
			&e.NewValue,
			&e.IPAddress,
			&e.UserAgent,
			&e.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan audit log: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate audit logs: %w", err)
	}

	return entries, total, nil
}
