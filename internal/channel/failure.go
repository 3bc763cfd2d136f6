package channel

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
	"github.com/lalithlochan/courier/internal/retry"
)

// FailureHandler records a failed attempt on a claimed notification and either
// schedules the next retry or marks the notification FAILED. All senders share it.
type FailureHandler struct {
	store  Store
	audit  AuditRecorder
	logger *zap.Logger
	now    func() time.Time
}

// NewFailureHandler creates a failure handler
func NewFailureHandler(store Store, audit AuditRecorder, logger *zap.Logger) *FailureHandler {
	return &FailureHandler{
		store:  store,
		audit:  audit,
		logger: logger,
		now:    time.Now,
	}
}

// HandleFailure applies a failed attempt to notif, which must be SENDING.
// It returns the status the notification was moved to.
func (h *FailureHandler) HandleFailure(ctx context.Context, notif *db.Notification, code, message string) (db.Status, error) {
	update := notif.Clone()
	update.RetryCount++
	update.ErrorCode = &code
	update.ErrorMessage = &message

	if update.RetryCount >= update.MaxRetries {
		update.Status = db.StatusFailed
		update.NextRetryAt = nil
	} else {
		next := retry.NextAttempt(h.now(), update.RetryCount)
		update.Status = db.StatusPending
		update.NextRetryAt = &next
	}

	applied, err := h.store.UpdateIfStatus(ctx, update, db.StatusSending)
	if err != nil {
		h.logger.Error("failed to record delivery failure",
			zap.String("notification_id", notif.ID.String()),
			zap.Error(err),
		)
		return notif.Status, fmt.Errorf("record failure: %w", err)
	}
	if !applied {
		h.logger.Warn("notification left SENDING before failure was recorded",
			zap.String("notification_id", notif.ID.String()),
		)
		return notif.Status, nil
	}

	*notif = *update

	if notif.Status == db.StatusFailed {
		metrics.RecordFinalFailure(string(notif.Channel))
		h.logger.Warn("notification failed permanently",
			zap.String("notification_id", notif.ID.String()),
			zap.String("channel", string(notif.Channel)),
			zap.Int("retry_count", notif.RetryCount),
			zap.String("error_code", code),
		)
	} else {
		metrics.RecordRetryScheduled(string(notif.Channel))
		h.logger.Info("notification retry scheduled",
			zap.String("notification_id", notif.ID.String()),
			zap.Int("retry_count", notif.RetryCount),
			zap.Time("next_retry_at", *notif.NextRetryAt),
		)
	}

	h.audit.StatusChanged(notif.ID, db.StatusSending, notif.Status, message)
	return notif.Status, nil
}
