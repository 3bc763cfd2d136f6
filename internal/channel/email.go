package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/db"
	"github.com/lalithlochan/courier/internal/metrics"
)

// EmailConfig configures the email sender
type EmailConfig struct {
	// DefaultFrom is used when the EMAIL channel config has no from_email.
	DefaultFrom string
	// SendTimeout bounds a single transport call.
	SendTimeout time.Duration
}

// EmailSender delivers EMAIL notifications through a Transport.
type EmailSender struct {
	store     Store
	transport Transport
	failures  *FailureHandler
	audit     AuditRecorder
	cfg       EmailConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewEmailSender creates the EMAIL channel sender
func NewEmailSender(store Store, transport Transport, failures *FailureHandler, audit AuditRecorder, cfg EmailConfig, logger *zap.Logger) *EmailSender {
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	return &EmailSender{
		store:     store,
		transport: transport,
		failures:  failures,
		audit:     audit,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Channel returns db.ChannelEmail
func (s *EmailSender) Channel() db.Channel {
	return db.ChannelEmail
}

// Send claims notif and delivers it. Delivery works on the row as claimed,
// never on the caller's copy, which may be stale when the same notification
// was queued more than once. Once claimed, the notification always ends up
// SENT or passes through the failure handler, even if ctx is cancelled.
func (s *EmailSender) Send(ctx context.Context, notif *db.Notification) (out Outcome) {
	work, claimed, err := s.store.ClaimPending(ctx, notif.ID)
	if err != nil {
		s.logger.Error("failed to claim notification",
			zap.String("notification_id", notif.ID.String()),
			zap.Error(err),
		)
		return Outcome{Status: OutcomeSkipped, ErrorMessage: err.Error()}
	}
	if !claimed {
		s.logger.Debug("notification not claimable",
			zap.String("notification_id", notif.ID.String()),
		)
		return Outcome{Status: OutcomeSkipped}
	}

	ctx = context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("email sender panicked",
				zap.String("notification_id", work.ID.String()),
				zap.Any("panic", r),
			)
			out = s.fail(ctx, work, ErrorCodeUnknown, fmt.Sprintf("sender panic: %v", r))
		}
		metrics.RecordDeliveryAttempt(string(db.ChannelEmail), string(out.Status))
	}()

	msg := EmailMessage{
		From:      s.fromAddress(ctx),
		To:        work.Recipient,
		Subject:   DefaultSubject,
		Body:      work.Body,
		HTML:      isHTML(work.Body),
		Reference: work.ID.String(),
	}
	if work.Subject != nil && *work.Subject != "" {
		msg.Subject = *work.Subject
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	start := time.Now()
	providerID, err := s.transport.Send(sendCtx, msg)
	cancel()
	metrics.RecordDeliveryLatency(string(db.ChannelEmail), time.Since(start))

	if err != nil {
		s.logger.Warn("email delivery failed",
			zap.String("notification_id", work.ID.String()),
			zap.String("recipient", MaskRecipient(work.Recipient)),
			zap.String("transport", s.transport.Name()),
			zap.Error(err),
		)
		return s.fail(ctx, work, ErrorCode(err), err.Error())
	}

	return s.succeed(ctx, work, providerID)
}

func (s *EmailSender) succeed(ctx context.Context, work *db.Notification, providerID string) Outcome {
	sentAt := s.now()
	work.Status = db.StatusSent
	work.SentAt = &sentAt
	work.NextRetryAt = nil
	work.ClearError()
	if providerID != "" {
		work.ProviderMessageID = &providerID
	}

	applied, err := s.store.UpdateIfStatus(ctx, work, db.StatusSending)
	if err != nil || !applied {
		s.logger.Error("email sent but status not recorded",
			zap.String("notification_id", work.ID.String()),
			zap.Bool("applied", applied),
			zap.Error(err),
		)
		return Outcome{Status: OutcomeSent}
	}

	if err := s.store.IncrementDailySent(ctx, db.ChannelEmail); err != nil {
		s.logger.Warn("failed to bump daily sent count", zap.Error(err))
	}
	s.audit.StatusChanged(work.ID, db.StatusSending, db.StatusSent, "")

	s.logger.Info("email sent",
		zap.String("notification_id", work.ID.String()),
		zap.String("recipient", MaskRecipient(work.Recipient)),
		zap.String("provider_message_id", providerID),
	)
	return Outcome{Status: OutcomeSent}
}

func (s *EmailSender) fail(ctx context.Context, work *db.Notification, code, message string) Outcome {
	if _, err := s.failures.HandleFailure(ctx, work, code, message); err != nil {
		s.logger.Error("failure handler error",
			zap.String("notification_id", work.ID.String()),
			zap.Error(err),
		)
	}
	return Outcome{Status: OutcomeFailed, ErrorCode: code, ErrorMessage: message}
}

func (s *EmailSender) fromAddress(ctx context.Context) string {
	cfg, err := s.store.GetEnabledChannelConfig(ctx, db.ChannelEmail)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			s.logger.Warn("failed to load email channel config", zap.Error(err))
		}
		return s.cfg.DefaultFrom
	}
	if from := cfg.SettingString("from_email"); from != "" {
		return from
	}
	return s.cfg.DefaultFrom
}
