package channel

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogTransport logs emails instead of sending them (for testing/development)
type LogTransport struct {
	logger *zap.Logger
}

func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Send(_ context.Context, msg EmailMessage) (string, error) {
	id := uuid.NewString()
	t.logger.Info("email sent",
		zap.String("provider_message_id", id),
		zap.String("reference", msg.Reference),
		zap.String("to", MaskRecipient(msg.To)),
		zap.String("subject", msg.Subject),
		zap.Bool("html", msg.HTML),
	)
	return id, nil
}
