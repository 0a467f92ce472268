package adapter

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/domain"
)

// LoggingAdapter writes notifications to the structured log. Useful for
// development environments and as a delivery target of last resort; it never
// fails once initialized.
type LoggingAdapter struct {
	logger *zap.Logger
}

func NewLoggingAdapter(logger *zap.Logger) *LoggingAdapter {
	return &LoggingAdapter{logger: logger}
}

func (a *LoggingAdapter) ChannelType() domain.Channel { return domain.ChannelLogging }

func (a *LoggingAdapter) Capabilities() Capabilities {
	return Capabilities{
		Personalization:  true,
		MaxContentLength: 100_000,
		MaxSubjectLength: 998,
	}
}

func (a *LoggingAdapter) Initialize(ctx context.Context) error { return nil }

func (a *LoggingAdapter) HealthCheck(ctx context.Context) error { return nil }

func (a *LoggingAdapter) Send(ctx context.Context, dctx *DeliveryContext) *DeliveryResult {
	started := time.Now().UTC()
	if res := ValidateContext(a.Capabilities(), dctx, dctx.UserID); res != nil {
		return res
	}

	n := dctx.Notification
	a.logger.Info("notification delivered via logging channel",
		zap.String("notification_id", n.ID),
		zap.String("user_id", dctx.UserID),
		zap.String("correlation_id", dctx.CorrelationID),
		zap.String("type", string(n.Type)),
		zap.String("priority", string(n.Priority)),
		zap.String("title", n.Title),
		zap.String("subject", n.Content.Subject),
		zap.Int("attempt", dctx.AttemptNumber))

	return Succeeded(n.ID, started)
}

func (a *LoggingAdapter) Shutdown(ctx context.Context) error { return nil }
