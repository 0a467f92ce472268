package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/repository"
)

// Event is the caller-facing shape of one audit write. The service masks
// Data and fills in identity and timing before persisting.
type Event struct {
	NotificationID string
	UserID         string
	Type           domain.AuditEventType
	ActorID        string
	Data           map[string]string
	Context        domain.AuditContext
	Source         string
}

// Service writes masked, append-only audit entries.
type Service struct {
	repo   repository.AuditRepository
	masker *Masker
	logger *zap.Logger
	source string
	now    func() time.Time
}

func NewService(repo repository.AuditRepository, logger *zap.Logger, source string) *Service {
	if source == "" {
		source = "courier"
	}
	return &Service{
		repo:   repo,
		masker: NewMasker(),
		logger: logger,
		source: source,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// LogEvent masks the event data and appends the entry. Trace context string
// fields are masked too; an audit trail must not itself leak PII.
func (s *Service) LogEvent(ctx context.Context, e Event) error {
	entry := &domain.AuditEntry{
		ID:             uuid.NewString(),
		NotificationID: e.NotificationID,
		UserID:         e.UserID,
		EventType:      e.Type,
		ActorID:        e.ActorID,
		EventData:      s.masker.MaskMap(e.Data),
		Context: domain.AuditContext{
			IP:            s.masker.MaskString(e.Context.IP),
			UserAgent:     e.Context.UserAgent,
			TraceID:       e.Context.TraceID,
			CorrelationID: e.Context.CorrelationID,
		},
		Timestamp: s.now(),
		Source:    e.Source,
	}
	if entry.Source == "" {
		entry.Source = s.source
	}
	if err := s.repo.Append(ctx, entry); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	s.logger.Debug("audit entry recorded",
		zap.String("audit_id", entry.ID),
		zap.String("event_type", string(entry.EventType)),
		zap.String("user_id", entry.UserID))
	return nil
}

// LogDeliveryEvent is the narrow form the dispatcher uses; the daemon is the
// actor for delivery-driven events.
func (s *Service) LogDeliveryEvent(ctx context.Context, notificationID, userID string, eventType domain.AuditEventType, data map[string]string) error {
	return s.LogEvent(ctx, Event{
		NotificationID: notificationID,
		UserID:         userID,
		Type:           eventType,
		ActorID:        "system:daemon",
		Data:           data,
	})
}

// ListByUser returns a user's masked audit trail since the given instant.
func (s *Service) ListByUser(ctx context.Context, userID string, since time.Time) ([]*domain.AuditEntry, error) {
	return s.repo.ListByUser(ctx, userID, since)
}

// PurgeOlderThan applies the retention policy; returns entries removed.
func (s *Service) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	deleted, err := s.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit retention purge: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("audit retention purge", zap.Int64("deleted", deleted))
	}
	return deleted, nil
}
