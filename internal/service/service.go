// Package service exposes the producer API: enqueue, cancel, and resend
// notifications. Delivery itself is the daemon's job; this package only
// validates, persists, and audits.
package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/audit"
	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/repository"
)

const defaultMaxRetries = 3

// NotificationService accepts notifications from producers.
type NotificationService struct {
	notifications repository.NotificationRepository
	auditor       *audit.Service
	logger        *zap.Logger
	now           func() time.Time
}

func NewNotificationService(notifications repository.NotificationRepository, auditor *audit.Service, logger *zap.Logger) *NotificationService {
	return &NotificationService{
		notifications: notifications,
		auditor:       auditor,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Send validates and persists a notification in pending state and returns a
// receipt. An idempotency key that was already used returns the existing
// notification's receipt instead of creating a duplicate.
func (s *NotificationService) Send(ctx context.Context, req *domain.SendNotificationRequest, idempotencyKey string) (*domain.Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	if idempotencyKey != "" {
		existing, err := s.notifications.GetByIdempotencyKey(ctx, idempotencyKey)
		if err == nil {
			s.logger.Info("idempotent send replayed",
				zap.String("notification_id", existing.ID),
				zap.String("idempotency_key", idempotencyKey))
			return s.receipt(existing, now), nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	n := &domain.Notification{
		ID:            uuid.NewString(),
		Type:          req.Type,
		Priority:      req.Priority,
		Title:         req.Title,
		Content:       req.Content,
		Recipients:    req.Recipients,
		Channels:      domain.DedupChannels(req.Channels),
		ScheduledAt:   req.ScheduledAt,
		ExpiresAt:     req.ExpiresAt,
		CorrelationID: req.CorrelationID,
		SourceService: req.SourceService,
		CreatedBy:     req.ActorUserID,
		Context:       req.Context,
		Status:        domain.StatusPending,
		Retry:         domain.RetryMetadata{MaxRetries: defaultMaxRetries, BackoffMultiplier: 2},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if idempotencyKey != "" {
		n.IdempotencyKey = &idempotencyKey
	}
	if n.Expired(now) {
		n.Status = domain.StatusCancelled
	}

	if err := s.notifications.Create(ctx, n); err != nil {
		if errors.Is(err, domain.ErrConflict) && idempotencyKey != "" {
			// Lost a race with a concurrent identical send.
			existing, lookupErr := s.notifications.GetByIdempotencyKey(ctx, idempotencyKey)
			if lookupErr == nil {
				return s.receipt(existing, now), nil
			}
		}
		return nil, fmt.Errorf("create notification: %w", err)
	}

	s.auditCreate(ctx, n)
	s.logger.Info("notification accepted",
		zap.String("notification_id", n.ID),
		zap.String("type", string(n.Type)),
		zap.String("priority", string(n.Priority)),
		zap.Int("recipients", len(n.Recipients)),
		zap.String("status", string(n.Status)))
	return s.receipt(n, now), nil
}

// Get returns a notification by id.
func (s *NotificationService) Get(ctx context.Context, id string) (*domain.Notification, error) {
	return s.notifications.GetByID(ctx, id)
}

// Cancel stops a notification that has not reached a terminal state.
// Cancelling twice is an error so callers can tell a no-op from a race win.
func (s *NotificationService) Cancel(ctx context.Context, id, actorID string) error {
	n, err := s.notifications.GetByID(ctx, id)
	if err != nil {
		return err
	}
	switch n.Status {
	case domain.StatusCancelled:
		return domain.ErrAlreadyCancelled
	case domain.StatusPending, domain.StatusProcessing:
	default:
		return domain.ErrNotCancellable
	}
	if err := s.notifications.Cancel(ctx, id); err != nil {
		return fmt.Errorf("cancel notification: %w", err)
	}
	s.logger.Info("notification cancelled",
		zap.String("notification_id", id),
		zap.String("actor", actorID))
	return nil
}

// Resend re-queues a failed notification with fresh retry metadata.
func (s *NotificationService) Resend(ctx context.Context, id, actorID string) (*domain.Receipt, error) {
	n, err := s.notifications.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Status != domain.StatusFailed {
		return nil, domain.ErrNotResendable
	}

	now := s.now()
	if err := s.notifications.UpdateRetryState(ctx, id, 0, nil, ""); err != nil {
		return nil, fmt.Errorf("resend notification: %w", err)
	}
	n.Status = domain.StatusPending
	n.Retry.CurrentAttempt = 0

	if s.auditor != nil {
		if err := s.auditor.LogEvent(ctx, audit.Event{
			NotificationID: id,
			UserID:         firstRecipient(n),
			Type:           domain.AuditNotificationResent,
			ActorID:        actorID,
			Data:           map[string]string{"previous_status": string(domain.StatusFailed)},
		}); err != nil {
			s.logger.Warn("audit write failed", zap.String("notification_id", id), zap.Error(err))
		}
	}
	return s.receipt(n, now), nil
}

func (s *NotificationService) receipt(n *domain.Notification, now time.Time) *domain.Receipt {
	return &domain.Receipt{
		NotificationID:        n.ID,
		Status:                n.Status,
		CreatedAt:             n.CreatedAt,
		ScheduledAt:           n.ScheduledAt,
		Channels:              n.Channels,
		RecipientCount:        len(n.Recipients),
		EstimatedDeliveryTime: domain.EstimateDeliveryTime(n.Priority, n.ScheduledAt, now),
	}
}

func (s *NotificationService) auditCreate(ctx context.Context, n *domain.Notification) {
	if s.auditor == nil {
		return
	}
	err := s.auditor.LogEvent(ctx, audit.Event{
		NotificationID: n.ID,
		UserID:         firstRecipient(n),
		Type:           domain.AuditNotificationCreated,
		ActorID:        n.CreatedBy,
		Data: map[string]string{
			"type":       string(n.Type),
			"priority":   string(n.Priority),
			"recipients": strconv.Itoa(len(n.Recipients)),
		},
		Context: domain.AuditContext{CorrelationID: n.CorrelationID},
	})
	if err != nil {
		s.logger.Warn("audit write failed", zap.String("notification_id", n.ID), zap.Error(err))
	}
}

func firstRecipient(n *domain.Notification) string {
	if len(n.Recipients) == 0 {
		return ""
	}
	return n.Recipients[0].UserID
}

// PreferenceService manages per-user notification preferences.
type PreferenceService struct {
	preferences repository.PreferenceRepository
	auditor     *audit.Service
	logger      *zap.Logger
	onUpdate    func(ctx context.Context, userID string)
}

func NewPreferenceService(preferences repository.PreferenceRepository, auditor *audit.Service, logger *zap.Logger) *PreferenceService {
	return &PreferenceService{preferences: preferences, auditor: auditor, logger: logger}
}

// OnUpdate registers a hook invoked after every successful preference write.
// The wiring uses it to drop the user's cached analytics.
func (s *PreferenceService) OnUpdate(fn func(ctx context.Context, userID string)) {
	s.onUpdate = fn
}

// Get returns the user's preferences, or the defaults when none are stored.
func (s *PreferenceService) Get(ctx context.Context, userID string) (*domain.Preferences, error) {
	p, err := s.preferences.Get(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.DefaultPreferences(userID), nil
	}
	return p, err
}

// Update validates and stores a preferences record and audits the change.
func (s *PreferenceService) Update(ctx context.Context, p *domain.Preferences, actorID string) error {
	if err := p.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	p.UpdatedAt = now
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.LastUpdatedBy = actorID

	if err := s.preferences.Upsert(ctx, p); err != nil {
		return fmt.Errorf("store preferences: %w", err)
	}
	if s.auditor != nil {
		if err := s.auditor.LogEvent(ctx, audit.Event{
			UserID:  p.UserID,
			Type:    domain.AuditPreferencesUpdated,
			ActorID: actorID,
			Data: map[string]string{
				"global_enabled": strconv.FormatBool(p.GlobalEnabled),
				"channels":       strconv.Itoa(len(p.ChannelPreferences)),
			},
		}); err != nil {
			s.logger.Warn("audit write failed", zap.String("user_id", p.UserID), zap.Error(err))
		}
	}
	if s.onUpdate != nil {
		s.onUpdate(ctx, p.UserID)
	}
	return nil
}
