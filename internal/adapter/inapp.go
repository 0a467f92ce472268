package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/repository"
)

// InAppConfig tunes the in-app store adapter.
type InAppConfig struct {
	MaxPreviewLength        int
	NotificationRetention   time.Duration
	MaxNotificationsPerUser int
	AutoMarkReadAfter       time.Duration
	GroupingEnabled         bool
	PopupForCritical        bool
	BadgeForHigh            bool
}

// DefaultInAppConfig returns the defaults used when no overrides are set.
func DefaultInAppConfig() InAppConfig {
	return InAppConfig{
		MaxPreviewLength:        120,
		NotificationRetention:   30 * 24 * time.Hour,
		MaxNotificationsPerUser: 1000,
		AutoMarkReadAfter:       7 * 24 * time.Hour,
		GroupingEnabled:         true,
		PopupForCritical:        true,
		BadgeForHigh:            true,
	}
}

// InAppAdapter persists notifications into the in-app store. Delivery is
// considered complete once the row is written; read tracking happens through
// the store, not the adapter.
type InAppAdapter struct {
	cfg    InAppConfig
	repo   repository.InAppRepository
	logger *zap.Logger
}

func NewInAppAdapter(cfg InAppConfig, repo repository.InAppRepository, logger *zap.Logger) *InAppAdapter {
	return &InAppAdapter{cfg: cfg, repo: repo, logger: logger}
}

func (a *InAppAdapter) ChannelType() domain.Channel { return domain.ChannelInApp }

func (a *InAppAdapter) Capabilities() Capabilities {
	return Capabilities{
		RichContent:      true,
		Personalization:  true,
		DeliveryTracking: true,
		ReadReceipts:     true,
		MaxContentLength: 10_000,
		MaxSubjectLength: 255,
	}
}

func (a *InAppAdapter) Initialize(ctx context.Context) error {
	if a.repo == nil {
		return fmt.Errorf("in-app adapter: repository not configured")
	}
	return nil
}

func (a *InAppAdapter) HealthCheck(ctx context.Context) error {
	_, err := a.repo.CountForUser(ctx, "healthcheck")
	return err
}

func (a *InAppAdapter) Send(ctx context.Context, dctx *DeliveryContext) *DeliveryResult {
	started := time.Now().UTC()
	if res := ValidateContext(a.Capabilities(), dctx, dctx.UserID); res != nil {
		return res
	}

	n := dctx.Notification
	row := &domain.InAppNotification{
		ID:             uuid.NewString(),
		UserID:         dctx.UserID,
		NotificationID: n.ID,
		Title:          n.Title,
		Body:           n.Content.Body,
		Preview:        preview(n.Content.Body, a.cfg.MaxPreviewLength),
		HTMLBody:       n.Content.HTMLBody,
		Status:         domain.InAppUnread,
		GroupKey:       a.groupKey(n),
		GroupCount:     1,
		ExpiresAt:      started.Add(a.cfg.NotificationRetention),
		CreatedAt:      started,
	}
	a.applyDisplayProps(row, n.Priority)

	siblings := 0
	if a.cfg.GroupingEnabled {
		var err error
		siblings, err = a.repo.SiblingCount(ctx, row.UserID, row.GroupKey)
		if err != nil {
			a.logger.Warn("in-app sibling count failed",
				zap.String("notification_id", n.ID),
				zap.String("user_id", dctx.UserID),
				zap.Error(err))
		}
		if siblings > 0 {
			row.IsGrouped = true
			row.GroupCount = siblings + 1
		}
	}

	if err := a.repo.Insert(ctx, row); err != nil {
		return Failed(domain.KindConnection, "STORE_ERROR",
			fmt.Sprintf("insert in-app notification: %v", err), started)
	}

	if row.IsGrouped {
		if err := a.repo.UpdateGroup(ctx, row.UserID, row.GroupKey, siblings+1); err != nil {
			a.logger.Warn("in-app grouping update failed",
				zap.String("notification_id", n.ID),
				zap.String("user_id", dctx.UserID),
				zap.Error(err))
		}
	}
	if err := a.enforceUserCap(ctx, dctx.UserID); err != nil {
		a.logger.Warn("in-app cap enforcement failed",
			zap.String("user_id", dctx.UserID),
			zap.Error(err))
	}

	res := Succeeded(row.ID, started)
	res.ResponseData = map[string]string{"group_key": row.GroupKey}
	return res
}

func (a *InAppAdapter) Shutdown(ctx context.Context) error { return nil }

// PurgeExpired removes rows past their retention and auto-marks stale unread
// rows as read. Called from the daemon cleanup loop.
func (a *InAppAdapter) PurgeExpired(ctx context.Context, now time.Time) error {
	purged, err := a.repo.PurgeExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("purge expired in-app notifications: %w", err)
	}
	marked, err := a.repo.AutoMarkRead(ctx, now.Add(-a.cfg.AutoMarkReadAfter))
	if err != nil {
		return fmt.Errorf("auto mark read: %w", err)
	}
	if purged > 0 || marked > 0 {
		a.logger.Info("in-app cleanup",
			zap.Int64("purged", purged),
			zap.Int64("auto_marked_read", marked))
	}
	return nil
}

func (a *InAppAdapter) groupKey(n *domain.Notification) string {
	if !a.cfg.GroupingEnabled {
		return n.ID
	}
	category := n.Context["category"]
	if category == "" {
		category = "general"
	}
	return category + ":" + string(n.Type)
}

func (a *InAppAdapter) enforceUserCap(ctx context.Context, userID string) error {
	count, err := a.repo.CountForUser(ctx, userID)
	if err != nil {
		return err
	}
	if count <= a.cfg.MaxNotificationsPerUser {
		return nil
	}
	_, err = a.repo.EvictOldest(ctx, userID, a.cfg.MaxNotificationsPerUser)
	return err
}

func (a *InAppAdapter) applyDisplayProps(row *domain.InAppNotification, p domain.Priority) {
	switch p {
	case domain.PriorityCritical:
		row.Icon = "alert-octagon"
		row.Color = "#d32f2f"
		row.ShowBadge = true
		row.ShowPopup = a.cfg.PopupForCritical
	case domain.PriorityUrgent:
		row.Icon = "alert-triangle"
		row.Color = "#f57c00"
		row.ShowBadge = true
	case domain.PriorityHigh:
		row.Icon = "alert-circle"
		row.Color = "#fbc02d"
		row.ShowBadge = a.cfg.BadgeForHigh
	case domain.PriorityMedium:
		row.Icon = "info"
		row.Color = "#1976d2"
	default:
		row.Icon = "bell"
		row.Color = "#757575"
	}
}

func preview(body string, max int) string {
	if max <= 0 || len(body) <= max {
		return body
	}
	runes := []rune(body)
	if len(runes) <= max {
		return body
	}
	return string(runes[:max]) + "..."
}
