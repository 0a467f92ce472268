// Package repository defines persistence contracts and their PostgreSQL
// implementations. In-memory implementations live in memory.go and back the
// unit tests.
package repository

import (
	"context"
	"time"

	"github.com/notifyhub/courier/internal/domain"
)

// NotificationRepository owns the notification records and their status envelope.
type NotificationRepository interface {
	Create(ctx context.Context, n *domain.Notification) error
	GetByID(ctx context.Context, id string) (*domain.Notification, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Notification, error)

	// FetchDue returns pending work: up to criticalLimit critical-priority
	// records first, then fills to batchLimit with the rest, both ordered by
	// created_at ascending, plus any records whose next_retry_at has passed.
	FetchDue(ctx context.Context, now time.Time, criticalLimit, batchLimit int) ([]*domain.Notification, error)

	// CompareAndSetStatus atomically advances status only when the stored
	// value matches from. Returns false when another worker won the race.
	CompareAndSetStatus(ctx context.Context, id string, from, to domain.Status) (bool, error)

	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, at time.Time, errorDetails string) error
	MarkExpired(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error

	// UpdateRetryState persists attempt accounting and re-arms the record as
	// pending for the retry poller.
	UpdateRetryState(ctx context.Context, id string, attempt int, nextRetryAt *time.Time, lastError string) error
}

// PreferenceRepository stores one preferences record per user.
type PreferenceRepository interface {
	Get(ctx context.Context, userID string) (*domain.Preferences, error)
	Upsert(ctx context.Context, p *domain.Preferences) error
}

// HistoryRepository owns the per-{notification, user} attempt logs.
type HistoryRepository interface {
	Get(ctx context.Context, notificationID, userID string) (*domain.DeliveryHistory, error)
	GetByNotification(ctx context.Context, notificationID string) ([]*domain.DeliveryHistory, error)
	Upsert(ctx context.Context, h *domain.DeliveryHistory) error
	List(ctx context.Context, userID string, f domain.HistoryFilter) ([]*domain.DeliveryHistory, int, error)
	// ListRange returns all records for a user in [from, to) for analytics
	// aggregation.
	ListRange(ctx context.Context, userID string, from, to time.Time) ([]*domain.DeliveryHistory, error)
}

// AuditRepository is append-only; entries are never mutated after write.
type AuditRepository interface {
	Append(ctx context.Context, e *domain.AuditEntry) error
	ListByUser(ctx context.Context, userID string, since time.Time) ([]*domain.AuditEntry, error)
	ListRecent(ctx context.Context, since time.Time) ([]*domain.AuditEntry, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// InAppRepository backs the in-app channel's notification store.
type InAppRepository interface {
	Insert(ctx context.Context, n *domain.InAppNotification) error
	// SiblingCount counts unread/read rows for the user sharing the group key.
	SiblingCount(ctx context.Context, userID, groupKey string) (int, error)
	// UpdateGroup marks all rows with the group key as grouped with the count.
	UpdateGroup(ctx context.Context, userID, groupKey string, count int) error
	CountForUser(ctx context.Context, userID string) (int, error)
	// EvictOldest deletes the user's oldest rows until at most keep remain.
	EvictOldest(ctx context.Context, userID string, keep int) (int64, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	// AutoMarkRead transitions unread rows created before cutoff to read.
	AutoMarkRead(ctx context.Context, cutoff time.Time) (int64, error)
}

// RateCounterRepository tracks per-user per-channel hourly delivery counts.
// Counters are checked before each send and incremented only on success.
type RateCounterRepository interface {
	CountLastHour(ctx context.Context, userID string, ch domain.Channel, now time.Time) (int, error)
	Increment(ctx context.Context, userID string, ch domain.Channel, at time.Time) error
	Compact(ctx context.Context, cutoff time.Time) (int64, error)
}
