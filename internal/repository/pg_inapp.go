package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/courier/internal/domain"
)

type pgInAppRepository struct {
	pool *pgxpool.Pool
}

// NewPgInAppRepository returns an InAppRepository backed by PostgreSQL.
func NewPgInAppRepository(pool *pgxpool.Pool) InAppRepository {
	return &pgInAppRepository{pool: pool}
}

func (r *pgInAppRepository) Insert(ctx context.Context, n *domain.InAppNotification) error {
	actions, err := json.Marshal(n.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO in_app_notifications
			(id, user_id, notification_id, title, body, preview, html_body,
			 icon, color, show_badge, show_popup, actions, status,
			 group_key, is_grouped, group_count, expires_at, created_at, read_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		n.ID, n.UserID, n.NotificationID, n.Title, n.Body, n.Preview, n.HTMLBody,
		n.Icon, n.Color, n.ShowBadge, n.ShowPopup, actions, n.Status,
		n.GroupKey, n.IsGrouped, n.GroupCount, n.ExpiresAt, n.CreatedAt, n.ReadAt)
	if err != nil {
		return fmt.Errorf("insert in-app notification: %w", err)
	}
	return nil
}

func (r *pgInAppRepository) SiblingCount(ctx context.Context, userID, groupKey string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM in_app_notifications
		WHERE user_id = $1 AND group_key = $2 AND status IN ('unread','read')`,
		userID, groupKey).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sibling count: %w", err)
	}
	return count, nil
}

func (r *pgInAppRepository) UpdateGroup(ctx context.Context, userID, groupKey string, count int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE in_app_notifications
		SET group_count = $1, is_grouped = ($1 > 1)
		WHERE user_id = $2 AND group_key = $3`, count, userID, groupKey)
	return err
}

func (r *pgInAppRepository) CountForUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM in_app_notifications WHERE user_id = $1`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count for user: %w", err)
	}
	return count, nil
}

func (r *pgInAppRepository) EvictOldest(ctx context.Context, userID string, keep int) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM in_app_notifications
		WHERE user_id = $1 AND id NOT IN (
			SELECT id FROM in_app_notifications
			WHERE user_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		)`, userID, keep)
	if err != nil {
		return 0, fmt.Errorf("evict oldest: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *pgInAppRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM in_app_notifications WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *pgInAppRepository) AutoMarkRead(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE in_app_notifications
		SET status = 'read', read_at = NOW()
		WHERE status = 'unread' AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("auto mark read: %w", err)
	}
	return tag.RowsAffected(), nil
}
