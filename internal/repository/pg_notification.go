package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/courier/internal/domain"
)

type pgNotificationRepository struct {
	pool *pgxpool.Pool
}

// NewPgNotificationRepository returns a NotificationRepository backed by PostgreSQL.
func NewPgNotificationRepository(pool *pgxpool.Pool) NotificationRepository {
	return &pgNotificationRepository{pool: pool}
}

const notificationColumns = `
	id, type, priority, title, content, recipients, channels,
	scheduled_at, expires_at, correlation_id, source_service, created_by,
	context, idempotency_key, status,
	max_retries, current_attempt, next_retry_at, last_error, backoff_multiplier,
	sent_at, delivered_at, failed_at, error_details, created_at, updated_at`

func (r *pgNotificationRepository) Create(ctx context.Context, n *domain.Notification) error {
	content, err := json.Marshal(n.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	recipients, err := json.Marshal(n.Recipients)
	if err != nil {
		return fmt.Errorf("marshal recipients: %w", err)
	}
	channels, err := json.Marshal(n.Channels)
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}
	nctx, err := json.Marshal(n.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,
		        $16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		n.ID, n.Type, n.Priority, n.Title, content, recipients, channels,
		n.ScheduledAt, n.ExpiresAt, n.CorrelationID, n.SourceService, n.CreatedBy,
		nctx, n.IdempotencyKey, n.Status,
		n.Retry.MaxRetries, n.Retry.CurrentAttempt, n.Retry.NextRetryAt, n.Retry.LastError, n.Retry.BackoffMultiplier,
		n.SentAt, n.DeliveredAt, n.FailedAt, n.ErrorDetails, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "idempotency_key") {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (r *pgNotificationRepository) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return n, err
}

func (r *pgNotificationRepository) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Notification, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE idempotency_key = $1`, key)
	n, err := scanNotification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return n, err
}

func (r *pgNotificationRepository) FetchDue(ctx context.Context, now time.Time, criticalLimit, batchLimit int) ([]*domain.Notification, error) {
	due := `status = 'pending'
	  AND (scheduled_at IS NULL OR scheduled_at <= $1)
	  AND (next_retry_at IS NULL OR next_retry_at <= $1)`

	rows, err := r.pool.Query(ctx, `
		(SELECT `+notificationColumns+` FROM notifications
		 WHERE `+due+` AND priority = 'critical'
		 ORDER BY created_at ASC LIMIT $2)
		UNION ALL
		(SELECT `+notificationColumns+` FROM notifications
		 WHERE `+due+` AND priority <> 'critical'
		 ORDER BY created_at ASC LIMIT $3)`,
		now, criticalLimit, batchLimit)
	if err != nil {
		return nil, fmt.Errorf("fetch due notifications: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

func (r *pgNotificationRepository) CompareAndSetStatus(ctx context.Context, id string, from, to domain.Status) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE notifications SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`, to, id, from)
	if err != nil {
		return false, fmt.Errorf("cas status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *pgNotificationRepository) MarkSent(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications SET status = 'sent', sent_at = $1, updated_at = NOW()
		WHERE id = $2`, at, id)
	return err
}

func (r *pgNotificationRepository) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'delivered', delivered_at = $1, error_details = '', next_retry_at = NULL, updated_at = NOW()
		WHERE id = $2`, at, id)
	return err
}

func (r *pgNotificationRepository) MarkFailed(ctx context.Context, id string, at time.Time, errorDetails string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'failed', failed_at = $1, error_details = $2, next_retry_at = NULL, updated_at = NOW()
		WHERE id = $3`, at, errorDetails, id)
	return err
}

func (r *pgNotificationRepository) MarkExpired(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications SET status = 'expired', updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (r *pgNotificationRepository) Cancel(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications SET status = 'cancelled', updated_at = NOW() WHERE id = $1`, id)
	return err
}

func (r *pgNotificationRepository) UpdateRetryState(ctx context.Context, id string, attempt int, nextRetryAt *time.Time, lastError string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notifications
		SET status = 'pending', current_attempt = $1, next_retry_at = $2, last_error = $3, updated_at = NOW()
		WHERE id = $4`, attempt, nextRetryAt, lastError, id)
	return err
}

// scanNotification reads one notification row from any pgx row type.
func scanNotification(row pgx.Row) (*domain.Notification, error) {
	var n domain.Notification
	var content, recipients, channels, nctx []byte
	err := row.Scan(
		&n.ID, &n.Type, &n.Priority, &n.Title, &content, &recipients, &channels,
		&n.ScheduledAt, &n.ExpiresAt, &n.CorrelationID, &n.SourceService, &n.CreatedBy,
		&nctx, &n.IdempotencyKey, &n.Status,
		&n.Retry.MaxRetries, &n.Retry.CurrentAttempt, &n.Retry.NextRetryAt, &n.Retry.LastError, &n.Retry.BackoffMultiplier,
		&n.SentAt, &n.DeliveredAt, &n.FailedAt, &n.ErrorDetails, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(content, &n.Content); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	if err := json.Unmarshal(recipients, &n.Recipients); err != nil {
		return nil, fmt.Errorf("unmarshal recipients: %w", err)
	}
	if err := json.Unmarshal(channels, &n.Channels); err != nil {
		return nil, fmt.Errorf("unmarshal channels: %w", err)
	}
	if len(nctx) > 0 {
		if err := json.Unmarshal(nctx, &n.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	return &n, nil
}

func scanNotifications(rows pgx.Rows) ([]*domain.Notification, error) {
	var result []*domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}
