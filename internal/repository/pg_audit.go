package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/courier/internal/domain"
)

type pgAuditRepository struct {
	pool *pgxpool.Pool
}

// NewPgAuditRepository returns an append-only AuditRepository backed by
// PostgreSQL. There is deliberately no update method; retention deletes are
// the only mutation.
func NewPgAuditRepository(pool *pgxpool.Pool) AuditRepository {
	return &pgAuditRepository{pool: pool}
}

func (r *pgAuditRepository) Append(ctx context.Context, e *domain.AuditEntry) error {
	eventData, err := json.Marshal(e.EventData)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	auditCtx, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("marshal audit context: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO notification_audit
			(id, notification_id, user_id, event_type, actor_id, event_data, context, ts, source)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.NotificationID, e.UserID, e.EventType, e.ActorID, eventData, auditCtx, e.Timestamp, e.Source)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (r *pgAuditRepository) ListByUser(ctx context.Context, userID string, since time.Time) ([]*domain.AuditEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, notification_id, user_id, event_type, actor_id, event_data, context, ts, source
		FROM notification_audit
		WHERE user_id = $1 AND ts >= $2
		ORDER BY ts ASC`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("list audit by user: %w", err)
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

func (r *pgAuditRepository) ListRecent(ctx context.Context, since time.Time) ([]*domain.AuditEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, notification_id, user_id, event_type, actor_id, event_data, context, ts, source
		FROM notification_audit
		WHERE ts >= $1
		ORDER BY ts ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("list recent audit: %w", err)
	}
	defer rows.Close()
	return scanAuditEntries(rows)
}

func (r *pgAuditRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM notification_audit WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit retention delete: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanAuditEntries(rows pgx.Rows) ([]*domain.AuditEntry, error) {
	var result []*domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var eventData, auditCtx []byte
		if err := rows.Scan(&e.ID, &e.NotificationID, &e.UserID, &e.EventType, &e.ActorID,
			&eventData, &auditCtx, &e.Timestamp, &e.Source); err != nil {
			return nil, err
		}
		if len(eventData) > 0 {
			if err := json.Unmarshal(eventData, &e.EventData); err != nil {
				return nil, fmt.Errorf("unmarshal event data: %w", err)
			}
		}
		if len(auditCtx) > 0 {
			if err := json.Unmarshal(auditCtx, &e.Context); err != nil {
				return nil, fmt.Errorf("unmarshal audit context: %w", err)
			}
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}
