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

type pgHistoryRepository struct {
	pool *pgxpool.Pool
}

// NewPgHistoryRepository returns a HistoryRepository backed by PostgreSQL.
// The attempt log is one jsonb column; filterable fields are promoted to
// real columns so the list indexes stay usable.
func NewPgHistoryRepository(pool *pgxpool.Pool) HistoryRepository {
	return &pgHistoryRepository{pool: pool}
}

const historyColumns = `
	id, notification_id, user_id, document,
	current_status, notification_type, priority, subject, body,
	last_attempt_at, created_at, updated_at`

func (r *pgHistoryRepository) Get(ctx context.Context, notificationID, userID string) (*domain.DeliveryHistory, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+historyColumns+` FROM notification_delivery_history
		WHERE notification_id = $1 AND user_id = $2`, notificationID, userID)
	h, err := scanHistory(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return h, err
}

func (r *pgHistoryRepository) GetByNotification(ctx context.Context, notificationID string) ([]*domain.DeliveryHistory, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+historyColumns+` FROM notification_delivery_history
		WHERE notification_id = $1 ORDER BY user_id`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("history by notification: %w", err)
	}
	defer rows.Close()
	return scanHistories(rows)
}

func (r *pgHistoryRepository) Upsert(ctx context.Context, h *domain.DeliveryHistory) error {
	doc, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO notification_delivery_history
			(id, notification_id, user_id, document, current_status,
			 notification_type, priority, subject, body, last_attempt_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (notification_id, user_id)
		DO UPDATE SET document = EXCLUDED.document,
		              current_status = EXCLUDED.current_status,
		              last_attempt_at = EXCLUDED.last_attempt_at,
		              updated_at = EXCLUDED.updated_at`,
		h.ID, h.NotificationID, h.UserID, doc, h.CurrentStatus,
		h.NotificationType, h.Priority, h.Subject, h.Body, h.LastAttemptAt, h.CreatedAt, h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert history: %w", err)
	}
	return nil
}

func (r *pgHistoryRepository) List(ctx context.Context, userID string, f domain.HistoryFilter) ([]*domain.DeliveryHistory, int, error) {
	where, args := buildHistoryWhere(userID, f)

	var total int
	if err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM notification_delivery_history"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count history: %w", err)
	}

	orderBy := historyOrderBy(f)
	args = append(args, f.PageSize, (f.Page-1)*f.PageSize)
	query := fmt.Sprintf(`
		SELECT `+historyColumns+` FROM notification_delivery_history%s
		ORDER BY %s
		LIMIT $%d OFFSET $%d`, where, orderBy, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	items, err := scanHistories(rows)
	return items, total, err
}

func (r *pgHistoryRepository) ListRange(ctx context.Context, userID string, from, to time.Time) ([]*domain.DeliveryHistory, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+historyColumns+` FROM notification_delivery_history
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at ASC`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("history range: %w", err)
	}
	defer rows.Close()
	return scanHistories(rows)
}

func historyOrderBy(f domain.HistoryFilter) string {
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}
	switch f.SortBy {
	case "status":
		return "current_status " + dir + ", created_at DESC"
	case "channel":
		// Order by the first attempted channel recorded in the document.
		return "document->'channels_attempted'->>0 " + dir + ", created_at DESC"
	default:
		return "created_at " + dir
	}
}

func buildHistoryWhere(userID string, f domain.HistoryFilter) (string, []any) {
	conditions := []string{"user_id = $1"}
	args := []any{userID}

	add := func(condition string, val any) {
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf(condition, len(args)))
	}

	if f.Status != nil {
		add("current_status = $%d", *f.Status)
	}
	if f.Channel != nil {
		add("document->'channels_attempted' ? $%d", string(*f.Channel))
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	if f.Priority != nil {
		add("priority = $%d", *f.Priority)
	}
	if f.Type != nil {
		add("notification_type = $%d", *f.Type)
	}
	if f.SearchTerm != "" {
		args = append(args, "%"+f.SearchTerm+"%")
		conditions = append(conditions,
			fmt.Sprintf("(subject ILIKE $%d OR body ILIKE $%d)", len(args), len(args)))
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

func scanHistory(row pgx.Row) (*domain.DeliveryHistory, error) {
	var doc []byte
	var h domain.DeliveryHistory
	// The promoted columns are authoritative duplicates of document fields;
	// the document scan overwrites them with identical values.
	var discard struct {
		id, notificationID, userID string
		status                     domain.AttemptStatus
		ntype                      domain.NotificationType
		priority                   domain.Priority
		subject, body              string
		lastAttemptAt              *time.Time
		createdAt, updatedAt       time.Time
	}
	err := row.Scan(
		&discard.id, &discard.notificationID, &discard.userID, &doc,
		&discard.status, &discard.ntype, &discard.priority, &discard.subject, &discard.body,
		&discard.lastAttemptAt, &discard.createdAt, &discard.updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(doc, &h); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return &h, nil
}

func scanHistories(rows pgx.Rows) ([]*domain.DeliveryHistory, error) {
	var result []*domain.DeliveryHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}
