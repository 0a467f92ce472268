package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/notifyhub/courier/internal/domain"
)

type pgRateCounterRepository struct {
	pool *pgxpool.Pool
}

// NewPgRateCounterRepository returns a store-backed hourly rate counter.
// Counts live in minute buckets so the sliding one-hour window is a cheap
// range sum and compaction is a range delete.
func NewPgRateCounterRepository(pool *pgxpool.Pool) RateCounterRepository {
	return &pgRateCounterRepository{pool: pool}
}

func (r *pgRateCounterRepository) CountLastHour(ctx context.Context, userID string, ch domain.Channel, now time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(count), 0) FROM rate_counters
		WHERE user_id = $1 AND channel = $2 AND bucket >= $3`,
		userID, ch, now.Add(-time.Hour).Truncate(time.Minute)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("rate counter sum: %w", err)
	}
	return count, nil
}

func (r *pgRateCounterRepository) Increment(ctx context.Context, userID string, ch domain.Channel, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO rate_counters (user_id, channel, bucket, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (user_id, channel, bucket)
		DO UPDATE SET count = rate_counters.count + 1`,
		userID, ch, at.Truncate(time.Minute))
	if err != nil {
		return fmt.Errorf("rate counter increment: %w", err)
	}
	return nil
}

func (r *pgRateCounterRepository) Compact(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM rate_counters WHERE bucket < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("rate counter compact: %w", err)
	}
	return tag.RowsAffected(), nil
}
