package history

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/repository"
)

func newCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewCache(client, zap.NewNop())
}

func seedHistory(t *testing.T, repo *repository.MemoryHistoryRepository, userID, notificationID string, createdAt time.Time, attempts ...domain.DeliveryAttempt) *domain.DeliveryHistory {
	t.Helper()
	h := &domain.DeliveryHistory{
		ID:             notificationID + "/" + userID,
		NotificationID: notificationID,
		UserID:         userID,
		Priority:       domain.PriorityMedium,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
	for _, a := range attempts {
		h.Record(a)
	}
	require.NoError(t, repo.Upsert(context.Background(), h))
	return h
}

func delivered(ch domain.Channel, at time.Time) domain.DeliveryAttempt {
	done := at.Add(50 * time.Millisecond)
	return domain.DeliveryAttempt{Channel: ch, Status: domain.AttemptDelivered, StartedAt: at, CompletedAt: &done, DurationMs: 50}
}

func failed(ch domain.Channel, code string, at time.Time) domain.DeliveryAttempt {
	return domain.DeliveryAttempt{Channel: ch, Status: domain.AttemptFailed, StartedAt: at, ErrorCode: code, ErrorMessage: "boom"}
}

func TestServiceList(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryHistoryRepository()
	s := NewService(repo, nil, zap.NewNop())

	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		seedHistory(t, repo, "u-1", string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute),
			delivered(domain.ChannelEmail, base.Add(time.Duration(i)*time.Minute)))
	}

	t.Run("default page size and newest first", func(t *testing.T) {
		page, err := s.List(ctx, "u-1", domain.HistoryFilter{})
		require.NoError(t, err)
		assert.Len(t, page.Items, 20)
		assert.Equal(t, 25, page.Pagination.TotalItems)
		assert.Equal(t, 2, page.Pagination.TotalPages)
		assert.True(t, page.Pagination.HasNext)
		assert.False(t, page.Pagination.HasPrevious)
		assert.True(t, page.Items[0].CreatedAt.After(page.Items[1].CreatedAt))
	})

	t.Run("last page", func(t *testing.T) {
		page, err := s.List(ctx, "u-1", domain.HistoryFilter{Page: 2})
		require.NoError(t, err)
		assert.Len(t, page.Items, 5)
		assert.False(t, page.Pagination.HasNext)
		assert.True(t, page.Pagination.HasPrevious)
	})

	t.Run("bounds enforced", func(t *testing.T) {
		_, err := s.List(ctx, "u-1", domain.HistoryFilter{Page: 1001})
		assert.ErrorIs(t, err, domain.ErrInvalidQuery)

		_, err = s.List(ctx, "u-1", domain.HistoryFilter{PageSize: 101})
		assert.ErrorIs(t, err, domain.ErrInvalidQuery)

		_, err = s.List(ctx, "u-1", domain.HistoryFilter{SortBy: "nope"})
		assert.ErrorIs(t, err, domain.ErrInvalidQuery)
	})

	t.Run("status filter", func(t *testing.T) {
		seedHistory(t, repo, "u-1", "failed-1", base.Add(time.Hour),
			failed(domain.ChannelEmail, "SMTP_550", base.Add(time.Hour)))

		st := domain.AttemptFailed
		page, err := s.List(ctx, "u-1", domain.HistoryFilter{Status: &st})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, "failed-1", page.Items[0].NotificationID)
	})
}

func TestServiceDetail(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryHistoryRepository()
	s := NewService(repo, nil, zap.NewNop())

	now := time.Now().UTC()
	seedHistory(t, repo, "u-1", "n-1", now, delivered(domain.ChannelEmail, now))

	t.Run("owner sees full record", func(t *testing.T) {
		h, err := s.Detail(ctx, "u-1", "n-1")
		require.NoError(t, err)
		assert.Len(t, h.Attempts, 1)
	})

	t.Run("missing record is not found", func(t *testing.T) {
		_, err := s.Detail(ctx, "u-1", "n-404")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("foreign record is forbidden", func(t *testing.T) {
		_, err := s.Detail(ctx, "u-2", "n-1")
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})
}

func TestAnalytics(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	from, to := base, base.AddDate(0, 1, 0)

	seed := func(t *testing.T, repo *repository.MemoryHistoryRepository) {
		t.Helper()
		seedHistory(t, repo, "u-1", "n-1", base.Add(1*time.Hour),
			delivered(domain.ChannelEmail, base.Add(1*time.Hour)))
		seedHistory(t, repo, "u-1", "n-2", base.Add(2*time.Hour),
			failed(domain.ChannelEmail, "SMTP_550", base.Add(2*time.Hour)),
			delivered(domain.ChannelInApp, base.Add(2*time.Hour)))
		seedHistory(t, repo, "u-1", "n-3", base.AddDate(0, 0, 1),
			failed(domain.ChannelEmail, "SMTP_550", base.AddDate(0, 0, 1)),
			failed(domain.ChannelEmail, "OPERATION_TIMEOUT", base.AddDate(0, 0, 1)))
	}

	t.Run("channel stats", func(t *testing.T) {
		repo := repository.NewMemoryHistoryRepository()
		seed(t, repo)
		a := NewAnalytics(repo, nil, zap.NewNop())

		stats, err := a.ChannelStats(ctx, "u-1", from, to)
		require.NoError(t, err)
		require.Len(t, stats, 2)

		// Sorted by channel name: email before in_app.
		email := stats[0]
		assert.Equal(t, domain.ChannelEmail, email.Channel)
		assert.Equal(t, 4, email.Attempts)
		assert.Equal(t, 1, email.Successes)
		assert.InDelta(t, 0.25, email.SuccessRate, 1e-9)

		inApp := stats[1]
		assert.Equal(t, 1, inApp.Attempts)
		assert.InDelta(t, 1.0, inApp.SuccessRate, 1e-9)
	})

	t.Run("failure breakdown ranks causes", func(t *testing.T) {
		repo := repository.NewMemoryHistoryRepository()
		seed(t, repo)
		a := NewAnalytics(repo, nil, zap.NewNop())

		causes, err := a.FailureBreakdown(ctx, "u-1", from, to, 1)
		require.NoError(t, err)
		require.Len(t, causes, 1)
		assert.Equal(t, "SMTP_550", causes[0].ErrorCode)
		assert.Equal(t, 2, causes[0].Count)
	})

	t.Run("daily time series", func(t *testing.T) {
		repo := repository.NewMemoryHistoryRepository()
		seed(t, repo)
		a := NewAnalytics(repo, nil, zap.NewNop())

		points, err := a.TimeSeries(ctx, "u-1", from, to, BucketDay)
		require.NoError(t, err)
		require.Len(t, points, 2)
		assert.Equal(t, 2, points[0].Total)
		assert.Equal(t, 2, points[0].Delivered)
		assert.Equal(t, 1, points[1].Total)
		assert.Equal(t, 1, points[1].Failed)
	})

	t.Run("unknown bucket rejected", func(t *testing.T) {
		repo := repository.NewMemoryHistoryRepository()
		seed(t, repo)
		a := NewAnalytics(repo, nil, zap.NewNop())

		_, err := a.TimeSeries(ctx, "u-1", from, to, Bucket("fortnight"))
		assert.ErrorIs(t, err, domain.ErrInvalidQuery)
	})

	t.Run("responsiveness", func(t *testing.T) {
		repo := repository.NewMemoryHistoryRepository()
		seed(t, repo)

		h, err := repo.Get(ctx, "n-1", "u-1")
		require.NoError(t, err)
		opened := h.FinalDeliveryAt.Add(30 * time.Second)
		clicked := h.FinalDeliveryAt.Add(90 * time.Second)
		h.OpenedAt = &opened
		h.ClickedAt = &clicked
		require.NoError(t, repo.Upsert(ctx, h))

		a := NewAnalytics(repo, nil, zap.NewNop())
		r, err := a.Responsiveness(ctx, "u-1", from, to)
		require.NoError(t, err)
		assert.Equal(t, 2, r.Delivered)
		assert.Equal(t, 1, r.Opened)
		assert.InDelta(t, 0.5, r.OpenRate, 1e-9)
		assert.InDelta(t, 30, r.AvgTimeToOpenS, 1e-9)
		assert.InDelta(t, 90, r.AvgTimeToClickS, 1e-9)
		assert.InDelta(t, 0.5, r.EngagementScore, 1e-9)
	})

	t.Run("dashboard combines all aggregates", func(t *testing.T) {
		repo := repository.NewMemoryHistoryRepository()
		seed(t, repo)
		a := NewAnalytics(repo, nil, zap.NewNop())

		d, err := a.Dashboard(ctx, "u-1", from, to, BucketDay)
		require.NoError(t, err)
		assert.Len(t, d.Channels, 2)
		assert.NotEmpty(t, d.Failures)
		assert.Len(t, d.TimeSeries, 2)
		assert.Equal(t, 2, d.Responsiveness.Delivered)
		assert.False(t, d.GeneratedAt.IsZero())
	})
}

func TestAnalyticsCaching(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	from, to := base, base.AddDate(0, 1, 0)

	repo := repository.NewMemoryHistoryRepository()
	seedHistory(t, repo, "u-1", "n-1", base.Add(time.Hour),
		delivered(domain.ChannelEmail, base.Add(time.Hour)))

	cache := newCache(t)
	a := NewAnalytics(repo, cache, zap.NewNop())

	first, err := a.ChannelStats(ctx, "u-1", from, to)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// New data is invisible until the cache is invalidated.
	seedHistory(t, repo, "u-1", "n-2", base.Add(2*time.Hour),
		delivered(domain.ChannelInApp, base.Add(2*time.Hour)))

	second, err := a.ChannelStats(ctx, "u-1", from, to)
	require.NoError(t, err)
	assert.Len(t, second, 1)

	cache.InvalidateUser(ctx, "u-1")

	third, err := a.ChannelStats(ctx, "u-1", from, to)
	require.NoError(t, err)
	assert.Len(t, third, 2)

	t.Run("other users keep their cache", func(t *testing.T) {
		seedHistory(t, repo, "u-2", "n-9", base.Add(time.Hour),
			delivered(domain.ChannelEmail, base.Add(time.Hour)))
		_, err := a.ChannelStats(ctx, "u-2", from, to)
		require.NoError(t, err)

		cache.InvalidateUser(ctx, "u-1")

		// u-2's entry survives; a stale read would still see one channel.
		stats, err := a.ChannelStats(ctx, "u-2", from, to)
		require.NoError(t, err)
		assert.Len(t, stats, 1)
	})
}
