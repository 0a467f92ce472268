package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/repository"
)

const (
	channelStatsTTL   = 5 * time.Minute
	failureTTL        = 10 * time.Minute
	responsivenessTTL = 15 * time.Minute
	timeSeriesTTL     = 5 * time.Minute
	// The dashboard combines all of the above, so it can live no longer than
	// its shortest-lived component.
	dashboardTTL = channelStatsTTL
)

// Bucket is a time-series granularity.
type Bucket string

const (
	BucketHour  Bucket = "hour"
	BucketDay   Bucket = "day"
	BucketWeek  Bucket = "week"
	BucketMonth Bucket = "month"
)

// ChannelStats aggregates outcomes for one channel.
type ChannelStats struct {
	Channel     domain.Channel `json:"channel"`
	Attempts    int            `json:"attempts"`
	Successes   int            `json:"successes"`
	Failures    int            `json:"failures"`
	SuccessRate float64        `json:"success_rate"`
}

// FailureCause is one entry in the failure breakdown.
type FailureCause struct {
	ErrorCode string `json:"error_code"`
	Count     int    `json:"count"`
}

// TimeSeriesPoint is one bucket in a delivery time series.
type TimeSeriesPoint struct {
	Bucket    time.Time `json:"bucket"`
	Total     int       `json:"total"`
	Delivered int       `json:"delivered"`
	Failed    int       `json:"failed"`
}

// Responsiveness summarizes how a user engages with delivered notifications.
type Responsiveness struct {
	Delivered       int     `json:"delivered"`
	Opened          int     `json:"opened"`
	Clicked         int     `json:"clicked"`
	OpenRate        float64 `json:"open_rate"`
	ClickRate       float64 `json:"click_rate"`
	AvgTimeToOpenS  float64 `json:"avg_time_to_open_seconds"`
	AvgTimeToClickS float64 `json:"avg_time_to_click_seconds"`
	EngagementScore float64 `json:"engagement_score"`
}

// Dashboard is the combined analytics summary.
type Dashboard struct {
	Channels       []ChannelStats    `json:"channels"`
	Failures       []FailureCause    `json:"failures"`
	TimeSeries     []TimeSeriesPoint `json:"time_series"`
	Responsiveness Responsiveness    `json:"responsiveness"`
	GeneratedAt    time.Time         `json:"generated_at"`
}

// Analytics computes aggregates over a user's delivery history.
type Analytics struct {
	histories repository.HistoryRepository
	cache     *Cache
	logger    *zap.Logger
}

func NewAnalytics(histories repository.HistoryRepository, cache *Cache, logger *zap.Logger) *Analytics {
	return &Analytics{histories: histories, cache: cache, logger: logger}
}

// ChannelStats returns per-channel attempt counts and success rates.
func (a *Analytics) ChannelStats(ctx context.Context, userID string, from, to time.Time) ([]ChannelStats, error) {
	key := cacheKey(userID, "channels", from.Unix(), to.Unix())
	var cached []ChannelStats
	if hit, err := a.cache.Get(ctx, key, &cached); err == nil && hit {
		return cached, nil
	}

	records, err := a.histories.ListRange(ctx, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("channel stats: %w", err)
	}

	byChannel := make(map[domain.Channel]*ChannelStats)
	for _, h := range records {
		for _, attempt := range h.Attempts {
			st, ok := byChannel[attempt.Channel]
			if !ok {
				st = &ChannelStats{Channel: attempt.Channel}
				byChannel[attempt.Channel] = st
			}
			st.Attempts++
			if attempt.Status == domain.AttemptDelivered {
				st.Successes++
			} else {
				st.Failures++
			}
		}
	}

	out := make([]ChannelStats, 0, len(byChannel))
	for _, st := range byChannel {
		if st.Attempts > 0 {
			st.SuccessRate = float64(st.Successes) / float64(st.Attempts)
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })

	a.cache.Set(ctx, key, out, channelStatsTTL)
	return out, nil
}

// FailureBreakdown returns the top-N failure causes by error code.
func (a *Analytics) FailureBreakdown(ctx context.Context, userID string, from, to time.Time, topN int) ([]FailureCause, error) {
	if topN <= 0 {
		topN = 10
	}
	key := cacheKey(userID, "failures", from.Unix(), to.Unix(), topN)
	var cached []FailureCause
	if hit, err := a.cache.Get(ctx, key, &cached); err == nil && hit {
		return cached, nil
	}

	records, err := a.histories.ListRange(ctx, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failure breakdown: %w", err)
	}

	counts := make(map[string]int)
	for _, h := range records {
		for _, attempt := range h.Attempts {
			if attempt.Status == domain.AttemptFailed || attempt.Status == domain.AttemptTimeout ||
				attempt.Status == domain.AttemptRejected {
				code := attempt.ErrorCode
				if code == "" {
					code = "UNKNOWN"
				}
				counts[code]++
			}
		}
	}

	out := make([]FailureCause, 0, len(counts))
	for code, count := range counts {
		out = append(out, FailureCause{ErrorCode: code, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ErrorCode < out[j].ErrorCode
	})
	if len(out) > topN {
		out = out[:topN]
	}

	a.cache.Set(ctx, key, out, failureTTL)
	return out, nil
}

// TimeSeries buckets delivery outcomes over the range.
func (a *Analytics) TimeSeries(ctx context.Context, userID string, from, to time.Time, bucket Bucket) ([]TimeSeriesPoint, error) {
	key := cacheKey(userID, "timeseries", from.Unix(), to.Unix(), bucket)
	var cached []TimeSeriesPoint
	if hit, err := a.cache.Get(ctx, key, &cached); err == nil && hit {
		return cached, nil
	}

	records, err := a.histories.ListRange(ctx, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("time series: %w", err)
	}

	points := make(map[time.Time]*TimeSeriesPoint)
	for _, h := range records {
		b, err := truncateToBucket(h.CreatedAt, bucket)
		if err != nil {
			return nil, err
		}
		pt, ok := points[b]
		if !ok {
			pt = &TimeSeriesPoint{Bucket: b}
			points[b] = pt
		}
		pt.Total++
		switch h.CurrentStatus {
		case domain.AttemptDelivered:
			pt.Delivered++
		case domain.AttemptFailed, domain.AttemptTimeout, domain.AttemptRejected:
			pt.Failed++
		}
	}

	out := make([]TimeSeriesPoint, 0, len(points))
	for _, pt := range points {
		out = append(out, *pt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket.Before(out[j].Bucket) })

	a.cache.Set(ctx, key, out, timeSeriesTTL)
	return out, nil
}

// Responsiveness computes open/click engagement for delivered notifications.
func (a *Analytics) Responsiveness(ctx context.Context, userID string, from, to time.Time) (Responsiveness, error) {
	key := cacheKey(userID, "responsiveness", from.Unix(), to.Unix())
	var cached Responsiveness
	if hit, err := a.cache.Get(ctx, key, &cached); err == nil && hit {
		return cached, nil
	}

	records, err := a.histories.ListRange(ctx, userID, from, to)
	if err != nil {
		return Responsiveness{}, fmt.Errorf("responsiveness: %w", err)
	}

	var r Responsiveness
	var openSum, clickSum float64
	for _, h := range records {
		if len(h.SuccessfulChannels) == 0 {
			continue
		}
		r.Delivered++
		base := h.FinalDeliveryAt
		if base == nil {
			base = &h.CreatedAt
		}
		if h.OpenedAt != nil {
			r.Opened++
			openSum += h.OpenedAt.Sub(*base).Seconds()
		}
		if h.ClickedAt != nil {
			r.Clicked++
			clickSum += h.ClickedAt.Sub(*base).Seconds()
		}
	}
	if r.Delivered > 0 {
		r.OpenRate = float64(r.Opened) / float64(r.Delivered)
		r.ClickRate = float64(r.Clicked) / float64(r.Delivered)
	}
	if r.Opened > 0 {
		r.AvgTimeToOpenS = openSum / float64(r.Opened)
	}
	if r.Clicked > 0 {
		r.AvgTimeToClickS = clickSum / float64(r.Clicked)
	}
	r.EngagementScore = (r.OpenRate + r.ClickRate) / 2

	a.cache.Set(ctx, key, r, responsivenessTTL)
	return r, nil
}

// Dashboard assembles every aggregate concurrently.
func (a *Analytics) Dashboard(ctx context.Context, userID string, from, to time.Time, bucket Bucket) (*Dashboard, error) {
	key := cacheKey(userID, "dashboard", from.Unix(), to.Unix(), bucket)
	var cached Dashboard
	if hit, err := a.cache.Get(ctx, key, &cached); err == nil && hit {
		return &cached, nil
	}

	var d Dashboard
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		d.Channels, err = a.ChannelStats(gctx, userID, from, to)
		return err
	})
	g.Go(func() error {
		var err error
		d.Failures, err = a.FailureBreakdown(gctx, userID, from, to, 10)
		return err
	})
	g.Go(func() error {
		var err error
		d.TimeSeries, err = a.TimeSeries(gctx, userID, from, to, bucket)
		return err
	})
	g.Go(func() error {
		var err error
		d.Responsiveness, err = a.Responsiveness(gctx, userID, from, to)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	d.GeneratedAt = time.Now().UTC()

	a.cache.Set(ctx, key, d, dashboardTTL)
	return &d, nil
}

func truncateToBucket(t time.Time, b Bucket) (time.Time, error) {
	t = t.UTC()
	switch b {
	case BucketHour:
		return t.Truncate(time.Hour), nil
	case BucketDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case BucketWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		// ISO weeks start on Monday.
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset), nil
	case BucketMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown bucket %q", domain.ErrInvalidQuery, b)
	}
}
