package prefs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/repository"
)

func newEvaluator() (*Evaluator, *repository.MemoryRateCounterRepository) {
	rates := repository.NewMemoryRateCounterRepository()
	return NewEvaluator(rates, zap.NewNop()), rates
}

func testNotification(channels ...domain.Channel) *domain.Notification {
	return &domain.Notification{
		ID:       "n-1",
		Type:     domain.TypeSystemAlert,
		Priority: domain.PriorityMedium,
		Title:    "t",
		Content:  domain.Content{Subject: "s", Body: "b"},
		Recipients: []domain.Recipient{
			{UserID: "u-1", Email: "u1@example.com"},
		},
		Channels: channels,
	}
}

func TestResolveChannelSelection(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("global disabled suppresses everything", func(t *testing.T) {
		e, _ := newEvaluator()
		p := domain.DefaultPreferences("u-1")
		p.GlobalEnabled = false

		got, err := e.Resolve(context.Background(), testNotification(domain.ChannelEmail), p, now)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("disabled type preference suppresses", func(t *testing.T) {
		e, _ := newEvaluator()
		p := domain.DefaultPreferences("u-1")
		p.TypePreferences = []domain.TypePreference{
			{Type: domain.TypeSystemAlert, Enabled: false},
		}

		got, err := e.Resolve(context.Background(), testNotification(domain.ChannelEmail), p, now)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("type allow-list intersects notification channels", func(t *testing.T) {
		e, _ := newEvaluator()
		p := domain.DefaultPreferences("u-1")
		p.TypePreferences = []domain.TypePreference{
			{Type: domain.TypeSystemAlert, Enabled: true, Channels: []domain.Channel{domain.ChannelInApp}},
		}

		got, err := e.Resolve(context.Background(),
			testNotification(domain.ChannelEmail, domain.ChannelInApp), p, now)
		require.NoError(t, err)
		assert.Equal(t, []domain.Channel{domain.ChannelInApp}, got)
	})

	t.Run("priority threshold drops low notifications", func(t *testing.T) {
		e, _ := newEvaluator()
		p := domain.DefaultPreferences("u-1")
		p.TypePreferences = []domain.TypePreference{
			{Type: domain.TypeSystemAlert, Enabled: true, PriorityThreshold: domain.PriorityHigh},
		}

		got, err := e.Resolve(context.Background(), testNotification(domain.ChannelEmail), p, now)
		require.NoError(t, err)
		assert.Empty(t, got)

		n := testNotification(domain.ChannelEmail)
		n.Priority = domain.PriorityUrgent
		got, err = e.Resolve(context.Background(), n, p, now)
		require.NoError(t, err)
		assert.Equal(t, []domain.Channel{domain.ChannelEmail}, got)
	})

	t.Run("disabled channel is filtered out", func(t *testing.T) {
		e, _ := newEvaluator()
		p := domain.DefaultPreferences("u-1")
		p.ChannelPreferences = []domain.ChannelPreference{
			{Channel: domain.ChannelEmail, Enabled: false},
		}

		got, err := e.Resolve(context.Background(),
			testNotification(domain.ChannelEmail, domain.ChannelInApp), p, now)
		require.NoError(t, err)
		assert.Equal(t, []domain.Channel{domain.ChannelInApp}, got)
	})

	t.Run("explicit priorities order before implicit", func(t *testing.T) {
		e, _ := newEvaluator()
		p := domain.DefaultPreferences("u-1")
		p.ChannelPreferences = []domain.ChannelPreference{
			{Channel: domain.ChannelWebhook, Enabled: true, Priority: 1},
			{Channel: domain.ChannelEmail, Enabled: true, Priority: 2},
		}

		got, err := e.Resolve(context.Background(),
			testNotification(domain.ChannelInApp, domain.ChannelEmail, domain.ChannelWebhook), p, now)
		require.NoError(t, err)
		assert.Equal(t, []domain.Channel{domain.ChannelWebhook, domain.ChannelEmail, domain.ChannelInApp}, got)
	})

	t.Run("empty after filters falls back to default channels", func(t *testing.T) {
		e, _ := newEvaluator()
		p := domain.DefaultPreferences("u-1")
		p.DefaultChannels = []domain.Channel{domain.ChannelLogging}
		p.ChannelPreferences = []domain.ChannelPreference{
			{Channel: domain.ChannelEmail, Enabled: false},
		}

		got, err := e.Resolve(context.Background(), testNotification(domain.ChannelEmail), p, now)
		require.NoError(t, err)
		assert.Equal(t, []domain.Channel{domain.ChannelLogging}, got)
	})
}

func TestResolveQuietHours(t *testing.T) {
	e, _ := newEvaluator()

	quiet := func(override bool, exempt ...domain.NotificationType) *domain.Preferences {
		p := domain.DefaultPreferences("u-1")
		p.QuietHours = domain.QuietHours{
			Enabled:           true,
			StartTime:         "22:00",
			EndTime:           "07:00",
			Timezone:          "America/New_York",
			EmergencyOverride: override,
			ExemptTypes:       exempt,
		}
		return p
	}

	// 04:00 UTC is 23:00 or 00:00 in New York depending on DST; either way
	// inside a 22:00-07:00 window.
	inside := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	outside := time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC)

	t.Run("suppressed inside window", func(t *testing.T) {
		got, err := e.Resolve(context.Background(), testNotification(domain.ChannelEmail), quiet(false), inside)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("delivered outside window", func(t *testing.T) {
		got, err := e.Resolve(context.Background(), testNotification(domain.ChannelEmail), quiet(false), outside)
		require.NoError(t, err)
		assert.Equal(t, []domain.Channel{domain.ChannelEmail}, got)
	})

	t.Run("emergency override lets critical through", func(t *testing.T) {
		n := testNotification(domain.ChannelEmail)
		n.Priority = domain.PriorityCritical
		got, err := e.Resolve(context.Background(), n, quiet(true), inside)
		require.NoError(t, err)
		assert.Equal(t, []domain.Channel{domain.ChannelEmail}, got)
	})

	t.Run("override without elevated priority still suppresses", func(t *testing.T) {
		got, err := e.Resolve(context.Background(), testNotification(domain.ChannelEmail), quiet(true), inside)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("exempt type bypasses quiet hours", func(t *testing.T) {
		got, err := e.Resolve(context.Background(), testNotification(domain.ChannelEmail),
			quiet(false, domain.TypeSystemAlert), inside)
		require.NoError(t, err)
		assert.Equal(t, []domain.Channel{domain.ChannelEmail}, got)
	})

	t.Run("non-wrapping window", func(t *testing.T) {
		p := quiet(false)
		p.QuietHours.StartTime = "09:00"
		p.QuietHours.EndTime = "17:00"
		p.QuietHours.Timezone = "UTC"

		got, err := e.Resolve(context.Background(), testNotification(domain.ChannelEmail), p,
			time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.Empty(t, got)

		got, err = e.Resolve(context.Background(), testNotification(domain.ChannelEmail), p,
			time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.Equal(t, []domain.Channel{domain.ChannelEmail}, got)
	})
}

func TestResolveRateLimits(t *testing.T) {
	e, rates := newEvaluator()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	p := domain.DefaultPreferences("u-1")
	p.ChannelPreferences = []domain.ChannelPreference{
		{Channel: domain.ChannelEmail, Enabled: true, RateLimitPerHour: 2},
	}

	n := testNotification(domain.ChannelEmail, domain.ChannelInApp)

	got, err := e.Resolve(context.Background(), n, p, now)
	require.NoError(t, err)
	assert.Equal(t, []domain.Channel{domain.ChannelEmail, domain.ChannelInApp}, got)

	require.NoError(t, rates.Increment(context.Background(), "u-1", domain.ChannelEmail, now.Add(-10*time.Minute)))
	require.NoError(t, rates.Increment(context.Background(), "u-1", domain.ChannelEmail, now.Add(-5*time.Minute)))

	got, err = e.Resolve(context.Background(), n, p, now)
	require.NoError(t, err)
	assert.Equal(t, []domain.Channel{domain.ChannelInApp}, got)

	// Counts older than an hour roll out of the window.
	e2, rates2 := newEvaluator()
	require.NoError(t, rates2.Increment(context.Background(), "u-1", domain.ChannelEmail, now.Add(-2*time.Hour)))
	require.NoError(t, rates2.Increment(context.Background(), "u-1", domain.ChannelEmail, now.Add(-90*time.Minute)))
	got, err = e2.Resolve(context.Background(), n, p, now)
	require.NoError(t, err)
	assert.Equal(t, []domain.Channel{domain.ChannelEmail, domain.ChannelInApp}, got)
}

func TestFallbacks(t *testing.T) {
	e, _ := newEvaluator()
	p := domain.DefaultPreferences("u-1")
	p.ChannelPreferences = []domain.ChannelPreference{
		{
			Channel:          domain.ChannelEmail,
			Enabled:          true,
			FallbackChannels: []domain.Channel{domain.ChannelInApp, domain.ChannelLogging},
		},
		{Channel: domain.ChannelInApp, Enabled: false},
	}

	got := e.Fallbacks(domain.ChannelEmail, p)
	assert.Equal(t, []domain.Channel{domain.ChannelLogging}, got)

	assert.Empty(t, e.Fallbacks(domain.ChannelWebhook, p))
}

func TestShouldEscalate(t *testing.T) {
	e, _ := newEvaluator()

	rule := domain.EscalationRule{
		Name:            "oncall",
		DelayMinutes:    15,
		MaxEscalations:  2,
		ExtraChannels:   []domain.Channel{domain.ChannelWebhook},
		TriggerTypes:    []domain.NotificationType{domain.TypeSystemAlert},
		MinimumPriority: domain.PriorityHigh,
	}

	t.Run("matching rule fires", func(t *testing.T) {
		p := domain.DefaultPreferences("u-1")
		p.EscalationRules = []domain.EscalationRule{rule}

		n := testNotification(domain.ChannelEmail)
		n.Priority = domain.PriorityCritical
		got, ok := e.ShouldEscalate(n, p)
		require.True(t, ok)
		assert.Equal(t, "oncall", got.Name)
	})

	t.Run("priority below minimum does not fire", func(t *testing.T) {
		p := domain.DefaultPreferences("u-1")
		p.EscalationRules = []domain.EscalationRule{rule}

		_, ok := e.ShouldEscalate(testNotification(domain.ChannelEmail), p)
		assert.False(t, ok)
	})

	t.Run("type not in trigger list does not fire", func(t *testing.T) {
		p := domain.DefaultPreferences("u-1")
		p.EscalationRules = []domain.EscalationRule{rule}

		n := testNotification(domain.ChannelEmail)
		n.Type = domain.TypeIntegration
		n.Priority = domain.PriorityCritical
		_, ok := e.ShouldEscalate(n, p)
		assert.False(t, ok)
	})

	t.Run("type preference can disable escalation", func(t *testing.T) {
		p := domain.DefaultPreferences("u-1")
		p.EscalationRules = []domain.EscalationRule{rule}
		p.TypePreferences = []domain.TypePreference{
			{Type: domain.TypeSystemAlert, Enabled: true, EscalationEnabled: false},
		}

		n := testNotification(domain.ChannelEmail)
		n.Priority = domain.PriorityCritical
		_, ok := e.ShouldEscalate(n, p)
		assert.False(t, ok)
	})
}
