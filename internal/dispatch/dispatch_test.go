package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/adapter"
	"github.com/notifyhub/courier/internal/breaker"
	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/prefs"
	"github.com/notifyhub/courier/internal/repository"
	"github.com/notifyhub/courier/internal/retry"
)

// stubAdapter returns queued results in order; the last one repeats.
type stubAdapter struct {
	ch      domain.Channel
	mu      sync.Mutex
	results []*adapter.DeliveryResult
	calls   int
	delay   time.Duration
}

func (s *stubAdapter) ChannelType() domain.Channel        { return s.ch }
func (s *stubAdapter) Capabilities() adapter.Capabilities { return adapter.Capabilities{} }
func (s *stubAdapter) Initialize(context.Context) error   { return nil }
func (s *stubAdapter) HealthCheck(context.Context) error  { return nil }
func (s *stubAdapter) Shutdown(context.Context) error     { return nil }

func (s *stubAdapter) Send(ctx context.Context, _ *adapter.DeliveryContext) *adapter.DeliveryResult {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	return s.results[idx]
}

func (s *stubAdapter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func ok() *adapter.DeliveryResult {
	return adapter.Succeeded("ext-1", time.Now().UTC())
}

func fail(kind domain.ErrorKind) *adapter.DeliveryResult {
	return adapter.Failed(kind, "ERR", "provider said no", time.Now().UTC())
}

type captureAuditor struct {
	mu     sync.Mutex
	events []domain.AuditEventType
}

func (c *captureAuditor) LogDeliveryEvent(_ context.Context, _, _ string, eventType domain.AuditEventType, _ map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, eventType)
	return nil
}

func newExecutor(t *testing.T) *Executor {
	t.Helper()
	reg := breaker.NewRegistry(breaker.DefaultConfig(), zap.NewNop(), nil)
	e := NewExecutor(reg, time.Second, zap.NewNop())
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func dispatchNotification(channels ...domain.Channel) *domain.Notification {
	now := time.Now().UTC()
	return &domain.Notification{
		ID:       "n-1",
		Type:     domain.TypeSystemAlert,
		Priority: domain.PriorityHigh,
		Title:    "t",
		Content:  domain.Content{Subject: "s", Body: "b"},
		Recipients: []domain.Recipient{
			{UserID: "u-1", Email: "u1@example.com"},
		},
		Channels:  channels,
		Status:    domain.StatusPending,
		Retry:     domain.RetryMetadata{MaxRetries: 3},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

type fixture struct {
	dispatcher    *Dispatcher
	notifications *repository.MemoryNotificationRepository
	preferences   *repository.MemoryPreferenceRepository
	histories     *repository.MemoryHistoryRepository
	rates         *repository.MemoryRateCounterRepository
	auditor       *captureAuditor
}

func newFixture(t *testing.T, adapters map[domain.Channel]adapter.Adapter) *fixture {
	t.Helper()
	notifications := repository.NewMemoryNotificationRepository()
	preferences := repository.NewMemoryPreferenceRepository()
	histories := repository.NewMemoryHistoryRepository()
	rates := repository.NewMemoryRateCounterRepository()
	auditor := &captureAuditor{}

	d := NewDispatcher(
		DefaultDispatchConfig(),
		adapters,
		prefs.NewEvaluator(rates, zap.NewNop()),
		newExecutor(t),
		NewLimiters(nil),
		notifications,
		preferences,
		histories,
		rates,
		auditor,
		zap.NewNop(),
	)
	t.Cleanup(d.Close)
	return &fixture{
		dispatcher:    d,
		notifications: notifications,
		preferences:   preferences,
		histories:     histories,
		rates:         rates,
		auditor:       auditor,
	}
}

func TestExecutorRun(t *testing.T) {
	dctx := func(ch domain.Channel) *adapter.DeliveryContext {
		return &adapter.DeliveryContext{
			NotificationID: "n-1",
			UserID:         "u-1",
			Notification:   dispatchNotification(ch),
		}
	}

	t.Run("retries transient failure then succeeds", func(t *testing.T) {
		e := newExecutor(t)
		ad := &stubAdapter{ch: domain.ChannelEmail, results: []*adapter.DeliveryResult{
			fail(domain.KindProviderTransient),
			fail(domain.KindConnection),
			ok(),
		}}

		var attempts []int
		res := e.Run(context.Background(), ad, dctx(domain.ChannelEmail), retry.Email,
			func(_ domain.Channel, attempt int, _ *adapter.DeliveryResult) {
				attempts = append(attempts, attempt)
			})

		require.True(t, res.Success)
		assert.Equal(t, 3, res.AttemptNumber)
		assert.Equal(t, []int{1, 2, 3}, attempts)
		assert.Equal(t, 3, ad.callCount())
	})

	t.Run("permanent failure stops immediately", func(t *testing.T) {
		e := newExecutor(t)
		ad := &stubAdapter{ch: domain.ChannelEmail, results: []*adapter.DeliveryResult{
			fail(domain.KindProviderPermanent),
		}}

		res := e.Run(context.Background(), ad, dctx(domain.ChannelEmail), retry.Email, nil)
		require.False(t, res.Success)
		assert.False(t, res.ShouldRetry)
		assert.Equal(t, 1, ad.callCount())
	})

	t.Run("exhausts attempts on persistent transient failure", func(t *testing.T) {
		e := newExecutor(t)
		ad := &stubAdapter{ch: domain.ChannelEmail, results: []*adapter.DeliveryResult{
			fail(domain.KindProviderTransient),
		}}

		res := e.Run(context.Background(), ad, dctx(domain.ChannelEmail), retry.Email, nil)
		require.False(t, res.Success)
		assert.False(t, res.ShouldRetry)
		assert.Equal(t, retry.Email.MaxAttempts, ad.callCount())
	})

	t.Run("validation failure consumes no retries", func(t *testing.T) {
		e := newExecutor(t)
		ad := &stubAdapter{ch: domain.ChannelEmail, results: []*adapter.DeliveryResult{
			adapter.Failed(domain.KindValidation, "VALIDATION_ERROR", "bad input", time.Now().UTC()),
		}}

		res := e.Run(context.Background(), ad, dctx(domain.ChannelEmail), retry.Email, nil)
		require.False(t, res.Success)
		assert.Equal(t, 1, ad.callCount())
	})

	t.Run("open breaker rejects with deferred retry", func(t *testing.T) {
		reg := breaker.NewRegistry(breaker.Config{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          time.Minute,
			MonitoringWindow: time.Minute,
		}, zap.NewNop(), nil)
		e := NewExecutor(reg, time.Second, zap.NewNop())
		e.sleep = func(context.Context, time.Duration) error { return nil }

		// Trip the breaker.
		for i := 0; i < 2; i++ {
			_ = reg.Execute(domain.ChannelEmail, func() error { return fmt.Errorf("boom") })
		}

		ad := &stubAdapter{ch: domain.ChannelEmail, results: []*adapter.DeliveryResult{ok()}}
		res := e.Run(context.Background(), ad, dctx(domain.ChannelEmail), retry.Email, nil)

		require.False(t, res.Success)
		assert.Equal(t, domain.KindCircuitOpen, res.ErrorKind)
		assert.True(t, res.ShouldRetry)
		require.NotNil(t, res.NextRetryAt)
		assert.Zero(t, ad.callCount())
	})

	t.Run("slow adapter times out", func(t *testing.T) {
		reg := breaker.NewRegistry(breaker.DefaultConfig(), zap.NewNop(), nil)
		e := NewExecutor(reg, 20*time.Millisecond, zap.NewNop())
		e.sleep = func(context.Context, time.Duration) error { return nil }

		ad := &stubAdapter{ch: domain.ChannelEmail, delay: time.Second, results: []*adapter.DeliveryResult{ok()}}
		res := e.Run(context.Background(), ad, dctx(domain.ChannelEmail), retry.Conservative, nil)

		require.False(t, res.Success)
		assert.Equal(t, domain.KindOperationTimeout, res.ErrorKind)
	})
}

func TestDispatcherDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("single channel success marks delivered", func(t *testing.T) {
		email := &stubAdapter{ch: domain.ChannelEmail, results: []*adapter.DeliveryResult{ok()}}
		f := newFixture(t, map[domain.Channel]adapter.Adapter{domain.ChannelEmail: email})

		n := dispatchNotification(domain.ChannelEmail)
		require.NoError(t, f.notifications.Create(ctx, n))
		require.NoError(t, f.dispatcher.Dispatch(ctx, n))

		got, err := f.notifications.GetByID(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusDelivered, got.Status)
		require.NotNil(t, got.DeliveredAt)

		h, err := f.histories.Get(ctx, n.ID, "u-1")
		require.NoError(t, err)
		assert.Equal(t, domain.AttemptDelivered, h.CurrentStatus)
		assert.Equal(t, []domain.Channel{domain.ChannelEmail}, h.SuccessfulChannels)

		count, err := f.rates.CountLastHour(ctx, "u-1", domain.ChannelEmail, time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		assert.Contains(t, f.auditor.events, domain.AuditNotificationSent)
	})

	t.Run("fire and forget attempts all channels", func(t *testing.T) {
		email := &stubAdapter{ch: domain.ChannelEmail, results: []*adapter.DeliveryResult{ok()}}
		inApp := &stubAdapter{ch: domain.ChannelInApp, results: []*adapter.DeliveryResult{ok()}}
		f := newFixture(t, map[domain.Channel]adapter.Adapter{
			domain.ChannelEmail: email,
			domain.ChannelInApp: inApp,
		})

		n := dispatchNotification(domain.ChannelEmail, domain.ChannelInApp)
		require.NoError(t, f.notifications.Create(ctx, n))
		require.NoError(t, f.dispatcher.Dispatch(ctx, n))

		assert.Equal(t, 1, email.callCount())
		assert.Equal(t, 1, inApp.callCount())
	})

	t.Run("confirmed delivery stops at first success", func(t *testing.T) {
		email := &stubAdapter{ch: domain.ChannelEmail, results: []*adapter.DeliveryResult{ok()}}
		inApp := &stubAdapter{ch: domain.ChannelInApp, results: []*adapter.DeliveryResult{ok()}}
		f := newFixture(t, map[domain.Channel]adapter.Adapter{
			domain.ChannelEmail: email,
			domain.ChannelInApp: inApp,
		})

		n := dispatchNotification(domain.ChannelEmail, domain.ChannelInApp)
		n.Context = map[string]string{"delivery_mode": "confirmed_delivery"}
		require.NoError(t, f.notifications.Create(ctx, n))
		require.NoError(t, f.dispatcher.Dispatch(ctx, n))

		assert.Equal(t, 1, email.callCount())
		assert.Zero(t, inApp.callCount())
	})

	t.Run("suppressed delivery ends failed", func(t *testing.T) {
		email := &stubAdapter{ch: domain.ChannelEmail, results: []*adapter.DeliveryResult{ok()}}
		f := newFixture(t, map[domain.Channel]adapter.Adapter{domain.ChannelEmail: email})

		p := domain.DefaultPreferences("u-1")
		p.GlobalEnabled = false
		require.NoError(t, f.preferences.Upsert(ctx, p))

		n := dispatchNotification(domain.ChannelEmail)
		require.NoError(t, f.notifications.Create(ctx, n))
		require.NoError(t, f.dispatcher.Dispatch(ctx, n))

		got, err := f.notifications.GetByID(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, got.Status)
		assert.Zero(t, email.callCount())
	})

	t.Run("expired notification marked expired without delivery", func(t *testing.T) {
		email := &stubAdapter{ch: domain.ChannelEmail, results: []*adapter.DeliveryResult{ok()}}
		f := newFixture(t, map[domain.Channel]adapter.Adapter{domain.ChannelEmail: email})

		n := dispatchNotification(domain.ChannelEmail)
		past := time.Now().UTC().Add(-time.Minute)
		n.ExpiresAt = &past
		require.NoError(t, f.notifications.Create(ctx, n))
		require.NoError(t, f.dispatcher.Dispatch(ctx, n))

		got, err := f.notifications.GetByID(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusExpired, got.Status)
		assert.Zero(t, email.callCount())
	})

	t.Run("fallback channel used after primary exhausts", func(t *testing.T) {
		email := &stubAdapter{ch: domain.ChannelEmail, results: []*adapter.DeliveryResult{
			fail(domain.KindProviderPermanent),
		}}
		logging := &stubAdapter{ch: domain.ChannelLogging, results: []*adapter.DeliveryResult{ok()}}
		f := newFixture(t, map[domain.Channel]adapter.Adapter{
			domain.ChannelEmail:   email,
			domain.ChannelLogging: logging,
		})

		p := domain.DefaultPreferences("u-1")
		p.ChannelPreferences = []domain.ChannelPreference{
			{Channel: domain.ChannelEmail, Enabled: true, FallbackChannels: []domain.Channel{domain.ChannelLogging}},
		}
		require.NoError(t, f.preferences.Upsert(ctx, p))

		n := dispatchNotification(domain.ChannelEmail)
		require.NoError(t, f.notifications.Create(ctx, n))
		require.NoError(t, f.dispatcher.Dispatch(ctx, n))

		got, err := f.notifications.GetByID(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusDelivered, got.Status)
		assert.Equal(t, 1, logging.callCount())

		h, err := f.histories.Get(ctx, n.ID, "u-1")
		require.NoError(t, err)
		assert.Contains(t, h.ChannelsAttempted, domain.ChannelEmail)
		assert.Contains(t, h.SuccessfulChannels, domain.ChannelLogging)
	})

	t.Run("total failure dead-letters and marks failed", func(t *testing.T) {
		email := &stubAdapter{ch: domain.ChannelEmail, results: []*adapter.DeliveryResult{
			fail(domain.KindProviderPermanent),
		}}
		f := newFixture(t, map[domain.Channel]adapter.Adapter{domain.ChannelEmail: email})

		n := dispatchNotification(domain.ChannelEmail)
		require.NoError(t, f.notifications.Create(ctx, n))
		require.NoError(t, f.dispatcher.Dispatch(ctx, n))

		got, err := f.notifications.GetByID(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, got.Status)

		require.Equal(t, 1, f.dispatcher.DeadLetters().Len())
		dl := f.dispatcher.DeadLetters().Items()[0]
		assert.Equal(t, "u-1", dl.UserID)
		assert.Contains(t, f.auditor.events, domain.AuditNotificationFailed)
	})

	t.Run("retry-eligible failure re-queues as pending", func(t *testing.T) {
		email := &stubAdapter{ch: domain.ChannelEmail, results: []*adapter.DeliveryResult{
			fail(domain.KindProviderTransient),
		}}
		f := newFixture(t, map[domain.Channel]adapter.Adapter{domain.ChannelEmail: email})

		// Unhealthy gate makes the channel retry-eligible without burning
		// through the executor's in-process retries.
		f.dispatcher.SetHealthGate(func(domain.Channel) bool { return false })

		n := dispatchNotification(domain.ChannelEmail)
		require.NoError(t, f.notifications.Create(ctx, n))
		require.NoError(t, f.dispatcher.Dispatch(ctx, n))

		got, err := f.notifications.GetByID(ctx, n.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, got.Status)
		assert.Equal(t, 1, got.Retry.CurrentAttempt)
		require.NotNil(t, got.Retry.NextRetryAt)
		assert.Zero(t, email.callCount())
	})

	t.Run("already claimed notification is skipped", func(t *testing.T) {
		email := &stubAdapter{ch: domain.ChannelEmail, results: []*adapter.DeliveryResult{ok()}}
		f := newFixture(t, map[domain.Channel]adapter.Adapter{domain.ChannelEmail: email})

		n := dispatchNotification(domain.ChannelEmail)
		require.NoError(t, f.notifications.Create(ctx, n))
		_, err := f.notifications.CompareAndSetStatus(ctx, n.ID, domain.StatusPending, domain.StatusProcessing)
		require.NoError(t, err)

		require.NoError(t, f.dispatcher.Dispatch(ctx, n))
		assert.Zero(t, email.callCount())
	})
}

func TestDeadLetterQueueBounds(t *testing.T) {
	q := NewDeadLetterQueue(3)
	for i := 0; i < 5; i++ {
		q.Append(DeadLetter{UserID: fmt.Sprintf("u-%d", i), EnqueuedAt: time.Now().UTC()})
	}

	assert.Equal(t, 3, q.Len())
	assert.Equal(t, uint64(2), q.Evicted())
	items := q.Items()
	assert.Equal(t, "u-2", items[0].UserID)
	assert.Equal(t, "u-4", items[2].UserID)
}

func TestLimiters(t *testing.T) {
	l := NewLimiters(map[domain.Channel]int{domain.ChannelEmail: 600000})

	// High-rate limiter admits immediately; unlimited channels never block.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Wait(ctx, domain.ChannelEmail))
	require.NoError(t, l.Wait(ctx, domain.ChannelInApp))
}
