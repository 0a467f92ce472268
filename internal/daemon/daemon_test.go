package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/adapter"
	"github.com/notifyhub/courier/internal/breaker"
	"github.com/notifyhub/courier/internal/dispatch"
	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/prefs"
	"github.com/notifyhub/courier/internal/repository"
)

// fakeAdapter delivers successfully and lets tests flip init/health errors.
type fakeAdapter struct {
	ch domain.Channel

	mu        sync.Mutex
	initErr   error
	healthErr error
	sent      int
}

func (f *fakeAdapter) ChannelType() domain.Channel        { return f.ch }
func (f *fakeAdapter) Capabilities() adapter.Capabilities { return adapter.Capabilities{} }
func (f *fakeAdapter) Shutdown(context.Context) error     { return nil }

func (f *fakeAdapter) Initialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initErr
}

func (f *fakeAdapter) HealthCheck(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

func (f *fakeAdapter) Send(context.Context, *adapter.DeliveryContext) *adapter.DeliveryResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
	return adapter.Succeeded("ext-1", time.Now().UTC())
}

func (f *fakeAdapter) setHealthErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthErr = err
}

func (f *fakeAdapter) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

type fixture struct {
	daemon        *Daemon
	notifications *repository.MemoryNotificationRepository
	rates         *repository.MemoryRateCounterRepository
	adapter       *fakeAdapter
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollingInterval = 10 * time.Millisecond
	cfg.ProcessingTimeout = time.Second
	// Loop tests drive health checks and cleanup by hand.
	cfg.HealthCheckInterval = time.Hour
	cfg.CleanupInterval = time.Hour
	cfg.GracefulShutdownTimeout = 2 * time.Second
	return cfg
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	notifications := repository.NewMemoryNotificationRepository()
	preferences := repository.NewMemoryPreferenceRepository()
	histories := repository.NewMemoryHistoryRepository()
	rates := repository.NewMemoryRateCounterRepository()

	fa := &fakeAdapter{ch: domain.ChannelLogging}
	adapters := map[domain.Channel]adapter.Adapter{domain.ChannelLogging: fa}

	breakers := breaker.NewRegistry(breaker.DefaultConfig(), zap.NewNop(), nil)
	dispatcher := dispatch.NewDispatcher(
		dispatch.DefaultDispatchConfig(),
		adapters,
		prefs.NewEvaluator(rates, zap.NewNop()),
		dispatch.NewExecutor(breakers, time.Second, zap.NewNop()),
		dispatch.NewLimiters(nil),
		notifications,
		preferences,
		histories,
		rates,
		nil,
		zap.NewNop(),
	)

	t.Cleanup(dispatcher.Close)

	d := New(cfg, dispatcher, adapters, notifications, rates, nil, nil, nil, zap.NewNop())
	return &fixture{daemon: d, notifications: notifications, rates: rates, adapter: fa}
}

func pendingNotification(id string) *domain.Notification {
	now := time.Now().UTC()
	return &domain.Notification{
		ID:         id,
		Type:       domain.TypeSystemAlert,
		Priority:   domain.PriorityMedium,
		Title:      "t",
		Content:    domain.Content{Subject: "s", Body: "b"},
		Recipients: []domain.Recipient{{UserID: "u-1"}},
		Channels:   []domain.Channel{domain.ChannelLogging},
		Status:     domain.StatusPending,
		Retry:      domain.RetryMetadata{MaxRetries: 3},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestDaemonLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	assert.Equal(t, StateStopped, f.daemon.State())

	require.NoError(t, f.daemon.Start(ctx))
	assert.Equal(t, StateRunning, f.daemon.State())

	t.Run("second start is rejected", func(t *testing.T) {
		assert.Error(t, f.daemon.Start(ctx))
	})

	require.NoError(t, f.daemon.Stop(ctx))
	assert.Equal(t, StateStopped, f.daemon.State())

	t.Run("stop is idempotent", func(t *testing.T) {
		assert.NoError(t, f.daemon.Stop(ctx))
	})

	t.Run("restart after stop", func(t *testing.T) {
		require.NoError(t, f.daemon.Start(ctx))
		require.NoError(t, f.daemon.Stop(ctx))
	})
}

func TestDaemonProcessesPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	require.NoError(t, f.notifications.Create(ctx, pendingNotification("n-1")))
	require.NoError(t, f.daemon.Start(ctx))
	defer f.daemon.Stop(ctx) //nolint:errcheck

	require.Eventually(t, func() bool {
		n, err := f.notifications.GetByID(ctx, "n-1")
		return err == nil && n.Status == domain.StatusDelivered
	}, 2*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, f.adapter.sentCount(), 1)

	snap := f.daemon.Snapshot()
	assert.Equal(t, StateRunning, snap.State)
	assert.GreaterOrEqual(t, snap.BatchesProcessed, uint64(1))
}

func TestDaemonInitFailureMarksUnhealthy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())
	f.adapter.initErr = errors.New("smtp down")

	require.NoError(t, f.daemon.Start(ctx))
	defer f.daemon.Stop(ctx) //nolint:errcheck

	assert.Equal(t, StateRunning, f.daemon.State())
	assert.False(t, f.daemon.Snapshot().AdapterHealth[domain.ChannelLogging])
}

func TestDaemonHealthTransitions(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 3
	f := newFixture(t, cfg)

	require.NoError(t, f.daemon.Start(ctx))
	defer f.daemon.Stop(ctx) //nolint:errcheck

	f.adapter.setHealthErr(errors.New("probe failed"))

	// Below the threshold the adapter stays healthy.
	f.daemon.checkAdapters(ctx)
	f.daemon.checkAdapters(ctx)
	assert.True(t, f.daemon.Snapshot().AdapterHealth[domain.ChannelLogging])

	f.daemon.checkAdapters(ctx)
	assert.False(t, f.daemon.Snapshot().AdapterHealth[domain.ChannelLogging])

	// One successful probe recovers the adapter.
	f.adapter.setHealthErr(nil)
	f.daemon.checkAdapters(ctx)
	assert.True(t, f.daemon.Snapshot().AdapterHealth[domain.ChannelLogging])
}

func TestDaemonCleanupCompactsRates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testConfig())

	now := time.Now().UTC()
	old := now.Add(-3 * time.Hour)
	require.NoError(t, f.rates.Increment(ctx, "u-1", domain.ChannelEmail, old))
	require.NoError(t, f.rates.Increment(ctx, "u-1", domain.ChannelEmail, now))

	f.daemon.runCleanup(ctx)

	// Counting an hour window around the old bucket finds nothing: the
	// cleanup removed buckets older than two hours.
	count, err := f.rates.CountLastHour(ctx, "u-1", domain.ChannelEmail, old.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	count, err = f.rates.CountLastHour(ctx, "u-1", domain.ChannelEmail, now)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
