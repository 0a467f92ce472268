package breaker_test

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/breaker"
	"github.com/notifyhub/courier/internal/domain"
)

var errBoom = errors.New("connection refused")

func newRegistry(timeout time.Duration) *breaker.Registry {
	return breaker.NewRegistry(breaker.Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          timeout,
		MonitoringWindow: time.Minute,
	}, zap.NewNop(), nil)
}

func trip(t *testing.T, r *breaker.Registry, ch domain.Channel) {
	t.Helper()
	for i := 0; i < 5; i++ {
		err := r.Execute(ch, func() error { return errBoom })
		require.ErrorIs(t, err, errBoom)
	}
	require.Equal(t, gobreaker.StateOpen, r.State(ch))
}

func TestRegistry_OpensAfterConsecutiveFailures(t *testing.T) {
	r := newRegistry(30 * time.Second)

	for i := 0; i < 4; i++ {
		_ = r.Execute(domain.ChannelEmail, func() error { return errBoom })
		require.Equal(t, gobreaker.StateClosed, r.State(domain.ChannelEmail), "breaker must stay closed until the 5th failure")
	}
	_ = r.Execute(domain.ChannelEmail, func() error { return errBoom })
	require.Equal(t, gobreaker.StateOpen, r.State(domain.ChannelEmail))
}

func TestRegistry_OpenRejectsWithoutCallingFn(t *testing.T) {
	r := newRegistry(30 * time.Second)
	trip(t, r, domain.ChannelEmail)

	called := false
	for i := 0; i < 3; i++ {
		err := r.Execute(domain.ChannelEmail, func() error { called = true; return nil })
		require.ErrorIs(t, err, domain.ErrCircuitOpen)
	}
	require.False(t, called, "an open breaker must short-circuit without invoking the adapter")
	require.EqualValues(t, 3, r.Rejected(domain.ChannelEmail))
}

// After the open timeout elapses, the next call is allowed through
// (half-open) even though rejected calls happened in between, and the
// breaker closes after success_threshold consecutive successes.
func TestRegistry_RecoversThroughHalfOpen(t *testing.T) {
	r := newRegistry(50 * time.Millisecond)
	trip(t, r, domain.ChannelEmail)

	_ = r.Execute(domain.ChannelEmail, func() error { return nil }) // rejected, still open
	time.Sleep(60 * time.Millisecond)

	require.NoError(t, r.Execute(domain.ChannelEmail, func() error { return nil }))
	require.Equal(t, gobreaker.StateHalfOpen, r.State(domain.ChannelEmail))

	require.NoError(t, r.Execute(domain.ChannelEmail, func() error { return nil }))
	require.Equal(t, gobreaker.StateClosed, r.State(domain.ChannelEmail))
}

func TestRegistry_HalfOpenFailureReopens(t *testing.T) {
	r := newRegistry(50 * time.Millisecond)
	trip(t, r, domain.ChannelWebhook)
	time.Sleep(60 * time.Millisecond)

	err := r.Execute(domain.ChannelWebhook, func() error { return errBoom })
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, gobreaker.StateOpen, r.State(domain.ChannelWebhook))
}

func TestRegistry_ChannelsAreIndependent(t *testing.T) {
	r := newRegistry(30 * time.Second)
	trip(t, r, domain.ChannelEmail)

	require.NoError(t, r.Execute(domain.ChannelInApp, func() error { return nil }))
	require.Equal(t, gobreaker.StateClosed, r.State(domain.ChannelInApp))
}

func TestRegistry_StateChangeHook(t *testing.T) {
	var flips []string
	r := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		MonitoringWindow: time.Minute,
	}, zap.NewNop(), func(ch domain.Channel, from, to gobreaker.State) {
		flips = append(flips, from.String()+"->"+to.String())
	})

	_ = r.Execute(domain.ChannelEmail, func() error { return errBoom })
	_ = r.Execute(domain.ChannelEmail, func() error { return errBoom })

	require.Equal(t, []string{"closed->open"}, flips)
}
