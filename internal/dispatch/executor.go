package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/adapter"
	"github.com/notifyhub/courier/internal/breaker"
	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/retry"
)

// AttemptObserver is invoked after every adapter invocation, including the
// ones the executor retries internally. The dispatcher uses it to append to
// the delivery history.
type AttemptObserver func(ch domain.Channel, attempt int, res *adapter.DeliveryResult)

// Executor drives one channel delivery through the retry policy and the
// channel's circuit breaker, with a per-call timeout.
type Executor struct {
	breakers *breaker.Registry
	timeout  time.Duration
	logger   *zap.Logger

	// sleep is swapped out by tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(breakers *breaker.Registry, perCallTimeout time.Duration, logger *zap.Logger) *Executor {
	if perCallTimeout <= 0 {
		perCallTimeout = 30 * time.Second
	}
	return &Executor{
		breakers: breakers,
		timeout:  perCallTimeout,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// Run attempts delivery up to policy.MaxAttempts times. A breaker rejection
// returns immediately with kind circuit_open and does not consume attempts;
// the dispatcher defers those via next_retry_at instead.
func (e *Executor) Run(ctx context.Context, ad adapter.Adapter, dctx *adapter.DeliveryContext, policy retry.Policy, observe AttemptObserver) *adapter.DeliveryResult {
	ch := ad.ChannelType()
	var last *adapter.DeliveryResult

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		dctx.AttemptNumber = attempt

		var res *adapter.DeliveryResult
		err := e.breakers.Execute(ch, func() error {
			res = e.sendWithTimeout(ctx, ad, dctx)
			if res.Success {
				return nil
			}
			if res.ErrorKind == domain.KindValidation {
				// Caller error, not provider failure; keep the breaker closed.
				return nil
			}
			return fmt.Errorf("%s: %s", res.ErrorCode, res.ErrorMessage)
		})

		if errors.Is(err, domain.ErrCircuitOpen) {
			return e.circuitOpenResult(ch, attempt, policy)
		}

		res.AttemptNumber = attempt
		res.MaxAttempts = policy.MaxAttempts
		if observe != nil {
			observe(ch, attempt, res)
		}

		if res.Success {
			return res
		}
		if res.ErrorKind == domain.KindValidation {
			res.ShouldRetry = false
			return res
		}

		last = res
		if res.ErrorMessage != "" {
			dctx.PreviousErrors = append(dctx.PreviousErrors, res.ErrorMessage)
		}

		if !policy.ShouldRetry(attempt, res.ErrorKind) {
			break
		}
		delay := policy.Delay(attempt)
		e.logger.Debug("delivery attempt failed, backing off",
			zap.String("channel", string(ch)),
			zap.String("notification_id", dctx.NotificationID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("error_kind", string(res.ErrorKind)))
		if err := e.sleep(ctx, delay); err != nil {
			last.Status = adapter.ResultCancelled
			break
		}
	}

	last.ShouldRetry = false
	return last
}

// sendWithTimeout bounds one adapter call. The adapter is handed a context
// that is cancelled at the deadline; a send that outlives it is abandoned and
// reported as a timeout.
func (e *Executor) sendWithTimeout(ctx context.Context, ad adapter.Adapter, dctx *adapter.DeliveryContext) *adapter.DeliveryResult {
	started := time.Now().UTC()
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan *adapter.DeliveryResult, 1)
	go func() {
		done <- ad.Send(callCtx, dctx)
	}()

	select {
	case res := <-done:
		return res
	case <-callCtx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			res := adapter.Failed(domain.KindUnexpected, "CANCELLED", "delivery cancelled", started)
			res.Status = adapter.ResultCancelled
			return res
		}
		return adapter.Failed(domain.KindOperationTimeout, "OPERATION_TIMEOUT",
			fmt.Sprintf("adapter send exceeded %s", e.timeout), started)
	}
}

func (e *Executor) circuitOpenResult(ch domain.Channel, attempt int, policy retry.Policy) *adapter.DeliveryResult {
	now := time.Now().UTC()
	retryAt := now.Add(e.breakerRetryDelay())
	return &adapter.DeliveryResult{
		Status:           adapter.ResultFailed,
		AttemptTimestamp: now,
		ErrorMessage:     domain.ErrCircuitOpen.Error(),
		ErrorCode:        "CIRCUIT_OPEN",
		ErrorKind:        domain.KindCircuitOpen,
		AttemptNumber:    attempt,
		MaxAttempts:      policy.MaxAttempts,
		ShouldRetry:      true,
		NextRetryAt:      &retryAt,
	}
}

// breakerRetryDelay is how far out a breaker-rejected delivery is deferred:
// the breaker's open timeout plus a little slack so the probe goes first.
func (e *Executor) breakerRetryDelay() time.Duration {
	return e.breakers.OpenTimeout() + 5*time.Second
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
