// Package retry implements backoff delay math and retryability decisions for
// delivery attempts. Policies are pure values; the dispatcher's executor
// consults them between attempts.
package retry

import (
	"math/rand"
	"time"

	"github.com/notifyhub/courier/internal/domain"
)

// Strategy selects the delay growth curve.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
	StrategyFibonacci   Strategy = "fibonacci"
)

// minJitteredDelay is the floor applied after jitter sampling.
const minJitteredDelay = 100 * time.Millisecond

// Policy parameterizes retry behaviour for one channel.
type Policy struct {
	MaxAttempts int // 1..10
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Strategy    Strategy
	Multiplier  float64 // 1..5, exponential only
	Jitter      bool
	JitterRange float64 // 0..0.5, fraction of the computed delay
}

// Predefined profiles used by the dispatcher.
var (
	Default      = Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Strategy: StrategyExponential, Multiplier: 2}
	Email        = Policy{MaxAttempts: 4, BaseDelay: 2 * time.Second, MaxDelay: 120 * time.Second, Strategy: StrategyExponential, Multiplier: 3}
	Webhook      = Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Strategy: StrategyExponential, Multiplier: 2}
	Aggressive   = Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 60 * time.Second, Strategy: StrategyExponential, Multiplier: 2}
	Conservative = Policy{MaxAttempts: 2, BaseDelay: 5 * time.Second, MaxDelay: 60 * time.Second, Strategy: StrategyLinear}
)

// ForChannel returns the profile paired with a channel by default.
func ForChannel(ch domain.Channel) Policy {
	switch ch {
	case domain.ChannelEmail:
		return Email
	case domain.ChannelWebhook:
		return Webhook
	default:
		return Default
	}
}

// Delay computes the backoff before attempt n (1-based). The raw delay is
// clamped to MaxDelay before jitter is applied; jitter samples uniformly in
// ±(delay·JitterRange) and never drops below 100ms.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch p.Strategy {
	case StrategyLinear:
		d = p.BaseDelay * time.Duration(attempt)
	case StrategyExponential:
		mult := p.Multiplier
		if mult < 1 {
			mult = 2
		}
		f := float64(p.BaseDelay)
		for i := 1; i < attempt; i++ {
			f *= mult
			if p.MaxDelay > 0 && f > float64(p.MaxDelay) {
				f = float64(p.MaxDelay)
				break
			}
		}
		d = time.Duration(f)
	case StrategyFibonacci:
		d = p.BaseDelay * time.Duration(fib(attempt))
	default: // fixed
		d = p.BaseDelay
	}

	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.Jitter && p.JitterRange > 0 {
		span := float64(d) * p.JitterRange
		d += time.Duration((rand.Float64()*2 - 1) * span)
		if d < minJitteredDelay {
			d = minJitteredDelay
		}
	}
	return d
}

// ShouldRetry reports whether another attempt is allowed after the given
// 1-based attempt failed with the given error kind.
func (p Policy) ShouldRetry(attempt int, kind domain.ErrorKind) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return kind.Retryable()
}

// fib(1) = fib(2) = 1.
func fib(n int) int64 {
	if n <= 2 {
		return 1
	}
	a, b := int64(1), int64(1)
	for i := 3; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}
