package dispatch

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/notifyhub/courier/internal/domain"
)

// Limiters paces outbound sends per channel so a burst of notifications does
// not hammer a provider. Distinct from the per-user hourly limits enforced by
// the preference evaluator; this is process-wide send-side pacing.
type Limiters struct {
	mu       sync.Mutex
	limiters map[domain.Channel]*rate.Limiter
	perMin   map[domain.Channel]int
}

// NewLimiters builds pacing limiters from a per-minute rate per channel.
// Channels absent from the map are unlimited.
func NewLimiters(perMinute map[domain.Channel]int) *Limiters {
	return &Limiters{
		limiters: make(map[domain.Channel]*rate.Limiter),
		perMin:   perMinute,
	}
}

func (l *Limiters) limiter(ch domain.Channel) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[ch]; ok {
		return lim
	}
	perMin, ok := l.perMin[ch]
	if !ok || perMin <= 0 {
		return nil
	}
	lim := rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
	l.limiters[ch] = lim
	return lim
}

// Wait blocks until the channel's limiter admits one send or the context is
// cancelled. Unlimited channels return immediately.
func (l *Limiters) Wait(ctx context.Context, ch domain.Channel) error {
	lim := l.limiter(ch)
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}
