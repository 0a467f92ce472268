// Package breaker guards each delivery channel with a circuit breaker.
// A channel whose adapter keeps failing is opened so callers fail fast
// instead of stacking up timeouts against a dead provider.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/domain"
)

// Config tunes the per-channel breakers.
type Config struct {
	FailureThreshold uint32        // consecutive failures to open
	SuccessThreshold uint32        // consecutive half-open successes to close
	Timeout          time.Duration // time spent open before probing
	MonitoringWindow time.Duration // counter reset interval while closed
}

// DefaultConfig mirrors the values the daemon ships with.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		MonitoringWindow: 60 * time.Second,
	}
}

// StateChangeHook is invoked on every breaker state transition.
type StateChangeHook func(channel domain.Channel, from, to gobreaker.State)

// Registry holds one breaker per channel plus rejected-call counters.
// Breakers are created lazily on first use.
type Registry struct {
	cfg    Config
	logger *zap.Logger
	onFlip StateChangeHook

	mu       sync.Mutex
	breakers map[domain.Channel]*gobreaker.CircuitBreaker
	rejected map[domain.Channel]uint64
}

func NewRegistry(cfg Config, logger *zap.Logger, onFlip StateChangeHook) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		onFlip:   onFlip,
		breakers: make(map[domain.Channel]*gobreaker.CircuitBreaker),
		rejected: make(map[domain.Channel]uint64),
	}
}

func (r *Registry) breaker(ch domain.Channel) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[ch]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(ch),
		MaxRequests: r.cfg.SuccessThreshold,
		Interval:    r.cfg.MonitoringWindow,
		Timeout:     r.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Info("circuit breaker state change",
				zap.String("channel", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if r.onFlip != nil {
				r.onFlip(domain.Channel(name), from, to)
			}
		},
	})
	r.breakers[ch] = cb
	return cb
}

// Execute runs fn under the channel's breaker. When the breaker rejects the
// call, domain.ErrCircuitOpen is returned and the rejection counter is
// incremented; the underlying failure counters are untouched (the failures
// that opened the breaker were already counted).
func (r *Registry) Execute(ch domain.Channel, fn func() error) error {
	_, err := r.breaker(ch).Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		r.mu.Lock()
		r.rejected[ch]++
		r.mu.Unlock()
		return domain.ErrCircuitOpen
	}
	return err
}

// OpenTimeout returns how long an open breaker waits before probing.
func (r *Registry) OpenTimeout() time.Duration {
	return r.cfg.Timeout
}

// State returns the breaker state for a channel; a channel never used
// reports closed.
func (r *Registry) State(ch domain.Channel) gobreaker.State {
	return r.breaker(ch).State()
}

// Rejected returns how many calls the channel's breaker has rejected.
func (r *Registry) Rejected(ch domain.Channel) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejected[ch]
}

// Snapshot reports breaker state and counters per channel for the ops surface.
type Snapshot struct {
	Channel              domain.Channel `json:"channel"`
	State                string         `json:"state"`
	ConsecutiveFailures  uint32         `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32         `json:"consecutive_successes"`
	Rejected             uint64         `json:"rejected"`
}

func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for ch, cb := range r.breakers {
		counts := cb.Counts()
		out = append(out, Snapshot{
			Channel:              ch,
			State:                cb.State().String(),
			ConsecutiveFailures:  counts.ConsecutiveFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
			Rejected:             r.rejected[ch],
		})
	}
	return out
}
