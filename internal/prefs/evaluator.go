// Package prefs resolves which channels a notification should be delivered
// on for one recipient, combining the notification's channel list with the
// user's stored preferences, quiet hours, and hourly rate limits.
package prefs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/repository"
)

// Evaluator computes the effective channel ordering for a (notification,
// user) pair. It is stateless apart from the rate counter store.
type Evaluator struct {
	rates  repository.RateCounterRepository
	logger *zap.Logger
}

func NewEvaluator(rates repository.RateCounterRepository, logger *zap.Logger) *Evaluator {
	return &Evaluator{rates: rates, logger: logger}
}

// Resolve returns the ordered channels to attempt; an empty slice means the
// notification is suppressed for this user (opt-out, type filter, quiet
// hours, or rate limits).
func (e *Evaluator) Resolve(ctx context.Context, n *domain.Notification, p *domain.Preferences, now time.Time) ([]domain.Channel, error) {
	if !p.GlobalEnabled {
		return nil, nil
	}

	tp, hasTypePref := p.TypePref(n.Type)
	if hasTypePref && !tp.Enabled {
		return nil, nil
	}
	if hasTypePref && tp.PriorityThreshold != "" &&
		n.Priority.Rank() < tp.PriorityThreshold.Rank() {
		return nil, nil
	}

	channels := domain.DedupChannels(n.Channels)
	if hasTypePref && len(tp.Channels) > 0 {
		channels = intersect(channels, tp.Channels)
	}
	channels = e.dropDisabled(channels, p)
	channels = orderByPriority(channels, p)

	if len(channels) == 0 {
		channels = e.dropDisabled(domain.DedupChannels(p.DefaultChannels), p)
	}

	if e.inQuietHours(n, p, now) {
		return nil, nil
	}

	return e.applyRateLimits(ctx, channels, p, now)
}

// Fallbacks returns the user's declared fallback channels for a channel that
// exhausted its retries, skipping disabled ones.
func (e *Evaluator) Fallbacks(ch domain.Channel, p *domain.Preferences) []domain.Channel {
	cp, ok := p.ChannelPref(ch)
	if !ok {
		return nil
	}
	return e.dropDisabled(domain.DedupChannels(cp.FallbackChannels), p)
}

// ShouldEscalate returns the first escalation rule the notification matches.
func (e *Evaluator) ShouldEscalate(n *domain.Notification, p *domain.Preferences) (domain.EscalationRule, bool) {
	tp, hasTypePref := p.TypePref(n.Type)
	if hasTypePref && !tp.EscalationEnabled {
		return domain.EscalationRule{}, false
	}
	for _, rule := range p.EscalationRules {
		if len(rule.TriggerTypes) > 0 && !containsType(rule.TriggerTypes, n.Type) {
			continue
		}
		if rule.MinimumPriority != "" && n.Priority.Rank() < rule.MinimumPriority.Rank() {
			continue
		}
		return rule, true
	}
	return domain.EscalationRule{}, false
}

func (e *Evaluator) dropDisabled(channels []domain.Channel, p *domain.Preferences) []domain.Channel {
	out := channels[:0:len(channels)]
	for _, ch := range channels {
		if cp, ok := p.ChannelPref(ch); ok && !cp.Enabled {
			continue
		}
		out = append(out, ch)
	}
	return out
}

// orderByPriority sorts channels by explicit per-channel priority ascending;
// channels without one keep their notification order after all explicit ones.
func orderByPriority(channels []domain.Channel, p *domain.Preferences) []domain.Channel {
	type ranked struct {
		ch       domain.Channel
		priority int
		pos      int
	}
	rankedChannels := make([]ranked, 0, len(channels))
	for i, ch := range channels {
		priority := 0
		if cp, ok := p.ChannelPref(ch); ok {
			priority = cp.Priority
		}
		rankedChannels = append(rankedChannels, ranked{ch: ch, priority: priority, pos: i})
	}
	sort.SliceStable(rankedChannels, func(i, j int) bool {
		a, b := rankedChannels[i], rankedChannels[j]
		switch {
		case a.priority > 0 && b.priority > 0:
			return a.priority < b.priority
		case a.priority > 0:
			return true
		case b.priority > 0:
			return false
		default:
			return a.pos < b.pos
		}
	})
	out := make([]domain.Channel, len(rankedChannels))
	for i, r := range rankedChannels {
		out[i] = r.ch
	}
	return out
}

// inQuietHours reports whether delivery is suppressed right now. Emergency
// override lets urgent and critical notifications through; exempt types
// always pass.
func (e *Evaluator) inQuietHours(n *domain.Notification, p *domain.Preferences, now time.Time) bool {
	qh := p.QuietHours
	if !qh.Enabled {
		return false
	}
	if qh.EmergencyOverride && n.Priority.Rank() >= domain.PriorityUrgent.Rank() {
		return false
	}
	if containsType(qh.ExemptTypes, n.Type) {
		return false
	}

	loc, err := time.LoadLocation(qh.Timezone)
	if err != nil {
		e.logger.Warn("invalid quiet hours timezone, assuming UTC",
			zap.String("user_id", p.UserID),
			zap.String("timezone", qh.Timezone))
		loc = time.UTC
	}
	local := now.In(loc)

	start, err := minutesOfDay(qh.StartTime)
	if err != nil {
		return false
	}
	end, err := minutesOfDay(qh.EndTime)
	if err != nil {
		return false
	}
	cur := local.Hour()*60 + local.Minute()

	if start <= end {
		return cur >= start && cur < end
	}
	// Window wraps past midnight, e.g. 22:00 to 07:00.
	return cur >= start || cur < end
}

func (e *Evaluator) applyRateLimits(ctx context.Context, channels []domain.Channel, p *domain.Preferences, now time.Time) ([]domain.Channel, error) {
	out := channels[:0:len(channels)]
	for _, ch := range channels {
		cp, ok := p.ChannelPref(ch)
		if !ok || cp.RateLimitPerHour <= 0 {
			out = append(out, ch)
			continue
		}
		count, err := e.rates.CountLastHour(ctx, p.UserID, ch, now)
		if err != nil {
			return nil, fmt.Errorf("rate limit check for %s: %w", ch, err)
		}
		if count >= cp.RateLimitPerHour {
			e.logger.Debug("channel dropped by hourly rate limit",
				zap.String("user_id", p.UserID),
				zap.String("channel", string(ch)),
				zap.Int("count", count),
				zap.Int("limit", cp.RateLimitPerHour))
			continue
		}
		out = append(out, ch)
	}
	return out, nil
}

func minutesOfDay(hhmm string) (int, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("parse quiet hours time %q: %w", hhmm, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func intersect(base, allow []domain.Channel) []domain.Channel {
	allowed := make(map[domain.Channel]struct{}, len(allow))
	for _, ch := range allow {
		allowed[ch] = struct{}{}
	}
	out := base[:0:len(base)]
	for _, ch := range base {
		if _, ok := allowed[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

func containsType(types []domain.NotificationType, t domain.NotificationType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}
