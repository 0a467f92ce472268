// Package dispatch routes pending notifications to channel adapters. It
// combines the preference evaluator's channel ordering with the retry and
// circuit-breaker executor, records every attempt in the delivery history,
// and owns the dead-letter queue and escalation scheduling.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/adapter"
	"github.com/notifyhub/courier/internal/domain"
	"github.com/notifyhub/courier/internal/prefs"
	"github.com/notifyhub/courier/internal/repository"
	"github.com/notifyhub/courier/internal/retry"
)

// Mode selects how a recipient's channels are attempted.
type Mode string

const (
	// ModeFireAndForget attempts every chosen channel concurrently and
	// records all outcomes.
	ModeFireAndForget Mode = "fire_and_forget"
	// ModeConfirmedDelivery attempts channels in priority order and stops at
	// the first success.
	ModeConfirmedDelivery Mode = "confirmed_delivery"
)

// deliveryModeKey in a notification's context overrides the default mode.
const deliveryModeKey = "delivery_mode"

// Auditor is the slice of the audit service the dispatcher needs.
type Auditor interface {
	LogDeliveryEvent(ctx context.Context, notificationID, userID string, eventType domain.AuditEventType, data map[string]string) error
}

// Config tunes the dispatcher.
type Config struct {
	DefaultMode        Mode
	PerCallTimeout     time.Duration
	DeadLetterCapacity int
}

func DefaultDispatchConfig() Config {
	return Config{
		DefaultMode:        ModeFireAndForget,
		PerCallTimeout:     30 * time.Second,
		DeadLetterCapacity: 1000,
	}
}

// Dispatcher routes one notification at a time; it is safe for concurrent
// use by the daemon's worker pool.
type Dispatcher struct {
	cfg       Config
	adapters  map[domain.Channel]adapter.Adapter
	evaluator *prefs.Evaluator
	executor  *Executor
	limiters  *Limiters
	dlq       *DeadLetterQueue

	notifications repository.NotificationRepository
	preferences   repository.PreferenceRepository
	histories     repository.HistoryRepository
	rates         repository.RateCounterRepository
	auditor       Auditor
	logger        *zap.Logger

	// healthy is consulted before each adapter call; the daemon's health
	// loop installs it. Nil means every adapter is assumed healthy.
	healthy func(domain.Channel) bool
	hooks   MetricHooks

	escMu      sync.Mutex
	escTimers  map[string]*time.Timer
	escCounts  map[string]int
	now        func() time.Time
	escWG      sync.WaitGroup
	shutdownCh chan struct{}
	closeOnce  sync.Once
}

func NewDispatcher(
	cfg Config,
	adapters map[domain.Channel]adapter.Adapter,
	evaluator *prefs.Evaluator,
	executor *Executor,
	limiters *Limiters,
	notifications repository.NotificationRepository,
	preferences repository.PreferenceRepository,
	histories repository.HistoryRepository,
	rates repository.RateCounterRepository,
	auditor Auditor,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = ModeFireAndForget
	}
	return &Dispatcher{
		cfg:           cfg,
		adapters:      adapters,
		evaluator:     evaluator,
		executor:      executor,
		limiters:      limiters,
		dlq:           NewDeadLetterQueue(cfg.DeadLetterCapacity),
		notifications: notifications,
		preferences:   preferences,
		histories:     histories,
		rates:         rates,
		auditor:       auditor,
		logger:        logger,
		escTimers:     make(map[string]*time.Timer),
		escCounts:     make(map[string]int),
		now:           func() time.Time { return time.Now().UTC() },
		shutdownCh:    make(chan struct{}),
	}
}

// SetHealthGate installs the adapter health predicate. Called once by the
// daemon before the processing loop starts.
func (d *Dispatcher) SetHealthGate(fn func(domain.Channel) bool) { d.healthy = fn }

// MetricHooks carries the dispatcher's observation callbacks. Any nil hook
// is skipped.
type MetricHooks struct {
	OnSent        func(channel string, latency time.Duration)
	OnFailed      func(channel string)
	OnRetry       func(channel string)
	OnBreakerOpen func(channel string)
	OnEscalation  func()
}

// SetMetricHooks installs the observation callbacks. Called once at wiring.
func (d *Dispatcher) SetMetricHooks(h MetricHooks) { d.hooks = h }

// DeadLetters exposes the queue for the ops surface.
func (d *Dispatcher) DeadLetters() *DeadLetterQueue { return d.dlq }

// recipientOutcome aggregates one recipient's delivery results.
type recipientOutcome struct {
	userID        string
	success       bool
	suppressed    bool
	retryEligible bool
	nextRetryAt   *time.Time
	lastError     string
	attempts      int
}

// Dispatch claims a pending notification and drives it to a terminal or
// re-queued state. A notification already claimed elsewhere is skipped
// silently.
func (d *Dispatcher) Dispatch(ctx context.Context, n *domain.Notification) error {
	claimed, err := d.notifications.CompareAndSetStatus(ctx, n.ID, domain.StatusPending, domain.StatusProcessing)
	if err != nil {
		return fmt.Errorf("claim notification %s: %w", n.ID, err)
	}
	if !claimed {
		return nil
	}

	now := d.now()
	if n.Expired(now) {
		d.logger.Info("notification expired before delivery",
			zap.String("notification_id", n.ID))
		return d.notifications.MarkExpired(ctx, n.ID)
	}

	outcomes := make([]recipientOutcome, 0, len(n.Recipients))
	for _, r := range n.Recipients {
		outcomes = append(outcomes, d.deliverToRecipient(ctx, n, r))
	}
	return d.settle(ctx, n, outcomes)
}

// settle maps recipient outcomes onto the notification's final status.
func (d *Dispatcher) settle(ctx context.Context, n *domain.Notification, outcomes []recipientOutcome) error {
	now := d.now()
	allOK := true
	anyOK := false
	anyRetry := false
	var nextRetryAt *time.Time
	var lastError string

	for _, o := range outcomes {
		if o.success {
			anyOK = true
		} else {
			allOK = false
			if o.lastError != "" {
				lastError = o.lastError
			}
		}
		if o.retryEligible {
			anyRetry = true
			if o.nextRetryAt != nil && (nextRetryAt == nil || o.nextRetryAt.Before(*nextRetryAt)) {
				nextRetryAt = o.nextRetryAt
			}
		}
	}

	switch {
	case allOK:
		if err := d.notifications.MarkSent(ctx, n.ID, now); err != nil {
			return err
		}
		return d.notifications.MarkDelivered(ctx, n.ID, now)

	case anyRetry && n.Retry.CurrentAttempt < n.Retry.MaxRetries:
		if nextRetryAt == nil {
			t := now.Add(retry.Default.Delay(n.Retry.CurrentAttempt + 1))
			nextRetryAt = &t
		}
		d.logger.Info("notification re-queued for retry",
			zap.String("notification_id", n.ID),
			zap.Int("attempt", n.Retry.CurrentAttempt+1),
			zap.Time("next_retry_at", *nextRetryAt))
		return d.notifications.UpdateRetryState(ctx, n.ID, n.Retry.CurrentAttempt+1, nextRetryAt, lastError)

	case anyOK:
		// Partial success with no retries left still counts as sent.
		return d.notifications.MarkSent(ctx, n.ID, now)

	default:
		if err := d.notifications.MarkFailed(ctx, n.ID, now, lastError); err != nil {
			return err
		}
		d.auditDelivery(ctx, n, "", domain.AuditNotificationFailed, map[string]string{
			"error": lastError,
		})
		return nil
	}
}

func (d *Dispatcher) deliverToRecipient(ctx context.Context, n *domain.Notification, r domain.Recipient) recipientOutcome {
	out := recipientOutcome{userID: r.UserID}
	now := d.now()

	p, err := d.preferences.Get(ctx, r.UserID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			d.logger.Warn("preference load failed, using defaults",
				zap.String("user_id", r.UserID), zap.Error(err))
		}
		p = domain.DefaultPreferences(r.UserID)
	}

	channels, err := d.evaluator.Resolve(ctx, n, p, now)
	if err != nil {
		out.lastError = err.Error()
		out.retryEligible = true
		return out
	}
	if len(channels) == 0 {
		d.logger.Info("delivery suppressed by preferences",
			zap.String("notification_id", n.ID),
			zap.String("user_id", r.UserID))
		out.suppressed = true
		return out
	}

	history := d.loadHistory(ctx, n, r.UserID)
	results := d.attemptChannels(ctx, n, r, p, channels, history)

	var circuitRetryAt *time.Time
	for ch, res := range results {
		if res.Success {
			out.success = true
			if d.hooks.OnSent != nil {
				d.hooks.OnSent(string(ch), time.Duration(res.ProcessingTimeMs)*time.Millisecond)
			}
			if err := d.rates.Increment(ctx, r.UserID, ch, now); err != nil {
				d.logger.Warn("rate counter increment failed",
					zap.String("user_id", r.UserID), zap.Error(err))
			}
			continue
		}
		out.lastError = res.ErrorMessage
		if res.ErrorKind == domain.KindCircuitOpen && d.hooks.OnBreakerOpen != nil {
			d.hooks.OnBreakerOpen(string(ch))
		}
		if !res.ShouldRetry && d.hooks.OnFailed != nil {
			d.hooks.OnFailed(string(ch))
		}
		if res.ShouldRetry {
			out.retryEligible = true
			if res.NextRetryAt != nil && (circuitRetryAt == nil || res.NextRetryAt.Before(*circuitRetryAt)) {
				circuitRetryAt = res.NextRetryAt
			}
		}
	}
	out.nextRetryAt = circuitRetryAt
	out.attempts = len(history.Attempts)

	if err := d.histories.Upsert(ctx, history); err != nil {
		d.logger.Error("history upsert failed",
			zap.String("notification_id", n.ID),
			zap.String("user_id", r.UserID),
			zap.Error(err))
	}

	if out.success {
		d.auditDelivery(ctx, n, r.UserID, domain.AuditNotificationSent, map[string]string{
			"channels": joinChannels(history.SuccessfulChannels),
		})
	} else if !out.retryEligible {
		d.dlq.Append(DeadLetter{
			Notification: n,
			UserID:       r.UserID,
			Channels:     history.ChannelsAttempted,
			Reason:       out.lastError,
			Attempts:     len(history.Attempts),
			EnqueuedAt:   now,
		})
		if rule, ok := d.evaluator.ShouldEscalate(n, p); ok {
			d.scheduleEscalation(n, r, rule, history)
		}
	}
	return out
}

// attemptChannels runs the chosen channels in the configured mode, including
// declared fallbacks after a channel exhausts its retries. Returns the final
// result per channel attempted.
func (d *Dispatcher) attemptChannels(ctx context.Context, n *domain.Notification, r domain.Recipient, p *domain.Preferences, channels []domain.Channel, history *domain.DeliveryHistory) map[domain.Channel]*adapter.DeliveryResult {
	results := make(map[domain.Channel]*adapter.DeliveryResult)
	var mu sync.Mutex

	record := func(ch domain.Channel, res *adapter.DeliveryResult) {
		mu.Lock()
		defer mu.Unlock()
		results[ch] = res
	}

	runOne := func(ch domain.Channel) *adapter.DeliveryResult {
		res := d.attemptChannel(ctx, n, r, ch, history, &mu)
		record(ch, res)
		if res.Success || res.ErrorKind == domain.KindCircuitOpen {
			return res
		}
		for _, fb := range d.evaluator.Fallbacks(ch, p) {
			mu.Lock()
			_, tried := results[fb]
			mu.Unlock()
			if tried {
				continue
			}
			d.logger.Info("falling back to alternate channel",
				zap.String("notification_id", n.ID),
				zap.String("user_id", r.UserID),
				zap.String("from", string(ch)),
				zap.String("to", string(fb)))
			fbRes := d.attemptChannel(ctx, n, r, fb, history, &mu)
			record(fb, fbRes)
			if fbRes.Success {
				return fbRes
			}
		}
		return res
	}

	if d.modeFor(n) == ModeConfirmedDelivery {
		for _, ch := range channels {
			if res := runOne(ch); res.Success {
				break
			}
		}
		return results
	}

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch domain.Channel) {
			defer wg.Done()
			runOne(ch)
		}(ch)
	}
	wg.Wait()
	return results
}

// attemptChannel drives one channel through pacing, health gating, and the
// retry+breaker executor, recording each attempt in the history.
func (d *Dispatcher) attemptChannel(ctx context.Context, n *domain.Notification, r domain.Recipient, ch domain.Channel, history *domain.DeliveryHistory, histMu *sync.Mutex) *adapter.DeliveryResult {
	started := d.now()

	ad, ok := d.adapters[ch]
	if !ok {
		return adapter.Failed(domain.KindValidation, "NO_ADAPTER",
			fmt.Sprintf("no adapter registered for channel %s", ch), started)
	}
	if d.healthy != nil && !d.healthy(ch) {
		res := adapter.Failed(domain.KindConnection, "ADAPTER_UNHEALTHY",
			fmt.Sprintf("adapter for channel %s is marked unhealthy", ch), started)
		res.ShouldRetry = true
		return res
	}
	if err := d.limiters.Wait(ctx, ch); err != nil {
		res := adapter.Failed(domain.KindUnexpected, "CANCELLED", "delivery cancelled while pacing", started)
		res.Status = adapter.ResultCancelled
		return res
	}

	dctx := d.buildContext(n, r, ch)
	observe := func(ch domain.Channel, attempt int, res *adapter.DeliveryResult) {
		if attempt > 1 && d.hooks.OnRetry != nil {
			d.hooks.OnRetry(string(ch))
		}
		histMu.Lock()
		defer histMu.Unlock()
		history.Record(attemptFromResult(ch, res, dctx))
	}
	return d.executor.Run(ctx, ad, dctx, retry.ForChannel(ch), observe)
}

func (d *Dispatcher) buildContext(n *domain.Notification, r domain.Recipient, ch domain.Channel) *adapter.DeliveryContext {
	return &adapter.DeliveryContext{
		NotificationID:   n.ID,
		UserID:           r.UserID,
		CorrelationID:    n.CorrelationID,
		User:             adapter.UserContext{Email: r.Email},
		Notification:     n,
		PreferredChannel: ch,
		DeliveryPriority: n.Priority,
		ScheduledAt:      n.ScheduledAt,
		Deadline:         n.ExpiresAt,
	}
}

func (d *Dispatcher) modeFor(n *domain.Notification) Mode {
	if m, ok := n.Context[deliveryModeKey]; ok {
		switch Mode(m) {
		case ModeFireAndForget, ModeConfirmedDelivery:
			return Mode(m)
		}
	}
	return d.cfg.DefaultMode
}

func (d *Dispatcher) loadHistory(ctx context.Context, n *domain.Notification, userID string) *domain.DeliveryHistory {
	h, err := d.histories.Get(ctx, n.ID, userID)
	if err == nil {
		return h
	}
	now := d.now()
	return &domain.DeliveryHistory{
		ID:               uuid.NewString(),
		NotificationID:   n.ID,
		UserID:           userID,
		NotificationType: n.Type,
		Priority:         n.Priority,
		Subject:          n.Content.Subject,
		Body:             n.Content.Body,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func (d *Dispatcher) auditDelivery(ctx context.Context, n *domain.Notification, userID string, eventType domain.AuditEventType, data map[string]string) {
	if d.auditor == nil {
		return
	}
	if err := d.auditor.LogDeliveryEvent(ctx, n.ID, userID, eventType, data); err != nil {
		d.logger.Warn("audit write failed",
			zap.String("notification_id", n.ID),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}

func attemptFromResult(ch domain.Channel, res *adapter.DeliveryResult, dctx *adapter.DeliveryContext) domain.DeliveryAttempt {
	completed := res.AttemptTimestamp.Add(time.Duration(res.ProcessingTimeMs) * time.Millisecond)
	a := domain.DeliveryAttempt{
		Channel:          ch,
		StartedAt:        res.AttemptTimestamp,
		CompletedAt:      &completed,
		DurationMs:       res.ProcessingTimeMs,
		ErrorCode:        res.ErrorCode,
		ErrorMessage:     res.ErrorMessage,
		RecipientContact: dctx.User.Email,
	}
	switch {
	case res.Success:
		a.Status = domain.AttemptDelivered
		a.ProviderMessageID = res.ExternalID
	case res.Status == adapter.ResultTimeout:
		a.Status = domain.AttemptTimeout
	case res.Status == adapter.ResultCancelled:
		a.Status = domain.AttemptCancelled
	case res.ErrorKind == domain.KindCircuitOpen:
		a.Status = domain.AttemptRejected
	default:
		a.Status = domain.AttemptFailed
	}
	return a
}

func joinChannels(channels []domain.Channel) string {
	parts := make([]string, len(channels))
	for i, ch := range channels {
		parts[i] = string(ch)
	}
	return strings.Join(parts, ",")
}
