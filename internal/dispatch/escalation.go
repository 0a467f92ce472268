package dispatch

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/courier/internal/domain"
)

// scheduleEscalation defers an escalation job per the matched rule. Repeat
// escalations are re-armed after each run until max_escalations is reached.
func (d *Dispatcher) scheduleEscalation(n *domain.Notification, r domain.Recipient, rule domain.EscalationRule, history *domain.DeliveryHistory) {
	key := n.ID + "/" + r.UserID

	d.escMu.Lock()
	defer d.escMu.Unlock()
	if _, pending := d.escTimers[key]; pending {
		return
	}
	if d.escCounts[key] >= rule.MaxEscalations {
		return
	}

	delay := time.Duration(rule.DelayMinutes) * time.Minute
	d.logger.Info("escalation scheduled",
		zap.String("notification_id", n.ID),
		zap.String("user_id", r.UserID),
		zap.String("rule", rule.Name),
		zap.Duration("delay", delay),
		zap.Int("escalation", d.escCounts[key]+1))

	d.escWG.Add(1)
	d.escTimers[key] = time.AfterFunc(delay, func() {
		defer d.escWG.Done()
		select {
		case <-d.shutdownCh:
			return
		default:
		}
		d.runEscalation(key, n, r, rule, history)
	})
}

// runEscalation delivers the notification to the rule's extra channels for
// the original recipient plus every extra recipient.
func (d *Dispatcher) runEscalation(key string, n *domain.Notification, r domain.Recipient, rule domain.EscalationRule, history *domain.DeliveryHistory) {
	d.escMu.Lock()
	delete(d.escTimers, key)
	d.escCounts[key]++
	count := d.escCounts[key]
	d.escMu.Unlock()

	if d.hooks.OnEscalation != nil {
		d.hooks.OnEscalation()
	}

	ctx := context.Background()
	d.logger.Info("escalation triggered",
		zap.String("notification_id", n.ID),
		zap.String("user_id", r.UserID),
		zap.String("rule", rule.Name),
		zap.Int("escalation", count))

	var histMu sync.Mutex
	history.Escalated = true

	targets := append([]domain.Recipient{r}, d.extraRecipients(n, rule)...)
	anyFailed := false
	for _, target := range targets {
		for _, ch := range rule.ExtraChannels {
			res := d.attemptChannel(ctx, n, target, ch, history, &histMu)
			if !res.Success {
				anyFailed = true
			}
		}
	}

	if err := d.histories.Upsert(ctx, history); err != nil {
		d.logger.Error("history upsert failed after escalation",
			zap.String("notification_id", n.ID), zap.Error(err))
	}
	d.auditDelivery(ctx, n, r.UserID, domain.AuditEscalationTriggered, map[string]string{
		"rule":       rule.Name,
		"escalation": strconv.Itoa(count),
	})

	if anyFailed && count < rule.MaxEscalations {
		d.scheduleEscalation(n, r, rule, history)
	}
}

func (d *Dispatcher) extraRecipients(n *domain.Notification, rule domain.EscalationRule) []domain.Recipient {
	out := make([]domain.Recipient, 0, len(rule.ExtraRecipientIDs))
	for _, id := range rule.ExtraRecipientIDs {
		if rec, ok := n.Recipient(id); ok {
			out = append(out, rec)
			continue
		}
		out = append(out, domain.Recipient{UserID: id})
	}
	return out
}

// Close cancels pending escalation timers and waits for running jobs.
// Safe to call more than once.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.shutdownCh)
		d.escMu.Lock()
		for key, timer := range d.escTimers {
			if timer.Stop() {
				d.escWG.Done()
			}
			delete(d.escTimers, key)
		}
		d.escMu.Unlock()
		d.escWG.Wait()
	})
}
