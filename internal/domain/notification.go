package domain

import "time"

// Channel is the delivery medium for a notification.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelInApp   Channel = "in_app"
	ChannelWebhook Channel = "webhook"
	ChannelLogging Channel = "logging"
)

func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelInApp, ChannelWebhook, ChannelLogging:
		return true
	}
	return false
}

// NotificationType categorizes what a notification is about. Per-type user
// preferences (allow-lists, thresholds, escalation) key on this value.
type NotificationType string

const (
	TypeSystemAlert    NotificationType = "system_alert"
	TypeTestExecution  NotificationType = "test_execution"
	TypeQualityMetrics NotificationType = "quality_metrics"
	TypeUserManagement NotificationType = "user_management"
	TypeIntegration    NotificationType = "integration"
)

func (t NotificationType) IsValid() bool {
	switch t {
	case TypeSystemAlert, TypeTestExecution, TypeQualityMetrics, TypeUserManagement, TypeIntegration:
		return true
	}
	return false
}

// Priority controls batch ordering. Critical is fetched first.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityUrgent   Priority = "urgent"
	PriorityCritical Priority = "critical"
)

func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent, PriorityCritical:
		return true
	}
	return false
}

// Rank maps priorities onto an ordered scale: low < medium < high < urgent < critical.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	case PriorityCritical:
		return 4
	}
	return -1
}

// Status tracks the lifecycle of a notification.
// Legal transitions: pending → processing → sent → delivered | failed | cancelled,
// with processing → pending allowed for retry re-queues.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// Recipient identifies one target user of a notification.
type Recipient struct {
	UserID            string    `json:"user_id"`
	Email             string    `json:"email,omitempty"`
	PreferredChannels []Channel `json:"preferred_channels,omitempty"`
	Roles             []string  `json:"roles,omitempty"`
}

// Content holds subject and body text plus optional rich/templated content.
type Content struct {
	Subject      string            `json:"subject"`
	Body         string            `json:"body"`
	HTMLBody     string            `json:"html_body,omitempty"`
	TemplateID   string            `json:"template_id,omitempty"`
	TemplateVars map[string]string `json:"template_vars,omitempty"`
}

// RetryMetadata is owned by the notification record; the dispatcher updates
// it as attempts are consumed.
type RetryMetadata struct {
	MaxRetries        int        `json:"max_retries"`
	CurrentAttempt    int        `json:"current_attempt"`
	NextRetryAt       *time.Time `json:"next_retry_at,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	BackoffMultiplier float64    `json:"backoff_multiplier"`
}

// Notification is the core domain entity: immutable descriptive fields plus
// a mutable status envelope.
type Notification struct {
	ID             string            `json:"notification_id"`
	Type           NotificationType  `json:"type"`
	Priority       Priority          `json:"priority"`
	Title          string            `json:"title"`
	Content        Content           `json:"content"`
	Recipients     []Recipient       `json:"recipients"`
	Channels       []Channel         `json:"channels"`
	ScheduledAt    *time.Time        `json:"scheduled_at,omitempty"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	SourceService  string            `json:"source_service,omitempty"`
	CreatedBy      string            `json:"created_by,omitempty"`
	Context        map[string]string `json:"context,omitempty"`
	IdempotencyKey *string           `json:"idempotency_key,omitempty"`

	Status       Status        `json:"status"`
	Retry        RetryMetadata `json:"retry_metadata"`
	SentAt       *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt  *time.Time    `json:"delivered_at,omitempty"`
	FailedAt     *time.Time    `json:"failed_at,omitempty"`
	ErrorDetails string        `json:"error_details,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the notification's expiry has passed at the given instant.
func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && n.ExpiresAt.Before(now)
}

// DueAt reports whether the notification is eligible for delivery at the
// given instant (no schedule, or schedule has passed).
func (n *Notification) DueAt(now time.Time) bool {
	return n.ScheduledAt == nil || !n.ScheduledAt.After(now)
}

// Recipient returns the recipient entry for a user id, if present.
func (n *Notification) Recipient(userID string) (Recipient, bool) {
	for _, r := range n.Recipients {
		if r.UserID == userID {
			return r, true
		}
	}
	return Recipient{}, false
}

// DedupChannels collapses duplicate channels preserving first occurrence.
func DedupChannels(channels []Channel) []Channel {
	seen := make(map[Channel]struct{}, len(channels))
	out := make([]Channel, 0, len(channels))
	for _, ch := range channels {
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}
