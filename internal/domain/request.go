package domain

import "time"

// SendNotificationRequest is the producer-facing payload for enqueueing a
// notification. Used by in-process producers and the query-route collaborator.
type SendNotificationRequest struct {
	Type          NotificationType  `json:"type"`
	Priority      Priority          `json:"priority"`
	Title         string            `json:"title"`
	Content       Content           `json:"content"`
	Recipients    []Recipient       `json:"recipients"`
	Channels      []Channel         `json:"channels"`
	ScheduledAt   *time.Time        `json:"scheduled_at,omitempty"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	SourceService string            `json:"source_service,omitempty"`
	Context       map[string]string `json:"context,omitempty"`
	ActorUserID   string            `json:"actor_user_id,omitempty"`
}

const MaxRecipients = 100

// Validate enforces the creation-time rules: known enums, non-empty title
// and body, 1..100 unique recipients, at least one valid channel.
func (r *SendNotificationRequest) Validate() error {
	if !r.Type.IsValid() {
		return ErrInvalidType
	}
	if !r.Priority.IsValid() {
		return ErrInvalidPriority
	}
	if r.Title == "" {
		return ErrInvalidTitle
	}
	if r.Content.Body == "" {
		return ErrInvalidBody
	}
	if len(r.Recipients) == 0 {
		return ErrNoRecipients
	}
	if len(r.Recipients) > MaxRecipients {
		return ErrTooManyRecipients
	}
	seen := make(map[string]struct{}, len(r.Recipients))
	for _, rec := range r.Recipients {
		if rec.UserID == "" {
			return ErrNoRecipients
		}
		if _, dup := seen[rec.UserID]; dup {
			return ErrDuplicateUser
		}
		seen[rec.UserID] = struct{}{}
	}
	if len(r.Channels) == 0 {
		return ErrNoChannels
	}
	for _, ch := range r.Channels {
		if !ch.IsValid() {
			return ErrInvalidChannel
		}
	}
	return nil
}

// Receipt is returned to the producer once the notification is accepted.
type Receipt struct {
	NotificationID        string     `json:"notification_id"`
	Status                Status     `json:"status"`
	CreatedAt             time.Time  `json:"created_at"`
	ScheduledAt           *time.Time `json:"scheduled_at,omitempty"`
	Channels              []Channel  `json:"channels"`
	RecipientCount        int        `json:"recipient_count"`
	EstimatedDeliveryTime string     `json:"estimated_delivery_time"`
}

// EstimateDeliveryTime maps priority and scheduling onto the coarse delivery
// expectation exposed to producers.
func EstimateDeliveryTime(p Priority, scheduledAt *time.Time, now time.Time) string {
	if scheduledAt != nil && scheduledAt.After(now) {
		return "scheduled"
	}
	switch p {
	case PriorityCritical:
		return "immediate"
	case PriorityUrgent:
		return "within 30 seconds"
	case PriorityHigh:
		return "within 1 minute"
	default:
		return "within 5 minutes"
	}
}
