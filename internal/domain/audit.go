package domain

import "time"

// AuditEventType enumerates the notable actions recorded in the audit log.
type AuditEventType string

const (
	AuditNotificationCreated AuditEventType = "notification_created"
	AuditNotificationSent    AuditEventType = "notification_sent"
	AuditNotificationFailed  AuditEventType = "notification_failed"
	AuditNotificationResent  AuditEventType = "notification_resent"
	AuditPreferencesUpdated  AuditEventType = "preferences_updated"
	AuditEscalationTriggered AuditEventType = "escalation_triggered"
	AuditAuthFailure         AuditEventType = "auth_failure"
	AuditRateLimitHit        AuditEventType = "rate_limit_hit"
	AuditDataAccess          AuditEventType = "data_access"
)

// AuditContext carries request-scoped trace fields for an audit entry.
type AuditContext struct {
	IP            string `json:"ip,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// AuditEntry is an immutable, append-only record of an actor's action.
// EventData is PII-masked before the entry is persisted.
type AuditEntry struct {
	ID             string            `json:"audit_id"`
	NotificationID string            `json:"notification_id,omitempty"`
	UserID         string            `json:"user_id"`
	EventType      AuditEventType    `json:"event_type"`
	ActorID        string            `json:"actor_id"`
	EventData      map[string]string `json:"event_data,omitempty"`
	Context        AuditContext      `json:"context"`
	Timestamp      time.Time         `json:"timestamp"`
	Source         string            `json:"source,omitempty"`
}

// SecurityEvent is emitted by the detector when audit history for a user
// matches a suspicious pattern.
type SecurityEvent struct {
	ID          string         `json:"id"`
	UserID      string         `json:"user_id"`
	Pattern     string         `json:"pattern"`
	Severity    Severity       `json:"severity"`
	EventType   AuditEventType `json:"event_type"`
	Count       int            `json:"count"`
	WindowStart time.Time      `json:"window_start"`
	WindowEnd   time.Time      `json:"window_end"`
	DetectedAt  time.Time      `json:"detected_at"`
}
