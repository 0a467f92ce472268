// Package adapter defines the channel adapter contract and the concrete
// email, in-app, webhook, and logging adapters. Adapters report outcomes as
// structured DeliveryResults; only truly unexpected errors surface as Go
// errors from the lifecycle methods.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/notifyhub/courier/internal/domain"
)

// Capabilities discloses what an adapter can deliver and its size limits.
// Adapters validate each context against these before any network I/O.
type Capabilities struct {
	RichContent      bool `json:"rich_content"`
	Attachments      bool `json:"attachments"`
	Templates        bool `json:"templates"`
	Scheduling       bool `json:"scheduling"`
	Batching         bool `json:"batching"`
	Personalization  bool `json:"personalization"`
	DeliveryTracking bool `json:"delivery_tracking"`
	ReadReceipts     bool `json:"read_receipts"`

	MaxContentLength   int      `json:"max_content_length"`
	MaxSubjectLength   int      `json:"max_subject_length"`
	MaxAttachmentBytes int64    `json:"max_attachment_bytes"`
	AllowedMIMETypes   []string `json:"allowed_mime_types,omitempty"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute,omitempty"`
}

// UserContext carries the recipient-level fields an adapter may personalize with.
type UserContext struct {
	Username string
	Email    string
	FullName string
}

// DeliveryContext is everything one Send call needs.
type DeliveryContext struct {
	NotificationID   string
	UserID           string
	CorrelationID    string
	User             UserContext
	Notification     *domain.Notification
	PreferredChannel domain.Channel
	DeliveryPriority domain.Priority
	ScheduledAt      *time.Time
	Deadline         *time.Time
	AttemptNumber    int
	PreviousErrors   []string
}

// ResultStatus is the coarse outcome of one Send call.
type ResultStatus string

const (
	ResultSuccess       ResultStatus = "success"
	ResultFailed        ResultStatus = "failed"
	ResultTimeout       ResultStatus = "timeout"
	ResultCancelled     ResultStatus = "cancelled"
	ResultRetryRequired ResultStatus = "retry_required"
)

// DeliveryResult is the structured outcome of one adapter invocation.
type DeliveryResult struct {
	Status           ResultStatus      `json:"status"`
	Success          bool              `json:"success"`
	AttemptTimestamp time.Time         `json:"attempt_timestamp"`
	ProcessingTimeMs int64             `json:"processing_time_ms"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	ErrorCode        string            `json:"error_code,omitempty"`
	ErrorKind        domain.ErrorKind  `json:"error_kind,omitempty"`
	ErrorDetails     map[string]string `json:"error_details,omitempty"`
	ExternalID       string            `json:"external_id,omitempty"`
	ResponseData     map[string]string `json:"response_data,omitempty"`
	AttemptNumber    int               `json:"attempt_number"`
	MaxAttempts      int               `json:"max_attempts"`
	ShouldRetry      bool              `json:"should_retry"`
	NextRetryAt      *time.Time        `json:"next_retry_at,omitempty"`
}

// Adapter is the uniform contract every delivery channel implements.
// Shutdown must be idempotent; Initialize is called once before first use.
type Adapter interface {
	ChannelType() domain.Channel
	Capabilities() Capabilities
	Initialize(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Send(ctx context.Context, dctx *DeliveryContext) *DeliveryResult
	Shutdown(ctx context.Context) error
}

// Succeeded builds a success result.
func Succeeded(externalID string, started time.Time) *DeliveryResult {
	return &DeliveryResult{
		Status:           ResultSuccess,
		Success:          true,
		AttemptTimestamp: started,
		ProcessingTimeMs: time.Since(started).Milliseconds(),
		ExternalID:       externalID,
	}
}

// Failed builds a failure result; ShouldRetry reflects the kind's default
// retryability (the executor makes the final call against the policy).
func Failed(kind domain.ErrorKind, code, msg string, started time.Time) *DeliveryResult {
	status := ResultFailed
	if kind == domain.KindOperationTimeout {
		status = ResultTimeout
	}
	return &DeliveryResult{
		Status:           status,
		AttemptTimestamp: started,
		ProcessingTimeMs: time.Since(started).Milliseconds(),
		ErrorMessage:     msg,
		ErrorCode:        code,
		ErrorKind:        kind,
		ShouldRetry:      kind.Retryable(),
	}
}

// ValidateContext checks a delivery context against the adapter's
// capabilities. A non-nil result is a VALIDATION_ERROR failure that must not
// consume a retry-worthy attempt.
func ValidateContext(caps Capabilities, dctx *DeliveryContext, contact string) *DeliveryResult {
	started := time.Now().UTC()
	if dctx.Notification == nil {
		return Failed(domain.KindValidation, "VALIDATION_ERROR", "missing notification record", started)
	}
	if contact == "" {
		return Failed(domain.KindValidation, "VALIDATION_ERROR", "recipient contact is empty", started)
	}
	n := dctx.Notification
	if caps.MaxContentLength > 0 && len(n.Content.Body) > caps.MaxContentLength {
		return Failed(domain.KindValidation, "VALIDATION_ERROR",
			fmt.Sprintf("content length %d exceeds limit %d", len(n.Content.Body), caps.MaxContentLength), started)
	}
	if caps.MaxSubjectLength > 0 && len(n.Content.Subject) > caps.MaxSubjectLength {
		return Failed(domain.KindValidation, "VALIDATION_ERROR",
			fmt.Sprintf("subject length %d exceeds limit %d", len(n.Content.Subject), caps.MaxSubjectLength), started)
	}
	return nil
}
