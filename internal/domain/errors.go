package domain

import "errors"

// Sentinel errors used throughout the application.
// The ops handlers translate these to HTTP status codes via a single mapError function.
var (
	ErrNotFound              = errors.New("not found")
	ErrForbidden             = errors.New("forbidden: record belongs to another user")
	ErrConflict              = errors.New("conflict: idempotency key already exists")
	ErrInvalidType           = errors.New("invalid notification type")
	ErrInvalidPriority       = errors.New("invalid priority: must be low, medium, high, urgent, or critical")
	ErrInvalidChannel        = errors.New("invalid channel: must be email, in_app, webhook, or logging")
	ErrNoChannels            = errors.New("at least one channel is required")
	ErrNoRecipients          = errors.New("at least one recipient is required")
	ErrTooManyRecipients     = errors.New("recipients exceed maximum of 100")
	ErrDuplicateUser         = errors.New("duplicate recipient user_id")
	ErrInvalidTitle          = errors.New("title must not be empty")
	ErrInvalidBody           = errors.New("content body must not be empty")
	ErrAlreadyCancelled      = errors.New("notification is already cancelled")
	ErrNotCancellable        = errors.New("notification cannot be cancelled in its current status")
	ErrNotResendable         = errors.New("only failed notifications can be resent")
	ErrCircuitOpen           = errors.New("circuit breaker is open")
	ErrInvalidPreference     = errors.New("preference value out of range")
	ErrInvalidQuery          = errors.New("invalid query parameter")
	ErrConflictingPreference = errors.New("channel or type configured more than once")
	ErrDaemonNotRunning      = errors.New("daemon is not running")
)

// ErrorKind classifies a delivery failure. The classification drives both
// the retry decision and the logged severity.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindSessionNotFound   ErrorKind = "session_not_found"
	KindAuthentication    ErrorKind = "authentication"
	KindAuthorization     ErrorKind = "authorization"
	KindNotFound          ErrorKind = "not_found"
	KindRateLimited       ErrorKind = "rate_limited"
	KindOperationTimeout  ErrorKind = "operation_timeout"
	KindConnection        ErrorKind = "connection"
	KindProviderTransient ErrorKind = "provider_transient"
	KindProviderPermanent ErrorKind = "provider_permanent"
	KindCircuitOpen       ErrorKind = "circuit_open"
	KindUnexpected        ErrorKind = "unexpected"
)

// Retryable reports whether an attempt that failed with this kind may be
// retried. circuit_open is deferred rather than retried in place, so it
// reports false here; the dispatcher schedules it via next_retry_at instead.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindOperationTimeout, KindConnection, KindProviderTransient, KindUnexpected:
		return true
	}
	return false
}

// Severity buckets the kind for logging and security review.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (k ErrorKind) Severity() Severity {
	switch k {
	case KindValidation, KindSessionNotFound, KindNotFound:
		return SeverityLow
	case KindRateLimited, KindOperationTimeout, KindProviderTransient, KindProviderPermanent:
		return SeverityMedium
	case KindConnection, KindCircuitOpen, KindUnexpected:
		return SeverityHigh
	case KindAuthentication, KindAuthorization:
		return SeverityCritical
	}
	return SeverityMedium
}
