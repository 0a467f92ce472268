package domain_test

import (
	"testing"
	"time"

	"github.com/notifyhub/courier/internal/domain"
)

func attempt(ch domain.Channel, status domain.AttemptStatus, dur time.Duration) domain.DeliveryAttempt {
	started := time.Now().UTC()
	completed := started.Add(dur)
	return domain.DeliveryAttempt{
		Channel:     ch,
		Status:      status,
		StartedAt:   started,
		CompletedAt: &completed,
		DurationMs:  dur.Milliseconds(),
	}
}

func TestDeliveryHistory_Record_ContiguousAttemptNumbers(t *testing.T) {
	h := &domain.DeliveryHistory{NotificationID: "n1", UserID: "u1"}

	h.Record(attempt(domain.ChannelEmail, domain.AttemptFailed, 120*time.Millisecond))
	h.Record(attempt(domain.ChannelEmail, domain.AttemptFailed, 80*time.Millisecond))
	h.Record(attempt(domain.ChannelInApp, domain.AttemptDelivered, 15*time.Millisecond))

	for i, a := range h.Attempts {
		if a.AttemptNumber != i+1 {
			t.Fatalf("attempt %d has number %d; numbers must be 1-based and contiguous", i, a.AttemptNumber)
		}
	}
}

func TestDeliveryHistory_SuccessfulChannelsSubsetOfAttempted(t *testing.T) {
	h := &domain.DeliveryHistory{NotificationID: "n1", UserID: "u1"}
	h.Record(attempt(domain.ChannelEmail, domain.AttemptFailed, time.Millisecond))
	h.Record(attempt(domain.ChannelInApp, domain.AttemptDelivered, time.Millisecond))

	attempted := make(map[domain.Channel]bool)
	for _, ch := range h.ChannelsAttempted {
		attempted[ch] = true
	}
	for _, ch := range h.SuccessfulChannels {
		if !attempted[ch] {
			t.Fatalf("successful channel %s was never attempted", ch)
		}
	}
	if h.CurrentStatus != domain.AttemptDelivered {
		t.Fatalf("expected current_status=delivered, got %s", h.CurrentStatus)
	}
	if h.FinalDeliveryAt == nil {
		t.Fatal("expected final_delivery_at to be set after a delivered attempt")
	}
}

func TestDeliveryHistory_Metrics(t *testing.T) {
	h := &domain.DeliveryHistory{NotificationID: "n1", UserID: "u1"}
	fail := attempt(domain.ChannelEmail, domain.AttemptFailed, 100*time.Millisecond)
	fail.ErrorMessage = "connection refused"
	h.Record(fail)
	h.Record(attempt(domain.ChannelEmail, domain.AttemptDelivered, 50*time.Millisecond))

	m := h.Metrics()
	if m.TotalAttempts != 2 || m.SuccessfulDeliveries != 1 || m.FailedAttempts != 1 {
		t.Fatalf("unexpected counts: %+v", m)
	}
	if m.MinDurationMs != 50 || m.MaxDurationMs != 100 {
		t.Fatalf("unexpected min/max duration: %+v", m)
	}
	if got := m.ChannelSuccessRates[domain.ChannelEmail]; got != 0.5 {
		t.Fatalf("expected email success rate 0.5, got %f", got)
	}
	if len(m.RecentErrors) != 1 || m.RecentErrors[0] != "connection refused" {
		t.Fatalf("expected recent error sample, got %v", m.RecentErrors)
	}
}

func TestErrorKind_Classification(t *testing.T) {
	retryable := []domain.ErrorKind{
		domain.KindRateLimited, domain.KindOperationTimeout, domain.KindConnection,
		domain.KindProviderTransient, domain.KindUnexpected,
	}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Fatalf("%s should be retryable", k)
		}
	}
	terminal := []domain.ErrorKind{
		domain.KindValidation, domain.KindAuthentication, domain.KindAuthorization,
		domain.KindNotFound, domain.KindProviderPermanent, domain.KindCircuitOpen,
	}
	for _, k := range terminal {
		if k.Retryable() {
			t.Fatalf("%s should not be retryable", k)
		}
	}
	if domain.KindAuthentication.Severity() != domain.SeverityCritical {
		t.Fatal("authentication failures are critical")
	}
	if domain.KindValidation.Severity() != domain.SeverityLow {
		t.Fatal("validation failures are low severity")
	}
}
