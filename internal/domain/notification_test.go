package domain_test

import (
	"testing"
	"time"

	"github.com/notifyhub/courier/internal/domain"
)

func validRequest() domain.SendNotificationRequest {
	return domain.SendNotificationRequest{
		Type:     domain.TypeSystemAlert,
		Priority: domain.PriorityHigh,
		Title:    "Disk usage above threshold",
		Content:  domain.Content{Subject: "Disk usage", Body: "Volume /data is at 92%"},
		Recipients: []domain.Recipient{
			{UserID: "u1", Email: "u1@example.com"},
		},
		Channels: []domain.Channel{domain.ChannelEmail},
	}
}

func TestSendNotificationRequest_Validate(t *testing.T) {
	t.Run("valid request passes", func(t *testing.T) {
		r := validRequest()
		if err := r.Validate(); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	})

	t.Run("invalid type", func(t *testing.T) {
		r := validRequest()
		r.Type = "newsletter"
		if err := r.Validate(); err != domain.ErrInvalidType {
			t.Fatalf("expected ErrInvalidType, got %v", err)
		}
	})

	t.Run("invalid priority", func(t *testing.T) {
		r := validRequest()
		r.Priority = "normal"
		if err := r.Validate(); err != domain.ErrInvalidPriority {
			t.Fatalf("expected ErrInvalidPriority, got %v", err)
		}
	})

	t.Run("empty title", func(t *testing.T) {
		r := validRequest()
		r.Title = ""
		if err := r.Validate(); err != domain.ErrInvalidTitle {
			t.Fatalf("expected ErrInvalidTitle, got %v", err)
		}
	})

	t.Run("empty body", func(t *testing.T) {
		r := validRequest()
		r.Content.Body = ""
		if err := r.Validate(); err != domain.ErrInvalidBody {
			t.Fatalf("expected ErrInvalidBody, got %v", err)
		}
	})

	t.Run("empty recipients rejected", func(t *testing.T) {
		r := validRequest()
		r.Recipients = nil
		if err := r.Validate(); err != domain.ErrNoRecipients {
			t.Fatalf("expected ErrNoRecipients, got %v", err)
		}
	})

	t.Run("more than 100 recipients rejected", func(t *testing.T) {
		r := validRequest()
		r.Recipients = nil
		for i := 0; i < 101; i++ {
			r.Recipients = append(r.Recipients, domain.Recipient{UserID: string(rune('a' + i%26)) + string(rune('0'+i/26))})
		}
		if err := r.Validate(); err != domain.ErrTooManyRecipients {
			t.Fatalf("expected ErrTooManyRecipients, got %v", err)
		}
	})

	t.Run("duplicate user ids rejected", func(t *testing.T) {
		r := validRequest()
		r.Recipients = append(r.Recipients, domain.Recipient{UserID: "u1"})
		if err := r.Validate(); err != domain.ErrDuplicateUser {
			t.Fatalf("expected ErrDuplicateUser, got %v", err)
		}
	})

	t.Run("no channels rejected", func(t *testing.T) {
		r := validRequest()
		r.Channels = nil
		if err := r.Validate(); err != domain.ErrNoChannels {
			t.Fatalf("expected ErrNoChannels, got %v", err)
		}
	})

	t.Run("unknown channel rejected", func(t *testing.T) {
		r := validRequest()
		r.Channels = []domain.Channel{"fax"}
		if err := r.Validate(); err != domain.ErrInvalidChannel {
			t.Fatalf("expected ErrInvalidChannel, got %v", err)
		}
	})
}

func TestDedupChannels(t *testing.T) {
	got := domain.DedupChannels([]domain.Channel{
		domain.ChannelEmail, domain.ChannelInApp, domain.ChannelEmail, domain.ChannelLogging, domain.ChannelInApp,
	})
	want := []domain.Channel{domain.ChannelEmail, domain.ChannelInApp, domain.ChannelLogging}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: expected %s, got %s (first occurrence order must be preserved)", i, want[i], got[i])
		}
	}
}

func TestPriority_Rank_Ordering(t *testing.T) {
	ordered := []domain.Priority{
		domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh,
		domain.PriorityUrgent, domain.PriorityCritical,
	}
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Rank() <= ordered[i-1].Rank() {
			t.Fatalf("%s should rank above %s", ordered[i], ordered[i-1])
		}
	}
}

func TestEstimateDeliveryTime(t *testing.T) {
	now := time.Now().UTC()
	future := now.Add(time.Hour)

	tests := []struct {
		name      string
		priority  domain.Priority
		scheduled *time.Time
		want      string
	}{
		{"critical is immediate", domain.PriorityCritical, nil, "immediate"},
		{"urgent within 30 seconds", domain.PriorityUrgent, nil, "within 30 seconds"},
		{"high within 1 minute", domain.PriorityHigh, nil, "within 1 minute"},
		{"medium within 5 minutes", domain.PriorityMedium, nil, "within 5 minutes"},
		{"future schedule wins", domain.PriorityCritical, &future, "scheduled"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := domain.EstimateDeliveryTime(tc.priority, tc.scheduled, now); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
