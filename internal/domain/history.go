package domain

import "time"

// AttemptStatus is the per-attempt delivery outcome recorded in history.
type AttemptStatus string

const (
	AttemptInitiated  AttemptStatus = "initiated"
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptDelivered  AttemptStatus = "delivered"
	AttemptFailed     AttemptStatus = "failed"
	AttemptRejected   AttemptStatus = "rejected"
	AttemptCancelled  AttemptStatus = "cancelled"
	AttemptTimeout    AttemptStatus = "timeout"
)

// DeliveryAttempt is one adapter invocation for a (notification, user, channel).
// AttemptNumber values within a history record are 1-based and contiguous.
type DeliveryAttempt struct {
	AttemptNumber     int           `json:"attempt_number"`
	Channel           Channel       `json:"channel"`
	Status            AttemptStatus `json:"status"`
	StartedAt         time.Time     `json:"started_at"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	DurationMs        int64         `json:"duration_ms"`
	Provider          string        `json:"provider,omitempty"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	ProviderResponse  string        `json:"provider_response,omitempty"`
	ErrorCode         string        `json:"error_code,omitempty"`
	ErrorMessage      string        `json:"error_message,omitempty"`
	RetryAfterSeconds int           `json:"retry_after_seconds,omitempty"`
	RecipientContact  string        `json:"recipient_contact,omitempty"`
}

// DeliveryHistory owns the attempt log for one {notification_id, user_id}.
type DeliveryHistory struct {
	ID             string            `json:"id"`
	NotificationID string            `json:"notification_id"`
	UserID         string            `json:"user_id"`
	Attempts       []DeliveryAttempt `json:"attempts"`

	CurrentStatus       AttemptStatus `json:"current_status"`
	ChannelsAttempted   []Channel     `json:"channels_attempted"`
	SuccessfulChannels  []Channel     `json:"successful_channels"`
	FirstAttemptAt      *time.Time    `json:"first_attempt_at,omitempty"`
	LastAttemptAt       *time.Time    `json:"last_attempt_at,omitempty"`
	FinalDeliveryAt     *time.Time    `json:"final_delivery_at,omitempty"`
	TotalDeliveryTimeMs int64         `json:"total_delivery_time_ms"`

	Escalated          bool   `json:"escalated"`
	ManualIntervention bool   `json:"manual_intervention"`
	Notes              string `json:"notes,omitempty"`

	// Denormalized from the notification for filtering and display.
	NotificationType NotificationType `json:"notification_type,omitempty"`
	Priority         Priority         `json:"priority,omitempty"`
	Subject          string           `json:"subject,omitempty"`
	Body             string           `json:"body,omitempty"`

	// Engagement tracking for responsiveness analytics.
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
	ClickedAt *time.Time `json:"clicked_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Record appends an attempt, maintaining contiguous numbering and the
// aggregate fields derived from the attempt log.
func (h *DeliveryHistory) Record(a DeliveryAttempt) {
	a.AttemptNumber = len(h.Attempts) + 1
	h.Attempts = append(h.Attempts, a)

	if h.FirstAttemptAt == nil {
		t := a.StartedAt
		h.FirstAttemptAt = &t
	}
	t := a.StartedAt
	h.LastAttemptAt = &t
	h.CurrentStatus = a.Status

	if !containsChannel(h.ChannelsAttempted, a.Channel) {
		h.ChannelsAttempted = append(h.ChannelsAttempted, a.Channel)
	}
	if a.Status == AttemptDelivered {
		if !containsChannel(h.SuccessfulChannels, a.Channel) {
			h.SuccessfulChannels = append(h.SuccessfulChannels, a.Channel)
		}
		if a.CompletedAt != nil {
			h.FinalDeliveryAt = a.CompletedAt
			h.TotalDeliveryTimeMs = a.CompletedAt.Sub(*h.FirstAttemptAt).Milliseconds()
		}
	}
	h.UpdatedAt = time.Now().UTC()
}

// Metrics derived from the attempt log.
type HistoryMetrics struct {
	TotalAttempts        int                 `json:"total_attempts"`
	SuccessfulDeliveries int                 `json:"successful_deliveries"`
	FailedAttempts       int                 `json:"failed_attempts"`
	AvgDurationMs        float64             `json:"avg_duration_ms"`
	MinDurationMs        int64               `json:"min_duration_ms"`
	MaxDurationMs        int64               `json:"max_duration_ms"`
	ChannelSuccessRates  map[Channel]float64 `json:"channel_success_rates"`
	RecentErrors         []string            `json:"recent_errors,omitempty"`
}

// Metrics computes derived per-record statistics.
func (h *DeliveryHistory) Metrics() HistoryMetrics {
	m := HistoryMetrics{
		MinDurationMs:       -1,
		ChannelSuccessRates: make(map[Channel]float64),
	}
	var totalDur int64
	perChannelTotal := make(map[Channel]int)
	perChannelOK := make(map[Channel]int)
	for _, a := range h.Attempts {
		m.TotalAttempts++
		perChannelTotal[a.Channel]++
		switch a.Status {
		case AttemptDelivered:
			m.SuccessfulDeliveries++
			perChannelOK[a.Channel]++
		case AttemptFailed, AttemptRejected, AttemptTimeout:
			m.FailedAttempts++
			if a.ErrorMessage != "" && len(m.RecentErrors) < 5 {
				m.RecentErrors = append(m.RecentErrors, a.ErrorMessage)
			}
		}
		totalDur += a.DurationMs
		if m.MinDurationMs < 0 || a.DurationMs < m.MinDurationMs {
			m.MinDurationMs = a.DurationMs
		}
		if a.DurationMs > m.MaxDurationMs {
			m.MaxDurationMs = a.DurationMs
		}
	}
	if m.TotalAttempts > 0 {
		m.AvgDurationMs = float64(totalDur) / float64(m.TotalAttempts)
	}
	if m.MinDurationMs < 0 {
		m.MinDurationMs = 0
	}
	for ch, total := range perChannelTotal {
		m.ChannelSuccessRates[ch] = float64(perChannelOK[ch]) / float64(total)
	}
	return m
}

func containsChannel(list []Channel, ch Channel) bool {
	for _, c := range list {
		if c == ch {
			return true
		}
	}
	return false
}

// HistoryFilter holds query parameters for paginated history listing.
type HistoryFilter struct {
	Status     *AttemptStatus
	Channel    *Channel
	From       *time.Time
	To         *time.Time
	Priority   *Priority
	Type       *NotificationType
	SearchTerm string

	SortBy   string // created_at | status | channel
	SortDesc bool

	Page     int // 1..1000
	PageSize int // 1..100
}

// Pagination is the metadata block returned with every history page.
type Pagination struct {
	CurrentPage int  `json:"current_page"`
	PageSize    int  `json:"page_size"`
	TotalItems  int  `json:"total_items"`
	TotalPages  int  `json:"total_pages"`
	HasNext     bool `json:"has_next"`
	HasPrevious bool `json:"has_previous"`
}
