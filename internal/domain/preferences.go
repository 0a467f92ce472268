package domain

import "time"

// ChannelPreference configures one channel for a user. Priority 1 is ordered
// first; 10 last. A zero Priority means "no explicit preference".
type ChannelPreference struct {
	Channel          Channel           `json:"channel"`
	Enabled          bool              `json:"enabled"`
	Priority         int               `json:"priority,omitempty"`
	RateLimitPerHour int               `json:"rate_limit_per_hour,omitempty"`
	Settings         map[string]string `json:"settings,omitempty"`
	FallbackChannels []Channel         `json:"fallback_channels,omitempty"`
}

// TypePreference filters notifications of one type for a user.
type TypePreference struct {
	Type              NotificationType `json:"type"`
	Enabled           bool             `json:"enabled"`
	Channels          []Channel        `json:"channels,omitempty"`
	PriorityThreshold Priority         `json:"priority_threshold,omitempty"`
	EscalationEnabled bool             `json:"escalation_enabled"`
}

// QuietHours suppresses delivery during a wall-clock window in the user's
// timezone. Start > end wraps past midnight (22:00 → 07:00).
type QuietHours struct {
	Enabled           bool               `json:"enabled"`
	StartTime         string             `json:"start_time"` // "HH:MM"
	EndTime           string             `json:"end_time"`   // "HH:MM"
	Timezone          string             `json:"timezone"`
	EmergencyOverride bool               `json:"emergency_override"`
	ExemptTypes       []NotificationType `json:"exempt_types,omitempty"`
}

// EscalationRule re-delivers a notification to extra targets after a delay
// when initial delivery does not meet its criteria.
type EscalationRule struct {
	Name              string             `json:"name"`
	DelayMinutes      int                `json:"delay_minutes"`   // 1..1440
	MaxEscalations    int                `json:"max_escalations"` // 1..10
	ExtraChannels     []Channel          `json:"extra_channels,omitempty"`
	ExtraRecipientIDs []string           `json:"extra_recipient_ids,omitempty"` // ≤20
	TriggerTypes      []NotificationType `json:"trigger_types,omitempty"`
	MinimumPriority   Priority           `json:"minimum_priority,omitempty"`
}

// DigestFrequency enumerates digest batching cadences.
type DigestFrequency string

const (
	DigestHourly DigestFrequency = "hourly"
	DigestDaily  DigestFrequency = "daily"
	DigestWeekly DigestFrequency = "weekly"
)

// Preferences is the per-user notification configuration, one record per user.
type Preferences struct {
	UserID             string              `json:"user_id"`
	GlobalEnabled      bool                `json:"global_enabled"`
	ChannelPreferences []ChannelPreference `json:"channel_preferences,omitempty"`
	TypePreferences    []TypePreference    `json:"type_preferences,omitempty"`
	QuietHours         QuietHours          `json:"quiet_hours"`
	EscalationRules    []EscalationRule    `json:"escalation_rules,omitempty"`
	DefaultChannels    []Channel           `json:"default_channels,omitempty"`
	DigestEnabled      bool                `json:"digest_enabled"`
	DigestFrequency    DigestFrequency     `json:"digest_frequency,omitempty"`
	DigestTime         string              `json:"digest_time,omitempty"`
	DedupWindowMinutes int                 `json:"deduplication_window_minutes,omitempty"`

	LastUpdatedBy string    `json:"last_updated_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// DefaultPreferences is used when a recipient has no stored record:
// everything enabled, email as the only default channel.
func DefaultPreferences(userID string) *Preferences {
	now := time.Now().UTC()
	return &Preferences{
		UserID:          userID,
		GlobalEnabled:   true,
		DefaultChannels: []Channel{ChannelEmail},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// ChannelPref returns the preference entry for a channel, if configured.
func (p *Preferences) ChannelPref(ch Channel) (ChannelPreference, bool) {
	for _, cp := range p.ChannelPreferences {
		if cp.Channel == ch {
			return cp, true
		}
	}
	return ChannelPreference{}, false
}

// TypePref returns the preference entry for a notification type, if configured.
func (p *Preferences) TypePref(t NotificationType) (TypePreference, bool) {
	for _, tp := range p.TypePreferences {
		if tp.Type == t {
			return tp, true
		}
	}
	return TypePreference{}, false
}

// Validate enforces the structural constraints on a preferences record.
func (p *Preferences) Validate() error {
	if p.UserID == "" {
		return ErrNoRecipients
	}
	seenCh := make(map[Channel]struct{})
	for _, cp := range p.ChannelPreferences {
		if !cp.Channel.IsValid() {
			return ErrInvalidChannel
		}
		if _, dup := seenCh[cp.Channel]; dup {
			return ErrConflictingPreference
		}
		seenCh[cp.Channel] = struct{}{}
		if cp.Priority < 0 || cp.Priority > 10 {
			return ErrInvalidPreference
		}
	}
	seenTy := make(map[NotificationType]struct{})
	for _, tp := range p.TypePreferences {
		if !tp.Type.IsValid() {
			return ErrInvalidType
		}
		if _, dup := seenTy[tp.Type]; dup {
			return ErrConflictingPreference
		}
		seenTy[tp.Type] = struct{}{}
	}
	for _, r := range p.EscalationRules {
		if r.DelayMinutes < 1 || r.DelayMinutes > 1440 {
			return ErrInvalidPreference
		}
		if r.MaxEscalations < 1 || r.MaxEscalations > 10 {
			return ErrInvalidPreference
		}
		if len(r.ExtraRecipientIDs) > 20 {
			return ErrInvalidPreference
		}
	}
	if p.DedupWindowMinutes < 0 || p.DedupWindowMinutes > 1440 {
		return ErrInvalidPreference
	}
	return nil
}
