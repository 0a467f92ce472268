package domain

import "time"

// InAppStatus is the read-state of a stored in-app notification row.
type InAppStatus string

const (
	InAppUnread    InAppStatus = "unread"
	InAppRead      InAppStatus = "read"
	InAppDismissed InAppStatus = "dismissed"
)

// InAppAction is a call-to-action rendered with an in-app notification.
type InAppAction struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// InAppNotification is one row in the in-app store, keyed by
// {user_id, created_at}. Display properties are derived from priority at
// insert time so the UI never needs the full notification record.
type InAppNotification struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	NotificationID string        `json:"notification_id"`
	Title          string        `json:"title"`
	Body           string        `json:"body"`
	Preview        string        `json:"preview"`
	HTMLBody       string        `json:"html_body,omitempty"`
	Icon           string        `json:"icon"`
	Color          string        `json:"color"`
	ShowBadge      bool          `json:"show_badge"`
	ShowPopup      bool          `json:"show_popup"`
	Actions        []InAppAction `json:"actions,omitempty"`
	Status         InAppStatus   `json:"status"`
	GroupKey       string        `json:"group_key"`
	IsGrouped      bool          `json:"is_grouped"`
	GroupCount     int           `json:"group_count"`
	ExpiresAt      time.Time     `json:"expires_at"`
	CreatedAt      time.Time     `json:"created_at"`
	ReadAt         *time.Time    `json:"read_at,omitempty"`
}
