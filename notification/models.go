package notification

import "time"

// Type classifies what a notification is about.
type Type string

const (
	TypeDispute    Type = "dispute"
	TypeMessage    Type = "message"
	TypeAI         Type = "ai"
	TypeResolution Type = "resolution"
	TypeAdmin      Type = "admin"
	TypeSystem     Type = "system"
)

// Priority orders notifications for presentation. The engine itself only
// stores it.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Notification is a durable per-recipient fact. Only its recipient may
// mutate or dismiss it.
type Notification struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipient_id"`
	Type        Type      `json:"type"`
	Priority    Priority  `json:"priority"`
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	DisputeID   *string   `json:"dispute_id,omitempty"`
	IsRead      bool      `json:"is_read"`
	CreatedAt   time.Time `json:"created_at"`
}
