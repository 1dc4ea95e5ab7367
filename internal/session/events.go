package session

import "time"

// Server-to-client event types.
const (
	EventTypeMessage      = "message"
	EventTypeMessageAck   = "message_ack"
	EventTypeJoined       = "joined"
	EventTypeLeft         = "left"
	EventTypeAnnouncement = "announcement"
	EventTypeKicked       = "kicked"
	EventTypeError        = "error"
	EventTypeAuthOK       = "auth_ok"
	EventTypeAuthError    = "auth_error"
	EventTypeSessionList  = "session_list"
	EventTypePong         = "pong"
)

// Event is the payload written to WebSocket clients and, for cross-instance
// announcements, published over Redis.
type Event struct {
	Type      string                 `json:"type"`
	From      string                 `json:"from,omitempty"`
	FromRole  Role                   `json:"from_role,omitempty"`
	To        string                 `json:"to,omitempty"`
	Text      string                 `json:"text,omitempty"`
	Kind      string                 `json:"kind,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Token     string                 `json:"token,omitempty"`
	Sessions  []Info                 `json:"sessions,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Info is the wire-safe snapshot of a live session.
type Info struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Role        Role      `json:"role"`
	DeviceClass string    `json:"device_class,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
}
