package hub

import "encoding/json"

// Message is the unit pushed to connected clients.
type Message struct {
	Type string          `json:"type"`
	Room string          `json:"room,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Conn is one live client connection. Implementations must make Send
// non-blocking: a slow consumer gets messages dropped, never a stalled
// broadcaster.
type Conn interface {
	ID() string
	UserID() string
	// Send queues the message for delivery. Returns false if the
	// connection is closed or its buffer is full.
	Send(msg Message) bool
	Close()
}
