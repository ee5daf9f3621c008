// Package broker moves committed room events between API instances so a
// client connected to one instance still sees transitions applied on
// another. Delivery is best-effort fan-out; durable facts travel through
// the notification store, not the broker.
package broker

import "context"

// Envelope wraps a serialized room event with its per-room ordering ID.
type Envelope struct {
	// ID is unique and monotonically increasing within a room.
	ID string `json:"id"`
	// Data is the JSON-serialized event.
	Data []byte `json:"data"`
}

// Handler consumes one envelope. Returning an error stops the subscription.
type Handler func(ctx context.Context, env Envelope) error

// Broker publishes and subscribes room events keyed by dispute ID.
type Broker interface {
	// Publish appends the event to the room's stream and returns its ID.
	Publish(ctx context.Context, room string, data []byte) (string, error)

	// Subscribe delivers envelopes for the room, in order, until ctx is
	// cancelled or the handler errors. If lastID is non-empty, delivery
	// resumes from the envelope after it.
	Subscribe(ctx context.Context, room string, lastID string, h Handler) error

	// Cleanup drops all stored envelopes for a room once its dispute is
	// terminal.
	Cleanup(ctx context.Context, room string) error
}
