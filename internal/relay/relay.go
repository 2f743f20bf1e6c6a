// Package relay holds the domain types of the webhook gateway: the envelope
// republished for every inbound event, the stable identity derived for it, and
// the Publisher contract every queue backend implements.
package relay

import "context"

const (
	// AttrEvent carries the envelope event type on published messages.
	AttrEvent = "event"
	// AttrMessageID carries the derived envelope identity on published messages.
	AttrMessageID = "message_id"
)

// Message is the unit handed to a queue backend.
type Message struct {
	// Data is the serialized Envelope.
	Data []byte
	// DedupKey is passed to queues that support publisher-side deduplication.
	// Empty disables queue-level deduplication.
	DedupKey string
	// Attributes are transport metadata (event type, message id).
	Attributes map[string]string
}

// Publisher defines the interface for publishing messages to a topic.
type Publisher interface {
	// Publish hands msg to the queue for topic and returns the identifier the
	// queue assigned to it. Implementations that do not wait for the queue
	// return an empty identifier.
	Publish(ctx context.Context, topic string, msg Message) (string, error)
}

// Broker is a Publisher backed by a long-lived queue connection.
type Broker interface {
	Publisher

	// Close releases the underlying connection.
	Close() error
}
