package model

// Message types sent to subscribers.
const (
	MessageConnectionAck  = "connection_ack"
	MessageLocationUpdate = "location_update"
)

// AckText is the human-readable greeting in the handshake acknowledgment.
const AckText = "Admin connected to live feed"

// Message is the envelope for everything written to a subscriber connection.
type Message struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Data    *Event `json:"data,omitempty"`
}

// NewAck builds the handshake acknowledgment for a newly registered subscriber.
func NewAck(connID string) Message {
	return Message{Type: MessageConnectionAck, ID: connID, Message: AckText}
}

// NewLocationUpdate wraps an event for broadcast.
func NewLocationUpdate(e *Event) Message {
	return Message{Type: MessageLocationUpdate, Data: e}
}
