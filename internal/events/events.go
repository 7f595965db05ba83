// Package events mirrors ingested location events onto a message bus.
package events

import "context"

// Event topic constants
const (
	TopicLocationUpdate = "beacon.location.update"

	// TopicAll matches every beacon subject.
	TopicAll = "beacon.>"
)

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// Subscriber receives raw event payloads from the bus.
type Subscriber interface {
	// Subscribe delivers payloads on the returned channel until cancel is called.
	Subscribe(topic string) (<-chan []byte, func(), error)
	Close() error
}

// NoopPublisher drops every event. Used when no NATS URL is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, any) error { return nil }

func (NoopPublisher) Close() error { return nil }
