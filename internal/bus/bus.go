package bus

import (
	"context"
	"time"
)

// Bus is the publish/subscribe transport shared by every job on a unit.
//
// Implementations must be safe for concurrent use. Delivery to one
// subscription preserves publish order per topic; no ordering is promised
// across topics.
type Bus interface {
	// Publish delivers payload to every current subscriber of topic. When
	// opts.Retained is set the bus remembers payload as the topic's last
	// value; an empty retained payload clears it.
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error

	// Subscribe registers handler for every message whose topic matches
	// pattern. Retained values matching pattern are delivered first.
	Subscribe(ctx context.Context, pattern string, handler Handler, opts SubscribeOptions) (Subscription, error)

	// OnStatus registers fn for connectivity changes and returns a function
	// that removes it. fn must not block.
	OnStatus(fn func(StatusEvent)) (cancel func())

	// IsConnected reports the last known connectivity.
	IsConnected() bool
}

// Subscription is a live registration returned by Subscribe.
type Subscription interface {
	Pattern() string
	Unsubscribe(ctx context.Context) error
}

// Message is one delivered publication.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler consumes delivered messages. Handlers for one subscription are
// invoked sequentially in delivery order.
type Handler func(Message)

// PublishOptions controls delivery of a single publication.
type PublishOptions struct {
	// QoS 1 and 2 publications made while disconnected are queued and sent
	// after reconnect. QoS 0 publications fail with ErrNotConnected.
	QoS      byte
	Retained bool
}

// Credentials identify a bus client.
type Credentials struct {
	Username string
	Password string
}

// SubscribeOptions controls a subscription.
type SubscribeOptions struct {
	QoS byte
	// Credentials, when set, must match the credentials the connection was
	// established with.
	Credentials *Credentials
}

// Status is the connectivity state of a bus connection.
type Status int

// Connectivity states.
const (
	StatusDisconnected Status = iota
	StatusConnected
)

// String returns the string representation of a status.
func (s Status) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// StatusEvent is emitted to status listeners on every connectivity change.
type StatusEvent struct {
	Status Status
	Err    error
	At     time.Time
}
