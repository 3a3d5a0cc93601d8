package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/bioreactor-core/internal/infrastructure/mqtt"
)

// Transport is the part of mqtt.Client used by the MQTT bus.
type Transport interface {
	PublishContext(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
	SetOnConnect(callback func())
	SetOnDisconnect(callback func(err error))
}

// MQTT is a Bus backed by an MQTT broker connection.
//
// Several local subscriptions to the same pattern share one broker
// subscription. Adding a subscriber re-subscribes the pattern so the broker
// replays retained values; existing subscribers of that pattern see the
// replay too, which is harmless under last-write-wins semantics.
type MQTT struct {
	transport Transport
	creds     *Credentials
	logger    Logger

	mu     sync.Mutex
	routes map[string]*route
	nextID uint64

	listeners statusListeners
	now       func() time.Time
}

type route struct {
	qos  byte
	subs map[uint64]*mqttSub
}

type mqttSub struct {
	id      uint64
	pattern string
	box     *mailbox
	bus     *MQTT
}

// MQTTOptions configures an MQTT bus.
type MQTTOptions struct {
	// Credentials the connection was established with. Subscriptions
	// carrying other credentials are refused.
	Credentials *Credentials
	Logger      Logger
}

// NewMQTT wraps a connected transport. It takes over the transport's
// connect and disconnect callbacks.
func NewMQTT(t Transport, opts MQTTOptions) *MQTT {
	b := &MQTT{
		transport: t,
		creds:     opts.Credentials,
		logger:    opts.Logger,
		routes:    make(map[string]*route),
		now:       time.Now,
	}
	if b.logger == nil {
		b.logger = noopLogger{}
	}

	t.SetOnConnect(func() {
		b.listeners.emit(StatusEvent{Status: StatusConnected, At: b.now()})
	})
	t.SetOnDisconnect(func(err error) {
		b.listeners.emit(StatusEvent{Status: StatusDisconnected, Err: err, At: b.now()})
	})

	return b
}

// Publish implements Bus.
func (b *MQTT) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if err := b.transport.PublishContext(ctx, topic, payload, opts.QoS, opts.Retained); err != nil {
		return translate(err)
	}
	return nil
}

// Subscribe implements Bus.
func (b *MQTT) Subscribe(_ context.Context, pattern string, handler Handler, opts SubscribeOptions) (Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, ErrNilHandler
	}
	if opts.Credentials != nil && (b.creds == nil || *opts.Credentials != *b.creds) {
		return nil, fmt.Errorf("%w: credentials do not match connection for %q", ErrUnauthorized, pattern)
	}

	b.mu.Lock()
	r, exists := b.routes[pattern]
	if !exists {
		r = &route{qos: opts.QoS, subs: make(map[uint64]*mqttSub)}
		b.routes[pattern] = r
	}
	if opts.QoS > r.qos {
		r.qos = opts.QoS
	}
	qos := r.qos

	b.nextID++
	sub := &mqttSub{
		id:      b.nextID,
		pattern: pattern,
		bus:     b,
		box: newMailbox(handler, func(topic string, rec any) {
			b.logger.Error("bus handler panic recovered", "topic", topic, "panic", rec)
		}),
	}
	r.subs[sub.id] = sub
	b.mu.Unlock()

	// The lock is released first: the broker may deliver retained values
	// before the SUBACK is processed and dispatch needs the lock. The
	// transport handler only queues, so it never blocks paho's router.
	err := b.transport.Subscribe(pattern, qos, func(topic string, payload []byte) error {
		b.dispatch(pattern, topic, payload)
		return nil
	})
	if err != nil {
		b.mu.Lock()
		delete(r.subs, sub.id)
		if len(r.subs) == 0 && b.routes[pattern] == r {
			delete(b.routes, pattern)
		}
		b.mu.Unlock()
		sub.box.close()
		return nil, translate(err)
	}

	return sub, nil
}

func (b *MQTT) dispatch(pattern, topic string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.routes[pattern]
	if !ok {
		return
	}
	for _, sub := range r.subs {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		sub.box.push(Message{Topic: topic, Payload: buf})
	}
}

// OnStatus implements Bus.
func (b *MQTT) OnStatus(fn func(StatusEvent)) func() {
	return b.listeners.add(fn)
}

// IsConnected implements Bus.
func (b *MQTT) IsConnected() bool {
	return b.transport.IsConnected()
}

func (s *mqttSub) Pattern() string { return s.pattern }

// Unsubscribe removes the subscription; the broker subscription is dropped
// with the last local subscriber of the pattern.
func (s *mqttSub) Unsubscribe(_ context.Context) error {
	b := s.bus
	s.box.close()

	b.mu.Lock()
	r, ok := b.routes[s.pattern]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(r.subs, s.id)
	last := len(r.subs) == 0
	if last {
		delete(b.routes, s.pattern)
	}
	b.mu.Unlock()

	if !last {
		return nil
	}
	if err := b.transport.Unsubscribe(s.pattern); err != nil {
		return translate(err)
	}
	return nil
}

// translate maps transport errors onto bus errors.
func translate(err error) error {
	switch {
	case errors.Is(err, mqtt.ErrNotAuthorized):
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	case errors.Is(err, mqtt.ErrNotConnected):
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	case errors.Is(err, mqtt.ErrInvalidTopic):
		return fmt.Errorf("%w: %w", ErrInvalidTopic, err)
	default:
		return err
	}
}
