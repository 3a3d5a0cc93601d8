package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/nerrad567/bioreactor-core/internal/infrastructure/config"
)

// Presence is the retained topic announcing this unit's liveness to the
// cluster. Lost becomes the broker-held will; Offline is written on a clean
// Close. An empty Topic disables both.
type Presence struct {
	Topic   string
	Lost    []byte
	Offline []byte
}

// Logger receives transport warnings. *slog.Logger and *logging.Logger
// both satisfy it.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// MessageHandler receives one delivery. A returned error is logged only.
type MessageHandler func(topic string, payload []byte) error

// route is a broker subscription the client re-establishes after every
// reconnect.
type route struct {
	qos     byte
	handler MessageHandler
}

// Client is a paho connection that keeps its own subscription table, so a
// clean-session reconnect restores every route before the connect callback
// fires. All methods are safe for concurrent use.
type Client struct {
	paho     pahomqtt.Client
	qos      byte
	presence Presence
	up       atomic.Bool

	mu     sync.Mutex
	routes map[string]route
	onUp   func()
	onDown func(error)
	log    Logger
}

// Connect dials the broker described by cfg and blocks until the first
// CONNACK or defaultConnectTimeout. A refused CONNACK wraps
// ErrNotAuthorized.
func Connect(cfg config.MQTTConfig, presence Presence) (*Client, error) {
	c := &Client{
		qos:      byte(cfg.QoS),
		presence: presence,
		routes:   make(map[string]route),
	}

	opts := buildClientOptions(cfg)
	configureLWT(opts, presence)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.connected() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.lost(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.warn("MQTT reconnecting", "client_id", opts.ClientID)
	})

	c.paho = pahomqtt.NewClient(opts)
	tok := c.paho.Connect()
	if !tok.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: no CONNACK within %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		if errors.Is(err, packets.ErrorRefusedNotAuthorised) || errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) {
			return nil, fmt.Errorf("%w: %w: %w", ErrConnectionFailed, ErrNotAuthorized, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The on-connect handler runs on paho's goroutine and may lag.
	c.up.Store(true)
	return c, nil
}

func (c *Client) connected() {
	c.up.Store(true)
	c.resubscribe()

	c.mu.Lock()
	cb := c.onUp
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *Client) lost(err error) {
	c.up.Store(false)

	c.mu.Lock()
	cb := c.onDown
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// resubscribe replays the route table so retained values arrive ahead of
// anything published from the connect callback.
func (c *Client) resubscribe() {
	c.mu.Lock()
	table := make(map[string]route, len(c.routes))
	for topic, r := range c.routes {
		table[topic] = r
	}
	c.mu.Unlock()

	for topic, r := range table {
		tok := c.paho.Subscribe(topic, r.qos, c.dispatch(r.handler))
		if !tok.WaitTimeout(defaultPublishTimeout) || tok.Error() != nil {
			c.warn("MQTT resubscribe failed", "topic", topic, "error", tok.Error())
		}
	}
}

// Close writes the Offline presence, disconnects and marks the client down.
// It is a no-op on a client that never connected.
func (c *Client) Close() error {
	if c.paho == nil {
		return nil
	}
	if c.IsConnected() && c.presence.Topic != "" && len(c.presence.Offline) > 0 {
		c.paho.Publish(c.presence.Topic, c.qos, true, c.presence.Offline).WaitTimeout(defaultPublishTimeout)
	}
	c.paho.Disconnect(defaultDisconnectQuiesce)
	c.up.Store(false)
	return nil
}

// HealthCheck returns ErrNotConnected while the broker link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports whether both the client and paho consider the link up.
func (c *Client) IsConnected() bool {
	return c.paho != nil && c.up.Load() && c.paho.IsConnected()
}

// SetOnConnect registers cb for every successful (re)connect.
func (c *Client) SetOnConnect(cb func()) {
	c.mu.Lock()
	c.onUp = cb
	c.mu.Unlock()
}

// SetOnDisconnect registers cb for every lost connection.
func (c *Client) SetOnDisconnect(cb func(error)) {
	c.mu.Lock()
	c.onDown = cb
	c.mu.Unlock()
}

func (c *Client) SetLogger(l Logger) {
	c.mu.Lock()
	c.log = l
	c.mu.Unlock()
}

func (c *Client) logger() Logger {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log
}

func (c *Client) warn(msg string, args ...any) {
	if l := c.logger(); l != nil {
		l.Warn(msg, args...)
	}
}

// dispatch adapts a MessageHandler to paho, logging handler errors and
// recovering panics so one bad job cannot kill the router goroutine.
func (c *Client) dispatch(h MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if l := c.logger(); l != nil {
					l.Error("MQTT handler panicked", "topic", msg.Topic(), "panic", r)
				}
			}
		}()
		if err := h(msg.Topic(), msg.Payload()); err != nil {
			c.warn("MQTT handler failed", "topic", msg.Topic(), "error", err)
		}
	}
}
