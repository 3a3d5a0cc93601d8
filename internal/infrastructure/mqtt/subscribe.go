package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Subscribe adds a route for topic, which may contain "+" and "#"
// wildcards, and waits for the SUBACK. Routes survive reconnects. A SUBACK
// of 0x80 (ACL denial) wraps ErrNotAuthorized.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case handler == nil:
		return fmt.Errorf("%w: nil handler for %q", ErrSubscribeFailed, topic)
	case !c.IsConnected():
		return ErrNotConnected
	}

	c.mu.Lock()
	c.routes[topic] = route{qos: qos, handler: handler}
	c.mu.Unlock()

	if err := c.awaitSuback(topic, c.paho.Subscribe(topic, qos, c.dispatch(handler))); err != nil {
		c.dropRoute(topic)
		return err
	}
	return nil
}

func (c *Client) awaitSuback(topic string, tok pahomqtt.Token) error {
	if !tok.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: no SUBACK for %q within %v", ErrSubscribeFailed, topic, defaultPublishTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	if st, ok := tok.(*pahomqtt.SubscribeToken); ok && st.Result()[topic] == subackFailure {
		return fmt.Errorf("%w: %w: broker refused %q", ErrSubscribeFailed, ErrNotAuthorized, topic)
	}
	return nil
}

func (c *Client) dropRoute(topic string) {
	c.mu.Lock()
	delete(c.routes, topic)
	c.mu.Unlock()
}

// Unsubscribe removes the route for topic. While disconnected only the
// route is dropped; the broker forgets it with the clean session.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	c.dropRoute(topic)
	if !c.IsConnected() {
		return nil
	}

	tok := c.paho.Unsubscribe(topic)
	if !tok.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: no UNSUBACK for %q within %v", ErrUnsubscribeFailed, topic, defaultPublishTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsubscribeFailed, err)
	}
	return nil
}

// SubscriptionCount returns the number of routes.
func (c *Client) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.routes)
}

// HasSubscription reports whether a route exists for exactly topic.
func (c *Client) HasSubscription(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.routes[topic]
	return ok
}
