package mqtt

import (
	"context"
	"fmt"
)

// maxPayloadSize caps a single publication at 1 MiB.
const maxPayloadSize = 1 << 20

// Publish is PublishContext bounded by defaultPublishTimeout.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
	defer cancel()
	return c.PublishContext(ctx, topic, payload, qos, retained)
}

// PublishContext publishes and waits for the broker acknowledgement until
// ctx is done.
//
// While reconnecting, QoS 0 fails with ErrNotConnected. QoS 1 and 2 are
// handed to paho's outbound store and flushed after reconnect; the call
// returns nil without waiting.
func (c *Client) PublishContext(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	switch {
	case topic == "":
		return ErrInvalidTopic
	case qos > maxQoS:
		return ErrInvalidQoS
	case len(payload) > maxPayloadSize:
		return fmt.Errorf("%w: %d byte payload exceeds %d", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	up := c.IsConnected()
	if !up && qos == 0 {
		return ErrNotConnected
	}

	tok := c.paho.Publish(topic, qos, retained, payload)
	if !up {
		return nil
	}

	select {
	case <-tok.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// PublishRetained publishes a retained value at the configured QoS.
func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.Publish(topic, payload, c.qos, true)
}
