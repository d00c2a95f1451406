package mqtt

import (
	"fmt"
)

// Payload ceiling, aligned with common broker limits. Lock command and
// status payloads are a few hundred bytes; anything near this is a bug.
const maxPayloadSize = 1 << 20 // 1MB

// Publish sends a payload to a topic and waits for broker acknowledgment
// (per the requested QoS). It fails closed when disconnected rather than
// queueing: a command that cannot reach the broker must surface as an
// error to the dispatcher, not sit in a buffer.
//
// Retained should be true only for state topics; commands are never
// retained, a lock must not replay a stale unlock on resubscribe.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	return nil
}

// PublishString publishes a string payload.
func (c *Client) PublishString(topic string, payload string, qos byte, retained bool) error {
	return c.Publish(topic, []byte(payload), qos, retained)
}

// PublishRetained publishes a retained message at the configured default
// QoS. Used for state topics where late subscribers need the last value.
func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.Publish(topic, payload, byte(c.cfg.QoS), true)
}
