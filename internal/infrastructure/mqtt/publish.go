package mqtt

import (
	"fmt"
)

// Maximum payload size for MQTT messages (1MB).
const maxPayloadSize = 1 << 20

// validatePublish checks the arguments shared by Publish and PublishAsync.
func (c *Client) validatePublish(topic string, payload []byte, qos byte) error {
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
	return nil
}

// Publish sends a message and waits for the broker acknowledgement.
//
// Parameters:
//   - topic: The topic to publish to (e.g., "sensors/room1/temperature")
//   - payload: The message payload (max 1MB)
//   - qos: Quality of Service level (0, 1, or 2)
//   - retained: Whether the broker should retain the message for new subscribers
//
// Returns:
//   - error: nil on success, or wrapped error describing the failure
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := c.validatePublish(topic, payload, qos); err != nil {
		return err
	}

	token := c.client.Publish(topic, qos, retained, payload)
	var err error
	switch {
	case !token.WaitTimeout(defaultPublishTimeout):
		err = fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	case token.Error() != nil:
		err = fmt.Errorf("%w: %w", ErrPublishFailed, token.Error())
	}
	c.complete(topic, nil, err)
	return err
}

// PublishAsync hands a message to the client and returns immediately.
//
// done (may be nil) is invoked exactly once from another goroutine with nil
// when the broker acknowledged the message (or, for QoS 0, when it was
// written to the network), or with the failure otherwise. Validation
// failures are reported through done as well, never synchronously, so
// callers may hold their own locks while calling PublishAsync.
//
// Nothing is retried.
func (c *Client) PublishAsync(topic string, payload []byte, qos byte, retained bool, done func(error)) {
	if err := c.validatePublish(topic, payload, qos); err != nil {
		c.pending.Add(1)
		go func() {
			defer c.pending.Done()
			c.complete(topic, done, err)
		}()
		return
	}

	token := c.client.Publish(topic, qos, retained, payload)
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		var err error
		switch {
		case !token.WaitTimeout(defaultPublishTimeout):
			err = fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
		case token.Error() != nil:
			err = fmt.Errorf("%w: %w", ErrPublishFailed, token.Error())
		}
		c.complete(topic, done, err)
	}()
}

// PublishRetained publishes a retained message with the configured default QoS.
func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.Publish(topic, payload, byte(c.cfg.QoS), true)
}
