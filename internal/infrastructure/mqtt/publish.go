package mqtt

import (
	"fmt"
)

// maxPayloadSize caps outbound messages at 1MB, matching broker defaults.
const maxPayloadSize = 1 << 20

// Publish sends a message to topic.
//
// Device commands and config pushes use QoS 1 and are never retained:
// a device that reconnects later must not replay a stale "restart".
//
// Example:
//
//	topic := client.Topics().DeviceCommands("esp32-01")
//	err := client.Publish(topic, []byte(`{"command":"measure_now"}`), 1, false)
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

// PublishDefault publishes a non-retained message with the configured QoS.
func (c *Client) PublishDefault(topic string, payload []byte) error {
	return c.Publish(topic, payload, byte(c.cfg.QoS), false)
}
