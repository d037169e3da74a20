package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/botcareu/botcareu-core/internal/infrastructure/mqtt"
	"github.com/botcareu/botcareu-core/internal/telemetry"
)

// Device commands understood by the firmware.
const (
	CommandMeasureNow = "measure_now"
	CommandRestart    = "restart"
)

// ConfigSourceBackend marks configuration published by this service, so
// the router can tell it apart from device reports on the same topic.
const ConfigSourceBackend = "backend"

var (
	ErrUnknownCommand = errors.New("pipeline: unknown command")
	ErrInvalidConfig  = errors.New("pipeline: invalid device config")
)

// MQTTPublisher is the subset of the MQTT client used by the Commander.
type MQTTPublisher interface {
	PublishDefault(topic string, payload []byte) error
}

// Commander publishes commands and configuration to devices.
type Commander struct {
	pub     MQTTPublisher
	topics  mqtt.Topics
	devices interface{ Exists(string) bool }
	clock   telemetry.Clock
}

// NewCommander creates a commander. devices, if non-nil, rejects
// unknown device IDs before publishing.
func NewCommander(pub MQTTPublisher, topics mqtt.Topics, devices interface{ Exists(string) bool }, clock telemetry.Clock) *Commander {
	if clock == nil {
		clock = telemetry.SystemClock{}
	}
	return &Commander{pub: pub, topics: topics, devices: devices, clock: clock}
}

// ValidCommand reports whether cmd is a known device command.
func ValidCommand(cmd string) bool {
	return cmd == CommandMeasureNow || cmd == CommandRestart
}

// SendCommand publishes {"command": cmd} to <ns>/device/<id>/commands.
func (c *Commander) SendCommand(ctx context.Context, deviceID, cmd string) error {
	if !ValidCommand(cmd) {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
	return c.publish(ctx, deviceID, c.topics.DeviceCommands(deviceID), map[string]any{
		"command":   cmd,
		"timestamp": c.clock.Now().Unix(),
	})
}

// PushConfig publishes values to <ns>/device/<id>/config, tagged with
// the backend source marker.
func (c *Commander) PushConfig(ctx context.Context, deviceID string, values map[string]any) error {
	if len(values) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidConfig)
	}
	if v, ok := values["measurementInterval"]; ok {
		if n, ok := asNumber(v); !ok || n <= 0 {
			return fmt.Errorf("%w: measurementInterval must be a positive number", ErrInvalidConfig)
		}
	}
	payload := maps.Clone(values)
	payload["source"] = ConfigSourceBackend
	payload["timestamp"] = c.clock.Now().Unix()
	return c.publish(ctx, deviceID, c.topics.DeviceConfig(deviceID), payload)
}

func (c *Commander) publish(ctx context.Context, deviceID, topic string, payload map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.devices != nil && !c.devices.Exists(deviceID) {
		return fmt.Errorf("%w: %s", telemetry.ErrUnknownDevice, deviceID)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling device message: %w", err)
	}
	if err := c.pub.PublishDefault(topic, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
