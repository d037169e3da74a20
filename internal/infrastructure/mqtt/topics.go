package mqtt

import (
	"strings"
)

// Device message kinds, used as the trailing topic segments.
const (
	KindReading  = "temperature/reading"
	KindStatus   = "status"
	KindAlerts   = "alerts"
	KindConfig   = "config"
	KindCommands = "commands"
)

// Topics builds the device topic hierarchy for one namespace:
//
//	<ns>/device/<id>/temperature/reading   device -> backend
//	<ns>/device/<id>/status                device -> backend (heartbeat)
//	<ns>/device/<id>/alerts                device -> backend
//	<ns>/device/<id>/config                backend -> device (and device echo)
//	<ns>/device/<id>/commands              backend -> device
//	<ns>/system/backend/status             retained backend LWT
type Topics struct {
	namespace string
}

// NewTopics returns a builder for namespace (e.g. "botcareu").
func NewTopics(namespace string) Topics {
	return Topics{namespace: strings.Trim(namespace, "/")}
}

// Namespace returns the first topic segment.
func (t Topics) Namespace() string {
	return t.namespace
}

// Device returns <ns>/device/<id>/<kind>.
func (t Topics) Device(deviceID, kind string) string {
	return t.namespace + "/device/" + deviceID + "/" + kind
}

// AllDevices returns the single-level wildcard pattern for kind.
//
// Example: botcareu/device/+/status
func (t Topics) AllDevices(kind string) string {
	return t.Device("+", kind)
}

// DeviceCommands returns the command topic for a device.
func (t Topics) DeviceCommands(deviceID string) string {
	return t.Device(deviceID, KindCommands)
}

// DeviceConfig returns the config topic for a device.
func (t Topics) DeviceConfig(deviceID string) string {
	return t.Device(deviceID, KindConfig)
}

// BackendStatus returns the retained backend status topic.
func (t Topics) BackendStatus() string {
	return t.namespace + "/system/backend/status"
}
