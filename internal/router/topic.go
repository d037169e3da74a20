package router

import (
	"fmt"
	"strings"

	"github.com/botcareu/botcareu-core/internal/infrastructure/mqtt"
	"github.com/botcareu/botcareu-core/internal/telemetry"
)

// Kind is the message kind encoded in the trailing topic segments.
type Kind string

const (
	KindReading Kind = mqtt.KindReading
	KindStatus  Kind = mqtt.KindStatus
	KindAlerts  Kind = mqtt.KindAlerts
	KindConfig  Kind = mqtt.KindConfig
)

// Kinds lists every inbound kind in subscription order.
var Kinds = []Kind{KindReading, KindStatus, KindAlerts, KindConfig}

// ParseTopic splits "<ns>/device/<id>/<kind>" into device ID and kind.
// Any other shape is ErrMalformed.
func ParseTopic(namespace, topic string) (string, Kind, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[0] != namespace || parts[1] != "device" {
		return "", "", fmt.Errorf("%w: unexpected topic %q", telemetry.ErrMalformed, topic)
	}

	id := parts[2]
	if id == "" || strings.ContainsAny(id, "+#") {
		return "", "", fmt.Errorf("%w: invalid device id in %q", telemetry.ErrMalformed, topic)
	}

	kind := Kind(strings.Join(parts[3:], "/"))
	switch kind {
	case KindReading, KindStatus, KindAlerts, KindConfig:
		return id, kind, nil
	}
	return "", "", fmt.Errorf("%w: unknown message kind %q", telemetry.ErrMalformed, kind)
}
