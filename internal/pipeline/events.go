package pipeline

import (
	"time"

	"github.com/botcareu/botcareu-core/internal/device"
	"github.com/botcareu/botcareu-core/internal/notify"
	"github.com/botcareu/botcareu-core/internal/telemetry"
)

// ReadingEvent is the temperature:update payload.
type ReadingEvent struct {
	DeviceID     string                 `json:"device_id"`
	Sample       telemetry.Sample       `json:"sample"`
	Status       telemetry.DeviceStatus `json:"status"`
	BatteryLevel *float64               `json:"battery_level,omitempty"`
}

// StatusEvent is the device:status payload.
type StatusEvent struct {
	DeviceID     string                 `json:"device_id"`
	Status       telemetry.DeviceStatus `json:"status"`
	Reason       string                 `json:"reason,omitempty"`
	LastSeen     time.Time              `json:"last_seen,omitzero"`
	BatteryLevel *float64               `json:"battery_level,omitempty"`
}

// FeverEvent is the fever:alert payload.
type FeverEvent struct {
	IntentID    string             `json:"intent_id"`
	DeviceID    string             `json:"device_id"`
	Temperature float64            `json:"temperature,omitempty"`
	Severity    notify.Severity    `json:"severity"`
	Priority    telemetry.Priority `json:"priority"`
	Title       string             `json:"title"`
	Message     string             `json:"message"`
}

func readingEvent(s device.DeviceState, sample telemetry.Sample) ReadingEvent {
	return ReadingEvent{
		DeviceID:     s.ID,
		Sample:       sample,
		Status:       s.Status,
		BatteryLevel: s.BatteryLevel,
	}
}

func statusEvent(s device.DeviceState, status telemetry.DeviceStatus, reason string) StatusEvent {
	return StatusEvent{
		DeviceID:     s.ID,
		Status:       status,
		Reason:       reason,
		LastSeen:     s.LastSeen,
		BatteryLevel: s.BatteryLevel,
	}
}

func feverEvent(in *notify.Intent, temp float64) FeverEvent {
	return FeverEvent{
		IntentID:    in.ID,
		DeviceID:    in.DeviceID,
		Temperature: temp,
		Severity:    in.Severity,
		Priority:    in.Priority,
		Title:       in.Title,
		Message:     in.Message,
	}
}
