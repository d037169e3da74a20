package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/botcareu/botcareu-core/internal/telemetry"
)

// epochMillisCutoff separates epoch seconds from epoch milliseconds.
const epochMillisCutoff = 1e12

// configSourceBackend marks config documents published by this service,
// which arrive back on the shared config topic.
const configSourceBackend = "backend"

type metadataPayload struct {
	BatteryLevel    *float64 `json:"batteryLevel"`
	SignalStrength  *int     `json:"signalStrength"`
	FirmwareVersion string   `json:"firmwareVersion"`
}

type readingPayload struct {
	DeviceID        string           `json:"deviceId"`
	InfraredTemp    *float64         `json:"infraredTemp"`
	ContactTemp     *float64         `json:"contactTemp"`
	AmbientTemp     *float64         `json:"ambientTemp"`
	MeasurementType string           `json:"measurementType"`
	Timestamp       json.RawMessage  `json:"timestamp"`
	IsValid         *bool            `json:"isValid"`
	Metadata        *metadataPayload `json:"metadata"`
}

type statusPayload struct {
	DeviceID        string           `json:"deviceId"`
	Status          string           `json:"status"`
	Timestamp       json.RawMessage  `json:"timestamp"`
	BatteryLevel    *float64         `json:"batteryLevel"`
	SignalStrength  *int             `json:"signalStrength"`
	FirmwareVersion string           `json:"firmwareVersion"`
	Uptime          *int64           `json:"uptime"`
	FreeMemory      *int64           `json:"freeMemory"`
	Metadata        *metadataPayload `json:"metadata"`
}

type alertPayload struct {
	DeviceID    string          `json:"deviceId"`
	AlertType   string          `json:"alertType"`
	Temperature *float64        `json:"temperature"`
	Severity    string          `json:"severity"`
	Timestamp   json.RawMessage `json:"timestamp"`
}

type decoder struct {
	clock telemetry.Clock
}

func (d decoder) reading(deviceID string, payload []byte) (telemetry.Reading, error) {
	var p readingPayload
	if err := unmarshal(payload, &p); err != nil {
		return telemetry.Reading{}, err
	}
	if err := checkDeviceID(deviceID, p.DeviceID); err != nil {
		return telemetry.Reading{}, err
	}
	if p.InfraredTemp == nil && p.ContactTemp == nil {
		return telemetry.Reading{}, fmt.Errorf("%w: reading has no temperature source", telemetry.ErrMalformed)
	}

	mt, err := measurementType(p.MeasurementType, p.InfraredTemp != nil, p.ContactTemp != nil)
	if err != nil {
		return telemetry.Reading{}, err
	}
	ts, err := d.timestamp(p.Timestamp)
	if err != nil {
		return telemetry.Reading{}, err
	}

	return telemetry.Reading{
		DeviceID:        deviceID,
		InfraredTemp:    p.InfraredTemp,
		ContactTemp:     p.ContactTemp,
		AmbientTemp:     p.AmbientTemp,
		MeasurementType: mt,
		Timestamp:       ts,
		DeviceValid:     p.IsValid,
		Metadata:        p.Metadata.toMetadata(),
	}, nil
}

func (d decoder) status(deviceID string, payload []byte) (telemetry.StatusEvent, error) {
	var p statusPayload
	if err := unmarshal(payload, &p); err != nil {
		return telemetry.StatusEvent{}, err
	}
	if err := checkDeviceID(deviceID, p.DeviceID); err != nil {
		return telemetry.StatusEvent{}, err
	}
	status, err := telemetry.ParseDeviceStatus(p.Status)
	if err != nil {
		return telemetry.StatusEvent{}, err
	}
	ts, err := d.timestamp(p.Timestamp)
	if err != nil {
		return telemetry.StatusEvent{}, err
	}

	// Heartbeats carry health at the top level; a nested block fills gaps.
	meta := p.Metadata.toMetadata()
	if meta == nil {
		meta = &telemetry.Metadata{}
	}
	if lvl := batteryPercent(p.BatteryLevel); lvl != nil {
		meta.BatteryLevel = lvl
	}
	if p.SignalStrength != nil {
		meta.SignalStrength = p.SignalStrength
	}
	if p.FirmwareVersion != "" {
		meta.FirmwareVersion = p.FirmwareVersion
	}
	if meta.Empty() {
		meta = nil
	}

	return telemetry.StatusEvent{
		DeviceID:   deviceID,
		Status:     status,
		Timestamp:  ts,
		Metadata:   meta,
		Uptime:     p.Uptime,
		FreeMemory: p.FreeMemory,
	}, nil
}

func (d decoder) alert(deviceID string, payload []byte) (telemetry.DeviceAlert, error) {
	var p alertPayload
	if err := unmarshal(payload, &p); err != nil {
		return telemetry.DeviceAlert{}, err
	}
	if err := checkDeviceID(deviceID, p.DeviceID); err != nil {
		return telemetry.DeviceAlert{}, err
	}
	if strings.TrimSpace(p.AlertType) == "" {
		return telemetry.DeviceAlert{}, fmt.Errorf("%w: alert without alertType", telemetry.ErrMalformed)
	}
	severity := telemetry.TierModerate
	if p.Severity != "" {
		s, err := telemetry.ParseFeverTier(p.Severity)
		if err != nil {
			return telemetry.DeviceAlert{}, err
		}
		severity = s
	}
	ts, err := d.timestamp(p.Timestamp)
	if err != nil {
		return telemetry.DeviceAlert{}, err
	}

	return telemetry.DeviceAlert{
		DeviceID:    deviceID,
		AlertType:   p.AlertType,
		Temperature: p.Temperature,
		Severity:    severity,
		Timestamp:   ts,
	}, nil
}

// config decodes a device config echo. ok is false for documents this
// service published itself.
func (d decoder) config(deviceID string, payload []byte) (report telemetry.ConfigReport, ok bool, err error) {
	var raw map[string]any
	if err := unmarshal(payload, &raw); err != nil {
		return telemetry.ConfigReport{}, false, err
	}
	if src, _ := raw["source"].(string); src == configSourceBackend {
		return telemetry.ConfigReport{}, false, nil
	}

	id, _ := raw["deviceId"].(string)
	if err := checkDeviceID(deviceID, id); err != nil {
		return telemetry.ConfigReport{}, false, err
	}

	var tsRaw json.RawMessage
	if v, present := raw["timestamp"]; present {
		tsRaw, _ = json.Marshal(v)
	}
	ts, err := d.timestamp(tsRaw)
	if err != nil {
		return telemetry.ConfigReport{}, false, err
	}

	report = telemetry.ConfigReport{DeviceID: deviceID, Timestamp: ts, Values: raw}
	if n, isNum := raw["measurementInterval"].(json.Number); isNum {
		v, err := n.Int64()
		if err != nil || v <= 0 {
			return telemetry.ConfigReport{}, false, fmt.Errorf("%w: bad measurementInterval %q", telemetry.ErrMalformed, n)
		}
		report.MeasurementInterval = &v
	}
	return report, true, nil
}

// timestamp accepts RFC 3339 strings and numeric epoch seconds or
// milliseconds. A missing value means "now".
func (d decoder) timestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return d.clock.Now().UTC(), nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp: %w", telemetry.ErrMalformed, err)
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), nil
		}
		// Some gateways quote epoch numbers.
		return parseEpoch(s)
	}
	return parseEpoch(string(raw))
}

func parseEpoch(s string) (time.Time, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return time.Time{}, fmt.Errorf("%w: invalid timestamp %q", telemetry.ErrMalformed, s)
	}
	if v > epochMillisCutoff {
		return time.UnixMilli(int64(v)).UTC(), nil
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

func measurementType(declared string, hasIR, hasContact bool) (telemetry.MeasurementType, error) {
	if declared != "" {
		mt := telemetry.MeasurementType(strings.ToLower(declared))
		if !mt.IsValid() {
			return "", fmt.Errorf("%w: unknown measurementType %q", telemetry.ErrMalformed, declared)
		}
		return mt, nil
	}
	switch {
	case hasIR && hasContact:
		return telemetry.MeasurementCombined, nil
	case hasContact:
		return telemetry.MeasurementContact, nil
	default:
		return telemetry.MeasurementInfrared, nil
	}
}

func checkDeviceID(topicID, payloadID string) error {
	if payloadID != "" && payloadID != topicID {
		return fmt.Errorf("%w: payload deviceId %q does not match topic %q", telemetry.ErrMalformed, payloadID, topicID)
	}
	return nil
}

func unmarshal(payload []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", telemetry.ErrMalformed, err)
	}
	return nil
}

func (m *metadataPayload) toMetadata() *telemetry.Metadata {
	if m == nil {
		return nil
	}
	md := &telemetry.Metadata{
		BatteryLevel:    batteryPercent(m.BatteryLevel),
		SignalStrength:  m.SignalStrength,
		FirmwareVersion: m.FirmwareVersion,
	}
	if md.Empty() {
		return nil
	}
	return md
}

// batteryPercent drops a battery level outside [0, 100]. Some firmware
// builds report the cell voltage in this field.
func batteryPercent(v *float64) *float64 {
	if v == nil || *v < 0 || *v > 100 {
		return nil
	}
	return v
}
