package telemetry

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MeasurementType says which sensor(s) produced a reading.
type MeasurementType string

const (
	MeasurementInfrared MeasurementType = "infrared"
	MeasurementContact  MeasurementType = "contact"
	MeasurementCombined MeasurementType = "combined"
)

// IsValid reports whether m is one of the known measurement types.
func (m MeasurementType) IsValid() bool {
	switch m {
	case MeasurementInfrared, MeasurementContact, MeasurementCombined:
		return true
	}
	return false
}

// FeverTier is the ordinal severity derived from the primary temperature.
type FeverTier string

const (
	TierNone     FeverTier = "none"
	TierMild     FeverTier = "mild"
	TierModerate FeverTier = "moderate"
	TierHigh     FeverTier = "high"
	TierCritical FeverTier = "critical"
)

var tierRank = map[FeverTier]int{
	TierNone:     0,
	TierMild:     1,
	TierModerate: 2,
	TierHigh:     3,
	TierCritical: 4,
}

// Rank orders tiers from none (0) to critical (4). Unknown tiers rank -1.
func (t FeverTier) Rank() int {
	if r, ok := tierRank[t]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether t is as severe as other or more.
func (t FeverTier) AtLeast(other FeverTier) bool {
	return t.Rank() >= other.Rank()
}

// ParseFeverTier accepts a tier name in any case.
func ParseFeverTier(s string) (FeverTier, error) {
	t := FeverTier(strings.ToLower(strings.TrimSpace(s)))
	if t.Rank() < 0 {
		return "", fmt.Errorf("%w: unknown severity %q", ErrMalformed, s)
	}
	return t, nil
}

// Priority is the notification priority derived from severity.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// PriorityForTier maps a fever tier to a notification priority.
func PriorityForTier(t FeverTier) Priority {
	switch t {
	case TierCritical:
		return PriorityCritical
	case TierHigh:
		return PriorityHigh
	case TierModerate:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// DeviceStatus is the connectivity status reported by, or derived for, a device.
type DeviceStatus string

const (
	StatusUnknown     DeviceStatus = "unknown"
	StatusOnline      DeviceStatus = "online"
	StatusOffline     DeviceStatus = "offline"
	StatusError       DeviceStatus = "error"
	StatusMaintenance DeviceStatus = "maintenance"
)

// Sticky reports whether the status survives the liveness timeout and can
// only be cleared by an explicit status event.
func (s DeviceStatus) Sticky() bool {
	return s == StatusError || s == StatusMaintenance
}

// ParseDeviceStatus accepts the statuses a device may report.
func ParseDeviceStatus(s string) (DeviceStatus, error) {
	switch st := DeviceStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusOnline, StatusOffline, StatusError, StatusMaintenance:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrMalformed, s)
}

// Metadata is the optional device health block carried by readings and
// heartbeats.
type Metadata struct {
	BatteryLevel    *float64 `json:"battery_level,omitempty"`
	SignalStrength  *int     `json:"signal_strength,omitempty"`
	FirmwareVersion string   `json:"firmware_version,omitempty"`
}

// Empty reports whether no field is set.
func (m *Metadata) Empty() bool {
	return m == nil || (m.BatteryLevel == nil && m.SignalStrength == nil && m.FirmwareVersion == "")
}

// Reading is a decoded temperature reading before classification.
type Reading struct {
	DeviceID        string
	InfraredTemp    *float64
	ContactTemp     *float64
	AmbientTemp     *float64
	MeasurementType MeasurementType
	Timestamp       time.Time

	// DeviceValid is the firmware's own validity verdict, kept for audit.
	DeviceValid *bool
	Metadata    *Metadata
}

// Sample is a classified reading. It is immutable once produced.
type Sample struct {
	ID           string          `json:"id"`
	DeviceID     string          `json:"device_id"`
	InfraredTemp *float64        `json:"infrared_temp,omitempty"`
	ContactTemp  *float64        `json:"contact_temp,omitempty"`
	AmbientTemp  *float64        `json:"ambient_temp,omitempty"`
	Primary      float64         `json:"primary_temp"`
	Type         MeasurementType `json:"measurement_type"`
	Valid        bool            `json:"is_valid"`

	// Tier drives alerting and is always none for invalid samples.
	// RawTier is what the primary temperature alone would classify as.
	Tier    FeverTier `json:"fever_tier"`
	RawTier FeverTier `json:"raw_tier"`

	Reasons     []string  `json:"invalid_reasons,omitempty"`
	DeviceValid *bool     `json:"device_valid,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Err returns nil for a valid sample, or ErrOutOfRange naming the failed checks.
func (s Sample) Err() error {
	if s.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrOutOfRange, strings.Join(s.Reasons, ", "))
}

// sampleNamespace scopes deterministic sample IDs.
var sampleNamespace = uuid.MustParse("6f1c7a52-3d0e-4c55-9a8e-0b7f4f9d2c11")

// SampleID derives a stable ID from device and event time, so a reading
// redelivered by the broker maps to the same row.
func SampleID(deviceID string, ts time.Time) string {
	return uuid.NewSHA1(sampleNamespace, []byte(deviceID+"|"+ts.UTC().Format(time.RFC3339Nano))).String()
}

// StatusEvent is a decoded status or heartbeat message.
type StatusEvent struct {
	DeviceID   string
	Status     DeviceStatus
	Timestamp  time.Time
	Metadata   *Metadata
	Uptime     *int64 // milliseconds since boot
	FreeMemory *int64 // bytes
}

// DeviceAlert is an alert raised by the device firmware itself.
type DeviceAlert struct {
	DeviceID    string
	AlertType   string
	Temperature *float64
	Severity    FeverTier
	Timestamp   time.Time
}

// AlertTypeFeverDetected is the firmware's fever alert type.
const AlertTypeFeverDetected = "fever_detected"

// ConfigReport is a device's echo of its active configuration.
type ConfigReport struct {
	DeviceID            string
	Timestamp           time.Time
	MeasurementInterval *int64 // milliseconds
	Values              map[string]any
}
