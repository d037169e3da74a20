package device

import (
	"fmt"
	"time"

	"github.com/botcareu/botcareu-core/internal/telemetry"
)

// DeviceState is the tracked state of one thermometer.
// This matches the devices table in migrations/20261001_090000_initial_schema.up.sql.
type DeviceState struct {
	// Identity
	ID          string `json:"id"`
	OwnerUserID string `json:"owner_user_id"`
	Name        string `json:"name"`
	Active      bool   `json:"active"`

	// Connectivity. StatusAt is the event time of the last accepted status.
	Status   telemetry.DeviceStatus `json:"status"`
	StatusAt time.Time              `json:"status_at,omitzero"`
	LastSeen time.Time              `json:"last_seen,omitzero"`

	// Health. HealthAt is the event time of the last applied metadata.
	HealthAt        time.Time `json:"health_at,omitzero"`
	BatteryLevel    *float64  `json:"battery_level,omitempty"`
	SignalStrength  *int      `json:"signal_strength,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	Uptime          *int64    `json:"uptime_ms,omitempty"`
	FreeMemory      *int64    `json:"free_memory,omitempty"`

	// MeasurementInterval is the interval the device last reported, in ms.
	MeasurementInterval *int64 `json:"measurement_interval_ms,omitempty"`

	LastReading *telemetry.Sample `json:"last_reading,omitempty"`

	Alert AlertConfig `json:"alert"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AlertConfig is the per-device alerting preference.
type AlertConfig struct {
	Enabled bool `json:"enabled"`

	// MinTier is the lowest fever tier that raises an alert.
	MinTier telemetry.FeverTier `json:"min_tier"`

	// Thresholds override the classifier defaults; zero fields inherit.
	Thresholds telemetry.Thresholds `json:"thresholds"`

	// Channels are the notification channels the owner enabled. Empty
	// means every channel the severity policy allows.
	Channels []string `json:"channels,omitempty"`
}

// DefaultAlertConfig alerts from mild upwards on every channel.
func DefaultAlertConfig() AlertConfig {
	return AlertConfig{Enabled: true, MinTier: telemetry.TierMild}
}

// ShouldAlert reports whether a valid sample of tier t raises a fever alert.
func (a AlertConfig) ShouldAlert(t telemetry.FeverTier) bool {
	if !a.Enabled || t == telemetry.TierNone {
		return false
	}
	minTier := a.MinTier
	if minTier.Rank() <= 0 {
		minTier = telemetry.TierMild
	}
	return t.AtLeast(minTier)
}

// Validate checks the fields required to track a device.
func (d *DeviceState) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDevice)
	}
	if d.OwnerUserID == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidDevice)
	}
	if d.Alert.MinTier != "" && d.Alert.MinTier.Rank() < 0 {
		return fmt.Errorf("%w: unknown alert tier %q", ErrInvalidDevice, d.Alert.MinTier)
	}
	if !d.Alert.Thresholds.IsZero() {
		if err := telemetry.DefaultThresholds().Override(d.Alert.Thresholds).Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidDevice, err)
		}
	}
	return nil
}

// DeepCopy returns an independent copy. Pointer, slice and map fields are
// cloned so callers may modify the result freely.
func (d *DeviceState) DeepCopy() *DeviceState {
	if d == nil {
		return nil
	}
	c := *d
	c.BatteryLevel = clonePtr(d.BatteryLevel)
	c.SignalStrength = clonePtr(d.SignalStrength)
	c.Uptime = clonePtr(d.Uptime)
	c.FreeMemory = clonePtr(d.FreeMemory)
	c.MeasurementInterval = clonePtr(d.MeasurementInterval)
	c.LastReading = cloneSample(d.LastReading)
	if d.Alert.Channels != nil {
		c.Alert.Channels = append([]string(nil), d.Alert.Channels...)
	}
	return &c
}

func cloneSample(p *telemetry.Sample) *telemetry.Sample {
	if p == nil {
		return nil
	}
	s := *p
	s.InfraredTemp = clonePtr(s.InfraredTemp)
	s.ContactTemp = clonePtr(s.ContactTemp)
	s.AmbientTemp = clonePtr(s.AmbientTemp)
	s.DeviceValid = clonePtr(s.DeviceValid)
	if s.Reasons != nil {
		s.Reasons = append([]string(nil), s.Reasons...)
	}
	return &s
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// SignalKind identifies a battery signal.
type SignalKind string

const (
	SignalLowBattery      SignalKind = "low_battery"
	SignalCriticalBattery SignalKind = "critical_battery"
)

// Signal is raised when a device's battery crosses a threshold.
type Signal struct {
	Kind         SignalKind
	DeviceID     string
	OwnerUserID  string
	BatteryLevel float64
	Timestamp    time.Time
	State        DeviceState
}

// Update describes the effect of an accepted state update.
type Update struct {
	// State is a copy of the device state after the update.
	State DeviceState

	// PreviousStatus is the stored status before the update.
	PreviousStatus telemetry.DeviceStatus

	// StatusChanged is true when Status differs from PreviousStatus.
	StatusChanged bool
}
