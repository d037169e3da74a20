package notify

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/botcareu/botcareu-core/internal/device"
	"github.com/botcareu/botcareu-core/internal/telemetry"
)

// intentNamespace scopes deterministic intent IDs.
var intentNamespace = uuid.MustParse("b3a4d0b8-5e0c-4c7e-8f38-2d9e6c1a7f42")

// IntentID derives the ID of an intent from what it is about. The event
// time is truncated to the second.
func IntentID(t AlertType, deviceID string, eventTime time.Time) string {
	key := fmt.Sprintf("%s|%s|%d", t, deviceID, eventTime.UTC().Truncate(time.Second).Unix())
	return uuid.NewSHA1(intentNamespace, []byte(key)).String()
}

// FeverIntentID is the ID of a fever intent of the given tier. A reading
// and the firmware's own alert for the same measurement share it when
// they agree on the tier.
func FeverIntentID(deviceID string, tier telemetry.FeverTier, eventTime time.Time) string {
	return IntentID(AlertType(string(AlertFever)+":"+string(tier)), deviceID, eventTime)
}

var feverTiers = []telemetry.FeverTier{
	telemetry.TierMild, telemetry.TierModerate, telemetry.TierHigh, telemetry.TierCritical,
}

// newFeverIntent keys the intent on its tier and covers every lower tier,
// so a later, less severe alert for the same measurement is a duplicate
// while a more severe one is still delivered.
func newFeverIntent(state device.DeviceState, tier telemetry.FeverTier, eventTime, now time.Time, ttl time.Duration) *Intent {
	in := newIntent(AlertFever, state, eventTime, now, ttl)
	in.ID = FeverIntentID(state.ID, tier, eventTime)
	for _, lower := range feverTiers {
		if lower.Rank() >= tier.Rank() {
			break
		}
		in.Covers = append(in.Covers, FeverIntentID(state.ID, lower, eventTime))
	}
	return in
}

func newIntent(t AlertType, state device.DeviceState, eventTime, now time.Time, ttl time.Duration) *Intent {
	return &Intent{
		ID:        IntentID(t, state.ID, eventTime),
		UserID:    state.OwnerUserID,
		DeviceID:  state.ID,
		Type:      t,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Attempts:  make(map[ChannelKind]*DeliveryAttempt),
	}
}

// NewFeverIntent builds the alert for a valid fever sample.
func NewFeverIntent(state device.DeviceState, s telemetry.Sample, now time.Time, ttl time.Duration) *Intent {
	in := newFeverIntent(state, s.Tier, s.Timestamp, now, ttl)
	in.Severity = SeverityForTier(s.Tier)
	in.Priority = telemetry.PriorityForTier(s.Tier)
	in.Channels = ChannelsFor(in.Severity, state.Alert.Channels)
	in.Title = feverTitle(s.Tier)
	in.Message = fmt.Sprintf("Temperature %.1f°C measured by %s at %s.",
		s.Primary, deviceName(state), s.Timestamp.UTC().Format(time.RFC3339))
	in.Payload = map[string]any{
		"device_id":        state.ID,
		"sample_id":        s.ID,
		"temperature":      s.Primary,
		"tier":             string(s.Tier),
		"measurement_type": string(s.Type),
		"timestamp":        s.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	return in
}

// NewDeviceAlertIntent builds the intent for an alert raised by firmware.
// Fever alerts dedupe against the reading's fever intent of the same tier.
func NewDeviceAlertIntent(state device.DeviceState, a telemetry.DeviceAlert, now time.Time, ttl time.Duration) *Intent {
	t := AlertDevice
	var in *Intent
	if a.AlertType == telemetry.AlertTypeFeverDetected {
		t = AlertFever
		in = newFeverIntent(state, a.Severity, a.Timestamp, now, ttl)
	} else {
		in = newIntent(t, state, a.Timestamp, now, ttl)
	}
	in.Severity = SeverityForTier(a.Severity)
	in.Priority = telemetry.PriorityForTier(a.Severity)
	in.Channels = ChannelsFor(in.Severity, state.Alert.Channels)
	in.Payload = map[string]any{
		"device_id":  state.ID,
		"alert_type": a.AlertType,
		"severity":   string(a.Severity),
		"timestamp":  a.Timestamp.UTC().Format(time.RFC3339Nano),
	}

	if t == AlertFever {
		in.Title = feverTitle(a.Severity)
	} else {
		in.Title = fmt.Sprintf("Device alert: %s", a.AlertType)
	}
	if a.Temperature != nil {
		in.Payload["temperature"] = *a.Temperature
		in.Message = fmt.Sprintf("%s reported %s at %.1f°C.", deviceName(state), a.AlertType, *a.Temperature)
	} else {
		in.Message = fmt.Sprintf("%s reported %s.", deviceName(state), a.AlertType)
	}
	return in
}

// NewBatteryIntent builds the intent for a battery signal.
func NewBatteryIntent(state device.DeviceState, sig device.Signal, now time.Time, ttl time.Duration) *Intent {
	t, sev, prio, title := AlertLowBattery, SeverityLowBattery, telemetry.PriorityNormal, "Battery low"
	if sig.Kind == device.SignalCriticalBattery {
		t, sev, prio, title = AlertCriticalBattery, SeverityCriticalBattery, telemetry.PriorityHigh, "Battery critically low"
	}
	in := newIntent(t, state, sig.Timestamp, now, ttl)
	in.Severity = sev
	in.Priority = prio
	in.Channels = ChannelsFor(sev, state.Alert.Channels)
	in.Title = title
	in.Message = fmt.Sprintf("%s battery is at %.0f%%.", deviceName(state), sig.BatteryLevel)
	in.Payload = map[string]any{
		"device_id":     state.ID,
		"battery_level": sig.BatteryLevel,
	}
	return in
}

// NewOfflineIntent builds the intent for a device going offline. The ID is
// keyed on the last event seen, so repeated sweeps of the same outage
// dedupe.
func NewOfflineIntent(state device.DeviceState, now time.Time, ttl time.Duration) *Intent {
	key := state.LastSeen
	if state.StatusAt.After(key) {
		key = state.StatusAt
	}
	in := newIntent(AlertDeviceOffline, state, key, now, ttl)
	in.Severity = SeverityOffline
	in.Priority = telemetry.PriorityNormal
	in.Channels = ChannelsFor(SeverityOffline, state.Alert.Channels)
	in.Title = "Device offline"
	if key.IsZero() {
		in.Message = fmt.Sprintf("%s is offline.", deviceName(state))
	} else {
		in.Message = fmt.Sprintf("%s is offline. Last seen %s.", deviceName(state), key.UTC().Format(time.RFC3339))
	}
	in.Payload = map[string]any{
		"device_id": state.ID,
		"status":    string(state.Status),
		"last_seen": key.UTC().Format(time.RFC3339Nano),
	}
	return in
}

func feverTitle(t telemetry.FeverTier) string {
	switch t {
	case telemetry.TierCritical:
		return "Critical fever detected"
	case telemetry.TierHigh:
		return "High fever detected"
	case telemetry.TierModerate:
		return "Moderate fever detected"
	default:
		return "Mild fever detected"
	}
}

func deviceName(s device.DeviceState) string {
	if s.Name != "" {
		return s.Name
	}
	return "Device " + s.ID
}
