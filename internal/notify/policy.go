package notify

import (
	"slices"

	"github.com/botcareu/botcareu-core/internal/telemetry"
)

// Severity selects a row of the channel policy.
type Severity string

const (
	SeverityCritical        Severity = "critical"
	SeverityHigh            Severity = "high"
	SeverityModerate        Severity = "moderate"
	SeverityMild            Severity = "mild"
	SeverityOffline         Severity = "offline"
	SeverityLowBattery      Severity = "low_battery"
	SeverityCriticalBattery Severity = "critical_battery"
)

// SeverityForTier maps a fever tier to a policy severity.
func SeverityForTier(t telemetry.FeverTier) Severity {
	switch t {
	case telemetry.TierCritical:
		return SeverityCritical
	case telemetry.TierHigh:
		return SeverityHigh
	case telemetry.TierModerate:
		return SeverityModerate
	default:
		return SeverityMild
	}
}

// Policy maps severity to the channels an alert of that severity uses.
type Policy map[Severity][]ChannelKind

// DefaultPolicy is the channel table for BotCareU alerts.
var DefaultPolicy = Policy{
	SeverityCritical:        {ChannelRealtime, ChannelPush, ChannelEmail, ChannelSMS},
	SeverityHigh:            {ChannelRealtime, ChannelPush, ChannelEmail},
	SeverityModerate:        {ChannelRealtime, ChannelPush},
	SeverityMild:            {ChannelRealtime, ChannelPush},
	SeverityOffline:         {ChannelRealtime, ChannelPush},
	SeverityLowBattery:      {ChannelRealtime, ChannelPush},
	SeverityCriticalBattery: {ChannelRealtime, ChannelPush},
}

// ChannelsFor returns the policy channels for sev that the owner enabled.
// An empty enabled list enables everything. Realtime is always kept.
// Unknown severities fall back to realtime only.
func (p Policy) ChannelsFor(sev Severity, enabled []string) []ChannelKind {
	row, ok := p[sev]
	if !ok {
		return []ChannelKind{ChannelRealtime}
	}

	out := make([]ChannelKind, 0, len(row))
	for _, ch := range row {
		if ch == ChannelRealtime || len(enabled) == 0 || slices.Contains(enabled, string(ch)) {
			out = append(out, ch)
		}
	}
	if !slices.Contains(out, ChannelRealtime) {
		out = append([]ChannelKind{ChannelRealtime}, out...)
	}
	return out
}

// ChannelsFor uses DefaultPolicy.
func ChannelsFor(sev Severity, enabled []string) []ChannelKind {
	return DefaultPolicy.ChannelsFor(sev, enabled)
}
