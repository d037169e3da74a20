package notify

import (
	"fmt"
	"time"

	"github.com/botcareu/botcareu-core/internal/telemetry"
)

// ChannelKind names a delivery channel.
type ChannelKind string

const (
	ChannelRealtime ChannelKind = "realtime"
	ChannelPush     ChannelKind = "push"
	ChannelEmail    ChannelKind = "email"
	ChannelSMS      ChannelKind = "sms"
)

// AlertType classifies an intent.
type AlertType string

const (
	AlertFever           AlertType = "fever_alert"
	AlertDeviceOffline   AlertType = "device_offline"
	AlertLowBattery      AlertType = "low_battery"
	AlertCriticalBattery AlertType = "critical_battery"
	AlertDevice          AlertType = "device_alert"
)

// Intent status values, as recorded by the persistence gateway.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusExpired = "expired"
)

// DeliveryAttempt is the per-channel delivery record of an intent.
type DeliveryAttempt struct {
	Channel   ChannelKind `json:"channel"`
	Attempts  int         `json:"attempts"`
	Sent      bool        `json:"sent"`
	LastError string      `json:"last_error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`

	// Permanent is set when the last error is not retryable.
	Permanent bool `json:"permanent,omitempty"`
}

// Intent is a request to notify one user about one event on a set of
// channels. Once passed to Dispatch the dispatcher owns it.
type Intent struct {
	ID        string             `json:"id"`
	UserID    string             `json:"user_id"`
	DeviceID  string             `json:"device_id,omitempty"`
	Type      AlertType          `json:"type"`
	Priority  telemetry.Priority `json:"priority"`
	Severity  Severity           `json:"severity"`
	Title     string             `json:"title"`
	Message   string             `json:"message"`
	Payload   map[string]any     `json:"payload,omitempty"`
	Channels  []ChannelKind      `json:"channels"`
	CreatedAt time.Time          `json:"created_at"`
	ExpiresAt time.Time          `json:"expires_at"`

	RetryCount int                              `json:"retry_count"`
	Attempts   map[ChannelKind]*DeliveryAttempt `json:"attempts,omitempty"`

	// Covers are IDs claimed along with ID once the intent is accepted.
	Covers []string `json:"-"`
}

// Validate checks the fields every intent must carry.
func (in *Intent) Validate() error {
	switch {
	case in == nil:
		return fmt.Errorf("%w: nil", ErrInvalidIntent)
	case in.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidIntent)
	case in.UserID == "":
		return fmt.Errorf("%w: missing user", ErrInvalidIntent)
	case len(in.Channels) == 0:
		return fmt.Errorf("%w: no channels", ErrInvalidIntent)
	case in.ExpiresAt.IsZero():
		return fmt.Errorf("%w: missing expiry", ErrInvalidIntent)
	}
	return nil
}

// Expired reports whether the intent is past its expiry at now.
func (in *Intent) Expired(now time.Time) bool {
	return !now.Before(in.ExpiresAt)
}

// pendingChannels returns the required channels that are unsent and may
// still be retried.
func (in *Intent) pendingChannels() []ChannelKind {
	var out []ChannelKind
	for _, ch := range in.Channels {
		a := in.Attempts[ch]
		if a == nil || (!a.Sent && !a.Permanent) {
			out = append(out, ch)
		}
	}
	return out
}

// failedPermanently reports whether any required channel can no longer be sent.
func (in *Intent) failedPermanently() bool {
	for _, ch := range in.Channels {
		if a := in.Attempts[ch]; a != nil && a.Permanent && !a.Sent {
			return true
		}
	}
	return false
}

func (in *Intent) snapshotAttempts() map[ChannelKind]DeliveryAttempt {
	out := make(map[ChannelKind]DeliveryAttempt, len(in.Attempts))
	for k, a := range in.Attempts {
		out[k] = *a
	}
	return out
}

// Recipient holds a user's delivery addresses.
type Recipient struct {
	UserID     string
	Email      string
	Phone      string
	PushTokens []string
}

// Outcome summarises one Dispatch call.
type Outcome struct {
	IntentID  string
	Duplicate bool
	Archived  bool

	// Pending is true when the intent was queued for retry.
	Pending bool

	// Status is the recorded intent status.
	Status  string
	Results map[ChannelKind]DeliveryAttempt
}
