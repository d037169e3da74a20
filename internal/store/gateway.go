package store

import (
	"context"
	"errors"
	"slices"

	"github.com/botcareu/botcareu-core/internal/audit"
	"github.com/botcareu/botcareu-core/internal/notify"
	"github.com/botcareu/botcareu-core/internal/telemetry"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Reading history limits.
const (
	DefaultReadingLimit = 100
	MaxReadingLimit     = 1000
)

// Gateway persists pipeline output.
type Gateway interface {
	AppendReading(ctx context.Context, s telemetry.Sample) error
	RecordNotification(ctx context.Context, in *notify.Intent, status string) error
}

// HealthRecorder stores device health reported in heartbeats.
type HealthRecorder interface {
	RecordHealth(ctx context.Context, ev telemetry.StatusEvent) error
}

// ReadingLister returns recent readings for a device, newest first.
type ReadingLister interface {
	ListReadings(ctx context.Context, deviceID string, limit int) ([]telemetry.Sample, error)
}

// clampLimit bounds a reading history request to 1..MaxReadingLimit.
func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultReadingLimit
	case limit > MaxReadingLimit:
		return MaxReadingLimit
	}
	return limit
}

// Multi writes to every gateway and joins their errors.
type Multi []Gateway

// NewMulti drops nil gateways.
func NewMulti(gateways ...Gateway) Multi {
	return slices.DeleteFunc(gateways, func(g Gateway) bool { return g == nil })
}

// AppendReading implements Gateway.
func (m Multi) AppendReading(ctx context.Context, s telemetry.Sample) error {
	var errs []error
	for _, g := range m {
		if err := g.AppendReading(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordNotification implements Gateway.
func (m Multi) RecordNotification(ctx context.Context, in *notify.Intent, status string) error {
	var errs []error
	for _, g := range m {
		if err := g.RecordNotification(ctx, in, status); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// attemptList returns the attempts of in in channel order.
func attemptList(in *notify.Intent) []notify.DeliveryAttempt {
	out := make([]notify.DeliveryAttempt, 0, len(in.Attempts))
	for _, ch := range in.Channels {
		if a := in.Attempts[ch]; a != nil {
			c := *a
			c.Channel = ch
			out = append(out, c)
		}
	}
	return out
}

// auditAction maps a terminal status to its audit action, or "" when the
// status is not audited.
func auditAction(status string) string {
	switch status {
	case notify.StatusFailed:
		return audit.ActionNotificationFailed
	case notify.StatusExpired:
		return audit.ActionNotificationExpired
	}
	return ""
}
