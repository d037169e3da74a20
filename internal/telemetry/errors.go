package telemetry

import "errors"

// Pipeline error taxonomy. Every per-message failure is one of these and
// is isolated to that message.
var (
	// ErrMalformed marks an unparseable topic or payload. Dropped, logged,
	// never retried.
	ErrMalformed = errors.New("telemetry: malformed message")

	// ErrOutOfRange marks a sample that failed validity checks. It is
	// stored but never alerts.
	ErrOutOfRange = errors.New("telemetry: sample out of range")

	// ErrUnknownDevice marks a message for a device the tracker does not know.
	ErrUnknownDevice = errors.New("telemetry: unknown device")

	// ErrStateConflict marks an update older than the stored state. It is
	// ignored silently.
	ErrStateConflict = errors.New("telemetry: out-of-order update")
)
