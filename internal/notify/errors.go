package notify

import "errors"

var (
	// ErrInvalidIntent is returned for a nil or incomplete intent.
	ErrInvalidIntent = errors.New("notify: invalid intent")

	// ErrChannelFailure wraps a delivery error from a channel. It is
	// retried until the intent's retry budget is spent.
	ErrChannelFailure = errors.New("notify: channel delivery failed")

	// ErrNoAddress means the recipient has no address for the channel.
	// Not retryable.
	ErrNoAddress = errors.New("notify: recipient has no address for channel")

	// ErrRejected means the provider refused the message outright.
	// Not retryable.
	ErrRejected = errors.New("notify: provider rejected message")

	// ErrNoChannel means no implementation is configured for a required
	// channel. Not retryable.
	ErrNoChannel = errors.New("notify: channel not configured")

	// ErrQueueFull is returned when the retry queue is at capacity.
	ErrQueueFull = errors.New("notify: retry queue full")

	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("notify: dispatcher closed")
)

// retryable reports whether a failed attempt should be tried again.
func retryable(err error) bool {
	return err != nil &&
		!errors.Is(err, ErrNoAddress) &&
		!errors.Is(err, ErrRejected) &&
		!errors.Is(err, ErrNoChannel)
}
