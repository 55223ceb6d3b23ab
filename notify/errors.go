package notify

import "fmt"

// ErrUnknownChannel is returned when a channel type is enabled but no
// Notifier was registered for it.
type ErrUnknownChannel struct {
	Channel string
}

func (e *ErrUnknownChannel) Error() string {
	return fmt.Sprintf("notify: unknown channel: %s", e.Channel)
}

// ErrSendFailed wraps a delivery failure with its channel context.
type ErrSendFailed struct {
	Channel string
	Cause   error
}

func (e *ErrSendFailed) Error() string {
	return fmt.Sprintf("notify: send failed on %s: %v", e.Channel, e.Cause)
}

func (e *ErrSendFailed) Unwrap() error { return e.Cause }
