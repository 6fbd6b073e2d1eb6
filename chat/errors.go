package chat

import "errors"

var (
	// ErrNoActiveRoom is returned when a send is attempted with no room
	// selected.
	ErrNoActiveRoom = errors.New("no active room")
	// ErrNotRetryable is returned when retrying a message that does not
	// exist or has not failed.
	ErrNotRetryable = errors.New("message is not retryable")
)
