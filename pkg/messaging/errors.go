package messaging

import "errors"

var (
	// ErrTimeout means every attempt of a request went unanswered.
	ErrTimeout = errors.New("messaging: request timed out")
	// ErrMalformed means a message or reply could not be decoded.
	ErrMalformed = errors.New("messaging: malformed message")
	// ErrClosed means the underlying socket was closed.
	ErrClosed = errors.New("messaging: closed")
)
