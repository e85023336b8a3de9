package chat

import "errors"

var (
	// ErrInvalidTransition is returned when an operator action is not allowed
	// from the chat's current status.
	ErrInvalidTransition = errors.New("invalid chat transition")
	// ErrInvalidInput is returned for malformed operator or bot input.
	ErrInvalidInput = errors.New("invalid input")
)
