package domain

import "errors"

// Sentinel errors shared by the store, dialogue and conversation layers.
var (
	// ErrNotFound is returned when a conversation, file or message does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for malformed client input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnsupportedFormat is returned when an uploaded file type is not accepted.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrUnhandledState is returned when no dialogue rule produced a response.
	ErrUnhandledState = errors.New("response text not generated")
)
