package models

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrNotOwner is returned when a worker touches a job whose lease it does not hold
	ErrNotOwner = errors.New("lease not held by worker")

	// ErrTerminal is returned when a transition is attempted out of done/failed/canceled
	ErrTerminal = errors.New("job already in a terminal state")

	// ErrInvalidPayload is returned for unknown kinds or malformed payloads
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrTokenInvalid covers unknown, expired and already-consumed bootstrap tokens
	ErrTokenInvalid = errors.New("bootstrap token invalid")
)
