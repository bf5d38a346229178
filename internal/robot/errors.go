package robot

import "errors"

// Domain errors for the robot package.
var (
	// ErrInvalidDefinition is returned for definitions that fail decoding
	// or validation.
	ErrInvalidDefinition = errors.New("robot: invalid definition")

	// ErrUnknownModel is returned when no register table exists for a
	// device kind and model.
	ErrUnknownModel = errors.New("robot: unknown device model")

	// ErrProtocolMismatch is returned when a device model speaks a
	// different protocol version than its bus.
	ErrProtocolMismatch = errors.New("robot: protocol mismatch")

	// ErrAlreadyStarted is returned by Start on a running robot.
	ErrAlreadyStarted = errors.New("robot: already started")
)
