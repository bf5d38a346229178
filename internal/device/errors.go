package device

import "errors"

// Domain errors for the device package.
var (
	// ErrBusClosed is returned by raw block operations on a bus that is not open.
	ErrBusClosed = errors.New("device: bus closed")

	// ErrInvalidBus is returned when a bus is constructed with missing parameters.
	ErrInvalidBus = errors.New("device: invalid bus")

	// ErrInvalidDevice is returned when a device is constructed with missing
	// parameters or duplicate register names.
	ErrInvalidDevice = errors.New("device: invalid device")

	// ErrInvalidRegister is returned when structural register parameters
	// (size, bounds, factor, kind) are invalid.
	ErrInvalidRegister = errors.New("device: invalid register")

	// ErrUnknownRegister is returned when a register name is not defined on a device.
	ErrUnknownRegister = errors.New("device: unknown register")

	// ErrRegisterSize is returned when packing or unpacking a value whose
	// width is not 1, 2 or 4 bytes.
	ErrRegisterSize = errors.New("device: unexpected register size")

	// ErrUnsupportedValue is returned by a codec that cannot represent an
	// external value.
	ErrUnsupportedValue = errors.New("device: unsupported value")
)
