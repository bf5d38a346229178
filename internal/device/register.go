package device

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Access is the access mode of a register.
type Access int

const (
	// AccessR marks a read-only register.
	AccessR Access = iota
	// AccessRW marks a read-write register.
	AccessRW
)

// String returns "R" or "RW".
func (a Access) String() string {
	if a == AccessRW {
		return "RW"
	}
	return "R"
}

// ParseAccess converts "R" or "RW" (case-insensitive) into an Access.
func ParseAccess(s string) (Access, error) {
	switch strings.ToUpper(s) {
	case "", "R":
		return AccessR, nil
	case "RW":
		return AccessRW, nil
	default:
		return AccessR, fmt.Errorf("%w: access %q should be one of R, RW", ErrInvalidRegister, s)
	}
}

// RegisterSpec is the structural description of a register, usually taken
// from a device model table.
type RegisterSpec struct {
	Name    string
	Address uint16
	Size    int
	Access  Access
	Kind    Kind

	// Sync marks a register whose value is maintained by a sync loop.
	// Accessing it never triggers a bus transaction.
	Sync bool

	// Min and Max bound the internal value. Nil means the natural bound
	// for the size and kind.
	Min *int64
	Max *int64

	// Default is the initial internal value.
	Default int64

	// Factor and Offset parameterise conversion and threshold kinds.
	Factor float64
	Offset float64

	// Threshold is the sign boundary of threshold registers.
	Threshold int64
}

// Register is a fixed-width addressable value on a device.
//
// The internal value is stored atomically so loops and ad-hoc callers can
// read it without locking. Writes to hardware go through the owning bus.
//
// Thread Safety:
//   - Int, SetInt, Value and SetValue are safe for concurrent use.
//   - Structural fields never change after construction.
type Register struct {
	name    string
	address uint16
	size    int
	access  Access
	kind    Kind
	min     int64
	max     int64
	codec   Codec

	value  atomic.Int64
	sync   atomic.Bool
	device *Device
}

// maxForSize returns the largest unsigned value that fits in size bytes.
func maxForSize(size int) int64 {
	return int64(1)<<(8*uint(size)) - 1
}

// NewRegister validates a spec and builds a register.
//
// Parameters:
//   - spec: Structural description of the register
//
// Returns:
//   - *Register: Register holding spec.Default (clipped to its bounds)
//   - error: ErrInvalidRegister if the spec is structurally invalid
func NewRegister(spec RegisterSpec) (*Register, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: name should not be empty", ErrInvalidRegister)
	}
	if spec.Size != 1 && spec.Size != 2 && spec.Size != 4 {
		return nil, fmt.Errorf("%w: %s: size %d should be one of 1, 2, 4", ErrInvalidRegister, spec.Name, spec.Size)
	}
	if spec.Kind == "" {
		spec.Kind = KindBase
	}
	if !spec.Kind.Valid() {
		return nil, fmt.Errorf("%w: %s: kind %q should be one of %v", ErrInvalidRegister, spec.Name, spec.Kind, AllKinds())
	}
	if (spec.Kind == KindConversion || spec.Kind == KindThreshold) && spec.Factor == 0 {
		return nil, fmt.Errorf("%w: %s: factor should not be zero", ErrInvalidRegister, spec.Name)
	}

	lo, hi := naturalBounds(spec.Kind, spec.Size)
	if spec.Min != nil {
		lo = *spec.Min
	}
	if spec.Max != nil {
		hi = *spec.Max
	}
	if lo < 0 || hi > maxForSize(spec.Size) {
		return nil, fmt.Errorf("%w: %s: bounds [%d, %d] do not fit %d byte(s)", ErrInvalidRegister, spec.Name, lo, hi, spec.Size)
	}
	if lo > hi {
		return nil, fmt.Errorf("%w: %s: min %d greater than max %d", ErrInvalidRegister, spec.Name, lo, hi)
	}

	r := &Register{
		name:    spec.Name,
		address: spec.Address,
		size:    spec.Size,
		access:  spec.Access,
		kind:    spec.Kind,
		min:     lo,
		max:     hi,
		codec:   newCodec(spec),
	}
	r.sync.Store(spec.Sync)
	r.value.Store(r.clip(spec.Default))
	return r, nil
}

func naturalBounds(kind Kind, size int) (int64, int64) {
	switch kind {
	case KindBool:
		return 0, 1
	case KindAXBaud:
		return 1, 207
	case KindXLBaud:
		return 0, 3
	case KindAXComplianceSlope:
		return 0, 254
	default:
		return 0, maxForSize(size)
	}
}

func (r *Register) clip(v int64) int64 {
	if v < r.min {
		return r.min
	}
	if v > r.max {
		return r.max
	}
	return v
}

// Name returns the register name.
func (r *Register) Name() string { return r.name }

// Address returns the register address on the device.
func (r *Register) Address() uint16 { return r.address }

// Size returns the register width in bytes.
func (r *Register) Size() int { return r.size }

// Access returns the register access mode.
func (r *Register) Access() Access { return r.access }

// Kind returns the register conversion kind.
func (r *Register) Kind() Kind { return r.kind }

// IsSync reports whether the register is maintained by a sync loop.
func (r *Register) IsSync() bool { return r.sync.Load() }

// MarkSync flags the register as maintained by a sync loop. Loops call it
// when they are built, so later Value and SetValue calls stop issuing their
// own bus transactions.
func (r *Register) MarkSync() { r.sync.Store(true) }

// Min returns the lower internal bound.
func (r *Register) Min() int64 { return r.min }

// Max returns the upper internal bound.
func (r *Register) Max() int64 { return r.max }

// Device returns the owning device, or nil before the register is attached.
func (r *Register) Device() *Device { return r.device }

// Writable reports whether the register accepts writes.
func (r *Register) Writable() bool { return r.access == AccessRW }

// Int returns the raw internal value without touching the bus.
func (r *Register) Int() int64 {
	return r.value.Load()
}

// SetInt stores a raw internal value, clipped to [Min, Max], without
// touching the bus. Sync loops use it to publish values they read.
func (r *Register) SetInt(v int64) {
	r.value.Store(r.clip(v))
}

// Value returns the external value. Non-sync registers are first refreshed
// from hardware; a failed refresh is logged and the last known value returned.
func (r *Register) Value() float64 {
	if !r.sync.Load() && r.device != nil {
		r.Read()
	}
	return r.codec.ToExternal(r.Int())
}

// SetValue converts and stores an external value.
//
// Runtime failures are logged, never returned: writing a read-only register
// or a value the codec cannot represent emits one error record and leaves
// the register unchanged. Non-sync registers are written through the bus
// and only updated when the transaction succeeds.
func (r *Register) SetValue(v float64) {
	log := r.logger()
	if r.access != AccessRW {
		log.Error(fmt.Sprintf("attempted to write in RO register %s", r.name), "register", r.name)
		return
	}
	iv, err := r.codec.ToInternal(v)
	if err != nil {
		log.Error(err.Error(), "register", r.name, "value", v)
		return
	}
	iv = r.clip(iv)
	if r.sync.Load() || r.device == nil {
		r.value.Store(iv)
		return
	}
	r.device.bus.Write(r, iv)
}

// Read refreshes the internal value from hardware through the bus lock
// protocol. Failures are logged.
func (r *Register) Read() {
	if r.device == nil {
		return
	}
	r.device.bus.Read(r)
}

// Write pushes the current internal value to hardware through the bus
// lock protocol. Failures are logged.
func (r *Register) Write() {
	if r.device == nil {
		return
	}
	if r.access != AccessRW {
		r.logger().Error(fmt.Sprintf("attempted to write in RO register %s", r.name), "register", r.name)
		return
	}
	r.device.bus.Write(r, r.Int())
}

// Codec returns the register's conversion pair.
func (r *Register) Codec() Codec { return r.codec }

func (r *Register) logger() Logger {
	if r.device != nil && r.device.bus != nil {
		return r.device.bus.log()
	}
	return noopLogger{}
}

// String returns "name@address=value".
func (r *Register) String() string {
	return fmt.Sprintf("%s@%d=%d", r.name, r.address, r.Int())
}
