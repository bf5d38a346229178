package joint

import (
	"errors"
	"fmt"
	"math"

	"github.com/nerrad567/graybot-core/internal/device"
)

// ErrInvalidJoint is returned by New for definitions that do not resolve
// to usable registers.
var ErrInvalidJoint = errors.New("joint: invalid joint")

// Config describes a joint over one device.
type Config struct {
	Name   string
	Device *device.Device

	// PositionRead and PositionWrite are required register names.
	PositionRead  string
	PositionWrite string

	// Optional register names.
	VelocityRead  string
	VelocityWrite string
	LoadRead      string
	LoadWrite     string
	Activate      string

	// Inverse flips the joint direction against the device.
	Inverse bool

	// Offset moves the joint zero, in device units. It applies after Inverse.
	Offset float64

	// Min and Max limit commanded positions, in joint coordinates.
	Min *float64
	Max *float64
}

// Registers are the device registers a joint resolved. Optional ones are nil.
type Registers struct {
	PositionRead  *device.Register
	PositionWrite *device.Register
	VelocityRead  *device.Register
	VelocityWrite *device.Register
	LoadRead      *device.Register
	LoadWrite     *device.Register
	Activate      *device.Register
}

// State is a point-in-time view of a joint, used by the API and telemetry.
type State struct {
	Name            string  `json:"name"`
	Device          string  `json:"device"`
	Position        float64 `json:"position"`
	Velocity        float64 `json:"velocity"`
	Load            float64 `json:"load"`
	DesiredPosition float64 `json:"desired_position"`
	Active          bool    `json:"active"`
}

// Joint maps a device's registers to joint coordinates.
//
// Reading a position applies inverse then offset; writing one clips to
// the range, removes the offset and undoes the inverse. Velocity and load
// apply the inverse only.
type Joint struct {
	name    string
	dev     *device.Device
	regs    Registers
	inverse bool
	offset  float64
	min     float64
	max     float64
}

// New resolves the joint's registers on its device.
//
// Parameters:
//   - cfg: Joint definition
//
// Returns:
//   - *Joint: Ready joint
//   - error: ErrInvalidJoint naming the missing or read-only register
func New(cfg Config) (*Joint, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: name should not be empty", ErrInvalidJoint)
	}
	if cfg.Device == nil {
		return nil, fmt.Errorf("%w: joint %s: device specification missing", ErrInvalidJoint, cfg.Name)
	}
	j := &Joint{
		name:    cfg.Name,
		dev:     cfg.Device,
		inverse: cfg.Inverse,
		offset:  cfg.Offset,
		min:     math.Inf(-1),
		max:     math.Inf(1),
	}
	if cfg.Min != nil {
		j.min = *cfg.Min
	}
	if cfg.Max != nil {
		j.max = *cfg.Max
	}
	if j.min > j.max {
		return nil, fmt.Errorf("%w: joint %s: min %g above max %g", ErrInvalidJoint, cfg.Name, j.min, j.max)
	}

	var err error
	bind := func(dst **device.Register, name string, required, writable bool) {
		if err != nil {
			return
		}
		if name == "" {
			if required {
				err = fmt.Errorf("%w: joint %s: register specification missing", ErrInvalidJoint, cfg.Name)
			}
			return
		}
		r, ok := cfg.Device.Register(name)
		if !ok {
			err = fmt.Errorf("%w: joint %s: device %s has no register %s", ErrInvalidJoint, cfg.Name, cfg.Device.Name(), name)
			return
		}
		if writable && !r.Writable() {
			err = fmt.Errorf("%w: joint %s: register %s is read-only", ErrInvalidJoint, cfg.Name, name)
			return
		}
		*dst = r
	}
	bind(&j.regs.PositionRead, cfg.PositionRead, true, false)
	bind(&j.regs.PositionWrite, cfg.PositionWrite, true, true)
	bind(&j.regs.VelocityRead, cfg.VelocityRead, false, false)
	bind(&j.regs.VelocityWrite, cfg.VelocityWrite, false, true)
	bind(&j.regs.LoadRead, cfg.LoadRead, false, false)
	bind(&j.regs.LoadWrite, cfg.LoadWrite, false, true)
	bind(&j.regs.Activate, cfg.Activate, false, true)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// Name returns the joint name.
func (j *Joint) Name() string { return j.name }

// Device returns the device the joint drives.
func (j *Joint) Device() *device.Device { return j.dev }

// Registers returns the resolved registers.
func (j *Joint) Registers() Registers { return j.regs }

// Inverse reports whether the joint runs against the device direction.
func (j *Joint) Inverse() bool { return j.inverse }

// Offset returns the joint zero offset.
func (j *Joint) Offset() float64 { return j.offset }

// Range returns the position limits. Unset limits are infinite.
func (j *Joint) Range() (float64, float64) { return j.min, j.max }

func (j *Joint) toJoint(v float64) float64 {
	if j.inverse {
		v = -v
	}
	return v + j.offset
}

func (j *Joint) direction(v float64) float64 {
	if j.inverse {
		return -v
	}
	return v
}

// Position returns the measured position.
func (j *Joint) Position() float64 {
	return j.toJoint(j.regs.PositionRead.Value())
}

// SetPosition commands a position, clipped to the joint range.
func (j *Joint) SetPosition(v float64) {
	v = math.Max(j.min, math.Min(j.max, v))
	v -= j.offset
	j.regs.PositionWrite.SetValue(j.direction(v))
}

// DesiredPosition returns the last commanded position, read back from the
// write register.
func (j *Joint) DesiredPosition() float64 {
	return j.toJoint(j.regs.PositionWrite.Value())
}

func read(r *device.Register) float64 {
	if r == nil {
		return 0
	}
	return r.Value()
}

// Velocity returns the measured velocity, or 0 without a register.
func (j *Joint) Velocity() float64 { return j.direction(read(j.regs.VelocityRead)) }

// SetVelocity commands a velocity. No-op without a register.
func (j *Joint) SetVelocity(v float64) {
	if j.regs.VelocityWrite != nil {
		j.regs.VelocityWrite.SetValue(j.direction(v))
	}
}

// DesiredVelocity returns the commanded velocity.
func (j *Joint) DesiredVelocity() float64 { return j.direction(read(j.regs.VelocityWrite)) }

// Load returns the measured load, or 0 without a register.
func (j *Joint) Load() float64 { return j.direction(read(j.regs.LoadRead)) }

// SetLoad commands a load. No-op without a register.
func (j *Joint) SetLoad(v float64) {
	if j.regs.LoadWrite != nil {
		j.regs.LoadWrite.SetValue(j.direction(v))
	}
}

// DesiredLoad returns the commanded load.
func (j *Joint) DesiredLoad() float64 { return j.direction(read(j.regs.LoadWrite)) }

// Active reports whether the joint is enabled. A joint without an activate
// register is always active.
func (j *Joint) Active() bool {
	if j.regs.Activate == nil {
		return true
	}
	return j.regs.Activate.Value() != 0
}

// SetActive enables or disables the joint. No-op without a register.
func (j *Joint) SetActive(on bool) {
	if j.regs.Activate == nil {
		return
	}
	var v float64
	if on {
		v = 1
	}
	j.regs.Activate.SetValue(v)
}

// State returns a snapshot of the joint.
func (j *Joint) State() State {
	return State{
		Name:            j.name,
		Device:          j.dev.Name(),
		Position:        j.Position(),
		Velocity:        j.Velocity(),
		Load:            j.Load(),
		DesiredPosition: j.DesiredPosition(),
		Active:          j.Active(),
	}
}

func (j *Joint) String() string {
	return fmt.Sprintf("%s: p=%.3f v=%.3f l=%.3f", j.name, j.Position(), j.Velocity(), j.Load())
}
