// Package sensor exposes device registers as calibrated sensor readings.
//
// A Sensor reads one register; a SensorXYZ reads three, one per axis.
// Readings apply an optional bit mask to the raw register value, then the
// inverse and the offset.
package sensor

import (
	"errors"
	"fmt"

	"github.com/nerrad567/graybot-core/internal/device"
)

// ErrInvalidSensor is returned for definitions that do not resolve to
// usable registers.
var ErrInvalidSensor = errors.New("sensor: invalid sensor")

// Config describes a single-value sensor.
type Config struct {
	Name   string
	Device *device.Device

	// Read is the register holding the reading. Required.
	Read string

	// Activate is an optional writable register enabling the sensor.
	Activate string

	Inverse bool
	Offset  float64

	// Mask is applied to the internal value before conversion. Nil means none.
	Mask *int64

	// AutoActivate asks the robot to enable the sensor on start.
	AutoActivate bool
}

// Reading is a point-in-time view used by the API and telemetry.
type Reading struct {
	Name   string    `json:"name"`
	Device string    `json:"device"`
	Values []float64 `json:"values"`
	Active bool      `json:"active"`
}

// base holds what single and three-axis sensors share.
type base struct {
	name         string
	dev          *device.Device
	activate     *device.Register
	autoActivate bool
}

func newBase(name string, dev *device.Device, activate string, auto bool) (base, error) {
	b := base{name: name, dev: dev, autoActivate: auto}
	if name == "" {
		return b, fmt.Errorf("%w: name should not be empty", ErrInvalidSensor)
	}
	if dev == nil {
		return b, fmt.Errorf("%w: sensor %s: device specification missing", ErrInvalidSensor, name)
	}
	if activate != "" {
		r, err := lookup(name, dev, activate)
		if err != nil {
			return b, err
		}
		if !r.Writable() {
			return b, fmt.Errorf("%w: sensor %s: register %s is read-only", ErrInvalidSensor, name, activate)
		}
		b.activate = r
	}
	return b, nil
}

func lookup(name string, dev *device.Device, reg string) (*device.Register, error) {
	if reg == "" {
		return nil, fmt.Errorf("%w: sensor %s: register specification missing", ErrInvalidSensor, name)
	}
	r, ok := dev.Register(reg)
	if !ok {
		return nil, fmt.Errorf("%w: sensor %s: device %s has no register %s", ErrInvalidSensor, name, dev.Name(), reg)
	}
	return r, nil
}

// Name returns the sensor name.
func (b *base) Name() string { return b.name }

// Device returns the device the sensor reads.
func (b *base) Device() *device.Device { return b.dev }

// ActivateRegister returns the activate register, or nil.
func (b *base) ActivateRegister() *device.Register { return b.activate }

// AutoActivate reports whether the robot enables the sensor on start.
func (b *base) AutoActivate() bool { return b.autoActivate }

// Active reports whether the sensor is enabled. A sensor without an
// activate register is always active.
func (b *base) Active() bool {
	if b.activate == nil {
		return true
	}
	return b.activate.Value() != 0
}

// SetActive enables or disables the sensor. No-op without a register.
func (b *base) SetActive(on bool) {
	if b.activate == nil {
		return
	}
	var v float64
	if on {
		v = 1
	}
	b.activate.SetValue(v)
}

// channel is one calibrated register.
type channel struct {
	reg     *device.Register
	inverse bool
	offset  float64
	mask    *int64
}

func (c channel) value() float64 {
	v := c.reg.Value()
	if c.mask != nil {
		v = c.reg.Codec().ToExternal(c.reg.Int() & *c.mask)
	}
	if c.inverse {
		v = -v
	}
	return v + c.offset
}

// Sensor is a single calibrated reading.
type Sensor struct {
	base
	ch channel
}

// New resolves a sensor's registers.
func New(cfg Config) (*Sensor, error) {
	b, err := newBase(cfg.Name, cfg.Device, cfg.Activate, cfg.AutoActivate)
	if err != nil {
		return nil, err
	}
	r, err := lookup(cfg.Name, cfg.Device, cfg.Read)
	if err != nil {
		return nil, err
	}
	return &Sensor{base: b, ch: channel{reg: r, inverse: cfg.Inverse, offset: cfg.Offset, mask: cfg.Mask}}, nil
}

// ReadRegister returns the register holding the reading.
func (s *Sensor) ReadRegister() *device.Register { return s.ch.reg }

// Inverse reports whether the reading is negated.
func (s *Sensor) Inverse() bool { return s.ch.inverse }

// Offset returns the offset added to the reading.
func (s *Sensor) Offset() float64 { return s.ch.offset }

// Mask returns the bit mask, or nil.
func (s *Sensor) Mask() *int64 { return s.ch.mask }

// Value returns the calibrated reading.
func (s *Sensor) Value() float64 { return s.ch.value() }

// Reading returns a snapshot of the sensor.
func (s *Sensor) Reading() Reading {
	return Reading{Name: s.name, Device: s.dev.Name(), Values: []float64{s.Value()}, Active: s.Active()}
}

func (s *Sensor) String() string {
	return fmt.Sprintf("%s: %.3f", s.name, s.Value())
}

// Axis calibrates one axis of a SensorXYZ.
type Axis struct {
	Register string
	Inverse  bool
	Offset   float64
}

// XYZConfig describes a three-axis sensor such as a gyroscope or an
// accelerometer.
type XYZConfig struct {
	Name         string
	Device       *device.Device
	X, Y, Z      Axis
	Activate     string
	AutoActivate bool
}

// SensorXYZ is a three-axis calibrated reading.
type SensorXYZ struct {
	base
	x, y, z channel
}

// NewXYZ resolves a three-axis sensor's registers.
func NewXYZ(cfg XYZConfig) (*SensorXYZ, error) {
	b, err := newBase(cfg.Name, cfg.Device, cfg.Activate, cfg.AutoActivate)
	if err != nil {
		return nil, err
	}
	s := &SensorXYZ{base: b}
	for _, a := range []struct {
		dst  *channel
		axis Axis
	}{{&s.x, cfg.X}, {&s.y, cfg.Y}, {&s.z, cfg.Z}} {
		r, err := lookup(cfg.Name, cfg.Device, a.axis.Register)
		if err != nil {
			return nil, err
		}
		*a.dst = channel{reg: r, inverse: a.axis.Inverse, offset: a.axis.Offset}
	}
	return s, nil
}

// Registers returns the x, y and z registers.
func (s *SensorXYZ) Registers() (x, y, z *device.Register) { return s.x.reg, s.y.reg, s.z.reg }

// Axes returns the calibration of each axis.
func (s *SensorXYZ) Axes() (x, y, z Axis) {
	axis := func(c channel) Axis { return Axis{Register: c.reg.Name(), Inverse: c.inverse, Offset: c.offset} }
	return axis(s.x), axis(s.y), axis(s.z)
}

// X returns the calibrated x reading.
func (s *SensorXYZ) X() float64 { return s.x.value() }

// Y returns the calibrated y reading.
func (s *SensorXYZ) Y() float64 { return s.y.value() }

// Z returns the calibrated z reading.
func (s *SensorXYZ) Z() float64 { return s.z.value() }

// Value returns the three calibrated readings.
func (s *SensorXYZ) Value() (float64, float64, float64) { return s.X(), s.Y(), s.Z() }

// Reading returns a snapshot of the sensor.
func (s *SensorXYZ) Reading() Reading {
	x, y, z := s.Value()
	return Reading{Name: s.name, Device: s.dev.Name(), Values: []float64{x, y, z}, Active: s.Active()}
}

func (s *SensorXYZ) String() string {
	x, y, z := s.Value()
	return fmt.Sprintf("%s: x=%.3f y=%.3f z=%.3f", s.name, x, y, z)
}
