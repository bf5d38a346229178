package robot

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/graybot-core/internal/batch"
)

// Bus kinds. The set is closed.
const (
	BusMock      = "mock"
	BusDynamixel = "dynamixel"
	BusModbus    = "modbus"
	BusI2C       = "i2c"
)

// Device kinds. The set is closed.
const (
	DeviceBase      = "base"
	DeviceDynamixel = "dynamixel"
	DeviceI2C       = "i2c"
)

var (
	busKinds    = []string{BusDynamixel, BusI2C, BusMock, BusModbus}
	deviceKinds = []string{DeviceBase, DeviceDynamixel, DeviceI2C}
)

// deviceBuses lists the bus kinds each device kind can sit on.
var deviceBuses = map[string][]string{
	DeviceBase:      {BusDynamixel, BusI2C, BusMock, BusModbus},
	DeviceDynamixel: {BusDynamixel, BusMock},
	DeviceI2C:       {BusI2C, BusMock},
}

// Definition is the YAML description of a robot.
type Definition struct {
	Name    string               `yaml:"name"`
	Buses   map[string]BusDef    `yaml:"buses"`
	Devices map[string]DeviceDef `yaml:"devices"`
	Joints  map[string]JointDef  `yaml:"joints"`
	Sensors map[string]SensorDef `yaml:"sensors"`
	Syncs   map[string]SyncDef   `yaml:"syncs"`
}

// BusDef describes a bus.
type BusDef struct {
	Kind     string `yaml:"kind"`
	Port     string `yaml:"port"`
	Protocol string `yaml:"protocol"`
	Baud     int    `yaml:"baud"`
	Parity   string `yaml:"parity"`
	StopBits int    `yaml:"stop_bits"`

	// Timeout is the per-transaction timeout in milliseconds.
	Timeout int `yaml:"timeout"`

	// Mock only.
	ErrorRate float64 `yaml:"error_rate"`
	Latency   int     `yaml:"latency"` // milliseconds
}

// DeviceDef describes a device on a bus.
type DeviceDef struct {
	Kind  string `yaml:"kind"`
	Model string `yaml:"model"`
	Bus   string `yaml:"bus"`
	ID    *int   `yaml:"id"`

	// Registers are appended to the model's register table.
	Registers []RegisterDef `yaml:"registers"`
}

// RegisterDef is one row of a register table.
type RegisterDef struct {
	Name      string  `yaml:"name"`
	Address   uint16  `yaml:"address"`
	Size      int     `yaml:"size"`
	Access    string  `yaml:"access"`
	Kind      string  `yaml:"kind"`
	Sync      bool    `yaml:"sync"`
	Min       *int64  `yaml:"min"`
	Max       *int64  `yaml:"max"`
	Default   int64   `yaml:"default"`
	Factor    float64 `yaml:"factor"`
	Offset    float64 `yaml:"offset"`
	Threshold int64   `yaml:"threshold"`
}

// JointDef describes a joint.
type JointDef struct {
	Device        string   `yaml:"device"`
	PositionRead  string   `yaml:"pos_read"`
	PositionWrite string   `yaml:"pos_write"`
	VelocityRead  string   `yaml:"vel_read"`
	VelocityWrite string   `yaml:"vel_write"`
	LoadRead      string   `yaml:"load_read"`
	LoadWrite     string   `yaml:"load_write"`
	Activate      string   `yaml:"activate"`
	Inverse       bool     `yaml:"inverse"`
	Offset        float64  `yaml:"offset"`
	Min           *float64 `yaml:"min"`
	Max           *float64 `yaml:"max"`
}

// AxisDef calibrates one axis of a three-axis sensor.
type AxisDef struct {
	Register string  `yaml:"register"`
	Inverse  bool    `yaml:"inverse"`
	Offset   float64 `yaml:"offset"`
}

// SensorDef describes a sensor. A definition with x, y and z axes builds a
// three-axis sensor; otherwise read names the single register.
type SensorDef struct {
	Device   string   `yaml:"device"`
	Read     string   `yaml:"read"`
	Activate string   `yaml:"activate"`
	Inverse  bool     `yaml:"inverse"`
	Offset   float64  `yaml:"offset"`
	Mask     *int64   `yaml:"mask"`
	Auto     *bool    `yaml:"auto"`
	X        *AxisDef `yaml:"x"`
	Y        *AxisDef `yaml:"y"`
	Z        *AxisDef `yaml:"z"`
}

func (s SensorDef) xyz() bool { return s.X != nil || s.Y != nil || s.Z != nil }

// SyncDef describes a sync loop.
type SyncDef struct {
	Kind      string   `yaml:"kind"`
	Devices   []string `yaml:"devices"`
	Registers []string `yaml:"registers"`
	Frequency float64  `yaml:"frequency"`
	Warning   float64  `yaml:"warning"`
	Review    float64  `yaml:"review"`

	// Auto starts the loop with the robot. Default: true.
	Auto *bool `yaml:"auto"`
}

// AutoStart reports whether the loop starts with the robot.
func (s SyncDef) AutoStart() bool { return s.Auto == nil || *s.Auto }

// LoadDefinition reads and validates a robot definition file.
//
// Parameters:
//   - path: Path to the YAML definition
//
// Returns:
//   - *Definition: Validated definition
//   - error: Read, decode or validation failure
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("reading robot definition: %w", err)
	}
	return ParseDefinition(data)
}

// ParseDefinition decodes and validates a YAML robot definition. Unknown
// keys are rejected.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := decodeStrict(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// decodeStrict decodes one YAML document, rejecting unknown keys and
// rewording type mismatches.
func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	err := dec.Decode(out)
	if errors.Is(err, io.EOF) {
		return errors.New("document should not be empty")
	}
	var te *yaml.TypeError
	if errors.As(err, &te) {
		msgs := make([]string, 0, len(te.Errors))
		for _, m := range te.Errors {
			msgs = append(msgs, typeMessage(m))
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return err
}

// typeMessage turns "line 3: cannot unmarshal !!str `x` into int" into a
// message naming the expected type. Unknown-field errors pass through.
func typeMessage(m string) string {
	i := strings.LastIndex(m, " into ")
	if i < 0 || !strings.Contains(m, "cannot unmarshal") {
		return m
	}
	return fmt.Sprintf("%s: value should be of type %s", m[:i], m[i+len(" into "):])
}

// Validate checks the definition for structural errors. All problems are
// collected into one error.
//
// Returns:
//   - error: ErrInvalidDefinition listing every problem, or nil if valid
func (d *Definition) Validate() error {
	c := &checker{}

	c.notEmpty("robot", "buses", len(d.Buses) == 0)
	c.notEmpty("robot", "devices", len(d.Devices) == 0)

	for _, name := range sortedKeys(d.Buses) {
		d.validateBus(c, name, d.Buses[name])
	}
	owners := make(map[string]map[int]string, len(d.Buses))
	for _, name := range sortedKeys(d.Devices) {
		dev := d.Devices[name]
		d.validateDevice(c, name, dev)
		if dev.ID == nil || dev.Bus == "" {
			continue
		}
		if owners[dev.Bus] == nil {
			owners[dev.Bus] = make(map[int]string)
		}
		if other, dup := owners[dev.Bus][*dev.ID]; dup {
			c.add("device %s: id %d already used by device %s on bus %s", name, *dev.ID, other, dev.Bus)
			continue
		}
		owners[dev.Bus][*dev.ID] = name
	}
	for _, name := range sortedKeys(d.Joints) {
		j := d.Joints[name]
		obj := "joint " + name
		d.deviceRef(c, obj, j.Device)
		c.key(obj, "pos_read", j.PositionRead != "")
		c.key(obj, "pos_write", j.PositionWrite != "")
	}
	for _, name := range sortedKeys(d.Sensors) {
		s := d.Sensors[name]
		obj := "sensor " + name
		d.deviceRef(c, obj, s.Device)
		if s.xyz() {
			c.key(obj, "x", s.X != nil)
			c.key(obj, "y", s.Y != nil)
			c.key(obj, "z", s.Z != nil)
		} else {
			c.key(obj, "read", s.Read != "")
		}
	}
	for _, name := range sortedKeys(d.Syncs) {
		d.validateSync(c, name, d.Syncs[name])
	}

	return c.err()
}

func (d *Definition) validateBus(c *checker, name string, b BusDef) {
	obj := "bus " + name
	if !c.key(obj, "kind", b.Kind != "") {
		return
	}
	c.options(obj, "kind", b.Kind, busKinds)
	if b.Kind != BusMock && b.Kind != BusI2C {
		c.key(obj, "port", b.Port != "")
	}
	if b.Timeout < 0 {
		c.add("%s: timeout %d should not be negative", obj, b.Timeout)
	}
	if b.ErrorRate < 0 || b.ErrorRate > 1 {
		c.add("%s: error_rate %g should be within [0, 1]", obj, b.ErrorRate)
	}
}

func (d *Definition) validateDevice(c *checker, name string, dev DeviceDef) {
	obj := "device " + name
	if c.key(obj, "kind", dev.Kind != "") {
		c.options(obj, "kind", dev.Kind, deviceKinds)
	}
	c.key(obj, "id", dev.ID != nil)
	if dev.Kind != DeviceBase || len(dev.Registers) == 0 {
		c.key(obj, "model", dev.Model != "")
	}
	if !c.key(obj, "bus", dev.Bus != "") {
		return
	}
	if !c.options(obj, "bus", dev.Bus, sortedKeys(d.Buses)) {
		return
	}
	if allowed, ok := deviceBuses[dev.Kind]; ok {
		c.options(obj, "bus kind", d.Buses[dev.Bus].Kind, allowed)
	}
}

func (d *Definition) validateSync(c *checker, name string, s SyncDef) {
	obj := "sync " + name
	if c.key(obj, "kind", s.Kind != "") {
		kinds := make([]string, 0, len(batch.AllKinds()))
		for _, k := range batch.AllKinds() {
			kinds = append(kinds, string(k))
		}
		c.options(obj, "kind", s.Kind, kinds)
	}
	if c.key(obj, "devices", s.Devices != nil) && c.notEmpty(obj, "devices", len(s.Devices) == 0) {
		for _, dev := range s.Devices {
			d.deviceRef(c, obj, dev)
		}
	}
	if c.key(obj, "registers", s.Registers != nil) {
		c.notEmpty(obj, "registers", len(s.Registers) == 0)
	}
	if !(s.Frequency > 0) {
		c.add("%s: frequency %g should be positive", obj, s.Frequency)
	}
}

func (d *Definition) deviceRef(c *checker, obj, dev string) {
	if c.key(obj, "device", dev != "") {
		c.options(obj, "device", dev, sortedKeys(d.Devices))
	}
}

// checker collects validation messages.
type checker struct {
	errs []string
}

func (c *checker) add(format string, args ...any) {
	c.errs = append(c.errs, fmt.Sprintf(format, args...))
}

// key records a missing required key and reports whether it is present.
func (c *checker) key(obj, key string, present bool) bool {
	if !present {
		c.add("%s: %s specification missing", obj, key)
	}
	return present
}

// notEmpty records an empty value and reports whether it is non-empty.
func (c *checker) notEmpty(obj, key string, empty bool) bool {
	if empty {
		c.add("%s: %s should not be empty", obj, key)
	}
	return !empty
}

// options records a value outside the allowed set and reports whether the
// value is allowed.
func (c *checker) options(obj, key, value string, allowed []string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	c.add("%s: %s %q should be one of %v", obj, key, value, allowed)
	return false
}

func (c *checker) err() error {
	if len(c.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(c.errs, "; "))
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
