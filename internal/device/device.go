package device

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// DeviceConfig holds the identity of a device on its bus.
type DeviceConfig struct {
	// Name identifies the device in definitions and logs.
	Name string

	// ID is the device address on the bus.
	ID int

	// Model names the register table the device was built from.
	Model string
}

// Device is an addressable endpoint on a bus exposing named registers.
//
// The register set is fixed at construction; traversing it needs no locking.
type Device struct {
	name  string
	id    int
	model string
	bus   *Bus

	registers []*Register
	byName    map[string]*Register
}

// NewDevice attaches registers to a new device on bus.
//
// Parameters:
//   - cfg: Device identity (Name is required)
//   - bus: The bus serving the device (required)
//   - registers: Registers in declaration order; each may belong to one device only
//
// Returns:
//   - *Device: Device registered with the bus
//   - error: ErrInvalidDevice on missing fields or duplicate register names
func NewDevice(cfg DeviceConfig, bus *Bus, registers []*Register) (*Device, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: name should not be empty", ErrInvalidDevice)
	}
	if bus == nil {
		return nil, fmt.Errorf("%w: %s: bus missing", ErrInvalidDevice, cfg.Name)
	}
	d := &Device{
		name:      cfg.Name,
		id:        cfg.ID,
		model:     cfg.Model,
		bus:       bus,
		registers: make([]*Register, 0, len(registers)),
		byName:    make(map[string]*Register, len(registers)),
	}
	for _, r := range registers {
		if r == nil {
			return nil, fmt.Errorf("%w: %s: nil register", ErrInvalidDevice, cfg.Name)
		}
		if _, dup := d.byName[r.name]; dup {
			return nil, fmt.Errorf("%w: %s: duplicate register %s", ErrInvalidDevice, cfg.Name, r.name)
		}
		if r.device != nil {
			return nil, fmt.Errorf("%w: %s: register %s already belongs to %s", ErrInvalidDevice, cfg.Name, r.name, r.device.name)
		}
		d.registers = append(d.registers, r)
		d.byName[r.name] = r
	}
	for _, r := range d.registers {
		r.device = d
	}
	bus.attach(d)
	return d, nil
}

// Name returns the device name.
func (d *Device) Name() string { return d.name }

// ID returns the device address on the bus.
func (d *Device) ID() int { return d.id }

// Model returns the model the device was built from.
func (d *Device) Model() string { return d.model }

// Bus returns the bus serving the device.
func (d *Device) Bus() *Bus { return d.bus }

// Register looks up a register by name.
func (d *Device) Register(name string) (*Register, bool) {
	r, ok := d.byName[name]
	return r, ok
}

// Registers returns the registers in declaration order.
func (d *Device) Registers() []*Register {
	out := make([]*Register, len(d.registers))
	copy(out, d.registers)
	return out
}

// Lookup resolves names to registers, failing on the first unknown name.
func (d *Device) Lookup(names ...string) ([]*Register, error) {
	out := make([]*Register, 0, len(names))
	for _, n := range names {
		r, ok := d.byName[n]
		if !ok {
			return nil, fmt.Errorf("%w: %s on device %s", ErrUnknownRegister, n, d.name)
		}
		out = append(out, r)
	}
	return out, nil
}

// ReadRegisters refreshes the named registers from hardware.
// Unknown names fail before any transaction; bus failures are logged.
func (d *Device) ReadRegisters(names ...string) error {
	regs, err := d.Lookup(names...)
	if err != nil {
		return err
	}
	for _, r := range regs {
		r.Read()
	}
	return nil
}

// WriteRegisters pushes the current internal values of the named registers.
// Unknown names fail before any transaction; bus failures are logged.
func (d *Device) WriteRegisters(names ...string) error {
	regs, err := d.Lookup(names...)
	if err != nil {
		return err
	}
	for _, r := range regs {
		r.Write()
	}
	return nil
}

// Refresh reads every non-sync register once.
func (d *Device) Refresh() {
	for _, r := range d.registers {
		if !r.sync.Load() {
			r.Read()
		}
	}
}

// LowEndian packs value in little-endian order. Sizes other than 1, 2 and
// 4 are logged and yield nil.
func (d *Device) LowEndian(value int64, size int) []byte {
	b, err := EncodeLE(value, size)
	if err != nil {
		d.bus.log().Error("Unexpected register size", "device", d.name, "size", size)
		return nil
	}
	return b
}

// String lists the device and its registers.
func (d *Device) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Device %s (id %d) on bus %s\n", d.name, d.id, d.bus.Name())
	for _, r := range d.registers {
		fmt.Fprintf(&sb, "  %5d %s: %d\n", r.address, r.name, r.Int())
	}
	return sb.String()
}

// EncodeLE packs value into size bytes, little-endian.
func EncodeLE(value int64, size int) ([]byte, error) {
	return AppendLE(nil, value, size)
}

// AppendLE appends value packed into size bytes, little-endian, to dst.
func AppendLE(dst []byte, value int64, size int) ([]byte, error) {
	switch size {
	case 1:
		return append(dst, byte(value)), nil
	case 2:
		return binary.LittleEndian.AppendUint16(dst, uint16(value)), nil
	case 4:
		return binary.LittleEndian.AppendUint32(dst, uint32(value)), nil
	default:
		return dst, fmt.Errorf("%w: %d", ErrRegisterSize, size)
	}
}

// DecodeLE unpacks a 1, 2 or 4 byte little-endian unsigned value.
func DecodeLE(b []byte) (int64, error) {
	switch len(b) {
	case 1:
		return int64(b[0]), nil
	case 2:
		return int64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return int64(binary.LittleEndian.Uint32(b)), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrRegisterSize, len(b))
	}
}
