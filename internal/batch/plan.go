package batch

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Masterminds/semver"

	"github.com/nerrad567/graybot-core/internal/device"
)

// Domain errors for the batch package. Every plan error names the loop.
var (
	// ErrInvalidPlan is returned for empty device or register lists,
	// duplicate names, or registers that cannot be written by a write loop.
	ErrInvalidPlan = errors.New("batch: invalid plan")

	// ErrMixedBus is returned when the devices of one loop sit on different buses.
	ErrMixedBus = errors.New("batch: devices on different buses")

	// ErrNotContiguous is returned when registers do not form the contiguous
	// range a sync or range loop needs.
	ErrNotContiguous = errors.New("batch: registers not contiguous")

	// ErrProtocol is returned when the bus protocol does not support the loop kind.
	ErrProtocol = errors.New("batch: unsupported protocol")

	// ErrUnknownKind is returned for loop kinds outside the closed set.
	ErrUnknownKind = errors.New("batch: unknown loop kind")

	// ErrBusNotOpen is returned by Setup when the bus is closed.
	ErrBusNotOpen = errors.New("batch: bus not open")
)

// Kind identifies a loop transaction style.
type Kind string

// Loop kinds. The set is closed.
const (
	KindSyncRead   Kind = "sync_read"
	KindSyncWrite  Kind = "sync_write"
	KindBulkRead   Kind = "bulk_read"
	KindBulkWrite  Kind = "bulk_write"
	KindRangeRead  Kind = "range_read"
	KindRangeWrite Kind = "range_write"
)

var validKinds = map[Kind]bool{
	KindSyncRead:   true,
	KindSyncWrite:  true,
	KindBulkRead:   true,
	KindBulkWrite:  true,
	KindRangeRead:  true,
	KindRangeWrite: true,
}

// AllKinds returns every loop kind in a stable order.
func AllKinds() []Kind {
	out := make([]Kind, 0, len(validKinds))
	for k := range validKinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Valid reports whether k is a supported loop kind.
func (k Kind) Valid() bool { return validKinds[k] }

// IsWrite reports whether the kind pushes values to hardware.
func (k Kind) IsWrite() bool {
	return k == KindSyncWrite || k == KindBulkWrite || k == KindRangeWrite
}

// protocolRequirements lists the loop kinds restricted to a protocol range.
var protocolRequirements = map[Kind]struct {
	constraint string
	message    string
}{
	KindSyncRead:  {constraint: ">= 2.0", message: "SyncRead only supported for Dynamixel Protocol 2.0"},
	KindBulkRead:  {constraint: ">= 2.0", message: "BulkRead/BulkWrite only supported for Dynamixel Protocol 2.0"},
	KindBulkWrite: {constraint: ">= 2.0", message: "BulkRead/BulkWrite only supported for Dynamixel Protocol 2.0"},
}

// CheckProtocol verifies that a bus protocol supports a loop kind. Buses
// that declare no protocol accept every kind.
func CheckProtocol(name string, kind Kind, protocol string) error {
	req, restricted := protocolRequirements[kind]
	if !restricted || protocol == "" {
		return nil
	}
	c, err := semver.NewConstraint(req.constraint)
	if err != nil {
		return fmt.Errorf("%w: loop %s: %v", ErrProtocol, name, err)
	}
	v, err := semver.NewVersion(protocol)
	if err != nil {
		return fmt.Errorf("%w: loop %s: protocol %q is not a version", ErrProtocol, name, protocol)
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: loop %s: %s (bus speaks %s)", ErrProtocol, name, req.message, protocol)
	}
	return nil
}

// commonBus checks that every device resolves to the same bus instance
// and that no two devices share a name or a bus id.
func commonBus(name string, devices []*device.Device) (*device.Bus, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: loop %s: no devices", ErrInvalidPlan, name)
	}
	seen := make(map[string]bool, len(devices))
	ids := make(map[int]string, len(devices))
	var bus *device.Bus
	for i, d := range devices {
		if d == nil {
			return nil, fmt.Errorf("%w: loop %s: nil device", ErrInvalidPlan, name)
		}
		if i == 0 {
			bus = d.Bus()
		}
		if seen[d.Name()] {
			return nil, fmt.Errorf("%w: loop %s: device %s listed twice", ErrInvalidPlan, name, d.Name())
		}
		seen[d.Name()] = true
		if d.Bus() != bus {
			return nil, fmt.Errorf("%w: loop %s: device %s is on bus %s, expected %s",
				ErrMixedBus, name, d.Name(), d.Bus().Name(), bus.Name())
		}
		if other, dup := ids[d.ID()]; dup {
			return nil, fmt.Errorf("%w: loop %s: devices %s and %s share id %d", ErrInvalidPlan, name, other, d.Name(), d.ID())
		}
		ids[d.ID()] = d.Name()
	}
	return bus, nil
}

func checkNames(name string, registers []string) error {
	if len(registers) == 0 {
		return fmt.Errorf("%w: loop %s: no registers", ErrInvalidPlan, name)
	}
	seen := make(map[string]bool, len(registers))
	for _, r := range registers {
		if seen[r] {
			return fmt.Errorf("%w: loop %s: register %s listed twice", ErrInvalidPlan, name, r)
		}
		seen[r] = true
	}
	return nil
}

// SyncPlan is a validated shared-range transaction: every device exposes
// the same contiguous register block [StartAddress, StartAddress+Length).
//
// A SyncPlan never changes after construction.
type SyncPlan struct {
	name      string
	bus       *device.Bus
	devices   []*device.Device
	names     []string
	registers [][]*device.Register
	start     uint16
	length    int
}

// NewSyncPlan validates a sync transaction.
//
// The first device fixes the layout: its first register gives the start
// address and every following register must begin exactly where the
// previous one ends. Every other device must expose the same layout.
//
// Parameters:
//   - name: Loop name, used in error messages
//   - devices: Participating devices (same bus)
//   - registers: Register names in transaction order
//
// Returns:
//   - *SyncPlan: Immutable plan
//   - error: ErrInvalidPlan, ErrMixedBus, ErrNotContiguous or an unknown register
func NewSyncPlan(name string, devices []*device.Device, registers []string) (*SyncPlan, error) {
	bus, err := commonBus(name, devices)
	if err != nil {
		return nil, err
	}
	if err := checkNames(name, registers); err != nil {
		return nil, err
	}

	p := &SyncPlan{
		name:      name,
		bus:       bus,
		devices:   append([]*device.Device(nil), devices...),
		names:     append([]string(nil), registers...),
		registers: make([][]*device.Register, len(devices)),
	}
	for i, d := range devices {
		regs, err := d.Lookup(registers...)
		if err != nil {
			return nil, fmt.Errorf("loop %s: %w", name, err)
		}
		p.registers[i] = regs
	}

	first := p.registers[0]
	p.start = first[0].Address()
	for _, r := range first {
		if int(r.Address()) != int(p.start)+p.length {
			return nil, fmt.Errorf("%w: loop %s: register %s at address %d, expected %d",
				ErrNotContiguous, name, r.Name(), r.Address(), int(p.start)+p.length)
		}
		p.length += r.Size()
	}
	for i, regs := range p.registers[1:] {
		for j, r := range regs {
			if r.Address() != first[j].Address() || r.Size() != first[j].Size() {
				return nil, fmt.Errorf("%w: loop %s: register %s on device %s does not match device %s",
					ErrNotContiguous, name, r.Name(), devices[i+1].Name(), devices[0].Name())
			}
		}
	}
	return p, nil
}

// Name returns the loop name.
func (p *SyncPlan) Name() string { return p.name }

// Bus returns the shared bus.
func (p *SyncPlan) Bus() *device.Bus { return p.bus }

// StartAddress returns the first address of the shared range.
func (p *SyncPlan) StartAddress() uint16 { return p.start }

// Length returns the total byte length of the shared range.
func (p *SyncPlan) Length() int { return p.length }

// Devices returns the participating devices in order.
func (p *SyncPlan) Devices() []*device.Device {
	return append([]*device.Device(nil), p.devices...)
}

// Registers returns the register names in transaction order.
func (p *SyncPlan) Registers() []string {
	return append([]string(nil), p.names...)
}

// Range is one contiguous block on one device.
type Range struct {
	Device    *device.Device
	Address   uint16
	Length    int
	Registers []*device.Register
}

// BulkPlan is a validated per-device transaction. Each device's registers
// are sorted by address and merged into contiguous ranges, so devices may
// have different, non-contiguous shapes.
type BulkPlan struct {
	name    string
	bus     *device.Bus
	devices []*device.Device
	names   []string
	ranges  []Range
}

// NewBulkPlan validates a bulk transaction.
//
// Parameters:
//   - name: Loop name, used in error messages
//   - devices: Participating devices (same bus)
//   - registers: Register names; order does not matter
//
// Returns:
//   - *BulkPlan: Immutable plan with ranges grouped by device
//   - error: ErrInvalidPlan, ErrMixedBus or an unknown register
func NewBulkPlan(name string, devices []*device.Device, registers []string) (*BulkPlan, error) {
	bus, err := commonBus(name, devices)
	if err != nil {
		return nil, err
	}
	if err := checkNames(name, registers); err != nil {
		return nil, err
	}

	p := &BulkPlan{
		name:    name,
		bus:     bus,
		devices: append([]*device.Device(nil), devices...),
		names:   append([]string(nil), registers...),
	}
	for _, d := range devices {
		regs, err := d.Lookup(registers...)
		if err != nil {
			return nil, fmt.Errorf("loop %s: %w", name, err)
		}
		ranges, err := mergeRanges(name, d, regs)
		if err != nil {
			return nil, err
		}
		p.ranges = append(p.ranges, ranges...)
	}
	return p, nil
}

// mergeRanges sorts registers by address and joins adjacent ones.
func mergeRanges(name string, d *device.Device, regs []*device.Register) ([]Range, error) {
	sorted := append([]*device.Register(nil), regs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Address() < sorted[j].Address() })

	var out []Range
	for _, r := range sorted {
		if n := len(out); n > 0 {
			cur := &out[n-1]
			end := int(cur.Address) + cur.Length
			if int(r.Address()) < end {
				return nil, fmt.Errorf("%w: loop %s: register %s overlaps %s on device %s",
					ErrInvalidPlan, name, r.Name(), cur.Registers[len(cur.Registers)-1].Name(), d.Name())
			}
			if int(r.Address()) == end {
				cur.Length += r.Size()
				cur.Registers = append(cur.Registers, r)
				continue
			}
		}
		out = append(out, Range{
			Device:    d,
			Address:   r.Address(),
			Length:    r.Size(),
			Registers: []*device.Register{r},
		})
	}
	return out, nil
}

// Name returns the loop name.
func (p *BulkPlan) Name() string { return p.name }

// Bus returns the shared bus.
func (p *BulkPlan) Bus() *device.Bus { return p.bus }

// Devices returns the participating devices in order.
func (p *BulkPlan) Devices() []*device.Device {
	return append([]*device.Device(nil), p.devices...)
}

// Registers returns the register names as given.
func (p *BulkPlan) Registers() []string {
	return append([]string(nil), p.names...)
}

// Ranges returns the merged ranges, grouped by device in device order.
func (p *BulkPlan) Ranges() []Range {
	out := make([]Range, len(p.ranges))
	copy(out, p.ranges)
	return out
}
