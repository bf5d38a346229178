package device

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBusTimeout is the per-transaction timeout used when a bus
// definition does not name one.
const DefaultBusTimeout = 500 * time.Millisecond

// Logger is the logging interface used by buses, devices and registers.
// *logging.Logger and *slog.Logger both satisfy it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// BusConfig holds the parameters of a bus.
type BusConfig struct {
	// Name identifies the bus in logs and definitions.
	Name string

	// Kind is the transport family (mock, dynamixel, modbus, i2c).
	Kind string

	// Protocol is the protocol version the transport speaks, e.g. "1.0"
	// or "2.0". Empty means the transport has no versioned protocol.
	Protocol string

	// Timeout is the per-transaction timeout. Default: 500ms.
	Timeout time.Duration
}

// Bus is a shared communication channel serving one or more devices.
//
// Every register or loop transaction follows one protocol: TryAcquire, run
// the transaction, Release unconditionally. TryAcquire never waits, so no
// caller ever blocks on a busy bus; it skips and logs instead.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - The lock is an atomic flag; at most one holder exists at any instant.
type Bus struct {
	cfg       BusConfig
	transport Transport

	locked atomic.Bool
	users  atomic.Int32

	// openMu serialises Open and Close only; transactions never take it.
	openMu sync.Mutex

	devicesMu sync.RWMutex
	devices   []*Device

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBus creates a closed bus over a transport.
//
// Parameters:
//   - cfg: Bus parameters (Name is required)
//   - transport: Byte-level transport (required)
//
// Returns:
//   - *Bus: Closed bus, ready to Open
//   - error: ErrInvalidBus if the name or transport is missing
func NewBus(cfg BusConfig, transport Transport) (*Bus, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: name should not be empty", ErrInvalidBus)
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: %s: transport missing", ErrInvalidBus, cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultBusTimeout
	}
	return &Bus{
		cfg:       cfg,
		transport: transport,
		logger:    noopLogger{},
	}, nil
}

// SetLogger sets the logger for the bus and everything attached to it.
func (b *Bus) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
}

func (b *Bus) log() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

// Name returns the bus name.
func (b *Bus) Name() string { return b.cfg.Name }

// Kind returns the transport family.
func (b *Bus) Kind() string { return b.cfg.Kind }

// Protocol returns the declared protocol version (may be empty).
func (b *Bus) Protocol() string { return b.cfg.Protocol }

// Timeout returns the per-transaction timeout.
func (b *Bus) Timeout() time.Duration { return b.cfg.Timeout }

// Transport returns the underlying transport. Callers must hold the bus
// lock while using it.
func (b *Bus) Transport() Transport { return b.transport }

// Open opens the transport. Opening an open bus is a logged no-op.
//
// Returns:
//   - error: The transport error if opening failed (also logged once)
func (b *Bus) Open(ctx context.Context) error {
	b.openMu.Lock()
	defer b.openMu.Unlock()

	if b.transport.IsOpen() {
		b.log().Warn(fmt.Sprintf("bus %s already open", b.cfg.Name), "bus", b.cfg.Name)
		return nil
	}
	if err := b.transport.Open(ctx); err != nil {
		b.log().Error(fmt.Sprintf("failed to open bus %s", b.cfg.Name), "bus", b.cfg.Name, "error", err)
		return fmt.Errorf("opening bus %s: %w", b.cfg.Name, err)
	}
	b.log().Info("bus opened", "bus", b.cfg.Name, "kind", b.cfg.Kind)
	return nil
}

// Close closes the transport. Closing a closed bus does nothing; closing a
// bus still used by running loops is a logged no-op.
func (b *Bus) Close() error {
	b.openMu.Lock()
	defer b.openMu.Unlock()

	if n := b.users.Load(); n > 0 {
		b.log().Warn(fmt.Sprintf("attempted to close bus %s while in use", b.cfg.Name), "bus", b.cfg.Name, "users", n)
		return nil
	}
	if !b.transport.IsOpen() {
		return nil
	}
	if err := b.transport.Close(); err != nil {
		return fmt.Errorf("closing bus %s: %w", b.cfg.Name, err)
	}
	b.log().Info("bus closed", "bus", b.cfg.Name)
	return nil
}

// IsOpen reports whether the transport is open.
func (b *Bus) IsOpen() bool {
	return b.transport.IsOpen()
}

// Use registers a long-lived user (a running loop). A bus with users
// refuses to close.
func (b *Bus) Use() { b.users.Add(1) }

// Unuse releases a registration made with Use.
func (b *Bus) Unuse() {
	if b.users.Add(-1) < 0 {
		b.users.Store(0)
	}
}

// Users returns the number of registered long-lived users.
func (b *Bus) Users() int { return int(b.users.Load()) }

// TryAcquire takes the bus lock if it is free. It never waits.
func (b *Bus) TryAcquire() bool {
	return b.locked.CompareAndSwap(false, true)
}

// Release frees the bus lock. Releasing a free lock is harmless.
func (b *Bus) Release() {
	b.locked.Store(false)
}

// Locked reports whether the lock is currently held.
func (b *Bus) Locked() bool {
	return b.locked.Load()
}

// ReadBlock performs a raw read. It does not take the lock.
func (b *Bus) ReadBlock(id int, address uint16, length int) ([]byte, error) {
	if !b.transport.IsOpen() {
		return nil, fmt.Errorf("%w: %s", ErrBusClosed, b.cfg.Name)
	}
	return b.transport.ReadBlock(id, address, length)
}

// WriteBlock performs a raw write. It does not take the lock.
func (b *Bus) WriteBlock(id int, address uint16, data []byte) error {
	if !b.transport.IsOpen() {
		return fmt.Errorf("%w: %s", ErrBusClosed, b.cfg.Name)
	}
	return b.transport.WriteBlock(id, address, data)
}

// Read refreshes a register from hardware. Every failure is logged once
// and leaves the register unchanged.
func (b *Bus) Read(reg *Register) {
	if !b.transport.IsOpen() {
		b.log().Error(fmt.Sprintf("attempt to read from closed bus %s", b.cfg.Name), "bus", b.cfg.Name, "register", reg.name)
		return
	}
	if !b.TryAcquire() {
		b.log().Error(fmt.Sprintf("failed to acquire bus %s", b.cfg.Name), "bus", b.cfg.Name, "register", reg.name)
		return
	}
	defer b.Release()

	data, err := b.transport.ReadBlock(reg.device.id, reg.address, reg.size)
	if err != nil {
		b.log().Error(fmt.Sprintf("failed to read register %s", reg.name), "bus", b.cfg.Name, "device", reg.device.name, "error", err)
		return
	}
	v, err := DecodeLE(data)
	if err != nil {
		b.log().Error(fmt.Sprintf("failed to read register %s", reg.name), "bus", b.cfg.Name, "device", reg.device.name, "error", err)
		return
	}
	reg.SetInt(v)
}

// Write sends value to a register and stores it when the transaction
// succeeds. Every failure is logged once and leaves the register unchanged.
func (b *Bus) Write(reg *Register, value int64) {
	if !b.transport.IsOpen() {
		b.log().Error(fmt.Sprintf("attempt to write to closed bus %s", b.cfg.Name), "bus", b.cfg.Name, "register", reg.name)
		return
	}
	if !b.TryAcquire() {
		b.log().Error(fmt.Sprintf("failed to acquire bus %s", b.cfg.Name), "bus", b.cfg.Name, "register", reg.name)
		return
	}
	defer b.Release()

	data, err := EncodeLE(value, reg.size)
	if err == nil {
		err = b.transport.WriteBlock(reg.device.id, reg.address, data)
	}
	if err != nil {
		b.log().Error(fmt.Sprintf("failed to write register %s", reg.name), "bus", b.cfg.Name, "device", reg.device.name, "error", err)
		return
	}
	reg.SetInt(value)
}

// Ping sends a ping to a device id and reports whether it answered.
func (b *Bus) Ping(id int) bool {
	if !b.transport.IsOpen() {
		b.log().Error("ping invoked with a bus not opened", "bus", b.cfg.Name, "id", id)
		return false
	}
	return b.ping(id)
}

func (b *Bus) ping(id int) bool {
	if !b.TryAcquire() {
		b.log().Error(fmt.Sprintf("failed to acquire bus %s", b.cfg.Name), "bus", b.cfg.Name, "id", id)
		return false
	}
	defer b.Release()

	if p, ok := b.transport.(Pinger); ok {
		return p.Ping(id) == nil
	}
	_, err := b.transport.ReadBlock(id, 0, 1)
	return err == nil
}

// Scan pings every id in [minID, maxID] and returns those that answered.
// The scan stops early when ctx is cancelled.
func (b *Bus) Scan(ctx context.Context, minID, maxID int) []int {
	if !b.transport.IsOpen() {
		b.log().Error("scan invoked with a bus not opened", "bus", b.cfg.Name)
		return nil
	}
	var found []int
	for id := minID; id <= maxID; id++ {
		if ctx.Err() != nil {
			break
		}
		if b.ping(id) {
			found = append(found, id)
		}
	}
	b.log().Info("bus scan finished", "bus", b.cfg.Name, "found", len(found))
	return found
}

func (b *Bus) attach(d *Device) {
	b.devicesMu.Lock()
	b.devices = append(b.devices, d)
	b.devicesMu.Unlock()
}

// Devices returns the attached devices in attachment order.
func (b *Bus) Devices() []*Device {
	b.devicesMu.RLock()
	defer b.devicesMu.RUnlock()
	out := make([]*Device, len(b.devices))
	copy(out, b.devices)
	return out
}

// String describes the bus, its state and each device's non-sync registers.
func (b *Bus) String() string {
	var sb strings.Builder
	state := "closed"
	if b.IsOpen() {
		state = "open"
	}
	fmt.Fprintf(&sb, "Bus %s (%s): %s\n", b.cfg.Name, b.cfg.Kind, state)
	for _, d := range b.Devices() {
		fmt.Fprintf(&sb, "  Device %s (id %d)\n", d.name, d.id)
		for _, r := range d.registers {
			if r.sync.Load() {
				continue
			}
			fmt.Fprintf(&sb, "    %5d %s: %d\n", r.address, r.name, r.Int())
		}
	}
	return sb.String()
}
