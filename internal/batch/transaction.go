package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/graybot-core/internal/device"
)

// Logger defines the logging interface for transactions.
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

// Counters summarise a transaction's runtime outcomes.
type Counters struct {
	Executed uint64 `json:"executed"`
	Skipped  uint64 `json:"skipped"`
	Failed   uint64 `json:"failed"`
}

// Transaction is the atomic unit of work of a sync loop. It implements
// loop.Task, loop.SetupTask and loop.TeardownTask.
//
// Each Atomic call takes the bus lock without waiting, runs one group
// transaction and releases the lock. A busy bus or a transport error is
// logged once and the cycle is skipped with registers unchanged.
//
// Thread Safety:
//   - Atomic must be called from one goroutine at a time (the loop's).
//   - Counters and SetLogger are safe for concurrent use.
type Transaction struct {
	kind Kind
	name string
	bus  *device.Bus
	sync *SyncPlan
	bulk *BulkPlan

	executed atomic.Uint64
	skipped  atomic.Uint64
	failed   atomic.Uint64

	logger   Logger
	loggerMu sync.RWMutex
}

// New validates a loop definition and builds its transaction.
//
// Sync kinds build a SyncPlan; bulk and range kinds build a BulkPlan.
// Range kinds additionally require a single contiguous range per device.
// Write kinds require every register to be writable. All registers in the
// plan are marked as sync-managed.
//
// Parameters:
//   - kind: Loop kind
//   - name: Loop name, used in errors and logs
//   - devices: Participating devices (same bus)
//   - registers: Register names
//
// Returns:
//   - *Transaction: Ready to run in a loop
//   - error: Any plan or protocol error, naming the loop
func New(kind Kind, name string, devices []*device.Device, registers []string) (*Transaction, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: loop %s: %q should be one of %v", ErrUnknownKind, name, kind, AllKinds())
	}

	t := &Transaction{kind: kind, name: name, logger: noopLogger{}}
	var regs [][]*device.Register

	switch kind {
	case KindSyncRead, KindSyncWrite:
		p, err := NewSyncPlan(name, devices, registers)
		if err != nil {
			return nil, err
		}
		t.sync, t.bus, regs = p, p.bus, p.registers
	default:
		p, err := NewBulkPlan(name, devices, registers)
		if err != nil {
			return nil, err
		}
		if kind == KindRangeRead || kind == KindRangeWrite {
			if len(p.ranges) != len(p.devices) {
				return nil, fmt.Errorf("%w: loop %s: %s needs one contiguous block per device", ErrNotContiguous, name, kind)
			}
		}
		t.bulk, t.bus = p, p.bus
		for _, r := range p.ranges {
			regs = append(regs, r.Registers)
		}
	}

	if err := CheckProtocol(name, kind, t.bus.Protocol()); err != nil {
		return nil, err
	}
	for _, group := range regs {
		for _, r := range group {
			if kind.IsWrite() && !r.Writable() {
				return nil, fmt.Errorf("%w: loop %s: register %s is read-only", ErrInvalidPlan, name, r.Name())
			}
		}
	}
	for _, group := range regs {
		for _, r := range group {
			r.MarkSync()
		}
	}
	return t, nil
}

// SetLogger sets the logger for the transaction.
func (t *Transaction) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	t.loggerMu.Lock()
	t.logger = logger
	t.loggerMu.Unlock()
}

func (t *Transaction) log() Logger {
	t.loggerMu.RLock()
	defer t.loggerMu.RUnlock()
	return t.logger
}

// Kind returns the loop kind.
func (t *Transaction) Kind() Kind { return t.kind }

// Name returns the loop name.
func (t *Transaction) Name() string { return t.name }

// Bus returns the bus the transaction runs on.
func (t *Transaction) Bus() *device.Bus { return t.bus }

// SyncPlan returns the plan of sync kinds, or nil.
func (t *Transaction) SyncPlan() *SyncPlan { return t.sync }

// BulkPlan returns the plan of bulk and range kinds, or nil.
func (t *Transaction) BulkPlan() *BulkPlan { return t.bulk }

// Counters returns the runtime outcome counters.
func (t *Transaction) Counters() Counters {
	return Counters{
		Executed: t.executed.Load(),
		Skipped:  t.skipped.Load(),
		Failed:   t.failed.Load(),
	}
}

// Setup requires an open bus and registers the loop as a bus user so the
// bus cannot be closed underneath it.
func (t *Transaction) Setup(context.Context) error {
	if !t.bus.IsOpen() {
		t.log().Error("attempt to start with a bus not open", "loop", t.name, "bus", t.bus.Name())
		return fmt.Errorf("%w: loop %s: bus %s", ErrBusNotOpen, t.name, t.bus.Name())
	}
	t.bus.Use()
	return nil
}

// Teardown releases the bus registration made by Setup.
func (t *Transaction) Teardown() {
	t.bus.Unuse()
}

// Atomic runs one transaction.
func (t *Transaction) Atomic(context.Context) {
	if !t.bus.TryAcquire() {
		t.skipped.Add(1)
		t.log().Error(fmt.Sprintf("failed to acquire bus %s", t.bus.Name()), "bus", t.bus.Name(), "loop", t.name)
		return
	}
	defer t.bus.Release()

	var err error
	switch t.kind {
	case KindSyncRead:
		err = t.syncRead()
	case KindSyncWrite:
		err = t.syncWrite()
	case KindBulkRead:
		err = t.bulkRead(true)
	case KindBulkWrite:
		err = t.bulkWrite(true)
	case KindRangeRead:
		err = t.bulkRead(false)
	case KindRangeWrite:
		err = t.bulkWrite(false)
	}
	if err != nil {
		t.failed.Add(1)
		t.log().Error(fmt.Sprintf("loop %s transaction failed", t.name), "loop", t.name, "kind", string(t.kind), "bus", t.bus.Name(), "error", err)
		return
	}
	t.executed.Add(1)
}

func (t *Transaction) group() (device.GroupTransport, bool) {
	gt, ok := t.bus.Transport().(device.GroupTransport)
	return gt, ok
}

// syncRead reads the shared range from every device. Nothing is stored
// unless every device answered with a complete block.
func (t *Transaction) syncRead() error {
	p := t.sync
	ids := make([]int, len(p.devices))
	for i, d := range p.devices {
		ids[i] = d.ID()
	}

	var data map[int][]byte
	if gt, ok := t.group(); ok && t.bus.IsOpen() {
		var err error
		if data, err = gt.SyncRead(ids, p.start, p.length); err != nil {
			return err
		}
	} else {
		data = make(map[int][]byte, len(ids))
		for _, id := range ids {
			b, err := t.bus.ReadBlock(id, p.start, p.length)
			if err != nil {
				return err
			}
			data[id] = b
		}
	}

	values := make([][]int64, len(p.devices))
	for i, d := range p.devices {
		vals, err := decodeRange(data[d.ID()], p.start, p.length, p.registers[i])
		if err != nil {
			return fmt.Errorf("device %s: %w", d.Name(), err)
		}
		values[i] = vals
	}
	for i, regs := range p.registers {
		for j, r := range regs {
			r.SetInt(values[i][j])
		}
	}
	return nil
}

// syncWrite sends each device's registers, concatenated little-endian.
func (t *Transaction) syncWrite() error {
	p := t.sync
	data := make(map[int][]byte, len(p.devices))
	for i, d := range p.devices {
		b, err := encodeRange(p.registers[i], p.length)
		if err != nil {
			return err
		}
		data[d.ID()] = b
	}

	if gt, ok := t.group(); ok && t.bus.IsOpen() {
		return gt.SyncWrite(p.start, p.length, data)
	}
	for _, d := range p.devices {
		if err := t.bus.WriteBlock(d.ID(), p.start, data[d.ID()]); err != nil {
			return err
		}
	}
	return nil
}

// bulkRead reads every range. Group transports receive one request per
// range and answer with each device's ranges concatenated in order.
func (t *Transaction) bulkRead(useGroup bool) error {
	ranges := t.bulk.ranges
	blocks := make([][]byte, len(ranges))

	if gt, ok := t.group(); ok && useGroup && t.bus.IsOpen() {
		reqs := make([]device.BulkRequest, len(ranges))
		for i, r := range ranges {
			reqs[i] = device.BulkRequest{ID: r.Device.ID(), Address: r.Address, Length: r.Length}
		}
		data, err := gt.BulkRead(reqs)
		if err != nil {
			return err
		}
		offsets := make(map[int]int, len(t.bulk.devices))
		for i, r := range ranges {
			id := r.Device.ID()
			buf := data[id]
			off := offsets[id]
			if off+r.Length > len(buf) {
				return fmt.Errorf("device %s: short bulk reply (%d bytes)", r.Device.Name(), len(buf))
			}
			blocks[i] = buf[off : off+r.Length]
			offsets[id] = off + r.Length
		}
	} else {
		for i, r := range ranges {
			b, err := t.bus.ReadBlock(r.Device.ID(), r.Address, r.Length)
			if err != nil {
				return err
			}
			blocks[i] = b
		}
	}

	values := make([][]int64, len(ranges))
	for i, r := range ranges {
		vals, err := decodeRange(blocks[i], r.Address, r.Length, r.Registers)
		if err != nil {
			return fmt.Errorf("device %s: %w", r.Device.Name(), err)
		}
		values[i] = vals
	}
	for i, r := range ranges {
		for j, reg := range r.Registers {
			reg.SetInt(values[i][j])
		}
	}
	return nil
}

// bulkWrite writes every range with its registers concatenated.
func (t *Transaction) bulkWrite(useGroup bool) error {
	ranges := t.bulk.ranges
	reqs := make([]device.BulkRequest, len(ranges))
	for i, r := range ranges {
		b, err := encodeRange(r.Registers, r.Length)
		if err != nil {
			return err
		}
		reqs[i] = device.BulkRequest{ID: r.Device.ID(), Address: r.Address, Length: r.Length, Data: b}
	}

	if gt, ok := t.group(); ok && useGroup && t.bus.IsOpen() {
		return gt.BulkWrite(reqs)
	}
	for _, req := range reqs {
		if err := t.bus.WriteBlock(req.ID, req.Address, req.Data); err != nil {
			return err
		}
	}
	return nil
}

// decodeRange splits a block starting at start into register values.
func decodeRange(block []byte, start uint16, length int, regs []*device.Register) ([]int64, error) {
	if len(block) != length {
		return nil, fmt.Errorf("expected %d bytes, got %d", length, len(block))
	}
	out := make([]int64, len(regs))
	for i, r := range regs {
		off := int(r.Address()) - int(start)
		v, err := device.DecodeLE(block[off : off+r.Size()])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// encodeRange concatenates register values little-endian.
func encodeRange(regs []*device.Register, length int) ([]byte, error) {
	buf := make([]byte, 0, length)
	for _, r := range regs {
		var err error
		if buf, err = device.AppendLE(buf, r.Int(), r.Size()); err != nil {
			return nil, err
		}
	}
	return buf, nil
}
