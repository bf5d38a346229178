// Package mock provides an in-memory transport that emulates devices on a bus.
//
// Each device id owns a byte array. Reads and writes address it directly,
// and the group instructions (sync and bulk) are supported, so the mock
// can stand in for a servo bus in tests and in dry runs of a robot
// definition.
package mock

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/nerrad567/graybot-core/internal/device"
)

// DefaultMemorySize is the per-device memory used when Config.MemorySize is zero.
const DefaultMemorySize = 256

// Errors returned by the mock transport.
var (
	// ErrOpenFailed is returned by Open when the transport is configured to fail.
	ErrOpenFailed = errors.New("mock: open failed")

	// ErrInjected is returned by transactions selected by the error rate.
	ErrInjected = errors.New("mock: injected communication error")

	// ErrNoDevice is returned when addressing an id with no memory.
	ErrNoDevice = errors.New("mock: no device with this id")

	// ErrOutOfRange is returned when a block exceeds device memory.
	ErrOutOfRange = errors.New("mock: address out of range")

	// ErrClosed is returned by transactions on a closed transport.
	ErrClosed = errors.New("mock: transport closed")
)

// Config holds the mock parameters.
type Config struct {
	// IDs are the device ids present on the emulated bus.
	IDs []int

	// MemorySize is the number of bytes per device. Default: 256.
	MemorySize int

	// ErrorRate is the probability [0, 1] that a transaction fails.
	ErrorRate float64

	// FailOpen makes Open fail with ErrOpenFailed.
	FailOpen bool

	// Latency is added to every transaction.
	Latency time.Duration
}

// Stats counts transactions by instruction.
type Stats struct {
	Reads      uint64
	Writes     uint64
	Pings      uint64
	SyncReads  uint64
	SyncWrites uint64
	BulkReads  uint64
	BulkWrites uint64
}

// Transport is an in-memory device.Transport, device.Pinger and
// device.GroupTransport.
//
// Thread Safety:
//   - Safe for concurrent use. Memory updates are copy-on-write per device.
type Transport struct {
	cfg    Config
	memory *xsync.MapOf[int, []byte]
	open   atomic.Bool

	errorRate atomic.Uint64 // rate * 1e6

	reads      atomic.Uint64
	writes     atomic.Uint64
	pings      atomic.Uint64
	syncReads  atomic.Uint64
	syncWrites atomic.Uint64
	bulkReads  atomic.Uint64
	bulkWrites atomic.Uint64
}

// New creates a closed mock transport with zeroed memory for every id.
func New(cfg Config) *Transport {
	if cfg.MemorySize <= 0 {
		cfg.MemorySize = DefaultMemorySize
	}
	t := &Transport{cfg: cfg, memory: xsync.NewMapOf[int, []byte]()}
	for _, id := range cfg.IDs {
		t.AddDevice(id)
	}
	t.SetErrorRate(cfg.ErrorRate)
	return t
}

// AddDevice gives id a zeroed memory if it has none.
func (t *Transport) AddDevice(id int) {
	t.memory.LoadOrStore(id, make([]byte, t.cfg.MemorySize))
}

// SetErrorRate changes the probability that a transaction fails.
func (t *Transport) SetErrorRate(rate float64) {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	t.errorRate.Store(uint64(rate * 1e6))
}

// Open implements device.Transport.
func (t *Transport) Open(context.Context) error {
	if t.cfg.FailOpen {
		return ErrOpenFailed
	}
	t.open.Store(true)
	return nil
}

// Close implements device.Transport.
func (t *Transport) Close() error {
	t.open.Store(false)
	return nil
}

// IsOpen implements device.Transport.
func (t *Transport) IsOpen() bool {
	return t.open.Load()
}

// transact applies the open check, latency and error injection.
func (t *Transport) transact() error {
	if !t.open.Load() {
		return ErrClosed
	}
	if t.cfg.Latency > 0 {
		time.Sleep(t.cfg.Latency)
	}
	if rate := t.errorRate.Load(); rate > 0 && rand.Uint64N(1e6) < rate {
		return ErrInjected
	}
	return nil
}

func (t *Transport) read(id int, address uint16, length int) ([]byte, error) {
	mem, ok := t.memory.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoDevice, id)
	}
	end := int(address) + length
	if length < 0 || end > len(mem) {
		return nil, fmt.Errorf("%w: %d+%d", ErrOutOfRange, address, length)
	}
	out := make([]byte, length)
	copy(out, mem[address:end])
	return out, nil
}

func (t *Transport) write(id int, address uint16, data []byte) error {
	var err error
	t.memory.Compute(id, func(old []byte, loaded bool) ([]byte, bool) {
		if !loaded {
			err = fmt.Errorf("%w: %d", ErrNoDevice, id)
			return nil, true
		}
		if int(address)+len(data) > len(old) {
			err = fmt.Errorf("%w: %d+%d", ErrOutOfRange, address, len(data))
			return old, false
		}
		next := make([]byte, len(old))
		copy(next, old)
		copy(next[address:], data)
		return next, false
	})
	return err
}

// ReadBlock implements device.Transport.
func (t *Transport) ReadBlock(id int, address uint16, length int) ([]byte, error) {
	t.reads.Add(1)
	if err := t.transact(); err != nil {
		return nil, err
	}
	return t.read(id, address, length)
}

// WriteBlock implements device.Transport.
func (t *Transport) WriteBlock(id int, address uint16, data []byte) error {
	t.writes.Add(1)
	if err := t.transact(); err != nil {
		return err
	}
	return t.write(id, address, data)
}

// Ping implements device.Pinger.
func (t *Transport) Ping(id int) error {
	t.pings.Add(1)
	if err := t.transact(); err != nil {
		return err
	}
	if _, ok := t.memory.Load(id); !ok {
		return fmt.Errorf("%w: %d", ErrNoDevice, id)
	}
	return nil
}

// SyncRead implements device.GroupTransport.
func (t *Transport) SyncRead(ids []int, address uint16, length int) (map[int][]byte, error) {
	t.syncReads.Add(1)
	if err := t.transact(); err != nil {
		return nil, err
	}
	out := make(map[int][]byte, len(ids))
	for _, id := range ids {
		b, err := t.read(id, address, length)
		if err != nil {
			return nil, err
		}
		out[id] = b
	}
	return out, nil
}

// SyncWrite implements device.GroupTransport.
func (t *Transport) SyncWrite(address uint16, length int, data map[int][]byte) error {
	t.syncWrites.Add(1)
	if err := t.transact(); err != nil {
		return err
	}
	for id, b := range data {
		if len(b) != length {
			return fmt.Errorf("%w: id %d carries %d bytes, want %d", ErrOutOfRange, id, len(b), length)
		}
		if err := t.write(id, address, b); err != nil {
			return err
		}
	}
	return nil
}

// BulkRead implements device.GroupTransport.
func (t *Transport) BulkRead(reqs []device.BulkRequest) (map[int][]byte, error) {
	t.bulkReads.Add(1)
	if err := t.transact(); err != nil {
		return nil, err
	}
	out := make(map[int][]byte)
	for _, r := range reqs {
		b, err := t.read(r.ID, r.Address, r.Length)
		if err != nil {
			return nil, err
		}
		out[r.ID] = append(out[r.ID], b...)
	}
	return out, nil
}

// BulkWrite implements device.GroupTransport.
func (t *Transport) BulkWrite(reqs []device.BulkRequest) error {
	t.bulkWrites.Add(1)
	if err := t.transact(); err != nil {
		return err
	}
	for _, r := range reqs {
		if err := t.write(r.ID, r.Address, r.Data); err != nil {
			return err
		}
	}
	return nil
}

// Poke writes device memory directly, bypassing open state and errors.
func (t *Transport) Poke(id int, address uint16, data ...byte) error {
	return t.write(id, address, data)
}

// Peek reads device memory directly, bypassing open state and errors.
func (t *Transport) Peek(id int, address uint16, length int) ([]byte, error) {
	return t.read(id, address, length)
}

// Stats returns the transaction counters.
func (t *Transport) Stats() Stats {
	return Stats{
		Reads:      t.reads.Load(),
		Writes:     t.writes.Load(),
		Pings:      t.pings.Load(),
		SyncReads:  t.syncReads.Load(),
		SyncWrites: t.syncWrites.Load(),
		BulkReads:  t.bulkReads.Load(),
		BulkWrites: t.bulkWrites.Load(),
	}
}

// Plain returns a view of the transport without Pinger or GroupTransport,
// emulating a bus that only has block reads and writes.
func (t *Transport) Plain() device.Transport {
	return plain{t: t}
}

type plain struct{ t *Transport }

func (p plain) Open(ctx context.Context) error { return p.t.Open(ctx) }
func (p plain) Close() error                   { return p.t.Close() }
func (p plain) IsOpen() bool                   { return p.t.IsOpen() }

func (p plain) ReadBlock(id int, address uint16, length int) ([]byte, error) {
	return p.t.ReadBlock(id, address, length)
}

func (p plain) WriteBlock(id int, address uint16, data []byte) error {
	return p.t.WriteBlock(id, address, data)
}
