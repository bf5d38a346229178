// Package modbus implements a device bus transport over a Modbus RTU line.
//
// The engine addresses device memory in bytes while Modbus addresses
// 16-bit holding registers, so byte address A maps to holding register
// A/2. Blocks must start on an even address and span whole words. Each
// word travels big-endian on the wire and is stored little-endian in the
// engine, matching the register codecs of the other transports. Values
// wider than one word are stored low word first.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// Defaults applied by New.
const (
	DefaultBaud    = 19200
	DefaultTimeout = time.Second
)

// Transport errors.
var (
	// ErrInvalidConfig is returned by New for unusable settings.
	ErrInvalidConfig = errors.New("modbus: invalid config")

	// ErrNotOpen is returned by transfers before Open.
	ErrNotOpen = errors.New("modbus: line not open")

	// ErrAlignment is returned for blocks that do not cover whole words.
	ErrAlignment = errors.New("modbus: block not word aligned")
)

// Config holds the serial line settings.
type Config struct {
	// Port is the serial device.
	Port string

	// Baud defaults to 19200.
	Baud int

	// Parity is "N", "E" or "O". Default: "N".
	Parity string

	// StopBits defaults to 1.
	StopBits int

	// Timeout bounds each request. Default: 1s.
	Timeout time.Duration
}

// Conn is an open Modbus line able to address several slaves.
type Conn interface {
	// Client returns a client bound to one slave id.
	Client(slave byte) modbus.Client
	Close() error
}

// Dialer opens the line for a configuration.
type Dialer func(cfg Config) (Conn, error)

// rtuConn wraps the RTU handler. The slave id lives on the handler, so
// Client rebinds it for each request; Transport serialises requests.
type rtuConn struct {
	handler *modbus.RTUClientHandler
}

func (c *rtuConn) Client(slave byte) modbus.Client {
	c.handler.SlaveId = slave
	return modbus.NewClient(c.handler)
}

func (c *rtuConn) Close() error { return c.handler.Close() }

func dialRTU(cfg Config) (Conn, error) {
	handler := modbus.NewRTUClientHandler(cfg.Port)
	handler.BaudRate = cfg.Baud
	handler.DataBits = 8
	handler.Parity = cfg.Parity
	handler.StopBits = cfg.StopBits
	handler.Timeout = cfg.Timeout
	if err := handler.Connect(); err != nil {
		return nil, err
	}
	return &rtuConn{handler: handler}, nil
}

// Transport implements device.Transport and device.Pinger.
//
// Thread Safety:
//   - Safe for concurrent use. Requests are serialised.
type Transport struct {
	cfg    Config
	dialer Dialer

	mu   sync.Mutex
	conn Conn
}

// New validates cfg and returns a closed transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("%w: port should not be empty", ErrInvalidConfig)
	}
	if cfg.Baud == 0 {
		cfg.Baud = DefaultBaud
	}
	switch cfg.Parity {
	case "":
		cfg.Parity = "N"
	case "N", "E", "O":
	default:
		return nil, fmt.Errorf("%w: parity %q should be one of N, E, O", ErrInvalidConfig, cfg.Parity)
	}
	if cfg.StopBits == 0 {
		cfg.StopBits = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Transport{cfg: cfg, dialer: dialRTU}, nil
}

// SetDialer replaces the RTU dialer.
func (t *Transport) SetDialer(d Dialer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialer = d
}

// Open implements device.Transport.
func (t *Transport) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}
	c, err := t.dialer(t.cfg)
	if err != nil {
		return fmt.Errorf("opening %q: %w", t.cfg.Port, err)
	}
	t.conn = c
	return nil
}

// Close implements device.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// IsOpen implements device.Transport.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func words(address uint16, length int) (uint16, uint16, error) {
	if address%2 != 0 || length <= 0 || length%2 != 0 {
		return 0, 0, fmt.Errorf("%w: address %d length %d", ErrAlignment, address, length)
	}
	return address / 2, uint16(length / 2), nil //nolint:gosec // bounded by address space
}

func slaveID(id int) (byte, error) {
	if id < 0 || id > 247 { //nolint:mnd // highest unicast slave address
		return 0, fmt.Errorf("%w: slave id %d out of range", ErrInvalidConfig, id)
	}
	return byte(id), nil
}

// swapWords converts between big-endian words and little-endian words in place.
func swapWords(b []byte) {
	for i := 0; i+1 < len(b); i += 2 {
		b[i], b[i+1] = b[i+1], b[i]
	}
}

// ReadBlock implements device.Transport with Read Holding Registers.
func (t *Transport) ReadBlock(id int, address uint16, length int) ([]byte, error) {
	reg, qty, err := words(address, length)
	if err != nil {
		return nil, err
	}
	slave, err := slaveID(id)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, ErrNotOpen
	}
	data, err := t.conn.Client(slave).ReadHoldingRegisters(reg, qty)
	if err != nil {
		return nil, err
	}
	if len(data) != length {
		return nil, fmt.Errorf("modbus: slave %d returned %d bytes, expected %d", id, len(data), length)
	}
	out := make([]byte, length)
	copy(out, data)
	swapWords(out)
	return out, nil
}

// WriteBlock implements device.Transport with Write Multiple Registers.
func (t *Transport) WriteBlock(id int, address uint16, data []byte) error {
	reg, qty, err := words(address, len(data))
	if err != nil {
		return err
	}
	slave, err := slaveID(id)
	if err != nil {
		return err
	}
	wire := make([]byte, len(data))
	copy(wire, data)
	swapWords(wire)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotOpen
	}
	_, err = t.conn.Client(slave).WriteMultipleRegisters(reg, qty, wire)
	return err
}

// Ping implements device.Pinger by reading holding register 0.
func (t *Transport) Ping(id int) error {
	slave, err := slaveID(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotOpen
	}
	_, err = t.conn.Client(slave).ReadHoldingRegisters(0, 1)
	return err
}
