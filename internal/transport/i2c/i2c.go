// Package i2c implements a device bus transport over an I2C bus.
//
// Device ids are 7-bit I2C addresses and register addresses are the
// one-byte register pointer written before each transfer, the usual
// convention of IMUs and small sensor boards. The bus is opened through
// periph.io (host.Init then i2creg.Open); tests substitute any
// i2c.BusCloser, such as i2ctest.Playback.
package i2c

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// Transport errors.
var (
	// ErrNotOpen is returned by transfers before Open.
	ErrNotOpen = errors.New("i2c: bus not open")

	// ErrAddress is returned for device or register addresses out of range.
	ErrAddress = errors.New("i2c: address out of range")
)

// maxDeviceAddress is the highest 7-bit I2C address.
const maxDeviceAddress = 0x7F

// Config selects the I2C bus.
type Config struct {
	// Bus is the periph bus name, e.g. "1" or "/dev/i2c-1". Empty selects
	// the first bus found.
	Bus string
}

// Opener opens the I2C bus for a configuration.
type Opener func(cfg Config) (i2c.BusCloser, error)

func openHost(cfg Config) (i2c.BusCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("initialising host drivers: %w", err)
	}
	return i2creg.Open(cfg.Bus)
}

// Transport implements device.Transport and device.Pinger. It has no group
// instructions; loops on an I2C bus use range kinds.
//
// Thread Safety:
//   - Safe for concurrent use. Transfers are serialised.
type Transport struct {
	cfg    Config
	opener Opener

	mu  sync.Mutex
	bus i2c.BusCloser
}

// New returns a closed transport.
func New(cfg Config) *Transport {
	return &Transport{cfg: cfg, opener: openHost}
}

// SetOpener replaces the periph opener.
func (t *Transport) SetOpener(o Opener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opener = o
}

// Open implements device.Transport.
func (t *Transport) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bus != nil {
		return nil
	}
	b, err := t.opener(t.cfg)
	if err != nil {
		return fmt.Errorf("opening i2c bus %q: %w", t.cfg.Bus, err)
	}
	t.bus = b
	return nil
}

// Close implements device.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bus == nil {
		return nil
	}
	err := t.bus.Close()
	t.bus = nil
	return err
}

// IsOpen implements device.Transport.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bus != nil
}

// dev returns the periph device for id. Callers hold t.mu.
func (t *Transport) dev(id int) (*i2c.Dev, error) {
	if t.bus == nil {
		return nil, ErrNotOpen
	}
	if id < 0 || id > maxDeviceAddress {
		return nil, fmt.Errorf("%w: device 0x%X", ErrAddress, id)
	}
	return &i2c.Dev{Bus: t.bus, Addr: uint16(id)}, nil //nolint:gosec // checked above
}

// ReadBlock implements device.Transport: it writes the register pointer and
// reads length bytes in one transaction.
func (t *Transport) ReadBlock(id int, address uint16, length int) ([]byte, error) {
	if address > 0xFF {
		return nil, fmt.Errorf("%w: register 0x%X", ErrAddress, address)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	d, err := t.dev(id)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if err := d.Tx([]byte{byte(address)}, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteBlock implements device.Transport: the register pointer followed by
// the data.
func (t *Transport) WriteBlock(id int, address uint16, data []byte) error {
	if address > 0xFF {
		return fmt.Errorf("%w: register 0x%X", ErrAddress, address)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	d, err := t.dev(id)
	if err != nil {
		return err
	}
	return d.Tx(append([]byte{byte(address)}, data...), nil)
}

// Ping implements device.Pinger with a one-byte read, which a present
// device acknowledges.
func (t *Transport) Ping(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, err := t.dev(id)
	if err != nil {
		return err
	}
	return d.Tx(nil, make([]byte, 1))
}
