package device

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nerrad567/graybot-core/internal/infrastructure/logging"
)

var errFake = errors.New("fake transport failure")

// fakeTransport keeps 256 bytes of memory per device id.
type fakeTransport struct {
	mu      sync.Mutex
	open    bool
	openErr error
	ioErr   error
	mem     map[int][]byte
	present map[int]bool
	writes  int
}

func newFakeTransport(ids ...int) *fakeTransport {
	f := &fakeTransport{mem: map[int][]byte{}, present: map[int]bool{}}
	for _, id := range ids {
		f.mem[id] = make([]byte, 256)
		f.present[id] = true
	}
	return f
}

func (f *fakeTransport) Open(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.open = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransport) ReadBlock(id int, address uint16, length int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ioErr != nil {
		return nil, f.ioErr
	}
	m, ok := f.mem[id]
	if !ok {
		return nil, errFake
	}
	out := make([]byte, length)
	copy(out, m[int(address):int(address)+length])
	return out, nil
}

func (f *fakeTransport) WriteBlock(id int, address uint16, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ioErr != nil {
		return f.ioErr
	}
	m, ok := f.mem[id]
	if !ok {
		return errFake
	}
	copy(m[int(address):], data)
	f.writes++
	return nil
}

func (f *fakeTransport) poke(id int, address int, data ...byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.mem[id][address:], data)
}

func (f *fakeTransport) peek(id int, address int, n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, n)
	copy(out, f.mem[id][address:address+n])
	return out
}

// pingTransport adds a Pinger that only answers for present ids.
type pingTransport struct {
	*fakeTransport
	pings int
}

func (p *pingTransport) Ping(id int) error {
	p.pings++
	if !p.present[id] {
		return errFake
	}
	return nil
}

func int64p(v int64) *int64 { return &v }

func mustRegister(t *testing.T, spec RegisterSpec) *Register {
	t.Helper()
	r, err := NewRegister(spec)
	require.NoError(t, err)
	return r
}

// testRig is a bus with one device (id 1) and a recorder attached.
type testRig struct {
	transport *fakeTransport
	bus       *Bus
	dev       *Device
	rec       *logging.Recorder
}

func newRig(t *testing.T, specs ...RegisterSpec) *testRig {
	t.Helper()
	ft := newFakeTransport(1)
	bus, err := NewBus(BusConfig{Name: "busA", Kind: "mock"}, ft)
	require.NoError(t, err)
	rec := logging.NewRecorder()
	bus.SetLogger(rec.Logger())

	regs := make([]*Register, 0, len(specs))
	for _, s := range specs {
		regs = append(regs, mustRegister(t, s))
	}
	dev, err := NewDevice(DeviceConfig{Name: "d01", ID: 1, Model: "test"}, bus, regs)
	require.NoError(t, err)
	return &testRig{transport: ft, bus: bus, dev: dev, rec: rec}
}

func (r *testRig) reg(t *testing.T, name string) *Register {
	t.Helper()
	reg, ok := r.dev.Register(name)
	require.True(t, ok, "register %s", name)
	return reg
}
