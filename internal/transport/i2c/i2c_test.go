package i2c

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2ctest"

	"github.com/nerrad567/graybot-core/internal/device"
)

var (
	_ device.Transport = (*Transport)(nil)
	_ device.Pinger    = (*Transport)(nil)
)

func newTransport(t *testing.T, pb *i2ctest.Playback) *Transport {
	t.Helper()
	tr := New(Config{Bus: "1"})
	tr.SetOpener(func(Config) (i2c.BusCloser, error) { return pb, nil })
	require.NoError(t, tr.Open(t.Context()))
	return tr
}

func TestTransport_ReadWrite(t *testing.T) {
	pb := &i2ctest.Playback{Ops: []i2ctest.IO{
		{Addr: 0x68, W: []byte{0x3B}, R: []byte{0x01, 0x02, 0x03, 0x04}},
		{Addr: 0x68, W: []byte{0x6B, 0x00}},
		{Addr: 0x68, R: []byte{0x00}},
	}}
	tr := newTransport(t, pb)

	data, err := tr.ReadBlock(0x68, 0x3B, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, data)
	require.NoError(t, tr.WriteBlock(0x68, 0x6B, []byte{0x00}))
	require.NoError(t, tr.Ping(0x68))

	require.NoError(t, tr.Close(), "every expected transfer happened")
	assert.False(t, tr.IsOpen())
}

func TestTransport_Errors(t *testing.T) {
	tr := New(Config{})
	_, err := tr.ReadBlock(0x10, 0, 1)
	assert.ErrorIs(t, err, ErrNotOpen)

	pb := &i2ctest.Playback{DontPanic: true}
	tr = newTransport(t, pb)
	_, err = tr.ReadBlock(0x80, 0, 1)
	assert.ErrorIs(t, err, ErrAddress)
	assert.ErrorIs(t, tr.WriteBlock(0x10, 0x100, []byte{1}), ErrAddress)
	assert.Error(t, tr.Ping(0x10), "no device answers")

	failing := New(Config{Bus: "9"})
	boom := errors.New("no bus")
	failing.SetOpener(func(Config) (i2c.BusCloser, error) { return nil, boom })
	assert.ErrorIs(t, failing.Open(t.Context()), boom)
}

func TestTransport_RangeLoopRegisters(t *testing.T) {
	pb := &i2ctest.Playback{Ops: []i2ctest.IO{
		{Addr: 0x68, W: []byte{0x43}, R: []byte{0x10, 0x00}},
	}}
	tr := newTransport(t, pb)
	bus, err := device.NewBus(device.BusConfig{Name: "imu_bus", Kind: "i2c"}, tr)
	require.NoError(t, err)
	gyro, err := device.NewRegister(device.RegisterSpec{Name: "gyro_x", Address: 0x43, Size: 2})
	require.NoError(t, err)
	_, err = device.NewDevice(device.DeviceConfig{Name: "imu", ID: 0x68}, bus, []*device.Register{gyro})
	require.NoError(t, err)
	require.NoError(t, bus.Open(t.Context()))

	bus.Read(gyro)
	assert.Equal(t, int64(0x10), gyro.Int())
}
