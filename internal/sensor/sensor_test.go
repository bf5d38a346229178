package sensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/graybot-core/internal/device"
	"github.com/nerrad567/graybot-core/internal/transport/mock"
)

func imu(t *testing.T) (*device.Device, *mock.Transport) {
	t.Helper()
	m := mock.New(mock.Config{IDs: []int{0x68}})
	bus, err := device.NewBus(device.BusConfig{Name: "i2c2", Kind: "mock"}, m)
	require.NoError(t, err)

	specs := []device.RegisterSpec{
		{Name: "status", Address: 0x3A, Size: 1},
		{Name: "word_g_x", Address: 0x43, Size: 2},
		{Name: "word_g_y", Address: 0x45, Size: 2},
		{Name: "word_g_z", Address: 0x47, Size: 2},
		{Name: "voltage", Address: 0x50, Size: 1, Kind: device.KindConversion, Factor: 10},
		{Name: "power", Address: 0x6B, Size: 1, Access: device.AccessRW, Kind: device.KindBool},
	}
	regs := make([]*device.Register, 0, len(specs))
	for _, s := range specs {
		r, err := device.NewRegister(s)
		require.NoError(t, err)
		regs = append(regs, r)
	}
	d, err := device.NewDevice(device.DeviceConfig{Name: "imu", ID: 0x68}, bus, regs)
	require.NoError(t, err)
	require.NoError(t, bus.Open(t.Context()))
	return d, m
}

func TestSensor_Defaults(t *testing.T) {
	d, m := imu(t)
	s, err := New(Config{Name: "bus_voltage", Device: d, Read: "voltage", AutoActivate: true})
	require.NoError(t, err)

	reg, _ := d.Register("voltage")
	assert.Same(t, d, s.Device())
	assert.Same(t, reg, s.ReadRegister())
	assert.Nil(t, s.ActivateRegister())
	assert.True(t, s.Active())
	assert.Nil(t, s.Mask())
	assert.Zero(t, s.Offset())
	assert.False(t, s.Inverse())
	assert.True(t, s.AutoActivate())

	require.NoError(t, m.Poke(0x68, 0x50, 121))
	assert.InDelta(t, 12.1, s.Value(), 1e-9)
	assert.InDelta(t, reg.Value(), s.Value(), 1e-9)
}

func TestSensor_MaskInverseOffset(t *testing.T) {
	d, m := imu(t)
	mask := int64(0x0F)
	s, err := New(Config{Name: "flags", Device: d, Read: "status", Mask: &mask, Inverse: true, Offset: 100})
	require.NoError(t, err)

	require.NoError(t, m.Poke(0x68, 0x3A, 0xA5))
	assert.InDelta(t, 95, s.Value(), 1e-9, "0xA5 & 0x0F = 5, negated, plus 100")
	assert.Contains(t, s.String(), "flags: 95.000")
}

func TestSensor_Activation(t *testing.T) {
	d, m := imu(t)
	s, err := New(Config{Name: "gyro_temp", Device: d, Read: "status", Activate: "power"})
	require.NoError(t, err)
	assert.False(t, s.Active())
	s.SetActive(true)
	assert.True(t, s.Active())
	b, err := m.Peek(0x68, 0x6B, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, b)

	_, err = New(Config{Name: "x", Device: d, Read: "status", Activate: "voltage"})
	assert.ErrorIs(t, err, ErrInvalidSensor)
}

func TestSensor_Validation(t *testing.T) {
	d, _ := imu(t)
	for name, cfg := range map[string]Config{
		"no name":          {Device: d, Read: "status"},
		"no device":        {Name: "s", Read: "status"},
		"no read register": {Name: "s", Device: d},
		"unknown register": {Name: "s", Device: d, Read: "missing"},
	} {
		_, err := New(cfg)
		assert.ErrorIs(t, err, ErrInvalidSensor, name)
	}
}

func TestSensorXYZ(t *testing.T) {
	d, m := imu(t)
	s, err := NewXYZ(XYZConfig{
		Name:         "gyro",
		Device:       d,
		X:            Axis{Register: "word_g_x", Inverse: true},
		Y:            Axis{Register: "word_g_y", Offset: 256},
		Z:            Axis{Register: "word_g_z", Inverse: true, Offset: 1024},
		AutoActivate: true,
	})
	require.NoError(t, err)

	require.NoError(t, m.Poke(0x68, 0x43, 0x10, 0x00, 0x20, 0x00, 0x30, 0x00))
	x, y, z := s.Value()
	assert.InDelta(t, -16, x, 1e-9)
	assert.InDelta(t, 32+256, y, 1e-9)
	assert.InDelta(t, -48+1024, z, 1e-9)
	assert.True(t, s.Active())

	ax, ay, _ := s.Axes()
	assert.True(t, ax.Inverse)
	assert.Equal(t, 256.0, ay.Offset)
	rx, _, rz := s.Registers()
	assert.Equal(t, "word_g_x", rx.Name())
	assert.Equal(t, "word_g_z", rz.Name())

	r := s.Reading()
	assert.Equal(t, []float64{-16, 288, 976}, r.Values)

	_, err = NewXYZ(XYZConfig{Name: "acc", Device: d, X: Axis{Register: "word_g_x"}, Y: Axis{Register: "word_g_y"}})
	assert.ErrorIs(t, err, ErrInvalidSensor, "z axis missing")
}
