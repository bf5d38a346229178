package device

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDevice_Validation(t *testing.T) {
	bus, err := NewBus(BusConfig{Name: "busA"}, newFakeTransport())
	require.NoError(t, err)

	_, err = NewDevice(DeviceConfig{}, bus, nil)
	assert.ErrorIs(t, err, ErrInvalidDevice)
	_, err = NewDevice(DeviceConfig{Name: "d01"}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidDevice)

	a := mustRegister(t, RegisterSpec{Name: "x", Size: 1})
	b := mustRegister(t, RegisterSpec{Name: "x", Size: 1, Address: 1})
	_, err = NewDevice(DeviceConfig{Name: "d01"}, bus, []*Register{a, b})
	assert.ErrorIs(t, err, ErrInvalidDevice)
	assert.Nil(t, a.Device(), "failed construction leaves registers detached")

	d, err := NewDevice(DeviceConfig{Name: "d01"}, bus, []*Register{a})
	require.NoError(t, err)
	_, err = NewDevice(DeviceConfig{Name: "d02"}, bus, []*Register{a})
	assert.ErrorIs(t, err, ErrInvalidDevice)

	assert.Equal(t, []*Device{d}, bus.Devices())
}

func TestDevice_RegistersKeepDeclarationOrder(t *testing.T) {
	rig := newRig(t,
		RegisterSpec{Name: "torque_enable", Address: 24, Size: 1},
		RegisterSpec{Name: "model_number", Address: 0, Size: 2},
		RegisterSpec{Name: "goal_position", Address: 30, Size: 2},
	)
	var names []string
	for _, r := range rig.dev.Registers() {
		names = append(names, r.Name())
	}
	assert.Equal(t, []string{"torque_enable", "model_number", "goal_position"}, names)
	assert.Same(t, rig.dev, rig.reg(t, "model_number").Device())
	assert.Same(t, rig.bus, rig.dev.Bus())
}

func TestDevice_ReadWriteRegisters(t *testing.T) {
	rig := newRig(t,
		RegisterSpec{Name: "goal_position", Address: 30, Size: 2, Access: AccessRW, Sync: true},
		RegisterSpec{Name: "moving_speed", Address: 32, Size: 2, Access: AccessRW, Sync: true},
	)
	require.NoError(t, rig.bus.Open(t.Context()))
	rig.transport.poke(1, 30, 0x00, 0x02, 0x64, 0x00)

	require.NoError(t, rig.dev.ReadRegisters("goal_position", "moving_speed"))
	assert.Equal(t, int64(512), rig.reg(t, "goal_position").Int())
	assert.Equal(t, int64(100), rig.reg(t, "moving_speed").Int())

	rig.reg(t, "moving_speed").SetInt(300)
	require.NoError(t, rig.dev.WriteRegisters("moving_speed"))
	assert.Equal(t, []byte{0x2C, 0x01}, rig.transport.peek(1, 32, 2))

	err := rig.dev.ReadRegisters("goal_position", "nope")
	assert.ErrorIs(t, err, ErrUnknownRegister)
	err = rig.dev.WriteRegisters("nope")
	assert.ErrorIs(t, err, ErrUnknownRegister)
}

func TestDevice_Refresh(t *testing.T) {
	rig := newRig(t,
		RegisterSpec{Name: "model_number", Address: 0, Size: 2},
		RegisterSpec{Name: "present_position", Address: 36, Size: 2, Sync: true},
	)
	require.NoError(t, rig.bus.Open(t.Context()))
	rig.transport.poke(1, 0, 0x0C, 0x00)
	rig.transport.poke(1, 36, 0xFF, 0x00)

	rig.dev.Refresh()

	assert.Equal(t, int64(12), rig.reg(t, "model_number").Int())
	assert.Equal(t, int64(0), rig.reg(t, "present_position").Int(), "sync registers are left to loops")
}

func TestDevice_LowEndian(t *testing.T) {
	rig := newRig(t)
	tests := []struct {
		value int64
		size  int
		want  []byte
	}{
		{value: 0x12, size: 1, want: []byte{0x12}},
		{value: 0x1234, size: 2, want: []byte{0x34, 0x12}},
		{value: 0x12345678, size: 4, want: []byte{0x78, 0x56, 0x34, 0x12}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, rig.dev.LowEndian(tt.value, tt.size)); diff != "" {
			t.Errorf("LowEndian(%#x, %d) mismatch (-want +got):\n%s", tt.value, tt.size, diff)
		}
	}
	assert.Equal(t, 0, rig.rec.Len())

	assert.Nil(t, rig.dev.LowEndian(1, 3))
	assert.Equal(t, 1, rig.rec.Count("Unexpected register size"))
}

func TestEncodeDecodeLE(t *testing.T) {
	_, err := EncodeLE(1, 8)
	assert.ErrorIs(t, err, ErrRegisterSize)
	_, err = DecodeLE([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrRegisterSize)

	buf, err := AppendLE([]byte{0xAA}, 0x0102, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0x02, 0x01}, buf)

	v, err := DecodeLE([]byte{0x78, 0x56, 0x34, 0x12})
	require.NoError(t, err)
	assert.Equal(t, int64(0x12345678), v)
}

func TestDevice_String(t *testing.T) {
	rig := newRig(t, RegisterSpec{Name: "model_number", Address: 0, Size: 2, Default: 12})
	s := rig.dev.String()
	assert.Contains(t, s, "Device d01 (id 1) on bus busA")
	assert.Contains(t, s, "model_number: 12")
}
