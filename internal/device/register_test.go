package device

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegister_Validation(t *testing.T) {
	tests := []struct {
		name string
		spec RegisterSpec
	}{
		{name: "empty name", spec: RegisterSpec{Size: 1}},
		{name: "size 3", spec: RegisterSpec{Name: "r", Size: 3}},
		{name: "size 0", spec: RegisterSpec{Name: "r"}},
		{name: "unknown kind", spec: RegisterSpec{Name: "r", Size: 1, Kind: "stepper"}},
		{name: "conversion without factor", spec: RegisterSpec{Name: "r", Size: 2, Kind: KindConversion}},
		{name: "threshold without factor", spec: RegisterSpec{Name: "r", Size: 2, Kind: KindThreshold, Threshold: 1024}},
		{name: "min above max", spec: RegisterSpec{Name: "r", Size: 2, Min: int64p(10), Max: int64p(5)}},
		{name: "max exceeds size", spec: RegisterSpec{Name: "r", Size: 1, Max: int64p(256)}},
		{name: "negative min", spec: RegisterSpec{Name: "r", Size: 1, Min: int64p(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegister(tt.spec)
			assert.ErrorIs(t, err, ErrInvalidRegister)
		})
	}
}

func TestNewRegister_Defaults(t *testing.T) {
	r := mustRegister(t, RegisterSpec{Name: "goal_position", Address: 30, Size: 2, Access: AccessRW, Default: 70000})
	assert.Equal(t, KindBase, r.Kind())
	assert.Equal(t, int64(0), r.Min())
	assert.Equal(t, int64(65535), r.Max())
	assert.Equal(t, int64(65535), r.Int(), "default is clipped")

	baud := mustRegister(t, RegisterSpec{Name: "baud_rate", Address: 4, Size: 1, Kind: KindAXBaud, Access: AccessRW})
	assert.Equal(t, int64(1), baud.Min())
	assert.Equal(t, int64(207), baud.Max())
}

func TestParseAccess(t *testing.T) {
	a, err := ParseAccess("rw")
	require.NoError(t, err)
	assert.Equal(t, AccessRW, a)
	a, err = ParseAccess("")
	require.NoError(t, err)
	assert.Equal(t, AccessR, a)
	_, err = ParseAccess("W")
	assert.ErrorIs(t, err, ErrInvalidRegister)
	assert.Equal(t, "RW", AccessRW.String())
}

func TestRegister_SetIntClips(t *testing.T) {
	r := mustRegister(t, RegisterSpec{Name: "torque_limit", Size: 2, Access: AccessRW, Min: int64p(0), Max: int64p(1023)})
	r.SetInt(5000)
	assert.Equal(t, int64(1023), r.Int())
	r.SetInt(-3)
	assert.Equal(t, int64(0), r.Int())
}

func TestRegister_SetValueReadOnly(t *testing.T) {
	rig := newRig(t, RegisterSpec{Name: "current_pos", Address: 36, Size: 2, Access: AccessR, Sync: true, Default: 512})
	require.NoError(t, rig.bus.Open(t.Context()))
	rig.rec.Reset()
	reg := rig.reg(t, "current_pos")

	reg.SetValue(100)

	assert.Equal(t, int64(512), reg.Int())
	assert.Equal(t, 1, rig.rec.Len())
	rec, ok := rig.rec.Find("attempted to write in RO register current_pos")
	require.True(t, ok)
	assert.Equal(t, slog.LevelError, rec.Level)
}

func TestRegister_SetValueUnsupported(t *testing.T) {
	rig := newRig(t, RegisterSpec{Name: "baud_rate", Address: 4, Size: 1, Access: AccessRW, Kind: KindAXBaud, Sync: true, Default: 1})
	reg := rig.reg(t, "baud_rate")

	reg.SetValue(12345)
	assert.Equal(t, int64(1), reg.Int())
	assert.Equal(t, 1, rig.rec.Count("attempt to write a non supported for AX baud"))
	assert.Equal(t, 1, rig.rec.Len())

	reg.SetValue(57600)
	assert.Equal(t, int64(34), reg.Int())
	assert.Equal(t, 57600.0, reg.Value())
}

func TestRegister_XLBaudUnsupported(t *testing.T) {
	rig := newRig(t, RegisterSpec{Name: "baud_rate", Address: 8, Size: 1, Access: AccessRW, Kind: KindXLBaud, Sync: true})
	rig.reg(t, "baud_rate").SetValue(200000)
	assert.Equal(t, 1, rig.rec.Count("attempt to write a non supported for XL baud"))
}

func TestRegister_NonSyncReadsThroughBus(t *testing.T) {
	rig := newRig(t, RegisterSpec{Name: "present_temp", Address: 43, Size: 1})
	require.NoError(t, rig.bus.Open(t.Context()))
	rig.transport.poke(1, 43, 41)

	assert.Equal(t, 41.0, rig.reg(t, "present_temp").Value())
}

func TestRegister_SyncDoesNotTouchBus(t *testing.T) {
	rig := newRig(t, RegisterSpec{Name: "present_position", Address: 36, Size: 2, Sync: true})
	rig.transport.poke(1, 36, 0xFF, 0x01)

	reg := rig.reg(t, "present_position")
	assert.Equal(t, 0.0, reg.Value(), "closed bus, sync register: no read attempted")
	assert.Equal(t, 0, rig.rec.Len())
}

func TestRegister_NonSyncWriteThroughBus(t *testing.T) {
	rig := newRig(t, RegisterSpec{Name: "goal_position", Address: 30, Size: 2, Access: AccessRW})
	require.NoError(t, rig.bus.Open(t.Context()))
	reg := rig.reg(t, "goal_position")

	reg.SetValue(0x0234)

	assert.Equal(t, []byte{0x34, 0x02}, rig.transport.peek(1, 30, 2))
	assert.Equal(t, int64(0x0234), reg.Int())
}

func TestRegister_WriteFailureLeavesValue(t *testing.T) {
	rig := newRig(t, RegisterSpec{Name: "goal_position", Address: 30, Size: 2, Access: AccessRW, Default: 7})
	require.NoError(t, rig.bus.Open(t.Context()))
	rig.transport.ioErr = errFake
	rig.rec.Reset()
	reg := rig.reg(t, "goal_position")

	reg.SetValue(99)

	assert.Equal(t, int64(7), reg.Int())
	assert.Equal(t, 1, rig.rec.Count("failed to write register goal_position"))
	assert.Equal(t, 1, rig.rec.Len())
}

func TestRegister_WriteOnClosedBus(t *testing.T) {
	rig := newRig(t, RegisterSpec{Name: "goal_position", Address: 30, Size: 2, Access: AccessRW, Default: 7})
	reg := rig.reg(t, "goal_position")

	reg.SetValue(99)

	assert.Equal(t, int64(7), reg.Int())
	assert.Equal(t, 1, rig.rec.Count("attempt to write to closed bus busA"))
	assert.Equal(t, 1, rig.rec.Len())
}

func TestRegister_WriteReadOnlyPush(t *testing.T) {
	rig := newRig(t, RegisterSpec{Name: "model_number", Size: 2})
	require.NoError(t, rig.bus.Open(t.Context()))
	rig.rec.Reset()

	rig.reg(t, "model_number").Write()

	assert.Equal(t, 0, rig.transport.writes)
	assert.Equal(t, 1, rig.rec.Count("attempted to write in RO register model_number"))
}

func TestRegister_Detached(t *testing.T) {
	r := mustRegister(t, RegisterSpec{Name: "loose", Size: 1, Access: AccessRW})
	r.SetValue(12)
	r.Read()
	r.Write()
	assert.Equal(t, 12.0, r.Value())
	assert.Nil(t, r.Device())
	assert.Equal(t, "loose@0=12", r.String())
}
