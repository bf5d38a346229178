package device

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableCodecs_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		codec Codec
		table map[int64]float64
	}{
		{name: "ax baud", codec: newTableCodec("AX baud", axBaudTable), table: axBaudTable},
		{name: "xl baud", codec: newTableCodec("XL baud", xlBaudTable), table: xlBaudTable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, ext := range tt.table {
				iv, err := tt.codec.ToInternal(ext)
				require.NoError(t, err)
				assert.Equal(t, ext, tt.codec.ToExternal(iv))
			}
		})
	}
}

func TestTableCodec_Unsupported(t *testing.T) {
	c := newTableCodec("AX baud", axBaudTable)
	_, err := c.ToInternal(12345)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedValue))
	assert.Contains(t, err.Error(), "attempt to write a non supported for AX baud")
}

func TestConversionCodec(t *testing.T) {
	// 0.088 deg per step, centre at 2048.
	c := conversionCodec{factor: 1 / 0.088, offset: 2048}
	assert.InDelta(t, 0, c.ToExternal(2048), 1e-9)
	iv, err := c.ToInternal(90)
	require.NoError(t, err)
	assert.Equal(t, int64(math.Round(90/0.088+2048)), iv)
	assert.InDelta(t, 90, c.ToExternal(iv), 0.1)
}

func TestThresholdCodec(t *testing.T) {
	c := thresholdCodec{threshold: 1024, factor: 1}
	tests := []struct {
		internal int64
		external float64
	}{
		{internal: 0, external: 0},
		{internal: 100, external: 100},
		{internal: 1023, external: 1023},
		{internal: 1024, external: 0},
		{internal: 1124, external: -100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.external, c.ToExternal(tt.internal), "internal %d", tt.internal)
	}
	iv, err := c.ToInternal(-100)
	require.NoError(t, err)
	assert.Equal(t, int64(1124), iv)
	iv, err = c.ToInternal(100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), iv)
}

func TestBoolCodec(t *testing.T) {
	c := boolCodec{}
	assert.Equal(t, 1.0, c.ToExternal(5))
	assert.Equal(t, 0.0, c.ToExternal(0))
	iv, _ := c.ToInternal(0.5)
	assert.Equal(t, int64(1), iv)
	iv, _ = c.ToInternal(0)
	assert.Equal(t, int64(0), iv)
}

func TestComplianceSlopeCodec(t *testing.T) {
	c := complianceSlopeCodec{}
	for exp := 0; exp <= 7; exp++ {
		iv, err := c.ToInternal(float64(exp))
		require.NoError(t, err)
		assert.Equal(t, int64(1)<<exp, iv)
		assert.Equal(t, float64(exp), c.ToExternal(iv))
	}
	assert.Equal(t, 5.0, c.ToExternal(32))
	assert.Equal(t, 0.0, c.ToExternal(0))

	_, err := c.ToInternal(-1)
	assert.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestKind_Valid(t *testing.T) {
	for _, k := range AllKinds() {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, Kind("stepper").Valid())
	assert.Len(t, AllKinds(), 7)
}
