package device

import (
	"fmt"
	"math"
	"sort"
)

// Kind identifies a register conversion variant.
type Kind string

// Register kinds. The set is closed; definitions naming any other kind are
// rejected when models are loaded.
const (
	KindBase              Kind = "base"
	KindConversion        Kind = "conversion"
	KindThreshold         Kind = "threshold"
	KindBool              Kind = "bool"
	KindAXBaud            Kind = "ax_baud"
	KindXLBaud            Kind = "xl_baud"
	KindAXComplianceSlope Kind = "ax_compliance_slope"
)

var validKinds = map[Kind]bool{
	KindBase:              true,
	KindConversion:        true,
	KindThreshold:         true,
	KindBool:              true,
	KindAXBaud:            true,
	KindXLBaud:            true,
	KindAXComplianceSlope: true,
}

// AllKinds returns every supported register kind in a stable order.
func AllKinds() []Kind {
	out := make([]Kind, 0, len(validKinds))
	for k := range validKinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Valid reports whether k is a supported register kind.
func (k Kind) Valid() bool {
	return validKinds[k]
}

// Codec converts between a register's internal (raw integer) value and its
// external (engineering unit) value.
type Codec interface {
	// ToExternal converts a raw value read from the device.
	ToExternal(internal int64) float64

	// ToInternal converts a requested external value to the raw value.
	// Values outside the representable set return an error wrapping
	// ErrUnsupportedValue.
	ToInternal(external float64) (int64, error)
}

// AX-12 style baud rate table (register value -> bits per second).
var axBaudTable = map[int64]float64{
	1:   1000000,
	3:   500000,
	4:   400000,
	7:   250000,
	9:   200000,
	16:  115200,
	34:  57600,
	103: 19200,
	207: 9600,
}

// XL-320 style baud rate table.
var xlBaudTable = map[int64]float64{
	0: 9600,
	1: 57600,
	2: 115200,
	3: 1000000,
}

type identityCodec struct{}

func (identityCodec) ToExternal(v int64) float64 { return float64(v) }

func (identityCodec) ToInternal(v float64) (int64, error) { return int64(math.Round(v)), nil }

// conversionCodec applies a linear factor and offset:
// external = (internal - offset) / factor.
type conversionCodec struct {
	factor float64
	offset float64
}

func (c conversionCodec) ToExternal(v int64) float64 {
	return (float64(v) - c.offset) / c.factor
}

func (c conversionCodec) ToInternal(v float64) (int64, error) {
	return int64(math.Round(v*c.factor + c.offset)), nil
}

// thresholdCodec encodes the sign in the raw value: values at or above the
// threshold are negative magnitudes offset by the threshold.
type thresholdCodec struct {
	threshold int64
	factor    float64
}

func (c thresholdCodec) ToExternal(v int64) float64 {
	if v < c.threshold {
		return float64(v) / c.factor
	}
	return -float64(v-c.threshold) / c.factor
}

func (c thresholdCodec) ToInternal(v float64) (int64, error) {
	if v >= 0 {
		return int64(math.Round(v * c.factor)), nil
	}
	return int64(math.Round(-v*c.factor)) + c.threshold, nil
}

type boolCodec struct{}

func (boolCodec) ToExternal(v int64) float64 {
	if v != 0 {
		return 1
	}
	return 0
}

func (boolCodec) ToInternal(v float64) (int64, error) {
	if v != 0 {
		return 1, nil
	}
	return 0, nil
}

// tableCodec maps a closed set of raw values to external values.
type tableCodec struct {
	label string
	toExt map[int64]float64
	toInt map[float64]int64
}

func newTableCodec(label string, table map[int64]float64) tableCodec {
	inv := make(map[float64]int64, len(table))
	for k, v := range table {
		inv[v] = k
	}
	return tableCodec{label: label, toExt: table, toInt: inv}
}

// ToExternal returns 0 for raw values outside the table.
func (c tableCodec) ToExternal(v int64) float64 {
	return c.toExt[v]
}

func (c tableCodec) ToInternal(v float64) (int64, error) {
	iv, ok := c.toInt[v]
	if !ok {
		return 0, fmt.Errorf("attempt to write a non supported for %s: %v: %w", c.label, v, ErrUnsupportedValue)
	}
	return iv, nil
}

// complianceSlopeCodec stores powers of two; the external value is the exponent.
type complianceSlopeCodec struct{}

func (complianceSlopeCodec) ToExternal(v int64) float64 {
	if v <= 0 {
		return 0
	}
	return math.Round(math.Log2(float64(v)))
}

func (complianceSlopeCodec) ToInternal(v float64) (int64, error) {
	exp := math.Round(v)
	if exp < 0 || exp > 8 {
		return 0, fmt.Errorf("attempt to write a non supported for AX compliance slope: %v: %w", v, ErrUnsupportedValue)
	}
	return int64(math.Pow(2, exp)), nil
}

// newCodec builds the codec for a validated register spec.
func newCodec(spec RegisterSpec) Codec {
	switch spec.Kind {
	case KindConversion:
		return conversionCodec{factor: spec.Factor, offset: spec.Offset}
	case KindThreshold:
		return thresholdCodec{threshold: spec.Threshold, factor: spec.Factor}
	case KindBool:
		return boolCodec{}
	case KindAXBaud:
		return newTableCodec("AX baud", axBaudTable)
	case KindXLBaud:
		return newTableCodec("XL baud", xlBaudTable)
	case KindAXComplianceSlope:
		return complianceSlopeCodec{}
	default:
		return identityCodec{}
	}
}
