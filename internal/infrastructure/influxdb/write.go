package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by graybot.
const (
	MeasurementRegisters  = "register_values"
	MeasurementLoopTiming = "loop_timing"
	MeasurementJoints     = "joint_state"
)

// LoopTiming is one loop cycle as recorded in InfluxDB.
type LoopTiming struct {
	Loop    string
	At      time.Time
	Elapsed time.Duration
	Period  time.Duration
	Used    float64
	Warning bool
	Overrun bool
}

// WriteRegisterValues writes the external values of a device's registers
// as one point.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Parameters:
//   - device: Device name, stored as the "device" tag
//   - values: Register name to external value
//
// Example:
//
//	client.WriteRegisterValues("d01", map[string]float64{"current_pos": 12.5})
func (c *Client) WriteRegisterValues(device string, values map[string]float64) {
	if !c.IsConnected() || len(values) == 0 {
		return
	}
	c.writeAPI.WritePoint(registerPoint(device, values, time.Now()))
}

// WriteLoopTiming records one loop cycle.
//
// Called from loop observers, so it must stay non-blocking.
func (c *Client) WriteLoopTiming(t LoopTiming) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(loopTimingPoint(t))
}

// WriteJointState records a joint's position, velocity and load.
//
// Parameters:
//   - joint: Joint name, stored as the "joint" tag
//   - position: Present position in degrees
//   - velocity: Present velocity
//   - load: Present load
func (c *Client) WriteJointState(joint string, position, velocity, load float64) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementJoints,
		map[string]string{"joint": joint},
		map[string]interface{}{
			"position": position,
			"velocity": velocity,
			"load":     load,
		},
		time.Now(),
	))
}

func registerPoint(device string, values map[string]float64, at time.Time) *write.Point {
	fields := make(map[string]interface{}, len(values))
	for name, v := range values {
		fields[name] = v
	}
	return write.NewPoint(MeasurementRegisters, map[string]string{"device": device}, fields, at)
}

func loopTimingPoint(t LoopTiming) *write.Point {
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(
		MeasurementLoopTiming,
		map[string]string{"loop": t.Loop},
		map[string]interface{}{
			"elapsed_ms": float64(t.Elapsed) / float64(time.Millisecond),
			"period_ms":  float64(t.Period) / float64(time.Millisecond),
			"used":       t.Used,
			"warning":    t.Warning,
			"overrun":    t.Overrun,
		},
		at,
	)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Parameters:
//   - measurement: The measurement name
//   - tags: Key-value pairs for indexing
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
