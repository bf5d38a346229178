// Package influxdb records graybot time-series data in InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, batched non-blocking writes and health monitoring.
//
// # Measurements
//
//   - register_values: one point per device per telemetry cycle,
//     tagged by device, one field per register
//   - loop_timing: one point per sync loop cycle, tagged by loop
//   - joint_state: position, velocity and load per joint
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteRegisterValues("d01", map[string]float64{"current_pos": 12.5})
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// Rejected batches are reported asynchronously to the SetOnError callback
// as a *WriteError naming the measurements in the batch. Batches carrying
// loop_timing are retried; register and joint samples are dropped.
package influxdb
