// Package telemetry publishes robot state and applies remote register
// commands.
//
// A Service runs its own periodic loop. Every cycle it publishes:
//   - each device's register values to graybot/state/<device> (retained,
//     only when a value changed) and to the InfluxDB register_values
//     measurement
//   - each joint's state to graybot/joint/<name> and joint_state
//   - each active sensor's reading to graybot/sensor/<name>
//   - the status of every observed sync loop to graybot/loop/<name>/status
//   - warnings and overruns reported since the last cycle to
//     graybot/event/loop_warning and graybot/event/loop_overrun (not
//     retained)
//
// The Service is also a loop.Observer: sync loops report every cycle to it,
// each report becomes a loop_timing point, and warnings and overruns are
// forwarded to the registered sinks.
//
// Commands arrive on graybot/command/<device>/<register> with a JSON body
// {"value": 12.5} and are applied with Register.SetValue.
//
// Device states are built from the in-memory register values. Joint and
// sensor readings go through Register.Value and so refresh non-sync
// registers from hardware.
package telemetry
