// Package robot builds a robot from a YAML definition and runs its
// lifecycle.
//
// A definition names buses, devices, joints, sensors and sync loops:
//
//	name: dummy
//	buses:
//	  busA: {kind: dynamixel, port: /dev/ttyUSB0, protocol: "2.0", baud: 1000000}
//	devices:
//	  d01: {kind: dynamixel, model: XL-320, bus: busA, id: 1}
//	joints:
//	  pan: {device: d01, pos_read: present_position_deg, pos_write: goal_position_deg}
//	syncs:
//	  read: {kind: sync_read, devices: [d01], registers: [present_position_deg], frequency: 100}
//
// Device register tables come from models/<kind>/<model>.yml, embedded in
// the binary. A device can add its own rows under registers.
//
// Decoding rejects unknown keys. Validation collects every problem into a
// single ErrInvalidDefinition.
//
// Start opens all buses concurrently, refreshes every device, activates
// the sensors marked auto and starts the sync loops marked auto. Stop
// stops the loops first so no loop holds a bus that is being closed.
package robot
