// Package device models the robot hardware graph: buses, devices and registers.
//
// A Bus wraps a Transport and a non-blocking lock. A Device is an endpoint
// on a bus with an ordered set of Registers. A Register is a fixed-width
// value with an access mode and a Codec converting between the raw internal
// value and the external engineering value.
//
// # Bus lock protocol
//
// Every transaction, whether issued by a register access or by a sync loop,
// follows the same sequence:
//
//  1. The bus must be open, otherwise one error record is logged.
//  2. TryAcquire; on failure "failed to acquire bus <name>" is logged and the
//     operation is skipped. TryAcquire never waits.
//  3. The transport call runs, then Release is called unconditionally.
//
// Runtime failures never propagate to the caller; they surface as exactly
// one log record each. Structural problems (bad sizes, unknown kinds,
// duplicate names) are returned as errors at construction.
//
// # Usage
//
//	bus, _ := device.NewBus(device.BusConfig{Name: "ttys1"}, transport)
//	bus.SetLogger(logger)
//	pos, _ := device.NewRegister(device.RegisterSpec{Name: "present_position", Address: 36, Size: 2})
//	servo, _ := device.NewDevice(device.DeviceConfig{Name: "d01", ID: 1}, bus, []*device.Register{pos})
//	_ = bus.Open(ctx)
//	fmt.Println(pos.Value())
package device
