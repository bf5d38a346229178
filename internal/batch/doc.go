// Package batch builds the group transactions run by sync loops.
//
// A loop definition (kind, devices, register names) is validated once, at
// construction, into a plan:
//
//   - SyncPlan: every device exposes the same contiguous register block,
//     read or written with one shared-range instruction.
//   - BulkPlan: each device contributes its own ranges, merged from the
//     requested registers sorted by address.
//
// Protocol restrictions are checked at construction as well, so an
// unsupported loop never starts. A Transaction wraps a plan as a loop task:
// Setup registers the loop as a bus user, Atomic performs one transaction
// under the bus try-lock, and Teardown releases the bus.
//
// Runtime failures (busy bus, transport error) never stop a loop. They are
// logged once per cycle and the registers keep their previous values.
package batch
