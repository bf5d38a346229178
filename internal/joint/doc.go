// Package joint maps device registers to joint coordinates.
//
// A joint reads its position from one register and commands it through
// another, optionally with velocity, load and activation registers. The
// joint may run inverse to the device, have its zero moved by an offset
// and limit commanded positions to a range.
package joint
