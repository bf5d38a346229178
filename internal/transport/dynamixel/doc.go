// Package dynamixel implements the Dynamixel serial protocols (1.0 and 2.0)
// as a device bus transport.
//
// Packets are built and parsed by EncodeV1/EncodeV2 and
// ReadStatusV1/ReadStatusV2. Protocol 2.0 frames are CRC-16 protected and
// byte-stuffed; Protocol 1.0 frames carry an inverted-sum checksum.
//
// Transport opens the port with github.com/tarm/serial and runs one
// instruction/status exchange at a time. Group instructions map onto the
// engine's sync and bulk loops; Protocol 1.0 only has sync write.
package dynamixel
