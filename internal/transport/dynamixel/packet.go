package dynamixel

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Instruction is a Dynamixel instruction byte.
type Instruction byte

// Instructions used by the transport.
const (
	InstPing      Instruction = 0x01
	InstRead      Instruction = 0x02
	InstWrite     Instruction = 0x03
	InstSyncRead  Instruction = 0x82
	InstSyncWrite Instruction = 0x83
	InstBulkRead  Instruction = 0x92
	InstBulkWrite Instruction = 0x93

	// InstStatus marks a Protocol 2.0 status packet.
	InstStatus Instruction = 0x55
)

// BroadcastID addresses every device on the bus. Devices never answer it.
const BroadcastID = 0xFE

// Framing sizes.
const (
	// v1HeaderSize is FF FF ID LEN.
	v1HeaderSize = 4

	// v2HeaderSize is FF FF FD 00 ID LEN_L LEN_H.
	v2HeaderSize = 7

	// v1MaxLength is the largest LEN field a Protocol 1.0 packet can carry.
	v1MaxLength = 0xFF
)

// Packet errors.
var (
	// ErrPacketTooLong is returned when parameters do not fit the length field.
	ErrPacketTooLong = errors.New("dynamixel: packet too long")

	// ErrChecksum is returned when a status packet fails its checksum or CRC.
	ErrChecksum = errors.New("dynamixel: bad checksum")

	// ErrMalformed is returned for status packets with an impossible layout.
	ErrMalformed = errors.New("dynamixel: malformed status packet")
)

// Packet is an instruction packet.
type Packet struct {
	ID          byte
	Instruction Instruction
	Params      []byte
}

// Status is a decoded status packet.
type Status struct {
	ID     byte
	Error  byte
	Params []byte
}

// StatusError reports a non-zero error field in a status packet.
type StatusError struct {
	ID   byte
	Code byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dynamixel: device %d reported error 0x%02X", e.ID, e.Code)
}

// Err returns the device-reported error for the protocol, or nil.
// Protocol 2.0 uses bit 7 as a hardware alert flag that does not fail
// the transaction by itself.
func (s Status) Err(protocol int) error {
	code := s.Error
	if protocol == 2 { //nolint:mnd // protocol version
		code &= 0x7F
	}
	if code == 0 {
		return nil
	}
	return &StatusError{ID: s.ID, Code: s.Error}
}

// EncodeV1 builds a Protocol 1.0 instruction packet.
//
//	FF FF ID LEN INST PARAMS... CHECKSUM
//
// LEN counts the instruction, the parameters and the checksum. The checksum
// is the inverted low byte of the sum of ID, LEN, INST and parameters.
//
// Parameters:
//   - p: Packet to encode
//
// Returns:
//   - []byte: Wire bytes
//   - error: ErrPacketTooLong if the parameters overflow the length byte
func EncodeV1(p Packet) ([]byte, error) {
	length := len(p.Params) + 2 //nolint:mnd // instruction + checksum
	if length > v1MaxLength {
		return nil, fmt.Errorf("%w: %d parameter bytes", ErrPacketTooLong, len(p.Params))
	}
	buf := make([]byte, 0, v1HeaderSize+length)
	buf = append(buf, 0xFF, 0xFF, p.ID, byte(length), byte(p.Instruction))
	buf = append(buf, p.Params...)
	return append(buf, checksum(buf[2:])), nil
}

func checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return ^sum
}

// EncodeV2 builds a Protocol 2.0 instruction packet.
//
//	FF FF FD 00 ID LEN_L LEN_H INST PARAMS... CRC_L CRC_H
//
// The instruction and parameters are byte-stuffed first: every FF FF FD
// sequence gets an extra FD. LEN counts the stuffed body plus the CRC, and
// the CRC-16 covers everything before it.
func EncodeV2(p Packet) ([]byte, error) {
	body := stuff(append([]byte{byte(p.Instruction)}, p.Params...))
	length := len(body) + 2 //nolint:mnd // CRC
	if length > 0xFFFF {
		return nil, fmt.Errorf("%w: %d parameter bytes", ErrPacketTooLong, len(p.Params))
	}
	buf := make([]byte, 0, v2HeaderSize+length)
	buf = append(buf, 0xFF, 0xFF, 0xFD, 0x00, p.ID)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(length))
	buf = append(buf, body...)
	return binary.LittleEndian.AppendUint16(buf, CRC16(buf)), nil
}

// ReadStatusV1 reads one Protocol 1.0 status packet, skipping any noise
// before the FF FF header.
func ReadStatusV1(r *bufio.Reader) (Status, error) {
	if err := syncHeader(r, []byte{0xFF, 0xFF}); err != nil {
		return Status{}, err
	}
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Status{}, err
	}
	id, length := hdr[0], int(hdr[1])
	if length < 2 { //nolint:mnd // error + checksum
		return Status{}, fmt.Errorf("%w: length %d", ErrMalformed, length)
	}
	rest := make([]byte, length)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Status{}, err
	}
	sum := checksum(append([]byte{id, hdr[1]}, rest[:length-1]...))
	if sum != rest[length-1] {
		return Status{}, fmt.Errorf("%w: device %d", ErrChecksum, id)
	}
	return Status{ID: id, Error: rest[0], Params: rest[1 : length-1]}, nil
}

// ReadStatusV2 reads one Protocol 2.0 status packet, skipping any noise
// before the FF FF FD 00 header, and removes byte stuffing from the
// parameters.
func ReadStatusV2(r *bufio.Reader) (Status, error) {
	if err := syncHeader(r, []byte{0xFF, 0xFF, 0xFD, 0x00}); err != nil {
		return Status{}, err
	}
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Status{}, err
	}
	id := hdr[0]
	length := int(binary.LittleEndian.Uint16(hdr[1:]))
	if length < 4 { //nolint:mnd // instruction + error + CRC
		return Status{}, fmt.Errorf("%w: length %d", ErrMalformed, length)
	}
	rest := make([]byte, length)
	if _, err := io.ReadFull(r, rest); err != nil {
		return Status{}, err
	}

	frame := make([]byte, 0, v2HeaderSize+length)
	frame = append(frame, 0xFF, 0xFF, 0xFD, 0x00)
	frame = append(frame, hdr[:]...)
	frame = append(frame, rest[:length-2]...)
	if CRC16(frame) != binary.LittleEndian.Uint16(rest[length-2:]) {
		return Status{}, fmt.Errorf("%w: device %d", ErrChecksum, id)
	}
	if Instruction(rest[0]) != InstStatus {
		return Status{}, fmt.Errorf("%w: instruction 0x%02X", ErrMalformed, rest[0])
	}
	body := unstuff(rest[:length-2])
	return Status{ID: id, Error: body[1], Params: body[2:]}, nil
}

// syncHeader consumes bytes until header has been read.
func syncHeader(r *bufio.Reader, header []byte) error {
	matched := 0
	for matched < len(header) {
		c, err := r.ReadByte()
		if err != nil {
			return err
		}
		switch {
		case c == header[matched]:
			matched++
		case c == header[0]:
			// FF FF FF FD: a repeated first byte keeps the partial match.
			if matched != 1 && !(matched == 2 && header[1] == header[0]) {
				matched = 1
			}
		default:
			matched = 0
		}
	}
	return nil
}

// stuff inserts FD after every FF FF FD sequence.
func stuff(b []byte) []byte {
	out := make([]byte, 0, len(b)+len(b)/3) //nolint:mnd // worst case one extra byte per three
	for i, c := range b {
		out = append(out, c)
		if c == 0xFD && i >= 2 && b[i-1] == 0xFF && b[i-2] == 0xFF {
			out = append(out, 0xFD)
		}
	}
	return out
}

// unstuff removes the FD added after every FF FF FD sequence.
func unstuff(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		out = append(out, b[i])
		n := len(out)
		if n >= 3 && out[n-1] == 0xFD && out[n-2] == 0xFF && out[n-3] == 0xFF && i+1 < len(b) && b[i+1] == 0xFD {
			i++
		}
	}
	return out
}

var crcTable = func() [256]uint16 {
	var t [256]uint16
	for i := range t {
		crc := uint16(i) << 8 //nolint:gosec // i < 256
		for range 8 {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x8005
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}()

// CRC16 computes the Protocol 2.0 CRC (polynomial 0x8005, initial value 0,
// not reflected).
func CRC16(b []byte) uint16 {
	var crc uint16
	for _, c := range b {
		crc = crc<<8 ^ crcTable[byte(crc>>8)^c]
	}
	return crc
}
