package dynamixel

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/nerrad567/graybot-core/internal/device"
)

// Defaults applied by New.
const (
	DefaultBaud    = 1000000
	DefaultTimeout = 100 * time.Millisecond
)

// Transport errors.
var (
	// ErrInvalidConfig is returned by New for unusable settings.
	ErrInvalidConfig = errors.New("dynamixel: invalid config")

	// ErrNotOpen is returned by transactions before Open.
	ErrNotOpen = errors.New("dynamixel: port not open")

	// ErrTimeout is returned when a status packet does not arrive in time.
	ErrTimeout = errors.New("dynamixel: status timeout")

	// ErrUnexpectedReply is returned for replies from the wrong device or
	// with the wrong amount of data.
	ErrUnexpectedReply = errors.New("dynamixel: unexpected reply")

	// ErrUnsupported is returned for instructions Protocol 1.0 lacks.
	ErrUnsupported = errors.New("dynamixel: instruction not supported by protocol")
)

// Config holds the serial and protocol settings of a Dynamixel bus.
type Config struct {
	// Port is the serial device, e.g. /dev/ttyUSB0.
	Port string

	// Baud is the line rate. Default: 1000000.
	Baud int

	// Protocol is 1 or 2.
	Protocol int

	// Timeout bounds the wait for each status packet. Default: 100ms.
	Timeout time.Duration
}

// ParseProtocol converts a bus protocol string ("1", "1.0", "2", "2.0")
// into a protocol number.
func ParseProtocol(s string) (int, error) {
	switch strings.TrimSpace(s) {
	case "1", "1.0":
		return 1, nil
	case "2", "2.0", "":
		return 2, nil //nolint:mnd // protocol version
	}
	return 0, fmt.Errorf("%w: protocol %q should be one of 1.0, 2.0", ErrInvalidConfig, s)
}

// Port is the byte stream a Transport talks over.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens the serial port for a configuration.
type Opener func(cfg Config) (Port, error)

// openSerial opens a tarm/serial port. The read timeout makes Read return
// with no data instead of blocking forever, so status waits stay bounded.
func openSerial(cfg Config) (Port, error) {
	p, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Transport speaks Dynamixel Protocol 1.0 or 2.0 over a serial port. It
// implements device.Transport, device.Pinger and device.GroupTransport.
//
// Thread Safety:
//   - Safe for concurrent use. One instruction/status exchange runs at a time.
type Transport struct {
	cfg    Config
	opener Opener

	mu     sync.Mutex
	port   Port
	reader *bufio.Reader
}

// New validates cfg and returns a closed transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Port == "" {
		return nil, fmt.Errorf("%w: port should not be empty", ErrInvalidConfig)
	}
	if cfg.Protocol != 1 && cfg.Protocol != 2 {
		return nil, fmt.Errorf("%w: protocol %d should be one of 1, 2", ErrInvalidConfig, cfg.Protocol)
	}
	if cfg.Baud == 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Transport{cfg: cfg, opener: openSerial}, nil
}

// SetOpener replaces the serial opener. Used by tests and by tools that
// supply their own port.
func (t *Transport) SetOpener(o Opener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opener = o
}

// Protocol returns the protocol number.
func (t *Transport) Protocol() int { return t.cfg.Protocol }

// Open implements device.Transport.
func (t *Transport) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		return nil
	}
	p, err := t.opener(t.cfg)
	if err != nil {
		return fmt.Errorf("opening %q: %w", t.cfg.Port, err)
	}
	t.port = p
	t.reader = bufio.NewReader(&deadlineReader{port: p, timeout: t.cfg.Timeout})
	return nil
}

// Close implements device.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	t.reader = nil
	return err
}

// IsOpen implements device.Transport.
func (t *Transport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

// deadlineReader turns the empty reads of a port with a read timeout into
// ErrTimeout once the timeout has elapsed for one read request.
type deadlineReader struct {
	port    Port
	timeout time.Duration
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	deadline := time.Now().Add(d.timeout)
	for {
		n, err := d.port.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		if time.Now().After(deadline) {
			return 0, ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

// send writes one instruction packet. Callers hold t.mu.
func (t *Transport) send(p Packet) error {
	if t.port == nil {
		return ErrNotOpen
	}
	var (
		buf []byte
		err error
	)
	if t.cfg.Protocol == 1 {
		buf, err = EncodeV1(p)
	} else {
		buf, err = EncodeV2(p)
	}
	if err != nil {
		return err
	}
	// Drop buffered leftovers of an earlier, timed out exchange.
	t.reader = bufio.NewReader(&deadlineReader{port: t.port, timeout: t.cfg.Timeout})
	_, err = t.port.Write(buf)
	return err
}

// receive reads one status packet from id. Callers hold t.mu.
func (t *Transport) receive(id byte, want int) ([]byte, error) {
	var (
		st  Status
		err error
	)
	if t.cfg.Protocol == 1 {
		st, err = ReadStatusV1(t.reader)
	} else {
		st, err = ReadStatusV2(t.reader)
	}
	if err != nil {
		return nil, err
	}
	if st.ID != id {
		return nil, fmt.Errorf("%w: status from device %d, expected %d", ErrUnexpectedReply, st.ID, id)
	}
	if err := st.Err(t.cfg.Protocol); err != nil {
		return nil, err
	}
	if want >= 0 && len(st.Params) != want {
		return nil, fmt.Errorf("%w: device %d returned %d bytes, expected %d", ErrUnexpectedReply, id, len(st.Params), want)
	}
	return st.Params, nil
}

func (t *Transport) exchange(p Packet, want int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.send(p); err != nil {
		return nil, err
	}
	if p.ID == BroadcastID {
		return nil, nil
	}
	return t.receive(p.ID, want)
}

// addressParams encodes an address and a length in the protocol's width.
func (t *Transport) addressParams(address uint16, length int) ([]byte, error) {
	if t.cfg.Protocol == 1 {
		if address > 0xFF || length > 0xFF {
			return nil, fmt.Errorf("%w: address %d length %d exceed Protocol 1.0 limits", ErrPacketTooLong, address, length)
		}
		return []byte{byte(address), byte(length)}, nil
	}
	b := binary.LittleEndian.AppendUint16(nil, address)
	return binary.LittleEndian.AppendUint16(b, uint16(length)), nil //nolint:gosec // bounded by packet size
}

func checkID(id int) (byte, error) {
	if id < 0 || id > BroadcastID {
		return 0, fmt.Errorf("%w: id %d out of range", ErrInvalidConfig, id)
	}
	return byte(id), nil
}

// Ping implements device.Pinger.
func (t *Transport) Ping(id int) error {
	bid, err := checkID(id)
	if err != nil {
		return err
	}
	_, err = t.exchange(Packet{ID: bid, Instruction: InstPing}, -1)
	return err
}

// ReadBlock implements device.Transport.
func (t *Transport) ReadBlock(id int, address uint16, length int) ([]byte, error) {
	bid, err := checkID(id)
	if err != nil {
		return nil, err
	}
	params, err := t.addressParams(address, length)
	if err != nil {
		return nil, err
	}
	return t.exchange(Packet{ID: bid, Instruction: InstRead, Params: params}, length)
}

// WriteBlock implements device.Transport.
func (t *Transport) WriteBlock(id int, address uint16, data []byte) error {
	bid, err := checkID(id)
	if err != nil {
		return err
	}
	var params []byte
	if t.cfg.Protocol == 1 {
		if address > 0xFF {
			return fmt.Errorf("%w: address %d exceeds Protocol 1.0 limits", ErrPacketTooLong, address)
		}
		params = append([]byte{byte(address)}, data...)
	} else {
		params = binary.LittleEndian.AppendUint16(nil, address)
		params = append(params, data...)
	}
	_, err = t.exchange(Packet{ID: bid, Instruction: InstWrite, Params: params}, 0)
	return err
}

// SyncRead implements device.GroupTransport. Protocol 2.0 only.
func (t *Transport) SyncRead(ids []int, address uint16, length int) (map[int][]byte, error) {
	if t.cfg.Protocol == 1 {
		return nil, fmt.Errorf("%w: sync read", ErrUnsupported)
	}
	params, err := t.addressParams(address, length)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		bid, err := checkID(id)
		if err != nil {
			return nil, err
		}
		params = append(params, bid)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.send(Packet{ID: BroadcastID, Instruction: InstSyncRead, Params: params}); err != nil {
		return nil, err
	}
	out := make(map[int][]byte, len(ids))
	for _, id := range ids {
		data, err := t.receive(byte(id), length) //nolint:gosec // checked above
		if err != nil {
			return nil, err
		}
		out[id] = data
	}
	return out, nil
}

// SyncWrite implements device.GroupTransport. Devices are written in
// ascending id order.
func (t *Transport) SyncWrite(address uint16, length int, data map[int][]byte) error {
	params, err := t.addressParams(address, length)
	if err != nil {
		return err
	}
	ids := make([]int, 0, len(data))
	for id := range data {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		bid, err := checkID(id)
		if err != nil {
			return err
		}
		if len(data[id]) != length {
			return fmt.Errorf("%w: device %d carries %d bytes, expected %d", ErrUnexpectedReply, id, len(data[id]), length)
		}
		params = append(params, bid)
		params = append(params, data[id]...)
	}
	_, err = t.exchange(Packet{ID: BroadcastID, Instruction: InstSyncWrite, Params: params}, -1)
	return err
}

// span is the single block read from one device in a bulk read.
type span struct {
	id    int
	start uint16
	end   int
}

// BulkRead implements device.GroupTransport. Protocol 2.0 only.
//
// The protocol allows one entry per device, so a device asking for several
// ranges is read as one span covering them all and the ranges are cut out
// of the reply, concatenated in request order.
func (t *Transport) BulkRead(reqs []device.BulkRequest) (map[int][]byte, error) {
	if t.cfg.Protocol == 1 {
		return nil, fmt.Errorf("%w: bulk read", ErrUnsupported)
	}
	var spans []span
	index := make(map[int]int)
	for _, r := range reqs {
		if _, err := checkID(r.ID); err != nil {
			return nil, err
		}
		end := int(r.Address) + r.Length
		i, ok := index[r.ID]
		if !ok {
			index[r.ID] = len(spans)
			spans = append(spans, span{id: r.ID, start: r.Address, end: end})
			continue
		}
		spans[i].start = min(spans[i].start, r.Address)
		spans[i].end = max(spans[i].end, end)
	}

	params := make([]byte, 0, len(spans)*5) //nolint:mnd // id + address + length
	for _, s := range spans {
		params = append(params, byte(s.id)) //nolint:gosec // checked above
		params = binary.LittleEndian.AppendUint16(params, s.start)
		params = binary.LittleEndian.AppendUint16(params, uint16(s.end-int(s.start))) //nolint:gosec // bounded by address space
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.send(Packet{ID: BroadcastID, Instruction: InstBulkRead, Params: params}); err != nil {
		return nil, err
	}
	blocks := make(map[int][]byte, len(spans))
	for _, s := range spans {
		data, err := t.receive(byte(s.id), s.end-int(s.start)) //nolint:gosec // checked above
		if err != nil {
			return nil, err
		}
		blocks[s.id] = data
	}

	out := make(map[int][]byte, len(spans))
	for _, r := range reqs {
		s := spans[index[r.ID]]
		off := int(r.Address - s.start)
		out[r.ID] = append(out[r.ID], blocks[r.ID][off:off+r.Length]...)
	}
	return out, nil
}

// BulkWrite implements device.GroupTransport. Protocol 2.0 only.
//
// Each packet carries at most one entry per device; requests repeating a
// device go out in further packets.
func (t *Transport) BulkWrite(reqs []device.BulkRequest) error {
	if t.cfg.Protocol == 1 {
		return fmt.Errorf("%w: bulk write", ErrUnsupported)
	}
	var rounds [][]device.BulkRequest
	count := make(map[int]int)
	for _, r := range reqs {
		if _, err := checkID(r.ID); err != nil {
			return err
		}
		n := count[r.ID]
		count[r.ID]++
		if n == len(rounds) {
			rounds = append(rounds, nil)
		}
		rounds[n] = append(rounds[n], r)
	}

	for _, round := range rounds {
		var params []byte
		for _, r := range round {
			params = append(params, byte(r.ID)) //nolint:gosec // checked above
			params = binary.LittleEndian.AppendUint16(params, r.Address)
			params = binary.LittleEndian.AppendUint16(params, uint16(len(r.Data))) //nolint:gosec // bounded by packet size
			params = append(params, r.Data...)
		}
		if _, err := t.exchange(Packet{ID: BroadcastID, Instruction: InstBulkWrite, Params: params}, -1); err != nil {
			return err
		}
	}
	return nil
}
