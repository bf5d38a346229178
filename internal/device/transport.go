package device

import "context"

// Transport is the byte-level collaborator behind a Bus.
//
// Implementations do not need to be safe for concurrent use: the Bus lock
// guarantees at most one transaction in flight.
type Transport interface {
	// Open acquires the physical channel.
	Open(ctx context.Context) error

	// Close releases the physical channel.
	Close() error

	// IsOpen reports whether the channel is usable.
	IsOpen() bool

	// ReadBlock reads length bytes starting at address on device id.
	ReadBlock(id int, address uint16, length int) ([]byte, error)

	// WriteBlock writes data starting at address on device id.
	WriteBlock(id int, address uint16, data []byte) error
}

// Pinger is implemented by transports that can ping a device id.
type Pinger interface {
	Ping(id int) error
}

// BulkRequest describes one contiguous range on one device in a bulk
// transaction. Data is set for writes and ignored for reads.
type BulkRequest struct {
	ID      int
	Address uint16
	Length  int
	Data    []byte
}

// GroupTransport is implemented by transports with native group
// instructions (shared-range sync and per-device bulk transactions).
type GroupTransport interface {
	// SyncRead reads the same range from every id. The result maps id to bytes.
	SyncRead(ids []int, address uint16, length int) (map[int][]byte, error)

	// SyncWrite writes the same range on every id in data.
	SyncWrite(address uint16, length int, data map[int][]byte) error

	// BulkRead reads one range per request. Requests for the same id are
	// returned concatenated in request order.
	BulkRead(reqs []BulkRequest) (map[int][]byte, error)

	// BulkWrite writes one range per request.
	BulkWrite(reqs []BulkRequest) error
}
