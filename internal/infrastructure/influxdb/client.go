package influxdb

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	ihttp "github.com/influxdata/influxdb-client-go/v2/api/http"

	"github.com/nerrad567/graybot-core/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// Client records register values, joint states and loop timing in an
// InfluxDB v2 bucket.
//
// Writes are non-blocking: points are buffered and flushed in batches by
// the underlying write API, so loop observers never wait on the network.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	cfg      config.InfluxDBConfig

	connected atomic.Bool
	failed    atomic.Uint64

	mu      sync.RWMutex
	onError func(err error)
}

// WriteError describes a batch the server rejected.
type WriteError struct {
	// Measurements lists the measurements found in the batch, sorted.
	Measurements []string
	// Points is the number of line protocol records in the batch.
	Points int
	// Attempt is 0 on the first failure and counts retries after that.
	Attempt uint
	// Retried reports whether the batch was kept for another attempt.
	Retried bool
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("influxdb: writing %d points of %s (attempt %d): %v",
		e.Points, strings.Join(e.Measurements, ","), e.Attempt, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Connect creates a client for the bucket in cfg and pings the server.
//
// Batch size and flush interval fall back to 100 points and 10 seconds
// when unset or negative.
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: ErrDisabled, or ErrConnectionFailed wrapping the ping failure
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		batchSize = uint(cfg.BatchSize) // #nosec G115 -- positive
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batchSize).
			SetFlushInterval(uint(flush.Milliseconds())))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrConnectionFailed, cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: %s not healthy", ErrConnectionFailed, cfg.URL)
	}

	c := newClient(client, client.WriteAPI(cfg.Org, cfg.Bucket), cfg)
	return c, nil
}

func newClient(client influxdb2.Client, writeAPI api.WriteAPI, cfg config.InfluxDBConfig) *Client {
	c := &Client{client: client, writeAPI: writeAPI, cfg: cfg}
	c.connected.Store(true)
	writeAPI.SetWriteFailedCallback(c.writeFailed)
	return c
}

// writeFailed is called synchronously by the write API for every rejected
// batch. Only batches carrying loop timing are retried: register and joint
// samples are superseded by the next telemetry cycle.
func (c *Client) writeFailed(batch string, herr ihttp.Error, attempt uint) bool {
	measurements, points := batchMeasurements(batch)
	werr := &WriteError{
		Measurements: measurements,
		Points:       points,
		Attempt:      attempt,
		Retried:      slices.Contains(measurements, MeasurementLoopTiming),
		Err:          &herr,
	}
	c.failed.Add(1)

	c.mu.RLock()
	callback := c.onError
	c.mu.RUnlock()
	if callback != nil {
		callback(werr)
	}
	return werr.Retried
}

// batchMeasurements returns the sorted distinct measurement names of a line
// protocol batch and its record count.
func batchMeasurements(batch string) ([]string, int) {
	var names []string
	points := 0
	for _, line := range strings.Split(batch, "\n") {
		if line == "" {
			continue
		}
		points++
		name := line
		if i := strings.IndexAny(line, ", "); i >= 0 {
			name = line[:i]
		}
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, points
}

// Close flushes buffered points and closes the client. It is safe to call
// more than once.
func (c *Client) Close() error {
	if !c.connected.Swap(false) {
		return nil
	}
	if c.writeAPI != nil {
		c.writeAPI.Flush()
	}
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// HealthCheck pings the server. It is registered as the "influxdb"
// component of the API health endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	healthy, err := c.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb health check failed: %s not healthy", c.cfg.URL)
	}
	return nil
}

// IsConnected reports whether the client is open. It does not ping.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// FailedBatches returns how many batches the server has rejected.
func (c *Client) FailedBatches() uint64 {
	return c.failed.Load()
}

// SetOnError sets the callback for rejected batches. It receives a
// *WriteError and runs on the write API's goroutine, so it must not block.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

// Flush sends all buffered points. It does nothing after Close.
func (c *Client) Flush() {
	if c.writeAPI == nil || !c.IsConnected() {
		return
	}
	c.writeAPI.Flush()
}
