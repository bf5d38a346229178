package influxdb

import "errors"

var (
	// ErrNotConnected is returned by HealthCheck before Connect or after
	// Close. Writes on a closed client are dropped silently.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed is returned by Connect when the server cannot be
	// pinged or reports itself unhealthy.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrDisabled is returned by Connect when the influxdb section has
	// enabled: false.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
