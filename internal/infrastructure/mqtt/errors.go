package mqtt

import "errors"

var (
	// ErrNotConnected is returned while the broker link is down. Telemetry
	// drops the publish and retries on the next cycle.
	ErrNotConnected = errors.New("mqtt: not connected to broker")

	// ErrConnectionFailed is returned by Connect when the broker does not
	// accept the session in time.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed wraps encoding, size and broker errors on publish.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed wraps broker errors when subscribing to or
	// unsubscribing from command topics.
	ErrSubscribeFailed = errors.New("mqtt: subscription change failed")

	// ErrInvalidQoS is returned for a QoS outside 0, 1 and 2.
	ErrInvalidQoS = errors.New("mqtt: qos should be 0, 1 or 2")

	// ErrInvalidTopic is returned for an empty topic.
	ErrInvalidTopic = errors.New("mqtt: topic should not be empty")
)
