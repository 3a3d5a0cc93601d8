package mqtt

import "errors"

// Sentinel errors. bus.MQTT translates the first three into bus errors;
// the rest only ever appear wrapped.
var (
	ErrNotConnected  = errors.New("mqtt: client not connected")
	ErrNotAuthorized = errors.New("mqtt: not authorized")
	ErrInvalidTopic  = errors.New("mqtt: topic cannot be empty")

	ErrConnectionFailed  = errors.New("mqtt: connection failed")
	ErrPublishFailed     = errors.New("mqtt: publish failed")
	ErrSubscribeFailed   = errors.New("mqtt: subscribe failed")
	ErrUnsubscribeFailed = errors.New("mqtt: unsubscribe failed")
	ErrInvalidQoS        = errors.New("mqtt: QoS must be 0, 1 or 2")
	ErrTimeout           = errors.New("mqtt: operation timed out")
)
