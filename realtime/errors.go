package realtime

import "errors"

var (
	// ErrSubscriptionClosed the subscription has been closed, no more events are accepted
	ErrSubscriptionClosed = errors.New("subscription closed")
	// ErrBufferFull the subscription buffer is full, the event was not accepted
	ErrBufferFull = errors.New("subscription buffer full")
	// ErrInvalidEventType the event type is empty or contains a line break
	ErrInvalidEventType = errors.New("invalid event type")
)
