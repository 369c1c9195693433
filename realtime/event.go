package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event types produced by the chat backend
const (
	// EventConnected is sent to a client once its subscription is established
	EventConnected = "connected"
	// EventHeartbeat is the periodic keep-alive event
	EventHeartbeat = "heartbeat"
	// EventNewMessage a new message was posted to a group
	EventNewMessage = "new_message"
	// EventGroupCreated a group was created by the receiving user
	EventGroupCreated = "group_created"
	// EventMemberAdded a user was added to a group
	EventMemberAdded = "member_added"
	// EventMemberRemoved a user was removed from a group
	EventMemberRemoved = "member_removed"
)

// Event is a domain event before encoding
type Event struct {
	// EventType is the event type tag
	EventType string
	// Payload is the domain value, must be JSON serializable
	Payload interface{}
	// Timestamp is when the event was generated
	Timestamp time.Time
}

// wireEnvelope is the serialized form of an event
type wireEnvelope struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// WireEvent is an encoded event ready to be written out by a transport
type WireEvent struct {
	// EventType is the transport level discriminator (SSE "event:" field)
	EventType string
	// Data is the JSON text of the envelope {eventType, data, timestamp}
	Data []byte
}

// String toString function
func (e WireEvent) String() string {
	return fmt.Sprintf("%s[%dB]", e.EventType, len(e.Data))
}

// Unwrap parse the envelope, decoding the payload into data.
//
// data may be nil if only the type and timestamp are needed.
func (e WireEvent) Unwrap(data interface{}) (string, time.Time, error) {
	var envelope wireEnvelope
	if err := json.Unmarshal(e.Data, &envelope); err != nil {
		return "", time.Time{}, err
	}
	if data != nil {
		if err := json.Unmarshal(envelope.Data, data); err != nil {
			return "", time.Time{}, err
		}
	}
	return envelope.EventType, envelope.Timestamp, nil
}

// ValidateEventType check the event type can be carried as a single transport field
func ValidateEventType(eventType string) error {
	if eventType == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEventType)
	}
	if strings.ContainsAny(eventType, "\r\n") {
		return fmt.Errorf("%w: %q contains a line break", ErrInvalidEventType, eventType)
	}
	return nil
}

// Encode wrap a domain payload with its event type and timestamp into the wire format
func Encode(eventType string, payload interface{}, timestamp time.Time) (WireEvent, error) {
	if err := ValidateEventType(eventType); err != nil {
		return WireEvent{}, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return WireEvent{}, fmt.Errorf("unable to serialize %s payload: %w", eventType, err)
	}
	serialized, err := json.Marshal(&wireEnvelope{
		EventType: eventType, Data: data, Timestamp: timestamp.UTC(),
	})
	if err != nil {
		return WireEvent{}, fmt.Errorf("unable to serialize %s envelope: %w", eventType, err)
	}
	return WireEvent{EventType: eventType, Data: serialized}, nil
}

// EncodeEvent helper function to encode an Event
func EncodeEvent(event Event) (WireEvent, error) {
	return Encode(event.EventType, event.Payload, event.Timestamp)
}

// ConnectedPayload is the payload of the EventConnected event
type ConnectedPayload struct {
	Message string `json:"message"`
	UserID  int64  `json:"userId"`
}

// HeartbeatPayload is the payload of the EventHeartbeat event
type HeartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}
