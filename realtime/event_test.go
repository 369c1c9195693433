package realtime

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventEncoding(t *testing.T) {
	assert := assert.New(t)

	type messagePayload struct {
		ID      int64  `json:"id"`
		GroupID int64  `json:"groupId"`
		Content string `json:"content"`
	}

	timestamp := time.Date(2022, 3, 4, 5, 6, 7, 8000, time.UTC)

	// Case 0: round trip
	{
		original := messagePayload{ID: 12, GroupID: 42, Content: "hello"}
		event, err := Encode(EventNewMessage, original, timestamp)
		assert.Nil(err)
		assert.Equal(EventNewMessage, event.EventType)

		var decoded messagePayload
		eventType, ts, err := event.Unwrap(&decoded)
		assert.Nil(err)
		assert.Equal(EventNewMessage, eventType)
		assert.True(timestamp.Equal(ts))
		assert.Equal(original, decoded)
		assert.Contains(string(event.Data), `"eventType":"new_message"`)
		assert.Contains(string(event.Data), `"timestamp":"2022-03-04T05:06:07.000008Z"`)
	}

	// Case 1: timestamps are normalized to UTC
	{
		local := time.FixedZone("UTC+2", 2*60*60)
		event, err := Encode(EventMemberRemoved, map[string]int64{"groupId": 1}, timestamp.In(local))
		assert.Nil(err)
		_, ts, err := event.Unwrap(nil)
		assert.Nil(err)
		assert.Equal(time.UTC, ts.Location())
		assert.True(timestamp.Equal(ts))
	}

	// Case 2: payload which can't be serialized
	{
		_, err := Encode(EventNewMessage, make(chan int), timestamp)
		assert.NotNil(err)
	}

	// Case 3: heartbeat only carries a timestamp
	{
		event, err := EncodeEvent(Event{
			EventType: EventHeartbeat,
			Payload:   HeartbeatPayload{Timestamp: timestamp},
			Timestamp: timestamp,
		})
		assert.Nil(err)
		var decoded map[string]interface{}
		_, _, err = event.Unwrap(&decoded)
		assert.Nil(err)
		assert.Len(decoded, 1)
		assert.Equal("2022-03-04T05:06:07.000008Z", decoded["timestamp"])
	}

	// Case 4: event types with line breaks would inject extra transport frames
	{
		for _, eventType := range []string{
			"",
			"new_message\n\nevent: admin_notice\ndata: {\"forged\":true}",
			"new_message\r",
			"\nnew_message",
		} {
			_, err := Encode(eventType, map[string]bool{"forged": true}, timestamp)
			assert.NotNil(err, "%q", eventType)
			assert.True(errors.Is(err, ErrInvalidEventType), "%q", eventType)
		}
		assert.Nil(ValidateEventType("member_added"))
	}
}
