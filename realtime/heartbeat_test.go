package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestHeartbeatGenerator(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	// Case 0: invalid interval
	{
		_, err := GetHeartbeatGenerator(0)
		assert.NotNil(err)
	}

	interval := time.Millisecond * 40
	uut, err := GetHeartbeatGenerator(interval)
	assert.Nil(err)
	assert.Equal(interval, uut.Interval())

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	beats, err := uut.Stream(ctxt, "testing", &wg)
	assert.Nil(err)

	// Case 1: heartbeats arrive at the interval
	{
		start := time.Now()
		for itr := 0; itr < 3; itr++ {
			beat, ok := readEvent(beats, interval*5)
			assert.True(ok)
			assert.Equal(EventHeartbeat, beat.EventType)
			var payload HeartbeatPayload
			eventType, ts, err := beat.Unwrap(&payload)
			assert.Nil(err)
			assert.Equal(EventHeartbeat, eventType)
			assert.False(payload.Timestamp.IsZero())
			assert.Equal(payload.Timestamp.UnixNano(), ts.UnixNano())
		}
		elapsed := time.Since(start)
		assert.GreaterOrEqual(elapsed, interval*2)
		assert.Less(elapsed, interval*10)
	}

	// Case 2: no heartbeats after cancel
	{
		cancel()
		time.Sleep(interval * 2)
		// Drain a tick which may have landed before the cancel
		select {
		case <-beats:
		default:
		}
		_, ok := readEvent(beats, interval*3)
		assert.False(ok)
	}
}
