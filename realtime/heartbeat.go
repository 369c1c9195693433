package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/chatpush/common"
	"github.com/apex/log"
)

// HeartbeatGenerator produces periodic keep-alive events
type HeartbeatGenerator interface {
	// Stream start a new heartbeat sequence. One heartbeat is produced per interval
	// until the context is cancelled. A tick is skipped if the previous heartbeat
	// has not been read yet.
	Stream(ctxt context.Context, name string, wg *sync.WaitGroup) (<-chan WireEvent, error)
	// Interval the heartbeat period
	Interval() time.Duration
}

// heartbeatGeneratorImpl implements HeartbeatGenerator
type heartbeatGeneratorImpl struct {
	common.Component
	interval time.Duration
}

// GetHeartbeatGenerator define a new HeartbeatGenerator
func GetHeartbeatGenerator(interval time.Duration) (HeartbeatGenerator, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("invalid heartbeat interval %s", interval)
	}
	logTags := log.Fields{
		"module": "realtime", "component": "heartbeat", "interval": interval.String(),
	}
	return &heartbeatGeneratorImpl{
		Component: common.Component{LogTags: logTags}, interval: interval,
	}, nil
}

// Interval the heartbeat period
func (h *heartbeatGeneratorImpl) Interval() time.Duration {
	return h.interval
}

// Stream start a new heartbeat sequence
func (h *heartbeatGeneratorImpl) Stream(
	ctxt context.Context, name string, wg *sync.WaitGroup,
) (<-chan WireEvent, error) {
	timer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("heartbeat.%s", name), ctxt, wg,
	)
	if err != nil {
		return nil, err
	}
	beats := make(chan WireEvent, 1)
	handler := func(firedAt time.Time) error {
		beat, err := Encode(EventHeartbeat, HeartbeatPayload{Timestamp: firedAt.UTC()}, firedAt)
		if err != nil {
			return err
		}
		select {
		case beats <- beat:
		default:
			log.WithFields(h.LogTags).Debugf("Heartbeat %s not consumed, skipping tick", name)
		}
		return nil
	}
	if err := timer.Start(h.interval, handler, false); err != nil {
		return nil, err
	}
	return beats, nil
}
