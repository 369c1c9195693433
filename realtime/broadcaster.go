package realtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/chatpush/common"
	"github.com/apex/log"
)

// Producer is the interface the message and group pipelines use to publish events
type Producer interface {
	// SendToUser deliver an event to one user, if connected
	SendToUser(ctxt context.Context, userID int64, eventType string, payload interface{})
	// SendToGroup deliver an event to the connected members of a group and every
	// connected privileged user. Returns before the recipients are resolved.
	SendToGroup(ctxt context.Context, groupID int64, eventType string, payload interface{})
	// SendToUsers deliver an event to each of the listed users that is connected
	SendToUsers(ctxt context.Context, userIDs []int64, eventType string, payload interface{})
	// Disconnect end the user's subscription. Returns false if the user was not connected.
	Disconnect(userID int64) bool
}

// DeliveryStats delivery counters since start
type DeliveryStats struct {
	// Delivered events queued onto a subscription
	Delivered uint64 `json:"delivered"`
	// DroppedBufferFull events dropped as the subscription buffer was full
	DroppedBufferFull uint64 `json:"dropped_buffer_full"`
	// DroppedEncode events dropped as the payload could not be serialized
	DroppedEncode uint64 `json:"dropped_encode"`
	// DroppedQueueFull group events dropped as the fan-out queue was full
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	// DroppedStopped group events dropped as the broadcaster was stopping
	DroppedStopped uint64 `json:"dropped_stopped"`
	// DroppedUnresolved group events dropped as recipients could not be resolved
	DroppedUnresolved uint64 `json:"dropped_unresolved"`
	// FallbackBroadcasts group events sent to every connected user as recipients
	// could not be resolved
	FallbackBroadcasts uint64 `json:"fallback_broadcasts"`
}

// UserStatus connection status of one user
type UserStatus struct {
	UserID         int64             `json:"user_id"`
	Connected      bool              `json:"connected"`
	ConnectedSince *time.Time        `json:"connected_since,omitempty"`
	Pending        int               `json:"pending_events"`
	LastDisconnect *DisconnectRecord `json:"last_disconnect,omitempty"`
}

// Broadcaster distributes events to subscribed users
type Broadcaster interface {
	Producer
	// Subscribe start a new session for the user, replacing any existing one
	Subscribe(ctxt context.Context, userID int64) (*Session, error)
	// ConnectedCount number of connected users
	ConnectedCount() int
	// IsConnected whether the user is connected
	IsConnected(userID int64) bool
	// UserStatus connection status of the user
	UserStatus(userID int64) UserStatus
	// Stats delivery counters since start
	Stats() DeliveryStats
	// HeartbeatInterval the heartbeat period of sessions
	HeartbeatInterval() time.Duration
	// Stop stop group fan-out and close every subscription
	Stop() error
}

// BroadcasterParams parameters of a Broadcaster
type BroadcasterParams struct {
	// Registry is the connection registry
	Registry ConnectionRegistry
	// Heartbeat is the heartbeat generator for new sessions
	Heartbeat HeartbeatGenerator
	// Resolver computes group recipients
	Resolver FanoutResolver
	// FallbackPolicy is common.FallbackAllConnected or common.FallbackFailClosed
	FallbackPolicy string
	// FanoutWorkers is the number of group fan-out workers
	FanoutWorkers int
	// FanoutQueue is the number of pending group fan-outs buffered per worker
	FanoutQueue int
}

// groupFanoutTask a group fan-out waiting for recipient resolution
type groupFanoutTask struct {
	groupID     int64
	eventType   string
	payload     interface{}
	generatedAt time.Time
	logTags     log.Fields
}

// RoutingKey fan-outs of the same group are processed in order
func (t groupFanoutTask) RoutingKey() uint64 {
	return uint64(t.groupID)
}

// broadcasterImpl implements Broadcaster
type broadcasterImpl struct {
	// counters first for 64-bit atomic alignment
	delivered          uint64
	droppedBufferFull  uint64
	droppedEncode      uint64
	droppedQueueFull   uint64
	droppedStopped     uint64
	droppedUnresolved  uint64
	fallbackBroadcasts uint64

	common.Component
	registry       ConnectionRegistry
	heartbeat      HeartbeatGenerator
	resolver       FanoutResolver
	fallbackPolicy string
	fanout         common.TaskProcessor
	runtimeCtxt    context.Context
	wg             *sync.WaitGroup
}

// GetBroadcaster define a new Broadcaster and start its fan-out workers
func GetBroadcaster(
	ctxt context.Context, params BroadcasterParams, wg *sync.WaitGroup,
) (Broadcaster, error) {
	logTags := log.Fields{"module": "realtime", "component": "broadcaster"}
	if params.Registry == nil || params.Heartbeat == nil || params.Resolver == nil {
		err := fmt.Errorf("broadcaster requires registry, heartbeat and resolver")
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcaster")
		return nil, err
	}
	switch params.FallbackPolicy {
	case common.FallbackAllConnected, common.FallbackFailClosed:
	default:
		err := fmt.Errorf("unknown fallback policy '%s'", params.FallbackPolicy)
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcaster")
		return nil, err
	}

	fanout, err := common.GetNewTaskDemuxProcessorInstance(
		"group-fanout", params.FanoutQueue, params.FanoutWorkers, ctxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define fan-out workers")
		return nil, err
	}

	instance := &broadcasterImpl{
		Component:      common.Component{LogTags: logTags},
		registry:       params.Registry,
		heartbeat:      params.Heartbeat,
		resolver:       params.Resolver,
		fallbackPolicy: params.FallbackPolicy,
		fanout:         fanout,
		runtimeCtxt:    ctxt,
		wg:             wg,
	}

	if err := fanout.AddToTaskExecutionMap(
		reflect.TypeOf(groupFanoutTask{}), instance.processGroupFanout,
	); err != nil {
		return nil, err
	}
	if err := fanout.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start fan-out workers")
		return nil, err
	}
	return instance, nil
}

// DefineBroadcasterFromConfig helper function to build a Broadcaster and its
// components from the realtime config section
func DefineBroadcasterFromConfig(
	ctxt context.Context,
	config common.RealtimeConfig,
	members MembershipSource,
	roles RoleSource,
	wg *sync.WaitGroup,
) (Broadcaster, error) {
	registry, err := GetConnectionRegistry(config.ChannelBuffer, config.DisconnectHistory)
	if err != nil {
		return nil, err
	}
	heartbeat, err := GetHeartbeatGenerator(config.HeartbeatPeriod())
	if err != nil {
		return nil, err
	}
	resolver, err := GetFanoutResolver(members, roles, config.ResolverQueryTimeout())
	if err != nil {
		return nil, err
	}
	return GetBroadcaster(ctxt, BroadcasterParams{
		Registry:       registry,
		Heartbeat:      heartbeat,
		Resolver:       resolver,
		FallbackPolicy: config.FallbackPolicy,
		FanoutWorkers:  config.FanoutWorkers,
		FanoutQueue:    config.FanoutQueue,
	}, wg)
}

// ========================================================================================
// Producer

// SendToUser deliver an event to one user, if connected
func (b *broadcasterImpl) SendToUser(
	ctxt context.Context, userID int64, eventType string, payload interface{},
) {
	localLogTags, _ := common.UpdateLogTags(ctxt, b.LogTags)
	b.deliver(localLogTags, userID, eventType, payload, time.Now())
}

// SendToUsers deliver an event to each of the listed users that is connected
func (b *broadcasterImpl) SendToUsers(
	ctxt context.Context, userIDs []int64, eventType string, payload interface{},
) {
	localLogTags, _ := common.UpdateLogTags(ctxt, b.LogTags)
	generatedAt := time.Now()
	for _, userID := range userIDs {
		b.deliver(localLogTags, userID, eventType, payload, generatedAt)
	}
}

// SendToGroup queue a group fan-out and return
func (b *broadcasterImpl) SendToGroup(
	ctxt context.Context, groupID int64, eventType string, payload interface{},
) {
	localLogTags, _ := common.UpdateLogTags(ctxt, b.LogTags)
	localLogTags["group_id"] = groupID
	localLogTags["event_type"] = eventType
	log.WithFields(localLogTags).Infof("Broadcasting %s event to group %d", eventType, groupID)
	task := groupFanoutTask{
		groupID:     groupID,
		eventType:   eventType,
		payload:     payload,
		generatedAt: time.Now(),
		logTags:     localLogTags,
	}
	if err := b.fanout.TrySubmit(task); err != nil {
		if errors.Is(err, common.ErrTaskQueueFull) {
			atomic.AddUint64(&b.droppedQueueFull, 1)
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Unable to queue %s fan-out for group %d, event dropped", eventType, groupID,
			)
		} else {
			atomic.AddUint64(&b.droppedStopped, 1)
			log.WithError(err).WithFields(localLogTags).Warnf(
				"Fan-out stopped, %s event for group %d dropped", eventType, groupID,
			)
		}
	}
}

// Disconnect end the user's subscription
func (b *broadcasterImpl) Disconnect(userID int64) bool {
	if b.registry.Unregister(userID, ReasonAdminDisconnect) {
		log.WithFields(b.LogTags).Infof("User %d disconnected from event stream", userID)
		return true
	}
	log.WithFields(b.LogTags).Debugf("User %d not connected, nothing to disconnect", userID)
	return false
}

// processGroupFanout resolve the recipients of a group event and deliver to them
func (b *broadcasterImpl) processGroupFanout(param interface{}) error {
	task, ok := param.(groupFanoutTask)
	if !ok {
		return fmt.Errorf("unexpected fan-out task %s", reflect.TypeOf(param))
	}

	recipients, err := b.resolver.Resolve(b.runtimeCtxt, task.groupID)
	if err != nil {
		if b.fallbackPolicy == common.FallbackFailClosed {
			atomic.AddUint64(&b.droppedUnresolved, 1)
			log.WithError(err).WithFields(task.logTags).Errorf(
				"Unable to resolve recipients of group %d, %s event dropped",
				task.groupID, task.eventType,
			)
			return nil
		}
		atomic.AddUint64(&b.fallbackBroadcasts, 1)
		connected := b.registry.ConnectedUsers()
		log.WithError(err).WithFields(task.logTags).Warnf(
			"Unable to resolve recipients of group %d, falling back to broadcast to all %d connected users",
			task.groupID, len(connected),
		)
		for _, userID := range connected {
			b.deliver(task.logTags, userID, task.eventType, task.payload, task.generatedAt)
		}
		return nil
	}

	for _, userID := range recipients.Sorted() {
		if !b.registry.Contains(userID) {
			log.WithFields(task.logTags).Debugf(
				"User %d is not connected, skipping %s broadcast", userID, task.eventType,
			)
			continue
		}
		b.deliver(task.logTags, userID, task.eventType, task.payload, task.generatedAt)
	}
	return nil
}

// deliver encode and queue an event for one user without blocking. Failures are
// logged and stay local to this one recipient.
func (b *broadcasterImpl) deliver(
	logTags log.Fields,
	userID int64,
	eventType string,
	payload interface{},
	generatedAt time.Time,
) {
	sub, ok := b.registry.Lookup(userID)
	if !ok {
		log.WithFields(logTags).Debugf("User %d not subscribed to event stream", userID)
		return
	}
	event, err := Encode(eventType, payload, generatedAt)
	if err != nil {
		atomic.AddUint64(&b.droppedEncode, 1)
		log.WithError(err).WithFields(logTags).Errorf("Failed to send event to user %d", userID)
		return
	}
	if err := sub.Offer(event); err != nil {
		if errors.Is(err, ErrBufferFull) {
			atomic.AddUint64(&b.droppedBufferFull, 1)
			log.WithError(err).WithFields(logTags).Warnf(
				"Dropped %s event for user %d", eventType, userID,
			)
		} else {
			log.WithError(err).WithFields(logTags).Debugf(
				"User %d disconnecting, %s event not delivered", userID, eventType,
			)
		}
		return
	}
	atomic.AddUint64(&b.delivered, 1)
	log.WithFields(logTags).Debugf("Sent %s event to user %d", eventType, userID)
}

// ========================================================================================
// Transport facing

// Subscribe start a new session for the user
func (b *broadcasterImpl) Subscribe(ctxt context.Context, userID int64) (*Session, error) {
	localLogTags, _ := common.UpdateLogTags(ctxt, b.LogTags)
	log.WithFields(localLogTags).Infof("User %d subscribing to event stream", userID)
	return StartSession(ctxt, userID, b.registry, b.heartbeat, b.wg)
}

// ConnectedCount number of connected users
func (b *broadcasterImpl) ConnectedCount() int {
	return b.registry.Count()
}

// IsConnected whether the user is connected
func (b *broadcasterImpl) IsConnected(userID int64) bool {
	return b.registry.Contains(userID)
}

// UserStatus connection status of the user
func (b *broadcasterImpl) UserStatus(userID int64) UserStatus {
	status := UserStatus{UserID: userID}
	if sub, ok := b.registry.Lookup(userID); ok {
		status.Connected = true
		since := sub.CreatedAt
		status.ConnectedSince = &since
		status.Pending = sub.Pending()
	}
	if record, ok := b.registry.LastDisconnect(userID); ok {
		status.LastDisconnect = &record
	}
	return status
}

// Stats delivery counters since start
func (b *broadcasterImpl) Stats() DeliveryStats {
	return DeliveryStats{
		Delivered:          atomic.LoadUint64(&b.delivered),
		DroppedBufferFull:  atomic.LoadUint64(&b.droppedBufferFull),
		DroppedEncode:      atomic.LoadUint64(&b.droppedEncode),
		DroppedQueueFull:   atomic.LoadUint64(&b.droppedQueueFull),
		DroppedStopped:     atomic.LoadUint64(&b.droppedStopped),
		DroppedUnresolved:  atomic.LoadUint64(&b.droppedUnresolved),
		FallbackBroadcasts: atomic.LoadUint64(&b.fallbackBroadcasts),
	}
}

// HeartbeatInterval the heartbeat period of sessions
func (b *broadcasterImpl) HeartbeatInterval() time.Duration {
	return b.heartbeat.Interval()
}

// Stop stop group fan-out and close every subscription
func (b *broadcasterImpl) Stop() error {
	if err := b.fanout.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Failed to stop fan-out workers")
		return err
	}
	closed := b.registry.CloseAll(ReasonServerStopping)
	log.WithFields(b.LogTags).Infof("Stopped, closed %d subscriptions", closed)
	return nil
}
