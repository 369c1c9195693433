package realtime

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/chatpush/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Reasons a subscription is removed from the registry
const (
	ReasonReplaced           = "replaced"
	ReasonAdminDisconnect    = "admin-disconnect"
	ReasonClientDisconnected = "client-disconnected"
	ReasonTransportError     = "transport-error"
	ReasonServerStopping     = "server-stopping"
)

// Subscription is one user's live outbound event channel
type Subscription struct {
	// UserID is the user this subscription delivers to
	UserID int64
	// InstanceID uniquely identifies this subscription among those of the same user
	InstanceID string
	// CreatedAt is when the subscription was registered
	CreatedAt time.Time

	events      chan WireEvent
	done        chan struct{}
	lock        sync.Mutex
	closed      bool
	closeReason string
}

// Events the channel the session reads queued events from. Closed once the
// subscription is removed from the registry.
func (s *Subscription) Events() <-chan WireEvent {
	return s.events
}

// Done closed once the subscription is removed from the registry, even when
// queued events remain unread
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Offer enqueue an event without blocking
func (s *Subscription) Offer(event WireEvent) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrSubscriptionClosed
	}
	select {
	case s.events <- event:
		return nil
	default:
		return ErrBufferFull
	}
}

// Closed whether the subscription is closed
func (s *Subscription) Closed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closed
}

// CloseReason why the subscription was closed. Empty while still open.
func (s *Subscription) CloseReason() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.closeReason
}

// Pending number of events queued but not yet read
func (s *Subscription) Pending() int {
	return len(s.events)
}

// String toString function
func (s *Subscription) String() string {
	return fmt.Sprintf("SUB[%d/%s]", s.UserID, s.InstanceID)
}

// close mark closed with the reason and close the event channel. Returns false if
// already closed, keeping the first reason.
func (s *Subscription) close(reason string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.closeReason = reason
	close(s.events)
	close(s.done)
	return true
}

// DisconnectRecord describes the last time a user's subscription was removed
type DisconnectRecord struct {
	// InstanceID is the subscription which was removed
	InstanceID string `json:"instance_id"`
	// At is when it was removed
	At time.Time `json:"at"`
	// Reason is why it was removed
	Reason string `json:"reason"`
}

// ConnectionRegistry maps user IDs to their live subscription
type ConnectionRegistry interface {
	// Register create and install a new subscription for the user. An existing
	// subscription for the user is replaced and closed.
	Register(userID int64) *Subscription
	// Unregister remove and close the user's subscription, if any.
	Unregister(userID int64, reason string) bool
	// UnregisterIfCurrent remove and close the subscription only if it is still the
	// one registered for its user.
	UnregisterIfCurrent(sub *Subscription, reason string) bool
	// Lookup fetch the user's subscription
	Lookup(userID int64) (*Subscription, bool)
	// Count number of registered users
	Count() int
	// Contains whether the user has a registered subscription
	Contains(userID int64) bool
	// ConnectedUsers snapshot of the registered user IDs, in ascending order
	ConnectedUsers() []int64
	// LastDisconnect fetch the most recent disconnect record of the user
	LastDisconnect(userID int64) (DisconnectRecord, bool)
	// CloseAll remove and close every subscription
	CloseAll(reason string) int
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	bufferSize    int
	lock          sync.Mutex
	subscriptions map[int64]*Subscription
	history       *lru.Cache[int64, DisconnectRecord]
}

// GetConnectionRegistry define a new ConnectionRegistry
//
// bufferSize is the per-subscription event buffer; historySize the number of users
// whose last disconnect is remembered.
func GetConnectionRegistry(bufferSize int, historySize int) (ConnectionRegistry, error) {
	if bufferSize < 1 {
		return nil, fmt.Errorf("invalid subscription buffer size %d", bufferSize)
	}
	history, err := lru.New[int64, DisconnectRecord](historySize)
	if err != nil {
		return nil, fmt.Errorf("unable to define disconnect history: %w", err)
	}
	logTags := log.Fields{"module": "realtime", "component": "connection-registry"}
	return &connectionRegistryImpl{
		Component:     common.Component{LogTags: logTags},
		bufferSize:    bufferSize,
		subscriptions: make(map[int64]*Subscription),
		history:       history,
	}, nil
}

// Register create and install a new subscription for the user
func (r *connectionRegistryImpl) Register(userID int64) *Subscription {
	newSub := &Subscription{
		UserID:     userID,
		InstanceID: uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
		events:     make(chan WireEvent, r.bufferSize),
		done:       make(chan struct{}),
	}
	r.lock.Lock()
	oldSub, replacing := r.subscriptions[userID]
	r.subscriptions[userID] = newSub
	r.lock.Unlock()

	if replacing {
		log.WithFields(r.LogTags).Infof("Replacing %s with %s", oldSub, newSub)
		r.retire(oldSub, ReasonReplaced)
	} else {
		log.WithFields(r.LogTags).Debugf("Registered %s", newSub)
	}
	return newSub
}

// Unregister remove and close the user's subscription
func (r *connectionRegistryImpl) Unregister(userID int64, reason string) bool {
	r.lock.Lock()
	sub, ok := r.subscriptions[userID]
	if ok {
		delete(r.subscriptions, userID)
	}
	r.lock.Unlock()
	if !ok {
		return false
	}
	r.retire(sub, reason)
	return true
}

// UnregisterIfCurrent remove and close the subscription only if it is still current
func (r *connectionRegistryImpl) UnregisterIfCurrent(sub *Subscription, reason string) bool {
	r.lock.Lock()
	current, ok := r.subscriptions[sub.UserID]
	isCurrent := ok && current == sub
	if isCurrent {
		delete(r.subscriptions, sub.UserID)
	}
	r.lock.Unlock()
	if !isCurrent {
		log.WithFields(r.LogTags).Debugf("%s no longer registered, skip removal", sub)
		// A stale subscription must still stop accepting events
		sub.close(reason)
		return false
	}
	r.retire(sub, reason)
	return true
}

// retire close a subscription already removed from the map and record why
func (r *connectionRegistryImpl) retire(sub *Subscription, reason string) {
	if !sub.close(reason) {
		return
	}
	r.history.Add(sub.UserID, DisconnectRecord{
		InstanceID: sub.InstanceID, At: time.Now().UTC(), Reason: reason,
	})
	log.WithFields(r.LogTags).Infof("Removed %s (%s)", sub, reason)
}

// Lookup fetch the user's subscription
func (r *connectionRegistryImpl) Lookup(userID int64) (*Subscription, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	sub, ok := r.subscriptions[userID]
	return sub, ok
}

// Count number of registered users
func (r *connectionRegistryImpl) Count() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.subscriptions)
}

// Contains whether the user has a registered subscription
func (r *connectionRegistryImpl) Contains(userID int64) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	_, ok := r.subscriptions[userID]
	return ok
}

// ConnectedUsers snapshot of the registered user IDs
func (r *connectionRegistryImpl) ConnectedUsers() []int64 {
	r.lock.Lock()
	result := make([]int64, 0, len(r.subscriptions))
	for userID := range r.subscriptions {
		result = append(result, userID)
	}
	r.lock.Unlock()
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// LastDisconnect fetch the most recent disconnect record of the user
func (r *connectionRegistryImpl) LastDisconnect(userID int64) (DisconnectRecord, bool) {
	return r.history.Get(userID)
}

// CloseAll remove and close every subscription
func (r *connectionRegistryImpl) CloseAll(reason string) int {
	r.lock.Lock()
	removed := r.subscriptions
	r.subscriptions = make(map[int64]*Subscription)
	r.lock.Unlock()
	for _, sub := range removed {
		r.retire(sub, reason)
	}
	return len(removed)
}
