package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/chatpush/common"
	"github.com/apex/log"
)

// Session is one client's live event stream: the events queued on the user's
// subscription merged with a heartbeat sequence.
//
// The session removes its subscription from the registry exactly once, when the
// context is cancelled, when the transport reports an error via Fail, or when the
// subscription is closed by the registry (replaced or disconnected).
type Session struct {
	common.Component
	// UserID is the user this session delivers to
	UserID int64

	sub      *Subscription
	registry ConnectionRegistry
	out      chan WireEvent
	failures chan error
	cancel   context.CancelFunc
	done     chan struct{}
	teardown sync.Once
	reason   string
}

// StartSession register a new subscription for the user and begin merging its events
// with the heartbeat sequence.
func StartSession(
	ctxt context.Context,
	userID int64,
	registry ConnectionRegistry,
	heartbeat HeartbeatGenerator,
	wg *sync.WaitGroup,
) (*Session, error) {
	logTags, err := common.UpdateLogTags(ctxt, log.Fields{
		"module": "realtime", "component": "session", "user_id": userID,
	})
	if err != nil {
		return nil, err
	}

	sessionCtxt, cancel := context.WithCancel(ctxt)
	sub := registry.Register(userID)
	logTags["subscription"] = sub.InstanceID

	session := &Session{
		Component: common.Component{LogTags: logTags},
		UserID:    userID,
		sub:       sub,
		registry:  registry,
		out:       make(chan WireEvent),
		failures:  make(chan error, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	beats, err := heartbeat.Stream(sessionCtxt, sub.InstanceID, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start heartbeat")
		cancel()
		session.close(ReasonServerStopping)
		close(session.out)
		close(session.done)
		return nil, err
	}

	// Confirm the subscription to the client through its own channel
	connected, err := Encode(
		EventConnected,
		ConnectedPayload{Message: "Connected to chat service", UserID: userID},
		time.Now(),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to encode connected event")
	} else if err := sub.Offer(connected); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to queue connected event")
	}

	wg.Add(1)
	go session.forward(sessionCtxt, beats, wg)
	log.WithFields(logTags).Info("Session started")
	return session, nil
}

// Events the merged outbound event sequence. Closed when the session ends.
func (s *Session) Events() <-chan WireEvent {
	return s.out
}

// Done closed once the session has ended and its subscription is released
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SubscriptionID the instance ID of the subscription backing this session
func (s *Session) SubscriptionID() string {
	return s.sub.InstanceID
}

// Reason why the session ended. Only valid after Done is closed.
func (s *Session) Reason() string {
	return s.reason
}

// Fail report a terminal transport error, ending the session
func (s *Session) Fail(err error) {
	select {
	case s.failures <- err:
	default:
	}
}

// Stop end the session as though the client disconnected
func (s *Session) Stop() {
	s.cancel()
}

// close release the subscription, exactly once
func (s *Session) close(reason string) {
	s.teardown.Do(func() {
		s.reason = reason
		if s.registry.UnregisterIfCurrent(s.sub, reason) {
			log.WithFields(s.LogTags).Infof("Unsubscribed (%s)", reason)
		} else {
			log.WithFields(s.LogTags).Infof("Subscription already released (%s)", reason)
		}
	})
}

// forward merge the subscription events with the heartbeat into the output channel
func (s *Session) forward(ctxt context.Context, beats <-chan WireEvent, wg *sync.WaitGroup) {
	defer wg.Done()
	reason := ReasonClientDisconnected
	defer func() {
		s.cancel()
		s.close(reason)
		close(s.out)
		close(s.done)
	}()

	// released the subscription was removed through the registry
	released := func() {
		reason = s.sub.CloseReason()
		if reason == "" {
			reason = ReasonAdminDisconnect
		}
	}

	// emit hand the event to the transport; false if the session ended meanwhile
	emit := func(event WireEvent) bool {
		select {
		case s.out <- event:
			return true
		case <-ctxt.Done():
			return false
		case <-s.sub.Done():
			released()
			return false
		case err := <-s.failures:
			log.WithError(err).WithFields(s.LogTags).Error("Transport failure")
			reason = ReasonTransportError
			return false
		}
	}

	for {
		select {
		case <-ctxt.Done():
			return
		case err := <-s.failures:
			log.WithError(err).WithFields(s.LogTags).Error("Transport failure")
			reason = ReasonTransportError
			return
		case <-s.sub.Done():
			released()
			return
		case event, ok := <-s.sub.Events():
			if !ok {
				released()
				return
			}
			if !emit(event) {
				return
			}
		case beat := <-beats:
			if !emit(beat) {
				return
			}
		}
	}
}
