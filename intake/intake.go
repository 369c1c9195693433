package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/alwitt/chatpush/common"
	"github.com/alwitt/chatpush/core"
	"github.com/alwitt/chatpush/realtime"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// Subject suffixes, one per producer operation
const (
	SubjectUser       = "user"
	SubjectUsers      = "users"
	SubjectGroup      = "group"
	SubjectDisconnect = "disconnect"
)

// UserEventRequest send an event to one user
type UserEventRequest struct {
	UserID    int64           `json:"user_id" validate:"required"`
	EventType string          `json:"event_type" validate:"required,printascii"`
	Payload   json.RawMessage `json:"payload"`
}

// UsersEventRequest send an event to each listed user
type UsersEventRequest struct {
	UserIDs   []int64         `json:"user_ids" validate:"required,min=1"`
	EventType string          `json:"event_type" validate:"required,printascii"`
	Payload   json.RawMessage `json:"payload"`
}

// GroupEventRequest send an event to a group
type GroupEventRequest struct {
	GroupID   int64           `json:"group_id" validate:"required"`
	EventType string          `json:"event_type" validate:"required,printascii"`
	Payload   json.RawMessage `json:"payload"`
}

// DisconnectRequest end a user's subscription
type DisconnectRequest struct {
	UserID int64 `json:"user_id" validate:"required"`
}

// Reply is returned to producers which publish with a reply subject
type Reply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	// Disconnected only set for disconnect requests
	Disconnected *bool `json:"disconnected,omitempty"`
}

// EventIntake receives broadcast requests from external producers over NATS
type EventIntake interface {
	// Start subscribe to the request subjects
	Start() error
	// Stop drain the subscriptions
	Stop(ctxt context.Context) error
	// Dispatch decode, validate and execute one request
	Dispatch(ctxt context.Context, subject string, data []byte) (Reply, error)
}

// natsIntakeImpl implements EventIntake
type natsIntakeImpl struct {
	common.Component
	client        *core.NatsClient
	subjectPrefix string
	queueGroup    string
	producer      realtime.Producer
	validate      *validator.Validate
	runtimeCtxt   context.Context
	subsLock      sync.Mutex
	subs          []*nats.Subscription
}

// GetEventIntake define a new NATS event intake
func GetEventIntake(
	ctxt context.Context,
	client *core.NatsClient,
	config common.IntakeConfig,
	producer realtime.Producer,
) (EventIntake, error) {
	logTags := log.Fields{
		"module": "intake", "component": "nats-intake", "instance": config.SubjectPrefix,
	}
	if producer == nil {
		return nil, fmt.Errorf("event intake requires a producer")
	}
	if config.SubjectPrefix == "" {
		return nil, fmt.Errorf("event intake requires a subject prefix")
	}
	return &natsIntakeImpl{
		Component:     common.Component{LogTags: logTags},
		client:        client,
		subjectPrefix: strings.TrimSuffix(config.SubjectPrefix, "."),
		queueGroup:    config.QueueGroup,
		producer:      producer,
		validate:      validator.New(),
		runtimeCtxt:   ctxt,
	}, nil
}

// subject full subject of a request type
func (i *natsIntakeImpl) subject(suffix string) string {
	return fmt.Sprintf("%s.%s", i.subjectPrefix, suffix)
}

// Start subscribe to the request subjects
func (i *natsIntakeImpl) Start() error {
	if i.client == nil {
		return fmt.Errorf("event intake has no NATS client")
	}
	i.subsLock.Lock()
	defer i.subsLock.Unlock()
	for _, suffix := range []string{SubjectUser, SubjectUsers, SubjectGroup, SubjectDisconnect} {
		subject := i.subject(suffix)
		var sub *nats.Subscription
		var err error
		if i.queueGroup != "" {
			sub, err = i.client.NATs().QueueSubscribe(subject, i.queueGroup, i.onMessage)
		} else {
			sub, err = i.client.NATs().Subscribe(subject, i.onMessage)
		}
		if err != nil {
			log.WithError(err).WithFields(i.LogTags).Errorf("Unable to subscribe to %s", subject)
			return err
		}
		i.subs = append(i.subs, sub)
		log.WithFields(i.LogTags).Infof("Listening on %s", subject)
	}
	return nil
}

// Stop drain the subscriptions
func (i *natsIntakeImpl) Stop(ctxt context.Context) error {
	i.subsLock.Lock()
	defer i.subsLock.Unlock()
	var lastErr error
	for _, sub := range i.subs {
		if err := sub.Drain(); err != nil {
			log.WithError(err).WithFields(i.LogTags).Errorf("Unable to drain %s", sub.Subject)
			lastErr = err
		}
	}
	i.subs = nil
	if i.client != nil {
		if err := i.client.NATs().FlushWithContext(ctxt); err != nil {
			log.WithError(err).WithFields(i.LogTags).Error("NATS flush failed")
		}
	}
	return lastErr
}

// onMessage NATS message handler
func (i *natsIntakeImpl) onMessage(msg *nats.Msg) {
	reply, err := i.Dispatch(i.runtimeCtxt, msg.Subject, msg.Data)
	if err != nil {
		log.WithError(err).WithFields(i.LogTags).Errorf("Rejected request on %s", msg.Subject)
		reply = Reply{Success: false, Error: err.Error()}
	}
	if msg.Reply == "" {
		return
	}
	encoded, err := json.Marshal(&reply)
	if err != nil {
		log.WithError(err).WithFields(i.LogTags).Error("Unable to encode reply")
		return
	}
	if err := msg.Respond(encoded); err != nil {
		log.WithError(err).WithFields(i.LogTags).Errorf("Unable to reply on %s", msg.Reply)
	}
}

// decode parse and validate a request body
func (i *natsIntakeImpl) decode(data []byte, target interface{}) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("malformed request: %w", err)
	}
	if err := i.validate.Struct(target); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

// payloadOf a missing payload is sent as JSON null
func payloadOf(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// Dispatch decode, validate and execute one request
func (i *natsIntakeImpl) Dispatch(
	ctxt context.Context, subject string, data []byte,
) (Reply, error) {
	suffix := strings.TrimPrefix(subject, i.subjectPrefix+".")
	switch suffix {
	case SubjectUser:
		var request UserEventRequest
		if err := i.decode(data, &request); err != nil {
			return Reply{}, err
		}
		i.producer.SendToUser(ctxt, request.UserID, request.EventType, payloadOf(request.Payload))
	case SubjectUsers:
		var request UsersEventRequest
		if err := i.decode(data, &request); err != nil {
			return Reply{}, err
		}
		i.producer.SendToUsers(ctxt, request.UserIDs, request.EventType, payloadOf(request.Payload))
	case SubjectGroup:
		var request GroupEventRequest
		if err := i.decode(data, &request); err != nil {
			return Reply{}, err
		}
		i.producer.SendToGroup(ctxt, request.GroupID, request.EventType, payloadOf(request.Payload))
	case SubjectDisconnect:
		var request DisconnectRequest
		if err := i.decode(data, &request); err != nil {
			return Reply{}, err
		}
		disconnected := i.producer.Disconnect(request.UserID)
		return Reply{Success: true, Disconnected: &disconnected}, nil
	default:
		return Reply{}, fmt.Errorf("unknown request subject '%s'", subject)
	}
	log.WithFields(i.LogTags).Debugf("Processed request on %s", subject)
	return Reply{Success: true}, nil
}
