// Copyright 2022 The chatpush Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/chatpush/common"
	"github.com/alwitt/chatpush/realtime"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// UserLookup checks whether a user is known
type UserLookup interface {
	// Exists whether the user is known
	Exists(ctxt context.Context, userID int64) (bool, error)
}

// ReadinessCheck reports an error when a dependency is not ready
type ReadinessCheck func() error

// APIRestEventHandler REST handler for the event distribution server
type APIRestEventHandler struct {
	APIRestHandler
	broadcaster realtime.Broadcaster
	users       UserLookup
	readyChecks []ReadinessCheck
	upgrader    websocket.Upgrader
	validate    *validator.Validate
	baseContext context.Context
	wg          *sync.WaitGroup
}

// GetAPIRestEventHandler define APIRestEventHandler
func GetAPIRestEventHandler(
	baseContext context.Context,
	broadcaster realtime.Broadcaster,
	users UserLookup,
	httpConfig *common.HTTPConfig,
	wg *sync.WaitGroup,
	readyChecks ...ReadinessCheck,
) (APIRestEventHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "event-server",
	}
	if broadcaster == nil || users == nil {
		return APIRestEventHandler{}, fmt.Errorf("event handler requires broadcaster and user lookup")
	}
	return APIRestEventHandler{
		APIRestHandler: defineAPIRestHandler(logTags, httpConfig),
		broadcaster:    broadcaster,
		users:          users,
		readyChecks:    readyChecks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		validate:    validator.New(),
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

// readStreamUserID read the "userId" query parameter of a stream request
func readStreamUserID(r *http.Request) (int64, error) {
	values, ok := r.URL.Query()["userId"]
	if !ok || len(values) != 1 {
		return 0, fmt.Errorf("missing userId / multiple userId")
	}
	return parseID(values[0], "userId")
}

// =======================================================================
// Event streams

// -----------------------------------------------------------------------

// Stream godoc
// @Summary Open the event stream of a user
// @Description Long lived server sent event stream delivering the user's chat events and
// a heartbeat. A new stream for the same user replaces the previous one. The stream
// closes on client disconnect, replacement, administrative disconnect or server shutdown.
// @tags Events
// @Produce text/event-stream
// @Param Chatpush-Request-ID header string false "User provided request ID to match against logs"
// @Param userId query integer true "User to stream events for"
// @Success 200 {string} string "event stream"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/sse/stream [get]
func (h APIRestEventHandler) Stream(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsForContext(r.Context())

	userID, err := readStreamUserID(r)
	if err != nil {
		msg := "Invalid stream request"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(w, r, http.StatusBadRequest, h.errorMsg(
			r.Context(), http.StatusBadRequest, msg, err.Error(),
		))
		return
	}
	r = withUserID(r, userID)
	localLogTags = h.logTagsForContext(r.Context())

	stream, err := newSSEStream(w)
	if err != nil {
		msg := "Streaming not supported"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(w, r, http.StatusInternalServerError, h.errorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		))
		return
	}

	session, err := h.broadcaster.Subscribe(r.Context(), userID)
	if err != nil {
		msg := "Unable to start event session"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(w, r, http.StatusInternalServerError, h.errorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		))
		return
	}
	stream.open()

	for {
		select {
		case <-h.baseContext.Done():
			log.WithFields(localLogTags).Info("Terminating event stream on server stop")
			session.Stop()
			<-session.Done()
			return
		case event, ok := <-session.Events():
			if !ok {
				log.WithFields(localLogTags).Infof("Event stream ended (%s)", session.Reason())
				return
			}
			written, err := stream.send(event)
			if err != nil {
				session.Fail(err)
				continue
			}
			log.WithFields(localLogTags).Debugf("Written %s (%dB)", event.EventType, written)
		}
	}
}

// StreamHandler Wrapper around Stream
func (h APIRestEventHandler) StreamHandler() http.HandlerFunc {
	return h.attachRequestID(h.Stream)
}

// -----------------------------------------------------------------------

// websocket timing
const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// WebSocket godoc
// @Summary Open the event stream of a user over WebSocket
// @Description Same event sequence as the SSE stream, each event sent as one text frame
// holding the event JSON. Client messages are ignored.
// @tags Events
// @Param userId query integer true "User to stream events for"
// @Success 101 {string} string "switching protocols"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/sse/ws [get]
func (h APIRestEventHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsForContext(r.Context())

	userID, err := readStreamUserID(r)
	if err != nil {
		msg := "Invalid stream request"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(w, r, http.StatusBadRequest, h.errorMsg(
			r.Context(), http.StatusBadRequest, msg, err.Error(),
		))
		return
	}
	r = withUserID(r, userID)
	localLogTags = h.logTagsForContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied to the client
		log.WithError(err).WithFields(localLogTags).Error("Failed to upgrade connection")
		return
	}
	defer conn.Close()

	sessionCtxt, cancel := context.WithCancel(r.Context())
	defer cancel()
	session, err := h.broadcaster.Subscribe(sessionCtxt, userID)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to start event session")
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session failed"),
			time.Now().Add(wsWriteWait),
		)
		return
	}

	// Read pump: only control frames matter, a read error means the client is gone
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer session.Stop()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				log.WithError(err).WithFields(localLogTags).Debug("WebSocket read ended")
				return
			}
		}
	}()

	// Write pump
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	closeCode, closeText := websocket.CloseNormalClosure, "stream ended"
	defer func() {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCode, closeText),
			time.Now().Add(wsWriteWait),
		)
	}()
	for {
		select {
		case <-h.baseContext.Done():
			log.WithFields(localLogTags).Info("Terminating WebSocket stream on server stop")
			closeCode, closeText = websocket.CloseGoingAway, "server stopping"
			session.Stop()
			<-session.Done()
			return
		case event, ok := <-session.Events():
			if !ok {
				closeText = session.Reason()
				log.WithFields(localLogTags).Infof("WebSocket stream ended (%s)", closeText)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, event.Data); err != nil {
				session.Fail(err)
				continue
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				session.Fail(err)
			}
		}
	}
}

// WebSocketHandler Wrapper around WebSocket
func (h APIRestEventHandler) WebSocketHandler() http.HandlerFunc {
	return h.attachRequestID(h.WebSocket)
}

// =======================================================================
// Status

// -----------------------------------------------------------------------

// APIRestRespServerStatus response for the server status query
type APIRestRespServerStatus struct {
	goutils.RestAPIBaseResponse
	// ConnectedUsers number of users with an open event stream
	ConnectedUsers int `json:"connected_users"`
	// Status of the event service
	Status string `json:"status"`
	// HeartbeatIntervalSec heartbeat period of the event streams
	HeartbeatIntervalSec float64 `json:"heartbeat_interval_sec"`
	// Stats delivery counters
	Stats realtime.DeliveryStats `json:"stats"`
}

// Status godoc
// @Summary Event service status
// @Description Number of connected users and delivery counters
// @tags Status
// @Produce json
// @Param Chatpush-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespServerStatus "success"
// @Router /v1/sse/status [get]
func (h APIRestEventHandler) Status(w http.ResponseWriter, r *http.Request) {
	status := "running"
	if h.baseContext.Err() != nil {
		status = "stopping"
	}
	h.reply(w, r, http.StatusOK, APIRestRespServerStatus{
		RestAPIBaseResponse:  h.successMsg(r.Context()),
		ConnectedUsers:       h.broadcaster.ConnectedCount(),
		Status:               status,
		HeartbeatIntervalSec: h.broadcaster.HeartbeatInterval().Seconds(),
		Stats:                h.broadcaster.Stats(),
	})
}

// StatusHandler Wrapper around Status
func (h APIRestEventHandler) StatusHandler() http.HandlerFunc {
	return h.attachRequestID(h.Status)
}

// -----------------------------------------------------------------------

// APIRestRespUserStatus response for the user status query
type APIRestRespUserStatus struct {
	goutils.RestAPIBaseResponse
	realtime.UserStatus
}

// UserStatus godoc
// @Summary Connection status of one user
// @Description Whether the user has an open event stream, and its last disconnect
// @tags Status
// @Produce json
// @Param Chatpush-Request-ID header string false "User provided request ID to match against logs"
// @Param userId path integer true "User ID"
// @Success 200 {object} APIRestRespUserStatus "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/sse/status/{userId} [get]
func (h APIRestEventHandler) UserStatus(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsForContext(r.Context())
	userID, err := parseID(mux.Vars(r)["userId"], "userId")
	if err != nil {
		msg := "Invalid user ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(w, r, http.StatusBadRequest, h.errorMsg(
			r.Context(), http.StatusBadRequest, msg, err.Error(),
		))
		return
	}
	h.reply(w, r, http.StatusOK, APIRestRespUserStatus{
		RestAPIBaseResponse: h.successMsg(r.Context()),
		UserStatus:          h.broadcaster.UserStatus(userID),
	})
}

// UserStatusHandler Wrapper around UserStatus
func (h APIRestEventHandler) UserStatusHandler() http.HandlerFunc {
	return h.attachRequestID(h.UserStatus)
}

// =======================================================================
// Administration

// -----------------------------------------------------------------------

// APIRestRespDisconnect response for the administrative disconnect
type APIRestRespDisconnect struct {
	goutils.RestAPIBaseResponse
	// Disconnected whether the user had an open stream which was closed
	Disconnected bool `json:"disconnected"`
}

// Disconnect godoc
// @Summary Disconnect a user
// @Description Close the user's event stream. Disconnecting a user without a stream is a no-op.
// @tags Administration
// @Produce json
// @Param Chatpush-Request-ID header string false "User provided request ID to match against logs"
// @Param userId path integer true "User ID"
// @Success 200 {object} APIRestRespDisconnect "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/sse/disconnect/{userId} [delete]
func (h APIRestEventHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsForContext(r.Context())
	userID, err := parseID(mux.Vars(r)["userId"], "userId")
	if err != nil {
		msg := "Invalid user ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.reply(w, r, http.StatusBadRequest, h.errorMsg(
			r.Context(), http.StatusBadRequest, msg, err.Error(),
		))
		return
	}
	disconnected := h.broadcaster.Disconnect(userID)
	h.reply(w, r, http.StatusOK, APIRestRespDisconnect{
		RestAPIBaseResponse: h.successMsg(r.Context()),
		Disconnected:        disconnected,
	})
}

// DisconnectHandler Wrapper around Disconnect
func (h APIRestEventHandler) DisconnectHandler() http.HandlerFunc {
	return h.attachRequestID(h.Disconnect)
}

// -----------------------------------------------------------------------

// PublishRequest body of the publish endpoints
type PublishRequest struct {
	// EventType is the event type tag
	EventType string `json:"event_type" validate:"required,printascii"`
	// Payload is the event payload
	Payload json.RawMessage `json:"payload"`
}

// readPublishRequest parse and validate the publish request body
func (h APIRestEventHandler) readPublishRequest(r *http.Request) (PublishRequest, error) {
	var request PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		return request, err
	}
	if err := h.validate.Struct(&request); err != nil {
		return request, err
	}
	if len(request.Payload) == 0 {
		request.Payload = json.RawMessage("null")
	}
	return request, nil
}

// PublishToUser godoc
// @Summary Send an event to a user
// @Description Operational tool: deliver an event to the user if connected
// @tags Administration
// @Accept json
// @Produce json
// @Param Chatpush-Request-ID header string false "User provided request ID to match against logs"
// @Param userId path integer true "User ID"
// @Param event body PublishRequest true "Event to send"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/sse/publish/user/{userId} [post]
func (h APIRestEventHandler) PublishToUser(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, r, respCode, respBody)
	}()

	userID, err := parseID(mux.Vars(r)["userId"], "userId")
	if err != nil {
		msg := "Invalid user ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.errorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	request, err := h.readPublishRequest(r)
	if err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.errorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	exists, err := h.users.Exists(r.Context(), userID)
	if err != nil {
		msg := "Unable to look up user"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusInternalServerError
		respBody = h.errorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	if !exists {
		msg := fmt.Sprintf("User %d not found", userID)
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusNotFound
		respBody = h.errorMsg(r.Context(), http.StatusNotFound, msg, msg)
		return
	}

	h.broadcaster.SendToUser(r.Context(), userID, request.EventType, request.Payload)
	respCode = http.StatusOK
	respBody = h.successMsg(r.Context())
}

// PublishToUserHandler Wrapper around PublishToUser
func (h APIRestEventHandler) PublishToUserHandler() http.HandlerFunc {
	return h.attachRequestID(h.PublishToUser)
}

// PublishToGroup godoc
// @Summary Send an event to a group
// @Description Operational tool: deliver an event to the group's connected members and
// every connected privileged user. Delivery happens after the call returns.
// @tags Administration
// @Accept json
// @Produce json
// @Param Chatpush-Request-ID header string false "User provided request ID to match against logs"
// @Param groupId path integer true "Group ID"
// @Param event body PublishRequest true "Event to send"
// @Success 202 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/sse/publish/group/{groupId} [post]
func (h APIRestEventHandler) PublishToGroup(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, r, respCode, respBody)
	}()

	groupID, err := parseID(mux.Vars(r)["groupId"], "groupId")
	if err != nil {
		msg := "Invalid group ID"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.errorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}
	request, err := h.readPublishRequest(r)
	if err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.errorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	h.broadcaster.SendToGroup(r.Context(), groupID, request.EventType, request.Payload)
	respCode = http.StatusAccepted
	respBody = h.successMsg(r.Context())
}

// PublishToGroupHandler Wrapper around PublishToGroup
func (h APIRestEventHandler) PublishToGroupHandler() http.HandlerFunc {
	return h.attachRequestID(h.PublishToGroup)
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For event server liveness check
// @Description Will return success to indicate event server is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/sse/alive [get]
func (h APIRestEventHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, r, http.StatusOK, h.successMsg(r.Context()))
}

// AliveHandler Wrapper around Alive
func (h APIRestEventHandler) AliveHandler() http.HandlerFunc {
	return h.attachRequestID(h.Alive)
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For event server readiness check
// @Description Will return success if the event server and its dependencies are ready
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/sse/ready [get]
func (h APIRestEventHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.logTagsForContext(r.Context())
	msg := "not ready"
	if err := h.baseContext.Err(); err != nil {
		h.reply(w, r, http.StatusInternalServerError, h.errorMsg(
			r.Context(), http.StatusInternalServerError, msg, "server stopping",
		))
		return
	}
	for _, check := range h.readyChecks {
		if err := check(); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Readiness check failed")
			h.reply(w, r, http.StatusInternalServerError, h.errorMsg(
				r.Context(), http.StatusInternalServerError, msg, err.Error(),
			))
			return
		}
	}
	h.reply(w, r, http.StatusOK, h.successMsg(r.Context()))
}

// ReadyHandler Wrapper around Ready
func (h APIRestEventHandler) ReadyHandler() http.HandlerFunc {
	return h.attachRequestID(h.Ready)
}
