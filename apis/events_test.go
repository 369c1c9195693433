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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/chatpush/common"
	"github.com/alwitt/chatpush/directory"
	"github.com/alwitt/chatpush/realtime"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

const testRequestIDHeader = "Chatpush-Request-ID"

type eventTestRig struct {
	uut         APIRestEventHandler
	broadcaster realtime.Broadcaster
	directory   directory.Directory
}

func defineEventTestRig(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup, readyChecks ...ReadinessCheck,
) eventTestRig {
	assert := assert.New(t)

	users := directory.GetMemoryDirectory()
	assert.Nil(users.AddUser(ctxt, 1, "USER"))
	assert.Nil(users.AddUser(ctxt, 2, "USER"))
	assert.Nil(users.AddUser(ctxt, 3, realtime.RolePrivileged))
	assert.Nil(users.AddMember(ctxt, 42, 1))

	broadcaster, err := realtime.DefineBroadcasterFromConfig(ctxt, common.RealtimeConfig{
		HeartbeatInterval: 30,
		ChannelBuffer:     16,
		ResolverTimeout:   5,
		FallbackPolicy:    common.FallbackAllConnected,
		FanoutWorkers:     2,
		FanoutQueue:       16,
		DisconnectHistory: 16,
	}, users, users, wg)
	assert.Nil(err)

	uut, err := GetAPIRestEventHandler(ctxt, broadcaster, users, &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: testRequestIDHeader},
	}, wg, readyChecks...)
	assert.Nil(err)

	return eventTestRig{uut: uut, broadcaster: broadcaster, directory: users}
}

// sseFrame one parsed server sent event
type sseFrame struct {
	event string
	data  string
}

// readSSEFrame read the next frame of an event stream
func readSSEFrame(reader *bufio.Reader) (sseFrame, error) {
	var frame sseFrame
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return frame, err
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if frame.event != "" || frame.data != "" {
				return frame, nil
			}
		case strings.HasPrefix(line, "event: "):
			frame.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			frame.data += strings.TrimPrefix(line, "data: ")
		}
	}
}

// unwrapFrame decode the event envelope carried by a frame
func unwrapFrame(frame sseFrame, payload interface{}) (string, error) {
	eventType, _, err := realtime.WireEvent{
		EventType: frame.event, Data: []byte(frame.data),
	}.Unwrap(payload)
	return eventType, err
}

func TestEventServerStatusAndHealth(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	notReady := fmt.Errorf("intake not connected")
	var readyErr error
	rig := defineEventTestRig(t, utCtxt, &wg, func() error { return readyErr })
	uut := rig.uut
	defer func() {
		assert.Nil(rig.broadcaster.Stop())
	}()

	// Case 0: alive
	{
		testReqID := uuid.NewString()
		req, err := http.NewRequest("GET", "/v1/sse/alive", nil)
		assert.Nil(err)
		req.Header.Add(testRequestIDHeader, testReqID)
		respRecorder := httptest.NewRecorder()
		uut.AliveHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		assert.Equal(testReqID, respRecorder.Header().Get(testRequestIDHeader))
	}

	// Case 1: ready depends on the readiness checks
	{
		req, err := http.NewRequest("GET", "/v1/sse/ready", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)

		readyErr = notReady
		respRecorder = httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusInternalServerError, respRecorder.Code)
		readyErr = nil
	}

	// Case 2: status with nobody connected
	{
		req, err := http.NewRequest("GET", "/v1/sse/status", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.StatusHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp APIRestRespServerStatus
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.True(resp.Success)
		assert.Equal(0, resp.ConnectedUsers)
		assert.Equal("running", resp.Status)
		assert.Equal(float64(30), resp.HeartbeatIntervalSec)
	}

	// Case 3: user status with invalid ID
	{
		req, err := http.NewRequest("GET", "/v1/sse/status/abc", nil)
		assert.Nil(err)
		req = mux.SetURLVars(req, map[string]string{"userId": "abc"})
		respRecorder := httptest.NewRecorder()
		uut.UserStatusHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
	}

	// Case 4: user status of a user never connected
	{
		req, err := http.NewRequest("GET", "/v1/sse/status/2", nil)
		assert.Nil(err)
		req = mux.SetURLVars(req, map[string]string{"userId": "2"})
		respRecorder := httptest.NewRecorder()
		uut.UserStatusHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp APIRestRespUserStatus
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.Equal(int64(2), resp.UserID)
		assert.False(resp.Connected)
		assert.Nil(resp.LastDisconnect)
	}

	// Case 5: disconnect of a user never connected
	{
		req, err := http.NewRequest("DELETE", "/v1/sse/disconnect/2", nil)
		assert.Nil(err)
		req = mux.SetURLVars(req, map[string]string{"userId": "2"})
		respRecorder := httptest.NewRecorder()
		uut.DisconnectHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp APIRestRespDisconnect
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.True(resp.Success)
		assert.False(resp.Disconnected)
	}

	// Case 6: not ready once stopping
	{
		utCtxtCancel()
		req, err := http.NewRequest("GET", "/v1/sse/ready", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusInternalServerError, respRecorder.Code)
	}
}

func TestEventServerSSEStream(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	rig := defineEventTestRig(t, utCtxt, &wg)
	uut := rig.uut
	defer func() {
		assert.Nil(rig.broadcaster.Stop())
	}()

	server := httptest.NewServer(uut.StreamHandler())
	defer server.Close()

	// Case 0: missing or invalid user ID
	{
		for _, query := range []string{"", "?userId=abc", "?userId=-4"} {
			resp, err := http.Get(server.URL + query)
			assert.Nil(err)
			assert.Equal(http.StatusBadRequest, resp.StatusCode)
			resp.Body.Close()
		}
	}

	// Case 1: open the stream of user 1
	streamCtxt, streamCancel := context.WithTimeout(utCtxt, time.Second*10)
	defer streamCancel()
	req, err := http.NewRequestWithContext(streamCtxt, "GET", server.URL+"?userId=1", nil)
	assert.Nil(err)
	resp, err := http.DefaultClient.Do(req)
	assert.Nil(err)
	defer resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)
	assert.Equal("text/event-stream", resp.Header.Get("Content-Type"))
	reader := bufio.NewReader(resp.Body)
	{
		frame, err := readSSEFrame(reader)
		assert.Nil(err)
		assert.Equal(realtime.EventConnected, frame.event)
		var payload realtime.ConnectedPayload
		eventType, err := unwrapFrame(frame, &payload)
		assert.Nil(err)
		assert.Equal(realtime.EventConnected, eventType)
		assert.Equal(int64(1), payload.UserID)
		assert.True(rig.broadcaster.IsConnected(1))
	}

	publish := func(handler http.HandlerFunc, varName, id, body string) int {
		req, err := http.NewRequest("POST", "/v1/sse/publish", bytes.NewBufferString(body))
		assert.Nil(err)
		req = mux.SetURLVars(req, map[string]string{varName: id})
		respRecorder := httptest.NewRecorder()
		handler.ServeHTTP(respRecorder, req)
		return respRecorder.Code
	}

	// Case 2: publish to the user
	{
		code := publish(
			uut.PublishToUserHandler(), "userId", "1",
			`{"event_type": "new_message", "payload": {"id": 9, "content": "hello"}}`,
		)
		assert.Equal(http.StatusOK, code)
		frame, err := readSSEFrame(reader)
		assert.Nil(err)
		assert.Equal(realtime.EventNewMessage, frame.event)
		var payload map[string]interface{}
		_, err = unwrapFrame(frame, &payload)
		assert.Nil(err)
		assert.Equal(map[string]interface{}{"id": float64(9), "content": "hello"}, payload)
	}

	// Case 3: rejected publish requests
	{
		assert.Equal(http.StatusNotFound, publish(
			uut.PublishToUserHandler(), "userId", "99", `{"event_type": "new_message"}`,
		))
		assert.Equal(http.StatusBadRequest, publish(
			uut.PublishToUserHandler(), "userId", "1", `{"payload": {}}`,
		))
		assert.Equal(http.StatusBadRequest, publish(
			uut.PublishToGroupHandler(), "groupId", "x", `{"event_type": "new_message"}`,
		))
		assert.Equal(http.StatusBadRequest, publish(
			uut.PublishToGroupHandler(), "groupId", "42", `not json`,
		))
		// Line breaks in the event type would forge extra SSE frames
		assert.Equal(http.StatusBadRequest, publish(
			uut.PublishToUserHandler(), "userId", "1",
			`{"event_type": "new_message\n\nevent: admin_notice\ndata: {}", "payload": {}}`,
		))
		assert.Equal(http.StatusBadRequest, publish(
			uut.PublishToGroupHandler(), "groupId", "42", `{"event_type": "member_added\r"}`,
		))
	}

	// Case 4: publish to a group the user belongs to
	{
		code := publish(
			uut.PublishToGroupHandler(), "groupId", "42",
			`{"event_type": "member_added", "payload": {"groupId": 42, "userId": 2}}`,
		)
		assert.Equal(http.StatusAccepted, code)
		frame, err := readSSEFrame(reader)
		assert.Nil(err)
		assert.Equal(realtime.EventMemberAdded, frame.event)
	}

	// Case 5: user status while connected
	{
		req, err := http.NewRequest("GET", "/v1/sse/status/1", nil)
		assert.Nil(err)
		req = mux.SetURLVars(req, map[string]string{"userId": "1"})
		respRecorder := httptest.NewRecorder()
		uut.UserStatusHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp APIRestRespUserStatus
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.True(resp.Connected)
		assert.NotNil(resp.ConnectedSince)
	}

	// Case 6: administrative disconnect ends the stream
	{
		disconnect := func() bool {
			req, err := http.NewRequest("DELETE", "/v1/sse/disconnect/1", nil)
			assert.Nil(err)
			req = mux.SetURLVars(req, map[string]string{"userId": "1"})
			respRecorder := httptest.NewRecorder()
			uut.DisconnectHandler().ServeHTTP(respRecorder, req)
			assert.Equal(http.StatusOK, respRecorder.Code)
			var resp APIRestRespDisconnect
			assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
			return resp.Disconnected
		}
		assert.True(disconnect())
		_, err := readSSEFrame(reader)
		assert.NotNil(err)
		assert.False(rig.broadcaster.IsConnected(1))
		assert.False(disconnect())
	}
}

func TestEventServerWebSocket(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	rig := defineEventTestRig(t, utCtxt, &wg)
	uut := rig.uut
	defer func() {
		assert.Nil(rig.broadcaster.Stop())
	}()

	server := httptest.NewServer(uut.WebSocketHandler())
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	// Case 0: invalid user ID is rejected before the upgrade
	{
		_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?userId=abc", nil)
		assert.NotNil(err)
		assert.NotNil(resp)
		assert.Equal(http.StatusBadRequest, resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?userId=2", nil)
	assert.Nil(err)
	_ = conn.SetReadDeadline(time.Now().Add(time.Second * 5))

	readEvent := func() (string, map[string]interface{}) {
		msgType, data, err := conn.ReadMessage()
		assert.Nil(err)
		assert.Equal(websocket.TextMessage, msgType)
		var payload map[string]interface{}
		eventType, _, err := realtime.WireEvent{Data: data}.Unwrap(&payload)
		assert.Nil(err)
		return eventType, payload
	}

	// Case 1: connected event
	{
		eventType, payload := readEvent()
		assert.Equal(realtime.EventConnected, eventType)
		assert.Equal(float64(2), payload["userId"])
		assert.True(rig.broadcaster.IsConnected(2))
	}

	// Case 2: direct send
	{
		rig.broadcaster.SendToUser(utCtxt, 2, realtime.EventGroupCreated, map[string]int{"id": 5})
		eventType, payload := readEvent()
		assert.Equal(realtime.EventGroupCreated, eventType)
		assert.Equal(float64(5), payload["id"])
	}

	// Case 3: client goes away
	{
		assert.Nil(conn.Close())
		assert.Eventually(func() bool {
			return !rig.broadcaster.IsConnected(2)
		}, time.Second*5, time.Millisecond*20)
		status := rig.broadcaster.UserStatus(2)
		assert.NotNil(status.LastDisconnect)
	}
}

func TestSSEFrameWriter(t *testing.T) {
	assert := assert.New(t)

	// Case 0: multi-line data is split into data fields
	{
		respRecorder := httptest.NewRecorder()
		uut, err := newSSEStream(respRecorder)
		assert.Nil(err)
		_, err = uut.send(realtime.WireEvent{EventType: "new_message", Data: []byte("{\n}")})
		assert.Nil(err)
		assert.Equal("event: new_message\ndata: {\ndata: }\n\n", respRecorder.Body.String())
		assert.Equal("text/event-stream", respRecorder.Header().Get("Content-Type"))
	}

	// Case 1: an event type with a line break is refused and nothing is written
	{
		respRecorder := httptest.NewRecorder()
		uut, err := newSSEStream(respRecorder)
		assert.Nil(err)
		_, err = uut.send(realtime.WireEvent{
			EventType: "new_message\n\nevent: admin_notice\ndata: {\"forged\":true}",
			Data:      []byte(`{}`),
		})
		assert.NotNil(err)
		assert.Empty(respRecorder.Body.String())
		assert.NotContains(respRecorder.Body.String(), "admin_notice")
	}
}
