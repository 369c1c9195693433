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
	"fmt"
	"net/http"
	"strings"

	"github.com/alwitt/chatpush/realtime"
)

// sseStream writes events to a text/event-stream response
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEStream prepare the response for event streaming
func newSSEStream(w http.ResponseWriter) (*sseStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Disable proxy buffering
	w.Header().Set("X-Accel-Buffering", "no")
	return &sseStream{w: w, flusher: flusher}, nil
}

// open send the response headers
func (s *sseStream) open() {
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
}

// send write one event frame and flush it
func (s *sseStream) send(event realtime.WireEvent) (int, error) {
	if strings.ContainsAny(event.EventType, "\r\n") {
		return 0, fmt.Errorf("event type %q would split the frame", event.EventType)
	}
	var frame strings.Builder
	if event.EventType != "" {
		fmt.Fprintf(&frame, "event: %s\n", event.EventType)
	}
	// One data field per line
	for _, line := range strings.Split(string(event.Data), "\n") {
		fmt.Fprintf(&frame, "data: %s\n", line)
	}
	frame.WriteString("\n")
	written, err := fmt.Fprint(s.w, frame.String())
	if err != nil {
		return written, err
	}
	s.flusher.Flush()
	return written, nil
}
