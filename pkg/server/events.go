// Copyright 2025 Magpie Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/magpielabs/magpie/pkg/cursorstore"
)

const (
	defaultEventInterval = 5000 * time.Millisecond
	minEventInterval     = 1000 * time.Millisecond
)

// statusEvent is one frame of the indexing status stream.
type statusEvent struct {
	Type      string                     `json:"type"`
	Statuses  []*cursorstore.IndexStatus `json:"statuses"`
	Timestamp string                     `json:"timestamp"`
}

// handleIndexingEvents streams source statuses as server-sent events
// until the client disconnects. The poll interval comes from the
// `interval` query parameter in milliseconds, floored at one second.
func (s *Server) handleIndexingEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	interval := time.Duration(intParam(r, "interval", 0)) * time.Millisecond
	if interval <= 0 {
		interval = defaultEventInterval
	}
	if interval < minEventInterval {
		interval = minEventInterval
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// First frame goes out immediately so clients render without
	// waiting a full interval.
	s.emitStatuses(w, flusher, r)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			s.emitStatuses(w, flusher, r)
		}
	}
}

func (s *Server) emitStatuses(w http.ResponseWriter, flusher http.Flusher, r *http.Request) {
	statuses, err := s.workflows.Statuses(r.Context(), s.registry.Sources())
	if err != nil {
		slog.Warn("Failed to collect statuses for event stream", "error", err)
		return
	}
	data, err := json.Marshal(statusEvent{
		Type:      "status_update",
		Statuses:  statuses,
		Timestamp: s.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		slog.Error("Failed to marshal status event", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
