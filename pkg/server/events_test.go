package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magpielabs/magpie/pkg/config"
	"github.com/magpielabs/magpie/pkg/cursorstore"
	"github.com/magpielabs/magpie/pkg/document"
)

// parseFrames extracts the data payload of every SSE frame in body.
func parseFrames(body string) []string {
	var frames []string
	for _, line := range strings.Split(body, "\n") {
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			frames = append(frames, data)
		}
	}
	return frames
}

func TestIndexingEventsStream(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{},
		&fakeConnector{source: document.SourceJira, configured: true},
		&fakeConnector{source: document.SourceSlack, configured: true},
	)

	id := ts.startRun(t, document.SourceJira)
	ts.waitTerminal(t, id)

	// An interval below the floor is clamped to a second, so only the
	// immediate frame fits into the request window.
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events/indexing?interval=1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	frames := parseFrames(rec.Body.String())
	require.Len(t, frames, 1)

	var event statusEvent
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &event))
	assert.Equal(t, "status_update", event.Type)
	assert.Equal(t, "2026-03-01T12:00:00Z", event.Timestamp)
	require.Len(t, event.Statuses, 2)

	bySource := make(map[document.Source]*cursorstore.IndexStatus, len(event.Statuses))
	for _, st := range event.Statuses {
		bySource[st.Source] = st
	}
	assert.Equal(t, cursorstore.StateCompleted, bySource[document.SourceJira].Status)
	assert.Equal(t, id, bySource[document.SourceJira].WorkflowID)
	assert.Equal(t, cursorstore.StateIdle, bySource[document.SourceSlack].Status)
}

func TestIndexingEventsKeepStreaming(t *testing.T) {
	ts := newTestServer(t, config.ServerConfig{},
		&fakeConnector{source: document.SourceJira, configured: true})

	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/events/indexing?interval=1000", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	frames := parseFrames(rec.Body.String())
	require.GreaterOrEqual(t, len(frames), 2, "one immediate frame plus at least one tick")
}
