package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/magpielabs/magpie/pkg/cursorstore"
	"github.com/magpielabs/magpie/pkg/document"
)

func TestCalendarNotConfigured(t *testing.T) {
	c := NewCalendar(CalendarConfig{})
	res, err := c.Fetch(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Documents)
	assert.False(t, res.HasMore)
}

func TestCalendarFetchMapsEvents(t *testing.T) {
	var gotQuery map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/calendar/v3/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}
		fmt.Fprint(w, `{
			"items": [
				{
					"id": "ev1",
					"status": "confirmed",
					"summary": "Design review",
					"description": "Walk through the new sync engine.",
					"location": "Zoom",
					"htmlLink": "https://calendar.google.com/event?eid=ev1",
					"created": "2026-01-20T08:00:00.000Z",
					"updated": "2026-01-28T09:00:00.000Z",
					"start": {"dateTime": "2026-02-02T15:00:00+01:00"},
					"end": {"dateTime": "2026-02-02T16:00:00+01:00"},
					"organizer": {"email": "me@acme.com"},
					"attendees": [
						{"email": "dana@acme.com"},
						{"email": "ravi@acme.com"},
						{"displayName": "room without email"}
					]
				},
				{"id": "gone", "status": "cancelled", "summary": "Removed"}
			],
			"nextSyncToken": "sync-abc"
		}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewCalendar(CalendarConfig{GoogleConfig: testGoogleConfig},
		option.WithEndpoint(srv.URL), option.WithHTTPClient(srv.Client()))
	res, err := c.Fetch(context.Background(), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "false", gotQuery["showDeleted"])
	assert.Equal(t, "100", gotQuery["maxResults"])
	assert.NotContains(t, gotQuery, "syncToken")

	require.Len(t, res.Documents, 1)
	doc := res.Documents[0]
	assert.Equal(t, "calendar_ev1", doc.ID)
	assert.Equal(t, document.SourceCalendar, doc.Source)
	assert.Equal(t, "event", doc.Metadata.GetString("type"))
	assert.Equal(t, "Design review", doc.Metadata.GetString("title"))
	assert.Equal(t, "primary", doc.Metadata.GetString("calendarId"))
	assert.Equal(t, "2026-02-02T14:00:00Z", doc.Metadata.GetString("start"))
	assert.Equal(t, "2026-02-02T15:00:00Z", doc.Metadata.GetString("end"))
	assert.Equal(t, "Zoom", doc.Metadata.GetString("location"))
	assert.Equal(t, "https://calendar.google.com/event?eid=ev1", doc.Metadata.GetString("url"))
	assert.Equal(t, "me@acme.com", doc.Metadata.GetString("organizer"))
	assert.True(t, doc.Metadata.GetBool("isOrganizer"))
	assert.Equal(t, []string{"dana@acme.com", "ravi@acme.com"}, doc.Metadata.GetStringSlice("attendees"))
	count, ok := doc.Metadata.GetNumber("attendeeCount")
	require.True(t, ok)
	assert.Equal(t, 2.0, count)
	assert.Contains(t, doc.Content, "# Design review")
	assert.Contains(t, doc.Content, "Walk through the new sync engine.")
	assert.Contains(t, doc.Content, "Where: Zoom")
	assert.Contains(t, doc.Content, "Who: dana@acme.com, ravi@acme.com")

	assert.False(t, res.HasMore)
	assert.Empty(t, res.NewCursor.SyncToken)
	assert.Equal(t, 0, res.NewCursor.Metadata["calendarIndex"])
	assert.Equal(t, "", res.NewCursor.Metadata["pageToken"])
	assert.Equal(t, map[string]string{"primary": "sync-abc"}, res.NewCursor.Metadata["syncTokens"])
	assert.Equal(t, "2026-02-02T14:00:00Z", res.BatchLastSync)
}

func TestCalendarSweepAcrossCalendars(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/calendar/v3/calendars/team/events", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pageToken") == "" {
			fmt.Fprint(w, `{"items": [{"id": "e1", "summary": "one"}], "nextPageToken": "p2"}`)
			return
		}
		fmt.Fprint(w, `{"items": [{"id": "e2", "summary": "two"}], "nextSyncToken": "team-sync"}`)
	})
	mux.HandleFunc("/calendar/v3/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items": [{"id": "e3", "summary": "three"}], "nextSyncToken": "prim-sync"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := CalendarConfig{GoogleConfig: testGoogleConfig, CalendarIDs: []string{"team", "primary"}}
	c := NewCalendar(cfg, option.WithEndpoint(srv.URL), option.WithHTTPClient(srv.Client()))

	res, err := c.Fetch(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "calendar_e1", res.Documents[0].ID)
	assert.True(t, res.HasMore)
	assert.Equal(t, 0, res.NewCursor.Metadata["calendarIndex"])
	assert.Equal(t, "p2", res.NewCursor.Metadata["pageToken"])

	// Cursor metadata comes back float64-typed after a JSON round trip.
	res, err = c.Fetch(context.Background(), &cursorstore.Cursor{Metadata: map[string]any{
		"calendarIndex": float64(0),
		"pageToken":     "p2",
		"syncTokens":    map[string]any{},
	}}, nil)
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "calendar_e2", res.Documents[0].ID)
	assert.True(t, res.HasMore)
	assert.Equal(t, 1, res.NewCursor.Metadata["calendarIndex"])
	assert.Equal(t, "", res.NewCursor.Metadata["pageToken"])
	assert.Equal(t, map[string]string{"team": "team-sync"}, res.NewCursor.Metadata["syncTokens"])

	res, err = c.Fetch(context.Background(), &cursorstore.Cursor{Metadata: map[string]any{
		"calendarIndex": float64(1),
		"syncTokens":    map[string]any{"team": "team-sync"},
	}}, nil)
	require.NoError(t, err)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "calendar_e3", res.Documents[0].ID)
	assert.False(t, res.HasMore)
	assert.Equal(t, 0, res.NewCursor.Metadata["calendarIndex"])
	assert.Equal(t, map[string]string{"team": "team-sync", "primary": "prim-sync"},
		res.NewCursor.Metadata["syncTokens"])
}

func TestCalendarIncrementalUsesSyncToken(t *testing.T) {
	var gotSyncToken string
	var hadShowDeleted bool
	mux := http.NewServeMux()
	mux.HandleFunc("/calendar/v3/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		gotSyncToken = r.URL.Query().Get("syncToken")
		hadShowDeleted = r.URL.Query().Has("showDeleted")
		fmt.Fprint(w, `{"items": [], "nextSyncToken": "sync-2"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewCalendar(CalendarConfig{GoogleConfig: testGoogleConfig},
		option.WithEndpoint(srv.URL), option.WithHTTPClient(srv.Client()))
	res, err := c.Fetch(context.Background(), &cursorstore.Cursor{Metadata: map[string]any{
		"syncTokens": map[string]any{"primary": "sync-1"},
	}}, nil)
	require.NoError(t, err)

	assert.Equal(t, "sync-1", gotSyncToken)
	assert.False(t, hadShowDeleted, "sync token calls must not carry listing filters")
	assert.Empty(t, res.Documents)
	assert.False(t, res.HasMore)
	assert.Equal(t, map[string]string{"primary": "sync-2"}, res.NewCursor.Metadata["syncTokens"])
}

func TestCalendarExpiredSyncTokenRelists(t *testing.T) {
	var calls []string
	mux := http.NewServeMux()
	mux.HandleFunc("/calendar/v3/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		tok := r.URL.Query().Get("syncToken")
		calls = append(calls, tok)
		if tok != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusGone)
			fmt.Fprint(w, `{"error": {"code": 410, "message": "Sync token is no longer valid"}}`)
			return
		}
		fmt.Fprint(w, `{"items": [{"id": "e1", "summary": "fresh"}], "nextSyncToken": "fresh-sync"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewCalendar(CalendarConfig{GoogleConfig: testGoogleConfig},
		option.WithEndpoint(srv.URL), option.WithHTTPClient(srv.Client()))
	res, err := c.Fetch(context.Background(), &cursorstore.Cursor{Metadata: map[string]any{
		"syncTokens": map[string]any{"primary": "stale"},
	}}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"stale", ""}, calls)
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "calendar_e1", res.Documents[0].ID)
	assert.Equal(t, map[string]string{"primary": "fresh-sync"}, res.NewCursor.Metadata["syncTokens"])
}

func TestCalendarDiscoverCalendars(t *testing.T) {
	var pageTokens []string
	mux := http.NewServeMux()
	mux.HandleFunc("/calendar/v3/users/me/calendarList", func(w http.ResponseWriter, r *http.Request) {
		pt := r.URL.Query().Get("pageToken")
		pageTokens = append(pageTokens, pt)
		if pt == "" {
			fmt.Fprint(w, `{"items": [{"id": "primary", "summary": "Dana"}], "nextPageToken": "pt2"}`)
			return
		}
		fmt.Fprint(w, `{"items": [{"id": "team@group.calendar.google.com", "summary": "Platform Team"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewCalendar(CalendarConfig{GoogleConfig: testGoogleConfig},
		option.WithEndpoint(srv.URL), option.WithHTTPClient(srv.Client()))
	resources, err := c.Discover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"", "pt2"}, pageTokens)
	assert.Equal(t, []Resource{
		{ID: "primary", Name: "Dana", Type: "calendar"},
		{ID: "team@group.calendar.google.com", Name: "Platform Team", Type: "calendar"},
	}, resources)
}

func TestDecodeCalendarPosition(t *testing.T) {
	assert.Equal(t, calendarPosition{}, decodeCalendarPosition(nil))
	assert.Equal(t, calendarPosition{}, decodeCalendarPosition(&cursorstore.Cursor{}))
	assert.Equal(t, calendarPosition{Index: 2, PageToken: "p"},
		decodeCalendarPosition(&cursorstore.Cursor{Metadata: map[string]any{
			"calendarIndex": float64(2),
			"pageToken":     "p",
		}}))
	assert.Equal(t, calendarPosition{Index: 3},
		decodeCalendarPosition(&cursorstore.Cursor{Metadata: map[string]any{
			"calendarIndex": 3,
		}}))
}

func TestStoredCalendarTokens(t *testing.T) {
	assert.Empty(t, storedCalendarTokens(nil))
	got := storedCalendarTokens(&cursorstore.Cursor{Metadata: map[string]any{
		"syncTokens": map[string]any{"a": "t1", "b": 7},
	}})
	assert.Equal(t, map[string]string{"a": "t1"}, got)
	got = storedCalendarTokens(&cursorstore.Cursor{Metadata: map[string]any{
		"syncTokens": map[string]string{"a": "t1"},
	}})
	assert.Equal(t, map[string]string{"a": "t1"}, got)
}

func TestEventTime(t *testing.T) {
	assert.Equal(t, "", eventTime(nil))
	assert.Equal(t, "2026-02-02T14:00:00Z",
		eventTime(&calendar.EventDateTime{DateTime: "2026-02-02T15:00:00+01:00"}))
	assert.Equal(t, "2026-02-02", eventTime(&calendar.EventDateTime{Date: "2026-02-02"}))
}
