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

package connector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/magpielabs/magpie/pkg/cursorstore"
	"github.com/magpielabs/magpie/pkg/document"
)

const calendarPageSize = 100

// CalendarConfig extends the shared Google identity with the calendars to
// index. Empty means the identity's primary calendar.
type CalendarConfig struct {
	GoogleConfig `yaml:",inline"`

	CalendarIDs []string `yaml:"calendar_ids,omitempty"`
}

// CalendarConnector indexes events through the Google Calendar API.
//
// Position is tracked in cursor metadata rather than the sync token:
// `calendarIndex` and `pageToken` locate the in-flight sweep, and
// `syncTokens` maps each calendar id to the incremental token captured at
// the end of its last full listing. The listing stays unfiltered because
// the backend withholds nextSyncToken from filtered queries.
type CalendarConnector struct {
	cfg  CalendarConfig
	opts []option.ClientOption
}

var _ Connector = (*CalendarConnector)(nil)

type calendarPosition struct {
	Index     int
	PageToken string
}

// NewCalendar builds a Calendar connector. Extra client options replace
// the configured OAuth identity, which lets tests aim at a local backend.
func NewCalendar(cfg CalendarConfig, opts ...option.ClientOption) *CalendarConnector {
	return &CalendarConnector{cfg: cfg, opts: opts}
}

func (c *CalendarConnector) SourceName() string { return string(document.SourceCalendar) }

func (c *CalendarConnector) IsConfigured() bool { return c.cfg.IsConfigured() }

func (c *CalendarConnector) Fetch(ctx context.Context, cursor *cursorstore.Cursor, req *IndexRequest) (*Result, error) {
	if !c.IsConfigured() {
		return &Result{}, nil
	}
	svc, err := calendar.NewService(ctx, serviceOptions(ctx, c.cfg.GoogleConfig, c.opts)...)
	if err != nil {
		return nil, fmt.Errorf("calendar client: %w", err)
	}

	calendars := c.calendarIDs(req)
	pos := decodeCalendarPosition(cursor)
	tokens := storedCalendarTokens(cursor)
	if pos.Index >= len(calendars) {
		// The calendar list shrank since the position was saved.
		pos = calendarPosition{}
	}

	calID := calendars[pos.Index]
	syncTok := tokens[calID]
	resp, err := c.listEvents(ctx, svc, calID, pos.PageToken, syncTok)
	if err != nil && syncTok != "" && googleStatus(err) == 410 {
		// The incremental token aged out. Drop it and re-list the
		// calendar; a fresh token arrives on the last page.
		slog.Warn("Calendar sync token expired, relisting calendar", "calendarId", calID)
		delete(tokens, calID)
		resp, err = c.listEvents(ctx, svc, calID, "", "")
	}
	if err != nil {
		return nil, fmt.Errorf("calendar events for %s: %w", calID, err)
	}

	var docs []document.Document
	var batchLast string
	for _, ev := range resp.Items {
		if ev.Status == "cancelled" {
			continue
		}
		doc := c.calendarDocument(calID, ev)
		docs = append(docs, doc)
		batchLast = laterOf(batchLast, doc.Metadata.GetString("start"))
	}

	next := calendarPosition{Index: pos.Index}
	hasMore := true
	switch {
	case resp.NextPageToken != "":
		next.PageToken = resp.NextPageToken
	default:
		if resp.NextSyncToken != "" {
			tokens[calID] = resp.NextSyncToken
		}
		next.Index++
		if next.Index >= len(calendars) {
			// Sweep complete. Rewind so the next run starts over.
			next = calendarPosition{}
			hasMore = false
		}
	}

	return &Result{
		Documents:     docs,
		HasMore:       hasMore,
		BatchLastSync: batchLast,
		NewCursor: NewCursor{Metadata: map[string]any{
			"calendarIndex": next.Index,
			"pageToken":     next.PageToken,
			"syncTokens":    tokens,
		}},
	}, nil
}

func (c *CalendarConnector) calendarIDs(req *IndexRequest) []string {
	if req != nil && len(req.CalendarIDs) > 0 {
		return req.CalendarIDs
	}
	if len(c.cfg.CalendarIDs) > 0 {
		return c.cfg.CalendarIDs
	}
	return []string{"primary"}
}

// Discover lists the calendars on the identity's calendar list.
func (c *CalendarConnector) Discover(ctx context.Context) ([]Resource, error) {
	svc, err := calendar.NewService(ctx, serviceOptions(ctx, c.cfg.GoogleConfig, c.opts)...)
	if err != nil {
		return nil, fmt.Errorf("calendar client: %w", err)
	}
	var out []Resource
	pageToken := ""
	for {
		call := svc.CalendarList.List().Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("calendar list: %w", err)
		}
		for _, item := range resp.Items {
			out = append(out, Resource{ID: item.Id, Name: item.Summary, Type: "calendar"})
		}
		if resp.NextPageToken == "" {
			return out, nil
		}
		pageToken = resp.NextPageToken
	}
}

func (c *CalendarConnector) listEvents(ctx context.Context, svc *calendar.Service, calID, pageToken, syncToken string) (*calendar.Events, error) {
	call := svc.Events.List(calID).MaxResults(calendarPageSize).Context(ctx)
	if syncToken != "" {
		call = call.SyncToken(syncToken)
	} else {
		call = call.ShowDeleted(false)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Do()
}

func (c *CalendarConnector) calendarDocument(calID string, ev *calendar.Event) document.Document {
	attendees := make([]string, 0, len(ev.Attendees))
	for _, a := range ev.Attendees {
		if a.Email != "" {
			attendees = append(attendees, a.Email)
		}
	}

	meta := document.Metadata{
		"type":       "event",
		"title":      ev.Summary,
		"calendarId": calID,
		"start":      eventTime(ev.Start),
		"createdAt":  normalizeTimestamp(ev.Created),
		"updatedAt":  normalizeTimestamp(ev.Updated),
	}
	if end := eventTime(ev.End); end != "" {
		meta["end"] = end
	}
	if ev.Location != "" {
		meta["location"] = ev.Location
	}
	if ev.HtmlLink != "" {
		meta["url"] = ev.HtmlLink
	}
	if ev.Organizer != nil {
		meta["organizer"] = ev.Organizer.Email
		meta["isOrganizer"] = ev.Organizer.Self ||
			(c.cfg.UserEmail != "" && strings.EqualFold(ev.Organizer.Email, c.cfg.UserEmail))
	}
	if len(attendees) > 0 {
		meta["attendees"] = attendees
		meta["attendeeCount"] = float64(len(attendees))
	}

	doc := document.Document{
		ID:       "calendar_" + ev.Id,
		Source:   document.SourceCalendar,
		Content:  renderCalendarContent(ev, attendees),
		Metadata: meta,
	}
	doc.Normalize()
	return doc
}

// eventTime renders either bound of an event. All-day events carry a bare
// date, timed events an RFC3339 stamp.
func eventTime(t *calendar.EventDateTime) string {
	if t == nil {
		return ""
	}
	if t.DateTime != "" {
		return normalizeTimestamp(t.DateTime)
	}
	return t.Date
}

func renderCalendarContent(ev *calendar.Event, attendees []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", ev.Summary)
	if ev.Description != "" {
		b.WriteString("\n" + ev.Description + "\n")
	}
	if ev.Location != "" {
		b.WriteString("\nWhere: " + ev.Location + "\n")
	}
	if len(attendees) > 0 {
		b.WriteString("\nWho: " + strings.Join(attendees, ", ") + "\n")
	}
	return strings.TrimSpace(b.String())
}

func decodeCalendarPosition(cursor *cursorstore.Cursor) calendarPosition {
	var pos calendarPosition
	if cursor == nil || cursor.Metadata == nil {
		return pos
	}
	switch n := cursor.Metadata["calendarIndex"].(type) {
	case float64:
		pos.Index = int(n)
	case int:
		pos.Index = n
	}
	if s, ok := cursor.Metadata["pageToken"].(string); ok {
		pos.PageToken = s
	}
	return pos
}

// storedCalendarTokens reads the per-calendar sync token map, tolerating
// the map[string]any shape a JSON round trip produces.
func storedCalendarTokens(cursor *cursorstore.Cursor) map[string]string {
	out := make(map[string]string)
	if cursor == nil || cursor.Metadata == nil {
		return out
	}
	switch raw := cursor.Metadata["syncTokens"].(type) {
	case map[string]string:
		for k, v := range raw {
			out[k] = v
		}
	case map[string]any:
		for k, v := range raw {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}
