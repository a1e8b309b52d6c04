package connector

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/magpielabs/magpie/pkg/cursorstore"
	"github.com/magpielabs/magpie/pkg/document"
)

var testGoogleConfig = GoogleConfig{
	ClientID:     "client-id",
	ClientSecret: "client-secret",
	RefreshToken: "refresh-token",
	UserEmail:    "me@acme.com",
}

// gmailMessageJSON renders a full-format message with a plain text part.
// internalDate is epoch millis; the API serializes it as a string.
func gmailMessageJSON(id, from, subject, body string, internalDate int64) string {
	data := base64.RawURLEncoding.EncodeToString([]byte(body))
	return fmt.Sprintf(`{
		"id": %q,
		"threadId": "thread-%s",
		"internalDate": "%d",
		"labelIds": ["INBOX", "IMPORTANT"],
		"snippet": "snippet text",
		"payload": {
			"mimeType": "multipart/alternative",
			"headers": [
				{"name": "Subject", "value": %q},
				{"name": "From", "value": %q},
				{"name": "To", "value": "dana@acme.com, ravi@acme.com"},
				{"name": "Cc", "value": "lee@acme.com"}
			],
			"parts": [{"mimeType": "text/plain", "body": {"data": %q}}]
		}
	}`, id, id, internalDate, subject, from, data)
}

func TestGmailNotConfigured(t *testing.T) {
	c := NewGmail(GmailConfig{})
	res, err := c.Fetch(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Documents)
	assert.False(t, res.HasMore)
}

func TestGmailListSweepPinsHistoryID(t *testing.T) {
	var gotQuery, gotMax string
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"emailAddress": "me@acme.com", "historyId": "2000"}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotMax = r.URL.Query().Get("maxResults")
		fmt.Fprint(w, `{"messages": [{"id": "m1"}]}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "full", r.URL.Query().Get("format"))
		fmt.Fprint(w, gmailMessageJSON("m1", "Dana Moore <dana@partner.io>", "Q1 roadmap", "Here is the plan.", 1767261600000))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := GmailConfig{GoogleConfig: testGoogleConfig, Settings: GmailSettings{Domains: []string{"partner.io"}}}
	c := NewGmail(cfg, option.WithEndpoint(srv.URL), option.WithHTTPClient(srv.Client()))
	res, err := c.Fetch(context.Background(), &cursorstore.Cursor{LastSync: "2026-01-01T00:00:00Z"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "from:*@partner.io after:1767225600", gotQuery)
	assert.Equal(t, "50", gotMax)

	require.Len(t, res.Documents, 1)
	doc := res.Documents[0]
	assert.Equal(t, "gmail_m1", doc.ID)
	assert.Equal(t, document.SourceGmail, doc.Source)
	assert.Equal(t, "Q1 roadmap", doc.Metadata.GetString("subject"))
	assert.Equal(t, "Dana Moore <dana@partner.io>", doc.Metadata.GetString("from"))
	assert.Equal(t, []string{"dana@acme.com", "ravi@acme.com"}, doc.Metadata.GetStringSlice("to"))
	assert.Equal(t, []string{"lee@acme.com"}, doc.Metadata.GetStringSlice("cc"))
	assert.Equal(t, []string{"INBOX", "IMPORTANT"}, doc.Metadata.GetStringSlice("labels"))
	assert.Equal(t, "thread-m1", doc.Metadata.GetString("threadId"))
	assert.Equal(t, "2026-01-01T10:00:00Z", doc.Metadata.GetString("date"))
	assert.Equal(t, "email", doc.Metadata.GetString("type"))
	assert.Equal(t, "Here is the plan.", doc.Content)

	assert.False(t, res.HasMore)
	assert.JSONEq(t, `{"mode": "history", "historyId": "2000"}`, res.NewCursor.SyncToken)
	assert.Equal(t, "2026-01-01T10:00:00Z", res.BatchLastSync)
}

func TestGmailListPagination(t *testing.T) {
	profileCalls := 0
	var pageTokens []string
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		profileCalls++
		fmt.Fprint(w, `{"historyId": "2000"}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		pt := r.URL.Query().Get("pageToken")
		pageTokens = append(pageTokens, pt)
		if pt == "" {
			fmt.Fprint(w, `{"messages": [{"id": "m1"}], "nextPageToken": "page2"}`)
			return
		}
		fmt.Fprint(w, `{"messages": [{"id": "m2"}]}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/gmail/v1/users/me/messages/"):]
		fmt.Fprint(w, gmailMessageJSON(id, "a@b.io", "s", "b", 1767261600000))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewGmail(GmailConfig{GoogleConfig: testGoogleConfig},
		option.WithEndpoint(srv.URL), option.WithHTTPClient(srv.Client()))

	res, err := c.Fetch(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.True(t, res.HasMore)
	assert.JSONEq(t, `{"mode": "list", "pageToken": "page2", "historyId": "2000"}`, res.NewCursor.SyncToken)

	res, err = c.Fetch(context.Background(), &cursorstore.Cursor{SyncToken: res.NewCursor.SyncToken}, nil)
	require.NoError(t, err)
	assert.False(t, res.HasMore)
	assert.JSONEq(t, `{"mode": "history", "historyId": "2000"}`, res.NewCursor.SyncToken)

	// The history id is pinned once per sweep, on the first page.
	assert.Equal(t, 1, profileCalls)
	assert.Equal(t, []string{"", "page2"}, pageTokens)
}

func TestGmailHistoryReplayFilters(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2000", r.URL.Query().Get("startHistoryId"))
		assert.Equal(t, "messageAdded", r.URL.Query().Get("historyTypes"))
		fmt.Fprint(w, `{
			"historyId": "2500",
			"history": [
				{"messagesAdded": [{"message": {"id": "m7"}}, {"message": {"id": "m7"}}]},
				{"messagesAdded": [{"message": {"id": "m8"}}]}
			]
		}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/m7", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, gmailMessageJSON("m7", "dana@partner.io", "inside", "kept", 1767261600000))
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/m8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, gmailMessageJSON("m8", "spam@other.io", "outside", "dropped", 1767268800000))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := GmailConfig{GoogleConfig: testGoogleConfig, Settings: GmailSettings{Domains: []string{"partner.io"}}}
	c := NewGmail(cfg, option.WithEndpoint(srv.URL), option.WithHTTPClient(srv.Client()))
	res, err := c.Fetch(context.Background(),
		&cursorstore.Cursor{SyncToken: `{"mode": "history", "historyId": "2000"}`}, nil)
	require.NoError(t, err)

	// m7 is deduplicated across history records, m8 fails the domain filter.
	require.Len(t, res.Documents, 1)
	assert.Equal(t, "gmail_m7", res.Documents[0].ID)
	assert.False(t, res.HasMore)
	assert.JSONEq(t, `{"mode": "history", "historyId": "2500"}`, res.NewCursor.SyncToken)
	assert.Equal(t, "2026-01-01T12:00:00Z", res.BatchLastSync)
}

func TestGmailExpiredHistoryFallsBackToList(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error": {"code": 404, "message": "Start history ID is too old"}}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"historyId": "3000"}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"messages": [{"id": "m9"}]}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/m9", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, gmailMessageJSON("m9", "a@b.io", "s", "b", 1767261600000))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewGmail(GmailConfig{GoogleConfig: testGoogleConfig},
		option.WithEndpoint(srv.URL), option.WithHTTPClient(srv.Client()))
	res, err := c.Fetch(context.Background(),
		&cursorstore.Cursor{SyncToken: `{"mode": "history", "historyId": "1"}`}, nil)
	require.NoError(t, err)

	require.Len(t, res.Documents, 1)
	assert.Equal(t, "gmail_m9", res.Documents[0].ID)
	assert.JSONEq(t, `{"mode": "history", "historyId": "3000"}`, res.NewCursor.SyncToken)
}

func TestGmailSkipsDeletedMessages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"historyId": "2000"}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"messages": [{"id": "gone"}, {"id": "kept"}]}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/gone", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error": {"code": 404, "message": "Not Found"}}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/kept", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, gmailMessageJSON("kept", "a@b.io", "s", "b", 1767261600000))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewGmail(GmailConfig{GoogleConfig: testGoogleConfig},
		option.WithEndpoint(srv.URL), option.WithHTTPClient(srv.Client()))
	res, err := c.Fetch(context.Background(), nil, nil)
	require.NoError(t, err)

	require.Len(t, res.Documents, 1)
	assert.Equal(t, "gmail_kept", res.Documents[0].ID)
}

func TestGmailDiscoverLabels(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/labels", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"labels": [
			{"id": "INBOX", "name": "INBOX", "type": "system"},
			{"id": "Label_7", "name": "vendor-contracts", "type": "user"}
		]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewGmail(GmailConfig{GoogleConfig: testGoogleConfig},
		option.WithEndpoint(srv.URL), option.WithHTTPClient(srv.Client()))
	resources, err := c.Discover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []Resource{
		{ID: "INBOX", Name: "INBOX", Type: "label"},
		{ID: "Label_7", Name: "vendor-contracts", Type: "label"},
	}, resources)
}

func TestBuildGmailQuery(t *testing.T) {
	tests := []struct {
		name     string
		settings GmailSettings
		lastSync string
		want     string
	}{
		{name: "empty", want: ""},
		{
			name:     "domains or-combined",
			settings: GmailSettings{Domains: []string{"a.com", "b.com"}},
			want:     "(from:*@a.com OR from:*@b.com)",
		},
		{
			name:     "groups and-combined",
			settings: GmailSettings{Senders: []string{"alice@a.com"}, Labels: []string{"x", "y"}},
			lastSync: "2026-01-01T00:00:00Z",
			want:     "from:alice@a.com (label:x OR label:y) after:1767225600",
		},
		{
			name:     "unparseable last sync ignored",
			lastSync: "nope",
			want:     "",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, buildGmailQuery(tc.settings, tc.lastSync))
		})
	}
}

func TestGmailDocMatches(t *testing.T) {
	doc := document.Document{Metadata: document.Metadata{
		"from":   "Dana Moore <dana@partner.io>",
		"labels": []string{"INBOX", "Work"},
	}}

	tests := []struct {
		name     string
		settings GmailSettings
		want     bool
	}{
		{name: "no filters", want: true},
		{name: "domain hit", settings: GmailSettings{Domains: []string{"partner.io"}}, want: true},
		{name: "domain miss", settings: GmailSettings{Domains: []string{"acme.com"}}, want: false},
		{name: "sender substring", settings: GmailSettings{Senders: []string{"DANA@partner.io"}}, want: true},
		{name: "label case-insensitive", settings: GmailSettings{Labels: []string{"work"}}, want: true},
		{
			name:     "all groups must match",
			settings: GmailSettings{Domains: []string{"partner.io"}, Labels: []string{"archive"}},
			want:     false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, gmailDocMatches(doc, tc.settings))
		})
	}
}

func TestExtractGmailBody(t *testing.T) {
	plain := base64.RawURLEncoding.EncodeToString([]byte("plain text"))
	htmlPart := base64.RawURLEncoding.EncodeToString([]byte("<p>rendered</p>"))

	tests := []struct {
		name string
		part *gmail.MessagePart
		want string
	}{
		{name: "nil", part: nil, want: ""},
		{
			name: "plain preferred over html",
			part: &gmail.MessagePart{
				MimeType: "multipart/alternative",
				Parts: []*gmail.MessagePart{
					{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: htmlPart}},
					{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: plain}},
				},
			},
			want: "plain text",
		},
		{
			name: "html stripped when no plain part",
			part: &gmail.MessagePart{
				MimeType: "multipart/alternative",
				Parts: []*gmail.MessagePart{
					{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: htmlPart}},
				},
			},
			want: "rendered",
		},
		{
			name: "deeply nested plain part",
			part: &gmail.MessagePart{
				MimeType: "multipart/mixed",
				Parts: []*gmail.MessagePart{{
					MimeType: "multipart/alternative",
					Parts: []*gmail.MessagePart{
						{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: plain}},
					},
				}},
			},
			want: "plain text",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, extractGmailBody(tc.part))
		})
	}
}

func TestSplitAddressList(t *testing.T) {
	assert.Nil(t, splitAddressList(""))
	assert.Nil(t, splitAddressList("  "))
	assert.Equal(t, []string{"a@b.io"}, splitAddressList("a@b.io"))
	assert.Equal(t, []string{"Dana <a@b.io>", "c@d.io"}, splitAddressList("Dana <a@b.io>, c@d.io,"))
}
