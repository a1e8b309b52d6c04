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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/magpielabs/magpie/pkg/cursorstore"
	"github.com/magpielabs/magpie/pkg/document"
)

const (
	gmailPageSize = 50

	// gmailModeList walks messages.list filtered by the saved watermark.
	// gmailModeHistory replays incremental changes from a history id.
	gmailModeList    = "list"
	gmailModeHistory = "history"
)

// GmailConfig extends the shared Google identity with default mailbox
// filters. Per-request settings override them.
type GmailConfig struct {
	GoogleConfig `yaml:",inline"`

	Settings GmailSettings `yaml:"settings,omitempty"`
}

// gmailToken tracks where an incremental sweep stands. A fresh mailbox
// starts in list mode; once the backlog is drained the connector pins the
// history id captured at the start of the sweep and replays changes from
// there on every later run.
type gmailToken struct {
	Mode      string `json:"mode"`
	PageToken string `json:"pageToken,omitempty"`
	HistoryID string `json:"historyId,omitempty"`
}

// GmailConnector indexes mailbox messages through the Gmail API.
type GmailConnector struct {
	cfg  GmailConfig
	opts []option.ClientOption
}

var _ Connector = (*GmailConnector)(nil)

// NewGmail builds a Gmail connector. Extra client options replace the
// configured OAuth identity, which lets tests aim at a local backend.
func NewGmail(cfg GmailConfig, opts ...option.ClientOption) *GmailConnector {
	return &GmailConnector{cfg: cfg, opts: opts}
}

func (c *GmailConnector) SourceName() string { return string(document.SourceGmail) }

func (c *GmailConnector) IsConfigured() bool { return c.cfg.IsConfigured() }

func (c *GmailConnector) Fetch(ctx context.Context, cursor *cursorstore.Cursor, req *IndexRequest) (*Result, error) {
	if !c.IsConfigured() {
		return &Result{}, nil
	}
	svc, err := gmail.NewService(ctx, serviceOptions(ctx, c.cfg.GoogleConfig, c.opts)...)
	if err != nil {
		return nil, fmt.Errorf("gmail client: %w", err)
	}

	var tok gmailToken
	var lastSync string
	if cursor != nil {
		lastSync = cursor.LastSync
		if cursor.SyncToken != "" {
			if err := json.Unmarshal([]byte(cursor.SyncToken), &tok); err != nil {
				tok = gmailToken{}
			}
		}
	}
	if tok.Mode == "" {
		tok.Mode = gmailModeList
	}

	settings := c.settings(req)
	if tok.Mode == gmailModeHistory {
		res, err := c.fetchHistory(ctx, svc, tok, settings)
		if err == nil || !isGoogleStale(err) {
			return res, err
		}
		// The saved history id aged out of Gmail's retention window.
		// Restart a list sweep from the watermark so nothing is lost.
		slog.Warn("Gmail history id expired, falling back to a list sweep", "historyId", tok.HistoryID)
		tok = gmailToken{Mode: gmailModeList}
	}
	return c.fetchList(ctx, svc, tok, settings, lastSync)
}

// fetchList pages through messages.list. The history id recorded on the
// first page becomes the replay point once the sweep completes.
func (c *GmailConnector) fetchList(ctx context.Context, svc *gmail.Service, tok gmailToken, settings GmailSettings, lastSync string) (*Result, error) {
	if tok.HistoryID == "" {
		profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("gmail profile: %w", err)
		}
		tok.HistoryID = strconv.FormatUint(profile.HistoryId, 10)
	}

	call := svc.Users.Messages.List("me").MaxResults(gmailPageSize).Context(ctx)
	if q := buildGmailQuery(settings, lastSync); q != "" {
		call = call.Q(q)
	}
	if tok.PageToken != "" {
		call = call.PageToken(tok.PageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("gmail list: %w", err)
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	docs, batchLast, err := c.fetchMessages(ctx, svc, ids)
	if err != nil {
		return nil, err
	}

	res := &Result{Documents: docs, BatchLastSync: batchLast}
	if resp.NextPageToken != "" {
		res.HasMore = true
		res.NewCursor.SyncToken = encodeToken(gmailToken{
			Mode:      gmailModeList,
			PageToken: resp.NextPageToken,
			HistoryID: tok.HistoryID,
		})
		return res, nil
	}
	// Backlog drained. Later runs replay changes from the pinned id.
	res.NewCursor.SyncToken = encodeToken(gmailToken{
		Mode:      gmailModeHistory,
		HistoryID: tok.HistoryID,
	})
	return res, nil
}

// fetchHistory replays messageAdded records accumulated since the pinned
// history id.
func (c *GmailConnector) fetchHistory(ctx context.Context, svc *gmail.Service, tok gmailToken, settings GmailSettings) (*Result, error) {
	start, err := strconv.ParseUint(tok.HistoryID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("gmail history id %q: %w", tok.HistoryID, err)
	}
	call := svc.Users.History.List("me").
		StartHistoryId(start).
		HistoryTypes("messageAdded").
		MaxResults(gmailPageSize).
		Context(ctx)
	if tok.PageToken != "" {
		call = call.PageToken(tok.PageToken)
	}
	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("gmail history: %w", err)
	}

	seen := make(map[string]bool)
	var ids []string
	for _, h := range resp.History {
		for _, added := range h.MessagesAdded {
			if added.Message == nil || seen[added.Message.Id] {
				continue
			}
			seen[added.Message.Id] = true
			ids = append(ids, added.Message.Id)
		}
	}
	docs, batchLast, err := c.fetchMessages(ctx, svc, ids)
	if err != nil {
		return nil, err
	}
	docs = filterGmailDocs(docs, settings)

	next := tok
	next.PageToken = resp.NextPageToken
	if resp.NextPageToken == "" && resp.HistoryId > 0 {
		next.HistoryID = strconv.FormatUint(resp.HistoryId, 10)
	}
	return &Result{
		Documents:     docs,
		BatchLastSync: batchLast,
		HasMore:       resp.NextPageToken != "",
		NewCursor:     NewCursor{SyncToken: encodeToken(next)},
	}, nil
}

// fetchMessages hydrates message ids into documents. Messages deleted
// between listing and fetching are skipped.
func (c *GmailConnector) fetchMessages(ctx context.Context, svc *gmail.Service, ids []string) ([]document.Document, string, error) {
	var docs []document.Document
	var batchLast string
	for _, id := range ids {
		msg, err := svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
		if err != nil {
			if googleStatus(err) == 404 {
				continue
			}
			return nil, "", fmt.Errorf("gmail message %s: %w", id, err)
		}
		doc := gmailDocument(msg)
		docs = append(docs, doc)
		batchLast = laterOf(batchLast, doc.Metadata.GetString("date"))
	}
	return docs, batchLast, nil
}

func (c *GmailConnector) settings(req *IndexRequest) GmailSettings {
	if req != nil && req.Gmail != nil && !req.Gmail.IsZero() {
		return *req.Gmail
	}
	return c.cfg.Settings
}

// Discover lists the mailbox labels.
func (c *GmailConnector) Discover(ctx context.Context) ([]Resource, error) {
	svc, err := gmail.NewService(ctx, serviceOptions(ctx, c.cfg.GoogleConfig, c.opts)...)
	if err != nil {
		return nil, fmt.Errorf("gmail client: %w", err)
	}
	resp, err := svc.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("gmail label list: %w", err)
	}
	out := make([]Resource, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		out = append(out, Resource{ID: l.Id, Name: l.Name, Type: "label"})
	}
	return out, nil
}

func gmailDocument(msg *gmail.Message) document.Document {
	headers := make(map[string]string)
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			headers[strings.ToLower(h.Name)] = h.Value
		}
	}

	ts := time.UnixMilli(msg.InternalDate).UTC().Format(time.RFC3339)
	meta := document.Metadata{
		"type":      "email",
		"subject":   headers["subject"],
		"from":      headers["from"],
		"threadId":  msg.ThreadId,
		"date":      ts,
		"createdAt": ts,
		"updatedAt": ts,
	}
	if to := splitAddressList(headers["to"]); len(to) > 0 {
		meta["to"] = to
	}
	if cc := splitAddressList(headers["cc"]); len(cc) > 0 {
		meta["cc"] = cc
	}
	if len(msg.LabelIds) > 0 {
		meta["labels"] = msg.LabelIds
	}

	body := extractGmailBody(msg.Payload)
	if body == "" {
		body = msg.Snippet
	}
	doc := document.Document{
		ID:       "gmail_" + msg.Id,
		Source:   document.SourceGmail,
		Content:  body,
		Metadata: meta,
	}
	doc.Normalize()
	return doc
}

// extractGmailBody walks the MIME tree and returns the first text/plain
// part, falling back to stripped text/html.
func extractGmailBody(part *gmail.MessagePart) string {
	if part == nil {
		return ""
	}
	if plain := findGmailPart(part, "text/plain"); plain != "" {
		return plain
	}
	if html := findGmailPart(part, "text/html"); html != "" {
		return stripXHTML(html)
	}
	return ""
}

func findGmailPart(part *gmail.MessagePart, mimeType string) string {
	if part.MimeType == mimeType && part.Body != nil && part.Body.Data != "" {
		return decodeGmailData(part.Body.Data)
	}
	for _, child := range part.Parts {
		if text := findGmailPart(child, mimeType); text != "" {
			return text
		}
	}
	return ""
}

// decodeGmailData decodes the URL-safe base64 Gmail uses for part bodies.
func decodeGmailData(data string) string {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(raw)
}

func splitAddressList(header string) []string {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// buildGmailQuery renders mailbox filters as a Gmail search expression.
// Terms within a group are alternatives, groups must all match.
func buildGmailQuery(settings GmailSettings, lastSync string) string {
	var groups []string
	if terms := orGroup(settings.Domains, func(d string) string { return "from:*@" + d }); terms != "" {
		groups = append(groups, terms)
	}
	if terms := orGroup(settings.Senders, func(s string) string { return "from:" + s }); terms != "" {
		groups = append(groups, terms)
	}
	if terms := orGroup(settings.Labels, func(l string) string { return "label:" + l }); terms != "" {
		groups = append(groups, terms)
	}
	if t, ok := document.ParseTimestamp(lastSync); ok {
		groups = append(groups, fmt.Sprintf("after:%d", t.Unix()))
	}
	return strings.Join(groups, " ")
}

func orGroup(values []string, render func(string) string) string {
	var terms []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			terms = append(terms, render(v))
		}
	}
	switch len(terms) {
	case 0:
		return ""
	case 1:
		return terms[0]
	default:
		return "(" + strings.Join(terms, " OR ") + ")"
	}
}

// filterGmailDocs applies mailbox filters to history results, which the
// API cannot filter server-side.
func filterGmailDocs(docs []document.Document, settings GmailSettings) []document.Document {
	if settings.IsZero() {
		return docs
	}
	out := docs[:0]
	for _, doc := range docs {
		if gmailDocMatches(doc, settings) {
			out = append(out, doc)
		}
	}
	return out
}

// gmailDocMatches mirrors the search expression: alternatives within a
// group, every configured group required.
func gmailDocMatches(doc document.Document, settings GmailSettings) bool {
	from := strings.ToLower(doc.Metadata.GetString("from"))
	if len(settings.Domains) > 0 && !anyMatch(settings.Domains, func(d string) bool {
		return strings.Contains(from, "@"+strings.ToLower(d))
	}) {
		return false
	}
	if len(settings.Senders) > 0 && !anyMatch(settings.Senders, func(s string) bool {
		return s != "" && strings.Contains(from, strings.ToLower(s))
	}) {
		return false
	}
	if len(settings.Labels) > 0 {
		labels := doc.Metadata.GetStringSlice("labels")
		if !anyMatch(settings.Labels, func(want string) bool {
			for _, l := range labels {
				if strings.EqualFold(l, want) {
					return true
				}
			}
			return false
		}) {
			return false
		}
	}
	return true
}

func anyMatch(values []string, match func(string) bool) bool {
	for _, v := range values {
		if match(v) {
			return true
		}
	}
	return false
}

func encodeToken(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
