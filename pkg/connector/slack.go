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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/magpielabs/magpie/pkg/cursorstore"
	"github.com/magpielabs/magpie/pkg/document"
	"github.com/magpielabs/magpie/pkg/httpclient"
)

const (
	slackHistoryPageSize = 100
	slackListPageSize    = 200
	slackRepliesLimit    = 100
)

// SlackConfig holds the bot token and the default channel filter. BaseURL
// is overridable for self-hosted gateways.
type SlackConfig struct {
	BotToken   string   `yaml:"bot_token,omitempty"`
	BaseURL    string   `yaml:"base_url,omitempty"`
	ChannelIDs []string `yaml:"channel_ids,omitempty"`
}

func (c SlackConfig) IsConfigured() bool { return c.BotToken != "" }

// SlackConnector walks channels one history page per batch, pulling thread
// replies for any parent seen on the page.
type SlackConnector struct {
	cfg     SlackConfig
	client  *httpclient.Client
	baseURL string

	mu          sync.Mutex
	channelInfo map[string]slackChannelRef
}

var _ Connector = (*SlackConnector)(nil)

func NewSlack(cfg SlackConfig) *SlackConnector {
	base := cfg.BaseURL
	if base == "" {
		base = "https://slack.com/api"
	}
	return &SlackConnector{
		cfg:         cfg,
		client:      httpclient.New(httpclient.WithHeaderParser(httpclient.ParseSlackHeaders)),
		baseURL:     strings.TrimSuffix(base, "/"),
		channelInfo: make(map[string]slackChannelRef),
	}
}

func (c *SlackConnector) SourceName() string { return string(document.SourceSlack) }

func (c *SlackConnector) IsConfigured() bool { return c.cfg.IsConfigured() }

// slackToken tracks position across batches. The channel list itself is
// re-resolved each batch so the cursor stays small.
type slackToken struct {
	ChannelIndex int    `json:"channelIndex"`
	Cursor       string `json:"cursor,omitempty"`
}

type slackChannelRef struct {
	ID      string
	Name    string
	Type    string
	User    string
	Private bool
}

type slackEnvelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type slackChannel struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	User      string `json:"user,omitempty"`
	IsChannel bool   `json:"is_channel"`
	IsGroup   bool   `json:"is_group"`
	IsIM      bool   `json:"is_im"`
	IsMpim    bool   `json:"is_mpim"`
	IsPrivate bool   `json:"is_private"`
}

type slackListResponse struct {
	slackEnvelope
	Channels         []slackChannel `json:"channels"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

type slackInfoResponse struct {
	slackEnvelope
	Channel slackChannel `json:"channel"`
}

type slackMessage struct {
	Type       string `json:"type"`
	Subtype    string `json:"subtype,omitempty"`
	TS         string `json:"ts"`
	User       string `json:"user,omitempty"`
	Text       string `json:"text"`
	ThreadTS   string `json:"thread_ts,omitempty"`
	ReplyCount int    `json:"reply_count,omitempty"`
}

type slackHistoryResponse struct {
	slackEnvelope
	Messages         []slackMessage `json:"messages"`
	HasMore          bool           `json:"has_more"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

func (c *SlackConnector) Fetch(ctx context.Context, cursor *cursorstore.Cursor, req *IndexRequest) (*Result, error) {
	if !c.IsConfigured() {
		return &Result{}, nil
	}

	var tok slackToken
	lastSync := ""
	if cursor != nil {
		lastSync = cursor.LastSync
		if cursor.SyncToken != "" {
			if err := json.Unmarshal([]byte(cursor.SyncToken), &tok); err != nil {
				tok = slackToken{}
			}
		}
	}

	filter := c.cfg.ChannelIDs
	if req != nil && len(req.ChannelIDs) > 0 {
		filter = req.ChannelIDs
	}
	channels, err := c.resolveChannels(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve slack channels: %w", err)
	}
	if tok.ChannelIndex >= len(channels) {
		return &Result{}, nil
	}
	channel := channels[tok.ChannelIndex]

	page, err := c.history(ctx, channel.ID, lastSync, tok.Cursor)
	if err != nil && tok.Cursor != "" && isSlackStale(err) {
		slog.Warn("Slack rejected saved page cursor, restarting channel",
			"channel", channel.ID, "error", err)
		tok.Cursor = ""
		page, err = c.history(ctx, channel.ID, lastSync, "")
	}
	if err != nil {
		return nil, fmt.Errorf("slack history failed for %s: %w", channel.ID, err)
	}

	var docs []document.Document
	batchLast := ""
	for i := len(page.Messages) - 1; i >= 0; i-- { // history is newest-first
		msg := page.Messages[i]
		if skipSlackMessage(msg) {
			continue
		}
		doc := slackDocument(channel, msg)
		batchLast = laterOf(batchLast, doc.Metadata.GetString("updatedAt"))
		docs = append(docs, doc)

		if msg.ReplyCount > 0 && msg.ThreadTS == msg.TS {
			replies, err := c.replies(ctx, channel.ID, msg.TS)
			if err != nil {
				slog.Warn("Failed to fetch slack thread replies",
					"channel", channel.ID, "thread", msg.TS, "error", err)
				continue
			}
			for _, reply := range replies {
				if reply.TS == msg.TS || skipSlackMessage(reply) {
					continue
				}
				replyDoc := slackDocument(channel, reply)
				batchLast = laterOf(batchLast, replyDoc.Metadata.GetString("updatedAt"))
				docs = append(docs, replyDoc)
			}
		}
	}

	next := slackToken{ChannelIndex: tok.ChannelIndex, Cursor: page.ResponseMetadata.NextCursor}
	if next.Cursor == "" {
		next.ChannelIndex++
	}
	result := &Result{
		Documents:     docs,
		HasMore:       next.Cursor != "" || next.ChannelIndex < len(channels),
		BatchLastSync: batchLast,
	}
	if result.HasMore {
		token, _ := json.Marshal(next)
		result.NewCursor.SyncToken = string(token)
	}
	return result, nil
}

// resolveChannels returns the session's channel set in a stable order,
// either the configured filter or every conversation the token can see.
func (c *SlackConnector) resolveChannels(ctx context.Context, filter []string) ([]slackChannelRef, error) {
	var out []slackChannelRef
	if len(filter) > 0 {
		for _, id := range filter {
			ref, err := c.channelByID(ctx, id)
			if err != nil {
				return nil, err
			}
			out = append(out, ref)
		}
	} else {
		cursor := ""
		for {
			var resp slackListResponse
			params := url.Values{
				"types":            {"public_channel,private_channel,mpim,im"},
				"exclude_archived": {"true"},
				"limit":            {fmt.Sprint(slackListPageSize)},
			}
			if cursor != "" {
				params.Set("cursor", cursor)
			}
			if err := c.call(ctx, "conversations.list", params, &resp); err != nil {
				return nil, err
			}
			for _, ch := range resp.Channels {
				out = append(out, channelRef(ch))
			}
			cursor = resp.ResponseMetadata.NextCursor
			if cursor == "" {
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *SlackConnector) channelByID(ctx context.Context, id string) (slackChannelRef, error) {
	c.mu.Lock()
	if ref, ok := c.channelInfo[id]; ok {
		c.mu.Unlock()
		return ref, nil
	}
	c.mu.Unlock()

	var resp slackInfoResponse
	params := url.Values{"channel": {id}}
	if err := c.call(ctx, "conversations.info", params, &resp); err != nil {
		return slackChannelRef{}, err
	}
	ref := channelRef(resp.Channel)

	c.mu.Lock()
	c.channelInfo[id] = ref
	c.mu.Unlock()
	return ref, nil
}

func (c *SlackConnector) history(ctx context.Context, channelID, lastSync, cursor string) (*slackHistoryResponse, error) {
	params := url.Values{
		"channel": {channelID},
		"limit":   {fmt.Sprint(slackHistoryPageSize)},
	}
	if ts, ok := document.ParseTimestamp(lastSync); ok {
		params.Set("oldest", fmt.Sprint(ts.Unix()))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	var resp slackHistoryResponse
	if err := c.call(ctx, "conversations.history", params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *SlackConnector) replies(ctx context.Context, channelID, threadTS string) ([]slackMessage, error) {
	params := url.Values{
		"channel": {channelID},
		"ts":      {threadTS},
		"limit":   {fmt.Sprint(slackRepliesLimit)},
	}
	var resp slackHistoryResponse
	if err := c.call(ctx, "conversations.replies", params, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// slackResponse is implemented by every Web API payload via the embedded
// envelope.
type slackResponse interface {
	ok() (bool, string)
}

// call issues a Slack Web API GET. Slack reports most failures as 200 with
// ok=false, so the envelope is checked after decoding.
func (c *SlackConnector) call(ctx context.Context, method string, params url.Values, out slackResponse) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.BotToken)
	endpoint := c.baseURL + "/" + method + "?" + params.Encode()
	if err := c.client.GetJSON(ctx, endpoint, header, out); err != nil {
		return err
	}
	if ok, apiErr := out.ok(); !ok {
		return &SlackAPIError{Method: method, Code: apiErr}
	}
	return nil
}

func (e slackEnvelope) ok() (bool, string) { return e.OK, e.Error }

// SlackAPIError is an ok=false response from the Slack Web API.
type SlackAPIError struct {
	Method string
	Code   string
}

func (e *SlackAPIError) Error() string {
	return fmt.Sprintf("slack %s failed: %s", e.Method, e.Code)
}

// isSlackStale covers both transport-level rejections and Slack's habit of
// reporting a dead cursor as ok=false on a 200.
func isSlackStale(err error) bool {
	var apiErr *SlackAPIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == "invalid_cursor"
	}
	return IsStaleToken(err)
}

// Discover lists every conversation the token can see.
func (c *SlackConnector) Discover(ctx context.Context) ([]Resource, error) {
	channels, err := c.resolveChannels(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Resource, 0, len(channels))
	for _, ch := range channels {
		out = append(out, Resource{ID: ch.ID, Name: ch.Name, Type: ch.Type})
	}
	return out, nil
}

func channelRef(ch slackChannel) slackChannelRef {
	ref := slackChannelRef{ID: ch.ID, Name: ch.Name, User: ch.User, Private: ch.IsPrivate}
	switch {
	case ch.IsIM:
		ref.Type = "dm"
		if ref.Name == "" {
			ref.Name = "DM-" + ch.User
		}
	case ch.IsMpim:
		ref.Type = "mpim"
	case ch.IsPrivate:
		ref.Type = "private"
	default:
		ref.Type = "public"
	}
	return ref
}

func skipSlackMessage(msg slackMessage) bool {
	if strings.TrimSpace(msg.Text) == "" {
		return true
	}
	switch msg.Subtype {
	case "channel_join", "channel_leave", "channel_topic", "channel_purpose":
		return true
	}
	return false
}

func slackDocument(channel slackChannelRef, msg slackMessage) document.Document {
	ts := normalizeTimestamp(msg.TS)
	meta := document.Metadata{
		"type":         "message",
		"channel":      channel.Name,
		"channelId":    channel.ID,
		"channel_type": channel.Type,
		"user":         msg.User,
		"timestamp":    ts,
		"createdAt":    ts,
		"updatedAt":    ts,
	}
	if msg.ThreadTS != "" {
		meta["threadTs"] = msg.ThreadTS
	}

	doc := document.Document{
		ID:       fmt.Sprintf("slack_%s_%s", channel.ID, msg.TS),
		Source:   document.SourceSlack,
		Content:  msg.Text,
		Metadata: meta,
	}
	doc.Normalize()
	return doc
}
