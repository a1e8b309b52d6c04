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
	"html"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/magpielabs/magpie/pkg/cursorstore"
	"github.com/magpielabs/magpie/pkg/document"
	"github.com/magpielabs/magpie/pkg/httpclient"
)

const confluencePageSize = 50

// ConfluenceConfig holds Confluence Cloud credentials and the default
// space filter.
type ConfluenceConfig struct {
	BaseURL   string   `yaml:"base_url,omitempty"`
	Username  string   `yaml:"username,omitempty"`
	APIToken  string   `yaml:"api_token,omitempty"`
	SpaceKeys []string `yaml:"space_keys,omitempty"`
}

func (c ConfluenceConfig) IsConfigured() bool {
	return c.BaseURL != "" && c.Username != "" && c.APIToken != ""
}

// ConfluenceConnector pages content through CQL search. Confluence offset
// paging can loop when content changes mid-sweep, so ids seen during a
// sweep are tracked and a page of only repeats ends the sweep.
type ConfluenceConnector struct {
	cfg    ConfluenceConfig
	client *httpclient.Client

	mu   sync.Mutex
	seen map[string]bool
}

var _ Connector = (*ConfluenceConnector)(nil)

func NewConfluence(cfg ConfluenceConfig) *ConfluenceConnector {
	return &ConfluenceConnector{
		cfg:    cfg,
		client: httpclient.New(httpclient.WithHeaderParser(httpclient.ParseAtlassianHeaders)),
		seen:   make(map[string]bool),
	}
}

func (c *ConfluenceConnector) SourceName() string { return string(document.SourceConfluence) }

func (c *ConfluenceConnector) IsConfigured() bool { return c.cfg.IsConfigured() }

type confluenceToken struct {
	Start int `json:"start"`
}

type confluenceSearchResponse struct {
	Results []confluenceContent `json:"results"`
	Start   int                 `json:"start"`
	Limit   int                 `json:"limit"`
	Size    int                 `json:"size"`
}

type confluenceContent struct {
	ID        string              `json:"id"`
	Type      string              `json:"type"`
	Title     string              `json:"title"`
	Space     *confluenceSpace    `json:"space"`
	Body      *confluenceBody     `json:"body"`
	Version   *confluenceVersion  `json:"version"`
	History   *confluenceHistory  `json:"history"`
	Ancestors []confluenceRef     `json:"ancestors"`
	Container *confluenceRef      `json:"container"`
	Metadata  *confluenceMetadata `json:"metadata"`
	Links     map[string]string   `json:"_links"`
}

type confluenceSpace struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type confluenceBody struct {
	Storage struct {
		Value string `json:"value"`
	} `json:"storage"`
}

type confluenceVersion struct {
	When   string `json:"when"`
	Number int    `json:"number"`
}

type confluenceHistory struct {
	CreatedDate string `json:"createdDate"`
}

type confluenceRef struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

type confluenceMetadata struct {
	Labels struct {
		Results []struct {
			Name string `json:"name"`
		} `json:"results"`
	} `json:"labels"`
}

func (c *ConfluenceConnector) Fetch(ctx context.Context, cursor *cursorstore.Cursor, req *IndexRequest) (*Result, error) {
	if !c.IsConfigured() {
		return &Result{}, nil
	}

	var tok confluenceToken
	lastSync := ""
	if cursor != nil {
		lastSync = cursor.LastSync
		if cursor.SyncToken != "" {
			if err := json.Unmarshal([]byte(cursor.SyncToken), &tok); err != nil {
				tok = confluenceToken{}
			}
		}
	}
	if tok.Start == 0 {
		// Fresh sweep: forget the previous session's ids.
		c.mu.Lock()
		c.seen = make(map[string]bool)
		c.mu.Unlock()
	}

	spaces := c.cfg.SpaceKeys
	if req != nil && len(req.SpaceKeys) > 0 {
		spaces = req.SpaceKeys
	}
	cql := buildConfluenceCQL(spaces, lastSync)

	page, err := c.search(ctx, cql, tok.Start)
	if err != nil && tok.Start > 0 && IsStaleToken(err) {
		slog.Warn("Confluence rejected saved offset, restarting sweep", "start", tok.Start, "error", err)
		tok.Start = 0
		page, err = c.search(ctx, cql, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("confluence search failed: %w", err)
	}

	if len(page.Results) > 0 && c.allSeen(page.Results) {
		slog.Warn("Confluence page repeats already-indexed content, ending sweep",
			"start", tok.Start, "size", len(page.Results))
		return &Result{}, nil
	}

	var docs []document.Document
	batchLast := ""
	for _, content := range page.Results {
		if c.markSeen(content.ID) {
			continue
		}
		doc := confluenceDocument(c.cfg.BaseURL, content)
		batchLast = laterOf(batchLast, doc.Metadata.GetString("updatedAt"))
		docs = append(docs, doc)
	}

	result := &Result{
		Documents:     docs,
		HasMore:       len(page.Results) == confluencePageSize,
		BatchLastSync: batchLast,
	}
	if result.HasMore {
		token, _ := json.Marshal(confluenceToken{Start: tok.Start + len(page.Results)})
		result.NewCursor.SyncToken = string(token)
	}
	return result, nil
}

func (c *ConfluenceConnector) search(ctx context.Context, cql string, start int) (*confluenceSearchResponse, error) {
	params := url.Values{
		"cql":    {cql},
		"start":  {fmt.Sprint(start)},
		"limit":  {fmt.Sprint(confluencePageSize)},
		"expand": {"body.storage,space,version,ancestors,container,metadata.labels,history"},
	}
	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/rest/api/content/search?" + params.Encode()
	var out confluenceSearchResponse
	if err := c.client.GetJSON(ctx, endpoint, c.authHeader(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *ConfluenceConnector) authHeader() http.Header {
	h := http.Header{}
	cred := base64.StdEncoding.EncodeToString([]byte(c.cfg.Username + ":" + c.cfg.APIToken))
	h.Set("Authorization", "Basic "+cred)
	return h
}

type confluenceSpaceList struct {
	Results []confluenceSpace `json:"results"`
	Size    int               `json:"size"`
	Limit   int               `json:"limit"`
}

// Discover lists the site's spaces.
func (c *ConfluenceConnector) Discover(ctx context.Context) ([]Resource, error) {
	var out []Resource
	start := 0
	for {
		params := url.Values{
			"start": {fmt.Sprint(start)},
			"limit": {fmt.Sprint(confluencePageSize)},
		}
		endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/rest/api/space?" + params.Encode()
		var page confluenceSpaceList
		if err := c.client.GetJSON(ctx, endpoint, c.authHeader(), &page); err != nil {
			return nil, fmt.Errorf("confluence space list: %w", err)
		}
		for _, s := range page.Results {
			out = append(out, Resource{ID: s.Key, Name: s.Name, Type: "space"})
		}
		if page.Size < confluencePageSize || len(page.Results) == 0 {
			return out, nil
		}
		start += page.Size
	}
}

func (c *ConfluenceConnector) allSeen(results []confluenceContent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range results {
		if !c.seen[r.ID] {
			return false
		}
	}
	return true
}

// markSeen records the id and reports whether it was already present.
func (c *ConfluenceConnector) markSeen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen[id] {
		return true
	}
	c.seen[id] = true
	return false
}

func buildConfluenceCQL(spaces []string, lastSync string) string {
	clauses := []string{"type in (page, blogpost, comment)"}
	if len(spaces) > 0 {
		quoted := make([]string, len(spaces))
		for i, s := range spaces {
			quoted[i] = fmt.Sprintf("%q", s)
		}
		clauses = append(clauses, fmt.Sprintf("space in (%s)", strings.Join(quoted, ",")))
	}
	if ts, ok := document.ParseTimestamp(lastSync); ok {
		clauses = append(clauses, fmt.Sprintf("lastModified >= %q", ts.UTC().Format("2006-01-02 15:04")))
	}
	return strings.Join(clauses, " AND ") + " order by lastmodified asc"
}

func confluenceDocument(baseURL string, content confluenceContent) document.Document {
	meta := document.Metadata{
		"title": content.Title,
		"type":  content.Type,
	}
	if content.Space != nil {
		meta["space"] = content.Space.Key
	}
	if content.Version != nil {
		meta["updatedAt"] = normalizeTimestamp(content.Version.When)
	}
	if content.History != nil && content.History.CreatedDate != "" {
		meta["createdAt"] = normalizeTimestamp(content.History.CreatedDate)
	}
	if content.Type == "comment" {
		if content.Container != nil {
			meta["parentId"] = content.Container.ID
		}
	} else if len(content.Ancestors) > 0 {
		meta["parentId"] = content.Ancestors[len(content.Ancestors)-1].ID
	}
	meta["hierarchy_depth"] = float64(len(content.Ancestors))
	if content.Metadata != nil {
		var labels []string
		for _, l := range content.Metadata.Labels.Results {
			labels = append(labels, l.Name)
		}
		if len(labels) > 0 {
			meta["labels"] = labels
		}
	}
	if webui := content.Links["webui"]; webui != "" {
		meta["url"] = strings.TrimSuffix(baseURL, "/") + webui
	}

	body := ""
	if content.Body != nil {
		body = stripXHTML(content.Body.Storage.Value)
	}
	text := "# " + content.Title
	if body != "" {
		text += "\n\n" + body
	}

	doc := document.Document{
		ID:       "confluence_" + content.ID,
		Source:   document.SourceConfluence,
		Content:  text,
		Metadata: meta,
	}
	doc.Normalize()
	return doc
}

var (
	xhtmlBlockEnd = regexp.MustCompile(`(?i)</(?:p|div|h[1-6]|li|tr|table)>|<br ?/?>`)
	xhtmlTag      = regexp.MustCompile(`<[^>]*>`)
	blankRuns     = regexp.MustCompile(`\n{3,}`)
)

// stripXHTML renders Confluence storage-format markup down to plain text,
// keeping block boundaries as line breaks.
func stripXHTML(s string) string {
	if s == "" {
		return ""
	}
	s = xhtmlBlockEnd.ReplaceAllString(s, "\n")
	s = xhtmlTag.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
