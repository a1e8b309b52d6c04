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
	"net/http"
	"strings"
	"time"

	"github.com/magpielabs/magpie/pkg/cursorstore"
	"github.com/magpielabs/magpie/pkg/document"
	"github.com/magpielabs/magpie/pkg/httpclient"
)

const jiraPageSize = 50

// JiraConfig holds Jira Cloud credentials and the default project filter.
type JiraConfig struct {
	BaseURL     string   `yaml:"base_url,omitempty"`
	Username    string   `yaml:"username,omitempty"`
	APIToken    string   `yaml:"api_token,omitempty"`
	ProjectKeys []string `yaml:"project_keys,omitempty"`
}

func (c JiraConfig) IsConfigured() bool {
	return c.BaseURL != "" && c.Username != "" && c.APIToken != ""
}

// JiraConnector pages issues ordered by update time through the search API.
type JiraConnector struct {
	cfg    JiraConfig
	client *httpclient.Client
}

var _ Connector = (*JiraConnector)(nil)

func NewJira(cfg JiraConfig) *JiraConnector {
	return &JiraConnector{
		cfg:    cfg,
		client: httpclient.New(httpclient.WithHeaderParser(httpclient.ParseAtlassianHeaders)),
	}
}

func (c *JiraConnector) SourceName() string { return string(document.SourceJira) }

func (c *JiraConnector) IsConfigured() bool { return c.cfg.IsConfigured() }

// jiraToken is the paging offset carried between batches.
type jiraToken struct {
	StartAt int `json:"startAt"`
}

type jiraSearchResponse struct {
	StartAt int         `json:"startAt"`
	Total   int         `json:"total"`
	Issues  []jiraIssue `json:"issues"`
}

type jiraIssue struct {
	Key    string     `json:"key"`
	Fields jiraFields `json:"fields"`
}

type jiraFields struct {
	Summary     string        `json:"summary"`
	Description string        `json:"description"`
	Created     string        `json:"created"`
	Updated     string        `json:"updated"`
	Labels      []string      `json:"labels"`
	Status      *jiraNamed    `json:"status"`
	Priority    *jiraNamed    `json:"priority"`
	IssueType   *jiraNamed    `json:"issuetype"`
	Assignee    *jiraUser     `json:"assignee"`
	Reporter    *jiraUser     `json:"reporter"`
	Project     *jiraProject  `json:"project"`
	Parent      *jiraParent   `json:"parent"`
	Comment     *jiraComments `json:"comment"`
}

type jiraNamed struct {
	Name string `json:"name"`
}

type jiraUser struct {
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
}

type jiraProject struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type jiraParent struct {
	Key string `json:"key"`
}

type jiraComments struct {
	Comments []jiraComment `json:"comments"`
}

type jiraComment struct {
	Author  jiraUser `json:"author"`
	Body    string   `json:"body"`
	Created string   `json:"created"`
}

func (c *JiraConnector) Fetch(ctx context.Context, cursor *cursorstore.Cursor, req *IndexRequest) (*Result, error) {
	if !c.IsConfigured() {
		return &Result{}, nil
	}

	startAt := 0
	lastSync := ""
	if cursor != nil {
		lastSync = cursor.LastSync
		if cursor.SyncToken != "" {
			var tok jiraToken
			if err := json.Unmarshal([]byte(cursor.SyncToken), &tok); err == nil {
				startAt = tok.StartAt
			}
		}
	}

	projects := c.cfg.ProjectKeys
	if req != nil && len(req.ProjectKeys) > 0 {
		projects = req.ProjectKeys
	}
	jql := buildJiraJQL(projects, lastSync)

	page, err := c.search(ctx, jql, startAt)
	if err != nil && startAt > 0 && IsStaleToken(err) {
		slog.Warn("Jira rejected saved offset, restarting page scan", "startAt", startAt, "error", err)
		startAt = 0
		page, err = c.search(ctx, jql, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("jira search failed: %w", err)
	}

	docs := make([]document.Document, 0, len(page.Issues))
	batchLast := ""
	for _, issue := range page.Issues {
		doc := jiraDocument(c.cfg.BaseURL, issue)
		batchLast = laterOf(batchLast, doc.Metadata.GetString("updatedAt"))
		docs = append(docs, doc)
	}

	next := startAt + len(page.Issues)
	result := &Result{
		Documents:     docs,
		HasMore:       len(page.Issues) > 0 && next < page.Total,
		BatchLastSync: batchLast,
	}
	if result.HasMore {
		token, _ := json.Marshal(jiraToken{StartAt: next})
		result.NewCursor.SyncToken = string(token)
	}
	return result, nil
}

func (c *JiraConnector) search(ctx context.Context, jql string, startAt int) (*jiraSearchResponse, error) {
	body := map[string]any{
		"jql":        jql,
		"startAt":    startAt,
		"maxResults": jiraPageSize,
		"fields": []string{
			"summary", "description", "comment", "status", "priority",
			"assignee", "reporter", "created", "updated", "labels",
			"issuetype", "parent", "project",
		},
	}
	var out jiraSearchResponse
	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/rest/api/2/search"
	if err := c.client.PostJSON(ctx, url, c.authHeader(), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *JiraConnector) authHeader() http.Header {
	h := http.Header{}
	cred := base64.StdEncoding.EncodeToString([]byte(c.cfg.Username + ":" + c.cfg.APIToken))
	h.Set("Authorization", "Basic "+cred)
	return h
}

// Discover lists the site's projects.
func (c *JiraConnector) Discover(ctx context.Context) ([]Resource, error) {
	var projects []jiraProject
	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/rest/api/2/project"
	if err := c.client.GetJSON(ctx, url, c.authHeader(), &projects); err != nil {
		return nil, fmt.Errorf("jira project list: %w", err)
	}
	out := make([]Resource, 0, len(projects))
	for _, p := range projects {
		out = append(out, Resource{ID: p.Key, Name: p.Name, Type: "project"})
	}
	return out, nil
}

// buildJiraJQL composes the incremental query. Ascending update order keeps
// offset pages stable while the watermark advances.
func buildJiraJQL(projects []string, lastSync string) string {
	var clauses []string
	if len(projects) > 0 {
		quoted := make([]string, len(projects))
		for i, p := range projects {
			quoted[i] = fmt.Sprintf("%q", p)
		}
		clauses = append(clauses, fmt.Sprintf("project in (%s)", strings.Join(quoted, ",")))
	}
	if ts, ok := document.ParseTimestamp(lastSync); ok {
		clauses = append(clauses, fmt.Sprintf("updated >= %q", ts.UTC().Format("2006-01-02 15:04")))
	}
	jql := strings.Join(clauses, " AND ")
	if jql != "" {
		jql += " "
	}
	return jql + "order by updated asc"
}

func jiraDocument(baseURL string, issue jiraIssue) document.Document {
	f := issue.Fields
	meta := document.Metadata{
		"title":     f.Summary,
		"createdAt": normalizeTimestamp(f.Created),
		"updatedAt": normalizeTimestamp(f.Updated),
		"url":       strings.TrimSuffix(baseURL, "/") + "/browse/" + issue.Key,
	}
	if f.IssueType != nil {
		meta["type"] = f.IssueType.Name
	}
	if f.Project != nil {
		meta["project"] = f.Project.Key
	}
	if f.Status != nil {
		meta["status"] = f.Status.Name
	}
	if f.Priority != nil {
		meta["priority"] = f.Priority.Name
	}
	if f.Assignee != nil {
		meta["assignee"] = f.Assignee.DisplayName
	}
	if f.Reporter != nil {
		meta["reporter"] = f.Reporter.DisplayName
	}
	if len(f.Labels) > 0 {
		meta["labels"] = f.Labels
	}
	if f.Parent != nil {
		meta["parentId"] = "jira_" + f.Parent.Key
	}

	doc := document.Document{
		ID:       "jira_" + issue.Key,
		Source:   document.SourceJira,
		Content:  renderJiraContent(issue),
		Metadata: meta,
	}
	doc.Normalize()
	return doc
}

func renderJiraContent(issue jiraIssue) string {
	f := issue.Fields
	var b strings.Builder
	fmt.Fprintf(&b, "# %s: %s\n", issue.Key, f.Summary)
	if f.Description != "" {
		b.WriteString("\n" + f.Description + "\n")
	}
	if f.Comment != nil && len(f.Comment.Comments) > 0 {
		b.WriteString("\n## Comments\n")
		for _, comment := range f.Comment.Comments {
			fmt.Fprintf(&b, "\n**%s** (%s): %s\n",
				comment.Author.DisplayName, normalizeTimestamp(comment.Created), comment.Body)
		}
	}
	return b.String()
}

// normalizeTimestamp rewrites backend timestamps (Jira emits +0000 offsets
// without a colon) into RFC3339, leaving unparsable values untouched.
func normalizeTimestamp(value string) string {
	if value == "" {
		return ""
	}
	if ts, ok := document.ParseTimestamp(value); ok {
		return ts.UTC().Format(time.RFC3339)
	}
	return value
}
