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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/go-github/v45/github"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/magpielabs/magpie/pkg/cursorstore"
	"github.com/magpielabs/magpie/pkg/document"
	"github.com/magpielabs/magpie/pkg/fileproc"
)

const (
	githubPRPageSize      = 50
	githubFilesPerBatch   = 50
	githubFileConcurrency = 5
	githubFileDelay       = 200 * time.Millisecond
	githubMaxFileSize     = 512 << 10

	githubPhaseRepos = "repos"
	githubPhasePrs   = "prs"
	githubPhaseFiles = "files"
)

// Generated and dependency-managed paths carry no searchable signal.
var githubSkipDirectories = map[string]bool{
	".git": true, ".github": true, ".idea": true, ".vscode": true,
	"node_modules": true, "vendor": true, "dist": true, "build": true,
	"out": true, "target": true, "bin": true, "obj": true,
	"coverage": true, "__pycache__": true, ".next": true, ".venv": true,
}

var githubSkipExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true,
	".webp": true, ".svg": true, ".pdf": true, ".zip": true, ".tar": true,
	".gz": true, ".jar": true, ".exe": true, ".dll": true, ".so": true,
	".dylib": true, ".bin": true, ".wasm": true, ".class": true, ".pyc": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
	".mp3": true, ".mp4": true, ".mov": true, ".map": true,
}

var githubSkipFilenames = map[string]bool{
	"package-lock.json": true, "yarn.lock": true, "pnpm-lock.yaml": true,
	"go.sum": true, "Cargo.lock": true, "poetry.lock": true,
	"Pipfile.lock": true, "composer.lock": true, "Gemfile.lock": true,
	".DS_Store": true,
}

// GithubConfig authenticates with a personal access token. BaseURL points
// at a GitHub Enterprise instance or a test double.
type GithubConfig struct {
	Token    string   `yaml:"token,omitempty"`
	Username string   `yaml:"username,omitempty"`
	Repos    []string `yaml:"repos,omitempty"`
	BaseURL  string   `yaml:"base_url,omitempty"`
}

func (c GithubConfig) IsConfigured() bool { return c.Token != "" }

// githubToken walks repositories through three phases. The repository
// list and the pinned tree commit live in the token so every batch of a
// sweep sees the same inputs.
type githubToken struct {
	Repos     []string `json:"repos"`
	RepoIndex int      `json:"repoIndex"`
	Phase     string   `json:"phase"`
	Page      int      `json:"page,omitempty"`
	TreeSHA   string   `json:"treeSha,omitempty"`
	FileIndex int      `json:"fileIndex,omitempty"`
}

// GithubConnector indexes repositories, pull requests and source files.
// Each repository passes through the repos, prs and files phases in turn;
// the files phase is gated by the request's indexFiles flag.
type GithubConnector struct {
	cfg    GithubConfig
	proc   *fileproc.Processor
	client *github.Client
}

var _ Connector = (*GithubConnector)(nil)

// NewGithub builds a GitHub connector. The processor extracts text and
// chunks from fetched files and may be nil for raw file content.
func NewGithub(cfg GithubConfig, proc *fileproc.Processor) (*GithubConnector, error) {
	var hc *http.Client
	if cfg.Token != "" {
		hc = oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	}
	client := github.NewClient(hc)
	if cfg.BaseURL != "" {
		var err error
		client, err = github.NewEnterpriseClient(cfg.BaseURL, cfg.BaseURL, hc)
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
	}
	return &GithubConnector{cfg: cfg, proc: proc, client: client}, nil
}

func (c *GithubConnector) SourceName() string { return string(document.SourceGithub) }

func (c *GithubConnector) IsConfigured() bool { return c.cfg.IsConfigured() }

func (c *GithubConnector) Fetch(ctx context.Context, cursor *cursorstore.Cursor, req *IndexRequest) (*Result, error) {
	if !c.IsConfigured() {
		return &Result{}, nil
	}

	var tok githubToken
	var lastSync string
	if cursor != nil {
		lastSync = cursor.LastSync
		if cursor.SyncToken != "" {
			if err := json.Unmarshal([]byte(cursor.SyncToken), &tok); err != nil {
				tok = githubToken{}
			}
		}
	}
	if len(tok.Repos) == 0 {
		repos, err := c.resolveRepos(ctx, req)
		if err != nil {
			return nil, err
		}
		if len(repos) == 0 {
			return &Result{}, nil
		}
		tok = githubToken{Repos: repos, Phase: githubPhaseRepos}
	}
	if tok.RepoIndex >= len(tok.Repos) {
		return &Result{}, nil
	}

	owner, name, ok := splitRepo(tok.Repos[tok.RepoIndex])
	if !ok {
		slog.Warn("GitHub repository name is malformed, skipping", "repo", tok.Repos[tok.RepoIndex])
		next, hasMore := advanceRepo(tok)
		return githubResult(nil, "", next, hasMore), nil
	}

	switch tok.Phase {
	case githubPhasePrs:
		return c.fetchPRs(ctx, tok, owner, name, lastSync, req.FilesEnabled(true))
	case githubPhaseFiles:
		return c.fetchRepoFiles(ctx, tok, owner, name)
	default:
		return c.fetchRepo(ctx, tok, owner, name)
	}
}

func (c *GithubConnector) resolveRepos(ctx context.Context, req *IndexRequest) ([]string, error) {
	if req != nil && len(req.Repos) > 0 {
		return cloneStrings(req.Repos), nil
	}
	if len(c.cfg.Repos) > 0 {
		return cloneStrings(c.cfg.Repos), nil
	}
	repos, _, err := c.client.Repositories.List(ctx, "", &github.RepositoryListOptions{
		Sort:        "updated",
		ListOptions: github.ListOptions{PerPage: 100},
	})
	if err != nil {
		return nil, fmt.Errorf("github repo list: %w", err)
	}
	names := make([]string, 0, len(repos))
	for _, r := range repos {
		if !r.GetArchived() && r.GetFullName() != "" {
			names = append(names, r.GetFullName())
		}
	}
	return names, nil
}

// Discover lists the repositories visible to the token, ignoring the
// configured allowlist so pickers can widen it.
func (c *GithubConnector) Discover(ctx context.Context) ([]Resource, error) {
	repos, _, err := c.client.Repositories.List(ctx, "", &github.RepositoryListOptions{
		Sort:        "updated",
		ListOptions: github.ListOptions{PerPage: 100},
	})
	if err != nil {
		return nil, fmt.Errorf("github repo list: %w", err)
	}
	out := make([]Resource, 0, len(repos))
	for _, r := range repos {
		if r.GetFullName() == "" || r.GetArchived() {
			continue
		}
		out = append(out, Resource{ID: r.GetFullName(), Name: r.GetFullName(), Type: "repository"})
	}
	return out, nil
}

// fetchRepo indexes the repository itself plus its readme, then hands the
// machine to the pull request phase.
func (c *GithubConnector) fetchRepo(ctx context.Context, tok githubToken, owner, name string) (*Result, error) {
	repo, _, err := c.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		if githubStatus(err) == 404 {
			slog.Warn("GitHub repository inaccessible, skipping", "repo", owner+"/"+name)
			next, hasMore := advanceRepo(tok)
			return githubResult(nil, "", next, hasMore), nil
		}
		return nil, fmt.Errorf("github repo %s/%s: %w", owner, name, err)
	}
	readme := ""
	if rm, _, err := c.client.Repositories.GetReadme(ctx, owner, name, nil); err == nil {
		if text, err := rm.GetContent(); err == nil {
			readme = text
		}
	}

	doc := githubRepoDocument(repo, readme)
	next := tok
	next.Phase = githubPhasePrs
	next.Page = 1
	return githubResult([]document.Document{doc}, githubTime(repo.GetUpdatedAt().Time), next, true), nil
}

// fetchPRs pages pull requests newest-first and stops at the watermark,
// then hands the machine to the files phase or the next repository.
func (c *GithubConnector) fetchPRs(ctx context.Context, tok githubToken, owner, name, lastSync string, filesEnabled bool) (*Result, error) {
	page := tok.Page
	if page < 1 {
		page = 1
	}
	prs, resp, err := c.client.PullRequests.List(ctx, owner, name, &github.PullRequestListOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{Page: page, PerPage: githubPRPageSize},
	})
	if err != nil {
		return nil, fmt.Errorf("github pulls %s/%s: %w", owner, name, err)
	}

	watermark, hasWatermark := document.ParseTimestamp(lastSync)
	repoDocID := "github_repo_" + owner + "/" + name
	var docs []document.Document
	var batchLast string
	caughtUp := false
	for _, pr := range prs {
		if hasWatermark && pr.GetUpdatedAt().Before(watermark) {
			// Sorted newest-first, everything after this is older.
			caughtUp = true
			break
		}
		doc := githubPRDocument(owner, name, pr, repoDocID)
		docs = append(docs, doc)
		batchLast = laterOf(batchLast, doc.Metadata.GetString("updatedAt"))
	}

	next := tok
	if !caughtUp && resp.NextPage > 0 {
		next.Page = resp.NextPage
		return githubResult(docs, batchLast, next, true), nil
	}
	if filesEnabled {
		next.Phase = githubPhaseFiles
		next.Page = 0
		next.TreeSHA = ""
		next.FileIndex = 0
		return githubResult(docs, batchLast, next, true), nil
	}
	nextTok, hasMore := advanceRepo(tok)
	return githubResult(docs, batchLast, nextTok, hasMore), nil
}

// fetchRepoFiles walks the tree pinned at the repository's head commit.
// The pin keeps the filtered file list identical across batches even when
// the branch moves mid-sweep.
func (c *GithubConnector) fetchRepoFiles(ctx context.Context, tok githubToken, owner, name string) (*Result, error) {
	if tok.TreeSHA == "" {
		sha, err := c.headCommit(ctx, owner, name)
		if err != nil {
			return nil, err
		}
		tok.TreeSHA = sha
	}
	tree, _, err := c.client.Git.GetTree(ctx, owner, name, tok.TreeSHA, true)
	if err != nil && (githubStatus(err) == 404 || githubStatus(err) == 422) {
		// The pinned commit was force-pushed away. Re-pin and restart
		// this repository's file walk.
		slog.Warn("GitHub tree vanished, re-pinning head", "repo", owner+"/"+name)
		sha, herr := c.headCommit(ctx, owner, name)
		if herr != nil {
			return nil, herr
		}
		tok.TreeSHA = sha
		tok.FileIndex = 0
		tree, _, err = c.client.Git.GetTree(ctx, owner, name, sha, true)
	}
	if err != nil {
		return nil, fmt.Errorf("github tree %s/%s: %w", owner, name, err)
	}

	entries := filterTreeEntries(tree.Entries)
	if tok.FileIndex >= len(entries) {
		next, hasMore := advanceRepo(tok)
		return githubResult(nil, "", next, hasMore), nil
	}
	end := min(tok.FileIndex+githubFilesPerBatch, len(entries))
	repoDocID := "github_repo_" + owner + "/" + name
	docs, err := c.fetchFiles(ctx, owner, name, entries[tok.FileIndex:end], repoDocID, tok.TreeSHA)
	if err != nil {
		return nil, err
	}

	if end < len(entries) {
		next := tok
		next.FileIndex = end
		return githubResult(docs, "", next, true), nil
	}
	next, hasMore := advanceRepo(tok)
	return githubResult(docs, "", next, hasMore), nil
}

// fetchFiles hydrates blobs in small concurrent groups with a pause
// between groups to stay inside secondary rate limits.
func (c *GithubConnector) fetchFiles(ctx context.Context, owner, name string, entries []*github.TreeEntry, repoDocID, ref string) ([]document.Document, error) {
	docs := make([]document.Document, len(entries))
	for start := 0; start < len(entries); start += githubFileConcurrency {
		if start > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(githubFileDelay):
			}
		}
		end := min(start+githubFileConcurrency, len(entries))
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				doc, err := c.fileDocument(gctx, owner, name, entries[i], repoDocID, ref)
				if err != nil {
					return err
				}
				docs[i] = doc
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	out := make([]document.Document, 0, len(docs))
	for _, d := range docs {
		if d.ID != "" {
			out = append(out, d)
		}
	}
	return out, nil
}

// fileDocument fetches one blob. Binary or vanished blobs produce a zero
// document, which the caller drops.
func (c *GithubConnector) fileDocument(ctx context.Context, owner, name string, entry *github.TreeEntry, repoDocID, ref string) (document.Document, error) {
	blob, _, err := c.client.Git.GetBlob(ctx, owner, name, entry.GetSHA())
	if err != nil {
		if githubStatus(err) == 404 {
			return document.Document{}, nil
		}
		return document.Document{}, fmt.Errorf("github blob %s: %w", entry.GetPath(), err)
	}
	data, err := decodeGithubBlob(blob)
	if err != nil || !utf8.Valid(data) {
		return document.Document{}, nil
	}

	content := string(data)
	var chunks []string
	language := ""
	if c.proc != nil {
		if res, perr := c.proc.ProcessText(ctx, content, entry.GetPath(), ""); perr == nil && res != nil {
			content = res.Content
			if len(res.Chunks) > 1 {
				chunks = res.Chunks
			}
			language = res.Language
		}
	}

	repo := owner + "/" + name
	sha := entry.GetSHA()
	shortSha := sha
	if len(shortSha) > 12 {
		shortSha = shortSha[:12]
	}
	meta := document.Metadata{
		"type":     "file",
		"repo":     repo,
		"title":    entry.GetPath(),
		"path":     entry.GetPath(),
		"fileSha":  sha,
		"ref":      ref,
		"parentId": repoDocID,
		"url":      fmt.Sprintf("https://github.com/%s/blob/%s/%s", repo, ref, entry.GetPath()),
	}
	if language != "" {
		meta["language"] = language
	}
	doc := document.Document{
		ID:         fmt.Sprintf("github_file_%s/%s@%s", repo, entry.GetPath(), shortSha),
		Source:     document.SourceGithub,
		Content:    content,
		Metadata:   meta,
		PreChunked: chunks,
	}
	doc.Normalize()
	return doc, nil
}

func (c *GithubConnector) headCommit(ctx context.Context, owner, name string) (string, error) {
	repo, _, err := c.client.Repositories.Get(ctx, owner, name)
	if err != nil {
		return "", fmt.Errorf("github repo %s/%s: %w", owner, name, err)
	}
	branch, _, err := c.client.Repositories.GetBranch(ctx, owner, name, repo.GetDefaultBranch(), true)
	if err != nil {
		return "", fmt.Errorf("github branch %s: %w", repo.GetDefaultBranch(), err)
	}
	return branch.GetCommit().GetSHA(), nil
}

func githubRepoDocument(repo *github.Repository, readme string) document.Document {
	full := repo.GetFullName()
	meta := document.Metadata{
		"type":          "repository",
		"repo":          full,
		"title":         full,
		"defaultBranch": repo.GetDefaultBranch(),
		"createdAt":     githubTime(repo.GetCreatedAt().Time),
		"updatedAt":     githubTime(repo.GetUpdatedAt().Time),
	}
	if url := repo.GetHTMLURL(); url != "" {
		meta["url"] = url
	}
	if lang := repo.GetLanguage(); lang != "" {
		meta["language"] = lang
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", full)
	if desc := repo.GetDescription(); desc != "" {
		b.WriteString("\n" + desc + "\n")
	}
	if readme != "" {
		b.WriteString("\n" + readme + "\n")
	}
	doc := document.Document{
		ID:       "github_repo_" + full,
		Source:   document.SourceGithub,
		Content:  strings.TrimSpace(b.String()),
		Metadata: meta,
	}
	doc.Normalize()
	return doc
}

func githubPRDocument(owner, name string, pr *github.PullRequest, repoDocID string) document.Document {
	repo := owner + "/" + name
	meta := document.Metadata{
		"type":      "pull_request",
		"repo":      repo,
		"title":     pr.GetTitle(),
		"state":     pr.GetState(),
		"author":    pr.GetUser().GetLogin(),
		"number":    float64(pr.GetNumber()),
		"parentId":  repoDocID,
		"createdAt": githubTime(pr.GetCreatedAt()),
		"updatedAt": githubTime(pr.GetUpdatedAt()),
	}
	if url := pr.GetHTMLURL(); url != "" {
		meta["url"] = url
	}
	if len(pr.Assignees) > 0 {
		logins := make([]string, 0, len(pr.Assignees))
		for _, a := range pr.Assignees {
			if a.GetLogin() != "" {
				logins = append(logins, a.GetLogin())
			}
		}
		if len(logins) > 0 {
			meta["assignees"] = logins
		}
	}

	content := fmt.Sprintf("# PR #%d: %s", pr.GetNumber(), pr.GetTitle())
	if body := pr.GetBody(); body != "" {
		content += "\n\n" + body
	}
	doc := document.Document{
		ID:       fmt.Sprintf("github_pr_%s#%d", repo, pr.GetNumber()),
		Source:   document.SourceGithub,
		Content:  content,
		Metadata: meta,
	}
	doc.Normalize()
	return doc
}

func filterTreeEntries(entries []*github.TreeEntry) []*github.TreeEntry {
	var out []*github.TreeEntry
	for _, e := range entries {
		if e.GetType() != "blob" {
			continue
		}
		if e.GetSize() > githubMaxFileSize {
			continue
		}
		if skipGithubPath(e.GetPath()) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetPath() < out[j].GetPath() })
	return out
}

func skipGithubPath(path string) bool {
	segments := strings.Split(path, "/")
	for _, dir := range segments[:len(segments)-1] {
		if githubSkipDirectories[dir] {
			return true
		}
	}
	base := segments[len(segments)-1]
	if githubSkipFilenames[base] {
		return true
	}
	lower := strings.ToLower(base)
	if strings.HasSuffix(lower, ".min.js") || strings.HasSuffix(lower, ".min.css") {
		return true
	}
	if i := strings.LastIndex(lower, "."); i >= 0 && githubSkipExtensions[lower[i:]] {
		return true
	}
	return false
}

func decodeGithubBlob(blob *github.Blob) ([]byte, error) {
	content := blob.GetContent()
	if blob.GetEncoding() != "base64" {
		return []byte(content), nil
	}
	return base64.StdEncoding.DecodeString(strings.ReplaceAll(content, "\n", ""))
}

func advanceRepo(tok githubToken) (githubToken, bool) {
	next := githubToken{Repos: tok.Repos, RepoIndex: tok.RepoIndex + 1, Phase: githubPhaseRepos}
	return next, next.RepoIndex < len(next.Repos)
}

func githubResult(docs []document.Document, batchLast string, tok githubToken, hasMore bool) *Result {
	res := &Result{Documents: docs, BatchLastSync: batchLast, HasMore: hasMore}
	if hasMore {
		res.NewCursor.SyncToken = encodeToken(tok)
	}
	return res
}

func githubStatus(err error) int {
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return er.Response.StatusCode
	}
	return 0
}

func githubTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func splitRepo(full string) (owner, name string, ok bool) {
	owner, name, ok = strings.Cut(full, "/")
	if !ok || owner == "" || name == "" {
		return "", "", false
	}
	return owner, name, true
}
