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
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/magpielabs/magpie/pkg/cursorstore"
	"github.com/magpielabs/magpie/pkg/document"
	"github.com/magpielabs/magpie/pkg/fileproc"
)

const (
	drivePageSize     = 100
	driveMaxFetchSize = 10 << 20
	driveFolderMime   = "application/vnd.google-apps.folder"
	driveFolderDepth  = 20
)

// driveListFields keeps listings lean; everything else is fetched lazily.
const driveListFields = "nextPageToken, files(id, name, mimeType, modifiedTime, createdTime, size, parents, webViewLink, owners(emailAddress, displayName, me))"

// googleExportMimes maps native Google document types to a text export
// format. Types absent here (forms, maps, shortcuts) are indexed by name
// only.
var googleExportMimes = map[string]string{
	"application/vnd.google-apps.document":     "text/plain",
	"application/vnd.google-apps.spreadsheet":  "text/csv",
	"application/vnd.google-apps.presentation": "text/plain",
}

// DriveConfig extends the shared Google identity with an optional folder
// allowlist. Empty indexes the whole drive.
type DriveConfig struct {
	GoogleConfig `yaml:",inline"`

	FolderIDs []string `yaml:"folder_ids,omitempty"`
}

// DriveConnector indexes files through the Google Drive API. The sync
// token is the raw listing page token; the watermark rides in the
// `modifiedTime > lastSync` query filter.
type DriveConnector struct {
	cfg  DriveConfig
	proc *fileproc.Processor
	opts []option.ClientOption

	// Folder names and parents are immutable enough to cache for the
	// connector's lifetime. Guards both path rendering and the
	// allowlist ancestor walk.
	mu      sync.Mutex
	folders map[string]*driveFolder
}

type driveFolder struct {
	Name   string
	Parent string
}

var _ Connector = (*DriveConnector)(nil)

// NewDrive builds a Drive connector. The processor extracts text from
// downloaded files and may be nil for name-only indexing. Extra client
// options replace the configured OAuth identity for tests.
func NewDrive(cfg DriveConfig, proc *fileproc.Processor, opts ...option.ClientOption) *DriveConnector {
	return &DriveConnector{
		cfg:     cfg,
		proc:    proc,
		opts:    opts,
		folders: make(map[string]*driveFolder),
	}
}

func (c *DriveConnector) SourceName() string { return string(document.SourceDrive) }

func (c *DriveConnector) IsConfigured() bool { return c.cfg.IsConfigured() }

func (c *DriveConnector) Fetch(ctx context.Context, cursor *cursorstore.Cursor, req *IndexRequest) (*Result, error) {
	if !c.IsConfigured() {
		return &Result{}, nil
	}
	svc, err := drive.NewService(ctx, serviceOptions(ctx, c.cfg.GoogleConfig, c.opts)...)
	if err != nil {
		return nil, fmt.Errorf("drive client: %w", err)
	}

	var pageToken, lastSync string
	if cursor != nil {
		pageToken = cursor.SyncToken
		lastSync = cursor.LastSync
	}

	resp, err := c.listFiles(ctx, svc, pageToken, lastSync)
	if err != nil && pageToken != "" && isGoogleStale(err) {
		// Page tokens expire server-side. Restart the listing; the
		// watermark keeps the re-scan bounded.
		slog.Warn("Drive rejected saved page token, restarting listing")
		resp, err = c.listFiles(ctx, svc, "", lastSync)
	}
	if err != nil {
		return nil, fmt.Errorf("drive list: %w", err)
	}

	folderFilter := toSet(c.folderIDs(req))
	withContent := req.FilesEnabled(true)

	var docs []document.Document
	var batchLast string
	for _, f := range resp.Files {
		if f.MimeType == driveFolderMime {
			c.rememberFolder(f)
			continue
		}
		if len(folderFilter) > 0 && !c.underFolders(ctx, svc, f.Parents, folderFilter) {
			continue
		}
		doc := c.driveDocument(ctx, svc, f, withContent)
		docs = append(docs, doc)
		batchLast = laterOf(batchLast, doc.Metadata.GetString("updatedAt"))
	}

	result := &Result{
		Documents:     docs,
		HasMore:       resp.NextPageToken != "",
		BatchLastSync: batchLast,
	}
	if result.HasMore {
		result.NewCursor.SyncToken = resp.NextPageToken
	}
	return result, nil
}

func (c *DriveConnector) folderIDs(req *IndexRequest) []string {
	if req != nil && len(req.FolderIDs) > 0 {
		return req.FolderIDs
	}
	return c.cfg.FolderIDs
}

// Discover lists the drive's folders.
func (c *DriveConnector) Discover(ctx context.Context) ([]Resource, error) {
	svc, err := drive.NewService(ctx, serviceOptions(ctx, c.cfg.GoogleConfig, c.opts)...)
	if err != nil {
		return nil, fmt.Errorf("drive client: %w", err)
	}
	var out []Resource
	pageToken := ""
	for {
		call := svc.Files.List().
			Q(fmt.Sprintf("mimeType = '%s' and trashed = false", driveFolderMime)).
			PageSize(drivePageSize).
			Fields("nextPageToken, files(id, name)").
			OrderBy("name").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("drive folder list: %w", err)
		}
		for _, f := range resp.Files {
			out = append(out, Resource{ID: f.Id, Name: f.Name, Type: "folder"})
		}
		if resp.NextPageToken == "" {
			return out, nil
		}
		pageToken = resp.NextPageToken
	}
}

func (c *DriveConnector) listFiles(ctx context.Context, svc *drive.Service, pageToken, lastSync string) (*drive.FileList, error) {
	q := "trashed = false"
	if t, ok := document.ParseTimestamp(lastSync); ok {
		q += fmt.Sprintf(" and modifiedTime > '%s'", t.UTC().Format(time.RFC3339))
	}
	call := svc.Files.List().
		Q(q).
		PageSize(drivePageSize).
		Fields(driveListFields).
		OrderBy("modifiedTime").
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Do()
}

func (c *DriveConnector) driveDocument(ctx context.Context, svc *drive.Service, f *drive.File, withContent bool) document.Document {
	owners := make([]string, 0, len(f.Owners))
	ownedByMe := false
	for _, o := range f.Owners {
		if o.EmailAddress != "" {
			owners = append(owners, o.EmailAddress)
		}
		ownedByMe = ownedByMe || o.Me
	}

	meta := document.Metadata{
		"type":         "file",
		"title":        f.Name,
		"mimeType":     f.MimeType,
		"ownedByMe":    ownedByMe,
		"modifiedTime": normalizeTimestamp(f.ModifiedTime),
		"createdAt":    normalizeTimestamp(f.CreatedTime),
		"updatedAt":    normalizeTimestamp(f.ModifiedTime),
	}
	if len(owners) > 0 {
		meta["owners"] = owners
	}
	if f.WebViewLink != "" {
		meta["url"] = f.WebViewLink
	}
	folderPath := ""
	if len(f.Parents) > 0 {
		folderPath = c.folderPath(ctx, svc, f.Parents[0])
	}
	if folderPath != "" {
		meta["folderPath"] = folderPath
		meta["path"] = folderPath + "/" + f.Name
	} else {
		meta["path"] = "/" + f.Name
	}

	content := f.Name
	var preChunked []string
	if withContent {
		if res := c.fileContent(ctx, svc, f); res != nil && res.Content != "" {
			content = res.Content
			if len(res.Chunks) > 1 {
				preChunked = res.Chunks
			}
			if res.Language != "" {
				meta["language"] = res.Language
			}
		}
	}

	doc := document.Document{
		ID:         "drive_" + f.Id,
		Source:     document.SourceDrive,
		Content:    content,
		Metadata:   meta,
		PreChunked: preChunked,
	}
	doc.Normalize()
	return doc
}

// fileContent extracts text from a file, or nil when the file is not
// worth downloading. Extraction failures degrade to name-only documents.
func (c *DriveConnector) fileContent(ctx context.Context, svc *drive.Service, f *drive.File) *fileproc.Result {
	if c.proc == nil {
		return nil
	}
	if exportMime, ok := googleExportMimes[f.MimeType]; ok {
		resp, err := svc.Files.Export(f.Id, exportMime).Context(ctx).Download()
		if err != nil {
			slog.Debug("Drive export failed", "name", f.Name, "error", err)
			return nil
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, driveMaxFetchSize))
		if err != nil {
			return nil
		}
		res, err := c.proc.ProcessText(ctx, string(data), f.Name, exportMime)
		if err != nil {
			return nil
		}
		return res
	}
	if strings.HasPrefix(f.MimeType, "application/vnd.google-apps.") {
		return nil
	}
	if fileproc.ShouldSkipMime(f.MimeType) || f.Size > driveMaxFetchSize {
		return nil
	}
	resp, err := svc.Files.Get(f.Id).Context(ctx).Download()
	if err != nil {
		slog.Debug("Drive download failed", "name", f.Name, "error", err)
		return nil
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, driveMaxFetchSize))
	if err != nil {
		return nil
	}
	var res *fileproc.Result
	if strings.HasPrefix(f.MimeType, "text/") && f.MimeType != "text/csv" {
		res, err = c.proc.ProcessText(ctx, string(data), f.Name, f.MimeType)
	} else {
		res, err = c.proc.ProcessBytes(ctx, data, f.Name, f.MimeType)
	}
	if err != nil {
		slog.Debug("Drive file not convertible", "name", f.Name, "error", err)
		return nil
	}
	return res
}

func (c *DriveConnector) rememberFolder(f *drive.File) {
	info := &driveFolder{Name: f.Name}
	if len(f.Parents) > 0 {
		info.Parent = f.Parents[0]
	}
	c.mu.Lock()
	c.folders[f.Id] = info
	c.mu.Unlock()
}

// folderInfo resolves a folder's name and parent, fetching each id at
// most once per connector lifetime.
func (c *DriveConnector) folderInfo(ctx context.Context, svc *drive.Service, id string) (*driveFolder, error) {
	c.mu.Lock()
	if f, ok := c.folders[id]; ok {
		c.mu.Unlock()
		return f, nil
	}
	c.mu.Unlock()

	meta, err := svc.Files.Get(id).Fields("name, parents").Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	f := &driveFolder{Name: meta.Name}
	if len(meta.Parents) > 0 {
		f.Parent = meta.Parents[0]
	}
	c.mu.Lock()
	c.folders[id] = f
	c.mu.Unlock()
	return f, nil
}

// folderPath renders the ancestor chain as "/Team/Docs". Unresolvable
// ancestors truncate the path rather than failing the document.
func (c *DriveConnector) folderPath(ctx context.Context, svc *drive.Service, parentID string) string {
	var names []string
	id := parentID
	for depth := 0; id != "" && depth < driveFolderDepth; depth++ {
		f, err := c.folderInfo(ctx, svc, id)
		if err != nil {
			break
		}
		names = append([]string{f.Name}, names...)
		id = f.Parent
	}
	if len(names) == 0 {
		return ""
	}
	return "/" + strings.Join(names, "/")
}

// underFolders reports whether any ancestor of the file sits in the
// allowlist.
func (c *DriveConnector) underFolders(ctx context.Context, svc *drive.Service, parents []string, want map[string]bool) bool {
	for _, p := range parents {
		id := p
		for depth := 0; id != "" && depth < driveFolderDepth; depth++ {
			if want[id] {
				return true
			}
			f, err := c.folderInfo(ctx, svc, id)
			if err != nil {
				break
			}
			id = f.Parent
		}
	}
	return false
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
