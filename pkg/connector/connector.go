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

// Package connector defines the uniform fetch contract the indexing engine
// drives, plus one implementation per supported source. A connector turns
// backend pages into normalized documents and reports enough cursor state
// to resume exactly where it stopped.
package connector

import (
	"context"
	"fmt"
	"sync"

	"github.com/magpielabs/magpie/pkg/cursorstore"
	"github.com/magpielabs/magpie/pkg/document"
	"github.com/magpielabs/magpie/pkg/httpclient"
)

// Connector is one source backend. Implementations must be deterministic
// for a fixed cursor and backend state, produce stable document ids, and
// recover once from a rejected sync token before giving up.
type Connector interface {
	// SourceName returns the source identifier.
	SourceName() string

	// IsConfigured reports whether credentials are present. Unconfigured
	// connectors are skipped, never failed.
	IsConfigured() bool

	// Fetch returns one batch of documents. A nil cursor means a fresh
	// sync from the beginning.
	Fetch(ctx context.Context, cursor *cursorstore.Cursor, req *IndexRequest) (*Result, error)
}

// NewCursor is the connector's advisory cursor state. The engine composes
// the final cursor from it, never the connector.
type NewCursor struct {
	SyncToken string         `json:"syncToken,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Result is one fetched batch.
type Result struct {
	Documents []document.Document `json:"documents"`
	NewCursor NewCursor           `json:"newCursor"`
	HasMore   bool                `json:"hasMore"`

	// BatchLastSync is the latest updated time (event start for calendar)
	// observed in this batch, ISO-8601. The engine advances the
	// high-watermark to it only when paging is done.
	BatchLastSync string `json:"batchLastSync,omitempty"`
}

// GmailSettings filters the Gmail sync. Within each group values are
// OR-combined; groups combine with AND.
type GmailSettings struct {
	Domains []string `json:"domains,omitempty" yaml:"domains,omitempty"`
	Senders []string `json:"senders,omitempty" yaml:"senders,omitempty"`
	Labels  []string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// IsZero reports whether no filter is set.
func (g *GmailSettings) IsZero() bool {
	return g == nil || (len(g.Domains) == 0 && len(g.Senders) == 0 && len(g.Labels) == 0)
}

// IndexRequest carries the caller's filters for one indexing run. Absent
// fields fall back to persisted settings; present fields win.
type IndexRequest struct {
	FullReindex bool           `json:"fullReindex,omitempty" yaml:"fullReindex,omitempty"`
	ProjectKeys []string       `json:"projectKeys,omitempty" yaml:"projectKeys,omitempty"`
	ChannelIDs  []string       `json:"channelIds,omitempty" yaml:"channelIds,omitempty"`
	FolderIDs   []string       `json:"folderIds,omitempty" yaml:"folderIds,omitempty"`
	CalendarIDs []string       `json:"calendarIds,omitempty" yaml:"calendarIds,omitempty"`
	SpaceKeys   []string       `json:"spaceKeys,omitempty" yaml:"spaceKeys,omitempty"`
	Repos       []string       `json:"repos,omitempty" yaml:"repos,omitempty"`
	IndexFiles  *bool          `json:"indexFiles,omitempty" yaml:"indexFiles,omitempty"`
	Gmail       *GmailSettings `json:"gmailSettings,omitempty" yaml:"gmailSettings,omitempty"`
}

// Clone returns a deep copy so merges never alias the caller's slices.
func (r *IndexRequest) Clone() *IndexRequest {
	if r == nil {
		return &IndexRequest{}
	}
	out := &IndexRequest{
		FullReindex: r.FullReindex,
		ProjectKeys: cloneStrings(r.ProjectKeys),
		ChannelIDs:  cloneStrings(r.ChannelIDs),
		FolderIDs:   cloneStrings(r.FolderIDs),
		CalendarIDs: cloneStrings(r.CalendarIDs),
		SpaceKeys:   cloneStrings(r.SpaceKeys),
		Repos:       cloneStrings(r.Repos),
	}
	if r.IndexFiles != nil {
		v := *r.IndexFiles
		out.IndexFiles = &v
	}
	if r.Gmail != nil {
		out.Gmail = &GmailSettings{
			Domains: cloneStrings(r.Gmail.Domains),
			Senders: cloneStrings(r.Gmail.Senders),
			Labels:  cloneStrings(r.Gmail.Labels),
		}
	}
	return out
}

// FilesEnabled resolves the indexFiles toggle against a default.
func (r *IndexRequest) FilesEnabled(def bool) bool {
	if r == nil || r.IndexFiles == nil {
		return def
	}
	return *r.IndexFiles
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// Registry holds the configured connectors keyed by source.
type Registry struct {
	mu         sync.RWMutex
	connectors map[document.Source]Connector
}

func NewRegistry() *Registry {
	return &Registry{connectors: make(map[document.Source]Connector)}
}

// Register adds a connector. Unknown or duplicate sources error.
func (r *Registry) Register(c Connector) error {
	source, err := document.ParseSource(c.SourceName())
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connectors[source]; exists {
		return fmt.Errorf("connector already registered for source %s", source)
	}
	r.connectors[source] = c
	return nil
}

// Get returns the connector for a source.
func (r *Registry) Get(source document.Source) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[source]
	return c, ok
}

// Sources lists registered sources in canonical order.
func (r *Registry) Sources() []document.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []document.Source
	for _, source := range document.AllSources() {
		if _, ok := r.connectors[source]; ok {
			out = append(out, source)
		}
	}
	return out
}

// Configured lists registered sources whose credentials are present.
func (r *Registry) Configured() []document.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []document.Source
	for _, source := range document.AllSources() {
		if c, ok := r.connectors[source]; ok && c.IsConfigured() {
			out = append(out, source)
		}
	}
	return out
}

// IsStaleToken reports whether err looks like a rejected pagination or
// sync token from a REST backend. Connectors retry exactly once without
// the token on these.
func IsStaleToken(err error) bool {
	switch httpclient.StatusOf(err) {
	case 400, 404, 410:
		return true
	}
	return false
}

// laterOf returns the later of two ISO-8601 timestamps, tolerating empty
// or unparsable values.
func laterOf(a, b string) string {
	ta, okA := document.ParseTimestamp(a)
	tb, okB := document.ParseTimestamp(b)
	switch {
	case !okA:
		return b
	case !okB:
		return a
	case tb.After(ta):
		return b
	default:
		return a
	}
}
