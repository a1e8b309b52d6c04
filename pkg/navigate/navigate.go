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

// Package navigate walks the neighborhood of a stored document: its chunks,
// its thread or folder siblings, and its structural parent and children.
package navigate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/magpielabs/magpie/pkg/docstore"
	"github.com/magpielabs/magpie/pkg/document"
	"github.com/magpielabs/magpie/pkg/vector"
)

// Direction selects which neighbors to return.
type Direction string

const (
	DirectionPrev     Direction = "prev"
	DirectionNext     Direction = "next"
	DirectionSiblings Direction = "siblings"
	DirectionParent   Direction = "parent"
	DirectionChildren Direction = "children"
)

// Scope selects the unit of traversal. Chunk walks within one document,
// datapoint within the source-native unit (thread, ticket, folder), context
// within the broader container (channel, project, space).
type Scope string

const (
	ScopeChunk     Scope = "chunk"
	ScopeDatapoint Scope = "datapoint"
	ScopeContext   Scope = "context"
)

// DefaultLimit bounds the related list when the request does not.
const DefaultLimit = 10

// maxGroupScan caps how many group members a single navigation will pull
// from the store before sorting.
const maxGroupScan = 1000

const groupScanPage = 200

// Request asks for the neighbors of one document.
type Request struct {
	DocumentID string    `json:"documentId"`
	Direction  Direction `json:"direction"`
	Scope      Scope     `json:"scope,omitempty"`
	Limit      int       `json:"limit,omitempty"`
}

// SetDefaults fills unset fields.
func (r *Request) SetDefaults() {
	if r.Scope == "" {
		r.Scope = ScopeDatapoint
	}
	if r.Limit <= 0 {
		r.Limit = DefaultLimit
	}
}

// Validate rejects requests with unknown directions or scopes.
func (r *Request) Validate() error {
	if r.DocumentID == "" {
		return fmt.Errorf("documentId is required")
	}
	switch r.Direction {
	case DirectionPrev, DirectionNext, DirectionSiblings, DirectionParent, DirectionChildren:
	default:
		return fmt.Errorf("unknown direction: %q", r.Direction)
	}
	switch r.Scope {
	case ScopeChunk, ScopeDatapoint, ScopeContext:
	default:
		return fmt.Errorf("unknown scope: %q", r.Scope)
	}
	return nil
}

// Item is one document in a navigation response.
type Item struct {
	ID       string            `json:"id"`
	Source   document.Source   `json:"source"`
	Content  string            `json:"content"`
	Metadata document.Metadata `json:"metadata"`
}

// Navigation describes where the current document sits in its group.
type Navigation struct {
	HasPrev       bool   `json:"hasPrev"`
	HasNext       bool   `json:"hasNext"`
	ParentID      string `json:"parentId,omitempty"`
	ContextType   string `json:"contextType,omitempty"`
	TotalSiblings int    `json:"totalSiblings"`
}

// Response carries the located document, its neighbors and the position
// summary.
type Response struct {
	Current    Item       `json:"current"`
	Related    []Item     `json:"related"`
	Navigation Navigation `json:"navigation"`
}

// Navigator resolves navigation requests against the vector store.
type Navigator struct {
	provider vector.Provider
}

// New creates a Navigator.
func New(provider vector.Provider) (*Navigator, error) {
	if provider == nil {
		return nil, fmt.Errorf("vector provider is required")
	}
	return &Navigator{provider: provider}, nil
}

// Navigate locates the document across all source collections and walks in
// the requested direction. Unknown ids return vector.ErrNotFound.
func (n *Navigator) Navigate(ctx context.Context, req Request) (*Response, error) {
	req.SetDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	current, source, err := n.locate(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}

	switch req.Direction {
	case DirectionParent:
		return n.parent(ctx, source, current)
	case DirectionChildren:
		return n.children(ctx, source, current, req.Limit)
	}

	switch req.Scope {
	case ScopeChunk:
		return n.chunkNeighbors(ctx, source, current, req)
	case ScopeContext:
		key, value, ctxType := contextGroup(source, document.Metadata(current.Metadata))
		// Siblings narrow to the shared parent when the document has one.
		if req.Direction == DirectionSiblings {
			if parent := document.Metadata(current.Metadata).GetString("parentId"); parent != "" {
				key, value = "parentId", parent
			}
		}
		return n.groupNeighbors(ctx, source, current, req, key, value, ctxType)
	default:
		key, value, ctxType := datapointGroup(source, document.Metadata(current.Metadata))
		return n.groupNeighbors(ctx, source, current, req, key, value, ctxType)
	}
}

// locate finds the document id in any source collection.
func (n *Navigator) locate(ctx context.Context, id string) (vector.Record, document.Source, error) {
	for _, source := range document.AllSources() {
		records, err := n.provider.Get(ctx, docstore.Collection(source), []string{id}, false)
		if err != nil {
			continue
		}
		if len(records) > 0 {
			return records[0], source, nil
		}
	}
	return vector.Record{}, "", fmt.Errorf("document %s: %w", id, vector.ErrNotFound)
}

// parent resolves the structural parent, scope-independent.
func (n *Navigator) parent(ctx context.Context, source document.Source, current vector.Record) (*Response, error) {
	meta := document.Metadata(current.Metadata)
	parentID := parentIDOf(source, meta)

	resp := &Response{
		Current: toItem(source, current),
		Navigation: Navigation{
			ParentID:    parentID,
			ContextType: contextTypeOf(source, meta),
		},
	}
	if parentID == "" {
		return resp, nil
	}

	records, err := n.provider.Get(ctx, docstore.Collection(source), []string{parentID}, false)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch parent %s: %w", parentID, err)
	}
	if len(records) > 0 {
		resp.Related = append(resp.Related, toItem(source, records[0]))
	}
	return resp, nil
}

// children collects documents pointing back at the current one, both by the
// source-native parentId and by the store's parentDocId chunk link.
func (n *Navigator) children(ctx context.Context, source document.Source, current vector.Record, limit int) (*Response, error) {
	meta := document.Metadata(current.Metadata)
	collection := docstore.Collection(source)

	var related []Item
	seen := map[string]bool{current.ID: true}

	collect := func(filter vector.Filter) error {
		records, err := n.scrollAll(ctx, collection, filter, limit)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if seen[rec.ID] || len(related) >= limit {
				continue
			}
			seen[rec.ID] = true
			related = append(related, toItem(source, rec))
		}
		return nil
	}

	logical := logicalID(source, current.ID)
	if err := collect(vector.Filter{Equals: map[string]any{"parentId": logical}}); err != nil {
		return nil, err
	}
	if err := collect(vector.Filter{Equals: map[string]any{docstore.KeyParentDocID: current.ID}}); err != nil {
		return nil, err
	}

	return &Response{
		Current: toItem(source, current),
		Related: related,
		Navigation: Navigation{
			ParentID:      parentIDOf(source, meta),
			ContextType:   contextTypeOf(source, meta),
			TotalSiblings: len(related),
		},
	}, nil
}

// chunkNeighbors moves between the chunks of one document using the
// parentDocId and chunkIndex the gateway stored.
func (n *Navigator) chunkNeighbors(ctx context.Context, source document.Source, current vector.Record, req Request) (*Response, error) {
	meta := document.Metadata(current.Metadata)
	parentDoc := meta.GetString(docstore.KeyParentDocID)
	idx, hasIdx := meta.GetNumber(docstore.KeyChunkIndex)

	resp := &Response{
		Current: toItem(source, current),
		Navigation: Navigation{
			ParentID:    parentDoc,
			ContextType: "document",
		},
	}
	if parentDoc == "" || !hasIdx {
		// Single-chunk document: nothing to walk.
		return resp, nil
	}

	total := 0.0
	if v, ok := meta.GetNumber(docstore.KeyTotalChunks); ok {
		total = v
	}
	resp.Navigation.HasPrev = idx > 0
	resp.Navigation.HasNext = idx < total-1
	if total > 0 {
		resp.Navigation.TotalSiblings = int(total) - 1
	}

	collection := docstore.Collection(source)
	switch req.Direction {
	case DirectionPrev, DirectionNext:
		neighbor := int(idx) - 1
		if req.Direction == DirectionNext {
			neighbor = int(idx) + 1
		}
		if neighbor < 0 || (total > 0 && neighbor >= int(total)) {
			return resp, nil
		}
		id := fmt.Sprintf("%s_chunk_%d", parentDoc, neighbor)
		records, err := n.provider.Get(ctx, collection, []string{id}, false)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch chunk %s: %w", id, err)
		}
		if len(records) > 0 {
			resp.Related = append(resp.Related, toItem(source, records[0]))
		}
		return resp, nil

	default: // siblings
		filter := vector.Filter{Equals: map[string]any{docstore.KeyParentDocID: parentDoc}}
		records, err := n.scrollAll(ctx, collection, filter, maxGroupScan)
		if err != nil {
			return nil, err
		}
		siblings := make([]Item, 0, len(records))
		for _, rec := range records {
			if rec.ID == current.ID {
				continue
			}
			siblings = append(siblings, toItem(source, rec))
		}
		sort.Slice(siblings, func(i, j int) bool {
			a, _ := siblings[i].Metadata.GetNumber(docstore.KeyChunkIndex)
			b, _ := siblings[j].Metadata.GetNumber(docstore.KeyChunkIndex)
			if a != b {
				return a < b
			}
			return siblings[i].ID < siblings[j].ID
		})
		if len(siblings) > req.Limit {
			siblings = siblings[:req.Limit]
		}
		resp.Related = siblings
		resp.Navigation.TotalSiblings = len(records) - 1
		return resp, nil
	}
}

// groupNeighbors serves prev/next/siblings within a metadata-keyed group,
// ordered by the source's native timestamp.
func (n *Navigator) groupNeighbors(ctx context.Context, source document.Source, current vector.Record, req Request, key, value, ctxType string) (*Response, error) {
	meta := document.Metadata(current.Metadata)
	collection := docstore.Collection(source)

	var filter vector.Filter
	if key != "" && value != "" {
		filter.Equals = map[string]any{key: value}
	}
	records, err := n.scrollAll(ctx, collection, filter, maxGroupScan)
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(records))
	for _, rec := range records {
		items = append(items, toItem(source, rec))
	}
	field := sortField(source)
	sort.Slice(items, func(i, j int) bool {
		a := timestampOf(items[i].Metadata, field)
		b := timestampOf(items[j].Metadata, field)
		if !a.Equal(b) {
			return a.Before(b)
		}
		return items[i].ID < items[j].ID
	})

	pos := -1
	for i, item := range items {
		if item.ID == current.ID {
			pos = i
			break
		}
	}

	resp := &Response{
		Current: toItem(source, current),
		Navigation: Navigation{
			HasPrev:       pos > 0,
			HasNext:       pos >= 0 && pos < len(items)-1,
			ParentID:      parentIDOf(source, meta),
			ContextType:   ctxType,
			TotalSiblings: max(len(items)-1, 0),
		},
	}
	if pos < 0 {
		return resp, nil
	}

	switch req.Direction {
	case DirectionPrev:
		start := pos - req.Limit
		if start < 0 {
			start = 0
		}
		resp.Related = items[start:pos]
	case DirectionNext:
		end := pos + 1 + req.Limit
		if end > len(items) {
			end = len(items)
		}
		resp.Related = items[pos+1 : end]
	default: // siblings
		siblings := make([]Item, 0, len(items)-1)
		for i, item := range items {
			if i == pos {
				continue
			}
			siblings = append(siblings, item)
			if len(siblings) == req.Limit {
				break
			}
		}
		resp.Related = siblings
	}
	return resp, nil
}

// scrollAll drains the scroll cursor up to limit records.
func (n *Navigator) scrollAll(ctx context.Context, collection string, filter vector.Filter, limit int) ([]vector.Record, error) {
	var out []vector.Record
	offset := ""
	for {
		records, next, err := n.provider.Scroll(ctx, collection, filter, groupScanPage, offset)
		if err != nil {
			return nil, fmt.Errorf("scroll failed for %s: %w", collection, err)
		}
		out = append(out, records...)
		if next == "" || len(out) >= limit {
			break
		}
		offset = next
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func toItem(source document.Source, rec vector.Record) Item {
	meta := document.Metadata(rec.Metadata)
	src := source
	if name := meta.GetString("source"); name != "" {
		if parsed, err := document.ParseSource(name); err == nil {
			src = parsed
		}
	}
	return Item{
		ID:       rec.ID,
		Source:   src,
		Content:  meta.GetString(docstore.KeyContent),
		Metadata: meta,
	}
}

func timestampOf(meta document.Metadata, field string) time.Time {
	if ts, ok := document.ParseTimestamp(meta.GetString(field)); ok {
		return ts
	}
	// Fall back to the shared creation timestamp so documents missing the
	// source field still order deterministically.
	if ms, ok := meta.GetNumber(docstore.KeyCreatedAtTs); ok {
		return time.UnixMilli(int64(ms))
	}
	return time.Time{}
}
