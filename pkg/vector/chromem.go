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

package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
)

// chromemMetaKey holds the canonical JSON form of the payload. chromem
// metadata is limited to string values, so the typed payload round-trips
// through this one key.
const chromemMetaKey = "_json"

// ChromemConfig configures the embedded chromem provider.
type ChromemConfig struct {
	// PersistPath enables file persistence when set. The directory is
	// created if it does not exist; empty means in-memory only.
	PersistPath string `yaml:"persist_path,omitempty"`

	// Compress enables gzip compression for the persisted database.
	Compress bool `yaml:"compress,omitempty"`
}

// ChromemProvider implements Provider using chromem-go for embedded vector
// storage. It is the zero-config default: pure Go, no external services,
// optional file persistence.
//
// chromem has no listing API, so Scroll and filtered reads rank the whole
// collection against a fixed probe vector and filter in Go. That is fine at
// the embedded scale this provider targets; use Qdrant beyond it.
type ChromemProvider struct {
	db          *chromem.DB
	persistPath string
	compress    bool

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	dims        map[string]int
}

// NewChromemProvider creates an embedded vector provider.
func NewChromemProvider(cfg ChromemConfig) (*ChromemProvider, error) {
	var db *chromem.DB

	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}

		dbPath := chromemDBPath(cfg.PersistPath, cfg.Compress)
		if _, statErr := os.Stat(dbPath); statErr == nil {
			loaded, err := chromem.NewPersistentDB(dbPath, cfg.Compress)
			if err != nil {
				slog.Warn("Failed to load existing vector database, creating new",
					"path", dbPath,
					"error", err)
				db = chromem.NewDB()
			} else {
				slog.Info("Loaded vector database from file", "path", dbPath)
				db = loaded
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	return &ChromemProvider{
		db:          db,
		persistPath: cfg.PersistPath,
		compress:    cfg.Compress,
		collections: make(map[string]*chromem.Collection),
		dims:        make(map[string]int),
	}, nil
}

func chromemDBPath(dir string, compress bool) string {
	path := dir + "/vectors.gob"
	if compress {
		path += ".gz"
	}
	return path
}

// identityEmbed rejects embedding requests. Vectors are always pre-computed
// by the embedder package before they reach the provider.
func identityEmbed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("embedding function called but vectors should be pre-computed")
}

func (p *ChromemProvider) getCollection(name string) (*chromem.Collection, error) {
	p.mu.RLock()
	if col, ok := p.collections[name]; ok {
		p.mu.RUnlock()
		return col, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if col, ok := p.collections[name]; ok {
		return col, nil
	}

	col, err := p.db.GetOrCreateCollection(name, nil, identityEmbed)
	if err != nil {
		return nil, fmt.Errorf("failed to get/create collection %q: %w", name, err)
	}
	p.collections[name] = col
	return col, nil
}

func (p *ChromemProvider) rememberDim(collection string, dim int) {
	if dim <= 0 {
		return
	}
	p.mu.Lock()
	if p.dims[collection] == 0 {
		p.dims[collection] = dim
	}
	p.mu.Unlock()
}

func (p *ChromemProvider) probeVector(collection string) ([]float32, error) {
	p.mu.RLock()
	dim := p.dims[collection]
	p.mu.RUnlock()
	if dim == 0 {
		return nil, fmt.Errorf("collection %q dimension unknown; ensure the collection before listing", collection)
	}
	probe := make([]float32, dim)
	probe[0] = 1
	return probe, nil
}

func (p *ChromemProvider) EnsureCollection(ctx context.Context, collection string, vectorSize int) error {
	if _, err := p.getCollection(collection); err != nil {
		return err
	}
	p.rememberDim(collection, vectorSize)
	return nil
}

func (p *ChromemProvider) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	col, err := p.getCollection(collection)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(points))
	for _, pt := range points {
		meta := pt.Metadata
		if _, ok := meta["id"]; !ok {
			copied := make(map[string]any, len(meta)+1)
			for k, v := range meta {
				copied[k] = v
			}
			copied["id"] = pt.ID
			meta = copied
		}
		raw, content, err := encodeChromemMetadata(meta)
		if err != nil {
			return fmt.Errorf("failed to encode metadata for %s: %w", pt.ID, err)
		}
		docs = append(docs, chromem.Document{
			ID:        pt.ID,
			Content:   content,
			Metadata:  raw,
			Embedding: pt.Vector,
		})
		p.rememberDim(collection, len(pt.Vector))
	}

	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert documents: %w", err)
	}

	if err := p.persist(); err != nil {
		slog.Warn("Failed to persist after upsert", "error", err)
	}
	return nil
}

func (p *ChromemProvider) Get(ctx context.Context, collection string, ids []string, withVectors bool) ([]Record, error) {
	col, err := p.getCollection(collection)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		doc, err := col.GetByID(ctx, id)
		if err != nil {
			// Missing ids are skipped by contract.
			continue
		}
		rec := Record{
			ID:       doc.ID,
			Metadata: decodeChromemMetadata(doc.Content, doc.Metadata),
		}
		if withVectors {
			rec.Vector = doc.Embedding
		}
		records = append(records, rec)
	}
	return records, nil
}

func (p *ChromemProvider) SetMetadata(ctx context.Context, collection string, id string, fields map[string]any) error {
	col, err := p.getCollection(collection)
	if err != nil {
		return err
	}

	doc, err := col.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	meta := decodeChromemMetadata(doc.Content, doc.Metadata)
	for k, v := range fields {
		meta[k] = v
	}
	raw, content, err := encodeChromemMetadata(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata for %s: %w", id, err)
	}

	err = col.AddDocuments(ctx, []chromem.Document{{
		ID:        id,
		Content:   content,
		Metadata:  raw,
		Embedding: doc.Embedding,
	}}, 1)
	if err != nil {
		return fmt.Errorf("failed to update metadata: %w", err)
	}

	if err := p.persist(); err != nil {
		slog.Warn("Failed to persist after metadata update", "error", err)
	}
	return nil
}

func (p *ChromemProvider) Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]Result, error) {
	col, err := p.getCollection(collection)
	if err != nil {
		return nil, err
	}

	count := col.Count()
	if count == 0 || topK <= 0 {
		return nil, nil
	}

	// Rank everything, then filter in Go. chromem's where filters only
	// cover string equality, which cannot express range or contains
	// conditions, and its nResults must not exceed the match count.
	hits, err := col.QueryEmbedding(ctx, vector, count, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]Result, 0, topK)
	for _, hit := range hits {
		meta := decodeChromemMetadata(hit.Content, hit.Metadata)
		if !filter.Matches(meta) {
			continue
		}
		results = append(results, Result{
			ID:       hit.ID,
			Score:    hit.Similarity,
			Metadata: meta,
		})
		if len(results) == topK {
			break
		}
	}
	return results, nil
}

func (p *ChromemProvider) Scroll(ctx context.Context, collection string, filter Filter, limit int, offset string) ([]Record, string, error) {
	col, err := p.getCollection(collection)
	if err != nil {
		return nil, "", err
	}

	count := col.Count()
	if count == 0 || limit <= 0 {
		return nil, "", nil
	}

	probe, err := p.probeVector(collection)
	if err != nil {
		return nil, "", err
	}

	hits, err := col.QueryEmbedding(ctx, probe, count, nil, nil)
	if err != nil {
		return nil, "", fmt.Errorf("scroll failed: %w", err)
	}

	matched := make([]Record, 0, len(hits))
	for _, hit := range hits {
		meta := decodeChromemMetadata(hit.Content, hit.Metadata)
		if !filter.Matches(meta) {
			continue
		}
		matched = append(matched, Record{ID: hit.ID, Metadata: meta})
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	start := 0
	if offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil {
			return nil, "", fmt.Errorf("invalid scroll offset %q", offset)
		}
		start = n
	}
	if start >= len(matched) {
		return nil, "", nil
	}

	end := start + limit
	next := ""
	if end < len(matched) {
		next = strconv.Itoa(end)
	} else {
		end = len(matched)
	}
	return matched[start:end], next, nil
}

func (p *ChromemProvider) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	col, err := p.getCollection(collection)
	if err != nil {
		return err
	}

	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}

	if err := p.persist(); err != nil {
		slog.Warn("Failed to persist after delete", "error", err)
	}
	return nil
}

func (p *ChromemProvider) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	col, err := p.getCollection(collection)
	if err != nil {
		return err
	}

	// Collect ids in Go so range and contains conditions behave the same
	// as on other backends.
	var ids []string
	offset := ""
	for {
		page, next, err := p.Scroll(ctx, collection, filter, 500, offset)
		if err != nil {
			return err
		}
		for _, rec := range page {
			ids = append(ids, rec.ID)
		}
		if next == "" {
			break
		}
		offset = next
	}
	if len(ids) == 0 {
		return nil
	}

	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("failed to delete by filter: %w", err)
	}

	if err := p.persist(); err != nil {
		slog.Warn("Failed to persist after delete", "error", err)
	}
	return nil
}

func (p *ChromemProvider) Count(ctx context.Context, collection string) (uint64, error) {
	col, err := p.getCollection(collection)
	if err != nil {
		return 0, err
	}
	return uint64(col.Count()), nil
}

func (p *ChromemProvider) DeleteCollection(ctx context.Context, collection string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	delete(p.collections, collection)
	delete(p.dims, collection)

	if err := p.persist(); err != nil {
		slog.Warn("Failed to persist after collection delete", "error", err)
	}
	return nil
}

func (p *ChromemProvider) Name() string { return "chromem" }

// Close persists the database and releases resources.
func (p *ChromemProvider) Close() error {
	return p.persist()
}

func (p *ChromemProvider) persist() error {
	if p.persistPath == "" {
		return nil
	}

	dbPath := chromemDBPath(p.persistPath, p.compress)
	//nolint:staticcheck // Export is deprecated but matches the load path.
	if err := p.db.Export(dbPath, p.compress, ""); err != nil {
		return fmt.Errorf("failed to persist database: %w", err)
	}
	return nil
}

func encodeChromemMetadata(meta map[string]any) (map[string]string, string, error) {
	content, _ := meta["content"].(string)
	blob, err := json.Marshal(meta)
	if err != nil {
		return nil, "", err
	}
	return map[string]string{chromemMetaKey: string(blob)}, content, nil
}

func decodeChromemMetadata(content string, raw map[string]string) map[string]any {
	meta := make(map[string]any, len(raw)+1)
	if blob, ok := raw[chromemMetaKey]; ok {
		if err := json.Unmarshal([]byte(blob), &meta); err != nil {
			meta = make(map[string]any, len(raw))
		}
	}
	if len(meta) == 0 {
		for k, v := range raw {
			if k == chromemMetaKey {
				continue
			}
			meta[k] = v
		}
	}
	if content != "" {
		if _, ok := meta["content"]; !ok {
			meta["content"] = content
		}
	}
	return meta
}

// Ensure ChromemProvider implements Provider.
var _ Provider = (*ChromemProvider)(nil)
