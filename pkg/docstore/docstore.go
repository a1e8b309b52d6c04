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

// Package docstore is the write gateway in front of the vector store.
//
// It turns normalized documents into stored chunks: content is sanitized,
// split, prefixed with a context header, embedded and upserted into the
// source's collection. A content hash per chunk lets re-ingestion of
// unchanged text skip the embedding call and update metadata in place.
package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/magpielabs/magpie/pkg/chunk"
	"github.com/magpielabs/magpie/pkg/document"
	"github.com/magpielabs/magpie/pkg/embedder"
	"github.com/magpielabs/magpie/pkg/vector"
)

// CollectionPrefix is prepended to the source name to form collection names.
const CollectionPrefix = "collector_"

// Reserved metadata keys written by the gateway. Search and navigation read
// them back by the same names.
const (
	KeyContent         = "content"
	KeyOriginalContent = "_originalContent"
	KeyContentHash     = "_contentHash"
	KeyParentDocID     = "parentDocId"
	KeyChunkIndex      = "chunkIndex"
	KeyTotalChunks     = "totalChunks"
	KeyCreatedAtTs     = "createdAtTs"
	KeyUpdatedAtTs     = "updatedAtTs"
)

const (
	// maxOriginalContent bounds the display copy of a chunk, in runes.
	maxOriginalContent = 8000

	// getBatchSize and upsertBatchSize keep single vector-store calls small.
	getBatchSize    = 100
	upsertBatchSize = 100

	// migrateScrollPage is the scroll page size for metadata sweeps.
	migrateScrollPage = 200
)

// Collection returns the vector store collection name for a source.
func Collection(source document.Source) string {
	return CollectionPrefix + string(source)
}

// Store writes documents into per-source vector collections and deletes
// them again. It is the only component that writes chunks and embeddings.
type Store struct {
	provider vector.Provider
	embedder embedder.Embedder
	splitter *chunk.Splitter
}

// New creates a Store. All three dependencies are required; the splitter
// decides chunk boundaries and therefore chunk hashes, so it must be
// configured identically across runs.
func New(provider vector.Provider, emb embedder.Embedder, splitter *chunk.Splitter) (*Store, error) {
	if provider == nil {
		return nil, fmt.Errorf("vector provider is required")
	}
	if emb == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if splitter == nil {
		return nil, fmt.Errorf("splitter is required")
	}
	return &Store{provider: provider, embedder: emb, splitter: splitter}, nil
}

// UpsertStats reports what a single Upsert call did.
type UpsertStats struct {
	Documents    int `json:"documents"`
	Chunks       int `json:"chunks"`
	Embedded     int `json:"embedded"`
	MetadataOnly int `json:"metadataOnly"`
}

// chunkItem is one stored chunk in flight: its id, the text that gets
// embedded, the hash of the raw chunk and the full metadata payload.
type chunkItem struct {
	id       string
	text     string
	hash     string
	metadata document.Metadata
}

// Upsert writes documents into the source's collection.
//
// Each document is sanitized and chunked, every chunk gets a context header
// for embedding, and the raw chunk's hash is compared against what the store
// already holds. Chunks whose hash is unchanged are updated metadata-only;
// everything else is embedded in one batch and upserted.
func (s *Store) Upsert(ctx context.Context, source document.Source, docs []document.Document) (UpsertStats, error) {
	stats := UpsertStats{Documents: len(docs)}
	if len(docs) == 0 {
		return stats, nil
	}

	collection := Collection(source)
	if err := s.provider.EnsureCollection(ctx, collection, s.embedder.Dimension()); err != nil {
		return stats, fmt.Errorf("failed to ensure collection %s: %w", collection, err)
	}

	var items []chunkItem
	for i := range docs {
		doc := docs[i]
		if doc.Source == "" {
			doc.Source = source
		}
		items = append(items, s.buildChunkItems(doc)...)
	}
	stats.Chunks = len(items)
	if len(items) == 0 {
		return stats, nil
	}

	existing, err := s.existingHashes(ctx, collection, items)
	if err != nil {
		return stats, err
	}

	var upserts, updates []chunkItem
	for _, item := range items {
		if hash, ok := existing[item.id]; ok && hash == item.hash {
			updates = append(updates, item)
		} else {
			upserts = append(upserts, item)
		}
	}

	if len(upserts) > 0 {
		texts := make([]string, len(upserts))
		for i, item := range upserts {
			texts[i] = item.text
		}
		vectors, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return stats, fmt.Errorf("embedding failed: %w", err)
		}
		if len(vectors) != len(upserts) {
			return stats, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(upserts))
		}

		for start := 0; start < len(upserts); start += upsertBatchSize {
			end := start + upsertBatchSize
			if end > len(upserts) {
				end = len(upserts)
			}
			points := make([]vector.Point, 0, end-start)
			for i := start; i < end; i++ {
				points = append(points, vector.Point{
					ID:       upserts[i].id,
					Vector:   vectors[i],
					Metadata: upserts[i].metadata,
				})
			}
			if err := s.provider.Upsert(ctx, collection, points); err != nil {
				return stats, fmt.Errorf("vector upsert failed: %w", err)
			}
			stats.Embedded += len(points)
		}
	}

	// Unchanged chunks still receive fresh metadata: relevance scores and
	// cursor-derived fields move even when the text does not.
	for _, item := range updates {
		if err := s.provider.SetMetadata(ctx, collection, item.id, item.metadata); err != nil {
			return stats, fmt.Errorf("metadata update failed for %s: %w", item.id, err)
		}
	}
	stats.MetadataOnly = len(updates)

	slog.Debug("Upserted documents",
		"source", source,
		"documents", stats.Documents,
		"chunks", stats.Chunks,
		"embedded", stats.Embedded,
		"metadata_only", stats.MetadataOnly)
	return stats, nil
}

// buildChunkItems expands one document into its stored chunks.
func (s *Store) buildChunkItems(doc document.Document) []chunkItem {
	content := sanitizeText(doc.Content)

	var chunks []string
	if len(doc.PreChunked) > 1 {
		chunks = make([]string, len(doc.PreChunked))
		for i, c := range doc.PreChunked {
			chunks[i] = sanitizeText(c)
		}
	} else {
		chunks = s.splitter.ChunkSentences(content)
	}

	header := contextHeader(&doc)
	items := make([]chunkItem, 0, len(chunks))
	for i, raw := range chunks {
		id := doc.ID
		meta := doc.Metadata.Clone()
		if meta == nil {
			meta = make(document.Metadata, 8)
		}
		if len(chunks) > 1 {
			id = fmt.Sprintf("%s_chunk_%d", doc.ID, i)
			meta[KeyParentDocID] = doc.ID
			meta[KeyChunkIndex] = float64(i)
			meta[KeyTotalChunks] = float64(len(chunks))
		}
		meta["id"] = id
		meta["source"] = string(doc.Source)

		text := raw
		if header != "" {
			text = header + "\n\n" + raw
		}
		meta[KeyContent] = text
		meta[KeyOriginalContent] = truncateRunes(raw, maxOriginalContent)

		hash := chunkHash(raw)
		meta[KeyContentHash] = hash
		attachEpochFields(meta)

		items = append(items, chunkItem{id: id, text: text, hash: hash, metadata: meta})
	}
	return items
}

// existingHashes fetches the stored content hash for every chunk id, in
// batches, so the caller can decide what actually needs re-embedding.
func (s *Store) existingHashes(ctx context.Context, collection string, items []chunkItem) (map[string]string, error) {
	hashes := make(map[string]string, len(items))
	for start := 0; start < len(items); start += getBatchSize {
		end := start + getBatchSize
		if end > len(items) {
			end = len(items)
		}
		ids := make([]string, 0, end-start)
		for _, item := range items[start:end] {
			ids = append(ids, item.id)
		}
		records, err := s.provider.Get(ctx, collection, ids, false)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch existing chunks: %w", err)
		}
		for _, rec := range records {
			if h := document.Metadata(rec.Metadata).GetString(KeyContentHash); h != "" {
				hashes[rec.ID] = h
			}
		}
	}
	return hashes, nil
}

// attachEpochFields mirrors the createdAt/updatedAt strings as epoch-millis
// numbers so the store can range-filter on them.
func attachEpochFields(meta document.Metadata) {
	if ms, ok := document.EpochMillis(meta.GetString("createdAt")); ok {
		meta[KeyCreatedAtTs] = float64(ms)
	}
	if ms, ok := document.EpochMillis(meta.GetString("updatedAt")); ok {
		meta[KeyUpdatedAtTs] = float64(ms)
	}
}

// chunkHash is the change detector for a stored chunk. It hashes the raw
// chunk text, not the embeddable text, so header format changes do not force
// a re-embed of the whole corpus.
func chunkHash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Delete removes a document and every chunk that points back at it.
func (s *Store) Delete(ctx context.Context, source document.Source, id string) error {
	collection := Collection(source)
	if err := s.provider.Delete(ctx, collection, []string{id}); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	filter := vector.Filter{Equals: map[string]any{KeyParentDocID: id}}
	if err := s.provider.DeleteByFilter(ctx, collection, filter); err != nil {
		return fmt.Errorf("failed to delete chunks of %s: %w", id, err)
	}
	return nil
}

// MigrateTimestamps backfills the numeric createdAtTs/updatedAtTs fields on
// entries written before those fields existed. Metadata-only: vectors are
// untouched. Returns the number of entries updated.
func (s *Store) MigrateTimestamps(ctx context.Context, source document.Source) (int, error) {
	collection := Collection(source)
	migrated := 0
	offset := ""
	for {
		records, next, err := s.provider.Scroll(ctx, collection, vector.Filter{}, migrateScrollPage, offset)
		if err != nil {
			return migrated, fmt.Errorf("scroll failed for %s: %w", collection, err)
		}
		for _, rec := range records {
			meta := document.Metadata(rec.Metadata)
			if _, ok := meta.GetNumber(KeyCreatedAtTs); ok {
				continue
			}
			ms, ok := document.EpochMillis(meta.GetString("createdAt"))
			if !ok {
				continue
			}
			fields := map[string]any{KeyCreatedAtTs: float64(ms)}
			if ums, ok := document.EpochMillis(meta.GetString("updatedAt")); ok {
				fields[KeyUpdatedAtTs] = float64(ums)
			}
			if err := s.provider.SetMetadata(ctx, collection, rec.ID, fields); err != nil {
				return migrated, fmt.Errorf("failed to update %s: %w", rec.ID, err)
			}
			migrated++
		}
		if next == "" {
			break
		}
		offset = next
	}
	if migrated > 0 {
		slog.Info("Migrated timestamp fields", "source", source, "migrated", migrated)
	}
	return migrated, nil
}

// EnsureCollections creates every source collection up front, sized to the
// embedder's dimension.
func (s *Store) EnsureCollections(ctx context.Context) error {
	for _, source := range document.AllSources() {
		if err := s.provider.EnsureCollection(ctx, Collection(source), s.embedder.Dimension()); err != nil {
			return fmt.Errorf("failed to ensure collection for %s: %w", source, err)
		}
	}
	return nil
}

// Count reports how many chunks a source's collection holds.
func (s *Store) Count(ctx context.Context, source document.Source) (uint64, error) {
	return s.provider.Count(ctx, Collection(source))
}

// Reset drops a source's collection entirely.
func (s *Store) Reset(ctx context.Context, source document.Source) error {
	if err := s.provider.DeleteCollection(ctx, Collection(source)); err != nil {
		return fmt.Errorf("failed to reset collection for %s: %w", source, err)
	}
	return nil
}

// SourceFromCollection is the inverse of Collection. It returns false for
// collection names outside the collector's namespace.
func SourceFromCollection(collection string) (document.Source, bool) {
	name, ok := strings.CutPrefix(collection, CollectionPrefix)
	if !ok {
		return "", false
	}
	source, err := document.ParseSource(name)
	if err != nil {
		return "", false
	}
	return source, true
}
