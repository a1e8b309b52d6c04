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

// Package engine turns connector batches into vector store writes. One
// RunBatch call performs exactly one connector fetch plus enrichment,
// change detection, persistence and cursor advancement; callers loop
// while HasMore is set. The engine is the sole writer of documents,
// hashes and cursors.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/magpielabs/magpie/pkg/archive"
	"github.com/magpielabs/magpie/pkg/connector"
	"github.com/magpielabs/magpie/pkg/cursorstore"
	"github.com/magpielabs/magpie/pkg/docstore"
	"github.com/magpielabs/magpie/pkg/document"
	"github.com/magpielabs/magpie/pkg/relevance"
)

const (
	// persistAttempts bounds vector store write retries per batch.
	persistAttempts = 3

	// batchPause is slept after every batch; bulkPause is slept each time
	// a source accumulates another bulkPauseEvery processed documents.
	batchPause     = 500 * time.Millisecond
	bulkPause      = 2 * time.Second
	bulkPauseEvery = 500

	// maxConsecutiveFailures aborts a RunSource sweep.
	maxConsecutiveFailures = 3
)

// DocumentWriter is the vector store surface the engine persists through.
type DocumentWriter interface {
	Upsert(ctx context.Context, source document.Source, docs []document.Document) (docstore.UpsertStats, error)
}

// Deps wires an Engine. Archive may be nil; everything else is required.
type Deps struct {
	Registry  *connector.Registry
	Cursors   *cursorstore.Store
	Settings  *SettingsStore
	Documents DocumentWriter
	Enricher  *relevance.Enricher
	Archive   *archive.Archive
}

type Engine struct {
	registry *connector.Registry
	cursors  *cursorstore.Store
	settings *SettingsStore
	docs     DocumentWriter
	enricher *relevance.Enricher
	archive  *archive.Archive

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)

	// accumulated counts processed documents per source since the last
	// completed sweep, for the bulk backpressure pause.
	mu          sync.Mutex
	accumulated map[document.Source]int
}

func New(deps Deps) (*Engine, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("engine requires a connector registry")
	case deps.Cursors == nil:
		return nil, errors.New("engine requires a cursor store")
	case deps.Settings == nil:
		return nil, errors.New("engine requires a settings store")
	case deps.Documents == nil:
		return nil, errors.New("engine requires a document writer")
	case deps.Enricher == nil:
		return nil, errors.New("engine requires a relevance enricher")
	}

	return &Engine{
		registry:    deps.Registry,
		cursors:     deps.Cursors,
		settings:    deps.Settings,
		docs:        deps.Documents,
		enricher:    deps.Enricher,
		archive:     deps.Archive,
		now:         time.Now,
		sleep:       sleepCtx,
		accumulated: make(map[document.Source]int),
	}, nil
}

// BatchResult reports one RunBatch invocation. DocumentsProcessed counts
// documents actually written; a batch whose documents all hashed unchanged
// reports zero.
type BatchResult struct {
	DocumentsProcessed int  `json:"documentsProcessed"`
	DocumentsNew       int  `json:"documentsNew"`
	DocumentsUpdated   int  `json:"documentsUpdated"`
	DocumentsSkipped   int  `json:"documentsSkipped"`
	HasMore            bool `json:"hasMore"`
}

// RunBatch executes one indexing batch for a source.
//
// The stored cursor decides where the connector resumes. A fullReindex
// request, or a filter configuration that no longer matches the one the
// cursor was built under, discards the cursor for this batch so the sweep
// restarts from the beginning.
func (e *Engine) RunBatch(ctx context.Context, source document.Source, req *connector.IndexRequest) (result *BatchResult, err error) {
	start := time.Now()
	ctx, span := startBatchSpan(ctx, source)
	defer func() {
		finishBatchSpan(span, result, err)
		recordBatchMetrics(ctx, source, time.Since(start), result, err)
	}()

	conn, ok := e.registry.Get(source)
	if !ok {
		return nil, fmt.Errorf("no connector registered for source %s", source)
	}
	if !conn.IsConfigured() {
		slog.Debug("Source not configured, skipping", "source", source)
		return &BatchResult{}, nil
	}

	saved, err := e.settings.Get(ctx, source)
	if err != nil {
		return nil, err
	}
	merged := mergeRequest(req, saved)

	key := configKey(source, merged)
	cursor, err := e.cursors.GetCursor(ctx, source)
	if err != nil {
		return nil, err
	}
	full := merged.FullReindex
	if cursor != nil && cursor.ConfigKey() != key {
		slog.Info("Filter configuration changed, forcing full reindex",
			"source", source, "previous", cursor.ConfigKey(), "current", key)
		full = true
	}
	if full {
		cursor = nil
	}

	res, err := conn.Fetch(ctx, cursor, merged)
	if err != nil {
		return nil, fmt.Errorf("fetch failed for %s: %w", source, err)
	}

	docs := e.enricher.Enrich(source, res.Documents)

	changed, result, hashes, err := e.diff(ctx, source, docs, full)
	if err != nil {
		return nil, err
	}

	if len(changed) > 0 {
		e.archiveDocs(source, changed)
		if err := e.persist(ctx, source, changed); err != nil {
			return nil, err
		}
		if err := e.cursors.BulkSetHashes(ctx, source, hashes); err != nil {
			return nil, fmt.Errorf("failed to store hashes for %s: %w", source, err)
		}
	}

	advanced, err := e.advanceCursor(ctx, source, cursor, res, key)
	if err != nil {
		return nil, err
	}

	if err := e.bumpStatus(ctx, source, result.DocumentsProcessed, advanced.LastSync); err != nil {
		return nil, err
	}

	e.pace(ctx, source, result.DocumentsProcessed, res.HasMore)

	result.HasMore = res.HasMore
	return result, nil
}

// diff partitions enriched documents into changed and unchanged against
// the stored hashes. Under a full reindex the stored hashes are ignored
// and every document counts as new.
func (e *Engine) diff(ctx context.Context, source document.Source, docs []document.Document, full bool) ([]document.Document, *BatchResult, map[string]string, error) {
	result := &BatchResult{}
	if len(docs) == 0 {
		return nil, result, nil, nil
	}

	hashes := make(map[string]string, len(docs))
	if full {
		for i := range docs {
			hashes[docs[i].ID] = document.Hash(&docs[i])
		}
		result.DocumentsProcessed = len(docs)
		result.DocumentsNew = len(docs)
		return docs, result, hashes, nil
	}

	ids := make([]string, len(docs))
	for i := range docs {
		ids[i] = docs[i].ID
	}
	stored, err := e.cursors.BulkGetHashes(ctx, source, ids)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load hashes for %s: %w", source, err)
	}

	changed := make([]document.Document, 0, len(docs))
	for i := range docs {
		hash := document.Hash(&docs[i])
		switch stored[i] {
		case hash:
			result.DocumentsSkipped++
			continue
		case "":
			result.DocumentsNew++
		default:
			result.DocumentsUpdated++
		}
		hashes[docs[i].ID] = hash
		changed = append(changed, docs[i])
	}
	result.DocumentsProcessed = len(changed)
	return changed, result, hashes, nil
}

// archiveDocs snapshots raw documents to disk. Failures never stop a batch.
func (e *Engine) archiveDocs(source document.Source, docs []document.Document) {
	if e.archive == nil {
		return
	}
	for i := range docs {
		if err := e.archive.Save(source, docs[i]); err != nil {
			slog.Warn("Raw document archive failed", "source", source, "id", docs[i].ID, "error", err)
		}
	}
}

// persist writes changed documents to the vector store, retrying with
// linear backoff. The vector store has authority: if it never accepts the
// batch, the caller must not record new hashes.
func (e *Engine) persist(ctx context.Context, source document.Source, docs []document.Document) error {
	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		_, err = e.docs.Upsert(ctx, source, docs)
		if err == nil {
			return nil
		}
		if attempt == persistAttempts {
			break
		}
		backoff := time.Duration(attempt) * time.Second
		slog.Warn("Vector store write failed, retrying",
			"source", source, "attempt", attempt, "backoff", backoff, "error", err)
		e.sleep(ctx, backoff)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("vector store write failed for %s after %d attempts: %w", source, persistAttempts, err)
}

// advanceCursor composes and saves the post-batch cursor.
//
// An empty new syncToken means the sweep is done: the high-watermark moves
// to the latest timestamp the batch observed (or now for an empty batch).
// A non-empty token means mid-page: the prior watermark is preserved so
// the in-flight page sequence keeps a stable filter, and is seeded only
// when no watermark exists yet. Connector cursor metadata is merged on
// every batch; sources like Calendar carry their real position there.
func (e *Engine) advanceCursor(ctx context.Context, source document.Source, prior *cursorstore.Cursor, res *connector.Result, key string) (*cursorstore.Cursor, error) {
	meta := make(map[string]any)
	if prior != nil {
		for k, v := range prior.Metadata {
			meta[k] = v
		}
	}
	for k, v := range res.NewCursor.Metadata {
		meta[k] = v
	}

	next := &cursorstore.Cursor{Source: source, Metadata: meta}
	next.SetConfigKey(key)

	watermark := res.BatchLastSync
	if watermark == "" {
		watermark = e.now().UTC().Format(time.RFC3339)
	}

	if res.NewCursor.SyncToken == "" {
		next.LastSync = watermark
	} else {
		next.SyncToken = res.NewCursor.SyncToken
		if prior != nil && prior.LastSync != "" {
			next.LastSync = prior.LastSync
		} else {
			next.LastSync = watermark
		}
	}

	if err := e.cursors.SaveCursor(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to save cursor for %s: %w", source, err)
	}
	return next, nil
}

// bumpStatus adds the batch's document count to the source status and
// mirrors the advanced watermark. Terminal run state belongs to the
// caller, never to the engine.
func (e *Engine) bumpStatus(ctx context.Context, source document.Source, indexed int, lastSync string) error {
	status, err := e.cursors.GetStatus(ctx, source)
	if err != nil {
		return err
	}
	status.DocumentsIndexed += indexed
	if lastSync != "" {
		status.LastSync = lastSync
	}
	if err := e.cursors.SaveStatus(ctx, status); err != nil {
		return err
	}
	return nil
}

// pace applies the backpressure pauses: a fixed pause per batch, plus a
// longer one each time a source crosses another bulkPauseEvery processed
// documents. The per-source tally resets when the sweep completes.
func (e *Engine) pace(ctx context.Context, source document.Source, processed int, hasMore bool) {
	e.sleep(ctx, batchPause)

	e.mu.Lock()
	e.accumulated[source] += processed
	pause := e.accumulated[source] >= bulkPauseEvery
	if pause {
		e.accumulated[source] -= bulkPauseEvery
	}
	if !hasMore {
		delete(e.accumulated, source)
	}
	e.mu.Unlock()

	if pause {
		e.sleep(ctx, bulkPause)
	}
}

// RunStats aggregates a whole RunSource sweep.
type RunStats struct {
	Batches            int `json:"batches"`
	DocumentsProcessed int `json:"documentsProcessed"`
	DocumentsNew       int `json:"documentsNew"`
	DocumentsUpdated   int `json:"documentsUpdated"`
	DocumentsSkipped   int `json:"documentsSkipped"`
}

// RunSource drives RunBatch until the source reports no more data. It is
// the direct loop behind the one-shot CLI; the workflow runtime wraps
// RunBatch itself to interleave run records and cancellation.
//
// On a failed batch the loop backs off exponentially. Before the final
// allowed retry any saved syncToken is cleared, which recovers uniformly
// from pagination state the backend no longer accepts. Three consecutive
// failures abort the sweep.
func (e *Engine) RunSource(ctx context.Context, source document.Source, req *connector.IndexRequest) (*RunStats, error) {
	run := req.Clone()
	stats := &RunStats{}
	consecutive := 0

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		res, err := e.RunBatch(ctx, source, run)
		if err != nil {
			consecutive++
			if consecutive >= maxConsecutiveFailures {
				return stats, fmt.Errorf("aborting %s after %d consecutive failures: %w", source, consecutive, err)
			}
			if consecutive == maxConsecutiveFailures-1 {
				e.ClearSyncToken(ctx, source)
			}
			backoff := time.Duration(1<<consecutive) * time.Second
			slog.Warn("Batch failed, backing off",
				"source", source, "consecutiveFailures", consecutive, "backoff", backoff, "error", err)
			e.sleep(ctx, backoff)
			continue
		}

		consecutive = 0
		// Only the first successful batch starts from scratch; the rest of
		// the sweep follows the cursor it produced.
		run.FullReindex = false

		stats.Batches++
		stats.DocumentsProcessed += res.DocumentsProcessed
		stats.DocumentsNew += res.DocumentsNew
		stats.DocumentsUpdated += res.DocumentsUpdated
		stats.DocumentsSkipped += res.DocumentsSkipped
		slog.Info("Indexed batch",
			"source", source, "batch", stats.Batches,
			"processed", res.DocumentsProcessed, "skipped", res.DocumentsSkipped,
			"hasMore", res.HasMore)

		if !res.HasMore {
			return stats, nil
		}
	}
}

// ClearSyncToken drops pagination state so the next batch restarts the
// page sequence without losing the high-watermark. Retry loops call it
// before their final attempt; it is a no-op when no token is saved.
func (e *Engine) ClearSyncToken(ctx context.Context, source document.Source) {
	cursor, err := e.cursors.GetCursor(ctx, source)
	if err != nil || cursor == nil || cursor.SyncToken == "" {
		return
	}
	cursor.SyncToken = ""
	if err := e.cursors.SaveCursor(ctx, cursor); err != nil {
		slog.Warn("Failed to clear sync token", "source", source, "error", err)
		return
	}
	slog.Warn("Cleared sync token before final retry", "source", source)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
