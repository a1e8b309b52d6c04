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

// Package search ranks stored chunks against a query.
//
// Three strategies share one entry point: vector similarity, keyword
// matching, and a hybrid that fuses both with reciprocal rank fusion.
// Results from all source collections are merged, deduplicated per parent
// document and re-scored with relevance, title and recency boosts.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/magpielabs/magpie/pkg/docstore"
	"github.com/magpielabs/magpie/pkg/document"
	"github.com/magpielabs/magpie/pkg/embedder"
	"github.com/magpielabs/magpie/pkg/vector"
)

// SearchType selects the retrieval strategy.
type SearchType string

const (
	SearchTypeVector  SearchType = "vector"
	SearchTypeKeyword SearchType = "keyword"
	SearchTypeHybrid  SearchType = "hybrid"
)

// DefaultLimit is the page size when the request does not name one.
const DefaultLimit = 20

// Request is one search across source collections.
type Request struct {
	Query      string            `json:"query"`
	Sources    []document.Source `json:"sources,omitempty"`
	SearchType SearchType        `json:"searchType,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Offset     int               `json:"offset,omitempty"`
	Where      map[string]any    `json:"where,omitempty"`
	StartDate  string            `json:"startDate,omitempty"`
	EndDate    string            `json:"endDate,omitempty"`
}

// SetDefaults fills unset fields.
func (r *Request) SetDefaults() {
	if r.SearchType == "" {
		r.SearchType = SearchTypeVector
	}
	if r.Limit <= 0 {
		r.Limit = DefaultLimit
	}
	if r.Offset < 0 {
		r.Offset = 0
	}
}

// Validate rejects requests the engine cannot serve.
func (r *Request) Validate() error {
	if r.Query == "" {
		return fmt.Errorf("query is required")
	}
	switch r.SearchType {
	case SearchTypeVector, SearchTypeKeyword, SearchTypeHybrid:
	default:
		return fmt.Errorf("unknown search type: %q", r.SearchType)
	}
	for _, source := range r.Sources {
		if _, err := document.ParseSource(string(source)); err != nil {
			return err
		}
	}
	if r.StartDate != "" {
		if _, ok := document.ParseTimestamp(r.StartDate); !ok {
			return fmt.Errorf("invalid startDate: %q", r.StartDate)
		}
	}
	if r.EndDate != "" {
		if _, ok := document.ParseTimestamp(r.EndDate); !ok {
			return fmt.Errorf("invalid endDate: %q", r.EndDate)
		}
	}
	return nil
}

// Result is one scored hit.
type Result struct {
	ID       string            `json:"id"`
	Source   document.Source   `json:"source"`
	Content  string            `json:"content"`
	Metadata document.Metadata `json:"metadata"`
	Score    float64           `json:"score"`
}

// Response carries the requested page plus the total number of merged hits.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
}

// Engine executes searches against the vector store.
type Engine struct {
	provider vector.Provider
	embedder embedder.Embedder
	now      func() time.Time
}

// NewEngine creates a search engine over the given provider and embedder.
func NewEngine(provider vector.Provider, emb embedder.Embedder) (*Engine, error) {
	if provider == nil {
		return nil, fmt.Errorf("vector provider is required")
	}
	if emb == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	return &Engine{provider: provider, embedder: emb, now: time.Now}, nil
}

// Search runs the request across all selected sources in parallel, merges
// the per-source hits, deduplicates chunks and applies the ranking boosts.
func (e *Engine) Search(ctx context.Context, req Request) (resp *Response, err error) {
	req.SetDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	started := time.Now()
	ctx, span := startSearchSpan(ctx, string(req.SearchType))
	defer func() {
		finishSearchSpan(span, resp, err)
		recordSearchMetrics(ctx, string(req.SearchType), time.Since(started), err)
	}()

	sources := req.Sources
	if len(sources) == 0 {
		sources = document.AllSources()
	}

	filter := buildFilter(req)
	fetchLimit := req.Limit + req.Offset

	// One query embedding shared across every collection.
	var queryVec []float32
	if req.SearchType != SearchTypeKeyword {
		vec, err := e.embedder.Embed(ctx, req.Query)
		if err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
		queryVec = vec
	}

	perSource := make([][]Result, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, source := range sources {
		g.Go(func() error {
			results, err := e.searchSource(gctx, source, req, queryVec, filter, fetchLimit)
			if err != nil {
				// A source with no collection yet must not sink the
				// whole query.
				slog.Warn("Source search failed", "source", source, "error", err)
				return nil
			}
			perSource[i] = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var merged []Result
	for _, results := range perSource {
		merged = append(merged, results...)
	}

	merged = dedupeChunks(merged)
	e.applyBoosts(merged, req.Query)
	sortResults(merged)

	total := len(merged)
	start := req.Offset
	if start > total {
		start = total
	}
	end := start + req.Limit
	if end > total {
		end = total
	}
	return &Response{Results: merged[start:end], Total: total}, nil
}

func (e *Engine) searchSource(ctx context.Context, source document.Source, req Request, queryVec []float32, filter vector.Filter, fetchLimit int) ([]Result, error) {
	switch req.SearchType {
	case SearchTypeKeyword:
		return e.keywordSearch(ctx, source, req.Query, filter, fetchLimit)
	case SearchTypeHybrid:
		return e.hybridSearch(ctx, source, req, queryVec, filter)
	default:
		return e.vectorSearch(ctx, source, queryVec, filter, fetchLimit)
	}
}

// vectorSearch ranks by cosine similarity, floored at zero.
func (e *Engine) vectorSearch(ctx context.Context, source document.Source, queryVec []float32, filter vector.Filter, fetchLimit int) ([]Result, error) {
	hits, err := e.provider.Search(ctx, docstore.Collection(source), queryVec, fetchLimit, filter)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		score := float64(hit.Score)
		if score < 0 {
			score = 0
		}
		results = append(results, toResult(source, hit.ID, hit.Metadata, score))
	}
	return results, nil
}

// keywordSearch fetches chunks containing every query term and scores them
// by coverage, term frequency and length.
func (e *Engine) keywordSearch(ctx context.Context, source document.Source, query string, filter vector.Filter, fetchLimit int) ([]Result, error) {
	terms := tokenizeQuery(query)
	if len(terms) == 0 {
		return nil, nil
	}

	kwFilter := filter
	kwFilter.Contains = map[string][]string{docstore.KeyContent: terms}

	records, _, err := e.provider.Scroll(ctx, docstore.Collection(source), kwFilter, fetchLimit, "")
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(records))
	for _, rec := range records {
		meta := document.Metadata(rec.Metadata)
		score := keywordScore(meta.GetString(docstore.KeyContent), terms)
		results = append(results, toResult(source, rec.ID, rec.Metadata, score))
	}
	sortResults(results)
	return results, nil
}

// hybridSearch runs both strategies wide and fuses them rank-wise.
func (e *Engine) hybridSearch(ctx context.Context, source document.Source, req Request, queryVec []float32, filter vector.Filter) ([]Result, error) {
	fetch := 2 * req.Limit

	vecResults, err := e.vectorSearch(ctx, source, queryVec, filter, fetch)
	if err != nil {
		return nil, err
	}
	kwResults, err := e.keywordSearch(ctx, source, req.Query, filter, fetch)
	if err != nil {
		return nil, err
	}
	return fuseRRF(vecResults, kwResults), nil
}

// buildFilter translates the request's where clause and date range into a
// provider filter. Date bounds land on the numeric createdAtTs field; the
// end date is pushed to the last millisecond of its day.
func buildFilter(req Request) vector.Filter {
	var filter vector.Filter
	if len(req.Where) > 0 {
		filter.Equals = make(map[string]any, len(req.Where))
		for k, v := range req.Where {
			filter.Equals[k] = v
		}
	}

	var gte, lte *float64
	if req.StartDate != "" {
		if ms, ok := document.EpochMillis(req.StartDate); ok {
			v := float64(ms)
			gte = &v
		}
	}
	if req.EndDate != "" {
		if ts, ok := document.ParseTimestamp(req.EndDate); ok {
			t := ts.UTC()
			endOfDay := time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 999000000, time.UTC)
			v := float64(endOfDay.UnixMilli())
			lte = &v
		}
	}
	if gte != nil || lte != nil {
		filter.Ranges = append(filter.Ranges, vector.RangeCondition{
			Key: docstore.KeyCreatedAtTs,
			GTE: gte,
			LTE: lte,
		})
	}
	return filter
}

func toResult(source document.Source, id string, meta map[string]any, score float64) Result {
	m := document.Metadata(meta)
	src := source
	if name := m.GetString("source"); name != "" {
		if parsed, err := document.ParseSource(name); err == nil {
			src = parsed
		}
	}
	return Result{
		ID:       id,
		Source:   src,
		Content:  m.GetString(docstore.KeyContent),
		Metadata: m,
		Score:    score,
	}
}
