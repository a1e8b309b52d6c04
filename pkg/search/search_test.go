package search

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magpielabs/magpie/pkg/document"
	"github.com/magpielabs/magpie/pkg/vector"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// stubProvider serves canned hits per collection. Only the read paths the
// engine touches are overridden; everything else is the nil provider.
type stubProvider struct {
	vector.NilProvider

	mu            sync.Mutex
	searchHits    map[string][]vector.Result
	scrollRecs    map[string][]vector.Record
	searchErr     map[string]error
	searchFilters map[string]vector.Filter
	scrollFilters map[string]vector.Filter
	searchCalls   int
}

func newStubProvider() *stubProvider {
	return &stubProvider{
		searchHits:    make(map[string][]vector.Result),
		scrollRecs:    make(map[string][]vector.Record),
		searchErr:     make(map[string]error),
		searchFilters: make(map[string]vector.Filter),
		scrollFilters: make(map[string]vector.Filter),
	}
}

func (s *stubProvider) Search(_ context.Context, collection string, _ []float32, topK int, filter vector.Filter) ([]vector.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchCalls++
	s.searchFilters[collection] = filter
	if err := s.searchErr[collection]; err != nil {
		return nil, err
	}
	hits := s.searchHits[collection]
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *stubProvider) Scroll(_ context.Context, collection string, filter vector.Filter, limit int, _ string) ([]vector.Record, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrollFilters[collection] = filter
	var out []vector.Record
	for _, rec := range s.scrollRecs[collection] {
		if !filter.Matches(rec.Metadata) {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out, "", nil
}

type stubEmbedder struct {
	vec   []float32
	calls int
	err   error
}

func (s *stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.vec, nil
}

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vec
	}
	return out, nil
}

func (s *stubEmbedder) Dimension() int { return 3 }
func (s *stubEmbedder) Model() string  { return "stub-model" }
func (s *stubEmbedder) Close() error   { return nil }

func newTestEngine(t *testing.T, provider vector.Provider) (*Engine, *stubEmbedder) {
	t.Helper()
	emb := &stubEmbedder{vec: []float32{1, 0, 0}}
	engine, err := NewEngine(provider, emb)
	require.NoError(t, err)
	engine.now = func() time.Time { return testNow }
	return engine, emb
}

// plainMeta builds hit metadata that triggers none of the ranking boosts.
func plainMeta(source, content string) map[string]any {
	return map[string]any{"source": source, "content": content}
}

func TestRequestDefaults(t *testing.T) {
	req := Request{Query: "q"}
	req.SetDefaults()
	assert.Equal(t, SearchTypeVector, req.SearchType)
	assert.Equal(t, DefaultLimit, req.Limit)
	assert.Equal(t, 0, req.Offset)
}

func TestRequestValidate(t *testing.T) {
	valid := Request{Query: "q", SearchType: SearchTypeHybrid, Limit: 5}
	assert.NoError(t, valid.Validate())

	cases := []Request{
		{SearchType: SearchTypeVector},
		{Query: "q", SearchType: "fuzzy"},
		{Query: "q", SearchType: SearchTypeVector, Sources: []document.Source{"intranet"}},
		{Query: "q", SearchType: SearchTypeVector, StartDate: "not-a-date"},
		{Query: "q", SearchType: SearchTypeVector, EndDate: "also bad"},
	}
	for i, req := range cases {
		assert.Error(t, req.Validate(), "case %d", i)
	}
}

func TestSearchMergesSourcesAndEmbedsOnce(t *testing.T) {
	provider := newStubProvider()
	provider.searchHits["collector_jira"] = []vector.Result{
		{ID: "j1", Score: 0.8, Metadata: plainMeta("jira", "jira doc")},
	}
	provider.searchHits["collector_slack"] = []vector.Result{
		{ID: "s1", Score: -0.2, Metadata: plainMeta("slack", "slack one")},
		{ID: "s2", Score: 0.5, Metadata: plainMeta("slack", "slack two")},
	}
	engine, emb := newTestEngine(t, provider)

	resp, err := engine.Search(context.Background(), Request{
		Query:   "anything",
		Sources: []document.Source{document.SourceJira, document.SourceSlack},
		Limit:   10,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, emb.calls)
	assert.Equal(t, 3, resp.Total)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "j1", resp.Results[0].ID)
	assert.Equal(t, document.SourceJira, resp.Results[0].Source)
	assert.InDelta(t, 0.8, resp.Results[0].Score, 1e-6)
	assert.Equal(t, "s2", resp.Results[1].ID)

	// Negative cosine similarity floors at zero.
	assert.Equal(t, "s1", resp.Results[2].ID)
	assert.Equal(t, 0.0, resp.Results[2].Score)
}

func TestSearchPaginates(t *testing.T) {
	provider := newStubProvider()
	hits := make([]vector.Result, 5)
	for i := range hits {
		hits[i] = vector.Result{
			ID:       fmt.Sprintf("g%d", i),
			Score:    float32(0.9) - float32(i)*0.1,
			Metadata: plainMeta("github", "doc"),
		}
	}
	provider.searchHits["collector_github"] = hits
	engine, _ := newTestEngine(t, provider)

	resp, err := engine.Search(context.Background(), Request{
		Query:   "q",
		Sources: []document.Source{document.SourceGithub},
		Limit:   2,
		Offset:  1,
	})
	require.NoError(t, err)

	// fetchLimit = limit + offset caps what each source returns.
	assert.Equal(t, 3, resp.Total)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "g1", resp.Results[0].ID)
	assert.Equal(t, "g2", resp.Results[1].ID)
}

func TestSearchPassesWhereAndDateFilter(t *testing.T) {
	provider := newStubProvider()
	engine, _ := newTestEngine(t, provider)

	_, err := engine.Search(context.Background(), Request{
		Query:     "q",
		Sources:   []document.Source{document.SourceJira},
		Where:     map[string]any{"project": "CORE"},
		StartDate: "2026-01-01",
		EndDate:   "2026-01-31",
	})
	require.NoError(t, err)

	filter := provider.searchFilters["collector_jira"]
	assert.Equal(t, "CORE", filter.Equals["project"])
	require.Len(t, filter.Ranges, 1)

	cond := filter.Ranges[0]
	assert.Equal(t, "createdAtTs", cond.Key)
	require.NotNil(t, cond.GTE)
	assert.Equal(t, float64(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()), *cond.GTE)
	require.NotNil(t, cond.LTE)
	assert.Equal(t, float64(time.Date(2026, 1, 31, 23, 59, 59, 999000000, time.UTC).UnixMilli()), *cond.LTE)
}

func TestSearchSurvivesFailingSource(t *testing.T) {
	provider := newStubProvider()
	provider.searchErr["collector_jira"] = fmt.Errorf("collection missing")
	provider.searchHits["collector_slack"] = []vector.Result{
		{ID: "s1", Score: 0.7, Metadata: plainMeta("slack", "doc")},
	}
	engine, _ := newTestEngine(t, provider)

	resp, err := engine.Search(context.Background(), Request{
		Query:   "q",
		Sources: []document.Source{document.SourceJira, document.SourceSlack},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "s1", resp.Results[0].ID)
}

func TestKeywordSearchScoresByTerms(t *testing.T) {
	provider := newStubProvider()
	provider.scrollRecs["collector_confluence"] = []vector.Record{
		{ID: "c1", Metadata: plainMeta("confluence", "deploy the deploy pipeline")},
		{ID: "c2", Metadata: plainMeta("confluence", "the pipeline design doc")},
		{ID: "c3", Metadata: plainMeta("confluence", "unrelated notes")},
	}
	engine, emb := newTestEngine(t, provider)

	resp, err := engine.Search(context.Background(), Request{
		Query:      "deploy pipeline",
		Sources:    []document.Source{document.SourceConfluence},
		SearchType: SearchTypeKeyword,
	})
	require.NoError(t, err)

	// Keyword mode never embeds.
	assert.Equal(t, 0, emb.calls)

	// The contains filter keeps only chunks with every term.
	contains := provider.scrollFilters["collector_confluence"].Contains
	assert.Equal(t, []string{"deploy", "pipeline"}, contains["content"])

	require.Len(t, resp.Results, 1)
	assert.Equal(t, "c1", resp.Results[0].ID)
	assert.Greater(t, resp.Results[0].Score, 0.8)
}

func TestHybridSearchFusesRanks(t *testing.T) {
	provider := newStubProvider()
	provider.searchHits["collector_drive"] = []vector.Result{
		{ID: "A", Score: 0.9, Metadata: plainMeta("drive", "release checklist steps")},
		{ID: "B", Score: 0.5, Metadata: plainMeta("drive", "travel policy")},
	}
	provider.scrollRecs["collector_drive"] = []vector.Record{
		{ID: "A", Metadata: plainMeta("drive", "release checklist steps")},
		{ID: "B", Metadata: plainMeta("drive", "travel policy")},
	}
	engine, _ := newTestEngine(t, provider)

	resp, err := engine.Search(context.Background(), Request{
		Query:      "release checklist",
		Sources:    []document.Source{document.SourceDrive},
		SearchType: SearchTypeHybrid,
		Limit:      10,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	// A leads both lists: rrf = 2/(k+1), normalized to 1.0.
	assert.Equal(t, "A", resp.Results[0].ID)
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-9)

	// B is second in the vector list only: (1/62) / (2/61).
	assert.Equal(t, "B", resp.Results[1].ID)
	assert.InDelta(t, (1.0/62)/(2.0/61), resp.Results[1].Score, 1e-9)
}

func TestSearchRejectsBadRequest(t *testing.T) {
	engine, _ := newTestEngine(t, newStubProvider())

	_, err := engine.Search(context.Background(), Request{})
	assert.Error(t, err)

	_, err = engine.Search(context.Background(), Request{Query: "q", SearchType: "fuzzy"})
	assert.Error(t, err)
}

func TestSearchEmbedErrorFails(t *testing.T) {
	engine, emb := newTestEngine(t, newStubProvider())
	emb.err = fmt.Errorf("model offline")

	_, err := engine.Search(context.Background(), Request{Query: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to embed query")
}
