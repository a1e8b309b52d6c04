package search

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magpielabs/magpie/pkg/document"
)

func TestTokenizeQuery(t *testing.T) {
	assert.Equal(t, []string{"deploy", "the", "pipeline"}, tokenizeQuery("Deploy THE pipeline a x"))
	assert.Empty(t, tokenizeQuery("a b c"))
	assert.Empty(t, tokenizeQuery(""))
}

func TestKeywordScore(t *testing.T) {
	terms := []string{"deploy", "pipeline"}

	// Both terms present, "deploy" twice:
	// coverage 1, tfSum = (1+ln2) + 1, tf = tfSum/2/3, norm = 1.
	content := "deploy the deploy pipeline"
	want := 0.6 + 0.3*((1+math.Log(2))+1)/2/3 + 0.1
	assert.InDelta(t, want, keywordScore(content, terms), 1e-9)

	// One of two terms: coverage 0.5.
	partial := keywordScore("the pipeline design", terms)
	assert.InDelta(t, 0.6*0.5+0.3*(1.0/3)+0.1, partial, 1e-9)

	assert.Equal(t, 0.0, keywordScore("unrelated text", terms))
	assert.Equal(t, 0.0, keywordScore("", terms))
	assert.Equal(t, 0.0, keywordScore("anything", nil))
}

func TestKeywordScoreTFCaps(t *testing.T) {
	// A term repeated often enough pushes tf past the cap.
	content := strings.Repeat("deploy ", 5000)
	score := keywordScore(content, []string{"deploy"})

	// coverage 1, tf capped at 1, length norm decayed below 1.
	assert.Greater(t, score, 0.9)
	assert.LessOrEqual(t, score, 1.0)
}

func TestLengthNorm(t *testing.T) {
	assert.Equal(t, 0.0, lengthNorm(0))

	// At and below the sweet spot the factor saturates at 1.
	assert.Equal(t, 1.0, lengthNorm(2000))
	assert.Equal(t, 1.0, lengthNorm(500))
	assert.Equal(t, 1.0, lengthNorm(736))

	// e times the sweet spot halves it.
	e := math.E
	assert.InDelta(t, 0.5, lengthNorm(int(2000*e)), 1e-3)
}

func TestFuseRRFSharedTopRankScoresOne(t *testing.T) {
	a := Result{ID: "a"}
	b := Result{ID: "b"}
	fused := fuseRRF([]Result{a, b}, []Result{a})

	require.Len(t, fused, 2)
	assert.Equal(t, "a", fused[0].ID)
	assert.InDelta(t, 1.0, fused[0].Score, 1e-12)
	assert.Equal(t, "b", fused[1].ID)
	assert.InDelta(t, (1.0/62)/(2.0/61), fused[1].Score, 1e-12)
}

func TestFuseRRFEmptyLists(t *testing.T) {
	assert.Empty(t, fuseRRF(nil, nil))

	only := fuseRRF([]Result{{ID: "x"}}, nil)
	require.Len(t, only, 1)
	assert.InDelta(t, (1.0/61)/(2.0/61), only[0].Score, 1e-12)
}

func TestDedupeChunksKeepsBestAndBoosts(t *testing.T) {
	meta := func(parent string) document.Metadata {
		return document.Metadata{"parentDocId": parent}
	}
	results := []Result{
		{ID: "p1_chunk_0", Score: 0.5, Metadata: meta("p1")},
		{ID: "solo", Score: 0.4, Metadata: document.Metadata{}},
		{ID: "p1_chunk_1", Score: 0.8, Metadata: meta("p1")},
		{ID: "p1_chunk_2", Score: 0.6, Metadata: meta("p1")},
		{ID: "p2_chunk_0", Score: 0.3, Metadata: meta("p2")},
	}

	deduped := dedupeChunks(results)
	require.Len(t, deduped, 3)

	byID := map[string]float64{}
	for _, r := range deduped {
		byID[r.ID] = r.Score
	}

	// Best chunk of p1 survives, boosted by 1 + 0.05*ln(3).
	assert.InDelta(t, 0.8*(1+0.05*math.Log(3)), byID["p1_chunk_1"], 1e-9)
	// Single-chunk parent gets no boost; standalone passes through.
	assert.InDelta(t, 0.3, byID["p2_chunk_0"], 1e-12)
	assert.InDelta(t, 0.4, byID["solo"], 1e-12)
}

func TestDedupeChunksBoostCap(t *testing.T) {
	var results []Result
	for i := 0; i < 25; i++ {
		results = append(results, Result{
			ID:       "c",
			Score:    0.5,
			Metadata: document.Metadata{"parentDocId": "p"},
		})
	}
	deduped := dedupeChunks(results)
	require.Len(t, deduped, 1)

	// 0.05*ln(25) > 0.15, so the cap applies.
	assert.InDelta(t, 0.5*1.15, deduped[0].Score, 1e-9)
}

func TestApplyBoostsRelevanceBlend(t *testing.T) {
	engine, _ := newTestEngine(t, newStubProvider())

	results := []Result{
		{ID: "a", Score: 0.5, Metadata: document.Metadata{"relevance_score": 1.0}},
		{ID: "b", Score: 0.5, Metadata: document.Metadata{"relevance_score": 0.0}},
		{ID: "c", Score: 0.5, Metadata: document.Metadata{}},
	}
	engine.applyBoosts(results, "zzz")

	assert.InDelta(t, 0.5*1.2, results[0].Score, 1e-9)
	assert.InDelta(t, 0.5*0.85, results[1].Score, 1e-9)
	assert.InDelta(t, 0.5, results[2].Score, 1e-9)
}

func TestApplyBoostsTitleMatch(t *testing.T) {
	engine, _ := newTestEngine(t, newStubProvider())

	exact := []Result{{ID: "a", Score: 0.5, Metadata: document.Metadata{"title": "Deploy pipeline guide"}}}
	engine.applyBoosts(exact, "deploy pipeline")
	assert.InDelta(t, 0.5*1.3, exact[0].Score, 1e-9)

	partial := []Result{{ID: "b", Score: 0.5, Metadata: document.Metadata{"subject": "Deploy schedule"}}}
	engine.applyBoosts(partial, "deploy runbook")
	assert.InDelta(t, 0.5*1.1, partial[0].Score, 1e-9)

	noTitle := []Result{{ID: "c", Score: 0.5, Metadata: document.Metadata{}}}
	engine.applyBoosts(noTitle, "deploy runbook")
	assert.InDelta(t, 0.5, noTitle[0].Score, 1e-9)
}

func TestApplyBoostsRecency(t *testing.T) {
	engine, _ := newTestEngine(t, newStubProvider())

	sevenDaysAgo := float64(testNow.AddDate(0, 0, -7).UnixMilli())
	results := []Result{
		{
			ID:       "recent-slack",
			Source:   document.SourceSlack,
			Score:    0.5,
			Metadata: document.Metadata{"createdAtTs": sevenDaysAgo},
		},
		{
			ID:       "same-age-drive",
			Source:   document.SourceDrive,
			Score:    0.5,
			Metadata: document.Metadata{"createdAtTs": sevenDaysAgo},
		},
	}
	engine.applyBoosts(results, "zzz")

	// Slack half-life is 7 days: recency 0.5.
	assert.InDelta(t, 0.5*(1+0.08*0.5), results[0].Score, 1e-9)
	// Drive decays far slower: recency 0.5^(7/90).
	assert.InDelta(t, 0.5*(1+0.08*math.Pow(0.5, 7.0/90)), results[1].Score, 1e-9)
}

func TestApplyBoostsClampsToOne(t *testing.T) {
	engine, _ := newTestEngine(t, newStubProvider())

	results := []Result{{
		ID:       "hot",
		Source:   document.SourceSlack,
		Score:    0.95,
		Metadata: document.Metadata{"title": "deploy", "relevance_score": 1.0},
	}}
	engine.applyBoosts(results, "deploy")
	assert.Equal(t, 1.0, results[0].Score)
}

func TestDaysSinceDoc(t *testing.T) {
	now := testNow

	ms := float64(now.AddDate(0, 0, -3).UnixMilli())
	days, ok := daysSinceDoc(document.Metadata{"createdAtTs": ms}, now)
	require.True(t, ok)
	assert.InDelta(t, 3.0, days, 1e-6)

	days, ok = daysSinceDoc(document.Metadata{"createdAt": now.AddDate(0, 0, -2).Format(time.RFC3339)}, now)
	require.True(t, ok)
	assert.InDelta(t, 2.0, days, 1e-3)

	days, ok = daysSinceDoc(document.Metadata{"updatedAt": now.Format(time.RFC3339)}, now)
	require.True(t, ok)
	assert.InDelta(t, 0.0, days, 1e-3)

	// Future timestamps count as zero.
	days, ok = daysSinceDoc(document.Metadata{"createdAtTs": float64(now.AddDate(0, 0, 5).UnixMilli())}, now)
	require.True(t, ok)
	assert.Equal(t, 0.0, days)

	_, ok = daysSinceDoc(document.Metadata{}, now)
	assert.False(t, ok)
}

func TestSortResultsTiebreaker(t *testing.T) {
	results := []Result{
		{ID: "b", Score: 0.5},
		{ID: "a", Score: 0.5},
		{ID: "c", Score: 0.9},
	}
	sortResults(results)
	assert.Equal(t, "c", results[0].ID)
	assert.Equal(t, "a", results[1].ID)
	assert.Equal(t, "b", results[2].ID)
}
