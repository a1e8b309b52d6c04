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

package search

import (
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/magpielabs/magpie/pkg/docstore"
	"github.com/magpielabs/magpie/pkg/document"
)

// rrfK is the reciprocal rank fusion smoothing constant.
const rrfK = 60

// recencyHalfLives is how fast each source's content goes stale, in days.
// A Slack message ages out in a week; a Drive document stays relevant for
// months.
var recencyHalfLives = map[document.Source]float64{
	document.SourceSlack:      7,
	document.SourceGmail:      14,
	document.SourceCalendar:   14,
	document.SourceJira:       30,
	document.SourceGithub:     60,
	document.SourceConfluence: 90,
	document.SourceDrive:      90,
}

const defaultHalfLife = 30

// tokenizeQuery lowercases the query and keeps words longer than one rune.
func tokenizeQuery(query string) []string {
	var terms []string
	for _, word := range strings.Fields(strings.ToLower(query)) {
		if utf8.RuneCountInString(word) > 1 {
			terms = append(terms, word)
		}
	}
	return terms
}

// keywordScore rates how well a chunk matches the query terms:
// 60% term coverage, 30% dampened term frequency, 10% length preference.
func keywordScore(content string, terms []string) float64 {
	if len(terms) == 0 || content == "" {
		return 0
	}
	lower := strings.ToLower(content)

	matched := 0
	tfSum := 0.0
	for _, term := range terms {
		count := strings.Count(lower, term)
		if count == 0 {
			continue
		}
		matched++
		tfSum += 1 + math.Log(float64(count))
	}
	if matched == 0 {
		return 0
	}

	coverage := float64(matched) / float64(len(terms))
	tf := tfSum / float64(matched) / 3
	if tf > 1 {
		tf = 1
	}
	return 0.6*coverage + 0.3*tf + 0.1*lengthNorm(utf8.RuneCountInString(content))
}

// lengthNorm prefers chunks around two thousand characters. The raw
// 1/(1+ln(len/2000)) curve is singular near 736 characters, so the factor
// is clamped into [0, 1]: anything shorter than the sweet spot gets the
// full weight, long documents decay.
func lengthNorm(docLen int) float64 {
	if docLen <= 0 {
		return 0
	}
	denom := 1 + math.Log(float64(docLen)/2000)
	if denom <= 1 {
		return 1
	}
	return 1 / denom
}

// fuseRRF merges two ranked lists with reciprocal rank fusion and
// normalizes so a document leading both lists scores 1.0.
func fuseRRF(vecResults, kwResults []Result) []Result {
	type fused struct {
		result Result
		score  float64
	}
	entries := make(map[string]*fused)

	accumulate := func(results []Result) {
		for rank, r := range results {
			contribution := 1.0 / float64(rrfK+rank+1)
			if existing, ok := entries[r.ID]; ok {
				existing.score += contribution
				continue
			}
			entries[r.ID] = &fused{result: r, score: contribution}
		}
	}
	accumulate(vecResults)
	accumulate(kwResults)

	maxRRF := 2.0 / float64(rrfK+1)
	out := make([]Result, 0, len(entries))
	for _, entry := range entries {
		entry.result.Score = entry.score / maxRRF
		out = append(out, entry.result)
	}
	sortResults(out)
	return out
}

// dedupeChunks keeps the best-scoring chunk per parent document and boosts
// it when several chunks of the same parent matched. Results without a
// parent pass through untouched.
func dedupeChunks(results []Result) []Result {
	type group struct {
		idx   int
		count int
	}
	byParent := make(map[string]*group)
	out := make([]Result, 0, len(results))

	for _, r := range results {
		parent := r.Metadata.GetString(docstore.KeyParentDocID)
		if parent == "" {
			out = append(out, r)
			continue
		}
		if g, ok := byParent[parent]; ok {
			g.count++
			if r.Score > out[g.idx].Score {
				out[g.idx] = r
			}
			continue
		}
		out = append(out, r)
		byParent[parent] = &group{idx: len(out) - 1, count: 1}
	}

	for _, g := range byParent {
		if g.count > 1 {
			boost := 0.05 * math.Log(float64(g.count))
			if boost > 0.15 {
				boost = 0.15
			}
			out[g.idx].Score *= 1 + boost
		}
	}
	return out
}

// applyBoosts folds the connector relevance score, title matches and
// recency into each result, then clamps to [0, 1].
func (e *Engine) applyBoosts(results []Result, query string) {
	queryLower := strings.ToLower(query)
	queryTerms := tokenizeQuery(query)
	now := e.now()

	for i := range results {
		r := &results[i]
		score := r.Score

		if rel, ok := r.Metadata.GetNumber("relevance_score"); ok {
			score *= 0.85 + rel*0.35
		}

		if title := titleOf(r.Metadata); title != "" {
			lower := strings.ToLower(title)
			if strings.Contains(lower, queryLower) {
				score *= 1.3
			} else if len(queryTerms) > 0 {
				matched := 0
				for _, term := range queryTerms {
					if strings.Contains(lower, term) {
						matched++
					}
				}
				score *= 1 + 0.2*float64(matched)/float64(len(queryTerms))
			}
		}

		if days, ok := daysSinceDoc(r.Metadata, now); ok {
			halfLife, found := recencyHalfLives[r.Source]
			if !found {
				halfLife = defaultHalfLife
			}
			recency := math.Pow(0.5, days/halfLife)
			score *= 1 + 0.08*recency
		}

		if score > 1 {
			score = 1
		}
		if score < 0 {
			score = 0
		}
		r.Score = score
	}
}

// daysSinceDoc measures document age from the numeric timestamp, falling
// back to the string fields. Future timestamps count as zero days old.
func daysSinceDoc(meta document.Metadata, now time.Time) (float64, bool) {
	var ts time.Time
	if ms, ok := meta.GetNumber(docstore.KeyCreatedAtTs); ok {
		ts = time.UnixMilli(int64(ms))
	} else {
		value := meta.GetString("createdAt")
		if value == "" {
			value = meta.GetString("updatedAt")
		}
		parsed, ok := document.ParseTimestamp(value)
		if !ok {
			return 0, false
		}
		ts = parsed
	}

	days := now.Sub(ts).Hours() / 24
	if days < 0 {
		days = 0
	}
	return days, true
}

func titleOf(meta document.Metadata) string {
	if title := meta.GetString("title"); title != "" {
		return title
	}
	return meta.GetString("subject")
}

// sortResults orders by score descending with the id as a total tiebreaker.
func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}
