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

// Package relevance derives per-source heuristic features and a
// relevance_score in [0, 1] for each document before indexing.
//
// Enrichment is a pure transform: input documents are never mutated,
// and derived fields never overwrite values a connector already set.
// The score later blends into search ranking, so the formulas are
// deliberately stable.
package relevance

import (
	"math"
	"strings"
	"time"

	"github.com/magpielabs/magpie/pkg/document"
)

// missingDays is the days_since value for documents without a usable
// timestamp, far past every recency window.
const missingDays = 999

// freemailDomains is the fallback used when no company domains are
// configured: mail from these providers is treated as external.
var freemailDomains = map[string]bool{
	"gmail.com":   true,
	"yahoo.com":   true,
	"hotmail.com": true,
	"outlook.com": true,
	"aol.com":     true,
}

// Identity carries the configured user identities for "mine" checks.
type Identity struct {
	GithubUsername string
	JiraUsername   string
	GoogleEmail    string
	CompanyDomains []string
}

// currentUser resolves the identity a source compares against. Google
// sources fall back to the Jira username when no Google email is set.
func (id Identity) currentUser(source document.Source) string {
	switch source {
	case document.SourceGithub:
		return id.GithubUsername
	case document.SourceJira:
		return id.JiraUsername
	default:
		if id.GoogleEmail != "" {
			return id.GoogleEmail
		}
		return id.JiraUsername
	}
}

type Enricher struct {
	identity Identity
	now      func() time.Time
}

func New(identity Identity) *Enricher {
	return &Enricher{
		identity: identity,
		now:      time.Now,
	}
}

// Enrich returns enriched copies of docs. The originals are untouched.
func (e *Enricher) Enrich(source document.Source, docs []document.Document) []document.Document {
	out := make([]document.Document, len(docs))

	// Gmail thread depth may need sibling counts from this batch.
	var threadCounts map[string]int
	if source == document.SourceGmail {
		threadCounts = countThreads(docs)
	}

	for i, doc := range docs {
		copied := doc
		copied.Metadata = doc.Metadata.Clone()
		if copied.Metadata == nil {
			copied.Metadata = document.Metadata{}
		}

		var score float64
		switch source {
		case document.SourceGmail:
			score = e.enrichGmail(&copied, threadCounts)
		case document.SourceSlack:
			score = e.enrichSlack(&copied)
		case document.SourceJira:
			score = e.enrichJira(&copied)
		case document.SourceDrive:
			score = e.enrichDrive(&copied)
		case document.SourceConfluence:
			score = e.enrichConfluence(&copied)
		case document.SourceCalendar:
			score = e.enrichCalendar(&copied)
		case document.SourceGithub:
			score = e.enrichGithub(&copied)
		default:
			score = 0.5
		}

		setIfAbsent(copied.Metadata, "relevance_score", clamp01(score))
		out[i] = copied
	}
	return out
}

func (e *Enricher) enrichGmail(doc *document.Document, threadCounts map[string]int) float64 {
	meta := doc.Metadata

	internal := isInternal(meta.GetString("from"), e.identity.CompanyDomains)
	setIfAbsent(meta, "is_internal", internal)

	recipients := len(meta.GetStringSlice("to")) + len(meta.GetStringSlice("cc"))
	setIfAbsent(meta, "recipient_count", float64(recipients))

	// Prefer the count the connector saw; fall back to siblings in
	// this batch; otherwise leave thread_depth unset.
	depth, hasDepth := meta.GetNumber("threadMessageCount")
	if !hasDepth {
		if threadID := meta.GetString("threadId"); threadID != "" {
			depth = float64(threadCounts[threadID])
			hasDepth = true
		}
	}
	if hasDepth {
		setIfAbsent(meta, "thread_depth", depth)
	}

	score := 0.5
	if internal {
		score += 0.2
	}
	if recipients <= 3 {
		score += 0.15
	}
	if hasDepth && depth > 1 {
		score += 0.1
	}
	return score
}

func (e *Enricher) enrichSlack(doc *document.Document) float64 {
	meta := doc.Metadata

	channelType := meta.GetString("channel_type")
	if channelType == "" {
		if strings.HasPrefix(meta.GetString("channel"), "DM") {
			channelType = "dm"
		} else {
			channelType = "public"
		}
	}
	setIfAbsent(meta, "channel_type", channelType)

	hasMention := strings.Contains(doc.Content, "<@")
	setIfAbsent(meta, "has_mention", hasMention)

	inThread := meta.GetString("threadTs") != ""
	setIfAbsent(meta, "is_thread_participant", inThread)

	score := 0.5
	switch channelType {
	case "dm":
		score += 0.3
	case "mpim":
		score += 0.2
	case "private":
		score += 0.15
	}
	if hasMention {
		score += 0.1
	}
	if inThread {
		score += 0.05
	}
	return score
}

func (e *Enricher) enrichJira(doc *document.Document) float64 {
	meta := doc.Metadata

	assigned := equalsUser(meta.GetString("assignee"), e.identity.currentUser(document.SourceJira))
	setIfAbsent(meta, "is_assigned_to_me", assigned)

	weight := priorityWeight(meta.GetString("priority"))
	setIfAbsent(meta, "priority_weight", float64(weight))

	days := e.daysSince(meta.GetString("updatedAt"))
	setIfAbsent(meta, "days_since_update", float64(days))

	score := 0.3
	if assigned {
		score += 0.3
	}
	score += float64(weight) * 0.06
	if days < 7 {
		score += 0.15
	} else if days < 30 {
		score += 0.05
	}
	return score
}

func (e *Enricher) enrichDrive(doc *document.Document) float64 {
	meta := doc.Metadata

	owner := false
	if meta.Has("ownedByMe") {
		owner = meta.GetBool("ownedByMe")
	} else {
		me := e.identity.currentUser(document.SourceDrive)
		for _, o := range meta.GetStringSlice("owners") {
			if equalsUser(o, me) {
				owner = true
				break
			}
		}
	}
	setIfAbsent(meta, "is_owner", owner)

	updated := meta.GetString("modifiedTime")
	if updated == "" {
		updated = meta.GetString("updatedAt")
	}
	days := e.daysSince(updated)
	setIfAbsent(meta, "days_since_update", float64(days))

	score := 0.4
	if owner {
		score += 0.2
	}
	if days < 7 {
		score += 0.2
	} else if days < 30 {
		score += 0.1
	}
	return score
}

func (e *Enricher) enrichConfluence(doc *document.Document) float64 {
	meta := doc.Metadata

	labelCount := len(meta.GetStringSlice("labels"))
	setIfAbsent(meta, "label_count", float64(labelCount))

	depth, hasDepth := meta.GetNumber("hierarchy_depth")
	if !hasDepth {
		if ancestors, ok := meta["ancestors"].([]any); ok {
			depth = float64(len(ancestors))
			hasDepth = true
		}
	}
	if hasDepth {
		setIfAbsent(meta, "hierarchy_depth", depth)
	}

	days := e.daysSince(meta.GetString("updatedAt"))
	setIfAbsent(meta, "days_since_update", float64(days))

	score := 0.4
	if labelCount > 0 {
		score += 0.15
	}
	if hasDepth && depth <= 2 {
		score += 0.1
	}
	if days < 7 {
		score += 0.2
	} else if days < 30 {
		score += 0.1
	}
	return score
}

func (e *Enricher) enrichCalendar(doc *document.Document) float64 {
	meta := doc.Metadata

	organizer := false
	if meta.Has("isOrganizer") {
		organizer = meta.GetBool("isOrganizer")
	} else {
		organizer = equalsUser(meta.GetString("organizer"), e.identity.currentUser(document.SourceCalendar))
	}
	setIfAbsent(meta, "is_organizer", organizer)

	attendees, hasCount := meta.GetNumber("attendeeCount")
	if !hasCount {
		attendees = float64(len(meta.GetStringSlice("attendees")))
	}
	setIfAbsent(meta, "attendee_count", attendees)

	hoursUntil := math.Inf(1)
	if start, ok := document.ParseTimestamp(meta.GetString("start")); ok {
		hoursUntil = start.Sub(e.now()).Hours()
		setIfAbsent(meta, "hours_until_start", hoursUntil)
	}

	score := 0.5
	if organizer {
		score += 0.2
	}
	if attendees <= 5 {
		score += 0.1
	}
	if hoursUntil >= 0 && hoursUntil <= 24 {
		score += 0.2
	} else if hoursUntil >= 0 && hoursUntil <= 168 {
		score += 0.1
	}
	return score
}

func (e *Enricher) enrichGithub(doc *document.Document) float64 {
	meta := doc.Metadata
	me := e.identity.currentUser(document.SourceGithub)

	author := equalsUser(meta.GetString("author"), me)
	setIfAbsent(meta, "is_author", author)

	assigned := false
	for _, a := range meta.GetStringSlice("assignees") {
		if equalsUser(a, me) {
			assigned = true
			break
		}
	}
	setIfAbsent(meta, "is_assigned_to_me", assigned)

	days := e.daysSince(meta.GetString("updatedAt"))
	setIfAbsent(meta, "days_since_update", float64(days))

	score := 0.4
	if author {
		score += 0.2
	}
	if assigned {
		score += 0.2
	}
	if days < 7 {
		score += 0.15
	} else if days < 30 {
		score += 0.05
	}
	return score
}

// daysSince returns whole days between now and the given timestamp,
// or missingDays when the value is absent or unparsable.
func (e *Enricher) daysSince(value string) int {
	if value == "" {
		return missingDays
	}
	ts, ok := document.ParseTimestamp(value)
	if !ok {
		return missingDays
	}
	days := int(math.Floor(e.now().Sub(ts).Hours() / 24))
	if days < 0 {
		return 0
	}
	return days
}

func priorityWeight(priority string) int {
	switch strings.ToLower(priority) {
	case "critical", "blocker", "highest":
		return 5
	case "high":
		return 4
	case "medium":
		return 3
	case "low":
		return 2
	default:
		return 1
	}
}

// isInternal checks the sender domain against the configured company
// domains, or against the freemail list when none are configured.
func isInternal(from string, companyDomains []string) bool {
	domain := emailDomain(from)
	if domain == "" {
		return false
	}
	if len(companyDomains) > 0 {
		for _, d := range companyDomains {
			if strings.EqualFold(strings.TrimSpace(d), domain) {
				return true
			}
		}
		return false
	}
	return !freemailDomains[domain]
}

// emailDomain extracts the lowercase domain from an address that may
// carry a display name ("Jo Doe <jo@corp.com>").
func emailDomain(from string) string {
	addr := from
	if i := strings.LastIndex(from, "<"); i >= 0 {
		addr = strings.TrimSuffix(from[i+1:], ">")
	}
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(addr[at+1:]))
}

func equalsUser(value, user string) bool {
	return user != "" && strings.EqualFold(strings.TrimSpace(value), user)
}

func countThreads(docs []document.Document) map[string]int {
	counts := make(map[string]int)
	for _, doc := range docs {
		if id := doc.Metadata.GetString("threadId"); id != "" {
			counts[id]++
		}
	}
	return counts
}

func setIfAbsent(meta document.Metadata, key string, value any) {
	if !meta.Has(key) {
		meta[key] = value
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
