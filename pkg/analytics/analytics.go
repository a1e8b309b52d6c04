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

// Package analytics records indexing runs and aggregates per-source
// statistics in Redis.
//
// Key layout:
//
//	index:analytics:runs:{source}              newest-first list of JSON IndexingRun, length <= 100
//	index:analytics:stats:{source}             JSON SourceStats
//	index:analytics:daily:{source}:{YYYY-MM-DD} hash {runs, documents, errors}, 90 day TTL
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/magpielabs/magpie/pkg/document"
)

const (
	// maxRuns bounds the per-source run history.
	maxRuns = 100

	// dailyTTL keeps day buckets for 90 days.
	dailyTTL = 90 * 24 * time.Hour

	dayLayout = "2006-01-02"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunError     RunStatus = "error"
)

// IndexingRun is one indexing execution for one source.
type IndexingRun struct {
	ID                 string          `json:"id"`
	Source             document.Source `json:"source"`
	StartedAt          string          `json:"startedAt"`
	CompletedAt        string          `json:"completedAt,omitempty"`
	Status             RunStatus       `json:"status"`
	DocumentsProcessed int             `json:"documentsProcessed"`
	DocumentsNew       int             `json:"documentsNew"`
	DocumentsUpdated   int             `json:"documentsUpdated"`
	DocumentsSkipped   int             `json:"documentsSkipped"`
	Error              string          `json:"error,omitempty"`
	DurationMs         int64           `json:"durationMs,omitempty"`
}

// RunCompletion carries the terminal details for a started run.
type RunCompletion struct {
	RunID              string
	Status             RunStatus
	DocumentsProcessed int
	DocumentsNew       int
	DocumentsUpdated   int
	DocumentsSkipped   int
	Error              string
}

// SourceStats are lifetime aggregates for one source.
type SourceStats struct {
	Source                  document.Source `json:"source"`
	TotalRuns               int             `json:"totalRuns"`
	SuccessfulRuns          int             `json:"successfulRuns"`
	FailedRuns              int             `json:"failedRuns"`
	LastRunAt               string          `json:"lastRunAt,omitempty"`
	LastSuccessAt           string          `json:"lastSuccessAt,omitempty"`
	AverageDurationMs       int64           `json:"averageDurationMs"`
	TotalDocumentsProcessed int             `json:"totalDocumentsProcessed"`
}

// DailyStats is one day bucket of run counters.
type DailyStats struct {
	Date      string `json:"date"`
	Runs      int    `json:"runs"`
	Documents int    `json:"documents"`
	Errors    int    `json:"errors"`
}

// SystemStats is the cross-source rollup.
type SystemStats struct {
	Sources                 map[document.Source]*SourceStats `json:"sources"`
	RecentRuns              []*IndexingRun                   `json:"recentRuns"`
	TotalRuns               int                              `json:"totalRuns"`
	TotalDocumentsProcessed int                              `json:"totalDocumentsProcessed"`
}

type Store struct {
	client *redis.Client
	now    func() time.Time
}

func New(client *redis.Client) *Store {
	return &Store{
		client: client,
		now:    time.Now,
	}
}

func runsKey(source document.Source) string {
	return "index:analytics:runs:" + string(source)
}

func statsKey(source document.Source) string {
	return "index:analytics:stats:" + string(source)
}

func dailyKey(source document.Source, day string) string {
	return "index:analytics:daily:" + string(source) + ":" + day
}

// RecordRunStart appends a running entry to the bounded history and
// returns its run id.
func (s *Store) RecordRunStart(ctx context.Context, source document.Source) (string, error) {
	run := &IndexingRun{
		ID:        uuid.NewString(),
		Source:    source,
		StartedAt: s.now().UTC().Format(time.RFC3339),
		Status:    RunRunning,
	}

	data, err := json.Marshal(run)
	if err != nil {
		return "", fmt.Errorf("failed to marshal run: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, runsKey(source), data)
	pipe.LTrim(ctx, runsKey(source), 0, maxRuns-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to record run start for %s: %w", source, err)
	}
	return run.ID, nil
}

// RecordRunComplete replaces the matching running entry in place, or
// pushes a fresh terminal entry when none is found, then folds the run
// into the aggregate and daily stats.
func (s *Store) RecordRunComplete(ctx context.Context, source document.Source, details RunCompletion) error {
	now := s.now().UTC()

	run := &IndexingRun{
		ID:                 details.RunID,
		Source:             source,
		StartedAt:          now.Format(time.RFC3339),
		CompletedAt:        now.Format(time.RFC3339),
		Status:             details.Status,
		DocumentsProcessed: details.DocumentsProcessed,
		DocumentsNew:       details.DocumentsNew,
		DocumentsUpdated:   details.DocumentsUpdated,
		DocumentsSkipped:   details.DocumentsSkipped,
		Error:              details.Error,
	}

	entries, err := s.client.LRange(ctx, runsKey(source), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read run history for %s: %w", source, err)
	}

	replaced := false
	for i, entry := range entries {
		var existing IndexingRun
		if json.Unmarshal([]byte(entry), &existing) != nil {
			continue
		}
		if existing.ID != details.RunID || existing.Status != RunRunning {
			continue
		}

		run.StartedAt = existing.StartedAt
		run.DurationMs = durationMs(existing.StartedAt, now)

		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to marshal run: %w", err)
		}
		if err := s.client.LSet(ctx, runsKey(source), int64(i), data).Err(); err != nil {
			return fmt.Errorf("failed to replace run for %s: %w", source, err)
		}
		replaced = true
		break
	}

	if !replaced {
		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to marshal run: %w", err)
		}
		pipe := s.client.TxPipeline()
		pipe.LPush(ctx, runsKey(source), data)
		pipe.LTrim(ctx, runsKey(source), 0, maxRuns-1)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to record run completion for %s: %w", source, err)
		}
	}

	if err := s.updateSourceStats(ctx, source, run); err != nil {
		return err
	}
	return s.incrementDaily(ctx, source, run, now)
}

func (s *Store) updateSourceStats(ctx context.Context, source document.Source, run *IndexingRun) error {
	stats, err := s.GetSourceStats(ctx, source)
	if err != nil {
		return err
	}

	stats.TotalRuns++
	stats.LastRunAt = run.CompletedAt
	if run.Status == RunCompleted {
		stats.SuccessfulRuns++
		stats.LastSuccessAt = run.CompletedAt
	} else {
		stats.FailedRuns++
	}
	stats.TotalDocumentsProcessed += run.DocumentsProcessed

	// Running average over all completed runs.
	prev := int64(stats.TotalRuns - 1)
	stats.AverageDurationMs = (stats.AverageDurationMs*prev + run.DurationMs) / int64(stats.TotalRuns)

	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	if err := s.client.Set(ctx, statsKey(source), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save stats for %s: %w", source, err)
	}
	return nil
}

func (s *Store) incrementDaily(ctx context.Context, source document.Source, run *IndexingRun, now time.Time) error {
	key := dailyKey(source, now.Format(dayLayout))

	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, "runs", 1)
	pipe.HIncrBy(ctx, key, "documents", int64(run.DocumentsProcessed))
	if run.Status == RunError {
		pipe.HIncrBy(ctx, key, "errors", 1)
	}
	pipe.Expire(ctx, key, dailyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update daily stats for %s: %w", source, err)
	}
	return nil
}

// GetRecentRuns returns up to limit runs, newest first, collapsing
// duplicate (source, startedAt) pairs in favor of terminal entries.
func (s *Store) GetRecentRuns(ctx context.Context, source document.Source, limit int) ([]*IndexingRun, error) {
	if limit <= 0 {
		limit = 10
	}

	entries, err := s.client.LRange(ctx, runsKey(source), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read run history for %s: %w", source, err)
	}

	byStart := make(map[string]*IndexingRun)
	for _, entry := range entries {
		var run IndexingRun
		if json.Unmarshal([]byte(entry), &run) != nil {
			continue
		}
		existing, ok := byStart[run.StartedAt]
		if !ok {
			r := run
			byStart[run.StartedAt] = &r
			continue
		}
		// Terminal beats running for the same start time.
		if existing.Status == RunRunning && run.Status != RunRunning {
			r := run
			byStart[run.StartedAt] = &r
		}
	}

	runs := make([]*IndexingRun, 0, len(byStart))
	for _, run := range byStart {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt != runs[j].StartedAt {
			return runs[i].StartedAt > runs[j].StartedAt
		}
		return runs[i].ID > runs[j].ID
	})

	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// GetSourceStats returns the lifetime aggregates, zero-valued when the
// source has never completed a run.
func (s *Store) GetSourceStats(ctx context.Context, source document.Source) (*SourceStats, error) {
	data, err := s.client.Get(ctx, statsKey(source)).Bytes()
	if err == redis.Nil {
		return &SourceStats{Source: source}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stats for %s: %w", source, err)
	}

	var stats SourceStats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("failed to decode stats for %s: %w", source, err)
	}
	return &stats, nil
}

// GetDailyStats returns the last `days` day buckets, oldest first,
// zero-filled where no runs happened.
func (s *Store) GetDailyStats(ctx context.Context, source document.Source, days int) ([]*DailyStats, error) {
	if days <= 0 {
		days = 7
	}

	today := s.now().UTC().Truncate(24 * time.Hour)
	out := make([]*DailyStats, 0, days)

	for i := days - 1; i >= 0; i-- {
		day := today.AddDate(0, 0, -i).Format(dayLayout)
		entry := &DailyStats{Date: day}

		fields, err := s.client.HGetAll(ctx, dailyKey(source, day)).Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("failed to get daily stats for %s: %w", source, err)
		}
		entry.Runs = atoi(fields["runs"])
		entry.Documents = atoi(fields["documents"])
		entry.Errors = atoi(fields["errors"])

		out = append(out, entry)
	}
	return out, nil
}

// GetSystemStats aggregates all sources and merges their recent runs
// into one newest-first list.
func (s *Store) GetSystemStats(ctx context.Context, sources []document.Source) (*SystemStats, error) {
	system := &SystemStats{
		Sources: make(map[document.Source]*SourceStats, len(sources)),
	}

	var combined []*IndexingRun
	for _, source := range sources {
		stats, err := s.GetSourceStats(ctx, source)
		if err != nil {
			return nil, err
		}
		system.Sources[source] = stats
		system.TotalRuns += stats.TotalRuns
		system.TotalDocumentsProcessed += stats.TotalDocumentsProcessed

		runs, err := s.GetRecentRuns(ctx, source, 10)
		if err != nil {
			return nil, err
		}
		combined = append(combined, runs...)
	}

	sort.Slice(combined, func(i, j int) bool {
		return combined[i].StartedAt > combined[j].StartedAt
	})
	if len(combined) > 10 {
		combined = combined[:10]
	}
	system.RecentRuns = combined

	return system, nil
}

func durationMs(startedAt string, completed time.Time) int64 {
	started, err := time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return 0
	}
	ms := completed.Sub(started).Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
