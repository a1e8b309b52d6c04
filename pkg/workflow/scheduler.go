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

package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/magpielabs/magpie/pkg/connector"
	"github.com/magpielabs/magpie/pkg/document"
)

// JobInfo describes a scheduled reindex job for external inspection.
type JobInfo struct {
	Source   document.Source `json:"source"`
	Schedule string          `json:"schedule"`
	LastRun  time.Time       `json:"lastRun"`
	NextRun  time.Time       `json:"nextRun"`
}

// Scheduler triggers incremental reindex sweeps from cron expressions.
// A tick that lands while the previous sweep is still running is
// skipped; the advisory lock makes the overlap harmless either way.
type Scheduler struct {
	mu        sync.Mutex
	scheduler gocron.Scheduler
	runtime   *Runtime
	jobs      map[document.Source]gocron.Job
	schedules map[document.Source]string
}

// NewScheduler builds an empty scheduler on top of a runtime.
func NewScheduler(runtime *Runtime) (*Scheduler, error) {
	if runtime == nil {
		return nil, errors.New("scheduler requires a workflow runtime")
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Scheduler{
		scheduler: s,
		runtime:   runtime,
		jobs:      make(map[document.Source]gocron.Job),
		schedules: make(map[document.Source]string),
	}, nil
}

// Schedule registers a recurring sweep for one source using a standard
// five-field cron expression. Scheduling a source twice replaces its
// previous schedule.
func (s *Scheduler) Schedule(source document.Source, cronExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[source]; ok {
		if err := s.scheduler.RemoveJob(j.ID()); err != nil {
			slog.Warn("Failed to remove previous schedule", "source", source, "error", err)
		}
		delete(s.jobs, source)
		delete(s.schedules, source)
	}

	j, err := s.scheduler.NewJob(
		gocron.CronJob(cronExpr, false),
		gocron.NewTask(s.reindex, source),
		gocron.WithName("reindex:"+string(source)),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", source, err)
	}

	s.jobs[source] = j
	s.schedules[source] = cronExpr
	slog.Info("Scheduled reindex", "source", source, "cron", cronExpr)
	return nil
}

// Unschedule drops a source's recurring sweep. No-op when none exists.
func (s *Scheduler) Unschedule(source document.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[source]
	if !ok {
		return
	}
	if err := s.scheduler.RemoveJob(j.ID()); err != nil {
		slog.Warn("Failed to remove schedule", "source", source, "error", err)
	}
	delete(s.jobs, source)
	delete(s.schedules, source)
}

func (s *Scheduler) reindex(source document.Source) {
	id, err := s.runtime.Start(context.Background(), source, &connector.IndexRequest{})
	switch {
	case err == nil:
		slog.Info("Scheduled reindex started", "source", source, "workflow", id)
	case errors.Is(err, ErrAlreadyRunning):
		slog.Info("Skipping scheduled reindex, previous run still active", "source", source)
	case errors.Is(err, ErrSourceDisabled), errors.Is(err, ErrNotConfigured):
		slog.Debug("Skipping scheduled reindex", "source", source, "reason", err)
	default:
		slog.Warn("Scheduled reindex failed to start", "source", source, "error", err)
	}
}

// Jobs returns info about every scheduled source.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for source, j := range s.jobs {
		info := JobInfo{
			Source:   source,
			Schedule: s.schedules[source],
		}
		if lr, err := j.LastRun(); err == nil {
			info.LastRun = lr
		}
		if nr, err := j.NextRun(); err == nil {
			info.NextRun = nr
		}
		infos = append(infos, info)
	}
	return infos
}

// Start begins firing schedules in the background.
func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Stop shuts the scheduler down, waiting for in-flight triggers.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}
