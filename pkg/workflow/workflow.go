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

// Package workflow runs indexing sweeps as cancellable in-process
// workflows. Each workflow drives engine.RunBatch for one source until
// the source reports no more data, recording batch progress, per-run
// analytics and the terminal status along the way. At most one workflow
// is live per source, enforced by the runtime's live table plus the
// advisory lock in the cursor store.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/magpielabs/magpie/pkg/analytics"
	"github.com/magpielabs/magpie/pkg/connector"
	"github.com/magpielabs/magpie/pkg/cursorstore"
	"github.com/magpielabs/magpie/pkg/document"
	"github.com/magpielabs/magpie/pkg/engine"
)

const (
	// lockTTL bounds how long a crashed process can block a source.
	lockTTL = 30 * time.Minute

	// maxConsecutiveFailures aborts a sweep, matching the engine's
	// legacy loop policy.
	maxConsecutiveFailures = 3

	// cleanupTimeout caps the terminal bookkeeping writes, which run on
	// a fresh context because the workflow's own is usually cancelled.
	cleanupTimeout = 10 * time.Second

	// retainWorkflows bounds the in-memory run history.
	retainWorkflows = 100

	defaultRecent = 20
)

var (
	ErrUnknownSource  = errors.New("unknown source")
	ErrNotConfigured  = errors.New("source not configured")
	ErrSourceDisabled = errors.New("source disabled")
	ErrAlreadyRunning = errors.New("indexing already running")
	ErrNotFound       = errors.New("workflow not found")
	ErrTerminal       = errors.New("workflow already finished")
)

// State is the lifecycle state of a workflow.
type State string

const (
	// StateRunning means the sweep is in progress.
	StateRunning State = "running"

	// StateCompleted means the sweep drained the source.
	StateCompleted State = "completed"

	// StateFailed means the sweep aborted after repeated batch failures.
	StateFailed State = "error"

	// StateCancelled means the sweep was stopped at a batch boundary.
	StateCancelled State = "cancelled"
)

// IsTerminal returns whether this state is terminal.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Workflow is a point-in-time snapshot of one indexing run.
type Workflow struct {
	ID          string          `json:"id"`
	Source      document.Source `json:"source"`
	Status      State           `json:"status"`
	StartedAt   string          `json:"startedAt"`
	CompletedAt string          `json:"completedAt,omitempty"`
	Batches     int             `json:"batches"`
	Documents   int             `json:"documents"`
	Error       string          `json:"error,omitempty"`
}

// record is the live, mutex-guarded state behind a Workflow snapshot.
type record struct {
	mu     sync.Mutex
	wf     Workflow
	cancel context.CancelFunc

	runID       string
	docsNew     int
	docsUpdated int
	docsSkipped int
}

func (rec *record) snapshot() *Workflow {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	wf := rec.wf
	return &wf
}

func (rec *record) observe(res *engine.BatchResult) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.wf.Batches++
	rec.wf.Documents += res.DocumentsProcessed
	rec.docsNew += res.DocumentsNew
	rec.docsUpdated += res.DocumentsUpdated
	rec.docsSkipped += res.DocumentsSkipped
}

// BatchRunner is the slice of the indexing engine the runtime drives.
type BatchRunner interface {
	RunBatch(ctx context.Context, source document.Source, req *connector.IndexRequest) (*engine.BatchResult, error)
	ClearSyncToken(ctx context.Context, source document.Source)
}

// Deps are the collaborators a Runtime needs. All fields are required.
type Deps struct {
	Engine    BatchRunner
	Registry  *connector.Registry
	Cursors   *cursorstore.Store
	Settings  *engine.SettingsStore
	Analytics *analytics.Store
}

// Runtime owns every workflow in this process.
type Runtime struct {
	runner   BatchRunner
	registry *connector.Registry
	cursors  *cursorstore.Store
	settings *engine.SettingsStore
	runs     *analytics.Store

	now   func() time.Time
	newID func() string
	sleep func(context.Context, time.Duration)

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[document.Source]*record
	byID   map[string]*record
	order  []string
}

// New builds a workflow runtime. Workflows outlive the request that
// started them; they stop when cancelled or when Shutdown is called.
func New(deps Deps) (*Runtime, error) {
	switch {
	case deps.Engine == nil:
		return nil, errors.New("workflow runtime requires an engine")
	case deps.Registry == nil:
		return nil, errors.New("workflow runtime requires a connector registry")
	case deps.Cursors == nil:
		return nil, errors.New("workflow runtime requires a cursor store")
	case deps.Settings == nil:
		return nil, errors.New("workflow runtime requires a settings store")
	case deps.Analytics == nil:
		return nil, errors.New("workflow runtime requires an analytics store")
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &Runtime{
		runner:   deps.Engine,
		registry: deps.Registry,
		cursors:  deps.Cursors,
		settings: deps.Settings,
		runs:     deps.Analytics,
		now:      time.Now,
		newID:    uuid.NewString,
		sleep:    sleepCtx,
		baseCtx:  baseCtx,
		stop:     stop,
		active:   make(map[document.Source]*record),
		byID:     make(map[string]*record),
	}, nil
}

// Start launches an indexing workflow for one source and returns its id.
// The request is cloned; the caller's ctx covers only the synchronous
// setup, the sweep itself runs until done, cancelled or shut down.
func (r *Runtime) Start(ctx context.Context, source document.Source, req *connector.IndexRequest) (string, error) {
	conn, ok := r.registry.Get(source)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	if !conn.IsConfigured() {
		return "", fmt.Errorf("%w: %s", ErrNotConfigured, source)
	}
	enabled, err := r.settings.Enabled(ctx, source, true)
	if err != nil {
		return "", fmt.Errorf("failed to read enabled flag for %s: %w", source, err)
	}
	if !enabled {
		return "", fmt.Errorf("%w: %s", ErrSourceDisabled, source)
	}

	acquired, err := r.cursors.AcquireLock(ctx, source, lockTTL)
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock for %s: %w", source, err)
	}
	if !acquired {
		return "", fmt.Errorf("%w: %s", ErrAlreadyRunning, source)
	}

	runCtx, cancel := context.WithCancel(r.baseCtx)
	rec := &record{
		wf: Workflow{
			ID:        r.newID(),
			Source:    source,
			Status:    StateRunning,
			StartedAt: r.now().UTC().Format(time.RFC3339),
		},
		cancel: cancel,
	}

	// Live before the status flips to running, so a concurrent status
	// read never mistakes this run for a stale one.
	r.mu.Lock()
	r.active[source] = rec
	r.mu.Unlock()

	if err := r.markRunning(ctx, source, rec.wf.ID); err != nil {
		cancel()
		r.mu.Lock()
		delete(r.active, source)
		r.mu.Unlock()
		if relErr := r.cursors.ReleaseLock(ctx, source); relErr != nil {
			slog.Warn("Failed to release lock after aborted start", "source", source, "error", relErr)
		}
		return "", err
	}

	r.mu.Lock()
	r.remember(rec)
	r.mu.Unlock()

	if runID, err := r.runs.RecordRunStart(ctx, source); err != nil {
		slog.Warn("Failed to record run start", "source", source, "error", err)
	} else {
		rec.mu.Lock()
		rec.runID = runID
		rec.mu.Unlock()
	}

	r.wg.Add(1)
	go r.run(runCtx, rec, source, req.Clone())

	slog.Info("Workflow started", "workflow", rec.wf.ID, "source", source)
	return rec.wf.ID, nil
}

func (r *Runtime) markRunning(ctx context.Context, source document.Source, workflowID string) error {
	st, err := r.cursors.GetStatus(ctx, source)
	if err != nil {
		return fmt.Errorf("failed to load status for %s: %w", source, err)
	}
	st.Status = cursorstore.StateRunning
	st.WorkflowID = workflowID
	st.DocumentsIndexed = 0
	st.LastError = ""
	st.LastErrorAt = ""
	if err := r.cursors.SaveStatus(ctx, st); err != nil {
		return fmt.Errorf("failed to mark %s running: %w", source, err)
	}
	return nil
}

// run is the sweep loop. Cancellation is honored at batch boundaries
// only; an in-flight batch finishes or fails on its own context.
func (r *Runtime) run(ctx context.Context, rec *record, source document.Source, req *connector.IndexRequest) {
	defer r.wg.Done()

	consecutive := 0
	for {
		if ctx.Err() != nil {
			r.complete(rec, source, StateCancelled, nil)
			return
		}

		res, err := r.runner.RunBatch(ctx, source, req)
		if err != nil {
			if ctx.Err() != nil {
				r.complete(rec, source, StateCancelled, nil)
				return
			}
			consecutive++
			if consecutive >= maxConsecutiveFailures {
				r.complete(rec, source, StateFailed,
					fmt.Errorf("aborting %s after %d consecutive failures: %w", source, consecutive, err))
				return
			}
			if consecutive == maxConsecutiveFailures-1 {
				r.runner.ClearSyncToken(ctx, source)
			}
			backoff := time.Duration(1<<consecutive) * time.Second
			slog.Warn("Batch failed, backing off",
				"workflow", rec.wf.ID, "source", source,
				"consecutiveFailures", consecutive, "backoff", backoff, "error", err)
			r.sleep(ctx, backoff)
			continue
		}

		consecutive = 0
		// Only the first successful batch starts from scratch; the rest
		// of the sweep follows the cursor it produced.
		req.FullReindex = false
		rec.observe(res)

		if !res.HasMore {
			r.complete(rec, source, StateCompleted, nil)
			return
		}
	}
}

// complete records the terminal state everywhere it is visible: the
// source status, the analytics run history, then the workflow record
// itself. The record flips last so that once Get reports a terminal
// state, all bookkeeping has settled and the advisory lock is free.
func (r *Runtime) complete(rec *record, source document.Source, state State, runErr error) {
	completedAt := r.now().UTC().Format(time.RFC3339)
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}

	rec.mu.Lock()
	wf := rec.wf
	runID := rec.runID
	docsNew, docsUpdated, docsSkipped := rec.docsNew, rec.docsUpdated, rec.docsSkipped
	rec.mu.Unlock()
	wf.Status = state
	wf.CompletedAt = completedAt
	wf.Error = errText

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	r.recordStatus(ctx, source, &wf)

	if runID != "" {
		status := analytics.RunCompleted
		errText := wf.Error
		switch state {
		case StateFailed:
			status = analytics.RunError
		case StateCancelled:
			status = analytics.RunError
			errText = "workflow cancelled"
		}
		comp := analytics.RunCompletion{
			RunID:              runID,
			Status:             status,
			DocumentsProcessed: wf.Documents,
			DocumentsNew:       docsNew,
			DocumentsUpdated:   docsUpdated,
			DocumentsSkipped:   docsSkipped,
			Error:              errText,
		}
		if err := r.runs.RecordRunComplete(ctx, source, comp); err != nil {
			slog.Warn("Failed to record run completion", "workflow", wf.ID, "source", source, "error", err)
		}
	}

	r.mu.Lock()
	delete(r.active, source)
	r.mu.Unlock()

	if err := r.cursors.ReleaseLock(ctx, source); err != nil {
		slog.Warn("Failed to release source lock", "source", source, "error", err)
	}

	rec.mu.Lock()
	rec.wf.Status = state
	rec.wf.CompletedAt = completedAt
	rec.wf.Error = errText
	rec.mu.Unlock()

	slog.Info("Workflow finished",
		"workflow", wf.ID, "source", source, "status", state,
		"batches", wf.Batches, "documents", wf.Documents, "error", wf.Error)
}

func (r *Runtime) recordStatus(ctx context.Context, source document.Source, wf *Workflow) {
	st, err := r.cursors.GetStatus(ctx, source)
	if err != nil {
		slog.Warn("Failed to load status for completion", "source", source, "error", err)
		return
	}
	switch wf.Status {
	case StateCompleted:
		st.Status = cursorstore.StateCompleted
	case StateCancelled:
		st.Status = cursorstore.StateIdle
	case StateFailed:
		st.Status = cursorstore.StateError
		st.LastError = wf.Error
		st.LastErrorAt = wf.CompletedAt
	}
	if err := r.cursors.SaveStatus(ctx, st); err != nil {
		slog.Warn("Failed to save completion status", "source", source, "error", err)
	}
}

// remember adds a record to the bounded history. Callers hold r.mu.
func (r *Runtime) remember(rec *record) {
	r.byID[rec.wf.ID] = rec
	r.order = append(r.order, rec.wf.ID)
	for len(r.order) > retainWorkflows {
		oldest, ok := r.byID[r.order[0]]
		if ok && !oldest.snapshot().Status.IsTerminal() {
			break
		}
		delete(r.byID, r.order[0])
		r.order = r.order[1:]
	}
}

// Get returns a snapshot of one workflow.
func (r *Runtime) Get(id string) (*Workflow, error) {
	r.mu.Lock()
	rec, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return rec.snapshot(), nil
}

// Recent returns up to limit workflows, newest first.
func (r *Runtime) Recent(limit int) []*Workflow {
	if limit <= 0 {
		limit = defaultRecent
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Workflow, 0, limit)
	for i := len(r.order) - 1; i >= 0 && len(out) < limit; i-- {
		if rec, ok := r.byID[r.order[i]]; ok {
			out = append(out, rec.snapshot())
		}
	}
	return out
}

// Active returns the live workflow for a source, or nil.
func (r *Runtime) Active(source document.Source) *Workflow {
	r.mu.Lock()
	rec, ok := r.active[source]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return rec.snapshot()
}

// Cancel asks a running workflow to stop. The workflow keeps running
// until its current batch finishes; callers poll Get for the terminal
// state.
func (r *Runtime) Cancel(id string) error {
	r.mu.Lock()
	rec, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	rec.mu.Lock()
	terminal := rec.wf.Status.IsTerminal()
	cancel := rec.cancel
	rec.mu.Unlock()
	if terminal {
		return ErrTerminal
	}
	cancel()
	return nil
}

// Statuses returns every source's status, sweeping stale entries on the
// way: a status still marked running whose workflow is no longer alive
// in this runtime is the leftover of an interrupted run, so it is reset
// to idle and its advisory lock released.
func (r *Runtime) Statuses(ctx context.Context, sources []document.Source) ([]*cursorstore.IndexStatus, error) {
	statuses, err := r.cursors.AllStatus(ctx, sources)
	if err != nil {
		return nil, err
	}
	for _, st := range statuses {
		if st.Status != cursorstore.StateRunning || r.Active(st.Source) != nil {
			continue
		}
		st.Status = cursorstore.StateIdle
		st.WorkflowID = ""
		if err := r.cursors.SaveStatus(ctx, st); err != nil {
			slog.Warn("Failed to reset stale status", "source", st.Source, "error", err)
			continue
		}
		if err := r.cursors.ReleaseLock(ctx, st.Source); err != nil {
			slog.Warn("Failed to release stale lock", "source", st.Source, "error", err)
		}
		slog.Info("Reset stale running status", "source", st.Source)
	}
	return statuses, nil
}

// StartSummary reports the outcome of an index-all sweep.
type StartSummary struct {
	Started map[document.Source]string `json:"started"`
	Skipped map[document.Source]string `json:"skipped"`
}

// StartAll launches a workflow for every registered source that is
// configured and enabled. Sources that cannot start are reported with a
// reason instead of failing the sweep.
func (r *Runtime) StartAll(ctx context.Context, req *connector.IndexRequest) *StartSummary {
	summary := &StartSummary{
		Started: make(map[document.Source]string),
		Skipped: make(map[document.Source]string),
	}
	for _, source := range r.registry.Sources() {
		id, err := r.Start(ctx, source, req)
		switch {
		case err == nil:
			summary.Started[source] = id
		case errors.Is(err, ErrNotConfigured):
			summary.Skipped[source] = "not configured"
		case errors.Is(err, ErrSourceDisabled):
			summary.Skipped[source] = "disabled"
		case errors.Is(err, ErrAlreadyRunning):
			summary.Skipped[source] = "already running"
		default:
			summary.Skipped[source] = err.Error()
		}
	}
	return summary
}

// Shutdown cancels every live workflow and waits for them to finish
// their current batch, or until ctx expires.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.stop()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for workflows to stop: %w", ctx.Err())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
