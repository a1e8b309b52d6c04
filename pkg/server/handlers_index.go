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

package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/magpielabs/magpie/pkg/connector"
	"github.com/magpielabs/magpie/pkg/cursorstore"
	"github.com/magpielabs/magpie/pkg/document"
	"github.com/magpielabs/magpie/pkg/workflow"
)

// SourceInfo is one row of the sources overview: the persisted status
// plus the execution time of the live workflow, or of the most recent
// run when none is live. Milliseconds.
type SourceInfo struct {
	cursorstore.IndexStatus
	ExecutionTime int64 `json:"executionTime,omitempty"`
}

func (s *Server) handleIndexAll(w http.ResponseWriter, r *http.Request) {
	var req connector.IndexRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	summary := s.workflows.StartAll(r.Context(), &req)
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleIndexSource(w http.ResponseWriter, r *http.Request) {
	source, ok := s.parseSource(w, r)
	if !ok {
		return
	}
	var req connector.IndexRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id, err := s.workflows.Start(r.Context(), source, &req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"source":     source,
			"workflowId": id,
			"status":     "started",
		})
	case errors.Is(err, workflow.ErrSourceDisabled):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, workflow.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, workflow.ErrUnknownSource), errors.Is(err, workflow.ErrNotConfigured):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.workflows.Statuses(r.Context(), s.registry.Sources())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	infos := make([]SourceInfo, len(statuses))
	for i, st := range statuses {
		infos[i] = SourceInfo{
			IndexStatus:   *st,
			ExecutionTime: s.executionTime(r.Context(), st),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": infos})
}

// executionTime reports elapsed milliseconds of the live workflow, or
// the duration of the last recorded run.
func (s *Server) executionTime(ctx context.Context, st *cursorstore.IndexStatus) int64 {
	if wf := s.workflows.Active(st.Source); wf != nil {
		if started, ok := document.ParseTimestamp(wf.StartedAt); ok {
			return s.now().Sub(started).Milliseconds()
		}
		return 0
	}
	runs, err := s.analytics.GetRecentRuns(ctx, st.Source, 1)
	if err != nil || len(runs) == 0 {
		return 0
	}
	return runs[0].DurationMs
}

func (s *Server) handleSourceStatus(w http.ResponseWriter, r *http.Request) {
	source, ok := s.parseSource(w, r)
	if !ok {
		return
	}
	statuses, err := s.workflows.Statuses(r.Context(), []document.Source{source})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statuses[0])
}

func (s *Server) handleResetSource(w http.ResponseWriter, r *http.Request) {
	source, ok := s.parseSource(w, r)
	if !ok {
		return
	}
	if err := s.resetSource(r.Context(), source); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": source, "status": "reset"})
}

func (s *Server) handleResetStatus(w http.ResponseWriter, r *http.Request) {
	source, ok := s.parseSource(w, r)
	if !ok {
		return
	}
	if err := s.cursors.ResetStatus(r.Context(), source); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": source, "status": "reset"})
}

func (s *Server) handleResetAll(w http.ResponseWriter, r *http.Request) {
	sources := s.registry.Sources()
	for _, source := range sources {
		if err := s.resetSource(r.Context(), source); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset", "sources": sources})
}

// resetSource clears the cursor, status and advisory lock so the next
// run starts from the beginning.
func (s *Server) resetSource(ctx context.Context, source document.Source) error {
	if err := s.cursors.ResetCursor(ctx, source); err != nil {
		return err
	}
	return s.cursors.ResetStatus(ctx, source)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	source, ok := s.parseSource(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	// A failed vector delete is logged, not fatal: removing the hashes
	// guarantees the next sweep rewrites the document either way.
	if err := s.documents.Delete(r.Context(), source, id); err != nil {
		slog.Warn("Failed to delete document from vector store",
			"source", source, "id", id, "error", err)
	}
	if err := s.cursors.RemoveHashes(r.Context(), source, id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": source, "id": id, "status": "deleted"})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	source, ok := s.parseSource(w, r)
	if !ok {
		return
	}
	saved, err := s.settings.Get(r.Context(), source)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if saved == nil {
		saved = &connector.IndexRequest{}
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	source, ok := s.parseSource(w, r)
	if !ok {
		return
	}
	var req connector.IndexRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.settings.Save(r.Context(), source, &req); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	saved, err := s.settings.Get(r.Context(), source)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": source, "settings": saved})
}

func (s *Server) handleEnabledSources(w http.ResponseWriter, r *http.Request) {
	out := make(map[document.Source]bool)
	for _, source := range s.registry.Sources() {
		conn, _ := s.registry.Get(source)
		enabled, err := s.settings.Enabled(r.Context(), source, conn.IsConfigured())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out[source] = enabled
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	source, ok := s.parseSource(w, r)
	if !ok {
		return
	}
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	if err := s.settings.SetEnabled(r.Context(), source, *body.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": source, "enabled": *body.Enabled})
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	source, ok := s.parseSource(w, r)
	if !ok {
		return
	}
	conn, ok := s.registry.Get(source)
	if !ok {
		writeError(w, http.StatusBadRequest, "source not available: "+string(source))
		return
	}
	d, ok := conn.(connector.Discoverer)
	if !ok {
		writeError(w, http.StatusBadRequest, "discovery not supported for source: "+string(source))
		return
	}
	if !conn.IsConfigured() {
		writeError(w, http.StatusBadRequest, "source not configured: "+string(source))
		return
	}
	resources, err := d.Discover(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": source, "resources": resources})
}
