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
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/magpielabs/magpie/pkg/workflow"
)

func (s *Server) handleRecentWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows := s.workflows.Recent(intParam(r, "limit", 0))
	writeJSON(w, http.StatusOK, map[string]any{
		"workflows": workflows,
		"total":     len(workflows),
	})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wf, err := s.workflows.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "workflow not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.workflows.Cancel(id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "cancelling"})
	case errors.Is(err, workflow.ErrNotFound):
		writeError(w, http.StatusNotFound, "workflow not found: "+id)
	case errors.Is(err, workflow.ErrTerminal):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
