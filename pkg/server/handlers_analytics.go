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

import "net/http"

func (s *Server) handleSourceStats(w http.ResponseWriter, r *http.Request) {
	source, ok := s.parseSource(w, r)
	if !ok {
		return
	}
	stats, err := s.analytics.GetSourceStats(r.Context(), source)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRecentRuns(w http.ResponseWriter, r *http.Request) {
	source, ok := s.parseSource(w, r)
	if !ok {
		return
	}
	runs, err := s.analytics.GetRecentRuns(r.Context(), source, intParam(r, "limit", 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": source, "runs": runs})
}

func (s *Server) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	source, ok := s.parseSource(w, r)
	if !ok {
		return
	}
	daily, err := s.analytics.GetDailyStats(r.Context(), source, intParam(r, "days", 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": source, "daily": daily})
}

func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.analytics.GetSystemStats(r.Context(), s.registry.Sources())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
