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
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/magpielabs/magpie/pkg/document"
	"github.com/magpielabs/magpie/pkg/navigate"
	"github.com/magpielabs/magpie/pkg/search"
	"github.com/magpielabs/magpie/pkg/vector"
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := search.Request{
		Query:      q.Get("query"),
		SearchType: search.SearchType(q.Get("searchType")),
		Limit:      intParam(r, "limit", 0),
		Offset:     intParam(r, "offset", 0),
		StartDate:  q.Get("startDate"),
		EndDate:    q.Get("endDate"),
	}
	if raw := q.Get("sources"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			req.Sources = append(req.Sources, document.Source(name))
		}
	}
	if raw := q.Get("where"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Where); err != nil {
			writeError(w, http.StatusBadRequest, "invalid where filter: "+err.Error())
			return
		}
	}

	req.SetDefaults()
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.searcher.Search(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := navigate.Request{
		DocumentID: q.Get("documentId"),
		Direction:  navigate.Direction(q.Get("direction")),
		Scope:      navigate.Scope(q.Get("scope")),
		Limit:      intParam(r, "limit", 0),
	}

	req.SetDefaults()
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.navigator.Navigate(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, vector.ErrNotFound):
		writeError(w, http.StatusNotFound, "document not found: "+req.DocumentID)
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
