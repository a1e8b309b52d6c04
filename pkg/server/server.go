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

// Package server exposes the collector over HTTP: indexing control,
// search, navigation, workflow inspection, analytics and a server-sent
// status stream, all JSON under a configurable path prefix.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/magpielabs/magpie/pkg/analytics"
	"github.com/magpielabs/magpie/pkg/config"
	"github.com/magpielabs/magpie/pkg/connector"
	"github.com/magpielabs/magpie/pkg/cursorstore"
	"github.com/magpielabs/magpie/pkg/document"
	"github.com/magpielabs/magpie/pkg/engine"
	"github.com/magpielabs/magpie/pkg/navigate"
	"github.com/magpielabs/magpie/pkg/observability"
	"github.com/magpielabs/magpie/pkg/search"
	"github.com/magpielabs/magpie/pkg/workflow"
)

const shutdownTimeout = 5 * time.Second

// Searcher executes search requests.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

// Navigator resolves document neighborhoods.
type Navigator interface {
	Navigate(ctx context.Context, req navigate.Request) (*navigate.Response, error)
}

// DocumentDeleter removes one indexed document and its chunks.
type DocumentDeleter interface {
	Delete(ctx context.Context, source document.Source, id string) error
}

// Deps are the collaborators the server fronts. Observability may be
// nil; everything else is required.
type Deps struct {
	Workflows *workflow.Runtime
	Registry  *connector.Registry
	Cursors   *cursorstore.Store
	Settings  *engine.SettingsStore
	Analytics *analytics.Store
	Search    Searcher
	Navigate  Navigator
	Documents DocumentDeleter

	Observability *observability.Manager
}

// Server is the collector's HTTP front end.
type Server struct {
	cfg        config.ServerConfig
	workflows  *workflow.Runtime
	registry   *connector.Registry
	cursors    *cursorstore.Store
	settings   *engine.SettingsStore
	analytics  *analytics.Store
	searcher   Searcher
	navigator  Navigator
	documents  DocumentDeleter
	obs        *observability.Manager
	httpServer *http.Server

	now func() time.Time
}

// New builds the server. The config must have passed through
// SetDefaults and Validate.
func New(cfg config.ServerConfig, deps Deps) (*Server, error) {
	switch {
	case deps.Workflows == nil:
		return nil, errors.New("server requires a workflow runtime")
	case deps.Registry == nil:
		return nil, errors.New("server requires a connector registry")
	case deps.Cursors == nil:
		return nil, errors.New("server requires a cursor store")
	case deps.Settings == nil:
		return nil, errors.New("server requires a settings store")
	case deps.Analytics == nil:
		return nil, errors.New("server requires an analytics store")
	case deps.Search == nil:
		return nil, errors.New("server requires a search engine")
	case deps.Navigate == nil:
		return nil, errors.New("server requires a navigator")
	case deps.Documents == nil:
		return nil, errors.New("server requires a document store")
	}
	return &Server{
		cfg:       cfg,
		workflows: deps.Workflows,
		registry:  deps.Registry,
		cursors:   deps.Cursors,
		settings:  deps.Settings,
		analytics: deps.Analytics,
		searcher:  deps.Search,
		navigator: deps.Navigate,
		documents: deps.Documents,
		obs:       deps.Observability,
		now:       time.Now,
	}, nil
}

// Handler assembles the full route tree with middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	if s.obs != nil {
		r.Use(observability.HTTPMiddleware(s.obs.Tracer("magpie.server"), s.obs.Metrics()))
	}
	r.Use(logRequests)
	r.Use(s.corsMiddleware)

	r.Route(s.cfg.Prefix, func(api chi.Router) {
		// Health and metrics stay reachable without a key so probes
		// and scrapers need no credentials.
		api.Get("/health", s.handleHealth)
		if s.obs != nil && s.obs.MetricsHandler() != nil {
			api.Method(http.MethodGet, metricsRoute(s.obs.MetricsPath()), s.obs.MetricsHandler())
		}

		api.Group(func(pr chi.Router) {
			pr.Use(s.requireAPIKey)

			pr.Route("/index", func(ix chi.Router) {
				ix.Post("/all", s.handleIndexAll)
				ix.Delete("/all/reset", s.handleResetAll)
				ix.Get("/sources", s.handleSources)
				ix.Get("/enabled-sources", s.handleEnabledSources)
				ix.Put("/sources/{source}/enabled", s.handleSetEnabled)
				ix.Get("/settings/{source}", s.handleGetSettings)
				ix.Post("/settings/{source}", s.handleSaveSettings)
				ix.Get("/discovery/{source}", s.handleDiscovery)
				ix.Post("/{source}", s.handleIndexSource)
				ix.Get("/{source}/status", s.handleSourceStatus)
				ix.Delete("/{source}", s.handleResetSource)
				ix.Delete("/{source}/status", s.handleResetStatus)
				ix.Delete("/{source}/{id}", s.handleDeleteDocument)
			})

			pr.Get("/search", s.handleSearch)
			pr.Get("/navigate", s.handleNavigate)
			pr.Get("/events/indexing", s.handleIndexingEvents)

			pr.Route("/workflows", func(wf chi.Router) {
				wf.Get("/recent", s.handleRecentWorkflows)
				wf.Get("/{id}", s.handleGetWorkflow)
				wf.Delete("/{id}", s.handleCancelWorkflow)
			})

			pr.Route("/analytics", func(an chi.Router) {
				an.Get("/stats/{source}", s.handleSourceStats)
				an.Get("/runs/{source}", s.handleRecentRuns)
				an.Get("/daily/{source}", s.handleDailyStats)
				an.Get("/system", s.handleSystemStats)
			})
		})
	})

	return r
}

// Start runs the server until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.cfg.Address(),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		// No WriteTimeout: the events stream holds its response open
		// indefinitely and a deadline would sever it.
	}

	slog.Info("HTTP server starting", "address", s.cfg.Address(), "prefix", s.cfg.Prefix)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown drains in-flight requests, bounded by the shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	slog.Info("HTTP server shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}
	return nil
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.cfg.Address()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// metricsRoute normalizes the configured scrape path into a chi pattern.
func metricsRoute(path string) string {
	if !strings.HasPrefix(path, "/") {
		return "/" + path
	}
	return path
}

// parseSource resolves the {source} URL parameter, writing a 400 and
// returning false when it names no known source.
func (s *Server) parseSource(w http.ResponseWriter, r *http.Request) (document.Source, bool) {
	source, err := document.ParseSource(chi.URLParam(r, "source"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return source, true
}
