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

package main

import (
	"fmt"

	"github.com/magpielabs/magpie/pkg/analytics"
	"github.com/magpielabs/magpie/pkg/archive"
	"github.com/magpielabs/magpie/pkg/chunk"
	"github.com/magpielabs/magpie/pkg/config"
	"github.com/magpielabs/magpie/pkg/connector"
	"github.com/magpielabs/magpie/pkg/cursorstore"
	"github.com/magpielabs/magpie/pkg/docstore"
	"github.com/magpielabs/magpie/pkg/document"
	"github.com/magpielabs/magpie/pkg/embedder"
	"github.com/magpielabs/magpie/pkg/engine"
	"github.com/magpielabs/magpie/pkg/fileproc"
	"github.com/magpielabs/magpie/pkg/navigate"
	"github.com/magpielabs/magpie/pkg/relevance"
	"github.com/magpielabs/magpie/pkg/search"
	"github.com/magpielabs/magpie/pkg/tokens"
	"github.com/magpielabs/magpie/pkg/vector"
)

// app bundles the collector's wired components. Serve and the one-shot
// commands share the same construction path so a sweep started from the
// CLI behaves exactly like one started over HTTP.
type app struct {
	cfg       *config.Config
	cursors   *cursorstore.Store
	settings  *engine.SettingsStore
	analytics *analytics.Store
	provider  vector.Provider
	embedder  embedder.Embedder
	docs      *docstore.Store
	registry  *connector.Registry
	engine    *engine.Engine
	search    *search.Engine
	navigate  *navigate.Navigator
}

// buildApp wires every component from the configuration. The config must
// have passed through SetDefaults and Validate.
func buildApp(cfg *config.Config) (*app, error) {
	cursors, err := cursorstore.NewFromURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	client := cursors.Client()

	counter, err := tokens.NewCounter(cfg.Embedder.Model)
	if err != nil {
		cursors.Close()
		return nil, fmt.Errorf("failed to create token counter: %w", err)
	}
	splitter, err := chunk.NewSplitter(counter, chunk.Options{})
	if err != nil {
		cursors.Close()
		return nil, fmt.Errorf("failed to create splitter: %w", err)
	}

	provider, err := vector.NewProvider(&cfg.Vector)
	if err != nil {
		cursors.Close()
		return nil, fmt.Errorf("failed to create vector provider: %w", err)
	}
	emb, err := embedder.New(cfg.Embedder)
	if err != nil {
		cursors.Close()
		provider.Close()
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	docs, err := docstore.New(provider, emb, splitter)
	if err != nil {
		cursors.Close()
		provider.Close()
		return nil, err
	}

	proc := fileproc.New(splitter)
	registry, err := buildRegistry(cfg, proc)
	if err != nil {
		cursors.Close()
		provider.Close()
		return nil, err
	}

	settings := engine.NewSettingsStore(client)
	eng, err := engine.New(engine.Deps{
		Registry:  registry,
		Cursors:   cursors,
		Settings:  settings,
		Documents: docs,
		Enricher:  relevance.New(cfg.Identity()),
		Archive:   archive.New(cfg.Storage.RawDir),
	})
	if err != nil {
		cursors.Close()
		provider.Close()
		return nil, err
	}

	searcher, err := search.NewEngine(provider, emb)
	if err != nil {
		cursors.Close()
		provider.Close()
		return nil, err
	}
	navigator, err := navigate.New(provider)
	if err != nil {
		cursors.Close()
		provider.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		cursors:   cursors,
		settings:  settings,
		analytics: analytics.New(client),
		provider:  provider,
		embedder:  emb,
		docs:      docs,
		registry:  registry,
		engine:    eng,
		search:    searcher,
		navigate:  navigator,
	}, nil
}

// buildRegistry registers all seven connectors. Unconfigured connectors
// still register so status and settings endpoints can see them; the
// engine skips them at fetch time.
func buildRegistry(cfg *config.Config, proc *fileproc.Processor) (*connector.Registry, error) {
	registry := connector.NewRegistry()

	github, err := connector.NewGithub(cfg.Sources.Github, proc)
	if err != nil {
		return nil, fmt.Errorf("failed to create github connector: %w", err)
	}

	for _, c := range []connector.Connector{
		connector.NewJira(cfg.Sources.Jira),
		connector.NewConfluence(cfg.Sources.Confluence),
		connector.NewSlack(cfg.Sources.Slack),
		connector.NewGmail(cfg.Sources.Gmail),
		connector.NewCalendar(cfg.Sources.Calendar),
		connector.NewDrive(cfg.Sources.Drive, proc),
		github,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// configuredSources lists the sources whose connectors hold credentials.
func (a *app) configuredSources() []document.Source {
	return a.registry.Configured()
}

// Close releases the app's connections.
func (a *app) Close() {
	if a.embedder != nil {
		_ = a.embedder.Close()
	}
	if a.provider != nil {
		_ = a.provider.Close()
	}
	if a.cursors != nil {
		_ = a.cursors.Close()
	}
}
