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
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/magpielabs/magpie/pkg/document"
	"github.com/magpielabs/magpie/pkg/observability"
	"github.com/magpielabs/magpie/pkg/server"
	"github.com/magpielabs/magpie/pkg/workflow"
)

// ServeCmd starts the collector API server.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)." default:"0"`
	Watch bool `help:"Watch config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, loader, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}
	applyConfigLogger(cli, cfg)

	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	obs := observability.NewManager(cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		_ = obs.Shutdown(shutdownCtx)
	}()

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.docs.EnsureCollections(ctx); err != nil {
		return fmt.Errorf("failed to prepare vector collections: %w", err)
	}

	runtime, err := workflow.New(workflow.Deps{
		Engine:    a.engine,
		Registry:  a.registry,
		Cursors:   a.cursors,
		Settings:  a.settings,
		Analytics: a.analytics,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		_ = runtime.Shutdown(shutdownCtx)
	}()

	scheduler, err := workflow.NewScheduler(runtime)
	if err != nil {
		return err
	}
	for name, expr := range cfg.Schedules {
		source, err := document.ParseSource(name)
		if err != nil {
			return err
		}
		if err := scheduler.Schedule(source, expr); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", source, err)
		}
	}
	scheduler.Start()
	defer func() { _ = scheduler.Stop() }()

	srv, err := server.New(cfg.Server, server.Deps{
		Workflows:     runtime,
		Registry:      a.registry,
		Cursors:       a.cursors,
		Settings:      a.settings,
		Analytics:     a.analytics,
		Search:        a.search,
		Navigate:      a.navigate,
		Documents:     a.docs,
		Observability: obs,
	})
	if err != nil {
		return err
	}

	fmt.Printf("\nMagpie collector ready\n")
	fmt.Printf("   API:      http://%s%s\n", srv.Address(), cfg.Server.Prefix)
	fmt.Printf("   Health:   http://%s%s/health\n", srv.Address(), cfg.Server.Prefix)
	fmt.Printf("   Search:   http://%s%s/search?q=...\n", srv.Address(), cfg.Server.Prefix)
	if cfg.Observability.Metrics.Enabled {
		fmt.Printf("   Metrics:  http://%s%s%s\n", srv.Address(), cfg.Server.Prefix, obs.MetricsPath())
	}
	if sources := a.configuredSources(); len(sources) > 0 {
		fmt.Printf("   Sources:  %v\n", sources)
	} else {
		fmt.Printf("   Sources:  none configured\n")
	}
	fmt.Println()

	return srv.Start(ctx)
}
