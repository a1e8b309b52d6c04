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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/magpielabs/magpie/pkg/connector"
	"github.com/magpielabs/magpie/pkg/document"
	"github.com/magpielabs/magpie/pkg/engine"
)

// IndexCmd runs a one-shot indexing sweep and exits. Without --source it
// sweeps every configured source in turn.
type IndexCmd struct {
	Source string `help:"Source to index (jira, slack, gmail, drive, confluence, calendar, github). Empty indexes all configured sources."`
	Full   bool   `help:"Force a full reindex, ignoring the saved cursor."`
}

func (c *IndexCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "Cancelling at next batch boundary...")
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

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.docs.EnsureCollections(ctx); err != nil {
		return fmt.Errorf("failed to prepare vector collections: %w", err)
	}

	var sources []document.Source
	if c.Source != "" {
		source, err := document.ParseSource(c.Source)
		if err != nil {
			return err
		}
		sources = []document.Source{source}
	} else {
		sources = a.configuredSources()
		if len(sources) == 0 {
			return fmt.Errorf("no sources configured")
		}
	}

	for _, source := range sources {
		started := time.Now()
		fmt.Printf("Indexing %s...\n", source)

		stats, err := a.engine.RunSource(ctx, source, &connector.IndexRequest{FullReindex: c.Full})
		printRunStats(source, stats, time.Since(started))
		if err != nil {
			return fmt.Errorf("indexing %s failed: %w", source, err)
		}
	}
	return nil
}

func printRunStats(source document.Source, stats *engine.RunStats, elapsed time.Duration) {
	if stats == nil {
		return
	}
	fmt.Printf("  %s: %d batches, %d processed (%d new, %d updated, %d skipped) in %s\n",
		source, stats.Batches, stats.DocumentsProcessed,
		stats.DocumentsNew, stats.DocumentsUpdated, stats.DocumentsSkipped,
		elapsed.Round(time.Millisecond))
}
