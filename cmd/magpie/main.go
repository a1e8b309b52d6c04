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

// Command magpie is the CLI for the Magpie knowledge collector.
//
// Usage:
//
//	magpie serve --config magpie.yaml
//	magpie index --source jira --full
//	magpie search "quarterly review" --type hybrid
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	magpie "github.com/magpielabs/magpie"
	"github.com/magpielabs/magpie/pkg/config"
	"github.com/magpielabs/magpie/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the collector API server."`
	Index    IndexCmd    `cmd:"" help:"Run a one-shot indexing sweep."`
	Search   SearchCmd   `cmd:"" help:"Search the indexed corpus."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Generate JSON Schema for the configuration."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple, verbose, json)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(magpie.GetVersion().String())
	return nil
}

// loadConfig loads the file named by --config, or the built-in defaults
// when no file was given. The returned loader is nil in the default case.
func loadConfig(ctx context.Context, path string) (*config.Config, *config.Loader, error) {
	if path == "" {
		slog.Debug("No config file given, using defaults")
		return config.Default(), nil, nil
	}
	cfg, loader, err := config.LoadFile(ctx, path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	return cfg, loader, nil
}

// initLogger configures the process logger from the global CLI flags.
func initLogger(cli *CLI) (func(), error) {
	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		return nil, err
	}

	output := os.Stderr
	cleanup := func() {}
	if cli.LogFile != "" {
		file, closeFile, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = closeFile
	}

	logger.Init(level, output, cli.LogFormat)
	return cleanup, nil
}

// applyConfigLogger re-initializes logging from the config file when the
// CLI flags were left at their defaults. Explicit flags win.
func applyConfigLogger(cli *CLI, cfg *config.Config) {
	if cli.LogLevel != "info" || cli.LogFormat != "simple" || cli.LogFile != "" {
		return
	}
	if cfg.Logger.Level == "info" && cfg.Logger.Format == "simple" && cfg.Logger.File == "" {
		return
	}

	level, err := logger.ParseLevel(cfg.Logger.Level)
	if err != nil {
		return
	}
	output := os.Stderr
	if cfg.Logger.File != "" {
		if file, _, err := logger.OpenLogFile(cfg.Logger.File); err == nil {
			output = file
		}
	}
	logger.Init(level, output, cfg.Logger.Format)
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("magpie"),
		kong.Description("Magpie - enterprise knowledge collector and retrieval engine"),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	err = ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
