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
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/magpielabs/magpie/pkg/config"
)

// ValidateCmd validates a configuration file.
type ValidateCmd struct {
	Config string `arg:"" name:"config" help:"Configuration file path." placeholder:"PATH"`

	Format      string `short:"f" help:"Output format: compact, json." default:"compact" enum:"compact,json"`
	PrintConfig bool   `short:"p" name:"print-config" help:"Print the expanded configuration (defaults applied, env vars resolved)."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, loader, err := config.LoadFile(ctx, c.Config)
	if err != nil {
		return c.printError(err)
	}
	if loader != nil {
		defer loader.Close()
	}

	// The loader already ran SetDefaults and Validate; reaching this
	// point means the file is well-formed.
	if c.PrintConfig {
		return printExpandedConfig(cfg)
	}

	if c.Format == "json" {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"config": c.Config,
			"valid":  true,
		})
	}
	fmt.Printf("%s: valid\n", c.Config)
	return nil
}

func (c *ValidateCmd) printError(err error) error {
	if c.Format == "json" {
		_ = json.NewEncoder(os.Stdout).Encode(map[string]any{
			"config": c.Config,
			"valid":  false,
			"error":  err.Error(),
		})
		os.Exit(1)
	}
	return fmt.Errorf("%s: invalid: %w", c.Config, err)
}

func printExpandedConfig(cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	_, err = os.Stdout.Write(data)
	return err
}
