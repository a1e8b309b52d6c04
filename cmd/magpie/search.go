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
	"strings"

	"github.com/magpielabs/magpie/pkg/document"
	"github.com/magpielabs/magpie/pkg/search"
)

// SearchCmd queries the indexed corpus from the command line.
type SearchCmd struct {
	Query   string   `arg:"" help:"Search query." placeholder:"QUERY"`
	Sources []string `help:"Sources to search (default: all)."`
	Type    string   `help:"Search type: vector, keyword, hybrid." default:"vector" enum:"vector,keyword,hybrid"`
	Limit   int      `help:"Maximum results." default:"10"`
	JSON    bool     `help:"Emit raw JSON instead of formatted output."`
}

func (c *SearchCmd) Run(cli *CLI) error {
	ctx := context.Background()

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

	req := search.Request{
		Query:      c.Query,
		SearchType: search.SearchType(c.Type),
		Limit:      c.Limit,
	}
	for _, name := range c.Sources {
		source, err := document.ParseSource(name)
		if err != nil {
			return err
		}
		req.Sources = append(req.Sources, source)
	}

	resp, err := a.search.Search(ctx, req)
	if err != nil {
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	fmt.Printf("%d results (of %d matched)\n\n", len(resp.Results), resp.Total)
	for i, result := range resp.Results {
		title := result.Metadata.GetString("title")
		if title == "" {
			title = result.Metadata.GetString("subject")
		}
		fmt.Printf("%2d. [%.3f] %s %s\n", i+1, result.Score, result.Source, result.ID)
		if title != "" {
			fmt.Printf("    %s\n", title)
		}
		if snippet := snippetOf(result.Content); snippet != "" {
			fmt.Printf("    %s\n", snippet)
		}
		fmt.Println()
	}
	return nil
}

// snippetOf returns the first non-empty line, truncated for terminal
// display.
func snippetOf(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > 120 {
			return line[:117] + "..."
		}
		return line
	}
	return ""
}
