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

package fileproc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Markitdown shells out to the markitdown CLI to render office and
// HTML payloads as markdown. The payload is staged in a temp file that
// is removed on every exit path.
type Markitdown struct {
	binary  string
	timeout time.Duration
}

// NewMarkitdown creates a converter. An empty binary means "markitdown"
// from PATH.
func NewMarkitdown(binary string) *Markitdown {
	if binary == "" {
		binary = "markitdown"
	}
	return &Markitdown{
		binary:  binary,
		timeout: 60 * time.Second,
	}
}

func (m *Markitdown) Convert(ctx context.Context, data []byte, ext string) (string, error) {
	tmp, err := os.CreateTemp("", "magpie-convert-*"+ext)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to stage payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to stage payload: %w", err)
	}

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, m.binary, tmpPath)
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("markitdown failed for %s: %s", ext, string(exitErr.Stderr))
		}
		return "", fmt.Errorf("markitdown failed for %s: %w", ext, err)
	}

	return string(output), nil
}
