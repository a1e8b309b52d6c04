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

// Package archive keeps an on-disk copy of every raw document that passes
// through indexing. Writes are best effort; the indexing pipeline logs and
// continues when one fails.
package archive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/magpielabs/magpie/pkg/document"
)

// Archive writes documents under {dir}/{source}/{id}.json.
type Archive struct {
	dir string
}

// New returns an archive rooted at dir. An empty dir disables archiving
// and returns nil; Save on a nil archive is a no-op.
func New(dir string) *Archive {
	if dir == "" {
		return nil
	}
	return &Archive{dir: dir}
}

// fileNameChars matches everything that must not appear in an archive
// file name. Document ids may contain path separators (GitHub file ids do).
var fileNameChars = regexp.MustCompile(`[^a-zA-Z0-9._@+-]`)

// Save writes one document as indented JSON. Existing files are replaced,
// so re-indexing refreshes the archived copy.
func (a *Archive) Save(source document.Source, doc document.Document) error {
	if a == nil {
		return nil
	}

	dir := filepath.Join(a.dir, string(source))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create archive dir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal document %s: %w", doc.ID, err)
	}

	path := filepath.Join(dir, fileNameChars.ReplaceAllString(doc.ID, "_")+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
