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

package cursorstore

import (
	"github.com/magpielabs/magpie/pkg/document"
)

// Cursor is the per-source sync position. lastSync is the
// high-watermark timestamp; a non-empty syncToken means a fetch is
// mid-paging and the watermark must not advance.
type Cursor struct {
	Source    document.Source `json:"source"`
	LastSync  string          `json:"lastSync,omitempty"`
	SyncToken string          `json:"syncToken,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// ConfigKey returns the canonical filter-config fingerprint recorded
// when this cursor was written, or "".
func (c *Cursor) ConfigKey() string {
	if c == nil || c.Metadata == nil {
		return ""
	}
	if v, ok := c.Metadata["configKey"].(string); ok {
		return v
	}
	return ""
}

// SetConfigKey records the filter-config fingerprint on the cursor.
func (c *Cursor) SetConfigKey(key string) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}
	c.Metadata["configKey"] = key
}

// RunState is the lifecycle state of a source's indexing.
type RunState string

const (
	StateIdle      RunState = "idle"
	StateRunning   RunState = "running"
	StateCompleted RunState = "completed"
	StateError     RunState = "error"
)

// IndexStatus is the externally visible state of one source.
type IndexStatus struct {
	Source           document.Source `json:"source"`
	Status           RunState        `json:"status"`
	LastSync         string          `json:"lastSync,omitempty"`
	DocumentsIndexed int             `json:"documentsIndexed"`
	LastError        string          `json:"lastError,omitempty"`
	LastErrorAt      string          `json:"lastErrorAt,omitempty"`
	WorkflowID       string          `json:"workflowId,omitempty"`
}
