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

// Package document defines the normalized document model shared by
// connectors, the indexing engine, and the vector store.
package document

import (
	"fmt"
	"time"
)

// Source identifies an external data source.
type Source string

const (
	SourceJira       Source = "jira"
	SourceSlack      Source = "slack"
	SourceGmail      Source = "gmail"
	SourceDrive      Source = "drive"
	SourceConfluence Source = "confluence"
	SourceCalendar   Source = "calendar"
	SourceGithub     Source = "github"
)

// AllSources returns every known source in a stable order.
func AllSources() []Source {
	return []Source{
		SourceJira,
		SourceSlack,
		SourceGmail,
		SourceDrive,
		SourceConfluence,
		SourceCalendar,
		SourceGithub,
	}
}

// ParseSource validates a source name.
func ParseSource(name string) (Source, error) {
	s := Source(name)
	for _, known := range AllSources() {
		if s == known {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown source: %q", name)
}

// Metadata is the open-ended per-document attribute map. Values are limited
// to strings, float64 numbers, bools, and lists thereof; the typed accessors
// below cover the fields ranking and navigation depend on.
type Metadata map[string]any

// GetString returns the string value for key, or "" when absent or not a string.
func (m Metadata) GetString(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// GetNumber returns the numeric value for key. Integer-typed values are
// widened so callers never care how a connector produced the number.
func (m Metadata) GetNumber(key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// GetBool returns the bool value for key, or false when absent.
func (m Metadata) GetBool(key string) bool {
	v, _ := m[key].(bool)
	return v
}

// GetStringSlice returns the list value for key with non-string entries
// dropped. A bare string value becomes a single-element slice.
func (m Metadata) GetStringSlice(key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// Has reports whether key is present.
func (m Metadata) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Clone returns a deep copy. Nested lists are copied; maps inside metadata
// are not expected but copied shallowly if present.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case []any:
			list := make([]any, len(vv))
			copy(list, vv)
			out[k] = list
		case []string:
			list := make([]string, len(vv))
			copy(list, vv)
			out[k] = list
		default:
			out[k] = v
		}
	}
	return out
}

// Document is the normalized unit produced by connectors and consumed by the
// indexing engine and vector store.
type Document struct {
	// ID is stable and globally unique within a source. It is the deletion
	// and reference key.
	ID string `json:"id"`

	// Source names the connector that produced this document.
	Source Source `json:"source"`

	// Content is unicode text, already rendered to markdown-ish form.
	Content string `json:"content"`

	// Metadata carries source-specific attributes. Reserved keys: id,
	// source, type, title, createdAt, updatedAt, parentId.
	Metadata Metadata `json:"metadata"`

	// PreChunked optionally carries connector-computed chunks. When it has
	// more than one entry it overrides the store's chunker.
	PreChunked []string `json:"preChunked,omitempty"`
}

// Normalize enforces the model invariant that metadata mirrors the document
// identity: metadata.id == ID and metadata.source == Source.
func (d *Document) Normalize() {
	if d.Metadata == nil {
		d.Metadata = make(Metadata, 2)
	}
	d.Metadata["id"] = d.ID
	d.Metadata["source"] = string(d.Source)
}

// Title returns the display title, falling back from title to subject.
func (d *Document) Title() string {
	if t := d.Metadata.GetString("title"); t != "" {
		return t
	}
	return d.Metadata.GetString("subject")
}

// timestampLayouts covers the formats connectors emit. RFC3339 dominates;
// the rest are legacy shapes seen in source payloads.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses a metadata timestamp string. It accepts the layouts
// connectors produce plus bare unix-seconds values like Slack's "1714673640.000200".
func ParseTimestamp(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	var secs float64
	if _, err := fmt.Sscanf(value, "%f", &secs); err == nil && secs > 1e8 {
		sec := int64(secs)
		nsec := int64((secs - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), true
	}
	return time.Time{}, false
}

// EpochMillis converts a timestamp string to milliseconds since epoch,
// matching the numeric sort keys stored next to createdAt/updatedAt.
func EpochMillis(value string) (int64, bool) {
	t, ok := ParseTimestamp(value)
	if !ok {
		return 0, false
	}
	return t.UnixMilli(), true
}
