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

// Package vector abstracts vector storage behind a Provider interface.
//
// Two implementations ship with the collector: an embedded chromem-go store
// for zero-config deployments and a Qdrant client for production. Providers
// store points addressed by logical string ids; backends that cannot use
// string ids (Qdrant) map them internally and restore them on reads.
package vector

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared by provider implementations.
var (
	// ErrNotFound is returned when a requested point does not exist.
	ErrNotFound = errors.New("point not found")

	// ErrNotConfigured is returned by NilProvider for mutating operations.
	ErrNotConfigured = errors.New("vector provider not configured")
)

// Point is a vector plus payload, addressed by a caller-chosen id.
type Point struct {
	ID       string
	Vector   []float32
	Metadata map[string]any
}

// Record is a stored point as read back from a provider. Vector is populated
// only when the read requested it.
type Record struct {
	ID       string
	Vector   []float32
	Metadata map[string]any
}

// Result is a similarity search hit. Score is cosine similarity, so higher
// is closer; callers clamp negatives as they see fit.
type Result struct {
	ID       string         `json:"id"`
	Score    float32        `json:"score"`
	Metadata map[string]any `json:"metadata"`
}

// RangeCondition restricts a numeric payload field.
type RangeCondition struct {
	Key string
	GTE *float64
	LTE *float64
}

// Filter narrows searches, scrolls, and deletes. All conditions are ANDed.
// The zero value matches every point.
type Filter struct {
	// Equals requires payload fields to equal the given values.
	Equals map[string]any

	// Ranges requires numeric payload fields to fall inside bounds.
	Ranges []RangeCondition

	// Contains requires a text payload field to contain every listed
	// substring, matched case-insensitively.
	Contains map[string][]string
}

// IsZero reports whether the filter has no conditions.
func (f Filter) IsZero() bool {
	return len(f.Equals) == 0 && len(f.Ranges) == 0 && len(f.Contains) == 0
}

// Matches evaluates the filter against a payload in Go. Backends that can
// push conditions down do so; the embedded provider relies on this directly.
func (f Filter) Matches(meta map[string]any) bool {
	for key, want := range f.Equals {
		got, ok := meta[key]
		if !ok || !looselyEqual(got, want) {
			return false
		}
	}
	for _, r := range f.Ranges {
		v, ok := toFloat(meta[r.Key])
		if !ok {
			return false
		}
		if r.GTE != nil && v < *r.GTE {
			return false
		}
		if r.LTE != nil && v > *r.LTE {
			return false
		}
	}
	for key, terms := range f.Contains {
		text, _ := meta[key].(string)
		lower := strings.ToLower(text)
		for _, term := range terms {
			if !strings.Contains(lower, strings.ToLower(term)) {
				return false
			}
		}
	}
	return true
}

// looselyEqual compares payload values across the numeric widenings a JSON
// or gRPC round trip introduces.
func looselyEqual(got, want any) bool {
	if gf, ok := toFloat(got); ok {
		if wf, ok := toFloat(want); ok {
			return gf == wf
		}
		return false
	}
	return fmt.Sprint(got) == fmt.Sprint(want)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// Provider is the storage backend contract.
//
// Scroll returns points matching a filter in a stable order along with an
// opaque continuation token; an empty token means the listing is complete.
// The token format is backend-specific and must not be interpreted.
type Provider interface {
	// EnsureCollection creates the collection with cosine similarity if it
	// does not exist yet.
	EnsureCollection(ctx context.Context, collection string, vectorSize int) error

	Upsert(ctx context.Context, collection string, points []Point) error

	// Get fetches points by id. Missing ids are skipped, not errors.
	Get(ctx context.Context, collection string, ids []string, withVectors bool) ([]Record, error)

	// SetMetadata merges fields into a stored point's payload without
	// touching its vector.
	SetMetadata(ctx context.Context, collection string, id string, fields map[string]any) error

	Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]Result, error)

	Scroll(ctx context.Context, collection string, filter Filter, limit int, offset string) ([]Record, string, error)

	Delete(ctx context.Context, collection string, ids []string) error

	DeleteByFilter(ctx context.Context, collection string, filter Filter) error

	Count(ctx context.Context, collection string) (uint64, error)

	DeleteCollection(ctx context.Context, collection string) error

	Name() string

	Close() error
}

// NilProvider stands in when vector storage is disabled. Reads succeed with
// empty results so query surfaces degrade gracefully; writes fail loudly.
type NilProvider struct{}

func (NilProvider) EnsureCollection(ctx context.Context, collection string, vectorSize int) error {
	return nil
}

func (NilProvider) Upsert(ctx context.Context, collection string, points []Point) error {
	return ErrNotConfigured
}

func (NilProvider) Get(ctx context.Context, collection string, ids []string, withVectors bool) ([]Record, error) {
	return nil, nil
}

func (NilProvider) SetMetadata(ctx context.Context, collection string, id string, fields map[string]any) error {
	return ErrNotConfigured
}

func (NilProvider) Search(ctx context.Context, collection string, vector []float32, topK int, filter Filter) ([]Result, error) {
	return nil, nil
}

func (NilProvider) Scroll(ctx context.Context, collection string, filter Filter, limit int, offset string) ([]Record, string, error) {
	return nil, "", nil
}

func (NilProvider) Delete(ctx context.Context, collection string, ids []string) error {
	return ErrNotConfigured
}

func (NilProvider) DeleteByFilter(ctx context.Context, collection string, filter Filter) error {
	return ErrNotConfigured
}

func (NilProvider) Count(ctx context.Context, collection string) (uint64, error) {
	return 0, nil
}

func (NilProvider) DeleteCollection(ctx context.Context, collection string) error {
	return ErrNotConfigured
}

func (NilProvider) Name() string { return "nil" }

func (NilProvider) Close() error { return nil }

// Ensure NilProvider implements Provider.
var _ Provider = NilProvider{}
