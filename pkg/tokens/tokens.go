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

// Package tokens provides deterministic token counting for chunking budgets.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is used when a model has no registered encoding. It matches
// the embedding models the collector targets.
const DefaultEncoding = "cl100k_base"

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// Counter counts tokens with a fixed tiktoken encoding. Counters are cheap to
// create because encodings are cached process-wide.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

// NewCounter creates a counter for the given model, falling back to
// DefaultEncoding when the model is unknown to tiktoken.
func NewCounter(model string) (*Counter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &Counter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding(DefaultEncoding)
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &Counter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

// Model returns the model name this counter was created for.
func (c *Counter) Model() string {
	return c.model
}

// Estimate gives a rough count (≈4 chars/token) without an encoding. Used
// only where a Counter is unavailable.
func Estimate(text string) int {
	return len(text) / 4
}
