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

// Package embedder produces vector embeddings for indexing and search.
package embedder

import (
	"context"
	"fmt"
)

// Embedder produces vector embeddings from text.
type Embedder interface {
	// Embed converts text to a vector embedding.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts to vector embeddings, preserving
	// input order. More efficient than calling Embed per text.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding vector dimension.
	Dimension() int

	// Model returns the model name being used.
	Model() string

	// Close releases any resources held by the embedder.
	Close() error
}

// ProviderType identifies an embedder implementation.
type ProviderType string

const (
	ProviderOpenAI ProviderType = "openai"
	ProviderOllama ProviderType = "ollama"
)

// Config selects and configures an embedder.
type Config struct {
	// Type identifies which embedder to create. Defaults to openai when an
	// API key is present, ollama otherwise.
	Type ProviderType `yaml:"type,omitempty"`

	// Model names the embedding model.
	Model string `yaml:"model,omitempty"`

	// Host overrides the provider endpoint.
	Host string `yaml:"host,omitempty"`

	// APIKey authenticates hosted providers.
	APIKey string `yaml:"api_key,omitempty"`

	// Dimension of the produced vectors. Defaults per model.
	Dimension int `yaml:"dimension,omitempty"`

	// BatchSize caps texts per request. Defaults to 100.
	BatchSize int `yaml:"batch_size,omitempty"`

	// TimeoutSeconds bounds each HTTP call. Defaults to 30.
	TimeoutSeconds int `yaml:"timeout,omitempty"`

	// MaxRetries bounds request attempts. Defaults to 3.
	MaxRetries int `yaml:"max_retries,omitempty"`
}

// SetDefaults applies default values. Without an explicit type the hosted
// provider is chosen when a key is configured and the local one otherwise.
func (c *Config) SetDefaults() {
	if c.Type == "" {
		if c.APIKey != "" {
			c.Type = ProviderOpenAI
		} else {
			c.Type = ProviderOllama
		}
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 30
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Type {
	case ProviderOpenAI:
		if c.APIKey == "" {
			return fmt.Errorf("openai embedder requires an api key")
		}
		return nil
	case ProviderOllama:
		return nil
	case "":
		return fmt.Errorf("embedder type is required")
	default:
		return fmt.Errorf("unknown embedder type: %q", c.Type)
	}
}

// New creates an embedder from configuration.
func New(cfg Config) (Embedder, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case ProviderOpenAI:
		return NewOpenAIEmbedder(cfg)
	case ProviderOllama:
		return NewOllamaEmbedder(cfg)
	default:
		return nil, fmt.Errorf("unknown embedder type: %q", cfg.Type)
	}
}
