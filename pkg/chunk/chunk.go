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

// Package chunk splits document content into embedding-sized pieces.
//
// All splitting is token-gated: content below MinTokensForChunking is
// returned as a single chunk. Above the gate, text and code are split
// recursively along structural separators, and store-side content is
// packed sentence by sentence. Every splitter guarantees at least one
// chunk and keeps chunks under roughly twice the target size.
package chunk

import (
	"fmt"
	"strings"
	"unicode"
)

// Defaults, in tokens. Tunable per deployment but fixed once chosen,
// because chunk hashes depend on chunk boundaries.
const (
	DefaultChunkSize    = 512
	DefaultChunkOverlap = 64
	DefaultMinTokens    = 600
)

// TokenCounter reports the token length of a string.
type TokenCounter interface {
	Count(text string) int
}

// Options configures a Splitter. Zero fields take the package defaults.
type Options struct {
	ChunkSize    int `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap" yaml:"chunk_overlap"`
	MinTokens    int `json:"min_tokens" yaml:"min_tokens"`
}

// SetDefaults fills zero fields with the package defaults.
func (o *Options) SetDefaults() {
	if o.ChunkSize == 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkOverlap == 0 {
		o.ChunkOverlap = DefaultChunkOverlap
	}
	if o.MinTokens == 0 {
		o.MinTokens = DefaultMinTokens
	}
}

// Validate checks if the configuration is valid.
func (o *Options) Validate() error {
	if o.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", o.ChunkSize)
	}
	if o.ChunkOverlap < 0 {
		return fmt.Errorf("chunk overlap cannot be negative, got %d", o.ChunkOverlap)
	}
	if o.ChunkOverlap >= o.ChunkSize {
		return fmt.Errorf("chunk overlap (%d) must be less than chunk size (%d)", o.ChunkOverlap, o.ChunkSize)
	}
	return nil
}

// Splitter chunks content with a fixed token counter and options.
type Splitter struct {
	counter TokenCounter
	opts    Options
}

// NewSplitter creates a splitter around the given token counter.
func NewSplitter(counter TokenCounter, opts Options) (*Splitter, error) {
	opts.SetDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if counter == nil {
		return nil, fmt.Errorf("token counter is required")
	}
	return &Splitter{counter: counter, opts: opts}, nil
}

// Options returns the splitter configuration.
func (s *Splitter) Options() Options {
	return s.opts
}

// ChunkText splits prose recursively by paragraphs, lines, sentences
// and words. Content under the token gate is returned whole.
func (s *Splitter) ChunkText(content string) []string {
	if s.counter.Count(content) < s.opts.MinTokens {
		return []string{content}
	}
	return s.ensure(content, s.splitRecursive(content, textSeparators))
}

// ChunkCode splits source code along syntactic boundaries selected by
// the file extension. Unsupported extensions fall back to ChunkText.
func (s *Splitter) ChunkCode(content, path string) []string {
	if s.counter.Count(content) < s.opts.MinTokens {
		return []string{content}
	}
	lang, ok := LanguageForPath(path)
	if !ok {
		return s.ensure(content, s.splitRecursive(content, textSeparators))
	}
	return s.ensure(content, s.splitRecursive(content, separatorsForLanguage(lang)))
}

// ChunkSentences packs whole sentences greedily up to the chunk size,
// carrying a tail of up to ChunkOverlap tokens into the next chunk.
// This is the store-side strategy: chunk boundaries never cut a
// sentence, so stored chunk hashes stay stable under re-ingestion.
func (s *Splitter) ChunkSentences(content string) []string {
	if s.counter.Count(content) <= s.opts.MinTokens {
		return []string{content}
	}

	sentences := splitSentences(content)
	var chunks []string
	var current []string
	total := 0

	for _, sentence := range sentences {
		n := s.counter.Count(sentence)
		if total > 0 && total+n > s.opts.ChunkSize {
			chunks = append(chunks, strings.Join(current, ""))

			// Seed the next chunk with a sentence tail no longer than
			// the configured overlap.
			var tail []string
			tailTokens := 0
			for i := len(current) - 1; i >= 0; i-- {
				t := s.counter.Count(current[i])
				if tailTokens+t > s.opts.ChunkOverlap {
					break
				}
				tail = append([]string{current[i]}, tail...)
				tailTokens += t
			}
			current = tail
			total = tailTokens
		}
		current = append(current, sentence)
		total += n
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, ""))
	}
	return s.ensure(content, chunks)
}

// ensure upholds the at-least-one-chunk guarantee.
func (s *Splitter) ensure(content string, chunks []string) []string {
	out := chunks[:0]
	for _, c := range chunks {
		if strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return []string{content}
	}
	return out
}

// splitSentences cuts text after sentence-ending punctuation followed
// by whitespace, and after every newline. Trailing whitespace stays
// with the sentence it ends, so joining the pieces reproduces the
// input exactly.
func splitSentences(text string) []string {
	var sentences []string
	var b strings.Builder
	runes := []rune(text)

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		b.WriteRune(r)
		switch {
		case r == '\n':
			sentences = append(sentences, b.String())
			b.Reset()
		case r == '.' || r == '!' || r == '?':
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				// Consume the whitespace run so the boundary stays crisp.
				for i+1 < len(runes) && runes[i+1] != '\n' && unicode.IsSpace(runes[i+1]) {
					i++
					b.WriteRune(runes[i])
				}
				sentences = append(sentences, b.String())
				b.Reset()
			}
		}
	}
	if b.Len() > 0 {
		sentences = append(sentences, b.String())
	}
	return sentences
}
