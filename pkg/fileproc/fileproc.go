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

// Package fileproc turns raw file payloads into indexable text.
//
// Media and archive MIME types are skipped outright. Text passes
// through verbatim unless it smells like HTML, in which case it is
// converted to markdown. Binary formats go through native parsers
// (PDF, Word, Excel) with a markitdown subprocess as fallback and for
// formats without a native parser. The processor finishes by chunking
// the extracted text, code-aware when the extension is known.
package fileproc

import (
	"context"
	"strings"

	"github.com/magpielabs/magpie/pkg/chunk"
)

// Result is the processed form of one file. A nil Result means the
// file was skipped on purpose.
type Result struct {
	Content  string   `json:"content"`
	Chunks   []string `json:"chunks,omitempty"`
	Language string   `json:"language,omitempty"`
}

// Converter renders a binary payload to markdown. ext carries the dot,
// e.g. ".pdf".
type Converter interface {
	Convert(ctx context.Context, data []byte, ext string) (string, error)
}

// Processor applies the skip policy, converts payloads and chunks the
// outcome.
type Processor struct {
	splitter  *chunk.Splitter
	converter Converter
}

type Option func(*Processor)

// WithConverter overrides the markitdown subprocess, mainly for tests.
func WithConverter(c Converter) Option {
	return func(p *Processor) {
		p.converter = c
	}
}

func New(splitter *chunk.Splitter, opts ...Option) *Processor {
	p := &Processor{
		splitter:  splitter,
		converter: NewMarkitdown(""),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// skippedMimePrefixes never contain indexable text.
var skippedMimePrefixes = []string{"image/", "video/", "audio/"}

// archiveSubtypes are application/* subtypes we refuse to unpack.
var archiveSubtypes = map[string]bool{
	"zip":              true,
	"x-zip-compressed": true,
	"octet-stream":     true,
	"x-tar":            true,
	"x-gzip":           true,
	"x-bzip2":          true,
	"x-7z-compressed":  true,
	"x-compress":       true,
	"x-compressed":     true,
}

// convertibleExts maps file extensions to the subprocess conversion
// path. Everything else in byte form is rejected.
var convertibleExts = map[string]bool{
	".docx": true,
	".xlsx": true,
	".pptx": true,
	".pdf":  true,
	".html": true,
	".csv":  true,
}

// extByMime resolves Drive-style MIME types to an extension when the
// file path has none.
var extByMime = map[string]string{
	"application/pdf": ".pdf",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   ".docx",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         ".xlsx",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": ".pptx",
	"application/msword": ".docx",
	"text/html":          ".html",
	"application/xhtml+xml": ".html",
	"text/csv":              ".csv",
	"application/csv":       ".csv",
}

// ShouldSkipMime reports whether a MIME type is media or an archive.
// Connectors consult this before downloading file bodies.
func ShouldSkipMime(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if mt == "" {
		return false
	}
	for _, prefix := range skippedMimePrefixes {
		if strings.HasPrefix(mt, prefix) {
			return true
		}
	}
	subtype := mt
	if i := strings.Index(mt, "/"); i >= 0 {
		subtype = mt[i+1:]
	}
	if i := strings.Index(subtype, ";"); i >= 0 {
		subtype = strings.TrimSpace(subtype[:i])
	}
	return archiveSubtypes[subtype]
}

// ProcessText handles payloads already decoded as text. Content with
// NUL bytes is treated as mislabeled binary and skipped. HTML is
// converted to markdown; anything else passes through verbatim.
func (p *Processor) ProcessText(ctx context.Context, content, filePath, mimeType string) (*Result, error) {
	if ShouldSkipMime(mimeType) {
		return nil, nil
	}
	if strings.ContainsRune(content, '\x00') {
		return nil, nil
	}

	if looksLikeHTML(content, mimeType) {
		converted, err := p.converter.Convert(ctx, []byte(content), ".html")
		if err != nil {
			return nil, err
		}
		content = converted
	}

	return p.finalize(content, filePath), nil
}

// ProcessBytes handles binary payloads. Only the known convertible
// formats are accepted; the rest are skipped.
func (p *Processor) ProcessBytes(ctx context.Context, data []byte, filePath, mimeType string) (*Result, error) {
	if ShouldSkipMime(mimeType) {
		return nil, nil
	}

	ext := resolveExt(filePath, mimeType)
	if !convertibleExts[ext] {
		return nil, nil
	}

	content, err := p.convert(ctx, data, ext)
	if err != nil {
		return nil, err
	}
	return p.finalize(content, filePath), nil
}

// convert prefers the in-process parsers and falls back to the
// subprocess for formats they do not cover or inputs they choke on.
func (p *Processor) convert(ctx context.Context, data []byte, ext string) (string, error) {
	if content, ok := parseNative(data, ext); ok {
		return content, nil
	}
	return p.converter.Convert(ctx, data, ext)
}

func (p *Processor) finalize(content, filePath string) *Result {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	result := &Result{Content: content}
	if p.splitter == nil {
		return result
	}

	if lang, ok := chunk.LanguageForPath(filePath); ok {
		result.Language = lang
		result.Chunks = p.splitter.ChunkCode(content, filePath)
	} else {
		result.Chunks = p.splitter.ChunkText(content)
	}
	return result
}

func looksLikeHTML(content, mimeType string) bool {
	if strings.Contains(strings.ToLower(mimeType), "html") {
		return true
	}
	lowered := strings.ToLower(content)
	return strings.Contains(lowered, "<html") || strings.Contains(lowered, "<body")
}

func resolveExt(filePath, mimeType string) string {
	if ext := lowerExt(filePath); ext != "" {
		return ext
	}
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return extByMime[mt]
}

func lowerExt(filePath string) string {
	i := strings.LastIndex(filePath, ".")
	if i < 0 || i == len(filePath)-1 {
		return ""
	}
	if j := strings.LastIndexAny(filePath, "/\\"); j > i {
		return ""
	}
	return strings.ToLower(filePath[i:])
}
