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

package chunk

import "strings"

// textSeparators split prose from coarse to fine. The empty string is
// the terminal separator: it splits into runes and can always make
// progress.
var textSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// splitRecursive splits text on the first separator present, then
// recurses into any piece that is still over the chunk size using the
// remaining, finer separators. Adjacent small pieces are merged back
// up to the chunk size with overlap.
func (s *Splitter) splitRecursive(text string, separators []string) []string {
	var final []string

	separator := separators[len(separators)-1]
	var remaining []string
	for i, sep := range separators {
		if sep == "" {
			separator = ""
			remaining = nil
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			remaining = separators[i+1:]
			break
		}
	}

	var good []string
	for _, piece := range splitKeepSeparator(text, separator) {
		if s.counter.Count(piece) < s.opts.ChunkSize {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			final = append(final, s.mergeSplits(good)...)
			good = nil
		}
		if len(remaining) == 0 {
			final = append(final, piece)
		} else {
			final = append(final, s.splitRecursive(piece, remaining)...)
		}
	}
	if len(good) > 0 {
		final = append(final, s.mergeSplits(good)...)
	}
	return final
}

// mergeSplits greedily packs pieces up to the chunk size. When a chunk
// closes, pieces are dropped from the front until the carried tail
// fits within the overlap budget. Pieces already carry their leading
// separator, so joining with the empty string reproduces the input.
func (s *Splitter) mergeSplits(splits []string) []string {
	var docs []string
	var current []string
	total := 0

	for _, piece := range splits {
		n := s.counter.Count(piece)
		if total+n > s.opts.ChunkSize && len(current) > 0 {
			docs = append(docs, strings.Join(current, ""))
			for len(current) > 0 && (total > s.opts.ChunkOverlap || total+n > s.opts.ChunkSize) {
				total -= s.counter.Count(current[0])
				current = current[1:]
			}
		}
		current = append(current, piece)
		total += n
	}
	if len(current) > 0 {
		docs = append(docs, strings.Join(current, ""))
	}
	return docs
}

// splitKeepSeparator splits text on separator, re-attaching the
// separator to the front of each following piece so no bytes are lost.
func splitKeepSeparator(text, separator string) []string {
	if separator == "" {
		return strings.Split(text, "")
	}
	parts := strings.Split(text, separator)
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		if i > 0 {
			p = separator + p
		}
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
