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

import (
	"path/filepath"
	"strings"
)

// languageByExt maps file extensions to a splitting language. Anything
// not listed falls back to generic text splitting.
var languageByExt = map[string]string{
	".go":       "go",
	".py":       "python",
	".js":       "js",
	".jsx":      "js",
	".mjs":      "js",
	".cjs":      "js",
	".ts":       "js",
	".tsx":      "js",
	".java":     "java",
	".c":        "cpp",
	".h":        "cpp",
	".cc":       "cpp",
	".cpp":      "cpp",
	".cxx":      "cpp",
	".hpp":      "cpp",
	".rb":       "ruby",
	".rs":       "rust",
	".php":      "php",
	".scala":    "scala",
	".swift":    "swift",
	".proto":    "proto",
	".md":       "markdown",
	".markdown": "markdown",
	".mdx":      "markdown",
	".html":     "html",
	".htm":      "html",
}

// LanguageForPath returns the splitting language for a file path and
// whether one is known.
func LanguageForPath(path string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	lang, ok := languageByExt[ext]
	return lang, ok
}

// IsCodePath reports whether the path has a known code extension, used
// to pick ChunkCode over ChunkText during file processing.
func IsCodePath(path string) bool {
	_, ok := LanguageForPath(path)
	return ok
}

// Separator lists run coarse to fine. Each opens with declaration and
// block keywords so splits land on syntactic boundaries, then degrades
// to paragraphs, lines, words and runes.
var languageSeparators = map[string][]string{
	"go": {
		"\nfunc ", "\nvar ", "\nconst ", "\ntype ",
		"\nif ", "\nfor ", "\nswitch ", "\ncase ",
		"\n\n", "\n", " ", "",
	},
	"python": {
		"\nclass ", "\ndef ", "\n\tdef ",
		"\n\n", "\n", " ", "",
	},
	"js": {
		"\nfunction ", "\nconst ", "\nlet ", "\nvar ", "\nclass ",
		"\nif ", "\nfor ", "\nwhile ", "\nswitch ", "\ncase ", "\ndefault ",
		"\n\n", "\n", " ", "",
	},
	"java": {
		"\nclass ", "\npublic ", "\nprotected ", "\nprivate ", "\nstatic ",
		"\nif ", "\nfor ", "\nwhile ", "\nswitch ", "\ncase ",
		"\n\n", "\n", " ", "",
	},
	"cpp": {
		"\nclass ", "\nvoid ", "\nint ", "\nfloat ", "\ndouble ",
		"\nif ", "\nfor ", "\nwhile ", "\nswitch ", "\ncase ",
		"\n\n", "\n", " ", "",
	},
	"ruby": {
		"\ndef ", "\nclass ", "\nif ", "\nunless ", "\nwhile ",
		"\nfor ", "\ndo ", "\nbegin ", "\nrescue ",
		"\n\n", "\n", " ", "",
	},
	"rust": {
		"\nfn ", "\nconst ", "\nlet ", "\nif ", "\nwhile ",
		"\nfor ", "\nloop ", "\nmatch ",
		"\n\n", "\n", " ", "",
	},
	"php": {
		"\nfunction ", "\nclass ", "\nif ", "\nforeach ", "\nwhile ",
		"\ndo ", "\nswitch ", "\ncase ",
		"\n\n", "\n", " ", "",
	},
	"scala": {
		"\nclass ", "\nobject ", "\ndef ", "\nval ", "\nvar ",
		"\nif ", "\nfor ", "\nwhile ", "\nmatch ", "\ncase ",
		"\n\n", "\n", " ", "",
	},
	"swift": {
		"\nfunc ", "\nclass ", "\nstruct ", "\nenum ",
		"\nif ", "\nfor ", "\nwhile ", "\ndo ", "\nswitch ", "\ncase ",
		"\n\n", "\n", " ", "",
	},
	"proto": {
		"\nmessage ", "\nservice ", "\nenum ", "\noption ", "\nimport ", "\nsyntax ",
		"\n\n", "\n", " ", "",
	},
	"markdown": {
		"\n# ", "\n## ", "\n### ", "\n#### ", "\n##### ", "\n###### ",
		"```\n", "\n\n***\n\n", "\n\n---\n\n", "\n\n___\n\n",
		"\n\n", "\n", " ", "",
	},
	"html": {
		"<body", "<div", "<p", "<br", "<li",
		"<h1", "<h2", "<h3", "<h4", "<h5", "<h6",
		"<span", "<table", "<tr", "<td", "<th", "<ul", "<ol",
		"<header", "<footer", "<nav", "<head", "<style", "<script", "<meta", "<title",
		"\n\n", "\n", " ", "",
	},
}

func separatorsForLanguage(lang string) []string {
	if seps, ok := languageSeparators[lang]; ok {
		return seps
	}
	return textSeparators
}
