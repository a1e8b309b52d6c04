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

package fileproc

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
)

// parseNative extracts text in-process for formats with a Go parser.
// Returns ok=false when the format is unsupported or the parse fails,
// letting the caller fall back to the subprocess converter.
func parseNative(data []byte, ext string) (string, bool) {
	switch ext {
	case ".pdf":
		return parsePDF(data)
	case ".docx":
		return parseWord(data)
	case ".xlsx":
		return parseExcel(data)
	default:
		return "", false
	}
}

func parsePDF(data []byte) (string, bool) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", false
	}

	var contentParts []string
	totalPages := reader.NumPage()

	for pageNum := 1; pageNum <= totalPages; pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) != "" {
			contentParts = append(contentParts, fmt.Sprintf("--- Page %d ---\n%s", pageNum, text))
		}
	}

	if len(contentParts) == 0 {
		return "", false
	}
	return strings.Join(contentParts, "\n\n"), true
}

func parseWord(data []byte) (string, bool) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", false
	}
	defer func() { _ = doc.Close() }()

	content := doc.Editable().GetContent()
	content = stripWordMarkup(content)
	if strings.TrimSpace(content) == "" {
		return "", false
	}
	return content, true
}

// stripWordMarkup removes the WordprocessingML tags GetContent leaves
// in, keeping paragraph breaks.
func stripWordMarkup(content string) string {
	content = strings.ReplaceAll(content, "</w:p>", "\n")
	var b strings.Builder
	inTag := false
	for _, r := range content {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func parseExcel(data []byte) (string, bool) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", false
	}
	defer func() { _ = f.Close() }()

	var contentParts []string
	for _, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			continue
		}

		var sheetText strings.Builder
		sheetText.WriteString(fmt.Sprintf("--- Sheet: %s ---\n", sheetName))

		// Cap extraction so one giant sheet cannot dominate the index.
		cellCount := 0
		for _, row := range rows {
			if cellCount >= 1000 {
				sheetText.WriteString("... (truncated)\n")
				break
			}
			var cells []string
			for _, cell := range row {
				if text := strings.TrimSpace(cell); text != "" {
					cells = append(cells, text)
					cellCount++
				}
			}
			if len(cells) > 0 {
				sheetText.WriteString(strings.Join(cells, " | "))
				sheetText.WriteString("\n")
			}
		}

		if cellCount > 0 {
			contentParts = append(contentParts, strings.TrimRight(sheetText.String(), "\n"))
		}
	}

	if len(contentParts) == 0 {
		return "", false
	}
	return strings.Join(contentParts, "\n\n"), true
}
