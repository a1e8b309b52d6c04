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

package docstore

import (
	"strings"

	"github.com/magpielabs/magpie/pkg/document"
)

// headerDateLayout renders dates the way they read in prose, which embeds
// better than RFC 3339.
const headerDateLayout = "January 2, 2006"

// contextHeader builds the descriptive preamble embedded ahead of every
// chunk. Retrieval stays aware of where a fragment came from even when the
// fragment itself is terse: a two-line Slack reply still carries its channel,
// sender and date into the embedding.
func contextHeader(doc *document.Document) string {
	var lines []string
	add := func(label, value string) {
		if value != "" {
			lines = append(lines, label+": "+sanitizeText(value))
		}
	}

	add("Title", doc.Title())
	add("Source", sourceLabel(doc.Source))
	appendSourceFields(doc, add)
	add("Date", formattedDate(doc.Metadata))

	return strings.Join(lines, "\n")
}

func sourceLabel(source document.Source) string {
	switch source {
	case document.SourceJira:
		return "Jira"
	case document.SourceSlack:
		return "Slack"
	case document.SourceGmail:
		return "Gmail"
	case document.SourceDrive:
		return "Google Drive"
	case document.SourceConfluence:
		return "Confluence"
	case document.SourceCalendar:
		return "Google Calendar"
	case document.SourceGithub:
		return "GitHub"
	}
	return string(source)
}

// appendSourceFields emits the handful of per-source attributes that anchor
// a chunk: the fields a person would mention when describing the document.
func appendSourceFields(doc *document.Document, add func(label, value string)) {
	meta := doc.Metadata
	switch doc.Source {
	case document.SourceJira:
		add("Project", meta.GetString("project"))
		add("Status", meta.GetString("status"))
		add("Priority", meta.GetString("priority"))
		add("Assignee", meta.GetString("assignee"))
	case document.SourceSlack:
		channel := meta.GetString("channel")
		if channel == "" {
			channel = meta.GetString("channelId")
		}
		add("Channel", channel)
		add("From", meta.GetString("user"))
	case document.SourceGmail:
		add("From", meta.GetString("from"))
		add("To", strings.Join(meta.GetStringSlice("to"), ", "))
	case document.SourceDrive:
		add("Folder", meta.GetString("folderPath"))
		if owners := meta.GetStringSlice("owners"); len(owners) > 0 {
			add("Owner", owners[0])
		}
	case document.SourceConfluence:
		add("Space", meta.GetString("space"))
		add("Type", meta.GetString("type"))
	case document.SourceCalendar:
		add("Organizer", meta.GetString("organizer"))
		if start, ok := document.ParseTimestamp(meta.GetString("start")); ok {
			add("When", start.UTC().Format("January 2, 2006 15:04 MST"))
		}
		add("Location", meta.GetString("location"))
	case document.SourceGithub:
		add("Repository", meta.GetString("repo"))
		add("Type", meta.GetString("type"))
		add("Author", meta.GetString("author"))
	}
}

// formattedDate picks the document's creation date, falling back to the
// update date, formatted for prose.
func formattedDate(meta document.Metadata) string {
	value := meta.GetString("createdAt")
	if value == "" {
		value = meta.GetString("updatedAt")
	}
	ts, ok := document.ParseTimestamp(value)
	if !ok {
		return ""
	}
	return ts.UTC().Format(headerDateLayout)
}
