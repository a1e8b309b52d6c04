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

package navigate

import (
	"strings"

	"github.com/magpielabs/magpie/pkg/document"
)

// datapointGroup picks the metadata key and value that bound the
// source-native unit the document belongs to: a thread, a ticket family, a
// folder. An empty key means the whole collection is one group.
func datapointGroup(source document.Source, meta document.Metadata) (key, value, contextType string) {
	switch source {
	case document.SourceSlack:
		if ts := meta.GetString("threadTs"); ts != "" {
			return "threadTs", ts, "thread"
		}
		return "channelId", meta.GetString("channelId"), "channel"
	case document.SourceGmail:
		return "threadId", meta.GetString("threadId"), "thread"
	case document.SourceJira:
		if parent := meta.GetString("parentId"); parent != "" {
			return "parentId", parent, "issue"
		}
		return "project", meta.GetString("project"), "project"
	case document.SourceDrive:
		return "folderPath", driveFolder(meta), "folder"
	case document.SourceConfluence:
		if parent := meta.GetString("parentId"); parent != "" {
			return "parentId", parent, "page"
		}
		return "space", meta.GetString("space"), "space"
	case document.SourceCalendar:
		return "", "", "calendar"
	case document.SourceGithub:
		if parent := meta.GetString("parentId"); parent != "" {
			return "parentId", parent, "issue"
		}
		return "repo", meta.GetString("repo"), "repository"
	}
	return "", "", string(source)
}

// contextGroup picks the broader container: channel over thread, project
// over ticket, space over page.
func contextGroup(source document.Source, meta document.Metadata) (key, value, contextType string) {
	switch source {
	case document.SourceSlack:
		return "channelId", meta.GetString("channelId"), "channel"
	case document.SourceGmail:
		return "threadId", meta.GetString("threadId"), "thread"
	case document.SourceJira:
		return "project", meta.GetString("project"), "project"
	case document.SourceDrive:
		return "folderPath", driveFolder(meta), "folder"
	case document.SourceConfluence:
		return "space", meta.GetString("space"), "space"
	case document.SourceCalendar:
		return "", "", "calendar"
	case document.SourceGithub:
		return "repo", meta.GetString("repo"), "repository"
	}
	return "", "", string(source)
}

// contextTypeOf labels the group a document sits in without selecting a
// filter, for the structural directions.
func contextTypeOf(source document.Source, meta document.Metadata) string {
	_, _, label := datapointGroup(source, meta)
	return label
}

// parentIDOf resolves the metadata parent to a fetchable document id.
// Confluence comments store the raw page id, everything else stores the id
// as addressable.
func parentIDOf(source document.Source, meta document.Metadata) string {
	parent := meta.GetString("parentId")
	if parent == "" {
		return ""
	}
	if source == document.SourceConfluence && meta.GetString("type") == "comment" &&
		!strings.HasPrefix(parent, "confluence_") {
		return "confluence_" + parent
	}
	return parent
}

// logicalID strips the source prefix connectors put on document ids, giving
// back the id children reference in their parentId metadata.
func logicalID(source document.Source, id string) string {
	return strings.TrimPrefix(id, string(source)+"_")
}

// driveFolder prefers the stored folder path and falls back to the directory
// part of the file path.
func driveFolder(meta document.Metadata) string {
	if folder := meta.GetString("folderPath"); folder != "" {
		return folder
	}
	path := meta.GetString("path")
	if i := strings.LastIndex(path, "/"); i > 0 {
		return path[:i]
	}
	return ""
}

// sortField names the timestamp metadata that orders a source's documents.
func sortField(source document.Source) string {
	switch source {
	case document.SourceSlack:
		return "timestamp"
	case document.SourceGmail:
		return "date"
	case document.SourceCalendar:
		return "start"
	default:
		return "updatedAt"
	}
}
