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

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/magpielabs/magpie/pkg/connector"
	"github.com/magpielabs/magpie/pkg/document"
)

func settingsKey(source document.Source) string {
	return "index:settings:" + string(source)
}

func enabledKey(source document.Source) string {
	return "index:enabled:" + string(source)
}

// SettingsStore persists per-source filter settings and the per-source
// enabled flag. Settings fill the gaps of an incoming IndexRequest; they
// never override fields the caller set.
type SettingsStore struct {
	client *redis.Client
}

func NewSettingsStore(client *redis.Client) *SettingsStore {
	return &SettingsStore{client: client}
}

// Get returns the saved settings for a source, or nil when none exist.
func (s *SettingsStore) Get(ctx context.Context, source document.Source) (*connector.IndexRequest, error) {
	data, err := s.client.Get(ctx, settingsKey(source)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settings for %s: %w", source, err)
	}

	var req connector.IndexRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode settings for %s: %w", source, err)
	}
	return &req, nil
}

// Save persists filter settings. fullReindex is per-run transport state,
// not a setting, and is stripped before writing.
func (s *SettingsStore) Save(ctx context.Context, source document.Source, req *connector.IndexRequest) error {
	clean := req.Clone()
	clean.FullReindex = false

	data, err := json.Marshal(clean)
	if err != nil {
		return fmt.Errorf("failed to marshal settings for %s: %w", source, err)
	}
	if err := s.client.Set(ctx, settingsKey(source), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save settings for %s: %w", source, err)
	}
	return nil
}

// SetEnabled records whether a source participates in index-all sweeps
// and scheduled runs.
func (s *SettingsStore) SetEnabled(ctx context.Context, source document.Source, enabled bool) error {
	value := "0"
	if enabled {
		value = "1"
	}
	if err := s.client.Set(ctx, enabledKey(source), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to save enabled flag for %s: %w", source, err)
	}
	return nil
}

// Enabled reports the stored flag, or def when none was ever set. Callers
// pass the connector's configured state as the default.
func (s *SettingsStore) Enabled(ctx context.Context, source document.Source, def bool) (bool, error) {
	value, err := s.client.Get(ctx, enabledKey(source)).Result()
	if err == redis.Nil {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("failed to get enabled flag for %s: %w", source, err)
	}
	return value == "1" || value == "true", nil
}

// mergeRequest fills absent filter fields on req from saved settings.
// Fields present on the request win; the Gmail block merges per subfield.
func mergeRequest(req, saved *connector.IndexRequest) *connector.IndexRequest {
	merged := req.Clone()
	if saved == nil {
		return merged
	}

	if len(merged.ProjectKeys) == 0 {
		merged.ProjectKeys = cloneStrings(saved.ProjectKeys)
	}
	if len(merged.ChannelIDs) == 0 {
		merged.ChannelIDs = cloneStrings(saved.ChannelIDs)
	}
	if len(merged.FolderIDs) == 0 {
		merged.FolderIDs = cloneStrings(saved.FolderIDs)
	}
	if len(merged.CalendarIDs) == 0 {
		merged.CalendarIDs = cloneStrings(saved.CalendarIDs)
	}
	if len(merged.SpaceKeys) == 0 {
		merged.SpaceKeys = cloneStrings(saved.SpaceKeys)
	}
	if len(merged.Repos) == 0 {
		merged.Repos = cloneStrings(saved.Repos)
	}
	if merged.IndexFiles == nil && saved.IndexFiles != nil {
		v := *saved.IndexFiles
		merged.IndexFiles = &v
	}
	if saved.Gmail != nil {
		if merged.Gmail == nil {
			merged.Gmail = &connector.GmailSettings{}
		}
		if len(merged.Gmail.Domains) == 0 {
			merged.Gmail.Domains = cloneStrings(saved.Gmail.Domains)
		}
		if len(merged.Gmail.Senders) == 0 {
			merged.Gmail.Senders = cloneStrings(saved.Gmail.Senders)
		}
		if len(merged.Gmail.Labels) == 0 {
			merged.Gmail.Labels = cloneStrings(saved.Gmail.Labels)
		}
	}
	return merged
}

// configKey canonicalizes the filter subset of a request that shapes what
// a source returns. The cursor remembers the key it was built under; any
// mismatch means the stored cursor describes a different document set and
// the next batch must start over.
func configKey(source document.Source, req *connector.IndexRequest) string {
	if req == nil {
		return ""
	}
	switch source {
	case document.SourceJira:
		return joinSorted(req.ProjectKeys)
	case document.SourceSlack:
		return joinSorted(req.ChannelIDs)
	case document.SourceGmail:
		return gmailConfigKey(req.Gmail)
	case document.SourceDrive:
		return joinSorted(req.FolderIDs)
	case document.SourceConfluence:
		return joinSorted(req.SpaceKeys)
	case document.SourceCalendar:
		return joinSorted(req.CalendarIDs)
	case document.SourceGithub:
		return joinSorted(req.Repos)
	}
	return ""
}

// gmailConfigKey encodes the three Gmail filter groups as compact JSON
// with sorted members, so equal filters always produce equal keys.
func gmailConfigKey(g *connector.GmailSettings) string {
	if g.IsZero() {
		return ""
	}
	payload := struct {
		D []string `json:"d"`
		S []string `json:"s"`
		L []string `json:"l"`
	}{sortedCopy(g.Domains), sortedCopy(g.Senders), sortedCopy(g.Labels)}

	data, _ := json.Marshal(payload)
	return string(data)
}

func joinSorted(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return strings.Join(sortedCopy(values), ",")
}

func sortedCopy(values []string) []string {
	out := make([]string, len(values))
	copy(out, values)
	sort.Strings(out)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
