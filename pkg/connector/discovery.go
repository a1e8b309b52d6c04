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

package connector

import "context"

// Resource is one browsable container in a source backend: a Jira
// project, a Slack channel, a Drive folder. Resource ids are the values
// the matching IndexRequest filter field accepts.
type Resource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Discoverer lists the containers an indexing run can be scoped to.
// Connectors implement it when their backend exposes a listing API.
type Discoverer interface {
	Discover(ctx context.Context) ([]Resource, error)
}
