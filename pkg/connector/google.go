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

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GoogleConfig is the OAuth identity shared by the Gmail, Drive and
// Calendar connectors.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty"`
	RefreshToken string `yaml:"refresh_token,omitempty"`
	UserEmail    string `yaml:"user_email,omitempty"`
}

func (c GoogleConfig) IsConfigured() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RefreshToken != ""
}

// clientOptions builds API client options from the refresh token.
func (c GoogleConfig) clientOptions(ctx context.Context) []option.ClientOption {
	oauthCfg := &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     google.Endpoint,
	}
	ts := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: c.RefreshToken})
	return []option.ClientOption{option.WithTokenSource(ts)}
}

// serviceOptions prefers injected options (tests point them at a fake
// backend) over the configured identity.
func serviceOptions(ctx context.Context, cfg GoogleConfig, injected []option.ClientOption) []option.ClientOption {
	if len(injected) > 0 {
		return injected
	}
	return cfg.clientOptions(ctx)
}

// googleStatus returns the HTTP status carried by a Google API error, or 0.
func googleStatus(err error) int {
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return 0
}

// isGoogleStale reports a rejected page or sync token from a Google API.
func isGoogleStale(err error) bool {
	switch googleStatus(err) {
	case 400, 404, 410:
		return true
	}
	return false
}
