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

// Package config defines the magpie configuration tree and its loading
// pipeline: read bytes from a provider, expand environment variables,
// decode, apply defaults, validate.
package config

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/magpielabs/magpie/pkg/connector"
	"github.com/magpielabs/magpie/pkg/document"
	"github.com/magpielabs/magpie/pkg/embedder"
	"github.com/magpielabs/magpie/pkg/observability"
	"github.com/magpielabs/magpie/pkg/relevance"
	"github.com/magpielabs/magpie/pkg/vector"
)

// Config is the root configuration for the collector and its API server.
type Config struct {
	// Server configures the HTTP API.
	Server ServerConfig `yaml:"server,omitempty"`

	// Redis locates the store backing cursors, settings and analytics.
	Redis RedisConfig `yaml:"redis,omitempty"`

	// Vector selects and configures the vector store.
	Vector vector.ProviderConfig `yaml:"vector,omitempty"`

	// Embedder selects and configures the embedding provider.
	Embedder embedder.Config `yaml:"embedder,omitempty"`

	// Storage configures on-disk paths.
	Storage StorageConfig `yaml:"storage,omitempty"`

	// App carries the operator identity used for relevance scoring.
	App AppConfig `yaml:"app,omitempty"`

	// Observability configures tracing and metrics.
	Observability observability.Config `yaml:"observability,omitempty"`

	// Logger configures logging behavior.
	Logger LoggerConfig `yaml:"logger,omitempty"`

	// Schedules maps source names to cron expressions for periodic
	// reindexing. Sources without an entry are never scheduled.
	Schedules map[string]string `yaml:"schedules,omitempty"`

	// Sources holds per-source credentials and default filters.
	Sources SourcesConfig `yaml:"sources,omitempty"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	// Host to bind to.
	// Default: "0.0.0.0"
	Host string `yaml:"host,omitempty"`

	// Port to listen on.
	// Default: 8080
	Port int `yaml:"port,omitempty"`

	// Prefix is the path all API routes are mounted under.
	// Default: "/api"
	Prefix string `yaml:"prefix,omitempty"`

	// APIKey guards every route except /health and the metrics endpoint.
	// Requests must carry it in the x-api-key header. Empty disables the
	// guard.
	APIKey string `yaml:"api_key,omitempty"`

	// CORS configuration.
	CORS *CORSConfig `yaml:"cors,omitempty"`
}

// CORSConfig configures cross-origin resource sharing.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
	AllowedMethods []string `yaml:"allowed_methods,omitempty"`
	AllowedHeaders []string `yaml:"allowed_headers,omitempty"`
}

// SetDefaults applies default values to ServerConfig.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Prefix == "" {
		c.Prefix = "/api"
	}
	if c.CORS == nil {
		c.CORS = &CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "x-api-key"},
		}
	}
}

// Validate checks ServerConfig for errors.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Prefix == "" || c.Prefix[0] != '/' {
		return fmt.Errorf("prefix must start with '/', got %q", c.Prefix)
	}
	return nil
}

// Address returns the host:port listen address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedisConfig locates the redis-compatible store.
type RedisConfig struct {
	// URL in redis://[user:pass@]host:port/db form.
	// Default: "redis://localhost:6379/0"
	URL string `yaml:"url,omitempty"`
}

// SetDefaults applies default values to RedisConfig.
func (c *RedisConfig) SetDefaults() {
	if c.URL == "" {
		c.URL = "redis://localhost:6379/0"
	}
}

// Options parses the URL into client options.
func (c *RedisConfig) Options() (*redis.Options, error) {
	opts, err := redis.ParseURL(c.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return opts, nil
}

// Validate checks RedisConfig for errors.
func (c *RedisConfig) Validate() error {
	_, err := c.Options()
	return err
}

// StorageConfig configures on-disk paths.
type StorageConfig struct {
	// RawDir enables best-effort raw document archiving when set. Documents
	// land under {raw_dir}/{source}/{id}.json.
	RawDir string `yaml:"raw_dir,omitempty"`

	// ChromemPath persists the embedded vector store. Ignored when the
	// vector section sets its own persist path or selects another provider.
	ChromemPath string `yaml:"chromem_path,omitempty"`
}

// AppConfig carries the operator identity.
type AppConfig struct {
	// CompanyDomains mark email senders as internal for relevance scoring.
	CompanyDomains []string `yaml:"company_domains,omitempty"`

	// UserEmail identifies the operator across Google sources.
	UserEmail string `yaml:"user_email,omitempty"`
}

// SourcesConfig holds per-source credentials and default filters. A source
// left unconfigured is skipped during indexing.
type SourcesConfig struct {
	// Google is the shared OAuth identity for gmail, calendar and drive.
	// Sources with their own credentials override it.
	Google connector.GoogleConfig `yaml:"google,omitempty"`

	Jira       connector.JiraConfig       `yaml:"jira,omitempty"`
	Confluence connector.ConfluenceConfig `yaml:"confluence,omitempty"`
	Slack      connector.SlackConfig      `yaml:"slack,omitempty"`
	Github     connector.GithubConfig     `yaml:"github,omitempty"`
	Gmail      connector.GmailConfig      `yaml:"gmail,omitempty"`
	Calendar   connector.CalendarConfig   `yaml:"calendar,omitempty"`
	Drive      connector.DriveConfig      `yaml:"drive,omitempty"`
}

// applyShared copies the shared Google identity into google-backed sources
// that did not configure their own, and threads the app user email through
// identities that left it empty.
func (c *Config) applyShared() {
	google := c.Sources.Google
	if google.UserEmail == "" {
		google.UserEmail = c.App.UserEmail
	}

	if !c.Sources.Gmail.GoogleConfig.IsConfigured() && google.IsConfigured() {
		c.Sources.Gmail.GoogleConfig = google
	}
	if !c.Sources.Calendar.GoogleConfig.IsConfigured() && google.IsConfigured() {
		c.Sources.Calendar.GoogleConfig = google
	}
	if !c.Sources.Drive.GoogleConfig.IsConfigured() && google.IsConfigured() {
		c.Sources.Drive.GoogleConfig = google
	}

	for _, gc := range []*connector.GoogleConfig{
		&c.Sources.Gmail.GoogleConfig,
		&c.Sources.Calendar.GoogleConfig,
		&c.Sources.Drive.GoogleConfig,
	} {
		if gc.UserEmail == "" {
			gc.UserEmail = c.App.UserEmail
		}
	}
}

// SetDefaults applies default values across the tree.
func (c *Config) SetDefaults() {
	c.applyShared()

	c.Server.SetDefaults()
	c.Redis.SetDefaults()
	c.Vector.SetDefaults()
	c.Embedder.SetDefaults()
	c.Observability.SetDefaults()
	c.Logger.SetDefaults()

	// The storage section's chromem path is the conventional home for the
	// embedded store; the vector section wins when both are set.
	if c.Vector.Type == vector.ProviderChromem && c.Vector.Chromem != nil &&
		c.Vector.Chromem.PersistPath == "" && c.Storage.ChromemPath != "" {
		c.Vector.Chromem.PersistPath = c.Storage.ChromemPath
	}
}

// Validate checks the tree for errors.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if err := c.Vector.Validate(); err != nil {
		return fmt.Errorf("vector: %w", err)
	}
	if err := c.Embedder.Validate(); err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	for name := range c.Schedules {
		if _, err := document.ParseSource(name); err != nil {
			return fmt.Errorf("schedules: %w", err)
		}
	}
	return nil
}

// Identity assembles the relevance identity from the configured
// credentials.
func (c *Config) Identity() relevance.Identity {
	email := c.App.UserEmail
	if email == "" {
		email = c.Sources.Google.UserEmail
	}
	return relevance.Identity{
		GithubUsername: c.Sources.Github.Username,
		JiraUsername:   c.Sources.Jira.Username,
		GoogleEmail:    email,
		CompanyDomains: c.App.CompanyDomains,
	}
}

// Default returns a configuration with every default applied, suitable for
// running without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}
