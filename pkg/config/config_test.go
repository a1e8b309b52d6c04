package config

import (
	"strings"
	"testing"

	"github.com/magpielabs/magpie/pkg/connector"
	"github.com/magpielabs/magpie/pkg/vector"
)

func TestSetDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Host = %q", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d", cfg.Server.Port)
	}
	if cfg.Server.Prefix != "/api" {
		t.Errorf("Prefix = %q", cfg.Server.Prefix)
	}
	if cfg.Server.CORS == nil || len(cfg.Server.CORS.AllowedOrigins) == 0 {
		t.Error("expected default CORS")
	}
	if cfg.Redis.URL != "redis://localhost:6379/0" {
		t.Errorf("Redis.URL = %q", cfg.Redis.URL)
	}
	if cfg.Vector.Type != vector.ProviderChromem {
		t.Errorf("Vector.Type = %q", cfg.Vector.Type)
	}
	if cfg.Logger.Level != "info" || cfg.Logger.Format != "simple" {
		t.Errorf("Logger = %+v", cfg.Logger)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 99999 },
			wantErr: "server",
		},
		{
			name:    "bad prefix",
			mutate:  func(c *Config) { c.Server.Prefix = "api" },
			wantErr: "server",
		},
		{
			name:    "bad redis url",
			mutate:  func(c *Config) { c.Redis.URL = "not-a-url" },
			wantErr: "redis",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logger.Level = "loud" },
			wantErr: "logger",
		},
		{
			name:    "unknown schedule source",
			mutate:  func(c *Config) { c.Schedules = map[string]string{"linear": "0 * * * *"} },
			wantErr: "schedules",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestSharedGoogleIdentity(t *testing.T) {
	cfg := &Config{}
	cfg.Sources.Google = connector.GoogleConfig{
		ClientID:     "shared-id",
		ClientSecret: "shared-secret",
		RefreshToken: "shared-token",
	}
	cfg.Sources.Drive = connector.DriveConfig{
		GoogleConfig: connector.GoogleConfig{
			ClientID:     "drive-id",
			ClientSecret: "drive-secret",
			RefreshToken: "drive-token",
		},
	}
	cfg.App.UserEmail = "me@example.com"
	cfg.SetDefaults()

	if cfg.Sources.Gmail.ClientID != "shared-id" {
		t.Errorf("gmail did not inherit shared identity: %+v", cfg.Sources.Gmail.GoogleConfig)
	}
	if cfg.Sources.Calendar.ClientID != "shared-id" {
		t.Errorf("calendar did not inherit shared identity: %+v", cfg.Sources.Calendar.GoogleConfig)
	}
	if cfg.Sources.Drive.ClientID != "drive-id" {
		t.Errorf("drive's own credentials were overwritten: %+v", cfg.Sources.Drive.GoogleConfig)
	}

	for _, gc := range []connector.GoogleConfig{
		cfg.Sources.Gmail.GoogleConfig,
		cfg.Sources.Calendar.GoogleConfig,
		cfg.Sources.Drive.GoogleConfig,
	} {
		if gc.UserEmail != "me@example.com" {
			t.Errorf("user email not threaded through: %+v", gc)
		}
	}
}

func TestChromemPathFallback(t *testing.T) {
	cfg := &Config{}
	cfg.Storage.ChromemPath = "/var/lib/magpie/chromem"
	cfg.SetDefaults()

	if cfg.Vector.Chromem == nil || cfg.Vector.Chromem.PersistPath != "/var/lib/magpie/chromem" {
		t.Errorf("storage chromem path not applied: %+v", cfg.Vector.Chromem)
	}

	explicit := &Config{}
	explicit.Storage.ChromemPath = "/var/lib/magpie/chromem"
	explicit.Vector.Chromem = &vector.ChromemConfig{PersistPath: "/data/vectors"}
	explicit.SetDefaults()

	if explicit.Vector.Chromem.PersistPath != "/data/vectors" {
		t.Errorf("vector section must win: %q", explicit.Vector.Chromem.PersistPath)
	}
}

func TestIdentity(t *testing.T) {
	cfg := &Config{}
	cfg.Sources.Github.Username = "octocat"
	cfg.Sources.Jira.Username = "o.cat@example.com"
	cfg.Sources.Google.UserEmail = "google@example.com"
	cfg.App.CompanyDomains = []string{"example.com"}

	id := cfg.Identity()
	if id.GithubUsername != "octocat" || id.JiraUsername != "o.cat@example.com" {
		t.Errorf("identity usernames: %+v", id)
	}
	if id.GoogleEmail != "google@example.com" {
		t.Errorf("expected google email fallback, got %q", id.GoogleEmail)
	}

	cfg.App.UserEmail = "app@example.com"
	if got := cfg.Identity().GoogleEmail; got != "app@example.com" {
		t.Errorf("app user email must win, got %q", got)
	}
}
