package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  port: 9090
storage:
  dataDir: /var/lib/updates
auth:
  apiKey: secret
project: Radarr
github:
  owner: Radarr
  repo: Radarr
  token: ghp_x
azure:
  baseUrl: https://dev.azure.com/Radarr
  project: Radarr
  definitions: [1, 4]
updates:
  versionGates:
    - ceiling: 0.2.0.0
      upgradeCeiling: 0.2.0.9
  runtimeGates:
    - ceiling: 5.0.0.0
      upgradeCeiling: 4.0.0.100
  branchRedirects:
    nightly: develop
ingest:
  lockWait: 1m
  triggerTimeout: 1.5s
webhooks:
  - url: https://ci.example.com/hook
    headers:
      X-Token: abc
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Storage.DataDir != "/var/lib/updates" {
		t.Errorf("server/storage = %+v %+v", cfg.Server, cfg.Storage)
	}
	if cfg.GitHub == nil || cfg.GitHub.Token != "ghp_x" {
		t.Errorf("github = %+v", cfg.GitHub)
	}
	if cfg.Azure == nil || len(cfg.Azure.Definitions) != 2 || cfg.Azure.GitHubOwner != "Radarr" {
		t.Errorf("azure = %+v", cfg.Azure)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level default = %q", cfg.Log.Level)
	}
	if cfg.AppVeyor != nil {
		t.Error("appveyor should be unset")
	}
	if len(cfg.Updates.VersionGates) != 1 || cfg.Updates.VersionGates[0].UpgradeCeiling != "0.2.0.9" {
		t.Errorf("version gates = %+v", cfg.Updates.VersionGates)
	}
	if cfg.Updates.BranchRedirects["nightly"] != "develop" {
		t.Errorf("redirects = %v", cfg.Updates.BranchRedirects)
	}
	if cfg.Ingest.LockWait != time.Minute || cfg.Ingest.TriggerTimeout != 1500*time.Millisecond {
		t.Errorf("ingest = %+v", cfg.Ingest)
	}
	if cfg.Ingest.PollInterval != 15*time.Minute {
		t.Errorf("poll interval default = %v", cfg.Ingest.PollInterval)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].Headers["X-Token"] != "abc" {
		t.Errorf("webhooks = %+v", cfg.Webhooks)
	}
}

func TestLoadJSONC(t *testing.T) {
	path := writeConfig(t, "config.jsonc", `{
  // trailing commas and comments are fine
  "auth": { "apiKey": "secret" },
  "appveyor": { "account": "lidarr", "slug": "lidarr", },
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AppVeyor == nil || cfg.AppVeyor.Slug != "lidarr" {
		t.Errorf("appveyor = %+v", cfg.AppVeyor)
	}
	if cfg.Server.Port != 8080 || cfg.Storage.DataDir != "./data" {
		t.Errorf("defaults not applied: %+v %+v", cfg.Server, cfg.Storage)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "no api key",
			content: "appveyor: {account: a, slug: b}\n",
			want:    "no api key",
		},
		{
			name:    "no source",
			content: "auth: {apiKey: k}\n",
			want:    "no release source",
		},
		{
			name:    "github without project",
			content: "auth: {apiKey: k}\ngithub: {owner: o, repo: r}\n",
			want:    "project is required",
		},
		{
			name:    "unknown key",
			content: "auth: {apiKey: k}\nappveyor: {account: a, slug: b}\nbogus: 1\n",
			want:    "invalid config",
		},
		{
			name:    "bad duration",
			content: "auth: {apiKey: k}\nappveyor: {account: a, slug: b}\ningest: {lockWait: soon}\n",
			want:    "invalid config",
		},
		{
			name:    "port out of range",
			content: "auth: {apiKey: k}\nappveyor: {account: a, slug: b}\nserver: {port: 70000}\n",
			want:    "invalid config",
		},
		{
			name: "short gate version",
			content: "auth: {apiKey: k}\nappveyor: {account: a, slug: b}\n" +
				"updates: {versionGates: [{ceiling: '1.0', upgradeCeiling: 1.0.0.1}]}\n",
			want: "four-component",
		},
		{
			name:    "azure without pull request repo",
			content: "auth: {apiKey: k}\nazure: {baseUrl: https://dev.azure.com/x, project: x}\n",
			want:    "githubOwner",
		},
		{
			name:    "unknown log level",
			content: "auth: {apiKey: k}\nappveyor: {account: a, slug: b}\nlog: {level: loud}\n",
			want:    "invalid config",
		},
		{
			name:    "missing gate field",
			content: "auth: {apiKey: k}\nappveyor: {account: a, slug: b}\nupdates: {runtimeGates: [{ceiling: 1.0.0.0}]}\n",
			want:    "invalid config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error")
	}
}
