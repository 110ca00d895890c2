package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	cfg.Webhook.RequireSignature = false
	cfg.resolvePaths()
	assert.Empty(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	yaml := `
data_dir: /var/lib/fleet
listen: 0.0.0.0:9000
kanban:
  backend: GitHub
  github:
    repo_slug: acme/widgets
executor:
  max_parallel: 5
  command: codex
  args: ["exec", "--full-auto"]
shared_workspaces:
  workspaces:
    - id: ws-1
      name: East
    - id: ws-2
webhook:
  secret: s3cret
poll:
  interval: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "/var/lib/fleet/fleet.db", cfg.DBPath)
	assert.Equal(t, "/var/lib/fleet/tasks.json", cfg.Kanban.Internal.StorePath)
	assert.Equal(t, "github", cfg.Kanban.Backend)
	assert.Equal(t, "acme/widgets", cfg.Kanban.GitHub.RepoSlug)
	assert.Equal(t, "codex-monitor", cfg.Kanban.GitHub.TaskLabel)
	assert.True(t, cfg.Kanban.GitHub.EnforceTaskLabel)
	assert.Equal(t, 5, cfg.Executor.MaxParallel)
	assert.Equal(t, []string{"exec", "--full-auto"}, cfg.Executor.Args)
	require.Len(t, cfg.SharedWorkspaces.Workspaces, 2)
	assert.Equal(t, "East", cfg.SharedWorkspaces.Workspaces[0].Name)
	assert.Equal(t, 30*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 180*time.Second, cfg.Instance.PresenceTTL)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FLEET_INSTANCE_ID", "inst-env")
	t.Setenv("VE_WORKSPACE_ID", "ws-env")
	t.Setenv("KANBAN_BACKEND", "vk")
	t.Setenv("VK_ENDPOINT_URL", "http://127.0.0.1:54089")
	t.Setenv("CODEX_MONITOR_ENFORCE_TASK_LABEL", "false")
	t.Setenv("GITHUB_PROJECT_WEBHOOK_REQUIRE_SIGNATURE", "false")
	t.Setenv("GITHUB_PROJECT_SYNC_ALERT_FAILURE_THRESHOLD", "7")
	t.Setenv("FLEET_EXECUTOR_MAX_PARALLEL", "9")

	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("kanban:\n  backend: internal\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "inst-env", cfg.Instance.ID)
	assert.Equal(t, "ws-env", cfg.Instance.WorkspaceID)
	assert.Equal(t, "vk", cfg.Kanban.Backend, "env wins over file")
	assert.Equal(t, "http://127.0.0.1:54089", cfg.Kanban.VK.EndpointURL)
	assert.False(t, cfg.Kanban.GitHub.EnforceTaskLabel)
	assert.False(t, cfg.Webhook.RequireSignature)
	assert.Equal(t, 7, cfg.Webhook.AlertFailureThreshold)
	assert.Equal(t, 9, cfg.Executor.MaxParallel)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name  string
		mut   func(*Config)
		field string
	}{
		{"max parallel high", func(c *Config) { c.Executor.MaxParallel = 21 }, "executor.max_parallel"},
		{"max parallel negative", func(c *Config) { c.Executor.MaxParallel = -1 }, "executor.max_parallel"},
		{"relative webhook path", func(c *Config) { c.Webhook.Path = "hooks" }, "webhook.path"},
		{"signature without secret", func(c *Config) { c.Webhook.Secret = ""; c.Webhook.RequireSignature = true }, "webhook.secret"},
		{"threshold", func(c *Config) { c.Webhook.AlertFailureThreshold = 0 }, "webhook.alert_failure_threshold"},
		{"kanban backend", func(c *Config) { c.Kanban.Backend = "jira" }, "kanban.backend"},
		{"presence backend", func(c *Config) { c.Presence.Backend = "etcd" }, "presence.backend"},
		{"redis url", func(c *Config) { c.Presence.Backend = "redis" }, "presence.redis_url"},
		{"vk endpoint", func(c *Config) { c.Kanban.Backend = "vk" }, "kanban.vk.endpoint_url"},
		{"github target", func(c *Config) { c.Kanban.Backend = "github"; c.Kanban.GitHub.Owner = "acme" }, "kanban.github.repo_slug"},
		{"duplicate workspace", func(c *Config) {
			c.SharedWorkspaces.Workspaces = []WorkspaceSeed{{ID: "a"}, {ID: "a"}}
		}, "shared_workspaces.workspaces[1].id"},
		{"ttl ordering", func(c *Config) { c.Instance.PresenceTTL = c.Instance.HeartbeatInterval }, "instance.presence_ttl"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Webhook.Secret = "x"
			cfg.resolvePaths()
			tc.mut(cfg)
			errs := cfg.Validate()
			require.NotEmpty(t, errs)
			var fields []string
			for _, e := range errs {
				fields = append(fields, e.Field)
			}
			assert.Contains(t, fields, tc.field)
		})
	}
}

func TestValidationErrorsMessage(t *testing.T) {
	errs := ValidationErrors{
		{Field: "a", Value: 1, Message: "bad"},
		{Field: "b", Value: "x", Message: "worse"},
	}
	assert.Equal(t, "a: bad (got: 1)", errs[0].Error())
	assert.Contains(t, errs.Error(), "2 validation errors")
	assert.Contains(t, errs.Error(), "2. b: worse (got: x)")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)
	cfg := Default()
	cfg.Webhook.Secret = "s3cret"
	cfg.Executor.MaxParallel = 4
	cfg.SharedWorkspaces.Workspaces = []WorkspaceSeed{{ID: "ws-1", Region: "eu"}}
	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Executor.MaxParallel)
	assert.Equal(t, "s3cret", loaded.Webhook.Secret)
	assert.Equal(t, "eu", loaded.SharedWorkspaces.Workspaces[0].Region)
	assert.Equal(t, cfg.Instance.PresenceTTL, loaded.Instance.PresenceTTL)
}
