// Package config loads fleetd configuration from fleetd.yaml, environment
// variables and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// FileName is the config file name searched for when no path is given.
const FileName = "fleetd.yaml"

// Config is the full fleetd configuration.
type Config struct {
	DataDir          string                 `mapstructure:"data_dir" yaml:"data_dir"`
	DBPath           string                 `mapstructure:"db_path" yaml:"db_path,omitempty"`
	Listen           string                 `mapstructure:"listen" yaml:"listen"`
	Instance         InstanceConfig         `mapstructure:"instance" yaml:"instance"`
	Presence         PresenceConfig         `mapstructure:"presence" yaml:"presence"`
	Kanban           KanbanConfig           `mapstructure:"kanban" yaml:"kanban"`
	Executor         ExecutorConfig         `mapstructure:"executor" yaml:"executor"`
	Worktrees        WorktreesConfig        `mapstructure:"worktrees" yaml:"worktrees"`
	SharedWorkspaces SharedWorkspacesConfig `mapstructure:"shared_workspaces" yaml:"shared_workspaces"`
	Webhook          WebhookConfig          `mapstructure:"webhook" yaml:"webhook"`
	Poll             PollConfig             `mapstructure:"poll" yaml:"poll"`
	Logging          LoggingConfig          `mapstructure:"logging" yaml:"logging"`
}

// InstanceConfig identifies this fleet member.
type InstanceConfig struct {
	ID                string        `mapstructure:"id" yaml:"id,omitempty"`
	WorkspaceID       string        `mapstructure:"workspace_id" yaml:"workspace_id,omitempty"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	PresenceTTL       time.Duration `mapstructure:"presence_ttl" yaml:"presence_ttl"`
}

// PresenceConfig selects where heartbeats are stored.
type PresenceConfig struct {
	// Backend is "sqlite" (shared database file) or "redis".
	Backend  string `mapstructure:"backend" yaml:"backend"`
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url,omitempty"`
	RedisKey string `mapstructure:"redis_key" yaml:"redis_key,omitempty"`
}

// KanbanConfig selects the task backend.
type KanbanConfig struct {
	Backend  string         `mapstructure:"backend" yaml:"backend"`
	GitHub   GitHubConfig   `mapstructure:"github" yaml:"github"`
	VK       VKConfig       `mapstructure:"vk" yaml:"vk"`
	Internal InternalConfig `mapstructure:"internal" yaml:"internal"`
}

// GitHubConfig configures the gh issue backend.
type GitHubConfig struct {
	RepoSlug         string `mapstructure:"repo_slug" yaml:"repo_slug,omitempty"`
	Owner            string `mapstructure:"owner" yaml:"owner,omitempty"`
	Name             string `mapstructure:"name" yaml:"name,omitempty"`
	TaskLabel        string `mapstructure:"task_label" yaml:"task_label"`
	EnforceTaskLabel bool   `mapstructure:"enforce_task_label" yaml:"enforce_task_label"`
	ProjectMode      string `mapstructure:"project_mode" yaml:"project_mode"`
}

// VKConfig configures the vibe-kanban REST backend.
type VKConfig struct {
	EndpointURL string        `mapstructure:"endpoint_url" yaml:"endpoint_url,omitempty"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// InternalConfig configures the local JSON backend.
type InternalConfig struct {
	StorePath string `mapstructure:"store_path" yaml:"store_path,omitempty"`
}

// ExecutorConfig configures the dispatch pool.
type ExecutorConfig struct {
	MaxParallel int    `mapstructure:"max_parallel" yaml:"max_parallel"`
	Mode        string `mapstructure:"mode" yaml:"mode"`
	// Command is the agent run in each worktree.
	Command string   `mapstructure:"command" yaml:"command,omitempty"`
	Args    []string `mapstructure:"args" yaml:"args,omitempty"`
	// AutoDispatch hands synced todo tasks to the pool.
	AutoDispatch bool `mapstructure:"auto_dispatch" yaml:"auto_dispatch"`
}

// WorktreesConfig configures the worktree manager.
type WorktreesConfig struct {
	Root         string        `mapstructure:"root" yaml:"root"`
	BranchPrefix string        `mapstructure:"branch_prefix" yaml:"branch_prefix"`
	TTLMinutes   int           `mapstructure:"ttl_minutes" yaml:"ttl_minutes"`
	StaleAfter   time.Duration `mapstructure:"stale_after" yaml:"stale_after"`
}

// WorkspaceSeed is a shared workspace registered at start.
type WorkspaceSeed struct {
	ID       string `mapstructure:"id" yaml:"id"`
	Name     string `mapstructure:"name" yaml:"name,omitempty"`
	Provider string `mapstructure:"provider" yaml:"provider,omitempty"`
	Region   string `mapstructure:"region" yaml:"region,omitempty"`
}

// SharedWorkspacesConfig configures the shared workspace registry.
type SharedWorkspacesConfig struct {
	DefaultTTLMinutes int             `mapstructure:"default_ttl_minutes" yaml:"default_ttl_minutes"`
	MaxTTLMinutes     int             `mapstructure:"max_ttl_minutes" yaml:"max_ttl_minutes"`
	Workspaces        []WorkspaceSeed `mapstructure:"workspaces" yaml:"workspaces,omitempty"`
}

// WebhookConfig configures the project sync webhook.
type WebhookConfig struct {
	Path                  string `mapstructure:"path" yaml:"path"`
	Secret                string `mapstructure:"secret" yaml:"secret,omitempty"`
	RequireSignature      bool   `mapstructure:"require_signature" yaml:"require_signature"`
	AlertFailureThreshold int    `mapstructure:"alert_failure_threshold" yaml:"alert_failure_threshold"`
	NATSURL               string `mapstructure:"nats_url" yaml:"nats_url,omitempty"`
	AlertSubject          string `mapstructure:"alert_subject" yaml:"alert_subject,omitempty"`
}

// PollConfig configures the coordinator poller.
type PollConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	Dir   string `mapstructure:"dir" yaml:"dir,omitempty"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir: ".fleet",
		Listen:  "127.0.0.1:7466",
		Instance: InstanceConfig{
			HeartbeatInterval: 15 * time.Second,
			PresenceTTL:       180 * time.Second,
		},
		Presence: PresenceConfig{Backend: "sqlite", RedisKey: "fleetd:presence"},
		Kanban: KanbanConfig{
			Backend: "internal",
			GitHub: GitHubConfig{
				TaskLabel:        "codex-monitor",
				EnforceTaskLabel: true,
				ProjectMode:      "issues",
			},
			VK: VKConfig{Timeout: 15 * time.Second},
		},
		Executor: ExecutorConfig{MaxParallel: 3, Mode: "internal"},
		Worktrees: WorktreesConfig{
			Root:         ".cache/worktrees",
			BranchPrefix: "fleet/",
			TTLMinutes:   120,
			StaleAfter:   6 * time.Hour,
		},
		SharedWorkspaces: SharedWorkspacesConfig{DefaultTTLMinutes: 60, MaxTTLMinutes: 1440},
		Webhook: WebhookConfig{
			Path:                  "/api/webhooks/github/project-sync",
			RequireSignature:      true,
			AlertFailureThreshold: 3,
			AlertSubject:          "fleetd.projectsync.alert",
		},
		Poll:    PollConfig{Enabled: true, Interval: 60 * time.Second},
		Logging: LoggingConfig{Level: "INFO"},
	}
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("listen", d.Listen)

	v.SetDefault("instance.id", d.Instance.ID)
	v.SetDefault("instance.workspace_id", d.Instance.WorkspaceID)
	v.SetDefault("instance.heartbeat_interval", d.Instance.HeartbeatInterval)
	v.SetDefault("instance.presence_ttl", d.Instance.PresenceTTL)

	v.SetDefault("presence.backend", d.Presence.Backend)
	v.SetDefault("presence.redis_url", d.Presence.RedisURL)
	v.SetDefault("presence.redis_key", d.Presence.RedisKey)

	v.SetDefault("kanban.backend", d.Kanban.Backend)
	v.SetDefault("kanban.github.repo_slug", d.Kanban.GitHub.RepoSlug)
	v.SetDefault("kanban.github.owner", d.Kanban.GitHub.Owner)
	v.SetDefault("kanban.github.name", d.Kanban.GitHub.Name)
	v.SetDefault("kanban.github.task_label", d.Kanban.GitHub.TaskLabel)
	v.SetDefault("kanban.github.enforce_task_label", d.Kanban.GitHub.EnforceTaskLabel)
	v.SetDefault("kanban.github.project_mode", d.Kanban.GitHub.ProjectMode)
	v.SetDefault("kanban.vk.endpoint_url", d.Kanban.VK.EndpointURL)
	v.SetDefault("kanban.vk.timeout", d.Kanban.VK.Timeout)
	v.SetDefault("kanban.internal.store_path", d.Kanban.Internal.StorePath)

	v.SetDefault("executor.max_parallel", d.Executor.MaxParallel)
	v.SetDefault("executor.mode", d.Executor.Mode)
	v.SetDefault("executor.command", d.Executor.Command)
	v.SetDefault("executor.args", d.Executor.Args)
	v.SetDefault("executor.auto_dispatch", d.Executor.AutoDispatch)

	v.SetDefault("worktrees.root", d.Worktrees.Root)
	v.SetDefault("worktrees.branch_prefix", d.Worktrees.BranchPrefix)
	v.SetDefault("worktrees.ttl_minutes", d.Worktrees.TTLMinutes)
	v.SetDefault("worktrees.stale_after", d.Worktrees.StaleAfter)

	v.SetDefault("shared_workspaces.default_ttl_minutes", d.SharedWorkspaces.DefaultTTLMinutes)
	v.SetDefault("shared_workspaces.max_ttl_minutes", d.SharedWorkspaces.MaxTTLMinutes)
	v.SetDefault("shared_workspaces.workspaces", d.SharedWorkspaces.Workspaces)

	v.SetDefault("webhook.path", d.Webhook.Path)
	v.SetDefault("webhook.secret", d.Webhook.Secret)
	v.SetDefault("webhook.require_signature", d.Webhook.RequireSignature)
	v.SetDefault("webhook.alert_failure_threshold", d.Webhook.AlertFailureThreshold)
	v.SetDefault("webhook.nats_url", d.Webhook.NATSURL)
	v.SetDefault("webhook.alert_subject", d.Webhook.AlertSubject)

	v.SetDefault("poll.enabled", d.Poll.Enabled)
	v.SetDefault("poll.interval", d.Poll.Interval)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.dir", d.Logging.Dir)
	v.SetDefault("logging.json", d.Logging.JSON)
}

// envBindings maps config keys to the environment variables that override
// them, in priority order. Every key is also reachable as FLEET_<KEY>.
var envBindings = map[string][]string{
	"instance.id":                      {"FLEET_INSTANCE_ID"},
	"instance.workspace_id":            {"VE_WORKSPACE_ID", "FLEET_WORKSPACE_ID"},
	"instance.presence_ttl":            {"FLEET_PRESENCE_TTL"},
	"kanban.backend":                   {"KANBAN_BACKEND"},
	"kanban.github.repo_slug":          {"GITHUB_REPOSITORY"},
	"kanban.github.owner":              {"GITHUB_REPO_OWNER"},
	"kanban.github.name":               {"GITHUB_REPO_NAME"},
	"kanban.github.enforce_task_label": {"CODEX_MONITOR_ENFORCE_TASK_LABEL"},
	"kanban.github.project_mode":       {"GITHUB_PROJECT_MODE"},
	"kanban.vk.endpoint_url":           {"VK_ENDPOINT_URL"},
	"webhook.path":                     {"GITHUB_PROJECT_WEBHOOK_PATH"},
	"webhook.secret":                   {"GITHUB_PROJECT_WEBHOOK_SECRET"},
	"webhook.require_signature":        {"GITHUB_PROJECT_WEBHOOK_REQUIRE_SIGNATURE"},
	"webhook.alert_failure_threshold":  {"GITHUB_PROJECT_SYNC_ALERT_FAILURE_THRESHOLD"},
}

// New returns a viper instance with defaults and environment bindings.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("FLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, envs := range envBindings {
		_ = v.BindEnv(append([]string{key}, envs...)...)
	}
	return v
}

// Load reads path (or fleetd.yaml from the working directory or .fleet/
// when path is empty), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	return LoadFrom(New(), path)
}

// LoadFrom is Load over a caller-prepared viper instance, so command-line
// flags bound to v take part.
func LoadFrom(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(".fleet")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.resolvePaths()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

func (c *Config) resolvePaths() {
	if c.DataDir == "" {
		c.DataDir = Default().DataDir
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "fleet.db")
	}
	if c.Kanban.Internal.StorePath == "" {
		c.Kanban.Internal.StorePath = filepath.Join(c.DataDir, "tasks.json")
	}
	c.Kanban.Backend = strings.ToLower(strings.TrimSpace(c.Kanban.Backend))
	c.Presence.Backend = strings.ToLower(strings.TrimSpace(c.Presence.Backend))
}

// Save writes cfg as YAML. The file may hold the webhook secret, so it is
// created owner-readable only.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
