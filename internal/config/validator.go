package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError is a single invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid setting found.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// MaxParallelLimit bounds executor.max_parallel.
const MaxParallelLimit = 20

var (
	kanbanBackends   = []string{"internal", "github", "vk"}
	presenceBackends = []string{"sqlite", "redis"}
	logLevels        = []string{"debug", "info", "warn", "warning", "error"}
)

// Validate returns every problem with c.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.Listen == "" {
		add("listen", c.Listen, "must not be empty")
	}
	if c.Instance.HeartbeatInterval <= 0 {
		add("instance.heartbeat_interval", c.Instance.HeartbeatInterval, "must be positive")
	}
	if c.Instance.PresenceTTL <= c.Instance.HeartbeatInterval {
		add("instance.presence_ttl", c.Instance.PresenceTTL, "must exceed the heartbeat interval")
	}

	if !slices.Contains(presenceBackends, c.Presence.Backend) {
		add("presence.backend", c.Presence.Backend, "must be one of "+strings.Join(presenceBackends, ", "))
	}
	if c.Presence.Backend == "redis" && c.Presence.RedisURL == "" {
		add("presence.redis_url", c.Presence.RedisURL, "required for the redis presence backend")
	}

	switch c.Kanban.Backend {
	case "internal":
	case "github":
		gh := c.Kanban.GitHub
		if gh.RepoSlug == "" && (gh.Owner == "" || gh.Name == "") {
			add("kanban.github.repo_slug", gh.RepoSlug, "set repo_slug or both owner and name")
		}
		if gh.RepoSlug != "" && strings.Count(gh.RepoSlug, "/") != 1 {
			add("kanban.github.repo_slug", gh.RepoSlug, "must be owner/name")
		}
	case "vk":
		if c.Kanban.VK.EndpointURL == "" {
			add("kanban.vk.endpoint_url", c.Kanban.VK.EndpointURL, "required for the vk backend")
		}
	default:
		add("kanban.backend", c.Kanban.Backend, "must be one of "+strings.Join(kanbanBackends, ", "))
	}

	if c.Executor.MaxParallel < 0 || c.Executor.MaxParallel > MaxParallelLimit {
		add("executor.max_parallel", c.Executor.MaxParallel, fmt.Sprintf("must be between 0 and %d", MaxParallelLimit))
	}
	if c.Worktrees.TTLMinutes < 1 {
		add("worktrees.ttl_minutes", c.Worktrees.TTLMinutes, "must be at least 1")
	}
	sw := c.SharedWorkspaces
	if sw.DefaultTTLMinutes < 1 || sw.MaxTTLMinutes < sw.DefaultTTLMinutes {
		add("shared_workspaces.max_ttl_minutes", sw.MaxTTLMinutes, "must be at least default_ttl_minutes, which must be positive")
	}
	seen := map[string]bool{}
	for i, ws := range sw.Workspaces {
		if ws.ID == "" {
			add(fmt.Sprintf("shared_workspaces.workspaces[%d].id", i), ws.ID, "must not be empty")
			continue
		}
		if seen[ws.ID] {
			add(fmt.Sprintf("shared_workspaces.workspaces[%d].id", i), ws.ID, "duplicate workspace id")
		}
		seen[ws.ID] = true
	}

	if !strings.HasPrefix(c.Webhook.Path, "/") {
		add("webhook.path", c.Webhook.Path, "must be an absolute path")
	}
	if c.Webhook.RequireSignature && c.Webhook.Secret == "" {
		add("webhook.secret", "", "required when require_signature is true")
	}
	if c.Webhook.AlertFailureThreshold < 1 {
		add("webhook.alert_failure_threshold", c.Webhook.AlertFailureThreshold, "must be at least 1")
	}

	if c.Poll.Enabled && c.Poll.Interval <= 0 {
		add("poll.interval", c.Poll.Interval, "must be positive when polling is enabled")
	}
	if !slices.Contains(logLevels, strings.ToLower(c.Logging.Level)) {
		add("logging.level", c.Logging.Level, "must be one of DEBUG, INFO, WARN, ERROR")
	}
	return errs
}
