// Package kanban abstracts the task backends fleetd can work against.
//
// Three variants implement Adapter: GitHub issues through the gh CLI, a
// remote vibe-kanban REST service, and the local JSON task store. Callers
// obtain one through New and never branch on the backend kind.
package kanban

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fentz26/fleetd/internal/connectors"
	"github.com/fentz26/fleetd/internal/models"
	"github.com/fentz26/fleetd/internal/taskstore"
)

// Backend names.
const (
	BackendInternal = "internal"
	BackendGitHub   = "github"
	BackendVK       = "vk"
)

// Filter narrows ListTasks. Zero values match everything.
type Filter struct {
	Status models.TaskStatus
	Limit  int
}

// TaskInput is the payload for CreateTask.
type TaskInput struct {
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Status      models.TaskStatus   `json:"status,omitempty"`
	Priority    models.TaskPriority `json:"priority,omitempty"`
	Labels      []string            `json:"labels,omitempty"`
	Assignees   []string            `json:"assignees,omitempty"`
}

// Patch is a partial task update. Nil fields are left unchanged.
type Patch struct {
	Title       *string              `json:"title,omitempty"`
	Description *string              `json:"description,omitempty"`
	Status      *models.TaskStatus   `json:"status,omitempty"`
	Priority    *models.TaskPriority `json:"priority,omitempty"`
	Branch      *string              `json:"branch,omitempty"`
}

// Adapter is the uniform task backend contract.
type Adapter interface {
	Name() string
	ListProjects(ctx context.Context) ([]models.Project, error)
	ListTasks(ctx context.Context, projectID string, f Filter) ([]models.Task, error)
	// GetTask returns nil, nil when the task does not exist.
	GetTask(ctx context.Context, id string) (*models.Task, error)
	CreateTask(ctx context.Context, projectID string, in TaskInput) (*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) (*models.Task, error)
	UpdateTask(ctx context.Context, id string, p Patch) (*models.Task, error)
	// AddComment reports false when the comment was not posted.
	AddComment(ctx context.Context, id, body string) (bool, error)
	// DeleteTask reports false when the task was already gone.
	DeleteTask(ctx context.Context, id string) (bool, error)
}

// GitHubConfig selects the repository for the gh backend.
type GitHubConfig struct {
	RepoSlug         string
	Owner            string
	Name             string
	TaskLabel        string
	EnforceTaskLabel bool
	ProjectMode      string
}

// VKConfig configures the REST backend.
type VKConfig struct {
	EndpointURL string
	Timeout     time.Duration
}

// Config selects and configures a backend.
type Config struct {
	Backend   string
	GitHub    GitHubConfig
	VK        VKConfig
	StorePath string
}

// Deps carries the collaborators backends need. Unused fields may be nil.
type Deps struct {
	Connector  connectors.Connector
	HTTPClient HTTPClient
	Store      *taskstore.Store
	Logger     *slog.Logger
}

// New builds the adapter selected by cfg.Backend.
func New(cfg Config, deps Deps) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendInternal:
		st := deps.Store
		if st == nil {
			if cfg.StorePath == "" {
				return nil, fmt.Errorf("internal backend requires a store path")
			}
			var err error
			st, err = taskstore.New(cfg.StorePath)
			if err != nil {
				return nil, err
			}
		}
		return NewInternal(st), nil
	case BackendGitHub:
		if deps.Connector == nil {
			return nil, fmt.Errorf("github backend requires a command connector")
		}
		return NewGitHub(cfg.GitHub, deps.Connector, deps.Logger)
	case BackendVK:
		client := deps.HTTPClient
		if client == nil {
			timeout := cfg.VK.Timeout
			if timeout <= 0 {
				timeout = 15 * time.Second
			}
			client = &http.Client{Timeout: timeout}
		}
		return NewVK(cfg.VK.EndpointURL, client, deps.Logger)
	default:
		return nil, fmt.Errorf("unknown kanban backend %q", cfg.Backend)
	}
}

func applyPatch(t *models.Task, p Patch) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Branch != nil {
		t.Branch = *p.Branch
	}
}

func limitTasks(tasks []models.Task, limit int) []models.Task {
	if limit > 0 && len(tasks) > limit {
		return tasks[:limit]
	}
	return tasks
}
