package kanban

import (
	"context"
	"errors"
	"strings"

	"github.com/fentz26/fleetd/internal/apperr"
	"github.com/fentz26/fleetd/internal/models"
	"github.com/fentz26/fleetd/internal/taskstore"
)

// Internal is the adapter over the local JSON task store.
type Internal struct {
	store *taskstore.Store
}

// NewInternal wraps a task store.
func NewInternal(st *taskstore.Store) *Internal {
	return &Internal{store: st}
}

func (a *Internal) Name() string { return BackendInternal }

func (a *Internal) ListProjects(context.Context) ([]models.Project, error) {
	return []models.Project{{ID: BackendInternal, Name: "Internal", Backend: BackendInternal}}, nil
}

func (a *Internal) ListTasks(_ context.Context, projectID string, f Filter) ([]models.Task, error) {
	if projectID == BackendInternal {
		projectID = ""
	}
	tasks, err := a.store.List(projectID, f.Status)
	if err != nil {
		return nil, apperr.Unavailable("kanban.list", BackendInternal, err)
	}
	for i := range tasks {
		a.decorate(&tasks[i])
	}
	return limitTasks(tasks, f.Limit), nil
}

func (a *Internal) GetTask(_ context.Context, id string) (*models.Task, error) {
	t, err := a.store.Get(id)
	if errors.Is(err, taskstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Unavailable("kanban.get", id, err)
	}
	a.decorate(t)
	return t, nil
}

func (a *Internal) CreateTask(_ context.Context, projectID string, in TaskInput) (*models.Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, apperr.Validation("kanban.create", BackendInternal, "title required")
	}
	status := models.TaskStatusTodo
	if in.Status != "" {
		s, ok := models.ParseStatus(string(in.Status))
		if !ok {
			return nil, apperr.Validation("kanban.create", BackendInternal, "unknown status %q", in.Status)
		}
		status = s
	}
	t, err := a.store.Add(models.Task{
		Title:       in.Title,
		Description: in.Description,
		Status:      status,
		Priority:    in.Priority,
		ProjectID:   projectID,
		Labels:      in.Labels,
		Assignees:   in.Assignees,
		Backend:     BackendInternal,
	})
	if err != nil {
		return nil, apperr.Unavailable("kanban.create", BackendInternal, err)
	}
	a.decorate(t)
	return t, nil
}

func (a *Internal) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) (*models.Task, error) {
	s, ok := models.ParseStatus(string(status))
	if !ok {
		return nil, apperr.Validation("kanban.update_status", id, "unknown status %q", status)
	}
	return a.UpdateTask(ctx, id, Patch{Status: &s})
}

func (a *Internal) UpdateTask(_ context.Context, id string, p Patch) (*models.Task, error) {
	t, err := a.store.Update(id, func(t *models.Task) { applyPatch(t, p) })
	if errors.Is(err, taskstore.ErrNotFound) {
		return nil, apperr.NotFound("kanban.update", id)
	}
	if err != nil {
		return nil, apperr.Unavailable("kanban.update", id, err)
	}
	a.decorate(t)
	return t, nil
}

func (a *Internal) AddComment(_ context.Context, id, body string) (bool, error) {
	if strings.TrimSpace(body) == "" {
		return false, apperr.Validation("kanban.comment", id, "comment body required")
	}
	if _, err := a.store.AddComment(id, "fleetd", body); err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			return false, apperr.NotFound("kanban.comment", id)
		}
		return false, apperr.Unavailable("kanban.comment", id, err)
	}
	return true, nil
}

func (a *Internal) DeleteTask(_ context.Context, id string) (bool, error) {
	removed, err := a.store.Remove(id)
	if err != nil {
		return false, apperr.Unavailable("kanban.delete", id, err)
	}
	return removed, nil
}

func (a *Internal) decorate(t *models.Task) {
	t.Backend = BackendInternal
	t.Status = models.NormalizeStatus(string(t.Status))
	t.Comments = taskstore.Comments(t)
}
