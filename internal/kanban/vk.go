package kanban

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fentz26/fleetd/internal/apperr"
	"github.com/fentz26/fleetd/internal/logging"
	"github.com/fentz26/fleetd/internal/models"
	"github.com/tidwall/gjson"
)

// HTTPClient is the subset of *http.Client the REST backend uses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

const maxVKBody = 8 << 20

// VK is the adapter over a vibe-kanban REST service.
type VK struct {
	base   string
	client HTTPClient
	logger *slog.Logger
}

// NewVK builds the REST adapter.
func NewVK(endpoint string, client HTTPClient, logger *slog.Logger) (*VK, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, apperr.Validation("kanban.vk", "", "endpoint url required")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, apperr.Validation("kanban.vk", endpoint, "invalid endpoint url: %v", err)
	}
	return &VK{base: endpoint, client: client, logger: logging.Component(logger, "kanban.vk")}, nil
}

func (v *VK) Name() string { return BackendVK }

// call performs a request and returns the unwrapped payload. The body is
// parsed as JSON whatever content type the server declares. A 404 yields
// found=false with no error.
func (v *VK) call(ctx context.Context, op, method, path string, body any) (payload gjson.Result, found bool, err error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return gjson.Result{}, false, fmt.Errorf("marshal %s body: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, v.base+path, reader)
	if err != nil {
		return gjson.Result{}, false, apperr.Unavailable(op, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return gjson.Result{}, false, apperr.Unavailable(op, path, fmt.Errorf("vk %s %s: %w", method, path, err))
	}
	if resp == nil {
		return gjson.Result{}, false, apperr.Unavailable(op, path, fmt.Errorf("vk %s %s: invalid response object", method, path))
	}
	defer func() {
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
	}()
	v.logger.Debug("vk request", "method", method, "path", path, "status", resp.StatusCode)
	if resp.StatusCode == http.StatusNotFound {
		return gjson.Result{}, false, nil
	}

	var raw []byte
	if resp.Body != nil {
		raw, err = io.ReadAll(io.LimitReader(resp.Body, maxVKBody))
		if err != nil {
			return gjson.Result{}, false, apperr.Unavailable(op, path, fmt.Errorf("read vk response: %w", err))
		}
	}
	text := strings.TrimSpace(string(raw))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := gjson.Get(text, "message").String()
		if msg == "" {
			msg = text
		}
		return gjson.Result{}, false, apperr.Unavailable(op, path, fmt.Errorf("vk %s %s: status %d: %s", method, path, resp.StatusCode, msg))
	}
	if text == "" {
		return gjson.Result{}, true, nil
	}
	if !gjson.Valid(text) {
		return gjson.Result{}, false, apperr.Unavailable(op, path, fmt.Errorf("vk %s %s: invalid response object: body is not JSON", method, path))
	}
	root := gjson.Parse(text)
	if s := root.Get("success"); s.Exists() && !s.Bool() {
		return gjson.Result{}, false, apperr.Unavailable(op, path, fmt.Errorf("vk %s %s: %s", method, path, root.Get("message").String()))
	}
	if d := root.Get("data"); d.Exists() {
		return d, true, nil
	}
	return root, true, nil
}

func parseTime(r gjson.Result) time.Time {
	if !r.Exists() {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, r.String())
	if err != nil {
		return time.Time{}
	}
	return t
}

func vkTask(r gjson.Result) models.Task {
	t := models.Task{
		ID:          r.Get("id").String(),
		Title:       r.Get("title").String(),
		Description: r.Get("description").String(),
		Status:      models.NormalizeStatus(r.Get("status").String()),
		Priority:    models.NormalizePriority(r.Get("priority").String()),
		Backend:     BackendVK,
		ProjectID:   r.Get("project_id").String(),
		Branch:      r.Get("branch").String(),
		URL:         r.Get("url").String(),
		CreatedAt:   parseTime(r.Get("created_at")),
		UpdatedAt:   parseTime(r.Get("updated_at")),
	}
	for _, c := range r.Get("comments").Array() {
		t.Comments = append(t.Comments, models.Comment{
			ID:        c.Get("id").String(),
			Author:    c.Get("author").String(),
			Body:      c.Get("body").String(),
			CreatedAt: parseTime(c.Get("created_at")),
		})
	}
	return t
}

func (v *VK) ListProjects(ctx context.Context) ([]models.Project, error) {
	data, _, err := v.call(ctx, "kanban.projects", http.MethodGet, "/api/projects", nil)
	if err != nil {
		return nil, err
	}
	var out []models.Project
	for _, p := range data.Array() {
		out = append(out, models.Project{ID: p.Get("id").String(), Name: p.Get("name").String(), Backend: BackendVK})
	}
	return out, nil
}

func (v *VK) ListTasks(ctx context.Context, projectID string, f Filter) ([]models.Task, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	path := "/api/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	data, _, err := v.call(ctx, "kanban.list", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var tasks []models.Task
	for _, item := range data.Array() {
		t := vkTask(item)
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		tasks = append(tasks, t)
	}
	return limitTasks(tasks, f.Limit), nil
}

func taskPath(id string) string {
	return "/api/tasks/" + url.PathEscape(id)
}

func (v *VK) GetTask(ctx context.Context, id string) (*models.Task, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperr.Validation("kanban.get", "", "task id required")
	}
	data, found, err := v.call(ctx, "kanban.get", http.MethodGet, taskPath(id), nil)
	if err != nil || !found {
		return nil, err
	}
	t := vkTask(data)
	return &t, nil
}

func (v *VK) CreateTask(ctx context.Context, projectID string, in TaskInput) (*models.Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, apperr.Validation("kanban.create", projectID, "title required")
	}
	body := map[string]any{
		"project_id":  projectID,
		"title":       in.Title,
		"description": in.Description,
	}
	if in.Status != "" {
		body["status"] = string(in.Status)
	}
	if in.Priority != "" {
		body["priority"] = string(in.Priority)
	}
	data, _, err := v.call(ctx, "kanban.create", http.MethodPost, "/api/tasks", body)
	if err != nil {
		return nil, err
	}
	t := vkTask(data)
	if t.ID == "" {
		return nil, apperr.Unavailable("kanban.create", projectID, fmt.Errorf("vk create: response has no task id"))
	}
	return &t, nil
}

func (v *VK) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) (*models.Task, error) {
	s, ok := models.ParseStatus(string(status))
	if !ok {
		return nil, apperr.Validation("kanban.update_status", id, "unknown status %q", status)
	}
	return v.UpdateTask(ctx, id, Patch{Status: &s})
}

func (v *VK) UpdateTask(ctx context.Context, id string, p Patch) (*models.Task, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperr.Validation("kanban.update", "", "task id required")
	}
	data, found, err := v.call(ctx, "kanban.update", http.MethodPut, taskPath(id), p)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperr.NotFound("kanban.update", id)
	}
	t := vkTask(data)
	if t.ID == "" {
		return v.GetTask(ctx, id)
	}
	return &t, nil
}

func (v *VK) AddComment(ctx context.Context, id, body string) (bool, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(body) == "" {
		return false, apperr.Validation("kanban.comment", id, "task id and comment body required")
	}
	_, found, err := v.call(ctx, "kanban.comment", http.MethodPost, taskPath(id)+"/comments", map[string]string{"body": body})
	if err != nil {
		return false, err
	}
	return found, nil
}

func (v *VK) DeleteTask(ctx context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, apperr.Validation("kanban.delete", "", "task id required")
	}
	_, found, err := v.call(ctx, "kanban.delete", http.MethodDelete, taskPath(id), nil)
	if err != nil {
		return false, err
	}
	return found, nil
}
