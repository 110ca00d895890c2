package kanban

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/fleetd/internal/apperr"
	"github.com/fentz26/fleetd/internal/connectors"
	"github.com/fentz26/fleetd/internal/logging"
	"github.com/fentz26/fleetd/internal/models"
)

const (
	defaultTaskLabel    = "codex-monitor"
	defaultListLimit    = 50
	statusLabelPrefix   = "status:"
	priorityLabelPrefix = "priority:"

	listFields = "number,title,body,state,stateReason,url,labels,assignees,createdAt,updatedAt"
	viewFields = listFields + ",comments"
)

var issueNumberRe = regexp.MustCompile(`/issues/(\d+)`)

// GitHub is the adapter over GitHub issues, driven through the gh CLI.
type GitHub struct {
	conn    connectors.Connector
	owner   string
	name    string
	label   string
	enforce bool
	logger  *slog.Logger
}

// NewGitHub builds the gh-backed adapter. Explicit owner and name win over
// the repo slug. With no target at all gh infers the repo from the working
// directory.
func NewGitHub(cfg GitHubConfig, conn connectors.Connector, logger *slog.Logger) (*GitHub, error) {
	if mode := strings.ToLower(strings.TrimSpace(cfg.ProjectMode)); mode != "" && mode != "issues" {
		return nil, apperr.Validation("kanban.github", mode, "unsupported project mode %q", cfg.ProjectMode)
	}
	g := &GitHub{
		conn:    conn,
		owner:   strings.TrimSpace(cfg.Owner),
		name:    strings.TrimSpace(cfg.Name),
		label:   strings.TrimSpace(cfg.TaskLabel),
		enforce: cfg.EnforceTaskLabel,
		logger:  logging.Component(logger, "kanban.github"),
	}
	if g.owner == "" || g.name == "" {
		if owner, name, ok := strings.Cut(strings.TrimSpace(cfg.RepoSlug), "/"); ok && owner != "" && name != "" {
			g.owner, g.name = owner, name
		}
	}
	if g.label == "" {
		g.label = defaultTaskLabel
	}
	return g, nil
}

func (g *GitHub) Name() string { return BackendGitHub }

// Repo returns owner/name, or "" when gh should infer it.
func (g *GitHub) Repo() string {
	if g.owner == "" || g.name == "" {
		return ""
	}
	return g.owner + "/" + g.name
}

func (g *GitHub) withRepo(args ...string) []string {
	if repo := g.Repo(); repo != "" {
		args = append(args, "--repo", repo)
	}
	return args
}

// gh runs a gh command. A non-zero exit is returned as an unavailable error
// together with the result so callers can inspect the output.
func (g *GitHub) gh(ctx context.Context, op, resource string, args ...string) (*connectors.ExecResult, error) {
	res, err := g.conn.Execute(ctx, "gh", args)
	if err != nil {
		return nil, apperr.Unavailable(op, resource, fmt.Errorf("gh %s: %w", strings.Join(args[:min(2, len(args))], " "), err))
	}
	if !res.Succeeded() {
		return res, apperr.Unavailable(op, resource, fmt.Errorf("gh %s: exit %d: %s", strings.Join(args[:min(2, len(args))], " "), res.ExitCode, res.Output()))
	}
	return res, nil
}

type ghLabel struct {
	Name string `json:"name"`
}

type ghUser struct {
	Login string `json:"login"`
}

type ghComment struct {
	ID        string    `json:"id"`
	Author    ghUser    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

type ghIssue struct {
	Number      int         `json:"number"`
	Title       string      `json:"title"`
	Body        string      `json:"body"`
	State       string      `json:"state"`
	StateReason string      `json:"stateReason"`
	URL         string      `json:"url"`
	Labels      []ghLabel   `json:"labels"`
	Assignees   []ghUser    `json:"assignees"`
	Comments    []ghComment `json:"comments"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

func (i ghIssue) labelNames() []string {
	out := make([]string, 0, len(i.Labels))
	for _, l := range i.Labels {
		out = append(out, l.Name)
	}
	return out
}

func (i ghIssue) hasLabel(name string) bool {
	for _, l := range i.Labels {
		if strings.EqualFold(l.Name, name) {
			return true
		}
	}
	return false
}

func (g *GitHub) toTask(i ghIssue) models.Task {
	t := models.Task{
		ID:          strconv.Itoa(i.Number),
		Title:       i.Title,
		Description: i.Body,
		Backend:     BackendGitHub,
		ProjectID:   g.Repo(),
		URL:         i.URL,
		Labels:      i.labelNames(),
		CreatedAt:   i.CreatedAt,
		UpdatedAt:   i.UpdatedAt,
	}
	for _, a := range i.Assignees {
		t.Assignees = append(t.Assignees, a.Login)
	}
	t.Status = models.TaskStatusTodo
	if strings.EqualFold(i.State, "closed") {
		t.Status = models.TaskStatusDone
		if strings.EqualFold(i.StateReason, "not_planned") {
			t.Status = models.TaskStatusCancelled
		}
	}
	for _, l := range t.Labels {
		lower := strings.ToLower(l)
		switch {
		case strings.HasPrefix(lower, statusLabelPrefix) && t.Status == models.TaskStatusTodo:
			if s, ok := models.ParseStatus(strings.TrimPrefix(lower, statusLabelPrefix)); ok {
				t.Status = s
			}
		case strings.HasPrefix(lower, priorityLabelPrefix):
			t.Priority = models.NormalizePriority(strings.TrimPrefix(lower, priorityLabelPrefix))
		}
	}
	for _, c := range i.Comments {
		t.Comments = append(t.Comments, models.Comment{ID: c.ID, Author: c.Author.Login, Body: c.Body, CreatedAt: c.CreatedAt})
	}
	return t
}

func (g *GitHub) ListProjects(context.Context) ([]models.Project, error) {
	repo := g.Repo()
	name := g.name
	if repo == "" {
		repo, name = "default", "default"
	}
	return []models.Project{{ID: repo, Name: name, Backend: BackendGitHub}}, nil
}

func stateFor(status models.TaskStatus) string {
	switch status {
	case "":
		return "all"
	case models.TaskStatusDone, models.TaskStatusCancelled:
		return "closed"
	default:
		return "open"
	}
}

func (g *GitHub) ListTasks(ctx context.Context, _ string, f Filter) ([]models.Task, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args := g.withRepo("issue", "list", "--state", stateFor(f.Status), "--limit", strconv.Itoa(limit), "--json", listFields)
	if g.enforce {
		args = append(args, "--label", g.label)
	}
	res, err := g.gh(ctx, "kanban.list", g.Repo(), args...)
	if err != nil {
		return nil, err
	}
	var issues []ghIssue
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &issues); err != nil {
		return nil, apperr.Unavailable("kanban.list", g.Repo(), fmt.Errorf("decode gh issue list: %w", err))
	}
	tasks := make([]models.Task, 0, len(issues))
	for _, i := range issues {
		if g.enforce && !i.hasLabel(g.label) {
			continue
		}
		t := g.toTask(i)
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		tasks = append(tasks, t)
	}
	return limitTasks(tasks, f.Limit), nil
}

func isNotFoundOutput(res *connectors.ExecResult) bool {
	if res == nil {
		return false
	}
	out := strings.ToLower(res.Stdout + " " + res.Stderr)
	return strings.Contains(out, "not found") || strings.Contains(out, "could not resolve")
}

func issueNumber(op, id string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(id), "#"))
	if err != nil || n <= 0 {
		return 0, apperr.Validation(op, id, "issue number must be a positive integer")
	}
	return n, nil
}

func (g *GitHub) view(ctx context.Context, op string, n int) (*models.Task, error) {
	id := strconv.Itoa(n)
	res, err := g.gh(ctx, op, id, g.withRepo("issue", "view", id, "--json", viewFields)...)
	if err != nil {
		if isNotFoundOutput(res) {
			return nil, nil
		}
		return nil, err
	}
	var issue ghIssue
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &issue); err != nil {
		return nil, apperr.Unavailable(op, id, fmt.Errorf("decode gh issue view: %w", err))
	}
	t := g.toTask(issue)
	return &t, nil
}

func (g *GitHub) GetTask(ctx context.Context, id string) (*models.Task, error) {
	n, err := issueNumber("kanban.get", id)
	if err != nil {
		return nil, err
	}
	return g.view(ctx, "kanban.get", n)
}

// readBack decodes an issue from command output when gh printed JSON, and
// otherwise fetches the issue again.
func (g *GitHub) readBack(ctx context.Context, op string, n int, res *connectors.ExecResult) (*models.Task, error) {
	if res != nil {
		var issue ghIssue
		if json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &issue) == nil && issue.Number == n {
			t := g.toTask(issue)
			return &t, nil
		}
	}
	t, err := g.view(ctx, op, n)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, apperr.NotFound(op, strconv.Itoa(n))
	}
	return t, nil
}

func (g *GitHub) ensureLabel(ctx context.Context, label string) {
	if _, err := g.gh(ctx, "kanban.label", label, g.withRepo("label", "create", label, "--force")...); err != nil {
		g.logger.Warn("ensure label failed", "label", label, "error", err)
	}
}

func (g *GitHub) CreateTask(ctx context.Context, _ string, in TaskInput) (*models.Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return nil, apperr.Validation("kanban.create", g.Repo(), "title required")
	}
	status := models.TaskStatusTodo
	if in.Status != "" {
		s, ok := models.ParseStatus(string(in.Status))
		if !ok {
			return nil, apperr.Validation("kanban.create", g.Repo(), "unknown status %q", in.Status)
		}
		status = s
	}
	g.ensureLabel(ctx, g.label)

	args := g.withRepo("issue", "create", "--title", in.Title, "--body", in.Description, "--label", g.label)
	assignees := in.Assignees
	if len(assignees) == 0 && g.owner != "" {
		assignees = []string{g.owner}
	}
	for _, a := range assignees {
		args = append(args, "--assignee", a)
	}
	for _, l := range in.Labels {
		if l != g.label {
			args = append(args, "--label", l)
		}
	}
	if in.Priority != "" {
		label := priorityLabelPrefix + string(in.Priority)
		g.ensureLabel(ctx, label)
		args = append(args, "--label", label)
	}
	res, err := g.gh(ctx, "kanban.create", g.Repo(), args...)
	if err != nil {
		return nil, err
	}

	n := 0
	if m := issueNumberRe.FindStringSubmatch(res.Stdout); m != nil {
		n, _ = strconv.Atoi(m[1])
	} else {
		var issue ghIssue
		if json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &issue) == nil {
			n = issue.Number
		}
	}
	if n == 0 {
		return nil, apperr.Unavailable("kanban.create", g.Repo(), fmt.Errorf("cannot parse issue number from %q", res.Output()))
	}
	// New issues open as todo; anything else is a status label or a close.
	if status != models.TaskStatusTodo {
		return g.UpdateTaskStatus(ctx, strconv.Itoa(n), status)
	}
	return g.readBack(ctx, "kanban.create", n, nil)
}

func (g *GitHub) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) (*models.Task, error) {
	n, err := issueNumber("kanban.update_status", id)
	if err != nil {
		return nil, err
	}
	s, ok := models.ParseStatus(string(status))
	if !ok {
		return nil, apperr.Validation("kanban.update_status", id, "unknown status %q", status)
	}
	num := strconv.Itoa(n)

	switch s {
	case models.TaskStatusDone, models.TaskStatusCancelled:
		reason := "completed"
		if s == models.TaskStatusCancelled {
			reason = "not planned"
		}
		res, err := g.gh(ctx, "kanban.update_status", num, g.withRepo("issue", "close", num, "--reason", reason)...)
		if err != nil {
			return nil, err
		}
		return g.readBack(ctx, "kanban.update_status", n, res)
	}

	current, err := g.view(ctx, "kanban.update_status", n)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, apperr.NotFound("kanban.update_status", num)
	}
	if current.Status.IsTerminal() {
		if _, err := g.gh(ctx, "kanban.update_status", num, g.withRepo("issue", "reopen", num)...); err != nil {
			return nil, err
		}
	}

	edit := g.withRepo("issue", "edit", num)
	changed := false
	for _, l := range current.Labels {
		if strings.HasPrefix(strings.ToLower(l), statusLabelPrefix) && !strings.EqualFold(l, statusLabelPrefix+string(s)) {
			edit = append(edit, "--remove-label", l)
			changed = true
		}
	}
	if s != models.TaskStatusTodo {
		label := statusLabelPrefix + string(s)
		g.ensureLabel(ctx, label)
		edit = append(edit, "--add-label", label)
		changed = true
	}
	if changed {
		if _, err := g.gh(ctx, "kanban.update_status", num, edit...); err != nil {
			return nil, err
		}
	}
	return g.readBack(ctx, "kanban.update_status", n, nil)
}

func (g *GitHub) UpdateTask(ctx context.Context, id string, p Patch) (*models.Task, error) {
	n, err := issueNumber("kanban.update", id)
	if err != nil {
		return nil, err
	}
	num := strconv.Itoa(n)
	edit := g.withRepo("issue", "edit", num)
	base := len(edit)
	if p.Title != nil {
		edit = append(edit, "--title", *p.Title)
	}
	if p.Description != nil {
		edit = append(edit, "--body", *p.Description)
	}
	if p.Priority != nil && *p.Priority != "" {
		label := priorityLabelPrefix + string(*p.Priority)
		g.ensureLabel(ctx, label)
		edit = append(edit, "--add-label", label)
	}
	if len(edit) > base {
		if _, err := g.gh(ctx, "kanban.update", num, edit...); err != nil {
			return nil, err
		}
	}
	if p.Status != nil {
		return g.UpdateTaskStatus(ctx, num, *p.Status)
	}
	return g.readBack(ctx, "kanban.update", n, nil)
}

func (g *GitHub) AddComment(ctx context.Context, id, body string) (bool, error) {
	n, err := issueNumber("kanban.comment", id)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(body) == "" {
		return false, apperr.Validation("kanban.comment", id, "comment body required")
	}
	num := strconv.Itoa(n)
	if _, err := g.gh(ctx, "kanban.comment", num, g.withRepo("issue", "comment", num, "--body", body)...); err != nil {
		return false, err
	}
	return true, nil
}

func (g *GitHub) DeleteTask(ctx context.Context, id string) (bool, error) {
	n, err := issueNumber("kanban.delete", id)
	if err != nil {
		return false, err
	}
	num := strconv.Itoa(n)
	res, err := g.gh(ctx, "kanban.delete", num, g.withRepo("issue", "delete", num, "--yes")...)
	if err != nil {
		if isNotFoundOutput(res) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
