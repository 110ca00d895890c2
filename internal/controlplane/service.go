// Package controlplane provides the HTTP API and service layer for fleetd.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fentz26/fleetd/internal/apperr"
	"github.com/fentz26/fleetd/internal/audit"
	"github.com/fentz26/fleetd/internal/kanban"
	"github.com/fentz26/fleetd/internal/logging"
	"github.com/fentz26/fleetd/internal/models"
	"github.com/fentz26/fleetd/internal/workspace"
	"github.com/fentz26/fleetd/internal/worktree"
)

// Version is reported by /health.
var Version = "dev"

// Executor is the dispatch pool. *executor.Pool implements it.
type Executor interface {
	Status() models.ExecutorStatus
	Pause()
	Resume()
	IsPaused() bool
	SetMaxParallel(n int) error
	StopSlot(index int, taskID string) error
	ExecuteTask(ctx context.Context, task models.Task) (int, error)
}

// Worktrees is the worktree manager. *worktree.Manager implements it.
type Worktrees interface {
	ListActive(ctx context.Context) ([]models.Worktree, error)
	Stats(ctx context.Context) (worktree.Stats, error)
	Prune(ctx context.Context, opts worktree.PruneOptions) (*worktree.PruneResult, error)
	Release(ctx context.Context, key string) (bool, error)
	ReleaseByBranch(ctx context.Context, branch string) (bool, error)
}

// Presence answers fleet membership. *presence.Tracker implements it.
type Presence interface {
	TTL() time.Duration
	Self() *models.Instance
	ListActive(ctx context.Context, ttl time.Duration) ([]models.Instance, error)
	SelectCoordinator(ctx context.Context, ttl time.Duration) (*models.Instance, error)
}

// Workspaces is the shared workspace registry. *workspace.Service implements it.
type Workspaces interface {
	Load(ctx context.Context) (*workspace.Registry, []string, error)
	Claim(ctx context.Context, req workspace.ClaimRequest) (*models.Workspace, *models.Lease, error)
	Release(ctx context.Context, req workspace.ReleaseRequest) (*models.Workspace, error)
	Renew(ctx context.Context, req workspace.RenewRequest) (*models.Workspace, *models.Lease, error)
}

// SyncMetrics exposes webhook counters. *projectsync.Engine implements it.
type SyncMetrics interface {
	Metrics() models.SyncMetrics
}

// Pinger checks the database. *store.Store implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the service fronts. Executor may be nil when the
// internal executor is disabled.
type Deps struct {
	Store      Pinger
	Tasks      kanban.Adapter
	Executor   Executor
	Worktrees  Worktrees
	Presence   Presence
	Workspaces Workspaces
	Sync       SyncMetrics
	Audit      audit.Recorder
	// Actor is recorded on audited mutations; normally the instance id.
	Actor  string
	Logger *slog.Logger
}

// Service provides the control plane business logic.
type Service struct {
	deps   Deps
	audit  audit.Recorder
	logger *slog.Logger
}

// NewService creates a new control plane service.
func NewService(deps Deps) *Service {
	s := &Service{
		deps:   deps,
		audit:  deps.Audit,
		logger: logging.Component(deps.Logger, "controlplane"),
	}
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	if s.deps.Actor == "" {
		s.deps.Actor = "control-plane"
	}
	return s
}

// HealthResponse is the /health body.
type HealthResponse struct {
	OK       bool   `json:"ok"`
	DB       string `json:"db"`
	Version  string `json:"version"`
	Time     string `json:"time"`
	Instance string `json:"instance,omitempty"`
}

// Health pings the database.
func (s *Service) Health(ctx context.Context) HealthResponse {
	h := HealthResponse{OK: true, DB: "ok", Version: Version, Time: time.Now().UTC().Format(time.RFC3339)}
	if s.deps.Presence != nil {
		if self := s.deps.Presence.Self(); self != nil {
			h.Instance = self.InstanceID
		}
	}
	if s.deps.Store == nil {
		return h
	}
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(pctx); err != nil {
		h.OK = false
		h.DB = err.Error()
	}
	return h
}

// --- Executor ---

func (s *Service) executor(op string) (Executor, error) {
	if s.deps.Executor == nil {
		return nil, apperr.Validation(op, "", "%w", ErrExecutorDisabled)
	}
	return s.deps.Executor, nil
}

// ExecutorStatus returns the pool snapshot.
func (s *Service) ExecutorStatus() (*models.ExecutorStatus, error) {
	ex, err := s.executor("executor.status")
	if err != nil {
		return nil, err
	}
	st := ex.Status()
	return &st, nil
}

// PauseExecutor stops new dispatch.
func (s *Service) PauseExecutor(ctx context.Context) error {
	ex, err := s.executor("executor.pause")
	if err != nil {
		return err
	}
	ex.Pause()
	s.audit.Record(ctx, "executor.pause", map[string]string{"actor": s.deps.Actor}, audit.OutcomeSuccess, "", "")
	return nil
}

// ResumeExecutor allows dispatch again.
func (s *Service) ResumeExecutor(ctx context.Context) error {
	ex, err := s.executor("executor.resume")
	if err != nil {
		return err
	}
	ex.Resume()
	s.audit.Record(ctx, "executor.resume", map[string]string{"actor": s.deps.Actor}, audit.OutcomeSuccess, "", "")
	return nil
}

// SetMaxParallel changes pool capacity and returns the new value.
func (s *Service) SetMaxParallel(ctx context.Context, n int) (int, error) {
	ex, err := s.executor("executor.max_parallel")
	if err != nil {
		return 0, err
	}
	if err := ex.SetMaxParallel(n); err != nil {
		return 0, err
	}
	s.audit.Record(ctx, "executor.maxparallel", map[string]any{"actor": s.deps.Actor, "value": n}, audit.OutcomeSuccess, "", "")
	return ex.Status().MaxParallel, nil
}

// StopSlot force-stops the work in one slot.
func (s *Service) StopSlot(ctx context.Context, index int, taskID string) error {
	ex, err := s.executor("executor.stop_slot")
	if err != nil {
		return err
	}
	if err := ex.StopSlot(index, taskID); err != nil {
		return err
	}
	s.audit.Record(ctx, "executor.stop_slot", map[string]any{"actor": s.deps.Actor, "slot": index}, audit.OutcomeSuccess, taskID, "")
	return nil
}

// --- Tasks ---

// Paging bounds for ListTasks.
const (
	DefaultPageSize = 15
	MinPageSize     = 5
	MaxPageSize     = 50
)

// TaskQuery selects a page of tasks.
type TaskQuery struct {
	ProjectID string
	Status    string
	Page      int
	PageSize  int
}

// TaskPage is one page of tasks.
type TaskPage struct {
	Tasks     []models.Task
	Page      int
	PageSize  int
	Total     int
	ProjectID string
}

// ListProjects returns the backend's projects.
func (s *Service) ListProjects(ctx context.Context) ([]models.Project, error) {
	projects, err := s.deps.Tasks.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	if projects == nil {
		projects = []models.Project{}
	}
	return projects, nil
}

// ListTasks pages through a project's tasks. With no project the first one
// the backend lists is used.
func (s *Service) ListTasks(ctx context.Context, q TaskQuery) (*TaskPage, error) {
	page := &TaskPage{Page: max(0, q.Page), PageSize: q.PageSize, Tasks: []models.Task{}}
	if page.PageSize == 0 {
		page.PageSize = DefaultPageSize
	}
	page.PageSize = min(MaxPageSize, max(MinPageSize, page.PageSize))

	var filter kanban.Filter
	if q.Status != "" {
		st, ok := models.ParseStatus(q.Status)
		if !ok {
			return nil, apperr.Validation("list tasks", "", "unknown status %q", q.Status)
		}
		filter.Status = st
	}

	project := q.ProjectID
	if project == "" {
		projects, err := s.deps.Tasks.ListProjects(ctx)
		if err != nil {
			return nil, err
		}
		if len(projects) == 0 {
			return page, nil
		}
		project = projects[0].ID
	}
	page.ProjectID = project

	tasks, err := s.deps.Tasks.ListTasks(ctx, project, filter)
	if err != nil {
		return nil, err
	}
	page.Total = len(tasks)
	start := page.Page * page.PageSize
	if start < len(tasks) {
		page.Tasks = tasks[start:min(len(tasks), start+page.PageSize)]
	}
	return page, nil
}

// GetTask returns the task or nil when the backend does not have it.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperr.Validation("get task", "", "%w", ErrTaskIDRequired)
	}
	return s.deps.Tasks.GetTask(ctx, id)
}

// CreateTaskRequest is the /api/tasks/create body.
type CreateTaskRequest struct {
	ProjectID   string   `json:"project"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Status      string   `json:"status"`
	Priority    string   `json:"priority"`
	Labels      []string `json:"labels"`
}

// CreateTask adds a task to the backend.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, apperr.Validation("create task", "", "%w", ErrTitleRequired)
	}
	in := kanban.TaskInput{
		Title:       title,
		Description: req.Description,
		Status:      models.TaskStatusTodo,
		Priority:    models.NormalizePriority(req.Priority),
		Labels:      req.Labels,
	}
	if req.Status != "" {
		st, ok := models.ParseStatus(req.Status)
		if !ok {
			return nil, apperr.Validation("create task", "", "unknown status %q", req.Status)
		}
		in.Status = st
	}
	task, err := s.deps.Tasks.CreateTask(ctx, req.ProjectID, in)
	if err != nil {
		s.audit.Record(ctx, "task.create", map[string]string{"title": title}, audit.OutcomeFailed, "", err.Error())
		return nil, err
	}
	s.audit.Record(ctx, "task.create", map[string]string{"title": title}, audit.OutcomeSuccess, task.ID, s.deps.Tasks.Name())
	return task, nil
}

// UpdateTaskRequest is the /api/tasks/update body. Blank fields are left
// unchanged.
type UpdateTaskRequest struct {
	TaskID      string `json:"taskId"`
	ID          string `json:"id"`
	Status      string `json:"status"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
}

func (r UpdateTaskRequest) taskID() string {
	if r.TaskID != "" {
		return r.TaskID
	}
	return r.ID
}

// UpdateTask patches a task.
func (s *Service) UpdateTask(ctx context.Context, req UpdateTaskRequest) (*models.Task, error) {
	id := req.taskID()
	if id == "" {
		return nil, apperr.Validation("update task", "", "%w", ErrTaskIDRequired)
	}
	var p kanban.Patch
	if v := strings.TrimSpace(req.Title); v != "" {
		p.Title = &v
	}
	if v := strings.TrimSpace(req.Description); v != "" {
		p.Description = &req.Description
	}
	if v := strings.TrimSpace(req.Status); v != "" {
		st, ok := models.ParseStatus(v)
		if !ok {
			return nil, apperr.Validation("update task", id, "unknown status %q", v)
		}
		p.Status = &st
	}
	if v := strings.TrimSpace(req.Priority); v != "" {
		pr := models.NormalizePriority(v)
		if pr == "" {
			return nil, apperr.Validation("update task", id, "unknown priority %q", v)
		}
		p.Priority = &pr
	}
	if p.Title == nil && p.Description == nil && p.Status == nil && p.Priority == nil {
		return nil, apperr.Validation("update task", id, "%w", ErrNoUpdateFields)
	}

	task, err := s.deps.Tasks.UpdateTask(ctx, id, p)
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, "task.update", req, audit.OutcomeSuccess, id, string(task.Status))
	return task, nil
}

// CommentRequest is the /api/tasks/comment body.
type CommentRequest struct {
	TaskID string `json:"taskId"`
	Body   string `json:"body"`
}

// AddComment posts a comment; false means the backend rejected or lost it.
func (s *Service) AddComment(ctx context.Context, req CommentRequest) (bool, error) {
	if req.TaskID == "" {
		return false, apperr.Validation("comment task", "", "%w", ErrTaskIDRequired)
	}
	return s.deps.Tasks.AddComment(ctx, req.TaskID, req.Body)
}

// DeleteTask removes a task; false means it was already gone.
func (s *Service) DeleteTask(ctx context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, apperr.Validation("delete task", "", "%w", ErrTaskIDRequired)
	}
	deleted, err := s.deps.Tasks.DeleteTask(ctx, id)
	if err != nil {
		s.audit.Record(ctx, "task.delete", map[string]string{"actor": s.deps.Actor}, audit.OutcomeFailed, id, err.Error())
		return false, err
	}
	if deleted {
		s.audit.Record(ctx, "task.delete", map[string]string{"actor": s.deps.Actor}, audit.OutcomeSuccess, id, s.deps.Tasks.Name())
	}
	return deleted, nil
}

// StartTask hands a task to the executor and returns its slot.
func (s *Service) StartTask(ctx context.Context, id string) (int, error) {
	if id == "" {
		return 0, apperr.Validation("start task", "", "%w", ErrTaskIDRequired)
	}
	ex, err := s.executor("start task")
	if err != nil {
		return 0, err
	}
	task, err := s.deps.Tasks.GetTask(ctx, id)
	if err != nil {
		return 0, err
	}
	if task == nil {
		return 0, apperr.NotFound("start task", id)
	}
	slot, err := ex.ExecuteTask(ctx, *task)
	if err != nil {
		s.audit.Record(ctx, "task.start", map[string]string{"task_id": id, "actor": s.deps.Actor}, audit.OutcomeRejected, id, err.Error())
		return 0, err
	}
	s.audit.Record(ctx, "task.start", map[string]string{"task_id": id, "actor": s.deps.Actor}, audit.OutcomeSuccess, id, fmt.Sprintf("slot=%d", slot))
	return slot, nil
}

// --- Worktrees ---

// ListWorktrees returns tracked worktrees with summary counts.
func (s *Service) ListWorktrees(ctx context.Context) ([]models.Worktree, worktree.Stats, error) {
	wts, err := s.deps.Worktrees.ListActive(ctx)
	if err != nil {
		return nil, worktree.Stats{}, err
	}
	stats, err := s.deps.Worktrees.Stats(ctx)
	if err != nil {
		return nil, worktree.Stats{}, err
	}
	if wts == nil {
		wts = []models.Worktree{}
	}
	return wts, stats, nil
}

// PruneWorktrees reclaims stale worktrees.
func (s *Service) PruneWorktrees(ctx context.Context) (*worktree.PruneResult, error) {
	return s.deps.Worktrees.Prune(ctx, worktree.PruneOptions{Actor: s.deps.Actor})
}

// ReleaseWorktree releases by task key, or by branch when key is empty.
func (s *Service) ReleaseWorktree(ctx context.Context, key, branch string) (bool, error) {
	switch {
	case key != "":
		return s.deps.Worktrees.Release(ctx, key)
	case branch != "":
		return s.deps.Worktrees.ReleaseByBranch(ctx, branch)
	default:
		return false, apperr.Validation("release worktree", "", "%w", ErrReleaseTarget)
	}
}

// --- Presence ---

// PresenceView is the /api/presence body.
type PresenceView struct {
	Instances   []models.Instance `json:"instances"`
	Coordinator *models.Instance  `json:"coordinator"`
	Self        *models.Instance  `json:"self,omitempty"`
}

// Presence lists live instances and the elected coordinator.
func (s *Service) Presence(ctx context.Context) (*PresenceView, error) {
	p := s.deps.Presence
	ttl := p.TTL()
	instances, err := p.ListActive(ctx, ttl)
	if err != nil {
		return nil, err
	}
	coord, err := p.SelectCoordinator(ctx, ttl)
	if err != nil {
		return nil, err
	}
	if instances == nil {
		instances = []models.Instance{}
	}
	return &PresenceView{Instances: instances, Coordinator: coord, Self: p.Self()}, nil
}

// --- Shared workspaces ---

// WorkspacesView is the swept registry with availability.
type WorkspacesView struct {
	Registry     *workspace.Registry
	Availability map[string]workspace.Availability
	Expired      []string
}

// SharedWorkspaces sweeps expired leases and returns the registry.
func (s *Service) SharedWorkspaces(ctx context.Context) (*WorkspacesView, error) {
	reg, expired, err := s.deps.Workspaces.Load(ctx)
	if err != nil {
		return nil, err
	}
	if expired == nil {
		expired = []string{}
	}
	return &WorkspacesView{Registry: reg, Availability: workspace.AvailabilityMap(reg), Expired: expired}, nil
}

// ClaimWorkspace leases a shared workspace.
func (s *Service) ClaimWorkspace(ctx context.Context, req workspace.ClaimRequest) (*models.Workspace, *models.Lease, error) {
	if req.WorkspaceID == "" {
		return nil, nil, apperr.Validation("claim workspace", "", "%w", ErrWorkspaceIDRequired)
	}
	return s.deps.Workspaces.Claim(ctx, req)
}

// ReleaseWorkspace ends a shared workspace lease.
func (s *Service) ReleaseWorkspace(ctx context.Context, req workspace.ReleaseRequest) (*models.Workspace, error) {
	if req.WorkspaceID == "" {
		return nil, apperr.Validation("release workspace", "", "%w", ErrWorkspaceIDRequired)
	}
	return s.deps.Workspaces.Release(ctx, req)
}

// RenewWorkspace extends a shared workspace lease.
func (s *Service) RenewWorkspace(ctx context.Context, req workspace.RenewRequest) (*models.Workspace, *models.Lease, error) {
	if req.WorkspaceID == "" {
		return nil, nil, apperr.Validation("renew workspace", "", "%w", ErrWorkspaceIDRequired)
	}
	return s.deps.Workspaces.Renew(ctx, req)
}

// SyncMetrics returns the webhook counters.
func (s *Service) SyncMetrics() models.SyncMetrics {
	if s.deps.Sync == nil {
		return models.SyncMetrics{}
	}
	return s.deps.Sync.Metrics()
}
