package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fentz26/fleetd/internal/apperr"
	"github.com/fentz26/fleetd/internal/logging"
	"github.com/fentz26/fleetd/internal/workspace"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// ServerOptions configures a Server.
type ServerOptions struct {
	Addr string
	// WebhookPath mounts Webhook when both are set.
	WebhookPath string
	Webhook     http.Handler
	Logger      *slog.Logger
}

// Server provides the HTTP API for fleetd.
type Server struct {
	service *Service
	addr    string
	mux     *http.ServeMux
	server  *http.Server
	logger  *slog.Logger
}

// NewServer creates a new HTTP server and registers its routes.
func NewServer(service *Service, opts ServerOptions) *Server {
	s := &Server{
		service: service,
		addr:    opts.Addr,
		mux:     http.NewServeMux(),
		logger:  logging.Component(opts.Logger, "http"),
	}
	s.routes(opts)
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

func (s *Server) routes(opts ServerOptions) {
	mux := s.mux

	mux.HandleFunc("/health", s.handleHealth)

	// Executor
	s.route(http.MethodGet, "/api/executor", s.getExecutor)
	s.route(http.MethodPost, "/api/executor/pause", s.pauseExecutor)
	s.route(http.MethodPost, "/api/executor/resume", s.resumeExecutor)
	s.route(http.MethodPost, "/api/executor/maxparallel", s.setMaxParallel)
	s.route(http.MethodPost, "/api/executor/stop-slot", s.stopSlot)

	// Tasks
	s.route(http.MethodGet, "/api/projects", s.listProjects)
	s.route(http.MethodGet, "/api/tasks", s.listTasks)
	s.route(http.MethodGet, "/api/tasks/detail", s.getTask)
	s.route(http.MethodPost, "/api/tasks/create", s.createTask)
	s.route(http.MethodPost, "/api/tasks/update", s.updateTask)
	s.route(http.MethodPost, "/api/tasks/comment", s.commentTask)
	s.route(http.MethodPost, "/api/tasks/delete", s.deleteTask)
	s.route(http.MethodPost, "/api/tasks/start", s.startTask)

	// Worktrees
	s.route(http.MethodGet, "/api/worktrees", s.listWorktrees)
	s.route(http.MethodPost, "/api/worktrees/prune", s.pruneWorktrees)
	s.route(http.MethodPost, "/api/worktrees/release", s.releaseWorktree)

	// Fleet
	s.route(http.MethodGet, "/api/presence", s.getPresence)
	s.route(http.MethodGet, "/api/shared-workspaces", s.listWorkspaces)
	s.route(http.MethodPost, "/api/shared-workspaces/claim", s.claimWorkspace)
	s.route(http.MethodPost, "/api/shared-workspaces/release", s.releaseWorkspace)
	s.route(http.MethodPost, "/api/shared-workspaces/renew", s.renewWorkspace)

	// Project sync
	s.route(http.MethodGet, "/api/project-sync/metrics", s.syncMetrics)
	if opts.WebhookPath != "" && opts.Webhook != nil {
		mux.Handle(opts.WebhookPath, opts.Webhook)
	}

	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, envelope{"ok": false, "error": "not found"})
	})
}

// route registers h for method on path. Other methods on path get a JSON
// 405 instead of the mux's plain-text one, so every /api response is an
// envelope.
func (s *Server) route(method, path string, h http.HandlerFunc) {
	s.mux.HandleFunc(method+" "+path, h)
	allow := method
	if method == http.MethodGet {
		allow += ", " + http.MethodHead
	}
	s.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", allow)
		writeJSON(w, http.StatusMethodNotAllowed, envelope{"ok": false, "error": "method not allowed"})
	})
}

// Handler returns the routed handler, for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln. After Shutdown it returns http.ErrServerClosed at once.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting fleetd control plane", "addr", ln.Addr().String())
	return s.server.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// --- Helpers ---

type envelope map[string]any

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) ok(w http.ResponseWriter, data any, extra envelope) {
	body := envelope{"ok": true, "data": data}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, envelope{"ok": false, "error": err.Error()})
}

// decode reads an optional JSON body into v.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperr.Validation(r.URL.Path, "", "%w", ErrInvalidBody)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// --- Health ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h := s.service.Health(r.Context())
	status := http.StatusOK
	if !h.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

// --- Executor Handlers ---

func (s *Server) getExecutor(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.ExecutorStatus()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, st, envelope{"mode": st.Mode, "paused": st.Paused})
}

func (s *Server) pauseExecutor(w http.ResponseWriter, r *http.Request) {
	if err := s.service.PauseExecutor(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"ok": true, "paused": true})
}

func (s *Server) resumeExecutor(w http.ResponseWriter, r *http.Request) {
	if err := s.service.ResumeExecutor(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"ok": true, "paused": false})
}

type maxParallelRequest struct {
	Value       *int `json:"value"`
	MaxParallel *int `json:"maxParallel"`
}

func (s *Server) setMaxParallel(w http.ResponseWriter, r *http.Request) {
	var req maxParallelRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	v := req.Value
	if v == nil {
		v = req.MaxParallel
	}
	if v == nil {
		s.fail(w, r, apperr.Validation("executor.max_parallel", "", "value must be between 0 and 20"))
		return
	}
	n, err := s.service.SetMaxParallel(r.Context(), *v)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"ok": true, "maxParallel": n})
}

type stopSlotRequest struct {
	Slot   *int   `json:"slot"`
	TaskID string `json:"taskId"`
}

func (s *Server) stopSlot(w http.ResponseWriter, r *http.Request) {
	var req stopSlotRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Slot == nil {
		s.fail(w, r, apperr.Validation("executor.stop_slot", "", "slot required"))
		return
	}
	if err := s.service.StopSlot(r.Context(), *req.Slot, req.TaskID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"ok": true, "slot": *req.Slot})
}

// --- Task Handlers ---

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.service.ListProjects(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, projects, nil)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("pageSize"))
	res, err := s.service.ListTasks(r.Context(), TaskQuery{
		ProjectID: q.Get("project"),
		Status:    q.Get("status"),
		Page:      page,
		PageSize:  pageSize,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, res.Tasks, envelope{
		"page":      res.Page,
		"pageSize":  res.PageSize,
		"total":     res.Total,
		"projectId": res.ProjectID,
	})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	task, err := s.service.GetTask(r.Context(), firstNonEmpty(q.Get("taskId"), q.Get("id")))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, task, nil)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	task, err := s.service.CreateTask(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, task, nil)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var req UpdateTaskRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	task, err := s.service.UpdateTask(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, task, nil)
}

func (s *Server) commentTask(w http.ResponseWriter, r *http.Request) {
	var req CommentRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	posted, err := s.service.AddComment(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, posted, nil)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	var req taskRef
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	deleted, err := s.service.DeleteTask(r.Context(), firstNonEmpty(req.TaskID, req.ID))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, deleted, nil)
}

type taskRef struct {
	TaskID string `json:"taskId"`
	ID     string `json:"id"`
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	var req taskRef
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id := firstNonEmpty(req.TaskID, req.ID)
	slot, err := s.service.StartTask(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{"ok": true, "taskId": id, "slot": slot})
}

// --- Worktree Handlers ---

func (s *Server) listWorktrees(w http.ResponseWriter, r *http.Request) {
	wts, stats, err := s.service.ListWorktrees(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, wts, envelope{"stats": stats})
}

func (s *Server) pruneWorktrees(w http.ResponseWriter, r *http.Request) {
	res, err := s.service.PruneWorktrees(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, res, nil)
}

type releaseWorktreeRequest struct {
	TaskKey string `json:"taskKey"`
	Key     string `json:"key"`
	Branch  string `json:"branch"`
}

func (s *Server) releaseWorktree(w http.ResponseWriter, r *http.Request) {
	var req releaseWorktreeRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	released, err := s.service.ReleaseWorktree(r.Context(), firstNonEmpty(req.TaskKey, req.Key), req.Branch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, released, nil)
}

// --- Fleet Handlers ---

func (s *Server) getPresence(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.Presence(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, view, nil)
}

func (s *Server) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.SharedWorkspaces(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, view.Registry, envelope{"availability": view.Availability, "expired": view.Expired})
}

type workspaceRequest struct {
	WorkspaceID string `json:"workspaceId"`
	ID          string `json:"id"`
	Owner       string `json:"owner"`
	TTLMinutes  int    `json:"ttlMinutes"`
	Note        string `json:"note"`
	Force       bool   `json:"force"`
	Reason      string `json:"reason"`
}

func (req workspaceRequest) workspaceID() string {
	return firstNonEmpty(req.WorkspaceID, req.ID)
}

func (s *Server) claimWorkspace(w http.ResponseWriter, r *http.Request) {
	var req workspaceRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ws, l, err := s.service.ClaimWorkspace(r.Context(), workspace.ClaimRequest{
		WorkspaceID: req.workspaceID(), Owner: req.Owner, TTLMinutes: req.TTLMinutes, Note: req.Note,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, ws, envelope{"lease": l})
}

func (s *Server) releaseWorkspace(w http.ResponseWriter, r *http.Request) {
	var req workspaceRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ws, err := s.service.ReleaseWorkspace(r.Context(), workspace.ReleaseRequest{
		WorkspaceID: req.workspaceID(), Owner: req.Owner, Force: req.Force, Reason: req.Reason,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, ws, nil)
}

func (s *Server) renewWorkspace(w http.ResponseWriter, r *http.Request) {
	var req workspaceRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ws, l, err := s.service.RenewWorkspace(r.Context(), workspace.RenewRequest{
		WorkspaceID: req.workspaceID(), Owner: req.Owner, TTLMinutes: req.TTLMinutes, Force: req.Force,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, ws, envelope{"lease": l})
}

// --- Project Sync ---

func (s *Server) syncMetrics(w http.ResponseWriter, r *http.Request) {
	s.ok(w, envelope{"webhook": s.service.SyncMetrics()}, nil)
}
