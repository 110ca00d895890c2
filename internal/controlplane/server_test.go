package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/fleetd/internal/apperr"
	"github.com/fentz26/fleetd/internal/kanban"
	"github.com/fentz26/fleetd/internal/lease"
	"github.com/fentz26/fleetd/internal/models"
	"github.com/fentz26/fleetd/internal/presence"
	"github.com/fentz26/fleetd/internal/store"
	"github.com/fentz26/fleetd/internal/taskstore"
	"github.com/fentz26/fleetd/internal/workspace"
	"github.com/fentz26/fleetd/internal/worktree"
)

type fakeExecutor struct {
	mu       sync.Mutex
	status   models.ExecutorStatus
	started  []string
	stopped  []int
	startErr error
}

func (f *fakeExecutor) Status() models.ExecutorStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeExecutor) Pause()  { f.mu.Lock(); f.status.Paused = true; f.mu.Unlock() }
func (f *fakeExecutor) Resume() { f.mu.Lock(); f.status.Paused = false; f.mu.Unlock() }

func (f *fakeExecutor) IsPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status.Paused
}

func (f *fakeExecutor) SetMaxParallel(n int) error {
	if n < 0 || n > 20 {
		return apperr.Validation("executor.max_parallel", "", "maxParallel must be between 0 and 20")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.MaxParallel = n
	f.status.Paused = n == 0
	return nil
}

func (f *fakeExecutor) StopSlot(index int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index != 0 {
		return apperr.NotFound("executor.stop_slot", "slot")
	}
	f.stopped = append(f.stopped, index)
	return nil
}

func (f *fakeExecutor) ExecuteTask(_ context.Context, task models.Task) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return 0, f.startErr
	}
	f.started = append(f.started, task.ID)
	return len(f.started) - 1, nil
}

type fakeWorktrees struct {
	released []string
}

func (f *fakeWorktrees) ListActive(context.Context) ([]models.Worktree, error) {
	return []models.Worktree{{Key: "task-1", Branch: "fleet/task-1"}}, nil
}

func (f *fakeWorktrees) Stats(context.Context) (worktree.Stats, error) {
	return worktree.Stats{Total: 1, Active: 1}, nil
}

func (f *fakeWorktrees) Prune(_ context.Context, opts worktree.PruneOptions) (*worktree.PruneResult, error) {
	return &worktree.PruneResult{Scanned: 1, Pruned: []string{opts.Actor}}, nil
}

func (f *fakeWorktrees) Release(_ context.Context, key string) (bool, error) {
	f.released = append(f.released, "key:"+key)
	return true, nil
}

func (f *fakeWorktrees) ReleaseByBranch(_ context.Context, branch string) (bool, error) {
	f.released = append(f.released, "branch:"+branch)
	return false, nil
}

type staticMetrics models.SyncMetrics

func (m staticMetrics) Metrics() models.SyncMetrics { return models.SyncMetrics(m) }

type testEnv struct {
	server *Server
	store  *store.Store
	exec   *fakeExecutor
	wts    *fakeWorktrees
	tasks  *kanban.Internal
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ts, err := taskstore.New(filepath.Join(dir, "tasks.json"))
	if err != nil {
		t.Fatalf("Failed to create task store: %v", err)
	}
	tasks := kanban.NewInternal(ts)

	ctx := context.Background()
	leases := lease.New(st, lease.Options{Kind: models.LeaseKindWorkspace})
	ws := workspace.New(st, leases, workspace.Options{DefaultOwner: "inst-a"})
	if err := ws.Register(ctx, models.Workspace{ID: "ws-1", Name: "East"}); err != nil {
		t.Fatalf("Failed to register workspace: %v", err)
	}

	tracker := presence.New(st, presence.Options{Hostname: "host"})
	if _, err := tracker.Init(ctx, presence.InitOptions{InstanceID: "inst-a"}); err != nil {
		t.Fatalf("Failed to init presence: %v", err)
	}
	t.Cleanup(tracker.Close)

	env := &testEnv{
		store: st,
		exec:  &fakeExecutor{status: models.ExecutorStatus{Mode: "internal", MaxParallel: 3}},
		wts:   &fakeWorktrees{},
		tasks: tasks,
	}
	svc := NewService(Deps{
		Store:      st,
		Tasks:      tasks,
		Executor:   env.exec,
		Worktrees:  env.wts,
		Presence:   tracker,
		Workspaces: ws,
		Sync:       staticMetrics{SyncSuccess: 4, InvalidSignature: 1},
		Actor:      "inst-a",
	})
	hook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) })
	env.server = NewServer(svc, ServerOptions{Addr: "127.0.0.1:0", WebhookPath: "/hooks/gh", Webhook: hook})
	return env
}

type response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`

	Paused      *bool  `json:"paused"`
	MaxParallel *int   `json:"maxParallel"`
	Total       int    `json:"total"`
	Page        int    `json:"page"`
	PageSize    int    `json:"pageSize"`
	ProjectID   string `json:"projectId"`
	Slot        *int   `json:"slot"`

	Availability map[string]workspace.Availability `json:"availability"`
	Lease        *models.Lease                     `json:"lease"`
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)

	var out response
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("Failed to decode %s %s response %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w.Code, out
}

func TestHealthEndpoint_OK(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.server.handleHealth(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !health.OK {
		t.Error("Expected health.OK to be true")
	}
	if health.DB != "ok" {
		t.Errorf("Expected DB status 'ok', got '%s'", health.DB)
	}
	if health.Version == "" || health.Time == "" {
		t.Errorf("Expected version and time to be set, got %+v", health)
	}
	if health.Instance != "inst-a" {
		t.Errorf("Expected instance inst-a, got %q", health.Instance)
	}
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	w := httptest.NewRecorder()
	env.server.handleHealth(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHealthEndpoint_DBError(t *testing.T) {
	env := newTestEnv(t)

	// Close the store to simulate DB error
	env.store.Close()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.server.handleHealth(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
	var health HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if health.OK || health.DB == "ok" {
		t.Errorf("Expected DB failure, got %+v", health)
	}
}

func TestExecutorEndpoints(t *testing.T) {
	env := newTestEnv(t)

	code, out := env.do(t, http.MethodGet, "/api/executor", nil)
	if code != http.StatusOK || !out.OK {
		t.Fatalf("GET /api/executor: %d %+v", code, out)
	}
	var st models.ExecutorStatus
	if err := json.Unmarshal(out.Data, &st); err != nil || st.MaxParallel != 3 {
		t.Errorf("Unexpected status %s (%v)", out.Data, err)
	}

	code, out = env.do(t, http.MethodPost, "/api/executor/pause", nil)
	if code != http.StatusOK || out.Paused == nil || !*out.Paused {
		t.Errorf("pause: %d %+v", code, out)
	}
	code, out = env.do(t, http.MethodPost, "/api/executor/resume", nil)
	if code != http.StatusOK || out.Paused == nil || *out.Paused {
		t.Errorf("resume: %d %+v", code, out)
	}

	code, out = env.do(t, http.MethodPost, "/api/executor/maxparallel", map[string]int{"value": 0})
	if code != http.StatusOK || out.MaxParallel == nil || *out.MaxParallel != 0 {
		t.Errorf("maxparallel 0: %d %+v", code, out)
	}
	if !env.exec.IsPaused() {
		t.Error("maxParallel 0 should pause")
	}
	code, _ = env.do(t, http.MethodPost, "/api/executor/maxparallel", map[string]int{"maxParallel": 21})
	if code != http.StatusBadRequest {
		t.Errorf("maxparallel 21: expected 400, got %d", code)
	}
	code, _ = env.do(t, http.MethodPost, "/api/executor/maxparallel", map[string]string{})
	if code != http.StatusBadRequest {
		t.Errorf("maxparallel without value: expected 400, got %d", code)
	}

	code, out = env.do(t, http.MethodPost, "/api/executor/stop-slot", map[string]int{"slot": 0})
	if code != http.StatusOK || len(env.exec.stopped) != 1 {
		t.Errorf("stop-slot: %d %+v", code, out)
	}
	code, _ = env.do(t, http.MethodPost, "/api/executor/stop-slot", map[string]int{"slot": 4})
	if code != http.StatusNotFound {
		t.Errorf("stop-slot idle: expected 404, got %d", code)
	}

	code, out = env.do(t, http.MethodGet, "/api/executor/pause", nil)
	if code != http.StatusMethodNotAllowed || out.OK || out.Error == "" {
		t.Errorf("GET pause: expected 405 envelope, got %d %+v", code, out)
	}
}

func TestWrongMethodAndUnknownPathAreJSON(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/presence", nil)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("Expected 405, got %d", w.Code)
	}
	if got := w.Header().Get("Allow"); got != "GET, HEAD" {
		t.Errorf("Allow = %q, want %q", got, "GET, HEAD")
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	code, out := env.do(t, http.MethodDelete, "/api/tasks/create", nil)
	if code != http.StatusMethodNotAllowed || out.OK {
		t.Errorf("DELETE create: %d %+v", code, out)
	}

	code, out = env.do(t, http.MethodGet, "/api/nope", nil)
	if code != http.StatusNotFound || out.OK || out.Error == "" {
		t.Errorf("unknown path: %d %+v", code, out)
	}
}

func TestExecutorDisabled(t *testing.T) {
	svc := NewService(Deps{})
	srv := NewServer(svc, ServerOptions{})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/executor/pause", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	var out response
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if out.OK || out.Error == "" {
		t.Errorf("Expected error envelope, got %s", w.Body.String())
	}
}

func TestTaskEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	code, out := env.do(t, http.MethodPost, "/api/tasks/create", CreateTaskRequest{Title: "  "})
	if code != http.StatusBadRequest {
		t.Errorf("blank title: expected 400, got %d", code)
	}

	for _, title := range []string{"one", "two", "three", "four", "five", "six", "seven"} {
		code, out = env.do(t, http.MethodPost, "/api/tasks/create", CreateTaskRequest{Title: title, Priority: "p1"})
		if code != http.StatusOK {
			t.Fatalf("create %s: %d %+v", title, code, out)
		}
	}
	var created models.Task
	if err := json.Unmarshal(out.Data, &created); err != nil {
		t.Fatalf("decode created task: %v", err)
	}
	if created.Status != models.TaskStatusTodo || created.Priority != models.PriorityHigh {
		t.Errorf("Unexpected created task %+v", created)
	}

	code, out = env.do(t, http.MethodGet, "/api/tasks?page=1&pageSize=5", nil)
	if code != http.StatusOK {
		t.Fatalf("list: %d %+v", code, out)
	}
	var page []models.Task
	_ = json.Unmarshal(out.Data, &page)
	if out.Total != 7 || len(page) != 2 || out.Page != 1 || out.PageSize != 5 || out.ProjectID != "internal" {
		t.Errorf("Unexpected page: total=%d len=%d %+v", out.Total, len(page), out)
	}

	code, out = env.do(t, http.MethodGet, "/api/tasks?pageSize=500", nil)
	if code != http.StatusOK || out.PageSize != MaxPageSize {
		t.Errorf("pageSize clamp: %d %+v", code, out)
	}
	code, _ = env.do(t, http.MethodGet, "/api/tasks?status=bogus", nil)
	if code != http.StatusBadRequest {
		t.Errorf("bad status: expected 400, got %d", code)
	}

	code, out = env.do(t, http.MethodGet, "/api/tasks/detail?taskId="+created.ID, nil)
	if code != http.StatusOK {
		t.Fatalf("detail: %d %+v", code, out)
	}
	code, out = env.do(t, http.MethodGet, "/api/tasks/detail?id=missing", nil)
	if code != http.StatusOK || string(out.Data) != "null" {
		t.Errorf("detail missing: %d %s", code, out.Data)
	}
	code, _ = env.do(t, http.MethodGet, "/api/tasks/detail", nil)
	if code != http.StatusBadRequest {
		t.Errorf("detail without id: expected 400, got %d", code)
	}

	code, _ = env.do(t, http.MethodPost, "/api/tasks/update", UpdateTaskRequest{TaskID: created.ID})
	if code != http.StatusBadRequest {
		t.Errorf("empty patch: expected 400, got %d", code)
	}
	code, out = env.do(t, http.MethodPost, "/api/tasks/update", UpdateTaskRequest{ID: created.ID, Status: "in-progress", Title: "renamed"})
	if code != http.StatusOK {
		t.Fatalf("update: %d %+v", code, out)
	}
	got, err := env.tasks.GetTask(ctx, created.ID)
	if err != nil || got.Status != models.TaskStatusInProgress || got.Title != "renamed" {
		t.Errorf("Update not applied: %+v (%v)", got, err)
	}
	code, _ = env.do(t, http.MethodPost, "/api/tasks/update", UpdateTaskRequest{TaskID: "missing", Title: "x"})
	if code != http.StatusNotFound {
		t.Errorf("update missing: expected 404, got %d", code)
	}

	code, out = env.do(t, http.MethodPost, "/api/tasks/comment", CommentRequest{TaskID: created.ID, Body: "looks good"})
	if code != http.StatusOK || string(out.Data) != "true" {
		t.Errorf("comment: %d %s", code, out.Data)
	}

	code, out = env.do(t, http.MethodPost, "/api/tasks/start", map[string]string{"taskId": created.ID})
	if code != http.StatusOK || out.Slot == nil || *out.Slot != 0 {
		t.Errorf("start: %d %+v", code, out)
	}
	if len(env.exec.started) != 1 || env.exec.started[0] != created.ID {
		t.Errorf("Executor did not receive task: %v", env.exec.started)
	}
	code, _ = env.do(t, http.MethodPost, "/api/tasks/start", map[string]string{"id": "missing"})
	if code != http.StatusNotFound {
		t.Errorf("start missing: expected 404, got %d", code)
	}
	env.exec.startErr = apperr.Conflict("executor.execute", created.ID, errors.New("no free executor slot"))
	code, _ = env.do(t, http.MethodPost, "/api/tasks/start", map[string]string{"id": created.ID})
	if code != http.StatusConflict {
		t.Errorf("start on full pool: expected 409, got %d", code)
	}

	code, out = env.do(t, http.MethodGet, "/api/projects", nil)
	if code != http.StatusOK || !bytes.Contains(out.Data, []byte(`"internal"`)) {
		t.Errorf("projects: %d %s", code, out.Data)
	}

	code, out = env.do(t, http.MethodPost, "/api/tasks/delete", map[string]string{"taskId": created.ID})
	if code != http.StatusOK || string(out.Data) != "true" {
		t.Errorf("delete: %d %s", code, out.Data)
	}
	if got, _ := env.tasks.GetTask(ctx, created.ID); got != nil {
		t.Errorf("Task still present after delete: %+v", got)
	}
	code, out = env.do(t, http.MethodPost, "/api/tasks/delete", map[string]string{"id": created.ID})
	if code != http.StatusOK || string(out.Data) != "false" {
		t.Errorf("delete again: %d %s", code, out.Data)
	}
	code, _ = env.do(t, http.MethodPost, "/api/tasks/delete", nil)
	if code != http.StatusBadRequest {
		t.Errorf("delete without id: expected 400, got %d", code)
	}
}

func TestInvalidBody(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/create", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestWorktreeEndpoints(t *testing.T) {
	env := newTestEnv(t)

	code, out := env.do(t, http.MethodGet, "/api/worktrees", nil)
	if code != http.StatusOK || !bytes.Contains(out.Data, []byte("task-1")) {
		t.Errorf("list: %d %s", code, out.Data)
	}

	code, out = env.do(t, http.MethodPost, "/api/worktrees/prune", nil)
	if code != http.StatusOK || !bytes.Contains(out.Data, []byte(`"inst-a"`)) {
		t.Errorf("prune should run as the instance: %d %s", code, out.Data)
	}

	code, _ = env.do(t, http.MethodPost, "/api/worktrees/release", map[string]string{})
	if code != http.StatusBadRequest {
		t.Errorf("release without target: expected 400, got %d", code)
	}
	code, out = env.do(t, http.MethodPost, "/api/worktrees/release", map[string]string{"key": "task-1"})
	if code != http.StatusOK || string(out.Data) != "true" {
		t.Errorf("release by key: %d %s", code, out.Data)
	}
	code, out = env.do(t, http.MethodPost, "/api/worktrees/release", map[string]string{"branch": "fleet/x"})
	if code != http.StatusOK || string(out.Data) != "false" {
		t.Errorf("release by branch: %d %s", code, out.Data)
	}
	want := []string{"key:task-1", "branch:fleet/x"}
	if len(env.wts.released) != 2 || env.wts.released[0] != want[0] || env.wts.released[1] != want[1] {
		t.Errorf("Expected releases %v, got %v", want, env.wts.released)
	}
}

func TestPresenceEndpoint(t *testing.T) {
	env := newTestEnv(t)

	code, out := env.do(t, http.MethodGet, "/api/presence", nil)
	if code != http.StatusOK {
		t.Fatalf("presence: %d %+v", code, out)
	}
	var view PresenceView
	if err := json.Unmarshal(out.Data, &view); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if len(view.Instances) != 1 || view.Coordinator == nil || view.Coordinator.InstanceID != "inst-a" {
		t.Errorf("Unexpected presence view %+v", view)
	}
}

func TestSharedWorkspaceEndpoints(t *testing.T) {
	env := newTestEnv(t)

	code, out := env.do(t, http.MethodPost, "/api/shared-workspaces/claim", map[string]any{})
	if code != http.StatusBadRequest {
		t.Errorf("claim without id: expected 400, got %d", code)
	}

	code, out = env.do(t, http.MethodPost, "/api/shared-workspaces/claim", map[string]any{"workspaceId": "ws-1", "owner": "alice", "ttlMinutes": 30})
	if code != http.StatusOK || out.Lease == nil || out.Lease.Owner != "alice" || out.Lease.TTLMinutes != 30 {
		t.Fatalf("claim: %d %+v", code, out)
	}

	code, out = env.do(t, http.MethodPost, "/api/shared-workspaces/claim", map[string]any{"id": "ws-1", "owner": "bob"})
	if code != http.StatusConflict || out.OK {
		t.Errorf("second claim: expected 409, got %d %+v", code, out)
	}

	code, out = env.do(t, http.MethodGet, "/api/shared-workspaces", nil)
	if code != http.StatusOK || out.Availability["ws-1"].State != workspace.StateLeased || out.Availability["ws-1"].Owner != "alice" {
		t.Errorf("list: %d %+v", code, out.Availability)
	}

	code, out = env.do(t, http.MethodPost, "/api/shared-workspaces/renew", map[string]any{"id": "ws-1", "owner": "alice", "ttlMinutes": 90})
	if code != http.StatusOK || out.Lease == nil || out.Lease.TTLMinutes != 90 {
		t.Errorf("renew: %d %+v", code, out)
	}
	if out.Lease != nil && out.Lease.ExpiresAt.Before(time.Now().Add(80*time.Minute)) {
		t.Errorf("renew did not extend expiry: %v", out.Lease.ExpiresAt)
	}

	code, _ = env.do(t, http.MethodPost, "/api/shared-workspaces/release", map[string]any{"id": "ws-1", "owner": "bob"})
	if code != http.StatusConflict {
		t.Errorf("release by non-owner: expected 409, got %d", code)
	}
	code, _ = env.do(t, http.MethodPost, "/api/shared-workspaces/release", map[string]any{"id": "ws-1", "owner": "alice"})
	if code != http.StatusOK {
		t.Errorf("release: expected 200, got %d", code)
	}

	code, out = env.do(t, http.MethodGet, "/api/shared-workspaces", nil)
	if code != http.StatusOK || out.Availability["ws-1"].State != workspace.StateFree {
		t.Errorf("after release: %d %+v", code, out.Availability)
	}

	code, _ = env.do(t, http.MethodPost, "/api/shared-workspaces/claim", map[string]any{"id": "ws-404"})
	if code != http.StatusNotFound {
		t.Errorf("unknown workspace: expected 404, got %d", code)
	}
}

func TestSyncMetricsAndWebhookMount(t *testing.T) {
	env := newTestEnv(t)

	code, out := env.do(t, http.MethodGet, "/api/project-sync/metrics", nil)
	if code != http.StatusOK {
		t.Fatalf("metrics: %d %+v", code, out)
	}
	var data struct {
		Webhook models.SyncMetrics `json:"webhook"`
	}
	if err := json.Unmarshal(out.Data, &data); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if data.Webhook.SyncSuccess != 4 || data.Webhook.InvalidSignature != 1 {
		t.Errorf("Unexpected metrics %+v", data.Webhook)
	}

	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/hooks/gh", nil))
	if w.Code != http.StatusAccepted {
		t.Errorf("Webhook not mounted, got %d", w.Code)
	}
}
