package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/fleetd/internal/kanban"
	"github.com/fentz26/fleetd/internal/models"
	"github.com/fentz26/fleetd/internal/workspace"
	"github.com/fentz26/fleetd/internal/worktree"
)

type staticCoordinator struct {
	is  bool
	err error
}

func (c staticCoordinator) IsCoordinator(context.Context, time.Duration) (bool, error) {
	return c.is, c.err
}

type mockTasks struct {
	tasks  []models.Task
	err    error
	filter kanban.Filter
}

func (m *mockTasks) ListTasks(_ context.Context, _ string, f kanban.Filter) ([]models.Task, error) {
	m.filter = f
	return m.tasks, m.err
}

type mockSync struct {
	mu   sync.Mutex
	ids  []string
	fail map[string]bool
}

func (m *mockSync) SyncTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, id)
	if m.fail[id] {
		return errors.New("sync failed")
	}
	return nil
}

func (m *mockSync) seen() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ids...)
}

type mockWorkspaces struct {
	expired []string
	calls   int
}

func (m *mockWorkspaces) Load(context.Context) (*workspace.Registry, []string, error) {
	m.calls++
	return &workspace.Registry{}, m.expired, nil
}

type mockPruner struct {
	calls int
	actor string
}

func (m *mockPruner) Prune(_ context.Context, opts worktree.PruneOptions) (*worktree.PruneResult, error) {
	m.calls++
	m.actor = opts.Actor
	return &worktree.PruneResult{Scanned: 3, Pruned: []string{"task-1", "task-2"}}, nil
}

func TestTickAsCoordinator(t *testing.T) {
	tasks := &mockTasks{tasks: []models.Task{{ID: "1"}, {ID: "2"}, {ID: "3"}}}
	syncs := &mockSync{fail: map[string]bool{"2": true}}
	ws := &mockWorkspaces{expired: []string{"ws-a"}}
	pruner := &mockPruner{}

	sch := New(Deps{
		Coordinator: staticCoordinator{is: true},
		Tasks:       tasks,
		Sync:        syncs,
		Workspaces:  ws,
		Worktrees:   pruner,
		Actor:       "inst-a",
	}, &Config{BatchLimit: 10})

	sch.Tick(context.Background())

	if got := syncs.seen(); len(got) != 3 {
		t.Fatalf("Expected 3 syncs, got %v", got)
	}
	if tasks.filter.Status != models.TaskStatusTodo || tasks.filter.Limit != 10 {
		t.Errorf("Unexpected filter %+v", tasks.filter)
	}
	if ws.calls != 1 {
		t.Errorf("Expected one workspace sweep, got %d", ws.calls)
	}
	if pruner.calls != 1 || pruner.actor != "inst-a" {
		t.Errorf("Expected one prune by inst-a, got %d by %q", pruner.calls, pruner.actor)
	}

	st := sch.Stats()
	if st.Ticks != 1 || st.SkippedTicks != 0 {
		t.Errorf("Unexpected tick counts %+v", st)
	}
	if st.TasksSynced != 2 || st.SyncErrors != 1 {
		t.Errorf("Expected 2 synced and 1 error, got %d and %d", st.TasksSynced, st.SyncErrors)
	}
	if st.WorkspacesExpired != 1 || st.WorktreesPruned != 2 {
		t.Errorf("Unexpected maintenance counts %+v", st)
	}
	if !st.Coordinator || st.LastTickAt == nil {
		t.Errorf("Expected coordinator tick timestamp, got %+v", st)
	}
}

func TestTickSkippedWhenNotCoordinator(t *testing.T) {
	tasks := &mockTasks{tasks: []models.Task{{ID: "1"}}}
	syncs := &mockSync{}
	pruner := &mockPruner{}

	sch := New(Deps{Coordinator: staticCoordinator{}, Tasks: tasks, Sync: syncs, Worktrees: pruner}, nil)
	sch.Tick(context.Background())

	if len(syncs.seen()) != 0 || pruner.calls != 0 {
		t.Fatalf("Non-coordinator must not do work")
	}
	st := sch.Stats()
	if st.Ticks != 1 || st.SkippedTicks != 1 || st.Coordinator {
		t.Errorf("Unexpected stats %+v", st)
	}
}

func TestTickCoordinatorErrorSkips(t *testing.T) {
	syncs := &mockSync{}
	sch := New(Deps{Coordinator: staticCoordinator{err: errors.New("db locked")}, Tasks: &mockTasks{}, Sync: syncs}, nil)
	sch.Tick(context.Background())
	if sch.Stats().SkippedTicks != 1 {
		t.Errorf("Expected a skipped tick on coordinator error")
	}
}

func TestListFailureCounted(t *testing.T) {
	sch := New(Deps{Coordinator: staticCoordinator{is: true}, Tasks: &mockTasks{err: errors.New("gh down")}, Sync: &mockSync{}}, nil)
	sch.Tick(context.Background())
	if got := sch.Stats().SyncErrors; got != 1 {
		t.Errorf("Expected 1 sync error, got %d", got)
	}
}

func TestStartStop(t *testing.T) {
	syncs := &mockSync{}
	sch := New(Deps{
		Coordinator: staticCoordinator{is: true},
		Tasks:       &mockTasks{tasks: []models.Task{{ID: "1"}}},
		Sync:        syncs,
	}, &Config{Interval: 10 * time.Millisecond})

	sch.Start()
	deadline := time.Now().Add(2 * time.Second)
	for sch.Stats().Ticks < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sch.Stop()

	ticks := sch.Stats().Ticks
	if ticks < 2 {
		t.Fatalf("Expected at least 2 ticks, got %d", ticks)
	}
	time.Sleep(30 * time.Millisecond)
	if sch.Stats().Ticks != ticks {
		t.Errorf("Ticks continued after Stop")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := (*Config)(nil).withDefaults()
	if cfg.Interval != 60*time.Second || cfg.BatchLimit != 25 {
		t.Errorf("Unexpected defaults %+v", cfg)
	}
}
