package scheduler

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fentz26/fleetd/internal/models"
	"github.com/fentz26/fleetd/internal/presence"
	"github.com/fentz26/fleetd/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s
}

// TestOnlyCoordinatorPolls runs two schedulers against one shared presence
// store; exactly one of them does the backlog work on a tick.
func TestOnlyCoordinatorPolls(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()
	ctx := context.Background()

	tasks := &mockTasks{tasks: []models.Task{{ID: "10"}, {ID: "11"}}}
	syncs := map[string]*mockSync{}
	scheds := map[string]*Scheduler{}

	for _, id := range []string{"inst-b", "inst-a"} {
		tr := presence.New(s, presence.Options{Hostname: "host"})
		if _, err := tr.Init(ctx, presence.InitOptions{InstanceID: id}); err != nil {
			t.Fatalf("Failed to init presence: %v", err)
		}
		defer tr.Close()

		syncs[id] = &mockSync{}
		scheds[id] = New(Deps{Coordinator: tr, Tasks: tasks, Sync: syncs[id], Actor: id}, nil)
	}

	for _, sch := range scheds {
		sch.Tick(ctx)
	}

	if got := syncs["inst-a"].seen(); len(got) != 2 {
		t.Errorf("Coordinator inst-a should sync 2 tasks, got %v", got)
	}
	if got := syncs["inst-b"].seen(); len(got) != 0 {
		t.Errorf("inst-b is not coordinator, synced %v", got)
	}
	if !scheds["inst-a"].Stats().Coordinator || scheds["inst-b"].Stats().Coordinator {
		t.Errorf("Coordinator flags wrong: a=%v b=%v", scheds["inst-a"].Stats().Coordinator, scheds["inst-b"].Stats().Coordinator)
	}
}
