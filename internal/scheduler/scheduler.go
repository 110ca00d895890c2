package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/fleetd/internal/audit"
	"github.com/fentz26/fleetd/internal/kanban"
	"github.com/fentz26/fleetd/internal/logging"
	"github.com/fentz26/fleetd/internal/models"
	"github.com/fentz26/fleetd/internal/workspace"
	"github.com/fentz26/fleetd/internal/worktree"
)

// Coordinator answers whether this instance should do singleton work.
// *presence.Tracker implements it.
type Coordinator interface {
	IsCoordinator(ctx context.Context, ttl time.Duration) (bool, error)
}

// TaskLister lists backlog tasks. kanban.Adapter implements it.
type TaskLister interface {
	ListTasks(ctx context.Context, projectID string, f kanban.Filter) ([]models.Task, error)
}

// TaskSyncer is the shared sync entry point. *projectsync.Engine implements it.
type TaskSyncer interface {
	SyncTask(ctx context.Context, taskID string) error
}

// WorkspaceSweeper sweeps shared-workspace leases. *workspace.Service
// implements it.
type WorkspaceSweeper interface {
	Load(ctx context.Context) (*workspace.Registry, []string, error)
}

// WorktreePruner reclaims stale worktrees. *worktree.Manager implements it.
type WorktreePruner interface {
	Prune(ctx context.Context, opts worktree.PruneOptions) (*worktree.PruneResult, error)
}

// Deps are the collaborators a tick drives. Nil Workspaces or Worktrees
// skip that step.
type Deps struct {
	Coordinator Coordinator
	Tasks       TaskLister
	Sync        TaskSyncer
	Workspaces  WorkspaceSweeper
	Worktrees   WorktreePruner
	Audit       audit.Recorder
	Logger      *slog.Logger
	Actor       string
}

// Stats is a snapshot of poller activity.
type Stats struct {
	Ticks             int64      `json:"ticks"`
	SkippedTicks      int64      `json:"skippedTicks"`
	TasksSynced       int64      `json:"tasksSynced"`
	SyncErrors        int64      `json:"syncErrors"`
	WorkspacesExpired int64      `json:"workspacesExpired"`
	WorktreesPruned   int64      `json:"worktreesPruned"`
	LastTickAt        *time.Time `json:"lastTickAt,omitempty"`
	Coordinator       bool       `json:"coordinator"`
}

// Scheduler polls the backlog and performs coordinator-only maintenance.
type Scheduler struct {
	deps   Deps
	config *Config
	audit  audit.Recorder
	logger *slog.Logger

	mu    sync.Mutex
	stats Stats

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new scheduler.
func New(deps Deps, cfg *Config) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		deps:   deps,
		config: cfg.withDefaults(),
		audit:  deps.Audit,
		logger: logging.Component(deps.Logger, "scheduler"),
		ctx:    ctx,
		cancel: cancel,
	}
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	if s.deps.Actor == "" {
		s.deps.Actor = "scheduler"
	}
	return s
}

// Start begins the poll loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("scheduler started", "interval", s.config.Interval)
}

// Stop gracefully stops the poll loop and waits for a running tick.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Tick(s.ctx)
		}
	}
}

// Tick runs one poll pass. Non-coordinators only record the skip.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()
	isCoord, err := s.deps.Coordinator.IsCoordinator(ctx, s.config.PresenceTTL)
	if err != nil {
		s.logger.Warn("coordinator check failed", "error", err)
	}

	s.mu.Lock()
	s.stats.Ticks++
	s.stats.LastTickAt = &now
	s.stats.Coordinator = isCoord
	if !isCoord {
		s.stats.SkippedTicks++
	}
	s.mu.Unlock()
	if !isCoord {
		return
	}

	s.syncBacklog(ctx)
	s.sweepWorkspaces(ctx)
	s.pruneWorktrees(ctx)
}

func (s *Scheduler) syncBacklog(ctx context.Context) {
	tasks, err := s.deps.Tasks.ListTasks(ctx, s.config.ProjectID, kanban.Filter{Status: models.TaskStatusTodo, Limit: s.config.BatchLimit})
	if err != nil {
		s.logger.Warn("list todo tasks failed", "error", err)
		s.mu.Lock()
		s.stats.SyncErrors++
		s.mu.Unlock()
		return
	}
	var synced, failed int64
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		// Failures are counted and alerted on by the sync engine.
		if err := s.deps.Sync.SyncTask(ctx, t.ID); err != nil {
			failed++
			continue
		}
		synced++
	}
	s.mu.Lock()
	s.stats.TasksSynced += synced
	s.stats.SyncErrors += failed
	s.mu.Unlock()

	if len(tasks) > 0 {
		outcome := audit.OutcomeSuccess
		if failed > 0 {
			outcome = audit.OutcomeFailed
		}
		s.audit.Record(ctx, "scheduler.sync", map[string]any{"actor": s.deps.Actor, "project": s.config.ProjectID},
			outcome, "", fmt.Sprintf("listed=%d synced=%d failed=%d", len(tasks), synced, failed))
	}
}

func (s *Scheduler) sweepWorkspaces(ctx context.Context) {
	if s.deps.Workspaces == nil {
		return
	}
	_, expired, err := s.deps.Workspaces.Load(ctx)
	if err != nil {
		s.logger.Warn("workspace sweep failed", "error", err)
		return
	}
	if len(expired) > 0 {
		s.logger.Info("shared workspace leases expired", "ids", expired)
		s.mu.Lock()
		s.stats.WorkspacesExpired += int64(len(expired))
		s.mu.Unlock()
	}
}

func (s *Scheduler) pruneWorktrees(ctx context.Context) {
	if s.deps.Worktrees == nil {
		return
	}
	res, err := s.deps.Worktrees.Prune(ctx, worktree.PruneOptions{Actor: s.deps.Actor})
	if err != nil {
		s.logger.Warn("worktree prune failed", "error", err)
		return
	}
	if res == nil {
		return
	}
	s.mu.Lock()
	s.stats.WorktreesPruned += int64(len(res.Pruned))
	s.mu.Unlock()
}

// Stats returns current scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	if st.LastTickAt != nil {
		t := *st.LastTickAt
		st.LastTickAt = &t
	}
	return st
}
